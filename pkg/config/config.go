// Package config provides configuration management for the batch downloader.
// Settings are read from a YAML file with spf13/viper, may be overridden
// through SBD_* environment variables, and are validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-version"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// Config represents the application configuration.
type Config struct {
	// Requires is a version constraint on the tool, e.g. ">= 0.2, < 1.0".
	Requires    string            `mapstructure:"requires" yaml:"requires,omitempty"`
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths"`
	Task        TaskConfig        `mapstructure:"task" yaml:"task"`
	Mapping     MappingConfig     `mapstructure:"mapping" yaml:"mapping"`
	Reservation ReservationConfig `mapstructure:"reservation" yaml:"reservation"`
	Transfer    TransferConfig    `mapstructure:"transfer" yaml:"transfer"`
	Verify      VerifyConfig      `mapstructure:"verify" yaml:"verify"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// PathsConfig locates the input list, the output tree and the two shared
// coordination files.
type PathsConfig struct {
	InputList string `mapstructure:"input_list" yaml:"input_list"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	// ReservationFile defaults to <output_dir>/.sbd/reserved_bytes.
	ReservationFile string `mapstructure:"reservation_file" yaml:"reservation_file,omitempty"`
	// StatusFile defaults to <output_dir>/.sbd/status.tsv.
	StatusFile string `mapstructure:"status_file" yaml:"status_file,omitempty"`
}

// TaskConfig controls how a worker learns its task index.
type TaskConfig struct {
	IndexEnv string `mapstructure:"index_env" yaml:"index_env"`
}

// MappingConfig selects the URL to relative path rule. At most one of the
// fields may be set; with none set the scheme and host are stripped.
type MappingConfig struct {
	StripPrefix  string `mapstructure:"strip_prefix" yaml:"strip_prefix,omitempty"`
	StripPattern string `mapstructure:"strip_pattern" yaml:"strip_pattern,omitempty"`
	Script       string `mapstructure:"script" yaml:"script,omitempty"`
}

// ReservationConfig controls the shared disk-space budget.
type ReservationConfig struct {
	SafetyMargin string        `mapstructure:"safety_margin" yaml:"safety_margin"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	// LeaseTTL > 0 reconciles the counter before every reservation, dropping
	// leases older than the TTL or whose staging file is gone.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
}

// TransferConfig controls the resumable HTTP transfer.
type TransferConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	StagingSuffix  string        `mapstructure:"staging_suffix" yaml:"staging_suffix"`
	Auth           *AuthConfig   `mapstructure:"auth" yaml:"auth,omitempty"`
}

// VerifyConfig controls manifest verification.
type VerifyConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	ManifestNames []string `mapstructure:"manifest_names" yaml:"manifest_names"`
	// Extensions restricts verification to these suffixes. When empty, any
	// file recognised as an archive or compressed stream is verified.
	Extensions []string `mapstructure:"extensions" yaml:"extensions,omitempty"`
}

// LogConfig controls console logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default configuration values.
const (
	DefaultInputList      = "urls.txt"
	DefaultOutputDir      = "./downloads"
	DefaultIndexEnv       = "SLURM_ARRAY_TASK_ID"
	DefaultSafetyMargin   = "5GiB"
	DefaultLockTimeout    = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 30 * time.Second
	DefaultAttemptTimeout = 12 * time.Hour
	DefaultRetryDelay     = 10 * time.Second
	DefaultProbeTimeout   = 60 * time.Second
	DefaultUserAgent      = "sbd/1.0"
	DefaultStagingSuffix  = ".part"

	// EnvPrefix prefixes environment overrides, e.g. SBD_RESERVATION_SAFETY_MARGIN.
	EnvPrefix = "SBD"

	// StateDirName holds the coordination files inside the output tree.
	StateDirName = ".sbd"

	// DefaultConfigFile is picked up from the working directory when no
	// --config flag is given.
	DefaultConfigFile = "sbd.yaml"

	// YAMLIndent is the number of spaces to use for YAML indentation.
	YAMLIndent = 2
)

// DefaultManifestNames are looked up, in order, next to each artifact.
var DefaultManifestNames = []string{"MD5SUMS", "md5sum.txt", "md5sums.txt", "SHA256SUMS", "sha256sum.txt", "CHECKSUMS"}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			InputList: DefaultInputList,
			OutputDir: DefaultOutputDir,
		},
		Task: TaskConfig{IndexEnv: DefaultIndexEnv},
		Reservation: ReservationConfig{
			SafetyMargin: DefaultSafetyMargin,
			LockTimeout:  DefaultLockTimeout,
		},
		Transfer: TransferConfig{
			MaxAttempts:    DefaultMaxAttempts,
			ConnectTimeout: DefaultConnectTimeout,
			AttemptTimeout: DefaultAttemptTimeout,
			RetryDelay:     DefaultRetryDelay,
			ProbeTimeout:   DefaultProbeTimeout,
			UserAgent:      DefaultUserAgent,
			StagingSuffix:  DefaultStagingSuffix,
		},
		Verify: VerifyConfig{
			Enabled:       true,
			ManifestNames: append([]string(nil), DefaultManifestNames...),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("requires", "")
	v.SetDefault("paths.input_list", d.Paths.InputList)
	v.SetDefault("paths.output_dir", d.Paths.OutputDir)
	v.SetDefault("paths.reservation_file", "")
	v.SetDefault("paths.status_file", "")
	v.SetDefault("task.index_env", d.Task.IndexEnv)
	v.SetDefault("mapping.strip_prefix", "")
	v.SetDefault("mapping.strip_pattern", "")
	v.SetDefault("mapping.script", "")
	v.SetDefault("reservation.safety_margin", d.Reservation.SafetyMargin)
	v.SetDefault("reservation.lock_timeout", d.Reservation.LockTimeout)
	v.SetDefault("reservation.lease_ttl", d.Reservation.LeaseTTL)
	v.SetDefault("transfer.max_attempts", d.Transfer.MaxAttempts)
	v.SetDefault("transfer.connect_timeout", d.Transfer.ConnectTimeout)
	v.SetDefault("transfer.attempt_timeout", d.Transfer.AttemptTimeout)
	v.SetDefault("transfer.retry_delay", d.Transfer.RetryDelay)
	v.SetDefault("transfer.probe_timeout", d.Transfer.ProbeTimeout)
	v.SetDefault("transfer.user_agent", d.Transfer.UserAgent)
	v.SetDefault("transfer.staging_suffix", d.Transfer.StagingSuffix)
	v.SetDefault("verify.enabled", d.Verify.Enabled)
	v.SetDefault("verify.manifest_names", d.Verify.ManifestNames)
	v.SetDefault("verify.extensions", []string{})
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig loads configuration from path. An empty path yields the
// defaults plus environment overrides; a path that does not exist is an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidConfigPath, err.Error())
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, errors.Wrapf(err, "failed to open config file: %s", path)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrConfigValidation, err.Error())
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a file.
func (c *Config) SaveConfig(path string) error {
	if path == "" {
		return errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidConfigPath, err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(absPath), fsutil.DirModeSecure); err != nil {
		return errors.Wrap(errors.ErrConfigDirectory, err.Error())
	}

	data, err := c.ToYAML()
	if err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(absPath, data, fsutil.FileModeSecure); err != nil {
		return errors.Wrap(errors.ErrConfigFileRename, err.Error())
	}

	return nil
}

// ToYAML converts the config to YAML bytes.
func (c *Config) ToYAML() ([]byte, error) {
	var sb strings.Builder
	encoder := yaml.NewEncoder(&sb)
	encoder.SetIndent(YAMLIndent)
	if err := encoder.Encode(c); err != nil {
		return nil, errors.Wrap(errors.ErrConfigEncode, err.Error())
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrConfigEncode, err.Error())
	}
	return []byte(sb.String()), nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c == nil {
		return errors.ErrConfigValidation
	}
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir cannot be empty")
	}
	if c.Requires != "" {
		if _, err := version.NewConstraint(c.Requires); err != nil {
			return fmt.Errorf("requires: %w", err)
		}
	}
	if err := validateMapping(c.Mapping); err != nil {
		return err
	}
	if _, err := c.SafetyMarginBytes(); err != nil {
		return err
	}
	if c.Reservation.LockTimeout <= 0 {
		return fmt.Errorf("reservation.lock_timeout must be positive")
	}
	if c.Reservation.LeaseTTL < 0 {
		return fmt.Errorf("reservation.lease_ttl cannot be negative")
	}
	if err := validateTransfer(c.Transfer); err != nil {
		return err
	}
	if c.Verify.Enabled && len(c.Verify.ManifestNames) == 0 {
		return fmt.Errorf("verify.manifest_names cannot be empty when verification is enabled")
	}
	return validateLog(c.Log)
}

func validateMapping(m MappingConfig) error {
	set := 0
	for _, v := range []string{m.StripPrefix, m.StripPattern, m.Script} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("mapping: only one of strip_prefix, strip_pattern and script may be set")
	}
	if m.StripPattern != "" {
		if _, err := regexp.Compile(m.StripPattern); err != nil {
			return fmt.Errorf("mapping.strip_pattern: %w", err)
		}
	}
	return nil
}

func validateTransfer(t TransferConfig) error {
	if t.MaxAttempts < 1 {
		return fmt.Errorf("transfer.max_attempts must be at least 1")
	}
	if t.ConnectTimeout < 0 || t.AttemptTimeout < 0 || t.RetryDelay < 0 || t.ProbeTimeout < 0 {
		return fmt.Errorf("transfer timeouts cannot be negative")
	}
	if t.StagingSuffix == "" {
		return fmt.Errorf("transfer.staging_suffix cannot be empty")
	}
	if t.Auth != nil {
		return t.Auth.Validate()
	}
	return nil
}

func validateLog(l LogConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(l.Level)] {
		return errors.ErrInvalidLogLevelWithDetails(l.Level)
	}
	if l.Format != "text" && l.Format != "json" {
		return errors.ErrInvalidLogFormatWithDetails(l.Format)
	}
	return nil
}

// CheckRequires fails when current does not satisfy the Requires constraint.
func (c *Config) CheckRequires(current string) error {
	if c.Requires == "" {
		return nil
	}
	constraints, err := version.NewConstraint(c.Requires)
	if err != nil {
		return fmt.Errorf("requires: %w", err)
	}
	v, err := version.NewVersion(current)
	if err != nil {
		return fmt.Errorf("invalid tool version %q: %w", current, err)
	}
	if !constraints.Check(v) {
		return fmt.Errorf("%w: configuration requires version %s, this is %s",
			errors.ErrConfigValidation, c.Requires, current)
	}
	return nil
}

// DefaultConfigPath returns DefaultConfigFile if it exists in the working
// directory, otherwise an empty path meaning defaults plus environment.
func DefaultConfigPath() string {
	if fsutil.Exists(DefaultConfigFile) {
		return DefaultConfigFile
	}
	return ""
}

// SafetyMarginBytes parses the human readable safety margin ("5GiB", "500 MB", "0").
func (c *Config) SafetyMarginBytes() (uint64, error) {
	return ParseSize(c.Reservation.SafetyMargin)
}

// ParseSize parses a human readable byte size. An empty string is zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidSize, "%q", s)
	}
	return n, nil
}

// StateDir is the directory holding the default coordination files.
func (c *Config) StateDir() string {
	return filepath.Join(c.Paths.OutputDir, StateDirName)
}

// ReservationPath returns the reservation counter file path.
func (c *Config) ReservationPath() string {
	if c.Paths.ReservationFile != "" {
		return c.Paths.ReservationFile
	}
	return filepath.Join(c.StateDir(), "reserved_bytes")
}

// StatusPath returns the status ledger file path.
func (c *Config) StatusPath() string {
	if c.Paths.StatusFile != "" {
		return c.Paths.StatusFile
	}
	return filepath.Join(c.StateDir(), "status.tsv")
}
