package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// SetValue sets a configuration value by its dotted key, e.g.
// "reservation.safety_margin". Only scalar settings are supported.
func (c *Config) SetValue(key, value string) error {
	switch key {
	case "requires":
		c.Requires = value
	case "paths.input_list":
		c.Paths.InputList = value
	case "paths.output_dir":
		c.Paths.OutputDir = value
	case "paths.reservation_file":
		c.Paths.ReservationFile = value
	case "paths.status_file":
		c.Paths.StatusFile = value
	case "task.index_env":
		c.Task.IndexEnv = value
	case "mapping.strip_prefix":
		c.Mapping.StripPrefix = value
	case "mapping.strip_pattern":
		c.Mapping.StripPattern = value
	case "mapping.script":
		c.Mapping.Script = value
	case "reservation.safety_margin":
		if _, err := ParseSize(value); err != nil {
			return err
		}
		c.Reservation.SafetyMargin = value
	case "reservation.lock_timeout":
		return setDuration(&c.Reservation.LockTimeout, key, value)
	case "reservation.lease_ttl":
		return setDuration(&c.Reservation.LeaseTTL, key, value)
	case "transfer.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %s", key, value)
		}
		c.Transfer.MaxAttempts = n
	case "transfer.connect_timeout":
		return setDuration(&c.Transfer.ConnectTimeout, key, value)
	case "transfer.attempt_timeout":
		return setDuration(&c.Transfer.AttemptTimeout, key, value)
	case "transfer.retry_delay":
		return setDuration(&c.Transfer.RetryDelay, key, value)
	case "transfer.probe_timeout":
		return setDuration(&c.Transfer.ProbeTimeout, key, value)
	case "transfer.user_agent":
		c.Transfer.UserAgent = value
	case "transfer.staging_suffix":
		c.Transfer.StagingSuffix = value
	case "verify.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %s", key, value)
		}
		c.Verify.Enabled = b
	case "verify.manifest_names":
		c.Verify.ManifestNames = splitList(value)
	case "verify.extensions":
		c.Verify.Extensions = splitList(value)
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	default:
		return fmt.Errorf("%w: %s", errors.ErrUnknownConfigKey, key)
	}
	return nil
}

// GetValue returns the value of a dotted key as a string.
func (c *Config) GetValue(key string) (string, error) {
	values := c.ToMap()
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownConfigKey, key)
	}
	return v, nil
}

// ToMap flattens the scalar settings into dotted keys for display.
func (c *Config) ToMap() map[string]string {
	return map[string]string{
		"requires":                  c.Requires,
		"paths.input_list":          c.Paths.InputList,
		"paths.output_dir":          c.Paths.OutputDir,
		"paths.reservation_file":    c.ReservationPath(),
		"paths.status_file":         c.StatusPath(),
		"task.index_env":            c.Task.IndexEnv,
		"mapping.strip_prefix":      c.Mapping.StripPrefix,
		"mapping.strip_pattern":     c.Mapping.StripPattern,
		"mapping.script":            c.Mapping.Script,
		"reservation.safety_margin": c.Reservation.SafetyMargin,
		"reservation.lock_timeout":  c.Reservation.LockTimeout.String(),
		"reservation.lease_ttl":     c.Reservation.LeaseTTL.String(),
		"transfer.max_attempts":     strconv.Itoa(c.Transfer.MaxAttempts),
		"transfer.connect_timeout":  c.Transfer.ConnectTimeout.String(),
		"transfer.attempt_timeout":  c.Transfer.AttemptTimeout.String(),
		"transfer.retry_delay":      c.Transfer.RetryDelay.String(),
		"transfer.probe_timeout":    c.Transfer.ProbeTimeout.String(),
		"transfer.user_agent":       c.Transfer.UserAgent,
		"transfer.staging_suffix":   c.Transfer.StagingSuffix,
		"verify.enabled":            strconv.FormatBool(c.Verify.Enabled),
		"verify.manifest_names":     strings.Join(c.Verify.ManifestNames, ","),
		"verify.extensions":         strings.Join(c.Verify.Extensions, ","),
		"log.level":                 c.Log.Level,
		"log.format":                c.Log.Format,
	}
}

func setDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s: %s", key, value)
	}
	*dst = d
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
