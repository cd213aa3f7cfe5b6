package cli

import (
	"fmt"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/config"
	sbdhttp "github.com/jakebutler98/slurm-batch-downloader/pkg/http"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/pathmap"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/probe"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/reservation"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/status"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/transfer"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/verify"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/worker"
)

// These variables will be set by the main package
var (
	ConfigPath *string
	Verbose    *bool
	LogFormat  *string
)

// loadConfig loads the configuration, applies the global flags and
// initializes the logger from the result.
func loadConfig() (*config.Config, error) {
	path := config.DefaultConfigPath()
	if ConfigPath != nil && *ConfigPath != "" {
		path = *ConfigPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with CLI flags if provided
	if Verbose != nil && *Verbose {
		cfg.Log.Level = "debug"
	}
	if LogFormat != nil && *LogFormat != "" {
		cfg.Log.Format = *LogFormat
	}
	logger.InitLogger(cfg.Log.Level, logger.OutputFormat(cfg.Log.Format))

	if err := cfg.CheckRequires(Version); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigPath returns the file that config set and init write to.
func getConfigPath() string {
	if ConfigPath != nil && *ConfigPath != "" {
		return *ConfigPath
	}
	return config.DefaultConfigFile
}

// components are the collaborators of a worker built from one configuration.
type components struct {
	cfg      *config.Config
	mapper   pathmap.Mapper
	probe    *probe.HTTPProbe
	ledger   *reservation.Ledger
	engine   *transfer.Engine
	verifier *verify.Verifier
	status   *status.Ledger
	margin   int64
}

func newComponents(cfg *config.Config, runID string) (*components, error) {
	mapper, err := pathmap.New(cfg.Mapping)
	if err != nil {
		return nil, err
	}

	margin, err := cfg.SafetyMarginBytes()
	if err != nil {
		return nil, err
	}

	ledger, err := reservation.New(reservation.Options{
		CounterPath: cfg.ReservationPath(),
		VolumePath:  cfg.Paths.OutputDir,
		LockTimeout: cfg.Reservation.LockTimeout,
		LeaseTTL:    cfg.Reservation.LeaseTTL,
		RunID:       runID,
	})
	if err != nil {
		return nil, err
	}

	authenticator := cfg.Transfer.Auth.ToAuthenticator()
	probeClient := sbdhttp.NewClient(sbdhttp.Options{
		ConnectTimeout: cfg.Transfer.ConnectTimeout,
		Timeout:        cfg.Transfer.ProbeTimeout,
		UserAgent:      cfg.Transfer.UserAgent,
		Auth:           authenticator,
	})
	transferClient := sbdhttp.NewClient(sbdhttp.Options{
		ConnectTimeout: cfg.Transfer.ConnectTimeout,
		UserAgent:      cfg.Transfer.UserAgent,
		Auth:           authenticator,
	})

	c := &components{
		cfg:    cfg,
		mapper: mapper,
		probe:  probe.New(probeClient),
		ledger: ledger,
		engine: transfer.New(transferClient, transfer.Options{
			MaxAttempts:    cfg.Transfer.MaxAttempts,
			AttemptTimeout: cfg.Transfer.AttemptTimeout,
			RetryDelay:     cfg.Transfer.RetryDelay,
			StagingSuffix:  cfg.Transfer.StagingSuffix,
		}),
		status: status.NewLedger(cfg.StatusPath(), cfg.Reservation.LockTimeout),
		margin: int64(margin),
	}
	if cfg.Verify.Enabled {
		c.verifier = verify.New(verify.Options{
			ManifestNames: cfg.Verify.ManifestNames,
			Extensions:    cfg.Verify.Extensions,
		})
	}
	return c, nil
}

// worker assembles a Worker. Progress events are logged at debug level.
func (c *components) worker() *worker.Worker {
	// A nil *verify.Verifier must not become a non-nil interface.
	var v worker.Verifier
	if c.verifier != nil {
		v = c.verifier
	}

	hooks := worker.Hooks{
		OnEvent: func(e worker.Event) {
			logger.Debug("Task state", logger.Fields{"state": e.State, "path": e.Path, "msg": e.Msg})
		},
	}

	return worker.New(
		c.mapper,
		c.probe,
		worker.LedgerReserver{Ledger: c.ledger},
		c.engine,
		v,
		c.status,
		hooks,
		worker.Options{
			OutputDir:           c.cfg.Paths.OutputDir,
			SafetyMargin:        c.margin,
			ArtifactLockTimeout: c.cfg.Reservation.LockTimeout,
		},
	)
}
