package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/status"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/tasklist"
)

// NewRunCmd creates the run command, executed once per job-array task.
func NewRunCmd() *cobra.Command {
	var (
		index int
		input string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download the artifact for one task",
		Long: `Download the artifact selected by the task index.

The index is 1-based over the non-blank lines of the input list. It is taken
from --index, or from the environment variable named by task.index_env
(SLURM_ARRAY_TASK_ID by default). Exactly one line is appended to the status
ledger per execution. The command exits non-zero only when the transfer
failed or the task could not be started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTask(cmd.Context(), index, input)
		},
	}

	cmd.Flags().IntVarP(&index, "index", "i", 0, "task index (default: from task.index_env)")
	cmd.Flags().StringVar(&input, "input", "", "input list (default: paths.input_list)")

	return cmd
}

func runTask(ctx context.Context, index int, input string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	index, err = resolveIndex(index, cfg.Task.IndexEnv)
	if err != nil {
		return err
	}
	if input == "" {
		input = cfg.Paths.InputList
	}

	task, err := tasklist.SelectFile(input, index)
	if err != nil {
		return err
	}

	runID := ksuid.New().String()
	logger.SetDefaultFields(logger.Fields{"run_id": runID, "task": task.Index})

	comps, err := newComponents(cfg, runID)
	if err != nil {
		return err
	}

	out, err := comps.worker().Run(ctx, task)
	if err != nil {
		return fmt.Errorf("task %d: %w", task.Index, err)
	}

	fields := logger.Fields{"state": out.State, "path": out.Path}
	if out.Size >= 0 {
		fields["size"] = humanize.IBytes(uint64(out.Size))
	}
	switch out.State {
	case status.Done:
		fields["verify"] = out.Verify.String()
		logger.Success("Task finished", fields)
	case status.SkipExists:
		logger.Info("Artifact already present", fields)
	case status.SkipNoSpace:
		fields["reason"] = out.Err
		logger.Warn("Not enough space, task skipped", fields)
	case status.FailTransfer:
		fields["error"] = out.Err
		logger.Error("Transfer failed", fields)
	}

	if out.ExitCode() != 0 {
		return fmt.Errorf("task %d: %w", task.Index, out.Err)
	}
	return nil
}

// resolveIndex returns flag when set, otherwise the value of the env
// variable named envName.
func resolveIndex(flag int, envName string) (int, error) {
	if flag != 0 {
		if flag < 0 {
			return 0, errors.ErrTaskIndexOutOfRangeWithDetails(flag, 0)
		}
		return flag, nil
	}
	if envName == "" {
		return 0, errors.ErrTaskIndexMissing
	}

	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return 0, fmt.Errorf("%w: set --index or %s", errors.ErrTaskIndexMissing, envName)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", errors.ErrTaskIndexMissing, envName, raw)
	}
	if n < 1 {
		return 0, errors.ErrTaskIndexOutOfRangeWithDetails(n, 0)
	}
	return n, nil
}
