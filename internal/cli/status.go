package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/status"
)

type statusOptions struct {
	states []string
	task   int
	since  time.Duration
	latest bool
	retry  bool
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var opts statusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded task outcomes",
		Long: `Print status ledger records, optionally filtered by state, task index and
age. With --retry the indices whose latest outcome is FAIL_TRANSFER or
SKIP_NOSPACE are printed comma-separated, ready for sbatch --array.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return writeStatus(os.Stdout, cfg.StatusPath(), opts, time.Now())
		},
	}

	cmd.Flags().StringSliceVarP(&opts.states, "state", "s", nil, "only show these states (DONE, SKIP_EXISTS, SKIP_NOSPACE, FAIL_TRANSFER)")
	cmd.Flags().IntVarP(&opts.task, "task", "t", 0, "only show this task index")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "only show records newer than this, e.g. 2h")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "only the last record per task")
	cmd.Flags().BoolVar(&opts.retry, "retry", false, "print task indices to resubmit")

	return cmd
}

func writeStatus(w io.Writer, path string, opts statusOptions, now time.Time) error {
	filter := status.Filter{Index: opts.task}
	for _, s := range opts.states {
		state := status.State(strings.ToUpper(strings.TrimSpace(s)))
		if !state.Valid() {
			return fmt.Errorf("unknown state %q", s)
		}
		filter.States = append(filter.States, state)
	}
	if opts.since > 0 {
		filter.Since = now.Add(-opts.since)
	}

	if opts.retry {
		// Retry decisions need every state, otherwise a later DONE is missed.
		records, err := status.ReadFile(path, status.Filter{Index: opts.task, Since: filter.Since})
		if err != nil {
			return err
		}
		indices := status.RetryIndices(records)
		parts := make([]string, len(indices))
		for i, n := range indices {
			parts[i] = strconv.Itoa(n)
		}
		_, err = fmt.Fprintln(w, strings.Join(parts, ","))
		return err
	}

	if !opts.latest {
		records, err := status.ReadFile(path, filter)
		if err != nil {
			return err
		}
		return writeRecords(w, records)
	}

	// The state filter applies to the latest record, not before picking it.
	records, err := status.ReadFile(path, status.Filter{Index: opts.task, Since: filter.Since})
	if err != nil {
		return err
	}
	var latest []status.Record
	for _, r := range status.Latest(records) {
		if filter.Match(r) {
			latest = append(latest, r)
		}
	}
	return writeRecords(w, latest)
}

func writeRecords(w io.Writer, records []status.Record) error {
	for _, r := range records {
		if _, err := fmt.Fprintln(w, r.Line()); err != nil {
			return err
		}
	}
	return nil
}
