package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/reservation"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/tasklist"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/worker"
)

// DefaultPlanConcurrency bounds the parallel size probes of the plan command.
const DefaultPlanConcurrency = 8

// NewPlanCmd creates the plan command.
func NewPlanCmd() *cobra.Command {
	var (
		input       string
		concurrency int
		list        bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Estimate the space the remaining tasks need",
		Long: `Probe every URL in the input list, sum the sizes of the artifacts that are
not yet present and compare the total with the free space on the output
volume minus current reservations and the safety margin. Nothing is
reserved or downloaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), input, concurrency, list)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "input list (default: paths.input_list)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", DefaultPlanConcurrency, "parallel size probes")
	cmd.Flags().BoolVar(&list, "list", false, "list every pending task with its size")

	return cmd
}

// planEntry is one task as seen by the planner.
type planEntry struct {
	Index   int
	Path    string
	Present bool
	// Size is -1 when the remote did not declare it.
	Size int64
}

// planSummary aggregates the entries.
type planSummary struct {
	Tasks        int
	Present      int
	Pending      int
	UnknownSize  int
	PendingBytes uint64
}

func summarize(entries []planEntry) planSummary {
	s := planSummary{Tasks: len(entries)}
	for _, e := range entries {
		switch {
		case e.Present:
			s.Present++
		case e.Size < 0:
			s.Pending++
			s.UnknownSize++
		default:
			s.Pending++
			s.PendingBytes += uint64(e.Size)
		}
	}
	return s
}

// buildPlan maps every task and probes the ones whose artifact is missing.
// Entries are returned in task order.
func buildPlan(ctx context.Context, tasks []tasklist.Task, mapper worker.Mapper, prober worker.SizeProbe,
	outputDir string, concurrency int) ([]planEntry, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	entries := make([]planEntry, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, t := range tasks {
		g.Go(func() error {
			rel, err := mapper.Map(gctx, t.SourceURL)
			if err != nil {
				return fmt.Errorf("task %d: %w", t.Index, err)
			}
			e := planEntry{Index: t.Index, Path: rel, Size: -1}
			if fsutil.Exists(filepath.Join(outputDir, filepath.FromSlash(rel))) {
				e.Present = true
				entries[i] = e
				return nil
			}

			size, err := prober.Probe(gctx, t.SourceURL)
			switch {
			case err == nil:
				e.Size = size
			case stderrors.Is(err, errors.ErrSizeUnknown):
				if gctx.Err() != nil {
					return gctx.Err()
				}
			default:
				return fmt.Errorf("task %d: %w", t.Index, err)
			}
			entries[i] = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func runPlan(ctx context.Context, input string, concurrency int, list bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if input == "" {
		input = cfg.Paths.InputList
	}
	tasks, err := tasklist.ReadFile(input)
	if err != nil {
		return err
	}

	comps, err := newComponents(cfg, "")
	if err != nil {
		return err
	}

	entries, err := buildPlan(ctx, tasks, comps.mapper, comps.probe, cfg.Paths.OutputDir, concurrency)
	if err != nil {
		return err
	}
	snap, err := comps.ledger.Snapshot(ctx)
	if err != nil {
		return err
	}

	if list {
		writePlanEntries(os.Stdout, entries)
	}
	writePlanReport(os.Stdout, summarize(entries), snap, comps.margin)
	return nil
}

func writePlanEntries(w io.Writer, entries []planEntry) {
	tabWriter := tabwriter.NewWriter(w, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tabWriter, "TASK\tSIZE\tPATH")
	_, _ = fmt.Fprintln(tabWriter, "----\t----\t----")
	for _, e := range entries {
		if e.Present {
			continue
		}
		size := "unknown"
		if e.Size >= 0 {
			size = humanize.IBytes(uint64(e.Size))
		}
		_, _ = fmt.Fprintf(tabWriter, "%d\t%s\t%s\n", e.Index, size, e.Path)
	}
	_ = tabWriter.Flush()
	_, _ = fmt.Fprintln(w)
}

func writePlanReport(w io.Writer, s planSummary, snap reservation.Snapshot, margin int64) {
	headroom := snap.Available() - margin

	tabWriter := tabwriter.NewWriter(w, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintf(tabWriter, "Tasks:\t%d\n", s.Tasks)
	_, _ = fmt.Fprintf(tabWriter, "Already present:\t%d\n", s.Present)
	_, _ = fmt.Fprintf(tabWriter, "Pending:\t%d (%d of unknown size)\n", s.Pending, s.UnknownSize)
	_, _ = fmt.Fprintf(tabWriter, "Pending bytes:\t%s\n", humanize.IBytes(s.PendingBytes))
	_, _ = fmt.Fprintf(tabWriter, "Free:\t%s\n", humanize.IBytes(snap.Free))
	_, _ = fmt.Fprintf(tabWriter, "Reserved:\t%s (%d leases)\n", humanize.IBytes(uint64(max(0, snap.Reserved))), len(snap.Leases))
	_, _ = fmt.Fprintf(tabWriter, "Safety margin:\t%s\n", humanize.IBytes(uint64(max(0, margin))))
	_, _ = fmt.Fprintf(tabWriter, "Headroom:\t%s\n", signedBytes(headroom))
	_ = tabWriter.Flush()

	switch {
	case headroom >= 0 && s.PendingBytes <= uint64(headroom):
		_, _ = fmt.Fprintln(w, "\nAll pending tasks fit at once.")
	default:
		_, _ = fmt.Fprintln(w, "\nPending tasks do not fit at once; some will be skipped with SKIP_NOSPACE and can be resubmitted.")
	}
	if s.UnknownSize > 0 {
		_, _ = fmt.Fprintln(w, "Tasks of unknown size are only checked against the safety margin.")
	}
}

func signedBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
