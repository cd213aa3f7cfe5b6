package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/reservation"
)

// NewReconcileCmd creates the reconcile command.
func NewReconcileCmd() *cobra.Command {
	var (
		ttl    time.Duration
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Drop reservations left behind by crashed workers",
		Long: `Rebuild the reservation counter from the leases that still belong to a
live transfer. A lease is dropped when it is older than --ttl, when its
owning process is gone from this host, or when neither its staging nor its
final file appeared within the grace period. A corrupt counter is repaired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), cmd.Flags().Changed("ttl"), ttl, dryRun)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "drop leases older than this (default: reservation.lease_ttl, 0 disables)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show the current reservations")

	return cmd
}

func runReconcile(ctx context.Context, ttlSet bool, ttl time.Duration, dryRun bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !ttlSet {
		ttl = cfg.Reservation.LeaseTTL
	}

	ledger, err := reservation.New(reservation.Options{
		CounterPath: cfg.ReservationPath(),
		VolumePath:  cfg.Paths.OutputDir,
		LockTimeout: cfg.Reservation.LockTimeout,
	})
	if err != nil {
		return err
	}

	if dryRun {
		snap, err := ledger.Snapshot(ctx)
		if err != nil {
			return err
		}
		writeLeases(os.Stdout, snap.Leases)
		fmt.Printf("\nReserved %s, free %s\n",
			humanize.IBytes(uint64(max(0, snap.Reserved))), humanize.IBytes(snap.Free))
		return nil
	}

	res, err := ledger.Reconcile(ctx, ttl)
	if err != nil {
		return err
	}
	writeReconcileResult(os.Stdout, res)
	logger.Success("Reservations reconciled", logger.Fields{
		"before":  res.Before,
		"after":   res.After,
		"dropped": len(res.Dropped),
	})
	return nil
}

func writeLeases(w io.Writer, leases []reservation.Lease) {
	tabWriter := tabwriter.NewWriter(w, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tabWriter, "KEY\tBYTES\tHOST\tPID\tAGE")
	_, _ = fmt.Fprintln(tabWriter, "---\t-----\t----\t---\t---")
	for _, l := range leases {
		_, _ = fmt.Fprintf(tabWriter, "%s\t%s\t%s\t%d\t%s\n",
			l.Key, humanize.IBytes(uint64(max(0, l.Bytes))), l.Host, l.PID, humanize.Time(l.Created))
	}
	_ = tabWriter.Flush()
}

func writeReconcileResult(w io.Writer, res reservation.ReconcileResult) {
	before := "corrupt"
	if res.Before >= 0 {
		before = humanize.IBytes(uint64(res.Before))
	}
	_, _ = fmt.Fprintf(w, "Counter: %s -> %s\n", before, humanize.IBytes(uint64(max(0, res.After))))
	_, _ = fmt.Fprintf(w, "Kept %d lease(s), dropped %d\n", len(res.Kept), len(res.Dropped))
	if len(res.Dropped) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)
	tabWriter := tabwriter.NewWriter(w, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tabWriter, "DROPPED\tBYTES\tREASON")
	_, _ = fmt.Fprintln(tabWriter, "-------\t-----\t------")
	for _, d := range res.Dropped {
		_, _ = fmt.Fprintf(tabWriter, "%s\t%s\t%s\n", d.Lease.Key, humanize.IBytes(uint64(max(0, d.Lease.Bytes))), d.Reason)
	}
	_ = tabWriter.Flush()
}
