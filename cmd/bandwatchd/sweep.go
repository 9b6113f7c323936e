package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/bandwatch/internal/storage"
	"github.com/xtxerr/bandwatch/internal/storage/compaction"
	"github.com/xtxerr/bandwatch/internal/storage/retention"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a lifecycle sweep once. The daemon must not be running on the same data directory.",
}

var sweepRetentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Drop partitions past their retention horizon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, svc *storage.Service) error {
			now := time.Now().UTC()
			var results []retention.CleanupResult
			if sweepDryRun {
				results = svc.Retention().DryRun(ctx, now)
			} else {
				results = svc.RunRetention(ctx, now)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tHORIZON\tDROPPED\tKEPT\tFREED\tERRORS")
			failed := 0
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					r.Table, r.Horizon.Format(time.RFC3339), len(r.Dropped), r.Kept, r.BytesFreed, len(r.Errors))
				failed += len(r.Errors)
			}
			w.Flush()
			return sweepFailed("retention", failed)
		})
	},
}

var sweepCompressionCmd = &cobra.Command{
	Use:   "compression",
	Short: "Compress partitions past their compression horizon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, svc *storage.Service) error {
			now := time.Now().UTC()
			var results []compaction.TableResult
			if sweepDryRun {
				results = svc.Compaction().DryRun(ctx, now)
			} else {
				results = svc.RunCompression(ctx, now)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tHORIZON\tPARTITIONS\tCOMPRESSED\tERRORS")
			failed := 0
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					r.Table, r.Horizon.Format(time.RFC3339), len(r.Jobs), r.Compressed(), len(r.Errors))
				failed += len(r.Errors)
			}
			w.Flush()
			return sweepFailed("compression", failed)
		})
	},
}

var sweepVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check the checksum of every compressed partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, svc *storage.Service) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tERRORS")
			failed := 0
			for _, table := range types.AllTables() {
				errs := svc.Compaction().Verify(ctx, table)
				fmt.Fprintf(w, "%s\t%d\n", table, len(errs))
				for _, err := range errs {
					fmt.Fprintf(w, "\t%v\n", err)
				}
				failed += len(errs)
			}
			w.Flush()
			return sweepFailed("verify", failed)
		})
	},
}

func init() {
	sweepCmd.PersistentFlags().BoolVar(&sweepDryRun, "dry-run", false, "report what would change without changing it")
	sweepCmd.AddCommand(sweepRetentionCmd, sweepCompressionCmd, sweepVerifyCmd)
	rootCmd.AddCommand(sweepCmd)
}

func sweepFailed(name string, n int) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%s sweep: %d partitions failed", name, n)
}

// withStorage opens the alert store (for shared leases) and the storage
// service around fn.
func withStorage(ctx context.Context, fn func(context.Context, *storage.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rules, err := openRules(ctx)
	if err != nil {
		return err
	}
	defer rules.Close()

	locker, err := newLocker(ctx, rules)
	if err != nil {
		return err
	}

	svc, err := openStorage(locker)
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(ctx, svc)
}
