package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

var (
	backfillFrom      string
	backfillTo        string
	backfillDimension string
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Manage hourly rollups",
}

var rollupBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute hourly rollups for every bucket in [from, to]",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

func init() {
	f := rollupBackfillCmd.Flags()
	f.StringVar(&backfillFrom, "from", "", "first hour, RFC 3339 (required)")
	f.StringVar(&backfillTo, "to", "", "last hour, RFC 3339 (required)")
	f.StringVar(&backfillDimension, "dimension", "", "only this dimension (default: all)")
	_ = rollupBackfillCmd.MarkFlagRequired("from")
	_ = rollupBackfillCmd.MarkFlagRequired("to")

	rollupCmd.AddCommand(rollupBackfillCmd)
	rootCmd.AddCommand(rollupCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(time.RFC3339, backfillFrom)
	if err != nil {
		return errors.NewInvalidValue("from", backfillFrom, "must be RFC 3339")
	}
	to, err := time.Parse(time.RFC3339, backfillTo)
	if err != nil {
		return errors.NewInvalidValue("to", backfillTo, "must be RFC 3339")
	}

	dims := types.AllDimensions()
	if backfillDimension != "" {
		d, err := types.ParseDimension(backfillDimension)
		if err != nil {
			return err
		}
		dims = []types.Dimension{d}
	}

	return withStorage(cmd.Context(), func(ctx context.Context, svc *storage.Service) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "TABLE\tBUCKETS\tEMPTY\tROWS\tERRORS")

		var errs []error
		for _, dim := range dims {
			res, err := svc.Rollup().Backfill(ctx, dim, from.UTC(), to.UTC())
			if err != nil {
				errs = append(errs, err)
				if !res.Skipped {
					continue
				}
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", res.Table, res.Buckets, res.Empty, res.Rows, len(res.Errors))
			for _, be := range res.Errors {
				errs = append(errs, be)
			}
		}
		return errors.Join(errs...)
	})
}
