package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xtxerr/bandwatch/internal/storage"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the partition footprint of every table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, svc *storage.Service) error {
			usage, err := svc.Retention().GetDiskUsage(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tHOT\tCOMPRESSED\tSIZE")
			var hot, compressed int
			var size int64
			for _, table := range types.AllTables() {
				u := usage[table]
				hot += u.Hot
				compressed += u.Compressed
				size += u.TotalSize
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", table, u.Hot, u.Compressed, humanize.IBytes(uint64(u.TotalSize)))
			}
			fmt.Fprintf(w, "total\t%d\t%d\t%s\n", hot, compressed, humanize.IBytes(uint64(size)))
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
