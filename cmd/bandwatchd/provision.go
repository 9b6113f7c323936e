package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/provision"
)

var provisionDryRun bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Reconcile alert rules and channels declared in the config with the alert store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rules, err := openRules(ctx)
		if err != nil {
			return err
		}
		defer rules.Close()

		res, err := provision.Apply(ctx, rules, cfg.Provisioning, provision.Options{
			DryRun: provisionDryRun,
			Logger: logging.Component("provision"),
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tACTION\tREASON")
		for _, e := range res.Entries {
			reason := e.Reason
			if e.Err != nil {
				reason = "error: " + e.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Kind, e.Key, e.Action, reason)
		}
		w.Flush()

		st := res.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d created, %d updated, %d deleted, %d unchanged, %d failed",
			st.Creates, st.Updates, st.Deletes, st.Skipped, st.Failed)
		if res.DryRun {
			fmt.Fprint(cmd.OutOrStdout(), " (dry run)")
		}
		fmt.Fprintln(cmd.OutOrStdout())

		return res.Err()
	},
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false, "report the plan without writing")
	rootCmd.AddCommand(provisionCmd)
}
