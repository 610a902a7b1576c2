package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAbortCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <plan-execution-id>",
		Short: "Abort a running plan execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), "abort execution", root)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			if err := app.Engine.Plans.Abort(cmd.Context(), args[0]); err != nil {
				return newCommandError("abort execution", "aborting "+args[0], err, "Run 'pipeflow status' to check whether it already finished.")
			}
			pe, err := app.Store.GetPlanExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan execution %s %s\n", pe.ID, formatStatus(pe.Status, supportsUnicode(cmd.OutOrStdout())))
			return nil
		},
	}
}
