package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipeflow/internal/application/orchestration"
)

func newInterveneCmd(root *rootFlags) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "intervene <runtime-id>",
		Short: "Resolve a node waiting for manual intervention",
		Long: `Resolve a node waiting for manual intervention.

Actions:
  RETRY            start a fresh attempt of the node
  IGNORE           mark the failure ignored and continue
  MARK_AS_SUCCESS  mark the node successful and continue
  ON_FAIL          keep the failure and continue with the next node
  ABORT            abort the whole plan execution`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act := orchestration.InterventionAction(strings.ToUpper(strings.TrimSpace(action)))
			if !act.Valid() {
				return newCommandError("intervene", "validating --action", fmt.Errorf("unknown action %q", action), "Use one of RETRY, IGNORE, MARK_AS_SUCCESS, ON_FAIL or ABORT.")
			}

			app, err := openApp(cmd.Context(), "intervene", root)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			if err := app.Engine.Nodes.Intervene(cmd.Context(), args[0], act); err != nil {
				return newCommandError("intervene", "applying "+string(act), err, "Run 'pipeflow status' to find the runtime ID of the waiting node.")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s to %s\n", act, args[0])
			// Nodes started by the action run in this process.
			return app.Drain(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "RETRY, IGNORE, MARK_AS_SUCCESS, ON_FAIL or ABORT")
	cmd.MarkFlagRequired("action") //nolint:errcheck

	return cmd
}
