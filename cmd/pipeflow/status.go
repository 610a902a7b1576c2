package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

type statusOptions struct {
	jsonOutput bool
}

func newStatusCmd(root *rootFlags) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status <plan-execution-id>",
		Short: "Show a plan execution and its node tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, root, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the execution as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, root *rootFlags, id string, opts *statusOptions) error {
	if strings.TrimSpace(id) == "" {
		return newCommandError("show status", "validating plan execution ID", errors.New("plan execution ID cannot be empty"), "Pass the ID printed by 'pipeflow run'.")
	}

	app, err := openApp(cmd.Context(), "show status", root)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	pe, err := app.Store.GetPlanExecution(cmd.Context(), id)
	if err != nil {
		return newCommandError("show status", "looking up plan execution "+id, err, "Status needs a shared database; check --db-driver and --db-dsn.")
	}
	return printExecution(cmd, app, pe, opts.jsonOutput)
}
