package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/pipeflow/internal/application/orchestration"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/planloader"
)

type runOptions struct {
	setOverrides []string
	triggeredBy  string
	timeout      time.Duration
	detach       bool
	jsonOutput   bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Start a plan execution and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, root, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.setOverrides, "set", nil, "Override a setup abstraction (key=value), e.g. --set accountId=acme")
	cmd.Flags().StringVar(&opts.triggeredBy, "triggered-by", os.Getenv("USER"), "Recorded as the trigger of the execution")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the execution when it runs longer than this (0 waits forever)")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "Return once the execution is created")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the final state as JSON")

	return cmd
}

func runPlan(cmd *cobra.Command, root *rootFlags, path string, opts *runOptions) error {
	abs, err := validatePlanPath(path)
	if err != nil {
		return newCommandError("run plan", "validating plan path", err, "Pass the path of a compiled plan YAML file.")
	}
	overrides, err := parseSetOverrides(opts.setOverrides)
	if err != nil {
		return newCommandError("run plan", "parsing --set", err, "Use --set key=value, once per setup abstraction.")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx, "run plan", root)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	doc, err := planloader.NewYAMLLoader(app.Logger).Load(ctx, abs)
	if err != nil {
		return newCommandError("run plan", fmt.Sprintf("loading %s", abs), err, "Fix the reported field and run again.")
	}
	if doc.SetupAbstractions == nil {
		doc.SetupAbstractions = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		doc.SetupAbstractions[k] = v
	}

	ended := make(chan *execution.PlanExecution, 16)
	app.Engine.Plans.AddEndObserver(orchestration.EndObserverFunc(func(_ context.Context, pe *execution.PlanExecution) {
		select {
		case ended <- pe:
		default:
		}
	}))

	pe, err := app.Engine.Plans.RunNode(ctx, orchestration.RunRequest{
		Plan:              doc.Plan,
		SetupAbstractions: doc.SetupAbstractions,
		Metadata:          execution.Metadata{TriggeredBy: opts.triggeredBy, Labels: doc.Labels},
		PipelineYAML:      doc.Raw,
		Version:           doc.Version,
	})
	if err != nil {
		return newCommandError("run plan", "starting execution", err, "Check the plan and the engine logs.")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "plan execution %s %s\n", pe.ID, pe.Status)

	if !opts.detach && !pe.Status.IsFinal() {
		pe, err = awaitEnd(ctx, app, pe.ID, ended, opts.timeout)
		if err != nil {
			return newCommandError("run plan", "waiting for the execution", err, "Use 'pipeflow status' to inspect it.")
		}
	}

	if err := printExecution(cmd, app, pe, opts.jsonOutput); err != nil {
		return err
	}
	if pe.Status.IsFinal() && !pe.Status.IsPositive() {
		return fmt.Errorf("plan execution %s finished %s", pe.ID, pe.Status)
	}
	return nil
}

// awaitEnd blocks until the execution ends. Cancelling ctx or exceeding
// timeout aborts it and waits for the abort to land.
func awaitEnd(ctx context.Context, app *AppContext, id string, ended <-chan *execution.PlanExecution, timeout time.Duration) (*execution.PlanExecution, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	aborted := false
	abort := func(reason string) error {
		if aborted {
			return nil
		}
		aborted = true
		app.Logger.Warn(context.Background(), "aborting plan execution", "plan_execution_id", id, "reason", reason)
		return app.Engine.Plans.Abort(context.Background(), id)
	}

	done := ctx.Done()
	for {
		select {
		case pe := <-ended:
			if pe.ID == id {
				return pe, nil
			}
		case <-done:
			done = nil
			if err := abort("interrupted"); err != nil {
				return nil, err
			}
		case <-deadline:
			deadline = nil
			if err := abort("timeout"); err != nil {
				return nil, err
			}
		}
		if aborted {
			current, err := app.Store.GetPlanExecution(context.Background(), id)
			if err != nil {
				return nil, err
			}
			if current.Status.IsFinal() {
				return current, nil
			}
		}
	}
}

func printExecution(cmd *cobra.Command, app *AppContext, pe *execution.PlanExecution, jsonOutput bool) error {
	nodes, err := app.Store.ListNodeExecutions(cmd.Context(), pe.ID, nil)
	if err != nil {
		return newCommandError("show execution", "listing node executions", err, "Check the database connection.")
	}
	if jsonOutput {
		return renderExecutionJSON(cmd.OutOrStdout(), pe, nodes)
	}
	renderExecution(cmd.OutOrStdout(), pe, nodes, supportsUnicode(cmd.OutOrStdout()))
	return nil
}
