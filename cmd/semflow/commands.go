package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/llm/providers"
	"github.com/c360studio/semflow/prompts"
	"github.com/c360studio/semflow/usage"
	"github.com/c360studio/semflow/workflow"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		tenant string
		input  string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Run a workflow definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			def, err := workflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			vars, err := parseInput(input)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Close()

			var progress io.Writer
			if watch {
				progress = cmd.ErrOrStderr()
			}
			run, err := app.RunDefinition(ctx, def, tenant, vars, progress)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), run); err != nil {
				return err
			}

			u := app.ledger.Usage(run.TenantID)
			logger.Info("Run finished",
				"run_id", run.ID,
				"status", run.Status,
				"duration_ms", run.ExecutionTimeMs,
				"tokens", u.TotalTokens(),
				"cost", u.Cost)

			if run.Status != workflow.RunCompleted {
				return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant to run as (defaults to the definition's tenant_id)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Initial run variables as a JSON object")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print progress events to stderr")
	return cmd
}

// RunDefinition stores def for tenantID and runs it. When progress is not
// nil, run events are written to it as they happen.
func (a *App) RunDefinition(ctx context.Context, def *workflow.Definition, tenantID string, input map[string]any, progress io.Writer) (*workflow.Run, error) {
	if tenantID != "" {
		def.TenantID = tenantID
	}
	if def.TenantID == "" {
		return nil, errors.New("no tenant: pass --tenant or set tenant_id in the definition")
	}
	for _, problem := range def.CheckAgentTypes(a.assembler.HasTemplate) {
		a.logger.Warn("Using generic prompt", "workflow_id", def.ID, "problem", problem)
	}
	if err := a.repo.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}

	req := workflow.RunRequest{
		TenantID:   def.TenantID,
		WorkflowID: def.ID,
		Input:      input,
		RunID:      uuid.NewString(),
		EmitEvents: progress != nil,
	}
	if progress == nil {
		return a.engine.ExecuteWorkflow(ctx, req)
	}

	ch, unsubscribe := a.broker.Subscribe(req.RunID, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			printEvent(progress, ev)
		}
	}()

	run, err := a.engine.ExecuteWorkflow(ctx, req)
	unsubscribe()
	<-done
	return run, err
}

func runsCmd(flags *globalFlags) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List a tenant's runs, or show one run with its steps",
		Long: `Without a run ID, lists the tenant's runs newest first. With one, prints
the run, its step executions and its run state.

Only the nats and postgres storage backends keep runs across invocations.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if tenant == "" {
				return errors.New("--tenant is required")
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return app.showRun(cmd.Context(), out, tenant, args[0])
			}

			runs, err := app.repo.ListRuns(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEP\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s@%d\t%s\t%d\t%s\n",
					r.ID, r.WorkflowID, r.WorkflowVersion, r.Status, r.CurrentStep,
					r.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant whose runs to show")
	return cmd
}

func (a *App) showRun(ctx context.Context, out io.Writer, tenantID, runID string) error {
	run, err := a.engine.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	steps, err := a.engine.ListStepExecutions(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	state, err := a.engine.RunState(ctx, tenantID, runID)
	if err != nil {
		a.logger.Debug("No run state", "run_id", runID, "error", err)
	}
	return printJSON(out, map[string]any{
		"run":   run,
		"steps": steps,
		"state": state,
	})
}

func validateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pattern>...",
		Short: "Check workflow definitions",
		Long: `Parses and validates every definition matching the patterns. Patterns
support ** (e.g. workflows/**/*.yaml). Agent types without a prompt template
are reported as warnings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			opts := []prompts.Option{prompts.WithLogger(logger)}
			if cfg.Prompts.Dir != "" {
				opts = append(opts, prompts.WithTemplateDir(cfg.Prompts.Dir))
			}
			assembler, err := prompts.NewAssembler(opts...)
			if err != nil {
				return fmt.Errorf("load prompt templates: %w", err)
			}
			return validateDefinitions(cmd.OutOrStdout(), args, assembler.HasTemplate)
		},
	}
}

func validateDefinitions(out io.Writer, patterns []string, known func(string) bool) error {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no definitions match %q", pattern)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	var failed int
	for _, path := range files {
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %v\n", err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s v%d, %d steps, %d blocks)\n",
			path, def.ID, def.Version, len(def.Steps), len(def.Blocks()))
		for _, warning := range def.CheckAgentTypes(known) {
			fmt.Fprintf(out, "     warning: %s\n", warning)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(files))
	}
	return nil
}

func toolsCmd(flags *globalFlags) *cobra.Command {
	var (
		provider string
		category string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print registered tools as a model vendor sees them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			formatter, err := providers.Formatter(provider)
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			defer app.Close()

			var out []map[string]any
			for _, t := range app.tools.List(category, nil) {
				out = append(out, formatter.FormatTool(t.Definition()))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "openai", "Vendor format (openai, anthropic, ollama)")
	cmd.Flags().StringVar(&category, "category", "", "Only tools in this category")
	return cmd
}

func budgetCmd(flags *globalFlags) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show a tenant's budget and the price table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			app := &App{cfg: cfg, logger: logger}
			ledger := usage.NewLedger(
				usage.WithPrices(app.prices()),
				usage.WithBudgets(cfg.Usage.Budgets),
				usage.WithLogger(logger),
			)

			out := cmd.OutOrStdout()
			if tenant != "" {
				status := ledger.CheckBudget(tenant)
				if !status.HasLimit {
					fmt.Fprintf(out, "tenant %s: no budget\n\n", tenant)
				} else {
					fmt.Fprintf(out, "tenant %s: limit %.4f, warn at %.0f%%\n\n",
						tenant, status.Limit, cfg.Usage.WarnThreshold*100)
				}
			}
			return printPrices(out, app.prices())
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant whose budget to show")
	return cmd
}

func printPrices(out io.Writer, table usage.PriceTable) error {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT/1K\tOUTPUT/1K")
	for _, name := range names {
		p := table[name]
		fmt.Fprintf(tw, "%s\t%.5f\t%.5f\n", name, p.InputPer1K, p.OutputPer1K)
	}
	return tw.Flush()
}

func parseInput(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(s), &vars); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return vars, nil
}

func printEvent(w io.Writer, ev events.Event) {
	switch ev.Type {
	case events.TypeStepChange:
		fmt.Fprintf(w, "%s  step %d %-20s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.StepIndex, ev.StepName, ev.Status)
	case events.TypeOutput:
		data, _ := json.Marshal(ev.Data)
		fmt.Fprintf(w, "%s  step %d %-20s output %s\n", ev.Timestamp.Format(time.TimeOnly), ev.StepIndex, ev.StepName, data)
	case events.TypeCompleted:
		fmt.Fprintf(w, "%s  run %s in %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Status, time.Duration(ev.DurationMs)*time.Millisecond)
	default:
		fmt.Fprintf(w, "%s  run %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Status)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
