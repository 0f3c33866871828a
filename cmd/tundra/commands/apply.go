package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/engine"
	"github.com/opentundra/opentundra/pkg/policy"
	"github.com/opentundra/opentundra/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		planID      string
		maxParallel int
		dryRun      bool
		failFast    bool
		autoApprove bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply planned changes to the cloud",
		Long: `Execute a plan in dependency order: independent resources in parallel,
dependents only after their dependencies succeed.

Without --plan a fresh plan is computed first. Plans are gated by policy
before execution; violations at error severity or above block the apply.`,
		Example: `  # Plan and apply in one step
  tundra apply

  # Apply a previously computed plan without prompting
  tundra apply --plan 4f7c96d2 --auto-approve

  # Rehearse without touching AWS
  tundra apply --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			var plan *engine.Plan
			if planID != "" {
				plan, err = ws.store.GetPlan(ctx, planID)
				if err != nil {
					return err
				}
			} else {
				plan, err = buildPlan(ctx, ws, ws.stack)
				if err != nil {
					return err
				}
				if err := ws.store.SavePlan(ctx, plan); err != nil {
					return err
				}
			}
			if plan.Graph == nil {
				if _, err := ws.planner.BuildDAG(ctx, plan); err != nil {
					return err
				}
			}

			if len(plan.Units) == 0 {
				fmt.Println("No changes. State matches the configuration.")
				return nil
			}

			policyEngine, err := policy.NewEngine(telemetry.LoggerFromContext(ctx))
			if err != nil {
				return err
			}
			result, err := policyEngine.EvaluatePlan(ctx, plan)
			if err != nil {
				return err
			}
			printViolations(result)
			if !result.Allowed {
				return fmt.Errorf("plan rejected by policy")
			}

			printPlan(plan)
			if !dryRun && !autoApprove {
				if !confirm("\nApply these changes?") {
					fmt.Println("Apply cancelled.")
					return nil
				}
			}

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       metricsAddr != "",
				ListenAddress: metricsAddr,
				Path:          "/metrics",
				Namespace:     "tundra",
			})
			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(); err != nil {
						log.Warn().Err(err).Msg("Metrics endpoint stopped")
					}
				}()
			}

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:      tracingEnabled(),
				Exporter:     "otlp",
				Endpoint:     tracingEndpoint(),
				SamplingRate: 1,
			}, "tundra", cmd.Root().Version, ws.stack.Environment)
			if err != nil {
				return err
			}
			defer func() {
				if err := tracer.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			}()

			ws.executor.SetMetrics(metrics)
			ws.scheduler.SetInstrumentation(metrics, tracer)

			holder := lockHolder()
			if err := ws.store.Lock(ctx, plan.Stack, holder); err != nil {
				return err
			}
			defer func() {
				if err := ws.store.Unlock(ctx, plan.Stack, holder); err != nil {
					log.Warn().Err(err).Msg("Failed to release stack lock")
				}
			}()

			runCtx, span := tracer.Start(ctx, "apply")
			metrics.RunStarted(plan.Stack)

			run, runErr := ws.scheduler.Run(runCtx, plan, engine.RunOptions{
				MaxParallel: maxParallel,
				DryRun:      dryRun,
				FailFast:    failFast,
				User:        holder,
			})
			span.End()

			if run != nil {
				metrics.RunCompleted(plan.Stack, string(run.Status), run.Duration)
				if jsonOutput {
					if err := printJSON(run); err != nil {
						return err
					}
				} else {
					printRun(run)
				}
			}
			if runErr != nil {
				return runErr
			}
			if run != nil && run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "apply a previously saved plan by ID")
	cmd.Flags().IntVar(&maxParallel, "parallel", 0, "max concurrent resources per level (0 = default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the run without calling providers")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort remaining levels after the first failure")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")

	return cmd
}
