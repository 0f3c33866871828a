package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		maxParallel int
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy all resources held in state",
		Long: `Delete every resource recorded in state, in reverse dependency order:
dependents are removed before the resources they depend on.

Adopted resources (declared with create=false) are released from state
without touching the underlying cloud objects.`,
		Example: `  # Destroy the stack, confirming interactively
  tundra destroy

  # Destroy without prompting
  tundra destroy --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			// An empty desired set turns every stored resource into an
			// orphan delete.
			empty := &engine.StackConfig{
				Name:        ws.stack.Name,
				Region:      ws.stack.Region,
				Environment: ws.stack.Environment,
			}
			plan, err := buildPlan(ctx, ws, empty)
			if err != nil {
				return err
			}
			if len(plan.Units) == 0 {
				fmt.Println("Nothing to destroy. State is empty.")
				return nil
			}

			printPlan(plan)
			if !autoApprove {
				if !confirm(fmt.Sprintf("\nDestroy %d resources?", len(plan.Units))) {
					fmt.Println("Destroy cancelled.")
					return nil
				}
			}

			holder := lockHolder()
			if err := ws.store.Lock(ctx, plan.Stack, holder); err != nil {
				return err
			}
			defer func() {
				if err := ws.store.Unlock(ctx, plan.Stack, holder); err != nil {
					log.Warn().Err(err).Msg("Failed to release stack lock")
				}
			}()

			run, runErr := ws.scheduler.Run(ctx, plan, engine.RunOptions{
				MaxParallel: maxParallel,
				User:        holder,
			})
			if run != nil {
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
				return fmt.Errorf("destroy finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxParallel, "parallel", 0, "max concurrent resources per level (0 = default)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")

	return cmd
}
