package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the changes needed to reach the desired state",
		Long: `Diff the stack configuration against recorded state and build the
ordered execution plan.

The plan is persisted and can be applied later with "tundra apply --plan".
Resources with no changes are excluded from the plan.`,
		Example: `  # Plan the stack in the current directory
  tundra plan

  # Plan a specific stack file and print the plan as JSON
  tundra plan -c stacks/prod.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			plan, err := buildPlan(ctx, ws, ws.stack)
			if err != nil {
				return err
			}

			if err := ws.store.SavePlan(ctx, plan); err != nil {
				return err
			}
			log.Debug().Str("plan_id", plan.ID).Msg("Plan persisted")

			if jsonOutput {
				return printJSON(plan)
			}

			printPlan(plan)
			if len(plan.Units) > 0 {
				fmt.Printf("\nApply with: tundra apply --plan %s\n", plan.ID)
			} else {
				fmt.Println("\nNo changes. State matches the configuration.")
			}
			return nil
		},
	}

	return cmd
}
