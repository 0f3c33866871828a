package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the execution graph as Graphviz DOT",
		Long: `Compute the current plan and render its dependency graph in DOT format,
one dashed cluster per execution level.

Pipe the output through Graphviz to visualize it.`,
		Example: `  # Render the graph to stdout
  tundra graph | dot -Tsvg > plan.svg

  # Write the DOT file directly
  tundra graph --out plan.dot`,
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

			builder := engine.NewGraphBuilder()
			if _, err := builder.Build(plan.Units); err != nil {
				return err
			}
			dot := builder.ToDOT()

			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote graph to %s.\n", outFile)
				return nil
			}
			fmt.Print(dot)
			return nil
		},
	}

	cmd.Flags().StringVar(&outFile, "out", "", "write DOT output to a file")

	return cmd
}
