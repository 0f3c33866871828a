package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/config"
	"github.com/opentundra/opentundra/pkg/policy"
	"github.com/opentundra/opentundra/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var (
		policyDirs []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stack configuration and policies",
		Long: `Parse the stack sources, run structural validation and evaluate the
configuration against built-in and custom policies.

Validation failures and policy violations at error severity or above make
the command exit non-zero; warnings are reported but do not fail it.`,
		Example: `  # Validate the stack in the current directory
  tundra validate

  # Validate a specific file with extra policies
  tundra validate -c stacks/prod.cue --policy-dir policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, []string{configPath})
			if err != nil {
				return err
			}

			if len(parsed.Errors) > 0 {
				for _, e := range parsed.Errors {
					if e.File != "" {
						fmt.Printf("✗ %s:%d: %s\n", e.File, e.Line, e.Message)
					} else {
						fmt.Printf("✗ %s: %s\n", e.Path, e.Message)
					}
				}
				return fmt.Errorf("configuration has %d errors", len(parsed.Errors))
			}

			stack := parsed.ToStackConfig()
			fmt.Printf("✓ Parsed %d resources from %d files\n",
				len(stack.Resources), len(parsed.SourceFiles))

			policyEngine, err := policy.NewEngine(telemetry.LoggerFromContext(ctx))
			if err != nil {
				return err
			}
			if len(policyDirs) > 0 {
				if err := policyEngine.LoadPolicies(ctx, policyDirs); err != nil {
					return err
				}
			}

			result, err := policyEngine.EvaluateConfig(ctx, stack)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			printViolations(result)
			if !result.Allowed {
				return fmt.Errorf("configuration rejected by policy")
			}

			fmt.Println("✓ Configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories with additional .rego policies")

	return cmd
}
