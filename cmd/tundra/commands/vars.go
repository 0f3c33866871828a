package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/backend"
	"github.com/opentundra/opentundra/pkg/providers/aws"
)

func newVarsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vars",
		Short: "Fetch stack variables from SSM Parameter Store",
		Long: `Commands for stack variables held in SSM Parameter Store. SecureString
parameters are decrypted in transit and never written to state.`,
	}

	cmd.AddCommand(newVarsFetchCommand())

	return cmd
}

func newVarsFetchCommand() *cobra.Command {
	var (
		path   string
		region string
		output string
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch variables under a parameter path",
		Example: `  # List variables under /tundra/dev
  tundra vars fetch --path /tundra/dev --region eu-west-1

  # Materialize them as files for local tooling
  tundra vars fetch --path /tundra/dev --region eu-west-1 --out-dir ./vars`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			clients, err := aws.NewClients(region)
			if err != nil {
				return err
			}

			fetcher := backend.NewVarsFetcher(clients.SSM, log.Logger)
			vars, err := fetcher.Fetch(ctx, path)
			if err != nil {
				return err
			}

			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o700); err != nil {
					return err
				}
				for _, v := range vars {
					file := filepath.Join(outDir, v.Name)
					if err := os.WriteFile(file, []byte(v.Value), 0o600); err != nil {
						return err
					}
				}
				fmt.Printf("Wrote %d variables to %s.\n", len(vars), outDir)
				return nil
			}

			if output != "" || jsonOutput {
				if output == "" {
					output = "json"
				}
				// Secure values are printed only on explicit structured output.
				return writeDocument(vars, output)
			}

			fmt.Printf("%-32s %-8s %s\n", "NAME", "SECURE", "VALUE")
			for _, v := range vars {
				value := v.Value
				if v.Secure {
					value = "(sensitive)"
				}
				fmt.Printf("%-32s %-8t %s\n", v.Name, v.Secure, value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "parameter path prefix, e.g. /tundra/dev")
	cmd.Flags().StringVar(&region, "region", "", "AWS region")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (json or yaml)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "write each variable to a file in this directory")
	cmd.MarkFlagRequired("path")
	cmd.MarkFlagRequired("region")

	return cmd
}
