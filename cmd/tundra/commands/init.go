package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const starterStack = `// Stack definition for OpenTundra. Adjust and run "tundra plan".
stack: {
	name:        "platform"
	region:      "eu-west-1"
	environment: "dev"
}

resources: {
	network: {
		type: "aws.vpc"
		name: "platform-vpc"
		config: {
			cidr_block:           "10.0.0.0/16"
			availability_zones:   ["eu-west-1a", "eu-west-1b"]
			public_subnet_cidrs:  ["10.0.0.0/20", "10.0.16.0/20"]
			private_subnet_cidrs: ["10.0.128.0/20", "10.0.144.0/20"]
			single_nat_gateway:   true
			enable_dns_hostnames: true
		}
	}
}
`

func newInitCommand() *cobra.Command {
	var (
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an OpenTundra workspace",
		Long: `Initialize a workspace: create the data directory, set up the SQLite
state store and write a starter stack file if none exists.`,
		Example: `  # Initialize in the current directory
  tundra init

  # Re-create the starter stack file
  tundra init --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Str("data_dir", dataDir).Msg("Initializing workspace")

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created data directory: %s\n", dataDir)

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized state store: %s\n", filepath.Join(dataDir, "tundra.db"))

			stackFile := "stack.cue"
			if configPath != "." {
				if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
					stackFile = configPath
				}
			}

			if _, err := os.Stat(stackFile); err == nil && !force {
				fmt.Printf("✓ Stack file already exists: %s\n", stackFile)
				return nil
			}
			if err := os.WriteFile(stackFile, []byte(starterStack), 0o644); err != nil {
				return fmt.Errorf("failed to write stack file: %w", err)
			}
			fmt.Printf("✓ Wrote starter stack: %s\n", stackFile)
			fmt.Println("\nNext: edit the stack file, then run `tundra plan`.")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing stack file")

	return cmd
}
