package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/backend"
	"github.com/opentundra/opentundra/pkg/providers/aws"
)

func newBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage the remote state backend",
		Long: `Provision or tear down the S3 bucket that backs remote state exports.

The bucket is created versioned, encrypted and with public access blocked.`,
	}

	cmd.AddCommand(newBackendCreateCommand())
	cmd.AddCommand(newBackendDestroyCommand())

	return cmd
}

func newBackendCreateCommand() *cobra.Command {
	var (
		bucket string
		region string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the state bucket",
		Example: `  # Create the bucket in eu-west-1
  tundra backend create --bucket acme-tundra-state --region eu-west-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			clients, err := aws.NewClients(region)
			if err != nil {
				return err
			}

			bootstrap := backend.NewBootstrap(clients.S3, region, log.Logger)
			if err := bootstrap.CreateStateBucket(ctx, bucket); err != nil {
				return err
			}
			fmt.Printf("✓ State bucket %s is ready.\n", bucket)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "state bucket name")
	cmd.Flags().StringVar(&region, "region", "", "AWS region")
	cmd.MarkFlagRequired("bucket")
	cmd.MarkFlagRequired("region")

	return cmd
}

func newBackendDestroyCommand() *cobra.Command {
	var (
		bucket string
		region string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Empty and delete the state bucket",
		Example: `  # Destroy the bucket without prompting
  tundra backend destroy --bucket acme-tundra-state --region eu-west-1 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !force && !confirm(fmt.Sprintf("Empty and delete bucket %s?", bucket)) {
				fmt.Println("Destroy cancelled.")
				return nil
			}

			clients, err := aws.NewClients(region)
			if err != nil {
				return err
			}

			bootstrap := backend.NewBootstrap(clients.S3, region, log.Logger)
			if err := bootstrap.DestroyStateBucket(ctx, bucket); err != nil {
				return err
			}
			fmt.Printf("✓ State bucket %s deleted.\n", bucket)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "state bucket name")
	cmd.Flags().StringVar(&region, "region", "", "AWS region")
	cmd.Flags().BoolVar(&force, "force", false, "skip the interactive confirmation")
	cmd.MarkFlagRequired("bucket")
	cmd.MarkFlagRequired("region")

	return cmd
}
