package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opentundra/opentundra/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage recorded state",
		Long: `Commands for the local state store: list managed resources, show one in
detail, remove entries and export the full state document.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRmCommand())
	cmd.AddCommand(newStateExportCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources held in state",
		Example: `  # List all managed resources
  tundra state list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			resources, err := store.ListResources(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resources)
			}

			if len(resources) == 0 {
				fmt.Println("State is empty.")
				return nil
			}
			fmt.Printf("%-32s %-20s %-12s %s\n", "ID", "TYPE", "STATUS", "NAME")
			for _, res := range resources {
				fmt.Printf("%-32s %-20s %-12s %s\n", res.ID, res.Type, res.Status, res.Name)
			}
			return nil
		},
	}

	return cmd
}

func newStateShowCommand() *cobra.Command {
	var (
		output string
	)

	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show one resource in detail",
		Args:  cobra.ExactArgs(1),
		Example: `  # Show a resource as JSON
  tundra state show platform_vpc

  # Show a resource as YAML
  tundra state show platform_vpc --output yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			resource, err := store.GetResource(ctx, args[0])
			if err != nil {
				return err
			}
			return writeDocument(resource, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json or yaml)")

	return cmd
}

func newStateRmCommand() *cobra.Command {
	var (
		force bool
	)

	cmd := &cobra.Command{
		Use:   "rm <resource-id>",
		Short: "Remove a resource from state",
		Long: `Remove a resource from state without touching the cloud object. The next
plan will schedule it for creation again if it is still declared.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Forget a resource
  tundra state rm legacy_bucket --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !force && !confirm(fmt.Sprintf("Remove %s from state?", args[0])) {
				fmt.Println("Removal cancelled.")
				return nil
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteResource(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from state.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the interactive confirmation")

	return cmd
}

func newStateExportCommand() *cobra.Command {
	var (
		output string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full state document",
		Example: `  # Export state as YAML to a file
  tundra state export --output yaml --file state.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			resources, err := store.ListResources(ctx)
			if err != nil {
				return err
			}

			doc := struct {
				ExportedAt string            `json:"exported_at" yaml:"exported_at"`
				Resources  []engine.Resource `json:"resources" yaml:"resources"`
			}{
				ExportedAt: nowRFC3339(),
				Resources:  resources,
			}

			if file == "" {
				return writeDocument(doc, output)
			}

			data, err := marshalDocument(doc, output)
			if err != nil {
				return err
			}
			if err := os.WriteFile(file, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported %d resources to %s.\n", len(resources), file)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json or yaml)")
	cmd.Flags().StringVar(&file, "file", "", "write to a file instead of stdout")

	return cmd
}

// writeDocument prints v to stdout in the requested format.
func writeDocument(v interface{}, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	case "json", "":
		return printJSON(v)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func marshalDocument(v interface{}, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(v)
	case "json", "":
		return marshalIndentJSON(v)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
