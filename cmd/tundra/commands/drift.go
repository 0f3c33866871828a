package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opentundra/opentundra/pkg/engine"
	"github.com/opentundra/opentundra/pkg/telemetry"
)

func newDriftCommand() *cobra.Command {
	var (
		resourceID  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between recorded and live state",
		Long: `Read the live state of managed resources from AWS and compare it with
what the last apply recorded. Drifted attributes are listed per resource.

Exit status is non-zero when drift is found, so the command can gate CI.`,
		Example: `  # Check the whole stack
  tundra drift

  # Check one resource
  tundra drift --resource platform_vpc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if metricsAddr != "" {
				metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
					Enabled:       true,
					ListenAddress: metricsAddr,
					Path:          "/metrics",
					Namespace:     "tundra",
				})
				go func() {
					if err := metrics.Serve(); err != nil {
						log.Warn().Err(err).Msg("Metrics endpoint stopped")
					}
				}()
				ws.drift.SetMetrics(metrics)
			}

			var reports []engine.DriftReport
			if resourceID != "" {
				report, err := ws.drift.DetectDrift(ctx, resourceID)
				if err != nil {
					return err
				}
				reports = append(reports, *report)
			} else {
				reports, err = ws.drift.DetectAll(ctx)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(reports)
			}

			drifted := 0
			for _, report := range reports {
				if report.Status == engine.DriftStatusInSync {
					fmt.Printf("  ✓ %-40s in sync\n", report.ResourceID)
					continue
				}
				drifted++
				fmt.Printf("  ✗ %-40s %s\n", report.ResourceID, report.Status)
				for _, change := range report.Drifts {
					fmt.Printf("      %s %s\n", change.Action, change.Path)
				}
			}

			if drifted > 0 {
				return fmt.Errorf("%d of %d resources drifted", drifted, len(reports))
			}
			fmt.Printf("\nNo drift across %d resources.\n", len(reports))
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource", "", "check a single resource by ID")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the check")

	return cmd
}
