package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode: replan on config changes",
		Long: `Compute a plan and, with --watch, keep watching the stack sources and
replan whenever a .cue or .star file changes.

Nothing is applied; this is a fast feedback loop while editing configs.`,
		Example: `  # One-shot plan with dev output
  tundra dev

  # Replan on every save until interrupted
  tundra dev --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			replan := func() {
				ws, err := openWorkspace(ctx)
				if err != nil {
					fmt.Printf("✗ %v\n", err)
					return
				}
				defer ws.Close()

				plan, err := buildPlan(ctx, ws, ws.stack)
				if err != nil {
					fmt.Printf("✗ %v\n", err)
					return
				}
				printPlan(plan)
			}

			replan()
			if !watch {
				return nil
			}

			watchDir := configPath
			if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
				watchDir = filepath.Dir(configPath)
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(watchDir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", watchDir, err)
			}

			log.Info().Str("dir", watchDir).Msg("Watching for config changes")
			fmt.Println("\nWatching for changes. Press Ctrl+C to stop.")

			// Editors fire bursts of events per save; collapse them.
			var timer *time.Timer
			pending := make(chan struct{}, 1)
			schedule := func() {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !configSource(event.Name) {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Config changed")
					schedule()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn().Err(err).Msg("Watcher error")
				case <-pending:
					fmt.Printf("\n--- replanning at %s ---\n", time.Now().Format("15:04:05"))
					replan()
				}
			}
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching sources and replan on change")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before replanning")

	return cmd
}

func configSource(path string) bool {
	return strings.HasSuffix(path, ".cue") || strings.HasSuffix(path, ".star")
}
