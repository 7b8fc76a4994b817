package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clocksmith/reploid/internal/config"
	"github.com/clocksmith/reploid/internal/runtime"
	"github.com/clocksmith/reploid/internal/swarm"
)

func serveCmd() *cobra.Command {
	var goal string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime",
		Long:  "Assembles the runtime core and either runs a single goal (--goal) or idles as a swarm worker until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			rt, err := runtime.New(cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Swarm.Enabled {
				tr := swarm.NewTransport(swarm.Config{
					PeerID:       rt.PeerID(),
					Room:         cfg.Swarm.Room,
					SignalURL:    cfg.Swarm.SignalURL,
					Capabilities: cfg.Swarm.Capabilities,
					Events:       rt.Bus,
					TaskHandler:  delegatedGoalHandler(ctx, rt),
				})
				if err := tr.Connect(ctx); err != nil {
					slog.Warn("serve.swarm_connect_failed", "error", err)
				} else if err := rt.AttachSwarm(tr); err != nil {
					return err
				}
			}

			if cfg.Substrate.WatchDir != "" {
				go func() {
					if err := rt.Loader.WatchDir(ctx, config.ExpandHome(cfg.Substrate.WatchDir)); err != nil && ctx.Err() == nil {
						slog.Warn("serve.watch_failed", "error", err)
					}
				}()
			}

			if goal != "" {
				return rt.RunGoal(ctx, goal)
			}

			slog.Info("serve.idle", "provider", cfg.Agent.Provider, "swarm", cfg.Swarm.Enabled)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&goal, "goal", "g", "", "goal to run once, then exit")
	return cmd
}

// delegatedGoalHandler runs swarm-delegated tasks through the local cycle.
func delegatedGoalHandler(ctx context.Context, rt *runtime.Runtime) swarm.TaskHandler {
	return func(taskCtx context.Context, task swarm.Task) (json.RawMessage, error) {
		if err := rt.RunGoal(taskCtx, task.Description); err != nil {
			return nil, err
		}
		result := fmt.Sprintf("%q", "completed: "+task.Description)
		return json.RawMessage(result), nil
	}
}
