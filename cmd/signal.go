package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clocksmith/reploid/internal/swarm"
)

func signalCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Run the swarm signaling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/ws", swarm.NewSignalServer())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, swarm.ProtocolVersion)
			})

			srv := &http.Server{Addr: addr, Handler: mux}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			slog.Info("signal.listening", "addr", addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("signal server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:18891", "listen address")
	return cmd
}
