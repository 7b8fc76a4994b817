package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clocksmith/reploid/internal/config"
	"github.com/clocksmith/reploid/internal/replay"
	"github.com/clocksmith/reploid/internal/runtime"
	"github.com/clocksmith/reploid/internal/timeline"
)

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the recorded timeline for replay",
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

			events, err := rt.Timeline.QueryEvents(timeline.Query{})
			if err != nil {
				return err
			}
			ex := replay.Export{
				Metadata: map[string]interface{}{
					"exportedAt": time.Now().UTC().Format(time.RFC3339),
					"events":     len(events),
				},
				Events: events,
			}
			data, err := json.MarshalIndent(ex, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "exported %d events to %s\n", len(events), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "export.json", "output file")
	return cmd
}
