package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/replay"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func replayCmd() *cobra.Command {
	var speed float64

	cmd := &cobra.Command{
		Use:   "replay <export.json>",
		Short: "Replay an exported run to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ex, err := replay.ParseExport(data)
			if err != nil {
				return err
			}

			b := bus.New()
			done := make(chan struct{})
			topics := map[string]bool{}
			for _, ev := range ex.Events {
				topic := protocol.ReplayPrefix + ev.Type
				if topics[topic] {
					continue
				}
				topics[topic] = true
				b.On(topic, func(ev bus.Event) {
					fmt.Printf("%s %+v\n", ev.Topic, ev.Payload)
				}, "replay-cli")
			}
			b.On(protocol.TopicReplayCompleted, func(bus.Event) { close(done) }, "replay-cli")

			engine := replay.NewEngine(b)
			engine.Load(ex)
			actual := engine.SetSpeed(speed)
			fmt.Fprintf(os.Stderr, "replaying %d events at %gx\n", len(ex.Events), actual)
			if err := engine.Play(); err != nil {
				return err
			}
			<-done
			return nil
		},
	}

	cmd.Flags().Float64VarP(&speed, "speed", "s", 1, "playback speed (snaps to 1, 2, 5, 10, 50)")
	return cmd
}
