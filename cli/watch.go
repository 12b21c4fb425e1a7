package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/logbus-protocol/logbus/cli/tui"
	"github.com/logbus-protocol/logbus/pkg/subscriber"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe with a live stats dashboard",
	Long: `Watch binds a subscription to the configured channel and renders its
counters in an interactive dashboard, refreshed once a second. Fragments are
drained continuously in the background so the counters keep moving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := transport.Listen(cfg.Channel)
		if err != nil {
			return err
		}
		sub := subscriber.New(tr, cfg.StreamID,
			subscriber.WithReceiverWindow(cfg.ReceiverWindow),
			subscriber.WithLogger(log))
		defer sub.Close()

		// Drain fragments so the rebuilder never stalls on a full queue.
		drainStop := make(chan struct{})
		defer close(drainStop)
		go func() {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			discard := func([]byte, uint32, uint32, int64) {}
			for {
				select {
				case <-drainStop:
					return
				case <-ticker.C:
					sub.Poll(discard, 256)
				}
			}
		}()

		return tui.Run(sub.Snapshot, cfg.Channel)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
