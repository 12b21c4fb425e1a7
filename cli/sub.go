package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/subscriber"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

var (
	subPrint     bool
	subPollLimit int
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe and print reconstructed messages",
	Long: `Sub binds to the configured channel, accepts publications on the
configured stream, and polls reconstructed fragments until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := transport.Listen(cfg.Channel)
		if err != nil {
			return err
		}
		sub := subscriber.New(tr, cfg.StreamID,
			subscriber.WithReceiverWindow(cfg.ReceiverWindow),
			subscriber.WithLogger(log),
			subscriber.WithImageHandlers(
				func(sessionID uint32) {
					log.Info("image available", zap.Uint32("session_id", sessionID))
				},
				func(sessionID uint32) {
					log.Info("image unavailable", zap.Uint32("session_id", sessionID))
				}))
		defer sub.Close()

		handler := func(payload []byte, sessionID, streamID uint32, position int64) {
			if subPrint {
				fmt.Fprintf(cmd.OutOrStdout(), "[session %d stream %d pos %d] %d bytes\n",
					sessionID, streamID, position, len(payload))
			}
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				stats := sub.Snapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "received %d fragments, %d bytes, %d duplicates\n",
					stats.Fragments, stats.Bytes, stats.Duplicates)
				return nil
			case <-ticker.C:
				sub.Poll(handler, subPollLimit)
			}
		}
	},
}

func init() {
	subCmd.Flags().BoolVar(&subPrint, "print", false, "print a line per fragment")
	subCmd.Flags().IntVar(&subPollLimit, "poll-limit", 64, "max fragments per poll")
	rootCmd.AddCommand(subCmd)
}
