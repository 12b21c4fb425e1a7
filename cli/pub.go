package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/publisher"
	"github.com/logbus-protocol/logbus/pkg/transport"
)

var (
	pubCount   int
	pubSize    int
	pubMessage string
	pubLinger  time.Duration
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a stream of test messages",
	Long: `Pub dials the configured channel, announces the publication, and offers
a fixed number of messages. Back-pressured offers are retried until they
land, so the reported final position reflects every message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := transport.Dial(cfg.Channel)
		if err != nil {
			return err
		}
		pub, err := publisher.New(tr, cfg.StreamID, cfg.SessionID, cfg.InitialTermID,
			publisher.WithTermLength(cfg.TermLength),
			publisher.WithMTU(cfg.MTU),
			publisher.WithLogger(log))
		if err != nil {
			return err
		}
		defer pub.Close()

		payload := buildPayload()
		start := time.Now()
		for i := 0; i < pubCount; i++ {
			for {
				position := pub.Offer(payload)
				if position >= 0 {
					break
				}
				switch position {
				case publisher.BackPressured, publisher.AdminAction:
					// Transient: the term rotated or a claim is settling.
					continue
				default:
					return fmt.Errorf("offer failed with status %d at message %d", position, i)
				}
			}
		}
		elapsed := time.Since(start)

		// Give in-flight datagrams a moment to drain before the socket goes.
		time.Sleep(pubLinger)

		stats := pub.Snapshot()
		log.Info("publish complete",
			zap.Int("messages", pubCount),
			zap.Int64("final_position", stats.Position),
			zap.Uint64("frames_sent", stats.FramesSent),
			zap.Uint64("bytes_sent", stats.BytesSent),
			zap.Uint64("back_pressures", stats.BackPressures),
			zap.Uint64("rotations", stats.Rotations),
			zap.Duration("elapsed", elapsed))
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages, final position %d (%.1f msg/s)\n",
			pubCount, stats.Position, float64(pubCount)/elapsed.Seconds())
		return nil
	},
}

func buildPayload() []byte {
	if pubMessage != "" {
		return []byte(pubMessage)
	}
	payload := make([]byte, pubSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	return payload
}

func init() {
	pubCmd.Flags().IntVar(&pubCount, "count", 100, "number of messages to publish")
	pubCmd.Flags().IntVar(&pubSize, "size", 1024, "payload size in bytes")
	pubCmd.Flags().StringVar(&pubMessage, "message", "", "literal payload (overrides --size)")
	pubCmd.Flags().DurationVar(&pubLinger, "linger", 100*time.Millisecond, "wait before closing the socket")
	rootCmd.AddCommand(pubCmd)
}
