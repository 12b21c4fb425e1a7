// Package cli implements the logbus command tree: publisher and subscriber
// test drivers, reliable send/receive drivers, a live stats dashboard, and
// version information.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logbus-protocol/logbus/pkg/config"
	"github.com/logbus-protocol/logbus/pkg/logging"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	channel  string
	streamID uint32

	// Shared state set during PersistentPreRun
	cfg *config.Config
	log *zap.Logger
)

// rootCmd is the base command for logbus.
var rootCmd = &cobra.Command{
	Use:   "logbus",
	Short: "logbus term-buffer datagram streaming transport drivers",
	Long: `Logbus is a point-to-point, datagram-based reliable streaming transport.
This tool provides test drivers for its publisher, subscriber, and reliable
delivery endpoints, plus a live dashboard for watching a subscription.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if channel != "" {
			cfg.Channel = channel
		}
		if streamID != 0 {
			cfg.StreamID = streamID
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		log = logging.New(logging.ParseLevel(cfg.LogLevel))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.logbus/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "", "endpoint address host:port")
	rootCmd.PersistentFlags().Uint32Var(&streamID, "stream", 0, "stream id")
}
