package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
	timeout time.Duration
)

var errDaemonDown = errors.New("dictation daemon is not running")

var rootCmd = &cobra.Command{
	Use:   "dictatectl",
	Short: "Control the loqa-dictate daemon",
	Long: `dictatectl talks to a running dictated over the message bus.

Push-to-talk: "dictatectl start" opens the microphone and "dictatectl stop"
closes it. Transcription finishes in the background; "dictatectl stop --wait"
blocks until the last transcript arrives and prints it. Bind
"dictatectl toggle" to a hotkey for one-key dictation.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file shared with dictated")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func logger() *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

// connect dials the daemon's bus. With an embedded server the daemon
// listens on bus.host:bus.port, otherwise on the configured servers.
func connect(ctx context.Context) (*bus.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		host := busCfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		busCfg.Servers = []string{fmt.Sprintf("nats://%s:%d", host, busCfg.Port)}
	}
	client, err := bus.Connect(ctx, busCfg, "dictatectl", logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDaemonDown, err)
	}
	return client, nil
}

func request(subject string, body protocol.Command) (protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer client.Close()

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, body, &reply); err != nil {
		if errors.Is(err, bus.ErrNoResponders) {
			return reply, errDaemonDown
		}
		return reply, err
	}
	if !reply.OK {
		if reply.State != "" {
			return reply, fmt.Errorf("%s (state: %s)", reply.Error, reply.State)
		}
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
