package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattd/internal/config"
	"github.com/srg/gattd/peripheral"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the GATT peripheral daemon",
	Long: `Run the GATT peripheral daemon in the foreground.

The daemon claims its well-known name on the system D-Bus, resets and
configures the Bluetooth adapter, registers the configured GATT service
with BlueZ and starts advertising it. It runs until interrupted; the
first SIGINT/SIGTERM starts a bounded graceful shutdown.`,
	RunE: runServe,
}

// geteuid is swapped out in tests.
var geteuid = os.Geteuid

func init() {
	serveCmd.Flags().String("log-file", "", "Also write logs to this file")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Talking to bluetoothd and systemd needs root; simulated mode does not.
	if !cfg.Simulated && geteuid() != 0 {
		return fmt.Errorf("serve must run as root (or use --simulated)")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				logger.WithField("signal", sig).Info("Shutdown signal received")
				cancel()
			case <-ctx.Done():
				// Notify stays installed until Run returns, so a second
				// Ctrl+C during teardown is still swallowed rather than
				// killing the process mid-rollback.
				return
			}
		}
	}()

	return peripheral.Run(ctx, &peripheral.Options{Config: cfg, Logger: logger})
}

// loadConfig resolves the effective configuration from the --config and
// --simulated flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if simulated, _ := cmd.Flags().GetBool("simulated"); simulated {
		cfg.Simulated = true
	}
	return cfg, nil
}
