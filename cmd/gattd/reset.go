package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattd/internal/adapter"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the Bluetooth adapter",
	Long: `Power-cycle the Bluetooth adapter. With --force the full recovery
sequence runs immediately: dependent services are stopped, bluetoothd is
killed and restarted and the HCI interface is bounced. Without it the
forced path is only taken when the plain power cycle reports busy.`,
	RunE: runReset,
}

var resetForce bool

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Run the full recovery sequence immediately")
}

func runReset(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Simulated && geteuid() != 0 {
		return fmt.Errorf("reset must run as root (or use --simulated)")
	}

	bus, err := connectBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var host adapter.HostControl
	if cfg.Simulated {
		host = adapter.NopHostControl{}
	}
	ctl := adapter.NewController(bus, host, &adapter.Options{
		AdapterID:      cfg.Adapter,
		DependentUnits: cfg.DependentUnits,
	}, logger)

	if err := ctl.Reset(cmd.Context(), resetForce); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s adapter %s is ready\n", color.GreenString("OK:"), cfg.Adapter)
	return nil
}
