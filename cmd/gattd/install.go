package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a systemd service",
	Long: `Write a systemd unit for the daemon, reload systemd and enable the
service so it starts on boot. Must run as root.`,
	RunE: runInstall,
}

var installUnitDir string

const unitTemplate = `[Unit]
Description=BLE GATT peripheral daemon
After=bluetooth.service dbus.service
Requires=bluetooth.service

[Service]
Type=simple
ExecStart=%s serve%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

func init() {
	installCmd.Flags().StringVar(&installUnitDir, "path", "/etc/systemd/system", "Directory to write the unit file into")
}

func runInstall(cmd *cobra.Command, args []string) error {
	if geteuid() != 0 {
		return fmt.Errorf("install must run as root")
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve daemon binary: %w", err)
	}

	var extra strings.Builder
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		abs, err := filepath.Abs(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(&extra, " --config %s", abs)
	}

	unitPath := filepath.Join(installUnitDir, "gattd.service")
	unit := fmt.Sprintf(unitTemplate, binary, extra.String())
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("%s wrote %s\n", color.GreenString("OK:"), unitPath)

	ctx := cmd.Context()
	if _, err := runCommand(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if out, err := runCommand(ctx, "systemctl", "enable", "--now", "gattd.service"); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", out, err)
	}
	fmt.Printf("%s gattd.service enabled and started\n", color.GreenString("OK:"))
	return nil
}
