package main

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the host's Bluetooth setup",
	Long: `Check the host for everything the daemon needs: the bluetooth and
dbus services, the BlueZ tools, and whether the current user may talk to
bluetoothd. Prints one line per check and fails when a required piece is
missing.`,
	RunE: runDoctor,
}

// runCommand is swapped out in tests.
var runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

type check struct {
	name     string
	required bool
	run      func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	checks := []check{
		{
			name:     "bluetooth service",
			required: true,
			run: func(ctx context.Context) (string, error) {
				out, err := runCommand(ctx, "systemctl", "is-active", "bluetooth")
				if err != nil || out != "active" {
					return out, fmt.Errorf("bluetooth service is %q, start it with 'systemctl start bluetooth'", out)
				}
				return "active", nil
			},
		},
		{
			name:     "dbus service",
			required: true,
			run: func(ctx context.Context) (string, error) {
				out, err := runCommand(ctx, "systemctl", "is-active", "dbus")
				if err != nil || out != "active" {
					return out, fmt.Errorf("dbus service is %q", out)
				}
				return "active", nil
			},
		},
		{
			name:     "bluetoothctl",
			required: true,
			run: func(ctx context.Context) (string, error) {
				out, err := runCommand(ctx, "bluetoothctl", "--version")
				if err != nil {
					return "", fmt.Errorf("bluetoothctl not found, install the bluez package")
				}
				return out, nil
			},
		},
		{
			name:     "hciconfig",
			required: false,
			run: func(ctx context.Context) (string, error) {
				if _, err := runCommand(ctx, "hciconfig", "--help"); err != nil {
					return "", fmt.Errorf("hciconfig not found, forced recovery cannot bounce the HCI interface")
				}
				return "present", nil
			},
		},
		{
			name:     "bluetooth group",
			required: false,
			run:      checkBluetoothGroup,
		},
	}

	failed := 0
	for _, c := range checks {
		detail, err := c.run(ctx)
		switch {
		case err == nil:
			fmt.Printf("%s %s: %s\n", color.GreenString("[ok]"), c.name, detail)
		case c.required:
			failed++
			fmt.Printf("%s %s: %v\n", color.RedString("[fail]"), c.name, err)
		default:
			fmt.Printf("%s %s: %v\n", color.YellowString("[warn]"), c.name, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d required check(s) failed", failed)
	}
	return nil
}

// checkBluetoothGroup reports whether the current user is in the bluetooth
// group. Root does not need it.
func checkBluetoothGroup(context.Context) (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Uid == "0" {
		return "running as root", nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			continue
		}
		if g.Name == "bluetooth" {
			return "member", nil
		}
	}
	return "", fmt.Errorf("user %s is not in the bluetooth group, add with 'usermod -aG bluetooth %s'", u.Username, u.Username)
}
