package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattd/internal/adapter"
	"github.com/srg/gattd/internal/config"
	"github.com/srg/gattd/internal/sysbus"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the Bluetooth adapter status",
	Long: `Show a point-in-time snapshot of the Bluetooth adapter: power,
discoverable/pairable state, whether a scan is running, address and name.`,
	RunE: runStatus,
}

var statusFormat string

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "Output format (table, json)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	bus, err := connectBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctl := adapter.NewController(bus, nil, &adapter.Options{AdapterID: cfg.Adapter}, logger)
	st, err := ctl.Status(cmd.Context())
	if err != nil {
		return err
	}

	switch statusFormat {
	case "json":
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "table":
		printStatusTable(cfg.Adapter, st)
		return nil
	default:
		return fmt.Errorf("invalid format: %s (must be table or json)", statusFormat)
	}
}

func printStatusTable(adapterID string, st adapter.Status) {
	onOff := func(v bool) string {
		if v {
			return color.GreenString("yes")
		}
		return color.RedString("no")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Adapter:\t%s\n", adapterID)
	fmt.Fprintf(w, "Address:\t%s\n", st.Address)
	fmt.Fprintf(w, "Name:\t%s\n", st.Name)
	fmt.Fprintf(w, "Powered:\t%s\n", onOff(st.Powered))
	fmt.Fprintf(w, "Discoverable:\t%s\n", onOff(st.Discoverable))
	fmt.Fprintf(w, "Pairable:\t%s\n", onOff(st.Pairable))
	fmt.Fprintf(w, "Discovering:\t%s\n", onOff(st.Discovering))
	w.Flush()
}

// connectBus picks the bus by configuration, shared by the one-shot commands.
func connectBus(cfg *config.Config, logger *logrus.Logger) (sysbus.Bus, error) {
	if cfg.Simulated {
		return sysbus.Sim(logger), nil
	}
	return sysbus.System(logger)
}
