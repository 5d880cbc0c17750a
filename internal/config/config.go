// Package config holds the daemon configuration. All tunables are explicit
// struct fields threaded through component constructors; nothing reads
// process-wide state except the simulated-mode environment switch.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// SimulatedEnvVar switches the daemon into simulated mode when set to any
// non-empty value. In simulated mode every BlueZ and host interaction is
// served by in-process stubs, so the daemon runs without hardware or root.
const SimulatedEnvVar = "GATTD_SIMULATED"

// Config is the full daemon configuration, loadable from a YAML file.
type Config struct {
	// Adapter is the BlueZ adapter ID (the hciX name, not a path).
	Adapter string `yaml:"adapter" default:"hci0"`

	// BusName is the well-known D-Bus name the daemon claims on startup.
	BusName string `yaml:"bus_name" default:"com.srg.gattd"`

	// LocalName is the advertised device name.
	LocalName string `yaml:"local_name" default:"PiGattServer"`

	// Simulated forces simulated mode regardless of the environment switch.
	Simulated bool `yaml:"simulated"`

	Discoverable bool `yaml:"discoverable" default:"true"`
	Pairable     bool `yaml:"pairable" default:"true"`

	// DiscoverableTimeout in seconds; zero keeps the adapter discoverable
	// indefinitely.
	DiscoverableTimeout uint32 `yaml:"discoverable_timeout"`

	IncludeTxPower bool `yaml:"include_tx_power" default:"true"`

	// StatusInterval is how often the adapter status snapshot is refreshed
	// into the status characteristic.
	StatusInterval time.Duration `yaml:"status_interval" default:"2s"`

	// ShutdownGrace bounds how long teardown may run after a shutdown
	// request before the daemon quits regardless.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" default:"15s"`

	// DependentUnits are systemd units stopped before and restarted after a
	// forced adapter recovery.
	DependentUnits []string `yaml:"dependent_units"`

	Service ServiceConfig `yaml:"service"`
}

// ServiceConfig describes the single GATT service the daemon exposes.
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid" default:"00000000-1111-2222-3333-444444444444"`
	Primary         bool                   `yaml:"primary" default:"true"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig describes one characteristic of the service.
type CharacteristicConfig struct {
	Name  string   `yaml:"name"`
	UUID  string   `yaml:"uuid"`
	Flags []string `yaml:"flags"`

	// Value is the initial value as a hex string (e.g. "00" or "dead").
	Value string `yaml:"value"`
}

// Well-known characteristic names used by the daemon itself.
const (
	CharTemperature = "temperature"
	CharHumidity    = "humidity"
	CharStatus      = "status"
)

// Default returns the built-in configuration: one primary service with
// temperature, humidity and status characteristics. The status characteristic
// is notifiable and fed by the periodic adapter-status refresh.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.Service.Characteristics = []CharacteristicConfig{
		{
			Name:  CharTemperature,
			UUID:  "00000001-1111-2222-3333-444444444444",
			Flags: []string{"read"},
			Value: "00",
		},
		{
			Name:  CharHumidity,
			UUID:  "00000002-1111-2222-3333-444444444444",
			Flags: []string{"read"},
			Value: "00",
		},
		{
			Name:  CharStatus,
			UUID:  "00000003-1111-2222-3333-444444444444",
			Flags: []string{"read", "notify"},
			Value: "00",
		},
	}
	return c
}

// Load reads the configuration from path, layered over Default. An empty path
// returns the defaults. The simulated-mode environment switch is applied last
// and can only turn simulation on, never off.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if os.Getenv(SimulatedEnvVar) != "" {
		cfg.Simulated = true
	}

	return cfg, nil
}

// Characteristic returns the characteristic config with the given name.
func (s ServiceConfig) Characteristic(name string) (CharacteristicConfig, bool) {
	for _, c := range s.Characteristics {
		if c.Name == name {
			return c, true
		}
	}
	return CharacteristicConfig{}, false
}
