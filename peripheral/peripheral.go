// Package peripheral wires the whole daemon together: bus connection,
// adapter lifecycle, GATT object tree, registration and advertisement, plus
// the periodic status refresh that feeds the status characteristic.
package peripheral

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattd/internal/adapter"
	"github.com/srg/gattd/internal/advertise"
	"github.com/srg/gattd/internal/config"
	"github.com/srg/gattd/internal/gatt"
	"github.com/srg/gattd/internal/groutine"
	"github.com/srg/gattd/internal/register"
	"github.com/srg/gattd/internal/retry"
	"github.com/srg/gattd/internal/sysbus"
)

// Options configures a peripheral run. Bus and Host default from the
// configuration's simulated flag; tests inject their own.
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	Bus    sysbus.Bus
	Host   adapter.HostControl
}

// statusPayload is the JSON snapshot written into the status characteristic,
// matching what clients of the original server expect.
type statusPayload struct {
	Status       string `json:"status"`
	Powered      bool   `json:"powered"`
	Discovering  bool   `json:"discovering"`
	Discoverable bool   `json:"discoverable"`
	Address      string `json:"address"`
	Name         string `json:"name"`
}

// Run brings the peripheral up and serves until ctx is canceled. Teardown
// runs under the configured grace period; its failures are logged, not
// returned, so a clean shutdown exits zero.
func Run(ctx context.Context, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	bus, err := connect(cfg, opts.Bus, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := claimName(ctx, bus, cfg.BusName, logger); err != nil {
		return err
	}

	host := opts.Host
	if host == nil && cfg.Simulated {
		host = adapter.NopHostControl{}
	}
	ctl := adapter.NewController(bus, host, &adapter.Options{
		AdapterID:      cfg.Adapter,
		DependentUnits: cfg.DependentUnits,
	}, logger)

	if err := ctl.Reset(ctx, false); err != nil {
		return fmt.Errorf("adapter reset: %w", err)
	}
	if err := ctl.Configure(ctx, cfg.Discoverable, cfg.Pairable, cfg.DiscoverableTimeout); err != nil {
		return fmt.Errorf("adapter configure: %w", err)
	}

	tree, err := buildTree(cfg, logger)
	if err != nil {
		return err
	}

	adv := advertise.NewAdvertisement(tree.Base(), cfg.LocalName,
		[]string{cfg.Service.UUID}, cfg.IncludeTxPower)
	pub := advertise.NewPublisher(bus, adv, ctl.Path(), nil, logger)
	co := register.NewCoordinator(bus, ctl, tree, pub, nil, logger)

	if err := co.Register(ctx); err != nil {
		return fmt.Errorf("register application: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"adapter": cfg.Adapter,
		"name":    cfg.LocalName,
		"service": cfg.Service.UUID,
	}).Info("Peripheral is up")

	serveStatus(ctx, cfg, ctl, tree, logger)

	teardown(cfg, co, ctl, logger)
	return nil
}

func connect(cfg *config.Config, bus sysbus.Bus, logger *logrus.Logger) (sysbus.Bus, error) {
	if bus != nil {
		return bus, nil
	}
	if cfg.Simulated {
		logger.Info("Running in simulated mode, no system bus")
		return sysbus.Sim(logger), nil
	}
	b, err := sysbus.System(logger)
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return b, nil
}

// claimName takes the daemon's well-known bus name. A previous instance may
// still hold it while shutting down, so the claim is retried briefly.
func claimName(ctx context.Context, bus sysbus.Bus, name string, logger *logrus.Logger) error {
	return retry.Do(ctx, retry.Fixed(5, time.Second), logger, "claim bus name", func() error {
		return bus.RequestName(name)
	})
}

func buildTree(cfg *config.Config, logger *logrus.Logger) (*gatt.Tree, error) {
	specs := make([]gatt.CharacteristicSpec, 0, len(cfg.Service.Characteristics))
	for _, cc := range cfg.Service.Characteristics {
		value, err := hex.DecodeString(cc.Value)
		if err != nil {
			return nil, fmt.Errorf("characteristic %s: bad initial value %q: %w", cc.Name, cc.Value, err)
		}
		specs = append(specs, gatt.CharacteristicSpec{
			UUID:  cc.UUID,
			Name:  cc.Name,
			Flags: cc.Flags,
			Value: value,
		})
	}
	tree, err := gatt.NewTree(gatt.DefaultBasePath, cfg.Service.UUID, cfg.Service.Primary, specs, logger)
	if err != nil {
		return nil, fmt.Errorf("build object tree: %w", err)
	}
	return tree, nil
}

// serveStatus samples the adapter on the configured interval and writes the
// JSON snapshot into the status characteristic. Sampling happens off the
// writer: snapshots go through a drop-oldest ring so a stalled write never
// backs up the sampler, and the freshest state wins.
func serveStatus(ctx context.Context, cfg *config.Config, ctl *adapter.Controller, tree *gatt.Tree, logger *logrus.Logger) {
	statusCfg, ok := cfg.Service.Characteristic(config.CharStatus)
	if !ok {
		logger.Warn("No status characteristic configured, skipping status refresh")
		<-ctx.Done()
		return
	}
	char, ok := tree.Characteristic(statusCfg.UUID)
	if !ok {
		logger.WithField("uuid", statusCfg.UUID).Warn("Status characteristic missing from tree")
		<-ctx.Done()
		return
	}

	ring := newRingChan[[]byte](4)
	var wg sync.WaitGroup
	wg.Add(1)
	groutine.Go(ctx, "status-writer", func(context.Context) {
		defer wg.Done()
		for payload := range ring.c() {
			char.Write(payload)
		}
	})

	interval := cfg.StatusInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ring.close()
			wg.Wait()
			return
		case <-ticker.C:
			ring.send(sampleStatus(ctx, ctl, logger))
		}
	}
}

func sampleStatus(ctx context.Context, ctl *adapter.Controller, logger *logrus.Logger) []byte {
	var payload statusPayload
	st, err := ctl.Status(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read adapter status")
		payload.Status = "error"
	} else {
		payload = statusPayload{
			Status:       "inactive",
			Powered:      st.Powered,
			Discovering:  st.Discovering,
			Discoverable: st.Discoverable,
			Address:      st.Address,
			Name:         st.Name,
		}
		if st.Powered {
			payload.Status = "active"
		}
	}
	out, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("Failed to encode status payload")
		return []byte(`{"status":"error"}`)
	}
	return out
}

// teardown runs after ctx cancellation under its own bounded context so a
// hung daemon cannot stall shutdown past the grace period.
func teardown(cfg *config.Config, co *register.Coordinator, ctl *adapter.Controller, logger *logrus.Logger) {
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	logger.WithField("grace", grace).Info("Shutting down")
	if err := co.Unregister(ctx); err != nil {
		logger.WithError(err).Warn("Teardown left registrations behind")
	}
	if err := ctl.PowerOff(ctx); err != nil {
		logger.WithError(err).Warn("Failed to power off adapter")
	}
	logger.Info("Shutdown complete")
}
