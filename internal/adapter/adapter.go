// Package adapter owns the Bluetooth adapter lifecycle: power-cycling,
// discoverable/pairable configuration, busy and crash recovery, and
// point-in-time status snapshots.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattd/internal/retry"
	"github.com/srg/gattd/internal/sysbus"
)

var (
	// ErrBusy signals the daemon reported the adapter busy; the controller
	// handles it internally by escalating to a forced recovery.
	ErrBusy = errors.New("adapter busy")

	// ErrResetFailed is fatal: the full recovery sequence exhausted its
	// retry budget.
	ErrResetFailed = errors.New("adapter reset failed")

	// ErrPropertyRead marks a failed status snapshot; no partial data is
	// ever returned alongside it.
	ErrPropertyRead = errors.New("adapter property read failed")
)

// State of the controller's lifecycle machine. Busy and ForceResetting are
// internal retry stages, never surfaced to callers as terminal states.
type State int32

const (
	StateUninitialized State = iota
	StateResetting
	StateForceResetting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResetting:
		return "resetting"
	case StateForceResetting:
		return "force-resetting"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point-in-time snapshot of the adapter, read on demand and
// never cached.
type Status struct {
	Powered      bool   `json:"powered"`
	Discoverable bool   `json:"discoverable"`
	Pairable     bool   `json:"pairable"`
	Discovering  bool   `json:"discovering"`
	Address      string `json:"address"`
	Name         string `json:"name"`
}

// Options tune the controller. Zero values fall back to the listed defaults.
type Options struct {
	AdapterID       string        // default hci0
	BluetoothUnit   string        // default bluetooth.service
	DependentUnits  []string      // stopped/restarted around a forced recovery
	ResetPolicy     retry.Policy  // default Exponential(5, 1s)
	PowerCyclePause time.Duration // pause between power off and on, default 500ms
	ServiceWait     time.Duration // bound on waiting for bluetoothd after restart, default 10s
	CallTimeout     time.Duration // per bus call, default 5s
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.AdapterID == "" {
		out.AdapterID = "hci0"
	}
	if out.BluetoothUnit == "" {
		out.BluetoothUnit = "bluetooth.service"
	}
	if out.ResetPolicy.Attempts == 0 {
		out.ResetPolicy = retry.Exponential(5, time.Second)
	}
	if out.PowerCyclePause == 0 {
		out.PowerCyclePause = 500 * time.Millisecond
	}
	if out.ServiceWait == 0 {
		out.ServiceWait = 10 * time.Second
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = 5 * time.Second
	}
	return out
}

// Controller brings the adapter into a usable state and keeps the lifecycle
// machine. The bus connection and the adapter object are only touched through
// it; it is safe for concurrent use.
type Controller struct {
	bus  sysbus.Bus
	host HostControl
	opts Options
	path dbus.ObjectPath

	mu    sync.Mutex
	state State

	logger *logrus.Logger
}

// NewController creates a controller for the configured adapter.
func NewController(bus sysbus.Bus, host HostControl, opts *Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	o := opts.withDefaults()
	if host == nil {
		host = &ExecHostControl{Logger: logger}
	}
	return &Controller{
		bus:    bus,
		host:   host,
		opts:   o,
		path:   dbus.ObjectPath(sysbus.BluezRoot + "/" + o.AdapterID),
		state:  StateUninitialized,
		logger: logger,
	}
}

// Path returns the adapter object path, e.g. /org/bluez/hci0.
func (c *Controller) Path() dbus.ObjectPath { return c.path }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("Adapter state change")
	}
}

// Reset power-cycles the adapter. When the daemon reports busy and force is
// false, the controller escalates once to the forced recovery path: stop
// dependents, kill bluetoothd, bounce the HCI interface, restart the service,
// wait for it to come back, restart dependents and power-cycle again. The
// whole sequence is retried with exponential backoff; exhausting the budget
// is a fatal ErrResetFailed.
func (c *Controller) Reset(ctx context.Context, force bool) error {
	c.setState(StateResetting)

	err := retry.Do(ctx, c.opts.ResetPolicy, c.logger, "adapter reset", func() error {
		if force {
			if err := c.forceRecover(ctx); err != nil {
				return err
			}
			c.setState(StateResetting)
		}
		err := c.powerCycle(ctx)
		if err != nil && !force && isBusy(err) {
			c.logger.WithError(err).Warn("Adapter busy, escalating to forced recovery")
			force = true
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return err
	})
	if err != nil {
		c.setState(StateUninitialized)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrResetFailed, err)
	}

	c.setState(StateReady)
	c.logger.WithField("adapter", c.opts.AdapterID).Info("Adapter ready")
	return nil
}

func (c *Controller) powerCycle(ctx context.Context) error {
	if err := c.setAdapterProp(ctx, "Powered", false); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if !retry.Sleep(ctx, c.opts.PowerCyclePause) {
		return ctx.Err()
	}
	if err := c.setAdapterProp(ctx, "Powered", true); err != nil {
		return fmt.Errorf("power on: %w", err)
	}

	powered, err := c.getAdapterProp(ctx, "Powered")
	if err != nil {
		return fmt.Errorf("verify power state: %w", err)
	}
	if on, _ := powered.Value().(bool); !on {
		return fmt.Errorf("adapter %s did not power on", c.opts.AdapterID)
	}
	return nil
}

func (c *Controller) forceRecover(ctx context.Context) error {
	c.setState(StateForceResetting)
	log := c.logger.WithField("adapter", c.opts.AdapterID)
	log.Warn("Starting forced adapter recovery")

	// Dependent stops are best-effort; a dead dependent must not block
	// recovering the radio.
	for _, unit := range c.opts.DependentUnits {
		if err := c.host.StopUnit(ctx, unit); err != nil {
			log.WithError(err).WithField("unit", unit).Warn("Failed to stop dependent unit")
		}
	}

	if err := c.host.KillProcess(ctx, "bluetoothd"); err != nil {
		return fmt.Errorf("kill bluetoothd: %w", err)
	}
	if err := c.host.InterfaceDown(ctx, c.opts.AdapterID); err != nil {
		return fmt.Errorf("interface down: %w", err)
	}
	if err := c.host.InterfaceUp(ctx, c.opts.AdapterID); err != nil {
		return fmt.Errorf("interface up: %w", err)
	}
	if err := c.host.RestartUnit(ctx, c.opts.BluetoothUnit); err != nil {
		return fmt.Errorf("restart %s: %w", c.opts.BluetoothUnit, err)
	}
	if err := c.waitUnitActive(ctx, c.opts.BluetoothUnit); err != nil {
		return err
	}

	for _, unit := range c.opts.DependentUnits {
		if err := c.host.StartUnit(ctx, unit); err != nil {
			log.WithError(err).WithField("unit", unit).Warn("Failed to restart dependent unit")
		}
	}

	log.Info("Forced adapter recovery finished")
	return nil
}

func (c *Controller) waitUnitActive(ctx context.Context, unit string) error {
	deadline := time.Now().Add(c.opts.ServiceWait)
	for {
		active, err := c.host.IsActive(ctx, unit)
		if err == nil && active {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not active after %s", unit, c.opts.ServiceWait)
		}
		if !retry.Sleep(ctx, 500*time.Millisecond) {
			return ctx.Err()
		}
	}
}

// Configure sets the discoverable/pairable properties, writing only the ones
// that differ from the adapter's current values so re-applying the same
// configuration is observable as a no-op.
func (c *Controller) Configure(ctx context.Context, discoverable, pairable bool, timeoutSeconds uint32) error {
	desired := []struct {
		name  string
		value interface{}
	}{
		{"Discoverable", discoverable},
		{"DiscoverableTimeout", timeoutSeconds},
		{"Pairable", pairable},
		{"PairableTimeout", timeoutSeconds},
	}

	for _, prop := range desired {
		current, err := c.getAdapterProp(ctx, prop.name)
		if err != nil {
			return fmt.Errorf("read %s: %w", prop.name, err)
		}
		if current.Value() == prop.value {
			continue
		}
		if err := c.setAdapterProp(ctx, prop.name, prop.value); err != nil {
			return fmt.Errorf("set %s: %w", prop.name, err)
		}
		c.logger.WithFields(logrus.Fields{
			"property": prop.name,
			"value":    prop.value,
		}).Info("Adapter property configured")
	}
	return nil
}

// Status reads the adapter snapshot. Any failed property read returns an
// ErrPropertyRead-wrapped error and a zero Status, never partial data.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	reads := []struct {
		name string
		into func(dbus.Variant)
	}{
		{"Powered", func(v dbus.Variant) { st.Powered, _ = v.Value().(bool) }},
		{"Discoverable", func(v dbus.Variant) { st.Discoverable, _ = v.Value().(bool) }},
		{"Pairable", func(v dbus.Variant) { st.Pairable, _ = v.Value().(bool) }},
		{"Discovering", func(v dbus.Variant) { st.Discovering, _ = v.Value().(bool) }},
		{"Address", func(v dbus.Variant) { st.Address, _ = v.Value().(string) }},
		{"Name", func(v dbus.Variant) { st.Name, _ = v.Value().(string) }},
	}
	for _, r := range reads {
		v, err := c.getAdapterProp(ctx, r.name)
		if err != nil {
			return Status{}, fmt.Errorf("%w: %s: %v", ErrPropertyRead, r.name, err)
		}
		r.into(v)
	}
	return st, nil
}

// PowerOff is the teardown counterpart of Reset; best-effort.
func (c *Controller) PowerOff(ctx context.Context) error {
	if err := c.setAdapterProp(ctx, "Powered", false); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	c.setState(StateUninitialized)
	return nil
}

func (c *Controller) getAdapterProp(ctx context.Context, name string) (dbus.Variant, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.bus.GetProperty(callCtx, sysbus.BluezService, c.path, sysbus.IfaceAdapter, name)
}

func (c *Controller) setAdapterProp(ctx context.Context, name string, value interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.bus.SetProperty(callCtx, sysbus.BluezService, c.path, sysbus.IfaceAdapter, name, value)
}

func isBusy(err error) bool {
	return sysbus.IsBusy(err) || errors.Is(err, ErrBusy)
}
