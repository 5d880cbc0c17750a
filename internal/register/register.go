// Package register coordinates the GATT application registration handshake
// with bluetoothd: export the object tree, hand it to
// org.bluez.GattManager1, then publish the advertisement, with rollback when
// a later step fails and a mirrored best-effort teardown.
package register

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattd/internal/adapter"
	"github.com/srg/gattd/internal/advertise"
	"github.com/srg/gattd/internal/gatt"
	"github.com/srg/gattd/internal/retry"
	"github.com/srg/gattd/internal/sysbus"
)

var (
	// ErrNotReady means the adapter has not completed a reset; registering
	// against a half-initialized adapter wedges bluetoothd.
	ErrNotReady = errors.New("adapter not ready")

	// ErrAlreadyRegistered is returned by Register when the application is
	// already live.
	ErrAlreadyRegistered = errors.New("application already registered")

	// ErrTimeout marks a RegisterApplication call the daemon never answered
	// within the call budget.
	ErrTimeout = errors.New("application registration timed out")

	// ErrRejected marks a daemon-side rejection that is not worth retrying,
	// such as a malformed object tree.
	ErrRejected = errors.New("application registration rejected")
)

// RollbackError reports a failed registration step together with the outcome
// of undoing the steps that had already succeeded.
type RollbackError struct {
	Cause    error // the step that failed
	Rollback error // nil when the rollback itself went cleanly
}

func (e *RollbackError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("registration failed: %v (rollback also failed: %v)", e.Cause, e.Rollback)
	}
	return fmt.Sprintf("registration failed: %v (rolled back)", e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// Options tunes the coordinator. Zero values take the daemon's defaults.
type Options struct {
	CallTimeout time.Duration // per manager call, default 25s
	BusyPolicy  retry.Policy  // retry on busy answers, default 3 tries 2s apart
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = 25 * time.Second
	}
	if out.BusyPolicy.Attempts == 0 {
		out.BusyPolicy = retry.Fixed(3, 2*time.Second)
	}
	return &out
}

// Coordinator owns the registration state of one GATT application.
type Coordinator struct {
	bus    sysbus.Bus
	ctl    *adapter.Controller
	tree   *gatt.Tree
	pub    *advertise.Publisher
	opts   *Options
	logger *logrus.Logger

	mu         sync.Mutex
	registered bool
}

// NewCoordinator wires the coordinator to the adapter controller, the object
// tree and the advertisement publisher it drives.
func NewCoordinator(bus sysbus.Bus, ctl *adapter.Controller, tree *gatt.Tree, pub *advertise.Publisher, opts *Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		bus:    bus,
		ctl:    ctl,
		tree:   tree,
		pub:    pub,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Register runs the registration sequence in order: export the tree, register
// the application, start the advertisement. When the advertisement fails, the
// application registration and the exports are rolled back so no half-live
// state is left on the bus.
func (c *Coordinator) Register(ctx context.Context) error {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return ErrAlreadyRegistered
	}
	c.mu.Unlock()

	if state := c.ctl.State(); state != adapter.StateReady {
		return fmt.Errorf("%w: adapter state is %s", ErrNotReady, state)
	}

	if err := c.tree.Export(c.bus); err != nil {
		return fmt.Errorf("export object tree: %w", err)
	}

	if err := c.registerApplication(ctx); err != nil {
		c.tree.Unexport(c.bus)
		return err
	}

	if err := c.pub.Start(ctx); err != nil {
		c.logger.WithError(err).Error("Advertisement failed, rolling back application registration")
		return &RollbackError{Cause: err, Rollback: c.rollbackApplication(ctx)}
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	c.logger.WithField("base", c.tree.Base()).Info("GATT application registered")
	return nil
}

// Unregister tears down in reverse order: advertisement, application,
// exports. Every step runs even when an earlier one fails; the failures come
// back joined so none is silently lost.
func (c *Coordinator) Unregister(ctx context.Context) error {
	c.mu.Lock()
	wasRegistered := c.registered
	c.registered = false
	c.mu.Unlock()
	if !wasRegistered {
		return nil
	}

	var errs []error
	if err := c.pub.Stop(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to stop advertisement")
		errs = append(errs, fmt.Errorf("stop advertisement: %w", err))
	}
	if err := c.unregisterApplication(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to unregister application")
		errs = append(errs, fmt.Errorf("unregister application: %w", err))
	}
	if err := c.tree.Unexport(c.bus); err != nil {
		errs = append(errs, fmt.Errorf("unexport object tree: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.WithField("base", c.tree.Base()).Info("GATT application unregistered")
	return nil
}

// Registered reports whether the application is currently live.
func (c *Coordinator) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Coordinator) registerApplication(ctx context.Context) error {
	return retry.Do(ctx, c.opts.BusyPolicy, c.logger, "register application", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		err := c.bus.Call(callCtx, sysbus.BluezService, c.ctl.Path(),
			sysbus.IfaceGattManager+".RegisterApplication",
			c.tree.Base(), map[string]dbus.Variant{})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return retry.Permanent(fmt.Errorf("%w: %v", ErrTimeout, err))
		case sysbus.IsAlreadyExists(err):
			return retry.Permanent(fmt.Errorf("%w: %v", ErrAlreadyRegistered, err))
		case sysbus.IsBusy(err):
			return err
		default:
			return retry.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		}
	})
}

func (c *Coordinator) unregisterApplication(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	err := c.bus.Call(callCtx, sysbus.BluezService, c.ctl.Path(),
		sysbus.IfaceGattManager+".UnregisterApplication", c.tree.Base())
	if err != nil && !sysbus.IsDoesNotExist(err) {
		return err
	}
	return nil
}

// rollbackApplication undoes a successful RegisterApplication and the tree
// exports after a later step failed.
func (c *Coordinator) rollbackApplication(ctx context.Context) error {
	var errs []error
	if err := c.unregisterApplication(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unregister application: %w", err))
	}
	if err := c.tree.Unexport(c.bus); err != nil {
		errs = append(errs, fmt.Errorf("unexport object tree: %w", err))
	}
	return errors.Join(errs...)
}
