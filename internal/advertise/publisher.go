package advertise

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
	// ErrAlreadyRegistered is returned by Start when the advertisement is
	// already live, either from a previous Start or because the daemon
	// reported a duplicate.
	ErrAlreadyRegistered = errors.New("advertisement already registered")

	// ErrTimeout marks a RegisterAdvertisement call the daemon never
	// answered within the call budget.
	ErrTimeout = errors.New("advertisement registration timed out")
)

// Options tunes the publisher. Zero values take the daemon's defaults.
type Options struct {
	CallTimeout time.Duration // per RegisterAdvertisement call, default 25s
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

// Publisher registers an Advertisement with the adapter's advertising manager
// and keeps track of whether it is live.
type Publisher struct {
	bus         sysbus.Bus
	adv         *Advertisement
	adapterPath dbus.ObjectPath
	opts        *Options
	logger      *logrus.Logger

	mu     sync.Mutex
	active bool
}

// NewPublisher creates a publisher for adv on the given adapter.
func NewPublisher(bus sysbus.Bus, adv *Advertisement, adapterPath dbus.ObjectPath, opts *Options, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		bus:         bus,
		adv:         adv,
		adapterPath: adapterPath,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Start exports the advertisement object and registers it with bluetoothd.
// Busy answers are retried on a fixed schedule; everything else fails
// immediately. A second Start while live returns ErrAlreadyRegistered.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.mu.Unlock()

	obj := &advObject{adv: p.adv, released: p.released}
	if err := p.bus.Export(obj, p.adv.path, sysbus.IfaceLEAdv); err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	if err := p.bus.Export(obj, p.adv.path, sysbus.IfaceProperties); err != nil {
		p.unexport()
		return fmt.Errorf("export advertisement properties: %w", err)
	}

	err := retry.Do(ctx, p.opts.BusyPolicy, p.logger, "register advertisement", func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		err := p.bus.Call(callCtx, sysbus.BluezService, p.adapterPath,
			sysbus.IfaceLEAdvManager+".RegisterAdvertisement",
			p.adv.path, map[string]dbus.Variant{})
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
			return retry.Permanent(err)
		}
	})
	if err != nil {
		p.unexport()
		return err
	}

	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{
		"path": p.adv.path,
		"name": p.adv.localName,
	}).Info("Advertisement registered")
	return nil
}

// Stop unregisters the advertisement and removes the exported object. It is a
// no-op when nothing is live; a daemon answering DoesNotExist counts as
// success because the advertisement is gone either way.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = false
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	err := p.bus.Call(callCtx, sysbus.BluezService, p.adapterPath,
		sysbus.IfaceLEAdvManager+".UnregisterAdvertisement", p.adv.path)
	p.unexport()
	if err != nil && !sysbus.IsDoesNotExist(err) {
		return fmt.Errorf("unregister advertisement: %w", err)
	}
	p.logger.WithField("path", p.adv.path).Info("Advertisement unregistered")
	return nil
}

// Active reports whether the advertisement is currently registered.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// released handles the daemon-side Release callback: bluetoothd already
// dropped the advertisement, so only local state needs cleaning up.
func (p *Publisher) released() {
	p.mu.Lock()
	wasActive := p.active
	p.active = false
	p.mu.Unlock()
	if wasActive {
		p.logger.WithField("path", p.adv.path).Info("Advertisement released by daemon")
		p.unexport()
	}
}

func (p *Publisher) unexport() {
	for _, iface := range []string{sysbus.IfaceLEAdv, sysbus.IfaceProperties} {
		if err := p.bus.Unexport(p.adv.path, iface); err != nil {
			p.logger.WithError(err).WithField("path", p.adv.path).Warn("Failed to unexport advertisement")
		}
	}
}
