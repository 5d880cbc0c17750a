package gatt

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Characteristic capability flags understood by BlueZ.
const (
	FlagRead                 = "read"
	FlagWrite                = "write"
	FlagWriteWithoutResponse = "write-without-response"
	FlagNotify               = "notify"
	FlagIndicate             = "indicate"
)

var knownFlags = map[string]struct{}{
	FlagRead:                 {},
	FlagWrite:                {},
	FlagWriteWithoutResponse: {},
	FlagNotify:               {},
	FlagIndicate:             {},
}

// CharacteristicSpec declares one characteristic when building a tree.
type CharacteristicSpec struct {
	UUID  string
	Name  string
	Flags []string
	Value []byte
}

// Characteristic is the plain data half of one GATT characteristic: UUID,
// flags, current value and the notifying state. The bus-callable surface
// lives in a separate adapter object that delegates here, so no bus types
// leak into the data model.
type Characteristic struct {
	uuid        string
	name        string
	flags       []string
	path        dbus.ObjectPath
	servicePath dbus.ObjectPath

	mu        sync.RWMutex
	value     []byte
	notifying bool

	// notifyFn publishes a value change to subscribed centrals. Set while
	// the tree is exported, nil otherwise.
	notifyFn func(value []byte)

	logger *logrus.Logger
}

func newCharacteristic(spec CharacteristicSpec, index int, servicePath dbus.ObjectPath, logger *logrus.Logger) (*Characteristic, error) {
	if _, err := uuid.Parse(spec.UUID); err != nil {
		return nil, fmt.Errorf("%w: characteristic %q: %v", ErrInvalidUUID, spec.UUID, err)
	}
	if len(spec.Flags) == 0 {
		return nil, fmt.Errorf("characteristic %s: at least one flag is required", spec.UUID)
	}
	for _, f := range spec.Flags {
		if _, ok := knownFlags[f]; !ok {
			return nil, fmt.Errorf("characteristic %s: unknown flag %q", spec.UUID, f)
		}
	}

	value := make([]byte, len(spec.Value))
	copy(value, spec.Value)

	return &Characteristic{
		uuid:        spec.UUID,
		name:        spec.Name,
		flags:       append([]string(nil), spec.Flags...),
		path:        dbus.ObjectPath(fmt.Sprintf("%s/char%d", servicePath, index)),
		servicePath: servicePath,
		value:       value,
		logger:      logger,
	}, nil
}

// UUID returns the characteristic identifier.
func (c *Characteristic) UUID() string { return c.uuid }

// Name returns the configured friendly name, possibly empty.
func (c *Characteristic) Name() string { return c.name }

// Path returns the object path; stable for the lifetime of the tree.
func (c *Characteristic) Path() dbus.ObjectPath { return c.path }

// Flags returns a copy of the capability flags.
func (c *Characteristic) Flags() []string {
	return append([]string(nil), c.flags...)
}

// HasFlag reports whether the characteristic carries the given flag.
func (c *Characteristic) HasFlag(flag string) bool {
	for _, f := range c.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Read returns a copy of the current value.
func (c *Characteristic) Read() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out
}

// Write replaces the value atomically; concurrent readers observe either the
// previous or the new value in full. If the characteristic is notifying, the
// change is published to subscribers.
func (c *Characteristic) Write(value []byte) {
	next := make([]byte, len(value))
	copy(next, value)

	c.mu.Lock()
	c.value = next
	notify := c.notifying
	notifyFn := c.notifyFn
	c.mu.Unlock()

	if notify && notifyFn != nil {
		notifyFn(next)
	}
}

// Notifying reports whether notifications are currently enabled.
func (c *Characteristic) Notifying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifying
}

// StartNotify enables notifications. Calling it while already notifying is a
// no-op, not an error.
func (c *Characteristic) StartNotify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifying {
		return
	}
	c.notifying = true
	c.logger.WithField("uuid", c.uuid).Debug("Notifications enabled")
}

// StopNotify disables notifications; idempotent like StartNotify.
func (c *Characteristic) StopNotify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.notifying {
		return
	}
	c.notifying = false
	c.logger.WithField("uuid", c.uuid).Debug("Notifications disabled")
}

func (c *Characteristic) setNotifyFn(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = fn
}

// properties returns the GattCharacteristic1 property map used both for the
// managed-objects snapshot and for GetAll.
func (c *Characteristic) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(c.uuid),
		"Service":   dbus.MakeVariant(c.servicePath),
		"Flags":     dbus.MakeVariant(c.Flags()),
		"Notifying": dbus.MakeVariant(c.Notifying()),
	}
}
