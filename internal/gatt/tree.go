// Package gatt maintains the in-memory Service/Characteristic hierarchy the
// daemon exports over the bus, and answers the managed-objects discovery
// query BlueZ issues when an application registers.
package gatt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattd/internal/sysbus"
)

// DefaultBasePath is where the application object tree is rooted.
const DefaultBasePath = dbus.ObjectPath("/com/srg/gattd")

var (
	// ErrInvalidUUID marks a malformed service or characteristic UUID; it is
	// a permanent error, never retried.
	ErrInvalidUUID = errors.New("invalid UUID")

	// ErrTreeExported rejects topology changes after the tree has been
	// exported; the tree is immutable once BlueZ may have discovered it.
	ErrTreeExported = errors.New("tree is exported")
)

// Service is the plain data half of the GATT service: UUID, primary flag and
// its object path. Characteristics are owned by the Tree.
type Service struct {
	uuid    string
	primary bool
	path    dbus.ObjectPath
}

// UUID returns the service identifier.
func (s *Service) UUID() string { return s.uuid }

// Primary reports whether this is a primary service.
func (s *Service) Primary() bool { return s.primary }

// Path returns the service object path.
func (s *Service) Path() dbus.ObjectPath { return s.path }

func (s *Service) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(s.uuid),
		"Primary": dbus.MakeVariant(s.primary),
	}
}

// Tree holds one service and its characteristics, with deterministic object
// paths: the service sits at {base}/service0 and each characteristic at
// {service}/char{i} in declaration order. Rebuilding from the same specs
// yields identical paths, so re-registration after an adapter reset presents
// the same tree to the daemon.
type Tree struct {
	base    dbus.ObjectPath
	service *Service

	// chars preserves declaration order (it drives path indices) while
	// allowing UUID lookup.
	chars *orderedmap.OrderedMap[string, *Characteristic]

	exported atomic.Bool
	bus      sysbus.Bus

	logger *logrus.Logger
}

// NewTree builds the object tree. Paths are assigned deterministically from
// declaration order. Duplicate or malformed UUIDs fail the build.
func NewTree(base dbus.ObjectPath, serviceUUID string, primary bool, specs []CharacteristicSpec, logger *logrus.Logger) (*Tree, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if base == "" {
		base = DefaultBasePath
	}
	if _, err := uuid.Parse(serviceUUID); err != nil {
		return nil, fmt.Errorf("%w: service %q: %v", ErrInvalidUUID, serviceUUID, err)
	}

	svc := &Service{
		uuid:    serviceUUID,
		primary: primary,
		path:    dbus.ObjectPath(string(base) + "/service0"),
	}

	tree := &Tree{
		base:    base,
		service: svc,
		chars:   orderedmap.New[string, *Characteristic](),
		logger:  logger,
	}

	for i, spec := range specs {
		chr, err := newCharacteristic(spec, i, svc.path, logger)
		if err != nil {
			return nil, err
		}
		if _, dup := tree.chars.Get(chr.uuid); dup {
			return nil, fmt.Errorf("duplicate characteristic UUID %s", chr.uuid)
		}
		tree.chars.Set(chr.uuid, chr)
	}

	logger.WithFields(logrus.Fields{
		"service":         serviceUUID,
		"characteristics": tree.chars.Len(),
		"path":            svc.path,
	}).Debug("Built GATT object tree")

	return tree, nil
}

// Base returns the application root path handed to RegisterApplication.
func (t *Tree) Base() dbus.ObjectPath { return t.base }

// Service returns the single service of the tree.
func (t *Tree) Service() *Service { return t.service }

// Characteristic looks a characteristic up by UUID.
func (t *Tree) Characteristic(uuid string) (*Characteristic, bool) {
	return t.chars.Get(uuid)
}

// Characteristics returns every characteristic in declaration order.
func (t *Tree) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, t.chars.Len())
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Snapshot answers the daemon's GetManagedObjects query: every service and
// characteristic in the tree, and nothing else.
func (t *Tree) Snapshot() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, t.chars.Len()+1)
	out[t.service.path] = map[string]map[string]dbus.Variant{
		sysbus.IfaceGattService: t.service.properties(),
	}
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		chr := pair.Value
		out[chr.path] = map[string]map[string]dbus.Variant{
			sysbus.IfaceGattChar: chr.properties(),
		}
	}
	return out
}

// Export publishes the tree on the bus: the ObjectManager root plus the
// service and characteristic objects with their Properties interfaces. After
// a successful export the topology is frozen.
func (t *Tree) Export(bus sysbus.Bus) error {
	if !t.exported.CompareAndSwap(false, true) {
		return ErrTreeExported
	}
	t.bus = bus

	type export struct {
		obj   interface{}
		path  dbus.ObjectPath
		iface string
	}

	svcObj := &serviceObject{svc: t.service}
	exports := []export{
		{&objectManager{tree: t}, t.base, sysbus.IfaceObjectManager},
		{svcObj, t.service.path, sysbus.IfaceGattService},
		{svcObj, t.service.path, sysbus.IfaceProperties},
	}
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		obj := &characteristicObject{chr: pair.Value, logger: t.logger}
		exports = append(exports,
			export{obj, pair.Value.path, sysbus.IfaceGattChar},
			export{obj, pair.Value.path, sysbus.IfaceProperties},
		)
	}

	for _, e := range exports {
		if err := bus.Export(e.obj, e.path, e.iface); err != nil {
			t.unexportAll(bus)
			t.exported.Store(false)
			t.bus = nil
			return fmt.Errorf("failed to export %s at %s: %w", e.iface, e.path, err)
		}
	}

	// Wire value-change notifications now that the objects are reachable.
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		chr := pair.Value
		path := chr.path
		chr.setNotifyFn(func(value []byte) {
			err := bus.Emit(path, sysbus.IfaceProperties+".PropertiesChanged",
				sysbus.IfaceGattChar,
				map[string]dbus.Variant{"Value": dbus.MakeVariant(value)},
				[]string{})
			if err != nil {
				t.logger.WithError(err).WithField("path", path).Warn("Failed to emit value change")
			}
		})
	}

	t.logger.WithField("base", t.base).Info("Exported GATT object tree")
	return nil
}

// Unexport removes every exported object. Safe to call when not exported.
func (t *Tree) Unexport(bus sysbus.Bus) error {
	if !t.exported.CompareAndSwap(true, false) {
		return nil
	}
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.setNotifyFn(nil)
	}
	t.unexportAll(bus)
	t.bus = nil
	t.logger.WithField("base", t.base).Info("Unexported GATT object tree")
	return nil
}

// Exported reports whether the tree is currently on the bus.
func (t *Tree) Exported() bool {
	return t.exported.Load()
}

func (t *Tree) unexportAll(bus sysbus.Bus) {
	unexport := func(path dbus.ObjectPath, iface string) {
		if err := bus.Unexport(path, iface); err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"path":  path,
				"iface": iface,
			}).Warn("Failed to unexport object")
		}
	}
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		unexport(pair.Value.path, sysbus.IfaceGattChar)
		unexport(pair.Value.path, sysbus.IfaceProperties)
	}
	unexport(t.service.path, sysbus.IfaceGattService)
	unexport(t.service.path, sysbus.IfaceProperties)
	unexport(t.base, sysbus.IfaceObjectManager)
}
