package sysbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// CallRecord captures one bus interaction made through the SimBus, in order.
type CallRecord struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

// SimBus is the in-memory Bus used in simulated mode and in tests. Every
// operation succeeds unless a failure has been scripted with FailNext. Exports
// and properties live in concurrent maps because the real bus dispatches
// method calls on a separate goroutine.
type SimBus struct {
	exported *hashmap.Map[string, interface{}]
	props    *hashmap.Map[string, dbus.Variant]

	mu       sync.Mutex
	calls    []CallRecord
	failures map[string][]error
	closed   bool

	logger *logrus.Logger
}

// Sim creates a simulated bus with the mock adapter the development mode of
// the original server exposes: powered, discoverable, at the zero address.
func Sim(logger *logrus.Logger) *SimBus {
	if logger == nil {
		logger = logrus.New()
	}
	b := &SimBus{
		exported: hashmap.New[string, interface{}](),
		props:    hashmap.New[string, dbus.Variant](),
		failures: make(map[string][]error),
		logger:   logger,
	}
	b.SeedAdapter("hci0")
	return b
}

// SeedAdapter installs mock adapter properties for the given adapter ID.
func (b *SimBus) SeedAdapter(adapterID string) {
	path := dbus.ObjectPath(BluezRoot + "/" + adapterID)
	seed := map[string]interface{}{
		"Powered":             true,
		"Discoverable":        true,
		"DiscoverableTimeout": uint32(0),
		"Pairable":            true,
		"PairableTimeout":     uint32(0),
		"Discovering":         true,
		"Address":             "00:00:00:00:00:00",
		"Name":                "Mock Bluetooth Adapter",
	}
	for name, v := range seed {
		b.props.Set(propKey(path, IfaceAdapter, name), dbus.MakeVariant(v))
	}
}

// FailNext scripts errors for upcoming operations matching key. Keys are the
// trailing method name for calls (e.g. "RegisterApplication"), "Get:<prop>"
// for property reads, "Set:<prop>" for property writes, and "RequestName".
// Each scripted error is consumed by exactly one operation.
func (b *SimBus) FailNext(key string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key] = append(b.failures[key], errs...)
}

func (b *SimBus) popFailure(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.failures[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	b.failures[key] = queue[1:]
	return err
}

func (b *SimBus) record(dest string, path dbus.ObjectPath, method string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, CallRecord{Dest: dest, Path: path, Method: method, Args: args})
}

// Calls returns a copy of every recorded interaction, in order.
func (b *SimBus) Calls() []CallRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CallRecord, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallsTo returns the recorded interactions whose method name ends in name.
func (b *SimBus) CallsTo(name string) []CallRecord {
	var out []CallRecord
	for _, c := range b.Calls() {
		if methodName(c.Method) == name {
			out = append(out, c)
		}
	}
	return out
}

// Exported reports whether an object is currently exported at path/iface.
func (b *SimBus) Exported(path dbus.ObjectPath, iface string) bool {
	_, ok := b.exported.Get(exportKey(path, iface))
	return ok
}

// ExportedObject returns the object exported at path/iface, if any.
func (b *SimBus) ExportedObject(path dbus.ObjectPath, iface string) (interface{}, bool) {
	return b.exported.Get(exportKey(path, iface))
}

// ExportedCount returns the number of live exports across all paths.
func (b *SimBus) ExportedCount() int {
	return b.exported.Len()
}

func (b *SimBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.record(dest, path, method, args...)
	if err := b.popFailure(methodName(method)); err != nil {
		return err
	}
	b.logger.WithFields(logrus.Fields{
		"dest":   dest,
		"path":   path,
		"method": method,
	}).Debug("Sim: bus call")
	return nil
}

func (b *SimBus) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	if err := ctx.Err(); err != nil {
		return dbus.Variant{}, err
	}
	b.record(dest, path, IfaceProperties+".Get", iface, name)
	if err := b.popFailure("Get:" + name); err != nil {
		return dbus.Variant{}, err
	}
	v, ok := b.props.Get(propKey(path, iface, name))
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs",
			[]interface{}{fmt.Sprintf("no such property %s.%s", iface, name)})
	}
	return v, nil
}

func (b *SimBus) SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.record(dest, path, IfaceProperties+".Set", iface, name, value)
	if err := b.popFailure("Set:" + name); err != nil {
		return err
	}
	b.props.Set(propKey(path, iface, name), dbus.MakeVariant(value))
	b.logger.WithFields(logrus.Fields{
		"path":  path,
		"name":  name,
		"value": value,
	}).Debug("Sim: property set")
	return nil
}

func (b *SimBus) Export(obj interface{}, path dbus.ObjectPath, iface string) error {
	if obj == nil {
		return b.Unexport(path, iface)
	}
	b.exported.Set(exportKey(path, iface), obj)
	b.logger.WithFields(logrus.Fields{"path": path, "iface": iface}).Debug("Sim: exported object")
	return nil
}

func (b *SimBus) Unexport(path dbus.ObjectPath, iface string) error {
	b.exported.Del(exportKey(path, iface))
	return nil
}

func (b *SimBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	b.record("", path, "signal:"+name, values...)
	return nil
}

func (b *SimBus) RequestName(name string) error {
	b.record("org.freedesktop.DBus", "/org/freedesktop/DBus", "RequestName", name)
	if err := b.popFailure("RequestName"); err != nil {
		return err
	}
	return nil
}

func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (b *SimBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func exportKey(path dbus.ObjectPath, iface string) string {
	return string(path) + "|" + iface
}

func propKey(path dbus.ObjectPath, iface, name string) string {
	return string(path) + "|" + iface + "|" + name
}

func methodName(method string) string {
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '.' {
			return method[i+1:]
		}
	}
	return method
}
