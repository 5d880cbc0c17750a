// Package sysbus wraps the system D-Bus connection behind a small RPC-style
// interface. The rest of the daemon treats it purely as a call/export/signal
// substrate; in simulated mode the same interface is served by an in-memory
// implementation so every component runs without hardware.
package sysbus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// BlueZ names used throughout the daemon.
const (
	BluezService = "org.bluez"
	BluezRoot    = "/org/bluez"

	IfaceAdapter       = "org.bluez.Adapter1"
	IfaceGattManager   = "org.bluez.GattManager1"
	IfaceLEAdvManager  = "org.bluez.LEAdvertisingManager1"
	IfaceGattService   = "org.bluez.GattService1"
	IfaceGattChar      = "org.bluez.GattCharacteristic1"
	IfaceLEAdv         = "org.bluez.LEAdvertisement1"
	IfaceProperties    = "org.freedesktop.DBus.Properties"
	IfaceObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// Bus is the message-bus contract required by the daemon: method calls with
// caller-supplied timeouts via ctx, object export at a path, property access,
// and signal emission. Implementations must be safe for concurrent use.
type Bus interface {
	// Call invokes dest.path method and discards any return values. The
	// method name includes the interface (e.g. "org.bluez.GattManager1.RegisterApplication").
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) error

	// GetProperty reads iface.name of the object at dest.path.
	GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)

	// SetProperty writes iface.name of the object at dest.path. The value is
	// wrapped into a variant by the implementation.
	SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value interface{}) error

	// Export publishes obj's exported methods at path under iface. A nil obj
	// removes a previous export.
	Export(obj interface{}, path dbus.ObjectPath, iface string) error

	// Unexport removes the export at path under iface.
	Unexport(path dbus.ObjectPath, iface string) error

	// Emit sends a signal from path. name is the full interface.member.
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error

	// RequestName claims a well-known bus name, replacing an existing owner
	// when possible. ErrNameTaken is returned when the name stays foreign.
	RequestName(name string) error

	Close() error
}
