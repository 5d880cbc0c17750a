package sysbus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// systemBus serves the Bus contract over a shared godbus system connection.
// godbus dispatches incoming method calls for exported objects on its own
// goroutine; exported handlers must not block.
type systemBus struct {
	conn   *dbus.Conn
	logger *logrus.Logger
}

// System opens the system D-Bus connection.
func System(logger *logrus.Logger) (Bus, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	logger.WithField("unique_name", conn.Names()[0]).Debug("Connected to system D-Bus")
	return &systemBus{conn: conn, logger: logger}, nil
}

func (b *systemBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) error {
	call := b.conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	return call.Err
}

func (b *systemBus) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := b.conn.Object(dest, path).CallWithContext(ctx, IfaceProperties+".Get", 0, iface, name)
	if call.Err != nil {
		return v, call.Err
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("failed to decode property %s.%s: %w", iface, name, err)
	}
	return v, nil
}

func (b *systemBus) SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value interface{}) error {
	call := b.conn.Object(dest, path).CallWithContext(ctx, IfaceProperties+".Set", 0, iface, name, dbus.MakeVariant(value))
	return call.Err
}

func (b *systemBus) Export(obj interface{}, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(obj, path, iface)
}

func (b *systemBus) Unexport(path dbus.ObjectPath, iface string) error {
	return b.conn.Export(nil, path, iface)
}

func (b *systemBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	return b.conn.Emit(path, name, values...)
}

func (b *systemBus) RequestName(name string) error {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue|dbus.NameFlagReplaceExisting)
	if err != nil {
		return fmt.Errorf("failed to request bus name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	b.logger.WithField("name", name).Debug("Acquired bus name")
	return nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}
