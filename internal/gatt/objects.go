package gatt

import (
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattd/internal/sysbus"
)

// The adapter objects below are the bus-callable surface of the tree. They
// hold no state of their own and delegate to the data structs, keeping the
// data model free of bus concerns. Handlers run on the bus dispatch goroutine
// and must not block.

type objectManager struct {
	tree *Tree
}

// GetManagedObjects answers the discovery query BlueZ issues while binding a
// registered application.
func (o *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return o.tree.Snapshot(), nil
}

type serviceObject struct {
	svc *Service
}

func (s *serviceObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != sysbus.IfaceGattService {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", nil)
	}
	return s.svc.properties(), nil
}

func (s *serviceObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	props, derr := s.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", nil)
	}
	return v, nil
}

type characteristicObject struct {
	chr    *Characteristic
	logger *logrus.Logger
}

// ReadValue returns the current value; no side effect beyond logging.
func (c *characteristicObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if !c.chr.HasFlag(FlagRead) {
		return nil, dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}
	value := c.chr.Read()
	c.logger.WithFields(logrus.Fields{
		"uuid": c.chr.UUID(),
		"len":  len(value),
	}).Debug("ReadValue")
	return value, nil
}

// WriteValue replaces the value atomically.
func (c *characteristicObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if !c.chr.HasFlag(FlagWrite) && !c.chr.HasFlag(FlagWriteWithoutResponse) {
		return dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}
	c.chr.Write(value)
	c.logger.WithFields(logrus.Fields{
		"uuid": c.chr.UUID(),
		"len":  len(value),
	}).Debug("WriteValue")
	return nil
}

func (c *characteristicObject) StartNotify() *dbus.Error {
	if !c.chr.HasFlag(FlagNotify) && !c.chr.HasFlag(FlagIndicate) {
		return dbus.NewError("org.bluez.Error.NotSupported", nil)
	}
	c.chr.StartNotify()
	return nil
}

func (c *characteristicObject) StopNotify() *dbus.Error {
	c.chr.StopNotify()
	return nil
}

func (c *characteristicObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != sysbus.IfaceGattChar {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", nil)
	}
	return c.chr.properties(), nil
}

func (c *characteristicObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	props, derr := c.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs", nil)
	}
	return v, nil
}
