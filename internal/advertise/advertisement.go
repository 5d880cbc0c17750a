// Package advertise publishes an LE advertisement for the peripheral through
// org.bluez.LEAdvertisingManager1.
package advertise

import (
	"github.com/godbus/dbus/v5"

	"github.com/srg/gattd/internal/sysbus"
)

// Advertisement holds the broadcast payload: a peripheral-type advertisement
// carrying the local name and the UUIDs of the advertised services.
type Advertisement struct {
	localName      string
	serviceUUIDs   []string
	includeTxPower bool
	path           dbus.ObjectPath
}

// NewAdvertisement builds the advertisement exported under base.
func NewAdvertisement(base dbus.ObjectPath, localName string, serviceUUIDs []string, includeTxPower bool) *Advertisement {
	return &Advertisement{
		localName:      localName,
		serviceUUIDs:   append([]string(nil), serviceUUIDs...),
		includeTxPower: includeTxPower,
		path:           base + "/advertisement0",
	}
}

// Path returns the object path the advertisement is exported at.
func (a *Advertisement) Path() dbus.ObjectPath { return a.path }

// LocalName returns the advertised device name.
func (a *Advertisement) LocalName() string { return a.localName }

func (a *Advertisement) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Type":           dbus.MakeVariant("peripheral"),
		"ServiceUUIDs":   dbus.MakeVariant(append([]string(nil), a.serviceUUIDs...)),
		"LocalName":      dbus.MakeVariant(a.localName),
		"IncludeTxPower": dbus.MakeVariant(a.includeTxPower),
	}
}

// advObject is the bus-callable face of an Advertisement. BlueZ reads the
// payload through Properties and calls Release when it drops the
// advertisement on its own.
type advObject struct {
	adv      *Advertisement
	released func()
}

func (o *advObject) Release() *dbus.Error {
	if o.released != nil {
		o.released()
	}
	return nil
}

func (o *advObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != sysbus.IfaceLEAdv {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs",
			[]interface{}{"no such interface " + iface})
	}
	return o.adv.properties(), nil
}

func (o *advObject) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := o.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs",
			[]interface{}{"no such property " + prop})
	}
	return v, nil
}
