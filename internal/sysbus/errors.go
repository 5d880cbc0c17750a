package sysbus

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// ErrNameTaken is returned by RequestName when another process keeps the
// well-known name despite the replace request.
var ErrNameTaken = errors.New("bus name already taken")

// D-Bus / BlueZ error names that matter for retry classification.
const (
	errNameBusy           = "org.bluez.Error.Busy"
	errNameInProgress     = "org.bluez.Error.InProgress"
	errNameDoesNotExist   = "org.bluez.Error.DoesNotExist"
	errNameAlreadyExists  = "org.bluez.Error.AlreadyExists"
	errNameNoReply        = "org.freedesktop.DBus.Error.NoReply"
	errNameTimeout        = "org.freedesktop.DBus.Error.Timeout"
	errNameServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// Busy constructs the BlueZ busy error; the simulated bus uses it to script
// transient failures the way real bluetoothd reports them.
func Busy() error {
	return dbus.NewError(errNameBusy, nil)
}

// IsBusy reports whether err is a transient daemon-side failure worth
// retrying: adapter busy, operation in progress, no reply, or bluetoothd
// temporarily gone from the bus (e.g. while it restarts).
func IsBusy(err error) bool {
	name, ok := errName(err)
	if !ok {
		return false
	}
	switch name {
	case errNameBusy, errNameInProgress, errNameNoReply, errNameTimeout, errNameServiceUnknown:
		return true
	}
	return false
}

// IsDoesNotExist reports whether err means the registration being removed was
// already gone, which teardown treats as success.
func IsDoesNotExist(err error) bool {
	name, ok := errName(err)
	return ok && name == errNameDoesNotExist
}

// IsAlreadyExists reports whether the daemon rejected a duplicate
// registration.
func IsAlreadyExists(err error) bool {
	name, ok := errName(err)
	return ok && name == errNameAlreadyExists
}

func errName(err error) (string, bool) {
	// godbus hands out both forms: NewError builds *dbus.Error while
	// replies decoded off the wire carry the value type.
	var ptr *dbus.Error
	if errors.As(err, &ptr) {
		return ptr.Name, true
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name, true
	}
	return "", false
}
