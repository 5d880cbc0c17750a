package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattd/internal/adapter"
	"github.com/srg/gattd/internal/advertise"
	"github.com/srg/gattd/internal/register"
	"github.com/srg/gattd/internal/sysbus"
)

// FormatUserError maps internal errors onto messages that tell the operator
// what to do next instead of where the code failed.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, adapter.ErrResetFailed):
		return fmt.Sprintf("the Bluetooth adapter could not be recovered; "+
			"try 'gattd reset --force' or check 'systemctl status bluetooth' (%v)", err)
	case errors.Is(err, adapter.ErrPropertyRead):
		return fmt.Sprintf("the adapter did not answer; is bluetoothd running? (%v)", err)
	case errors.Is(err, register.ErrNotReady):
		return fmt.Sprintf("the adapter is not initialized; run 'gattd reset' first (%v)", err)
	case errors.Is(err, register.ErrTimeout), errors.Is(err, advertise.ErrTimeout):
		return fmt.Sprintf("bluetoothd stopped answering during registration; "+
			"it may be wedged, try 'gattd reset --force' (%v)", err)
	case errors.Is(err, register.ErrAlreadyRegistered), errors.Is(err, advertise.ErrAlreadyRegistered):
		return fmt.Sprintf("another GATT application is already registered, "+
			"possibly a previous instance that did not shut down cleanly (%v)", err)
	case errors.Is(err, register.ErrRejected):
		return fmt.Sprintf("bluetoothd rejected the GATT application (%v)", err)
	case errors.Is(err, sysbus.ErrNameTaken):
		return fmt.Sprintf("another gattd instance owns the bus name; stop it first (%v)", err)
	default:
		return err.Error()
	}
}
