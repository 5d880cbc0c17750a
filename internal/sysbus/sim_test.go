package sysbus

import (
	"context"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSim_SeedsMockAdapter(t *testing.T) {
	bus := Sim(nil)
	path := dbus.ObjectPath("/org/bluez/hci0")

	v, err := bus.GetProperty(context.Background(), BluezService, path, IfaceAdapter, "Powered")
	require.NoError(t, err)
	assert.Equal(t, true, v.Value())

	v, err = bus.GetProperty(context.Background(), BluezService, path, IfaceAdapter, "Name")
	require.NoError(t, err)
	assert.Equal(t, "Mock Bluetooth Adapter", v.Value())
}

func TestSim_SetThenGetProperty(t *testing.T) {
	bus := Sim(nil)
	path := dbus.ObjectPath("/org/bluez/hci0")

	require.NoError(t, bus.SetProperty(context.Background(), BluezService, path, IfaceAdapter, "Powered", false))

	v, err := bus.GetProperty(context.Background(), BluezService, path, IfaceAdapter, "Powered")
	require.NoError(t, err)
	assert.Equal(t, false, v.Value())
}

func TestSim_UnknownPropertyFails(t *testing.T) {
	bus := Sim(nil)

	_, err := bus.GetProperty(context.Background(), BluezService, "/org/bluez/hci0", IfaceAdapter, "Nope")
	assert.Error(t, err)
}

func TestSim_ExportUnexport(t *testing.T) {
	bus := Sim(nil)
	obj := struct{}{}

	require.NoError(t, bus.Export(obj, "/test/obj", IfaceGattChar))
	assert.True(t, bus.Exported("/test/obj", IfaceGattChar))

	require.NoError(t, bus.Unexport("/test/obj", IfaceGattChar))
	assert.False(t, bus.Exported("/test/obj", IfaceGattChar))
}

func TestSim_ExportNilUnexports(t *testing.T) {
	bus := Sim(nil)

	require.NoError(t, bus.Export(struct{}{}, "/test/obj", IfaceGattChar))
	require.NoError(t, bus.Export(nil, "/test/obj", IfaceGattChar))
	assert.False(t, bus.Exported("/test/obj", IfaceGattChar))
}

func TestSim_RecordsCallsInOrder(t *testing.T) {
	bus := Sim(nil)
	ctx := context.Background()
	path := dbus.ObjectPath("/org/bluez/hci0")

	require.NoError(t, bus.Call(ctx, BluezService, path, IfaceGattManager+".RegisterApplication", dbus.ObjectPath("/app"), map[string]dbus.Variant{}))
	require.NoError(t, bus.Call(ctx, BluezService, path, IfaceLEAdvManager+".RegisterAdvertisement", dbus.ObjectPath("/adv"), map[string]dbus.Variant{}))

	calls := bus.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, IfaceGattManager+".RegisterApplication", calls[0].Method)
	assert.Equal(t, IfaceLEAdvManager+".RegisterAdvertisement", calls[1].Method)

	assert.Len(t, bus.CallsTo("RegisterApplication"), 1)
	assert.Empty(t, bus.CallsTo("UnregisterApplication"))
}

func TestSim_FailNextIsConsumedOnce(t *testing.T) {
	bus := Sim(nil)
	ctx := context.Background()
	path := dbus.ObjectPath("/org/bluez/hci0")
	method := IfaceGattManager + ".RegisterApplication"

	bus.FailNext("RegisterApplication", Busy())

	err := bus.Call(ctx, BluezService, path, method)
	require.Error(t, err)
	assert.True(t, IsBusy(err))

	assert.NoError(t, bus.Call(ctx, BluezService, path, method))
}

func TestSim_FailNextOnPropertyWrite(t *testing.T) {
	bus := Sim(nil)
	ctx := context.Background()
	path := dbus.ObjectPath("/org/bluez/hci0")

	bus.FailNext("Set:Powered", Busy(), Busy())

	assert.Error(t, bus.SetProperty(ctx, BluezService, path, IfaceAdapter, "Powered", true))
	assert.Error(t, bus.SetProperty(ctx, BluezService, path, IfaceAdapter, "Powered", true))
	assert.NoError(t, bus.SetProperty(ctx, BluezService, path, IfaceAdapter, "Powered", true))
}

func TestSim_CanceledContext(t *testing.T) {
	bus := Sim(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Call(ctx, BluezService, "/org/bluez/hci0", "x.y.Z"), context.Canceled)
	_, err := bus.GetProperty(ctx, BluezService, "/org/bluez/hci0", IfaceAdapter, "Powered")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		busy  bool
		gone  bool
		dup   bool
	}{
		{name: "bluez busy", err: dbus.NewError("org.bluez.Error.Busy", nil), busy: true},
		{name: "in progress", err: dbus.NewError("org.bluez.Error.InProgress", nil), busy: true},
		{name: "no reply", err: dbus.NewError("org.freedesktop.DBus.Error.NoReply", nil), busy: true},
		{name: "service unknown", err: dbus.NewError("org.freedesktop.DBus.Error.ServiceUnknown", nil), busy: true},
		{name: "does not exist", err: dbus.NewError("org.bluez.Error.DoesNotExist", nil), gone: true},
		{name: "already exists", err: dbus.NewError("org.bluez.Error.AlreadyExists", nil), dup: true},
		{name: "busy value reply", err: dbus.Error{Name: "org.bluez.Error.Busy"}, busy: true},
		{name: "gone value reply", err: dbus.Error{Name: "org.bluez.Error.DoesNotExist"}, gone: true},
		{name: "dup value reply", err: dbus.Error{Name: "org.bluez.Error.AlreadyExists"}, dup: true},
		{name: "busy helper", err: Busy(), busy: true},
		{name: "wrapped busy", err: fmt.Errorf("register: %w", Busy()), busy: true},
		{name: "wrapped value reply", err: fmt.Errorf("call: %w", dbus.Error{Name: "org.bluez.Error.Busy"}), busy: true},
		{name: "rejected", err: dbus.NewError("org.bluez.Error.NotPermitted", nil)},
		{name: "plain error", err: assert.AnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.busy, IsBusy(tt.err))
			assert.Equal(t, tt.gone, IsDoesNotExist(tt.err))
			assert.Equal(t, tt.dup, IsAlreadyExists(tt.err))
		})
	}
}
