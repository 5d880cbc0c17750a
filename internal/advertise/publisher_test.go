package advertise

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattd/internal/retry"
	"github.com/srg/gattd/internal/sysbus"
)

const (
	testBase        = dbus.ObjectPath("/com/srg/gattd")
	testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	testServiceUUID = "00000000-1111-2222-3333-444444444444"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testPublisher(bus sysbus.Bus) *Publisher {
	adv := NewAdvertisement(testBase, "PiGattServer", []string{testServiceUUID}, true)
	return NewPublisher(bus, adv, testAdapterPath, &Options{
		CallTimeout: time.Second,
		BusyPolicy:  retry.Fixed(3, time.Millisecond),
	}, testLogger())
}

func TestAdvertisementProperties(t *testing.T) {
	adv := NewAdvertisement(testBase, "PiGattServer", []string{testServiceUUID}, true)
	assert.Equal(t, dbus.ObjectPath("/com/srg/gattd/advertisement0"), adv.Path())

	obj := &advObject{adv: adv}
	all, derr := obj.GetAll(sysbus.IfaceLEAdv)
	require.Nil(t, derr)
	assert.Equal(t, "peripheral", all["Type"].Value())
	assert.Equal(t, "PiGattServer", all["LocalName"].Value())
	assert.Equal(t, []string{testServiceUUID}, all["ServiceUUIDs"].Value())
	assert.Equal(t, true, all["IncludeTxPower"].Value())

	_, derr = obj.GetAll("org.bluez.GattService1")
	assert.NotNil(t, derr)

	v, derr := obj.Get(sysbus.IfaceLEAdv, "Type")
	require.Nil(t, derr)
	assert.Equal(t, "peripheral", v.Value())

	_, derr = obj.Get(sysbus.IfaceLEAdv, "NoSuchProperty")
	assert.NotNil(t, derr)
}

// godbus only exports methods whose last return value is *dbus.Error;
// anything else silently disappears from the bus object, so BlueZ would
// see an advertisement without Properties support.
func TestAdvObject_MethodsAreBusExportable(t *testing.T) {
	derrType := reflect.TypeOf((*dbus.Error)(nil))
	typ := reflect.TypeOf(&advObject{})
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		require.Greater(t, m.Type.NumOut(), 0, m.Name)
		assert.Equal(t, derrType, m.Type.Out(m.Type.NumOut()-1), m.Name)
	}
}

func TestStart_RegistersAndExports(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	require.NoError(t, pub.Start(context.Background()))
	assert.True(t, pub.Active())
	assert.True(t, bus.Exported(pub.adv.Path(), sysbus.IfaceLEAdv))

	calls := bus.CallsTo("RegisterAdvertisement")
	require.Len(t, calls, 1)
	assert.Equal(t, testAdapterPath, calls[0].Path)
	assert.Equal(t, pub.adv.Path(), calls[0].Args[0])
}

func TestStart_DoubleStartRejected(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	require.NoError(t, pub.Start(context.Background()))
	err := pub.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	// The rejection is local; no second daemon call is made.
	assert.Len(t, bus.CallsTo("RegisterAdvertisement"), 1)
}

func TestStart_RetriesBusyAnswers(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	bus.FailNext("RegisterAdvertisement", sysbus.Busy(), sysbus.Busy())

	require.NoError(t, pub.Start(context.Background()))
	assert.True(t, pub.Active())
	assert.Len(t, bus.CallsTo("RegisterAdvertisement"), 3)
}

func TestStart_DaemonDuplicateIsPermanent(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	bus.FailNext("RegisterAdvertisement", dbus.NewError("org.bluez.Error.AlreadyExists", nil))

	err := pub.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.False(t, pub.Active())
	// One call only: duplicates are not worth retrying.
	assert.Len(t, bus.CallsTo("RegisterAdvertisement"), 1)
	assert.False(t, bus.Exported(pub.adv.Path(), sysbus.IfaceLEAdv))
}

func TestStart_RejectionCleansUpExport(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	bus.FailNext("RegisterAdvertisement", dbus.NewError("org.bluez.Error.Failed", nil))

	err := pub.Start(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAlreadyRegistered))
	assert.False(t, pub.Active())
	assert.False(t, bus.Exported(pub.adv.Path(), sysbus.IfaceLEAdv))
}

func TestStop_NoopWhenInactive(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)

	require.NoError(t, pub.Stop(context.Background()))
	assert.Empty(t, bus.CallsTo("UnregisterAdvertisement"))
}

func TestStop_UnregistersAndUnexports(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)
	ctx := context.Background()

	require.NoError(t, pub.Start(ctx))
	require.NoError(t, pub.Stop(ctx))

	assert.False(t, pub.Active())
	assert.Len(t, bus.CallsTo("UnregisterAdvertisement"), 1)
	assert.False(t, bus.Exported(pub.adv.Path(), sysbus.IfaceLEAdv))
}

func TestStop_ToleratesAlreadyGone(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)
	ctx := context.Background()

	require.NoError(t, pub.Start(ctx))
	bus.FailNext("UnregisterAdvertisement", dbus.NewError("org.bluez.Error.DoesNotExist", nil))

	assert.NoError(t, pub.Stop(ctx))
	assert.False(t, pub.Active())
}

func TestRelease_AllowsRestart(t *testing.T) {
	bus := sysbus.Sim(nil)
	pub := testPublisher(bus)
	ctx := context.Background()

	require.NoError(t, pub.Start(ctx))

	// Simulate bluetoothd dropping the advertisement.
	obj, ok := bus.ExportedObject(pub.adv.Path(), sysbus.IfaceLEAdv)
	require.True(t, ok)
	require.Nil(t, obj.(*advObject).Release())

	assert.False(t, pub.Active())
	assert.False(t, bus.Exported(pub.adv.Path(), sysbus.IfaceLEAdv))

	// A fresh Start registers again.
	require.NoError(t, pub.Start(ctx))
	assert.True(t, pub.Active())
	assert.Len(t, bus.CallsTo("RegisterAdvertisement"), 2)
}
