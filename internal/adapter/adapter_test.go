package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattd/internal/retry"
	"github.com/srg/gattd/internal/sysbus"
)

// fakeHost records every host-control operation in order.
type fakeHost struct {
	mu     sync.Mutex
	ops    []string
	active bool
}

func (f *fakeHost) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeHost) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeHost) StartUnit(_ context.Context, unit string) error {
	f.record("start " + unit)
	return nil
}

func (f *fakeHost) StopUnit(_ context.Context, unit string) error {
	f.record("stop " + unit)
	return nil
}

func (f *fakeHost) RestartUnit(_ context.Context, unit string) error {
	f.record("restart " + unit)
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) IsActive(_ context.Context, unit string) (bool, error) {
	f.record("is-active " + unit)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeHost) KillProcess(_ context.Context, name string) error {
	f.record("kill " + name)
	return nil
}

func (f *fakeHost) InterfaceDown(_ context.Context, adapterID string) error {
	f.record("down " + adapterID)
	return nil
}

func (f *fakeHost) InterfaceUp(_ context.Context, adapterID string) error {
	f.record("up " + adapterID)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testOptions() *Options {
	return &Options{
		ResetPolicy:     retry.Exponential(5, 2*time.Millisecond),
		PowerCyclePause: time.Millisecond,
		ServiceWait:     50 * time.Millisecond,
	}
}

func newTestController(bus sysbus.Bus, host HostControl, opts *Options) *Controller {
	if opts == nil {
		opts = testOptions()
	}
	return NewController(bus, host, opts, testLogger())
}

func TestReset_PlainPowerCycle(t *testing.T) {
	bus := sysbus.Sim(nil)
	host := &fakeHost{}
	ctl := newTestController(bus, host, nil)

	require.NoError(t, ctl.Reset(context.Background(), false))
	assert.Equal(t, StateReady, ctl.State())

	// Off then on, nothing host-level.
	sets := bus.CallsTo("Set")
	require.Len(t, sets, 2)
	assert.Equal(t, false, sets[0].Args[2])
	assert.Equal(t, true, sets[1].Args[2])
	assert.Empty(t, host.Ops())
}

func TestReset_BusyThenSuccessWithBackoff(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, &Options{
		ResetPolicy:     retry.Exponential(5, 5*time.Millisecond),
		PowerCyclePause: time.Millisecond,
		ServiceWait:     50 * time.Millisecond,
	})

	// First two attempts hit a busy daemon, the third goes through. The
	// first busy answer escalates to the forced recovery path, which the
	// fake host absorbs.
	bus.FailNext("Set:Powered", sysbus.Busy(), sysbus.Busy())

	require.NoError(t, ctl.Reset(context.Background(), false))
	assert.Equal(t, StateReady, ctl.State())

	// Three power-off attempts were made in total.
	sets := bus.CallsTo("Set")
	offs := 0
	for _, s := range sets {
		if s.Args[1] == "Powered" && s.Args[2] == false {
			offs++
		}
	}
	assert.Equal(t, 3, offs)
}

func TestReset_BackoffDelaysNonDecreasing(t *testing.T) {
	bus := sysbus.Sim(nil)
	host := &fakeHost{}
	ctl := newTestController(bus, host, &Options{
		ResetPolicy:     retry.Exponential(4, 10*time.Millisecond),
		PowerCyclePause: time.Millisecond,
		ServiceWait:     50 * time.Millisecond,
	})

	// Three busy answers in a row, so the fourth attempt succeeds after
	// backing off 10ms, 20ms and 40ms between attempts.
	bus.FailNext("Set:Powered", sysbus.Busy(), sysbus.Busy(), sysbus.Busy())

	start := time.Now()
	require.NoError(t, ctl.Reset(context.Background(), false))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestReset_ExhaustedBudgetIsFatal(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{active: true}, &Options{
		ResetPolicy:     retry.Exponential(3, time.Millisecond),
		PowerCyclePause: time.Millisecond,
		ServiceWait:     10 * time.Millisecond,
	})

	bus.FailNext("Set:Powered",
		sysbus.Busy(), sysbus.Busy(), sysbus.Busy(), sysbus.Busy(), sysbus.Busy())

	err := ctl.Reset(context.Background(), false)
	assert.ErrorIs(t, err, ErrResetFailed)
	assert.Equal(t, StateUninitialized, ctl.State())
}

func TestReset_BusyEscalatesToForcedRecovery(t *testing.T) {
	bus := sysbus.Sim(nil)
	host := &fakeHost{}
	ctl := newTestController(bus, host, &Options{
		DependentUnits:  []string{"gattd-helper.service"},
		ResetPolicy:     retry.Exponential(5, time.Millisecond),
		PowerCyclePause: time.Millisecond,
		ServiceWait:     50 * time.Millisecond,
	})

	bus.FailNext("Set:Powered", sysbus.Busy())

	require.NoError(t, ctl.Reset(context.Background(), false))

	ops := host.Ops()
	// The forced path ran in order: stop dependents, kill, down/up,
	// restart, wait, restart dependents.
	require.NotEmpty(t, ops)
	assert.Equal(t, "stop gattd-helper.service", ops[0])
	assert.Contains(t, ops, "kill bluetoothd")
	assert.Contains(t, ops, "down hci0")
	assert.Contains(t, ops, "up hci0")
	assert.Contains(t, ops, "restart bluetooth.service")
	assert.Equal(t, "start gattd-helper.service", ops[len(ops)-1])

	// Ordering: kill before down, down before up, up before restart.
	idx := func(op string) int {
		for i, o := range ops {
			if o == op {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("kill bluetoothd"), idx("down hci0"))
	assert.Less(t, idx("down hci0"), idx("up hci0"))
	assert.Less(t, idx("up hci0"), idx("restart bluetooth.service"))
}

func TestReset_ForceRunsRecoveryImmediately(t *testing.T) {
	bus := sysbus.Sim(nil)
	host := &fakeHost{}
	ctl := newTestController(bus, host, nil)

	require.NoError(t, ctl.Reset(context.Background(), true))
	assert.Contains(t, host.Ops(), "kill bluetoothd")
	assert.Equal(t, StateReady, ctl.State())
}

func TestReset_ContextCanceled(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctl := newTestController(bus, &fakeHost{}, nil)
	err := ctl.Reset(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, StateReady, ctl.State())
}

func TestConfigure_WritesOnlyChangedProperties(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, nil)
	ctx := context.Background()

	// The mock adapter is discoverable and pairable with zero timeouts, so
	// re-applying that exact configuration writes nothing.
	require.NoError(t, ctl.Configure(ctx, true, true, 0))
	assert.Empty(t, bus.CallsTo("Set"))

	// Flipping discoverable writes exactly that property.
	require.NoError(t, ctl.Configure(ctx, false, true, 0))
	sets := bus.CallsTo("Set")
	require.Len(t, sets, 1)
	assert.Equal(t, "Discoverable", sets[0].Args[1])

	// Re-applying is again a no-op.
	require.NoError(t, ctl.Configure(ctx, false, true, 0))
	assert.Len(t, bus.CallsTo("Set"), 1)
}

func TestConfigure_TimeoutPropagates(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, nil)

	require.NoError(t, ctl.Configure(context.Background(), true, true, 180))

	sets := bus.CallsTo("Set")
	require.Len(t, sets, 2)
	assert.Equal(t, "DiscoverableTimeout", sets[0].Args[1])
	assert.Equal(t, uint32(180), sets[0].Args[2])
	assert.Equal(t, "PairableTimeout", sets[1].Args[1])
}

func TestStatus_Snapshot(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, nil)

	st, err := ctl.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Powered)
	assert.True(t, st.Discoverable)
	assert.Equal(t, "00:00:00:00:00:00", st.Address)
	assert.Equal(t, "Mock Bluetooth Adapter", st.Name)
}

func TestStatus_FailedReadReturnsNoPartialData(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, nil)

	bus.FailNext("Get:Discovering", sysbus.Busy())

	st, err := ctl.Status(context.Background())
	assert.ErrorIs(t, err, ErrPropertyRead)
	assert.Equal(t, Status{}, st)
}

func TestPowerOff(t *testing.T) {
	bus := sysbus.Sim(nil)
	ctl := newTestController(bus, &fakeHost{}, nil)
	ctx := context.Background()

	require.NoError(t, ctl.Reset(ctx, false))
	require.NoError(t, ctl.PowerOff(ctx))
	assert.Equal(t, StateUninitialized, ctl.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "force-resetting", StateForceResetting.String())
}
