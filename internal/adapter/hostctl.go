package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HostControl is the process-control collaborator used only by the forced
// recovery path: systemd unit management, killing a wedged bluetoothd and
// bouncing the low-level HCI interface. Calls block until the underlying
// command finishes or ctx expires.
type HostControl interface {
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	RestartUnit(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
	KillProcess(ctx context.Context, name string) error
	InterfaceDown(ctx context.Context, adapterID string) error
	InterfaceUp(ctx context.Context, adapterID string) error
}

// ExecHostControl shells out to systemctl/hciconfig and signals processes
// directly. Requires root.
type ExecHostControl struct {
	Logger *logrus.Logger
}

func (h *ExecHostControl) logger() *logrus.Logger {
	if h.Logger == nil {
		h.Logger = logrus.New()
	}
	return h.Logger
}

func (h *ExecHostControl) systemctl(ctx context.Context, verb, unit string) error {
	out, err := exec.CommandContext(ctx, "systemctl", verb, unit).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w (%s)", verb, unit, err, strings.TrimSpace(string(out)))
	}
	h.logger().WithFields(logrus.Fields{"verb": verb, "unit": unit}).Debug("systemctl")
	return nil
}

func (h *ExecHostControl) StartUnit(ctx context.Context, unit string) error {
	return h.systemctl(ctx, "start", unit)
}

func (h *ExecHostControl) StopUnit(ctx context.Context, unit string) error {
	return h.systemctl(ctx, "stop", unit)
}

func (h *ExecHostControl) RestartUnit(ctx context.Context, unit string) error {
	return h.systemctl(ctx, "restart", unit)
}

func (h *ExecHostControl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	state := strings.TrimSpace(string(out))
	if state == "active" {
		return true, nil
	}
	// is-active exits non-zero for every non-active state; only report an
	// error when we got no answer at all.
	if err != nil && state == "" {
		return false, fmt.Errorf("systemctl is-active %s: %w", unit, err)
	}
	return false, nil
}

// KillProcess sends SIGKILL to every process with the given name. A process
// that is already gone is not an error.
func (h *ExecHostControl) KillProcess(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "pidof", name).Output()
	if err != nil {
		// pidof exits 1 when no process matches.
		return nil
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return fmt.Errorf("failed to kill %s (pid %d): %w", name, pid, err)
		}
		h.logger().WithFields(logrus.Fields{"process": name, "pid": pid}).Warn("Killed process")
	}
	return nil
}

func (h *ExecHostControl) hciconfig(ctx context.Context, adapterID, verb string) error {
	out, err := exec.CommandContext(ctx, "hciconfig", adapterID, verb).CombinedOutput()
	if err != nil {
		return fmt.Errorf("hciconfig %s %s: %w (%s)", adapterID, verb, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *ExecHostControl) InterfaceDown(ctx context.Context, adapterID string) error {
	return h.hciconfig(ctx, adapterID, "down")
}

func (h *ExecHostControl) InterfaceUp(ctx context.Context, adapterID string) error {
	return h.hciconfig(ctx, adapterID, "up")
}

// NopHostControl is the simulated-mode collaborator: every operation succeeds
// without touching the host.
type NopHostControl struct{}

func (NopHostControl) StartUnit(context.Context, string) error   { return nil }
func (NopHostControl) StopUnit(context.Context, string) error    { return nil }
func (NopHostControl) RestartUnit(context.Context, string) error { return nil }

func (NopHostControl) IsActive(context.Context, string) (bool, error) { return true, nil }

func (NopHostControl) KillProcess(context.Context, string) error   { return nil }
func (NopHostControl) InterfaceDown(context.Context, string) error { return nil }
func (NopHostControl) InterfaceUp(context.Context, string) error   { return nil }
