package health

import (
	"context"

	"keyvis/internal/keystate"
)

// Probe is the view of the interceptor the keyvis checks read.
type Probe interface {
	Snapshot() *keystate.Snapshot
	Pending() (n, capacity int)
}

// PermissionCheck reports unhealthy while the process is not trusted.
func PermissionCheck(p Probe) Check {
	return func(ctx context.Context) CheckResult {
		if !p.Snapshot().HasPermission {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "accessibility permission not granted",
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "trusted"}
	}
}

// TapCheck reports the event tap state. A tap that is being installed is
// degraded rather than down.
func TapCheck(p Probe) Check {
	return func(ctx context.Context) CheckResult {
		snap := p.Snapshot()
		details := map[string]any{"tap_state": snap.Tap}
		switch snap.Tap {
		case keystate.TapInstalled:
			return CheckResult{Status: StatusHealthy, Message: "event tap installed", Details: details}
		case keystate.TapInstalling:
			return CheckResult{Status: StatusDegraded, Message: "event tap installing", Details: details}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "event tap not installed", Details: details}
		}
	}
}

// LayoutCheck reports degraded until a layout name has been observed.
// Key names fall back to "unknown" without one.
func LayoutCheck(p Probe) Check {
	return func(ctx context.Context) CheckResult {
		name := p.Snapshot().LayoutName
		if name == "" {
			return CheckResult{Status: StatusDegraded, Message: "keyboard layout unknown"}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "keyboard layout resolved",
			Details: map[string]any{"layout": name},
		}
	}
}

// HandoffCheck reports degraded when the callback hand-off queue is more
// than threshold full, since further key updates will be dropped.
func HandoffCheck(p Probe, threshold float64) Check {
	return func(ctx context.Context) CheckResult {
		n, capacity := p.Pending()
		details := map[string]any{"pending": n, "capacity": capacity}
		if capacity > 0 && float64(n) >= threshold*float64(capacity) {
			return CheckResult{Status: StatusDegraded, Message: "event hand-off saturated", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "event hand-off ok", Details: details}
	}
}

// RegisterProbe registers the keyvis checks against p and makes
// readiness follow its tap.
func (c *Checker) RegisterProbe(p Probe) {
	c.mu.Lock()
	c.probe = p
	c.mu.Unlock()

	c.RegisterFunc("permission", true, PermissionCheck(p))
	c.RegisterFunc("tap", true, TapCheck(p))
	c.RegisterFunc("layout", false, LayoutCheck(p))
	c.RegisterFunc("handoff", false, HandoffCheck(p, 0.9))
}
