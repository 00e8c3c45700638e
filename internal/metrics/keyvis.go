package metrics

import (
	"time"
)

// KeyvisMetrics holds the interceptor and feed metrics. A nil
// *KeyvisMetrics is valid and records nothing.
type KeyvisMetrics struct {
	registry *Registry

	// Counters
	EventsTotal          *Counter
	SubstitutionsTotal   *Counter
	ModifiersTotal       *Counter
	DroppedUpdates       *Counter
	StaleUpdates         *Counter
	BuildFallbacks       *Counter
	CallbackPanics       *Counter
	TapInstalls          *Counter
	TapInstallFailures   *Counter
	TapTeardowns         *Counter
	TapSystemDisables    *Counter
	PermissionGrants     *Counter
	PermissionRevokes    *Counter
	LayoutChanges        *Counter
	LayoutQueryFailures  *Counter
	FeedClients          *Counter
	FeedRejectedCommands *Counter

	// Gauges
	TapInstalled  *Gauge
	HasPermission *Gauge
	PressedKeys   *Gauge
	Subscribers   *Gauge
	UptimeSeconds *Gauge

	// Histograms
	CallbackLatency *Histogram
}

var startTime = time.Now()

// NewKeyvisMetrics creates and registers all keyvis metrics.
func NewKeyvisMetrics(registry *Registry) *KeyvisMetrics {
	if registry == nil {
		registry = Default()
	}

	return &KeyvisMetrics{
		registry: registry,

		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Key events seen by the event tap callback",
			nil,
		),
		SubstitutionsTotal: registry.RegisterCounter(
			"substitutions_total",
			"Key events replaced by a remapped key",
			nil,
		),
		ModifiersTotal: registry.RegisterCounter(
			"synthesized_modifiers_total",
			"Key events replaced by a synthesized modifier",
			nil,
		),
		DroppedUpdates: registry.RegisterCounter(
			"dropped_updates_total",
			"Key updates dropped because the hand-off buffer was full",
			nil,
		),
		StaleUpdates: registry.RegisterCounter(
			"stale_updates_total",
			"Key updates ignored because they predate the current tap",
			nil,
		),
		BuildFallbacks: registry.RegisterCounter(
			"build_fallbacks_total",
			"Replacement events that could not be built and passed through unchanged",
			nil,
		),
		CallbackPanics: registry.RegisterCounter(
			"callback_panics_total",
			"Panics recovered in the event tap callback",
			nil,
		),
		TapInstalls: registry.RegisterCounter(
			"tap_installs_total",
			"Successful event tap installations",
			nil,
		),
		TapInstallFailures: registry.RegisterCounter(
			"tap_install_failures_total",
			"Failed event tap installations",
			nil,
		),
		TapTeardowns: registry.RegisterCounter(
			"tap_teardowns_total",
			"Event tap teardowns",
			nil,
		),
		TapSystemDisables: registry.RegisterCounter(
			"tap_system_disables_total",
			"Times the OS disabled a live tap and it re-enabled itself",
			nil,
		),
		PermissionGrants: registry.RegisterCounter(
			"permission_grants_total",
			"Transitions from untrusted to trusted",
			nil,
		),
		PermissionRevokes: registry.RegisterCounter(
			"permission_revokes_total",
			"Transitions from trusted to untrusted",
			nil,
		),
		LayoutChanges: registry.RegisterCounter(
			"layout_changes_total",
			"Keyboard layout changes observed",
			nil,
		),
		LayoutQueryFailures: registry.RegisterCounter(
			"layout_query_failures_total",
			"Failed keyboard layout queries",
			nil,
		),
		FeedClients: registry.RegisterCounter(
			"feed_clients_total",
			"State feed clients accepted",
			nil,
		),
		FeedRejectedCommands: registry.RegisterCounter(
			"feed_rejected_commands_total",
			"State feed commands rejected by validation",
			nil,
		),

		TapInstalled: registry.RegisterGauge(
			"tap_installed",
			"Whether the event tap is installed",
			nil,
		),
		HasPermission: registry.RegisterGauge(
			"has_permission",
			"Whether the process is trusted for accessibility",
			nil,
		),
		PressedKeys: registry.RegisterGauge(
			"pressed_keys",
			"Number of distinct pressed key names",
			nil,
		),
		Subscribers: registry.RegisterGauge(
			"subscribers",
			"Active state subscribers",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Process uptime in seconds",
			nil,
		),

		CallbackLatency: registry.RegisterHistogram(
			"callback_latency_seconds",
			"Time spent in the event tap callback",
			nil,
			CallbackBuckets,
		),
	}
}

// RecordEvent records one callback invocation and its latency.
func (m *KeyvisMetrics) RecordEvent(d time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.Inc()
	m.CallbackLatency.ObserveDuration(d)
}

// RecordSubstitution records a remapped key event.
func (m *KeyvisMetrics) RecordSubstitution() {
	if m == nil {
		return
	}
	m.SubstitutionsTotal.Inc()
}

// RecordModifier records a synthesized modifier event.
func (m *KeyvisMetrics) RecordModifier() {
	if m == nil {
		return
	}
	m.ModifiersTotal.Inc()
}

// RecordDroppedUpdate records a key update lost to a full buffer.
func (m *KeyvisMetrics) RecordDroppedUpdate() {
	if m == nil {
		return
	}
	m.DroppedUpdates.Inc()
}

// RecordStaleUpdate records a key update from a torn-down tap.
func (m *KeyvisMetrics) RecordStaleUpdate() {
	if m == nil {
		return
	}
	m.StaleUpdates.Inc()
}

// RecordBuildFallback records a replacement that fell back to the original.
func (m *KeyvisMetrics) RecordBuildFallback() {
	if m == nil {
		return
	}
	m.BuildFallbacks.Inc()
}

// RecordPanic records a recovered callback panic.
func (m *KeyvisMetrics) RecordPanic() {
	if m == nil {
		return
	}
	m.CallbackPanics.Inc()
}

// RecordInstall records an install attempt.
func (m *KeyvisMetrics) RecordInstall(success bool) {
	if m == nil {
		return
	}
	if success {
		m.TapInstalls.Inc()
		m.TapInstalled.Set(1)
		return
	}
	m.TapInstallFailures.Inc()
}

// RecordTeardown records a tap teardown.
func (m *KeyvisMetrics) RecordTeardown() {
	if m == nil {
		return
	}
	m.TapTeardowns.Inc()
	m.TapInstalled.Set(0)
}

// RecordTapSystemDisables records n new OS-side disables of the live tap.
func (m *KeyvisMetrics) RecordTapSystemDisables(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TapSystemDisables.Add(uint64(n))
}

// RecordPermission records a permission transition.
func (m *KeyvisMetrics) RecordPermission(granted bool) {
	if m == nil {
		return
	}
	if granted {
		m.PermissionGrants.Inc()
	} else {
		m.PermissionRevokes.Inc()
	}
	m.HasPermission.SetBool(granted)
}

// RecordLayoutChange records an observed layout change.
func (m *KeyvisMetrics) RecordLayoutChange() {
	if m == nil {
		return
	}
	m.LayoutChanges.Inc()
}

// RecordLayoutQueryFailure records a failed layout query.
func (m *KeyvisMetrics) RecordLayoutQueryFailure() {
	if m == nil {
		return
	}
	m.LayoutQueryFailures.Inc()
}

// SetPressedKeys sets the pressed key gauge.
func (m *KeyvisMetrics) SetPressedKeys(n int) {
	if m == nil {
		return
	}
	m.PressedKeys.Set(int64(n))
}

// SetSubscribers sets the subscriber gauge.
func (m *KeyvisMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(int64(n))
}

// RecordFeedClient records an accepted feed client.
func (m *KeyvisMetrics) RecordFeedClient() {
	if m == nil {
		return
	}
	m.FeedClients.Inc()
}

// RecordRejectedCommand records a feed command that failed validation.
func (m *KeyvisMetrics) RecordRejectedCommand() {
	if m == nil {
		return
	}
	m.FeedRejectedCommands.Inc()
}

// UpdateUptime updates the uptime metric.
func (m *KeyvisMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the registry the metrics are registered in.
func (m *KeyvisMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Snapshot returns a snapshot of key metrics.
func (m *KeyvisMetrics) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.UpdateUptime()
	return map[string]any{
		"events_total":                 m.EventsTotal.Value(),
		"substitutions_total":          m.SubstitutionsTotal.Value(),
		"synthesized_modifiers_total":  m.ModifiersTotal.Value(),
		"dropped_updates_total":        m.DroppedUpdates.Value(),
		"build_fallbacks_total":        m.BuildFallbacks.Value(),
		"callback_panics_total":        m.CallbackPanics.Value(),
		"tap_installs_total":           m.TapInstalls.Value(),
		"tap_install_failures_total":   m.TapInstallFailures.Value(),
		"tap_system_disables_total":    m.TapSystemDisables.Value(),
		"layout_changes_total":         m.LayoutChanges.Value(),
		"feed_clients_total":           m.FeedClients.Value(),
		"feed_rejected_commands_total": m.FeedRejectedCommands.Value(),
		"subscribers":                  m.Subscribers.Value(),
		"tap_installed":                m.TapInstalled.Value(),
		"has_permission":               m.HasPermission.Value(),
		"pressed_keys":                 m.PressedKeys.Value(),
		"uptime_seconds":               m.UptimeSeconds.Value(),
		"callback_avg_seconds":         m.CallbackLatency.Mean(),
	}
}
