// Package interceptor owns the system-wide keyboard event tap.
//
// A single owner goroutine (Run) drives the tap lifecycle from permission
// transitions, layout changes and remap toggles, and is the only writer of
// the published key state. The tap callback runs on the tap's own thread:
// it decides the outgoing event from the remap engine and hands the
// physical key off to the owner without blocking.
//
// Lifecycle:
//
//	Uninstalled --granted--> Installing --ok--> Installed
//	     ^                        |                |
//	     +--------failure---------+                |
//	     +---revoked, self-check, shutdown---------+
//
// Reconfiguration (remap toggle, layout rebind) tears the tap down and
// reinstalls it at once when permission still holds.
package interceptor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
	"keyvis/internal/layout"
	"keyvis/internal/logging"
	"keyvis/internal/metrics"
	"keyvis/internal/permission"
	"keyvis/internal/remap"
	"keyvis/internal/tap"
)

var (
	// ErrNotRunning is returned by commands issued while Run is not active.
	ErrNotRunning = errors.New("interceptor: not running")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("interceptor: already running")
)

// State is the interceptor state machine.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	default:
		return "uninstalled"
	}
}

func (s State) tapState() keystate.TapState {
	switch s {
	case StateInstalling:
		return keystate.TapInstalling
	case StateInstalled:
		return keystate.TapInstalled
	default:
		return keystate.TapUninstalled
	}
}

// Options configures an Interceptor. Installer, Gate, Layouts and Remap
// are required.
type Options struct {
	Installer tap.Installer
	Gate      *permission.Gate
	Focus     permission.FocusSource
	Layouts   *layout.Resolver
	Remap     *remap.Engine
	State     *keystate.Store

	Logger  *logging.Logger
	Metrics *metrics.KeyvisMetrics
	Crash   *logging.CrashHandler

	// PermissionInterval is the trust polling period.
	PermissionInterval time.Duration
	// LayoutInterval is the layout polling period. Polling runs alongside
	// OS notifications, which are occasionally missed.
	LayoutInterval time.Duration
	// SelfCheckDelay is how long after install the tap is verified.
	SelfCheckDelay time.Duration
	// EventBuffer is the capacity of the callback hand-off queue. When it
	// is full the update is dropped; the pressed set is reconciled against
	// the keys the tap still sees held on the next applied update.
	EventBuffer int
}

func (o *Options) setDefaults() {
	if o.PermissionInterval <= 0 {
		o.PermissionInterval = 500 * time.Millisecond
	}
	if o.LayoutInterval <= 0 {
		o.LayoutInterval = time.Second
	}
	if o.SelfCheckDelay <= 0 {
		o.SelfCheckDelay = time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.State == nil {
		o.State = keystate.NewStore()
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Crash == nil {
		o.Crash = logging.DefaultCrashHandler()
	}
}

// keyUpdate is what the callback hands to the owner. Epoch identifies the
// permission period the event was seen in.
type keyUpdate struct {
	code  keycode.Code
	down  bool
	epoch uint64
}

type command struct {
	fn   func()
	done chan struct{}
}

// LegendEntry describes one physical key for an on-screen keyboard.
type LegendEntry struct {
	Code  keycode.Code `json:"code"`
	Label string       `json:"label"`
	// Target is the remapped legend, set only while remapping is on.
	Target string `json:"target,omitempty"`
}

// Interceptor drives the event tap. All exported methods are safe for
// concurrent use.
type Interceptor struct {
	opts Options
	log  *logging.Logger

	updates  chan keyUpdate
	commands chan command
	started  atomic.Bool
	stopped  chan struct{}

	state atomic.Int32
	epoch atomic.Uint64
	held  *heldKeys
	lost  atomic.Bool

	// Owned by the Run goroutine.
	handle          tap.Tap
	selfCheck       *time.Timer
	selfCheckC      <-chan time.Time
	installFailures int
	layoutFailing   bool
	systemDisables  int
}

// New returns an interceptor. Nothing is installed until Run.
func New(opts Options) *Interceptor {
	opts.setDefaults()
	return &Interceptor{
		opts:     opts,
		log:      opts.Logger.WithComponent("interceptor"),
		updates:  make(chan keyUpdate, opts.EventBuffer),
		commands: make(chan command),
		stopped:  make(chan struct{}),
		held:     newHeldKeys(),
	}
}

// Run is the owner loop. It returns when ctx is cancelled, after tearing
// down the tap and clearing the pressed keys.
func (i *Interceptor) Run(ctx context.Context) error {
	if !i.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(i.stopped)
	defer i.opts.Crash.RecoverGoroutine("interceptor")

	i.log.Info("interceptor starting",
		"remap", i.opts.Remap.Enabled(),
		"permission_interval", i.opts.PermissionInterval,
		"layout_interval", i.opts.LayoutInterval,
	)

	i.opts.State.SetRemap(i.opts.Remap.Enabled())
	i.refreshLayout("startup")
	i.checkPermission("startup")

	permTicker := time.NewTicker(i.opts.PermissionInterval)
	defer permTicker.Stop()
	layoutTicker := time.NewTicker(i.opts.LayoutInterval)
	defer layoutTicker.Stop()

	var activations <-chan struct{}
	if i.opts.Focus != nil {
		activations = i.opts.Focus.Activations()
	}
	layoutChanges := i.opts.Layouts.Changes()

	for {
		select {
		case <-ctx.Done():
			i.shutdown()
			return nil

		case <-permTicker.C:
			i.checkPermission("poll")
			i.sampleTap()

		case <-activations:
			i.checkPermission("focus")

		case <-layoutTicker.C:
			i.refreshLayout("poll")

		case <-layoutChanges:
			i.refreshLayout("notification")

		case u := <-i.updates:
			i.applyKey(u)

		case <-i.selfCheckC:
			i.verifyTap()

		case cmd := <-i.commands:
			cmd.fn()
			close(cmd.done)
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (i *Interceptor) do(ctx context.Context, fn func()) error {
	if !i.started.Load() {
		return ErrNotRunning
	}
	cmd := command{fn: fn, done: make(chan struct{})}

	select {
	case i.commands <- cmd:
	case <-i.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-i.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRemapEnabled toggles remapping and reinstalls the tap.
func (i *Interceptor) SetRemapEnabled(ctx context.Context, enabled bool) error {
	return i.do(ctx, func() {
		if i.opts.Remap.Enabled() == enabled {
			return
		}
		i.opts.Remap.SetEnabled(enabled)
		i.opts.State.SetRemap(enabled)
		i.log.Info("remap toggled", "enabled", enabled)
		i.reconfigure("remap")
	})
}

// RemapEnabled reports whether remapping is on.
func (i *Interceptor) RemapEnabled() bool {
	return i.opts.Remap.Enabled()
}

// CheckPermission re-checks trust immediately, as a focus change would.
func (i *Interceptor) CheckPermission(ctx context.Context) error {
	return i.do(ctx, func() { i.checkPermission("request") })
}

// Sync waits until every key update handed off so far is applied.
func (i *Interceptor) Sync(ctx context.Context) error {
	return i.do(ctx, i.drain)
}

// State returns the current lifecycle state.
func (i *Interceptor) State() State {
	return State(i.state.Load())
}

// Snapshot returns the latest published key state.
func (i *Interceptor) Snapshot() *keystate.Snapshot {
	return i.opts.State.Current()
}

// Subscribe registers for state updates.
func (i *Interceptor) Subscribe(buffer int) *keystate.Subscription {
	sub := i.opts.State.Subscribe(buffer)
	i.opts.Metrics.SetSubscribers(i.opts.State.Subscribers())
	return sub
}

// Unsubscribe stops delivery to sub and closes its channel.
func (i *Interceptor) Unsubscribe(sub *keystate.Subscription) {
	sub.Close()
	i.opts.Metrics.SetSubscribers(i.opts.State.Subscribers())
}

// LabelForKeyPosition returns the label for a physical key under the
// current layout. It is never empty.
func (i *Interceptor) LabelForKeyPosition(code keycode.Code) string {
	return i.opts.Layouts.LabelForUI(code)
}

// Legend labels codes for an on-screen keyboard.
func (i *Interceptor) Legend(codes []keycode.Code) []LegendEntry {
	enabled := i.opts.Remap.Enabled()
	out := make([]LegendEntry, 0, len(codes))
	for _, c := range codes {
		e := LegendEntry{Code: c, Label: i.LabelForKeyPosition(c)}
		if enabled {
			if target, ok := remap.TargetLabel(c); ok {
				e.Target = target
			}
		}
		out = append(out, e)
	}
	return out
}

// Store returns the published state store.
func (i *Interceptor) Store() *keystate.Store {
	return i.opts.State
}

// Layouts returns the layout resolver.
func (i *Interceptor) Layouts() *layout.Resolver {
	return i.opts.Layouts
}

// Pending returns the number of key updates waiting for the owner.
func (i *Interceptor) Pending() (n, capacity int) {
	return len(i.updates), cap(i.updates)
}

func (i *Interceptor) setState(s State) {
	i.state.Store(int32(s))
	i.opts.State.SetTap(s.tapState())
}

func (i *Interceptor) checkPermission(reason string) {
	switch i.opts.Gate.Poll() {
	case permission.TransitionGranted:
		i.log.Info("accessibility permission granted", "reason", reason)
		i.opts.Metrics.RecordPermission(true)
		i.opts.State.SetPermission(true)
		i.install()

	case permission.TransitionRevoked:
		i.log.Warn("accessibility permission revoked", "reason", reason)
		i.opts.Metrics.RecordPermission(false)
		i.revoke()
	}
}

// install replaces any live tap with a new one. The old tap is always
// closed first, so at most one is ever live.
func (i *Interceptor) install() {
	if i.handle != nil {
		i.teardown()
	}
	i.setState(StateInstalling)

	h := &epochHandler{i: i, epoch: i.epoch.Load()}
	t, err := i.opts.Installer.Install(h)
	if err != nil {
		i.opts.Metrics.RecordInstall(false)
		i.installFailures++
		if i.installFailures == 1 {
			i.log.Warn("event tap install failed", "error", err)
		} else {
			i.log.Debug("event tap install failed", "error", err, "attempt", i.installFailures)
		}

		// Stale events from before the failure must not land, and the
		// next poll must see a fresh grant to retry.
		i.epoch.Add(1)
		i.held.reset()
		i.opts.Gate.Force(false)
		i.setState(StateUninstalled)
		i.opts.State.Revoke()
		i.opts.Metrics.SetPressedKeys(0)
		return
	}

	i.handle = t
	i.installFailures = 0
	i.systemDisables = 0
	i.setState(StateInstalled)
	i.opts.Metrics.RecordInstall(true)
	i.armSelfCheck()
	i.log.Info("event tap installed",
		"tap_id", t.ID(),
		"remap", i.opts.Remap.Enabled(),
		"layout", i.opts.Layouts.CurrentLayoutName(),
	)
}

func (i *Interceptor) teardown() {
	i.disarmSelfCheck()
	if i.handle == nil {
		return
	}
	i.sampleTap()
	id := i.handle.ID()
	if err := i.handle.Close(); err != nil {
		i.log.Warn("event tap close failed", "tap_id", id, "error", err)
	}
	i.handle = nil
	i.setState(StateUninstalled)
	i.opts.Metrics.RecordTeardown()
	i.log.Debug("event tap removed", "tap_id", id)
}

// revoke tears down, invalidates in-flight updates and clears the keys
// together with the permission flag.
func (i *Interceptor) revoke() {
	i.teardown()
	i.epoch.Add(1)
	i.held.reset()
	i.opts.State.Revoke()
	i.opts.Metrics.SetPressedKeys(0)
}

func (i *Interceptor) reconfigure(reason string) {
	if i.handle == nil && !i.opts.Gate.Granted() {
		return
	}
	i.log.Debug("reconfiguring event tap", "reason", reason)
	i.teardown()
	if i.opts.Gate.Granted() {
		i.install()
	}
}

func (i *Interceptor) shutdown() {
	i.teardown()
	i.epoch.Add(1)
	i.held.reset()
	i.opts.State.ClearKeys()
	i.opts.Metrics.SetPressedKeys(0)
	i.log.Info("interceptor stopped")
}

func (i *Interceptor) armSelfCheck() {
	i.disarmSelfCheck()
	i.selfCheck = time.NewTimer(i.opts.SelfCheckDelay)
	i.selfCheckC = i.selfCheck.C
}

func (i *Interceptor) disarmSelfCheck() {
	if i.selfCheck != nil {
		i.selfCheck.Stop()
	}
	i.selfCheck = nil
	i.selfCheckC = nil
}

// verifyTap treats a tap the OS reports as disabled like a revoke.
func (i *Interceptor) verifyTap() {
	i.selfCheck = nil
	i.selfCheckC = nil
	if i.handle == nil || i.handle.Enabled() {
		return
	}

	i.log.Warn("event tap disabled after install", "tap_id", i.handle.ID())
	i.opts.Gate.Force(false)
	i.opts.Metrics.RecordPermission(false)
	i.revoke()
}

// sampleTap records OS-side disables the live tap recovered from since the
// last sample.
func (i *Interceptor) sampleTap() {
	c, ok := i.handle.(tap.SystemDisableCounter)
	if !ok {
		return
	}
	n := c.DisabledBySystem()
	if n <= i.systemDisables {
		return
	}
	i.opts.Metrics.RecordTapSystemDisables(n - i.systemDisables)
	i.log.Warn("event tap was disabled by the system and re-enabled",
		"tap_id", i.handle.ID(),
		"count", n,
	)
	i.systemDisables = n
}

func (i *Interceptor) refreshLayout(reason string) {
	changed, err := i.opts.Layouts.Refresh()
	if err != nil {
		i.opts.Metrics.RecordLayoutQueryFailure()
		if !i.layoutFailing {
			i.log.Warn("keyboard layout query failed", "reason", reason, "error", err)
		}
		i.layoutFailing = true
		return
	}
	i.layoutFailing = false
	if !changed {
		return
	}

	name := i.opts.Layouts.CurrentLayoutName()
	i.opts.Metrics.RecordLayoutChange()
	i.opts.State.SetLayout(name)
	i.log.Info("keyboard layout changed", "layout", name, "reason", reason)
	if reason != "startup" {
		i.reconfigure("layout")
	}
}

// applyKey records a handed-off key event. Events are accepted only while
// installed and only from the current permission period.
func (i *Interceptor) applyKey(u keyUpdate) {
	if i.handle == nil || u.epoch != i.epoch.Load() {
		i.opts.Metrics.RecordStaleUpdate()
		return
	}
	if u.down {
		i.opts.State.Press(u.code, i.semanticName(u.code))
	} else {
		i.opts.State.Release(u.code)
	}
	i.reconcile()
	i.opts.Metrics.SetPressedKeys(len(i.opts.State.Current().PressedKeys))
}

func (i *Interceptor) drain() {
	for {
		select {
		case u := <-i.updates:
			i.applyKey(u)
		default:
			if i.handle != nil && i.reconcile() {
				i.opts.Metrics.SetPressedKeys(len(i.opts.State.Current().PressedKeys))
			}
			return
		}
	}
}

// reconcile releases keys whose key-up was dropped at the hand-off.
func (i *Interceptor) reconcile() bool {
	if !i.lost.Swap(false) {
		return false
	}
	i.opts.State.Retain(i.held.isDown)
	return true
}

// semanticName names a physical key: control keys by role, others by
// their lower-cased character in the current layout.
func (i *Interceptor) semanticName(code keycode.Code) string {
	if name, ok := keycode.ControlName(code); ok {
		return name
	}
	if c, ok := i.opts.Layouts.CharacterFor(code); ok {
		return strings.ToLower(string(c))
	}
	return keycode.NameUnknown
}

// epochHandler is the tap callback for one install.
type epochHandler struct {
	i     *Interceptor
	epoch uint64
}

// HandleEvent runs on the tap thread. It never blocks and always returns
// an output; a panic turns into a pass-through.
func (h *epochHandler) HandleEvent(ev tap.Event) (out tap.Output) {
	start := time.Now()
	m := h.i.opts.Metrics
	defer func() {
		if r := recover(); r != nil {
			m.RecordPanic()
			h.i.opts.Crash.HandlePanic(r, map[string]any{
				"goroutine": "event-tap",
				"code":      int(ev.Code),
			})
			out = tap.PassThrough()
		}
		m.RecordEvent(time.Since(start))
	}()

	// The held set must change before a drop is flagged, or the owner
	// could reconcile against it too early.
	d := h.i.held.decide(h.i.opts.Remap, ev.Code, ev.Down)

	select {
	case h.i.updates <- keyUpdate{code: ev.Code, down: ev.Down, epoch: h.epoch}:
	default:
		h.i.lost.Store(true)
		m.RecordDroppedUpdate()
	}

	out = outputFor(d, ev)
	switch out.Action {
	case tap.ActionKey:
		m.RecordSubstitution()
	case tap.ActionModifier:
		m.RecordModifier()
	}
	return out
}

// BuildFailed implements tap.FallbackRecorder.
func (h *epochHandler) BuildFailed(tap.Output) {
	h.i.opts.Metrics.RecordBuildFallback()
}

// outputFor turns a decision into the event the OS receives. Substitutes
// keep the original flags; a synthesized modifier changes only its bit.
func outputFor(d remap.Decision, ev tap.Event) tap.Output {
	switch d.Kind {
	case remap.Substitute:
		return tap.Output{Action: tap.ActionKey, Code: d.Code, Down: ev.Down, Flags: ev.Flags}
	case remap.SynthesizeModifier:
		return tap.Output{
			Action: tap.ActionModifier,
			Code:   d.Code,
			Down:   d.Set,
			Flags:  ev.Flags.With(d.Modifier, d.Set),
		}
	default:
		return tap.PassThrough()
	}
}
