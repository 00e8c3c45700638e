package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyvis/internal/keycode"
	"keyvis/internal/keystate"
	"keyvis/internal/layout"
	"keyvis/internal/logging"
	"keyvis/internal/metrics"
	"keyvis/internal/permission"
	"keyvis/internal/remap"
	"keyvis/internal/tap"
)

type fixture struct {
	sim     *tap.Simulator
	trust   *permission.StaticTrust
	gate    *permission.Gate
	source  *layout.StaticSource
	focus   *permission.ManualFocus
	metrics *metrics.KeyvisMetrics
	ic      *Interceptor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T, trusted, remapOn bool, mutate func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		sim:     tap.NewSimulator(),
		trust:   permission.NewStaticTrust(trusted),
		source:  layout.NewStaticSource(layout.USName, layout.QWERTY()),
		focus:   permission.NewManualFocus(),
		metrics: metrics.NewKeyvisMetrics(metrics.NewRegistry("keyvis", "test")),
	}
	f.gate = permission.NewGate(f.trust, false)

	opts := Options{
		Installer:          f.sim,
		Gate:               f.gate,
		Focus:              f.focus,
		Layouts:            layout.NewResolver(f.source),
		Remap:              remap.New(remapOn),
		Logger:             logging.Discard(),
		Metrics:            f.metrics,
		Crash:              logging.NewCrashHandler(&logging.CrashHandlerConfig{Logger: logging.Discard()}),
		PermissionInterval: time.Hour,
		LayoutInterval:     time.Hour,
		SelfCheckDelay:     time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.ic = New(opts)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.done = make(chan error, 1)
	go func() { f.done <- f.ic.Run(f.ctx) }()

	t.Cleanup(f.stop)
	require.Eventually(t, f.ic.started.Load, time.Second, time.Millisecond)
	f.sync(t)
}

func (f *fixture) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ic.Sync(context.Background()))
}

func (f *fixture) key(t *testing.T, code keycode.Code, down bool) tap.Emitted {
	t.Helper()
	e := f.sim.Deliver(tap.Event{Code: code, Down: down})
	f.sync(t)
	return e
}

func (f *fixture) pressed() []string {
	return f.ic.Snapshot().PressedKeys
}

func TestInstallIsIdempotent(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)
	require.Equal(t, StateInstalled, f.ic.State())

	require.NoError(t, f.ic.do(context.Background(), func() {
		f.ic.install()
		f.ic.install()
	}))

	assert.Equal(t, []string{"install:1", "close:1", "install:2", "close:2", "install:3"}, f.sim.Ops())
	assert.Equal(t, 1, f.sim.Live())
	assert.Equal(t, 1, f.sim.MaxLive())
}

func TestKeyRoundTripLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)

	f.key(t, keycode.KeyA, true)
	before := f.pressed()
	require.Equal(t, []string{"a"}, before)

	for c := keycode.Code(0); c < keycode.MaxCode; c++ {
		if c == keycode.KeyA {
			continue
		}
		f.key(t, c, true)
		f.key(t, c, false)
		require.Equal(t, before, f.pressed(), "code %s", c)
	}
}

func TestSpaceRecordedAsSpace(t *testing.T) {
	t.Run("remap off", func(t *testing.T) {
		f := newFixture(t, true, false, nil)
		f.start(t)

		e := f.key(t, keycode.KeySpace, true)
		assert.True(t, e.Original)
		assert.Equal(t, keycode.KeySpace, e.Code)
		assert.True(t, f.ic.Snapshot().IsPressed(keycode.NameSpace))

		f.key(t, keycode.KeySpace, false)
		assert.Empty(t, f.pressed())
	})

	t.Run("remap on", func(t *testing.T) {
		f := newFixture(t, true, true, nil)
		f.start(t)

		e := f.key(t, keycode.KeySpace, true)
		assert.Equal(t, tap.EmittedFlagsChanged, e.Kind)
		assert.Equal(t, keycode.KeyShift, e.Code)
		assert.True(t, e.Flags.Has(keycode.FlagShift))
		assert.True(t, f.ic.Snapshot().IsPressed(keycode.NameSpace))

		e = f.key(t, keycode.KeySpace, false)
		assert.Equal(t, tap.EmittedFlagsChanged, e.Kind)
		assert.False(t, e.Flags.Has(keycode.FlagShift))
		assert.Empty(t, f.pressed())
	})
}

func TestSubstituteKeepsFlagsAndPhysicalName(t *testing.T) {
	f := newFixture(t, true, true, nil)
	f.start(t)

	e := f.sim.Deliver(tap.Event{Code: keycode.KeyS, Down: true, Flags: keycode.FlagCommand})
	f.sync(t)
	assert.Equal(t, tap.EmittedKeyDown, e.Kind)
	assert.Equal(t, keycode.KeyR, e.Code)
	assert.Equal(t, keycode.FlagCommand, e.Flags)
	assert.Equal(t, []string{"s"}, f.pressed())
	assert.Equal(t, uint64(1), f.metrics.SubstitutionsTotal.Value())
}

func TestPermissionTransitions(t *testing.T) {
	f := newFixture(t, false, false, nil)
	f.start(t)
	ctx := context.Background()

	assert.Equal(t, StateUninstalled, f.ic.State())
	assert.False(t, f.ic.Snapshot().HasPermission)
	assert.True(t, f.key(t, keycode.KeyA, true).Original)
	assert.Empty(t, f.pressed())

	f.trust.Set(true)
	require.NoError(t, f.ic.CheckPermission(ctx))
	assert.Equal(t, StateInstalled, f.ic.State())
	assert.True(t, f.ic.Snapshot().HasPermission)
	assert.Equal(t, keystate.TapInstalled, f.ic.Snapshot().Tap)

	f.key(t, keycode.KeyA, true)
	f.key(t, keycode.KeyD, true)
	assert.Equal(t, []string{"a", "d"}, f.pressed())

	f.trust.Set(false)
	require.NoError(t, f.ic.CheckPermission(ctx))
	assert.Equal(t, StateUninstalled, f.ic.State())
	snap := f.ic.Snapshot()
	assert.False(t, snap.HasPermission)
	assert.Empty(t, snap.PressedKeys)
	assert.Equal(t, []string{"install:1", "close:1"}, f.sim.Ops())

	f.key(t, keycode.KeyF, true)
	assert.Empty(t, f.pressed())

	f.trust.Set(true)
	f.focus.Activate()
	require.Eventually(t, func() bool { return f.ic.State() == StateInstalled }, time.Second, time.Millisecond)
	f.sync(t)
	f.key(t, keycode.KeyF, true)
	assert.Equal(t, []string{"f"}, f.pressed())
	assert.Equal(t, uint64(1), f.metrics.PermissionRevokes.Value())
}

func TestStaleUpdatesIgnored(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)
	ctx := context.Background()

	stale := f.ic.epoch.Load()

	f.trust.Set(false)
	require.NoError(t, f.ic.CheckPermission(ctx))
	f.trust.Set(true)
	require.NoError(t, f.ic.CheckPermission(ctx))
	require.Equal(t, StateInstalled, f.ic.State())

	f.ic.updates <- keyUpdate{code: keycode.KeyA, down: true, epoch: stale}
	f.sync(t)
	assert.Empty(t, f.pressed())
	assert.Equal(t, uint64(1), f.metrics.StaleUpdates.Value())

	f.ic.updates <- keyUpdate{code: keycode.KeyA, down: true, epoch: f.ic.epoch.Load()}
	f.sync(t)
	assert.Equal(t, []string{"a"}, f.pressed())
}

func TestInstallFailureForcesRetry(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.sim.SetInstallError(tap.ErrTapCreationFailed)
	f.start(t)

	assert.Equal(t, StateUninstalled, f.ic.State())
	assert.False(t, f.gate.Granted())
	assert.False(t, f.ic.Snapshot().HasPermission)
	assert.Equal(t, []string{"install-failed"}, f.sim.Ops())
	assert.Equal(t, uint64(1), f.metrics.TapInstallFailures.Value())

	f.sim.SetInstallError(nil)
	require.NoError(t, f.ic.CheckPermission(context.Background()))
	assert.Equal(t, StateInstalled, f.ic.State())
	assert.True(t, f.ic.Snapshot().HasPermission)
	assert.Equal(t, []string{"install-failed", "install:1"}, f.sim.Ops())
}

func TestInstallRetriedByPoll(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) {
		o.PermissionInterval = 5 * time.Millisecond
	})
	f.sim.SetInstallError(tap.ErrTapCreationFailed)
	f.start(t)

	f.sim.SetInstallError(nil)
	require.Eventually(t, func() bool { return f.ic.State() == StateInstalled }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.sim.Live())
}

func TestSelfCheckTreatsDisabledTapAsRevoke(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)
	ctx := context.Background()

	f.key(t, keycode.KeyA, true)
	require.NoError(t, f.ic.do(ctx, func() {
		assert.NotNil(t, f.ic.selfCheckC, "self-check armed after install")
	}))

	f.sim.DisableLive()
	require.NoError(t, f.ic.do(ctx, f.ic.verifyTap))

	assert.Equal(t, StateUninstalled, f.ic.State())
	assert.False(t, f.gate.Granted())
	assert.Empty(t, f.pressed())
	assert.Equal(t, []string{"install:1", "close:1"}, f.sim.Ops())

	require.NoError(t, f.ic.CheckPermission(ctx))
	assert.Equal(t, StateInstalled, f.ic.State())
	assert.Equal(t, []string{"install:1", "close:1", "install:2"}, f.sim.Ops())
}

func TestSelfCheckTimer(t *testing.T) {
	f := newFixture(t, false, false, func(o *Options) {
		o.SelfCheckDelay = 20 * time.Millisecond
	})
	f.start(t)

	f.trust.Set(true)
	require.NoError(t, f.ic.do(context.Background(), func() {
		f.ic.checkPermission("test")
		f.sim.DisableLive()
	}))

	require.Eventually(t, func() bool {
		ops := f.sim.Ops()
		return len(ops) == 2 && ops[1] == "close:1"
	}, time.Second, time.Millisecond)
	assert.False(t, f.gate.Granted())
}

func TestLayoutRelabeling(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.source.Set("Layout A", map[keycode.Code]string{keycode.KeyS: "r"}, false)
	f.start(t)

	assert.Equal(t, "Layout A", f.ic.Snapshot().LayoutName)
	assert.Equal(t, "R", f.ic.LabelForKeyPosition(keycode.KeyS))

	f.key(t, keycode.KeyS, true)
	assert.Equal(t, []string{"r"}, f.pressed())
	f.key(t, keycode.KeyS, false)

	f.source.Set("Layout B", map[keycode.Code]string{}, true)
	require.Eventually(t, func() bool {
		return f.ic.Snapshot().LayoutName == "Layout B"
	}, time.Second, time.Millisecond)
	f.sync(t)
	assert.Equal(t, "S", f.ic.LabelForKeyPosition(keycode.KeyS))

	f.key(t, keycode.KeyS, true)
	assert.Equal(t, []string{keycode.NameUnknown}, f.pressed())

	// Rebinding to a new layout reinstalls the tap.
	assert.Equal(t, []string{"install:1", "close:1", "install:2"}, f.sim.Ops())
	assert.Equal(t, 1, f.sim.Live())
}

func TestLayoutPollCatchesSilentChange(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) {
		o.LayoutInterval = 5 * time.Millisecond
	})
	f.start(t)
	require.Equal(t, layout.USName, f.ic.Snapshot().LayoutName)

	f.source.Set("Dvorak", map[keycode.Code]string{keycode.KeyS: "o"}, false)
	require.Eventually(t, func() bool {
		return f.ic.Snapshot().LayoutName == "Dvorak"
	}, time.Second, time.Millisecond)
	assert.Equal(t, "O", f.ic.LabelForKeyPosition(keycode.KeyS))
}

func TestLayoutQueryFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) {
		o.LayoutInterval = 5 * time.Millisecond
	})
	f.start(t)

	f.source.Fail(layout.ErrLayoutQueryFailed)
	require.Eventually(t, func() bool {
		return f.metrics.LayoutQueryFailures.Value() > 0
	}, time.Second, time.Millisecond)

	assert.Equal(t, layout.USName, f.ic.Snapshot().LayoutName)
	assert.Equal(t, "A", f.ic.LabelForKeyPosition(keycode.KeyA))
	assert.Equal(t, StateInstalled, f.ic.State())
}

func TestSetRemapEnabledReinstalls(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)
	ctx := context.Background()

	assert.True(t, f.key(t, keycode.KeyJ, true).Original)
	f.key(t, keycode.KeyJ, false)

	require.NoError(t, f.ic.SetRemapEnabled(ctx, true))
	assert.True(t, f.ic.RemapEnabled())
	assert.True(t, f.ic.Snapshot().RemapEnabled)
	assert.Equal(t, keycode.KeyLeftArrow, f.key(t, keycode.KeyJ, true).Code)

	require.NoError(t, f.ic.SetRemapEnabled(ctx, true))
	assert.Equal(t, []string{"install:1", "close:1", "install:2"}, f.sim.Ops())
}

func TestAlwaysReturnsAnEvent(t *testing.T) {
	codes := []keycode.Code{
		keycode.KeyS, keycode.KeyF, keycode.KeyJ, keycode.KeyK, keycode.KeyL,
		keycode.KeySemicolon, keycode.KeyDelete, keycode.KeySpace, keycode.KeyA,
		keycode.KeyEscape, keycode.Code(0x72),
	}

	for _, remapOn := range []bool{false, true} {
		f := newFixture(t, true, remapOn, nil)
		f.start(t)
		ctx := context.Background()

		for n := 0; n < 100; n++ {
			switch n {
			case 25:
				f.trust.Set(false)
				require.NoError(t, f.ic.CheckPermission(ctx))
			case 50:
				f.trust.Set(true)
				require.NoError(t, f.ic.CheckPermission(ctx))
			case 75:
				f.sim.SetBuildFailure(true)
			}
			f.sim.Deliver(tap.Event{Code: codes[n%len(codes)], Down: n%2 == 0})
		}

		assert.Len(t, f.sim.Emitted(), 100, "remap=%v", remapOn)
		assert.Equal(t, uint64(75), f.metrics.EventsTotal.Value(), "remap=%v", remapOn)
		if remapOn {
			assert.Positive(t, f.metrics.BuildFallbacks.Value())
		}
		f.stop()
	}
}

func TestShutdownClearsState(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)

	f.key(t, keycode.KeyA, true)
	require.NotEmpty(t, f.pressed())

	f.stop()
	assert.Equal(t, StateUninstalled, f.ic.State())
	assert.Equal(t, 0, f.sim.Live())
	assert.Empty(t, f.pressed())
	assert.ErrorIs(t, f.ic.Sync(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, f.ic.Run(context.Background()), ErrAlreadyRunning)
}

func TestCommandsBeforeRun(t *testing.T) {
	f := newFixture(t, true, false, nil)
	assert.ErrorIs(t, f.ic.Sync(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, f.ic.SetRemapEnabled(context.Background(), true), ErrNotRunning)
}

func TestLegend(t *testing.T) {
	f := newFixture(t, true, true, nil)
	f.start(t)

	legend := f.ic.Legend([]keycode.Code{keycode.KeyJ, keycode.KeyA, keycode.KeySpace})
	assert.Equal(t, []LegendEntry{
		{Code: keycode.KeyJ, Label: "J", Target: "←"},
		{Code: keycode.KeyA, Label: "A"},
		{Code: keycode.KeySpace, Label: "Space", Target: "⇧"},
	}, legend)

	require.NoError(t, f.ic.SetRemapEnabled(context.Background(), false))
	assert.Empty(t, f.ic.Legend([]keycode.Code{keycode.KeyJ})[0].Target)
}

func TestLegendFollowsLayout(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.source.Set("Colemak", map[keycode.Code]string{keycode.KeyS: "r"}, false)
	f.start(t)

	legend := f.ic.Legend([]keycode.Code{keycode.KeyS, keycode.KeyEscape})
	assert.Equal(t, "R", legend[0].Label)
	for _, e := range legend {
		assert.Equal(t, f.ic.LabelForKeyPosition(e.Code), e.Label)
	}
}

func TestSubscribeReceivesKeyUpdates(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)

	sub := f.ic.Subscribe(8)
	defer f.ic.Unsubscribe(sub)
	assert.Equal(t, int64(1), f.metrics.Subscribers.Value())

	f.key(t, keycode.KeyA, true)
	select {
	case u := <-sub.C:
		assert.True(t, u.Changes.Has(keystate.ChangeKeys))
		assert.True(t, u.Snapshot.IsPressed("a"))
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

func TestHandlerDropsWhenBufferFull(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) { o.EventBuffer = 1 })
	h := &epochHandler{i: f.ic}

	h.HandleEvent(tap.Event{Code: keycode.KeyA, Down: true})
	out := h.HandleEvent(tap.Event{Code: keycode.KeyA, Down: false})

	assert.Equal(t, tap.ActionPassThrough, out.Action)
	assert.Equal(t, uint64(2), f.metrics.EventsTotal.Value())
	assert.Equal(t, uint64(1), f.metrics.DroppedUpdates.Value())
}

func TestHandlerRecoversPanic(t *testing.T) {
	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{Logger: logging.Discard()})
	f := newFixture(t, true, false, func(o *Options) { o.Crash = crash })
	f.ic.opts.Remap = nil
	h := &epochHandler{i: f.ic}

	var out tap.Output
	assert.NotPanics(t, func() {
		out = h.HandleEvent(tap.Event{Code: keycode.KeyS, Down: true})
	})
	assert.Equal(t, tap.ActionPassThrough, out.Action)
	assert.Equal(t, uint64(1), crash.Count())
	assert.Equal(t, uint64(1), f.metrics.CallbackPanics.Value())
}

func TestOutputFor(t *testing.T) {
	ev := tap.Event{Code: keycode.KeySpace, Down: false, Flags: keycode.FlagShift | keycode.FlagCommand}

	out := outputFor(remap.Modifier(keycode.KeyShift, keycode.FlagShift, false), ev)
	assert.Equal(t, tap.ActionModifier, out.Action)
	assert.Equal(t, keycode.FlagCommand, out.Flags)
	assert.False(t, out.Down)

	out = outputFor(remap.SubstituteWith(keycode.KeyZ), tap.Event{Code: keycode.KeyDelete, Down: true, Flags: keycode.FlagControl})
	assert.Equal(t, tap.Output{Action: tap.ActionKey, Code: keycode.KeyZ, Down: true, Flags: keycode.FlagControl}, out)

	assert.Equal(t, tap.PassThrough(), outputFor(remap.Pass, ev))
}

func TestToggleWhileRemappedKeysHeld(t *testing.T) {
	f := newFixture(t, true, true, nil)
	f.start(t)
	ctx := context.Background()

	f.key(t, keycode.KeySpace, true)
	f.key(t, keycode.KeyS, true)
	require.NoError(t, f.ic.SetRemapEnabled(ctx, false))

	// An auto-repeat keeps the decision the key went down with.
	assert.Equal(t, keycode.KeyR, f.key(t, keycode.KeyS, true).Code)

	up := f.key(t, keycode.KeySpace, false)
	assert.Equal(t, tap.EmittedFlagsChanged, up.Kind)
	assert.Equal(t, keycode.KeyShift, up.Code)
	assert.False(t, up.Flags.Has(keycode.FlagShift))

	up = f.key(t, keycode.KeyS, false)
	assert.Equal(t, tap.EmittedKeyUp, up.Kind)
	assert.Equal(t, keycode.KeyR, up.Code)
	assert.Empty(t, f.pressed())

	// Released keys follow the new setting.
	assert.True(t, f.key(t, keycode.KeyS, true).Original)
	assert.True(t, f.key(t, keycode.KeyS, false).Original)
	assert.Equal(t, []string{"install:1", "close:1", "install:2"}, f.sim.Ops())
}

func TestToggleOnWhileKeyHeldReleasesOriginal(t *testing.T) {
	f := newFixture(t, true, false, nil)
	f.start(t)

	assert.True(t, f.key(t, keycode.KeyS, true).Original)
	require.NoError(t, f.ic.SetRemapEnabled(context.Background(), true))

	up := f.key(t, keycode.KeyS, false)
	assert.True(t, up.Original)
	assert.Equal(t, keycode.KeyS, up.Code)
	assert.Equal(t, keycode.KeyR, f.key(t, keycode.KeyS, true).Code)
}

func TestLayoutRebindWhileShiftSynthesized(t *testing.T) {
	f := newFixture(t, true, true, nil)
	f.start(t)

	f.key(t, keycode.KeySpace, true)
	f.source.Set("Colemak", map[keycode.Code]string{keycode.KeyS: "r"}, true)
	require.Eventually(t, func() bool {
		return f.ic.Snapshot().LayoutName == "Colemak"
	}, time.Second, time.Millisecond)
	f.sync(t)
	require.Equal(t, []string{"install:1", "close:1", "install:2"}, f.sim.Ops())

	up := f.key(t, keycode.KeySpace, false)
	assert.Equal(t, tap.EmittedFlagsChanged, up.Kind)
	assert.Equal(t, keycode.KeyShift, up.Code)
	assert.False(t, up.Flags.Has(keycode.FlagShift))
	assert.Empty(t, f.pressed())
}

func TestRevokeForgetsHeldDecisions(t *testing.T) {
	f := newFixture(t, true, true, nil)
	f.start(t)
	ctx := context.Background()

	assert.Equal(t, keycode.KeyR, f.key(t, keycode.KeyS, true).Code)

	f.trust.Set(false)
	require.NoError(t, f.ic.CheckPermission(ctx))
	f.trust.Set(true)
	require.NoError(t, f.ic.CheckPermission(ctx))
	require.NoError(t, f.ic.SetRemapEnabled(ctx, false))

	// The key-up was lost while untapped; a fresh press follows the
	// current setting.
	assert.True(t, f.key(t, keycode.KeyS, true).Original)
}

func TestDroppedKeyUpIsReconciled(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) { o.EventBuffer = 1 })
	f.start(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- f.ic.do(ctx, func() {
			close(entered)
			<-release
		})
	}()
	<-entered

	f.sim.Deliver(tap.Event{Code: keycode.KeyA, Down: true})
	f.sim.Deliver(tap.Event{Code: keycode.KeyA, Down: false})
	assert.Equal(t, uint64(1), f.metrics.DroppedUpdates.Value())

	close(release)
	require.NoError(t, <-blocked)
	f.sync(t)

	assert.Empty(t, f.pressed())
	assert.Equal(t, int64(0), f.metrics.PressedKeys.Value())
}

func TestSystemDisablesAreCounted(t *testing.T) {
	f := newFixture(t, true, false, func(o *Options) {
		o.PermissionInterval = 5 * time.Millisecond
	})
	f.start(t)

	f.sim.InterruptLive()
	f.sim.InterruptLive()
	require.Eventually(t, func() bool {
		return f.metrics.TapSystemDisables.Value() == 2
	}, time.Second, time.Millisecond)

	// The tap re-enabled itself, so it stays installed.
	assert.Equal(t, StateInstalled, f.ic.State())
	assert.Equal(t, []string{"install:1"}, f.sim.Ops())

	// Counts restart with each tap.
	require.NoError(t, f.ic.SetRemapEnabled(context.Background(), true))
	f.sim.InterruptLive()
	require.Eventually(t, func() bool {
		return f.metrics.TapSystemDisables.Value() == 3
	}, time.Second, time.Millisecond)
}
