package tap

import (
	"fmt"
	"sync"

	"keyvis/internal/keycode"
)

// EmittedKind is the type of event the OS received back.
type EmittedKind int

const (
	EmittedKeyDown EmittedKind = iota
	EmittedKeyUp
	EmittedFlagsChanged
)

// Emitted is what the simulated OS received for one delivered event.
type Emitted struct {
	Kind     EmittedKind
	Code     keycode.Code
	Flags    keycode.Flags
	Original bool
}

// Simulator is an in-memory Installer. It stands in for the OS in tests
// and keeps a log of install and close calls so leaks and ordering can be
// asserted.
type Simulator struct {
	mu         sync.Mutex
	seq        uint64
	live       map[uint64]*simTap
	ops        []string
	installErr error
	failBuild  bool
	emitted    []Emitted
	maxLive    int
}

// NewSimulator returns an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{live: make(map[uint64]*simTap)}
}

// Install implements Installer.
func (s *Simulator) Install(h Handler) (Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installErr != nil {
		s.ops = append(s.ops, "install-failed")
		return nil, s.installErr
	}

	s.seq++
	t := &simTap{id: s.seq, handler: h, sim: s, enabled: true}
	s.live[t.id] = t
	s.maxLive = max(s.maxLive, len(s.live))
	s.ops = append(s.ops, fmt.Sprintf("install:%d", t.id))
	return t, nil
}

// SetInstallError makes every Install fail with err until cleared with nil.
func (s *Simulator) SetInstallError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installErr = err
}

// SetBuildFailure makes the simulated OS refuse to construct new events.
func (s *Simulator) SetBuildFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBuild = fail
}

// DisableLive simulates the OS silently disabling every live tap.
func (s *Simulator) DisableLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.live {
		t.enabled = false
	}
}

// InterruptLive simulates the OS disabling every live tap and the tap
// turning itself back on, as after a callback watchdog timeout.
func (s *Simulator) InterruptLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.live {
		t.interrupts++
	}
}

// Ops returns the install/close log.
func (s *Simulator) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Live returns the number of taps installed and not yet closed.
func (s *Simulator) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// MaxLive returns the highest number of simultaneously live taps seen.
func (s *Simulator) MaxLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLive
}

// Emitted returns every event handed back to the simulated OS.
func (s *Simulator) Emitted() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted(nil), s.emitted...)
}

// Deliver simulates the OS delivering ev. When an enabled tap is live its
// handler runs and the output is materialized the way the platform
// binding does it; otherwise the event reaches the system unchanged.
func (s *Simulator) Deliver(ev Event) Emitted {
	s.mu.Lock()
	var target *simTap
	for _, t := range s.live {
		if t.enabled && (target == nil || t.id > target.id) {
			target = t
		}
	}
	failBuild := s.failBuild
	s.mu.Unlock()

	out := PassThrough()
	if target != nil {
		out = target.handler.HandleEvent(ev)
	}

	emitted := materialize(ev, out, failBuild)
	if target != nil && emitted.Original && out.Action != ActionPassThrough {
		reportFallback(target.handler, out)
	}

	s.mu.Lock()
	s.emitted = append(s.emitted, emitted)
	s.mu.Unlock()
	return emitted
}

func materialize(ev Event, out Output, failBuild bool) Emitted {
	original := Emitted{Kind: EmittedKeyUp, Code: ev.Code, Flags: ev.Flags, Original: true}
	if ev.Down {
		original.Kind = EmittedKeyDown
	}

	switch out.Action {
	case ActionKey:
		if failBuild {
			return original
		}
		kind := EmittedKeyUp
		if out.Down {
			kind = EmittedKeyDown
		}
		return Emitted{Kind: kind, Code: out.Code, Flags: out.Flags}
	case ActionModifier:
		if failBuild {
			return original
		}
		return Emitted{Kind: EmittedFlagsChanged, Code: out.Code, Flags: out.Flags}
	default:
		return original
	}
}

type simTap struct {
	id      uint64
	handler Handler
	sim     *Simulator
	enabled bool
	closed  bool

	interrupts int
}

func (t *simTap) ID() uint64 {
	return t.id
}

func (t *simTap) Enabled() bool {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()
	return t.enabled && !t.closed
}

func (t *simTap) DisabledBySystem() int {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()
	return t.interrupts
}

func (t *simTap) Close() error {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.enabled = false
	delete(t.sim.live, t.id)
	t.sim.ops = append(t.sim.ops, fmt.Sprintf("close:%d", t.id))
	return nil
}
