// Package permission tracks whether the process is trusted to observe and
// synthesize global input events.
//
// The Gate only reports edge transitions. Installing and tearing down the
// event tap is the interceptor's job.
package permission

import (
	"sync/atomic"
)

// Trust is the OS trust boundary.
type Trust interface {
	// IsTrusted reports whether the process is trusted. With prompt set
	// the OS may show its consent dialog.
	IsTrusted(prompt bool) bool
}

// FocusSource signals when the host process regains foreground focus.
// Consent dialogs change trust while the process is in the background, so
// regaining focus is a good moment to re-check.
type FocusSource interface {
	Activations() <-chan struct{}
	Close() error
}

// Transition is an edge in the observed permission state.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionGranted
	TransitionRevoked
)

func (t Transition) String() string {
	switch t {
	case TransitionGranted:
		return "granted"
	case TransitionRevoked:
		return "revoked"
	default:
		return "none"
	}
}

// Gate keeps the last observed trust value to detect transitions. Poll,
// CheckNow and Force must be called from one goroutine; Granted may be
// called from anywhere.
type Gate struct {
	trust    Trust
	prompt   bool
	prompted bool
	granted  atomic.Bool
	checks   atomic.Uint64
}

// NewGate returns a gate that starts out untrusted. When prompt is set the
// first check asks the OS to show its consent dialog.
func NewGate(trust Trust, prompt bool) *Gate {
	return &Gate{trust: trust, prompt: prompt}
}

// CheckNow queries the OS. Only the first call may prompt.
func (g *Gate) CheckNow() bool {
	prompt := g.prompt && !g.prompted
	g.prompted = true
	g.checks.Add(1)
	return g.trust.IsTrusted(prompt)
}

// Poll checks trust and returns the transition relative to the last
// observed value.
func (g *Gate) Poll() Transition {
	now := g.CheckNow()
	was := g.granted.Swap(now)
	switch {
	case now && !was:
		return TransitionGranted
	case !now && was:
		return TransitionRevoked
	default:
		return TransitionNone
	}
}

// Force overwrites the last observed value without querying the OS. The
// interceptor forces false when the tap cannot be created even though
// the OS reports trust; the next Poll then sees a fresh grant and retries.
func (g *Gate) Force(granted bool) {
	g.granted.Store(granted)
}

// Granted returns the last observed value.
func (g *Gate) Granted() bool {
	return g.granted.Load()
}

// Checks returns the number of OS queries made so far.
func (g *Gate) Checks() uint64 {
	return g.checks.Load()
}

// StaticTrust is a Trust whose answer is set by the caller. It stands in
// for the OS in tests and on platforms without a trust API.
type StaticTrust struct {
	trusted atomic.Bool
	prompts atomic.Int32
}

// NewStaticTrust returns a StaticTrust with the given answer.
func NewStaticTrust(trusted bool) *StaticTrust {
	s := &StaticTrust{}
	s.trusted.Store(trusted)
	return s
}

// IsTrusted implements Trust.
func (s *StaticTrust) IsTrusted(prompt bool) bool {
	if prompt {
		s.prompts.Add(1)
	}
	return s.trusted.Load()
}

// Set changes the answer.
func (s *StaticTrust) Set(trusted bool) {
	s.trusted.Store(trusted)
}

// Prompts returns how many checks asked for the consent dialog.
func (s *StaticTrust) Prompts() int {
	return int(s.prompts.Load())
}

// ManualFocus is a FocusSource driven by Activate.
type ManualFocus struct {
	ch chan struct{}
}

// NewManualFocus returns a ManualFocus.
func NewManualFocus() *ManualFocus {
	return &ManualFocus{ch: make(chan struct{}, 1)}
}

// Activate signals a focus gain without blocking.
func (f *ManualFocus) Activate() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

// Activations implements FocusSource.
func (f *ManualFocus) Activations() <-chan struct{} {
	return f.ch
}

// Close implements FocusSource.
func (f *ManualFocus) Close() error {
	return nil
}
