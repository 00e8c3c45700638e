// Package keystate publishes the live keyboard state consumed by
// renderers: which keys are held, whether the process is trusted, the
// active layout and whether remapping is on.
//
// Readers use Current for a lock-free snapshot or Subscribe for change
// notifications. Only one goroutine may call the mutating methods.
package keystate

import (
	"sync"
	"sync/atomic"
	"time"

	"keyvis/internal/keycode"
)

// TapState mirrors the interceptor state machine.
type TapState string

const (
	TapUninstalled TapState = "uninstalled"
	TapInstalling  TapState = "installing"
	TapInstalled   TapState = "installed"
)

// Snapshot is an immutable view of the published state.
type Snapshot struct {
	Seq           uint64    `json:"seq"`
	PressedKeys   []string  `json:"pressed_keys"`
	HasPermission bool      `json:"has_permission"`
	LayoutName    string    `json:"layout_name"`
	RemapEnabled  bool      `json:"remap_enabled"`
	Tap           TapState  `json:"tap_state"`
	Timestamp     time.Time `json:"timestamp"`
}

// IsPressed reports whether name is in the snapshot's pressed set.
func (s *Snapshot) IsPressed(name string) bool {
	for _, n := range s.PressedKeys {
		if n == name {
			return true
		}
	}
	return false
}

// Change is a bitmask of the fields that changed in an Update.
type Change uint8

const (
	ChangeKeys Change = 1 << iota
	ChangePermission
	ChangeLayout
	ChangeRemap
	ChangeTap
)

// Has reports whether c includes every bit of o.
func (c Change) Has(o Change) bool {
	return c&o == o
}

// Update is delivered to subscribers.
type Update struct {
	Snapshot *Snapshot
	Changes  Change
}

// Subscription receives coalesced updates. When a subscriber falls behind
// the oldest pending update is replaced, so the latest state always
// arrives.
type Subscription struct {
	C     <-chan Update
	ch    chan Update
	id    uint64
	store *Store
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.store.unsubscribe(s.id)
}

// Store owns the pressed set and publishes snapshots.
type Store struct {
	current atomic.Pointer[Snapshot]
	pressed *PressedSet
	now     func() time.Time

	mu     sync.Mutex
	subs   map[uint64]chan Update
	nextID uint64
	closed bool
}

// NewStore returns a store with an empty, untrusted, uninstalled state.
func NewStore() *Store {
	s := &Store{
		pressed: NewPressedSet(),
		now:     time.Now,
		subs:    make(map[uint64]chan Update),
	}
	s.current.Store(&Snapshot{
		PressedKeys: []string{},
		Tap:         TapUninstalled,
		Timestamp:   s.now(),
	})
	return s
}

// Current returns the latest snapshot. Callers must not modify it.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe registers a subscriber with the given channel capacity.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return &Subscription{C: ch, ch: ch, store: s}
	}
	s.nextID++
	s.subs[s.nextID] = ch
	return &Subscription{C: ch, ch: ch, id: s.nextID, store: s}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close closes every subscription. Later subscriptions are closed
// immediately.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.closed = true
}

// Press inserts name for code.
func (s *Store) Press(code keycode.Code, name string) {
	if s.pressed.Press(code, name) {
		s.publish(ChangeKeys, nil)
	}
}

// Release removes the name recorded for code.
func (s *Store) Release(code keycode.Code) {
	if s.pressed.Release(code) {
		s.publish(ChangeKeys, nil)
	}
}

// Retain releases every pressed key for which held reports false, in a
// single publication.
func (s *Store) Retain(held func(keycode.Code) bool) {
	if s.pressed.Retain(held) {
		s.publish(ChangeKeys, nil)
	}
}

// ClearKeys empties the pressed set in a single publication.
func (s *Store) ClearKeys() {
	if s.pressed.Clear() {
		s.publish(ChangeKeys, nil)
	}
}

// Revoke clears the pressed set and the permission flag together, so no
// subscriber observes keys held without permission.
func (s *Store) Revoke() {
	keys := s.pressed.Clear()
	var changes Change
	if keys {
		changes |= ChangeKeys
	}
	if s.Current().HasPermission {
		changes |= ChangePermission
	}
	if changes == 0 {
		return
	}
	s.publish(changes, func(snap *Snapshot) { snap.HasPermission = false })
}

// SetPermission publishes the permission flag.
func (s *Store) SetPermission(granted bool) {
	if s.Current().HasPermission == granted {
		return
	}
	s.publish(ChangePermission, func(snap *Snapshot) { snap.HasPermission = granted })
}

// SetLayout publishes the active layout name.
func (s *Store) SetLayout(name string) {
	if s.Current().LayoutName == name {
		return
	}
	s.publish(ChangeLayout, func(snap *Snapshot) { snap.LayoutName = name })
}

// SetRemap publishes the remap flag.
func (s *Store) SetRemap(enabled bool) {
	if s.Current().RemapEnabled == enabled {
		return
	}
	s.publish(ChangeRemap, func(snap *Snapshot) { snap.RemapEnabled = enabled })
}

// SetTap publishes the interceptor state.
func (s *Store) SetTap(state TapState) {
	if s.Current().Tap == state {
		return
	}
	s.publish(ChangeTap, func(snap *Snapshot) { snap.Tap = state })
}

func (s *Store) publish(changes Change, mutate func(*Snapshot)) {
	prev := s.current.Load()
	next := *prev
	next.Seq = prev.Seq + 1
	next.Timestamp = s.now()
	if changes.Has(ChangeKeys) {
		next.PressedKeys = s.pressed.Names()
	}
	if mutate != nil {
		mutate(&next)
	}
	s.current.Store(&next)

	u := Update{Snapshot: &next, Changes: changes}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		offer(ch, u)
	}
}

// offer delivers u without blocking, replacing the oldest pending update
// when the channel is full.
func offer(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
