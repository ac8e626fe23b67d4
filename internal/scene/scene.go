// Package scene holds the two most recent frames, the active one and the
// one it replaced, and computes how to blend them while zooming.
package scene

import (
	"sync"
	"sync/atomic"

	"weight-atlas/internal/frames"
)

// Snapshot is an immutable view of the buffer pair.
// Slots never change after the snapshot is published; Update publishes a
// new one.
type Snapshot struct {
	Sequence uint64 // monotonic, bumped on every swap
	slots    [2]*frames.Frame
	active   int
}

// ActiveSlot returns the index (0 or 1) of the active slot.
func (s *Snapshot) ActiveSlot() int { return s.active }

// Active returns the most recently published frame, nil before the first.
func (s *Snapshot) Active() *frames.Frame { return s.slots[s.active] }

// Previous returns the frame the active one replaced, nil if none.
func (s *Snapshot) Previous() *frames.Frame { return s.slots[1-s.active] }

// Remap returns the active→previous coordinate map. Without a previous
// frame it is the identity.
func (s *Snapshot) Remap() Remap {
	a, p := s.Active(), s.Previous()
	if a == nil || p == nil {
		return Identity
	}
	return NewRemap(a.Region, p.Region)
}

// Scene is a double buffer of frames with an explicit active slot. Update is
// the single writer; readers load snapshots without locking.
type Scene struct {
	mu    sync.Mutex // serializes writers
	state atomic.Pointer[Snapshot]
	blend *BlendCalculator
}

// New creates an empty scene.
func New() *Scene {
	s := &Scene{blend: NewBlendCalculator()}
	s.state.Store(&Snapshot{})
	return s
}

// Snapshot returns the current buffer pair.
func (s *Scene) Snapshot() *Snapshot {
	return s.state.Load()
}

// Update publishes f as the active frame. If the active slot already holds
// f's region it is a no-op and f itself is returned as evicted. Otherwise f
// goes into the inactive slot, the slots flip, and the frame that slot held
// before (two updates ago) is returned. Evicted frames are no longer
// referenced by the scene; callers may recycle them once no reader holds an
// older snapshot.
func (s *Scene) Update(f *frames.Frame) (evicted *frames.Frame, swapped bool) {
	if f == nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if a := cur.Active(); a != nil && a.Region.Equal(f.Region) {
		return f, false
	}

	inactive := 1 - cur.active
	next := &Snapshot{
		Sequence: cur.Sequence + 1,
		slots:    cur.slots,
		active:   inactive,
	}
	evicted = next.slots[inactive]
	next.slots[inactive] = f
	s.state.Store(next)
	return evicted, true
}

// Clear empties both slots and returns the frames they held.
func (s *Scene) Clear() []*frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	var out []*frames.Frame
	for _, f := range cur.slots {
		if f != nil {
			out = append(out, f)
		}
	}
	s.state.Store(&Snapshot{Sequence: cur.Sequence + 1})
	s.blend.Reset()
	return out
}

// Blend returns the scene's blend calculator.
func (s *Scene) Blend() *BlendCalculator { return s.blend }

// Mix returns the previous and current weights for the next draw.
// delta is the viewport's position between detail levels.
func (s *Scene) Mix(delta float64, reachedMinZoom, dragged bool) (prevMix, curMix float64) {
	snap := s.Snapshot()
	a, p := snap.Active(), snap.Previous()
	if a == nil {
		return 0, 1
	}

	if p == nil {
		s.blend.Show(a.Region.Factor, reachedMinZoom, dragged)
		return 0, 1
	}
	prevMix = s.blend.GetMix(a.Region.Factor, p.Region.Factor, delta, reachedMinZoom, dragged)
	return prevMix, 1 - prevMix
}
