package state

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// TrainState is an immutable-per-step snapshot: parameters, optimizer slots
// and the step counter. A training step derives its successor through Next;
// nothing ever mutates a snapshot in place. Callers treat the returned maps
// as read-only.
type TrainState struct {
	step   uint64
	params map[string]*tensor.FloatMat
	slots  map[string]*tensor.FloatMat
}

func New(step uint64, params, slots map[string]*tensor.FloatMat) *TrainState {
	return &TrainState{step: step, params: params, slots: slots}
}

func (s *TrainState) Step() uint64 { return s.step }

func (s *TrainState) Param(name string) (*tensor.FloatMat, bool) {
	p, ok := s.params[name]
	return p, ok
}

func (s *TrainState) Params() map[string]*tensor.FloatMat { return s.params }

func (s *TrainState) Slots() map[string]*tensor.FloatMat { return s.slots }

func (s *TrainState) ParamShapes() map[string]tensor.Shape {
	return tensor.ParamShapes(s.params)
}

// Next builds the successor snapshot with the step counter advanced by
// exactly 1. Only training produces successors; predict and score read the
// current snapshot and never call this.
func (s *TrainState) Next(params, slots map[string]*tensor.FloatMat) *TrainState {
	return &TrainState{step: s.step + 1, params: params, slots: slots}
}

// Clone deep-copies the snapshot. Tests use it to pin a before-image for
// bit-identity comparison.
func (s *TrainState) Clone() *TrainState {
	return &TrainState{
		step:   s.step,
		params: tensor.CloneParams(s.params),
		slots:  tensor.CloneParams(s.slots),
	}
}

// Equal reports bit-identical step, parameters and slots.
func (s *TrainState) Equal(o *TrainState) bool {
	if o == nil || s.step != o.step {
		return false
	}
	return equalMaps(s.params, o.params) && equalMaps(s.slots, o.slots)
}

func equalMaps(a, b map[string]*tensor.FloatMat) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

// Manager holds the sole authoritative snapshot. Single writer (a completed
// training step), many readers (predict/score); replacement is a pointer
// swap under the write lock, so readers never observe a half-updated state.
type Manager struct {
	mu      sync.RWMutex
	current *TrainState
}

func NewManager(initial *TrainState) *Manager {
	return &Manager{current: initial}
}

func (m *Manager) Current() *TrainState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Commit replaces prev with next atomically. If prev is no longer current
// the visible state stays untouched and an error reports the stale handoff;
// partial updates are impossible because next is fully built before the
// swap.
func (m *Manager) Commit(prev, next *TrainState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != prev {
		return fmt.Errorf("state: commit of stale snapshot (step %d, current %d)", prev.Step(), m.current.Step())
	}
	m.current = next
	return nil
}
