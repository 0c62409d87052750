package relay

import (
	"sort"
	"sync"
	"time"
)

// PollState is the per-target memory of the poller.
type PollState struct {
	// Previous is the last normalized capture seen.
	Previous Snapshot
	// LastReported is the capture last sent as a completion.
	LastReported Snapshot
	// StableCount counts consecutive unchanged ticks. Only the 0->1 step
	// matters for notifications; higher values are informational.
	StableCount int
	// NotifiedWorking is true while a "working" notice is outstanding.
	NotifiedWorking bool

	LastClassification Classification
	UpdatedAt          time.Time
}

// StateStore owns the poll states, one per target key. It lives only
// in memory and starts empty on every process start.
type StateStore struct {
	mu     sync.RWMutex
	states map[TargetKey]PollState
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[TargetKey]PollState)}
}

// Get returns a copy of the state for key, or fresh defaults.
func (s *StateStore) Get(key TargetKey) PollState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[key]
}

// Put replaces the state for key.
func (s *StateStore) Put(key TargetKey, st PollState) {
	s.mu.Lock()
	s.states[key] = st
	s.mu.Unlock()
}

// Delete forgets key.
func (s *StateStore) Delete(key TargetKey) {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
}

// Retain drops every state whose key is not in keep and returns the dropped keys.
func (s *StateStore) Retain(keep map[TargetKey]bool) []TargetKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []TargetKey
	for k := range s.states {
		if !keep[k] {
			delete(s.states, k)
			dropped = append(dropped, k)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].String() < dropped[j].String() })
	return dropped
}

// Snapshot copies all states.
func (s *StateStore) Snapshot() map[TargetKey]PollState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[TargetKey]PollState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked targets.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
