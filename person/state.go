// Package person implements the person entity's state selection as two named
// behaviours: the upstream one, and the zone-aware one that the patch engine
// installs once the host's source is a known, patchable version.
package person

import (
	"strings"
	"sync"
	"time"
)

// Host state and attribute names.
const (
	StateHome        = "home"
	StateNotHome     = "not_home"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"

	EntityIDHome = "zone.home"

	AttrSourceType  = "source_type"
	AttrLatitude    = "latitude"
	AttrLongitude   = "longitude"
	AttrGPSAccuracy = "gps_accuracy"
	AttrEditable    = "editable"
	AttrID          = "id"

	SourceTypeGPS    = "gps"
	SourceTypeRouter = "router"
)

// IgnoreStates are tracker states that never contribute to a person's state.
var IgnoreStates = map[string]bool{
	StateUnknown:     true,
	StateUnavailable: true,
}

// State is one entity state as stored by the host.
type State struct {
	EntityID    string
	State       string
	Attributes  map[string]any
	LastUpdated time.Time
}

// Attr returns an attribute value.
func (s *State) Attr(key string) (any, bool) {
	if s == nil || s.Attributes == nil {
		return nil, false
	}
	v, ok := s.Attributes[key]
	return v, ok && v != nil
}

// Float returns a numeric attribute.
func (s *State) Float(key string) (float64, bool) {
	v, ok := s.Attr(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SourceType returns the tracker's source_type attribute.
func (s *State) SourceType() string {
	v, _ := s.Attr(AttrSourceType)
	st, _ := v.(string)
	return st
}

// ZoneEntityID returns the zone entity a non-GPS tracker state refers to,
// e.g. "Work Office" -> "zone.work_office".
func ZoneEntityID(state string) string {
	return "zone." + strings.ReplaceAll(strings.ToLower(state), " ", "_")
}

// StateStore reads entity states.
type StateStore interface {
	Get(entityID string) (*State, bool)
}

// MemoryStore is an in-memory StateStore.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

// Set stores s under its entity ID.
func (m *MemoryStore) Set(s *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.EntityID] = s
}

// Get returns the state for entityID.
func (m *MemoryStore) Get(entityID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[entityID]
	return s, ok
}

// getLatest returns whichever of prev and curr was updated last.
func getLatest(prev, curr *State) *State {
	if prev == nil || curr.LastUpdated.After(prev.LastUpdated) {
		return curr
	}
	return prev
}
