package person

import (
	"fmt"
	"sync"

	"github.com/c360studio/fnpatch/host"
	"github.com/c360studio/fnpatch/patchspec"
)

// ContainerName is the host class that owns the patched methods.
const ContainerName = "Person"

// Attribute names on the Person container.
const (
	UpdateStateAttr      = "_update_state"
	ParseSourceStateAttr = "_parse_source_state"
)

// Targets of the patch engine in this package.
var (
	UpdateStateTarget      = patchspec.Target{Container: ContainerName, Function: UpdateStateAttr}
	ParseSourceStateTarget = patchspec.Target{Container: ContainerName, Function: ParseSourceStateAttr}
)

// UpdateStateFunc recomputes a person's state from its trackers.
type UpdateStateFunc func(p *Person)

// ParseSourceStateFunc copies the chosen tracker state onto the person.
type ParseSourceStateFunc func(p *Person, state, coordinates *State)

// NewContainer returns a Person container bound to the upstream behaviours.
func NewContainer() *host.Container {
	c := host.NewContainer(ContainerName)
	// Both attributes are fresh, Define cannot fail.
	_ = c.Define(UpdateStateAttr, UpdateStateFunc(UpdateState))
	_ = c.Define(ParseSourceStateAttr, ParseSourceStateFunc(ParseSourceState))
	return c
}

// Snapshot is the externally visible state of a person.
type Snapshot struct {
	State       string
	Source      string
	Latitude    *float64
	Longitude   *float64
	GPSAccuracy *float64
	Attributes  map[string]any
}

// Person is one person entity. Methods dispatch through the container so a
// rebind takes effect on the next update.
type Person struct {
	ID       string
	Editable bool
	Trackers []string

	container *host.Container
	states    StateStore

	mu          sync.Mutex
	state       *string
	source      *string
	latitude    *float64
	longitude   *float64
	gpsAccuracy *float64
	attributes  map[string]any
	writes      int
}

// New creates a person tracked by trackers.
func New(c *host.Container, states StateStore, id string, trackers ...string) *Person {
	return &Person{
		ID:        id,
		Trackers:  trackers,
		container: c,
		states:    states,
	}
}

// UpdateState runs the currently bound _update_state.
func (p *Person) UpdateState() error {
	fn, err := host.Lookup[UpdateStateFunc](p.container, UpdateStateAttr)
	if err != nil {
		return fmt.Errorf("update state of %s: %w", p.ID, err)
	}
	fn(p)
	return nil
}

func (p *Person) parseSourceState(state, coordinates *State) {
	fn, err := host.Lookup[ParseSourceStateFunc](p.container, ParseSourceStateAttr)
	if err != nil {
		// The attribute is defined by NewContainer and rebinds are type
		// checked, so this is unreachable for containers built here.
		panic(err)
	}
	fn(p, state, coordinates)
}

// Snapshot returns a copy of the person's state.
func (p *Person) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Latitude:    p.latitude,
		Longitude:   p.longitude,
		GPSAccuracy: p.gpsAccuracy,
		Attributes:  make(map[string]any, len(p.attributes)),
	}
	if p.state != nil {
		snap.State = *p.state
	}
	if p.source != nil {
		snap.Source = *p.source
	}
	for k, v := range p.attributes {
		snap.Attributes[k] = v
	}
	return snap
}

// Writes returns how many times the state was written.
func (p *Person) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *Person) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = nil
	p.source = nil
	p.latitude = nil
	p.longitude = nil
	p.gpsAccuracy = nil
}

func (p *Person) updateExtraStateAttributes() {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := map[string]any{
		AttrEditable: p.Editable,
		AttrID:       p.ID,
	}
	if p.latitude != nil {
		data[AttrLatitude] = *p.latitude
	}
	if p.longitude != nil {
		data[AttrLongitude] = *p.longitude
	}
	if p.gpsAccuracy != nil {
		data[AttrGPSAccuracy] = *p.gpsAccuracy
	}
	p.attributes = data
}

func (p *Person) writeState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
}

func floatPtr(s *State, key string) *float64 {
	v, ok := s.Float(key)
	if !ok {
		return nil
	}
	return &v
}

func strPtr(s string) *string {
	return &s
}
