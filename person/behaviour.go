package person

import (
	"github.com/c360studio/fnpatch/installer"
)

// Spec IDs whose patched behaviour is implemented here.
const (
	ZoneSpecID        = "person-update-state-zone"
	GPSAccuracySpecID = "person-parse-source-state-gps-accuracy"
)

// CoordinatesVariant is the zone payload for releases that track the
// person's coordinates separately from the chosen tracker.
const CoordinatesVariant = "coordinates"

// RegisterVariants registers the patched behaviours with the installer.
//
// The unpatched parts of every behaviour follow the newest host release;
// only the zone branch differs between the base and coordinates payloads.
func RegisterVariants(v *installer.Variants) error {
	if err := v.Register(UpdateStateTarget, ZoneSpecID, UpdateStateFunc(UpdateStateZoneAware)); err != nil {
		return err
	}
	if err := v.RegisterVariant(UpdateStateTarget, ZoneSpecID, CoordinatesVariant, UpdateStateFunc(UpdateStateZoneAwareCoordinates)); err != nil {
		return err
	}
	return v.Register(ParseSourceStateTarget, GPSAccuracySpecID, ParseSourceStateFunc(ParseSourceStateGPSAccuracy))
}

// UpdateState is the upstream behaviour: a non-GPS tracker at home wins,
// then the latest GPS tracker, then the latest non-GPS tracker away.
func UpdateState(p *Person) {
	var latestNonGPSHome, latestNotHome, latestGPS, latest, coordinates *State

	for _, entityID := range p.Trackers {
		state, ok := p.states.Get(entityID)
		if !ok || IgnoreStates[state.State] {
			continue
		}

		switch {
		case state.SourceType() == SourceTypeGPS:
			latestGPS = getLatest(latestGPS, state)
		case state.State == StateHome:
			latestNonGPSHome = getLatest(latestNonGPSHome, state)
		default:
			latestNotHome = getLatest(latestNotHome, state)
		}
	}

	switch {
	case latestNonGPSHome != nil:
		latest = latestNonGPSHome
		coordinates = p.zoneOr(latestNonGPSHome, EntityIDHome)
	case latestGPS != nil:
		latest = latestGPS
		coordinates = latestGPS
	default:
		latest = latestNotHome
		coordinates = latestNotHome
	}

	p.finishUpdate(latest, coordinates)
}

// UpdateStateZoneAware adds a branch for non-GPS trackers reporting a named
// zone. It ranks below a tracker at home and above GPS trackers. The zone
// tracker's own position is used, even when it has none.
func UpdateStateZoneAware(p *Person) {
	updateStateZone(p, false)
}

// UpdateStateZoneAwareCoordinates is UpdateStateZoneAware with the zone
// entity's coordinates filling in for a tracker that carries no position.
func UpdateStateZoneAwareCoordinates(p *Person) {
	updateStateZone(p, true)
}

func updateStateZone(p *Person, zoneCoordinates bool) {
	var latestNonGPSHome, latestNotHome, latestGPS, latest, coordinates *State
	var latestNonGPSZone *State

	for _, entityID := range p.Trackers {
		state, ok := p.states.Get(entityID)
		if !ok || IgnoreStates[state.State] {
			continue
		}

		switch {
		case state.SourceType() == SourceTypeGPS:
			latestGPS = getLatest(latestGPS, state)
		case state.State == StateHome:
			latestNonGPSHome = getLatest(latestNonGPSHome, state)
		case state.State != StateNotHome:
			latestNonGPSZone = getLatest(latestNonGPSZone, state)
		default:
			latestNotHome = getLatest(latestNotHome, state)
		}
	}

	switch {
	case latestNonGPSHome != nil:
		latest = latestNonGPSHome
		coordinates = p.zoneOr(latestNonGPSHome, EntityIDHome)
	case latestNonGPSZone != nil:
		latest = latestNonGPSZone
		coordinates = latestNonGPSZone
		if zoneCoordinates {
			coordinates = p.zoneOr(latestNonGPSZone, ZoneEntityID(latestNonGPSZone.State))
		}
	case latestGPS != nil:
		latest = latestGPS
		coordinates = latestGPS
	default:
		latest = latestNotHome
		coordinates = latestNotHome
	}

	p.finishUpdate(latest, coordinates)
}

// zoneOr returns the zone entity when tracker has no position of its own.
func (p *Person) zoneOr(tracker *State, zoneID string) *State {
	_, hasLat := tracker.Attr(AttrLatitude)
	_, hasLon := tracker.Attr(AttrLongitude)
	if !hasLat && !hasLon {
		if zone, ok := p.states.Get(zoneID); ok {
			return zone
		}
	}
	return tracker
}

func (p *Person) finishUpdate(latest, coordinates *State) {
	if latest != nil && coordinates != nil {
		p.parseSourceState(latest, coordinates)
	} else {
		p.clear()
	}
	p.updateExtraStateAttributes()
	p.writeState()
}

// ParseSourceState is the upstream behaviour: position comes from coordinates,
// accuracy from the chosen tracker whatever its source type.
func ParseSourceState(p *Person, state, coordinates *State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = strPtr(state.State)
	p.source = strPtr(state.EntityID)
	p.latitude = floatPtr(coordinates, AttrLatitude)
	p.longitude = floatPtr(coordinates, AttrLongitude)
	p.gpsAccuracy = floatPtr(state, AttrGPSAccuracy)
}

// ParseSourceStateGPSAccuracy reports accuracy only when the chosen tracker is
// a GPS tracker.
func ParseSourceStateGPSAccuracy(p *Person, state, coordinates *State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = strPtr(state.State)
	p.source = strPtr(state.EntityID)
	p.latitude = floatPtr(coordinates, AttrLatitude)
	p.longitude = floatPtr(coordinates, AttrLongitude)
	if state.SourceType() == SourceTypeGPS {
		p.gpsAccuracy = floatPtr(state, AttrGPSAccuracy)
	} else {
		p.gpsAccuracy = nil
	}
}
