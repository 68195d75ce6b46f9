package model

import "time"

// Position is tagged: either geographic (lat/lon) or planar (x/y meters).
type Position struct {
	Geographic bool
	Lat, Lon   float64 // valid when Geographic
	X, Y       float64 // valid when !Geographic, meters
}

// DetectionPoint is a configured location at which crossing/zone events are
// observed.
type DetectionPoint struct {
	ID         string
	Position   Position
	Direction  float64 // degrees, informational
	SpeedLimit float64 // km/h, 0 means "no limit configured"
	HasLimit   bool
	Active     bool
}

// Detection is one observation of a track at a detection point.
type Detection struct {
	DetectionPointID string
	At               time.Time
	Confidence       float64
	Payload          map[string]any
}

// TrackKeyKind namespaces plate-derived and tracking-id-derived keys so the
// two identity spaces never collide (resolves the Open Question in §9).
type TrackKeyKind string

const (
	TrackKeyPlate TrackKeyKind = "plate"
	TrackKeyTrack TrackKeyKind = "track"
)

// TrackKey builds the namespaced key used to index the Track table.
func TrackKey(kind TrackKeyKind, value string) string {
	return string(kind) + ":" + value
}

// Track is the bounded history of detections attributed to one object.
type Track struct {
	Key         string
	Detections  []Detection // bounded to K, time-sorted ascending
	FirstSeen   time.Time
	LastSeen    time.Time
	MeanSpeedKmh float64
	SampleCount  int
	Alerts       int
}
