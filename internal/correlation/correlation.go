// Package correlation implements the Correlation Core (C8): per-object
// trajectory tracking across detection points, computing transit speed
// via the haversine great-circle formula (geographic positions) or
// planar Euclidean distance (local coordinates), with incremental running
// averages and a periodic retention sweep. This runs on the bus-delivery
// goroutine for its subscription — O(K) per event, no worker pool.
package correlation

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/model"
)

// Tunables with their spec defaults (§4.8).
const (
	DefaultConfidenceThreshold = 0.7
	DefaultTrackDepth          = 10
	DefaultMinDT               = 1 * time.Second
	DefaultMaxDT               = 300 * time.Second
	DefaultMinSpeedKmh         = 5.0
	DefaultMaxSpeedKmh         = 200.0
	DefaultRetentionHours      = 24 * time.Hour
	DefaultSweepInterval       = 1 * time.Minute
	earthRadiusKm              = 6371.0
)

// Config holds the correlation core's tunables.
type Config struct {
	ConfidenceThreshold float64
	TrackDepth          int
	MinDT, MaxDT        time.Duration
	MinSpeedKmh         float64
	MaxSpeedKmh         float64
	Retention           time.Duration
	SweepInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		TrackDepth:          DefaultTrackDepth,
		MinDT:               DefaultMinDT,
		MaxDT:               DefaultMaxDT,
		MinSpeedKmh:         DefaultMinSpeedKmh,
		MaxSpeedKmh:         DefaultMaxSpeedKmh,
		Retention:           DefaultRetentionHours,
		SweepInterval:       DefaultSweepInterval,
	}
}

// Sink publishes speed.calculated / speed.alert meta-events.
type Sink func(*model.Event)

// Core is the C8 Correlation Core. It exclusively owns Track records;
// external lookups are by key only.
type Core struct {
	cfg  Config
	clk  clock.Clock
	sink Sink

	mu     sync.Mutex
	points map[string]model.DetectionPoint
	tracks map[string]*model.Track

	sweepTimer clock.Timer
}

// New constructs a Core and starts its retention sweep.
func New(cfg Config, clk clock.Clock, sink Sink) *Core {
	c := &Core{
		cfg:    cfg,
		clk:    clk,
		sink:   sink,
		points: make(map[string]model.DetectionPoint),
		tracks: make(map[string]*model.Track),
	}
	c.sweepTimer = clk.Every(cfg.SweepInterval, c.sweep)
	return c
}

// Stop cancels the retention sweep.
func (c *Core) Stop() {
	if c.sweepTimer != nil {
		c.sweepTimer.Cancel()
	}
}

// RegisterDetectionPoint adds or replaces a detection point.
func (c *Core) RegisterDetectionPoint(p model.DetectionPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[p.ID] = p
}

// Ingest is the bus sink for events carrying smart.detect.line / zone
// capability observations. Events lacking a qualifying capability, a
// track/plate identity, or sufficient confidence are ignored.
func (c *Core) Ingest(e *model.Event) {
	if e.Type != model.EventSmartDetectLine && e.Type != model.EventSmartDetectZone {
		return
	}
	if !e.HasCapability("lineCrossing") && !e.HasCapability("zoneDetection") {
		return
	}

	trackingID, _ := e.Payload["tracking_id"].(string)
	plate, _ := e.Payload["plate"].(string)
	if trackingID == "" && plate == "" {
		return
	}

	confidence, _ := e.Payload["confidence"].(float64)
	if confidence < c.cfg.ConfidenceThreshold {
		return
	}

	pointID, _ := e.Payload["detection_point_id"].(string)

	var key string
	if trackingID != "" {
		key = model.TrackKey(model.TrackKeyTrack, trackingID)
	} else {
		key = model.TrackKey(model.TrackKeyPlate, plate)
	}

	det := model.Detection{
		DetectionPointID: pointID,
		At:               e.OccurredAt,
		Confidence:       confidence,
		Payload:          e.Payload,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	track, ok := c.tracks[key]
	if !ok {
		track = &model.Track{Key: key, FirstSeen: det.At}
		c.tracks[key] = track
	}

	earlier := append([]model.Detection(nil), track.Detections...)

	track.Detections = append(track.Detections, det)
	sort.SliceStable(track.Detections, func(i, j int) bool {
		return track.Detections[i].At.Before(track.Detections[j].At)
	})
	if len(track.Detections) > c.cfg.TrackDepth {
		track.Detections = track.Detections[len(track.Detections)-c.cfg.TrackDepth:]
	}
	if det.At.After(track.LastSeen) {
		track.LastSeen = det.At
	}

	c.computeSpeeds(track, det, earlier)
}

// computeSpeeds evaluates every earlier detection on the track against
// the new one, per §4.8's pairwise algorithm.
func (c *Core) computeSpeeds(track *model.Track, newDet model.Detection, earlier []model.Detection) {
	for _, prev := range earlier {
		if prev.DetectionPointID == newDet.DetectionPointID {
			continue // same-point consecutive detections are ignored
		}

		dt := newDet.At.Sub(prev.At)
		if dt < 0 {
			continue // negative dt (clock skew) ignored
		}
		if dt < c.cfg.MinDT || dt > c.cfg.MaxDT {
			continue
		}

		pi, okI := c.points[prev.DetectionPointID]
		pj, okJ := c.points[newDet.DetectionPointID]
		if !okI || !okJ {
			continue // missing position on either endpoint: d=0, sample skipped
		}

		d := Distance(pi.Position, pj.Position)
		if d == 0 {
			continue
		}

		hours := dt.Seconds() / 3600.0
		v := d / hours

		if v < c.cfg.MinSpeedKmh || v > c.cfg.MaxSpeedKmh {
			continue
		}

		track.SampleCount++
		track.MeanSpeedKmh += (v - track.MeanSpeedKmh) / float64(track.SampleCount)

		c.sink(c.speedCalculatedEvent(track.Key, v, d, dt, prev.DetectionPointID, newDet.DetectionPointID, newDet.At))

		if limit, hasLimit := speedLimit(pi, pj); hasLimit && v > limit {
			track.Alerts++
			c.sink(c.speedAlertEvent(track.Key, v, limit, newDet.At))
		}
	}
}

func speedLimit(a, b model.DetectionPoint) (float64, bool) {
	if b.HasLimit {
		return b.SpeedLimit, true
	}
	if a.HasLimit {
		return a.SpeedLimit, true
	}
	return 0, false
}

func (c *Core) speedCalculatedEvent(trackKey string, v, d float64, dt time.Duration, pointI, pointJ string, at time.Time) *model.Event {
	return &model.Event{
		ID:         trackKey + "-speed-" + at.Format(time.RFC3339Nano),
		Type:       model.EventSpeedCalculated,
		OccurredAt: at,
		ReceivedAt: c.clk.Now(),
		Payload: map[string]any{
			"track_key": trackKey,
			"v":         v,
			"d":         d,
			"dt":        dt.Seconds(),
			"point_i":   pointI,
			"point_j":   pointJ,
		},
	}
}

func (c *Core) speedAlertEvent(trackKey string, v, limit float64, at time.Time) *model.Event {
	return &model.Event{
		ID:         trackKey + "-alert-" + at.Format(time.RFC3339Nano),
		Type:       model.EventSpeedAlert,
		OccurredAt: at,
		ReceivedAt: c.clk.Now(),
		Payload: map[string]any{
			"track_key": trackKey,
			"v":         v,
			"L":         limit,
			"excess":    v - limit,
		},
	}
}

// Distance returns the distance between two positions in kilometers:
// haversine great-circle if both are geographic, else planar Euclidean
// with inputs assumed to be meters, scaled by 1e-3.
func Distance(a, b model.Position) float64 {
	if a.Geographic && b.Geographic {
		return haversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx+dy*dy) * 1e-3
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := deg2rad(lat1)
	φ2 := deg2rad(lat2)
	Δφ := deg2rad(lat2 - lat1)
	Δλ := deg2rad(lon2 - lon1)

	a := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

// sweep evicts tracks whose last_seen is older than the retention window.
func (c *Core) sweep() {
	cutoff := c.clk.Now().Add(-c.cfg.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.tracks {
		if t.LastSeen.Before(cutoff) {
			delete(c.tracks, key)
		}
	}
}

// Track returns a snapshot of one track by key, for diagnostics/API use.
func (c *Core) Track(key string) (model.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tracks[key]
	if !ok {
		return model.Track{}, false
	}
	return *t, true
}
