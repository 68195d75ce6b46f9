package correlation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/model"
)

func lineEvent(trackingID, pointID string, at time.Time, confidence float64) *model.Event {
	return &model.Event{
		Type:                 model.EventSmartDetectLine,
		OccurredAt:           at,
		CapabilitiesObserved: map[string]struct{}{"lineCrossing": {}},
		Payload: map[string]any{
			"tracking_id":        trackingID,
			"detection_point_id": pointID,
			"confidence":         confidence,
		},
	}
}

func newSinkCollector() (Sink, func() []*model.Event) {
	var mu sync.Mutex
	var events []*model.Event
	return func(e *model.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		}, func() []*model.Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]*model.Event(nil), events...)
		}
}

func TestDistance_HaversineKnownCities(t *testing.T) {
	// London to Paris is approximately 343-344 km great-circle.
	london := model.Position{Geographic: true, Lat: 51.5074, Lon: -0.1278}
	paris := model.Position{Geographic: true, Lat: 48.8566, Lon: 2.3522}
	d := Distance(london, paris)
	assert.InDelta(t, 343.5, d, 3)
}

func TestDistance_PlanarScaledToKm(t *testing.T) {
	a := model.Position{X: 0, Y: 0}
	b := model.Position{X: 3000, Y: 4000} // 3-4-5 triangle, 5000 meters
	assert.InDelta(t, 5.0, Distance(a, b), 0.001)
}

func TestSpeedCalculation_TwoPointsQualifying(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, collected := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p2", Position: model.Position{X: 1000, Y: 0}, SpeedLimit: 30, HasLimit: true})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p1", t0, 0.9))
	// 1 km in 60s -> 60 km/h
	c.Ingest(lineEvent("car-1", "p2", t0.Add(60*time.Second), 0.9))

	events := collected()
	require.Len(t, events, 2) // speed.calculated + speed.alert (60 > 30 limit)
	assert.Equal(t, model.EventSpeedCalculated, events[0].Type)
	assert.InDelta(t, 60.0, events[0].Payload["v"].(float64), 0.5)
	assert.Equal(t, model.EventSpeedAlert, events[1].Type)
}

func TestSpeedCalculation_BelowConfidenceIgnored(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, collected := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p2", Position: model.Position{X: 1000, Y: 0}})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p1", t0, 0.5)) // below default threshold 0.7
	c.Ingest(lineEvent("car-1", "p2", t0.Add(60*time.Second), 0.5))

	assert.Empty(t, collected())
}

func TestSpeedCalculation_OutOfSpeedBoundsRejected(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, collected := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p2", Position: model.Position{X: 1000, Y: 0}})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p1", t0, 0.9))
	// 1km in 10s = 360 km/h, above v_max=200
	c.Ingest(lineEvent("car-1", "p2", t0.Add(10*time.Second), 0.9))

	assert.Empty(t, collected())
}

func TestSpeedCalculation_SamePointConsecutiveIgnored(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, collected := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p1", t0, 0.9))
	c.Ingest(lineEvent("car-1", "p1", t0.Add(60*time.Second), 0.9))

	assert.Empty(t, collected())
}

func TestSpeedCalculation_NegativeDTIgnored(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, collected := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p2", Position: model.Position{X: 1000, Y: 0}})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p2", t0, 0.9))
	c.Ingest(lineEvent("car-1", "p1", t0.Add(-30*time.Second), 0.9)) // earlier detection arrives "later" with a skewed clock

	assert.Empty(t, collected())
}

func TestRunningMean_UpdatesIncrementally(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, _ := newSinkCollector()
	c := New(DefaultConfig(), fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p2", Position: model.Position{X: 1000, Y: 0}})
	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p3", Position: model.Position{X: 2000, Y: 0}})

	t0 := time.Unix(1000, 0)
	c.Ingest(lineEvent("car-1", "p1", t0, 0.9))
	c.Ingest(lineEvent("car-1", "p2", t0.Add(60*time.Second), 0.9))  // 60 km/h
	c.Ingest(lineEvent("car-1", "p3", t0.Add(120*time.Second), 0.9)) // another 60 km/h leg

	track, ok := c.Track("track:car-1")
	require.True(t, ok)
	assert.InDelta(t, 60.0, track.MeanSpeedKmh, 1.0)
}

func TestRetentionSweep_EvictsStaleTracks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sink, _ := newSinkCollector()
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Minute
	cfg.Retention = time.Hour
	c := New(cfg, fc, sink)
	defer c.Stop()

	c.RegisterDetectionPoint(model.DetectionPoint{ID: "p1", Position: model.Position{X: 0, Y: 0}})
	c.Ingest(lineEvent("car-1", "p1", fc.Now(), 0.9))

	_, ok := c.Track("track:car-1")
	require.True(t, ok)

	fc.Advance(2 * time.Hour)

	_, ok = c.Track("track:car-1")
	assert.False(t, ok)
}
