// Package tracker turns a stream of raw position fixes into a filtered,
// monotonically non-decreasing distance and a derived pace.
package tracker

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
)

// Filter thresholds for accepting a distance increment.
const (
	// MaxIncrementMeters is the exclusive upper bound for a single increment.
	MaxIncrementMeters = 100.0
	// MaxAccuracyMeters is the exclusive upper bound for a fix's horizontal accuracy.
	MaxAccuracyMeters = 50.0
)

// Tracker accumulates distance from position fixes.
// It is not safe for concurrent use; workout.Machine serializes access.
type Tracker struct {
	state models.TrackerState
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Reset clears state for a new workout.
func (t *Tracker) Reset() {
	t.state = models.TrackerState{}
	slog.Debug("Tracker.Reset: state cleared")
}

// Ingest accepts a fix and returns the current cumulative distance in meters.
//
// Distance grows only when a previous fix exists, the increment is in (0, 100) meters
// and the new fix's accuracy is below 50 meters. Any other fix with valid coordinates
// still becomes the new reference point so one bad reading cannot block later ones.
// Fixes with unusable coordinates are dropped without touching the reference.
func (t *Tracker) Ingest(fix models.PositionFix) float64 {
	if !validCoordinate(fix.Latitude, fix.Longitude) {
		slog.Debug("Tracker.Ingest: dropping fix with invalid coordinates", "lat", fix.Latitude, "lon", fix.Longitude)
		return t.state.CumulativeDistanceMeters
	}

	prev := t.state.LastAcceptedFix
	f := fix
	t.state.LastAcceptedFix = &f

	if prev == nil {
		return t.state.CumulativeDistanceMeters
	}

	delta := HaversineMeters(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
	if delta > 0 && delta < MaxIncrementMeters && fix.HorizontalAccuracyMeters < MaxAccuracyMeters {
		t.state.CumulativeDistanceMeters += delta
		return t.state.CumulativeDistanceMeters
	}

	slog.Debug("Tracker.Ingest: fix rejected for distance, kept as reference",
		"delta_m", delta, "accuracy_m", fix.HorizontalAccuracyMeters)
	return t.state.CumulativeDistanceMeters
}

// Distance returns the cumulative distance in meters.
func (t *Tracker) Distance() float64 {
	return t.state.CumulativeDistanceMeters
}

// State returns a snapshot of the tracker state.
func (t *Tracker) State() models.TrackerState {
	s := t.state
	if s.LastAcceptedFix != nil {
		f := *s.LastAcceptedFix
		s.LastAcceptedFix = &f
	}
	return s
}

// Pace derives minutes per kilometer from an elapsed active duration and a distance.
// ok is false when distance is zero, where pace is undefined.
func Pace(elapsed time.Duration, distanceMeters float64) (minPerKm float64, ok bool) {
	if distanceMeters <= 0 {
		return 0, false
	}
	return elapsed.Minutes() / (distanceMeters / 1000), true
}
