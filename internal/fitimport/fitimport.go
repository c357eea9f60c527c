// Package fitimport turns a recorded FIT activity into a finalized workout session
// by replaying its positions through the distance tracker.
package fitimport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/tracker"
	"github.com/BTreeMap/StrideCoach/internal/workout"
	"github.com/google/uuid"
	"github.com/tormoder/fit"
)

// AssumedAccuracyMeters is used for every replayed fix; FIT records carry no accuracy.
const AssumedAccuracyMeters = 5.0

var (
	ErrNoSession   = errors.New("activity file has no session message")
	ErrNoStartTime = errors.New("activity has no usable start time")
)

// Result is an imported session plus replay statistics.
type Result struct {
	Session models.WorkoutSession
	// Fixes is the number of records with a valid position.
	Fixes int
	// SessionDistance is true when the file had no positions and the device's total was used.
	SessionDistance bool
}

// Opts holds configuration options for the import.
type Opts struct {
	WeightKg float64
	Now      func() time.Time
	NewID    func() string
}

// Option defines a configuration option for the import.
type Option func(*Opts)

// WithWeightKg sets the body weight used when the file has no calorie total.
func WithWeightKg(kg float64) Option {
	return func(o *Opts) { o.WeightKg = kg }
}

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// ImportFile opens and imports a FIT file.
func ImportFile(path, userID string, opts ...Option) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open FIT file: %w", err)
	}
	defer f.Close()
	return Import(f, userID, opts...)
}

// Import decodes a FIT activity and builds a finalized session for userID.
func Import(r io.Reader, userID string, opts ...Option) (Result, error) {
	cfg := Opts{Now: time.Now, NewID: uuid.NewString}
	for _, opt := range opts {
		opt(&cfg)
	}

	decoded, err := fit.Decode(r)
	if err != nil {
		return Result{}, fmt.Errorf("decode FIT file: %w", err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return Result{}, fmt.Errorf("activity FIT expected: %w", err)
	}
	if len(activity.Sessions) == 0 {
		return Result{}, ErrNoSession
	}
	sess := activity.Sessions[0]

	records := make([]*fit.RecordMsg, 0, len(activity.Records))
	for _, rec := range activity.Records {
		if rec != nil && !validTimeOrZero(rec.Timestamp).IsZero() {
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	tr := tracker.New()
	fixes := 0
	for _, rec := range records {
		if rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			continue
		}
		fixes++
		tr.Ingest(models.PositionFix{
			Timestamp:                rec.Timestamp,
			Latitude:                 rec.PositionLat.Degrees(),
			Longitude:                rec.PositionLong.Degrees(),
			HorizontalAccuracyMeters: AssumedAccuracyMeters,
		})
	}

	start := validTimeOrZero(sess.StartTime)
	if start.IsZero() && len(records) > 0 {
		start = records[0].Timestamp
	}
	if start.IsZero() {
		return Result{}, ErrNoStartTime
	}

	duration := safePositive(sess.GetTotalTimerTimeScaled())
	if duration == 0 && len(records) > 1 {
		duration = records[len(records)-1].Timestamp.Sub(records[0].Timestamp).Seconds()
	}
	end := validTimeOrZero(sess.Timestamp)
	if end.IsZero() || end.Before(start) {
		end = start.Add(time.Duration(duration * float64(time.Second)))
	}

	res := Result{Fixes: fixes}
	distance := tr.Distance()
	if fixes == 0 {
		distance = safePositive(sess.GetTotalDistanceScaled())
		res.SessionDistance = true
	}

	calories := float64(validUint16(sess.TotalCalories))
	if calories == 0 {
		calories = workout.EstimateCalories(distance, cfg.WeightKg)
	}

	res.Session = models.WorkoutSession{
		ID:              cfg.NewID(),
		UserID:          userID,
		StartTime:       start,
		EndTime:         &end,
		DurationSeconds: int64(math.Round(duration)),
		DistanceMeters:  distance,
		CaloriesKcal:    calories,
		CreatedAt:       cfg.Now(),
	}
	slog.Info("fitimport.Import: activity imported", "sessionID", res.Session.ID, "fixes", fixes,
		"distanceM", distance, "durationS", res.Session.DurationSeconds)
	return res, nil
}

func validTimeOrZero(t time.Time) time.Time {
	if t.IsZero() || fit.IsBaseTime(t) {
		return time.Time{}
	}
	return t
}

func validUint16(v uint16) uint16 {
	if v == math.MaxUint16 {
		return 0
	}
	return v
}

func safePositive(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
