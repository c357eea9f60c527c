// Package workout owns the active-session lifecycle: Idle → Active ⇄ Paused → Ended.
//
// Position fixes and duration ticks arrive from independent goroutines; both go
// through the Machine's single mutex so distance, duration and pace are updated
// by one writer at a time.
package workout

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/tracker"
	"github.com/google/uuid"
)

// State is a lifecycle state of a workout.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// DefaultTickInterval is the duration/pace refresh rate.
const DefaultTickInterval = time.Second

// ErrStateViolation describes a transition attempted from the wrong state.
// Transitions never return it; Machine.Check exposes it for callers that want to report the no-op.
var ErrStateViolation = errors.New("invalid workout state transition")

// Snapshot is a consistent view of the live workout.
type Snapshot struct {
	SessionID      string    `json:"session_id,omitempty"`
	State          State     `json:"state"`
	StartTime      time.Time `json:"start_time,omitempty"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	DistanceMeters float64   `json:"distance_m"`
	PaceMinPerKm   float64   `json:"pace_min_per_km,omitempty"`
	PaceValid      bool      `json:"pace_valid"`
}

// Opts holds configuration options for a Machine.
type Opts struct {
	Clock        Clock
	TickInterval time.Duration
	OnTick       func(Snapshot)
}

// Option defines a configuration option for a Machine.
type Option func(*Opts)

// WithClock injects the clock used for timestamps and ticking.
func WithClock(c Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithTickInterval overrides the 1 Hz tick.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// WithTickHook registers a callback invoked after every processed tick.
// It runs on the tick goroutine and must not call End.
func WithTickHook(fn func(Snapshot)) Option {
	return func(o *Opts) { o.OnTick = fn }
}

// Machine is the workout session state machine for one workout.
type Machine struct {
	mu      sync.Mutex
	userID  string
	clock   Clock
	tick    time.Duration
	onTick  func(Snapshot)
	tracker *tracker.Tracker

	state       State
	sessionID   string
	startTime   time.Time
	activeSince time.Time
	activeTotal time.Duration

	elapsedSeconds int64
	pace           float64
	paceValid      bool

	ticker Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewMachine creates an idle machine for the given user.
func NewMachine(userID string, opts ...Option) *Machine {
	cfg := Opts{Clock: SystemClock{}, TickInterval: DefaultTickInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Machine{
		userID:  userID,
		clock:   cfg.Clock,
		tick:    cfg.TickInterval,
		onTick:  cfg.OnTick,
		tracker: tracker.New(),
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check reports whether the named transition is valid from the current state.
func (m *Machine) Check(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if validTransition(m.state, to) {
		return nil
	}
	return ErrStateViolation
}

func validTransition(from, to State) bool {
	switch to {
	case StateActive:
		return from == StateIdle || from == StatePaused
	case StatePaused:
		return from == StateActive
	case StateEnded:
		return from == StateActive || from == StatePaused
	default:
		return false
	}
}

// Start begins the workout. It is a no-op unless the machine is Idle.
func (m *Machine) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		slog.Debug("Machine.Start: ignored", "state", m.state, "userID", m.userID)
		return false
	}

	now := m.clock.Now()
	m.sessionID = uuid.NewString()
	m.startTime = now
	m.activeSince = now
	m.activeTotal = 0
	m.elapsedSeconds = 0
	m.pace, m.paceValid = 0, false
	m.tracker.Reset()
	m.state = StateActive

	m.ticker = m.clock.NewTicker(m.tick)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.ticker, m.stop, m.done)

	slog.Info("Machine.Start: workout started", "sessionID", m.sessionID, "userID", m.userID)
	return true
}

// Pause stops duration accumulation. It is a no-op unless the machine is Active.
func (m *Machine) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		slog.Debug("Machine.Pause: ignored", "state", m.state, "userID", m.userID)
		return false
	}
	m.activeTotal += m.clock.Now().Sub(m.activeSince)
	m.state = StatePaused
	slog.Info("Machine.Pause: workout paused", "sessionID", m.sessionID, "active_s", m.activeTotal.Seconds())
	return true
}

// Resume restarts duration accumulation. It is a no-op unless the machine is Paused.
func (m *Machine) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		slog.Debug("Machine.Resume: ignored", "state", m.state, "userID", m.userID)
		return false
	}
	m.activeSince = m.clock.Now()
	m.state = StateActive
	slog.Info("Machine.Resume: workout resumed", "sessionID", m.sessionID)
	return true
}

// IngestFix feeds a position fix to the tracker. Fixes are ignored unless Active.
func (m *Machine) IngestFix(fix models.PositionFix) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return m.tracker.Distance()
	}
	return m.tracker.Ingest(fix)
}

// End finalizes the workout and returns the immutable session.
// ok is false, and nothing changes, unless the machine is Active or Paused.
// Paused intervals never count toward DurationSeconds.
func (m *Machine) End(finalCalories float64) (session models.WorkoutSession, ok bool) {
	m.mu.Lock()

	if m.state != StateActive && m.state != StatePaused {
		slog.Debug("Machine.End: ignored", "state", m.state, "userID", m.userID)
		m.mu.Unlock()
		return models.WorkoutSession{}, false
	}

	now := m.clock.Now()
	active := m.activeDurationLocked(now)
	m.activeTotal = active
	m.state = StateEnded

	if finalCalories < 0 || math.IsNaN(finalCalories) || math.IsInf(finalCalories, 0) {
		slog.Debug("Machine.End: calories clamped", "sessionID", m.sessionID, "calories", finalCalories)
		finalCalories = 0
	}
	end := now
	session = models.WorkoutSession{
		ID:              m.sessionID,
		UserID:          m.userID,
		StartTime:       m.startTime,
		EndTime:         &end,
		DurationSeconds: int64(active / time.Second),
		DistanceMeters:  m.tracker.Distance(),
		CaloriesKcal:    finalCalories,
		CreatedAt:       m.startTime,
	}

	stop, done := m.stop, m.done
	m.mu.Unlock()

	// Wait for the tick goroutine outside the lock; it may be blocked acquiring it.
	close(stop)
	<-done

	slog.Info("Machine.End: workout ended", "sessionID", session.ID,
		"duration_s", session.DurationSeconds, "distance_m", session.DistanceMeters)
	return session, true
}

// Snapshot returns the live view. Pace reflects the last processed tick.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:      m.sessionID,
		State:          m.state,
		StartTime:      m.startTime,
		ElapsedSeconds: m.elapsedSeconds,
		DistanceMeters: m.tracker.Distance(),
		PaceMinPerKm:   m.pace,
		PaceValid:      m.paceValid,
	}
}

func (m *Machine) activeDurationLocked(now time.Time) time.Duration {
	if m.state == StateActive {
		return m.activeTotal + now.Sub(m.activeSince)
	}
	return m.activeTotal
}

func (m *Machine) run(t Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			m.onTickFired()
		}
	}
}

// onTickFired refreshes elapsed time and pace. It is the only place pace changes.
func (m *Machine) onTickFired() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	active := m.activeDurationLocked(m.clock.Now())
	m.elapsedSeconds = int64(active / time.Second)
	m.pace, m.paceValid = tracker.Pace(active, m.tracker.Distance())
	snap := m.snapshotLocked()
	hook := m.onTick
	m.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
}

// EstimateCalories approximates running energy cost as weight × distance × 1.036 kcal.
func EstimateCalories(distanceMeters, weightKg float64) float64 {
	if distanceMeters <= 0 || weightKg <= 0 {
		return 0
	}
	return weightKg * (distanceMeters / 1000) * 1.036
}
