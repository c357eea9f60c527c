// Package coordinator sequences the post-workout write path:
// analyze (or fall back), save the session, save the reflection, then announce it.
//
// The two writes are sequential, not transactional. A failed write is surfaced as a
// *PersistenceError and the result is kept in memory until Retry succeeds.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/StrideCoach/internal/analysis"
	"github.com/BTreeMap/StrideCoach/internal/events"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
)

// Write stages reported by PersistenceError.
const (
	StageSession    = "session"
	StageReflection = "reflection"
)

// DefaultRecentLimit bounds the history handed to the analysis pipeline.
const DefaultRecentLimit = 20

// ErrNoPendingResult is returned by Retry when nothing is retained for the session.
var ErrNoPendingResult = errors.New("no pending result for session")

// PersistenceError reports which write failed.
type PersistenceError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s for session %s: %v", e.Stage, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Analyzer is the analysis capability; *analysis.Pipeline implements it.
type Analyzer interface {
	AnalyzeOrFallback(ctx context.Context, session models.WorkoutSession, goal string, current *models.Milestone, recent []models.WorkoutSession) (models.WorkoutReflection, error)
}

// MilestoneSource provides the milestone the user is currently working toward.
type MilestoneSource interface {
	CurrentMilestone(ctx context.Context, userID string) (*models.Milestone, error)
}

// GoalSource provides the user's resolved running goal.
type GoalSource interface {
	Goal(ctx context.Context, userID string) string
}

// Result is the outcome of one completed workout.
type Result struct {
	Session    models.WorkoutSession    `json:"session"`
	Reflection models.WorkoutReflection `json:"reflection"`
	// AnalysisError is set when the fallback reflection was used.
	AnalysisError   error `json:"-"`
	SessionSaved    bool  `json:"session_saved"`
	ReflectionSaved bool  `json:"reflection_saved"`
}

// UsedFallback reports whether the reflection came from the rule-based generator.
func (r Result) UsedFallback() bool {
	return r.Reflection.Source == models.ReflectionSourceFallback
}

// Opts holds configuration options for the Coordinator.
type Opts struct {
	Milestones  MilestoneSource
	Goals       GoalSource
	Bus         *events.Bus
	RecentLimit int
}

// Option defines a configuration option for the Coordinator.
type Option func(*Opts)

// WithMilestoneSource supplies the current milestone for analysis.
func WithMilestoneSource(m MilestoneSource) Option {
	return func(o *Opts) { o.Milestones = m }
}

// WithGoalSource supplies the user's goal for analysis.
func WithGoalSource(g GoalSource) Option {
	return func(o *Opts) { o.Goals = g }
}

// WithBus sets the bus that receives ReflectionSaved events.
func WithBus(b *events.Bus) Option {
	return func(o *Opts) { o.Bus = b }
}

// WithRecentLimit overrides how many past sessions are loaded for context.
func WithRecentLimit(n int) Option {
	return func(o *Opts) { o.RecentLimit = n }
}

// Coordinator runs the write path for finished workouts.
type Coordinator struct {
	analyzer    Analyzer
	sessions    repository.SessionRepository
	reflections repository.ReflectionRepository
	milestones  MilestoneSource
	goals       GoalSource
	bus         *events.Bus
	recentLimit int

	mu      sync.Mutex
	pending map[string]Result
}

// New creates a Coordinator.
func New(analyzer Analyzer, sessions repository.SessionRepository, reflections repository.ReflectionRepository, opts ...Option) *Coordinator {
	cfg := Opts{RecentLimit: DefaultRecentLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		analyzer:    analyzer,
		sessions:    sessions,
		reflections: reflections,
		milestones:  cfg.Milestones,
		goals:       cfg.Goals,
		bus:         cfg.Bus,
		recentLimit: cfg.RecentLimit,
		pending:     make(map[string]Result),
	}
}

// Complete analyzes and persists a finished session. The returned Result always carries
// a reflection; the error is non-nil only for persistence failures.
func (c *Coordinator) Complete(ctx context.Context, session models.WorkoutSession) (Result, error) {
	if !session.IsFinal() {
		return Result{}, models.ErrSessionNotFinal
	}
	if err := session.Validate(); err != nil {
		return Result{}, err
	}

	goal, current, recent := c.gatherContext(ctx, session)
	reflection, analysisErr := c.analyzer.AnalyzeOrFallback(ctx, session, goal, current, recent)
	if analysisErr != nil {
		slog.Warn("Coordinator.Complete: analysis unavailable, using fallback", "sessionID", session.ID, "error", analysisErr)
	}

	res := Result{
		Session:       session.WithPerceivedExertion(reflection.EstimatedExertion),
		Reflection:    reflection,
		AnalysisError: analysisErr,
	}
	return c.persist(ctx, res)
}

// Retry re-runs the writes for a retained result. A session that was already saved is not written again.
func (c *Coordinator) Retry(ctx context.Context, sessionID string) (Result, error) {
	c.mu.Lock()
	res, ok := c.pending[sessionID]
	c.mu.Unlock()
	if !ok {
		return Result{}, ErrNoPendingResult
	}
	slog.Info("Coordinator.Retry: retrying persistence", "sessionID", sessionID, "sessionSaved", res.SessionSaved)
	return c.persist(ctx, res)
}

// Pending lists retained results, oldest session first.
func (c *Coordinator) Pending() []Result {
	c.mu.Lock()
	out := make([]Result, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.StartTime.Before(out[j].Session.StartTime)
	})
	return out
}

func (c *Coordinator) persist(ctx context.Context, res Result) (Result, error) {
	id := res.Session.ID
	if !res.SessionSaved {
		if err := c.sessions.SaveSession(ctx, res.Session); err != nil {
			slog.Error("Coordinator.persist: session write failed", "sessionID", id, "error", err)
			return c.retain(res, &PersistenceError{Stage: StageSession, SessionID: id, Err: err})
		}
		res.SessionSaved = true
	}
	if !res.ReflectionSaved {
		if err := c.reflections.SaveReflection(ctx, res.Reflection); err != nil {
			slog.Error("Coordinator.persist: reflection write failed", "sessionID", id, "error", err)
			return c.retain(res, &PersistenceError{Stage: StageReflection, SessionID: id, Err: err})
		}
		res.ReflectionSaved = true
	}

	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	slog.Info("Coordinator.persist: session and reflection saved", "sessionID", id,
		"source", res.Reflection.Source, "achieved", res.Reflection.Achieved())
	if c.bus != nil {
		c.bus.Publish(ctx, events.NewReflectionSaved(events.ReflectionSaved{
			UserID:     res.Session.UserID,
			Session:    res.Session,
			Reflection: res.Reflection,
		}))
	}
	return res, nil
}

func (c *Coordinator) retain(res Result, err *PersistenceError) (Result, error) {
	c.mu.Lock()
	c.pending[res.Session.ID] = res
	c.mu.Unlock()
	return res, err
}

// gatherContext loads the analysis context. Lookup failures degrade the prompt, never the workflow.
func (c *Coordinator) gatherContext(ctx context.Context, session models.WorkoutSession) (string, *models.Milestone, []models.WorkoutSession) {
	var goal string
	if c.goals != nil {
		goal = c.goals.Goal(ctx, session.UserID)
	}

	var current *models.Milestone
	if c.milestones != nil {
		m, err := c.milestones.CurrentMilestone(ctx, session.UserID)
		if err != nil {
			slog.Warn("Coordinator.gatherContext: milestone lookup failed", "userID", session.UserID, "error", err)
		} else {
			current = m
		}
	}

	recent, err := c.sessions.ListSessions(ctx, session.UserID, c.recentLimit)
	if err != nil {
		slog.Warn("Coordinator.gatherContext: history lookup failed", "userID", session.UserID, "error", err)
		recent = nil
	}
	return goal, current, recent
}

var _ Analyzer = (*analysis.Pipeline)(nil)
