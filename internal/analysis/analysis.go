// Package analysis turns a finished workout into a WorkoutReflection.
//
// The text-generation capability is asked for a strict JSON assessment. Any failure
// is classified into an *Error; AnalyzeOrFallback then substitutes the deterministic
// rule-based reflection so every ended workout yields a reflection.
package analysis

//go:generate mockgen -destination=mock_generator_test.go -package=analysis github.com/BTreeMap/StrideCoach/internal/genai Generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/genai"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/google/uuid"
)

// Kind classifies analysis failures.
type Kind string

const (
	// KindUnconfigured means the capability cannot be used at all (no credential, no client).
	KindUnconfigured Kind = "unconfigured"
	// KindNetworkOrServer covers transport failures and non-2xx responses.
	KindNetworkOrServer Kind = "network_or_server"
	// KindMalformedResponse means the response violated the JSON contract.
	KindMalformedResponse Kind = "malformed_response"
)

// Error is returned by Analyze for every failure path.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindNetworkOrServer && e.StatusCode != 0:
		return fmt.Sprintf("analysis %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("analysis %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("analysis %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an analysis *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

var errNoGenerator = errors.New("no text generator configured")

// Opts holds configuration options for the Pipeline.
type Opts struct {
	Now   func() time.Time
	NewID func() string
}

// Option defines a configuration option for the Pipeline.
type Option func(*Opts)

// WithNow injects the clock used for reflection timestamps and the 7-day window.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithIDGenerator overrides reflection id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// Pipeline calls the text-generation capability and validates its answer.
type Pipeline struct {
	gen   genai.Generator
	now   func() time.Time
	newID func() string
}

// NewPipeline creates a pipeline. A nil generator is allowed; every Analyze then fails as unconfigured.
func NewPipeline(gen genai.Generator, opts ...Option) *Pipeline {
	cfg := Opts{Now: time.Now, NewID: uuid.NewString}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{gen: gen, now: cfg.Now, newID: cfg.NewID}
}

// reflectionResponse is the JSON contract requested from the model.
type reflectionResponse struct {
	EstimatedRPE      *int    `json:"estimatedRPE"`
	Reflection        *string `json:"reflection"`
	Suggestions       *string `json:"suggestions"`
	MilestoneProgress *struct {
		IsAchieved         *bool  `json:"isAchieved"`
		AchievementMessage string `json:"achievementMessage"`
	} `json:"milestoneProgress"`
}

// Analyze asks the capability for an assessment of session. It never retries and never clamps.
func (p *Pipeline) Analyze(ctx context.Context, session models.WorkoutSession, goal string, current *models.Milestone, recent []models.WorkoutSession) (models.WorkoutReflection, error) {
	if p.gen == nil {
		slog.Warn("Pipeline.Analyze: generator not configured", "sessionID", session.ID)
		return models.WorkoutReflection{}, &Error{Kind: KindUnconfigured, Err: errNoGenerator}
	}

	req := genai.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   BuildUserPrompt(session, goal, current, recent),
		RequireJSON:  true,
	}
	raw, err := p.gen.Generate(ctx, req)
	if err != nil {
		classified := classify(err)
		slog.Error("Pipeline.Analyze: generation failed", "sessionID", session.ID, "kind", classified.Kind, "status", classified.StatusCode, "error", err)
		return models.WorkoutReflection{}, classified
	}

	reflection, err := p.parse(raw, session, current)
	if err != nil {
		slog.Error("Pipeline.Analyze: malformed response", "sessionID", session.ID, "error", err)
		return models.WorkoutReflection{}, &Error{Kind: KindMalformedResponse, Err: err}
	}
	slog.Info("Pipeline.Analyze: reflection generated", "sessionID", session.ID,
		"rpe", reflection.EstimatedExertion, "achieved", reflection.Achieved())
	return reflection, nil
}

// AnalyzeOrFallback always yields a reflection. When the capability fails the fallback
// reflection is returned together with the classified error.
func (p *Pipeline) AnalyzeOrFallback(ctx context.Context, session models.WorkoutSession, goal string, current *models.Milestone, recent []models.WorkoutSession) (models.WorkoutReflection, error) {
	reflection, err := p.Analyze(ctx, session, goal, current, recent)
	if err == nil {
		return reflection, nil
	}
	slog.Info("Pipeline.AnalyzeOrFallback: using fallback reflection", "sessionID", session.ID, "reason", err)
	fb := Fallback(session)
	fb.ID = p.newID()
	fb.CreatedAt = p.now()
	return fb, err
}

func (p *Pipeline) parse(raw string, session models.WorkoutSession, current *models.Milestone) (models.WorkoutReflection, error) {
	var resp reflectionResponse
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&resp); err != nil {
		return models.WorkoutReflection{}, fmt.Errorf("failed to decode reflection JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return models.WorkoutReflection{}, errors.New("unexpected content after reflection JSON")
	}
	if resp.EstimatedRPE == nil {
		return models.WorkoutReflection{}, errors.New("estimatedRPE missing")
	}
	if !models.ValidExertion(*resp.EstimatedRPE) {
		return models.WorkoutReflection{}, fmt.Errorf("estimatedRPE %d out of range: %w", *resp.EstimatedRPE, models.ErrExertionOutOfRange)
	}
	if resp.Reflection == nil || resp.Suggestions == nil {
		return models.WorkoutReflection{}, errors.New("reflection or suggestions missing")
	}
	if resp.MilestoneProgress == nil || resp.MilestoneProgress.IsAchieved == nil {
		return models.WorkoutReflection{}, errors.New("milestoneProgress.isAchieved missing")
	}

	signal := &models.MilestoneProgressSignal{
		Achieved:           *resp.MilestoneProgress.IsAchieved,
		AchievementMessage: resp.MilestoneProgress.AchievementMessage,
	}
	if signal.Achieved && current != nil {
		signal.MilestoneID = current.ID
	}

	return models.WorkoutReflection{
		ID:                p.newID(),
		WorkoutSessionID:  session.ID,
		EstimatedExertion: *resp.EstimatedRPE,
		NarrativeText:     *resp.Reflection,
		AdviceText:        *resp.Suggestions,
		MilestoneProgress: signal,
		Source:            models.ReflectionSourceAI,
		CreatedAt:         p.now(),
	}, nil
}

// classify maps generator errors onto analysis kinds.
func classify(err error) *Error {
	if errors.Is(err, genai.ErrMissingAPIKey) {
		return &Error{Kind: KindUnconfigured, Err: err}
	}
	if errors.Is(err, genai.ErrNoChoicesReturned) {
		return &Error{Kind: KindMalformedResponse, Err: err}
	}
	var statusErr *genai.StatusError
	if errors.As(err, &statusErr) {
		return &Error{Kind: KindNetworkOrServer, StatusCode: statusErr.StatusCode, Err: err}
	}
	return &Error{Kind: KindNetworkOrServer, Err: err}
}
