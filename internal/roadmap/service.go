package roadmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/events"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
)

// Service loads, updates and stores the user's roadmap.
type Service struct {
	mu     sync.Mutex
	repo   repository.RoadmapRepository
	engine *Engine
	gen    *Generator
	bus    *events.Bus
}

// NewService creates a roadmap service. bus may be nil when no events are wanted.
func NewService(repo repository.RoadmapRepository, engine *Engine, gen *Generator, bus *events.Bus) *Service {
	return &Service{repo: repo, engine: engine, gen: gen, bus: bus}
}

// Attach subscribes the service to ReflectionSaved events.
func (s *Service) Attach(bus *events.Bus) {
	bus.Handle(events.KindReflectionSaved, s.onReflectionSaved)
}

// Current returns the stored roadmap.
func (s *Service) Current(ctx context.Context, userID string) (models.Roadmap, error) {
	return s.repo.GetRoadmap(ctx, userID)
}

// CurrentMilestone returns the first uncompleted milestone, or nil when there is no roadmap or all are done.
func (s *Service) CurrentMilestone(ctx context.Context, userID string) (*models.Milestone, error) {
	rm, err := s.repo.GetRoadmap(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, ok := rm.CurrentMilestone()
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Regenerate replaces the stored roadmap wholesale. usedFallback reports whether the
// text generator failed and the default ladder was stored instead.
func (s *Service) Regenerate(ctx context.Context, userID, goal string, targetDate *time.Time) (rm models.Roadmap, usedFallback bool, err error) {
	rm, genErr := s.gen.Generate(ctx, userID, goal, targetDate)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveRoadmap(ctx, rm); err != nil {
		return models.Roadmap{}, genErr != nil, fmt.Errorf("failed to save roadmap: %w", err)
	}
	return rm, genErr != nil, nil
}

// ApplyProgress applies the signal to the stored roadmap and announces newly completed milestones.
func (s *Service) ApplyProgress(ctx context.Context, userID string, signal models.MilestoneProgressSignal) (models.Roadmap, error) {
	s.mu.Lock()
	before, err := s.repo.GetRoadmap(ctx, userID)
	if err != nil {
		s.mu.Unlock()
		return models.Roadmap{}, err
	}
	after := s.engine.ApplyProgress(before, signal)
	done := Completed(before, after)
	if len(done) > 0 {
		if err := s.repo.SaveRoadmap(ctx, after); err != nil {
			s.mu.Unlock()
			return models.Roadmap{}, fmt.Errorf("failed to save roadmap: %w", err)
		}
	}
	s.mu.Unlock()

	for _, m := range done {
		s.publish(ctx, events.NewMilestoneAchieved(events.MilestoneAchieved{
			UserID:             userID,
			RoadmapID:          after.ID,
			Milestone:          m,
			Message:            signal.AchievementMessage,
			ProgressPercentage: after.ProgressPercentage(),
		}))
	}
	return after, nil
}

// Toggle flips a milestone on the stored roadmap.
func (s *Service) Toggle(ctx context.Context, userID, milestoneID string) (models.Roadmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, err := s.repo.GetRoadmap(ctx, userID)
	if err != nil {
		return models.Roadmap{}, err
	}
	out, err := s.engine.Toggle(rm, milestoneID)
	if err != nil {
		return models.Roadmap{}, err
	}
	if err := s.repo.SaveRoadmap(ctx, out); err != nil {
		return models.Roadmap{}, fmt.Errorf("failed to save roadmap: %w", err)
	}
	return out, nil
}

func (s *Service) onReflectionSaved(ctx context.Context, ev events.Event) {
	p := ev.ReflectionSaved
	if p == nil || !p.Reflection.Achieved() {
		return
	}
	if _, err := s.ApplyProgress(ctx, p.UserID, *p.Reflection.MilestoneProgress); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			slog.Warn("Service.onReflectionSaved: no roadmap for user", "userID", p.UserID)
			return
		}
		slog.Error("Service.onReflectionSaved: failed to apply progress", "userID", p.UserID, "sessionID", p.Session.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, ev)
}
