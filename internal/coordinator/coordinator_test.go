package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/analysis"
	"github.com/BTreeMap/StrideCoach/internal/events"
	"github.com/BTreeMap/StrideCoach/internal/genai"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"github.com/BTreeMap/StrideCoach/internal/roadmap"
	"github.com/BTreeMap/StrideCoach/internal/store"
	"github.com/BTreeMap/StrideCoach/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

// flakyStore fails upserts into one table while failTable is set.
type flakyStore struct {
	*store.InMemoryStore
	mu        sync.Mutex
	failTable string
	upserts   map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: store.NewInMemoryStore(), upserts: map[string]int{}}
}

func (f *flakyStore) setFail(table string) {
	f.mu.Lock()
	f.failTable = table
	f.mu.Unlock()
}

func (f *flakyStore) Upsert(ctx context.Context, table string, rec store.Record) error {
	f.mu.Lock()
	f.upserts[table]++
	fail := f.failTable == table
	f.mu.Unlock()
	if fail {
		return errors.New("store unreachable")
	}
	return f.InMemoryStore.Upsert(ctx, table, rec)
}

func (f *flakyStore) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[table]
}

type fakeGenerator struct {
	resp string
	err  error
}

func (f *fakeGenerator) Generate(ctx context.Context, req genai.Request) (string, error) {
	return f.resp, f.err
}

type staticGoal string

func (g staticGoal) Goal(ctx context.Context, userID string) string { return string(g) }

func endedSession(id string, distance float64, seconds int64) models.WorkoutSession {
	return testutil.FinishedSession(id, "user-1", t0, distance, seconds)
}

func newTestCoordinator(gen genai.Generator, opts ...Option) (*Coordinator, *flakyStore, *repository.Repository) {
	fs := newFlakyStore()
	repo := repository.New(fs)
	pipeline := analysis.NewPipeline(gen, analysis.WithNow(func() time.Time { return t0 }))
	return New(pipeline, repo, repo, opts...), fs, repo
}

func TestComplete_FallbackWithoutCapability(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.KindReflectionSaved, 4)
	c, _, repo := newTestCoordinator(nil, WithBus(bus))
	ctx := context.Background()

	res, err := c.Complete(ctx, endedSession("s1", 400, 300))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !res.UsedFallback() || !analysis.IsKind(res.AnalysisError, analysis.KindUnconfigured) {
		t.Errorf("expected unconfigured fallback, got %+v", res)
	}
	if res.Reflection.EstimatedExertion != 4 || res.Reflection.Achieved() {
		t.Errorf("unexpected reflection: %+v", res.Reflection)
	}
	if res.Session.PerceivedExertion == nil || *res.Session.PerceivedExertion != 4 {
		t.Errorf("expected session enriched with exertion 4, got %v", res.Session.PerceivedExertion)
	}

	stored, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.PerceivedExertion == nil || *stored.PerceivedExertion != 4 {
		t.Errorf("stored session missing exertion: %+v", stored)
	}
	if _, err := repo.GetReflectionBySession(ctx, "s1"); err != nil {
		t.Errorf("expected stored reflection, got %v", err)
	}
	select {
	case ev := <-sub.C:
		if ev.ReflectionSaved.Reflection.WorkoutSessionID != "s1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Error("expected ReflectionSaved event")
	}
	if len(c.Pending()) != 0 {
		t.Error("expected nothing pending")
	}
}

func TestComplete_ReflectionWriteFailureLeavesSessionWithoutReflection(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.KindReflectionSaved, 4)
	c, fs, repo := newTestCoordinator(nil, WithBus(bus))
	ctx := context.Background()
	fs.setFail(repository.TableReflections)

	res, err := c.Complete(ctx, endedSession("s1", 2500, 900))
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Stage != StageReflection {
		t.Fatalf("expected reflection PersistenceError, got %v", err)
	}
	if !res.SessionSaved || res.ReflectionSaved {
		t.Errorf("unexpected write flags: %+v", res)
	}

	if _, err := repo.GetSession(ctx, "s1"); err != nil {
		t.Errorf("expected stored session, got %v", err)
	}
	if _, err := repo.GetReflectionBySession(ctx, "s1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected not-found for missing reflection, got %v", err)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("no event expected after a failed write, got %+v", ev)
	default:
	}

	pending := c.Pending()
	if len(pending) != 1 || pending[0].Session.ID != "s1" {
		t.Fatalf("expected s1 pending, got %+v", pending)
	}

	fs.setFail("")
	res, err = c.Retry(ctx, "s1")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !res.ReflectionSaved {
		t.Error("expected reflection saved after retry")
	}
	if n := fs.count(repository.TableSessions); n != 1 {
		t.Errorf("session must not be written again on retry, got %d writes", n)
	}
	if _, err := repo.GetReflectionBySession(ctx, "s1"); err != nil {
		t.Errorf("expected reflection after retry, got %v", err)
	}
	if len(c.Pending()) != 0 {
		t.Error("expected pending result to be cleared")
	}
	select {
	case <-sub.C:
	default:
		t.Error("expected ReflectionSaved after successful retry")
	}
}

func TestComplete_SessionWriteFailure(t *testing.T) {
	c, fs, repo := newTestCoordinator(nil)
	ctx := context.Background()
	fs.setFail(repository.TableSessions)

	_, err := c.Complete(ctx, endedSession("s1", 1000, 400))
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Stage != StageSession || perr.SessionID != "s1" {
		t.Fatalf("expected session PersistenceError, got %v", err)
	}
	if fs.count(repository.TableReflections) != 0 {
		t.Error("reflection must not be written when the session write fails")
	}

	fs.setFail("")
	if _, err := c.Retry(ctx, "s1"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, err := repo.GetReflectionBySession(ctx, "s1"); err != nil {
		t.Errorf("expected reflection after retry, got %v", err)
	}
}

func TestRetry_UnknownSession(t *testing.T) {
	c, _, _ := newTestCoordinator(nil)
	if _, err := c.Retry(context.Background(), "nope"); !errors.Is(err, ErrNoPendingResult) {
		t.Errorf("expected ErrNoPendingResult, got %v", err)
	}
}

func TestComplete_RejectsUnfinishedSession(t *testing.T) {
	c, _, _ := newTestCoordinator(nil)
	s := endedSession("s1", 100, 60)
	s.EndTime = nil
	if _, err := c.Complete(context.Background(), s); !errors.Is(err, models.ErrSessionNotFinal) {
		t.Errorf("expected ErrSessionNotFinal, got %v", err)
	}
}

func TestComplete_AchievedMilestoneFlowsToRoadmap(t *testing.T) {
	ctx := context.Background()
	fs := newFlakyStore()
	repo := repository.New(fs)
	bus := events.NewBus()

	svc := roadmap.NewService(repo, roadmap.NewEngine(func() time.Time { return t0 }), roadmap.NewGenerator(nil, nil), bus)
	svc.Attach(bus)
	if err := repo.SaveRoadmap(ctx, models.Roadmap{
		ID:     "rm-1",
		UserID: "user-1",
		Title:  "はじめての5km",
		Milestones: []models.Milestone{
			{ID: "m1", Title: "1kmを走りきる", Description: "1kmを走りきる"},
			{ID: "m2", Title: "3kmを走りきる"},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("SaveRoadmap failed: %v", err)
	}

	gen := &fakeGenerator{resp: `{"estimatedRPE":5,"reflection":"よく頑張りました","suggestions":"ストレッチを","milestoneProgress":{"isAchieved":true,"achievementMessage":"1km達成！"}}`}
	pipeline := analysis.NewPipeline(gen)
	c := New(pipeline, repo, repo, WithBus(bus), WithMilestoneSource(svc), WithGoalSource(staticGoal("5kmを走る")))

	res, err := c.Complete(ctx, endedSession("s1", 1000, 420))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.UsedFallback() || res.Reflection.MilestoneProgress.MilestoneID != "m1" {
		t.Fatalf("expected AI reflection targeting m1, got %+v", res.Reflection)
	}

	rm, err := svc.Current(ctx, "user-1")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if !rm.Milestones[0].Completed || rm.Milestones[0].CompletedAt == nil || rm.Milestones[1].Completed {
		t.Errorf("expected only m1 completed, got %+v", rm.Milestones)
	}
	if rm.ProgressPercentage() != 50 {
		t.Errorf("expected 50%% progress, got %v", rm.ProgressPercentage())
	}
}
