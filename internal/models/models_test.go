package models

import (
	"testing"
	"time"
)

func TestRoadmapProgressPercentage(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		milestones []Milestone
		want       float64
	}{
		{name: "empty", milestones: nil, want: 0},
		{name: "none completed", milestones: []Milestone{{ID: "a"}, {ID: "b"}}, want: 0},
		{name: "one of four", milestones: []Milestone{{ID: "a", Completed: true, CompletedAt: &now}, {ID: "b"}, {ID: "c"}, {ID: "d"}}, want: 25},
		{name: "all", milestones: []Milestone{{ID: "a", Completed: true, CompletedAt: &now}}, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Roadmap{UserID: "u", Milestones: tt.milestones}
			if got := r.ProgressPercentage(); got != tt.want {
				t.Errorf("ProgressPercentage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoadmapProgressPercentageThirds(t *testing.T) {
	now := time.Now()
	r := Roadmap{UserID: "u", Milestones: []Milestone{{ID: "a", Completed: true, CompletedAt: &now}, {ID: "b"}, {ID: "c"}}}
	want := 100.0 * 1 / 3
	if got := r.ProgressPercentage(); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCurrentMilestoneReturnsFirstUncompleted(t *testing.T) {
	now := time.Now()
	r := Roadmap{Milestones: []Milestone{{ID: "a", Completed: true, CompletedAt: &now}, {ID: "b"}, {ID: "c"}}}
	m, ok := r.CurrentMilestone()
	if !ok || m.ID != "b" {
		t.Fatalf("expected milestone b, got %+v (ok=%v)", m, ok)
	}

	r.Milestones[1].Completed = true
	r.Milestones[1].CompletedAt = &now
	r.Milestones[2].Completed = true
	r.Milestones[2].CompletedAt = &now
	if _, ok := r.CurrentMilestone(); ok {
		t.Error("expected no current milestone when all are completed")
	}
}

func TestMilestoneValidateInvariant(t *testing.T) {
	now := time.Now()
	if err := (Milestone{ID: "a", Completed: true}).Validate(); err != ErrMilestoneInvariant {
		t.Errorf("expected invariant error for completed without time, got %v", err)
	}
	if err := (Milestone{ID: "a", CompletedAt: &now}).Validate(); err != ErrMilestoneInvariant {
		t.Errorf("expected invariant error for time without completed, got %v", err)
	}
	if err := (Milestone{ID: "a", Completed: true, CompletedAt: &now}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRoadmapCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	orig := Roadmap{UserID: "u", Milestones: []Milestone{{ID: "a", Completed: true, CompletedAt: &now}}}
	c := orig.Clone()
	c.Milestones[0].Completed = false
	c.Milestones[0].CompletedAt = nil
	if !orig.Milestones[0].Completed || orig.Milestones[0].CompletedAt == nil {
		t.Error("clone mutated the original roadmap")
	}
}

func TestWithPerceivedExertionReturnsCopy(t *testing.T) {
	end := time.Now()
	s := WorkoutSession{ID: "s1", UserID: "u", EndTime: &end, DurationSeconds: 60}
	enriched := s.WithPerceivedExertion(6)
	if s.PerceivedExertion != nil {
		t.Error("original session was mutated")
	}
	if enriched.PerceivedExertion == nil || *enriched.PerceivedExertion != 6 {
		t.Errorf("expected exertion 6, got %v", enriched.PerceivedExertion)
	}
	if enriched.EndTime == s.EndTime {
		t.Error("expected end time pointer to be copied")
	}
}

func TestWorkoutSessionValidate(t *testing.T) {
	bad := 11
	tests := []struct {
		name    string
		session WorkoutSession
		want    error
	}{
		{"ok", WorkoutSession{UserID: "u"}, nil},
		{"no user", WorkoutSession{}, ErrEmptyUserID},
		{"negative duration", WorkoutSession{UserID: "u", DurationSeconds: -1}, ErrNegativeDuration},
		{"negative distance", WorkoutSession{UserID: "u", DistanceMeters: -1}, ErrNegativeDistance},
		{"negative calories", WorkoutSession{UserID: "u", CaloriesKcal: -1}, ErrNegativeCalories},
		{"bad exertion", WorkoutSession{UserID: "u", PerceivedExertion: &bad}, ErrExertionOutOfRange},
	}
	for _, tt := range tests {
		if got := tt.session.Validate(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestSessionPace(t *testing.T) {
	s := WorkoutSession{DurationSeconds: 600, DistanceMeters: 2000}
	pace, ok := s.PaceMinPerKm()
	if !ok || pace != 5 {
		t.Errorf("expected 5 min/km, got %v (ok=%v)", pace, ok)
	}
	if _, ok := (WorkoutSession{DurationSeconds: 600}).PaceMinPerKm(); ok {
		t.Error("pace must be undefined for zero distance")
	}
}
