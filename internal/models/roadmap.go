package models

import (
	"errors"
	"time"
)

var (
	ErrMilestoneInvariant = errors.New("milestone completed flag and completion time disagree")
	ErrEmptyMilestoneID   = errors.New("milestone id cannot be empty")
)

// Milestone is a single dated sub-goal within a roadmap.
// Completed is true exactly when CompletedAt is set.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the completed/completedAt invariant.
func (m Milestone) Validate() error {
	if m.ID == "" {
		return ErrEmptyMilestoneID
	}
	if m.Completed != (m.CompletedAt != nil) {
		return ErrMilestoneInvariant
	}
	return nil
}

// Roadmap is an ordered collection of milestones toward a running goal.
type Roadmap struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Title      string      `json:"title"`
	Goal       string      `json:"goal"`
	TargetDate *time.Time  `json:"target_date,omitempty"`
	Milestones []Milestone `json:"milestones"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CompletedCount returns the number of completed milestones.
func (r Roadmap) CompletedCount() int {
	n := 0
	for _, m := range r.Milestones {
		if m.Completed {
			n++
		}
	}
	return n
}

// ProgressPercentage is derived on every read: 0 for an empty roadmap, otherwise 100*K/N.
func (r Roadmap) ProgressPercentage() float64 {
	if len(r.Milestones) == 0 {
		return 0
	}
	return float64(100*r.CompletedCount()) / float64(len(r.Milestones))
}

// CurrentMilestone returns the first uncompleted milestone in roadmap order.
func (r Roadmap) CurrentMilestone() (Milestone, bool) {
	for _, m := range r.Milestones {
		if !m.Completed {
			return m, true
		}
	}
	return Milestone{}, false
}

// IndexOf returns the position of the milestone with the given id, or -1.
func (r Roadmap) IndexOf(milestoneID string) int {
	for i, m := range r.Milestones {
		if m.ID == milestoneID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so engine operations never alias the caller's slice.
func (r Roadmap) Clone() Roadmap {
	out := r
	if r.TargetDate != nil {
		t := *r.TargetDate
		out.TargetDate = &t
	}
	out.Milestones = make([]Milestone, len(r.Milestones))
	for i, m := range r.Milestones {
		c := m
		if m.TargetDate != nil {
			t := *m.TargetDate
			c.TargetDate = &t
		}
		if m.CompletedAt != nil {
			t := *m.CompletedAt
			c.CompletedAt = &t
		}
		out.Milestones[i] = c
	}
	return out
}

// Validate checks every milestone invariant.
func (r Roadmap) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	for _, m := range r.Milestones {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RoadmapView is the read model handed to the presentation layer.
type RoadmapView struct {
	Roadmap
	CompletedCount     int     `json:"completed_count"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// View computes the derived attributes for display.
func (r Roadmap) View() RoadmapView {
	return RoadmapView{
		Roadmap:            r,
		CompletedCount:     r.CompletedCount(),
		ProgressPercentage: r.ProgressPercentage(),
	}
}
