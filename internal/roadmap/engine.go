// Package roadmap applies milestone progress to a user's roadmap and generates new roadmaps.
package roadmap

import (
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
)

// ErrMilestoneNotFound is returned by Toggle for an unknown milestone id.
var ErrMilestoneNotFound = errors.New("milestone not found")

// Engine holds the milestone progression rules. Its operations never mutate their input.
type Engine struct {
	now func() time.Time
}

// NewEngine creates an engine. A nil clock uses time.Now.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// ApplyProgress marks the signalled milestone completed.
// A signal that is not achieved, or that names an unknown milestone, leaves the roadmap unchanged.
// Without a milestone id the first uncompleted milestone is targeted. Reapplying is a no-op.
func (e *Engine) ApplyProgress(rm models.Roadmap, signal models.MilestoneProgressSignal) models.Roadmap {
	out := rm.Clone()
	if !signal.Achieved {
		return out
	}

	idx := -1
	if signal.MilestoneID != "" {
		idx = out.IndexOf(signal.MilestoneID)
		if idx < 0 {
			slog.Warn("Engine.ApplyProgress: unknown milestone", "roadmapID", rm.ID, "milestoneID", signal.MilestoneID)
			return out
		}
	} else {
		for i, m := range out.Milestones {
			if !m.Completed {
				idx = i
				break
			}
		}
		if idx < 0 {
			return out
		}
	}

	m := &out.Milestones[idx]
	if m.Completed {
		return out
	}
	now := e.now()
	m.Completed = true
	m.CompletedAt = &now
	out.UpdatedAt = now
	slog.Info("Engine.ApplyProgress: milestone completed", "roadmapID", rm.ID, "milestoneID", m.ID,
		"progress", out.ProgressPercentage())
	return out
}

// Toggle flips a milestone's completion for manual correction.
func (e *Engine) Toggle(rm models.Roadmap, milestoneID string) (models.Roadmap, error) {
	out := rm.Clone()
	idx := out.IndexOf(milestoneID)
	if idx < 0 {
		return rm, ErrMilestoneNotFound
	}
	now := e.now()
	m := &out.Milestones[idx]
	if m.Completed {
		m.Completed = false
		m.CompletedAt = nil
	} else {
		m.Completed = true
		m.CompletedAt = &now
	}
	out.UpdatedAt = now
	slog.Info("Engine.Toggle: milestone toggled", "roadmapID", rm.ID, "milestoneID", milestoneID, "completed", m.Completed)
	return out, nil
}

// Completed returns the milestones that are completed in after but not in before.
func Completed(before, after models.Roadmap) []models.Milestone {
	var out []models.Milestone
	for _, m := range after.Milestones {
		if !m.Completed {
			continue
		}
		if i := before.IndexOf(m.ID); i >= 0 && before.Milestones[i].Completed {
			continue
		}
		out = append(out, m)
	}
	return out
}
