package roadmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/genai"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/google/uuid"
)

// MaxMilestones bounds generated roadmaps.
const MaxMilestones = 12

var errNoGenerator = errors.New("no text generator configured")

const generatorSystemPrompt = `You are a running coach designing a progressive training roadmap.
Respond with a single JSON object and nothing else:
{
  "title": string,
  "milestones": [{"title": string, "description": string, "targetDate": "YYYY-MM-DD"}]
}
Use between 3 and 8 milestones ordered from easiest to hardest.
Each milestone title must state a measurable distance or duration condition, for example "Run 3km without stopping".`

type roadmapResponse struct {
	Title      string `json:"title"`
	Milestones []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		TargetDate  string `json:"targetDate"`
	} `json:"milestones"`
}

// Generator builds fresh roadmaps for a goal.
type Generator struct {
	gen   genai.Generator
	now   func() time.Time
	newID func() string
}

// NewGenerator creates a generator. A nil text generator always yields the fallback roadmap.
func NewGenerator(gen genai.Generator, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{gen: gen, now: now, newID: uuid.NewString}
}

// Generate asks the text generator for a roadmap. On any failure it returns the
// fallback distance ladder together with the error that caused it.
func (g *Generator) Generate(ctx context.Context, userID, goal string, targetDate *time.Time) (models.Roadmap, error) {
	rm, err := g.generate(ctx, userID, goal, targetDate)
	if err != nil {
		slog.Warn("Generator.Generate: using fallback roadmap", "userID", userID, "error", err)
		return g.Fallback(userID, goal, targetDate), err
	}
	slog.Info("Generator.Generate: roadmap generated", "userID", userID, "milestones", len(rm.Milestones))
	return rm, nil
}

func (g *Generator) generate(ctx context.Context, userID, goal string, targetDate *time.Time) (models.Roadmap, error) {
	if g.gen == nil {
		return models.Roadmap{}, errNoGenerator
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Runner's goal: %s\n", goal)
	fmt.Fprintf(&b, "Today: %s\n", g.now().Format("2006-01-02"))
	if targetDate != nil {
		fmt.Fprintf(&b, "Target date: %s\n", targetDate.Format("2006-01-02"))
	}

	raw, err := g.gen.Generate(ctx, genai.Request{SystemPrompt: generatorSystemPrompt, UserPrompt: b.String(), RequireJSON: true})
	if err != nil {
		return models.Roadmap{}, fmt.Errorf("roadmap generation failed: %w", err)
	}
	var resp roadmapResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
		return models.Roadmap{}, fmt.Errorf("failed to decode roadmap JSON: %w", err)
	}
	if strings.TrimSpace(resp.Title) == "" {
		return models.Roadmap{}, errors.New("roadmap title missing")
	}
	if len(resp.Milestones) == 0 || len(resp.Milestones) > MaxMilestones {
		return models.Roadmap{}, fmt.Errorf("roadmap must have 1 to %d milestones, got %d", MaxMilestones, len(resp.Milestones))
	}

	rm := g.newRoadmap(userID, resp.Title, goal, targetDate)
	for i, m := range resp.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return models.Roadmap{}, fmt.Errorf("milestone %d has no title", i)
		}
		ms := models.Milestone{ID: g.newID(), Title: m.Title, Description: m.Description}
		if m.TargetDate != "" {
			d, err := time.Parse("2006-01-02", m.TargetDate)
			if err != nil {
				return models.Roadmap{}, fmt.Errorf("milestone %d has invalid target date %q: %w", i, m.TargetDate, err)
			}
			ms.TargetDate = &d
		}
		rm.Milestones = append(rm.Milestones, ms)
	}
	return rm, nil
}

// Fallback returns the default 1 km / 3 km / 5 km ladder, spaced two weeks apart.
func (g *Generator) Fallback(userID, goal string, targetDate *time.Time) models.Roadmap {
	rm := g.newRoadmap(userID, "Your first 5K", goal, targetDate)
	start := g.now()
	ladder := []struct{ title, desc string }{
		{"Run 1km", "Run 1km without stopping"},
		{"Run 3km", "Run 3km without stopping"},
		{"Run 5km", "Run 5km without stopping"},
	}
	for i, step := range ladder {
		d := start.AddDate(0, 0, 14*(i+1))
		rm.Milestones = append(rm.Milestones, models.Milestone{
			ID:          g.newID(),
			Title:       step.title,
			Description: step.desc,
			TargetDate:  &d,
		})
	}
	return rm
}

func (g *Generator) newRoadmap(userID, title, goal string, targetDate *time.Time) models.Roadmap {
	now := g.now()
	rm := models.Roadmap{
		ID:        g.newID(),
		UserID:    userID,
		Title:     title,
		Goal:      goal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if targetDate != nil {
		t := *targetDate
		rm.TargetDate = &t
	}
	return rm
}
