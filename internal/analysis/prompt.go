package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
)

// recentWindow bounds the rolling history aggregate.
const recentWindow = 7 * 24 * time.Hour

const systemPrompt = `You are a supportive running coach reviewing one completed workout.
Respond with a single JSON object and nothing else, using exactly these fields:
{
  "estimatedRPE": integer from 1 to 10,
  "reflection": string,
  "suggestions": string,
  "milestoneProgress": {"isAchieved": boolean, "achievementMessage": string}
}

Milestone achievement policy:
- Set isAchieved to true only if the session's distance or duration meets an explicit, literal
  condition stated in the current milestone's title or description
  (for example "run 1km" is achieved only when distance >= 1000 m).
- If the milestone has no measurable condition, the condition is ambiguous, or no milestone is given,
  set isAchieved to false.
- achievementMessage congratulates the runner when achieved and is empty otherwise.`

// Aggregate summarizes prior sessions in the rolling window.
type Aggregate struct {
	Count           int
	TotalDistanceKm float64
}

// RecentAggregate counts sessions that started within the 7 days before session started.
// The session itself is excluded.
func RecentAggregate(session models.WorkoutSession, recent []models.WorkoutSession) Aggregate {
	var agg Aggregate
	from := session.StartTime.Add(-recentWindow)
	for _, r := range recent {
		if r.ID == session.ID {
			continue
		}
		if r.StartTime.Before(from) || !r.StartTime.Before(session.StartTime) {
			continue
		}
		agg.Count++
		agg.TotalDistanceKm += r.DistanceKm()
	}
	return agg
}

// BuildUserPrompt renders the workout, goal, milestone and history context.
func BuildUserPrompt(session models.WorkoutSession, goal string, current *models.Milestone, recent []models.WorkoutSession) string {
	var b strings.Builder
	b.WriteString("Workout summary:\n")
	fmt.Fprintf(&b, "- Distance: %.2f km\n", session.DistanceKm())
	fmt.Fprintf(&b, "- Duration: %.1f minutes\n", session.DurationMinutes())
	if pace, ok := session.PaceMinPerKm(); ok {
		fmt.Fprintf(&b, "- Average pace: %.2f min/km\n", pace)
	} else {
		b.WriteString("- Average pace: n/a\n")
	}
	fmt.Fprintf(&b, "- Calories: %.0f kcal\n", session.CaloriesKcal)

	fmt.Fprintf(&b, "\nRunner's goal: %s\n", goal)

	if current != nil {
		fmt.Fprintf(&b, "\nCurrent milestone: %s\n", current.Title)
		if current.Description != "" {
			fmt.Fprintf(&b, "Milestone details: %s\n", current.Description)
		}
	} else {
		b.WriteString("\nCurrent milestone: none\n")
	}

	agg := RecentAggregate(session, recent)
	fmt.Fprintf(&b, "\nLast 7 days: %d workouts, %.2f km total\n", agg.Count, agg.TotalDistanceKm)
	return b.String()
}
