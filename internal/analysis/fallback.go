package analysis

import (
	"fmt"

	"github.com/BTreeMap/StrideCoach/internal/models"
)

// FallbackRPE picks the exertion estimate by distance bracket.
func FallbackRPE(distanceMeters float64) int {
	switch {
	case distanceMeters < 1000:
		return 4
	case distanceMeters < 3000:
		return 5
	case distanceMeters < 5000:
		return 6
	default:
		return 7
	}
}

// Fallback builds the deterministic reflection used when no real analysis is available.
// It never reports a milestone as achieved. ID and CreatedAt are left for the caller.
func Fallback(session models.WorkoutSession) models.WorkoutReflection {
	return models.WorkoutReflection{
		WorkoutSessionID:  session.ID,
		EstimatedExertion: FallbackRPE(session.DistanceMeters),
		NarrativeText: fmt.Sprintf("Nice work! You covered %.2f km in %.1f minutes. Every run builds the habit.",
			session.DistanceKm(), session.DurationMinutes()),
		AdviceText: "Keep an easy, conversational pace on your next run and remember to hydrate and stretch.",
		MilestoneProgress: &models.MilestoneProgressSignal{
			Achieved: false,
		},
		Source: models.ReflectionSourceFallback,
	}
}
