// Package models defines the core data structures for StrideCoach.
//
// It includes workout sessions, reflections, roadmaps and milestones, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Exertion bounds for RPE values.
const (
	MinExertion = 1
	MaxExertion = 10
)

// ReflectionSource records which path produced a reflection.
type ReflectionSource string

const (
	// ReflectionSourceAI marks reflections produced by the text-generation capability.
	ReflectionSourceAI ReflectionSource = "ai"
	// ReflectionSourceFallback marks reflections produced by the rule-based generator.
	ReflectionSourceFallback ReflectionSource = "fallback"
)

var (
	ErrEmptyUserID        = errors.New("user id cannot be empty")
	ErrNegativeDuration   = errors.New("duration cannot be negative")
	ErrNegativeDistance   = errors.New("distance cannot be negative")
	ErrNegativeCalories   = errors.New("calories cannot be negative")
	ErrExertionOutOfRange = errors.New("perceived exertion must be between 1 and 10")
	ErrSessionNotFinal    = errors.New("session has no end time")
	ErrMissingSessionRef  = errors.New("reflection must reference a workout session")
)

// PositionFix is a single timestamped position reading. Never persisted.
type PositionFix struct {
	Timestamp                time.Time `json:"timestamp"`
	Latitude                 float64   `json:"latitude"`
	Longitude                float64   `json:"longitude"`
	HorizontalAccuracyMeters float64   `json:"horizontal_accuracy_m"`
}

// TrackerState is the distance tracker's internal state.
type TrackerState struct {
	LastAcceptedFix          *PositionFix `json:"last_accepted_fix,omitempty"`
	CumulativeDistanceMeters float64      `json:"cumulative_distance_m"`
}

// WorkoutSession is a single workout. It is treated as immutable once EndTime is set;
// use the With* helpers to derive enriched copies.
type WorkoutSession struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	DurationSeconds   int64      `json:"duration_seconds"`
	DistanceMeters    float64    `json:"distance_m"`
	CaloriesKcal      float64    `json:"calories_kcal"`
	PerceivedExertion *int       `json:"perceived_exertion,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsFinal reports whether the session has been ended.
func (s WorkoutSession) IsFinal() bool {
	return s.EndTime != nil
}

// DistanceKm returns the distance in kilometers.
func (s WorkoutSession) DistanceKm() float64 {
	return s.DistanceMeters / 1000
}

// DurationMinutes returns the active duration in minutes.
func (s WorkoutSession) DurationMinutes() float64 {
	return float64(s.DurationSeconds) / 60
}

// PaceMinPerKm returns the average pace, or ok=false when no distance was covered.
func (s WorkoutSession) PaceMinPerKm() (pace float64, ok bool) {
	if s.DistanceMeters <= 0 {
		return 0, false
	}
	return s.DurationMinutes() / s.DistanceKm(), true
}

// WithPerceivedExertion returns a copy of the session carrying the given exertion.
func (s WorkoutSession) WithPerceivedExertion(rpe int) WorkoutSession {
	out := s
	v := rpe
	out.PerceivedExertion = &v
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}

// Validate checks the session's value constraints.
func (s WorkoutSession) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if s.DurationSeconds < 0 {
		return ErrNegativeDuration
	}
	if s.DistanceMeters < 0 {
		return ErrNegativeDistance
	}
	if s.CaloriesKcal < 0 {
		return ErrNegativeCalories
	}
	if s.PerceivedExertion != nil && !ValidExertion(*s.PerceivedExertion) {
		return ErrExertionOutOfRange
	}
	return nil
}

// ValidExertion reports whether rpe is within [1,10].
func ValidExertion(rpe int) bool {
	return rpe >= MinExertion && rpe <= MaxExertion
}

// MilestoneProgressSignal is the achieved-milestone decision attached to a reflection.
type MilestoneProgressSignal struct {
	MilestoneID        string `json:"milestone_id,omitempty"`
	Achieved           bool   `json:"achieved"`
	AchievementMessage string `json:"achievement_message"`
}

// WorkoutReflection is the narrative assessment of one session. Created once, never mutated.
type WorkoutReflection struct {
	ID                string                   `json:"id"`
	WorkoutSessionID  string                   `json:"workout_session_id"`
	EstimatedExertion int                      `json:"estimated_exertion"`
	NarrativeText     string                   `json:"narrative_text"`
	AdviceText        string                   `json:"advice_text"`
	MilestoneProgress *MilestoneProgressSignal `json:"milestone_progress,omitempty"`
	Source            ReflectionSource         `json:"source"`
	CreatedAt         time.Time                `json:"created_at"`
}

// Validate checks the reflection's value constraints.
func (r WorkoutReflection) Validate() error {
	if r.WorkoutSessionID == "" {
		return ErrMissingSessionRef
	}
	if !ValidExertion(r.EstimatedExertion) {
		return ErrExertionOutOfRange
	}
	return nil
}

// Achieved reports whether the reflection carries an achieved milestone signal.
func (r WorkoutReflection) Achieved() bool {
	return r.MilestoneProgress != nil && r.MilestoneProgress.Achieved
}
