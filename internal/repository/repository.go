// Package repository maps StrideCoach models onto a store.RecordStore.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/store"
)

// Table names.
const (
	TableSessions    = "workout_sessions"
	TableReflections = "workout_reflections"
	TableRoadmaps    = "roadmaps"
	TableProfiles    = "profiles"
)

// sortableTime keeps lexical order equal to chronological order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when the requested entity does not exist.
// A session without a reflection is an accepted state, so callers test for it with errors.Is.
var ErrNotFound = errors.New("not found")

// OpError describes a failed repository operation.
type OpError struct {
	Op       string
	Resource string
	ID       string
	Err      error
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func wrapErr(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		err = ErrNotFound
	}
	return &OpError{Op: op, Resource: resource, ID: id, Err: err}
}

// SessionRepository persists workout sessions.
type SessionRepository interface {
	SaveSession(ctx context.Context, s models.WorkoutSession) error
	GetSession(ctx context.Context, id string) (models.WorkoutSession, error)
	// ListSessions returns the user's sessions, newest first. limit 0 returns all.
	ListSessions(ctx context.Context, userID string, limit int) ([]models.WorkoutSession, error)
}

// ReflectionRepository persists reflections, one per session.
type ReflectionRepository interface {
	SaveReflection(ctx context.Context, r models.WorkoutReflection) error
	GetReflectionBySession(ctx context.Context, sessionID string) (models.WorkoutReflection, error)
}

// RoadmapRepository persists the user's current roadmap.
type RoadmapRepository interface {
	SaveRoadmap(ctx context.Context, r models.Roadmap) error
	GetRoadmap(ctx context.Context, userID string) (models.Roadmap, error)
}

// ProfileRepository persists user profiles.
type ProfileRepository interface {
	SaveProfile(ctx context.Context, p models.UserProfile) error
	GetProfile(ctx context.Context, userID string) (models.UserProfile, error)
}

// Repository implements every repository interface over one record store.
type Repository struct {
	store store.RecordStore
}

// New creates a Repository.
func New(s store.RecordStore) *Repository {
	return &Repository{store: s}
}

func (r *Repository) SaveSession(ctx context.Context, s models.WorkoutSession) error {
	if err := s.Validate(); err != nil {
		return wrapErr("save", "session", s.ID, err)
	}
	rec, err := newRecord(s.ID, s.CreatedAt, s, map[string]string{
		"user_id":    s.UserID,
		"start_time": s.StartTime.UTC().Format(sortableTime),
	})
	if err != nil {
		return wrapErr("save", "session", s.ID, err)
	}
	if err := r.store.Upsert(ctx, TableSessions, rec); err != nil {
		slog.Error("Repository.SaveSession: upsert failed", "sessionID", s.ID, "error", err)
		return wrapErr("save", "session", s.ID, err)
	}
	slog.Debug("Repository.SaveSession: saved", "sessionID", s.ID, "userID", s.UserID)
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (models.WorkoutSession, error) {
	var s models.WorkoutSession
	if err := r.get(ctx, TableSessions, store.Filter{store.FieldID: id}, &s); err != nil {
		return models.WorkoutSession{}, wrapErr("get", "session", id, err)
	}
	return s, nil
}

func (r *Repository) ListSessions(ctx context.Context, userID string, limit int) ([]models.WorkoutSession, error) {
	recs, err := r.store.List(ctx, TableSessions, store.Query{
		Filter:  store.Filter{"user_id": userID},
		OrderBy: "start_time",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		slog.Error("Repository.ListSessions: list failed", "userID", userID, "error", err)
		return nil, wrapErr("list", "sessions", userID, err)
	}
	out := make([]models.WorkoutSession, 0, len(recs))
	for _, rec := range recs {
		var s models.WorkoutSession
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return nil, wrapErr("list", "sessions", userID, fmt.Errorf("failed to decode session %s: %w", rec.ID, err))
		}
		out = append(out, s)
	}
	return out, nil
}

// SaveReflection stores the reflection keyed by its session, so saving again replaces it.
func (r *Repository) SaveReflection(ctx context.Context, refl models.WorkoutReflection) error {
	if err := refl.Validate(); err != nil {
		return wrapErr("save", "reflection", refl.ID, err)
	}
	rec, err := newRecord(refl.WorkoutSessionID, refl.CreatedAt, refl, map[string]string{
		"reflection_id": refl.ID,
		"source":        string(refl.Source),
	})
	if err != nil {
		return wrapErr("save", "reflection", refl.ID, err)
	}
	if err := r.store.Upsert(ctx, TableReflections, rec); err != nil {
		slog.Error("Repository.SaveReflection: upsert failed", "sessionID", refl.WorkoutSessionID, "error", err)
		return wrapErr("save", "reflection", refl.ID, err)
	}
	slog.Debug("Repository.SaveReflection: saved", "reflectionID", refl.ID, "sessionID", refl.WorkoutSessionID)
	return nil
}

func (r *Repository) GetReflectionBySession(ctx context.Context, sessionID string) (models.WorkoutReflection, error) {
	var refl models.WorkoutReflection
	if err := r.get(ctx, TableReflections, store.Filter{store.FieldID: sessionID}, &refl); err != nil {
		return models.WorkoutReflection{}, wrapErr("get", "reflection", sessionID, err)
	}
	return refl, nil
}

// SaveRoadmap stores the user's roadmap, replacing any previous one.
func (r *Repository) SaveRoadmap(ctx context.Context, rm models.Roadmap) error {
	if err := rm.Validate(); err != nil {
		return wrapErr("save", "roadmap", rm.ID, err)
	}
	rec, err := newRecord(rm.UserID, rm.CreatedAt, rm, map[string]string{"roadmap_id": rm.ID})
	if err != nil {
		return wrapErr("save", "roadmap", rm.ID, err)
	}
	rec.UpdatedAt = rm.UpdatedAt
	if err := r.store.Upsert(ctx, TableRoadmaps, rec); err != nil {
		slog.Error("Repository.SaveRoadmap: upsert failed", "userID", rm.UserID, "error", err)
		return wrapErr("save", "roadmap", rm.ID, err)
	}
	slog.Debug("Repository.SaveRoadmap: saved", "roadmapID", rm.ID, "userID", rm.UserID,
		"completed", rm.CompletedCount(), "milestones", len(rm.Milestones))
	return nil
}

func (r *Repository) GetRoadmap(ctx context.Context, userID string) (models.Roadmap, error) {
	var rm models.Roadmap
	if err := r.get(ctx, TableRoadmaps, store.Filter{store.FieldID: userID}, &rm); err != nil {
		return models.Roadmap{}, wrapErr("get", "roadmap", userID, err)
	}
	return rm, nil
}

func (r *Repository) SaveProfile(ctx context.Context, p models.UserProfile) error {
	if p.UserID == "" {
		return wrapErr("save", "profile", "", models.ErrEmptyUserID)
	}
	rec, err := newRecord(p.UserID, time.Time{}, p, nil)
	if err != nil {
		return wrapErr("save", "profile", p.UserID, err)
	}
	if err := r.store.Upsert(ctx, TableProfiles, rec); err != nil {
		slog.Error("Repository.SaveProfile: upsert failed", "userID", p.UserID, "error", err)
		return wrapErr("save", "profile", p.UserID, err)
	}
	return nil
}

func (r *Repository) GetProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	var p models.UserProfile
	if err := r.get(ctx, TableProfiles, store.Filter{store.FieldID: userID}, &p); err != nil {
		return models.UserProfile{}, wrapErr("get", "profile", userID, err)
	}
	return p, nil
}

func (r *Repository) get(ctx context.Context, table string, filter store.Filter, out interface{}) error {
	rec, err := r.store.Get(ctx, table, filter)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Repository.get: lookup failed", "table", table, "error", err)
		}
		return err
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s record %s: %w", table, rec.ID, err)
	}
	return nil
}

func newRecord(id string, created time.Time, v interface{}, index map[string]string) (store.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode record: %w", err)
	}
	return store.Record{ID: id, Index: index, Data: data, CreatedAt: created}, nil
}
