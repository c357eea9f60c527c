package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/coordinator"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"github.com/BTreeMap/StrideCoach/internal/roadmap"
	"github.com/BTreeMap/StrideCoach/internal/workout"
)

// StatusResponse is the live workout view plus the transient banner.
type StatusResponse struct {
	workout.Snapshot
	Banner string `json:"banner,omitempty"`
}

// FixRequest is one position reading from the client.
type FixRequest struct {
	Timestamp                *time.Time `json:"timestamp,omitempty"`
	Latitude                 float64    `json:"latitude"`
	Longitude                float64    `json:"longitude"`
	HorizontalAccuracyMeters float64    `json:"horizontal_accuracy_m"`
}

// EndRequest optionally carries the calorie total measured by the client.
type EndRequest struct {
	CaloriesKcal *float64 `json:"calories_kcal,omitempty"`
}

// GenerateRoadmapRequest asks for a fresh roadmap. An empty goal uses the profile goal.
type GenerateRoadmapRequest struct {
	Goal       string `json:"goal,omitempty"`
	TargetDate string `json:"target_date,omitempty"`
}

// GenerateRoadmapResponse reports the new roadmap and whether the default ladder was used.
type GenerateRoadmapResponse struct {
	Roadmap      models.RoadmapView `json:"roadmap"`
	UsedFallback bool               `json:"used_fallback"`
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.machine != nil {
		if st := s.machine.State(); st == workout.StateActive || st == workout.StatePaused {
			snap := s.machine.Snapshot()
			s.mu.Unlock()
			slog.Warn("Server.startHandler: workout already in progress", "sessionID", snap.SessionID)
			writeJSONResponse(w, http.StatusConflict, models.APIResponse{
				Status:  string(models.APIStatusError),
				Message: "A workout is already in progress",
				Result:  snap,
			})
			return
		}
	}
	m := workout.NewMachine(s.userID, s.machineOpts...)
	m.Start()
	s.machine = m
	snap := m.Snapshot()
	s.mu.Unlock()

	slog.Info("Server.startHandler: workout started", "sessionID", snap.SessionID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workout started", snap))
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, "pause", func(m *workout.Machine) bool { return m.Pause() })
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, "resume", func(m *workout.Machine) bool { return m.Resume() })
}

// transition applies a pause/resume. Wrong-state requests are no-ops reported as "No change".
func (s *Server) transition(w http.ResponseWriter, name string, fn func(*workout.Machine) bool) {
	m := s.currentMachine()
	if m == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No change", workout.Snapshot{State: workout.StateIdle}))
		return
	}
	if !fn(m) {
		slog.Debug("Server.transition: ignored", "transition", name, "state", m.State())
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No change", m.Snapshot()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workout "+name+"d", m.Snapshot()))
}

func (s *Server) fixHandler(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if err := decodeJSONBody(r, &req); err != nil {
		slog.Warn("Server.fixHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	m := s.currentMachine()
	if m == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("No workout in progress"))
		return
	}
	fix := models.PositionFix{
		Timestamp:                time.Now(),
		Latitude:                 req.Latitude,
		Longitude:                req.Longitude,
		HorizontalAccuracyMeters: req.HorizontalAccuracyMeters,
	}
	if req.Timestamp != nil {
		fix.Timestamp = *req.Timestamp
	}
	m.IngestFix(fix)
	writeJSONResponse(w, http.StatusOK, models.Success(m.Snapshot()))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{Snapshot: workout.Snapshot{State: workout.StateIdle}, Banner: s.banner}
	if s.machine != nil {
		resp.Snapshot = s.machine.Snapshot()
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) endHandler(w http.ResponseWriter, r *http.Request) {
	var req EndRequest
	if err := decodeJSONBody(r, &req); err != nil {
		slog.Warn("Server.endHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	m := s.currentMachine()
	if m == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("No workout in progress"))
		return
	}

	calories := 0.0
	if req.CaloriesKcal != nil {
		calories = *req.CaloriesKcal
	} else {
		weight := s.profiles.WeightKg(r.Context(), s.userID)
		calories = workout.EstimateCalories(m.Snapshot().DistanceMeters, weight)
	}
	session, ok := m.End(calories)
	if !ok {
		writeJSONResponse(w, http.StatusConflict, models.Error("No workout in progress"))
		return
	}

	// The client may go away; completion still runs to the end.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.completionTimeout)
	defer cancel()
	res, err := s.coord.Complete(ctx, session)
	if err != nil {
		var perr *coordinator.PersistenceError
		if errors.As(err, &perr) {
			slog.Error("Server.endHandler: workout not fully saved", "sessionID", session.ID, "stage", perr.Stage, "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.APIResponse{
				Status:  string(models.APIStatusError),
				Message: "Workout could not be saved; retry with POST /sessions/" + session.ID + "/retry",
				Result:  res,
			})
			return
		}
		slog.Error("Server.endHandler: completion failed", "sessionID", session.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	s.showBanner("Workout saved")
	msg := "Workout saved"
	if res.UsedFallback() {
		msg = "Workout saved with offline feedback"
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, res))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	sessions, err := s.history.ListSessions(r.Context(), s.userID, limit)
	if err != nil {
		slog.Error("Server.listSessionsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.coord.Pending()))
}

func (s *Server) reflectionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	refl, err := s.history.GetReflectionBySession(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No reflection for this session"))
		return
	}
	if err != nil {
		slog.Error("Server.reflectionHandler: lookup failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load reflection"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(refl))
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.completionTimeout)
	defer cancel()
	res, err := s.coord.Retry(ctx, id)
	switch {
	case errors.Is(err, coordinator.ErrNoPendingResult):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Nothing pending for this session"))
	case err != nil:
		writeJSONResponse(w, http.StatusServiceUnavailable, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  res,
		})
	default:
		s.showBanner("Workout saved")
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workout saved", res))
	}
}

func (s *Server) roadmapHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := s.roadmaps.Current(r.Context(), s.userID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No roadmap yet"))
		return
	}
	if err != nil {
		slog.Error("Server.roadmapHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load roadmap"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rm.View()))
}

func (s *Server) generateRoadmapHandler(w http.ResponseWriter, r *http.Request) {
	var req GenerateRoadmapRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	var target *time.Time
	if req.TargetDate != "" {
		d, err := time.Parse("2006-01-02", req.TargetDate)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("target_date must be YYYY-MM-DD"))
			return
		}
		target = &d
	}
	goal := req.Goal
	if goal == "" {
		goal = s.profiles.Goal(r.Context(), s.userID)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.completionTimeout)
	defer cancel()
	rm, usedFallback, err := s.roadmaps.Regenerate(ctx, s.userID, goal, target)
	if err != nil {
		slog.Error("Server.generateRoadmapHandler: regenerate failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save roadmap"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(GenerateRoadmapResponse{Roadmap: rm.View(), UsedFallback: usedFallback}))
}

func (s *Server) toggleMilestoneHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rm, err := s.roadmaps.Toggle(r.Context(), s.userID, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("No roadmap yet"))
	case errors.Is(err, roadmap.ErrMilestoneNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Milestone not found"))
	case err != nil:
		slog.Error("Server.toggleMilestoneHandler: toggle failed", "milestoneID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update roadmap"))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(rm.View()))
	}
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.profiles.Load(r.Context(), s.userID)))
}

func (s *Server) putProfileHandler(w http.ResponseWriter, r *http.Request) {
	var p models.UserProfile
	if err := decodeJSONBody(r, &p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p.UserID = s.userID
	if err := s.profiles.Save(r.Context(), p); err != nil {
		slog.Error("Server.putProfileHandler: save failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save profile"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile saved", s.profiles.Load(r.Context(), s.userID)))
}

func (s *Server) currentMachine() *workout.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}
