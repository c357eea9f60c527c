// Package api exposes the workout lifecycle, history and roadmap over HTTP.
//
// One Server drives at most one live workout at a time; a new workout.Machine is
// created for every started workout.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/coordinator"
	"github.com/BTreeMap/StrideCoach/internal/notify"
	"github.com/BTreeMap/StrideCoach/internal/profile"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"github.com/BTreeMap/StrideCoach/internal/roadmap"
	"github.com/BTreeMap/StrideCoach/internal/workout"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultBannerDuration is how long the "saved" banner stays in the status response.
	DefaultBannerDuration = 3 * time.Second
	// DefaultCompletionTimeout bounds analysis plus persistence after a workout ends.
	DefaultCompletionTimeout = 60 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// History is the read side used by the session endpoints.
type History interface {
	repository.SessionRepository
	repository.ReflectionRepository
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr              string
	UserID            string
	Timer             *notify.Timer
	BannerDuration    time.Duration
	CompletionTimeout time.Duration
	MachineOptions    []workout.Option
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithUserID sets the single user this device serves.
func WithUserID(id string) Option {
	return func(o *Opts) { o.UserID = id }
}

// WithTimer sets the timer used for the banner auto-hide.
func WithTimer(t *notify.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithBannerDuration overrides DefaultBannerDuration.
func WithBannerDuration(d time.Duration) Option {
	return func(o *Opts) { o.BannerDuration = d }
}

// WithCompletionTimeout overrides DefaultCompletionTimeout.
func WithCompletionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CompletionTimeout = d }
}

// WithMachineOptions passes options to every workout.Machine the server creates.
func WithMachineOptions(opts ...workout.Option) Option {
	return func(o *Opts) { o.MachineOptions = append(o.MachineOptions, opts...) }
}

// Server holds the HTTP handlers and the live workout.
type Server struct {
	coord    *coordinator.Coordinator
	history  History
	roadmaps *roadmap.Service
	profiles *profile.Service

	addr              string
	userID            string
	timer             *notify.Timer
	bannerDuration    time.Duration
	completionTimeout time.Duration
	machineOpts       []workout.Option

	mu       sync.Mutex
	machine  *workout.Machine
	banner   string
	bannerID string
}

// NewServer creates a Server.
func NewServer(coord *coordinator.Coordinator, history History, roadmaps *roadmap.Service, profiles *profile.Service, opts ...Option) *Server {
	cfg := Opts{
		Addr:              DefaultAddr,
		UserID:            "default",
		BannerDuration:    DefaultBannerDuration,
		CompletionTimeout: DefaultCompletionTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timer == nil {
		cfg.Timer = notify.NewTimer()
	}
	return &Server{
		coord:             coord,
		history:           history,
		roadmaps:          roadmaps,
		profiles:          profiles,
		addr:              cfg.Addr,
		userID:            cfg.UserID,
		timer:             cfg.Timer,
		bannerDuration:    cfg.BannerDuration,
		completionTimeout: cfg.CompletionTimeout,
		machineOpts:       cfg.MachineOptions,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workout/start", s.startHandler)
	mux.HandleFunc("POST /workout/pause", s.pauseHandler)
	mux.HandleFunc("POST /workout/resume", s.resumeHandler)
	mux.HandleFunc("POST /workout/fix", s.fixHandler)
	mux.HandleFunc("POST /workout/end", s.endHandler)
	mux.HandleFunc("GET /workout/status", s.statusHandler)

	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/pending", s.pendingHandler)
	mux.HandleFunc("GET /sessions/{id}/reflection", s.reflectionHandler)
	mux.HandleFunc("POST /sessions/{id}/retry", s.retryHandler)

	mux.HandleFunc("GET /roadmap", s.roadmapHandler)
	mux.HandleFunc("POST /roadmap/generate", s.generateRoadmapHandler)
	mux.HandleFunc("POST /roadmap/milestones/{id}/toggle", s.toggleMilestoneHandler)

	mux.HandleFunc("GET /profile", s.getProfileHandler)
	mux.HandleFunc("PUT /profile", s.putProfileHandler)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr, "userID", s.userID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listener failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	s.abandonWorkout()
	s.timer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// abandonWorkout stops the tick goroutine of an unfinished workout without saving it.
func (s *Server) abandonWorkout() {
	s.mu.Lock()
	m := s.machine
	s.mu.Unlock()
	if m == nil {
		return
	}
	if session, ok := m.End(0); ok {
		slog.Warn("Server.abandonWorkout: unfinished workout discarded", "sessionID", session.ID)
	}
}

func (s *Server) showBanner(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bannerID != "" {
		s.timer.Cancel(s.bannerID)
	}
	s.banner = text
	var id string
	id = s.timer.ScheduleAfter(s.bannerDuration, "banner auto-hide", func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.bannerID == id {
			s.banner = ""
			s.bannerID = ""
		}
	})
	s.bannerID = id
}
