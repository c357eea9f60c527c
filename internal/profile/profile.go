// Package profile loads the user's running profile and resolves its defaults.
//
// Defaults are applied once, when the profile is loaded. Consumers read the
// resolved values and never substitute their own.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"gopkg.in/yaml.v3"
)

// Default profile values.
const (
	DefaultGoal            = "Build a consistent running habit"
	DefaultWeeklyFrequency = 3
	DefaultWeightKg        = 60.0
)

// Resolve fills unset fields with defaults.
func Resolve(p models.UserProfile) models.UserProfile {
	if strings.TrimSpace(p.Goal) == "" {
		p.Goal = DefaultGoal
	}
	if p.WeeklyFrequency <= 0 {
		p.WeeklyFrequency = DefaultWeeklyFrequency
	}
	if p.WeightKg <= 0 {
		p.WeightKg = DefaultWeightKg
	}
	return p
}

// ReadFile reads a YAML profile. The result is not resolved.
func ReadFile(path string) (models.UserProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("reading profile: %w", err)
	}
	var p models.UserProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return models.UserProfile{}, fmt.Errorf("parsing profile: %w", err)
	}
	return p, nil
}

// WriteFile writes p as YAML, creating the parent directory if needed.
func WriteFile(path string, p models.UserProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// Opts holds configuration options for the Service.
type Opts struct {
	FilePath string
}

// Option defines a configuration option for the Service.
type Option func(*Opts)

// WithFile sets the YAML file consulted when the record store has no profile.
func WithFile(path string) Option {
	return func(o *Opts) { o.FilePath = path }
}

// Service resolves profiles from the record store, then the YAML file, then defaults.
type Service struct {
	repo     repository.ProfileRepository
	filePath string
}

// NewService creates a profile service. repo may be nil for file-only use.
func NewService(repo repository.ProfileRepository, opts ...Option) *Service {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{repo: repo, filePath: cfg.FilePath}
}

// Load returns the resolved profile for userID. Lookup failures fall through to the next source.
func (s *Service) Load(ctx context.Context, userID string) models.UserProfile {
	if s.repo != nil {
		p, err := s.repo.GetProfile(ctx, userID)
		switch {
		case err == nil:
			return Resolve(p)
		case !errors.Is(err, repository.ErrNotFound):
			slog.Warn("Service.Load: profile lookup failed", "userID", userID, "error", err)
		}
	}
	if s.filePath != "" {
		p, err := ReadFile(s.filePath)
		switch {
		case err == nil:
			if p.UserID == "" {
				p.UserID = userID
			}
			if p.UserID == userID {
				return Resolve(p)
			}
			slog.Debug("Service.Load: profile file belongs to another user", "userID", userID, "fileUserID", p.UserID)
		case !errors.Is(err, os.ErrNotExist):
			slog.Warn("Service.Load: profile file unreadable", "path", s.filePath, "error", err)
		}
	}
	return Resolve(models.UserProfile{UserID: userID})
}

// Save stores the profile in the record store and, when configured, the YAML file.
func (s *Service) Save(ctx context.Context, p models.UserProfile) error {
	if p.UserID == "" {
		return models.ErrEmptyUserID
	}
	if s.repo != nil {
		if err := s.repo.SaveProfile(ctx, p); err != nil {
			return err
		}
	}
	if s.filePath != "" {
		if err := WriteFile(s.filePath, p); err != nil {
			slog.Error("Service.Save: failed to write profile file", "path", s.filePath, "error", err)
			return err
		}
	}
	slog.Debug("Service.Save: profile saved", "userID", p.UserID)
	return nil
}

// Goal returns the resolved goal text.
func (s *Service) Goal(ctx context.Context, userID string) string {
	return s.Load(ctx, userID).Goal
}

// Phone returns the profile phone number, or "" when none is set.
func (s *Service) Phone(ctx context.Context, userID string) string {
	return s.Load(ctx, userID).Phone
}

// WeightKg returns the resolved body weight.
func (s *Service) WeightKg(ctx context.Context, userID string) float64 {
	return s.Load(ctx, userID).WeightKg
}
