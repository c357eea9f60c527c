package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/StrideCoach/internal/analysis"
	"github.com/BTreeMap/StrideCoach/internal/coordinator"
	"github.com/BTreeMap/StrideCoach/internal/events"
	"github.com/BTreeMap/StrideCoach/internal/genai"
	"github.com/BTreeMap/StrideCoach/internal/lockfile"
	"github.com/BTreeMap/StrideCoach/internal/notify"
	"github.com/BTreeMap/StrideCoach/internal/profile"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"github.com/BTreeMap/StrideCoach/internal/roadmap"
	"github.com/BTreeMap/StrideCoach/internal/store"
	"github.com/redis/go-redis/v9"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg      Config
	lock     *lockfile.Lock
	store    store.RecordStore
	repo     *repository.Repository
	bus      *events.Bus
	redis    *redis.Client
	relay    *events.RedisRelay
	profiles *profile.Service
	roadmaps *roadmap.Service
	coord    *coordinator.Coordinator
	timer    *notify.Timer
	outbox   *notify.Outbox
	notifier *notify.Notifier
}

// appOpts selects the optional parts of the graph.
type appOpts struct {
	lock  bool
	relay bool
}

// openApp builds the graph. Text generation and Redis are optional; the store is not.
func openApp(ctx context.Context, cfg Config, o appOpts) (a *app, err error) {
	a = &app{cfg: cfg, bus: events.NewBus(), timer: notify.NewTimer()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if o.lock {
		if a.lock, err = lockfile.Acquire(cfg.StateDir); err != nil {
			return a, err
		}
	}
	if err = ensureDirectoriesExist(cfg); err != nil {
		return a, err
	}

	if a.store, err = store.Open(cfg.DSN()); err != nil {
		slog.Error("openApp: store unavailable", "dsn_type", store.DetectDSNType(cfg.DSN()), "error", err)
		return a, fmt.Errorf("failed to open store: %w", err)
	}
	a.repo = repository.New(a.store)

	if o.relay && cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.relay = events.NewRedisRelay(a.redis, a.bus, "")
		if err = a.relay.Start(ctx); err != nil {
			return a, err
		}
	}

	gen := buildGenerator(cfg)
	a.profiles = profile.NewService(a.repo, profile.WithFile(cfg.Profile()))
	a.roadmaps = roadmap.NewService(a.repo, roadmap.NewEngine(nil), roadmap.NewGenerator(gen, nil), a.bus)
	a.roadmaps.Attach(a.bus)
	a.coord = coordinator.New(analysis.NewPipeline(gen), a.repo, a.repo,
		coordinator.WithBus(a.bus),
		coordinator.WithMilestoneSource(a.roadmaps),
		coordinator.WithGoalSource(a.profiles))
	a.outbox = notify.NewOutbox(a.store)
	return a, nil
}

// attachNotifier queues milestone messages. With a sender they are also dispatched after the celebration delay.
func (a *app) attachNotifier(sender *notify.OutboxSender) {
	opts := []notify.NotifierOption{notify.WithTimer(a.timer)}
	if sender != nil {
		opts = append(opts, notify.WithOutboxSender(sender))
	}
	a.notifier = notify.NewNotifier(a.outbox, a.profiles, opts...)
	a.notifier.Attach(a.bus)
}

// buildGenerator returns nil, not a typed nil, when no API key is configured.
func buildGenerator(cfg Config) genai.Generator {
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey), genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	client, err := genai.NewClient(opts...)
	if errors.Is(err, genai.ErrMissingAPIKey) {
		slog.Info("openApp: no OpenAI key, reflections and roadmaps use the offline fallback")
		return nil
	}
	if err != nil {
		slog.Warn("openApp: GenAI client unavailable", "error", err)
		return nil
	}
	return client
}

// buildSender picks Twilio when credentials are present and logs messages otherwise.
func buildSender() notify.Sender {
	s, err := notify.NewTwilioSender()
	if err != nil {
		slog.Info("openApp: Twilio not configured, milestone messages are logged only", "reason", err)
		return notify.LogSender{}
	}
	return s
}

// ensureDirectoriesExist creates the state directory and the SQLite file's directory.
func ensureDirectoriesExist(cfg Config) error {
	dirs := []string{cfg.StateDir}
	if store.DetectDSNType(cfg.DSN()) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(cfg.DSN()))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", d)
			return err
		}
	}
	return nil
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() {
	a.timer.Stop()
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			slog.Warn("app.Close: relay close failed", "error", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("app.Close: store close failed", "error", err)
		}
	}
	if a.lock != nil {
		a.lock.Release()
	}
}
