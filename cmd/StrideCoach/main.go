package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/StrideCoach/internal/store"
	"github.com/BTreeMap/StrideCoach/internal/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StrideCoach state data
	DefaultStateDir = "/var/lib/stridecoach"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "stridecoach.db"
	// DefaultProfileFileName is the profile YAML inside the state directory
	DefaultProfileFileName = "profile.yaml"
	// DefaultUserID is the single user this device serves
	DefaultUserID = "default"
)

var version = "dev" // set via ldflags at build time

func main() {
	cfg := loadEnvironmentConfig()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config holds environment configuration. Command flags override every field.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	OpenAIKey   string
	OpenAIModel string
	GenAIDebug  bool
	RedisAddr   string
	ProfilePath string
	UserID      string
	LogLevel    string
	Debug       bool
}

// DSN returns the configured database DSN, defaulting to SQLite in the state directory.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// Profile returns the profile file path, defaulting to the state directory.
func (c Config) Profile() string {
	if c.ProfilePath != "" {
		return c.ProfilePath
	}
	return filepath.Join(c.StateDir, DefaultProfileFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	return Config{
		StateDir:    util.GetenvDefault("STRIDECOACH_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		ProfilePath: os.Getenv("STRIDECOACH_PROFILE"),
		UserID:      util.GetenvDefault("STRIDECOACH_USER_ID", DefaultUserID),
		LogLevel:    util.GetenvDefault("STRIDECOACH_LOG_LEVEL", "info"),
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "stridecoach",
		Short: "Workout tracking with AI reflections and milestone roadmaps",
		Long: `StrideCoach records running workouts, reflects on each finished session,
and advances a milestone roadmap toward the runner's goal.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cfg.LogLevel, cfg.Debug)
			slog.Debug("configuration resolved",
				"state_dir", cfg.StateDir,
				"dsn_type", store.DetectDSNType(cfg.DSN()),
				"openai_key_set", cfg.OpenAIKey != "",
				"redis_addr", cfg.RedisAddr,
				"profile", cfg.Profile(),
				"user", cfg.UserID)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for StrideCoach data (overrides $STRIDECOACH_STATE_DIR)")
	f.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&cfg.OpenAIModel, "openai-model", cfg.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for relaying events (overrides $REDIS_ADDR)")
	f.StringVar(&cfg.ProfilePath, "profile", cfg.ProfilePath, "profile YAML file (overrides $STRIDECOACH_PROFILE)")
	f.StringVar(&cfg.UserID, "user", cfg.UserID, "user id (overrides $STRIDECOACH_USER_ID)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $STRIDECOACH_LOG_LEVEL)")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "force debug logging")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newImportFITCmd(cfg))
	root.AddCommand(newExportCmd(cfg))
	root.AddCommand(newRoadmapCmd(cfg))
	return root
}

// initializeLogger sets up structured logging on stderr so command output stays clean.
func initializeLogger(level string, debug bool) {
	lvl := parseLevel(level)
	if debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
