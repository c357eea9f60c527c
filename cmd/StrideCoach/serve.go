package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/api"
	"github.com/BTreeMap/StrideCoach/internal/notify"
	"github.com/BTreeMap/StrideCoach/internal/util"
	"github.com/spf13/cobra"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the workout, session history, roadmap and profile endpoints.
Milestone messages queued by any command are delivered while serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	a, err := openApp(ctx, cfg, appOpts{lock: true, relay: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sender := notify.NewOutboxSender(a.outbox, notify.SendVia(buildSender()),
		util.ParseDurationEnv("STRIDECOACH_OUTBOX_POLL", 5*time.Second))
	if err := sender.RecoverStale(ctx); err != nil {
		slog.Warn("runServe: stale outbox recovery failed", "error", err)
	}
	a.attachNotifier(sender)
	go sender.Run(ctx)

	var opts []api.Option
	opts = append(opts, api.WithUserID(cfg.UserID), api.WithTimer(a.timer))
	if cfg.APIAddr != "" {
		opts = append(opts, api.WithAddr(cfg.APIAddr))
	}
	srv := api.NewServer(a.coord, a.repo, a.roadmaps, a.profiles, opts...)

	slog.Info("Bootstrapping StrideCoach", "user", cfg.UserID, "version", version)
	if err := srv.Run(ctx); err != nil {
		slog.Error("StrideCoach failed to run", "error", err)
		return err
	}
	slog.Info("StrideCoach exited successfully")
	return nil
}
