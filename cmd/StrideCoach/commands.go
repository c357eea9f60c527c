package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/coordinator"
	"github.com/BTreeMap/StrideCoach/internal/export"
	"github.com/BTreeMap/StrideCoach/internal/fitimport"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	"github.com/spf13/cobra"
)

func newImportFITCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import-fit <file.fit>",
		Short: "Import a recorded FIT activity as a finished workout",
		Long: `Replay the positions of a FIT activity through the distance tracker, then
analyze and save it like a workout ended in the app. Milestone messages are
queued and delivered by the next "stridecoach serve".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportFIT(cmd.Context(), *cfg, args[0], cmd.OutOrStdout())
		},
	}
}

func runImportFIT(ctx context.Context, cfg Config, path string, out io.Writer) error {
	a, err := openApp(ctx, cfg, appOpts{lock: true})
	if err != nil {
		return err
	}
	defer a.Close()
	a.attachNotifier(nil)

	weight := a.profiles.WeightKg(ctx, cfg.UserID)
	imported, err := fitimport.ImportFile(path, cfg.UserID, fitimport.WithWeightKg(weight))
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}

	res, err := a.coord.Complete(ctx, imported.Session)
	var perr *coordinator.PersistenceError
	if errors.As(err, &perr) {
		return fmt.Errorf("workout %s analyzed but not saved (%s write failed); re-run the import: %w", perr.SessionID, perr.Stage, err)
	}
	if err != nil {
		return err
	}

	s := res.Session
	fmt.Fprintf(out, "Imported %s: %.2f km in %s, %.0f kcal (%d GPS fixes)\n",
		s.ID, s.DistanceKm(), time.Duration(s.DurationSeconds)*time.Second, s.CaloriesKcal, imported.Fixes)
	if imported.SessionDistance {
		fmt.Fprintln(out, "No GPS track in file; distance taken from the device total.")
	}
	printReflection(out, res.Reflection, res.UsedFallback())
	return nil
}

func printReflection(out io.Writer, r models.WorkoutReflection, fallback bool) {
	source := "AI"
	if fallback {
		source = "offline"
	}
	fmt.Fprintf(out, "\nReflection (%s, RPE %d)\n%s\n\nAdvice: %s\n", source, r.EstimatedExertion, r.NarrativeText, r.AdviceText)
	if r.Achieved() {
		fmt.Fprintf(out, "\nMilestone achieved! %s\n", r.MilestoneProgress.AchievementMessage)
	}
}

func newExportCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export <out.parquet>",
		Short: "Export workout history with reflections to Parquet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *cfg, appOpts{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := export.New(a.repo, a.repo).WriteFile(ctx, cfg.UserID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d sessions to %s\n", n, args[0])
			return nil
		},
	}
}

func newRoadmapCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roadmap",
		Short: "Show, generate or edit the milestone roadmap",
	}

	var targetDate string
	generate := &cobra.Command{
		Use:   "generate [goal]",
		Short: "Replace the roadmap with a freshly generated one",
		Long:  "Generate a roadmap for the goal, or for the profile goal when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *time.Time
			if targetDate != "" {
				d, err := time.Parse("2006-01-02", targetDate)
				if err != nil {
					return fmt.Errorf("--target-date must be YYYY-MM-DD: %w", err)
				}
				target = &d
			}
			return withRoadmapApp(cmd, *cfg, true, func(ctx context.Context, a *app) error {
				goal := a.profiles.Goal(ctx, cfg.UserID)
				if len(args) == 1 {
					goal = args[0]
				}
				rm, usedFallback, err := a.roadmaps.Regenerate(ctx, cfg.UserID, goal, target)
				if err != nil {
					return err
				}
				if usedFallback {
					fmt.Fprintln(cmd.OutOrStdout(), "Text generation unavailable; using the default distance ladder.")
				}
				printRoadmap(cmd.OutOrStdout(), rm)
				return nil
			})
		},
	}
	generate.Flags().StringVar(&targetDate, "target-date", "", "goal date, YYYY-MM-DD")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current roadmap and progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoadmapApp(cmd, *cfg, false, func(ctx context.Context, a *app) error {
				rm, err := a.roadmaps.Current(ctx, cfg.UserID)
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("no roadmap yet; create one with: stridecoach roadmap generate")
				}
				if err != nil {
					return err
				}
				printRoadmap(cmd.OutOrStdout(), rm)
				return nil
			})
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle <milestone-id>",
		Short: "Flip a milestone between completed and not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoadmapApp(cmd, *cfg, true, func(ctx context.Context, a *app) error {
				rm, err := a.roadmaps.Toggle(ctx, cfg.UserID, args[0])
				if err != nil {
					return err
				}
				printRoadmap(cmd.OutOrStdout(), rm)
				return nil
			})
		},
	}

	cmd.AddCommand(generate, show, toggle)
	return cmd
}

func withRoadmapApp(cmd *cobra.Command, cfg Config, lock bool, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, appOpts{lock: lock})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printRoadmap(out io.Writer, rm models.Roadmap) {
	v := rm.View()
	fmt.Fprintf(out, "%s\nGoal: %s\n", v.Title, v.Goal)
	if v.TargetDate != nil {
		fmt.Fprintf(out, "Target: %s\n", v.TargetDate.Format("2006-01-02"))
	}
	fmt.Fprintf(out, "Progress: %d/%d (%.0f%%)\n\n", v.CompletedCount, len(v.Milestones), v.ProgressPercentage)
	for _, m := range v.Milestones {
		mark := " "
		if m.Completed {
			mark = "x"
		}
		due := ""
		if m.TargetDate != nil {
			due = "  by " + m.TargetDate.Format("2006-01-02")
		}
		fmt.Fprintf(out, "  [%s] %-36s %s%s\n", mark, m.ID, m.Title, due)
	}
}
