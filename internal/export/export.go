// Package export writes workout history, joined with reflections, to Parquet.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/repository"
	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Row is one exported session. Reflection columns are empty when the session has none.
type Row struct {
	SessionID         string  `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID            string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	StartTimeUTC      string  `parquet:"name=start_time_utc, type=BYTE_ARRAY, convertedtype=UTF8"`
	EndTimeUTC        string  `parquet:"name=end_time_utc, type=BYTE_ARRAY, convertedtype=UTF8"`
	DurationS         int64   `parquet:"name=duration_s, type=INT64"`
	DistanceM         float64 `parquet:"name=distance_m, type=DOUBLE"`
	CaloriesKcal      float64 `parquet:"name=calories_kcal, type=DOUBLE"`
	PaceMinPerKm      float64 `parquet:"name=pace_min_per_km, type=DOUBLE"`
	PerceivedExertion int32   `parquet:"name=perceived_exertion, type=INT32"`
	HasReflection     bool    `parquet:"name=has_reflection, type=BOOLEAN"`
	ReflectionSource  string  `parquet:"name=reflection_source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	EstimatedExertion int32   `parquet:"name=estimated_exertion, type=INT32"`
	Narrative         string  `parquet:"name=narrative, type=BYTE_ARRAY, convertedtype=UTF8"`
	Advice            string  `parquet:"name=advice, type=BYTE_ARRAY, convertedtype=UTF8"`
	MilestoneAchieved bool    `parquet:"name=milestone_achieved, type=BOOLEAN"`
	MilestoneID       string  `parquet:"name=milestone_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Exporter reads history through the repositories.
type Exporter struct {
	sessions    repository.SessionRepository
	reflections repository.ReflectionRepository
}

// New creates an Exporter.
func New(sessions repository.SessionRepository, reflections repository.ReflectionRepository) *Exporter {
	return &Exporter{sessions: sessions, reflections: reflections}
}

// Rows loads up to limit sessions (0 means all), oldest first.
func (e *Exporter) Rows(ctx context.Context, userID string, limit int) ([]Row, error) {
	sessions, err := e.sessions.ListSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	rows := make([]Row, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		refl, err := e.reflections.GetReflectionBySession(ctx, s.ID)
		switch {
		case err == nil:
			rows = append(rows, NewRow(s, &refl))
		case errors.Is(err, repository.ErrNotFound):
			rows = append(rows, NewRow(s, nil))
		default:
			return nil, fmt.Errorf("failed to load reflection for session %s: %w", s.ID, err)
		}
	}
	return rows, nil
}

// NewRow flattens a session and its optional reflection.
func NewRow(s models.WorkoutSession, refl *models.WorkoutReflection) Row {
	row := Row{
		SessionID:    s.ID,
		UserID:       s.UserID,
		StartTimeUTC: s.StartTime.UTC().Format(time.RFC3339),
		DurationS:    s.DurationSeconds,
		DistanceM:    s.DistanceMeters,
		CaloriesKcal: s.CaloriesKcal,
	}
	if s.EndTime != nil {
		row.EndTimeUTC = s.EndTime.UTC().Format(time.RFC3339)
	}
	if pace, ok := s.PaceMinPerKm(); ok {
		row.PaceMinPerKm = pace
	}
	if s.PerceivedExertion != nil {
		row.PerceivedExertion = int32(*s.PerceivedExertion)
	}
	if refl == nil {
		return row
	}
	row.HasReflection = true
	row.ReflectionSource = string(refl.Source)
	row.EstimatedExertion = int32(refl.EstimatedExertion)
	row.Narrative = refl.NarrativeText
	row.Advice = refl.AdviceText
	if refl.Achieved() {
		row.MilestoneAchieved = true
		row.MilestoneID = refl.MilestoneProgress.MilestoneID
	}
	return row
}

// Marshal encodes rows as a SNAPPY-compressed Parquet file.
func Marshal(rows []Row) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// WriteFile exports a user's full history to path and returns the number of rows written.
func (e *Exporter) WriteFile(ctx context.Context, userID, path string) (int, error) {
	rows, err := e.Rows(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	data, err := Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to encode parquet: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}
	slog.Info("Exporter.WriteFile: history exported", "userID", userID, "rows", len(rows), "path", path)
	return len(rows), nil
}
