// Package store provides storage backends for StrideCoach.
//
// Every backend implements RecordStore: a table-scoped record store with
// upsert, equality filtering, single-field ordering and a limit. Records carry an
// opaque JSON payload plus a small set of string index fields that filters and
// ordering can reference.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Built-in record columns usable in filters and ordering.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

var (
	// ErrNotFound is returned by Get when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyFilter is returned when Get or Delete is called without a filter.
	ErrEmptyFilter = errors.New("filter cannot be empty")
	// ErrInvalidName is returned for table or field names outside [a-z_][a-z0-9_]*.
	ErrInvalidName = errors.New("invalid table or field name")
	// ErrEmptyRecordID is returned by Upsert for records without an id.
	ErrEmptyRecordID = errors.New("record id cannot be empty")
)

var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Record is one stored row.
type Record struct {
	ID        string
	Index     map[string]string
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter matches records whose fields equal every given value.
// Keys are FieldID or index field names.
type Filter map[string]string

// Query selects records for List.
type Query struct {
	Filter  Filter
	OrderBy string
	Desc    bool
	// Limit of 0 means no limit.
	Limit int
}

// RecordStore is the persistence capability consumed by the repositories.
type RecordStore interface {
	// Upsert inserts the record or replaces its index and data, keeping the original CreatedAt.
	Upsert(ctx context.Context, table string, rec Record) error
	// Get returns the first record matching the filter, ordered by creation time.
	Get(ctx context.Context, table string, filter Filter) (Record, error)
	// List returns every record matching the query.
	List(ctx context.Context, table string, q Query) ([]Record, error)
	// Delete removes matching records and returns how many were removed.
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs or keyword DSNs and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend matching the DSN type.
func Open(dsn string) (RecordStore, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateFilter(f Filter) error {
	for k := range f {
		if err := validateName(k); err != nil {
			return err
		}
		if k == FieldCreatedAt || k == FieldUpdatedAt {
			return fmt.Errorf("%w: %q is not filterable", ErrInvalidName, k)
		}
	}
	return nil
}

func validateQuery(table string, q Query) error {
	if err := validateName(table); err != nil {
		return err
	}
	if err := validateFilter(q.Filter); err != nil {
		return err
	}
	if q.OrderBy != "" {
		if err := validateName(q.OrderBy); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit cannot be negative: %d", q.Limit)
	}
	return nil
}

func isColumn(field string) bool {
	return field == FieldID || field == FieldCreatedAt || field == FieldUpdatedAt
}

// sortedKeys keeps generated SQL stable.
func sortedKeys(f Filter) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeIndex(idx map[string]string) (string, error) {
	if idx == nil {
		idx = map[string]string{}
	}
	for k := range idx {
		if err := validateName(k); err != nil {
			return "", err
		}
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}
	return string(b), nil
}

func decodeIndex(raw []byte) (map[string]string, error) {
	idx := map[string]string{}
	if len(raw) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return idx, nil
}
