package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// dialect captures the SQL differences between SQLite and Postgres.
type dialect struct {
	name        string
	placeholder func(n int) string
	// indexExpr extracts an index field given the placeholder bound to indexArg(key).
	indexExpr func(ph string) string
	indexArg  func(key string) string
	upsert    string
}

// sqlRecords implements RecordStore over a single records table.
type sqlRecords struct {
	db *sql.DB
	d  dialect
}

func (s *sqlRecords) Upsert(ctx context.Context, table string, rec Record) error {
	if err := validateName(table); err != nil {
		return err
	}
	if rec.ID == "" {
		return ErrEmptyRecordID
	}
	idx, err := encodeIndex(rec.Index)
	if err != nil {
		return err
	}
	data := string(rec.Data)
	if data == "" {
		data = "null"
	}
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	if _, err := s.db.ExecContext(ctx, s.d.upsert, table, rec.ID, idx, data, created.UnixNano(), updated.UnixNano()); err != nil {
		slog.Error(s.d.name+".Upsert failed", "error", err, "table", table, "id", rec.ID)
		return fmt.Errorf("failed to upsert %s/%s: %w", table, rec.ID, err)
	}
	slog.Debug(s.d.name+".Upsert succeeded", "table", table, "id", rec.ID)
	return nil
}

func (s *sqlRecords) Get(ctx context.Context, table string, filter Filter) (Record, error) {
	if len(filter) == 0 {
		return Record{}, ErrEmptyFilter
	}
	recs, err := s.List(ctx, table, Query{Filter: filter, OrderBy: FieldCreatedAt, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *sqlRecords) List(ctx context.Context, table string, q Query) ([]Record, error) {
	if err := validateQuery(table, q); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT id, idx, data, created_at, updated_at FROM records")
	where, args := s.where(table, q.Filter)
	b.WriteString(where)

	order := FieldCreatedAt
	if q.OrderBy != "" {
		order = q.OrderBy
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if isColumn(order) {
		fmt.Fprintf(&b, " ORDER BY %s %s, id %s", order, dir, dir)
	} else {
		args = append(args, s.d.indexArg(order))
		fmt.Fprintf(&b, " ORDER BY %s %s, created_at %s, id %s", s.d.indexExpr(s.d.placeholder(len(args))), dir, dir, dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT %s", s.d.placeholder(len(args)))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		slog.Error(s.d.name+".List query failed", "error", err, "table", table)
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			idx, data        []byte
			created, updated int64
		)
		if err := rows.Scan(&rec.ID, &idx, &data, &created, &updated); err != nil {
			slog.Error(s.d.name+".List scan failed", "error", err, "table", table)
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if rec.Index, err = decodeIndex(idx); err != nil {
			return nil, err
		}
		rec.Data = append([]byte(nil), data...)
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error(s.d.name+".List rows iteration failed", "error", err, "table", table)
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	slog.Debug(s.d.name+".List succeeded", "table", table, "count", len(out))
	return out, nil
}

func (s *sqlRecords) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	if err := validateQuery(table, Query{Filter: filter}); err != nil {
		return 0, err
	}
	where, args := s.where(table, filter)
	res, err := s.db.ExecContext(ctx, "DELETE FROM records"+where, args...)
	if err != nil {
		slog.Error(s.d.name+".Delete failed", "error", err, "table", table)
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	slog.Debug(s.d.name+".Delete succeeded", "table", table, "count", n)
	return n, nil
}

// Close closes the database connection.
func (s *sqlRecords) Close() error {
	slog.Debug("Closing " + s.d.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.d.name+" database", "error", err)
	}
	return err
}

// where builds the table and equality clauses. Arguments are numbered from 1.
func (s *sqlRecords) where(table string, filter Filter) (string, []interface{}) {
	args := []interface{}{table}
	clauses := []string{"tbl = " + s.d.placeholder(1)}
	for _, k := range sortedKeys(filter) {
		if k == FieldID {
			args = append(args, filter[k])
			clauses = append(clauses, "id = "+s.d.placeholder(len(args)))
			continue
		}
		args = append(args, s.d.indexArg(k))
		expr := s.d.indexExpr(s.d.placeholder(len(args)))
		args = append(args, filter[k])
		clauses = append(clauses, expr+" = "+s.d.placeholder(len(args)))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
