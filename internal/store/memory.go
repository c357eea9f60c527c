package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a RecordStore kept in process memory. Used in tests and when no DSN is configured.
type InMemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tables: make(map[string]map[string]Record)}
}

func (s *InMemoryStore) Upsert(ctx context.Context, table string, rec Record) error {
	if err := validateName(table); err != nil {
		return err
	}
	if rec.ID == "" {
		return ErrEmptyRecordID
	}
	if _, err := encodeIndex(rec.Index); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]Record)
		s.tables[table] = t
	}
	now := time.Now()
	stored := copyRecord(rec)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	if prev, exists := t[rec.ID]; exists {
		stored.CreatedAt = prev.CreatedAt
	}
	t[rec.ID] = stored
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, table string, filter Filter) (Record, error) {
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

func (s *InMemoryStore) List(ctx context.Context, table string, q Query) ([]Record, error) {
	if err := validateQuery(table, q); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []Record
	for _, rec := range s.tables[table] {
		if matches(rec, q.Filter) {
			out = append(out, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	order := q.OrderBy
	if order == "" {
		order = FieldCreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Desc {
			return less(out[j], out[i], order)
		}
		return less(out[i], out[j], order)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	if err := validateQuery(table, Query{Filter: filter}); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.tables[table] {
		if matches(rec, filter) {
			delete(s.tables[table], id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

func matches(rec Record, filter Filter) bool {
	for k, v := range filter {
		if k == FieldID {
			if rec.ID != v {
				return false
			}
			continue
		}
		got, ok := rec.Index[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// less orders by the field, then by creation time and id, matching the SQL backends.
func less(a, b Record, field string) bool {
	switch field {
	case FieldID:
		return a.ID < b.ID
	case FieldCreatedAt:
	case FieldUpdatedAt:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	default:
		if av, bv := a.Index[field], b.Index[field]; av != bv {
			return av < bv
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func copyRecord(r Record) Record {
	out := r
	if r.Index != nil {
		out.Index = make(map[string]string, len(r.Index))
		for k, v := range r.Index {
			out.Index[k] = v
		}
	}
	out.Data = append([]byte(nil), r.Data...)
	return out
}
