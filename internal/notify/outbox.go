package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/store"
	"github.com/google/uuid"
)

// TableOutbox holds queued outgoing messages.
const TableOutbox = "notify_outbox"

// DefaultMaxAttempts is the number of failed sends after which a message is marked failed.
const DefaultMaxAttempts = 8

// Status is the lifecycle state of an outbox message.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further send will be attempted.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

const (
	indexStatus    = "status"
	indexDedupeKey = "dedupe_key"
	indexUserID    = "user_id"
)

// Message is a durable outgoing message.
type Message struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Kind          string     `json:"kind"`
	To            string     `json:"to"`
	Body          string     `json:"body"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	DedupeKey     string     `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Outbox persists messages in the record store.
type Outbox struct {
	mu          sync.Mutex
	store       store.RecordStore
	now         func() time.Time
	maxAttempts int
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxClock overrides the time source.
func WithOutboxClock(now func() time.Time) OutboxOption {
	return func(o *Outbox) { o.now = now }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) OutboxOption {
	return func(o *Outbox) { o.maxAttempts = n }
}

// NewOutbox creates an outbox on top of a record store.
func NewOutbox(s store.RecordStore, opts ...OutboxOption) *Outbox {
	o := &Outbox{store: s, now: time.Now, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue inserts a queued message. When dedupeKey is non-empty and a non-terminal
// message with that key exists, its id is returned instead.
func (o *Outbox) Enqueue(ctx context.Context, userID, kind, to, body, dedupeKey string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if dedupeKey != "" {
		existing, err := o.list(ctx, store.Filter{indexDedupeKey: dedupeKey}, 0)
		if err != nil {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
		for _, m := range existing {
			if !m.Status.Terminal() {
				slog.Debug("Outbox.Enqueue: dedupe hit", "dedupeKey", dedupeKey, "existingID", m.ID)
				return m.ID, nil
			}
		}
	}

	now := o.now()
	msg := Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		To:        to,
		Body:      body,
		Status:    StatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.put(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("Outbox.Enqueue", "id", msg.ID, "userID", userID, "kind", kind)
	return msg.ID, nil
}

// ClaimDue marks up to limit queued messages whose next attempt is due as sending and returns them.
func (o *Outbox) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queued, err := o.list(ctx, store.Filter{indexStatus: string(StatusQueued)}, 0)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var claimed []Message
	for _, m := range queued {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		locked := now
		m.Status = StatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		if err := o.put(ctx, m); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// MarkSent records a successful send.
func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	return o.update(ctx, id, func(m *Message) {
		m.Status = StatusSent
		m.LockedAt = nil
	})
}

// Fail records a send failure and schedules a retry, or marks the message failed
// once the attempt budget is spent.
func (o *Outbox) Fail(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	return o.update(ctx, id, func(m *Message) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		if o.maxAttempts > 0 && m.Attempts >= o.maxAttempts {
			m.Status = StatusFailed
			m.NextAttemptAt = nil
			slog.Warn("Outbox.Fail: giving up on message", "id", id, "attempts", m.Attempts)
			return
		}
		next := nextAttemptAt
		m.Status = StatusQueued
		m.NextAttemptAt = &next
	})
}

// Cancel stops any further attempt for a non-terminal message.
func (o *Outbox) Cancel(ctx context.Context, id string) error {
	return o.update(ctx, id, func(m *Message) {
		if !m.Status.Terminal() {
			m.Status = StatusCanceled
			m.LockedAt = nil
		}
	})
}

// RequeueStale resets messages stuck in sending since before staleBefore.
func (o *Outbox) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sending, err := o.list(ctx, store.Filter{indexStatus: string(StatusSending)}, 0)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n := 0
	for _, m := range sending {
		if m.LockedAt != nil && !m.LockedAt.Before(staleBefore) {
			continue
		}
		m.Status = StatusQueued
		m.LockedAt = nil
		m.UpdatedAt = o.now()
		if err := o.put(ctx, m); err != nil {
			return n, fmt.Errorf("requeue stale outbox messages failed: %w", err)
		}
		n++
	}
	if n > 0 {
		slog.Info("Outbox.RequeueStale", "requeued", n)
	}
	return n, nil
}

// Get returns one message.
func (o *Outbox) Get(ctx context.Context, id string) (Message, error) {
	rec, err := o.store.Get(ctx, TableOutbox, store.Filter{store.FieldID: id})
	if err != nil {
		return Message{}, err
	}
	return decodeMessage(rec)
}

// ListByUser returns a user's messages, oldest first.
func (o *Outbox) ListByUser(ctx context.Context, userID string, limit int) ([]Message, error) {
	return o.list(ctx, store.Filter{indexUserID: userID}, limit)
}

func (o *Outbox) update(ctx context.Context, id string, fn func(*Message)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.store.Get(ctx, TableOutbox, store.Filter{store.FieldID: id})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("outbox message %s: %w", id, err)
		}
		return fmt.Errorf("load outbox message %s failed: %w", id, err)
	}
	m, err := decodeMessage(rec)
	if err != nil {
		return err
	}
	fn(&m)
	m.UpdatedAt = o.now()
	if err := o.put(ctx, m); err != nil {
		return fmt.Errorf("update outbox message %s failed: %w", id, err)
	}
	return nil
}

func (o *Outbox) list(ctx context.Context, filter store.Filter, limit int) ([]Message, error) {
	recs, err := o.store.List(ctx, TableOutbox, store.Query{Filter: filter, OrderBy: store.FieldCreatedAt, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		m, err := decodeMessage(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (o *Outbox) put(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	index := map[string]string{
		indexStatus: string(m.Status),
		indexUserID: m.UserID,
	}
	if m.DedupeKey != "" {
		index[indexDedupeKey] = m.DedupeKey
	}
	return o.store.Upsert(ctx, TableOutbox, store.Record{
		ID:        m.ID,
		Index:     index,
		Data:      data,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	})
}

func decodeMessage(rec store.Record) (Message, error) {
	var m Message
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode outbox message %s: %w", rec.ID, err)
	}
	return m, nil
}
