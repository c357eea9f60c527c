package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// TimerInfo describes a scheduled delayed effect.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

// Timer runs best-effort delayed effects (banner auto-hide, celebration dispatch).
// Scheduled functions are lost on restart.
type Timer struct {
	mu     sync.RWMutex
	timers map[string]*timerEntry
	nextID int64
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn after delay and returns an id usable with Cancel.
func (t *Timer) ScheduleAfter(delay time.Duration, description string, fn func()) string {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	t.timers[id] = &timerEntry{
		timer: time.AfterFunc(delay, func() {
			t.mu.Lock()
			_, live := t.timers[id]
			delete(t.timers, id)
			t.mu.Unlock()
			if !live {
				return
			}
			slog.Debug("Timer: firing", "id", id, "description", description)
			fn()
		}),
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: description,
	}
	slog.Debug("Timer.ScheduleAfter", "id", id, "delay", delay, "description", description)
	return id
}

// Cancel stops a pending function. It reports whether anything was canceled.
func (t *Timer) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, id)
	slog.Debug("Timer.Cancel", "id", id)
	return true
}

// Stop cancels everything.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("Timer.Stop: canceled pending timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// ListActive returns the pending timers.
func (t *Timer) ListActive() []TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	out := make([]TimerInfo, 0, len(t.timers))
	for id, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
			Description: entry.description,
		})
	}
	return out
}
