// Package events is the in-process notification channel for session and roadmap changes.
//
// Handlers registered with Handle run synchronously inside Publish, in registration
// order. Channel subscribers get a non-blocking fan-out: a full subscriber buffer drops
// the event for that subscriber only.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/google/uuid"
)

// Kind identifies an event type.
type Kind string

const (
	KindReflectionSaved   Kind = "reflection_saved"
	KindMilestoneAchieved Kind = "milestone_achieved"
)

// DefaultBuffer is the channel size used when Subscribe is given a non-positive buffer.
const DefaultBuffer = 64

// ReflectionSaved is published after a session and its reflection are both persisted.
type ReflectionSaved struct {
	UserID     string                   `json:"user_id"`
	Session    models.WorkoutSession    `json:"session"`
	Reflection models.WorkoutReflection `json:"reflection"`
}

// MilestoneAchieved is published when applying progress flipped a milestone to completed.
type MilestoneAchieved struct {
	UserID             string           `json:"user_id"`
	RoadmapID          string           `json:"roadmap_id"`
	Milestone          models.Milestone `json:"milestone"`
	Message            string           `json:"message,omitempty"`
	ProgressPercentage float64          `json:"progress_percentage"`
}

// Event is the envelope delivered to subscribers. Exactly one payload is set.
type Event struct {
	ID                string             `json:"id"`
	Kind              Kind               `json:"kind"`
	Origin            string             `json:"origin"`
	At                time.Time          `json:"at"`
	ReflectionSaved   *ReflectionSaved   `json:"reflection_saved,omitempty"`
	MilestoneAchieved *MilestoneAchieved `json:"milestone_achieved,omitempty"`
}

// NewReflectionSaved wraps a ReflectionSaved payload.
func NewReflectionSaved(p ReflectionSaved) Event {
	return Event{Kind: KindReflectionSaved, ReflectionSaved: &p}
}

// NewMilestoneAchieved wraps a MilestoneAchieved payload.
func NewMilestoneAchieved(p MilestoneAchieved) Event {
	return Event{Kind: KindMilestoneAchieved, MilestoneAchieved: &p}
}

// Handler reacts to a published event.
type Handler func(ctx context.Context, ev Event)

// Subscription receives events on C until it is closed.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	kind Kind
}

// Bus fans events out to handlers and subscribers.
type Bus struct {
	id       string
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	subs     map[*Subscription]struct{}
}

// NewBus creates an empty bus with a unique origin id.
func NewBus() *Bus {
	return &Bus{
		id:       uuid.NewString(),
		handlers: make(map[Kind][]Handler),
		subs:     make(map[*Subscription]struct{}),
	}
}

// ID returns the origin id stamped on locally published events.
func (b *Bus) ID() string { return b.id }

// Handle registers a synchronous handler for one kind.
func (b *Bus) Handle(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Subscribe returns a buffered subscription. An empty kind receives every event.
func (b *Bus) Subscribe(kind Kind, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, kind: kind}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish stamps the event, runs handlers, then fans out to subscribers.
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Origin == "" {
		ev.Origin = b.id
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	slog.Debug("Bus.Publish: publishing event", "kind", ev.Kind, "id", ev.ID, "handlers", len(handlers))
	for _, h := range handlers {
		h(ctx, ev)
	}
	b.fanOut(ev)
	return ev
}

// deliverRemote hands an event received from another process to channel subscribers only.
func (b *Bus) deliverRemote(ev Event) {
	slog.Debug("Bus.deliverRemote: delivering relayed event", "kind", ev.Kind, "id", ev.ID, "origin", ev.Origin)
	b.fanOut(ev)
}

func (b *Bus) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.kind != "" && sub.kind != ev.Kind {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Bus.fanOut: subscriber buffer full, dropping event", "kind", ev.Kind, "id", ev.ID)
		}
	}
}
