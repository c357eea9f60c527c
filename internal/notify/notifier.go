package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/events"
)

// KindMilestone is the outbox kind for milestone messages.
const KindMilestone = "milestone_achieved"

// DefaultCelebrationDelay separates the in-app celebration from the outgoing message.
const DefaultCelebrationDelay = 2 * time.Second

// PhoneSource resolves where a user's messages go.
type PhoneSource interface {
	Phone(ctx context.Context, userID string) string
}

// NotifierOpts holds configuration options for the Notifier.
type NotifierOpts struct {
	Timer            *Timer
	Sender           *OutboxSender
	CelebrationDelay time.Duration
}

// NotifierOption defines a configuration option for the Notifier.
type NotifierOption func(*NotifierOpts)

// WithTimer sets the timer used to schedule the celebration dispatch.
func WithTimer(t *Timer) NotifierOption {
	return func(o *NotifierOpts) { o.Timer = t }
}

// WithOutboxSender lets the Notifier wake the sender once a message is queued.
func WithOutboxSender(s *OutboxSender) NotifierOption {
	return func(o *NotifierOpts) { o.Sender = s }
}

// WithCelebrationDelay overrides DefaultCelebrationDelay.
func WithCelebrationDelay(d time.Duration) NotifierOption {
	return func(o *NotifierOpts) { o.CelebrationDelay = d }
}

// Notifier turns MilestoneAchieved events into outbox messages.
type Notifier struct {
	outbox *Outbox
	phones PhoneSource
	timer  *Timer
	sender *OutboxSender
	delay  time.Duration
}

// NewNotifier creates a Notifier.
func NewNotifier(outbox *Outbox, phones PhoneSource, opts ...NotifierOption) *Notifier {
	cfg := NotifierOpts{CelebrationDelay: DefaultCelebrationDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Notifier{
		outbox: outbox,
		phones: phones,
		timer:  cfg.Timer,
		sender: cfg.Sender,
		delay:  cfg.CelebrationDelay,
	}
}

// Attach subscribes the notifier to MilestoneAchieved events.
func (n *Notifier) Attach(bus *events.Bus) {
	bus.Handle(events.KindMilestoneAchieved, n.onMilestoneAchieved)
}

// MilestoneMessage renders the text sent for an achieved milestone.
func MilestoneMessage(p events.MilestoneAchieved) string {
	msg := fmt.Sprintf("Milestone achieved: %s!", p.Milestone.Title)
	if p.Message != "" {
		msg += " " + p.Message
	}
	return msg + fmt.Sprintf(" Your roadmap is %.0f%% complete.", p.ProgressPercentage)
}

func (n *Notifier) onMilestoneAchieved(ctx context.Context, ev events.Event) {
	p := ev.MilestoneAchieved
	if p == nil {
		return
	}
	phone := ""
	if n.phones != nil {
		phone = n.phones.Phone(ctx, p.UserID)
	}
	if phone == "" {
		slog.Info("Notifier.onMilestoneAchieved: no phone on profile, not messaging", "userID", p.UserID, "milestoneID", p.Milestone.ID)
		return
	}

	id, err := n.outbox.Enqueue(ctx, p.UserID, KindMilestone, phone, MilestoneMessage(*p), "milestone:"+p.Milestone.ID)
	if err != nil {
		slog.Error("Notifier.onMilestoneAchieved: enqueue failed", "userID", p.UserID, "milestoneID", p.Milestone.ID, "error", err)
		return
	}
	slog.Info("Notifier.onMilestoneAchieved: message queued", "userID", p.UserID, "milestoneID", p.Milestone.ID, "outboxID", id)

	if n.sender == nil {
		return
	}
	if n.timer == nil {
		n.sender.Kick()
		return
	}
	n.timer.ScheduleAfter(n.delay, "celebration dispatch "+p.Milestone.ID, n.sender.Kick)
}
