package notify

import (
	"context"
	"log/slog"
	"time"
)

// SendFunc performs the actual delivery of a claimed message.
type SendFunc func(ctx context.Context, msg Message) error

// SendVia adapts a Sender to a SendFunc.
func SendVia(s Sender) SendFunc {
	return func(ctx context.Context, msg Message) error {
		return s.SendMessage(ctx, msg.To, msg.Body)
	}
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	outbox         *Outbox
	send           SendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
	kick           chan struct{}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(outbox *Outbox, send SendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		outbox:         outbox,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
		kick:           make(chan struct{}, 1),
	}
}

// RecoverStale requeues messages left in sending by a crashed process. Call once at startup.
func (s *OutboxSender) RecoverStale(ctx context.Context) error {
	n, err := s.outbox.RequeueStale(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStale: requeued stale messages", "count", n)
	}
	return nil
}

// Kick asks the running loop to poll now instead of waiting for the next tick.
func (s *OutboxSender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run starts the polling loop. It blocks until the context is canceled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-s.kick:
			s.poll(ctx)
		}
	}
}

// Backoff is the retry delay after the given number of prior attempts: 10s, 20s, 40s, ...
func Backoff(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return time.Duration(10*(1<<attempts)) * time.Second
}

func (s *OutboxSender) poll(ctx context.Context) int {
	now := s.now()
	msgs, err := s.outbox.ClaimDue(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
		if err := s.send(ctx, msg); err != nil {
			slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", msg.Attempts, "error", err)
			if err := s.outbox.Fail(ctx, msg.ID, err.Error(), now.Add(Backoff(msg.Attempts))); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.outbox.MarkSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "userID", msg.UserID)
	}
	return sent
}
