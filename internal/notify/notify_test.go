package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StrideCoach/internal/events"
	"github.com/BTreeMap/StrideCoach/internal/models"
	"github.com/BTreeMap/StrideCoach/internal/store"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// steppingClock advances one second per call so records sort deterministically.
type steppingClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestOutbox(opts ...OutboxOption) *Outbox {
	clk := &steppingClock{cur: base}
	return NewOutbox(store.NewInMemoryStore(), append([]OutboxOption{WithOutboxClock(clk.Now)}, opts...)...)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, to+"|"+body)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type phoneBook map[string]string

func (p phoneBook) Phone(ctx context.Context, userID string) string { return p[userID] }

func TestTimer_FiresAndCancels(t *testing.T) {
	timer := NewTimer()
	defer timer.Stop()

	fired := make(chan struct{}, 1)
	timer.ScheduleAfter(10*time.Millisecond, "banner auto-hide", func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	canceled := make(chan struct{}, 1)
	id := timer.ScheduleAfter(time.Hour, "never", func() { canceled <- struct{}{} })
	if len(timer.ListActive()) != 1 {
		t.Fatalf("expected one active timer, got %d", len(timer.ListActive()))
	}
	if !timer.Cancel(id) {
		t.Error("expected Cancel to report success")
	}
	if timer.Cancel(id) {
		t.Error("second Cancel should report nothing canceled")
	}
	if len(timer.ListActive()) != 0 {
		t.Error("expected no active timers after cancel")
	}
}

func TestTimer_Stop(t *testing.T) {
	timer := NewTimer()
	timer.ScheduleAfter(time.Hour, "a", func() {})
	timer.ScheduleAfter(time.Hour, "b", func() {})
	timer.Stop()
	if n := len(timer.ListActive()); n != 0 {
		t.Errorf("expected empty timer after Stop, got %d", n)
	}
}

func TestOutbox_EnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox()

	id1, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "milestone:m1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi again", "milestone:m1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return %s, got %s", id1, id2)
	}

	if err := o.MarkSent(ctx, id1); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	id3, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "again", "milestone:m1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id3 == id1 {
		t.Error("a sent message must not absorb new enqueues")
	}

	msgs, err := o.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}
}

func TestOutbox_ClaimFailRequeue(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(WithMaxAttempts(2))

	id, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	now := base.Add(time.Minute)

	claimed, err := o.ClaimDue(ctx, now, 10)
	if err != nil || len(claimed) != 1 || claimed[0].Status != StatusSending {
		t.Fatalf("expected one claimed message, got %+v, %v", claimed, err)
	}
	if again, _ := o.ClaimDue(ctx, now, 10); len(again) != 0 {
		t.Error("a sending message must not be claimed twice")
	}

	if err := o.Fail(ctx, id, "boom", now.Add(Backoff(0))); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	m, err := o.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusQueued || m.Attempts != 1 || m.LastError != "boom" {
		t.Errorf("unexpected message after failure: %+v", m)
	}
	if early, _ := o.ClaimDue(ctx, now.Add(5*time.Second), 10); len(early) != 0 {
		t.Error("message claimed before its backoff elapsed")
	}
	if due, _ := o.ClaimDue(ctx, now.Add(10*time.Second), 10); len(due) != 1 {
		t.Fatal("expected message claimable after backoff")
	}

	if err := o.Fail(ctx, id, "boom again", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if m, _ := o.Get(ctx, id); m.Status != StatusFailed || m.NextAttemptAt != nil {
		t.Errorf("expected failed after attempt budget, got %+v", m)
	}
}

func TestOutbox_EnqueueAfterFailedDeliveryQueuesAgain(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(WithMaxAttempts(1))

	id1, _ := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "milestone:m1")
	if err := o.Fail(ctx, id1, "boom", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if m, _ := o.Get(ctx, id1); m.Status != StatusFailed {
		t.Fatalf("expected failed message, got %+v", m)
	}

	id2, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "milestone:m1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id2 == id1 {
		t.Error("a failed message must not absorb new enqueues")
	}
}

func TestOutbox_RequeueStale(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox()
	id, _ := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "")
	if _, err := o.ClaimDue(ctx, base, 10); err != nil {
		t.Fatal(err)
	}

	if n, err := o.RequeueStale(ctx, base.Add(-time.Minute)); err != nil || n != 0 {
		t.Errorf("fresh lock must not be requeued, got %d, %v", n, err)
	}
	n, err := o.RequeueStale(ctx, base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued message, got %d, %v", n, err)
	}
	if m, _ := o.Get(ctx, id); m.Status != StatusQueued || m.LockedAt != nil {
		t.Errorf("unexpected message after requeue: %+v", m)
	}
}

func TestOutbox_Cancel(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox()
	id, _ := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "hi", "k")
	if err := o.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := o.ClaimDue(ctx, base.Add(time.Hour), 10); len(claimed) != 0 {
		t.Error("canceled message must not be claimed")
	}
	if err := o.MarkSent(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found for unknown id, got %v", err)
	}
}

func TestOutboxSender_Poll(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox()
	okID, _ := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "first", "")

	rs := &recordingSender{}
	s := NewOutboxSender(o, SendVia(rs), time.Hour)
	s.now = func() time.Time { return base.Add(time.Minute) }

	if sent := s.poll(ctx); sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	if got := rs.messages(); len(got) != 1 || got[0] != "+1555|first" {
		t.Errorf("unexpected deliveries: %v", got)
	}
	if m, _ := o.Get(ctx, okID); m.Status != StatusSent {
		t.Errorf("expected sent status, got %s", m.Status)
	}

	failID, _ := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "second", "")
	rs.err = errors.New("provider down")
	if sent := s.poll(ctx); sent != 0 {
		t.Errorf("expected nothing sent, got %d", sent)
	}
	m, _ := o.Get(ctx, failID)
	if m.Status != StatusQueued || m.Attempts != 1 || m.NextAttemptAt == nil {
		t.Fatalf("expected scheduled retry, got %+v", m)
	}
	if want := base.Add(time.Minute).Add(10 * time.Second); !m.NextAttemptAt.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, *m.NextAttemptAt)
	}
}

func TestOutboxSender_RunKick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newTestOutbox()
	rs := &recordingSender{}
	s := NewOutboxSender(o, SendVia(rs), time.Hour)
	s.now = func() time.Time { return base.Add(time.Hour) }
	go s.Run(ctx)

	if _, err := o.Enqueue(ctx, "u1", KindMilestone, "+1555", "kicked", ""); err != nil {
		t.Fatal(err)
	}
	s.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for len(rs.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("kick did not trigger a poll")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{0: 10 * time.Second, 1: 20 * time.Second, 3: 80 * time.Second}
	for attempts, want := range cases {
		if got := Backoff(attempts); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
	if Backoff(50) != Backoff(10) {
		t.Error("backoff should be capped")
	}
}

func achievedEvent(userID, milestoneID string) events.Event {
	return events.NewMilestoneAchieved(events.MilestoneAchieved{
		UserID:             userID,
		RoadmapID:          "rm-1",
		Milestone:          models.Milestone{ID: milestoneID, Title: "1kmを走りきる"},
		Message:            "Great job!",
		ProgressPercentage: 50,
	})
}

func TestNotifier_QueuesMilestoneMessage(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	o := newTestOutbox()
	n := NewNotifier(o, phoneBook{"u1": "+15550001111"})
	n.Attach(bus)

	bus.Publish(ctx, achievedEvent("u1", "m1"))
	bus.Publish(ctx, achievedEvent("u1", "m1"))

	msgs, err := o.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one deduplicated message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.To != "+15550001111" || m.Kind != KindMilestone || m.DedupeKey != "milestone:m1" {
		t.Errorf("unexpected message: %+v", m)
	}
	if !strings.Contains(m.Body, "1kmを走りきる") || !strings.Contains(m.Body, "50%") {
		t.Errorf("unexpected body: %q", m.Body)
	}
}

func TestNotifier_NoPhone(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	o := newTestOutbox()
	NewNotifier(o, phoneBook{}).Attach(bus)

	bus.Publish(ctx, achievedEvent("u1", "m1"))
	if msgs, _ := o.ListByUser(ctx, "u1", 0); len(msgs) != 0 {
		t.Errorf("expected no messages without a phone, got %d", len(msgs))
	}
}

func TestNotifier_SchedulesCelebrationDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewBus()
	o := newTestOutbox()
	rs := &recordingSender{}
	sender := NewOutboxSender(o, SendVia(rs), time.Hour)
	sender.now = func() time.Time { return base.Add(time.Hour) }
	go sender.Run(ctx)

	timer := NewTimer()
	defer timer.Stop()
	NewNotifier(o, phoneBook{"u1": "+1555"}, WithTimer(timer), WithOutboxSender(sender), WithCelebrationDelay(10*time.Millisecond)).Attach(bus)

	bus.Publish(ctx, achievedEvent("u1", "m1"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rs.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("celebration dispatch never sent the message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeCreator struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSender_SendMessage(t *testing.T) {
	fc := &fakeCreator{}
	s := &TwilioSender{api: fc, from: "+15550009999"}
	if err := s.SendMessage(context.Background(), "+15550001111", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if *fc.params.To != "+15550001111" || *fc.params.From != "+15550009999" || *fc.params.Body != "hello" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *fc.params.To, *fc.params.From, *fc.params.Body)
	}

	fc.err = errors.New("401")
	if err := s.SendMessage(context.Background(), "+1", "x"); err == nil {
		t.Error("expected error to propagate")
	}
}

func TestNewTwilioSender_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioSender(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	s, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+1555"))
	if err != nil || s.from != "+1555" {
		t.Errorf("expected sender, got %+v, %v", s, err)
	}
}
