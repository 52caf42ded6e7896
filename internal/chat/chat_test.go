package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/netcheck"
	"github.com/kalambet/nudge/internal/notify"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

// --- Fakes ---

type fakePreflight struct{ err error }

func (f *fakePreflight) Check(context.Context) error { return f.err }

type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request
}

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply, f.err
}

type fakeDisplay struct {
	mu     sync.Mutex
	result notify.Result
	shown  []notify.Notification
}

func (f *fakeDisplay) Display(_ context.Context, n notify.Notification) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, n)
	return f.result
}

func (f *fakeDisplay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shown)
}

// --- Fixture ---

type fixture struct {
	store     *storage.Store
	preflight *fakePreflight
	model     *fakeModel
	display   *fakeDisplay
	worker    *Worker
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:     store,
		preflight: &fakePreflight{},
		model:     &fakeModel{reply: "Start with five minutes a day."},
		display:   &fakeDisplay{result: notify.Result{Status: notify.StatusSuccess}},
	}
	f.worker = NewWorker(Deps{
		Store:     store,
		Settings:  settings.NewManager(store, apiKey),
		Preflight: f.preflight,
		Models:    func(string) (llm.Completer, error) { return f.model, nil },
		Display:   f.display,
		SeenGrace: -1,
	})
	return f
}

// seed stores a user question and an assistant message in the given state.
func (f *fixture) seed(t *testing.T, conv string, assistant storage.Message) {
	t.Helper()
	if err := f.store.EnsureConversation(conv, "coach"); err != nil {
		t.Fatal(err)
	}
	base := time.Now().Add(-time.Minute)
	if err := f.store.SaveMessage(storage.Message{
		ID: conv + "-q", ConversationID: conv, Role: storage.RoleUser,
		Content: "How do I build a journaling habit?", CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
	assistant.ConversationID = conv
	assistant.Role = storage.RoleAssistant
	assistant.CreatedAt = base.Add(time.Second)
	if err := f.store.SaveMessage(assistant); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) message(t *testing.T, id string) storage.Message {
	t.Helper()
	m, err := f.store.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func replyJob(messageID string, attempt int) jobs.Job {
	return jobs.Job{ID: "job-" + messageID, Type: ReplyJob, Payload: `{"message_id":"` + messageID + `"}`, Attempt: attempt, MaxAttempts: 3}
}

// --- Tests ---

func TestCompletedUnseen_NotifiesExactlyOnce(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "Here is my answer.", Status: storage.MessageCompleted})

	for i := 0; i < 2; i++ {
		if res := f.worker.Handle(context.Background(), replyJob("a1", 1)); res.Outcome != jobs.Success {
			t.Fatalf("pass %d: outcome = %v", i, res.Outcome)
		}
	}
	if n := f.display.count(); n != 1 {
		t.Fatalf("displayed %d times, want 1", n)
	}
	if len(f.model.requests) != 0 {
		t.Error("completed reply must not be regenerated")
	}
	if !f.message(t, "a1").NotificationSent {
		t.Error("notification_sent not set")
	}
	n := f.display.shown[0]
	if n.ID != notify.IDForConversation("c1") || n.Channel != notify.ChannelChat || n.Data["message_id"] != "a1" {
		t.Errorf("notification = %+v", n)
	}
}

func TestPendingWithPartialContent_Regenerates(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "Start with fi", Status: storage.MessagePending})

	res := f.worker.Handle(context.Background(), replyJob("a1", 1))
	if res.Outcome != jobs.Success {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	m := f.message(t, "a1")
	if m.Status != storage.MessageCompleted || m.Content != "Start with five minutes a day." {
		t.Errorf("message = %+v", m)
	}
	if !m.NotificationSent {
		t.Error("reply notification not recorded")
	}

	req := f.model.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Errorf("history sent = %+v, want only the user question", req.Messages)
	}
}

func TestPendingWithPartialContent_FailureClearsContent(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "Start with fi", Status: storage.MessagePending})
	f.model.err = &llm.Error{Kind: llm.KindOther, Provider: "test", Status: 400, Err: errors.New("bad request")}

	res := f.worker.Handle(context.Background(), replyJob("a1", 1))
	if res.Outcome != jobs.Failure {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	m := f.message(t, "a1")
	if m.Status != storage.MessageFailed || m.Content != "" || m.Error != MsgTryAgain {
		t.Errorf("message = %+v", m)
	}
	if f.display.count() != 1 || f.display.shown[0].Body != MsgTryAgain {
		t.Errorf("failure notification = %+v", f.display.shown)
	}
}

func TestFailedAndSentAreNoops(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessageFailed, Error: "x"})
	f.seed(t, "c2", storage.Message{ID: "a2", Content: "done", Status: storage.MessageCompleted, NotificationSent: true})

	for _, id := range []string{"a1", "a2", "missing"} {
		if res := f.worker.Handle(context.Background(), replyJob(id, 1)); res.Outcome != jobs.Success {
			t.Errorf("%s: outcome = %v", id, res.Outcome)
		}
	}
	if f.display.count() != 0 || len(f.model.requests) != 0 {
		t.Error("no-op messages caused work")
	}
}

func TestMissingPayload(t *testing.T) {
	f := newFixture(t, "sk")
	res := f.worker.Handle(context.Background(), jobs.Job{ID: "j", Payload: `{}`, Attempt: 1, MaxAttempts: 3})
	if res.Outcome != jobs.Failure {
		t.Errorf("outcome = %v", res.Outcome)
	}
}

func TestNoAPIKey_FailsWithSettingsHint(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})

	res := f.worker.Handle(context.Background(), replyJob("a1", 1))
	if res.Outcome != jobs.Failure {
		t.Errorf("outcome = %v", res.Outcome)
	}
	m := f.message(t, "a1")
	if m.Status != storage.MessageFailed || m.Error != MsgConfigureKey {
		t.Errorf("message = %+v", m)
	}
	if f.display.count() != 1 || f.display.shown[0].Body != MsgConfigureKey {
		t.Errorf("shown = %+v", f.display.shown)
	}
}

func TestPreflightFailure(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})
	f.preflight.err = netcheck.ErrNetworkUnavailable

	res := f.worker.Handle(context.Background(), replyJob("a1", 1))
	if res.Outcome != jobs.Retry {
		t.Fatalf("outcome = %v, want retry", res.Outcome)
	}
	if len(f.model.requests) != 0 || f.display.count() != 0 {
		t.Error("work done despite failed preflight")
	}
	if f.message(t, "a1").Status != storage.MessagePending {
		t.Error("message should stay pending")
	}

	res = f.worker.Handle(context.Background(), replyJob("a1", 3))
	if res.Outcome != jobs.Failure {
		t.Fatalf("last attempt outcome = %v", res.Outcome)
	}
	if m := f.message(t, "a1"); m.Status != storage.MessageFailed || m.Error != MsgOffline {
		t.Errorf("message = %+v", m)
	}
}

func TestTransientModelError(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})
	f.model.err = &llm.Error{Kind: llm.KindRateLimited, Provider: "test", Status: 429, Err: errors.New("slow down")}

	if res := f.worker.Handle(context.Background(), replyJob("a1", 1)); res.Outcome != jobs.Retry {
		t.Errorf("outcome = %v, want retry", res.Outcome)
	}
	if f.display.count() != 0 {
		t.Error("no notification expected while retrying")
	}
	if res := f.worker.Handle(context.Background(), replyJob("a1", 3)); res.Outcome != jobs.Failure {
		t.Errorf("last attempt outcome = %v", res.Outcome)
	}
	if f.message(t, "a1").Status != storage.MessageFailed || f.display.count() != 1 {
		t.Error("exhausted retries should fail the message and notify")
	}
}

func TestAuthError_PointsToSettings(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})
	f.model.err = &llm.Error{Kind: llm.KindAuth, Provider: "test", Status: 401, Err: errors.New("invalid key")}

	f.worker.Handle(context.Background(), replyJob("a1", 1))
	if m := f.message(t, "a1"); m.Error != MsgConfigureKey {
		t.Errorf("error = %q", m.Error)
	}
}

func TestCancellation_NoFailureNotification(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})
	f.model.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.worker.Handle(ctx, replyJob("a1", 3))
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
	if f.display.count() != 0 {
		t.Error("cancellation must not notify")
	}
	if f.message(t, "a1").Status != storage.MessagePending {
		t.Error("cancelled reply should stay pending")
	}
}

func TestDisplayFailure_LeavesUnsent(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "answer", Status: storage.MessageCompleted})
	f.display.result = notify.Result{Status: notify.StatusFailed, Reason: notify.ReasonChannelBlocked}

	if res := f.worker.Handle(context.Background(), replyJob("a1", 1)); res.Outcome != jobs.Success {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.message(t, "a1").NotificationSent {
		t.Error("notification_sent set after a failed display")
	}
}

func TestSeenDuringGrace_NoNotification(t *testing.T) {
	f := newFixture(t, "sk")
	f.worker.grace = 300 * time.Millisecond
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "answer", Status: storage.MessageCompleted})

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.store.MarkNotificationSent("a1")
	}()
	if res := f.worker.Handle(context.Background(), replyJob("a1", 1)); res.Outcome != jobs.Success {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.display.count() != 0 {
		t.Error("notified although the live view saw the reply")
	}
}

func TestGraceInterruptedByCancel(t *testing.T) {
	f := newFixture(t, "sk")
	f.worker.grace = time.Hour
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "answer", Status: storage.MessageCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := f.worker.Handle(ctx, replyJob("a1", 1))
	if res.Outcome != jobs.Retry || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
	if f.display.count() != 0 {
		t.Error("notified after cancellation")
	}
}

func TestNewWorker_GraceDefault(t *testing.T) {
	if w := NewWorker(Deps{}); w.grace != DefaultSeenGrace {
		t.Errorf("grace = %v, want %v", w.grace, DefaultSeenGrace)
	}
	if w := NewWorker(Deps{SeenGrace: 2 * time.Second}); w.grace != 2*time.Second {
		t.Errorf("grace = %v", w.grace)
	}
}

func TestPreview(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	p := preview(long)
	if n := len([]rune(p)); n != 100 {
		t.Errorf("preview runes = %d, want 100", n)
	}
	if preview("  a\n b ") != "a b" {
		t.Errorf("whitespace not collapsed: %q", preview("  a\n b "))
	}
}

// --- Sweeper ---

func TestSweep_EnqueuesOncePerMessage(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Status: storage.MessagePending})
	f.seed(t, "c2", storage.Message{ID: "a2", Content: "x", Status: storage.MessageCompleted})
	f.seed(t, "c3", storage.Message{ID: "a3", Content: "x", Status: storage.MessageCompleted, NotificationSent: true})

	queue := jobs.NewQueue(f.store, nil)
	s, err := NewSweeper(f.store, queue, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("enqueued = %d, want 2", n)
	}
	for _, id := range []string{"a1", "a2"} {
		if ok, _ := queue.HasPendingWork(WorkName(id)); !ok {
			t.Errorf("no work for %s", id)
		}
	}

	n, err = s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep enqueued %d, want 0 while work is pending", n)
	}
}

func TestReplySpec_RepliesInOneConversationKeepTheirJobs(t *testing.T) {
	f := newFixture(t, "sk")
	first := storage.Message{ID: "a1", ConversationID: "c1", Status: storage.MessagePending}
	second := storage.Message{ID: "a2", ConversationID: "c1", Status: storage.MessagePending}

	queue := jobs.NewQueue(f.store, nil)
	if _, err := queue.Enqueue(ReplySpec(first)); err != nil {
		t.Fatal(err)
	}
	if _, err := queue.Enqueue(ReplySpec(second)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a1", "a2"} {
		if ok, _ := queue.HasPendingWork(WorkName(id)); !ok {
			t.Errorf("reply %s lost its job", id)
		}
	}
}

func TestSweep_RunsThroughWorker(t *testing.T) {
	f := newFixture(t, "sk")
	f.seed(t, "c1", storage.Message{ID: "a1", Content: "stale", Status: storage.MessagePending})

	queue := jobs.NewQueue(f.store, nil)
	s, err := NewSweeper(f.store, queue, "@every 1h", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sweep(); err != nil {
		t.Fatal(err)
	}

	runner := jobs.NewRunner(f.store, time.Millisecond, 1, nil)
	runner.Register(ReplyJob, f.worker)
	if did, err := runner.RunOnce(context.Background()); !did || err != nil {
		t.Fatalf("RunOnce = %v, %v", did, err)
	}
	if m := f.message(t, "a1"); m.Status != storage.MessageCompleted || !m.NotificationSent {
		t.Errorf("message = %+v", m)
	}
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewSweeper(nil, nil, "every now and then", nil); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t, "sk")
	s, err := NewSweeper(f.store, jobs.NewQueue(f.store, nil), "@every 1h", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Stop()
}
