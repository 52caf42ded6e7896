package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/nudge/internal/alarm"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/llm"
	"github.com/kalambet/nudge/internal/netcheck"
	"github.com/kalambet/nudge/internal/notify"
	"github.com/kalambet/nudge/internal/receiver"
	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/scheduler"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

// --- Fakes ---

type fakePreflight struct {
	err   error
	calls int
}

func (f *fakePreflight) Check(context.Context) error {
	f.calls++
	return f.err
}

type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	requests []llm.Request
	during   func()
}

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.during != nil {
		f.during()
	}
	return f.reply, f.err
}

type fakeDisplay struct {
	result notify.Result
	shown  []notify.Notification
}

func (f *fakeDisplay) Display(_ context.Context, n notify.Notification) notify.Result {
	f.shown = append(f.shown, n)
	return f.result
}

// --- Fixture ---

type fixture struct {
	store     *storage.Store
	settings  *settings.Manager
	preflight *fakePreflight
	model     *fakeModel
	display   *fakeDisplay
	alarms    *alarm.Manager
	queue     *jobs.Queue
	sched     *scheduler.Scheduler
	worker    *Worker
	now       time.Time
}

const goodReply = "Here you go:\n```json\n{\"title\":\"Morning, runner\",\"body\":\"How did the 10k feel today?\",\"topicReference\":\"running\"}\n```"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:     store,
		settings:  settings.NewManager(store, "sk-test"),
		preflight: &fakePreflight{},
		model:     &fakeModel{reply: goodReply},
		display:   &fakeDisplay{result: notify.Result{Status: notify.StatusSuccess}},
		now:       time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC), // Monday
	}
	if err := f.settings.SignIn("u-1"); err != nil {
		t.Fatal(err)
	}
	clock := func() time.Time { return f.now }
	f.queue = jobs.NewQueue(store, nil)
	f.alarms = alarm.NewManager(store, receiver.New(f.queue, nil), alarm.Options{ExactAllowed: true, Now: clock})
	f.sched = scheduler.New(f.alarms, f.queue, store, clock, nil)
	f.worker = NewWorker(Deps{
		Store:     store,
		Settings:  f.settings,
		Preflight: f.preflight,
		Models:    func(string) (llm.Completer, error) { return f.model, nil },
		Display:   f.display,
		Scheduler: f.sched,
		Now:       clock,
	})
	return f
}

func (f *fixture) addRule(t *testing.T, rule schedule.Rule) {
	t.Helper()
	if err := f.store.SaveRule(rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
}

func (f *fixture) addEntries(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.store.SaveJournalEntry(storage.JournalEntry{
			ID:        fmt.Sprintf("e%d", i),
			Content:   fmt.Sprintf("journal entry %d", i),
			CreatedAt: f.now.Add(-time.Duration(n-i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) sentCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountSentNotifications()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) primaryAlarm(t *testing.T, ruleID string) (storage.Alarm, bool) {
	t.Helper()
	a, err := f.store.GetAlarm(schedule.RuleRequestCode(ruleID, 0))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Alarm{}, false
	}
	if err != nil {
		t.Fatal(err)
	}
	return a, true
}

func daily(id string) schedule.Rule {
	return schedule.Rule{ID: id, Label: "Morning", Type: schedule.Daily{Hour: 9, Minute: 0}, Enabled: true}
}

func jobFor(payload string, attempt int) jobs.Job {
	return jobs.Job{ID: "job-1", Type: scheduler.CheckinJob, Payload: payload, Attempt: attempt, MaxAttempts: 3}
}

func dailyPayload(ruleID string) string {
	return schedule.Reschedule{RuleID: ruleID, Kind: schedule.RescheduleDaily, Hour: 9}.Encode()
}

// --- End-to-end ---

// A daily 9:00 rule enabled at 9:15 fires the next morning, sends a
// personalised check-in from the last five entries and re-arms for the day
// after.
func TestEndToEnd_DailyCheckin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addEntries(t, 7)
	rule := daily("r1")
	f.addRule(t, rule)

	if err := f.sched.Schedule(ctx, rule); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	a, ok := f.primaryAlarm(t, "r1")
	tomorrow := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !ok || !a.TriggerAt.Equal(tomorrow) {
		t.Fatalf("alarm = %+v, want trigger %v", a, tomorrow)
	}

	f.now = tomorrow
	if _, err := f.alarms.FireDue(ctx); err != nil {
		t.Fatalf("FireDue: %v", err)
	}

	runner := jobs.NewRunner(f.store, time.Millisecond, 1, nil)
	runner.Register(scheduler.CheckinJob, f.worker)
	did, err := runner.RunOnce(ctx)
	if err != nil || !did {
		t.Fatalf("RunOnce = %v, %v", did, err)
	}

	if f.preflight.calls != 1 {
		t.Errorf("preflight calls = %d, want 1", f.preflight.calls)
	}
	if f.model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", f.model.calls)
	}
	prompt := f.model.requests[0].Messages[0].Content
	for i := 2; i < 7; i++ {
		if !strings.Contains(prompt, fmt.Sprintf("journal entry %d", i)) {
			t.Errorf("prompt missing entry %d", i)
		}
	}
	if strings.Contains(prompt, "journal entry 1") {
		t.Error("prompt includes more than the last five entries")
	}

	if len(f.display.shown) != 1 {
		t.Fatalf("displayed %d, want 1", len(f.display.shown))
	}
	shown := f.display.shown[0]
	if shown.Title != "Morning, runner" || shown.Channel != notify.ChannelCheckin || shown.ID != notify.IDForRule("r1") {
		t.Errorf("shown = %+v", shown)
	}

	hist, err := f.store.RecentSentNotifications(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].TopicReference != "running" || hist[0].TimeOfDay != "morning" || hist[0].UserID != "u-1" {
		t.Errorf("history = %+v", hist)
	}

	a, ok = f.primaryAlarm(t, "r1")
	dayAfter := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	if !ok || !a.TriggerAt.Equal(dayAfter) {
		t.Errorf("rescheduled alarm = %+v, want %v", a, dayAfter)
	}

	js, _ := f.store.ListJobsByWorkName(schedule.WorkName("r1", 0))
	if len(js) != 1 || js[0].Status != storage.JobCompleted {
		t.Errorf("jobs = %+v", js)
	}
}

// A failed DNS preflight retries without calling the model or writing state.
func TestEndToEnd_PreflightFailureRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, daily("r1"))
	f.preflight.err = netcheck.ErrNetworkUnavailable

	id, err := f.queue.Enqueue(jobs.Spec{Type: scheduler.CheckinJob, WorkName: schedule.WorkName("r1", 0), Payload: dailyPayload("r1")})
	if err != nil {
		t.Fatal(err)
	}
	runner := jobs.NewRunner(f.store, time.Millisecond, 1, nil)
	runner.Register(scheduler.CheckinJob, f.worker)
	if _, err := runner.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if f.model.calls != 0 {
		t.Error("model contacted despite failed preflight")
	}
	if len(f.display.shown) != 0 || f.sentCount(t) != 0 {
		t.Error("state written despite failed preflight")
	}
	if _, ok := f.primaryAlarm(t, "r1"); ok {
		t.Error("rule rescheduled on a retryable failure")
	}
	j, err := f.store.GetJob(id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != storage.JobPending || j.Attempts != 1 || !j.RunAfter.After(time.Now()) {
		t.Errorf("job = %+v, want pending for retry with backoff", j)
	}
}

// --- Handler paths ---

func TestHandle_MissingRuleIDIsTerminal(t *testing.T) {
	f := newFixture(t)
	res := f.worker.Handle(context.Background(), jobFor(`{"reschedule":"daily"}`, 1))
	if res.Outcome != jobs.Failure {
		t.Errorf("outcome = %v, want failure", res.Outcome)
	}
	res = f.worker.Handle(context.Background(), jobFor(`not json`, 1))
	if res.Outcome != jobs.Failure {
		t.Errorf("outcome = %v, want failure", res.Outcome)
	}
	if len(f.display.shown) != 0 {
		t.Error("displayed without a rule")
	}
}

func TestHandle_DeletedOrDisabledRule(t *testing.T) {
	f := newFixture(t)
	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("gone"), 1))
	if res.Outcome != jobs.Success {
		t.Errorf("deleted rule: outcome = %v", res.Outcome)
	}

	off := daily("off")
	off.Enabled = false
	f.addRule(t, off)
	res = f.worker.Handle(context.Background(), jobFor(dailyPayload("off"), 1))
	if res.Outcome != jobs.Success {
		t.Errorf("disabled rule: outcome = %v", res.Outcome)
	}
	if len(f.display.shown) != 0 {
		t.Error("displayed for a deleted or disabled rule")
	}
	if _, ok := f.primaryAlarm(t, "off"); ok {
		t.Error("disabled rule re-armed")
	}
}

func TestHandle_NoSessionIsSilentButStaysArmed(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, daily("r1"))
	if err := f.settings.SignOut(); err != nil {
		t.Fatal(err)
	}

	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 1))
	if res.Outcome != jobs.Success {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if len(f.display.shown) != 0 || f.preflight.calls != 0 {
		t.Error("work done without a session")
	}
	if _, ok := f.primaryAlarm(t, "r1"); !ok {
		t.Error("rule should stay armed")
	}
}

func TestHandle_StaticWhenNotPersonalised(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, daily("r1"))
	if err := f.settings.Set(settings.KeyPersonalized, false); err != nil {
		t.Fatal(err)
	}

	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 1))
	if res.Outcome != jobs.Success {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if f.preflight.calls != 0 || f.model.calls != 0 {
		t.Error("static path should not touch the network")
	}
	if len(f.display.shown) != 1 || f.display.shown[0].Title != "Morning" {
		t.Errorf("shown = %+v", f.display.shown)
	}
	if f.sentCount(t) != 1 {
		t.Error("sent record missing")
	}
}

func TestHandle_NoAPIKeyIsSilentButStaysArmed(t *testing.T) {
	f := newFixture(t)
	f.worker.settings = settings.NewManager(f.store, "")
	f.addRule(t, daily("r1"))

	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 1))
	if res.Outcome != jobs.Success {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.model.calls != 0 || f.preflight.calls != 0 {
		t.Error("network touched without an API key")
	}
	if len(f.display.shown) != 0 {
		t.Errorf("shown = %d, want 0", len(f.display.shown))
	}
	if f.sentCount(t) != 0 {
		t.Error("record written without an API key")
	}
	if _, ok := f.primaryAlarm(t, "r1"); !ok {
		t.Error("rule should stay armed")
	}
}

func TestHandle_NoAPIKeyStaticStillSends(t *testing.T) {
	f := newFixture(t)
	if err := f.settings.Set(settings.KeyPersonalized, false); err != nil {
		t.Fatal(err)
	}
	f.worker.settings = settings.NewManager(f.store, "")
	f.addRule(t, daily("r1"))

	f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 1))
	if len(f.display.shown) != 1 || f.sentCount(t) != 1 {
		t.Errorf("shown = %d, sent = %d, want 1 and 1", len(f.display.shown), f.sentCount(t))
	}
}

func TestHandle_RuleDisabledDuringGeneration(t *testing.T) {
	for _, disable := range []struct {
		name string
		fn   func(f *fixture) error
	}{
		{"disabled", func(f *fixture) error { return f.store.SetRuleEnabled("r1", false) }},
		{"deleted", func(f *fixture) error { return f.store.DeleteRule("r1") }},
	} {
		t.Run(disable.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rule := daily("r1")
			f.addRule(t, rule)
			f.model.during = func() {
				if err := disable.fn(f); err != nil {
					t.Error(err)
				}
				if err := f.sched.Cancel(ctx, "r1"); err != nil {
					t.Error(err)
				}
			}

			res := f.worker.Handle(ctx, jobFor(dailyPayload("r1"), 1))
			if res.Outcome != jobs.Success {
				t.Errorf("outcome = %v", res.Outcome)
			}
			as, err := f.store.ListAlarmsForRule("r1")
			if err != nil {
				t.Fatal(err)
			}
			if len(as) != 0 {
				t.Errorf("alarms = %+v, want none", as)
			}
		})
	}
}

func TestHandle_ModelErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		reply   string
		attempt int
		outcome jobs.Outcome
		shown   int
		armed   bool
	}{
		{"auth falls back", &llm.Error{Kind: llm.KindAuth, Provider: "test", Err: errors.New("401")}, "", 1, jobs.Success, 1, true},
		{"unparsable falls back", nil, "I'd rather not.", 1, jobs.Success, 1, true},
		{"rate limit retries", &llm.Error{Kind: llm.KindRateLimited, Provider: "test", Err: errors.New("429")}, "", 1, jobs.Retry, 0, false},
		{"last attempt gives up", &llm.Error{Kind: llm.KindTimeout, Provider: "test", Err: errors.New("slow")}, "", 3, jobs.Failure, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			f.addRule(t, daily("r1"))
			f.model.err = c.err
			f.model.reply = c.reply

			res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), c.attempt))
			if res.Outcome != c.outcome {
				t.Errorf("outcome = %v, want %v", res.Outcome, c.outcome)
			}
			if len(f.display.shown) != c.shown {
				t.Errorf("shown = %d, want %d", len(f.display.shown), c.shown)
			}
			if _, ok := f.primaryAlarm(t, "r1"); ok != c.armed {
				t.Errorf("armed = %v, want %v", ok, c.armed)
			}
			if c.shown == 1 && f.display.shown[0].Title != "Morning" {
				t.Errorf("fallback title = %q", f.display.shown[0].Title)
			}
		})
	}
}

func TestHandle_PreflightLastAttempt(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, daily("r1"))
	f.preflight.err = netcheck.ErrNetworkUnavailable

	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 3))
	if res.Outcome != jobs.Failure {
		t.Errorf("outcome = %v, want failure", res.Outcome)
	}
	if _, ok := f.primaryAlarm(t, "r1"); !ok {
		t.Error("rule should be re-armed after exhausting retries")
	}
}

func TestHandle_DisplayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, daily("r1"))
	f.display.result = notify.Result{Status: notify.StatusFailed, Reason: notify.ReasonPermissionDenied}

	res := f.worker.Handle(context.Background(), jobFor(dailyPayload("r1"), 1))
	if res.Outcome != jobs.Success {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if f.sentCount(t) != 0 {
		t.Error("record written for a failed display")
	}
	if _, ok := f.primaryAlarm(t, "r1"); !ok {
		t.Error("rule should be rescheduled after a display failure")
	}
}

func TestHandle_ManualTriggerDoesNotReschedule(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, daily("r1"))
	spec := ManualSpec("r1")

	res := f.worker.Handle(context.Background(), jobFor(spec.Payload.(string), 1))
	if res.Outcome != jobs.Success || len(f.display.shown) != 1 {
		t.Fatalf("outcome = %v, shown = %d", res.Outcome, len(f.display.shown))
	}
	if _, ok := f.primaryAlarm(t, "r1"); ok {
		t.Error("manual trigger should not arm the rule")
	}
}

func TestNextPayload(t *testing.T) {
	days := schedule.WeekdayBit(time.Monday) | schedule.WeekdayBit(time.Thursday)
	weekly := schedule.Rule{ID: "w", Type: schedule.Weekly{Days: days, Hour: 7}, Enabled: true}

	fired := schedule.Reschedule{RuleID: "w", Kind: schedule.RescheduleWeekly, Weekday: int(time.Thursday), Hour: 6, DayIndex: 1}
	next, ok := nextPayload(weekly, fired)
	if !ok || next.Hour != 7 || next.DayIndex != 1 || next.Weekday != int(time.Thursday) {
		t.Errorf("next = %+v, %v", next, ok)
	}

	fired.Weekday = int(time.Friday)
	if _, ok := nextPayload(weekly, fired); ok {
		t.Error("removed weekday should not be re-armed")
	}

	once := schedule.Rule{ID: "o", Type: schedule.OneTime{Date: schedule.Date{Year: 2025, Month: 4, Day: 1}, Hour: 9}}
	if _, ok := nextPayload(once, schedule.Reschedule{RuleID: "o", Kind: schedule.RescheduleNone}); ok {
		t.Error("one-time rule should not recur")
	}
}
