package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/nudge/internal/alarm"
	"github.com/kalambet/nudge/internal/chat"
	"github.com/kalambet/nudge/internal/jobs"
	"github.com/kalambet/nudge/internal/scheduler"
	"github.com/kalambet/nudge/internal/settings"
	"github.com/kalambet/nudge/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := jobs.NewQueue(store, nil)
	alarms := alarm.NewManager(store, nil, alarm.Options{ExactAllowed: true})
	handler := NewAppHandler(AppDeps{
		Store:     store,
		Settings:  settings.NewManager(store, ""),
		Scheduler: scheduler.New(alarms, queue, store, nil, nil),
		Queue:     queue,
		Token:     testToken,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(t *testing.T, h http.Handler, method, url, body string, wantCode int) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(method, url, body, testToken))
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", method, url, rr.Code, wantCode, rr.Body.String())
	}
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func alarmCount(t *testing.T, store *storage.Store, ruleID string) int {
	t.Helper()
	as, err := store.ListAlarmsForRule(ruleID)
	if err != nil {
		t.Fatal(err)
	}
	return len(as)
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Rejected(t *testing.T) {
	h, _ := setupAppHandler(t)
	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/rules", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestBearerAuth_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", " "))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestRules_CreateArmsAlarm(t *testing.T) {
	h, store := setupAppHandler(t)

	rr := do(t, h, http.MethodPost, "/rules", `{"label":"Morning","kind":"daily","hour":8,"minute":30}`, http.StatusOK)
	rule := decode[RuleJSON](t, rr)
	if rule.ID == "" || rule.Kind != "daily" || rule.Enabled == nil || !*rule.Enabled {
		t.Fatalf("rule = %+v", rule)
	}
	if n := alarmCount(t, store, rule.ID); n != 1 {
		t.Errorf("alarms = %d, want 1", n)
	}

	list := decode[[]RuleJSON](t, do(t, h, http.MethodGet, "/rules", "", http.StatusOK))
	if len(list) != 1 || list[0].Label != "Morning" {
		t.Errorf("list = %+v", list)
	}
}

func TestRules_CreateWeeklyArmsOneAlarmPerDay(t *testing.T) {
	h, store := setupAppHandler(t)

	rr := do(t, h, http.MethodPost, "/rules", `{"label":"Gym","kind":"weekly","days":["mon","Wednesday"],"hour":18}`, http.StatusOK)
	rule := decode[RuleJSON](t, rr)
	if len(rule.Days) != 2 || rule.Days[0] != "Monday" || rule.Days[1] != "Wednesday" {
		t.Errorf("days = %v", rule.Days)
	}
	if n := alarmCount(t, store, rule.ID); n != 2 {
		t.Errorf("alarms = %d, want 2", n)
	}
}

func TestRules_CreateInvalid(t *testing.T) {
	h, _ := setupAppHandler(t)
	for _, body := range []string{
		`{"kind":"hourly"}`,
		`{"kind":"daily","hour":25}`,
		`{"kind":"interval","interval_value":0,"interval_unit":"hours"}`,
		`{"kind":"weekly","days":["someday"]}`,
		`{"kind":"one_time","date":"soon"}`,
		`not json`,
	} {
		do(t, h, http.MethodPost, "/rules", body, http.StatusBadRequest)
	}
}

func TestRules_UpdateKeepsEnabledWhenOmitted(t *testing.T) {
	h, store := setupAppHandler(t)
	rule := decode[RuleJSON](t, do(t, h, http.MethodPost, "/rules", `{"label":"a","kind":"daily","hour":8,"enabled":false}`, http.StatusOK))
	if n := alarmCount(t, store, rule.ID); n != 0 {
		t.Fatalf("disabled rule armed %d alarms", n)
	}

	updated := decode[RuleJSON](t, do(t, h, http.MethodPut, "/rules/"+rule.ID,
		`{"label":"b","kind":"interval","interval_value":2,"interval_unit":"hours"}`, http.StatusOK))
	if updated.Label != "b" || updated.Kind != "interval" || *updated.Enabled {
		t.Errorf("updated = %+v", updated)
	}
	if n := alarmCount(t, store, rule.ID); n != 0 {
		t.Errorf("alarms = %d, want 0", n)
	}

	do(t, h, http.MethodPut, "/rules/missing", `{"kind":"daily","hour":8}`, http.StatusNotFound)
}

func TestRules_EnableDisable(t *testing.T) {
	h, store := setupAppHandler(t)
	rule := decode[RuleJSON](t, do(t, h, http.MethodPost, "/rules", `{"label":"a","kind":"daily","hour":8}`, http.StatusOK))

	do(t, h, http.MethodPost, "/rules/"+rule.ID+"/disable", "", http.StatusOK)
	if n := alarmCount(t, store, rule.ID); n != 0 {
		t.Errorf("alarms after disable = %d", n)
	}
	got := decode[RuleJSON](t, do(t, h, http.MethodPost, "/rules/"+rule.ID+"/enable", "", http.StatusOK))
	if !*got.Enabled {
		t.Error("rule not enabled")
	}
	if n := alarmCount(t, store, rule.ID); n != 1 {
		t.Errorf("alarms after enable = %d", n)
	}
	do(t, h, http.MethodPost, "/rules/missing/enable", "", http.StatusNotFound)
}

func TestRules_Delete(t *testing.T) {
	h, store := setupAppHandler(t)
	rule := decode[RuleJSON](t, do(t, h, http.MethodPost, "/rules", `{"label":"a","kind":"daily","hour":8}`, http.StatusOK))

	do(t, h, http.MethodDelete, "/rules/"+rule.ID, "", http.StatusOK)
	if n := alarmCount(t, store, rule.ID); n != 0 {
		t.Errorf("alarms after delete = %d", n)
	}
	do(t, h, http.MethodGet, "/rules/"+rule.ID, "", http.StatusNotFound)
	do(t, h, http.MethodDelete, "/rules/"+rule.ID, "", http.StatusNotFound)
}

func TestRules_TriggerQueuesManualCheckin(t *testing.T) {
	h, _ := setupAppHandler(t)
	rule := decode[RuleJSON](t, do(t, h, http.MethodPost, "/rules", `{"label":"a","kind":"daily","hour":8}`, http.StatusOK))

	resp := decode[map[string]string](t, do(t, h, http.MethodPost, "/rules/"+rule.ID+"/trigger", "", http.StatusOK))
	job := decode[JobJSON](t, do(t, h, http.MethodGet, "/jobs/"+resp["job_id"], "", http.StatusOK))
	if job.Type != scheduler.CheckinJob || job.WorkName != "manual_"+rule.ID || job.Status != storage.JobPending {
		t.Errorf("job = %+v", job)
	}

	do(t, h, http.MethodPost, "/rules/missing/trigger", "", http.StatusNotFound)
	do(t, h, http.MethodGet, "/jobs/missing", "", http.StatusNotFound)
}

func TestChat_SendCreatesPlaceholderAndJob(t *testing.T) {
	h, store := setupAppHandler(t)

	resp := decode[SendMessageResponse](t, do(t, h, http.MethodPost, "/conversations/c1/messages", `{"content":"Hello coach"}`, http.StatusOK))

	msgs := decode[[]MessageJSON](t, do(t, h, http.MethodGet, "/conversations/c1/messages", "", http.StatusOK))
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "Hello coach" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].ID != resp.MessageID || msgs[1].Status != string(storage.MessagePending) {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	job, err := store.GetJob(resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != chat.ReplyJob || job.WorkName != chat.WorkName(resp.MessageID) {
		t.Errorf("job = %+v", job)
	}
	conv, err := store.GetConversation("c1")
	if err != nil || conv.Title != "Hello coach" {
		t.Errorf("conversation = %+v, %v", conv, err)
	}

	do(t, h, http.MethodPost, "/conversations/c1/messages", `{"content":"  "}`, http.StatusBadRequest)
}

func TestChat_PatchMessageLifecycle(t *testing.T) {
	h, _ := setupAppHandler(t)
	resp := decode[SendMessageResponse](t, do(t, h, http.MethodPost, "/conversations/c1/messages", `{"content":"hi"}`, http.StatusOK))
	url := "/messages/" + resp.MessageID

	m := decode[MessageJSON](t, do(t, h, http.MethodPatch, url, `{"content":"Hel"}`, http.StatusOK))
	if m.Content != "Hel" || m.Status != "PENDING" {
		t.Errorf("after partial = %+v", m)
	}
	m = decode[MessageJSON](t, do(t, h, http.MethodPatch, url, `{"content":"Hello!","completed":true}`, http.StatusOK))
	if m.Content != "Hello!" || m.Status != "COMPLETED" || m.NotificationSent {
		t.Errorf("after complete = %+v", m)
	}
	m = decode[MessageJSON](t, do(t, h, http.MethodPatch, url, `{"seen":true}`, http.StatusOK))
	if !m.NotificationSent {
		t.Error("seen not recorded")
	}

	do(t, h, http.MethodPatch, url, `{"content":"late"}`, http.StatusConflict)
	do(t, h, http.MethodPatch, "/messages/missing", `{"content":"x"}`, http.StatusNotFound)
}

func TestChat_PatchCompletedKeepsStreamedContent(t *testing.T) {
	h, _ := setupAppHandler(t)
	resp := decode[SendMessageResponse](t, do(t, h, http.MethodPost, "/conversations/c1/messages", `{"content":"hi"}`, http.StatusOK))
	url := "/messages/" + resp.MessageID

	do(t, h, http.MethodPatch, url, `{"content":"streamed"}`, http.StatusOK)
	m := decode[MessageJSON](t, do(t, h, http.MethodPatch, url, `{"completed":true}`, http.StatusOK))
	if m.Content != "streamed" || m.Status != "COMPLETED" {
		t.Errorf("message = %+v", m)
	}
}

func TestChat_PatchFailed(t *testing.T) {
	h, _ := setupAppHandler(t)
	resp := decode[SendMessageResponse](t, do(t, h, http.MethodPost, "/conversations/c1/messages", `{"content":"hi"}`, http.StatusOK))

	m := decode[MessageJSON](t, do(t, h, http.MethodPatch, "/messages/"+resp.MessageID, `{"error":"stream broke"}`, http.StatusOK))
	if m.Status != "FAILED" || m.Error != "stream broke" {
		t.Errorf("message = %+v", m)
	}
}

func TestJournal_AddAndList(t *testing.T) {
	h, _ := setupAppHandler(t)

	do(t, h, http.MethodPost, "/journal", `{"content":"first"}`, http.StatusOK)
	entry := decode[JournalEntryJSON](t, do(t, h, http.MethodPost, "/journal", `{"content":"ran 5k","mood":"good","tags":["running"]}`, http.StatusOK))
	if entry.ID == "" || entry.Tags[0] != "running" {
		t.Errorf("entry = %+v", entry)
	}

	list := decode[[]JournalEntryJSON](t, do(t, h, http.MethodGet, "/journal?limit=1", "", http.StatusOK))
	if len(list) != 1 || list[0].Content != "ran 5k" {
		t.Errorf("list = %+v", list)
	}
	do(t, h, http.MethodPost, "/journal", `{"content":""}`, http.StatusBadRequest)
}

func TestNotifications_List(t *testing.T) {
	h, store := setupAppHandler(t)
	if err := store.SaveSentNotification(storage.SentNotification{ID: "n1", RuleID: "r1", Title: "Hi", Body: "How was the run?", TopicReference: "running", TimeOfDay: "morning"}); err != nil {
		t.Fatal(err)
	}

	list := decode[[]SentNotificationJSON](t, do(t, h, http.MethodGet, "/notifications", "", http.StatusOK))
	if len(list) != 1 || list[0].TopicReference != "running" || list[0].TimeOfDay != "morning" {
		t.Errorf("list = %+v", list)
	}
}

func TestSettings_GetAndPatch(t *testing.T) {
	h, _ := setupAppHandler(t)

	s := decode[map[string]any](t, do(t, h, http.MethodGet, "/settings", "", http.StatusOK))
	if s["notifications_enabled"] != true || s["has_api_key"] != false {
		t.Errorf("defaults = %v", s)
	}
	if _, leaked := s["api_key"]; leaked {
		t.Error("api key echoed")
	}

	s = decode[map[string]any](t, do(t, h, http.MethodPatch, "/settings",
		`{"personalized":false,"blocked_channels":["chat"],"api_key":"sk-user"}`, http.StatusOK))
	if s["personalized"] != false || s["has_api_key"] != true {
		t.Errorf("after patch = %v", s)
	}
	if ch, _ := s["blocked_channels"].([]any); len(ch) != 1 || ch[0] != "chat" {
		t.Errorf("blocked = %v", s["blocked_channels"])
	}

	s = decode[map[string]any](t, do(t, h, http.MethodPatch, "/settings", `{"api_key":""}`, http.StatusOK))
	if s["has_api_key"] != false {
		t.Error("empty api_key should clear it")
	}

	do(t, h, http.MethodPatch, "/settings", `{"volume":11}`, http.StatusBadRequest)
	do(t, h, http.MethodPatch, "/settings", `{"personalized":"yes"}`, http.StatusBadRequest)
}

func TestSettings_SessionAndDevice(t *testing.T) {
	h, _ := setupAppHandler(t)

	do(t, h, http.MethodPut, "/session", `{}`, http.StatusBadRequest)
	do(t, h, http.MethodPut, "/session", `{"user_id":"u-1"}`, http.StatusOK)
	do(t, h, http.MethodPut, "/device", `{"token":"fcm-token"}`, http.StatusOK)

	s := decode[map[string]any](t, do(t, h, http.MethodGet, "/settings", "", http.StatusOK))
	if s["user_id"] != "u-1" || s["device_token"] != "fcm-token" {
		t.Errorf("settings = %v", s)
	}

	do(t, h, http.MethodDelete, "/session", "", http.StatusOK)
	s = decode[map[string]any](t, do(t, h, http.MethodGet, "/settings", "", http.StatusOK))
	if s["user_id"] != "" {
		t.Errorf("user_id = %v after sign out", s["user_id"])
	}
	if _, ok := s["device_token"]; ok {
		t.Error("device token kept after sign out")
	}
}
