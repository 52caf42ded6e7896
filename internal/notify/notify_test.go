package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/kalambet/nudge/internal/settings"
)

type fakeSettings struct {
	s   settings.Settings
	err error
}

func (f fakeSettings) Get() (settings.Settings, error) { return f.s, f.err }

type fakeSender struct {
	sendFn func(ctx context.Context, d Delivery) error
	sent   []Delivery
}

func (f *fakeSender) Send(ctx context.Context, d Delivery) error {
	f.sent = append(f.sent, d)
	if f.sendFn != nil {
		return f.sendFn(ctx, d)
	}
	return nil
}

func allowed() settings.Settings {
	return settings.Settings{
		UserID:            "u-1",
		PermissionGranted: true,
		SystemEnabled:     true,
		DeviceToken:       "tok",
	}
}

func TestResultString(t *testing.T) {
	cases := map[Result]string{
		success():                           "SUCCESS",
		failed(ReasonPermissionDenied):      "FAILED: permission denied",
		exception(errors.New("fcm: boom")): "EXCEPTION: fcm: boom",
	}
	for r, want := range cases {
		if r.String() != want {
			t.Errorf("String() = %q, want %q", r.String(), want)
		}
	}
}

func TestDisplay_Success(t *testing.T) {
	sender := &fakeSender{}
	n := New(fakeSettings{s: allowed()}, sender, nil)

	res := n.Display(context.Background(), Notification{ID: 7, Channel: ChannelChat, Title: "t", Body: "b"})
	if !res.OK() {
		t.Fatalf("result = %s", res)
	}
	if len(sender.sent) != 1 || sender.sent[0].Token != "tok" || sender.sent[0].Notification.ID != 7 {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestDisplay_Gates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*settings.Settings)
		reason string
	}{
		{"permission", func(s *settings.Settings) { s.PermissionGranted = false }, ReasonPermissionDenied},
		{"system", func(s *settings.Settings) { s.SystemEnabled = false }, ReasonSystemDisabled},
		{"channel", func(s *settings.Settings) { s.BlockedChannels = []string{ChannelCheckin} }, ReasonChannelBlocked},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := allowed()
			c.mutate(&s)
			sender := &fakeSender{}
			res := New(fakeSettings{s: s}, sender, nil).Display(context.Background(),
				Notification{ID: 1, Channel: ChannelCheckin, Title: "t", Body: "b"})

			if res.Status != StatusFailed || res.Reason != c.reason {
				t.Errorf("result = %s, want FAILED: %s", res, c.reason)
			}
			if len(sender.sent) != 0 {
				t.Error("gated notification must not reach the sender")
			}
		})
	}
}

func TestDisplay_SenderErrors(t *testing.T) {
	cases := []struct {
		err    error
		status Status
		reason string
	}{
		{ErrNoDevice, StatusFailed, ReasonNoDevice},
		{fmt.Errorf("%w: gone", ErrUnregistered), StatusFailed, ReasonUnregistered},
		{errors.New("quota"), StatusException, "quota"},
	}
	for _, c := range cases {
		sender := &fakeSender{sendFn: func(context.Context, Delivery) error { return c.err }}
		res := New(fakeSettings{s: allowed()}, sender, nil).Display(context.Background(), Notification{Channel: ChannelChat})
		if res.Status != c.status || res.Reason != c.reason {
			t.Errorf("err %v: result = %s", c.err, res)
		}
	}
}

func TestDisplay_SettingsError(t *testing.T) {
	res := New(fakeSettings{err: errors.New("db closed")}, &fakeSender{}, nil).Display(context.Background(), Notification{})
	if res.Status != StatusException {
		t.Errorf("result = %s, want EXCEPTION", res)
	}
}

func TestIDs(t *testing.T) {
	if IDForConversation("c-1") != IDForConversation("c-1") {
		t.Error("conversation id not stable")
	}
	if IDForConversation("c-1") == IDForConversation("c-2") {
		t.Error("different conversations share an id")
	}
	if IDForRule("x") == IDForConversation("x") {
		t.Error("rule and conversation ids collide for the same key")
	}
}

type fakeMessaging struct {
	got *messaging.Message
	err error
}

func (f *fakeMessaging) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.got = m
	return "projects/p/messages/1", f.err
}

func TestFCMSender_BuildsTaggedMessage(t *testing.T) {
	fm := &fakeMessaging{}
	s := &FCMSender{client: fm, logger: slog.Default()}

	err := s.Send(context.Background(), Delivery{
		Token: "device-token",
		Notification: Notification{
			ID: -42, Channel: ChannelChat, Title: "Reply ready", Body: "Your coach answered",
			Data: map[string]string{"conversation_id": "c-1"},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := fm.got
	if m.Token != "device-token" || m.Notification.Title != "Reply ready" {
		t.Errorf("message = %+v", m)
	}
	if m.Android.Notification.Tag != "-42" || m.Android.Notification.ChannelID != ChannelChat {
		t.Errorf("android = %+v", m.Android.Notification)
	}
	if m.Data["conversation_id"] != "c-1" || m.Data["notification_id"] != "-42" {
		t.Errorf("data = %v", m.Data)
	}
}

func TestFCMSender_NoToken(t *testing.T) {
	fm := &fakeMessaging{}
	s := &FCMSender{client: fm, logger: slog.Default()}
	if err := s.Send(context.Background(), Delivery{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
	if fm.got != nil {
		t.Error("nothing should be sent without a token")
	}
}

func TestFCMSender_WrapsErrors(t *testing.T) {
	fm := &fakeMessaging{err: errors.New("unavailable")}
	s := &FCMSender{client: fm, logger: slog.Default()}
	err := s.Send(context.Background(), Delivery{Token: "t"})
	if err == nil || errors.Is(err, ErrUnregistered) {
		t.Errorf("err = %v", err)
	}
}
