// Package notify is the delivery layer. It checks the user's permission and
// channel state, hands the notification to a Sender and reports a
// tri-state Result instead of an error.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/settings"
)

// Channels.
const (
	ChannelCheckin = "checkin"
	ChannelChat    = "chat"
	ChannelAlerts  = "alerts"
)

// Failure reasons reported with StatusFailed.
const (
	ReasonPermissionDenied = "permission denied"
	ReasonChannelBlocked   = "channel blocked"
	ReasonSystemDisabled   = "system notifications disabled"
	ReasonNoDevice         = "device not registered"
	ReasonUnregistered     = "device token unregistered"
)

// ErrNoDevice is returned by a Sender that needs a device token when none is
// registered.
var ErrNoDevice = errors.New("no device registered")

// ErrUnregistered is returned by a Sender when the push service rejected the
// device token as no longer valid.
var ErrUnregistered = errors.New("device token unregistered")

// Notification is one displayable notification.
type Notification struct {
	// ID identifies the logical target. Displaying the same ID again updates
	// the visible notification in place.
	ID      int32
	Channel string
	Title   string
	Body    string
	// Data carries deep-link extras.
	Data map[string]string
}

// IDForConversation is the notification id for replies in a conversation.
func IDForConversation(conversationID string) int32 {
	return schedule.RequestCode("chat_" + conversationID)
}

// IDForRule is the notification id for check-ins of a rule.
func IDForRule(ruleID string) int32 {
	return schedule.RequestCode("checkin_" + ruleID)
}

// Status is the outcome class of a display request.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusException
)

// Result is the outcome of Display.
type Result struct {
	Status Status
	Reason string
}

// OK reports whether the notification was displayed.
func (r Result) OK() bool { return r.Status == StatusSuccess }

func (r Result) String() string {
	switch r.Status {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED: " + r.Reason
	default:
		return "EXCEPTION: " + r.Reason
	}
}

func success() Result             { return Result{Status: StatusSuccess} }
func failed(reason string) Result { return Result{Status: StatusFailed, Reason: reason} }
func exception(err error) Result  { return Result{Status: StatusException, Reason: err.Error()} }

// Delivery is what a Sender transmits.
type Delivery struct {
	Token        string
	Notification Notification
}

// Sender transmits a notification to the user's device.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SettingsSource provides the current user settings.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// Notifier checks display preconditions and delivers through a Sender.
type Notifier struct {
	settings SettingsSource
	sender   Sender
	logger   *slog.Logger
}

// New creates a Notifier.
func New(src SettingsSource, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{settings: src, sender: sender, logger: logger}
}

// Display shows n and reports the outcome. It never returns an error.
func (d *Notifier) Display(ctx context.Context, n Notification) Result {
	res := d.display(ctx, n)
	d.logger.Info("notification display", "id", n.ID, "channel", n.Channel, "result", res.String())
	return res
}

func (d *Notifier) display(ctx context.Context, n Notification) Result {
	s, err := d.settings.Get()
	if err != nil {
		return exception(fmt.Errorf("reading settings: %w", err))
	}
	switch {
	case !s.PermissionGranted:
		return failed(ReasonPermissionDenied)
	case !s.SystemEnabled:
		return failed(ReasonSystemDisabled)
	case s.ChannelBlocked(n.Channel):
		return failed(ReasonChannelBlocked)
	}

	err = d.sender.Send(ctx, Delivery{Token: s.DeviceToken, Notification: n})
	switch {
	case err == nil:
		return success()
	case errors.Is(err, ErrNoDevice):
		return failed(ReasonNoDevice)
	case errors.Is(err, ErrUnregistered):
		return failed(ReasonUnregistered)
	default:
		return exception(err)
	}
}
