package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers through Firebase Cloud Messaging.
type FCMSender struct {
	client messagingClient
	logger *slog.Logger
}

// FCMConfig selects the Firebase project and credentials.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// NewFCMSender initialises a Firebase app and its messaging client. Without
// a credentials file the application default credentials are used.
func NewFCMSender(ctx context.Context, cfg FCMConfig, logger *slog.Logger) (*FCMSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	var conf *firebase.Config
	if cfg.ProjectID != "" {
		conf = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing FCM client: %w", err)
	}
	return &FCMSender{client: client, logger: logger}, nil
}

// Send implements Sender.
func (s *FCMSender) Send(ctx context.Context, d Delivery) error {
	if d.Token == "" {
		return ErrNoDevice
	}
	id, err := s.client.Send(ctx, buildMessage(d))
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", ErrUnregistered, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	s.logger.Debug("fcm message sent", "message_id", id, "notification_id", d.Notification.ID)
	return nil
}

func buildMessage(d Delivery) *messaging.Message {
	n := d.Notification
	tag := strconv.FormatInt(int64(n.ID), 10)

	data := make(map[string]string, len(n.Data)+2)
	for k, v := range n.Data {
		data[k] = v
	}
	data["notification_id"] = tag
	data["channel"] = n.Channel

	return &messaging.Message{
		Token: d.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Tag:       tag,
				ChannelID: n.Channel,
			},
		},
	}
}

// LogSender writes notifications to the log instead of a device. Used in
// development and when no push credentials are configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, d Delivery) error {
	n := d.Notification
	s.logger.Info("notification", "id", n.ID, "channel", n.Channel, "title", n.Title, "body", n.Body, "data", n.Data)
	return nil
}
