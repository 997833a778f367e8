package provider

import (
	"context"
	"errors"

	"notifyd/internal/notification"
	"notifyd/internal/payload"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMDriver opens one Firebase app per brand from a service-account file.
type FCMDriver struct{}

func (FCMDriver) Name() string              { return "fcm" }
func (FCMDriver) NeedsCredentialFile() bool { return true }

func (FCMDriver) Open(ctx context.Context, brand, credentialFile string) (App, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialFile))
	if err != nil {
		return nil, err
	}
	return &fcmApp{app: app}, nil
}

type fcmApp struct {
	app *firebase.App
}

func (a *fcmApp) Client(ctx context.Context) (Client, error) {
	mc, err := a.app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return NewFCMClient(mc), nil
}

// fcmSender is the subset of *messaging.Client used here.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMClient struct {
	sender fcmSender
}

func NewFCMClient(s fcmSender) *FCMClient { return &FCMClient{sender: s} }

func (c *FCMClient) Send(ctx context.Context, msg *payload.Message) (string, error) {
	if msg == nil {
		return "", errors.New("fcm: nil message")
	}
	id, err := c.sender.Send(ctx, toFCM(msg))
	if err != nil {
		return "", classifyFCM(err)
	}
	return id, nil
}

func toFCM(msg *payload.Message) *messaging.Message {
	m := &messaging.Message{
		Token: msg.Token,
		Data:  msg.Data,
	}
	switch msg.Platform {
	case notification.PlatformIOS:
		aps := &messaging.Aps{}
		if msg.Alert != nil {
			badge := msg.Alert.Badge
			aps.Alert = &messaging.ApsAlert{Title: msg.Alert.Title, Body: msg.Alert.Body}
			aps.Sound = msg.Alert.Sound
			aps.Badge = &badge
		}
		headers := map[string]string{"apns-priority": "5"}
		if msg.Priority == "high" {
			headers["apns-priority"] = "10"
		}
		if msg.CollapseKey != "" {
			headers["apns-collapse-id"] = msg.CollapseKey
		}
		m.APNS = &messaging.APNSConfig{
			Headers: headers,
			Payload: &messaging.APNSPayload{Aps: aps},
		}
	default:
		ac := &messaging.AndroidConfig{
			Priority:    msg.Priority,
			CollapseKey: msg.CollapseKey,
		}
		if msg.TTL > 0 {
			ttl := msg.TTL
			ac.TTL = &ttl
		}
		m.Android = ac
	}
	return m
}

func classifyFCM(err error) error {
	return &SendError{
		Err: err,
		Retryable: messaging.IsQuotaExceeded(err) ||
			messaging.IsInternal(err) ||
			messaging.IsUnavailable(err),
		Unregistered: messaging.IsUnregistered(err),
	}
}
