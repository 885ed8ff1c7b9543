package push

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2/google"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

const firebaseMessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// FCMDispatcher sends data messages through the FCM v1 API using a
// service-account token source. One notification fans out to every
// device token registered for the recipient.
type FCMDispatcher struct {
	svc       *fcm.Service
	parent    string
	tokens    TokenReader
	logger    calllog.Logger
	sendRetry uint64
}

// TokenReader looks up the registered device tokens for a user.
type TokenReader interface {
	TokensForUser(ctx context.Context, userID string) ([]DeviceToken, error)
}

// NewFCMDispatcher authenticates with the service-account credentials
// file and builds the messaging client.
func NewFCMDispatcher(ctx context.Context, cfg config.PushConfig, tokens TokenReader) (*FCMDispatcher, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(data, firebaseMessagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}

	svc, err := fcm.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create messaging service: %w", err)
	}

	return &FCMDispatcher{
		svc:       svc,
		parent:    "projects/" + cfg.ProjectID,
		tokens:    tokens,
		logger:    calllog.L().Named("push.fcm"),
		sendRetry: 2,
	}, nil
}

// Notify sends the notification to each of the user's devices. Per-device
// failures are collected; a partially failed fan-out still reaches the
// devices that succeeded.
func (d *FCMDispatcher) Notify(ctx context.Context, n Notification) error {
	devices, err := d.tokens.TokensForUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("look up device tokens: %w", err)
	}
	if len(devices) == 0 {
		d.logger.Debug("no registered devices",
			calllog.String("user_id", n.UserID))
		return nil
	}

	var errs []error
	for _, dev := range devices {
		if err := d.send(ctx, dev.Token, n); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", dev.Platform, err))
		}
	}
	return errors.Join(errs...)
}

func (d *FCMDispatcher) send(ctx context.Context, deviceToken string, n Notification) error {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: deviceToken,
			Data:  n.Data(),
			Android: &fcm.AndroidConfig{
				Priority: "high",
			},
		},
	}

	attempt := func() error {
		_, err := d.svc.Projects.Messages.Send(d.parent, req).Context(ctx).Do()
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.sendRetry), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DeviceToken is one registered push target.
type DeviceToken struct {
	UserID    string
	Platform  string // "android", "ios", "web"
	Token     string
	CreatedAt time.Time
}
