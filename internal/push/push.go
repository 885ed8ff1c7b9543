// Package push delivers best-effort out-of-band call notifications.
// Delivery failures are logged by callers and never block call setup.
package push

import (
	"context"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
)

// Notification is one off-band call announcement.
type Notification struct {
	// UserID selects the recipient's registered devices.
	UserID string
	// CallID, CallerID, CallerName and CallType render the incoming-call
	// UI on the receiving device.
	CallID     string
	CallerID   string
	CallerName string
	CallType   string
	IsGroup    bool
}

// Data flattens the notification into FCM data-message fields.
func (n Notification) Data() map[string]string {
	group := "false"
	if n.IsGroup {
		group = "true"
	}
	return map[string]string{
		"type":        "incoming_call",
		"call_id":     n.CallID,
		"caller_id":   n.CallerID,
		"caller_name": n.CallerName,
		"call_type":   n.CallType,
		"is_group":    group,
	}
}

// Dispatcher sends one notification to every registered device of the
// recipient.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopDispatcher drops notifications. Used when push is disabled.
type NoopDispatcher struct{}

func (NoopDispatcher) Notify(context.Context, Notification) error { return nil }

// LogDispatcher records notifications in the log only. Development aid.
type LogDispatcher struct {
	Logger calllog.Logger
}

func (d LogDispatcher) Notify(_ context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = calllog.L().Named("push")
	}
	logger.Info("push notification (log only)",
		calllog.String("user_id", n.UserID),
		calllog.String("call_id", n.CallID),
		calllog.String("call_type", n.CallType))
	return nil
}
