package signal

import (
	"context"
	"errors"
)

// ErrFeedClosed is returned by Publish and Subscribe after Close.
var ErrFeedClosed = errors.New("signal: feed closed")

// DefaultSubscribeBuffer is the per-subscription event buffer used when
// the configured size is zero.
const DefaultSubscribeBuffer = 64

// TopicCall is the channel carrying every event for one call.
func TopicCall(callID string) string { return "call:" + callID }

// TopicUser is the channel carrying user-directed events, currently the
// incoming-call announcements.
func TopicUser(userID string) string { return "user:" + userID }

// Feed is the realtime change feed. Delivery is at-most-once and lossy
// under subscriber backpressure; the call store row stays authoritative,
// so a subscriber that misses an event recovers by re-reading the row.
type Feed interface {
	// Publish sends one event to every current subscriber of the topic.
	Publish(ctx context.Context, topic string, ev Event) error
	// Subscribe opens a subscription. It returns only after the
	// subscription is live: events published after Subscribe returns
	// are delivered. Callers must Close the subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is one live topic subscription.
type Subscription interface {
	// Events yields delivered events. The channel closes when the
	// subscription or its feed is closed.
	Events() <-chan Event
	Close() error
}
