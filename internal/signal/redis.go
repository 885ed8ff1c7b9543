package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// RedisFeed implements Feed over Redis pub/sub. Topics map one-to-one
// onto Redis channels, so multiple daemons sharing one Redis see each
// other's signaling writes.
type RedisFeed struct {
	client *redis.Client
	buffer int
	logger calllog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisFeed connects to Redis and verifies the connection with a few
// retried pings before returning.
func NewRedisFeed(cfg config.RedisConfig, buffer int) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(ping, policy); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}
	return &RedisFeed{
		client: client,
		buffer: buffer,
		logger: calllog.L().Named("signal.redis"),
	}, nil
}

func (f *RedisFeed) Publish(ctx context.Context, topic string, ev Event) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrFeedClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and waits for the server's
// subscription confirmation, so events published after Subscribe returns
// are seen.
func (f *RedisFeed) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFeedClosed
	}

	pubsub := f.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Event, f.buffer),
		done:   make(chan struct{}),
	}
	go sub.pump(topic, f.logger)
	return sub, nil
}

func (f *RedisFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) pump(topic string, logger calllog.Logger) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn("dropping undecodable event",
				calllog.String("topic", topic),
				calllog.Error(err))
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		default:
			logger.Warn("subscriber buffer full, dropping event",
				calllog.String("topic", topic),
				calllog.String("event", string(ev.Type)))
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
