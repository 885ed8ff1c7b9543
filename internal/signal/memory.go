package signal

import (
	"context"
	"sync"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
)

// MemoryFeed is an in-process Feed for tests and single-process
// deployments. Subscribe-before-publish ordering holds: once Subscribe
// returns, every later Publish on the topic is delivered or counted as
// dropped under backpressure.
type MemoryFeed struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	buffer int
	closed bool
	logger calllog.Logger
}

type memorySub struct {
	feed   *MemoryFeed
	topic  string
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewMemoryFeed returns an empty feed with the given per-subscription
// buffer size (0 means DefaultSubscribeBuffer).
func NewMemoryFeed(buffer int) *MemoryFeed {
	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}
	return &MemoryFeed{
		subs:   make(map[string][]*memorySub),
		buffer: buffer,
		logger: calllog.L().Named("signal.memory"),
	}
}

func (f *MemoryFeed) Publish(_ context.Context, topic string, ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	for _, sub := range f.subs[topic] {
		sub.deliver(ev, f.logger)
	}
	return nil
}

func (f *MemoryFeed) Subscribe(_ context.Context, topic string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	sub := &memorySub{
		feed:  f,
		topic: topic,
		ch:    make(chan Event, f.buffer),
	}
	f.subs[topic] = append(f.subs[topic], sub)
	return sub, nil
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, subs := range f.subs {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	f.subs = nil
	return nil
}

func (s *memorySub) deliver(ev Event, logger calllog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		logger.Warn("subscriber buffer full, dropping event",
			calllog.String("topic", s.topic),
			calllog.String("event", string(ev.Type)))
	}
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.feed.mu.Lock()
	subs := s.feed.subs[s.topic]
	for i, other := range subs {
		if other == s {
			s.feed.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.feed.mu.Unlock()

	s.shutdown()
	return nil
}

func (s *memorySub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
