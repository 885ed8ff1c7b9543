package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
)

const (
	wsMethodSubscribe   = "subscribe"
	wsMethodUnsubscribe = "unsubscribe"
	wsMethodPublish     = "publish"
	wsMethodEvent       = "event"

	wsWriteTimeout = 10 * time.Second
	wsAckTimeout   = 10 * time.Second
)

type wsTopicParams struct {
	Topic string `json:"topic"`
}

type wsEventParams struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// wsFrame is the incoming message shape: either a response to one of our
// requests (id + result/error) or an "event" notification.
type wsFrame struct {
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params"`
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *jsonrpc2.Error  `json:"error"`
}

// WebSocketFeed implements Feed against a realtime bridge speaking
// JSON-RPC over a websocket. The connection is re-dialed with exponential
// backoff on failure and every live topic is resubscribed, so local
// subscriptions survive bridge restarts.
type WebSocketFeed struct {
	url    string
	buffer int
	logger calllog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string][]*wsSub
	acks   map[uint64]chan *jsonrpc2.Error
	nextID uint64
	closed bool

	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebSocketFeed dials the bridge and starts the read loop.
func NewWebSocketFeed(url string, buffer int) (*WebSocketFeed, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}
	f := &WebSocketFeed{
		url:    url,
		buffer: buffer,
		logger: calllog.L().Named("signal.websocket"),
		conn:   conn,
		subs:   make(map[string][]*wsSub),
		acks:   make(map[uint64]chan *jsonrpc2.Error),
		done:   make(chan struct{}),
	}
	go f.readLoop(conn)
	return f, nil
}

func (f *WebSocketFeed) Publish(_ context.Context, topic string, ev Event) error {
	params, err := json.Marshal(wsEventParams{Topic: topic, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.send(&jsonrpc2.Request{
		Method: wsMethodPublish,
		Params: (*json.RawMessage)(&params),
		Notif:  true,
	})
}

// Subscribe registers the local subscription, tells the bridge, and waits
// for its acknowledgement so the subscription is live on return.
func (f *WebSocketFeed) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	sub := &wsSub{
		feed:  f,
		topic: topic,
		ch:    make(chan Event, f.buffer),
	}
	f.subs[topic] = append(f.subs[topic], sub)
	f.mu.Unlock()

	if err := f.call(ctx, wsMethodSubscribe, topic); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// call sends one request and waits for the bridge's response.
func (f *WebSocketFeed) call(ctx context.Context, method, topic string) error {
	params, err := json.Marshal(wsTopicParams{Topic: topic})
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	ack := make(chan *jsonrpc2.Error, 1)
	f.acks[id] = ack
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.acks, id)
		f.mu.Unlock()
	}()

	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: id},
	}
	if err := f.send(req); err != nil {
		return err
	}

	timer := time.NewTimer(wsAckTimeout)
	defer timer.Stop()
	select {
	case rpcErr := <-ack:
		if rpcErr != nil {
			return fmt.Errorf("%s %s: %w", method, topic, rpcErr)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s %s: bridge ack timeout", method, topic)
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrFeedClosed
	}
}

func (f *WebSocketFeed) send(msg any) error {
	f.mu.Lock()
	conn := f.conn
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrFeedClosed
	}
	if conn == nil {
		return fmt.Errorf("signal: bridge connection down")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (f *WebSocketFeed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn("bridge connection lost", calllog.Error(err))
			}
			f.reconnect()
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Warn("dropping undecodable frame", calllog.Error(err))
			continue
		}

		switch {
		case frame.Method == wsMethodEvent && frame.Params != nil:
			var ep wsEventParams
			if err := json.Unmarshal(*frame.Params, &ep); err != nil {
				f.logger.Warn("dropping undecodable event", calllog.Error(err))
				continue
			}
			f.dispatch(ep.Topic, ep.Event)

		case frame.ID != 0:
			f.mu.Lock()
			ack, ok := f.acks[frame.ID]
			f.mu.Unlock()
			if ok {
				ack <- frame.Error
			}
		}
	}
}

func (f *WebSocketFeed) dispatch(topic string, ev Event) {
	f.mu.Lock()
	subs := append([]*wsSub(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(ev, f.logger)
	}
}

// reconnect re-dials with exponential backoff and resubscribes every
// live topic. It gives up only when the feed is closed.
func (f *WebSocketFeed) reconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until closed

	var conn *websocket.Conn
	dial := func() error {
		select {
		case <-f.done:
			return backoff.Permanent(ErrFeedClosed)
		default:
		}
		c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			f.logger.Warn("bridge redial failed", calllog.Error(err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(dial, policy); err != nil {
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.conn = conn
	topics := make([]string, 0, len(f.subs))
	for topic, subs := range f.subs {
		if len(subs) > 0 {
			topics = append(topics, topic)
		}
	}
	f.mu.Unlock()

	go f.readLoop(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, topic := range topics {
		if err := f.call(ctx, wsMethodSubscribe, topic); err != nil {
			f.logger.Error("resubscribe failed",
				calllog.String("topic", topic),
				calllog.Error(err))
		}
	}
	f.logger.Info("bridge connection restored",
		calllog.Int("topics", len(topics)))
}

func (f *WebSocketFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.conn = nil
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	close(f.done)
	for _, topicSubs := range subs {
		for _, sub := range topicSubs {
			sub.shutdown()
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type wsSub struct {
	feed   *WebSocketFeed
	topic  string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *wsSub) deliver(ev Event, logger calllog.Logger) {
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

func (s *wsSub) Events() <-chan Event { return s.ch }

func (s *wsSub) Close() error {
	f := s.feed
	f.mu.Lock()
	if f.subs != nil {
		subs := f.subs[s.topic]
		for i, other := range subs {
			if other == s {
				f.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(f.subs[s.topic]) == 0 {
			delete(f.subs, s.topic)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			go func() {
				defer cancel()
				f.call(ctx, wsMethodUnsubscribe, s.topic)
			}()
		}
	}
	f.mu.Unlock()

	s.shutdown()
	return nil
}

func (s *wsSub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
