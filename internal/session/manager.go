package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
)

// Manager owns every CallSession of the local user. It watches the user's
// feed topic for incoming-call announcements, enforces the one-live-call
// policy, and fans session updates out to the consumer.
type Manager struct {
	log  calllog.Logger
	deps Deps

	updates chan Update

	mu       sync.Mutex
	sessions map[string]*CallSession
	starting *CallSession
	closed   bool
}

// NewManager wires a manager around its collaborators.
func NewManager(deps Deps) *Manager {
	return &Manager{
		log:      calllog.L().Named("session"),
		deps:     deps,
		updates:  make(chan Update, 32),
		sessions: make(map[string]*CallSession),
	}
}

// Updates yields UI-facing session events. Delivery is lossy under
// backpressure; session accessors always carry current state.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Watch subscribes to the user's feed topic and consumes it in the
// background until the context ends. It returns once the subscription is
// live, so announcements published after Watch returns are never missed.
func (m *Manager) Watch(ctx context.Context) error {
	sub, err := m.deps.Feed.Subscribe(ctx, signal.TopicUser(m.deps.Self.UserID))
	if err != nil {
		return fmt.Errorf("subscribe user topic: %w", err)
	}
	m.log.Info("watching for incoming calls", calllog.String("user", m.deps.Self.UserID))
	go m.watchLoop(ctx, sub)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, sub signal.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == signal.EventCallIncoming {
				m.handleIncoming(ctx, ev)
			}
		}
	}
}

func (m *Manager) handleIncoming(ctx context.Context, ev signal.Event) {
	if ev.ToID != m.deps.Self.UserID {
		return
	}
	var p signal.IncomingPayload
	if err := ev.Decode(&p); err != nil {
		m.log.Warn("bad incoming-call event", calllog.Error(err))
		return
	}
	if p.IsGroup {
		// Group invites ring through the participant row path; the mesh
		// coordinator joins on accept. Surface the announcement only.
		m.emit(Update{
			Kind:     UpdateIncoming,
			CallID:   ev.CallID,
			CallType: callstore.CallType(p.CallType),
			IsGroup:  true,
		})
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.sweepLocked()
	if _, exists := m.sessions[ev.CallID]; exists {
		m.mu.Unlock()
		return
	}
	s := newSession(m.deps, RoleCallee, m.emit)
	s.bindIncoming(ev.CallID, ev.FromID, p.ChatID, callstore.CallType(p.CallType))
	m.sessions[ev.CallID] = s
	m.mu.Unlock()

	s.lookupRemote(ctx, ev.FromID)
	m.log.Info("incoming call",
		calllog.String("call_id", ev.CallID),
		calllog.String("caller", ev.FromID),
		calllog.String("type", p.CallType))
	m.emit(Update{
		Kind:     UpdateIncoming,
		CallID:   ev.CallID,
		State:    StateRinging,
		Remote:   s.RemoteProfile(),
		CallType: callstore.CallType(p.CallType),
	})
}

// StartCall places an outbound 1:1 call and returns its live session.
func (m *Manager) StartCall(ctx context.Context, calleeID, chatID string, callType callstore.CallType) (*CallSession, error) {
	if calleeID == "" || calleeID == m.deps.Self.UserID {
		return nil, fmt.Errorf("session: invalid callee %q", calleeID)
	}
	switch callType {
	case callstore.CallTypeVoice, callstore.CallTypeVideo:
	default:
		return nil, fmt.Errorf("session: invalid call type %q", callType)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEnded
	}
	m.sweepLocked()
	if m.starting != nil || m.liveLocked() != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(m.deps, RoleCaller, m.emit)
	m.starting = s
	m.mu.Unlock()

	err := s.startOutbound(ctx, calleeID, chatID, callType)

	m.mu.Lock()
	m.starting = nil
	if err == nil {
		m.sessions[s.CallID()] = s
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptCall answers a ringing inbound call. When no ringing session
// exists (the announcement was missed and the user arrived via push), a
// fresh callee session is built from the row.
func (m *Manager) AcceptCall(ctx context.Context, callID string) (*CallSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEnded
	}
	m.sweepLocked()
	if m.starting != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if live := m.liveLocked(); live != nil && live.CallID() != callID {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s, ok := m.sessions[callID]
	m.mu.Unlock()

	if !ok {
		call, err := m.deps.Store.GetCall(ctx, callID)
		if err != nil {
			return nil, fmt.Errorf("could not accept call: %w", err)
		}
		fresh := newSession(m.deps, RoleCallee, m.emit)
		fresh.bindIncoming(call.ID, call.CallerID, call.ChatID, call.CallType)
		m.mu.Lock()
		if existing, raced := m.sessions[callID]; raced {
			s = existing
		} else {
			m.sessions[callID] = fresh
			s = fresh
		}
		m.mu.Unlock()
	}

	if err := s.accept(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// RejectCall declines a ringing inbound call.
func (m *Manager) RejectCall(ctx context.Context, callID string) error {
	s := m.Session(callID)
	if s == nil {
		return ErrNoCall
	}
	return s.Reject(ctx)
}

// EndCall terminates the given call.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	s := m.Session(callID)
	if s == nil {
		return ErrNoCall
	}
	return s.End(ctx)
}

// Session returns the session for a call id, or nil.
func (m *Manager) Session(callID string) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// Active returns the current live session, or nil. Ringing inbound
// sessions do not count as live until accepted.
func (m *Manager) Active() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

// Close tears down every session locally. Row writes are the callers'
// business: process shutdown must not decide a call's outcome.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*CallSession, 0, len(m.sessions)+1)
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	if m.starting != nil {
		sessions = append(sessions, m.starting)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.teardown("manager shutdown")
	}
	return nil
}

func (m *Manager) emit(u Update) {
	select {
	case m.updates <- u:
	default:
		m.log.Debug("update dropped", calllog.String("kind", string(u.Kind)))
	}
}

// liveLocked finds the session currently owning media, if any.
func (m *Manager) liveLocked() *CallSession {
	for _, s := range m.sessions {
		switch s.State() {
		case StateCalling, StateConnecting, StateActive:
			return s
		}
	}
	return nil
}

// sweepLocked drops ended sessions from the registry.
func (m *Manager) sweepLocked() {
	for id, s := range m.sessions {
		if s.State() == StateEnded {
			delete(m.sessions, id)
		}
	}
}
