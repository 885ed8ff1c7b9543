// Package session drives 1:1 call lifecycles. A CallSession owns one peer
// connection, one local capture stream, and a single event loop that
// consumes feed events and transport callbacks in order. The call row in
// the store stays authoritative; the loop reacts to announcements and
// recovers from missed ones by re-reading the row.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/identity"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/quality"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/turncreds"
)

var (
	// ErrBusy reports that another call is already in progress.
	ErrBusy = errors.New("session: another call is in progress")
	// ErrNotRinging reports an accept or reject against a call that is
	// not awaiting one.
	ErrNotRinging = errors.New("session: call is not awaiting accept")
	// ErrEnded reports an operation against an already-terminal call.
	ErrEnded = errors.New("session: call already ended")
	// ErrNoCall reports an operation against a session with no call.
	ErrNoCall = errors.New("session: no active call")
	// ErrNoVideo reports a video operation on a voice call.
	ErrNoVideo = errors.New("session: call has no video track")
	// ErrConnectionLost is surfaced after the transport failed and the
	// single automatic recovery attempt did not bring it back. The call
	// stays nominally active until explicitly ended.
	ErrConnectionLost = errors.New("session: connection lost")
)

// Role distinguishes the offering from the answering side.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the session lifecycle state. The persisted row status is
// related but not identical: the row goes active when the answer lands,
// the session goes active when media actually flows.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Deps bundles the collaborators sessions need. All fields are required
// except Push and Directory, which fall back to no-ops.
type Deps struct {
	Store     callstore.Store
	Feed      signal.Feed
	Media     media.Engine
	Peers     rtc.Factory
	ICE       turncreds.Provider
	Push      push.Dispatcher
	Directory directory.Directory
	Self      identity.Identity
	Audio     media.AudioProcessing
	Quality   config.QualityConfig
}

// CallSession is one 1:1 call. All mutable state is owned by the session;
// the event loop applies feed events and transport callbacks in arrival
// order, and teardown is idempotent across every exit path.
type CallSession struct {
	log    calllog.Logger
	deps   Deps
	notify func(Update)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	candCh  chan string
	stateCh chan webrtc.PeerConnectionState
	tierCh  chan media.VideoTier

	cleaning atomic.Bool

	mu            sync.Mutex
	state         State
	role          Role
	callID        string
	remoteID      string
	chatID        string
	callType      callstore.CallType
	remoteProfile directory.Profile
	stream        media.Stream
	activeVideo   media.Track
	sideStreams   []media.Stream
	cameraID      string
	peer          rtc.Peer
	sub           signal.Subscription
	monitor       *quality.Monitor
	policy        *quality.AdaptivePolicy
	tier          media.VideoTier
	adaptive      bool
	muted         bool
	videoOff      bool
	awaitingOffer bool
	answered      bool
	restarted     bool
	loopDone      chan struct{}
}

func newSession(deps Deps, role Role, notify func(Update)) *CallSession {
	tier, err := media.ParseTier(deps.Quality.InitialTier, deps.Media.Class())
	if err != nil {
		tier = media.ClampTier(media.TierHigh, deps.Media.Class())
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		log:        calllog.L().Named("session"),
		deps:       deps,
		notify:     notify,
		lifeCtx:    lifeCtx,
		lifeCancel: cancel,
		candCh:     make(chan string, 64),
		stateCh:    make(chan webrtc.PeerConnectionState, 8),
		tierCh:     make(chan media.VideoTier, 1),
		state:      StateIdle,
		role:       role,
		tier:       tier,
		adaptive:   deps.Quality.InitialTier == "" || deps.Quality.InitialTier == "auto",
	}
}

// ---- accessors ----

func (s *CallSession) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *CallSession) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// RemoteProfile returns the directory profile of the other side, when the
// lookup succeeded. Zero value otherwise.
func (s *CallSession) RemoteProfile() directory.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteProfile
}

func (s *CallSession) CallType() callstore.CallType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callType
}

func (s *CallSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *CallSession) VideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// Tier reports the current outgoing video tier.
func (s *CallSession) Tier() media.VideoTier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// Quality reports the most recent quality sample, if the monitor has one.
func (s *CallSession) Quality() (quality.Sample, bool) {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m == nil {
		return quality.Sample{}, false
	}
	return m.Current()
}

// QualityHistory returns up to n recent samples, newest first.
func (s *CallSession) QualityHistory(n int) []quality.Sample {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Recent(n)
}

// ---- outbound call setup ----

// startOutbound runs the caller-side setup sequence. Media comes first so
// a permission failure never leaves a call row behind. The feed
// subscription is opened before the offer is generated so a fast answer
// cannot slip past the listener.
func (s *CallSession) startOutbound(ctx context.Context, calleeID, chatID string, callType callstore.CallType) error {
	constraints := media.Constraints{
		Video: callType == callstore.CallTypeVideo,
		Tier:  s.tier,
		Audio: s.deps.Audio,
	}
	stream, err := s.deps.Media.Acquire(ctx, constraints)
	if err != nil {
		s.teardown("media acquisition failed")
		return fmt.Errorf("acquire media: %w", err)
	}

	callID := uuid.NewString()
	now := time.Now().UTC()
	call := &callstore.Call{
		ID:              callID,
		CallerID:        s.deps.Self.UserID,
		CalleeID:        calleeID,
		ChatID:          chatID,
		CallType:        callType,
		Status:          callstore.CallPending,
		MaxParticipants: 2,
		CreatedAt:       now,
	}
	if err := s.deps.Store.CreateCall(ctx, call); err != nil {
		stream.Close()
		s.teardown("call row create failed")
		return fmt.Errorf("could not start call: %w", err)
	}

	s.mu.Lock()
	s.callID = callID
	s.remoteID = calleeID
	s.chatID = chatID
	s.callType = callType
	s.stream = stream
	if videos := stream.VideoTracks(); len(videos) > 0 {
		s.activeVideo = videos[0]
	}
	s.log = s.log.With(calllog.String("call_id", callID), calllog.String("role", string(RoleCaller)))
	s.mu.Unlock()

	// Ring the callee. The row plus the push notification cover a missed
	// feed event, so a publish failure does not abort the call.
	incoming := signal.NewIncomingEvent(callID, s.deps.Self.UserID, calleeID, chatID, string(callType), false)
	if err := s.deps.Feed.Publish(ctx, signal.TopicUser(calleeID), incoming); err != nil {
		s.log.Warn("incoming-call announce failed", calllog.Error(err))
	}

	sub, err := s.deps.Feed.Subscribe(ctx, signal.TopicCall(callID))
	if err != nil {
		s.abortStart(ctx, stream)
		return fmt.Errorf("could not start call: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	peer, err := s.buildPeer(ctx, stream)
	if err != nil {
		s.abortStart(ctx, stream)
		return fmt.Errorf("could not start call: %w", err)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		s.abortStart(ctx, stream)
		return fmt.Errorf("could not start call: %w", err)
	}
	if err := s.deps.Store.SetOffer(ctx, callID, offer); err != nil {
		s.abortStart(ctx, stream)
		return fmt.Errorf("could not start call: %w", err)
	}
	s.publish(signal.NewOfferEvent(callID, s.deps.Self.UserID, offer))

	s.setState(StateCalling)
	s.log.Info("call started",
		calllog.String("callee", calleeID),
		calllog.String("type", string(callType)))

	s.notifyPush(ctx, calleeID, callID, callType, false)
	s.lookupRemote(ctx, calleeID)

	s.startLoop()
	return nil
}

// abortStart unwinds a partially built outbound call. The pending row is
// best-effort marked ended so the callee never rings on a corpse.
func (s *CallSession) abortStart(ctx context.Context, stream media.Stream) {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID != "" {
		if err := s.deps.Store.SetStatus(ctx, callID, callstore.CallEnded, time.Now().UTC()); err != nil {
			s.log.Warn("abandoned call row not closed", calllog.Error(err))
		}
	}
	stream.Close()
	s.teardown("start aborted")
}

// ---- inbound call setup ----

// bindIncoming seeds a callee session from the incoming-call announcement.
func (s *CallSession) bindIncoming(callID, callerID, chatID string, callType callstore.CallType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
	s.remoteID = callerID
	s.chatID = chatID
	s.callType = callType
	s.state = StateRinging
	s.log = s.log.With(calllog.String("call_id", callID), calllog.String("role", string(RoleCallee)))
}

// accept runs the callee-side setup. Subscription precedes the row fetch
// so an offer landing between the two is seen either in the row or on the
// feed, never neither. The answer is written at most once, and only after
// an offer was observed.
func (s *CallSession) accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrEnded
	}
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	callID := s.callID
	s.mu.Unlock()

	sub, err := s.deps.Feed.Subscribe(ctx, signal.TopicCall(callID))
	if err != nil {
		return fmt.Errorf("could not accept call: %w", err)
	}

	call, err := s.deps.Store.GetCall(ctx, callID)
	if err != nil {
		sub.Close()
		return fmt.Errorf("could not accept call: %w", err)
	}
	if call.Status.Terminal() {
		sub.Close()
		s.teardown("call ended before accept")
		return ErrEnded
	}
	if call.CalleeID != s.deps.Self.UserID {
		sub.Close()
		return fmt.Errorf("could not accept call: call %s is addressed to %s", callID, call.CalleeID)
	}

	constraints := media.Constraints{
		Video: call.CallType == callstore.CallTypeVideo,
		Tier:  s.tier,
		Audio: s.deps.Audio,
	}
	stream, err := s.deps.Media.Acquire(ctx, constraints)
	if err != nil {
		sub.Close()
		return fmt.Errorf("acquire media: %w", err)
	}

	s.mu.Lock()
	s.remoteID = call.CallerID
	s.chatID = call.ChatID
	s.callType = call.CallType
	s.sub = sub
	s.stream = stream
	if videos := stream.VideoTracks(); len(videos) > 0 {
		s.activeVideo = videos[0]
	}
	s.mu.Unlock()

	peer, err := s.buildPeer(ctx, stream)
	if err != nil {
		s.teardown("peer setup failed")
		return fmt.Errorf("could not accept call: %w", err)
	}

	if call.Offer.Valid && call.Offer.String != "" {
		answer, err := peer.AcceptOffer(ctx, call.Offer.String)
		if err != nil {
			s.teardown("offer rejected")
			return fmt.Errorf("could not accept call: %w", err)
		}
		if err := s.writeAnswer(ctx, answer); err != nil {
			s.teardown("answer write failed")
			return fmt.Errorf("could not accept call: %w", err)
		}
	} else {
		// Raced the caller's offer write. The feed handler answers when
		// the offer event arrives.
		s.mu.Lock()
		s.awaitingOffer = true
		s.mu.Unlock()
		s.log.Info("accepted before offer landed, deferring answer")
	}

	s.setState(StateConnecting)
	s.lookupRemote(ctx, call.CallerID)
	s.startLoop()
	return nil
}

// writeAnswer persists the answer, which also flips the row active and
// stamps started_at, then mirrors both changes onto the feed.
func (s *CallSession) writeAnswer(ctx context.Context, answer string) error {
	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		return callstore.ErrAnswerAlreadySet
	}
	callID := s.callID
	s.mu.Unlock()

	if err := s.deps.Store.SetAnswer(ctx, callID, answer, time.Now().UTC()); err != nil {
		return err
	}
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()

	s.publish(signal.NewAnswerEvent(callID, s.deps.Self.UserID, answer))
	s.publish(signal.NewStatusEvent(callID, s.deps.Self.UserID, string(callstore.CallActive)))
	s.log.Info("answer written")
	return nil
}

// ---- peer construction ----

// buildPeer creates the transport, registers every callback before any
// description is exchanged, and attaches the local tracks.
func (s *CallSession) buildPeer(ctx context.Context, stream media.Stream) (rtc.Peer, error) {
	servers := s.deps.ICE.ICEServers(ctx)
	peer, err := s.deps.Peers.NewPeer(ctx, servers)
	if err != nil {
		return nil, fmt.Errorf("build peer: %w", err)
	}

	peer.OnLocalCandidate(func(candidate string) {
		select {
		case s.candCh <- candidate:
		case <-s.lifeCtx.Done():
		}
	})
	peer.OnStateChange(func(state webrtc.PeerConnectionState) {
		select {
		case s.stateCh <- state:
		case <-s.lifeCtx.Done():
		}
	})
	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		s.log.Info("remote track arrived",
			calllog.String("kind", track.Kind().String()),
			calllog.String("track", track.ID()))
		s.emit(Update{Kind: UpdateRemoteTrack, Track: track})
	})

	for _, t := range stream.AudioTracks() {
		if err := peer.AddTrack(t); err != nil {
			peer.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}
	for _, t := range stream.VideoTracks() {
		if err := peer.AddTrack(t); err != nil {
			peer.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
	}

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	return peer, nil
}

// ---- terminal operations ----

// Reject declines a ringing inbound call and tears the session down.
func (s *CallSession) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	callID := s.callID
	s.mu.Unlock()

	err := s.deps.Store.SetStatus(ctx, callID, callstore.CallRejected, time.Now().UTC())
	if errors.Is(err, callstore.ErrCallTerminal) {
		err = nil
	}
	if err == nil {
		if perr := s.deps.Feed.Publish(ctx, signal.TopicCall(callID), signal.NewStatusEvent(callID, s.deps.Self.UserID, string(callstore.CallRejected))); perr != nil {
			s.log.Warn("reject announce failed", calllog.Error(perr))
		}
	}
	s.teardown("rejected locally")
	return err
}

// End terminates the call from this side. Safe to call repeatedly and
// from any state; local resources are released even when the row write
// fails.
func (s *CallSession) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	callID := s.callID
	s.mu.Unlock()
	if callID == "" {
		s.teardown("ended before start")
		return nil
	}

	err := s.deps.Store.SetStatus(ctx, callID, callstore.CallEnded, time.Now().UTC())
	if errors.Is(err, callstore.ErrCallTerminal) {
		err = nil
	}
	if err == nil {
		if perr := s.deps.Feed.Publish(ctx, signal.TopicCall(callID), signal.NewStatusEvent(callID, s.deps.Self.UserID, string(callstore.CallEnded))); perr != nil {
			s.log.Warn("end announce failed", calllog.Error(perr))
		}
	}
	s.teardown("ended locally")
	return err
}

// ---- event loop ----

func (s *CallSession) startLoop() {
	s.mu.Lock()
	if s.loopDone != nil || s.cleaning.Load() {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.loopDone = done
	sub := s.sub
	s.mu.Unlock()
	go s.run(sub, done)
}

// run is the session's single event loop. Feed events, transport state
// changes, gathered candidates and tier recommendations are all applied
// here, preserving arrival order within each source.
func (s *CallSession) run(sub signal.Subscription, done chan struct{}) {
	defer close(done)
	var events <-chan signal.Event
	if sub != nil {
		events = sub.Events()
	}
	for {
		select {
		case <-s.lifeCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Feed dropped under a live call. Candidates and state
				// changes keep flowing; signaling recovery needs a new
				// call.
				s.log.Warn("signaling feed closed mid-call")
				events = nil
				continue
			}
			s.handleFeedEvent(ev)
		case state := <-s.stateCh:
			s.handlePeerState(state)
		case candidate := <-s.candCh:
			s.publishLocalCandidate(candidate)
		case tier := <-s.tierCh:
			s.applyTier(tier, true)
		}
	}
}

func (s *CallSession) handleFeedEvent(ev signal.Event) {
	if s.cleaning.Load() || ev.FromID == s.deps.Self.UserID {
		return
	}
	switch ev.Type {
	case signal.EventCallOffer:
		var p signal.SDPPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warn("bad offer event", calllog.Error(err))
			return
		}
		s.handleRemoteOffer(p.SDP)
	case signal.EventCallAnswer:
		var p signal.SDPPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warn("bad answer event", calllog.Error(err))
			return
		}
		s.handleRemoteAnswer(p.SDP)
	case signal.EventCallCandidate:
		var p signal.CandidatePayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warn("bad candidate event", calllog.Error(err))
			return
		}
		s.handleRemoteCandidate(p.Candidate)
	case signal.EventCallStatus:
		var p signal.StatusPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warn("bad status event", calllog.Error(err))
			return
		}
		if status := callstore.CallStatus(p.Status); status.Terminal() {
			s.log.Info("remote terminated call", calllog.String("status", p.Status))
			s.teardown("remote " + p.Status)
		}
	default:
		// participant.* and peer.* traffic belongs to the group mesh.
	}
}

// handleRemoteOffer answers the initial offer when accept raced ahead of
// the caller's write, and otherwise treats the offer as a renegotiation
// (an ICE restart) that is answered over the feed only.
func (s *CallSession) handleRemoteOffer(sdp string) {
	s.mu.Lock()
	deferred := s.awaitingOffer
	s.awaitingOffer = false
	peer := s.peer
	callID := s.callID
	s.mu.Unlock()
	if peer == nil {
		return
	}

	answer, err := peer.AcceptOffer(s.lifeCtx, sdp)
	if err != nil {
		s.log.Warn("remote offer rejected", calllog.Error(err))
		if deferred {
			s.emit(Update{Kind: UpdateError, Err: fmt.Errorf("could not accept call: %w", err)})
		}
		return
	}

	if deferred {
		if err := s.writeAnswer(s.lifeCtx, answer); err != nil {
			s.log.Error("deferred answer write failed", calllog.Error(err))
			s.emit(Update{Kind: UpdateError, Err: fmt.Errorf("could not accept call: %w", err)})
		}
		return
	}
	// Renegotiation: the row already carries the original exchange.
	s.publish(signal.NewAnswerEvent(callID, s.deps.Self.UserID, answer))
	s.log.Info("renegotiation offer answered")
}

func (s *CallSession) handleRemoteAnswer(sdp string) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.AcceptAnswer(s.lifeCtx, sdp); err != nil {
		s.log.Warn("remote answer rejected", calllog.Error(err))
		return
	}
	s.mu.Lock()
	promote := s.state == StateCalling
	if promote {
		s.state = StateConnecting
	}
	s.mu.Unlock()
	if promote {
		s.emit(Update{Kind: UpdateState, State: StateConnecting})
	}
	s.log.Debug("remote answer applied")
}

func (s *CallSession) handleRemoteCandidate(candidate string) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.AddRemoteCandidate(candidate); err != nil {
		s.log.Warn("remote candidate rejected", calllog.Error(err))
	}
}

// publishLocalCandidate appends one gathered candidate to the row through
// the store's atomic append, then announces it.
func (s *CallSession) publishLocalCandidate(candidate string) {
	if s.cleaning.Load() {
		return
	}
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID == "" {
		return
	}
	if err := s.deps.Store.AppendCandidate(s.lifeCtx, callID, candidate); err != nil {
		s.log.Warn("candidate append failed", calllog.Error(err))
		return
	}
	s.publish(signal.NewCandidateEvent(callID, s.deps.Self.UserID, candidate))
}

// handlePeerState maps transport state onto the session lifecycle:
// connected promotes to active, failed triggers the one-shot recovery,
// disconnected gets a grace period and only the ICE timeouts decide.
func (s *CallSession) handlePeerState(state webrtc.PeerConnectionState) {
	if s.cleaning.Load() {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		promote := s.state == StateCalling || s.state == StateConnecting
		if promote {
			s.state = StateActive
		}
		s.mu.Unlock()
		if promote {
			s.log.Info("call media connected")
			s.emit(Update{Kind: UpdateState, State: StateActive})
		}
		s.startMonitor()
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Info("transport disconnected, holding for recovery window")
	case webrtc.PeerConnectionStateFailed:
		s.handleTransportFailure()
	}
}

// handleTransportFailure performs exactly one automatic ICE restart. The
// offering side re-negotiates; the answering side arms itself for the
// incoming restart offer. A second failure only raises a banner: the call
// ends when a user says so.
func (s *CallSession) handleTransportFailure() {
	s.mu.Lock()
	if s.restarted {
		s.mu.Unlock()
		s.log.Warn("transport failed after restart")
		s.emit(Update{Kind: UpdateError, Err: ErrConnectionLost})
		return
	}
	s.restarted = true
	role := s.role
	peer := s.peer
	callID := s.callID
	s.mu.Unlock()

	if role != RoleCaller {
		s.log.Info("transport failed, awaiting caller ice restart")
		return
	}

	s.log.Warn("transport failed, restarting ice")
	offer, err := peer.RestartICE(s.lifeCtx)
	if err != nil {
		s.log.Error("ice restart failed", calllog.Error(err))
		s.emit(Update{Kind: UpdateError, Err: ErrConnectionLost})
		return
	}
	s.publish(signal.NewOfferEvent(callID, s.deps.Self.UserID, offer))
}

// ---- quality ----

// startMonitor attaches the stats poller on first connect.
func (s *CallSession) startMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor != nil || s.peer == nil {
		return
	}
	s.policy = quality.NewAdaptivePolicy(s.tier, s.deps.Quality.PoorStreak, s.deps.Quality.Cooldown)
	monitor := quality.NewMonitor(quality.NewPeerSource(s.peer), s.policy, s.deps.Quality.Interval)
	monitor.OnSample(s.onQualitySample)
	if s.adaptive && s.callType == callstore.CallTypeVideo {
		monitor.OnRecommendation(func(tier media.VideoTier) {
			select {
			case s.tierCh <- tier:
			case <-s.lifeCtx.Done():
			default:
			}
		})
	}
	monitor.Start(s.lifeCtx)
	s.monitor = monitor
}

func (s *CallSession) onQualitySample(sample quality.Sample) {
	s.emit(Update{Kind: UpdateQuality, Sample: &sample})
	if !s.deps.Quality.PersistSamples {
		return
	}
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	record := &callstore.QualitySample{
		CallID:        callID,
		UserID:        s.deps.Self.UserID,
		SampledAt:     sample.At,
		LatencyMs:     sample.RTT.Seconds() * 1000,
		JitterMs:      sample.Jitter.Seconds() * 1000,
		PacketLossPct: sample.PacketLossPct,
		AudioKbps:     sample.AudioKbps,
		VideoKbps:     sample.VideoKbps,
		Level:         sample.Level.String(),
		PathType:      string(sample.Path),
	}
	if err := s.deps.Store.SaveQualitySample(s.lifeCtx, record); err != nil {
		s.log.Debug("quality sample not persisted", calllog.Error(err))
	}
}

// ---- media controls ----

// SetMuted flips the outgoing audio tracks. Purely local: the encoder
// keeps running and no renegotiation happens.
func (s *CallSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(!muted)
	}
	s.log.Debug("mute toggled", calllog.Bool("muted", muted))
}

// SetVideoOff flips the outgoing video track.
func (s *CallSession) SetVideoOff(off bool) error {
	s.mu.Lock()
	track := s.activeVideo
	s.videoOff = off
	s.mu.Unlock()
	if track == nil {
		return ErrNoVideo
	}
	track.SetEnabled(!off)
	s.log.Debug("video toggled", calllog.Bool("off", off))
	return nil
}

// FlipCamera swaps to the next camera by replacing the sender's track.
// No offer/answer round-trip happens.
func (s *CallSession) FlipCamera(ctx context.Context) error {
	s.mu.Lock()
	peer := s.peer
	current := s.cameraID
	tier := s.tier
	hasVideo := s.activeVideo != nil
	s.mu.Unlock()
	if peer == nil || !hasVideo {
		return ErrNoVideo
	}

	cameras := s.deps.Media.Cameras()
	if len(cameras) < 2 {
		return fmt.Errorf("%w: no alternate camera", media.ErrNoDevice)
	}
	next := cameras[0]
	if current == "" {
		next = cameras[1]
	} else {
		for _, cam := range cameras {
			if cam.ID != current {
				next = cam
				break
			}
		}
	}

	if err := s.swapCamera(ctx, tier, next.ID); err != nil {
		return err
	}
	s.log.Info("camera flipped", calllog.String("camera", next.ID))
	return nil
}

// SetTier pins the outgoing video tier and re-acquires the camera at the
// new preset. Explicit selection disables automatic adaptation for this
// call.
func (s *CallSession) SetTier(ctx context.Context, tier media.VideoTier) error {
	s.mu.Lock()
	clamped := media.ClampTier(tier, s.deps.Media.Class())
	s.adaptive = false
	current := s.tier
	cameraID := s.cameraID
	hasVideo := s.activeVideo != nil
	policy := s.policy
	s.mu.Unlock()

	if !hasVideo {
		return ErrNoVideo
	}
	if clamped == current {
		return nil
	}
	if policy != nil {
		policy.SetTier(clamped)
	}
	if err := s.swapCamera(ctx, clamped, cameraID); err != nil {
		return err
	}
	s.emit(Update{Kind: UpdateTier, Tier: clamped})
	return nil
}

// applyTier reacts to a monitor recommendation on the event loop.
func (s *CallSession) applyTier(tier media.VideoTier, announce bool) {
	s.mu.Lock()
	cameraID := s.cameraID
	hasVideo := s.activeVideo != nil
	videoOff := s.videoOff
	s.mu.Unlock()
	if !hasVideo {
		return
	}
	if videoOff {
		s.log.Debug("tier change skipped, video is off", calllog.String("tier", string(tier)))
		return
	}
	if err := s.swapCamera(s.lifeCtx, tier, cameraID); err != nil {
		s.log.Warn("tier change failed", calllog.Error(err))
		return
	}
	s.log.Info("video tier stepped down", calllog.String("tier", string(tier)))
	if announce {
		s.emit(Update{Kind: UpdateTier, Tier: tier})
	}
}

// swapCamera opens the camera at the given tier and replaces the outgoing
// video track on the live sender. The previous track is closed after the
// swap; its stream stays tracked for final teardown.
func (s *CallSession) swapCamera(ctx context.Context, tier media.VideoTier, deviceID string) error {
	s.mu.Lock()
	peer := s.peer
	muted := s.videoOff
	s.mu.Unlock()
	if peer == nil {
		return ErrNoCall
	}

	camStream, err := s.deps.Media.AcquireCamera(ctx, tier, deviceID)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	videos := camStream.VideoTracks()
	if len(videos) == 0 {
		camStream.Close()
		return fmt.Errorf("%w: camera stream empty", media.ErrNoDevice)
	}
	track := videos[0]
	track.SetEnabled(!muted)

	if err := peer.ReplaceVideoTrack(track); err != nil {
		camStream.Close()
		return fmt.Errorf("replace video track: %w", err)
	}

	s.mu.Lock()
	previous := s.activeVideo
	s.activeVideo = track
	s.sideStreams = append(s.sideStreams, camStream)
	s.tier = tier
	s.cameraID = deviceID
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

// ---- teardown ----

// teardown releases every owned resource exactly once. Every exit path
// lands here: local end, local reject, remote termination, failed setup
// and process shutdown.
func (s *CallSession) teardown(reason string) {
	if !s.cleaning.CompareAndSwap(false, true) {
		return
	}
	s.lifeCancel()

	s.mu.Lock()
	s.state = StateEnded
	monitor := s.monitor
	sub := s.sub
	peer := s.peer
	stream := s.stream
	activeVideo := s.activeVideo
	side := s.sideStreams
	s.monitor = nil
	s.sub = nil
	s.peer = nil
	s.stream = nil
	s.activeVideo = nil
	s.sideStreams = nil
	s.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if sub != nil {
		sub.Close()
	}
	if peer != nil {
		peer.Close()
	}
	if activeVideo != nil {
		activeVideo.Close()
	}
	if stream != nil {
		stream.Close()
	}
	for _, extra := range side {
		extra.Close()
	}

	s.log.Info("call torn down", calllog.String("reason", reason))
	s.emit(Update{Kind: UpdateState, State: StateEnded})
}

// ---- helpers ----

func (s *CallSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateState, State: state})
}

func (s *CallSession) emit(u Update) {
	if u.CallID == "" {
		u.CallID = s.CallID()
	}
	if u.CallType == "" {
		u.CallType = s.CallType()
	}
	if u.Kind == UpdateState && u.State == "" {
		u.State = s.State()
	}
	if s.notify != nil {
		s.notify(u)
	}
}

// publish mirrors a row change onto the call topic. Failures are logged:
// the row is authoritative and subscribers recover by re-reading it.
func (s *CallSession) publish(ev signal.Event) {
	if s.cleaning.Load() {
		return
	}
	if err := s.deps.Feed.Publish(s.lifeCtx, signal.TopicCall(ev.CallID), ev); err != nil {
		s.log.Warn("feed publish failed",
			calllog.String("event", string(ev.Type)),
			calllog.Error(err))
	}
}

func (s *CallSession) notifyPush(ctx context.Context, calleeID, callID string, callType callstore.CallType, isGroup bool) {
	if s.deps.Push == nil {
		return
	}
	n := push.Notification{
		UserID:     calleeID,
		CallID:     callID,
		CallerID:   s.deps.Self.UserID,
		CallerName: s.deps.Self.DisplayName,
		CallType:   string(callType),
		IsGroup:    isGroup,
	}
	if err := s.deps.Push.Notify(ctx, n); err != nil {
		s.log.Warn("push notification failed", calllog.Error(err))
	}
}

func (s *CallSession) lookupRemote(ctx context.Context, userID string) {
	if s.deps.Directory == nil {
		return
	}
	profile, err := s.deps.Directory.Lookup(ctx, userID)
	if err != nil {
		s.log.Debug("remote profile lookup failed", calllog.Error(err))
		return
	}
	s.mu.Lock()
	s.remoteProfile = profile
	s.mu.Unlock()
}
