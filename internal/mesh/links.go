package mesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
)

func (c *Coordinator) startLoop() {
	c.mu.Lock()
	if c.loopDone != nil || c.cleaning.Load() {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.loopDone = done
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		close(done)
		return
	}
	go c.run(sub, done)
}

// run is the coordinator's only event loop. Feed events and transport
// callbacks are applied strictly in arrival order, which keeps the link
// map free of locking subtleties during negotiation.
func (c *Coordinator) run(sub signal.Subscription, done chan struct{}) {
	defer close(done)
	events := sub.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The row store still holds the truth; only live
				// announcements are gone. Keep serving transport
				// callbacks until the call ends.
				c.log.Warn("feed subscription closed mid-call")
				events = nil
				continue
			}
			c.handleFeedEvent(ev)
		case pc := <-c.candCh:
			c.publishPairCandidate(pc)
		case ps := <-c.stateCh:
			c.handlePairState(ps)
		case <-c.lifeCtx.Done():
			return
		}
	}
}

func (c *Coordinator) handleFeedEvent(ev signal.Event) {
	if c.cleaning.Load() || ev.FromID == c.deps.Self.UserID {
		return
	}
	switch ev.Type {
	case signal.EventParticipant:
		c.handleParticipant(ev)

	case signal.EventPeerOffer:
		if ev.ToID != c.deps.Self.UserID {
			return
		}
		var p signal.SDPPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad pair offer event", calllog.Error(err))
			return
		}
		c.answerOffer(c.lifeCtx, ev.FromID, p.SDP, nil)

	case signal.EventPeerAnswer:
		if ev.ToID != c.deps.Self.UserID {
			return
		}
		var p signal.SDPPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad pair answer event", calllog.Error(err))
			return
		}
		c.applyPairAnswer(ev.FromID, p.SDP)

	case signal.EventPeerCandidate:
		if ev.ToID != c.deps.Self.UserID {
			return
		}
		var p signal.CandidatePayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad pair candidate event", calllog.Error(err))
			return
		}
		c.mu.Lock()
		l := c.links[ev.FromID]
		c.mu.Unlock()
		if l == nil {
			return
		}
		if err := l.peer.AddRemoteCandidate(p.Candidate); err != nil {
			c.log.Warn("pair candidate rejected",
				calllog.String("user_id", ev.FromID), calllog.Error(err))
		}

	case signal.EventPeerState:
		// Each side trusts its own transport callbacks; state
		// announcements exist for dashboards and post-call reads.

	case signal.EventCallStatus:
		var p signal.StatusPayload
		if err := ev.Decode(&p); err != nil {
			c.log.Warn("bad status event", calllog.Error(err))
			return
		}
		if callstore.CallStatus(p.Status).Terminal() {
			c.log.Info("call closed remotely", calllog.String("status", p.Status))
			c.teardown("remote " + p.Status)
		}

	default:
		// call.offer, call.answer and call.ice_candidate belong to the
		// 1:1 row path; group calls negotiate per pair.
	}
}

func (c *Coordinator) handleParticipant(ev signal.Event) {
	var p signal.ParticipantPayload
	if err := ev.Decode(&p); err != nil {
		c.log.Warn("bad participant event", calllog.Error(err))
		return
	}
	if p.UserID == c.deps.Self.UserID {
		return
	}
	status := callstore.ParticipantStatus(p.Status)

	if status == callstore.ParticipantLeft {
		c.mu.Lock()
		_, known := c.members[p.UserID]
		delete(c.members, p.UserID)
		c.mu.Unlock()
		c.removeLink(p.UserID)
		if known {
			c.log.Info("participant left", calllog.String("user_id", p.UserID))
			c.emitRoster()
		}
		return
	}

	c.mu.Lock()
	m, known := c.members[p.UserID]
	if !known {
		m = &Member{Profile: directory.Profile{UserID: p.UserID}}
		c.members[p.UserID] = m
	}
	m.Status = status
	m.Muted = p.IsMuted
	m.VideoOff = p.IsVideoOff
	m.ScreenSharing = p.IsScreenSharing
	needsProfile := m.Profile.DisplayName == ""
	c.mu.Unlock()

	if needsProfile {
		c.resolveProfile(p.UserID)
	}
	if !known {
		c.log.Info("participant appeared",
			calllog.String("user_id", p.UserID),
			calllog.String("status", p.Status))
	}

	if (status == callstore.ParticipantConnecting || status == callstore.ParticipantActive) &&
		initiates(c.deps.Self.UserID, p.UserID) {
		c.initiate(c.lifeCtx, p.UserID, false)
	}
	c.emitRoster()
}

// ---- pair signaling ----

// initiate opens the directed pair toward remoteID with a fresh offer.
// No-op when a link already exists.
func (c *Coordinator) initiate(ctx context.Context, remoteID string, rebuilt bool) {
	c.mu.Lock()
	_, exists := c.links[remoteID]
	c.mu.Unlock()
	if exists {
		return
	}

	l, err := c.buildLink(ctx, remoteID, true, rebuilt)
	if err != nil {
		c.log.Warn("pair connection failed",
			calllog.String("user_id", remoteID), calllog.Error(err))
		return
	}
	offer, err := l.peer.CreateOffer(ctx)
	if err != nil {
		c.log.Warn("pair offer failed",
			calllog.String("user_id", remoteID), calllog.Error(err))
		c.removeLink(remoteID)
		return
	}
	rec := &callstore.PeerConnectionRecord{
		CallID:     c.CallID(),
		FromUserID: c.deps.Self.UserID,
		ToUserID:   remoteID,
		Offer:      sql.NullString{String: offer, Valid: true},
	}
	if err := c.deps.Store.UpsertPeerConnection(ctx, rec); err != nil {
		c.log.Warn("pair record write failed",
			calllog.String("user_id", remoteID), calllog.Error(err))
		c.removeLink(remoteID)
		return
	}
	c.publish(signal.NewPeerOfferEvent(c.CallID(), c.deps.Self.UserID, remoteID, offer))
	c.log.Info("pair offer sent", calllog.String("user_id", remoteID))
}

// answerOffer handles an incoming pair offer from remoteID. A fresh offer
// supersedes any previous link for the pair; a replay of the same offer
// is ignored.
func (c *Coordinator) answerOffer(ctx context.Context, remoteID, sdp string, recorded []string) {
	self := c.deps.Self.UserID

	c.mu.Lock()
	if old, ok := c.links[remoteID]; ok {
		if old.lastOffer == sdp {
			c.mu.Unlock()
			return
		}
		delete(c.links, remoteID)
		c.mu.Unlock()
		old.peer.Close()
	} else {
		c.mu.Unlock()
	}

	c.ensureMember(remoteID)
	l, err := c.buildLink(ctx, remoteID, false, false)
	if err != nil {
		c.log.Warn("pair connection failed",
			calllog.String("user_id", remoteID), calllog.Error(err))
		return
	}
	answer, err := l.peer.AcceptOffer(ctx, sdp)
	if err != nil {
		c.log.Warn("pair offer rejected",
			calllog.String("user_id", remoteID), calllog.Error(err))
		c.removeLink(remoteID)
		return
	}
	c.mu.Lock()
	l.lastOffer = sdp
	c.mu.Unlock()

	// Candidates already on the record were appended before we existed;
	// the peer's gate dedups anything the feed replays later.
	for _, cand := range recorded {
		if err := l.peer.AddRemoteCandidate(cand); err != nil {
			c.log.Warn("recorded candidate rejected",
				calllog.String("user_id", remoteID), calllog.Error(err))
		}
	}

	if err := c.deps.Store.SetPeerAnswer(ctx, c.CallID(), remoteID, self, answer); err != nil &&
		!errors.Is(err, callstore.ErrAnswerAlreadySet) {
		c.log.Warn("pair answer write failed",
			calllog.String("user_id", remoteID), calllog.Error(err))
	}
	c.publish(signal.NewPeerAnswerEvent(c.CallID(), self, remoteID, answer))
	c.log.Info("pair offer answered", calllog.String("user_id", remoteID))
}

// adoptPendingOffer answers an offer that landed on the pair record
// before the local subscription existed. The row is the source of truth;
// a missed feed announcement costs nothing.
func (c *Coordinator) adoptPendingOffer(ctx context.Context, remoteID string) {
	rec, err := c.deps.Store.PeerConnection(ctx, c.CallID(), remoteID, c.deps.Self.UserID)
	if err != nil {
		if !errors.Is(err, callstore.ErrNotFound) {
			c.log.Warn("pair record read failed",
				calllog.String("user_id", remoteID), calllog.Error(err))
		}
		return
	}
	if !rec.Offer.Valid || rec.Answer.Valid {
		return
	}
	c.answerOffer(ctx, remoteID, rec.Offer.String, rec.ICECandidates)
}

func (c *Coordinator) applyPairAnswer(remoteID, sdp string) {
	c.mu.Lock()
	l := c.links[remoteID]
	c.mu.Unlock()
	if l == nil || !l.initiator {
		c.log.Warn("answer for unknown pair", calllog.String("user_id", remoteID))
		return
	}
	if err := l.peer.AcceptAnswer(c.lifeCtx, sdp); err != nil {
		c.log.Warn("pair answer rejected",
			calllog.String("user_id", remoteID), calllog.Error(err))
	}
}

// buildLink constructs the peer for one pair, wires its callbacks onto
// the event loop and attaches the local tracks. The link is registered
// before any negotiation so callbacks always find it.
func (c *Coordinator) buildLink(ctx context.Context, remoteID string, initiator, rebuilt bool) (*link, error) {
	servers := c.deps.ICE.ICEServers(ctx)
	peer, err := c.deps.Peers.NewPeer(ctx, servers)
	if err != nil {
		return nil, fmt.Errorf("new pair connection: %w", err)
	}

	l := &link{
		remoteID:  remoteID,
		initiator: initiator,
		rebuilt:   rebuilt,
		peer:      peer,
	}
	if initiator {
		l.recFrom, l.recTo = c.deps.Self.UserID, remoteID
	} else {
		l.recFrom, l.recTo = remoteID, c.deps.Self.UserID
	}

	peer.OnLocalCandidate(func(candidate string) {
		select {
		case c.candCh <- pairCandidate{remoteID: remoteID, candidate: candidate}:
		case <-c.lifeCtx.Done():
		}
	})
	peer.OnStateChange(func(state webrtc.PeerConnectionState) {
		select {
		case c.stateCh <- pairState{remoteID: remoteID, state: state}:
		case <-c.lifeCtx.Done():
		}
	})
	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		c.log.Info("remote track",
			calllog.String("user_id", remoteID),
			calllog.String("kind", track.Kind().String()))
		c.emit(Update{Kind: UpdateRemoteTrack, From: remoteID, Track: track})
	})

	c.mu.Lock()
	stream := c.stream
	video := c.currentVideoLocked()
	c.mu.Unlock()
	if stream != nil {
		for _, t := range stream.AudioTracks() {
			if err := peer.AddTrack(t); err != nil {
				peer.Close()
				return nil, fmt.Errorf("attach audio track: %w", err)
			}
		}
	}
	if video != nil {
		if err := peer.AddTrack(video); err != nil {
			peer.Close()
			return nil, fmt.Errorf("attach video track: %w", err)
		}
	}

	c.mu.Lock()
	c.links[remoteID] = l
	c.mu.Unlock()
	return l, nil
}

func (c *Coordinator) removeLink(remoteID string) {
	c.mu.Lock()
	l, ok := c.links[remoteID]
	if ok {
		delete(c.links, remoteID)
	}
	c.mu.Unlock()
	if ok {
		l.peer.Close()
	}
}

// ---- transport callbacks ----

func (c *Coordinator) publishPairCandidate(pc pairCandidate) {
	if c.cleaning.Load() || pc.candidate == "" {
		return
	}
	c.mu.Lock()
	l := c.links[pc.remoteID]
	c.mu.Unlock()
	if l == nil {
		return
	}
	if err := c.deps.Store.AppendPeerCandidate(c.lifeCtx, c.CallID(), l.recFrom, l.recTo, pc.candidate); err != nil {
		c.log.Warn("pair candidate append failed",
			calllog.String("user_id", pc.remoteID), calllog.Error(err))
	}
	c.publish(signal.NewPeerCandidateEvent(c.CallID(), c.deps.Self.UserID, pc.remoteID, pc.candidate))
}

func (c *Coordinator) handlePairState(ps pairState) {
	if c.cleaning.Load() {
		return
	}
	c.mu.Lock()
	l := c.links[ps.remoteID]
	c.mu.Unlock()
	if l == nil {
		return
	}

	if err := c.deps.Store.SetPeerConnectionState(c.lifeCtx, c.CallID(), l.recFrom, l.recTo, ps.state.String()); err != nil {
		c.log.Debug("pair state write failed",
			calllog.String("user_id", ps.remoteID), calllog.Error(err))
	}
	c.publish(signal.NewPeerStateEvent(c.CallID(), c.deps.Self.UserID, ps.remoteID, ps.state.String()))

	switch ps.state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if m := c.members[ps.remoteID]; m != nil {
			m.Connected = true
		}
		c.mu.Unlock()
		c.log.Info("pair connected", calllog.String("user_id", ps.remoteID))
		c.markJoined()
		c.emitRoster()
	case webrtc.PeerConnectionStateDisconnected:
		c.log.Info("pair transport degraded, holding for recovery",
			calllog.String("user_id", ps.remoteID))
	case webrtc.PeerConnectionStateFailed:
		c.handlePairFailure(ps.remoteID)
	}
}

// handlePairFailure reacts to a failed pair transport. The initiator
// issues one fresh offer, superseding the pair record; the responder
// waits for it. A second failure drops the link and surfaces the loss.
func (c *Coordinator) handlePairFailure(remoteID string) {
	c.mu.Lock()
	l := c.links[remoteID]
	if l == nil {
		c.mu.Unlock()
		return
	}
	rebuilt := l.rebuilt
	initiator := l.initiator
	if m := c.members[remoteID]; m != nil {
		m.Connected = false
	}
	c.mu.Unlock()

	if !initiator {
		c.log.Info("pair transport failed, awaiting a fresh offer",
			calllog.String("user_id", remoteID))
		c.emitRoster()
		return
	}
	if rebuilt {
		c.log.Warn("pair transport failed after a fresh offer, dropping the link",
			calllog.String("user_id", remoteID))
		c.removeLink(remoteID)
		c.emitRoster()
		c.emit(Update{Kind: UpdateError, From: remoteID, Err: ErrPairLost})
		return
	}
	c.log.Warn("pair transport failed, issuing a fresh offer",
		calllog.String("user_id", remoteID))
	c.removeLink(remoteID)
	c.initiate(c.lifeCtx, remoteID, true)
	c.emitRoster()
}

// markJoined flips the local row to active the first time any pair
// connects, or immediately when joining an empty room.
func (c *Coordinator) markJoined() {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.mu.Unlock()

	now := time.Now().UTC()
	if err := c.deps.Store.SetParticipantStatus(c.lifeCtx, c.CallID(), c.deps.Self.UserID, callstore.ParticipantActive, now); err != nil {
		c.log.Warn("participant activate failed", calllog.Error(err))
		return
	}
	c.publishSelfParticipant(callstore.ParticipantActive)
}

// ---- roster helpers ----

func (c *Coordinator) ensureMember(userID string) {
	c.mu.Lock()
	_, known := c.members[userID]
	if !known {
		c.members[userID] = &Member{
			Profile: directory.Profile{UserID: userID},
			Status:  callstore.ParticipantConnecting,
		}
	}
	c.mu.Unlock()
	if !known {
		c.resolveProfile(userID)
	}
}

func (c *Coordinator) resolveProfile(userID string) {
	if c.deps.Directory == nil {
		return
	}
	profile, err := c.deps.Directory.Lookup(c.lifeCtx, userID)
	if err != nil {
		c.log.Debug("profile lookup failed",
			calllog.String("user_id", userID), calllog.Error(err))
		return
	}
	c.mu.Lock()
	if m, ok := c.members[userID]; ok {
		m.Profile = profile
	}
	c.mu.Unlock()
}

// ---- feed plumbing ----

func (c *Coordinator) publish(ev signal.Event) {
	if c.cleaning.Load() {
		return
	}
	if err := c.deps.Feed.Publish(c.lifeCtx, signal.TopicCall(ev.CallID), ev); err != nil {
		c.log.Warn("feed publish failed",
			calllog.String("event", string(ev.Type)), calllog.Error(err))
	}
}

func (c *Coordinator) publishUser(userID string, ev signal.Event) {
	if err := c.deps.Feed.Publish(c.lifeCtx, signal.TopicUser(userID), ev); err != nil {
		c.log.Warn("incoming-call announce failed",
			calllog.String("user_id", userID), calllog.Error(err))
	}
}
