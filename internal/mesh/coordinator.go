package mesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
)

// Start creates a group call in the given chat, joins as its first active
// participant and rings the invitees. Media is acquired before any write
// so a permission failure never leaves a call row behind.
func Start(ctx context.Context, deps Deps, chatID string, callType callstore.CallType, invitees []string, notify func(Update)) (*Coordinator, error) {
	max := deps.Calls.MaxGroupParticipants
	if max <= 0 {
		max = defaultMaxParticipants
	}
	invitees = dedupe(invitees, deps.Self.UserID)
	if len(invitees)+1 > max {
		return nil, fmt.Errorf("%w: %d invited, cap %d", ErrCallFull, len(invitees), max)
	}

	c := newCoordinator(deps, notify)
	stream, err := deps.Media.Acquire(ctx, media.Constraints{
		Video: callType == callstore.CallTypeVideo,
		Tier:  c.tier,
		Audio: deps.Audio,
	})
	if err != nil {
		c.teardown("media acquisition failed")
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	callID := uuid.NewString()
	now := time.Now().UTC()
	call := &callstore.Call{
		ID:              callID,
		CallerID:        deps.Self.UserID,
		ChatID:          chatID,
		CallType:        callType,
		Status:          callstore.CallActive,
		IsGroupCall:     true,
		MaxParticipants: max,
		CreatedAt:       now,
		StartedAt:       sql.NullTime{Time: now, Valid: true},
	}
	if err := deps.Store.CreateCall(ctx, call); err != nil {
		stream.Close()
		c.teardown("call row create failed")
		return nil, fmt.Errorf("could not start group call: %w", err)
	}

	c.mu.Lock()
	c.callID = callID
	c.chatID = chatID
	c.callType = callType
	c.stream = stream
	c.mu.Unlock()
	c.log = c.log.With(calllog.String("call_id", callID))

	sub, err := deps.Feed.Subscribe(ctx, signal.TopicCall(callID))
	if err != nil {
		c.abort(ctx)
		return nil, fmt.Errorf("could not start group call: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	// The host's own row goes in first so joiners always find at least
	// one active member to connect to.
	if err := c.writeSelfParticipant(ctx, callstore.ParticipantActive, now); err != nil {
		c.abort(ctx)
		return nil, fmt.Errorf("could not start group call: %w", err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	for _, userID := range invitees {
		c.ring(ctx, userID)
	}

	c.log.Info("group call started",
		calllog.String("chat_id", chatID),
		calllog.String("call_type", string(callType)),
		calllog.Int("invitees", len(invitees)))
	c.emitRoster()
	c.startLoop()
	return c, nil
}

// Join enters an existing group call. The roster is seeded from the
// participant table after the feed subscription is live, so no membership
// change can slip between the snapshot and the event stream.
func Join(ctx context.Context, deps Deps, callID string, notify func(Update)) (*Coordinator, error) {
	call, err := deps.Store.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("could not join call: %w", err)
	}
	if !call.IsGroupCall {
		return nil, ErrNotGroup
	}
	if call.Status.Terminal() {
		return nil, ErrEnded
	}
	max := call.MaxParticipants
	if max <= 0 {
		max = defaultMaxParticipants
	}

	parts, err := deps.Store.Participants(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("could not join call: %w", err)
	}
	seated := 0
	invited := false
	for _, p := range parts {
		if p.Status == callstore.ParticipantLeft {
			continue
		}
		seated++
		if p.UserID == deps.Self.UserID {
			invited = true
		}
	}
	if !invited && seated >= max {
		return nil, fmt.Errorf("%w: %d of %d seats taken", ErrCallFull, seated, max)
	}

	c := newCoordinator(deps, notify)
	c.mu.Lock()
	c.callID = callID
	c.chatID = call.ChatID
	c.callType = call.CallType
	c.mu.Unlock()
	c.log = c.log.With(calllog.String("call_id", callID))

	stream, err := deps.Media.Acquire(ctx, media.Constraints{
		Video: call.CallType == callstore.CallTypeVideo,
		Tier:  c.tier,
		Audio: deps.Audio,
	})
	if err != nil {
		c.teardown("media acquisition failed")
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	sub, err := deps.Feed.Subscribe(ctx, signal.TopicCall(callID))
	if err != nil {
		c.teardown("feed subscribe failed")
		return nil, fmt.Errorf("could not join call: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	now := time.Now().UTC()
	if err := c.writeSelfParticipant(ctx, callstore.ParticipantConnecting, now); err != nil {
		c.teardown("join row write failed")
		return nil, fmt.Errorf("could not join call: %w", err)
	}

	// Re-read the roster under the live subscription and reach out to
	// everyone already in the call. Pairs the local side loses go the
	// other way: the remote initiates once it sees the connecting row.
	parts, err = deps.Store.Participants(ctx, callID)
	if err != nil {
		c.teardown("roster read failed")
		return nil, fmt.Errorf("could not join call: %w", err)
	}
	connectable := 0
	for _, p := range parts {
		if p.UserID == deps.Self.UserID || p.Status == callstore.ParticipantLeft {
			continue
		}
		c.seedMember(p)
		if p.Status != callstore.ParticipantConnecting && p.Status != callstore.ParticipantActive {
			continue
		}
		connectable++
		if initiates(deps.Self.UserID, p.UserID) {
			c.initiate(ctx, p.UserID, false)
		} else {
			c.adoptPendingOffer(ctx, p.UserID)
		}
	}
	if connectable == 0 {
		// Nobody to negotiate with yet; the seat itself is the call.
		c.markJoined()
	}

	c.log.Info("joined group call", calllog.Int("members", connectable))
	c.emitRoster()
	c.startLoop()
	return c, nil
}

// abort backs out of a half-started call: the row is closed best-effort
// and everything local is released.
func (c *Coordinator) abort(ctx context.Context) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID != "" {
		now := time.Now().UTC()
		if err := c.deps.Store.SetStatus(ctx, callID, callstore.CallEnded, now); err != nil && !errors.Is(err, callstore.ErrCallTerminal) {
			c.log.Warn("abandoned call row not closed", calllog.Error(err))
		}
	}
	c.teardown("start aborted")
}

func (c *Coordinator) writeSelfParticipant(ctx context.Context, status callstore.ParticipantStatus, now time.Time) error {
	p := &callstore.Participant{
		CallID: c.CallID(),
		UserID: c.deps.Self.UserID,
		Status: status,
	}
	if status == callstore.ParticipantActive {
		p.JoinedAt = sql.NullTime{Time: now, Valid: true}
	}
	if err := c.deps.Store.UpsertParticipant(ctx, p); err != nil {
		return fmt.Errorf("participant row write: %w", err)
	}
	c.publishSelfParticipant(status)
	return nil
}

func (c *Coordinator) seedMember(p callstore.Participant) {
	member := &Member{
		Profile:       directory.Profile{UserID: p.UserID},
		Status:        p.Status,
		Muted:         p.IsMuted,
		VideoOff:      p.IsVideoOff,
		ScreenSharing: p.IsScreenSharing,
	}
	c.mu.Lock()
	c.members[p.UserID] = member
	c.mu.Unlock()
	c.resolveProfile(p.UserID)
}

// ring writes an invitee's ringing row and announces it everywhere the
// invitee might be listening. Failures keep the call going: a missed
// invite only means that one person does not ring.
func (c *Coordinator) ring(ctx context.Context, userID string) {
	callID := c.CallID()
	p := &callstore.Participant{
		CallID: callID,
		UserID: userID,
		Status: callstore.ParticipantRinging,
	}
	if err := c.deps.Store.UpsertParticipant(ctx, p); err != nil {
		c.log.Warn("invite row write failed",
			calllog.String("user_id", userID), calllog.Error(err))
		return
	}
	c.publish(signal.NewParticipantEvent(callID, signal.ParticipantPayload{
		UserID: userID,
		Status: string(callstore.ParticipantRinging),
	}))
	c.publishUser(userID, signal.NewIncomingEvent(
		callID, c.deps.Self.UserID, userID, c.ChatID(), string(c.CallType()), true))
	c.notifyPush(userID)

	c.mu.Lock()
	c.members[userID] = &Member{
		Profile: directory.Profile{UserID: userID},
		Status:  callstore.ParticipantRinging,
	}
	c.mu.Unlock()
	c.resolveProfile(userID)
	c.log.Info("participant invited", calllog.String("user_id", userID))
}

// Invite rings more users into the running call, capped by the call row's
// participant limit.
func (c *Coordinator) Invite(ctx context.Context, userIDs ...string) error {
	if c.cleaning.Load() {
		return ErrEnded
	}
	callID := c.CallID()
	call, err := c.deps.Store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("could not invite: %w", err)
	}
	if call.Status.Terminal() {
		return ErrEnded
	}
	max := call.MaxParticipants
	if max <= 0 {
		max = defaultMaxParticipants
	}

	fresh := dedupe(userIDs, c.deps.Self.UserID)
	c.mu.Lock()
	n := 0
	for _, id := range fresh {
		if _, known := c.members[id]; known {
			continue
		}
		fresh[n] = id
		n++
	}
	fresh = fresh[:n]
	c.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	seated, err := c.deps.Store.ActiveParticipantCount(ctx, callID)
	if err != nil {
		return fmt.Errorf("could not invite: %w", err)
	}
	if seated+len(fresh) > max {
		return fmt.Errorf("%w: %d of %d seats taken", ErrCallFull, seated, max)
	}

	for _, id := range fresh {
		c.ring(ctx, id)
	}
	c.emitRoster()
	return nil
}

// Leave marks the local row left, ends the whole call when the active set
// is now empty, and tears everything down. Safe to call repeatedly.
func (c *Coordinator) Leave(ctx context.Context) error {
	if c.cleaning.Load() {
		return nil
	}
	callID := c.CallID()
	now := time.Now().UTC()

	var writeErr error
	if err := c.deps.Store.SetParticipantStatus(ctx, callID, c.deps.Self.UserID, callstore.ParticipantLeft, now); err != nil {
		if !errors.Is(err, callstore.ErrNotFound) {
			writeErr = fmt.Errorf("leave row write: %w", err)
		}
	} else {
		c.publishSelfParticipant(callstore.ParticipantLeft)
	}

	seated, err := c.deps.Store.ActiveParticipantCount(ctx, callID)
	if err != nil {
		c.log.Warn("active participant count failed", calllog.Error(err))
	} else if seated == 0 {
		switch err := c.deps.Store.SetStatus(ctx, callID, callstore.CallEnded, now); {
		case err == nil:
			if perr := c.deps.Feed.Publish(ctx, signal.TopicCall(callID),
				signal.NewStatusEvent(callID, c.deps.Self.UserID, string(callstore.CallEnded))); perr != nil {
				c.log.Warn("feed publish failed",
					calllog.String("event", string(signal.EventCallStatus)), calllog.Error(perr))
			}
			c.log.Info("last participant left, call closed")
		case errors.Is(err, callstore.ErrCallTerminal):
		default:
			c.log.Warn("call close write failed", calllog.Error(err))
		}
	}

	c.teardown("left the call")
	return writeErr
}

// ---- local media controls ----

// SetMuted flips every outgoing audio track and mirrors the flag onto the
// participant row.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) {
	c.mu.Lock()
	c.muted = muted
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		for _, t := range stream.AudioTracks() {
			t.SetEnabled(!muted)
		}
	}
	c.patchFlags(ctx, callstore.ParticipantFlagPatch{Muted: &muted})
	c.log.Debug("microphone toggled", calllog.Bool("muted", muted))
}

// SetVideoOff pauses or resumes the outgoing camera track. The sender
// stays negotiated so turning video back on needs no signaling.
func (c *Coordinator) SetVideoOff(ctx context.Context, off bool) error {
	c.mu.Lock()
	camera := c.cameraTrackLocked()
	if camera != nil {
		c.videoOff = off
	}
	c.mu.Unlock()
	if camera == nil {
		return ErrNoVideo
	}
	camera.SetEnabled(!off)
	c.patchFlags(ctx, callstore.ParticipantFlagPatch{VideoOff: &off})
	c.log.Debug("camera toggled", calllog.Bool("video_off", off))
	return nil
}

// StartScreenShare swaps the outgoing video source on every link's sender
// to a display capture. No offer/answer round-trip happens; the mesh sees
// the new source immediately.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	if c.cleaning.Load() {
		return ErrEnded
	}
	c.mu.Lock()
	if c.sharing {
		c.mu.Unlock()
		return ErrSharing
	}
	if c.cameraTrackLocked() == nil {
		c.mu.Unlock()
		return ErrNoVideo
	}
	tier := c.tier
	c.mu.Unlock()

	screen, err := c.deps.Media.AcquireDisplay(ctx, tier)
	if err != nil {
		return fmt.Errorf("acquire display: %w", err)
	}
	videos := screen.VideoTracks()
	if len(videos) == 0 {
		screen.Close()
		return fmt.Errorf("%w: display stream carries no video", media.ErrNoDevice)
	}
	track := videos[0]

	c.mu.Lock()
	c.screen = screen
	c.sharing = true
	links := c.linksSnapshotLocked()
	c.mu.Unlock()

	for _, l := range links {
		if err := l.peer.ReplaceVideoTrack(track); err != nil {
			c.log.Warn("screen track swap failed",
				calllog.String("user_id", l.remoteID), calllog.Error(err))
		}
	}
	share := true
	c.patchFlags(ctx, callstore.ParticipantFlagPatch{ScreenSharing: &share})
	c.log.Info("screen share started", calllog.Int("links", len(links)))
	return nil
}

// StopScreenShare restores the camera track on every sender and releases
// the display capture.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if !c.sharing {
		c.mu.Unlock()
		return ErrNotSharing
	}
	screen := c.screen
	c.screen = nil
	c.sharing = false
	camera := c.cameraTrackLocked()
	links := c.linksSnapshotLocked()
	c.mu.Unlock()

	if camera != nil {
		for _, l := range links {
			if err := l.peer.ReplaceVideoTrack(camera); err != nil {
				c.log.Warn("camera track restore failed",
					calllog.String("user_id", l.remoteID), calllog.Error(err))
			}
		}
	}
	if screen != nil {
		screen.Close()
	}
	share := false
	c.patchFlags(ctx, callstore.ParticipantFlagPatch{ScreenSharing: &share})
	c.log.Info("screen share stopped")
	return nil
}

func (c *Coordinator) patchFlags(ctx context.Context, patch callstore.ParticipantFlagPatch) {
	if err := c.deps.Store.PatchParticipantFlags(ctx, c.CallID(), c.deps.Self.UserID, patch); err != nil {
		c.log.Warn("participant flag write failed", calllog.Error(err))
		return
	}
	c.mu.Lock()
	status := callstore.ParticipantConnecting
	if c.joined {
		status = callstore.ParticipantActive
	}
	c.mu.Unlock()
	c.publishSelfParticipant(status)
}

func (c *Coordinator) publishSelfParticipant(status callstore.ParticipantStatus) {
	c.mu.Lock()
	payload := signal.ParticipantPayload{
		UserID:          c.deps.Self.UserID,
		Status:          string(status),
		IsMuted:         c.muted,
		IsVideoOff:      c.videoOff,
		IsScreenSharing: c.sharing,
	}
	callID := c.callID
	c.mu.Unlock()
	c.publish(signal.NewParticipantEvent(callID, payload))
}

// cameraTrackLocked returns the capture stream's video track. Callers
// hold c.mu.
func (c *Coordinator) cameraTrackLocked() media.Track {
	if c.stream == nil {
		return nil
	}
	if videos := c.stream.VideoTracks(); len(videos) > 0 {
		return videos[0]
	}
	return nil
}

// currentVideoLocked returns whichever video source new links should
// send: the screen capture while sharing, the camera otherwise.
func (c *Coordinator) currentVideoLocked() media.Track {
	if c.sharing && c.screen != nil {
		if videos := c.screen.VideoTracks(); len(videos) > 0 {
			return videos[0]
		}
	}
	return c.cameraTrackLocked()
}

func (c *Coordinator) linksSnapshotLocked() []*link {
	out := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

func (c *Coordinator) notifyPush(userID string) {
	if c.deps.Push == nil {
		return
	}
	n := push.Notification{
		UserID:     userID,
		CallID:     c.CallID(),
		CallerID:   c.deps.Self.UserID,
		CallerName: c.deps.Self.DisplayName,
		CallType:   string(c.CallType()),
		IsGroup:    true,
	}
	if err := c.deps.Push.Notify(c.lifeCtx, n); err != nil {
		c.log.Warn("push notification failed",
			calllog.String("user_id", userID), calllog.Error(err))
	}
}

// teardown releases every held resource exactly once and is safe from
// any exit path, including the event loop itself.
func (c *Coordinator) teardown(reason string) {
	if !c.cleaning.CompareAndSwap(false, true) {
		return
	}
	c.lifeCancel()

	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	links := c.links
	c.links = make(map[string]*link)
	stream := c.stream
	c.stream = nil
	screen := c.screen
	c.screen = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	for _, l := range links {
		l.peer.Close()
	}
	if screen != nil {
		screen.Close()
	}
	if stream != nil {
		stream.Close()
	}

	c.log.Info("group call torn down", calllog.String("reason", reason))
	c.emit(Update{Kind: UpdateEnded})
}

// dedupe drops empty ids, the given self id, and repeats, preserving
// order.
func dedupe(ids []string, self string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
