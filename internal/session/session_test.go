package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/identity"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media/mediatest"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc/rtctest"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
)

type staticICE struct{}

func (staticICE) ICEServers(context.Context) []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.test:3478"}}}
}

type pushRecorder struct {
	mu    sync.Mutex
	notes []push.Notification
}

func (p *pushRecorder) Notify(_ context.Context, n push.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *pushRecorder) Notes() []push.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]push.Notification(nil), p.notes...)
}

type countingStore struct {
	callstore.Store
	mu      sync.Mutex
	creates int
}

func (c *countingStore) CreateCall(ctx context.Context, call *callstore.Call) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.Store.CreateCall(ctx, call)
}

func (c *countingStore) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type side struct {
	manager *Manager
	media   *mediatest.Engine
	rtc     *rtctest.Factory
	push    *pushRecorder
}

type harness struct {
	store *countingStore
	feed  *signal.MemoryFeed
	alice *side
	bob   *side
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &countingStore{Store: callstore.NewMemoryStore()}
	feed := signal.NewMemoryFeed(16)
	t.Cleanup(func() { feed.Close() })
	return &harness{
		store: store,
		feed:  feed,
		alice: newSide(store, feed, "alice"),
		bob:   newSide(store, feed, "bob"),
	}
}

func newSide(store callstore.Store, feed signal.Feed, userID string) *side {
	engine := mediatest.NewEngine()
	factory := rtctest.NewFactory()
	pushes := &pushRecorder{}
	deps := Deps{
		Store: store,
		Feed:  feed,
		Media: engine,
		Peers: factory,
		ICE:   staticICE{},
		Push:  pushes,
		Directory: directory.NewStaticDirectory(
			directory.Profile{UserID: "alice", DisplayName: "Alice"},
			directory.Profile{UserID: "bob", DisplayName: "Bob"},
		),
		Self:  identity.Identity{UserID: userID, DisplayName: userID},
		Audio: media.AudioProcessing{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
		Quality: config.QualityConfig{
			Interval:    50 * time.Millisecond,
			InitialTier: "auto",
			PoorStreak:  3,
			Cooldown:    10 * time.Second,
		},
	}
	return &side{manager: NewManager(deps), media: engine, rtc: factory, push: pushes}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitUpdate(t *testing.T, ch <-chan Update, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s update", kind)
		}
	}
}

func TestStartCallWritesRingingRowWithOffer(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	s, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if s.State() != StateCalling {
		t.Fatalf("state = %s, want %s", s.State(), StateCalling)
	}

	call, err := h.store.GetCall(ctx, s.CallID())
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if call.Status != callstore.CallRinging {
		t.Errorf("status = %s, want %s", call.Status, callstore.CallRinging)
	}
	if !call.Offer.Valid || call.Offer.String == "" {
		t.Error("offer not written")
	}
	if call.Answer.Valid {
		t.Error("answer set before any accept")
	}
	if call.CallerID != "alice" || call.CalleeID != "bob" || call.ChatID != "chat-1" {
		t.Errorf("row identity = %s/%s/%s", call.CallerID, call.CalleeID, call.ChatID)
	}

	peer := h.alice.rtc.Last()
	if got := len(peer.Tracks()); got != 1 {
		t.Errorf("voice call attached %d tracks, want 1 audio", got)
	}

	notes := h.alice.push.Notes()
	if len(notes) != 1 || notes[0].UserID != "bob" || notes[0].CallID != s.CallID() {
		t.Errorf("push notification = %+v", notes)
	}
}

func TestStartCallMediaFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.alice.media.AcquireErr = media.ErrPermissionDenied

	_, err := h.alice.manager.StartCall(t.Context(), "bob", "chat-1", callstore.CallTypeVideo)
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if n := h.store.Creates(); n != 0 {
		t.Errorf("call rows created = %d, want 0", n)
	}
	if n := len(h.alice.push.Notes()); n != 0 {
		t.Errorf("push notifications sent = %d, want 0", n)
	}
}

func TestLocalCandidatesAppendAtomically(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	s, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	peer := h.alice.rtc.Last()
	peer.EmitCandidate("candidate:1 1 udp 2122260223 192.168.1.7 54321 typ host")
	peer.EmitCandidate("candidate:2 1 udp 1686052607 203.0.113.9 3478 typ srflx")

	waitFor(t, "candidates on the row", func() bool {
		call, err := h.store.GetCall(ctx, s.CallID())
		return err == nil && len(call.ICECandidates) == 2
	})
}

func TestAcceptWritesAnswerOnceAndActivates(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	if err := h.bob.manager.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	caller, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := caller.CallID()

	incoming := waitUpdate(t, h.bob.manager.Updates(), UpdateIncoming)
	if incoming.CallID != callID {
		t.Fatalf("incoming call id = %s, want %s", incoming.CallID, callID)
	}
	if incoming.Remote.DisplayName != "Alice" {
		t.Errorf("incoming profile = %+v", incoming.Remote)
	}

	callee, err := h.bob.manager.AcceptCall(ctx, callID)
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	call, err := h.store.GetCall(ctx, callID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if call.Status != callstore.CallActive {
		t.Errorf("status = %s, want active", call.Status)
	}
	if !call.Answer.Valid || call.Answer.String == "" {
		t.Error("answer not written")
	}
	if !call.StartedAt.Valid {
		t.Error("started_at not stamped")
	}

	// The caller applies the announced answer.
	waitFor(t, "caller sees the answer", func() bool {
		return h.alice.rtc.Last().RemoteAnswer() == "v=0 fake-answer"
	})

	// Second accept never lands a second answer.
	if _, err := h.bob.manager.AcceptCall(ctx, callID); !errors.Is(err, ErrNotRinging) {
		t.Errorf("second accept err = %v, want %v", err, ErrNotRinging)
	}

	h.alice.rtc.Last().EmitState(webrtc.PeerConnectionStateConnected)
	h.bob.rtc.Last().EmitState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "both sides active", func() bool {
		return caller.State() == StateActive && callee.State() == StateActive
	})
}

func TestAcceptBeforeOfferDefersAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	// The caller's row insert has landed but the offer write has not.
	call := &callstore.Call{
		ID:              "race-call",
		CallerID:        "alice",
		CalleeID:        "bob",
		ChatID:          "chat-1",
		CallType:        callstore.CallTypeVoice,
		Status:          callstore.CallPending,
		MaxParticipants: 2,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	callee, err := h.bob.manager.AcceptCall(ctx, "race-call")
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if callee.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", callee.State())
	}

	peer := h.bob.rtc.Last()
	if peer.RemoteOffer() != "" {
		t.Fatal("offer applied before it exists")
	}
	row, _ := h.store.GetCall(ctx, "race-call")
	if row.Answer.Valid {
		t.Fatal("answer written before any offer")
	}

	// The caller's offer lands and is announced.
	if err := h.store.SetOffer(ctx, "race-call", "v=0 late-offer"); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	h.feed.Publish(ctx, signal.TopicCall("race-call"), signal.NewOfferEvent("race-call", "alice", "v=0 late-offer"))

	waitFor(t, "deferred answer", func() bool {
		row, err := h.store.GetCall(ctx, "race-call")
		return err == nil && row.Answer.Valid && row.Status == callstore.CallActive
	})
	if peer.RemoteOffer() != "v=0 late-offer" {
		t.Errorf("applied offer = %q", peer.RemoteOffer())
	}
}

func TestRemoteCandidatesBufferUntilOfferApplied(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	call := &callstore.Call{
		ID:              "buf-call",
		CallerID:        "alice",
		CalleeID:        "bob",
		ChatID:          "chat-1",
		CallType:        callstore.CallTypeVoice,
		Status:          callstore.CallPending,
		MaxParticipants: 2,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if _, err := h.bob.manager.AcceptCall(ctx, "buf-call"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	peer := h.bob.rtc.Last()

	candA := "candidate:1 1 udp 2122260223 192.168.1.7 54321 typ host"
	candB := "candidate:2 1 udp 1686052607 203.0.113.9 3478 typ srflx"
	topic := signal.TopicCall("buf-call")
	h.feed.Publish(ctx, topic, signal.NewCandidateEvent("buf-call", "alice", candA))
	h.feed.Publish(ctx, topic, signal.NewCandidateEvent("buf-call", "alice", candB))

	waitFor(t, "candidates buffered", func() bool {
		return len(peer.Buffered()) == 2
	})
	if got := len(peer.Applied()); got != 0 {
		t.Fatalf("%d candidates applied before the remote description", got)
	}

	if err := h.store.SetOffer(ctx, "buf-call", "v=0 late-offer"); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	h.feed.Publish(ctx, topic, signal.NewOfferEvent("buf-call", "alice", "v=0 late-offer"))

	waitFor(t, "buffered candidates flushed", func() bool {
		return len(peer.Applied()) == 2 && len(peer.Buffered()) == 0
	})

	// Replays of an already-applied candidate change nothing.
	h.feed.Publish(ctx, topic, signal.NewCandidateEvent("buf-call", "alice", candA))
	candC := "candidate:3 1 udp 41885439 198.51.100.4 61000 typ relay"
	h.feed.Publish(ctx, topic, signal.NewCandidateEvent("buf-call", "alice", candC))
	waitFor(t, "fresh candidate applied", func() bool {
		return len(peer.Applied()) == 3
	})
	seen := 0
	for _, c := range peer.Applied() {
		if c == candA {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("duplicate candidate applied %d times, want 1", seen)
	}
}

func TestTransportFailureRestartsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	caller, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := caller.CallID()

	// The callee's answer arrives over the feed.
	if err := h.store.SetAnswer(ctx, callID, "v=0 bob-answer", time.Now().UTC()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	h.feed.Publish(ctx, signal.TopicCall(callID), signal.NewAnswerEvent(callID, "bob", "v=0 bob-answer"))
	peer := h.alice.rtc.Last()
	waitFor(t, "answer applied", func() bool {
		return peer.RemoteAnswer() == "v=0 bob-answer"
	})

	// Watch the call topic for the re-signaled restart offer.
	sub, err := h.feed.Subscribe(ctx, signal.TopicCall(callID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	peer.EmitState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "one ice restart", func() bool {
		return peer.Restarts() == 1
	})

	var restartOffer string
	deadline := time.After(2 * time.Second)
	for restartOffer == "" {
		select {
		case ev := <-sub.Events():
			if ev.Type == signal.EventCallOffer && ev.FromID == "alice" {
				var p signal.SDPPayload
				if err := ev.Decode(&p); err != nil {
					t.Fatalf("decode restart offer: %v", err)
				}
				restartOffer = p.SDP
			}
		case <-deadline:
			t.Fatal("restart offer never announced")
		}
	}
	if restartOffer != "v=0 fake-restart-offer" {
		t.Errorf("restart offer = %q", restartOffer)
	}

	// A second failure surfaces a banner instead of another restart.
	peer.EmitState(webrtc.PeerConnectionStateFailed)
	u := waitUpdate(t, h.alice.manager.Updates(), UpdateError)
	if !errors.Is(u.Err, ErrConnectionLost) {
		t.Errorf("banner err = %v, want %v", u.Err, ErrConnectionLost)
	}
	if peer.Restarts() != 1 {
		t.Errorf("restarts = %d, want 1", peer.Restarts())
	}
	if caller.State() == StateEnded {
		t.Error("call ended without an explicit end")
	}
}

func TestCalleeWaitsForCallerRestart(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	call := &callstore.Call{
		ID:              "restart-callee",
		CallerID:        "alice",
		CalleeID:        "bob",
		ChatID:          "chat-1",
		CallType:        callstore.CallTypeVoice,
		Status:          callstore.CallPending,
		MaxParticipants: 2,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := h.store.SetOffer(ctx, "restart-callee", "v=0 alice-offer"); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if _, err := h.bob.manager.AcceptCall(ctx, "restart-callee"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	peer := h.bob.rtc.Last()

	peer.EmitState(webrtc.PeerConnectionStateFailed)
	peer.EmitState(webrtc.PeerConnectionStateFailed)
	u := waitUpdate(t, h.bob.manager.Updates(), UpdateError)
	if !errors.Is(u.Err, ErrConnectionLost) {
		t.Errorf("banner err = %v, want %v", u.Err, ErrConnectionLost)
	}
	if peer.Restarts() != 0 {
		t.Errorf("callee issued %d restarts, want 0", peer.Restarts())
	}

	// The caller's restart offer is answered over the feed without a row
	// write.
	h.feed.Publish(ctx, signal.TopicCall("restart-callee"), signal.NewOfferEvent("restart-callee", "alice", "v=0 restart"))
	waitFor(t, "restart offer applied", func() bool {
		return peer.RemoteOffer() == "v=0 restart"
	})
}

func TestEndCallCleansUpEverywhere(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	if err := h.bob.manager.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	caller, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := caller.CallID()
	waitUpdate(t, h.bob.manager.Updates(), UpdateIncoming)
	callee, err := h.bob.manager.AcceptCall(ctx, callID)
	if err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	if err := h.alice.manager.EndCall(ctx, callID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	call, _ := h.store.GetCall(ctx, callID)
	if call.Status != callstore.CallEnded {
		t.Errorf("status = %s, want ended", call.Status)
	}
	if !call.EndedAt.Valid {
		t.Error("ended_at not stamped")
	}

	if caller.State() != StateEnded {
		t.Errorf("caller state = %s, want ended", caller.State())
	}
	if !h.alice.rtc.Last().Closed() {
		t.Error("caller peer not closed")
	}
	for i, stream := range h.alice.media.Acquired() {
		if !stream.Closed() {
			t.Errorf("caller stream %d not closed", i)
		}
	}

	// The remote end observes the terminal status and tears down too.
	waitFor(t, "callee ended", func() bool {
		return callee.State() == StateEnded
	})
	if !h.bob.rtc.Last().Closed() {
		t.Error("callee peer not closed")
	}
	for i, stream := range h.bob.media.Acquired() {
		if !stream.Closed() {
			t.Errorf("callee stream %d not closed", i)
		}
	}
	for _, stream := range h.bob.media.Acquired() {
		for _, tr := range stream.AudioTracks() {
			if !tr.(*mediatest.Track).Closed() {
				t.Error("callee audio track still open")
			}
		}
		for _, tr := range stream.VideoTracks() {
			if !tr.(*mediatest.Track).Closed() {
				t.Error("callee video track still open")
			}
		}
	}

	// Ending again from either side is a no-op.
	if err := h.alice.manager.EndCall(ctx, callID); err != nil {
		t.Errorf("repeat caller end: %v", err)
	}
	if err := h.bob.manager.EndCall(ctx, callID); err != nil {
		t.Errorf("repeat callee end: %v", err)
	}
}

func TestRejectCallEndsBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	if err := h.bob.manager.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	caller, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := caller.CallID()
	waitUpdate(t, h.bob.manager.Updates(), UpdateIncoming)

	if err := h.bob.manager.RejectCall(ctx, callID); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}

	call, _ := h.store.GetCall(ctx, callID)
	if call.Status != callstore.CallRejected {
		t.Errorf("status = %s, want rejected", call.Status)
	}
	waitFor(t, "caller torn down", func() bool {
		return caller.State() == StateEnded
	})
	if !h.alice.rtc.Last().Closed() {
		t.Error("caller peer not closed after reject")
	}
}

func TestSecondStartIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	if _, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := h.alice.manager.StartCall(ctx, "bob", "chat-2", callstore.CallTypeVoice); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start err = %v, want %v", err, ErrBusy)
	}
}

func TestMuteAndVideoToggleFlipTracks(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	s, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	stream := h.alice.media.Acquired()[0]
	s.SetMuted(true)
	for _, tr := range stream.AudioTracks() {
		if tr.Enabled() {
			t.Error("audio track enabled while muted")
		}
	}
	s.SetMuted(false)
	for _, tr := range stream.AudioTracks() {
		if !tr.Enabled() {
			t.Error("audio track still muted")
		}
	}

	if err := s.SetVideoOff(true); err != nil {
		t.Fatalf("SetVideoOff: %v", err)
	}
	for _, tr := range stream.VideoTracks() {
		if tr.Enabled() {
			t.Error("video track enabled while off")
		}
	}
	if !s.VideoOff() {
		t.Error("video-off flag not set")
	}
}

func TestVideoToggleOnVoiceCallFails(t *testing.T) {
	h := newHarness(t)

	s, err := h.alice.manager.StartCall(t.Context(), "bob", "chat-1", callstore.CallTypeVoice)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := s.SetVideoOff(true); !errors.Is(err, ErrNoVideo) {
		t.Fatalf("err = %v, want %v", err, ErrNoVideo)
	}
}

func TestSetTierReplacesTrackWithoutRenegotiation(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	s, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	peer := h.alice.rtc.Last()
	original := h.alice.media.Acquired()[0].VideoTracks()[0]

	if err := s.SetTier(ctx, media.TierLow); err != nil {
		t.Fatalf("SetTier: %v", err)
	}

	if got := len(peer.ReplacedVideo()); got != 1 {
		t.Fatalf("replaced %d tracks, want 1", got)
	}
	tier, device := h.alice.media.LastCamera()
	if tier != media.TierLow || device != "" {
		t.Errorf("camera reopened with tier=%s device=%q", tier, device)
	}
	if s.Tier() != media.TierLow {
		t.Errorf("session tier = %s", s.Tier())
	}
	if !original.(*mediatest.Track).Closed() {
		t.Error("previous video track left running")
	}
	if peer.Restarts() != 0 {
		t.Error("tier change triggered a renegotiation")
	}
}

func TestFlipCameraCyclesDevices(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	s, err := h.alice.manager.StartCall(ctx, "bob", "chat-1", callstore.CallTypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if err := s.FlipCamera(ctx); err != nil {
		t.Fatalf("FlipCamera: %v", err)
	}
	if _, device := h.alice.media.LastCamera(); device != "cam-back" {
		t.Errorf("first flip went to %q, want cam-back", device)
	}

	if err := s.FlipCamera(ctx); err != nil {
		t.Fatalf("second FlipCamera: %v", err)
	}
	if _, device := h.alice.media.LastCamera(); device != "cam-front" {
		t.Errorf("second flip went to %q, want cam-front", device)
	}
	if got := len(h.alice.rtc.Last().ReplacedVideo()); got != 2 {
		t.Errorf("replaced %d tracks, want 2", got)
	}
}

func TestAcceptEndedCallFails(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	call := &callstore.Call{
		ID:              "dead-call",
		CallerID:        "alice",
		CalleeID:        "bob",
		ChatID:          "chat-1",
		CallType:        callstore.CallTypeVoice,
		Status:          callstore.CallPending,
		MaxParticipants: 2,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := h.store.SetStatus(ctx, "dead-call", callstore.CallEnded, time.Now().UTC()); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if _, err := h.bob.manager.AcceptCall(ctx, "dead-call"); !errors.Is(err, ErrEnded) {
		t.Fatalf("err = %v, want %v", err, ErrEnded)
	}
}
