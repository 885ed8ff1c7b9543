// Package rtctest provides fake peers for session and mesh tests.
package rtctest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc"
)

// Factory hands out fake peers and remembers every one it built.
type Factory struct {
	mu sync.Mutex
	// NewErr, when set, fails the next NewPeer call.
	NewErr error
	peers  []*Peer
}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) NewPeer(ctx context.Context, servers []webrtc.ICEServer) (rtc.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	p := NewPeer()
	p.Servers = servers
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer built so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently built peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is an in-memory rtc.Peer. It reproduces the real peer's candidate
// buffering and dedup so ordering tests mean something.
type Peer struct {
	// Servers records the ICE servers the peer was built with.
	Servers []webrtc.ICEServer

	// SDP payloads returned by the negotiation methods.
	OfferSDP   string
	AnswerSDP  string
	RestartSDP string

	// Injectable failures.
	FailOffer   error
	FailAccept  error
	FailAnswer  error
	FailRestart error
	FailTrack   error

	// Report is what Stats returns.
	Report webrtc.StatsReport

	mu            sync.Mutex
	remoteOffer   string
	remoteAnswer  string
	remoteSet     bool
	seen          map[string]struct{}
	buffered      []string
	applied       []string
	tracks        []media.Track
	video         media.Track
	replacedVideo []media.Track
	state         webrtc.PeerConnectionState
	onCandidate   func(string)
	onState       func(webrtc.PeerConnectionState)
	onRemoteTrack func(*webrtc.TrackRemote)
	restarts      int
	closed        bool
	nextSSRC      uint32
}

func NewPeer() *Peer {
	return &Peer{
		OfferSDP:   "v=0 fake-offer",
		AnswerSDP:  "v=0 fake-answer",
		RestartSDP: "v=0 fake-restart-offer",
		seen:       make(map[string]struct{}),
		state:      webrtc.PeerConnectionStateNew,
		nextSSRC:   1000,
	}
}

func (p *Peer) AddTrack(t media.Track) error {
	p.mu.Lock()
	if p.FailTrack != nil {
		err := p.FailTrack
		p.mu.Unlock()
		return err
	}
	p.nextSSRC++
	ssrc := p.nextSSRC
	p.tracks = append(p.tracks, t)
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		p.video = t
	}
	p.mu.Unlock()
	return t.StartForwarding(ssrc)
}

func (p *Peer) ReplaceVideoTrack(t media.Track) error {
	p.mu.Lock()
	if p.video == nil {
		p.mu.Unlock()
		return rtc.ErrNoVideoSender
	}
	p.video = t
	p.replacedVideo = append(p.replacedVideo, t)
	ssrc := p.nextSSRC
	p.mu.Unlock()
	return t.StartForwarding(ssrc)
}

func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOffer != nil {
		return "", p.FailOffer
	}
	if p.closed {
		return "", rtc.ErrClosed
	}
	return p.OfferSDP, nil
}

func (p *Peer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	if p.FailAccept != nil {
		err := p.FailAccept
		p.mu.Unlock()
		return "", err
	}
	p.remoteOffer = sdp
	answer := p.AnswerSDP
	p.mu.Unlock()

	p.flushBuffered()
	return answer, nil
}

func (p *Peer) AcceptAnswer(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.FailAnswer != nil {
		err := p.FailAnswer
		p.mu.Unlock()
		return err
	}
	p.remoteAnswer = sdp
	p.mu.Unlock()

	p.flushBuffered()
	return nil
}

func (p *Peer) flushBuffered() {
	p.mu.Lock()
	p.remoteSet = true
	flushed := p.buffered
	p.buffered = nil
	p.applied = append(p.applied, flushed...)
	p.mu.Unlock()
}

func (p *Peer) AddRemoteCandidate(candidate string) error {
	key := strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:")), " ")
	if key == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[key]; dup {
		return nil
	}
	p.seen[key] = struct{}{}
	if !p.remoteSet {
		p.buffered = append(p.buffered, candidate)
		return nil
	}
	p.applied = append(p.applied, candidate)
	return nil
}

func (p *Peer) RestartICE(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailRestart != nil {
		return "", p.FailRestart
	}
	if p.closed {
		return "", rtc.ErrClosed
	}
	p.restarts++
	return p.RestartSDP, nil
}

func (p *Peer) OnLocalCandidate(fn func(string)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Stats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Report == nil {
		return webrtc.StatsReport{}
	}
	return p.Report
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ---- test drivers and inspectors ----

// EmitCandidate delivers a locally gathered candidate to the registered
// handler, as the real peer does from its gathering goroutine.
func (p *Peer) EmitCandidate(candidate string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn == nil {
		panic(fmt.Sprintf("rtctest: no candidate handler registered for %q", candidate))
	}
	fn(candidate)
}

// EmitState moves the fake connection state and notifies the handler.
func (p *Peer) EmitState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = state
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitRemoteTrack hands a remote track to the registered handler.
func (p *Peer) EmitRemoteTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	fn := p.onRemoteTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// RemoteOffer reports the SDP passed to AcceptOffer.
func (p *Peer) RemoteOffer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteOffer
}

// RemoteAnswer reports the SDP passed to AcceptAnswer.
func (p *Peer) RemoteAnswer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteAnswer
}

// Applied returns candidates applied after the remote description.
func (p *Peer) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

// Buffered returns candidates still waiting for the remote description.
func (p *Peer) Buffered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.buffered...)
}

// Tracks returns every track added.
func (p *Peer) Tracks() []media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Track(nil), p.tracks...)
}

// VideoTrack returns the current outgoing video track.
func (p *Peer) VideoTrack() media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

// ReplacedVideo returns every track passed to ReplaceVideoTrack.
func (p *Peer) ReplacedVideo() []media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Track(nil), p.replacedVideo...)
}

// Restarts counts RestartICE calls.
func (p *Peer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// Closed reports whether Close ran.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
