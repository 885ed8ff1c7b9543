package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepaliveInterval   = 30 * time.Second
	restartGatherTimeout   = 10 * time.Second
)

// PionFactory builds pion-backed peers sharing one media engine.
type PionFactory struct {
	Media media.Engine
	// NAT1To1IP, when set, is advertised as the host candidate address.
	// Self-hosted deployments with a known public or overlay-network IP
	// use it to skip STUN discovery for that interface.
	NAT1To1IP string
}

func (f *PionFactory) NewPeer(ctx context.Context, servers []webrtc.ICEServer) (Peer, error) {
	return NewPionPeer(ctx, servers, f.Media, f.NAT1To1IP)
}

// PionPeer drives one pion peer connection.
type PionPeer struct {
	log  calllog.Logger
	pc   *webrtc.PeerConnection
	gate *candidateGate

	handlerMu     sync.RWMutex
	onCandidate   func(string)
	onState       func(webrtc.PeerConnectionState)
	onRemoteTrack func(*webrtc.TrackRemote)

	mu          sync.Mutex
	videoSender *webrtc.RTPSender

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPionPeer builds the webrtc API with the capture engine's codecs and
// opens a peer connection against the given ICE servers.
func NewPionPeer(ctx context.Context, servers []webrtc.ICEServer, engine media.Engine, nat1to1 string) (*PionPeer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, errors.New("no ice servers configured")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if engine != nil {
		if err := engine.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)
	if nat1to1 != "" {
		settingEngine.SetNAT1To1IPs([]string{nat1to1}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &PionPeer{
		log:    calllog.L().Named("rtc"),
		pc:     pc,
		gate:   newCandidateGate(),
		closed: make(chan struct{}),
	}
	p.setupCallbacks()
	return p, nil
}

// setupCallbacks registers every connection callback in one place.
func (p *PionPeer) setupCallbacks() {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state changed", calllog.String("state", state.String()))
		p.handlerMu.RLock()
		fn := p.onState
		p.handlerMu.RUnlock()
		if fn != nil {
			fn(state)
		}
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug("ice connection state changed", calllog.String("state", state.String()))
	})

	p.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		p.log.Debug("signaling state changed", calllog.String("state", state.String()))
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info("remote track started",
			calllog.String("track", track.ID()),
			calllog.String("kind", track.Kind().String()),
			calllog.String("codec", track.Codec().MimeType))
		p.handlerMu.RLock()
		fn := p.onRemoteTrack
		p.handlerMu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})

	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		p.handlerMu.RLock()
		fn := p.onCandidate
		p.handlerMu.RUnlock()
		if fn != nil {
			fn(init.Candidate)
		}
	})
}

func (p *PionPeer) OnLocalCandidate(fn func(string)) {
	p.handlerMu.Lock()
	p.onCandidate = fn
	p.handlerMu.Unlock()
}

func (p *PionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.handlerMu.Lock()
	p.onState = fn
	p.handlerMu.Unlock()
}

func (p *PionPeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.handlerMu.Lock()
	p.onRemoteTrack = fn
	p.handlerMu.Unlock()
}

// AddTrack attaches the capture track and starts its RTP pump with the
// sender's negotiated SSRC.
func (p *PionPeer) AddTrack(t media.Track) error {
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}

	params := sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return fmt.Errorf("no usable encoding for %s track", t.Kind())
	}
	if err := t.StartForwarding(uint32(params.Encodings[0].SSRC)); err != nil {
		return fmt.Errorf("start %s forwarding: %w", t.Kind(), err)
	}

	if t.Kind() == webrtc.RTPCodecTypeVideo {
		p.mu.Lock()
		p.videoSender = sender
		p.mu.Unlock()
	}
	return nil
}

// ReplaceVideoTrack swaps the video source on the live sender. The SSRC
// is unchanged, so no offer/answer round-trip happens.
func (p *PionPeer) ReplaceVideoTrack(t media.Track) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}

	if err := sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}

	params := sender.GetParameters()
	if len(params.Encodings) > 0 && params.Encodings[0].SSRC != 0 {
		if err := t.StartForwarding(uint32(params.Encodings[0].SSRC)); err != nil {
			return fmt.Errorf("start replacement forwarding: %w", err)
		}
	}
	return nil
}

func (p *PionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *PionPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := validateRemoteDescription(&desc); err != nil {
		return "", err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *PionPeer) AcceptAnswer(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := validateRemoteDescription(&desc); err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushCandidates()
	return nil
}

// AddRemoteCandidate applies, buffers or drops one remote candidate.
func (p *PionPeer) AddRemoteCandidate(candidate string) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if !p.gate.Submit(init) {
		return nil
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *PionPeer) flushCandidates() {
	for _, c := range p.gate.Flush() {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("buffered candidate rejected", calllog.Error(err))
		}
	}
}

// RestartICE builds an ICE-restart offer and blocks until gathering
// completes so the offer already carries the fresh candidates.
func (p *PionPeer) RestartICE(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", fmt.Errorf("create restart offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ice restart interrupted: %w", ctx.Err())
	case <-p.closed:
		return "", ErrClosed
	case <-time.After(restartGatherTimeout):
		return "", errors.New("ice gathering timed out during restart")
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after restart")
	}
	return local.SDP, nil
}

func (p *PionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *PionPeer) Stats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *PionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}

// validateRemoteDescription rejects descriptions missing the sections a
// usable call needs before they reach the peer connection.
func validateRemoteDescription(sd *webrtc.SessionDescription) error {
	if sd == nil || strings.TrimSpace(sd.SDP) == "" {
		return errors.New("empty session description")
	}

	var hasMedia, hasICE, hasFingerprint bool
	for _, line := range strings.Split(sd.SDP, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			hasMedia = true
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			hasICE = true
		case strings.HasPrefix(line, "a=fingerprint:"):
			hasFingerprint = true
		}
	}

	switch {
	case !hasMedia:
		return errors.New("session description has no media sections")
	case !hasICE:
		return errors.New("session description has no ice credentials")
	case !hasFingerprint:
		return errors.New("session description has no dtls fingerprint")
	}
	return nil
}
