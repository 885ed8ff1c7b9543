// Package mediatest provides in-memory media fakes for tests that drive
// call sessions without capture hardware.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

// Engine is a media.Engine that fabricates tracks instead of opening
// devices.
type Engine struct {
	mu sync.Mutex

	// AcquireErr, when set, is returned from Acquire.
	AcquireErr error
	// DisplayErr, when set, is returned from AcquireDisplay.
	DisplayErr error
	// CameraErr, when set, is returned from AcquireCamera.
	CameraErr error
	// CameraList is what Cameras returns.
	CameraList []media.DeviceInfo
	// DeviceClass is what Class reports. Defaults to desktop.
	DeviceClass media.DeviceClass

	lastConstraints media.Constraints
	lastDisplayTier media.VideoTier
	lastCameraTier  media.VideoTier
	lastCameraID    string
	acquired        []*Stream
	nextTrack       int
}

func NewEngine() *Engine {
	return &Engine{
		CameraList: []media.DeviceInfo{
			{ID: "cam-front", Label: "Front Camera", Kind: webrtc.RTPCodecTypeVideo},
			{ID: "cam-back", Label: "Back Camera", Kind: webrtc.RTPCodecTypeVideo},
		},
		DeviceClass: media.ClassDesktop,
	}
}

func (e *Engine) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.AcquireErr != nil {
		return nil, e.AcquireErr
	}
	e.lastConstraints = c

	s := &Stream{}
	s.audio = append(s.audio, e.newTrackLocked(webrtc.RTPCodecTypeAudio))
	if c.Video {
		s.video = append(s.video, e.newTrackLocked(webrtc.RTPCodecTypeVideo))
	}
	e.acquired = append(e.acquired, s)
	return s, nil
}

func (e *Engine) AcquireDisplay(ctx context.Context, tier media.VideoTier) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.DisplayErr != nil {
		return nil, e.DisplayErr
	}
	e.lastDisplayTier = tier

	s := &Stream{}
	s.video = append(s.video, e.newTrackLocked(webrtc.RTPCodecTypeVideo))
	e.acquired = append(e.acquired, s)
	return s, nil
}

func (e *Engine) AcquireCamera(ctx context.Context, tier media.VideoTier, deviceID string) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CameraErr != nil {
		return nil, e.CameraErr
	}
	e.lastCameraTier = tier
	e.lastCameraID = deviceID

	s := &Stream{}
	s.video = append(s.video, e.newTrackLocked(webrtc.RTPCodecTypeVideo))
	e.acquired = append(e.acquired, s)
	return s, nil
}

func (e *Engine) Cameras() []media.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.DeviceInfo(nil), e.CameraList...)
}

func (e *Engine) Class() media.DeviceClass {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DeviceClass
}

func (e *Engine) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// LastConstraints reports what the most recent Acquire asked for.
func (e *Engine) LastConstraints() media.Constraints {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastConstraints
}

// LastDisplayTier reports the tier of the most recent AcquireDisplay.
func (e *Engine) LastDisplayTier() media.VideoTier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDisplayTier
}

// LastCamera reports the tier and device of the most recent AcquireCamera.
func (e *Engine) LastCamera() (media.VideoTier, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCameraTier, e.lastCameraID
}

// Acquired returns every stream the engine has handed out.
func (e *Engine) Acquired() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.acquired...)
}

func (e *Engine) newTrackLocked(kind webrtc.RTPCodecType) *Track {
	e.nextTrack++
	id := fmt.Sprintf("fake-%s-%d", kind, e.nextTrack)

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, "fake-stream")
	if err != nil {
		panic(fmt.Sprintf("mediatest: build local track: %v", err))
	}
	return &Track{id: id, kind: kind, local: local, enabled: true}
}

// Stream is a fake media.Stream.
type Stream struct {
	mu     sync.Mutex
	audio  []*Track
	video  []*Track
	closed bool
}

func (s *Stream) AudioTracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Track, len(s.audio))
	for i, t := range s.audio {
		out[i] = t
	}
	return out
}

func (s *Stream) VideoTracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Track, len(s.video))
	for i, t := range s.video {
		out[i] = t
	}
	return out
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.audio {
		t.Close()
	}
	for _, t := range s.video {
		t.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Track is a fake media.Track backed by a real local track struct but no
// packet source.
type Track struct {
	id    string
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	mu         sync.Mutex
	enabled    bool
	closed     bool
	forwarding bool
	ssrc       uint32
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }

func (t *Track) StartForwarding(ssrc uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("mediatest: track %s closed", t.id)
	}
	t.forwarding = true
	t.ssrc = ssrc
	return nil
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Forwarding reports whether StartForwarding ran and with which SSRC.
func (t *Track) Forwarding() (bool, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forwarding, t.ssrc
}
