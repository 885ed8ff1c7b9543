package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// captureMTU bounds encoded RTP packet payloads.
const captureMTU = 1200

// CaptureEngine is the production Engine on top of pion/mediadevices.
type CaptureEngine struct {
	log   calllog.Logger
	class DeviceClass
}

// NewCaptureEngine probes the device class and prepares an engine. No
// devices are opened until Acquire.
func NewCaptureEngine(cfg config.MediaConfig) *CaptureEngine {
	class := ResolveClass(cfg.DeviceClass)
	log := calllog.L().Named("media")
	log.Info("capture engine ready",
		calllog.String("device_class", string(class)),
		calllog.String("capture_ceiling", string(class.Ceiling())))
	return &CaptureEngine{
		log:   log,
		class: class,
	}
}

// Class reports the detected or configured device class.
func (e *CaptureEngine) Class() DeviceClass { return e.class }

// ConfigureMediaEngine registers default codecs, the RTCP feedback the
// encoders rely on, and the capture codecs themselves.
func (e *CaptureEngine) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	if err := me.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register default codecs: %w", err)
	}

	me.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	me.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	me.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)

	selector, err := newCodecSelector(e.class.Ceiling().Preset())
	if err != nil {
		return err
	}
	selector.Populate(me)
	return nil
}

// Acquire opens the microphone, and the camera when the constraints ask
// for video. The tier is clamped to the device class ceiling first.
func (e *CaptureEngine) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	tier := ClampTier(c.Tier, e.class)
	preset := tier.Preset()

	selector, err := newCodecSelector(preset)
	if err != nil {
		return nil, err
	}

	e.log.Debug("acquiring user media",
		calllog.Bool("video", c.Video),
		calllog.String("tier", string(tier)),
		calllog.Bool("echo_cancellation", c.Audio.EchoCancellation),
		calllog.Bool("noise_suppression", c.Audio.NoiseSuppression),
		calllog.Bool("auto_gain", c.Audio.AutoGainControl))

	constraints := mediadevices.MediaStreamConstraints{
		Audio: audioConstraints(),
		Codec: selector,
	}
	if c.Video {
		constraints.Video = videoConstraints(preset, c.VideoDeviceID)
	}

	native, err := e.getMedia(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, err
	}

	stream := e.wrapStream(native)
	if len(stream.audio) == 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: no audio track acquired", ErrNoDevice)
	}
	if c.Video && len(stream.video) == 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: no video track acquired", ErrNoDevice)
	}
	return stream, nil
}

// AcquireDisplay opens a screen capture stream for sharing.
func (e *CaptureEngine) AcquireDisplay(ctx context.Context, tier VideoTier) (Stream, error) {
	preset := ClampTier(tier, e.class).Preset()

	selector, err := newCodecSelector(preset)
	if err != nil {
		return nil, err
	}

	native, err := e.getMedia(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(mt *mediadevices.MediaTrackConstraints) {
				mt.Width = prop.Int(preset.Width)
				mt.Height = prop.Int(preset.Height)
				mt.FrameRate = prop.Float(preset.FrameRate)
			},
			Codec: selector,
		})
	})
	if err != nil {
		return nil, err
	}

	stream := e.wrapStream(native)
	if len(stream.video) == 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: no screen capture track acquired", ErrNoDevice)
	}
	return stream, nil
}

// AcquireCamera opens a camera without touching the microphone. The live
// audio capture keeps running while a flip or tier change swaps video.
func (e *CaptureEngine) AcquireCamera(ctx context.Context, tier VideoTier, deviceID string) (Stream, error) {
	preset := ClampTier(tier, e.class).Preset()

	selector, err := newCodecSelector(preset)
	if err != nil {
		return nil, err
	}

	native, err := e.getMedia(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: videoConstraints(preset, deviceID),
			Codec: selector,
		})
	})
	if err != nil {
		return nil, err
	}

	stream := e.wrapStream(native)
	if len(stream.video) == 0 {
		stream.Close()
		return nil, fmt.Errorf("%w: no video track acquired", ErrNoDevice)
	}
	return stream, nil
}

// Cameras lists the video input devices currently visible to the drivers.
func (e *CaptureEngine) Cameras() []DeviceInfo {
	var cameras []DeviceInfo
	for _, device := range mediadevices.EnumerateDevices() {
		if device.Kind != mediadevices.VideoInput {
			continue
		}
		cameras = append(cameras, DeviceInfo{
			ID:    device.DeviceID,
			Label: device.Label,
			Kind:  webrtc.RTPCodecTypeVideo,
		})
	}
	return cameras
}

// getMedia runs the blocking driver acquisition while honoring the
// caller's context. When the context wins the race the late stream is
// torn down in the background.
func (e *CaptureEngine) getMedia(ctx context.Context, open func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := open()
		done <- result{stream: s, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.stream != nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, classifyAcquireError(r.err)
		}
		return r.stream, nil
	}
}

func (e *CaptureEngine) wrapStream(native mediadevices.MediaStream) *captureStream {
	streamID := uuid.NewString()
	stream := &captureStream{id: streamID}
	for _, t := range native.GetAudioTracks() {
		wrapped, err := newCaptureTrack(t, streamID, webrtc.RTPCodecTypeAudio, e.log)
		if err != nil {
			e.log.Warn("audio track setup failed", calllog.Error(err))
			t.Close()
			continue
		}
		stream.audio = append(stream.audio, wrapped)
	}
	for _, t := range native.GetVideoTracks() {
		wrapped, err := newCaptureTrack(t, streamID, webrtc.RTPCodecTypeVideo, e.log)
		if err != nil {
			e.log.Warn("video track setup failed", calllog.Error(err))
			t.Close()
			continue
		}
		stream.video = append(stream.video, wrapped)
	}
	return stream
}

func classifyAcquireError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("get user media: %w", err)
	}
}

func newCodecSelector(preset TierPreset) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create vp8 params: %w", err)
	}
	vpxParams.BitRate = preset.BitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func videoConstraints(preset TierPreset, deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.Width = prop.Int(preset.Width)
		c.Height = prop.Int(preset.Height)
		c.FrameRate = prop.Float(preset.FrameRate)
		c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
	}
}

func audioConstraints() mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		c.SampleRate = prop.Int(48000)
		c.ChannelCount = prop.Int(1)
		c.SampleSize = prop.Int(16)
		c.IsFloat = prop.BoolExact(false)
		c.IsBigEndian = prop.BoolExact(false)
		c.IsInterleaved = prop.BoolExact(true)
		c.Latency = prop.Duration(20 * time.Millisecond)
	}
}

// ---- capture stream ----

type captureStream struct {
	id    string
	audio []Track
	video []Track

	closeOnce sync.Once
}

func (s *captureStream) AudioTracks() []Track { return append([]Track(nil), s.audio...) }
func (s *captureStream) VideoTracks() []Track { return append([]Track(nil), s.video...) }

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		for _, t := range s.audio {
			t.Close()
		}
		for _, t := range s.video {
			t.Close()
		}
	})
	return nil
}

// ---- capture track ----

type captureTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	source mediadevices.Track
	local  *webrtc.TrackLocalStaticRTP
	log    calllog.Logger

	mu      sync.Mutex
	started bool
	enabled bool
	stop    chan struct{}

	closeOnce sync.Once
}

func newCaptureTrack(source mediadevices.Track, streamID string, kind webrtc.RTPCodecType, log calllog.Logger) (*captureTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}
	default:
		capability = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, source.ID(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create local %s track: %w", kind, err)
	}

	return &captureTrack{
		id:      source.ID(),
		kind:    kind,
		source:  source,
		local:   local,
		log:     log.With(calllog.String("track", source.ID()), calllog.String("kind", kind.String())),
		enabled: true,
		stop:    make(chan struct{}),
	}, nil
}

func (t *captureTrack) ID() string                { return t.id }
func (t *captureTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *captureTrack) Local() webrtc.TrackLocal  { return t.local }

// StartForwarding spins up the encoded RTP pump. The SSRC must be the one
// the sender negotiated so RTCP feedback finds the encoder.
func (t *captureTrack) StartForwarding(ssrc uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	reader, err := t.source.NewRTPReader(t.local.Codec().MimeType, ssrc, captureMTU)
	if err != nil {
		return fmt.Errorf("create %s rtp reader: %w", t.kind, err)
	}
	t.started = true
	go t.pump(reader)
	return nil
}

func (t *captureTrack) pump(reader mediadevices.RTPReadCloser) {
	defer reader.Close()
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		packets, _, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				t.log.Debug("capture track ended")
				return
			}
			t.log.Warn("rtp read failed", calllog.Error(err))
			continue
		}

		if !t.Enabled() {
			continue
		}

		for _, packet := range packets {
			if err := t.local.WriteRTP(packet); err != nil {
				if strings.Contains(err.Error(), "closed") {
					return
				}
				t.log.Warn("rtp write failed", calllog.Error(err))
			}
		}
	}
}

// SetEnabled flips the mute state. The encoder keeps running; packets are
// dropped instead of written so re-enabling is instant.
func (t *captureTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *captureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *captureTrack) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
	})
	return t.source.Close()
}
