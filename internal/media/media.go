// Package media acquires local capture streams for calls. The production
// engine sits on pion/mediadevices; everything above it talks to the
// Engine, Stream and Track contracts so tests can swap in fakes.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied reports that the capture drivers refused access
	// to the requested device.
	ErrPermissionDenied = errors.New("media: device access denied")
	// ErrNoDevice reports that no capture device matching the constraints
	// exists on this host.
	ErrNoDevice = errors.New("media: no matching capture device")
)

// AudioProcessing carries the audio pipeline flags requested from the
// capture drivers. Drivers apply the subset they support.
type AudioProcessing struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints describes the capture a call needs. Video selects between a
// voice call (audio only) and a video call; Tier bounds the video capture
// and is clamped to the device class ceiling before it reaches the drivers.
type Constraints struct {
	Video bool
	// VideoDeviceID pins video capture to a specific camera. Empty means
	// driver default. Used for camera flips.
	VideoDeviceID string
	Tier          VideoTier
	Audio         AudioProcessing
}

// DeviceInfo identifies one capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  webrtc.RTPCodecType
}

// Track is one live capture track bound to a webrtc local track.
type Track interface {
	// ID is the stable track identifier used in signaling payloads.
	ID() string
	Kind() webrtc.RTPCodecType
	// Local returns the webrtc track to hand to AddTrack. Packets do not
	// flow until StartForwarding is called with the negotiated SSRC.
	Local() webrtc.TrackLocal
	// StartForwarding begins pumping encoded RTP from the capture device
	// into the local track. The SSRC comes from the sender's negotiated
	// encoding parameters.
	StartForwarding(ssrc uint32) error
	// SetEnabled flips the mute state. A disabled track keeps its sender
	// and SSRC; packets are simply not written.
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// Stream is the bundle of local tracks for one call.
type Stream interface {
	AudioTracks() []Track
	VideoTracks() []Track
	Close() error
}

// Engine hands out capture streams.
type Engine interface {
	// Acquire opens the devices the constraints ask for. Voice calls get
	// at least one audio track; video calls get audio plus video. Fails
	// with ErrPermissionDenied or ErrNoDevice before any signaling write
	// happens.
	Acquire(ctx context.Context, c Constraints) (Stream, error)
	// AcquireDisplay opens a screen capture video stream for sharing.
	AcquireDisplay(ctx context.Context, tier VideoTier) (Stream, error)
	// AcquireCamera opens a camera-only stream. Used for camera flips and
	// tier changes on a live call, where the microphone stays untouched.
	AcquireCamera(ctx context.Context, tier VideoTier, deviceID string) (Stream, error)
	// Cameras lists the video capture devices available for flips.
	Cameras() []DeviceInfo
	// Class reports the capture capability class of this host.
	Class() DeviceClass
	// ConfigureMediaEngine registers the engine's codecs and RTCP
	// feedback on a webrtc MediaEngine so peer connections negotiate
	// what the capture side encodes.
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}
