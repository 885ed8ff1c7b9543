package media

import "fmt"

// VideoTier names a fixed capture preset. Tiers are ordered; the quality
// monitor steps between them when the network degrades or recovers.
type VideoTier string

const (
	TierHigh   VideoTier = "high"
	TierMedium VideoTier = "medium"
	TierLow    VideoTier = "low"
)

// TierPreset is the capture constraint bundle behind a tier name.
type TierPreset struct {
	Width     int
	Height    int
	FrameRate float32
	// BitRate is the encoder target in bits per second.
	BitRate int
}

// tierOrder runs highest to lowest. StepDown walks right, StepUp walks
// left.
var tierOrder = []VideoTier{TierHigh, TierMedium, TierLow}

var tierPresets = map[VideoTier]TierPreset{
	TierHigh:   {Width: 1280, Height: 720, FrameRate: 30, BitRate: 1_500_000},
	TierMedium: {Width: 640, Height: 480, FrameRate: 24, BitRate: 600_000},
	TierLow:    {Width: 320, Height: 240, FrameRate: 15, BitRate: 250_000},
}

// Preset returns the constraint bundle for the tier. Unknown tiers fall
// back to medium so a stale name can never stall capture.
func (t VideoTier) Preset() TierPreset {
	if p, ok := tierPresets[t]; ok {
		return p
	}
	return tierPresets[TierMedium]
}

// StepDown returns the next lower tier, or the same tier when already at
// the bottom.
func (t VideoTier) StepDown() VideoTier {
	for i, name := range tierOrder {
		if name == t && i < len(tierOrder)-1 {
			return tierOrder[i+1]
		}
	}
	if _, ok := tierPresets[t]; !ok {
		return TierMedium
	}
	return t
}

// StepUp returns the next higher tier, or the same tier when already at
// the top.
func (t VideoTier) StepUp() VideoTier {
	for i, name := range tierOrder {
		if name == t && i > 0 {
			return tierOrder[i-1]
		}
	}
	if _, ok := tierPresets[t]; !ok {
		return TierMedium
	}
	return t
}

// ParseTier maps a config string to a tier. "auto" resolves to the start
// tier for the device class; the monitor adjusts from there.
func ParseTier(s string, class DeviceClass) (VideoTier, error) {
	switch s {
	case "auto", "":
		return ClampTier(TierHigh, class), nil
	case "high", "medium", "low":
		return ClampTier(VideoTier(s), class), nil
	default:
		return "", fmt.Errorf("unknown video tier %q", s)
	}
}

// DeviceClass buckets the host's capture capability. Mobile-class devices
// get lower resolution and frame-rate ceilings.
type DeviceClass string

const (
	ClassDesktop DeviceClass = "desktop"
	ClassMobile  DeviceClass = "mobile"
)

// Ceiling is the highest tier a class may capture at.
func (c DeviceClass) Ceiling() VideoTier {
	if c == ClassMobile {
		return TierMedium
	}
	return TierHigh
}

// ClampTier lowers the tier to the class ceiling when it exceeds it.
func ClampTier(t VideoTier, class DeviceClass) VideoTier {
	ceiling := class.Ceiling()
	for _, name := range tierOrder {
		if name == ceiling {
			return t
		}
		if name == t {
			return ceiling
		}
	}
	return ceiling
}

// ResolveClass maps the configured class name to a DeviceClass, probing
// the host when set to auto.
func ResolveClass(configured string) DeviceClass {
	switch configured {
	case "mobile":
		return ClassMobile
	case "desktop":
		return ClassDesktop
	default:
		return detectClass()
	}
}
