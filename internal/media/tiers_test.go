package media

import (
	"errors"
	"testing"
)

func TestTierPresets(t *testing.T) {
	tests := []struct {
		tier      VideoTier
		width     int
		height    int
		frameRate float32
	}{
		{TierHigh, 1280, 720, 30},
		{TierMedium, 640, 480, 24},
		{TierLow, 320, 240, 15},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			p := tt.tier.Preset()
			if p.Width != tt.width || p.Height != tt.height {
				t.Errorf("preset = %dx%d, want %dx%d", p.Width, p.Height, tt.width, tt.height)
			}
			if p.FrameRate != tt.frameRate {
				t.Errorf("frame rate = %v, want %v", p.FrameRate, tt.frameRate)
			}
			if p.BitRate <= 0 {
				t.Errorf("bit rate = %d, want positive", p.BitRate)
			}
		})
	}
}

func TestTierPresetUnknownFallsBack(t *testing.T) {
	p := VideoTier("4k-hdr").Preset()
	if p != TierMedium.Preset() {
		t.Errorf("unknown tier preset = %+v, want medium preset", p)
	}
}

func TestTierStepping(t *testing.T) {
	tests := []struct {
		name string
		got  VideoTier
		want VideoTier
	}{
		{"high steps down to medium", TierHigh.StepDown(), TierMedium},
		{"medium steps down to low", TierMedium.StepDown(), TierLow},
		{"low stays at low", TierLow.StepDown(), TierLow},
		{"low steps up to medium", TierLow.StepUp(), TierMedium},
		{"medium steps up to high", TierMedium.StepUp(), TierHigh},
		{"high stays at high", TierHigh.StepUp(), TierHigh},
		{"unknown steps down to medium", VideoTier("bogus").StepDown(), TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestClampTier(t *testing.T) {
	tests := []struct {
		name  string
		tier  VideoTier
		class DeviceClass
		want  VideoTier
	}{
		{"desktop keeps high", TierHigh, ClassDesktop, TierHigh},
		{"mobile caps high at medium", TierHigh, ClassMobile, TierMedium},
		{"mobile keeps medium", TierMedium, ClassMobile, TierMedium},
		{"mobile keeps low", TierLow, ClassMobile, TierLow},
		{"desktop keeps low", TierLow, ClassDesktop, TierLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampTier(tt.tier, tt.class); got != tt.want {
				t.Errorf("ClampTier(%s, %s) = %s, want %s", tt.tier, tt.class, got, tt.want)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		class   DeviceClass
		want    VideoTier
		wantErr bool
	}{
		{"auto on desktop starts high", "auto", ClassDesktop, TierHigh, false},
		{"auto on mobile starts at ceiling", "auto", ClassMobile, TierMedium, false},
		{"empty behaves like auto", "", ClassDesktop, TierHigh, false},
		{"explicit low", "low", ClassDesktop, TierLow, false},
		{"explicit high clamped on mobile", "high", ClassMobile, TierMedium, false},
		{"garbage rejected", "ultra", ClassDesktop, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTier(tt.in, tt.class)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTier(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTier(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveClassHonorsConfig(t *testing.T) {
	if got := ResolveClass("mobile"); got != ClassMobile {
		t.Errorf("ResolveClass(mobile) = %s, want mobile", got)
	}
	if got := ResolveClass("desktop"); got != ClassDesktop {
		t.Errorf("ResolveClass(desktop) = %s, want desktop", got)
	}
}

func TestClassifyAcquireError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"permission refused", errors.New("v4l2: permission denied"), ErrPermissionDenied},
		{"device busy", errors.New("device or resource busy"), ErrPermissionDenied},
		{"driver miss", errors.New("failed to find the best driver that fits the constraints"), ErrNoDevice},
		{"missing path", errors.New("open /dev/video0: no such file or directory"), ErrNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAcquireError(tt.in)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyAcquireError(%v) = %v, want %v sentinel", tt.in, got, tt.want)
			}
		})
	}
}

func TestClassCeilings(t *testing.T) {
	if got := ClassMobile.Ceiling(); got != TierMedium {
		t.Errorf("mobile ceiling = %s, want medium", got)
	}
	if got := ClassDesktop.Ceiling(); got != TierHigh {
		t.Errorf("desktop ceiling = %s, want high", got)
	}
}
