package quality

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestClassifyBands(t *testing.T) {
	tests := []struct {
		name string
		rtt  time.Duration
		loss float64
		want Level
	}{
		{"fast and clean", 50 * time.Millisecond, 0.5, LevelExcellent},
		{"rtt at excellent boundary", 100 * time.Millisecond, 0.5, LevelGood},
		{"moderate", 150 * time.Millisecond, 2, LevelGood},
		{"loss at good boundary", 150 * time.Millisecond, 3, LevelFair},
		{"degraded", 250 * time.Millisecond, 4, LevelFair},
		{"slow link", 450 * time.Millisecond, 6, LevelPoor},
		{"fast but lossy", 50 * time.Millisecond, 10, LevelPoor},
		{"rtt past fair band", 400 * time.Millisecond, 0, LevelPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.rtt, tt.loss); got != tt.want {
				t.Errorf("Classify(%v, %v%%) = %s, want %s", tt.rtt, tt.loss, got, tt.want)
			}
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	if !(LevelPoor < LevelFair && LevelFair < LevelGood && LevelGood < LevelExcellent) {
		t.Fatal("levels are not ordered poor < fair < good < excellent")
	}
}

func TestDeriveRatesFromDelta(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	prev := Snapshot{
		At:             base,
		AudioBytesSent: 100_000,
		VideoBytesSent: 1_000_000,
		PacketsSent:    10_000,
		PacketsLost:    40,
	}
	cur := Snapshot{
		At:             base.Add(2 * time.Second),
		RTT:            450 * time.Millisecond,
		JitterSec:      0.030,
		AudioBytesSent: 108_000,
		VideoBytesSent: 1_250_000,
		PacketsSent:    10_940,
		PacketsLost:    100,
		Path:           PathRelay,
	}

	s := derive(prev, cur)

	if s.AudioKbps != 32 {
		t.Errorf("audio kbps = %v, want 32", s.AudioKbps)
	}
	if s.VideoKbps != 1000 {
		t.Errorf("video kbps = %v, want 1000", s.VideoKbps)
	}
	if !approx(s.PacketLossPct, 6) {
		t.Errorf("loss pct = %v, want 6", s.PacketLossPct)
	}
	if s.RTT != 450*time.Millisecond {
		t.Errorf("rtt = %v, want 450ms", s.RTT)
	}
	if s.Jitter != 30*time.Millisecond {
		t.Errorf("jitter = %v, want 30ms", s.Jitter)
	}
	if s.Level != LevelPoor {
		t.Errorf("level = %s, want poor", s.Level)
	}
	if s.Path != PathRelay {
		t.Errorf("path = %s, want relay", s.Path)
	}
}

func TestDeriveHandlesCounterReset(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	prev := Snapshot{At: base, VideoBytesSent: 900_000, PacketsSent: 5000, PacketsLost: 20}
	cur := Snapshot{At: base.Add(2 * time.Second), VideoBytesSent: 10_000, PacketsSent: 100, PacketsLost: 0}

	s := derive(prev, cur)
	if s.VideoKbps != 0 {
		t.Errorf("video kbps after counter reset = %v, want 0", s.VideoKbps)
	}
	if s.PacketLossPct != 0 {
		t.Errorf("loss pct after counter reset = %v, want 0", s.PacketLossPct)
	}
}

func approx(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

type reporterFunc func() webrtc.StatsReport

func (f reporterFunc) Stats() webrtc.StatsReport { return f() }

func TestPeerSourceWalksReport(t *testing.T) {
	report := webrtc.StatsReport{
		"out-video": webrtc.OutboundRTPStreamStats{Kind: "video", BytesSent: 500_000, PacketsSent: 4000},
		"out-audio": webrtc.OutboundRTPStreamStats{Kind: "audio", BytesSent: 80_000, PacketsSent: 1000},
		"rin-video": webrtc.RemoteInboundRTPStreamStats{
			Kind: "video", PacketsLost: 60, Jitter: 0.025, RoundTripTime: 0.120,
		},
		"rin-audio": webrtc.RemoteInboundRTPStreamStats{
			Kind: "audio", PacketsLost: 5, Jitter: 0.010,
		},
		"pair-1": webrtc.ICECandidatePairStats{
			State:            webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:        true,
			LocalCandidateID: "cand-local",
		},
		"cand-local": webrtc.ICECandidateStats{
			ID:            "cand-local",
			CandidateType: webrtc.ICECandidateTypeRelay,
		},
	}

	src := NewPeerSource(reporterFunc(func() webrtc.StatsReport { return report }))
	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if snap.VideoBytesSent != 500_000 || snap.AudioBytesSent != 80_000 {
		t.Errorf("bytes sent = video %d audio %d, want 500000/80000", snap.VideoBytesSent, snap.AudioBytesSent)
	}
	if snap.PacketsSent != 5000 {
		t.Errorf("packets sent = %d, want 5000", snap.PacketsSent)
	}
	if snap.PacketsLost != 65 {
		t.Errorf("packets lost = %d, want 65", snap.PacketsLost)
	}
	if snap.RTT != 120*time.Millisecond {
		t.Errorf("rtt = %v, want 120ms", snap.RTT)
	}
	if snap.JitterSec != 0.025 {
		t.Errorf("jitter = %v, want 0.025", snap.JitterSec)
	}
	if snap.Path != PathRelay {
		t.Errorf("path = %s, want relay", snap.Path)
	}
}

func TestPathFromCandidateType(t *testing.T) {
	tests := []struct {
		in   webrtc.ICECandidateType
		want PathType
	}{
		{webrtc.ICECandidateTypeHost, PathHost},
		{webrtc.ICECandidateTypeSrflx, PathServerReflexive},
		{webrtc.ICECandidateTypePrflx, PathPeerReflexive},
		{webrtc.ICECandidateTypeRelay, PathRelay},
	}
	for _, tt := range tests {
		if got := pathFromCandidateType(tt.in); got != tt.want {
			t.Errorf("pathFromCandidateType(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
