package quality

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

// scriptedSource pops snapshots in order; the last one repeats.
type scriptedSource struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (s *scriptedSource) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Snapshot{}, s.err
	}
	if len(s.snaps) == 0 {
		return Snapshot{}, errors.New("script exhausted")
	}
	snap := s.snaps[0]
	if len(s.snaps) > 1 {
		s.snaps = s.snaps[1:]
	}
	return snap, nil
}

// poorScript yields a baseline and then n poor-quality snapshots spaced
// 2s apart, each with RTT 450ms and 6% loss over the interval.
func poorScript(n int) []Snapshot {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	snaps := make([]Snapshot, 0, n+1)
	var sent, lost uint64
	snaps = append(snaps, Snapshot{At: base, PacketsSent: sent})
	for i := 1; i <= n; i++ {
		sent += 940
		lost += 60
		snaps = append(snaps, Snapshot{
			At:          base.Add(time.Duration(i) * 2 * time.Second),
			RTT:         450 * time.Millisecond,
			PacketsSent: sent,
			PacketsLost: int64(lost),
			Path:        PathRelay,
		})
	}
	return snaps
}

func TestMonitorDerivesSampleFromDelta(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	src := &scriptedSource{snaps: []Snapshot{
		{At: base, VideoBytesSent: 0, AudioBytesSent: 0, PacketsSent: 0},
		{
			At:             base.Add(2 * time.Second),
			RTT:            80 * time.Millisecond,
			VideoBytesSent: 150_000,
			AudioBytesSent: 8_000,
			PacketsSent:    500,
			Path:           PathHost,
		},
	}}
	m := NewMonitor(src, NewAdaptivePolicy(media.TierHigh, 3, 10*time.Second), 2*time.Second)

	var samples []Sample
	m.OnSample(func(s Sample) { samples = append(samples, s) })

	m.Poll()
	if _, ok := m.Current(); ok {
		t.Fatal("first poll must only prime the baseline")
	}

	m.Poll()
	got, ok := m.Current()
	if !ok {
		t.Fatal("second poll should produce a sample")
	}
	if got.VideoKbps != 600 {
		t.Errorf("video kbps = %v, want 600", got.VideoKbps)
	}
	if got.AudioKbps != 32 {
		t.Errorf("audio kbps = %v, want 32", got.AudioKbps)
	}
	if got.Level != LevelExcellent {
		t.Errorf("level = %s, want excellent", got.Level)
	}
	if got.Path != PathHost {
		t.Errorf("path = %s, want host", got.Path)
	}
	if len(samples) != 1 {
		t.Errorf("sample hook fired %d times, want 1", len(samples))
	}
}

func TestMonitorRecommendsDowngradeAfterPoorStreak(t *testing.T) {
	src := &scriptedSource{snaps: poorScript(3)}
	policy := NewAdaptivePolicy(media.TierMedium, 3, 10*time.Second)
	m := NewMonitor(src, policy, 2*time.Second)

	var recs []media.VideoTier
	m.OnRecommendation(func(tier media.VideoTier) { recs = append(recs, tier) })

	// Baseline plus three poor samples.
	for i := 0; i < 4; i++ {
		m.Poll()
	}

	if len(recs) != 1 {
		t.Fatalf("recommendations = %d, want 1", len(recs))
	}
	if recs[0] != media.TierLow {
		t.Errorf("recommended tier = %s, want low", recs[0])
	}
}

func TestMonitorSkipsSampleOnSnapshotError(t *testing.T) {
	src := &scriptedSource{err: errors.New("connection gone")}
	m := NewMonitor(src, NewAdaptivePolicy(media.TierHigh, 3, time.Second), time.Second)

	m.Poll()
	m.Poll()
	if _, ok := m.Current(); ok {
		t.Fatal("snapshot errors must not produce samples")
	}
}

func TestMonitorRecentReturnsNewestFirst(t *testing.T) {
	src := &scriptedSource{snaps: poorScript(5)}
	m := NewMonitor(src, NewAdaptivePolicy(media.TierLow, 99, time.Hour), 2*time.Second)

	for i := 0; i < 6; i++ {
		m.Poll()
	}

	recent := m.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("recent = %d samples, want 3", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].At.After(recent[i-1].At) {
			t.Errorf("recent[%d] newer than recent[%d], want newest first", i, i-1)
		}
	}
}

func TestMonitorStartStop(t *testing.T) {
	src := &scriptedSource{snaps: poorScript(30)}
	m := NewMonitor(src, NewAdaptivePolicy(media.TierLow, 99, time.Hour), 5*time.Millisecond)

	m.Start(t.Context())

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Current(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("monitor produced no sample before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()
}
