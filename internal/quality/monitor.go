package quality

import (
	"context"
	"sync"
	"time"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

// historyCapacity holds five minutes of samples at the default interval.
const historyCapacity = 150

// Monitor polls a stats source on a fixed interval, derives samples,
// feeds the adaptive policy and fans results out to hooks. Hooks must be
// registered before Start.
type Monitor struct {
	log      calllog.Logger
	source   StatsSource
	policy   *AdaptivePolicy
	interval time.Duration
	ring     *sampleRing

	onSample    func(Sample)
	onRecommend func(media.VideoTier)

	mu      sync.Mutex
	prev    *Snapshot
	current Sample
	sampled bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(source StatsSource, policy *AdaptivePolicy, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		log:      calllog.L().Named("quality"),
		source:   source,
		policy:   policy,
		interval: interval,
		ring:     newSampleRing(historyCapacity),
	}
}

// OnSample registers a hook invoked with every derived sample.
func (m *Monitor) OnSample(fn func(Sample)) { m.onSample = fn }

// OnRecommendation registers a hook invoked when the policy fires a tier
// downgrade.
func (m *Monitor) OnRecommendation(fn func(media.VideoTier)) { m.onRecommend = fn }

// Start begins the poll loop. Stop or the parent context ends it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := time.NewTicker(m.interval)
	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll()
			}
		}
	}()
}

// Stop ends the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Poll takes one snapshot and, once a previous snapshot exists, derives a
// sample from the delta. The first poll only primes the baseline.
func (m *Monitor) Poll() {
	snap, err := m.source.Snapshot()
	if err != nil {
		m.log.Debug("stats snapshot failed", calllog.Error(err))
		return
	}

	m.mu.Lock()
	if m.prev == nil {
		m.prev = &snap
		m.mu.Unlock()
		return
	}
	sample := derive(*m.prev, snap)
	m.prev = &snap
	m.current = sample
	m.sampled = true
	m.mu.Unlock()

	m.ring.Add(sample)
	m.log.Debug("quality sample",
		calllog.Duration("rtt", sample.RTT),
		calllog.Float64("loss_pct", sample.PacketLossPct),
		calllog.Float64("video_kbps", sample.VideoKbps),
		calllog.Float64("audio_kbps", sample.AudioKbps),
		calllog.String("level", sample.Level.String()),
		calllog.String("path", string(sample.Path)))

	if m.onSample != nil {
		m.onSample(sample)
	}

	if next, ok := m.policy.Observe(sample.Level); ok {
		m.log.Info("video tier downgrade recommended",
			calllog.String("tier", string(next)),
			calllog.String("level", sample.Level.String()))
		if m.onRecommend != nil {
			m.onRecommend(next)
		}
	}
}

// Current returns the most recent sample, if any poll has completed.
func (m *Monitor) Current() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.sampled
}

// Recent returns up to n samples, most recent first.
func (m *Monitor) Recent(n int) []Sample {
	return m.ring.Recent(n)
}
