package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestPolicyDowngradesAfterPoorStreak(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierMedium, 3, 10*time.Second)
	p.SetClock(clock.Now)

	_, ok := p.Observe(LevelPoor)
	require.False(t, ok, "first poor sample should not fire")
	_, ok = p.Observe(LevelPoor)
	require.False(t, ok, "second poor sample should not fire")

	next, ok := p.Observe(LevelPoor)
	require.True(t, ok, "third consecutive poor sample should fire")
	require.Equal(t, media.TierLow, next)
	require.Equal(t, media.TierLow, p.Tier())
}

func TestPolicyRecoveryResetsStreak(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierHigh, 3, 10*time.Second)
	p.SetClock(clock.Now)

	p.Observe(LevelPoor)
	p.Observe(LevelPoor)
	_, ok := p.Observe(LevelGood)
	require.False(t, ok)

	p.Observe(LevelPoor)
	_, ok = p.Observe(LevelPoor)
	require.False(t, ok, "streak must restart after recovery")

	next, ok := p.Observe(LevelPoor)
	require.True(t, ok)
	require.Equal(t, media.TierMedium, next)
}

func TestPolicyFairHoldsStreak(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierHigh, 3, 10*time.Second)
	p.SetClock(clock.Now)

	p.Observe(LevelPoor)
	p.Observe(LevelPoor)
	_, ok := p.Observe(LevelFair)
	require.False(t, ok, "fair should not fire")

	next, ok := p.Observe(LevelPoor)
	require.True(t, ok, "fair must not reset the poor streak")
	require.Equal(t, media.TierMedium, next)
}

func TestPolicyCooldownGatesNextDowngrade(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierHigh, 3, 10*time.Second)
	p.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		p.Observe(LevelPoor)
	}
	require.Equal(t, media.TierMedium, p.Tier())

	clock.Advance(4 * time.Second)
	for i := 0; i < 3; i++ {
		_, ok := p.Observe(LevelPoor)
		require.False(t, ok, "cooldown must gate the next downgrade")
	}

	clock.Advance(7 * time.Second)
	next, ok := p.Observe(LevelPoor)
	require.True(t, ok, "streak already satisfied, cooldown elapsed")
	require.Equal(t, media.TierLow, next)
}

func TestPolicyStopsAtBottomTier(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierLow, 2, time.Second)
	p.SetClock(clock.Now)

	p.Observe(LevelPoor)
	_, ok := p.Observe(LevelPoor)
	require.False(t, ok, "no tier below low to recommend")
	require.Equal(t, media.TierLow, p.Tier())
}

func TestPolicySetTierRestartsStreak(t *testing.T) {
	clock := newTestClock()
	p := NewAdaptivePolicy(media.TierHigh, 3, time.Second)
	p.SetClock(clock.Now)

	p.Observe(LevelPoor)
	p.Observe(LevelPoor)
	p.SetTier(media.TierMedium)

	_, ok := p.Observe(LevelPoor)
	require.False(t, ok, "manual tier change must restart the streak")
	require.Equal(t, media.TierMedium, p.Tier())
}
