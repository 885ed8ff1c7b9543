package quality

import (
	"sync"
	"time"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

// AdaptivePolicy turns a stream of quality levels into video tier
// downgrade recommendations. A downgrade fires only after the level has
// been poor for a consecutive streak and the cooldown since the last
// adaptation has elapsed. Recovery to good or excellent resets the
// streak; fair holds it.
type AdaptivePolicy struct {
	mu sync.Mutex

	tier           media.VideoTier
	streakNeeded   int
	cooldown       time.Duration
	now            func() time.Time
	poorStreak     int
	lastAdaptation time.Time
}

func NewAdaptivePolicy(initial media.VideoTier, poorStreak int, cooldown time.Duration) *AdaptivePolicy {
	if poorStreak < 1 {
		poorStreak = 1
	}
	return &AdaptivePolicy{
		tier:         initial,
		streakNeeded: poorStreak,
		cooldown:     cooldown,
		now:          time.Now,
	}
}

// SetClock substitutes the wall clock. Tests only.
func (p *AdaptivePolicy) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Tier reports the tier the policy currently recommends sending at.
func (p *AdaptivePolicy) Tier() media.VideoTier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// SetTier records a tier applied outside the policy, for example a manual
// switch. The streak restarts against the new tier.
func (p *AdaptivePolicy) SetTier(t media.VideoTier) {
	p.mu.Lock()
	p.tier = t
	p.poorStreak = 0
	p.mu.Unlock()
}

// Observe feeds one classified sample in. It returns the tier to step
// down to and true when a downgrade recommendation fires.
func (p *AdaptivePolicy) Observe(level Level) (media.VideoTier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if level >= LevelGood {
		p.poorStreak = 0
		return "", false
	}
	if level == LevelFair {
		return "", false
	}

	p.poorStreak++
	if p.poorStreak < p.streakNeeded {
		return "", false
	}

	now := p.now()
	if !p.lastAdaptation.IsZero() && now.Sub(p.lastAdaptation) < p.cooldown {
		return "", false
	}

	next := p.tier.StepDown()
	if next == p.tier {
		return "", false
	}

	p.tier = next
	p.poorStreak = 0
	p.lastAdaptation = now
	return next, true
}
