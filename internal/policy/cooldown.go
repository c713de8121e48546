package policy

import (
	"math/rand"
	"sync"
	"time"

	logx "bumpd/pkg/logx"
)

// CooldownConfig bounds how soon a bump may be rescheduled.
type CooldownConfig struct {
	// MinSafeInterval is the platform-safety floor: no configuration and no
	// reported cooldown can schedule faster than this.
	MinSafeInterval time.Duration
	// SafetyBuffer is added on top of cooldowns the target system reports.
	SafetyBuffer time.Duration
	// SanityCeiling caps believable reported cooldowns; anything above is
	// treated as a parse artifact and ignored.
	SanityCeiling time.Duration
}

func (c CooldownConfig) withDefaults() CooldownConfig {
	if c.MinSafeInterval <= 0 {
		c.MinSafeInterval = 5 * time.Minute
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = 2 * time.Minute
	}
	if c.SanityCeiling <= 0 {
		c.SanityCeiling = 60 * time.Minute
	}
	return c
}

// CooldownPolicy computes the wait before the next bump.
// Safe for concurrent use.
type CooldownPolicy struct {
	cfg CooldownConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewCooldownPolicy(cfg CooldownConfig) *CooldownPolicy {
	return &CooldownPolicy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *CooldownPolicy) MinSafeInterval() time.Duration { return p.cfg.MinSafeInterval }

// ConfiguredDelay is the account's own cadence: base interval plus a uniform
// draw from [jitterMin, jitterMax], floored at the safety interval.
func (p *CooldownPolicy) ConfiguredDelay(base, jitterMin, jitterMax time.Duration) time.Duration {
	d := base
	if jitterMax > jitterMin {
		p.mu.Lock()
		d += jitterMin + time.Duration(p.rng.Int63n(int64(jitterMax-jitterMin)+1))
		p.mu.Unlock()
	} else if jitterMin > 0 {
		d += jitterMin
	}
	if d < p.cfg.MinSafeInterval {
		d = p.cfg.MinSafeInterval
	}
	return d
}

// EffectiveWait folds an externally-reported cooldown into the configured
// delay. The result never undercuts what the target system demands and never
// undercuts the safety floor, regardless of configuration. A report above the
// sanity ceiling is treated as unparseable and the configured delay wins.
func (p *CooldownPolicy) EffectiveWait(configured, reported time.Duration, reportedOK bool, log logx.Logger) time.Duration {
	d := configured
	if d < p.cfg.MinSafeInterval {
		d = p.cfg.MinSafeInterval
	}
	if !reportedOK {
		return d
	}
	if reported > p.cfg.SanityCeiling {
		if !log.IsZero() {
			log.Warn("reported cooldown exceeds sanity ceiling, using configured delay",
				logx.Duration("reported", reported),
				logx.Duration("ceiling", p.cfg.SanityCeiling),
				logx.Duration("configured", d),
			)
		}
		return d
	}
	if ext := reported + p.cfg.SafetyBuffer; ext > d {
		d = ext
	}
	return d
}
