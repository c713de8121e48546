// Package policy holds the retry/backoff rules applied to worker failures and
// the cooldown-aware rescheduling of bump cycles. Both are pure decision
// logic: timers and persistence stay in the scheduler.
package policy

import (
	"math/rand"
	"sync"
	"time"
)

// FailureKind is the closed failure taxonomy. Workers normalize every
// terminal error to one of these before it reaches the scheduler; no raw
// driver errors cross that boundary.
type FailureKind string

const (
	FailCredentials FailureKind = "credentials_invalid"
	FailBanned      FailureKind = "banned"
	FailProxy       FailureKind = "proxy_failed"
	FailTimeout     FailureKind = "timeout"
	FailLogin       FailureKind = "login_failed"
	FailAwaiting2FA FailureKind = "awaiting_2fa"
	FailUnknown     FailureKind = "unknown"
)

// RetryAction is what the scheduler does with a failed worker.
type RetryAction int

const (
	// ActionNone: terminal, no timer. The account keeps its failure status
	// until an operator intervenes (bad credentials, ban).
	ActionNone RetryAction = iota
	// ActionSuspend: not a failure; left for external code submission.
	ActionSuspend
	// ActionRetry: transient; re-enqueue after Delay.
	ActionRetry
	// ActionBlock: failure limit reached; set blockedReason, never retry
	// automatically again.
	ActionBlock
)

// Decision is the retry policy's verdict for one failure.
type Decision struct {
	Action       RetryAction
	Delay        time.Duration
	FailureCount int // post-increment count for counted kinds
}

// RetryConfig carries the backoff curve knobs.
type RetryConfig struct {
	FailureLimit int
	Base         time.Duration
	Max          time.Duration
	Jitter       time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.FailureLimit <= 0 {
		c.FailureLimit = 5
	}
	if c.Base <= 0 {
		c.Base = 15 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 15 * time.Minute
	}
	if c.Jitter <= 0 {
		c.Jitter = 5 * time.Second
	}
	return c
}

// RetryPolicy classifies terminal worker failures.
// Safe for concurrent use.
type RetryPolicy struct {
	cfg RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *RetryPolicy) FailureLimit() int { return p.cfg.FailureLimit }

// Decide maps a failure to an action.
//
// The three-way split is deliberate: no-retry (credentials, ban),
// suspended (awaiting_2fa), counted-retry (everything else, including
// unknown). autoRestart gates timer creation for counted kinds only.
func (p *RetryPolicy) Decide(kind FailureKind, failureCount int, autoRestart bool) Decision {
	switch kind {
	case FailCredentials, FailBanned:
		return Decision{Action: ActionNone, FailureCount: failureCount}
	case FailAwaiting2FA:
		return Decision{Action: ActionSuspend, FailureCount: failureCount}
	case FailProxy, FailTimeout, FailLogin, FailUnknown:
		n := failureCount + 1
		if n >= p.cfg.FailureLimit {
			return Decision{Action: ActionBlock, FailureCount: n}
		}
		if !autoRestart {
			return Decision{Action: ActionNone, FailureCount: n}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff(n), FailureCount: n}
	default:
		// Unrecognized kinds behave like unknown rather than silently dying.
		return p.Decide(FailUnknown, failureCount, autoRestart)
	}
}

// Backoff computes the delay before retry attempt n (n >= 1):
// min(base * 2^(n-1), max) + random(0, jitter).
func (p *RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.cfg.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.cfg.Max {
			d = p.cfg.Max
			break
		}
	}
	if d > p.cfg.Max {
		d = p.cfg.Max
	}

	p.mu.Lock()
	j := time.Duration(p.rng.Int63n(int64(p.cfg.Jitter) + 1))
	p.mu.Unlock()
	return d + j
}
