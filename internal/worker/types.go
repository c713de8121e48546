package worker

import (
	"time"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/session"
	"bumpd/internal/solver"
	"bumpd/internal/store"
	"bumpd/internal/telemetry"
	logx "bumpd/pkg/logx"
)

// Config controls one worker controller run.
type Config struct {
	// SessionTTL bounds how long the machine may stay suspended on a
	// challenge before the session is abandoned.
	SessionTTL time.Duration

	// ChallengeAttempts bounds how many wrong solutions are tolerated before
	// the login is given up.
	ChallengeAttempts int

	// CycleRetries bounds in-place retries of transient hiccups within a
	// single bump cycle before the cycle is surfaced as a failure.
	CycleRetries    int
	CycleRetryDelay time.Duration

	// Heartbeat cadence: computed every HeartbeatInterval, emitted to the
	// sink every HeartbeatEmitEvery unless the state changed (then
	// immediately).
	HeartbeatInterval  time.Duration
	HeartbeatEmitEvery time.Duration

	// Watchdog: when the in-memory next bump time is overdue by more than
	// WatchdogTolerance while the worker claims an active-ish status, the
	// current wait is abandoned and the cycle restarts.
	WatchdogInterval  time.Duration
	WatchdogTolerance time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.ChallengeAttempts <= 0 {
		c.ChallengeAttempts = 3
	}
	if c.CycleRetries <= 0 {
		c.CycleRetries = 2
	}
	if c.CycleRetryDelay <= 0 {
		c.CycleRetryDelay = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatEmitEvery <= 0 {
		c.HeartbeatEmitEvery = 30 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 15 * time.Second
	}
	if c.WatchdogTolerance <= 0 {
		c.WatchdogTolerance = 30 * time.Second
	}
	return c
}

// Deps are the external collaborators one controller drives.
type Deps struct {
	Driver   session.Driver
	Solver   solver.Solver // nil means challenges wait for human submission
	Store    store.Store
	Sink     notify.Sink
	Cooldown *policy.CooldownPolicy
	Metrics  *telemetry.Metrics
	Log      logx.Logger
}

// Failure is a normalized terminal error: kind + message, nothing else
// crosses into the scheduler.
type Failure struct {
	Kind    policy.FailureKind
	Message string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }

// Result is what one controller run ends with.
type Result struct {
	Status  account.Status
	Failure *Failure
	Bumps   int
	Ran     time.Duration
}

// Beat is one heartbeat sample.
type Beat struct {
	Status account.Status `json:"status"`
	Step   string         `json:"step"`
	URL    string         `json:"url,omitempty"`
	Bumps  int            `json:"bumps"`
	NextAt *time.Time     `json:"next_at,omitempty"`
}
