package account

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of durable account states. The worker state
// machine and the retry policy switch over it exhaustively; adding a value
// here means teaching both about it.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusQueued          Status = "queued"
	StatusStarting        Status = "starting"
	StatusRestarting      Status = "restarting"
	StatusValidating      Status = "validating_session"
	StatusLoggingIn       Status = "logging_in"
	StatusAwaitingCaptcha Status = "awaiting_captcha"
	StatusAwaiting2FA     Status = "awaiting_2fa"
	StatusActive          Status = "active"
	StatusBumping         Status = "bumping"
	StatusWaitingCooldown Status = "waiting_cooldown"
	StatusCompleted       Status = "completed"
	StatusPaused          Status = "paused"
	StatusStopped         Status = "stopped"
	StatusBanned          Status = "banned"
	StatusBlocked         Status = "blocked"
	StatusLoginFailed     Status = "login_failed"
	StatusError           Status = "error"
)

// Terminal reports whether a worker run ends in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPaused, StatusStopped, StatusBanned,
		StatusBlocked, StatusLoginFailed, StatusError:
		return true
	}
	return false
}

// Key identifies one account for registry/queue bookkeeping.
// At most one live worker may exist per key at any time.
type Key struct {
	UserID    int64
	AccountID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.UserID, k.AccountID)
}

// RuntimeWindow restricts when an account is allowed to run, evaluated in the
// account's own timezone. From/To are "HH:MM"; a window may wrap midnight
// (e.g. 22:00 -> 06:00).
type RuntimeWindow struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Timezone string `json:"timezone,omitempty"`
}

// Open reports whether t falls inside the window.
// A malformed window is treated as always open rather than dead-stopping the
// account; the scheduler logs the parse error once at admission.
func (w *RuntimeWindow) Open(t time.Time) bool {
	if w == nil {
		return true
	}
	fromH, fromM, err1 := parseHHMM(w.From)
	toH, toM, err2 := parseHHMM(w.To)
	if err1 != nil || err2 != nil {
		return true
	}

	loc := time.UTC
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	lt := t.In(loc)
	cur := lt.Hour()*60 + lt.Minute()
	from := fromH*60 + fromM
	to := toH*60 + toM

	if from == to {
		return true
	}
	if from < to {
		return cur >= from && cur < to
	}
	// Wraps midnight.
	return cur >= from || cur < to
}

// Validate reports the first malformed field, if any.
func (w *RuntimeWindow) Validate() error {
	if w == nil {
		return nil
	}
	if _, _, err := parseHHMM(w.From); err != nil {
		return fmt.Errorf("runtime window from: %w", err)
	}
	if _, _, err := parseHHMM(w.To); err != nil {
		return fmt.Errorf("runtime window to: %w", err)
	}
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("runtime window timezone: %w", err)
		}
	}
	return nil
}

func parseHHMM(s string) (h, m int, err error) {
	s = strings.TrimSpace(s)
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time %q", s)
	}
	return h, m, nil
}

// Schedule holds the cadence parameters for one account.
type Schedule struct {
	// BaseInterval is the configured gap between bumps.
	BaseInterval time.Duration `json:"base_interval"`
	// JitterMin/JitterMax bound the random extra delay added per cycle.
	JitterMin time.Duration `json:"jitter_min"`
	JitterMax time.Duration `json:"jitter_max"`

	MaxDailyBumps   int           `json:"max_daily_bumps"`
	MaxDailyRuntime time.Duration `json:"max_daily_runtime"`

	Window *RuntimeWindow `json:"window,omitempty"`
}

// Account is one registered account driven by the fleet.
//
// The store owns the durable copy; the scheduler and workers operate on
// snapshots loaded at admission time.
type Account struct {
	ID     int64
	UserID int64

	Username string
	Password string

	// Proxy/session configuration is opaque to the scheduler; the session
	// driver interprets it.
	Proxy       string
	SessionBlob string

	Schedule Schedule

	// AutoRestartCrashed gates retry-timer creation after transient failures.
	AutoRestartCrashed bool

	Status Status

	// Derived scheduling fields, durable so stall recovery can work from the
	// store alone after a crash.
	NextBumpAt    *time.Time
	NextBumpDelay time.Duration
	LastRunAt     *time.Time

	BumpsToday   int
	RuntimeToday time.Duration

	UpdatedAt time.Time
}

func (a *Account) Key() Key { return Key{UserID: a.UserID, AccountID: a.ID} }

// QuotaReached reports whether the daily bump quota is spent.
func (a *Account) QuotaReached(bumpsThisRun int) bool {
	if a.Schedule.MaxDailyBumps <= 0 {
		return false
	}
	return a.BumpsToday+bumpsThisRun >= a.Schedule.MaxDailyBumps
}

// RuntimeBudgetSpent reports whether the daily runtime allowance is exhausted.
func (a *Account) RuntimeBudgetSpent(ranThisRun time.Duration) bool {
	if a.Schedule.MaxDailyRuntime <= 0 {
		return false
	}
	return a.RuntimeToday+ranThisRun >= a.Schedule.MaxDailyRuntime
}
