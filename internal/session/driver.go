// Package session defines the contract between the scheduler core and the
// browser-automation layer. The core never touches pages or DOM; it only
// interprets the high-level outcomes a driver reports.
package session

import (
	"context"
	"fmt"
	"time"

	"bumpd/internal/account"
)

// Driver opens one automation session per account. Proxy and fingerprint
// setup are internal to the driver.
type Driver interface {
	Open(ctx context.Context, acct *account.Account) (Session, error)
}

// Session is one live automation session.
//
// Close must be idempotent; the worker controller calls it exactly once per
// run, but a stuck stop may race a watchdog-triggered close.
type Session interface {
	// CurrentLocation reports the session's current URL for heartbeats.
	CurrentLocation(ctx context.Context) (string, error)

	// RestoreSaved tries to reuse a previously saved session.
	// true means the session is live and logged in; false falls through to a
	// fresh login.
	RestoreSaved(ctx context.Context) (bool, error)

	// Login drives the external login flow with the account's credentials.
	Login(ctx context.Context) (LoginResult, error)

	// Challenge fetches the pending challenge (captcha image or 2FA prompt).
	Challenge(ctx context.Context) (ChallengeInfo, error)

	// SubmitChallenge submits a captcha solution or verification code.
	SubmitChallenge(ctx context.Context, solution string) (LoginResult, error)

	// Bump performs one cadence action.
	Bump(ctx context.Context) (BumpResult, error)

	Close() error
}

// LaunchError is returned by Driver.Open when a session cannot be
// established. ProxyRelated distinguishes proxy/tunnel failures from
// everything else for retry classification.
type LaunchError struct {
	ProxyRelated bool
	Err          error
}

func (e *LaunchError) Error() string {
	if e.ProxyRelated {
		return fmt.Sprintf("session launch failed (proxy): %v", e.Err)
	}
	return fmt.Sprintf("session launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// LoginOutcome is the closed set of results a login step can report.
type LoginOutcome int

const (
	LoginUnknown LoginOutcome = iota
	LoggedIn
	CaptchaRequired
	TwoFactorRequired
	BadCredentials
	LoginBanned
	ChallengeRejected
)

func (o LoginOutcome) String() string {
	switch o {
	case LoggedIn:
		return "logged_in"
	case CaptchaRequired:
		return "captcha_required"
	case TwoFactorRequired:
		return "two_factor_required"
	case BadCredentials:
		return "bad_credentials"
	case LoginBanned:
		return "banned"
	case ChallengeRejected:
		return "challenge_rejected"
	default:
		return "unknown"
	}
}

type LoginResult struct {
	Outcome LoginOutcome
}

// ChallengeInfo carries whatever the driver scraped off the challenge page.
// Image is nil for verification-code challenges.
type ChallengeInfo struct {
	Image []byte
	Kind  ChallengeKind
}

type ChallengeKind int

const (
	ChallengeCaptcha ChallengeKind = iota
	ChallengeTwoFactor
)

// BumpOutcome is the closed set of results one bump cycle can report.
type BumpOutcome int

const (
	BumpUnknown BumpOutcome = iota
	BumpDone
	BumpCooldownHit
	BumpBanned
	BumpTransient
)

func (o BumpOutcome) String() string {
	switch o {
	case BumpDone:
		return "done"
	case BumpCooldownHit:
		return "cooldown_hit"
	case BumpBanned:
		return "banned"
	case BumpTransient:
		return "transient"
	default:
		return "unknown"
	}
}

type BumpResult struct {
	Outcome BumpOutcome

	// Cooldown is the wait the target system reported, if it reported one.
	Cooldown         time.Duration
	CooldownReported bool
}
