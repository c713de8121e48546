package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"bumpd/internal/account"
)

// SimDriver replays scripted outcomes instead of driving a real browser.
// Used for dry-runs (driver: "sim") and throughout the scheduler tests:
// the orchestration layer is the part under test, not the site interaction.
type SimDriver struct {
	mu      sync.Mutex
	scripts map[int64]*Script

	// Default script for accounts without an explicit one.
	Default *Script
}

// Script describes how a simulated session behaves.
type Script struct {
	// OpenErr, when set, fails Open entirely.
	OpenErr error
	// OpenDelay simulates slow launches.
	OpenDelay time.Duration

	// HasSavedSession makes RestoreSaved succeed.
	HasSavedSession bool

	// LoginOutcomes is consumed one per Login/SubmitChallenge call;
	// the last entry repeats.
	LoginOutcomes []LoginOutcome

	// BumpOutcomes is consumed one per Bump call; the last entry repeats.
	BumpOutcomes []BumpResult

	// ChallengeImage returned by Challenge.
	ChallengeImage []byte
}

func NewSimDriver() *SimDriver {
	return &SimDriver{
		scripts: map[int64]*Script{},
		Default: &Script{
			LoginOutcomes: []LoginOutcome{LoggedIn},
			BumpOutcomes:  []BumpResult{{Outcome: BumpDone}},
		},
	}
}

// SetScript installs a per-account script.
func (d *SimDriver) SetScript(accountID int64, s *Script) {
	d.mu.Lock()
	d.scripts[accountID] = s
	d.mu.Unlock()
}

func (d *SimDriver) Open(ctx context.Context, acct *account.Account) (Session, error) {
	d.mu.Lock()
	script := d.scripts[acct.ID]
	if script == nil {
		script = d.Default
	}
	d.mu.Unlock()

	if script.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(script.OpenDelay):
		}
	}
	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	return &simSession{script: script}, nil
}

type simSession struct {
	mu        sync.Mutex
	script    *Script
	loginIdx  int
	bumpIdx   int
	closed    bool
	closeOnce sync.Once
}

var errSimClosed = errors.New("sim session closed")

func (s *simSession) CurrentLocation(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errSimClosed
	}
	return "sim://session", nil
}

func (s *simSession) RestoreSaved(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errSimClosed
	}
	return s.script.HasSavedSession, nil
}

func (s *simSession) nextLogin() LoginResult {
	outs := s.script.LoginOutcomes
	if len(outs) == 0 {
		return LoginResult{Outcome: LoggedIn}
	}
	i := s.loginIdx
	if i >= len(outs) {
		i = len(outs) - 1
	}
	s.loginIdx++
	return LoginResult{Outcome: outs[i]}
}

func (s *simSession) Login(ctx context.Context) (LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LoginResult{}, errSimClosed
	}
	return s.nextLogin(), nil
}

func (s *simSession) Challenge(ctx context.Context) (ChallengeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChallengeInfo{}, errSimClosed
	}
	return ChallengeInfo{Image: s.script.ChallengeImage, Kind: ChallengeCaptcha}, nil
}

func (s *simSession) SubmitChallenge(ctx context.Context, solution string) (LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LoginResult{}, errSimClosed
	}
	return s.nextLogin(), nil
}

func (s *simSession) Bump(ctx context.Context) (BumpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BumpResult{}, errSimClosed
	}
	outs := s.script.BumpOutcomes
	if len(outs) == 0 {
		return BumpResult{Outcome: BumpDone}, nil
	}
	i := s.bumpIdx
	if i >= len(outs) {
		i = len(outs) - 1
	}
	s.bumpIdx++
	return outs[i], nil
}

func (s *simSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}
