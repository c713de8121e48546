package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/session"
	"bumpd/internal/store"
)

// recordStore records the controller's writes; unused Store methods panic
// via the nil embedded interface.
type recordStore struct {
	store.Store

	mu       sync.Mutex
	statuses []account.Status
	bumps    int
	resets   int
	patches  []store.WorkerStatePatch
}

func (s *recordStore) UpdateStatus(_ context.Context, _ int64, st account.Status, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *recordStore) UpdateSchedule(context.Context, int64, time.Time, time.Duration, time.Time) error {
	return nil
}

func (s *recordStore) AddBump(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumps++
	return nil
}

func (s *recordStore) AddRuntime(context.Context, int64, time.Duration) error { return nil }

func (s *recordStore) ResetWorkerState(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *recordStore) PatchWorkerState(_ context.Context, _ int64, p store.WorkerStatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, p)
	return nil
}

func (s *recordStore) AppendActivity(context.Context, store.ActivityEntry) error { return nil }

func (s *recordStore) sawErrorPatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patches {
		if p.LastErrorMessage != nil && *p.LastErrorMessage != "" && p.LastErrorAt != nil {
			return true
		}
	}
	return false
}

func (s *recordStore) sawStatus(st account.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.statuses {
		if got == st {
			return true
		}
	}
	return false
}

type recordSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordSink) Emit(ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func newTestController(t *testing.T, acct *account.Account, script *session.Script) (*Controller, *recordStore) {
	t.Helper()
	driver := session.NewSimDriver()
	if script != nil {
		driver.SetScript(acct.ID, script)
	}
	st := &recordStore{}
	ctl := New(acct, Config{}, Deps{
		Driver:   driver,
		Store:    st,
		Sink:     &recordSink{},
		Cooldown: policy.NewCooldownPolicy(policy.CooldownConfig{}),
	})
	return ctl, st
}

func testAccount() *account.Account {
	return &account.Account{ID: 7, UserID: 3, AutoRestartCrashed: true}
}

func TestRunBadCredentials(t *testing.T) {
	t.Parallel()

	ctl, st := newTestController(t, testAccount(), &session.Script{
		LoginOutcomes: []session.LoginOutcome{session.BadCredentials},
	})
	res := ctl.Run(context.Background())

	if res.Status != account.StatusLoginFailed {
		t.Fatalf("status = %v, want %v", res.Status, account.StatusLoginFailed)
	}
	if res.Failure == nil || res.Failure.Kind != policy.FailCredentials {
		t.Fatalf("failure = %+v, want kind %v", res.Failure, policy.FailCredentials)
	}
	if !st.sawStatus(account.StatusLoggingIn) {
		t.Fatalf("login state never persisted: %v", st.statuses)
	}
	if !st.sawErrorPatch() {
		t.Fatalf("failed run did not record a last-error patch: %+v", st.patches)
	}
}

func TestRunBannedDuringBump(t *testing.T) {
	t.Parallel()

	ctl, _ := newTestController(t, testAccount(), &session.Script{
		LoginOutcomes: []session.LoginOutcome{session.LoggedIn},
		BumpOutcomes:  []session.BumpResult{{Outcome: session.BumpBanned}},
	})
	res := ctl.Run(context.Background())

	if res.Status != account.StatusBanned {
		t.Fatalf("status = %v, want %v", res.Status, account.StatusBanned)
	}
	if res.Failure == nil || res.Failure.Kind != policy.FailBanned {
		t.Fatalf("failure = %+v, want kind %v", res.Failure, policy.FailBanned)
	}
}

func TestRestoredSessionSkipsLogin(t *testing.T) {
	t.Parallel()

	// Login would reject; a restored session must never get there.
	ctl, st := newTestController(t, testAccount(), &session.Script{
		HasSavedSession: true,
		LoginOutcomes:   []session.LoginOutcome{session.BadCredentials},
		BumpOutcomes:    []session.BumpResult{{Outcome: session.BumpBanned}},
	})
	res := ctl.Run(context.Background())

	if res.Status != account.StatusBanned {
		t.Fatalf("status = %v, want %v (login was attempted?)", res.Status, account.StatusBanned)
	}
	if st.sawStatus(account.StatusLoggingIn) {
		t.Fatalf("restored session still went through login")
	}
	if st.resets == 0 {
		t.Fatalf("reaching active must reset worker state")
	}
}

func TestProxyFailureClassified(t *testing.T) {
	t.Parallel()

	ctl, _ := newTestController(t, testAccount(), &session.Script{
		OpenErr: &session.LaunchError{ProxyRelated: true, Err: errors.New("tunnel refused")},
	})
	res := ctl.Run(context.Background())

	if res.Failure == nil || res.Failure.Kind != policy.FailProxy {
		t.Fatalf("failure = %+v, want kind %v", res.Failure, policy.FailProxy)
	}
}

func TestStopDuringCooldown(t *testing.T) {
	t.Parallel()

	ctl, _ := newTestController(t, testAccount(), &session.Script{
		LoginOutcomes: []session.LoginOutcome{session.LoggedIn},
		BumpOutcomes:  []session.BumpResult{{Outcome: session.BumpDone}},
	})

	done := make(chan Result, 1)
	go func() { done <- ctl.Run(context.Background()) }()

	// Wait for the first bump to land, then the worker sits in its
	// cooldown wait (floored at minutes, far beyond this test).
	waitFor(t, 5*time.Second, func() bool { return !ctl.NextBumpAt().IsZero() })
	ctl.RequestStop()

	select {
	case res := <-done:
		if res.Status != account.StatusStopped {
			t.Fatalf("status = %v, want %v", res.Status, account.StatusStopped)
		}
		if res.Bumps != 1 {
			t.Fatalf("bumps = %d, want 1", res.Bumps)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop request did not interrupt the cooldown wait")
	}
}

func TestForceCycleAbandonsWait(t *testing.T) {
	t.Parallel()

	// First cycle bumps and waits; the forced cycle bumps again and hits
	// the banned marker, proving the wait was abandoned early.
	ctl, _ := newTestController(t, testAccount(), &session.Script{
		LoginOutcomes: []session.LoginOutcome{session.LoggedIn},
		BumpOutcomes: []session.BumpResult{
			{Outcome: session.BumpDone},
			{Outcome: session.BumpBanned},
		},
	})

	done := make(chan Result, 1)
	go func() { done <- ctl.Run(context.Background()) }()

	waitFor(t, 5*time.Second, func() bool { return !ctl.NextBumpAt().IsZero() })
	ctl.ForceCycle()

	select {
	case res := <-done:
		if res.Status != account.StatusBanned {
			t.Fatalf("status = %v, want %v", res.Status, account.StatusBanned)
		}
		if res.Bumps != 1 {
			t.Fatalf("bumps = %d, want 1", res.Bumps)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("force cycle did not abandon the cooldown wait")
	}
}

func TestQuotaCompletes(t *testing.T) {
	t.Parallel()

	acct := testAccount()
	acct.Schedule.MaxDailyBumps = 3
	acct.BumpsToday = 3
	ctl, _ := newTestController(t, acct, nil)

	res := ctl.Run(context.Background())
	if res.Status != account.StatusCompleted {
		t.Fatalf("status = %v, want %v", res.Status, account.StatusCompleted)
	}
	if res.Failure != nil {
		t.Fatalf("quota completion is not a failure: %+v", res.Failure)
	}
}

func TestCanceledRunStops(t *testing.T) {
	t.Parallel()

	ctl, _ := newTestController(t, testAccount(), &session.Script{
		OpenDelay:     time.Minute,
		LoginOutcomes: []session.LoginOutcome{session.LoggedIn},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- ctl.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Status != account.StatusStopped {
			t.Fatalf("status = %v, want %v", res.Status, account.StatusStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancellation did not interrupt the launch")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}
