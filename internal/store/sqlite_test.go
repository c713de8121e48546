package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bumpd/internal/account"
	logx "bumpd/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bumpd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedAccount(t *testing.T, st Store, a account.Account) {
	t.Helper()
	if err := st.SaveAccount(context.Background(), &a); err != nil {
		t.Fatalf("save account: %v", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	in := account.Account{
		ID:       11,
		UserID:   2,
		Username: "seller",
		Password: "pw",
		Proxy:    "socks5://127.0.0.1:9050",
		Schedule: account.Schedule{
			BaseInterval:    20 * time.Minute,
			JitterMin:       time.Minute,
			JitterMax:       3 * time.Minute,
			MaxDailyBumps:   12,
			MaxDailyRuntime: 4 * time.Hour,
			Window:          &account.RuntimeWindow{From: "08:00", To: "23:00", Timezone: "Asia/Jakarta"},
		},
		AutoRestartCrashed: true,
		Status:             account.StatusIdle,
	}
	seedAccount(t, st, in)

	out, err := st.FindAccount(ctx, 11)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if out.Username != in.Username || out.Proxy != in.Proxy {
		t.Fatalf("identity fields lost: %+v", out)
	}
	if out.Schedule.BaseInterval != in.Schedule.BaseInterval ||
		out.Schedule.MaxDailyBumps != in.Schedule.MaxDailyBumps ||
		out.Schedule.MaxDailyRuntime != in.Schedule.MaxDailyRuntime {
		t.Fatalf("schedule lost: %+v", out.Schedule)
	}
	if out.Schedule.Window == nil || out.Schedule.Window.From != "08:00" {
		t.Fatalf("window lost: %+v", out.Schedule.Window)
	}
	if !out.AutoRestartCrashed {
		t.Fatalf("auto restart flag lost")
	}

	if _, err := st.FindAccount(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account: err = %v, want ErrNotFound", err)
	}
}

func TestStatusAndSchedule(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	seedAccount(t, st, account.Account{ID: 1, UserID: 1, Status: account.StatusIdle})

	if err := st.UpdateStatus(ctx, 1, account.StatusWaitingCooldown, map[string]any{"step": "waiting"}); err != nil {
		t.Fatalf("update status: %v", err)
	}

	next := time.Now().Add(20 * time.Minute).Truncate(time.Millisecond)
	last := time.Now().Truncate(time.Millisecond)
	if err := st.UpdateSchedule(ctx, 1, next, 20*time.Minute, last); err != nil {
		t.Fatalf("update schedule: %v", err)
	}

	a, err := st.FindAccount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != account.StatusWaitingCooldown {
		t.Fatalf("status = %v", a.Status)
	}
	if a.NextBumpAt == nil || !a.NextBumpAt.Equal(next) {
		t.Fatalf("next bump at = %v, want %v", a.NextBumpAt, next)
	}
	if a.LastRunAt == nil || !a.LastRunAt.Equal(last) {
		t.Fatalf("last run at = %v, want %v", a.LastRunAt, last)
	}
}

func TestDailyCounters(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	seedAccount(t, st, account.Account{ID: 1, UserID: 1, Status: account.StatusIdle})

	for i := 0; i < 3; i++ {
		if err := st.AddBump(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.AddRuntime(ctx, 1, 90*time.Minute); err != nil {
		t.Fatal(err)
	}

	a, _ := st.FindAccount(ctx, 1)
	if a.BumpsToday != 3 || a.RuntimeToday != 90*time.Minute {
		t.Fatalf("counters = %d bumps, %v runtime", a.BumpsToday, a.RuntimeToday)
	}

	n, err := st.ResetDailyCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatalf("reset touched no rows")
	}
	a, _ = st.FindAccount(ctx, 1)
	if a.BumpsToday != 0 || a.RuntimeToday != 0 {
		t.Fatalf("counters not reset: %d bumps, %v runtime", a.BumpsToday, a.RuntimeToday)
	}
}

func TestWorkerStateLifecycle(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	// Absent row reads as a zero state.
	ws, err := st.WorkerState(ctx, 5)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("worker state: %v", err)
	}
	if ws.FailureCount != 0 || ws.Blocked() {
		t.Fatalf("zero state = %+v", ws)
	}

	count := 3
	msg := "navigation timed out"
	when := time.Now().Truncate(time.Millisecond)
	retryAt := when.Add(time.Minute)
	if err := st.PatchWorkerState(ctx, 5, WorkerStatePatch{
		FailureCount:     &count,
		LastErrorMessage: &msg,
		LastErrorAt:      &when,
		NextRetryAt:      &retryAt,
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	ws, err = st.WorkerState(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ws.FailureCount != 3 || ws.LastErrorMessage != msg {
		t.Fatalf("patched state = %+v", ws)
	}
	if ws.NextRetryAt == nil || !ws.NextRetryAt.Equal(retryAt) {
		t.Fatalf("next retry at = %v, want %v", ws.NextRetryAt, retryAt)
	}

	reason := "failure limit reached"
	if err := st.PatchWorkerState(ctx, 5, WorkerStatePatch{
		BlockedReason:  &reason,
		ClearNextRetry: true,
	}); err != nil {
		t.Fatal(err)
	}
	ws, _ = st.WorkerState(ctx, 5)
	if !ws.Blocked() || ws.NextRetryAt != nil {
		t.Fatalf("block patch = %+v", ws)
	}
	// Untouched fields survive a partial patch.
	if ws.FailureCount != 3 {
		t.Fatalf("partial patch clobbered failure count: %d", ws.FailureCount)
	}

	if err := st.ResetWorkerState(ctx, 5); err != nil {
		t.Fatal(err)
	}
	ws, _ = st.WorkerState(ctx, 5)
	if ws.FailureCount != 0 || ws.Blocked() || ws.NextRetryAt != nil {
		t.Fatalf("reset state = %+v", ws)
	}
}

func TestRecoveryQueries(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-10 * time.Minute)
	future := now.Add(10 * time.Minute)

	seedAccount(t, st, account.Account{ID: 1, UserID: 1, Status: account.StatusWaitingCooldown})
	seedAccount(t, st, account.Account{ID: 2, UserID: 1, Status: account.StatusWaitingCooldown})
	seedAccount(t, st, account.Account{ID: 3, UserID: 1, Status: account.StatusCompleted})
	seedAccount(t, st, account.Account{ID: 4, UserID: 1, Status: account.StatusPaused})
	if err := st.UpdateSchedule(ctx, 1, past, 20*time.Minute, past.Add(-20*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateSchedule(ctx, 2, future, 20*time.Minute, now); err != nil {
		t.Fatal(err)
	}

	got, err := st.ListOverdueCooldown(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("overdue = %+v, want only account 1", got)
	}

	resumable, err := st.ListResumable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumable) != 2 {
		t.Fatalf("resumable = %d accounts, want 2", len(resumable))
	}
}

func TestStaleStartups(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	seedAccount(t, st, account.Account{ID: 1, UserID: 1, Status: account.StatusIdle})
	if err := st.UpdateStatus(ctx, 1, account.StatusStarting, nil); err != nil {
		t.Fatal(err)
	}

	// Not yet stale.
	got, err := st.ListStaleStartups(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh startup reported stale")
	}

	// Anything updated before a future cutoff is stale.
	got, err = st.ListStaleStartups(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("stale = %+v, want account 1", got)
	}
}

func TestActivityLog(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	err := st.AppendActivity(ctx, ActivityEntry{
		At:        time.Now(),
		AccountID: 1,
		UserID:    2,
		Event:     "worker.bump",
		Message:   "bump completed",
	})
	if err != nil {
		t.Fatalf("append activity: %v", err)
	}
}
