package store

import (
	"context"
	"time"

	"bumpd/internal/account"
	logx "bumpd/pkg/logx"
)

// Store is the persistence API consumed by the scheduler and workers.
//
// Concurrency: single-writer-per-account is guaranteed by the scheduler's
// mutual-exclusion registry, so no compare-and-swap status semantics are
// needed here.
type Store interface {
	FindAccount(ctx context.Context, id int64) (*account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	SaveAccount(ctx context.Context, a *account.Account) error

	// UpdateStatus writes the account's durable status plus optional
	// telemetry metadata (current step, url, ...) and bumps updated_at.
	UpdateStatus(ctx context.Context, id int64, st account.Status, meta map[string]any) error

	// UpdateSchedule persists the derived next-action fields so a restarted
	// process can resume scheduling from the store alone.
	UpdateSchedule(ctx context.Context, id int64, nextBumpAt time.Time, delay time.Duration, lastRunAt time.Time) error

	AddBump(ctx context.Context, id int64) error
	AddRuntime(ctx context.Context, id int64, d time.Duration) error
	// ResetDailyCounters zeroes bump/runtime counters for all accounts and
	// returns how many rows changed. Run at operational rollover.
	ResetDailyCounters(ctx context.Context) (int64, error)

	WorkerState(ctx context.Context, id int64) (WorkerState, error)
	PatchWorkerState(ctx context.Context, id int64, p WorkerStatePatch) error
	// ResetWorkerState clears failure count, error fields, retry timer and
	// blocked reason. Used on reaching active and by the reset-retry op.
	ResetWorkerState(ctx context.Context, id int64) error

	// ListOverdueCooldown returns accounts stuck in waiting_cooldown whose
	// next_bump_at has already passed.
	ListOverdueCooldown(ctx context.Context, now time.Time) ([]account.Account, error)
	// ListStaleStartups returns accounts in starting/restarting whose last
	// update is older than cutoff (startup never completed).
	ListStaleStartups(ctx context.Context, cutoff time.Time) ([]account.Account, error)
	// ListResumable returns accounts parked in completed/paused, candidates
	// for re-admission at daily rollover.
	ListResumable(ctx context.Context) ([]account.Account, error)

	AppendActivity(ctx context.Context, e ActivityEntry) error

	Close() error
}

// Open initializes the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
