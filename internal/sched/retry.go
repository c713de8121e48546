package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/store"
	"bumpd/internal/worker"
	logx "bumpd/pkg/logx"
)

const retryWriteTimeout = 5 * time.Second

// applyRetry classifies a failed run and either blocks the account, arms a
// backoff timer, or leaves it in its terminal status. Runs outside mu; the
// single-writer guarantee holds because the registry entry is already gone
// and the stop flag gates any competing admission.
func (s *Scheduler) applyRetry(key account.Key, acct *account.Account, res worker.Result) {
	if res.Failure == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), retryWriteTimeout)
	defer cancel()

	ws, err := s.deps.Store.WorkerState(ctx, key.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("worker state read failed, skipping retry decision",
			logx.Int64("account_id", key.AccountID), logx.Err(err))
		return
	}

	dec := s.deps.Retry.Decide(res.Failure.Kind, ws.FailureCount, acct.AutoRestartCrashed)

	switch dec.Action {
	case policy.ActionNone:
		if dec.FailureCount != ws.FailureCount {
			err := s.deps.Store.PatchWorkerState(ctx, key.AccountID, store.WorkerStatePatch{
				FailureCount: &dec.FailureCount,
			})
			if err != nil {
				s.log.Warn("failure count write failed", logx.Int64("account_id", key.AccountID), logx.Err(err))
			}
		}
		s.log.Info("no retry for failure",
			logx.Int64("account_id", key.AccountID),
			logx.String("kind", string(res.Failure.Kind)))

	case policy.ActionSuspend:
		// Awaiting external code submission; nothing to arm.
		s.log.Info("worker suspended for verification", logx.Int64("account_id", key.AccountID))

	case policy.ActionBlock:
		s.block(ctx, key, res.Failure, dec.FailureCount)

	case policy.ActionRetry:
		s.armRetry(ctx, key, res.Failure, dec)
	}
}

func (s *Scheduler) block(ctx context.Context, key account.Key, f *worker.Failure, count int) {
	reason := fmt.Sprintf("failure limit reached after %d attempts: %s: %s", count, f.Kind, f.Message)
	err := s.deps.Store.PatchWorkerState(ctx, key.AccountID, store.WorkerStatePatch{
		FailureCount:   &count,
		BlockedReason:  &reason,
		ClearNextRetry: true,
	})
	if err != nil {
		s.log.Error("block write failed", logx.Int64("account_id", key.AccountID), logx.Err(err))
	}
	if err := s.deps.Store.UpdateStatus(ctx, key.AccountID, account.StatusBlocked, map[string]any{
		"blocked_reason": reason,
	}); err != nil {
		s.log.Error("status write failed", logx.Int64("account_id", key.AccountID), logx.Err(err))
	}
	s.deps.Metrics.IncBlocked()
	s.log.Warn("account blocked",
		logx.Int64("account_id", key.AccountID),
		logx.Int("failure_count", count),
		logx.String("kind", string(f.Kind)))
	s.deps.Sink.Emit(notify.Event{
		Type:      "account.blocked",
		AccountID: key.AccountID,
		UserID:    key.UserID,
		Message:   reason,
		Priority:  8,
		At:        time.Now(),
	})
}

func (s *Scheduler) armRetry(ctx context.Context, key account.Key, f *worker.Failure, dec policy.Decision) {
	retryAt := time.Now().Add(dec.Delay)
	err := s.deps.Store.PatchWorkerState(ctx, key.AccountID, store.WorkerStatePatch{
		FailureCount: &dec.FailureCount,
		NextRetryAt:  &retryAt,
	})
	if err != nil {
		s.log.Error("retry schedule write failed", logx.Int64("account_id", key.AccountID), logx.Err(err))
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.cancelTimerLocked(key)
	s.timers[key] = time.AfterFunc(dec.Delay, func() { s.onRetryTimer(key) })
	s.mu.Unlock()

	s.deps.Metrics.IncRetries()
	s.log.Info("retry scheduled",
		logx.Int64("account_id", key.AccountID),
		logx.String("kind", string(f.Kind)),
		logx.Int("failure_count", dec.FailureCount),
		logx.Duration("delay", dec.Delay))
	s.deps.Sink.Emit(notify.Event{
		Type:      "worker.retry",
		AccountID: key.AccountID,
		UserID:    key.UserID,
		Message:   fmt.Sprintf("retry %d/%d in %s after %s", dec.FailureCount, s.deps.Retry.FailureLimit(), dec.Delay.Round(time.Second), f.Kind),
		Priority:  5,
		At:        time.Now(),
	})
}

// onRetryTimer fires a scheduled retry. Eligibility is re-validated: the
// account may have been started, stopped or blocked since the timer was armed.
func (s *Scheduler) onRetryTimer(key account.Key) {
	s.mu.Lock()
	delete(s.timers, key)
	if s.draining {
		s.mu.Unlock()
		return
	}
	if _, live := s.running[key]; live {
		s.mu.Unlock()
		return
	}
	if _, waiting := s.queued[key]; waiting {
		s.mu.Unlock()
		return
	}
	if _, stopping := s.stopReq[key]; stopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), retryWriteTimeout)
	defer cancel()

	adm, err := s.RequestStart(ctx, key.AccountID, "retry")
	if err != nil {
		s.log.Warn("retry admission refused",
			logx.Int64("account_id", key.AccountID), logx.Err(err))
		return
	}
	s.log.Info("retry fired",
		logx.Int64("account_id", key.AccountID),
		logx.String("admission", adm.String()))
}
