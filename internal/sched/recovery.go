package sched

import (
	"context"
	"errors"
	"time"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	logx "bumpd/pkg/logx"
)

// recoveryLoop periodically re-admits accounts whose scheduled action time
// has passed without a live worker. Because next_bump_at is durable this is
// also the crash-recovery path: a restarted process picks up scheduling
// exactly where the store says it left off.
func (s *Scheduler) recoveryLoop(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.RecoveryInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		s.sweep(ctx)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()

	overdue, err := s.deps.Store.ListOverdueCooldown(ctx, now)
	if err != nil {
		s.log.Warn("overdue cooldown scan failed", logx.Err(err))
		overdue = nil
	}
	stale, err := s.deps.Store.ListStaleStartups(ctx, now.Add(-s.cfg.StaleStartupAfter))
	if err != nil {
		s.log.Warn("stale startup scan failed", logx.Err(err))
		stale = nil
	}

	recovered := 0
	recovered += s.recoverBatch(ctx, overdue, "overdue cooldown")
	recovered += s.recoverBatch(ctx, stale, "stale startup")
	if recovered > 0 {
		s.log.Info("stall recovery pass", logx.Int("recovered", recovered))
	}
}

func (s *Scheduler) recoverBatch(ctx context.Context, accts []account.Account, cause string) int {
	n := 0
	for i := range accts {
		key := accts[i].Key()

		s.mu.Lock()
		_, live := s.running[key]
		_, waiting := s.queued[key]
		_, stopping := s.stopReq[key]
		s.mu.Unlock()
		if live || waiting || stopping {
			continue
		}

		adm, err := s.RequestStart(ctx, key.AccountID, "recovery: "+cause)
		if err != nil {
			if !errors.Is(err, ErrBlocked) && !errors.Is(err, ErrBanned) {
				s.log.Warn("recovery admission failed",
					logx.Int64("account_id", key.AccountID), logx.Err(err))
			}
			continue
		}
		if adm == AdmissionDuplicate {
			continue
		}
		n++
		s.deps.Metrics.IncRecoveries()
		s.log.Info("stalled account re-admitted",
			logx.Int64("account_id", key.AccountID),
			logx.String("cause", cause),
			logx.String("admission", adm.String()))
		s.deps.Sink.Emit(notify.Event{
			Type:      "worker.recovered",
			AccountID: key.AccountID,
			UserID:    key.UserID,
			Message:   "re-admitted after " + cause,
			At:        time.Now(),
		})
	}
	return n
}

// rollover runs at the configured cron boundary: daily bump and runtime
// counters reset, then accounts parked in completed or paused whose runtime
// window is open are re-admitted.
func (s *Scheduler) rollover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.deps.Store.ResetDailyCounters(ctx)
	if err != nil {
		s.log.Error("daily counter reset failed", logx.Err(err))
		return
	}

	resumable, err := s.deps.Store.ListResumable(ctx)
	if err != nil {
		s.log.Warn("resumable scan failed", logx.Err(err))
		resumable = nil
	}

	now := time.Now()
	readmitted := 0
	for i := range resumable {
		a := &resumable[i]
		if !a.Schedule.Window.Open(now) {
			continue
		}
		adm, err := s.RequestStart(ctx, a.ID, "daily rollover")
		if err != nil || adm == AdmissionDuplicate {
			continue
		}
		readmitted++
	}

	s.log.Info("daily rollover",
		logx.Int64("counters_reset", n),
		logx.Int("readmitted", readmitted))
	s.deps.Sink.Emit(notify.Event{
		Type:     "sched.rollover",
		Message:  "daily counters reset",
		Priority: 0,
		At:       now,
		Meta:     map[string]any{"accounts": n, "readmitted": readmitted},
	})
}
