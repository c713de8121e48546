package sched

import (
	"time"

	"bumpd/internal/account"
)

// WorkerStatus is one live worker in a Snapshot.
type WorkerStatus struct {
	AccountID  int64          `json:"account_id"`
	UserID     int64          `json:"user_id"`
	RunID      string         `json:"run_id"`
	Status     account.Status `json:"status"`
	Step       string         `json:"step,omitempty"`
	Bumps      int            `json:"bumps"`
	StartedAt  time.Time      `json:"started_at"`
	NextBumpAt *time.Time     `json:"next_bump_at,omitempty"`
}

// QueuedStatus is one pending admission in a Snapshot.
type QueuedStatus struct {
	AccountID  int64     `json:"account_id"`
	UserID     int64     `json:"user_id"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Snapshot is a point-in-time view of dispatch state.
type Snapshot struct {
	MaxConcurrency int            `json:"max_concurrency"`
	Workers        []WorkerStatus `json:"workers"`
	Queue          []QueuedStatus `json:"queue"`
	RetryTimers    int            `json:"retry_timers"`
	Draining       bool           `json:"draining,omitempty"`
}

// Status reports the live registry, the queue and the armed retry timers.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		MaxConcurrency: s.cfg.MaxConcurrency,
		Workers:        make([]WorkerStatus, 0, len(s.running)),
		Queue:          make([]QueuedStatus, 0, len(s.queue)),
		RetryTimers:    len(s.timers),
		Draining:       s.draining,
	}
	for key, e := range s.running {
		st, step := e.ctl.State()
		ws := WorkerStatus{
			AccountID: key.AccountID,
			UserID:    key.UserID,
			RunID:     e.ctl.RunID(),
			Status:    st,
			Step:      step,
			Bumps:     e.ctl.Bumps(),
			StartedAt: e.startedAt,
		}
		if next := e.ctl.NextBumpAt(); !next.IsZero() {
			ws.NextBumpAt = &next
		}
		snap.Workers = append(snap.Workers, ws)
	}
	for _, e := range s.queue {
		snap.Queue = append(snap.Queue, QueuedStatus{
			AccountID:  e.key.AccountID,
			UserID:     e.key.UserID,
			Reason:     e.reason,
			EnqueuedAt: e.enqueuedAt,
		})
	}
	return snap
}
