// Package sched is the dispatcher: it admits accounts under a global
// concurrency ceiling, owns the live-worker registry and the pending queue,
// applies the retry policy to worker exits, and re-admits stalled accounts.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/runtime/supervisor"
	"bumpd/internal/session"
	"bumpd/internal/solver"
	"bumpd/internal/store"
	"bumpd/internal/telemetry"
	"bumpd/internal/worker"
	logx "bumpd/pkg/logx"
)

var (
	ErrBlocked    = errors.New("account is blocked, reset retry state first")
	ErrBanned     = errors.New("account is banned")
	ErrStopping   = errors.New("scheduler is not accepting admissions")
	ErrNotRunning = errors.New("no live worker for account")
)

// Config tunes admission and the background loops.
type Config struct {
	// MaxConcurrency is the global ceiling on live workers.
	MaxConcurrency int
	// StopWait bounds how long a cooperative stop blocks before the
	// registry entry is dropped regardless.
	StopWait time.Duration
	// RecoveryInterval is the stall-recovery sweep period.
	RecoveryInterval time.Duration
	// StaleStartupAfter marks starting/restarting rows as stuck.
	StaleStartupAfter time.Duration
	// RolloverSpec is a cron expression for the daily counter reset.
	RolloverSpec string

	Worker worker.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.StopWait <= 0 {
		c.StopWait = 10 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.StaleStartupAfter <= 0 {
		c.StaleStartupAfter = 2 * time.Minute
	}
	if c.RolloverSpec == "" {
		c.RolloverSpec = "0 0 * * *"
	}
	return c
}

// Deps are the external collaborators handed to every worker plus the
// policies the scheduler itself applies.
type Deps struct {
	Store    store.Store
	Driver   session.Driver
	Solver   solver.Solver
	Sink     notify.Sink
	Metrics  *telemetry.Metrics
	Retry    *policy.RetryPolicy
	Cooldown *policy.CooldownPolicy
	Log      logx.Logger
}

// Admission is the outcome of a start request.
type Admission int

const (
	// AdmissionStarted: a worker is now running for the account.
	AdmissionStarted Admission = iota
	// AdmissionQueued: the ceiling is full, the account waits in FIFO order.
	AdmissionQueued
	// AdmissionDuplicate: already running or already queued, nothing done.
	AdmissionDuplicate
)

func (a Admission) String() string {
	switch a {
	case AdmissionStarted:
		return "started"
	case AdmissionQueued:
		return "queued"
	case AdmissionDuplicate:
		return "duplicate"
	}
	return "unknown"
}

type queueEntry struct {
	key        account.Key
	enqueuedAt time.Time
	reason     string
}

type runningEntry struct {
	ctl       *worker.Controller
	acct      *account.Account
	startedAt time.Time
	done      chan struct{}
}

// Scheduler owns all mutable dispatch state. Every mutation of the registry,
// the queue or the timer table happens under mu; nothing else touches them.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	queue    []queueEntry
	queued   map[account.Key]struct{}
	running  map[account.Key]*runningEntry
	stopReq  map[account.Key]struct{}
	timers   map[account.Key]*time.Timer
	draining bool

	// processQueue reentrancy collapse: overlapping triggers fold into one pass.
	processing bool
	dirty      bool

	sup     *supervisor.Supervisor
	cron    *cron.Cron
	started bool
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		queued:  make(map[account.Key]struct{}),
		running: make(map[account.Key]*runningEntry),
		stopReq: make(map[account.Key]struct{}),
		timers:  make(map[account.Key]*time.Timer),
	}
}

// Start launches the recovery sweep and the rollover cron. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.draining = false

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("sched.recovery", s.recoveryLoop,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.RolloverSpec, s.rollover); err != nil {
		return err
	}
	s.cron.Start()

	s.log.Info("scheduler started",
		logx.Int("max_concurrency", s.cfg.MaxConcurrency),
		logx.Duration("recovery_interval", s.cfg.RecoveryInterval))
	return nil
}

// Stop drains the scheduler: no new admissions, all retry timers canceled,
// all workers canceled through the supervisor context. Bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.draining = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.queue = nil
	s.queued = make(map[account.Key]struct{})
	cr := s.cron
	sup := s.sup
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("scheduler stopped")
	return err
}

// RequestStart admits an account: no-op when already running or queued,
// refused when blocked or banned, otherwise started immediately or queued
// FIFO behind the concurrency ceiling.
func (s *Scheduler) RequestStart(ctx context.Context, accountID int64, reason string) (Admission, error) {
	acct, err := s.deps.Store.FindAccount(ctx, accountID)
	if err != nil {
		return AdmissionDuplicate, err
	}
	if acct.Status == account.StatusBanned {
		return AdmissionDuplicate, ErrBanned
	}
	ws, err := s.deps.Store.WorkerState(ctx, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return AdmissionDuplicate, err
	}
	if ws.Blocked() {
		return AdmissionDuplicate, ErrBlocked
	}

	key := acct.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.draining {
		return AdmissionDuplicate, ErrStopping
	}
	if _, live := s.running[key]; live {
		return AdmissionDuplicate, nil
	}
	if _, waiting := s.queued[key]; waiting {
		return AdmissionDuplicate, nil
	}
	if _, stopping := s.stopReq[key]; stopping {
		return AdmissionDuplicate, nil
	}

	// Admission supersedes a pending retry timer.
	s.cancelTimerLocked(key)

	s.queue = append(s.queue, queueEntry{key: key, enqueuedAt: time.Now(), reason: reason})
	s.queued[key] = struct{}{}
	s.processQueueLocked()

	if _, live := s.running[key]; live {
		return AdmissionStarted, nil
	}
	s.log.Info("start request queued",
		logx.Int64("account_id", key.AccountID),
		logx.Int("queue_depth", len(s.queue)))
	return AdmissionQueued, nil
}

// processQueueLocked pops eligible entries while capacity remains. Callers
// hold mu. Overlapping invocations collapse: the inner loop re-runs until no
// trigger arrived while it was draining.
func (s *Scheduler) processQueueLocked() {
	if s.processing {
		s.dirty = true
		return
	}
	s.processing = true
	for {
		s.dirty = false
		for len(s.queue) > 0 && len(s.running) < s.cfg.MaxConcurrency && !s.draining {
			e := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.queued, e.key)

			acct, ok := s.revalidateLocked(e.key)
			if !ok {
				continue
			}
			s.startLocked(acct, e)
		}
		if !s.dirty {
			break
		}
	}
	s.processing = false
	s.updateGaugesLocked()
}

// revalidateLocked re-checks eligibility at pop time: the account may have
// been started, stopped or blocked between enqueue and here. Fetches a fresh
// account row so credential or schedule edits made while queued take effect.
func (s *Scheduler) revalidateLocked(key account.Key) (*account.Account, bool) {
	if _, live := s.running[key]; live {
		return nil, false
	}
	if _, stopping := s.stopReq[key]; stopping {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acct, err := s.deps.Store.FindAccount(ctx, key.AccountID)
	if err != nil {
		s.log.Warn("queued account vanished", logx.Int64("account_id", key.AccountID), logx.Err(err))
		return nil, false
	}
	if acct.Status == account.StatusBanned {
		return nil, false
	}
	ws, err := s.deps.Store.WorkerState(ctx, key.AccountID)
	if err == nil && ws.Blocked() {
		return nil, false
	}
	return acct, true
}

func (s *Scheduler) startLocked(acct *account.Account, e queueEntry) {
	key := acct.Key()
	ctl := worker.New(acct, s.cfg.Worker, worker.Deps{
		Driver:   s.deps.Driver,
		Solver:   s.deps.Solver,
		Store:    s.deps.Store,
		Sink:     s.deps.Sink,
		Cooldown: s.deps.Cooldown,
		Metrics:  s.deps.Metrics,
		Log:      s.log,
	})
	entry := &runningEntry{
		ctl:       ctl,
		acct:      acct,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.running[key] = entry

	s.log.Info("worker admitted",
		logx.Int64("account_id", key.AccountID),
		logx.String("run_id", ctl.RunID()),
		logx.String("reason", e.reason),
		logx.Int("live", len(s.running)))

	s.sup.Go0("worker:"+key.String(), func(ctx context.Context) {
		res := ctl.Run(ctx)
		s.onExit(key, entry, res)
	})
}

// onExit observes a worker completion. The registry entry is removed before
// the retry decision so processQueue sees the freed slot even if the store
// calls below are slow.
func (s *Scheduler) onExit(key account.Key, entry *runningEntry, res worker.Result) {
	s.mu.Lock()
	if cur, ok := s.running[key]; ok && cur == entry {
		delete(s.running, key)
	}
	_, stopRequested := s.stopReq[key]
	delete(s.stopReq, key)
	draining := s.draining
	s.updateGaugesLocked()
	s.mu.Unlock()
	close(entry.done)

	s.log.Info("worker exited",
		logx.Int64("account_id", key.AccountID),
		logx.String("run_id", entry.ctl.RunID()),
		logx.String("status", string(res.Status)),
		logx.Int("bumps", res.Bumps),
		logx.Duration("ran", res.Ran))

	if !draining && !stopRequested && res.Status != account.StatusStopped {
		s.applyRetry(key, entry.acct, res)
	}

	s.mu.Lock()
	s.processQueueLocked()
	s.mu.Unlock()
}

// RequestStop flags the account so pending retry timers will not re-fire,
// drops any queued entry and asks the live worker to terminate. The wait is
// bounded: after StopWait the registry entry is dropped and dispatch moves
// on even if the session close is still pending.
func (s *Scheduler) RequestStop(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	key, ok := s.findKeyLocked(accountID)
	if !ok {
		s.mu.Unlock()
		// Nothing live or queued. Still cancel a pending retry timer, which
		// is keyed by account, and mark the durable status.
		return s.quietStop(ctx, accountID)
	}

	s.stopReq[key] = struct{}{}
	s.cancelTimerLocked(key)
	s.dropQueuedLocked(key)
	entry := s.running[key]
	s.mu.Unlock()

	if entry == nil {
		// Queued only: no worker to wait for.
		s.mu.Lock()
		delete(s.stopReq, key)
		s.processQueueLocked()
		s.mu.Unlock()
		return s.markStopped(ctx, accountID)
	}

	entry.ctl.RequestStop()

	select {
	case <-entry.done:
	case <-time.After(s.cfg.StopWait):
		// Forceful bookkeeping: free the slot now. The stop flag stays set
		// until the goroutine actually exits, so its late completion cannot
		// schedule a retry.
		s.log.Warn("worker stop timed out, releasing slot",
			logx.Int64("account_id", accountID),
			logx.Duration("waited", s.cfg.StopWait))
		s.mu.Lock()
		if cur, ok := s.running[key]; ok && cur == entry {
			delete(s.running, key)
		}
		s.processQueueLocked()
		s.mu.Unlock()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// quietStop handles a stop request for an account with no live worker and no
// queue entry: cancel its retry timer if one is armed.
func (s *Scheduler) quietStop(ctx context.Context, accountID int64) error {
	acct, err := s.deps.Store.FindAccount(ctx, accountID)
	if err != nil {
		return err
	}
	key := acct.Key()
	s.mu.Lock()
	hadTimer := s.cancelTimerLocked(key)
	s.mu.Unlock()
	if !hadTimer {
		return nil
	}
	return s.markStopped(ctx, accountID)
}

func (s *Scheduler) markStopped(ctx context.Context, accountID int64) error {
	if err := s.deps.Store.UpdateStatus(ctx, accountID, account.StatusStopped, nil); err != nil {
		return err
	}
	s.deps.Sink.Emit(notify.Event{
		Type:      "worker.stopped",
		AccountID: accountID,
		Message:   "stop requested",
		At:        time.Now(),
	})
	return nil
}

// StopAll stops every live worker concurrently, clears the queue and
// disarms pending retry timers.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	seen := make(map[int64]struct{}, len(s.running)+len(s.queue)+len(s.timers))
	for key := range s.running {
		seen[key.AccountID] = struct{}{}
	}
	for _, e := range s.queue {
		seen[e.key.AccountID] = struct{}{}
	}
	for key := range s.timers {
		seen[key.AccountID] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.RequestStop(ctx, id); err != nil {
				errCh <- err
			}
		}(id)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// Restart is stop-then-start with the stop flag cleared in between.
func (s *Scheduler) Restart(ctx context.Context, accountID int64) (Admission, error) {
	if err := s.RequestStop(ctx, accountID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return AdmissionDuplicate, err
	}
	s.mu.Lock()
	if key, ok := s.findKeyLocked(accountID); ok {
		delete(s.stopReq, key)
	}
	s.mu.Unlock()
	return s.RequestStart(ctx, accountID, "restart")
}

// ResetRetry clears the blocked reason, failure count and retry timer so the
// account becomes eligible for RequestStart again. This is the only path out
// of the blocked state.
func (s *Scheduler) ResetRetry(ctx context.Context, accountID int64) error {
	acct, err := s.deps.Store.FindAccount(ctx, accountID)
	if err != nil {
		return err
	}
	key := acct.Key()

	s.mu.Lock()
	s.cancelTimerLocked(key)
	s.mu.Unlock()

	if err := s.deps.Store.ResetWorkerState(ctx, accountID); err != nil {
		return err
	}
	if acct.Status.Terminal() {
		if err := s.deps.Store.UpdateStatus(ctx, accountID, account.StatusIdle, nil); err != nil {
			return err
		}
	}
	s.log.Info("retry state reset", logx.Int64("account_id", accountID))
	s.deps.Sink.Emit(notify.Event{
		Type:      "retry.reset",
		AccountID: accountID,
		UserID:    acct.UserID,
		Message:   "failure counter and block cleared",
		At:        time.Now(),
	})
	return nil
}

// SubmitVerification routes a human-supplied challenge code to the live
// worker. With no live worker the account is re-admitted so a fresh login
// flow can consume the code path.
func (s *Scheduler) SubmitVerification(ctx context.Context, accountID int64, code string) error {
	s.mu.Lock()
	var entry *runningEntry
	if key, ok := s.findKeyLocked(accountID); ok {
		entry = s.running[key]
	}
	s.mu.Unlock()

	if entry != nil {
		if !entry.ctl.SubmitVerification(code) {
			return errors.New("verification code already pending")
		}
		return nil
	}
	if _, err := s.RequestStart(ctx, accountID, "submit-verification"); err != nil {
		return err
	}
	return ErrNotRunning
}

// findKeyLocked resolves an account id to its composite key from live state.
func (s *Scheduler) findKeyLocked(accountID int64) (account.Key, bool) {
	for key := range s.running {
		if key.AccountID == accountID {
			return key, true
		}
	}
	for _, e := range s.queue {
		if e.key.AccountID == accountID {
			return e.key, true
		}
	}
	for key := range s.timers {
		if key.AccountID == accountID {
			return key, true
		}
	}
	for key := range s.stopReq {
		if key.AccountID == accountID {
			return key, true
		}
	}
	return account.Key{}, false
}

func (s *Scheduler) dropQueuedLocked(key account.Key) {
	if _, ok := s.queued[key]; !ok {
		return
	}
	delete(s.queued, key)
	for i, e := range s.queue {
		if e.key == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) cancelTimerLocked(key account.Key) bool {
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

func (s *Scheduler) updateGaugesLocked() {
	s.deps.Metrics.SetWorkersLive(len(s.running))
	s.deps.Metrics.SetQueueDepth(len(s.queue))
}
