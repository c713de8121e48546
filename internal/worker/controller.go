// Package worker drives one account through its full lifecycle: session
// launch, login (with challenge suspension), then the bump/cooldown cycle
// until a terminal state. One controller owns one session driver handle.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bumpd/internal/account"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/session"
	"bumpd/internal/store"
	logx "bumpd/pkg/logx"
)

const statusWriteTimeout = 2 * time.Second

// Controller is the per-account state machine.
type Controller struct {
	acct *account.Account
	cfg  Config
	deps Deps
	log  logx.Logger

	runID string

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	stopRequested atomic.Bool
	forceCycle    chan struct{}
	challengeCh   chan string

	// Heartbeat state.
	stateMu  sync.Mutex
	status   account.Status
	step     string
	stateSeq uint64

	nextBumpAtMs atomic.Int64

	sess      session.Session
	closeOnce sync.Once

	startedAt time.Time
	bumps     atomic.Int64
}

func New(acct *account.Account, cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	runID := uuid.NewString()
	return &Controller{
		acct:        acct,
		cfg:         cfg,
		deps:        deps,
		log:         log.With(logx.Int64("account_id", acct.ID), logx.String("run_id", runID)),
		runID:       runID,
		forceCycle:  make(chan struct{}, 1),
		challengeCh: make(chan string, 1),
	}
}

func (c *Controller) RunID() string        { return c.runID }
func (c *Controller) Account() account.Key { return c.acct.Key() }

// State reports the current status and step for status snapshots.
func (c *Controller) State() (account.Status, string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.status, c.step
}

// Bumps reports how many bumps this run has completed so far.
func (c *Controller) Bumps() int { return int(c.bumps.Load()) }

// RequestStop asks the machine to terminate cooperatively. The flag is
// observed at the next suspension point; the caller bounds its own wait.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SubmitVerification hands a human-submitted code to a suspended challenge
// wait. Returns false when no wait is pending (the code is kept for the next
// one if the buffer is free).
func (c *Controller) SubmitVerification(code string) bool {
	select {
	case c.challengeCh <- code:
		return true
	default:
		return false
	}
}

// ForceCycle abandons the current cooldown wait and restarts the bump cycle.
// Used by the watchdog; exposed for the restart RPC as well.
func (c *Controller) ForceCycle() {
	select {
	case c.forceCycle <- struct{}{}:
	default:
	}
}

// NextBumpAt reports the in-memory scheduled next action (zero if none).
func (c *Controller) NextBumpAt() time.Time {
	ms := c.nextBumpAtMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run executes the state machine to a terminal state. It always releases the
// session handle (Close exactly once) before returning.
func (c *Controller) Run(ctx context.Context) Result {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	c.startedAt = time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop(runCtx) }()
	go func() { defer wg.Done(); c.watchdogLoop(runCtx) }()

	res := c.run(runCtx)
	res.Bumps = int(c.bumps.Load())
	res.Ran = time.Since(c.startedAt)

	cancel()
	wg.Wait()
	c.closeSession()

	// Terminal bookkeeping happens after the session is released.
	c.finish(res)
	return res
}

func (c *Controller) run(ctx context.Context) Result {
	// Starting: acquire the session driver handle.
	c.setStatus(ctx, account.StatusStarting, "launching session")
	sess, err := c.deps.Driver.Open(ctx, c.acct)
	if err != nil {
		if c.interrupted(ctx) {
			return Result{Status: account.StatusStopped}
		}
		var le *session.LaunchError
		if errors.As(err, &le) && le.ProxyRelated {
			return c.fail(policy.FailProxy, err.Error())
		}
		return c.fail(policy.FailUnknown, err.Error())
	}
	c.setSession(sess)

	// ValidatingSession: try the saved session before a fresh login.
	c.setStatus(ctx, account.StatusValidating, "restoring saved session")
	restored, err := sess.RestoreSaved(ctx)
	if err != nil {
		if c.interrupted(ctx) {
			return Result{Status: account.StatusStopped}
		}
		c.log.Debug("saved session restore failed, falling through to login", logx.Err(err))
		restored = false
	}

	if !restored {
		if res, ok := c.login(ctx); !ok {
			return res
		}
	}

	// Active: one-time announcement, clean slate for failure bookkeeping.
	c.setStatus(ctx, account.StatusActive, "session established")
	c.resetWorkerState()
	c.emit("worker.active", "session established", 0, nil)

	return c.bumpLoop(ctx)
}

// login drives the external login flow, including challenge suspension.
// ok=false carries the terminal result.
func (c *Controller) login(ctx context.Context) (Result, bool) {
	c.setStatus(ctx, account.StatusLoggingIn, "logging in")

	res, err := c.sess.Login(ctx)
	if err != nil {
		if c.interrupted(ctx) {
			return Result{Status: account.StatusStopped}, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(policy.FailTimeout, "login timed out"), false
		}
		return c.fail(policy.FailLogin, err.Error()), false
	}

	switch res.Outcome {
	case session.LoggedIn:
		return Result{}, true
	case session.BadCredentials:
		return c.fail(policy.FailCredentials, "credentials rejected"), false
	case session.LoginBanned:
		return c.fail(policy.FailBanned, "account is banned"), false
	case session.CaptchaRequired:
		return c.awaitChallenge(ctx, session.ChallengeCaptcha)
	case session.TwoFactorRequired:
		return c.awaitChallenge(ctx, session.ChallengeTwoFactor)
	case session.ChallengeRejected, session.LoginUnknown:
		return c.fail(policy.FailLogin, "login flow ended in "+res.Outcome.String()), false
	default:
		return c.fail(policy.FailLogin, "login flow ended in "+res.Outcome.String()), false
	}
}

// awaitChallenge suspends the machine until a solution arrives (solver or
// human), bounded by the session TTL and a small attempt budget.
func (c *Controller) awaitChallenge(ctx context.Context, kind session.ChallengeKind) (Result, bool) {
	st := account.StatusAwaitingCaptcha
	if kind == session.ChallengeTwoFactor {
		st = account.StatusAwaiting2FA
	}
	c.setStatus(ctx, st, "awaiting challenge solution")

	ttl := time.NewTimer(c.cfg.SessionTTL)
	defer ttl.Stop()

	for attempt := 1; attempt <= c.cfg.ChallengeAttempts; attempt++ {
		solution, res, ok := c.obtainSolution(ctx, kind, ttl.C)
		if !ok {
			return res, false
		}

		out, err := c.sess.SubmitChallenge(ctx, solution)
		if err != nil {
			if c.interrupted(ctx) {
				return Result{Status: account.StatusStopped}, false
			}
			return c.fail(policy.FailLogin, err.Error()), false
		}
		switch out.Outcome {
		case session.LoggedIn:
			return Result{}, true
		case session.LoginBanned:
			return c.fail(policy.FailBanned, "account is banned"), false
		case session.BadCredentials:
			return c.fail(policy.FailCredentials, "credentials rejected"), false
		case session.ChallengeRejected:
			c.log.Debug("challenge solution rejected", logx.Int("attempt", attempt))
			continue
		default:
			return c.fail(policy.FailLogin, "challenge ended in "+out.Outcome.String()), false
		}
	}
	return c.fail(policy.FailLogin, "challenge attempts exhausted"), false
}

// obtainSolution fetches a solver answer (captcha with solver configured) or
// waits for a human-submitted code. ok=false carries the terminal result.
func (c *Controller) obtainSolution(ctx context.Context, kind session.ChallengeKind, ttl <-chan time.Time) (string, Result, bool) {
	if kind == session.ChallengeCaptcha && c.deps.Solver != nil {
		info, err := c.sess.Challenge(ctx)
		if err == nil {
			if text, serr := c.deps.Solver.Solve(ctx, info.Image); serr == nil {
				return text, Result{}, true
			} else {
				c.log.Warn("captcha solver failed, waiting for manual solution", logx.Err(serr))
			}
		} else if c.interrupted(ctx) {
			return "", Result{Status: account.StatusStopped}, false
		}
	}

	select {
	case code := <-c.challengeCh:
		return code, Result{}, true
	case <-ttl:
		c.closeSession()
		return "", c.fail(policy.FailLogin, "challenge timeout"), false
	case <-ctx.Done():
		if c.stopRequested.Load() {
			return "", Result{Status: account.StatusStopped}, false
		}
		if kind == session.ChallengeTwoFactor {
			// Shutdown with a code still pending: leave the account suspended
			// so a later submit-verification resumes it.
			return "", Result{Status: account.StatusAwaiting2FA, Failure: &Failure{Kind: policy.FailAwaiting2FA, Message: "verification code pending"}}, false
		}
		return "", Result{Status: account.StatusStopped}, false
	}
}

// bumpLoop runs the Bumping <-> WaitingCooldown cycle until a terminal state.
func (c *Controller) bumpLoop(ctx context.Context) Result {
	for {
		now := time.Now()
		if !c.acct.Schedule.Window.Open(now) {
			c.emit("worker.window_closed", "runtime window closed", 0, nil)
			return Result{Status: account.StatusPaused}
		}
		if c.acct.RuntimeBudgetSpent(time.Since(c.startedAt)) {
			c.emit("worker.runtime_spent", "daily runtime budget spent", 0, nil)
			return Result{Status: account.StatusPaused}
		}
		if c.acct.QuotaReached(int(c.bumps.Load())) {
			c.emit("worker.quota_reached", "daily bump quota reached", 0, nil)
			return Result{Status: account.StatusCompleted}
		}

		c.setStatus(ctx, account.StatusBumping, "bumping")
		res, term := c.bumpOnce(ctx)
		if term != nil {
			return *term
		}

		sched := c.acct.Schedule
		configured := c.deps.Cooldown.ConfiguredDelay(sched.BaseInterval, sched.JitterMin, sched.JitterMax)

		var wait time.Duration
		switch res.Outcome {
		case session.BumpDone:
			c.bumps.Add(1)
			c.deps.Metrics.IncBumps()
			c.recordBump(now, configured)
			c.emit("worker.bump", "bump completed", 0, map[string]any{"bumps": c.bumps.Load()})
			wait = configured
		case session.BumpCooldownHit:
			wait = c.deps.Cooldown.EffectiveWait(configured, res.Cooldown, res.CooldownReported, c.log)
			c.emit("worker.cooldown", "cooldown reported by target", 5, map[string]any{
				"reported_ms":  res.Cooldown.Milliseconds(),
				"effective_ms": wait.Milliseconds(),
			})
			c.recordSchedule(now, wait)
		case session.BumpBanned:
			return *c.failPtr(policy.FailBanned, "banned marker detected")
		default:
			return *c.failPtr(policy.FailUnknown, "bump cycle ended in "+res.Outcome.String())
		}

		if term := c.waitCooldown(ctx, now.Add(wait)); term != nil {
			return *term
		}
	}
}

// bumpOnce performs one cadence action with bounded in-place retries of
// transient hiccups. A non-nil second return is a terminal result.
func (c *Controller) bumpOnce(ctx context.Context) (session.BumpResult, *Result) {
	attempts := 1 + c.cfg.CycleRetries
	var last session.BumpResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.sess.Bump(ctx)
		if err != nil {
			if c.interrupted(ctx) {
				return res, &Result{Status: account.StatusStopped}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return res, c.failPtr(policy.FailTimeout, "bump timed out")
			}
			c.log.Debug("bump attempt failed", logx.Int("attempt", attempt), logx.Err(err))
			last = session.BumpResult{Outcome: session.BumpTransient}
		} else if res.Outcome == session.BumpTransient {
			last = res
		} else {
			return res, nil
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return last, &Result{Status: account.StatusStopped}
			case <-time.After(c.cfg.CycleRetryDelay):
			}
		}
	}
	return last, c.failPtr(policy.FailUnknown, "bump cycle kept failing transiently")
}

// waitCooldown sleeps until next, interruptible by stop and by the watchdog's
// force-cycle signal. A non-nil return is a terminal result.
func (c *Controller) waitCooldown(ctx context.Context, next time.Time) *Result {
	c.setStatus(ctx, account.StatusWaitingCooldown, "waiting for next bump")

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()

	select {
	case <-tmr.C:
		return nil
	case <-c.forceCycle:
		c.log.Warn("cooldown wait abandoned, restarting cycle",
			logx.Time("next_bump_at", next))
		c.emit("worker.force_cycle", "overdue work, cycle restarted", 5, nil)
		return nil
	case <-ctx.Done():
		return &Result{Status: account.StatusStopped}
	}
}

// interrupted reports whether the run context ended (stop request or
// scheduler shutdown).
func (c *Controller) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (c *Controller) fail(kind policy.FailureKind, msg string) Result {
	return *c.failPtr(kind, msg)
}

func (c *Controller) failPtr(kind policy.FailureKind, msg string) *Result {
	st := account.StatusError
	switch kind {
	case policy.FailCredentials:
		st = account.StatusLoginFailed
	case policy.FailBanned:
		st = account.StatusBanned
	case policy.FailAwaiting2FA:
		st = account.StatusAwaiting2FA
	}
	return &Result{Status: st, Failure: &Failure{Kind: kind, Message: msg}}
}

// recordBump persists lastRunAt and the next scheduled action after a
// successful bump, durable so stall recovery can resume after a crash.
func (c *Controller) recordBump(now time.Time, delay time.Duration) {
	next := now.Add(delay)
	c.nextBumpAtMs.Store(next.UnixMilli())

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := c.deps.Store.AddBump(ctx, c.acct.ID); err != nil {
		c.log.Warn("bump counter update failed", logx.Err(err))
	}
	if err := c.deps.Store.UpdateSchedule(ctx, c.acct.ID, next, delay, now); err != nil {
		c.log.Warn("schedule update failed", logx.Err(err))
	}
}

// recordSchedule persists only the next scheduled action (cooldown hit, no
// completed bump).
func (c *Controller) recordSchedule(now time.Time, delay time.Duration) {
	next := now.Add(delay)
	c.nextBumpAtMs.Store(next.UnixMilli())

	lastRun := now
	if c.acct.LastRunAt != nil {
		lastRun = *c.acct.LastRunAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := c.deps.Store.UpdateSchedule(ctx, c.acct.ID, next, delay, lastRun); err != nil {
		c.log.Warn("schedule update failed", logx.Err(err))
	}
}

// resetWorkerState clears failure bookkeeping once the session is live.
func (c *Controller) resetWorkerState() {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := c.deps.Store.ResetWorkerState(ctx, c.acct.ID); err != nil {
		c.log.Warn("worker state reset failed", logx.Err(err))
	}
}

// setStatus is the single transition point: in-memory heartbeat state, the
// durable status field, and one sink entry move together.
func (c *Controller) setStatus(ctx context.Context, st account.Status, step string) {
	c.stateMu.Lock()
	prev := c.status
	c.status = st
	c.step = step
	c.stateSeq++
	c.stateMu.Unlock()

	if prev == st {
		return
	}

	c.persistStatus(st, map[string]any{"step": step, "run_id": c.runID})
	c.emit("worker.state", string(st), 0, map[string]any{"step": step})
}

func (c *Controller) persistStatus(st account.Status, meta map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := c.deps.Store.UpdateStatus(ctx, c.acct.ID, st, meta); err != nil {
		c.log.Warn("status update failed", logx.String("status", string(st)), logx.Err(err))
	}
}

// finish applies the terminal side effects: durable status, failure
// bookkeeping, runtime accounting, and a final sink entry.
func (c *Controller) finish(res Result) {
	c.stateMu.Lock()
	c.status = res.Status
	c.stateSeq++
	c.stateMu.Unlock()

	meta := map[string]any{"run_id": c.runID, "bumps": res.Bumps}
	prio := 0
	if res.Failure != nil {
		meta["failure_kind"] = string(res.Failure.Kind)
		prio = 5
		c.deps.Metrics.IncFailure(string(res.Failure.Kind))

		now := time.Now()
		msg := res.Failure.Message
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		if err := c.deps.Store.PatchWorkerState(ctx, c.acct.ID, store.WorkerStatePatch{
			LastErrorMessage: &msg,
			LastErrorAt:      &now,
		}); err != nil {
			c.log.Warn("worker state patch failed", logx.Err(err))
		}
		cancel()
	}

	c.persistStatus(res.Status, meta)

	actx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	if err := c.deps.Store.AddRuntime(actx, c.acct.ID, res.Ran); err != nil {
		c.log.Warn("runtime accounting failed", logx.Err(err))
	}
	cancel()

	msg := "worker finished: " + string(res.Status)
	if res.Failure != nil {
		msg += " (" + res.Failure.Message + ")"
	}
	c.emit("worker.finished", msg, prio, meta)
}

func (c *Controller) emit(typ, msg string, prio int, meta map[string]any) {
	if c.deps.Sink == nil {
		return
	}
	c.deps.Sink.Emit(notify.Event{
		Type:      typ,
		AccountID: c.acct.ID,
		UserID:    c.acct.UserID,
		Message:   msg,
		Priority:  prio,
		Meta:      meta,
	})
}

func (c *Controller) setSession(s session.Session) {
	c.stateMu.Lock()
	c.sess = s
	c.stateMu.Unlock()
}

func (c *Controller) session() session.Session {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sess
}

// closeSession releases the driver handle exactly once.
func (c *Controller) closeSession() {
	c.closeOnce.Do(func() {
		sess := c.session()
		if sess == nil {
			return
		}
		if err := sess.Close(); err != nil {
			c.log.Warn("session close failed", logx.Err(err))
		}
	})
}
