package worker

import (
	"context"
	"time"

	"bumpd/internal/account"
	logx "bumpd/pkg/logx"
)

// heartbeatLoop computes a liveness beat every HeartbeatInterval and emits it
// at the slower HeartbeatEmitEvery throttle, or immediately when the state
// changed since the last emit.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	tick := time.NewTicker(c.cfg.HeartbeatInterval)
	defer tick.Stop()

	var lastEmit time.Time
	var lastSeq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		beat, seq := c.sampleBeat(ctx)

		now := time.Now()
		changed := seq != lastSeq
		if !changed && now.Sub(lastEmit) < c.cfg.HeartbeatEmitEvery {
			continue
		}
		lastEmit = now
		lastSeq = seq

		meta := map[string]any{
			"status": string(beat.Status),
			"step":   beat.Step,
			"bumps":  beat.Bumps,
		}
		if beat.URL != "" {
			meta["url"] = beat.URL
		}
		if beat.NextAt != nil {
			meta["next_bump_at"] = beat.NextAt.Format(time.RFC3339)
		}
		c.emit("worker.heartbeat", "heartbeat", 0, meta)
	}
}

func (c *Controller) sampleBeat(ctx context.Context) (Beat, uint64) {
	c.stateMu.Lock()
	beat := Beat{Status: c.status, Step: c.step, Bumps: int(c.bumps.Load())}
	seq := c.stateSeq
	c.stateMu.Unlock()

	if next := c.NextBumpAt(); !next.IsZero() {
		beat.NextAt = &next
	}

	// URL lookup is best-effort and tightly bounded; a wedged driver must not
	// stall the heartbeat.
	if sess := c.session(); sess != nil {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if url, err := sess.CurrentLocation(lctx); err == nil {
			beat.URL = url
		}
		cancel()
	}
	return beat, seq
}

// watchdogLoop compares now against the scheduled next action; when bumping
// work is overdue beyond tolerance while the worker claims an active-ish
// status, the current wait is abandoned so the cycle restarts on its own.
func (c *Controller) watchdogLoop(ctx context.Context) {
	tick := time.NewTicker(c.cfg.WatchdogInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		next := c.NextBumpAt()
		if next.IsZero() {
			continue
		}
		overdue := time.Since(next)
		if overdue <= c.cfg.WatchdogTolerance {
			continue
		}

		c.stateMu.Lock()
		st := c.status
		c.stateMu.Unlock()

		switch st {
		case account.StatusActive, account.StatusBumping, account.StatusWaitingCooldown:
		default:
			continue
		}

		c.log.Warn("bump overdue, forcing cycle restart",
			logx.Time("next_bump_at", next),
			logx.Duration("overdue", overdue),
			logx.String("status", string(st)),
		)
		c.ForceCycle()
	}
}
