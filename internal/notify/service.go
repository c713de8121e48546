// Package notify is the notification sink: every emitted event lands in the
// durable activity log, the in-memory event stream, and (optionally) a
// Telegram channel. Emit never blocks and failures are logged, never retried.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"bumpd/internal/eventbus"
	rtsup "bumpd/internal/runtime/supervisor"
	"bumpd/internal/store"
	logx "bumpd/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

// Sink is the narrow contract the scheduler and workers emit through.
type Sink interface {
	Emit(ev Event)
}

// Service fans events out to the store, the bus and Telegram.
// It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store store.Store
	tg    *Telegram

	queue    chan Event
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dropped        uint64
	lastDropWarnAt int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, st store.Store, tg *Telegram) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	return &Service{cfg: cfg, log: log, bus: bus, store: st, tg: tg}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	s.cfg = cfg
	tg := s.tg
	s.mu.Unlock()
	if tg != nil {
		tg.Apply(cfg.Telegram)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Event, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// Notification delivery is best-effort; never take down the app.
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("notify.pump", func(c context.Context) error {
		s.pump(c, q)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Emit enqueues an event without blocking. When the pipeline is saturated or
// stopped the event is dropped (and the drop is logged, throttled).
func (s *Service) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	// The live stream is always fed, even when the async pipeline is down:
	// bus publishes are non-blocking by contract.
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:      ev.Type,
			AccountID: ev.AccountID,
			Priority:  ev.Priority,
			Time:      ev.At,
			Data:      ev,
		})
	}

	if q == nil {
		return
	}
	select {
	case q <- ev:
	default:
		s.onDropped(ev)
	}
}

func (s *Service) pump(ctx context.Context, q chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			s.deliver(ctx, ev)
		}
	}
}

func (s *Service) deliver(ctx context.Context, ev Event) {
	if s.store != nil {
		entry := store.ActivityEntry{
			At:        ev.At,
			AccountID: ev.AccountID,
			UserID:    ev.UserID,
			Event:     ev.Type,
			Message:   ev.Message,
		}
		if len(ev.Meta) > 0 {
			if b, err := json.Marshal(ev.Meta); err == nil {
				entry.MetaJSON = string(b)
			}
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.store.AppendActivity(wctx, entry); err != nil {
			s.log.Warn("activity append failed", logx.String("event", ev.Type), logx.Err(err))
		}
		cancel()
	}

	if s.tg != nil {
		s.tg.Announce(ctx, ev)
	}
}

func (s *Service) onDropped(ev Event) {
	n := atomic.AddUint64(&s.dropped, 1)

	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&s.lastDropWarnAt)
	if prev != 0 && now-prev < int64(dropWarnEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastDropWarnAt, prev, now) {
		s.log.Warn("notification dropped: queue full",
			logx.String("event", ev.Type),
			logx.Int64("account_id", ev.AccountID),
			logx.Uint64("dropped", n),
		)
	}
}
