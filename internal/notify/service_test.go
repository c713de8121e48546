package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"bumpd/internal/eventbus"
	"bumpd/internal/store"
	logx "bumpd/pkg/logx"
)

type activityStore struct {
	store.Store

	mu      sync.Mutex
	entries []store.ActivityEntry
}

func (s *activityStore) AppendActivity(_ context.Context, e store.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *activityStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestEmitLandsInActivityLog(t *testing.T) {
	t.Parallel()

	st := &activityStore{}
	svc := New(Config{Enabled: true}, logx.Nop(), eventbus.New(), st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	svc.Emit(Event{Type: "worker.bump", AccountID: 7, Message: "bump completed"})

	deadline := time.Now().Add(3 * time.Second)
	for st.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.count() != 1 {
		t.Fatalf("activity entries = %d, want 1", st.count())
	}

	st.mu.Lock()
	e := st.entries[0]
	st.mu.Unlock()
	if e.Event != "worker.bump" || e.AccountID != 7 {
		t.Fatalf("entry = %+v", e)
	}
	if e.At.IsZero() {
		t.Fatalf("emit did not stamp time")
	}
}

func TestEmitFeedsBusEvenWhenStopped(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	svc := New(Config{Enabled: false}, logx.Nop(), bus, nil, nil)

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	// Disabled service: the async pipeline never starts, but the live
	// stream still sees the event.
	svc.Start(context.Background())
	svc.Emit(Event{Type: "worker.state"})

	select {
	case ev := <-ch:
		if ev.Type != "worker.state" {
			t.Fatalf("bus event = %q", ev.Type)
		}
	default:
		t.Fatalf("bus got nothing")
	}
}

func TestEmitNeverBlocksWhenSaturated(t *testing.T) {
	t.Parallel()

	// No pump running but a queue present: fill it past capacity.
	svc := New(Config{Enabled: true, QueueSize: 2}, logx.Nop(), nil, nil, nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			svc.Emit(Event{Type: "spam"})
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Emit blocked on a saturated queue")
	}
}
