package eventbus

import (
	"testing"
	"time"
)

func TestFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "worker.state", AccountID: 7, Data: "active"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "worker.state" || ev.AccountID != 7 {
				t.Fatalf("subscriber %d got %q account %d", i, ev.Type, ev.AccountID)
			}
			if ev.Time.IsZero() {
				t.Fatalf("publish did not stamp time")
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, dropped

	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("got %q, want a", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(Event{Type: "late"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked after unsubscribe")
	}
}
