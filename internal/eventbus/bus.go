// Package eventbus is the in-process live stream of scheduler and worker
// signals: state transitions, heartbeats, retry and admission decisions.
// The notifier fans its events into it; stream consumers subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one item on the stream. AccountID is zero for fleet-level
// events (rollover, drain). Data holds the full source payload and should
// stay small and JSON-serializable.
type Event struct {
	Type      string
	AccountID int64
	Priority  int
	Time      time.Time
	Data      any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event, and the loss is counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were lost to full subscriber buffers
	// since the bus was created.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.deliver(ch, e)
	}
}

// deliver sends without blocking. A concurrent unsubscribe may have closed
// the channel already; the recover absorbs that send.
func (b *fanout) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
