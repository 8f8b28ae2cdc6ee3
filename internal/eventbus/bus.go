// Package eventbus carries the bot's lifecycle signals between components:
// job transitions from the scheduler, account linking from the chat router,
// delivery results from the notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names one lifecycle event. The set is closed; components publish
// these constants rather than ad-hoc strings.
type Kind string

const (
	KindJobSubmitted Kind = "job.submitted"
	KindJobStarted   Kind = "job.started"
	KindJobFinished  Kind = "job.finished"
	KindJobCancelled Kind = "job.cancelled"

	KindUserLinked Kind = "user.linked"

	KindNotifierSent   Kind = "notifier.sent"
	KindNotifierFailed Kind = "notifier.failed"
)

// Event is one published signal. Data carries the publisher's payload (the
// scheduler's JobEvent, the notifier's delivery record) and should stay
// small and JSON-serializable.
//
// Contract: Publish never blocks, subscribers hand in buffered channels, and
// a slow subscriber loses events rather than slowing the publisher.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Deliver against a snapshot so no lock is held while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking send; a full buffer drops the event. The recover
		// covers a subscriber closing its channel mid-publish.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

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
