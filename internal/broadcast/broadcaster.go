// Package broadcast fans state-change events out to connected observers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const DefaultBuffer = 256

type Event interface {
	EventType() string
}

// Publisher is the side of the broadcaster producers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Observer receives events in publish order until it is closed or dropped.
type Observer struct {
	id uint64
	ch chan Event
	b  *Broadcaster
}

func (o *Observer) Events() <-chan Event {
	return o.ch
}

// Close unsubscribes the observer. Safe to call more than once.
func (o *Observer) Close() {
	o.b.remove(o.id)
}

type Broadcaster struct {
	log       logrus.FieldLogger
	mu        sync.Mutex
	observers map[uint64]*Observer
	nextID    uint64
	dropped   atomic.Int64
}

func New(log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		log:       log,
		observers: make(map[uint64]*Observer),
	}
}

func (b *Broadcaster) Subscribe(buffer int) *Observer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	o := &Observer{id: b.nextID, ch: make(chan Event, buffer), b: b}
	b.observers[o.id] = o
	return o
}

// Publish never blocks. An observer whose queue is full is dropped and its
// channel closed, so a connected observer never sees a gap in the stream.
func (b *Broadcaster) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, o := range b.observers {
		select {
		case o.ch <- ev:
		default:
			delete(b.observers, id)
			close(o.ch)
			b.dropped.Add(1)
			if b.log != nil {
				b.log.WithField("observer", id).Warn("dropping slow event observer")
			}
		}
	}
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Dropped is the number of observers removed for falling behind.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.observers[id]
	if !ok {
		return
	}
	delete(b.observers, id)
	close(o.ch)
}
