package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the stream from
// its observers (notifier, metrics, logs).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Type string

const (
	IdentityConfirmed Type = "identity.confirmed"
	IdentityDuplicate Type = "identity.duplicate"
	TentativeDecayed  Type = "tentative.decayed"
	ProducerStarted   Type = "producer.started"
	ProducerStopped   Type = "producer.stopped"
	ConsumerEvicted   Type = "consumer.evicted"
)

// Confirmed is the payload of IdentityConfirmed.
type Confirmed struct {
	ID    int
	Label string
	// Frame is the annotated JPEG the identity was confirmed on, if any.
	Frame []byte
}

// Stopped is the payload of ProducerStopped.
type Stopped struct {
	Reason string
	Err    string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus without background goroutines.
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
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
			// Holding the write lock excludes in-flight Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
