package framecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	logx "facecast/pkg/logx"
)

// Options configures a Broadcaster. Zero values fall back to defaults.
type Options struct {
	Policy   Policy
	Clock    clockwork.Clock
	Log      logx.Logger
	Observer Observer
}

// Broadcaster runs at most one producer and fans its frames out to consumers.
type Broadcaster struct {
	src    Source
	policy Policy
	clock  clockwork.Clock
	log    logx.Logger
	obs    Observer

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	run        *producerRun
	lastAccess time.Time
	consumers  []*consumer
	byID       map[ConsumerID]*consumer

	frames    uint64
	evictions uint64
	starts    uint64
}

type consumer struct {
	id    ConsumerID
	ready chan struct{} // closed while the signal is set
	set   bool
	frame []byte // the frame that set the signal
	stamp time.Time
}

// producerRun is one producer goroutine lifetime.
type producerRun struct {
	ready     chan struct{} // closed on the first stored frame or on exit
	readyDone bool
	err       error // start error, valid once ready is closed
	stopping  bool  // went idle; still holds the stream until done
	done      chan struct{}
	cancel    context.CancelFunc
}

var _ Sink = (*Broadcaster)(nil)

func New(src Source, opts Options) *Broadcaster {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		src:    src,
		policy: opts.Policy.withDefaults(),
		clock:  opts.Clock,
		log:    opts.Log,
		obs:    opts.Observer,
		base:   ctx,
		cancel: cancel,
		byID:   map[ConsumerID]*consumer{},
	}
}

func (b *Broadcaster) Policy() Policy { return b.policy }

// StartOrAttach makes sure a producer is running and blocks until it has
// stored its first frame. Concurrent callers share the same producer.
// A failure to open the Source is returned wrapped in ErrSourceUnavailable
// and is not retried. A producer that is winding down is waited out first, so
// the Source is never opened twice at once.
func (b *Broadcaster) StartOrAttach(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		b.lastAccess = b.clock.Now()
		r := b.run
		if r != nil && r.stopping {
			b.mu.Unlock()
			select {
			case <-r.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if r == nil {
			r = b.spawnLocked()
		}
		b.mu.Unlock()

		select {
		case <-r.ready:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Broadcaster) spawnLocked() *producerRun {
	ctx, cancel := context.WithCancel(b.base)
	r := &producerRun{
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	b.run = r
	b.starts++
	go b.produce(ctx, r)
	return r
}

// WaitForFrame registers id on first use, refreshes the last access time and
// blocks until the producer signals a frame the consumer has not consumed.
func (b *Broadcaster) WaitForFrame(ctx context.Context, id ConsumerID) ([]byte, error) {
	b.mu.Lock()
	now := b.clock.Now()
	b.lastAccess = now
	c := b.byID[id]
	if c == nil {
		c = &consumer{id: id, ready: make(chan struct{}), stamp: now}
		b.byID[id] = c
		b.consumers = append(b.consumers, c)
	}
	ready := c.ready
	b.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	frame := c.frame
	b.mu.Unlock()
	return frame, nil
}

// MarkConsumed clears the signal of id. Unknown ids are ignored.
func (b *Broadcaster) MarkConsumed(id ConsumerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.byID[id]
	if c == nil || !c.set {
		return
	}
	c.set = false
	c.frame = nil
	c.ready = make(chan struct{})
}

// Next waits for a frame and marks it consumed.
func (b *Broadcaster) Next(ctx context.Context, id ConsumerID) ([]byte, error) {
	frame, err := b.WaitForFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	b.MarkConsumed(id)
	return frame, nil
}

// Release unregisters id. A later WaitForFrame registers it again.
func (b *Broadcaster) Release(id ConsumerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[id]; !ok {
		return
	}
	delete(b.byID, id)
	b.consumers = removeConsumer(b.consumers, id)
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Running:    b.run != nil && !b.run.stopping,
		Frames:     b.frames,
		Consumers:  len(b.consumers),
		Evictions:  b.evictions,
		Starts:     b.starts,
		LastAccess: b.lastAccess,
	}
}

// Close stops the producer and waits for it to exit or ctx to end.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	r := b.run
	b.mu.Unlock()
	b.cancel()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) produce(ctx context.Context, r *producerRun) {
	reason := StopCanceled
	var runErr error
	defer func() {
		if p := recover(); p != nil {
			reason = StopStreamError
			runErr = fmt.Errorf("framecast: producer panic: %v", p)
		}
		b.finish(r, reason, runErr)
	}()

	stream, err := b.src.Open(ctx)
	if err != nil {
		reason = StopOpenFailed
		runErr = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			b.log.Warn("frame stream close failed", logx.Err(err))
		}
	}()

	b.log.Info("producer started")
	b.obs.ProducerStarted()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := stream.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = StopCanceled
			case errors.Is(err, io.EOF):
				reason = StopEOF
			default:
				reason = StopStreamError
				runErr = err
			}
			return
		}
		if b.publish(r, frame) {
			reason = StopIdle
			return
		}
	}
}

// publish hands frame to every waiting consumer and reports whether the
// producer went idle. An idle run is marked stopping under the same lock; it
// stays the current run until its stream is closed.
func (b *Broadcaster) publish(r *producerRun, frame []byte) (idle bool) {
	b.mu.Lock()
	now := b.clock.Now()
	b.frames++

	var evicted []ConsumerID
	kept := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		if !c.set {
			c.set = true
			c.frame = frame
			c.stamp = now
			close(c.ready)
			kept = append(kept, c)
			continue
		}
		if len(evicted) < b.policy.EvictPerCycle && now.Sub(c.stamp) > b.policy.StaleAfter {
			delete(b.byID, c.id)
			evicted = append(evicted, c.id)
			continue
		}
		kept = append(kept, c)
	}
	b.consumers = kept
	b.evictions += uint64(len(evicted))
	consumers := len(kept)

	if !r.readyDone {
		r.readyDone = true
		close(r.ready)
	}
	idle = now.Sub(b.lastAccess) > b.policy.IdleAfter
	if idle {
		r.stopping = true
	}
	b.mu.Unlock()

	for _, id := range evicted {
		b.log.Debug("stale consumer evicted", logx.String("consumer", string(id)))
		b.obs.ConsumerEvicted(id)
	}
	b.obs.FrameProduced(consumers)
	return idle
}

func (b *Broadcaster) finish(r *producerRun, reason StopReason, err error) {
	b.mu.Lock()
	if b.run == r {
		b.run = nil
	}
	frames := b.frames
	if !r.readyDone {
		r.readyDone = true
		if err == nil {
			err = fmt.Errorf("framecast: producer stopped before the first frame (%s)", reason)
		}
		r.err = err
		close(r.ready)
	}
	b.mu.Unlock()
	r.cancel()
	close(r.done)

	fields := []logx.Field{logx.String("reason", string(reason)), logx.Uint64("frames", frames)}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if reason == StopStreamError || reason == StopOpenFailed {
		b.log.Warn("producer stopped", fields...)
	} else {
		b.log.Info("producer stopped", fields...)
	}
	b.obs.ProducerStopped(reason, err)
}

func removeConsumer(cs []*consumer, id ConsumerID) []*consumer {
	for i, c := range cs {
		if c.id == id {
			return append(cs[:i], cs[i+1:]...)
		}
	}
	return cs
}
