package framecast

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type chanSource struct {
	frames     chan []byte
	eof        chan struct{}
	openErr    error
	closeDelay time.Duration

	opens   atomic.Int32
	closes  atomic.Int32
	open    atomic.Int32
	maxOpen atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan []byte), eof: make(chan struct{})}
}

func (s *chanSource) Open(context.Context) (FrameStream, error) {
	s.opens.Add(1)
	if s.openErr != nil {
		return nil, s.openErr
	}
	n := s.open.Add(1)
	for {
		m := s.maxOpen.Load()
		if n <= m || s.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &chanStream{src: s}, nil
}

type chanStream struct{ src *chanSource }

func (c *chanStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.src.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.src.eof:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanStream) Close() error {
	time.Sleep(c.src.closeDelay)
	c.src.open.Add(-1)
	c.src.closes.Add(1)
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	stops   []StopReason
	evicted []ConsumerID
}

func (o *recordingObserver) ProducerStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) ProducerStopped(reason StopReason, _ error) {
	o.mu.Lock()
	o.stops = append(o.stops, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) FrameProduced(int) {}

func (o *recordingObserver) ConsumerEvicted(id ConsumerID) {
	o.mu.Lock()
	o.evicted = append(o.evicted, id)
	o.mu.Unlock()
}

func (o *recordingObserver) lastStop() (StopReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stops) == 0 {
		return "", false
	}
	return o.stops[len(o.stops)-1], true
}

func send(t *testing.T, src *chanSource, frame string) {
	t.Helper()
	select {
	case src.frames <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("producer did not take frame %q", frame)
	}
}

// endStream makes the running stream report EOF.
func endStream(t *testing.T, src *chanSource) {
	t.Helper()
	select {
	case src.eof <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not take the end of stream")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startAttached(t *testing.T, b *Broadcaster, src *chanSource) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- b.StartOrAttach(context.Background()) }()
	send(t, src, "first")
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("StartOrAttach: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartOrAttach did not return after the first frame")
	}
}

func newTestBroadcaster(t *testing.T, src *chanSource, obs Observer) (*Broadcaster, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b := New(src, Options{Clock: clock, Observer: obs})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b, clock
}

func TestWaitForFrameDeliversInOrder(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	got := make(chan string, 3)
	go func() {
		for i := 0; i < 3; i++ {
			f, err := b.Next(context.Background(), "a")
			if err != nil {
				return
			}
			got <- string(f)
		}
	}()
	eventually(t, "consumer registration", func() bool { return b.Stats().Consumers == 1 })

	for _, want := range []string{"f1", "f2", "f3"} {
		send(t, src, want)
		select {
		case f := <-got:
			if f != want {
				t.Fatalf("frame = %q, want %q", f, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %q not delivered", want)
		}
	}
}

func TestWaitForFrameBlocksUntilSignal(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.WaitForFrame(ctx, "late"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := b.Stats().Consumers; got != 1 {
		t.Fatalf("consumers = %d, want the waiter registered", got)
	}
}

func TestMarkConsumedUnknownIsNoop(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroadcaster(t, newChanSource(), nil)
	b.MarkConsumed("ghost")
	if got := b.Stats().Consumers; got != 0 {
		t.Fatalf("consumers = %d, want 0", got)
	}
}

func TestStaleConsumerEvicted(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	obs := &recordingObserver{}
	b, clock := newTestBroadcaster(t, src, obs)
	startAttached(t, b, src)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Next(context.Background(), "active")
	}()
	go func() { _, _ = b.WaitForFrame(context.Background(), "stale") }()
	eventually(t, "two consumers", func() bool { return b.Stats().Consumers == 2 })

	send(t, src, "f1")
	<-done

	clock.Advance(6 * time.Second)
	// Keep the producer from going idle.
	_ = b.StartOrAttach(context.Background())
	go func() { _, _ = b.Next(context.Background(), "active") }()

	send(t, src, "f2")
	eventually(t, "eviction", func() bool { return b.Stats().Evictions == 1 })

	st := b.Stats()
	if st.Consumers != 1 {
		t.Fatalf("consumers = %d, want 1", st.Consumers)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.evicted) != 1 || obs.evicted[0] != "stale" {
		t.Fatalf("evicted = %v, want [stale]", obs.evicted)
	}
}

func TestAtMostOneEvictionPerFrame(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, clock := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	for _, id := range []ConsumerID{"a", "b", "c"} {
		id := id
		go func() { _, _ = b.WaitForFrame(context.Background(), id) }()
	}
	eventually(t, "three consumers", func() bool { return b.Stats().Consumers == 3 })
	send(t, src, "f1")
	eventually(t, "frame stored", func() bool { return b.Stats().Frames == 2 })

	clock.Advance(6 * time.Second)
	_ = b.StartOrAttach(context.Background())

	send(t, src, "f2")
	eventually(t, "first eviction", func() bool { return b.Stats().Evictions == 1 })
	if got := b.Stats().Consumers; got != 2 {
		t.Fatalf("consumers after one frame = %d, want 2", got)
	}

	send(t, src, "f3")
	eventually(t, "second eviction", func() bool { return b.Stats().Evictions == 2 })
	if got := b.Stats().Consumers; got != 1 {
		t.Fatalf("consumers after two frames = %d, want 1", got)
	}
}

func TestProducerStopsWhenIdleAndRestarts(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	obs := &recordingObserver{}
	b, clock := newTestBroadcaster(t, src, obs)
	startAttached(t, b, src)

	clock.Advance(11 * time.Second)
	send(t, src, "f1")
	eventually(t, "idle stop", func() bool { return !b.Stats().Running })
	eventually(t, "stop notification", func() bool {
		r, ok := obs.lastStop()
		return ok && r == StopIdle
	})
	if got := src.closes.Load(); got != 1 {
		t.Fatalf("stream closes = %d, want 1", got)
	}

	startAttached(t, b, src)
	if got := src.opens.Load(); got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}
	if st := b.Stats(); !st.Running || st.Starts != 2 {
		t.Fatalf("stats = %+v, want running with 2 starts", st)
	}
}

func TestConcurrentStartOrAttachSharesProducer(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- b.StartOrAttach(context.Background()) }()
	}
	eventually(t, "producer spawn", func() bool { return b.Stats().Running })
	send(t, src, "first")

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("StartOrAttach: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("StartOrAttach caller still blocked")
		}
	}
	if got := src.opens.Load(); got != 1 {
		t.Fatalf("opens = %d, want 1", got)
	}
}

func TestStartOrAttachOpenFailure(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	src.openErr = errors.New("no camera")
	b, _ := newTestBroadcaster(t, src, nil)

	err := b.StartOrAttach(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	eventually(t, "producer cleared", func() bool { return !b.Stats().Running })
	if got := src.opens.Load(); got != 1 {
		t.Fatalf("opens = %d, want a single attempt", got)
	}
}

func TestProducerStopsOnEOF(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	obs := &recordingObserver{}
	b, _ := newTestBroadcaster(t, src, obs)
	startAttached(t, b, src)

	close(src.frames)
	eventually(t, "eof stop", func() bool {
		r, ok := obs.lastStop()
		return ok && r == StopEOF
	})
	if b.Stats().Running {
		t.Fatal("producer still marked running after EOF")
	}
}

func TestCloseStopsProducer(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Stats().Running {
		t.Fatal("producer still running after Close")
	}
	if err := b.StartOrAttach(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartOrAttach after Close = %v, want ErrClosed", err)
	}
}

func TestReleaseUnregisters(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	go func() { _, _ = b.WaitForFrame(context.Background(), "x") }()
	eventually(t, "registration", func() bool { return b.Stats().Consumers == 1 })
	b.Release("x")
	if got := b.Stats().Consumers; got != 0 {
		t.Fatalf("consumers = %d, want 0", got)
	}
}

func TestRestartWaitsForIdleStreamToClose(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	src.closeDelay = 200 * time.Millisecond
	obs := &recordingObserver{}
	b, clock := newTestBroadcaster(t, src, obs)
	startAttached(t, b, src)

	clock.Advance(11 * time.Second)
	send(t, src, "f1")
	eventually(t, "idle stop", func() bool { return !b.Stats().Running })
	if src.closes.Load() != 0 {
		t.Fatal("stream closed before the restart was requested")
	}

	startAttached(t, b, src)
	if got := src.maxOpen.Load(); got != 1 {
		t.Fatalf("streams open at once = %d, want 1", got)
	}
	if got := src.opens.Load(); got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}
	if r, ok := obs.lastStop(); !ok || r != StopIdle {
		t.Fatalf("last stop = %q, want %q", r, StopIdle)
	}
}

func TestWaiterReleasedByRestartedProducer(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	obs := &recordingObserver{}
	b, _ := newTestBroadcaster(t, src, obs)
	startAttached(t, b, src)

	got := make(chan string, 1)
	go func() {
		f, err := b.Next(context.Background(), "viewer")
		if err == nil {
			got <- string(f)
		}
	}()
	eventually(t, "viewer registration", func() bool { return b.Stats().Consumers == 1 })

	endStream(t, src)
	eventually(t, "eof stop", func() bool {
		r, ok := obs.lastStop()
		return ok && r == StopEOF
	})
	select {
	case f := <-got:
		t.Fatalf("viewer released with %q while no producer ran", f)
	case <-time.After(30 * time.Millisecond):
	}

	startAttached(t, b, src)
	select {
	case f := <-got:
		if f != "first" {
			t.Fatalf("frame = %q, want first", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("viewer still blocked after the producer restarted")
	}
	if got := src.opens.Load(); got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}
}

func TestWaitForFrameReturnsSignallingFrame(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	b, _ := newTestBroadcaster(t, src, nil)
	startAttached(t, b, src)

	// Register without consuming anything yet.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.WaitForFrame(ctx, "slow"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}

	send(t, src, "f1")
	send(t, src, "f2")
	eventually(t, "both frames stored", func() bool { return b.Stats().Frames == 3 })

	f, err := b.Next(context.Background(), "slow")
	if err != nil {
		t.Fatal(err)
	}
	if string(f) != "f1" {
		t.Fatalf("frame = %q, want f1", f)
	}
}
