package framecast

import (
	"context"
	"errors"
	"time"
)

// ConsumerID identifies one consumer of the broadcast.
type ConsumerID string

// Source opens the frame stream the producer reads from.
type Source interface {
	Open(ctx context.Context) (FrameStream, error)
}

// FrameStream yields encoded frames until it returns an error.
// io.EOF ends the stream normally.
type FrameStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Sink is the consumer side of a Broadcaster.
type Sink interface {
	WaitForFrame(ctx context.Context, id ConsumerID) ([]byte, error)
	MarkConsumed(id ConsumerID)
}

var (
	// ErrSourceUnavailable wraps failures to open the Source.
	ErrSourceUnavailable = errors.New("framecast: source unavailable")
	ErrClosed            = errors.New("framecast: broadcaster closed")
)

// Policy holds the producer timing constants.
type Policy struct {
	StaleAfter    time.Duration
	IdleAfter     time.Duration
	EvictPerCycle int
}

func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:    5 * time.Second,
		IdleAfter:     10 * time.Second,
		EvictPerCycle: 1,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.StaleAfter <= 0 {
		p.StaleAfter = d.StaleAfter
	}
	if p.IdleAfter <= 0 {
		p.IdleAfter = d.IdleAfter
	}
	if p.EvictPerCycle <= 0 {
		p.EvictPerCycle = d.EvictPerCycle
	}
	return p
}

// StopReason tells why a producer exited.
type StopReason string

const (
	StopIdle        StopReason = "idle"
	StopEOF         StopReason = "eof"
	StopStreamError StopReason = "stream_error"
	StopOpenFailed  StopReason = "open_failed"
	StopCanceled    StopReason = "canceled"
)

// Observer receives producer lifecycle notifications. Calls happen outside
// the broadcaster lock, on the producer goroutine.
type Observer interface {
	ProducerStarted()
	ProducerStopped(reason StopReason, err error)
	FrameProduced(consumers int)
	ConsumerEvicted(id ConsumerID)
}

type nopObserver struct{}

func (nopObserver) ProducerStarted()                  {}
func (nopObserver) ProducerStopped(StopReason, error) {}
func (nopObserver) FrameProduced(int)                 {}
func (nopObserver) ConsumerEvicted(ConsumerID)        {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) ProducerStarted() {
	for _, x := range o {
		x.ProducerStarted()
	}
}

func (o Observers) ProducerStopped(reason StopReason, err error) {
	for _, x := range o {
		x.ProducerStopped(reason, err)
	}
}

func (o Observers) FrameProduced(consumers int) {
	for _, x := range o {
		x.FrameProduced(consumers)
	}
}

func (o Observers) ConsumerEvicted(id ConsumerID) {
	for _, x := range o {
		x.ConsumerEvicted(id)
	}
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Consumers  int       `json:"consumers"`
	Evictions  uint64    `json:"evictions"`
	Starts     uint64    `json:"starts"`
	LastAccess time.Time `json:"last_access"`
}
