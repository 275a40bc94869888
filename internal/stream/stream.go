// Package stream implements the bounded producer/consumer bridge that
// carries canon.Chunk values from a provider adapter (or the driver's
// failover wrapper) to the HTTP layer without ever reordering them.
package stream

import (
	"context"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

// DefaultCapacity is the bridge's default channel capacity.
const DefaultCapacity = 32

// Producer emits chunks onto a sink it is handed; it returns when done,
// successfully or not. Implementations (provider adapters, the driver) call
// Sink.Send for every chunk and respect ctx cancellation.
type Producer func(ctx context.Context, sink Sink)

// Sink is the write side of the bridge handed to a Producer.
type Sink interface {
	// Send delivers chunk to the consumer, blocking while the bridge's
	// channel is full (backpressure) and returning Cancelled if the
	// consumer has disconnected.
	Send(ctx context.Context, chunk canon.Chunk) error
}

// Bridge owns the bounded channel between one producer and one consumer.
// Capacity chunks may be buffered before Send blocks.
type Bridge struct {
	ch   chan canon.Chunk
	done chan struct{}
}

// New starts producer in its own goroutine and returns the channel the
// consumer should range over. Capacity <= 0 uses DefaultCapacity.
//
// Ordering is strictly FIFO: the bridge never reorders chunks. If the
// consumer stops reading (ctx is cancelled or the returned channel is
// abandoned), the next Send call observes ctx.Done() and returns
// Cancelled; the producer is expected to abort its upstream call at that
// point and stop. The bridge never retries — that is the driver's job,
// and only before the first chunk is delivered.
func New(ctx context.Context, capacity int, producer Producer) <-chan canon.Chunk {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bridge{
		ch:   make(chan canon.Chunk, capacity),
		done: make(chan struct{}),
	}
	go func() {
		defer close(b.ch)
		producer(ctx, b)
	}()
	return b.ch
}

// Send implements Sink.
func (b *Bridge) Send(ctx context.Context, chunk canon.Chunk) error {
	select {
	case b.ch <- chunk:
		return nil
	case <-ctx.Done():
		return gatewayerr.New(gatewayerr.KindCancelled, "stream consumer disconnected")
	}
}

// Drain consumes ch until it closes or ctx is done, discarding chunks. It
// is used when the HTTP layer needs to unwind a stream it already started
// forwarding (e.g. on a write error) without leaking the producer
// goroutine.
func Drain(ctx context.Context, ch <-chan canon.Chunk) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
