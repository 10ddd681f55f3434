package events

import (
	"context"
	"log"
	"time"

	"github.com/mailvault/mailvault/internal/blobstore"
)

// Outbox is the slice of the content store the dispatcher needs.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]blobstore.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Sink publishes a single event. Satisfied by *Publisher.
type Sink interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into the sink in the background.
type Dispatcher struct {
	outbox Outbox
	sink   Sink
	done   chan struct{}
}

// NewDispatcher creates a dispatcher over the given outbox and sink.
func NewDispatcher(outbox Outbox, sink Sink) *Dispatcher {
	return &Dispatcher{outbox: outbox, sink: sink, done: make(chan struct{})}
}

// Run dispatches until ctx is cancelled. Publish failures are scheduled for
// retry with a fixed backoff; nothing is dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.outbox.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("dispatcher: dequeue outbox: %v", err)
			if !d.pause(ctx, time.Second) {
				return
			}
			continue
		}

		if len(messages) == 0 {
			if !d.pause(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		for _, msg := range messages {
			if err := d.sink.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("dispatcher: publish %d: %v", msg.ID, err)
				_ = d.outbox.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("dispatcher: mark published %d: %v", msg.ID, err)
			}
		}
	}
}

// pause waits out the backoff, returning false when ctx is cancelled first.
func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Wait blocks until the dispatch loop has exited.
func (d *Dispatcher) Wait() {
	<-d.done
}
