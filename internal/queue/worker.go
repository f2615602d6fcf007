package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one envelope's payload. A non-nil error leaves the entry pending for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Worker repeatedly pulls batches from a Queue and dispatches each entry to a Handler.
type Worker struct {
	queue    *Queue
	consumer string
	handler  Handler
	log      zerolog.Logger
}

// NewWorker creates a worker that pulls from q under the given consumer name.
func NewWorker(q *Queue, consumer string, handler Handler, logger zerolog.Logger) *Worker {
	return &Worker{queue: q, consumer: consumer, handler: handler, log: logger}
}

// Run pulls and processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		envelopes, err := w.queue.Pull(ctx, w.consumer, 5*time.Second)
		if err != nil {
			w.log.Warn().Err(err).Str("queue", w.queue.name).Msg("Queue pull failed")
			continue
		}

		for _, env := range envelopes {
			if err := w.handler(ctx, env.Payload); err != nil {
				w.log.Warn().Err(err).Str("queue", w.queue.name).Str("id", env.ID).Msg("Queue handler failed")
				if nakErr := w.queue.Nak(ctx, env); nakErr != nil {
					w.log.Warn().Err(nakErr).Str("queue", w.queue.name).Msg("Queue nak failed")
				}
				continue
			}
			if ackErr := w.queue.Ack(ctx, env); ackErr != nil {
				w.log.Warn().Err(ackErr).Str("queue", w.queue.name).Str("id", env.ID).Msg("Queue ack failed")
			}
		}
	}
}
