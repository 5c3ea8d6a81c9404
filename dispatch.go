package msgsock

import (
	"context"
	"time"
)

// DefaultPollInterval is the back-off Poll uses when the queue is empty.
const DefaultPollInterval = 5 * time.Millisecond

// Handler reacts to entries taken from a Queue.
// Entries with a nil Message report that the peer disconnected.
type Handler interface {
	HandleEntry(ctx context.Context, entry Entry)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, entry Entry)

// HandleEntry calls f(ctx, entry).
func (f HandlerFunc) HandleEntry(ctx context.Context, entry Entry) {
	f(ctx, entry)
}

// Dispatch delivers entries from q to h in queue order, suspending while the
// queue is empty. It returns ctx.Err() once ctx is done.
func Dispatch(ctx context.Context, q *Queue, h Handler) error {
	for {
		e, err := q.Wait(ctx)
		if err != nil {
			return err
		}
		h.HandleEntry(ctx, e)
	}
}

// Poll is the polling form of Dispatch: it dequeues until the queue is empty,
// then sleeps for interval before trying again.
func Poll(ctx context.Context, q *Queue, h Handler, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok := q.Dequeue()
			if !ok {
				break
			}
			h.HandleEntry(ctx, e)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
