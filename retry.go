package modelgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// RetryRecorder decorates a Ledger so that accounting writes never
// block or fail the user-facing routing path. When the backing store
// is unreachable the event is queued and retried with exponential
// backoff in the background. Delivery is at-least-once; the ledger's
// event-ID idempotence absorbs duplicates.
type RetryRecorder struct {
	ledger Ledger

	mu      sync.Mutex
	pending []UsageEvent

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRetryRecorder wraps the ledger and starts the background retry
// loop. Callers must Close it to stop the loop.
func NewRetryRecorder(ledger Ledger) *RetryRecorder {
	r := &RetryRecorder{
		ledger: ledger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record attempts a synchronous write. On ErrStoreUnavailable the
// event is queued for retry and nil is returned. Duplicates are
// swallowed: the event is already accounted for.
func (r *RetryRecorder) Record(ctx context.Context, e UsageEvent) error {
	err := r.ledger.Record(ctx, e)
	switch {
	case err == nil:
		return nil
	case isDuplicate(err):
		return nil
	case isUnavailable(err):
		r.enqueue(e)
		return nil
	default:
		return err
	}
}

// Pending returns the number of events waiting for retry.
func (r *RetryRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the retry loop after a final flush attempt.
func (r *RetryRecorder) Close() {
	close(r.stop)
	<-r.done
}

func (r *RetryRecorder) enqueue(e UsageEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, e)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RetryRecorder) loop() {
	defer close(r.done)
	delay := retryBaseDelay

	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-r.wake:
		case <-time.After(delay):
		}

		if r.flush() {
			delay = retryBaseDelay
		} else if delay < retryMaxDelay {
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
	}
}

// flush retries every pending event once. Returns true when the queue
// drained completely.
func (r *RetryRecorder) flush() bool {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed []UsageEvent
	for _, e := range batch {
		err := r.ledger.Record(context.Background(), e)
		if err != nil && !isDuplicate(err) {
			failed = append(failed, e)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
		return false
	}
	return true
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
