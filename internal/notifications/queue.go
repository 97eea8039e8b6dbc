package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned when a notification is dropped because the
	// worker is behind.
	ErrQueueFull = errors.New("notification queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("notification queue closed")
)

const (
	// DefaultQueueSize is the buffer used by NewQueue when size is not positive.
	DefaultQueueSize = 32
	// DefaultDeliveryTimeout bounds one delivery, retries included.
	DefaultDeliveryTimeout = 2 * time.Minute
)

type notification struct {
	title string
	body  string
}

// Queue hands notifications to a background worker so that Send returns
// immediately. Delivery errors are logged by the worker.
type Queue struct {
	sink            Sink
	DeliveryTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan notification

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue starts a worker delivering to sink. Call Close to stop it.
func NewQueue(sink Sink, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:            sink,
		DeliveryTimeout: DefaultDeliveryTimeout,
		jobs:            make(chan notification, size),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	go q.worker()
	return q
}

// Send enqueues the notification without waiting for delivery.
func (q *Queue) Send(_ context.Context, title, body string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- notification{title: title, body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports the number of notifications waiting for the worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer close(q.done)
	for n := range q.jobs {
		ctx, cancel := context.WithTimeout(q.ctx, q.DeliveryTimeout)
		err := q.sink.Send(ctx, n.title, n.body)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("title", n.title).Msg("Notification delivery failed")
		}
	}
}

// Close stops accepting notifications and waits up to drain for queued ones
// to be delivered. Deliveries still running after that are cancelled.
func (q *Queue) Close(drain time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
		log.Warn().Int("pending", len(q.jobs)).Msg("Notification queue drain timed out, cancelling deliveries")
		q.cancel()
		<-q.done
	}
	q.cancel()
}
