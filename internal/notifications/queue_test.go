package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingSink holds every delivery until release is closed.
type blockingSink struct {
	mu        sync.Mutex
	delivered []string
	release   chan struct{}
	started   chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (b *blockingSink) Send(ctx context.Context, title, _ string) error {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.delivered = append(b.delivered, title)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) titles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.delivered...)
}

func TestQueueSendDoesNotWaitForDelivery(t *testing.T) {
	sink := newBlockingSink()
	q := NewQueue(sink, 4)

	start := time.Now()
	require.NoError(t, q.Send(context.Background(), "first", "body"))
	require.NoError(t, q.Send(context.Background(), "second", "body"))
	assert.Less(t, time.Since(start), time.Second)

	close(sink.release)
	q.Close(5 * time.Second)
	assert.Equal(t, []string{"first", "second"}, sink.titles())
}

func TestQueueDropsWhenFull(t *testing.T) {
	sink := newBlockingSink()
	q := NewQueue(sink, 1)

	require.NoError(t, q.Send(context.Background(), "in-flight", ""))
	<-sink.started
	require.NoError(t, q.Send(context.Background(), "buffered", ""))
	assert.ErrorIs(t, q.Send(context.Background(), "dropped", ""), ErrQueueFull)

	close(sink.release)
	q.Close(5 * time.Second)
	assert.Equal(t, []string{"in-flight", "buffered"}, sink.titles())
}

func TestQueueCloseCancelsStuckDelivery(t *testing.T) {
	sink := newBlockingSink()
	q := NewQueue(sink, 2)
	require.NoError(t, q.Send(context.Background(), "stuck", ""))
	<-sink.started

	start := time.Now()
	q.Close(20 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, sink.titles())

	assert.ErrorIs(t, q.Send(context.Background(), "late", ""), ErrQueueClosed)
	q.Close(time.Millisecond)
}

func TestQueueBoundsDeliveryTime(t *testing.T) {
	sink := newBlockingSink()
	q := NewQueue(sink, 1)
	q.DeliveryTimeout = 10 * time.Millisecond

	require.NoError(t, q.Send(context.Background(), "slow", ""))
	<-sink.started

	start := time.Now()
	q.Close(5 * time.Second)
	assert.Less(t, time.Since(start), 4*time.Second, "delivery timeout ends the send before the drain window")
	assert.Empty(t, sink.titles())
}

func TestQueueDeliveryErrorIsNotReturned(t *testing.T) {
	q := NewQueue(&recordingSink{err: errors.New("webhook down")}, 1)
	assert.NoError(t, q.Send(context.Background(), "t", "b"))
	q.Close(time.Second)
}
