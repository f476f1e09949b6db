package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := NewQueue[int](4)
	ctx := context.Background()

	assert.True(t, q.TryEnqueue(1))
	assert.True(t, q.TryEnqueue(2))
	assert.Equal(t, 2, q.Len())

	v, ok, closed := q.Dequeue(ctx, 50*time.Millisecond)
	require.True(t, ok)
	assert.False(t, closed)
	assert.Equal(t, 1, v)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue[int](2)
	assert.True(t, q.TryEnqueue(1))
	assert.True(t, q.TryEnqueue(2))
	assert.False(t, q.TryEnqueue(3))
	assert.False(t, q.TryEnqueue(4))
	assert.Equal(t, int64(2), q.Dropped())
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := NewQueue[int](1)
	start := time.Now()
	_, ok, closed := q.Dequeue(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.False(t, closed)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueue_CloseDrainsThenSignals(t *testing.T) {
	q := NewQueue[int](4)
	require.True(t, q.TryEnqueue(1))
	q.Close()
	q.Close()

	assert.False(t, q.TryEnqueue(2), "closed queue rejects enqueues")

	v, ok, closed := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.True(t, ok)
	assert.False(t, closed)
	assert.Equal(t, 1, v)

	_, ok, closed = q.Dequeue(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)
	assert.True(t, closed)
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, closed := q.Dequeue(ctx, time.Second)
	assert.False(t, ok)
	assert.False(t, closed)
}
