package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[crawler.CrawlRequest]()
	result := make(chan crawler.CrawlRequest, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	require.NoError(t, q.Enqueue(context.Background(), crawler.NewRequest("https://x.test", 0)))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "https://x.test", got.URL)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueIsFIFOAndUnbounded(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	for i := 0; i < 10000; i++ {
		require.NoError(t, q.Enqueue(context.Background(), i))
	}
	require.Equal(t, 10000, q.Len())
	for i := 0; i < 10000; i++ {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
}

func TestQueueManyConsumers(t *testing.T) {
	t.Parallel()

	const consumers = 8
	const items = 400
	q := NewQueue[int]()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[item]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < items; i++ {
		require.NoError(t, q.Enqueue(context.Background(), i))
	}
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	q.Close()
	wg.Wait()

	require.Len(t, seen, items)
	for item, count := range seen {
		require.Equalf(t, 1, count, "item %d delivered %d times", item, count)
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	err = q.Enqueue(ctx, 1)
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	require.NoError(t, q.Enqueue(context.Background(), "a"))
	require.NoError(t, q.Enqueue(context.Background(), "b"))

	require.Equal(t, []string{"a", "b"}, q.Drain())
	require.Zero(t, q.Len())
	require.Empty(t, q.Drain())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	require.NoError(t, q.Enqueue(context.Background(), 7))
	q.Close()

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err, "buffered items survive close")
	require.Equal(t, 7, got)

	_, err = q.Dequeue(context.Background())
	require.True(t, errors.Is(err, ErrClosed))
	require.ErrorIs(t, q.Enqueue(context.Background(), 8), ErrClosed)

	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseReleasesBlockedConsumer(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer still blocked after close")
	}
}
