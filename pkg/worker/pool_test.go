package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var mu sync.Mutex
	var got []int

	pool := NewPool(4, 16, func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("key-%d", i), i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Len(t, got, 100)
	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
}

func TestSameKeyPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	perKey := make(map[string][]int)

	pool := NewPool(8, 64, func(_ context.Context, item [2]any) error {
		key := item[0].(string)
		seq := item[1].(int)
		mu.Lock()
		perKey[key] = append(perKey[key], seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	const perKeyCount = 200
	keys := []string{"session-a", "session-b", "session-c", "session-d"}
	var wg sync.WaitGroup
	for _, key := range keys {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perKeyCount; i++ {
				_ = pool.Submit(context.Background(), key, [2]any{key, i})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	for _, key := range keys {
		seqs := perKey[key]
		require.Len(t, seqs, perKeyCount, "key %s", key)
		for i, got := range seqs {
			require.Equal(t, i, got, "key %s reordered at %d", key, i)
		}
	}
}

func TestSubmitBlocksOnBackPressure(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue
	require.NoError(t, pool.Submit(context.Background(), "k", 1))
	require.NoError(t, pool.Submit(context.Background(), "k", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "k", 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestTrySubmitReportsFullQueue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.TrySubmit("k", 1))
	<-started // the worker holds item 1; the queue is empty again
	require.NoError(t, pool.TrySubmit("k", 2))
	assert.ErrorIs(t, pool.TrySubmit("k", 3), ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopDrainsQueuedWork(t *testing.T) {
	var processed sync.WaitGroup
	var count int64
	var mu sync.Mutex

	pool := NewPool(2, 32, func(_ context.Context, _ int) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		processed.Done()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	const items = 20
	processed.Add(items)
	for i := 0; i < items; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("k%d", i), i))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	processed.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(items), count)
}

func TestStopTimeoutWhenWorkerStuck(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 4, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(context.Background(), "k", 1))

	err := pool.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	close(block)
}

func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })

	assert.ErrorIs(t, pool.Submit(context.Background(), "k", 1), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	assert.ErrorIs(t, pool.Submit(context.Background(), "k", 1), ErrPoolStopped)
}

func TestContextCancellationStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 8, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(ctx))

	cancel()
	// Workers exit on cancellation; Stop should return promptly
	assert.NoError(t, pool.Stop(time.Second))
}

func TestFailedStat(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return fmt.Errorf("even values fail")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), "k", i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}
