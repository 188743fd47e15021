package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/duckdash/pkg/errors"
)

func echoWorker(ctx context.Context, item int) (int, error) {
	return item * 2, nil
}

func TestQueue_Add(t *testing.T) {
	q := New[int, int]("test", echoWorker, zerolog.Nop(), nil)

	v, err := q.Add(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	q.WaitIdle()
	assert.False(t, q.Processing())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_AtMostOneInFlight(t *testing.T) {
	var inFlight, maxInFlight int32
	worker := func(ctx context.Context, item int) (int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return item, nil
	}
	q := New[int, int]("serial", worker, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Add(context.Background(), i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestQueue_FailureDoesNotAffectLaterItems(t *testing.T) {
	worker := func(ctx context.Context, item int) (int, error) {
		if item == 2 {
			return 0, fmt.Errorf("item %d failed", item)
		}
		return item, nil
	}
	q := New[int, int]("failures", worker, zerolog.Nop(), nil)

	results := []<-chan Result[int]{
		q.Enqueue(context.Background(), 1),
		q.Enqueue(context.Background(), 2),
		q.Enqueue(context.Background(), 3),
	}

	r1, r2, r3 := <-results[0], <-results[1], <-results[2]
	assert.NoError(t, r1.Err)
	assert.EqualError(t, r2.Err, "item 2 failed")
	assert.NoError(t, r3.Err)
	assert.Equal(t, 3, r3.Value)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	worker := func(ctx context.Context, item int) (int, error) {
		if item == 0 {
			panic("boom")
		}
		return item, nil
	}
	q := New[int, int]("panics", worker, zerolog.Nop(), nil)

	_, err := q.Add(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.GetCode(err))

	v, err := q.Add(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueue_CancelAll(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var ran []int
	var mu sync.Mutex
	worker := func(ctx context.Context, item int) (int, error) {
		if item == 0 {
			close(started)
			<-release
		}
		mu.Lock()
		ran = append(ran, item)
		mu.Unlock()
		return item, nil
	}
	q := New[int, int]("cancel", worker, zerolog.Nop(), nil)

	first := q.Enqueue(context.Background(), 0)
	<-started
	second := q.Enqueue(context.Background(), 1)
	third := q.Enqueue(context.Background(), 2)

	reason := errors.ErrConnectionUnavailable
	assert.Equal(t, 2, q.CancelAll(reason))
	assert.Equal(t, 0, q.Len())

	for _, ch := range []<-chan Result[int]{second, third} {
		res := <-ch
		require.Error(t, res.Err)
		assert.True(t, errors.IsCanceled(res.Err))
		assert.True(t, errors.IsConnectionUnavailable(res.Err))
	}

	close(release)
	res := <-first
	require.NoError(t, res.Err, "in-flight item is not interrupted")

	q.WaitIdle()
	assert.False(t, q.Processing())
	assert.Equal(t, []int{0}, ran)
}

func TestQueue_SkipsItemsWithDoneContext(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	worker := func(ctx context.Context, item int) (int, error) {
		atomic.AddInt32(&calls, 1)
		if item == 0 {
			<-release
		}
		return item, nil
	}
	q := New[int, int]("skip", worker, zerolog.Nop(), nil)

	blocker := q.Enqueue(context.Background(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	skipped := q.Enqueue(ctx, 1)
	cancel()
	close(release)

	require.NoError(t, (<-blocker).Err)
	res := <-skipped
	assert.ErrorIs(t, res.Err, context.Canceled)

	q.WaitIdle()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueue_InFlightIgnoresCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	worker := func(ctx context.Context, item int) (int, error) {
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return item, nil
	}
	q := New[int, int]("inflight", worker, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := q.Enqueue(ctx, 1)
	<-started
	cancel()
	close(release)

	res := <-done
	require.NoError(t, res.Err)
	assert.False(t, sawCancel.Load())
}

func TestProperty_QueueFIFO(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("items are processed in submission order", prop.ForAll(
		func(items []int) bool {
			var mu sync.Mutex
			var order []int
			worker := func(ctx context.Context, item int) (int, error) {
				mu.Lock()
				order = append(order, item)
				mu.Unlock()
				return item, nil
			}
			q := New[int, int]("fifo", worker, zerolog.Nop(), nil)

			chans := make([]<-chan Result[int], len(items))
			for i, item := range items {
				chans[i] = q.Enqueue(context.Background(), item)
			}
			for i, ch := range chans {
				if res := <-ch; res.Err != nil || res.Value != items[i] {
					return false
				}
			}
			if len(order) != len(items) {
				return false
			}
			for i := range items {
				if order[i] != items[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}
