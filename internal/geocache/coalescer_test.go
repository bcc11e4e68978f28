package geocache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/geocache"
)

func TestCoalescerCollapsesBurst(t *testing.T) {
	c := geocache.NewCoalescer[int]()
	var calls int32

	const n = 10
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Schedule(context.Background(), "route:a:b", 100*time.Millisecond, func(context.Context) (int, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, 42, results[i])
	}
	require.Zero(t, c.Pending())
}

func TestCoalescerLastProducerWins(t *testing.T) {
	c := geocache.NewCoalescer[string]()
	var wg sync.WaitGroup
	got := make([]string, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		got[0], _ = c.Schedule(context.Background(), "k", 80*time.Millisecond, func(context.Context) (string, error) {
			return "first", nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	got[1], _ = c.Schedule(context.Background(), "k", 80*time.Millisecond, func(context.Context) (string, error) {
		return "second", nil
	})
	wg.Wait()

	require.Equal(t, []string{"second", "second"}, got)
}

func TestCoalescerPropagatesErrorToAllWaiters(t *testing.T) {
	c := geocache.NewCoalescer[int]()
	boom := errors.New("provider down")
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Schedule(context.Background(), "k", 50*time.Millisecond, func(context.Context) (int, error) {
				return 0, boom
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.ErrorIs(t, err, boom)
	}
}

func TestCoalescerAbortsSupersededInFlightCall(t *testing.T) {
	c := geocache.NewCoalescer[string]()
	started := make(chan struct{})
	aborted := make(chan struct{})

	var first string
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = c.Schedule(context.Background(), "k", time.Millisecond, func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			close(aborted)
			return "", ctx.Err()
		})
	}()

	<-started
	second, err := c.Schedule(context.Background(), "k", time.Millisecond, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", second)

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("superseded producer was not cancelled")
	}
	<-done
	require.NoError(t, firstErr)
	require.Equal(t, "fresh", first)
}

func TestCoalescerCancelSkipsProducer(t *testing.T) {
	c := geocache.NewCoalescer[int]()
	var calls int32
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Schedule(context.Background(), "k", 200*time.Millisecond, func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 1, nil
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	c.Cancel("k")

	require.ErrorIs(t, <-errCh, geocache.ErrCancelled)
	time.Sleep(250 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestCoalescerCancelAllClosesForTeardown(t *testing.T) {
	c := geocache.NewCoalescer[int]()
	errCh := make(chan error, 2)
	for _, key := range []string{"a", "b"} {
		key := key
		go func() {
			_, err := c.Schedule(context.Background(), key, time.Second, func(context.Context) (int, error) {
				return 1, nil
			})
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, 5*time.Millisecond)

	c.CancelAll(true)
	require.ErrorIs(t, <-errCh, geocache.ErrCancelled)
	require.ErrorIs(t, <-errCh, geocache.ErrCancelled)

	_, err := c.Schedule(context.Background(), "a", time.Millisecond, func(context.Context) (int, error) { return 1, nil })
	require.ErrorIs(t, err, geocache.ErrClosed)
}

func TestCoalescerWaiterContextCancellation(t *testing.T) {
	c := geocache.NewCoalescer[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Schedule(ctx, "k", time.Second, func(context.Context) (int, error) { return 1, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	c.CancelAll(false)
}
