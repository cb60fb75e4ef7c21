package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingBackend(calls *int64, delay time.Duration) Backend {
	return Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		atomic.AddInt64(calls, 1)
		time.Sleep(delay)
		return "echo:" + prompt, nil
	})
}

func TestCache_HitsAvoidBackend(t *testing.T) {
	var calls int64
	cache := NewCache(countingBackend(&calls, 0), 8, 0)
	ctx := context.Background()

	a, err := cache.Generate(ctx, "p", nil)
	require.NoError(t, err)
	b, err := cache.Generate(ctx, "p", nil)
	require.NoError(t, err)

	assert.Equal(t, "echo:p", a)
	assert.Equal(t, a, b)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestCache_StopSequencesArePartOfKey(t *testing.T) {
	var calls int64
	cache := NewCache(countingBackend(&calls, 0), 8, 0)
	ctx := context.Background()

	_, _ = cache.Generate(ctx, "p", nil)
	_, _ = cache.Generate(ctx, "p", []string{"```"})

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	var calls int64
	cache := NewCache(countingBackend(&calls, 0), 2, 0)
	ctx := context.Background()

	_, _ = cache.Generate(ctx, "a", nil)
	_, _ = cache.Generate(ctx, "b", nil)
	_, _ = cache.Generate(ctx, "a", nil) // a is now most recent
	_, _ = cache.Generate(ctx, "c", nil) // evicts b
	_, _ = cache.Generate(ctx, "a", nil)
	_, _ = cache.Generate(ctx, "b", nil)

	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
}

func TestCache_DeduplicatesConcurrentCalls(t *testing.T) {
	var calls int64
	cache := NewCache(countingBackend(&calls, 20*time.Millisecond), 8, 0)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := cache.Generate(context.Background(), "same", nil)
			assert.NoError(t, err)
			assert.Equal(t, "echo:same", text)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestCache_DoesNotCacheErrors(t *testing.T) {
	var calls int64
	backend := Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return "", &Error{Op: "test", Kind: ErrBackendUnavailable, Err: errors.New("down")}
		}
		return "up", nil
	})
	cache := NewCache(backend, 8, 0)

	_, err := cache.Generate(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	text, err := cache.Generate(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "up", text)
}

func TestCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	backend := Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		atomic.AddInt64(&calls, 1)
		select {
		case <-release:
			return "shared", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	cache := NewCache(backend, 8, 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := cache.Generate(ctxA, "same", nil)
		errA <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		text string
		err  error
	}
	resB := make(chan outcome, 1)
	go func() {
		text, err := cache.Generate(context.Background(), "same", nil)
		resB <- outcome{text, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		assert.Equal(t, "shared", got.text)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestCache_SharedCallTimeout(t *testing.T) {
	backend := Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cache := NewCache(backend, 8, 10*time.Millisecond)

	_, err := cache.Generate(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_CancelledBeforeCall(t *testing.T) {
	var calls int64
	cache := NewCache(countingBackend(&calls, 0), 8, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cache.Generate(ctx, "p", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt64(&calls))
}
