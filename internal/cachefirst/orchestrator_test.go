package cachefirst

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type report struct {
	Total string `json:"total"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(store cache.Store, clock *fakeClock) *Orchestrator {
	return New(store, testLogger(), WithNowFunc(clock.Now))
}

func TestGetOrFetch_MissThenHit(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (report, error) {
		calls.Add(1)
		return report{Total: "175.0000000000"}, nil
	}

	v, meta, err := GetOrFetch(ctx, o, "supply", "btc", fetch, Options{TTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "175.0000000000", v.Total)
	assert.Equal(t, model.CacheMiss, meta.Status)
	assert.Equal(t, "supply:btc", meta.Key)
	assert.Equal(t, clock.Now(), meta.StoredAt)

	clock.Advance(5 * time.Minute)
	v, meta, err = GetOrFetch(ctx, o, "supply", "btc", fetch, Options{TTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "175.0000000000", v.Total)
	assert.Equal(t, model.CacheHit, meta.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrFetch_ExpiredEntryRefetches(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	_, _, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Minute})
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Second)
	v, meta, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, model.CacheMiss, meta.Status)
}

func TestGetOrFetch_ConcurrentCallersShareOneFetch(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (report, error) {
		calls.Add(1)
		<-release
		return report{Total: "42"}, nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]report, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = GetOrFetch(ctx, o, "supply", "btc", fetch, Options{TTL: time.Minute})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "42", results[i].Total)
	}
}

func TestGetOrFetch_ServesStaleOnFetchFailure(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	storedAt := clock.Now()
	_, _, err := GetOrFetch(ctx, o, "supply", "btc", func(context.Context) (report, error) {
		return report{Total: "100"}, nil
	}, Options{TTL: 10 * time.Minute})
	require.NoError(t, err)

	// 10 minutes past expiry.
	clock.Advance(20 * time.Minute)
	failing := func(context.Context) (report, error) {
		return report{}, upstream.New(upstream.KindAllSourcesExhausted, "", "every source failed")
	}

	v, meta, err := GetOrFetch(ctx, o, "supply", "btc", failing, Options{TTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "100", v.Total)
	assert.Equal(t, model.CacheStale, meta.Status)
	assert.Equal(t, storedAt, meta.StoredAt)
	assert.Equal(t, model.CacheStale, meta.Info().Status)
}

func TestGetOrFetch_FailureWithoutStalePropagates(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)

	fetchErr := upstream.New(upstream.KindServer, "echelon", "boom")
	_, _, err := GetOrFetch(context.Background(), o, "supply", "btc", func(context.Context) (report, error) {
		return report{}, fetchErr
	}, Options{TTL: time.Minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, fetchErr)
}

func TestGetOrFetch_ForceRefreshBypassesLiveEntry(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	_, _, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour})
	require.NoError(t, err)

	v, meta, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour, ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, model.CacheMiss, meta.Status)

	// The refreshed value replaced the stored one.
	v, meta, err = GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, model.CacheHit, meta.Status)
}

func TestGetOrFetch_FailedForceRefreshOverLiveEntryIsHit(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(cache.NewMemoryStore(100, 4), clock)
	ctx := context.Background()

	_, _, err := GetOrFetch(ctx, o, "supply", "btc", func(context.Context) (report, error) {
		return report{Total: "175"}, nil
	}, Options{TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	failing := func(context.Context) (report, error) {
		return report{}, upstream.New(upstream.KindServer, "echelon", "bad gateway")
	}

	v, meta, err := GetOrFetch(ctx, o, "supply", "btc", failing, Options{TTL: time.Hour, ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, "175", v.Total)
	assert.Equal(t, model.CacheHit, meta.Status, "an unexpired entry is not stale")

	clock.Advance(time.Hour)
	_, meta, err = GetOrFetch(ctx, o, "supply", "btc", failing, Options{TTL: time.Hour, ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, model.CacheStale, meta.Status)
}

func TestGetOrFetch_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewMemoryStore(100, 4)
	o := newTestOrchestrator(store, clock)

	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	fetch := func(ctx context.Context) (int, error) {
		<-release
		if ctx.Err() != nil {
			fetchCtxErr.Store(ctx.Err())
		}
		return 7, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		_, ok, _ := store.Get(context.Background(), "ns:k")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, fetchCtxErr.Load())

	v, meta, err := GetOrFetch(context.Background(), o, "ns", "k", func(context.Context) (int, error) {
		return 0, errors.New("must not be called")
	}, Options{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, model.CacheHit, meta.Status)
}

// ---------------------------------------------------------------------------
// Backend failures
// ---------------------------------------------------------------------------

type brokenStore struct {
	gets atomic.Int32
	sets atomic.Int32
}

func (s *brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	s.gets.Add(1)
	return nil, false, errors.New("connection reset")
}

func (s *brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	s.sets.Add(1)
	return errors.New("connection reset")
}

func (s *brokenStore) Delete(context.Context, string) error {
	return errors.New("connection reset")
}

func TestGetOrFetch_BackendErrorsTreatedAsMiss(t *testing.T) {
	store := &brokenStore{}
	o := newTestOrchestrator(store, newFakeClock())

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	for want := 1; want <= 2; want++ {
		v, meta, err := GetOrFetch(context.Background(), o, "ns", "k", fetch, Options{TTL: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, want, v)
		assert.Equal(t, model.CacheMiss, meta.Status)
	}
	assert.Equal(t, int32(2), store.sets.Load())
	assert.Positive(t, store.gets.Load())
}

func TestGetOrFetch_UndecodableEntryTreatedAsMiss(t *testing.T) {
	store := cache.NewMemoryStore(10, 1)
	o := newTestOrchestrator(store, newFakeClock())
	require.NoError(t, store.Set(context.Background(), "ns:k", []byte("not json"), time.Hour))

	v, meta, err := GetOrFetch(context.Background(), o, "ns", "k", func(context.Context) (string, error) {
		return "fresh", nil
	}, Options{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, model.CacheMiss, meta.Status)
}

func TestInvalidate(t *testing.T) {
	store := cache.NewMemoryStore(10, 1)
	o := newTestOrchestrator(store, newFakeClock())
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
	_, _, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, o.Invalidate(ctx, "ns", "k"))
	v, meta, err := GetOrFetch(ctx, o, "ns", "k", fetch, Options{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, model.CacheMiss, meta.Status)
}

func TestInvalidate_BackendError(t *testing.T) {
	o := newTestOrchestrator(&brokenStore{}, newFakeClock())
	err := o.Invalidate(context.Background(), "ns", "k")
	require.Error(t, err)
	assert.True(t, upstream.IsKind(err, upstream.KindCacheBackend))
}
