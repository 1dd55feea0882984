package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestNew_Defaults(t *testing.T) {
	b := New("echelon", Config{})
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, "echelon", b.Name())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 2, b.cfg.SuccessThreshold)
	assert.Equal(t, 2, b.cfg.HalfOpenProbes)
	assert.Equal(t, 30*time.Second, b.cfg.OpenTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("indexer", Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "should still be closed below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())

	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, upstream.IsKind(err, upstream.KindCircuitOpen))
	assert.Contains(t, err.Error(), "indexer")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("x", Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	clock := newFakeClock()
	var transitions []struct{ from, to State }
	b := New("fullnode", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "fullnode", name)
			transitions = append(transitions, struct{ from, to State }{from, to})
		},
	})

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "still open before timeout")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState(), "not yet at success threshold")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())

	require.Len(t, transitions, 3)
	assert.Equal(t, StateOpen, transitions[0].to)
	assert.Equal(t, StateHalfOpen, transitions[1].to)
	assert.Equal(t, StateClosed, transitions[2].to)
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := New("x", Config{FailureThreshold: 1, OpenTimeout: time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState(), "should reopen on failure in half-open")

	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "open timeout restarts on reopen")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Hour})

	a := r.Get("market")
	assert.Same(t, a, r.Get("market"))

	r.Get("indexer")
	a.RecordFailure()

	assert.Equal(t, map[string]string{
		"indexer": "closed",
		"market":  "open",
	}, r.States())
}

func TestBreaker_ConcurrentRecordSuccessFailure(t *testing.T) {
	b := New("x", Config{
		FailureThreshold: 10,
		SuccessThreshold: 5,
		OpenTimeout:      time.Millisecond,
	})

	const goroutines = 20
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.GetState()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.GetState())
}

func TestBreaker_RecordCountsOnlyHealthFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState State
	}{
		{"network", upstream.New(upstream.KindNetwork, "fullnode", "connection refused"), StateOpen},
		{"timeout", upstream.New(upstream.KindTimeout, "fullnode", "deadline"), StateOpen},
		{"server", &upstream.Error{Kind: upstream.KindServer, Source: "fullnode", StatusCode: 502}, StateOpen},
		{"bare deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), StateOpen},
		{"client error", &upstream.Error{Kind: upstream.KindClient, Source: "fullnode", StatusCode: 404}, StateClosed},
		{"malformed", upstream.New(upstream.KindMalformedResponse, "fullnode", "bad json"), StateClosed},
		{"no data", upstream.New(upstream.KindNoData, "fullnode", "unknown asset"), StateClosed},
		{"canceled", context.Canceled, StateClosed},
		{"success", nil, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("fullnode", Config{FailureThreshold: 1, OpenTimeout: time.Hour})
			require.NoError(t, b.Allow())
			b.Record(tt.err)
			assert.Equal(t, tt.wantState, b.GetState())
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := newFakeClock()
	b := New("indexer", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		HalfOpenProbes:   1,
		OpenTimeout:      time.Second,
		Now:              clock.Now,
	})

	b.RecordFailure()
	clock.Advance(time.Second)

	require.NoError(t, b.Allow(), "first probe allowed")
	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "second concurrent probe rejected")
	assert.Equal(t, StateHalfOpen, b.GetState())

	// A canceled probe frees its slot without deciding anything.
	b.Record(context.Canceled)
	assert.Equal(t, StateHalfOpen, b.GetState())
	require.NoError(t, b.Allow())

	b.Record(nil)
	assert.Equal(t, StateClosed, b.GetState())
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow(), "closed breaker does not limit calls")
}

func TestBreaker_RecordWrappedKinds(t *testing.T) {
	b := New("market", Config{FailureThreshold: 2, OpenTimeout: time.Hour})

	wrapped := fmt.Errorf("market.fetch: %w", errors.Join(
		errors.New("attempt 3"),
		upstream.New(upstream.KindServer, "market", "503"),
	))
	b.Record(wrapped)
	b.Record(wrapped)
	assert.Equal(t, StateOpen, b.GetState())
}
