package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
)

// ErrCircuitOpen is returned while a source is being skipped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // source skipped until OpenTimeout elapses
	StateHalfOpen              // a bounded number of probe calls decide
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive health failures before opening (default 5)
	SuccessThreshold int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)
	// HalfOpenProbes bounds concurrent calls while half-open. Defaults to
	// SuccessThreshold.
	HalfOpenProbes int
	OnStateChange  func(name string, from, to State)
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = c.SuccessThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards one upstream source. While open, the fallback chain skips
// the source without reordering the remaining ones.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func New(name string, cfg Config) *Breaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{name: name, cfg: cfg.withDefaults(), state: StateClosed}
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Record (or RecordSuccess/RecordFailure). The returned error
// has kind circuit_open and wraps ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return b.openError()
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return b.openError()
		}
		b.probes++
	}
	return nil
}

// Record classifies the outcome of an allowed call. Only transport
// failures, timeouts and 5xx count against the source; a 4xx, a malformed
// body or an unknown identifier still prove the source is answering. A
// call abandoned by its caller says nothing either way.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		b.mu.Lock()
		b.releaseProbe()
		b.mu.Unlock()
	case upstream.IsKind(err, upstream.KindNetwork),
		upstream.IsKind(err, upstream.KindTimeout),
		upstream.IsKind(err, upstream.KindServer),
		errors.Is(err, context.DeadlineExceeded):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseProbe()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseProbe()
	b.failures++
	b.successes = 0
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
		b.openedAt = b.cfg.Now()
		b.setState(StateOpen)
	}
}

func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) openError() error {
	return &upstream.Error{Kind: upstream.KindCircuitOpen, Source: b.name, Err: ErrCircuitOpen}
}

func (b *Breaker) releaseProbe() {
	if b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	b.probes = 0
	if to == StateClosed {
		b.failures = 0
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry hands out one breaker per source name, all sharing a Config.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use. A nil
// registry yields a nil breaker, which callers treat as always closed.
func (r *Registry) Get(name string) *Breaker {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States returns the current state of every breaker, keyed by name.
func (r *Registry) States() map[string]string {
	if r == nil {
		return map[string]string{}
	}
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })

	out := make(map[string]string, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.GetState().String()
	}
	return out
}
