package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
)

var (
	// ErrTimeout is returned when a guarded call exceeds CallTimeout.
	ErrTimeout = errors.New("circuit breaker call timeout")
	// ErrRejected is returned by Call when the circuit short-circuits.
	ErrRejected = errors.New("circuit breaker rejected call")
)

// Settings configures a Breaker. Zero values fall back to defaults.
type Settings struct {
	Name string

	// FailureRatio trips the breaker once failures/requests exceeds it.
	FailureRatio float64
	// MinRequests is the volume floor before the ratio is considered.
	MinRequests uint32
	// Window is the rolling period after which closed-state counts reset.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
	// CallTimeout bounds each guarded call independently of HTTP timeouts.
	CallTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.5
	}
	if s.MinRequests == 0 {
		s.MinRequests = 5
	}
	if s.Window <= 0 {
		s.Window = 10 * time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	return s
}

// Counters are cumulative call outcomes since process start.
type Counters struct {
	Fires     uint64 `json:"fires"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Rejects   uint64 `json:"rejects"`
	Timeouts  uint64 `json:"timeouts"`
	Fallbacks uint64 `json:"fallbacks"`
}

// Snapshot is a read-only view used for status reporting.
type Snapshot struct {
	Name     string     `json:"name"`
	State    string     `json:"state"`
	Counters Counters   `json:"counters"`
	Requests uint32     `json:"window_requests"`
	Failures uint32     `json:"window_failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to one upstream resource. It is owned by the adapter it
// protects; breakers are never shared between sources.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	settings Settings
	log      zerolog.Logger

	fires, successes, failures, rejects, timeouts, fallbacks atomic.Uint64

	mu       sync.RWMutex
	openedAt time.Time
}

// New creates a Breaker in the closed state.
func New(s Settings) *Breaker {
	s = s.withDefaults()
	b := &Breaker{
		settings: s,
		log:      logging.With("breaker").With().Str("breaker", s.Name).Logger(),
	}

	metrics.BreakerState.WithLabelValues(s.Name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // a single probe in half-open
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio > s.FailureRatio
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = time.Now()
	} else if to == gobreaker.StateClosed {
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	b.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit state transition")
	metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
	metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

// State returns closed, half-open or open.
func (b *Breaker) State() string { return b.cb.State().String() }

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	state := b.cb.State()
	counts := b.cb.Counts()

	snap := Snapshot{
		Name:  b.settings.Name,
		State: state.String(),
		Counters: Counters{
			Fires:     b.fires.Load(),
			Successes: b.successes.Load(),
			Failures:  b.failures.Load(),
			Rejects:   b.rejects.Load(),
			Timeouts:  b.timeouts.Load(),
			Fallbacks: b.fallbacks.Load(),
		},
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
	}

	b.mu.RLock()
	if !b.openedAt.IsZero() && state != gobreaker.StateClosed {
		at := b.openedAt
		snap.OpenedAt = &at
	}
	b.mu.RUnlock()
	return snap
}

type outcome[T any] struct {
	val T
	err error
}

// Execute runs fn through the breaker. When the circuit rejects the call the zero
// value of T is returned with a nil error so callers treat it as an empty result.
// A call running past CallTimeout counts as a failure and returns ErrTimeout.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	v, err := Call(ctx, b, fn)
	return Fallback(b, v, err)
}

// Fallback turns an ErrRejected result into the empty fallback value.
func Fallback[T any](b *Breaker, v T, err error) (T, error) {
	if !errors.Is(err, ErrRejected) {
		return v, err
	}
	var zero T
	b.fallbacks.Add(1)
	b.event("fallback")
	b.log.Debug().Err(err).Msg("call short-circuited")
	return zero, nil
}

// Call is Execute without the fallback: a short-circuited call returns
// ErrRejected. Adapters that guard several upstream calls per fetch use it
// to abandon the whole fetch once the circuit opens.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	b.fires.Add(1)
	b.event("fire")

	res, err := b.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()

		done := make(chan outcome[T], 1)
		go func() {
			v, err := fn(callCtx)
			done <- outcome[T]{val: v, err: err}
		}()

		select {
		case out := <-done:
			if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, b.settings.CallTimeout, out.err)
			}
			return out.val, out.err
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrTimeout, b.settings.CallTimeout)
		}
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejects.Add(1)
			b.event("reject")
			return zero, fmt.Errorf("%w: %s: %v", ErrRejected, b.settings.Name, err)
		}

		b.failures.Add(1)
		b.event("failure")
		if errors.Is(err, ErrTimeout) {
			b.timeouts.Add(1)
			b.event("timeout")
		}
		return zero, err
	}

	b.successes.Add(1)
	b.event("success")

	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return v, nil
}

func (b *Breaker) event(name string) {
	metrics.BreakerEvents.WithLabelValues(b.settings.Name, name).Inc()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
