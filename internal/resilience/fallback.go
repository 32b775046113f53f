package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all fallback entries failed")

// FallbackConfig configures a [FallbackGroup] and the per-entry circuit
// breaker created for each entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// NoBreaker tries every entry on every call. Use it for short-lived
	// groups whose breakers would never see a second call.
	NoBreaker bool

	// OnFailure is called for every entry that fails before the next one is
	// tried. Default: log at warn level. Skips caused by an open breaker are
	// only logged at debug level.
	OnFailure func(name string, err error)
}

// fallbackEntry pairs a value with its dedicated circuit breaker. breaker is
// nil when the group was built with NoBreaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback values of the same
// type. When the primary fails (or its circuit breaker is open), the next
// healthy fallback is tried in registration order.
//
// FallbackGroup is safe for concurrent use once all fallbacks are added.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.OnFailure == nil {
		cfg.OnFailure = func(name string, err error) {
			slog.Warn("fallback entry failed, trying next", "entry", name, "error", err)
		}
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	e := fallbackEntry[T]{name: name, value: fallback}
	if !fg.cfg.NoBreaker {
		cbCfg := fg.cfg.CircuitBreaker
		cbCfg.Name = name
		e.breaker = NewCircuitBreaker(cbCfg)
	}
	fg.entries = append(fg.entries, e)
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped with
// the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var (
			result R
			err    error
		)
		if entry.breaker == nil {
			result, err = fn(entry.value)
		} else {
			err = entry.breaker.Execute(func() error {
				var innerErr error
				result, innerErr = fn(entry.value)
				return innerErr
			})
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping fallback entry (circuit open)", "entry", entry.name)
		} else {
			fg.cfg.OnFailure(entry.name, err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
