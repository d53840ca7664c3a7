package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all channels failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// channel in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a channel with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is a point-in-time view of one [FallbackGroup] entry.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// channel type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines;
// after that FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback channel. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Status reports every entry's breaker state in registration order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i := range fg.entries {
		out[i] = EntryStatus{Name: fg.entries[i].name, State: fg.entries[i].breaker.State().String()}
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds and returns
// the name of the entry that succeeded. Circuit-breaker-open entries are
// skipped. Returns [ErrAllFailed] wrapped with the per-entry errors if every
// entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) (string, error) {
	var errs []error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return entry.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping channel (circuit open)", "channel", entry.name)
		} else {
			slog.Warn("channel failed, trying next", "channel", entry.name, "err", err)
		}
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
