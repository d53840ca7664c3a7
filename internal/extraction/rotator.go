package extraction

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultNamespace keys the rotation cursor in the [CursorStore].
const DefaultNamespace = "extraction.credentials"

// CursorStore persists the credential rotation cursor across restarts.
//
// Implementations must make AdvanceCursor a single atomic read-modify-write
// so that two concurrent scans never start at the same credential.
type CursorStore interface {
	// AdvanceCursor moves the cursor for namespace to (last+1) mod n and
	// returns the new value. A namespace without a stored cursor behaves as
	// if last were -1, so the first call returns 0. n is always positive.
	AdvanceCursor(ctx context.Context, namespace string, n int) (int, error)

	// Cursor returns the stored cursor for namespace, or -1 if none exists.
	Cursor(ctx context.Context, namespace string) (int, error)
}

// Rotator hands out credentials in round-robin order. Every call to
// [Rotator.NextTryOrder] starts one position after the previous run's start.
//
// Rotator is safe for concurrent use; all mutable state lives in the
// [CursorStore].
type Rotator struct {
	credentials []string
	store       CursorStore
	namespace   string
}

// RotatorOption is a functional option for [NewRotator].
type RotatorOption func(*Rotator)

// WithNamespace overrides [DefaultNamespace].
func WithNamespace(ns string) RotatorOption {
	return func(r *Rotator) { r.namespace = ns }
}

// NewRotator creates a Rotator over credentials. Blank entries are dropped
// and surrounding whitespace is trimmed.
func NewRotator(credentials []string, store CursorStore, opts ...RotatorOption) *Rotator {
	r := &Rotator{store: store, namespace: DefaultNamespace}
	for _, c := range credentials {
		if c = strings.TrimSpace(c); c != "" {
			r.credentials = append(r.credentials, c)
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AllCredentials returns a copy of the non-blank credentials in configured
// order.
func (r *Rotator) AllCredentials() []string {
	out := make([]string, len(r.credentials))
	copy(out, r.credentials)
	return out
}

// NextTryOrder advances the stored cursor and returns every credential,
// rotated so that the new cursor position comes first. The cursor is
// persisted before the caller tries any credential, so a crash mid-run never
// makes the next run repeat the same first credential.
//
// With no credentials configured it returns nil; callers treat that as the
// terminal "no extraction possible" state. If the store fails the order
// starts at index 0 and the failure is logged.
func (r *Rotator) NextTryOrder(ctx context.Context) []string {
	n := len(r.credentials)
	if n == 0 {
		return nil
	}

	start, err := r.store.AdvanceCursor(ctx, r.namespace, n)
	if err != nil {
		slog.Warn("extraction: advance rotation cursor failed, starting at first credential",
			"namespace", r.namespace, "err", err)
		start = 0
	}
	start = ((start % n) + n) % n

	order := make([]string, 0, n)
	order = append(order, r.credentials[start:]...)
	order = append(order, r.credentials[:start]...)
	return order
}

// DebugInfo is a credential-free view of the rotation state.
type DebugInfo struct {
	Namespace string   `json:"namespace"`
	Count     int      `json:"count"`
	Masked    []string `json:"masked"`
	Cursor    int      `json:"cursor"`
	NextStart int      `json:"next_start"`
}

// Debug reports the rotation state with every credential masked.
func (r *Rotator) Debug(ctx context.Context) (DebugInfo, error) {
	info := DebugInfo{
		Namespace: r.namespace,
		Count:     len(r.credentials),
		Masked:    make([]string, len(r.credentials)),
		Cursor:    -1,
	}
	for i, c := range r.credentials {
		info.Masked[i] = MaskKey(c)
	}
	cur, err := r.store.Cursor(ctx, r.namespace)
	if err != nil {
		return info, err
	}
	info.Cursor = cur
	if info.Count > 0 {
		info.NextStart = (cur + 1) % info.Count
	}
	return info, nil
}

// MaskKey renders a credential as its first 12 and last 4 characters.
// Keys too short to mask meaningfully are fully starred.
func MaskKey(key string) string {
	if len(key) <= 20 {
		return strings.Repeat("*", len(key))
	}
	return key[:12] + "..." + key[len(key)-4:]
}
