package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/resilience"
)

// ErrDisabled is returned by [Publisher.Publish] when no delivery channel is
// configured.
var ErrDisabled = errors.New("schedule: delivery disabled")

// Channel delivers a schedule payload to the dispenser.
type Channel interface {
	Deliver(ctx context.Context, entries []Entry) error
}

// ChannelFunc adapts a function to [Channel].
type ChannelFunc func(ctx context.Context, entries []Entry) error

// Deliver implements Channel.
func (f ChannelFunc) Deliver(ctx context.Context, entries []Entry) error { return f(ctx, entries) }

// ---- HTTP push ----

// Compile-time interface assertion.
var _ Channel = (*HTTPChannel)(nil)

// HTTPChannel POSTs the payload as a JSON array to the dispenser server's
// upload endpoint.
type HTTPChannel struct {
	url    string
	client *http.Client
}

// HTTPOption is a functional option for [NewHTTPChannel].
type HTTPOption func(*HTTPChannel)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPChannel) { h.client = c }
}

// NewHTTPChannel creates a channel posting to url. A zero timeout selects
// 10 s.
func NewHTTPChannel(url string, timeout time.Duration, opts ...HTTPOption) *HTTPChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &HTTPChannel{url: url, client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Deliver implements Channel. Any non-2xx status is an error.
func (h *HTTPChannel) Deliver(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("schedule: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("schedule: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("schedule: push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("schedule: push: HTTP %d", resp.StatusCode)
	}
	return nil
}

// ---- publisher ----

// NamedChannel pairs a channel with the name used in logs and status.
type NamedChannel struct {
	Name    string
	Channel Channel
}

// Publisher delivers schedules through the first healthy channel. Each
// channel sits behind its own circuit breaker, so an unreachable dispenser
// costs one timeout per reset period rather than one per save.
type Publisher struct {
	group   *resilience.FallbackGroup[Channel]
	metrics *observe.Metrics
}

// NewPublisher creates a Publisher trying channels in order. With no
// channels every Publish returns [ErrDisabled].
func NewPublisher(channels []NamedChannel, breaker resilience.CircuitBreakerConfig, metrics *observe.Metrics) *Publisher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	p := &Publisher{metrics: metrics}
	for i, c := range channels {
		if i == 0 {
			p.group = resilience.NewFallbackGroup(c.Channel, c.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
			continue
		}
		p.group.AddFallback(c.Name, c.Channel)
	}
	return p
}

// Publish delivers entries and returns the name of the channel that
// accepted them.
func (p *Publisher) Publish(ctx context.Context, entries []Entry) (string, error) {
	if p == nil || p.group == nil {
		return "", ErrDisabled
	}
	log := observe.Logger(ctx)

	name, err := p.group.Execute(func(c Channel) error {
		return c.Deliver(ctx, entries)
	})
	if err != nil {
		p.metrics.RecordSchedulePush(ctx, "error")
		log.Warn("schedule delivery failed", "entries", len(entries), "err", err)
		return "", err
	}
	p.metrics.RecordSchedulePush(ctx, "ok")
	log.Info("schedule delivered", "channel", name, "entries", len(entries))
	return name, nil
}

// Status reports each channel's breaker state. Nil when disabled.
func (p *Publisher) Status() []resilience.EntryStatus {
	if p == nil || p.group == nil {
		return nil
	}
	return p.group.Status()
}
