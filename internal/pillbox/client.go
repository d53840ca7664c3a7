// Package pillbox talks to the dispensing box over its WebSocket control
// port.
//
// The device understands two text commands:
//
//	{"cmd":"session","doors":[1,3]}          open compartments now
//	{"cmd":"schedule","slots":[{...}, ...]}  replace the on-device schedule
//
// Each command uses its own short-lived connection, matching the device
// firmware, which serves one client at a time and does not acknowledge.
package pillbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/resilience"
	"github.com/MrWong99/pillbox/internal/schedule"
)

// Compile-time interface assertion.
var _ schedule.Channel = (*Client)(nil)

// ErrNoDoors is returned by [Client.OpenDoors] for an empty door list.
var ErrNoDoors = errors.New("pillbox: no doors to open")

// Command is the wire form of a device command.
type Command struct {
	Cmd   string           `json:"cmd"`
	Doors []int            `json:"doors,omitempty"`
	Slots []schedule.Entry `json:"slots,omitempty"`
}

// Client sends commands to one dispenser.
type Client struct {
	url     string
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Client)

// WithTimeout bounds dial plus write. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker overrides the door-session circuit breaker settings.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breaker = resilience.NewCircuitBreaker(cfg) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for the device at url (ws:// or wss://).
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, timeout: 5 * time.Second}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "pillbox-doors",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
			HalfOpenMax:  1,
		})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// URL returns the device address.
func (c *Client) URL() string { return c.url }

// BreakerState reports the door-session breaker state.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

// OpenDoors asks the device to open the given compartments. Duplicates are
// removed and the list is sorted.
func (c *Client) OpenDoors(ctx context.Context, doors []int) error {
	doors = slices.Clone(doors)
	slices.Sort(doors)
	doors = slices.Compact(doors)
	if len(doors) == 0 {
		return ErrNoDoors
	}

	err := c.breaker.Execute(func() error {
		return c.send(ctx, Command{Cmd: "session", Doors: doors})
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordDispenserCommand(ctx, status)
	if err != nil {
		return err
	}
	observe.Logger(ctx).Info("pillbox: door session sent", "doors", doors)
	return nil
}

// Deliver implements schedule.Channel by pushing the schedule directly to
// the device.
func (c *Client) Deliver(ctx context.Context, entries []schedule.Entry) error {
	if entries == nil {
		entries = []schedule.Entry{}
	}
	return c.send(ctx, Command{Cmd: "schedule", Slots: entries})
}

// send dials, writes one text frame and closes.
func (c *Client) send(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("pillbox: encode %s: %w", cmd.Cmd, err)
	}

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("pillbox: dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("pillbox: write %s: %w", cmd.Cmd, err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}
