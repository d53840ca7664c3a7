package pillbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/resilience"
	"github.com/MrWong99/pillbox/internal/schedule"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startDevice starts a fake dispenser that forwards every received command.
func startDevice(t *testing.T) (*httptest.Server, <-chan Command) {
	t.Helper()
	got := make(chan Command, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if typ != websocket.MessageText {
			t.Errorf("message type = %v, want text", typ)
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Errorf("decode %q: %v", data, err)
			return
		}
		got <- cmd
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestOpenDoors(t *testing.T) {
	t.Parallel()

	srv, got := startDevice(t)
	c := New(wsURL(srv), WithMetrics(testMetrics(t)))

	if err := c.OpenDoors(context.Background(), []int{3, 1, 3}); err != nil {
		t.Fatalf("OpenDoors: %v", err)
	}
	select {
	case cmd := <-got:
		if cmd.Cmd != "session" || !slices.Equal(cmd.Doors, []int{1, 3}) {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device received nothing")
	}
}

func TestOpenDoors_WireFormat(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Command{Cmd: "session", Doors: []int{1, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"cmd":"session","doors":[1,3]}` {
		t.Errorf("wire = %s", b)
	}
}

func TestOpenDoors_Empty(t *testing.T) {
	t.Parallel()

	c := New("ws://127.0.0.1:1/", WithMetrics(testMetrics(t)))
	if err := c.OpenDoors(context.Background(), nil); !errors.Is(err, ErrNoDoors) {
		t.Errorf("err = %v, want ErrNoDoors", err)
	}
}

func TestOpenDoors_BreakerOpensOnUnreachableDevice(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close the listener so dials are refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := New(url,
		WithTimeout(time.Second),
		WithMetrics(testMetrics(t)),
		WithBreaker(resilience.CircuitBreakerConfig{Name: "doors", MaxFailures: 2, ResetTimeout: time.Hour}),
	)
	for range 2 {
		if err := c.OpenDoors(context.Background(), []int{1}); err == nil {
			t.Fatal("expected dial error")
		}
	}
	if err := c.OpenDoors(context.Background(), []int{1}); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if c.BreakerState() != resilience.StateOpen {
		t.Errorf("state = %v, want open", c.BreakerState())
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	srv, got := startDevice(t)
	c := New(wsURL(srv), WithMetrics(testMetrics(t)))

	entries := []schedule.Entry{{Time: "08:00", Label: "Morning", Compartments: []int{1, 2}, Medicines: []string{"A 5mg", "B"}}}
	if err := c.Deliver(context.Background(), entries); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	select {
	case cmd := <-got:
		if cmd.Cmd != "schedule" || len(cmd.Slots) != 1 || cmd.Slots[0].Time != "08:00" {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device received nothing")
	}
}
