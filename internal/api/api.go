// Package api serves the pillbox HTTP API under /v1.
//
// Handlers are thin: request decoding and status mapping live here, the
// behaviour lives in [scan.Pipeline] and the store. Errors are returned as
// {"error": "..."} with a status derived from the sentinel they wrap.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/scan"
	"github.com/MrWong99/pillbox/internal/store"
)

// maxBodyBytes bounds request bodies. OCR text of a prescription page is a
// few kilobytes.
const maxBodyBytes = 1 << 20

// Store is the read and dose-update surface used directly by handlers.
type Store interface {
	store.Medicines
	store.Alarms
	store.DoseLogs
}

// Handler serves the /v1 routes.
type Handler struct {
	pipeline *scan.Pipeline
	store    Store
	now      func() time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithClock overrides the time source used to stamp dose updates.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(p *scan.Pipeline, s Store, opts ...Option) *Handler {
	h := &Handler{pipeline: p, store: s, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the router for every /v1 endpoint:
//
//	POST   /v1/scans
//	GET    /v1/medicines
//	GET    /v1/medicines/{id}
//	DELETE /v1/medicines/{id}
//	POST   /v1/medicines/{id}/schedule
//	GET    /v1/alarms
//	POST   /v1/alarms
//	PATCH  /v1/alarms/{id}
//	DELETE /v1/alarms/{id}
//	GET    /v1/doses
//	PATCH  /v1/doses/{id}
//	GET    /v1/debug/credentials
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scans", h.createScan)

		r.Route("/medicines", func(r chi.Router) {
			r.Get("/", h.listMedicines)
			r.Get("/{id}", h.getMedicine)
			r.Delete("/{id}", h.deleteMedicine)
			r.Post("/{id}/schedule", h.regenerateSchedule)
		})

		r.Route("/alarms", func(r chi.Router) {
			r.Get("/", h.listAlarms)
			r.Post("/", h.createAlarm)
			r.Patch("/{id}", h.updateAlarm)
			r.Delete("/{id}", h.deleteAlarm)
		})

		r.Route("/doses", func(r chi.Router) {
			r.Get("/", h.listDoses)
			r.Patch("/{id}", h.updateDose)
		})

		r.Get("/debug/credentials", h.credentials)
	})
	return r
}

// ---- helpers ----

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes it as JSON. Server-side
// failures are logged; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, scan.ErrEmptyText),
		errors.Is(err, scan.ErrNothingToSave),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, scan.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest marks malformed input detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// decode reads a JSON body into v, rejecting unknown fields and trailing
// data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("unexpected data after JSON body")
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id %q", raw)
	}
	return id, nil
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest("invalid %s %q", key, raw)
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badRequest("invalid %s %q", key, raw)
	}
	return v, nil
}
