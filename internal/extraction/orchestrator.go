// Package extraction turns raw prescription text into medicines by asking a
// generative model, trying every configured credential and model variant in
// turn until one answer parses.
//
// The control flow is a small state machine: each model call is classified
// into an outcome, and a fixed transition table decides whether to stop, try
// the next model, or abandon the current credential. Provider and transport
// failures never escape [Orchestrator.Extract]; they become trace entries.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pillbox/internal/medparse"
	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/pkg/provider/extract"
	"github.com/MrWong99/pillbox/pkg/types"
)

// DefaultModels is the fixed model priority list.
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Status summarises how an extraction run ended.
type Status string

const (
	// StatusOK means at least one medicine was recovered.
	StatusOK Status = "ok"

	// StatusNoCredentials means no credential was configured, so nothing
	// was attempted.
	StatusNoCredentials Status = "no_credentials"

	// StatusExhausted means every credential and model was tried without a
	// usable answer.
	StatusExhausted Status = "exhausted"

	// StatusCanceled means the caller's context ended mid-run. Partial
	// results are discarded.
	StatusCanceled Status = "canceled"
)

// Attempt records one model call.
type Attempt struct {
	// Credential is masked with [MaskKey].
	Credential string        `json:"credential"`
	Model      string        `json:"model"`
	Outcome    string        `json:"outcome"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Result is the outcome of [Orchestrator.Extract].
type Result struct {
	Status Status

	// Medicines is empty unless Status is StatusOK.
	Medicines []types.Medicine

	// TimesPerDay maps medicine name to its daily count.
	TimesPerDay map[string]int

	// Tier is the parser tier that produced Medicines.
	Tier medparse.Tier

	// Attempts lists every model call in order.
	Attempts []Attempt

	// Trace is the human-readable account of the run. It is the only error
	// surface of an unsuccessful run.
	Trace []string
}

// Orchestrator runs the credential × model retry loop. It is safe for
// concurrent use; each Extract call is independent.
type Orchestrator struct {
	provider   extract.Provider
	generation extract.GenerationConfig
	metrics    *observe.Metrics
	now        func() time.Time
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithGeneration overrides [extract.DefaultGenerationConfig].
func WithGeneration(g extract.GenerationConfig) Option {
	return func(o *Orchestrator) { o.generation = g }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for attempt durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator that sends requests through p.
func New(p extract.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:   p,
		generation: extract.DefaultGenerationConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Extract tries each credential in credentials (already in rotation order)
// with each model in models (in priority order) until one answer parses to
// at least one medicine.
//
// The loop is strictly serial. A rate-limited credential is abandoned for
// the rest of the run; every other failure moves on to the next model under
// the same credential. A successful answer that parses to nothing also
// moves on. If ctx ends, the run stops after the in-flight call returns and
// no medicines are reported.
func (o *Orchestrator) Extract(ctx context.Context, rawText string, credentials, models []string) Result {
	ctx, span := observe.StartSpan(ctx, "extraction.Extract",
		trace.WithAttributes(
			attribute.String("provider", o.provider.Name()),
			attribute.Int("credentials", len(credentials)),
			attribute.Int("models", len(models)),
		),
	)

	res := o.run(ctx, rawText, credentials, models)

	span.SetAttributes(
		attribute.Int("attempts", len(res.Attempts)),
		attribute.Int("medicines", len(res.Medicines)),
	)
	observe.EndSpan(span, string(res.Status), res.Status == StatusOK)
	o.metrics.RecordScan(ctx, string(res.Status), len(res.Medicines))
	if res.Status == StatusOK {
		o.metrics.RecordParseTier(ctx, string(res.Tier))
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, rawText string, credentials, models []string) Result {
	log := observe.Logger(ctx)
	res := Result{Status: StatusExhausted, TimesPerDay: map[string]int{}, Tier: medparse.TierNone}

	if len(credentials) == 0 {
		res.Status = StatusNoCredentials
		res.tracef("no credentials configured; extraction not possible")
		log.Warn("extraction: no credentials configured")
		return res
	}

	prompt := BuildPrompt(rawText)
	res.tracef("provider %s: %d credential(s) x %d model(s)", o.provider.Name(), len(credentials), len(models))

nextCredential:
	for ci, key := range credentials {
		masked := MaskKey(key)
		res.tracef("credential %d/%d %s", ci+1, len(credentials), masked)

		for _, model := range models {
			if ctx.Err() != nil {
				return res.canceled(ctx.Err())
			}

			started := o.now()
			text, err := o.provider.Generate(ctx, extract.Request{
				APIKey:     key,
				Model:      model,
				Prompt:     prompt,
				Generation: o.generation,
			})
			elapsed := o.now().Sub(started)
			out := classify(text, err)

			var parsed medparse.Result
			if out.kind == outcomeSuccess {
				parsed = medparse.Parse(out.text)
				for _, line := range parsed.Trace {
					res.tracef("  parse: %s", line)
				}
				if len(parsed.Medicines) == 0 {
					out.kind = outcomeUnparseable
				}
			}

			res.Attempts = append(res.Attempts, Attempt{
				Credential: masked,
				Model:      model,
				Outcome:    out.kind.String(),
				Detail:     out.detail(),
				Duration:   elapsed,
			})
			res.tracef("  %s: %s (%s)", model, out.describe(), elapsed.Round(time.Millisecond))
			o.metrics.RecordExtractionAttempt(ctx, o.provider.Name(), model, out.kind.String(), elapsed.Seconds())
			log.Debug("extraction attempt",
				"credential", masked,
				"model", model,
				"outcome", out.kind.String(),
				"duration", elapsed,
			)

			switch next(out.kind) {
			case stepStop:
				res.Status = StatusOK
				res.Medicines = parsed.Medicines
				res.TimesPerDay = parsed.TimesPerDay
				res.Tier = parsed.Tier
				log.Info("extraction succeeded",
					"model", model,
					"medicines", len(parsed.Medicines),
					"tier", parsed.Tier,
					"attempts", len(res.Attempts),
				)
				return res
			case stepNextCredential:
				continue nextCredential
			case stepAbort:
				return res.canceled(out.err)
			}
		}
	}

	res.tracef("all %d attempt(s) failed; no medicines extracted", len(res.Attempts))
	log.Warn("extraction exhausted all credentials and models", "attempts", len(res.Attempts))
	return res
}

func (r *Result) tracef(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

func (r Result) canceled(err error) Result {
	r.Status = StatusCanceled
	r.Medicines = nil
	r.TimesPerDay = map[string]int{}
	r.Tier = medparse.TierNone
	r.tracef("run canceled: %v", err)
	slog.Debug("extraction canceled", "attempts", len(r.Attempts), "err", err)
	return r
}

// detail returns the short machine-oriented detail for an Attempt.
func (o attemptOutcome) detail() string {
	switch o.kind {
	case outcomeBlocked:
		return o.reason
	case outcomeTransport, outcomeCanceled:
		return string(o.transport)
	}
	return ""
}
