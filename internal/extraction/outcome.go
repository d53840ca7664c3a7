package extraction

import (
	"context"
	"errors"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// outcomeKind classifies a single model call.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeUnparseable
	outcomeRateLimited
	outcomeNotFound
	outcomeAuth
	outcomeBlocked
	outcomeEmpty
	outcomeTransport
	outcomeCanceled
)

var outcomeNames = [...]string{
	outcomeSuccess:     "success",
	outcomeUnparseable: "no_medicines",
	outcomeRateLimited: "rate_limited",
	outcomeNotFound:    "not_found",
	outcomeAuth:        "auth_error",
	outcomeBlocked:     "blocked",
	outcomeEmpty:       "empty_response",
	outcomeTransport:   "transport_error",
	outcomeCanceled:    "canceled",
}

func (k outcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return "unknown"
}

// attemptOutcome is the classified result of one model call. Success
// carries the raw text; Blocked carries the reason; Transport carries the
// failure kind.
type attemptOutcome struct {
	kind      outcomeKind
	text      string
	reason    string
	transport extract.TransportKind
	err       error
}

// step is what the orchestrator does after an outcome.
type step int

const (
	stepStop           step = iota // return the result
	stepNextModel                  // try the next model with the same credential
	stepNextCredential             // abandon the credential
	stepAbort                      // the caller went away
)

// transitions maps every outcome to the orchestrator's next step. A success
// reaches this table only after parsing; a success that parsed to zero
// medicines is reclassified as outcomeUnparseable first.
var transitions = map[outcomeKind]step{
	outcomeSuccess:     stepStop,
	outcomeUnparseable: stepNextModel,
	outcomeRateLimited: stepNextCredential,
	outcomeNotFound:    stepNextModel,
	outcomeAuth:        stepNextModel,
	outcomeBlocked:     stepNextModel,
	outcomeEmpty:       stepNextModel,
	outcomeTransport:   stepNextModel,
	outcomeCanceled:    stepAbort,
}

// next returns the step for k. Unknown kinds move to the next model.
func next(k outcomeKind) step {
	if s, ok := transitions[k]; ok {
		return s
	}
	return stepNextModel
}

// classify converts a provider result into an attemptOutcome.
func classify(text string, err error) attemptOutcome {
	if err == nil {
		return attemptOutcome{kind: outcomeSuccess, text: text}
	}

	var (
		blocked   *extract.BlockedError
		transport *extract.TransportError
	)
	switch {
	case errors.Is(err, extract.ErrRateLimited):
		return attemptOutcome{kind: outcomeRateLimited, err: err}
	case errors.Is(err, extract.ErrModelNotFound):
		return attemptOutcome{kind: outcomeNotFound, err: err}
	case errors.Is(err, extract.ErrAuth):
		return attemptOutcome{kind: outcomeAuth, err: err}
	case errors.Is(err, extract.ErrEmptyResponse):
		return attemptOutcome{kind: outcomeEmpty, err: err}
	case errors.As(err, &blocked):
		return attemptOutcome{kind: outcomeBlocked, reason: blocked.Reason, err: err}
	case errors.As(err, &transport):
		if transport.Kind == extract.TransportCanceled {
			return attemptOutcome{kind: outcomeCanceled, transport: transport.Kind, err: err}
		}
		return attemptOutcome{kind: outcomeTransport, transport: transport.Kind, err: err}
	case errors.Is(err, context.Canceled):
		return attemptOutcome{kind: outcomeCanceled, transport: extract.TransportCanceled, err: err}
	default:
		return attemptOutcome{kind: outcomeTransport, transport: extract.TransportOther, err: err}
	}
}

// describe renders o for the human-readable trace.
func (o attemptOutcome) describe() string {
	switch o.kind {
	case outcomeSuccess:
		return "success"
	case outcomeUnparseable:
		return "response held no usable medicines"
	case outcomeRateLimited:
		return "rate limited (HTTP 429), abandoning credential"
	case outcomeNotFound:
		return "model not available (HTTP 404)"
	case outcomeAuth:
		return "credential rejected (HTTP 401/403)"
	case outcomeBlocked:
		return "blocked by provider (" + o.reason + ")"
	case outcomeEmpty:
		return "empty response"
	case outcomeCanceled:
		return "canceled"
	default:
		msg := "transport error (" + string(o.transport) + ")"
		if o.err != nil {
			msg += ": " + o.err.Error()
		}
		return msg
	}
}
