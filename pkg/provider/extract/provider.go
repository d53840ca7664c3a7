// Package extract defines the Provider interface for text-extraction backends.
//
// An extraction provider wraps a hosted large language model and performs
// exactly one generation request per call: the prompt (instructions plus the
// OCR text of a prescription) goes in, the model's raw answer comes out. The
// provider does not retry, rotate credentials or parse the answer; that is the
// job of the extraction orchestrator.
//
// Failures are reported as classified errors so the orchestrator can decide
// whether to try the next model or abandon the credential:
//
//   - [ErrRateLimited]   quota exhausted for the credential (HTTP 429)
//   - [ErrModelNotFound] model unavailable for the credential (HTTP 404)
//   - [ErrAuth]          invalid or unauthorised credential (HTTP 401/403)
//   - [*BlockedError]    the request was rejected by a safety filter
//   - [ErrEmptyResponse] the answer decoded but carried no text
//   - [*TransportError]  no connectivity, timeout, other HTTP status or an
//     undecodable body
//
// Implementations must be safe for concurrent use.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// GenerationConfig holds the sampling parameters sent with every request.
// The recovery parser expects near-literal JSON, so callers keep these at
// low-variance values (temperature near zero).
type GenerationConfig struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

// DefaultGenerationConfig returns temperature 0, topK 1, topP 1 and a 4096
// token output cap.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.0,
		TopK:            1,
		TopP:            1.0,
		MaxOutputTokens: 4096,
	}
}

// Request is a single generation request.
type Request struct {
	// APIKey is the credential to use for this request only.
	APIKey string

	// Model selects the model variant (e.g. "gemini-2.5-flash").
	Model string

	// Prompt is the full text sent to the model.
	Prompt string

	// Generation carries the sampling parameters.
	Generation GenerationConfig
}

// Provider is the abstraction over any extraction backend.
type Provider interface {
	// Generate sends req and returns the model's raw text answer. The error,
	// when non-nil, is one of the classified errors documented on the package.
	// Generate must return promptly when ctx is cancelled.
	Generate(ctx context.Context, req Request) (string, error)

	// Name returns a short backend identifier used in logs and metrics.
	Name() string
}

var (
	// ErrRateLimited means the credential's quota is exhausted.
	ErrRateLimited = errors.New("extract: rate limited")

	// ErrModelNotFound means the model is unavailable for the credential.
	ErrModelNotFound = errors.New("extract: model not found")

	// ErrAuth means the credential was rejected.
	ErrAuth = errors.New("extract: authentication failed")

	// ErrEmptyResponse means the response decoded but contained no text.
	ErrEmptyResponse = errors.New("extract: empty response")
)

// BlockedError reports a safety rejection. Reason is the provider's block
// reason, or "unknown" when the response carried none.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("extract: blocked (%s)", e.Reason)
}

// TransportKind classifies a [TransportError].
type TransportKind string

const (
	TransportNoConnection TransportKind = "no_connection"
	TransportTimeout      TransportKind = "timeout"
	TransportStatus       TransportKind = "http_status"
	TransportDecode       TransportKind = "decode"
	TransportCanceled     TransportKind = "canceled"
	TransportOther        TransportKind = "other"
)

// TransportError is any failure that is not a provider verdict: the request
// never completed, the server answered with an unclassified status, or the
// body could not be decoded.
type TransportError struct {
	Kind TransportKind

	// StatusCode is set for [TransportStatus].
	StatusCode int

	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.Kind == TransportStatus:
		return fmt.Sprintf("extract: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("extract: %s: %v", e.Kind, e.Err)
	default:
		return "extract: " + string(e.Kind)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClassifyStatus maps a non-200 HTTP status code to a classified error.
// It returns nil for 200.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrAuth, code)
	default:
		return &TransportError{Kind: TransportStatus, StatusCode: code}
	}
}

// ClassifyNetError wraps an error returned by an HTTP round trip into a
// [*TransportError]. The *url.Error layer is stripped because its message
// embeds the request URL, which may carry the credential as a query
// parameter.
func ClassifyNetError(ctx context.Context, err error) *TransportError {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &TransportError{Kind: TransportCanceled, Err: ctx.Err()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Kind: TransportNoConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &TransportError{Kind: TransportNoConnection, Err: err}
	}
	return &TransportError{Kind: TransportOther, Err: err}
}
