// Package anyllm provides an extraction provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-vendor completion
// interface. It lets the extraction pipeline run against Gemini, OpenAI,
// Anthropic, Mistral, Groq, DeepSeek or a local Ollama/llama.cpp server
// without a vendor-specific client.
//
// Backend failures are sorted by the library's error sentinels
// (anyllm.ErrRateLimit, ErrAuthentication, ErrModelNotFound,
// ErrContentFilter) into the extract error categories. Anything else is a
// transport error.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// Compile-time interface assertion.
var _ extract.Provider = (*Provider)(nil)

// SupportedVendors lists the accepted vendor names.
var SupportedVendors = []string{"gemini", "openai", "anthropic", "mistral", "groq", "deepseek", "ollama", "llamacpp"}

// Provider implements extract.Provider by wrapping any-llm-go.
type Provider struct {
	vendor  string
	baseURL string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the vendor's default endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Provider for vendor.
func New(vendor string, opts ...Option) (*Provider, error) {
	if !slices.Contains(SupportedVendors, strings.ToLower(vendor)) {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q; supported: %s", vendor, strings.Join(SupportedVendors, ", "))
	}
	p := &Provider{vendor: strings.ToLower(vendor)}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// createBackend creates the underlying any-llm-go backend for vendor.
func createBackend(vendor string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch vendor {
	case "gemini":
		return gemini.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported vendor %q", vendor)
	}
}

// Name implements extract.Provider.
func (p *Provider) Name() string { return "anyllm-" + p.vendor }

// Generate implements extract.Provider.
func (p *Provider) Generate(ctx context.Context, req extract.Request) (string, error) {
	var opts []anyllmlib.Option
	if req.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(req.APIKey))
	}
	if p.baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(p.baseURL))
	}
	backend, err := createBackend(p.vendor, opts...)
	if err != nil {
		return "", &extract.TransportError{Kind: extract.TransportOther, Err: err}
	}

	resp, err := backend.Completion(ctx, buildParams(req))
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", extract.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", &extract.BlockedError{Reason: "content_filter"}
	}
	text := choice.Message.ContentString()
	if strings.TrimSpace(text) == "" {
		return "", extract.ErrEmptyResponse
	}
	return text, nil
}

// classify maps any-llm-go's unified error sentinels onto the extract
// categories and falls back to transport classification.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, anyllmlib.ErrRateLimit):
		return fmt.Errorf("%w: %v", extract.ErrRateLimited, err)
	case errors.Is(err, anyllmlib.ErrAuthentication):
		return fmt.Errorf("%w: %v", extract.ErrAuth, err)
	case errors.Is(err, anyllmlib.ErrModelNotFound):
		return fmt.Errorf("%w: %v", extract.ErrModelNotFound, err)
	case errors.Is(err, anyllmlib.ErrContentFilter):
		return &extract.BlockedError{Reason: "content_filter"}
	}
	return extract.ClassifyNetError(ctx, err)
}

// buildParams converts an extract.Request into any-llm-go params. Only the
// sampling knobs common to every vendor are forwarded.
func buildParams(req extract.Request) anyllmlib.CompletionParams {
	temp := req.Generation.Temperature
	params := anyllmlib.CompletionParams{
		Model: req.Model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: req.Prompt},
		},
		Temperature: &temp,
	}
	if req.Generation.MaxOutputTokens > 0 {
		mt := req.Generation.MaxOutputTokens
		params.MaxTokens = &mt
	}
	return params
}
