// Package openai provides an extraction provider backed by any endpoint that
// speaks the OpenAI chat completions API: OpenAI itself, Gemini's
// OpenAI-compatible endpoint, or a self-hosted gateway.
//
// A fresh SDK client is built per request because the orchestrator rotates
// credentials between attempts. SDK retries are disabled so that a 429 is
// reported to the orchestrator immediately instead of being retried under the
// same exhausted credential.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// Compile-time interface assertion.
var _ extract.Provider = (*Provider)(nil)

// GeminiCompatBaseURL is Google's OpenAI-compatible endpoint for Gemini models.
const GeminiCompatBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// Provider implements extract.Provider using the openai-go SDK.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New constructs an OpenAI-compatible extraction provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements extract.Provider.
func (p *Provider) Name() string { return "openai" }

// Generate implements extract.Provider.
func (p *Provider) Generate(ctx context.Context, req extract.Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}
	client := oai.NewClient(reqOpts...)

	resp, err := client.Chat.Completions.New(ctx, buildParams(req))
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
	if strings.TrimSpace(choice.Message.Content) == "" {
		if choice.Message.Refusal != "" {
			return "", &extract.BlockedError{Reason: "refusal"}
		}
		return "", extract.ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

// buildParams converts an extract.Request into OpenAI SDK params. TopK has no
// OpenAI equivalent and is not sent.
func buildParams(req extract.Request) oai.ChatCompletionNewParams {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(req.Prompt),
		},
		Temperature: param.NewOpt(req.Generation.Temperature),
	}
	if req.Generation.TopP > 0 {
		params.TopP = param.NewOpt(req.Generation.TopP)
	}
	if req.Generation.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Generation.MaxOutputTokens))
	}
	return params
}

// classify maps SDK errors onto the extract error taxonomy.
func classify(ctx context.Context, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if classified := extract.ClassifyStatus(apiErr.StatusCode); classified != nil {
			return classified
		}
	}
	return extract.ClassifyNetError(ctx, err)
}
