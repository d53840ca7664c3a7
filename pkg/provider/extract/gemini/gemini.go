// Package gemini provides an extraction provider that calls the Google Gemini
// generateContent REST endpoint directly.
//
// The credential is sent as the "key" query parameter and the model variant
// selects the endpoint path segment:
//
//	POST {baseURL}/models/{model}:generateContent?key={apiKey}
//
// Typical usage:
//
//	p := gemini.New(gemini.WithTimeouts(30*time.Second, 90*time.Second, 30*time.Second))
//	text, err := p.Generate(ctx, extract.Request{APIKey: key, Model: "gemini-2.5-flash", Prompt: prompt})
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// Compile-time interface assertion.
var _ extract.Provider = (*Provider)(nil)

const (
	// DefaultBaseURL is the public Gemini API root.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 90 * time.Second
	defaultWriteTimeout   = 30 * time.Second

	// maxResponseBytes bounds the body read for a single answer.
	maxResponseBytes = 4 << 20
)

// ---- wire types ----

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// ---- options ----

// Option is a functional option for configuring a Gemini Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root (useful for tests and proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeouts sets the connect, read and write timeouts. Zero values keep
// the defaults of 30s, 90s and 30s.
func WithTimeouts(connect, read, write time.Duration) Option {
	return func(p *Provider) {
		if connect > 0 {
			p.connectTimeout = connect
		}
		if read > 0 {
			p.readTimeout = read
		}
		if write > 0 {
			p.writeTimeout = write
		}
	}
}

// WithHTTPClient replaces the HTTP client entirely. Timeouts configured via
// [WithTimeouts] are ignored when a client is supplied.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// ---- provider ----

// Provider implements extract.Provider against the Gemini REST API.
type Provider struct {
	baseURL        string
	httpClient     *http.Client
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
}

// New creates a Gemini Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:        DefaultBaseURL,
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.httpClient == nil {
		p.httpClient = newHTTPClient(p.connectTimeout, p.readTimeout, p.writeTimeout)
	}
	return p
}

// newHTTPClient builds a client whose dialer enforces the connect timeout,
// whose transport enforces the read timeout on the response headers, and
// whose overall deadline bounds the whole exchange.
func newHTTPClient(connect, read, write time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   connect + write + read,
	}
}

// Name implements extract.Provider.
func (p *Provider) Name() string { return "gemini" }

// Generate implements extract.Provider.
func (p *Provider) Generate(ctx context.Context, req extract.Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("gemini: model must not be empty")
	}

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     req.Generation.Temperature,
			TopK:            req.Generation.TopK,
			TopP:            req.Generation.TopP,
			MaxOutputTokens: req.Generation.MaxOutputTokens,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(req.APIKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", extract.ClassifyNetError(ctx, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", extract.ClassifyNetError(ctx, err)
	}
	defer resp.Body.Close()

	if err := extract.ClassifyStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", extract.ClassifyNetError(ctx, err)
	}
	return decodeAnswer(raw)
}

// decodeAnswer extracts candidates[0].content.parts[0].text from a 200 body.
// A response without candidates is a safety rejection.
func decodeAnswer(raw []byte) (string, error) {
	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", &extract.TransportError{Kind: extract.TransportDecode, Err: err}
	}

	if len(gr.Candidates) == 0 {
		reason := "unknown"
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			reason = gr.PromptFeedback.BlockReason
		}
		return "", &extract.BlockedError{Reason: reason}
	}

	parts := gr.Candidates[0].Content.Parts
	if len(parts) == 0 || strings.TrimSpace(parts[0].Text) == "" {
		return "", extract.ErrEmptyResponse
	}
	return parts[0].Text, nil
}
