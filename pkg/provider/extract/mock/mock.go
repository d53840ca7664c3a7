// Package mock provides a test double for the extract.Provider interface.
//
// Provider replays a scripted sequence of responses, one per Generate call,
// and records every request it receives. When the script is exhausted the
// Fallback response is returned.
//
// Example:
//
//	p := &mock.Provider{Script: []mock.Response{
//	    {Err: extract.ErrRateLimited},
//	    {Text: `[{"name":"Paracetamol"}]`},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

// Compile-time interface assertion.
var _ extract.Provider = (*Provider)(nil)

// Response is one scripted answer.
type Response struct {
	Text string
	Err  error
}

// Provider is a mock implementation of extract.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is consumed in order, one entry per call.
	Script []Response

	// Fallback is returned once Script is exhausted.
	Fallback Response

	// Respond, when set, takes precedence over Script and Fallback.
	Respond func(req extract.Request) (string, error)

	// Calls records every request in order.
	Calls []extract.Request

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string
}

// Generate implements extract.Provider.
func (p *Provider) Generate(ctx context.Context, req extract.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, req)
	if err := ctx.Err(); err != nil {
		return "", extract.ClassifyNetError(ctx, err)
	}
	if p.Respond != nil {
		return p.Respond(req)
	}
	if len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		return r.Text, r.Err
	}
	return p.Fallback.Text, p.Fallback.Err
}

// Name implements extract.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// CallCount returns the number of Generate calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
