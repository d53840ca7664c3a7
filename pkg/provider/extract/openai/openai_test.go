package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/pillbox/pkg/provider/extract"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(WithBaseURL(srv.URL + "/"))
}

func writeCompletion(w http.ResponseWriter, finish, content string) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finish,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	_, _ = w.Write(b)
}

func testRequest() extract.Request {
	return extract.Request{
		APIKey:     "sk-test",
		Model:      "gpt-4o-mini",
		Prompt:     "parse this",
		Generation: extract.DefaultGenerationConfig(),
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	params := buildParams(testRequest())
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 1 || params.Messages[0].OfUser == nil {
		t.Fatalf("messages = %+v", params.Messages)
	}
	if params.MaxCompletionTokens.Value != 4096 {
		t.Errorf("max tokens = %d", params.MaxCompletionTokens.Value)
	}
	if params.Temperature.Value != 0 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	var auth string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = io.Copy(io.Discard, r.Body)
		writeCompletion(w, "stop", `[{"name":"Amoxicillin"}]`)
	})

	got, err := p.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != `[{"name":"Amoxicillin"}]` {
		t.Errorf("content = %q", got)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestGenerate_RateLimitIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota","type":"rate_limit"}}`)
	})

	_, err := p.Generate(context.Background(), testRequest())
	if !errors.Is(err, extract.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

func TestGenerate_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, extract.ErrModelNotFound},
		{http.StatusUnauthorized, extract.ErrAuth},
		{http.StatusForbidden, extract.ErrAuth},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			})
			_, err := p.Generate(context.Background(), testRequest())
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerate_ContentFilterIsBlocked(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "content_filter", "")
	})
	_, err := p.Generate(context.Background(), testRequest())
	var be *extract.BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "stop", "")
	})
	_, err := p.Generate(context.Background(), testRequest())
	if !errors.Is(err, extract.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}
