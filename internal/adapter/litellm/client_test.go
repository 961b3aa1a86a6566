package litellm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/llm"
)

// Compile-time interface check.
var _ llm.Client = (*Client)(nil)

func newTestClient(url string) *Client {
	return NewClient(config.LiteLLM{
		URL:           url,
		MasterKey:     "sk-master",
		PrimaryModel:  "openai/gpt-4o-mini",
		FallbackModel: "anthropic/claude-3-5-haiku",
		Timeout:       5 * time.Second,
	})
}

func TestCompletePrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-master" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "openai/gpt-4o-mini" {
			t.Errorf("expected primary model, got %q", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("expected single user message, got %+v", req.Messages)
		}

		_, _ = w.Write([]byte(`{
			"model":"gpt-4o-mini-2024-07-18",
			"choices":[{"message":{"content":"{\"decision\":\"approve\"}"}}],
			"usage":{"prompt_tokens":320,"completion_tokens":48}
		}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), llm.CompletionRequest{Prompt: "classify this"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if string(res.Content) != `{"decision":"approve"}` {
		t.Errorf("unexpected content: %s", res.Content)
	}
	if res.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", res.Provider)
	}
	if res.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("expected response model, got %q", res.Model)
	}
	if res.InputTokens != 320 || res.OutputTokens != 48 {
		t.Errorf("unexpected token counts: %d/%d", res.InputTokens, res.OutputTokens)
	}
	if res.Duration <= 0 {
		t.Errorf("expected positive duration, got %v", res.Duration)
	}
}

func TestCompleteSystemAndSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages       []chatMessage  `json:"messages"`
			ResponseFormat map[string]any `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("expected system then user message, got %+v", req.Messages)
		}
		if req.ResponseFormat["type"] != "json_schema" {
			t.Errorf("expected json_schema response format, got %v", req.ResponseFormat)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}],"usage":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), llm.CompletionRequest{
		System: "You classify comments.",
		Prompt: "classify this",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestCompleteFallsBack(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		models = append(models, req.Model)

		if len(models) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}],"usage":{"prompt_tokens":10,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("expected fallback provider, got %q", res.Provider)
	}
	if len(models) != 2 || models[0] != "openai/gpt-4o-mini" || models[1] != "anthropic/claude-3-5-haiku" {
		t.Errorf("unexpected model ladder: %v", models)
	}
}

func TestCompleteLadderExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error when all models fail")
	}
	if !strings.Contains(err.Error(), "litellm API error 503") {
		t.Errorf("expected last attempt error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected both models tried, got %d calls", calls)
	}
}

func TestCompleteSkipsDuplicateFallback(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(config.LiteLLM{
		URL:           srv.URL,
		PrimaryModel:  "openai/gpt-4o-mini",
		FallbackModel: "openai/gpt-4o-mini",
	})
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !strings.Contains(err.Error(), "empty choices") {
		t.Errorf("expected empty choices error, got %v", err)
	}
}

func TestModerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["input"] != "some hostile text" {
			t.Errorf("unexpected input: %q", req["input"])
		}

		_, _ = w.Write([]byte(`{"results":[{"flagged":true,"categories":{"harassment":true,"violence":false}}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Moderate(context.Background(), "some hostile text")
	if err != nil {
		t.Fatalf("Moderate failed: %v", err)
	}
	if !res.Flagged {
		t.Error("expected flagged result")
	}
	if len(res.Categories) != 1 || res.Categories[0] != "harassment" {
		t.Errorf("expected only hit categories, got %v", res.Categories)
	}
}

func TestModerateEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Moderate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Moderate failed: %v", err)
	}
	if res.Flagged {
		t.Error("expected unflagged default")
	}
}

func TestConfigured(t *testing.T) {
	if NewClient(config.LiteLLM{}).Configured() {
		t.Error("expected unconfigured client without URL")
	}
	if !NewClient(config.LiteLLM{URL: "http://localhost:4000"}).Configured() {
		t.Error("expected configured client with URL")
	}
}

func TestSplitModel(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		name     string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-3-5-haiku", "anthropic", "claude-3-5-haiku"},
		{"gpt-4o", "", "gpt-4o"},
		{"/odd", "", "/odd"},
	}

	for _, tt := range tests {
		provider, name := splitModel(tt.model)
		if provider != tt.provider || name != tt.name {
			t.Errorf("splitModel(%q) = %q/%q, expected %q/%q",
				tt.model, provider, name, tt.provider, tt.name)
		}
	}
}
