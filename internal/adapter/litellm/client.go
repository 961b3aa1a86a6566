// Package litellm implements the LLM port against a LiteLLM proxy. The
// proxy multiplexes providers behind an OpenAI-compatible API; the model
// ladder (primary, then fallback) lives here so call sites stay
// provider-agnostic.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/llm"
	"github.com/ticketpilot/ticketpilot/internal/resilience"
)

// Client talks to a LiteLLM proxy.
type Client struct {
	baseURL       string
	masterKey     string
	primaryModel  string
	fallbackModel string
	httpClient    *http.Client
	breaker       *resilience.Breaker
}

// NewClient creates a new LiteLLM client.
func NewClient(cfg config.LiteLLM) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		masterKey:     cfg.MasterKey,
		primaryModel:  cfg.PrimaryModel,
		fallbackModel: cfg.FallbackModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Configured reports whether the client has a proxy URL to talk to.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs the completion against the primary model and falls back to
// the fallback model on transport or API failure. The error of the last
// attempt is returned when the whole ladder fails.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	models := []string{c.primaryModel}
	if c.fallbackModel != "" && c.fallbackModel != c.primaryModel {
		models = append(models, c.fallbackModel)
	}

	var lastErr error
	for i, model := range models {
		res, err := c.complete(ctx, model, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(models)-1 {
			slog.Warn("llm completion failed, trying fallback",
				"model", model, "fallback", models[i+1], "error", err)
		}
	}
	return nil, lastErr
}

func (c *Client) complete(ctx context.Context, model string, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Schema) > 0 {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": json.RawMessage(req.Schema),
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	start := time.Now()
	raw, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return nil, fmt.Errorf("completion with %s: %w", model, err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion with %s: empty choices", model)
	}

	provider, bareModel := splitModel(model)
	if resp.Model != "" {
		_, bareModel = splitModel(resp.Model)
	}
	return &llm.CompletionResult{
		Content:      json.RawMessage(resp.Choices[0].Message.Content),
		Provider:     provider,
		Model:        bareModel,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Moderate runs the text through the proxy's moderation endpoint.
func (c *Client) Moderate(ctx context.Context, text string) (*llm.ModerationResult, error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, fmt.Errorf("marshal moderation request: %w", err)
	}

	raw, err := c.doRequest(ctx, http.MethodPost, "/moderations", payload)
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}

	var resp moderationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return &llm.ModerationResult{}, nil
	}

	out := &llm.ModerationResult{Flagged: resp.Results[0].Flagged}
	for category, hit := range resp.Results[0].Categories {
		if hit {
			out.Categories = append(out.Categories, category)
		}
	}
	return out, nil
}

// splitModel separates "provider/model" identifiers. A bare model name
// yields an empty provider.
func splitModel(model string) (provider, name string) {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
