package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// anthropicBackend speaks the Messages API. Caching is request-scoped: the
// stable context blocks carry cache_control breakpoints and the service
// reuses the prefix across calls, so there is no handle to manage locally.
type anthropicBackend struct {
	cfg  Config
	url  string
	http *http.Client
}

func newAnthropicBackend(cfg Config) *anthropicBackend {
	base := cfg.Endpoint
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return &anthropicBackend{
		cfg:  cfg,
		url:  strings.TrimSuffix(base, "/") + "/v1/messages",
		http: &http.Client{},
	}
}

func (b *anthropicBackend) capabilities() Capabilities {
	return Capabilities{Name: ProviderAnthropic, SupportsCaching: true, SupportsThinking: true}
}

func (b *anthropicBackend) headers() map[string]string {
	return map[string]string{
		"x-api-key":         b.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}
}

type antTextBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl *antCacheControl `json:"cache_control,omitempty"`
}

type antCacheControl struct {
	Type string `json:"type"`
}

type antMessage struct {
	Role    string         `json:"role"`
	Content []antTextBlock `json:"content"`
}

type antThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type antRequest struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	System    []antTextBlock `json:"system,omitempty"`
	Messages  []antMessage   `json:"messages"`
	Thinking  *antThinking   `json:"thinking,omitempty"`
}

type antResponse struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"content"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (b *anthropicBackend) generate(ctx context.Context, req request) (*Reply, error) {
	ephemeral := &antCacheControl{Type: "ephemeral"}
	wire := antRequest{
		Model:     b.cfg.Model,
		MaxTokens: 4096,
		System: []antTextBlock{
			{Type: "text", Text: req.system, CacheControl: ephemeral},
		},
		Messages: []antMessage{{
			Role: "user",
			Content: []antTextBlock{
				{Type: "text", Text: req.cacheable, CacheControl: ephemeral},
				{Type: "text", Text: req.dynamic},
			},
		}},
	}
	if req.thinking.Enabled && req.thinking.Mode == ThinkingNativeSDK && req.thinking.Budget > 0 {
		wire.Thinking = &antThinking{Type: "enabled", BudgetTokens: req.thinking.Budget}
		// Thinking replies can run long; leave headroom above the budget.
		wire.MaxTokens = req.thinking.Budget + 4096
	}
	var resp antResponse
	rawReq, rawResp, err := httpJSON(ctx, b.http, http.MethodPost, b.url, b.headers(), wire, &resp)
	if err != nil {
		return nil, err
	}
	var text, thoughts strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thoughts.WriteString(block.Thinking)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("reply has no text blocks: %w", ErrMalformedResponse)
	}
	reply := &Reply{
		Commentary:  text.String(),
		RawOrders:   []byte(text.String()),
		RawRequest:  rawReq,
		RawResponse: rawResp,
	}
	if req.thinking.IncludeThoughts {
		reply.Thoughts = thoughts.String()
	}
	reply.Usage.Input = resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.CacheCreationInputTokens
	reply.Usage.Output = resp.Usage.OutputTokens
	reply.Usage.Cached = resp.Usage.CacheReadInputTokens
	reply.Usage.Total = reply.Usage.Input + reply.Usage.Output
	return reply, nil
}

func (b *anthropicBackend) testConnection(ctx context.Context) (string, error) {
	wire := antRequest{
		Model:     b.cfg.Model,
		MaxTokens: 64,
		Messages: []antMessage{{
			Role: "user",
			Content: []antTextBlock{
				{Type: "text", Text: "Reply with one short sentence confirming you are reachable."},
			},
		}},
	}
	var resp antResponse
	if _, _, err := httpJSON(ctx, b.http, http.MethodPost, b.url, b.headers(), wire, &resp); err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", fmt.Errorf("reply has no text blocks: %w", ErrMalformedResponse)
}

func (b *anthropicBackend) invalidateCache(context.Context) {}
