package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// openaiBackend speaks the chat-completions dialect shared by OpenAI,
// DeepSeek, Azure OpenAI and local OpenAI-compatible servers. None of these
// expose client-managed context caching, so the cacheable part is always
// sent inline; OpenAI's transparent prefix caching still benefits from the
// stable prefix ordering.
type openaiBackend struct {
	cfg    Config
	url    string
	header map[string]string
	http   *http.Client
}

func newOpenAIBackend(cfg Config) (*openaiBackend, error) {
	b := &openaiBackend{cfg: cfg, http: &http.Client{}}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		b.url = "https://api.openai.com/v1/chat/completions"
		b.header = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	case ProviderDeepSeek:
		b.url = "https://api.deepseek.com/chat/completions"
		b.header = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	case ProviderAzure:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("azure provider requires an endpoint")
		}
		b.url = strings.TrimSuffix(cfg.Endpoint, "/") +
			"/openai/deployments/" + cfg.Model + "/chat/completions?api-version=2024-10-21"
		b.header = map[string]string{"api-key": cfg.APIKey}
	case ProviderLocal:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("local provider requires an endpoint")
		}
		b.url = strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/chat/completions"
		b.header = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return b, nil
}

func (b *openaiBackend) capabilities() Capabilities {
	return Capabilities{
		Name:             b.cfg.Provider,
		SupportsCaching:  false,
		SupportsThinking: true,
	}
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model           string       `json:"model"`
	Messages        []oaiMessage `json:"messages"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

func (b *openaiBackend) generate(ctx context.Context, req request) (*Reply, error) {
	wire := oaiRequest{
		Model: b.cfg.Model,
		Messages: []oaiMessage{
			{Role: "system", Content: req.system},
			{Role: "user", Content: req.cacheable + "\n\n" + req.dynamic},
		},
	}
	if req.thinking.Enabled && req.thinking.Mode == ThinkingOpenAICompat &&
		req.thinking.Effort != "" && req.thinking.Effort != "none" {
		wire.ReasoningEffort = req.thinking.Effort
	}
	var resp oaiResponse
	rawReq, rawResp, err := httpJSON(ctx, b.http, http.MethodPost, b.url, b.header, wire, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("reply has no choices: %w", ErrMalformedResponse)
	}
	content := resp.Choices[0].Message.Content
	reply := &Reply{
		Commentary:  content,
		RawOrders:   []byte(content),
		RawRequest:  rawReq,
		RawResponse: rawResp,
	}
	if req.thinking.IncludeThoughts {
		reply.Thoughts = resp.Choices[0].Message.ReasoningContent
	}
	reply.Usage.Input = resp.Usage.PromptTokens
	reply.Usage.Output = resp.Usage.CompletionTokens
	reply.Usage.Cached = resp.Usage.PromptTokensDetails.CachedTokens
	reply.Usage.Total = resp.Usage.TotalTokens
	return reply, nil
}

func (b *openaiBackend) testConnection(ctx context.Context) (string, error) {
	wire := oaiRequest{
		Model: b.cfg.Model,
		Messages: []oaiMessage{
			{Role: "user", Content: "Reply with one short sentence confirming you are reachable."},
		},
	}
	var resp oaiResponse
	if _, _, err := httpJSON(ctx, b.http, http.MethodPost, b.url, b.header, wire, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("reply has no choices: %w", ErrMalformedResponse)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (b *openaiBackend) invalidateCache(context.Context) {}
