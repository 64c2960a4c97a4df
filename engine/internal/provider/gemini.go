package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// geminiBackend speaks the Generative Language API and manages a native
// cachedContents handle for the stable context part. Caching failures fall
// back to inline delivery and are reported as cache events, never as errors.
type geminiBackend struct {
	cfg     Config
	baseURL string
	http    *http.Client
	cache   *cacheState
	emit    func(CacheEvent)
}

func newGeminiBackend(cfg Config, emit func(CacheEvent)) *geminiBackend {
	base := cfg.Endpoint
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &geminiBackend{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{},
		cache:   newCacheState(),
		emit:    emit,
	}
}

func (b *geminiBackend) capabilities() Capabilities {
	return Capabilities{Name: ProviderGemini, SupportsCaching: true, SupportsThinking: true}
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiGenConfig struct {
	ThinkingConfig *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	CachedContent     string           `json:"cachedContent,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
		TotalTokenCount         int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiCacheRequest struct {
	Model             string          `json:"model"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	TTL               string          `json:"ttl"`
}

type geminiCacheResponse struct {
	Name string `json:"name"`
}

func (b *geminiBackend) generate(ctx context.Context, req request) (*Reply, error) {
	handle := b.ensureCache(ctx, req)
	wire := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.dynamic}}},
		},
	}
	if handle != "" {
		wire.CachedContent = handle
	} else {
		// Inline fallback: ship system + cacheable with the dynamic part.
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.system}}}
		wire.Contents = []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.cacheable + "\n\n" + req.dynamic}}},
		}
	}
	if req.thinking.Enabled && req.thinking.Mode == ThinkingNativeSDK {
		tc := &geminiThinkingConfig{IncludeThoughts: req.thinking.IncludeThoughts}
		if req.thinking.Budget > 0 {
			budget := req.thinking.Budget
			tc.ThinkingBudget = &budget
		}
		// Budget -1 means provider-dynamic; omitting the field requests it.
		wire.GenerationConfig = &geminiGenConfig{ThinkingConfig: tc}
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, b.cfg.Model, b.cfg.APIKey)
	var resp geminiResponse
	rawReq, rawResp, err := httpJSON(ctx, b.http, http.MethodPost, url, nil, wire, &resp)
	if err != nil {
		// A vanished cache handle must not fail the call: invalidate and
		// retry inline exactly once.
		if handle != "" {
			b.cache.take()
			b.emit(CacheEvent{Kind: "failed", Handle: handle, Err: err})
			return b.generateInline(ctx, req)
		}
		return nil, err
	}
	return b.decode(&resp, req, rawReq, rawResp)
}

func (b *geminiBackend) generateInline(ctx context.Context, req request) (*Reply, error) {
	wire := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: req.system}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.cacheable + "\n\n" + req.dynamic}}},
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, b.cfg.Model, b.cfg.APIKey)
	var resp geminiResponse
	rawReq, rawResp, err := httpJSON(ctx, b.http, http.MethodPost, url, nil, wire, &resp)
	if err != nil {
		return nil, err
	}
	return b.decode(&resp, req, rawReq, rawResp)
}

func (b *geminiBackend) decode(resp *geminiResponse, req request, rawReq, rawResp []byte) (*Reply, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("reply has no candidates: %w", ErrMalformedResponse)
	}
	var text, thoughts strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			thoughts.WriteString(part.Text)
			continue
		}
		text.WriteString(part.Text)
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
	reply.Usage.Input = resp.UsageMetadata.PromptTokenCount
	reply.Usage.Output = resp.UsageMetadata.CandidatesTokenCount
	reply.Usage.Cached = resp.UsageMetadata.CachedContentTokenCount
	reply.Usage.Total = resp.UsageMetadata.TotalTokenCount
	return reply, nil
}

// ensureCache returns a live cachedContents handle for the request's
// cacheable part, creating one when missing, expired or stale. Returns ""
// when caching is unavailable this call.
func (b *geminiBackend) ensureCache(ctx context.Context, req request) string {
	if handle := b.cache.current(req.cacheHash); handle != "" {
		b.emit(CacheEvent{Kind: "reused", Handle: handle})
		return handle
	}
	if old := b.cache.take(); old != "" {
		b.deleteCache(ctx, old)
		b.emit(CacheEvent{Kind: "invalidated", Handle: old})
	}
	wire := geminiCacheRequest{
		Model:             "models/" + b.cfg.Model,
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: req.system}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.cacheable}}},
		},
		TTL: "3600s",
	}
	url := fmt.Sprintf("%s/cachedContents?key=%s", b.baseURL, b.cfg.APIKey)
	var resp geminiCacheResponse
	if _, _, err := httpJSON(ctx, b.http, http.MethodPost, url, nil, wire, &resp); err != nil {
		b.emit(CacheEvent{Kind: "failed", Err: err})
		return ""
	}
	b.cache.store(resp.Name, req.cacheHash)
	b.emit(CacheEvent{Kind: "created", Handle: resp.Name})
	return resp.Name
}

func (b *geminiBackend) deleteCache(ctx context.Context, handle string) {
	url := fmt.Sprintf("%s/%s?key=%s", b.baseURL, handle, b.cfg.APIKey)
	_, _, _ = httpJSON(ctx, b.http, http.MethodDelete, url, nil, nil, nil)
}

func (b *geminiBackend) testConnection(ctx context.Context) (string, error) {
	wire := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: "Reply with one short sentence confirming you are reachable."}}},
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, b.cfg.Model, b.cfg.APIKey)
	var resp geminiResponse
	if _, _, err := httpJSON(ctx, b.http, http.MethodPost, url, nil, wire, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("reply has no candidates: %w", ErrMalformedResponse)
	}
	return strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text), nil
}

func (b *geminiBackend) invalidateCache(ctx context.Context) {
	if handle := b.cache.take(); handle != "" {
		b.deleteCache(ctx, handle)
		b.emit(CacheEvent{Kind: "invalidated", Handle: handle})
	}
}
