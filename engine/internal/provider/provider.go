package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"batcom/engine/internal/evaluator"
	"batcom/engine/internal/pool"
	"batcom/engine/models"
)

// Provider identifiers accepted in configuration.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderAzure     = "azure"
	ProviderLocal     = "local"
)

var (
	ErrBreakerOpen         = errors.New("provider circuit breaker open")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrAuthFailure         = errors.New("provider authentication failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrMalformedResponse   = errors.New("provider response malformed")
)

// ThinkingMode selects how reasoning knobs are expressed on the wire.
type ThinkingMode string

const (
	ThinkingNativeSDK    ThinkingMode = "native_sdk"
	ThinkingOpenAICompat ThinkingMode = "openai_compat"
)

// Thinking carries the reasoning configuration shared by all variants.
type Thinking struct {
	Enabled bool
	Mode    ThinkingMode
	// Budget is a token count, or -1 for provider-dynamic, or 0 for off.
	Budget int
	// Effort applies in openai_compat mode: minimal|low|medium|high|none.
	Effort          string
	IncludeThoughts bool
}

// Config parameterizes one provider client.
type Config struct {
	Provider     string
	Model        string
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	MinInterval  time.Duration
	RateLimitRPM int
	Thinking     Thinking
}

// Capabilities is the variant capability set the engine dispatches on
// instead of a type hierarchy.
type Capabilities struct {
	Name            string
	SupportsCaching bool
	SupportsThinking bool
}

// Context is the full decision context handed to GenerateOrders. The client
// splits it into a cacheable part (system prompt, objectives, history) and a
// dynamic part (world state, intent) per the caching contract.
type Context struct {
	SystemPrompt    string
	Objectives      []evaluator.ObjectiveEval
	History         []models.DecisionCycle
	Snapshot        *models.Snapshot
	MissionIntent   string
	FriendlySides   []string
	ControlledSides []string
	Pool            []pool.SummaryLine
	Bounds          models.Bounds
	PreviousAOs     []string
}

// Reply is a successful generation result. RawRequest/RawResponse are the
// wire bodies, retained for the API call log.
type Reply struct {
	Commentary  string
	Thoughts    string
	RawOrders   []byte
	Usage       models.TokenUsage
	RawRequest  []byte
	RawResponse []byte
}

// CacheEvent records a caching-path outcome for telemetry; caching failures
// degrade to inline context and are never raised.
type CacheEvent struct {
	Kind   string // "created", "reused", "invalidated", "failed"
	Handle string
	Err    error
}

// request is the rendered prompt handed to a backend.
type request struct {
	system    string
	cacheable string
	dynamic   string
	cacheHash string
	thinking  Thinking
}

// backend is one wire-level variant. Backends do no pacing, breaking or
// retrying; the Client wrapper owns all of that.
type backend interface {
	generate(ctx context.Context, req request) (*Reply, error)
	testConnection(ctx context.Context) (string, error)
	capabilities() Capabilities
	invalidateCache(ctx context.Context)
}

// Client wraps a backend with pacing, retry, circuit breaking and cache-event
// observation. One Client exists per engine; admin reconfiguration replaces
// it wholesale.
type Client struct {
	cfg     Config
	backend backend
	breaker *Breaker
	pacer   *Pacer
	observe func(CacheEvent)
}

// Option mutates client construction.
type Option func(*Client)

// WithCacheObserver registers a callback for cache lifecycle events.
func WithCacheObserver(fn func(CacheEvent)) Option {
	return func(c *Client) { c.observe = fn }
}

// New builds a client for the configured variant. Unknown providers fail
// closed at construction.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		breaker: NewBreaker(3),
		pacer:   NewPacer(cfg.MinInterval, cfg.RateLimitRPM),
		observe: func(CacheEvent) {},
	}
	for _, o := range opts {
		o(c)
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini:
		c.backend = newGeminiBackend(cfg, c.emitCacheEvent)
	case ProviderOpenAI, ProviderDeepSeek, ProviderAzure, ProviderLocal:
		b, err := newOpenAIBackend(cfg)
		if err != nil {
			return nil, err
		}
		c.backend = b
	case ProviderAnthropic:
		c.backend = newAnthropicBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: API key required", cfg.Provider)
	}
	return c, nil
}

func (c *Client) emitCacheEvent(ev CacheEvent) { c.observe(ev) }

// Capabilities reports the active variant's capability set.
func (c *Client) Capabilities() Capabilities { return c.backend.capabilities() }

// Breaker exposes breaker state for health probes and admin control.
func (c *Client) Breaker() *Breaker { return c.breaker }

// GenerateOrders runs one consultation: pace, call, retry once on transient
// failure with jittered backoff, and feed the breaker.
func (c *Client) GenerateOrders(ctx context.Context, dc *Context) (*Reply, error) {
	if c.breaker.Open() {
		return nil, ErrBreakerOpen
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	req := renderRequest(dc, c.cfg.Thinking)
	reply, err := c.callWithRetry(ctx, req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	reply.Usage.Provider = c.cfg.Provider
	reply.Usage.Model = c.cfg.Model
	return reply, nil
}

func (c *Client) callWithRetry(ctx context.Context, req request) (*Reply, error) {
	reply, err := c.callOnce(ctx, req)
	if err == nil || !transient(err) {
		return reply, err
	}
	if sleepErr := sleepCtx(ctx, backoffDelay(1)); sleepErr != nil {
		return nil, sleepErr
	}
	return c.callOnce(ctx, req)
}

func (c *Client) callOnce(ctx context.Context, req request) (*Reply, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	start := time.Now()
	reply, err := c.backend.generate(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call timed out after %s: %w", c.cfg.Timeout, ErrProviderUnavailable)
		}
		return nil, err
	}
	reply.Usage.Latency = time.Since(start)
	return reply, nil
}

// TestConnection issues a minimal round trip and returns the greeting.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	if c.breaker.Open() {
		return "", ErrBreakerOpen
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	greeting, err := c.backend.testConnection(callCtx)
	if err != nil {
		c.breaker.RecordFailure()
		return "", err
	}
	c.breaker.RecordSuccess()
	return greeting, nil
}

// InvalidateCache discards any native cache handle; used on emergency stop
// and when the cacheable context changes wholesale.
func (c *Client) InvalidateCache(ctx context.Context) {
	c.backend.invalidateCache(ctx)
}

// Model reports the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Name reports the configured provider identifier.
func (c *Client) Name() string { return c.cfg.Provider }

// transient classifies retry-worthy failures per the error taxonomy.
func transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable)
}
