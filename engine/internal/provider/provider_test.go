package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersDoc = `{"reasoning":"hold","orders":[{"type":"move_to","group_id":"g1","parameters":{"position":[1,2,0]}}]}`

func oaiServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func oaiReply(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		"usage": map[string]any{
			"prompt_tokens": 1500, "completion_tokens": 300, "total_tokens": 1800,
			"prompt_tokens_details": map[string]any{"cached_tokens": 1100},
		},
	})
	return string(data)
}

func localClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(Config{
		Provider: ProviderLocal,
		Model:    "test-model",
		Endpoint: endpoint,
		APIKey:   "test-key",
	})
	require.NoError(t, err)
	return c
}

func TestGenerateOrdersSuccess(t *testing.T) {
	srv := oaiServer(t, http.StatusOK, oaiReply(ordersDoc))
	defer srv.Close()
	c := localClient(t, srv.URL)

	reply, err := c.GenerateOrders(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Equal(t, ordersDoc, string(reply.RawOrders))
	assert.Equal(t, 1500, reply.Usage.Input)
	assert.Equal(t, 300, reply.Usage.Output)
	assert.Equal(t, 1100, reply.Usage.Cached)
	assert.Equal(t, ProviderLocal, reply.Usage.Provider)
	assert.Equal(t, "test-model", reply.Usage.Model)
	assert.Greater(t, reply.Usage.Latency.Nanoseconds(), int64(0))
	assert.NotEmpty(t, reply.RawRequest)
	assert.NotEmpty(t, reply.RawResponse)
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuthFailure},
		{http.StatusForbidden, ErrAuthFailure},
		{http.StatusBadRequest, ErrMalformedResponse},
		{http.StatusInternalServerError, ErrProviderUnavailable},
		{http.StatusBadGateway, ErrProviderUnavailable},
	}
	for _, tc := range cases {
		srv := oaiServer(t, tc.status, `{}`)
		c := localClient(t, srv.URL)
		_, err := c.GenerateOrders(context.Background(), &Context{})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestTransientRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(oaiReply(ordersDoc)))
	}))
	defer srv.Close()
	c := localClient(t, srv.URL)

	_, err := c.GenerateOrders(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Breaker().Failures())
}

func TestPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := localClient(t, srv.URL)

	_, err := c.GenerateOrders(context.Background(), &Context{})
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Breaker().Failures())
}

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := localClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		_, err := c.GenerateOrders(context.Background(), &Context{})
		require.Error(t, err)
	}
	assert.True(t, c.Breaker().Open())

	// Further calls fail fast without touching the network.
	before := calls.Load()
	_, err := c.GenerateOrders(context.Background(), &Context{})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, calls.Load())
}

func TestUnknownProviderAndMissingKey(t *testing.T) {
	_, err := New(Config{Provider: "oracle", Model: "m", APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{Provider: ProviderOpenAI, Model: "m"})
	assert.Error(t, err)
	_, err = New(Config{Provider: ProviderAzure, Model: "m", APIKey: "k"})
	assert.Error(t, err, "azure requires endpoint")
}

func TestCapabilities(t *testing.T) {
	srv := oaiServer(t, http.StatusOK, "{}")
	defer srv.Close()
	c := localClient(t, srv.URL)
	caps := c.Capabilities()
	assert.False(t, caps.SupportsCaching)
	assert.True(t, caps.SupportsThinking)

	g, err := New(Config{Provider: ProviderGemini, Model: "gemini-2.5-flash", APIKey: "k"})
	require.NoError(t, err)
	assert.True(t, g.Capabilities().SupportsCaching)
}

func TestTestConnection(t *testing.T) {
	srv := oaiServer(t, http.StatusOK, oaiReply("BATCOM standing by."))
	defer srv.Close()
	c := localClient(t, srv.URL)
	greeting, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BATCOM standing by.", greeting)
}

func TestReasoningEffortOnlyInCompatMode(t *testing.T) {
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(oaiReply(ordersDoc)))
	}))
	defer srv.Close()

	c, err := New(Config{
		Provider: ProviderLocal, Model: "m", Endpoint: srv.URL, APIKey: "k",
		Thinking: Thinking{Enabled: true, Mode: ThinkingOpenAICompat, Effort: "high"},
	})
	require.NoError(t, err)
	_, err = c.GenerateOrders(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Contains(t, string(lastBody), `"reasoning_effort":"high"`)

	c2, err := New(Config{
		Provider: ProviderLocal, Model: "m", Endpoint: srv.URL, APIKey: "k",
		Thinking: Thinking{Enabled: true, Mode: ThinkingOpenAICompat, Effort: "none"},
	})
	require.NoError(t, err)
	_, err = c2.GenerateOrders(context.Background(), &Context{})
	require.NoError(t, err)
	assert.NotContains(t, string(lastBody), "reasoning_effort")
}
