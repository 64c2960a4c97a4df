package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcom/engine/internal/evaluator"
	"batcom/engine/models"
)

// geminiTestServer fakes generateContent plus the cachedContents lifecycle.
type geminiTestServer struct {
	*httptest.Server
	creates   atomic.Int32
	deletes   atomic.Int32
	generates atomic.Int32
	handleSeq atomic.Int32
}

func newGeminiTestServer(t *testing.T) *geminiTestServer {
	t.Helper()
	g := &geminiTestServer{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "cachedContents"):
			g.creates.Add(1)
			n := g.handleSeq.Add(1)
			_, _ = w.Write([]byte(`{"name":"cachedContents/h` + string(rune('0'+n)) + `"}`))
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "cachedContents"):
			g.deletes.Add(1)
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, ":generateContent"):
			g.generates.Add(1)
			_, _ = w.Write([]byte(`{
				"candidates":[{"content":{"parts":[{"text":"` + strings.ReplaceAll(ordersDoc, `"`, `\"`) + `"}]}}],
				"usageMetadata":{"promptTokenCount":1500,"candidatesTokenCount":200,"cachedContentTokenCount":1100,"totalTokenCount":1700}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	return g
}

func geminiClient(t *testing.T, endpoint string, events *[]CacheEvent) *Client {
	t.Helper()
	c, err := New(Config{
		Provider: ProviderGemini,
		Model:    "gemini-2.5-flash",
		Endpoint: endpoint,
		APIKey:   "test-key",
	}, WithCacheObserver(func(ev CacheEvent) {
		if events != nil {
			*events = append(*events, ev)
		}
	}))
	require.NoError(t, err)
	return c
}

func ctxWithObjectives(ids ...string) *Context {
	evals := make([]evaluator.ObjectiveEval, 0, len(ids))
	for _, id := range ids {
		evals = append(evals, evaluator.ObjectiveEval{Objective: models.Objective{ID: id, Radius: 100}})
	}
	return &Context{Objectives: evals}
}

func TestGeminiCreatesCacheOnFirstCallAndReuses(t *testing.T) {
	srv := newGeminiTestServer(t)
	defer srv.Close()
	var events []CacheEvent
	c := geminiClient(t, srv.URL, &events)

	dc := ctxWithObjectives("obj_alpha")
	_, err := c.GenerateOrders(context.Background(), dc)
	require.NoError(t, err)
	_, err = c.GenerateOrders(context.Background(), dc)
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.creates.Load(), "one cache creation across identical contexts")
	assert.Equal(t, int32(2), srv.generates.Load())
	kinds := cacheKinds(events)
	assert.Equal(t, []string{"created", "reused"}, kinds)
}

func TestGeminiObjectiveChangeInvalidatesOnce(t *testing.T) {
	srv := newGeminiTestServer(t)
	defer srv.Close()
	var events []CacheEvent
	c := geminiClient(t, srv.URL, &events)

	_, err := c.GenerateOrders(context.Background(), ctxWithObjectives("obj_alpha"))
	require.NoError(t, err)

	// Changing the objective set must force exactly one invalidation and
	// one new-cache creation on the next call.
	_, err = c.GenerateOrders(context.Background(), ctxWithObjectives("obj_alpha", "obj_bravo"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.creates.Load())
	assert.Equal(t, int32(1), srv.deletes.Load())
	kinds := cacheKinds(events)
	assert.Equal(t, []string{"created", "invalidated", "created"}, kinds)
}

func TestGeminiCacheFailureFallsBackInline(t *testing.T) {
	var generates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "cachedContents") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		generates.Add(1)
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"{}"}]}}],
			"usageMetadata":{"promptTokenCount":4300,"candidatesTokenCount":100,"totalTokenCount":4400}
		}`))
	}))
	defer srv.Close()
	var events []CacheEvent
	c := geminiClient(t, srv.URL, &events)

	reply, err := c.GenerateOrders(context.Background(), ctxWithObjectives("obj_alpha"))
	require.NoError(t, err, "caching failure must not raise")
	assert.Equal(t, int32(1), generates.Load())
	assert.Equal(t, 0, reply.Usage.Cached)
	require.NotEmpty(t, events)
	assert.Equal(t, "failed", events[0].Kind)
}

func TestGeminiInvalidateCacheDeletesRemote(t *testing.T) {
	srv := newGeminiTestServer(t)
	defer srv.Close()
	c := geminiClient(t, srv.URL, nil)
	_, err := c.GenerateOrders(context.Background(), ctxWithObjectives("obj_alpha"))
	require.NoError(t, err)
	c.InvalidateCache(context.Background())
	assert.Equal(t, int32(1), srv.deletes.Load())
	// Next call builds a fresh cache.
	_, err = c.GenerateOrders(context.Background(), ctxWithObjectives("obj_alpha"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.creates.Load())
}

func TestGeminiThoughtsSeparatedFromCommentary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "cachedContents") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"parts":[
				{"text":"internal reasoning","thought":true},
				{"text":"{\"orders\":[]}"}
			]}}],
			"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}
		}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		Provider: ProviderGemini, Model: "m", Endpoint: srv.URL, APIKey: "k",
		Thinking: Thinking{Enabled: true, Mode: ThinkingNativeSDK, Budget: 1024, IncludeThoughts: true},
	})
	require.NoError(t, err)
	reply, err := c.GenerateOrders(context.Background(), ctxWithObjectives())
	require.NoError(t, err)
	assert.Equal(t, "internal reasoning", reply.Thoughts)
	assert.Equal(t, `{"orders":[]}`, reply.Commentary)
}

func cacheKinds(events []CacheEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}
