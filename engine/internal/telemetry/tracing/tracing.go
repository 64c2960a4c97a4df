package tracing

// Lightweight internal tracer for decision cycles and provider calls. Spans
// carry IDs only as far as the correlated logger and the event bus need
// them; there is no export pipeline.

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

// Span is one traced operation.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext identifies a span and its position in the trace.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Start, End   time.Time
}

// Tracer starts spans. Implementations decide per trace whether to sample.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}

type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool { return true }

func (noopSpan) End()                     {}
func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) Context() SpanContext     { return SpanContext{} }
func (noopSpan) IsEnded() bool            { return true }

// NewNoopTracer returns a tracer that samples nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

// adaptiveTracer samples a percentage of root spans; child spans inherit
// their parent's sampling decision through the context.
type adaptiveTracer struct {
	percentFn func() float64
}

// NewAdaptiveTracer builds a percent-sampled tracer. percentFn is consulted
// at every root span so the rate can be tuned at runtime; nil disables
// tracing entirely.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{percentFn: percentFn}
}

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		pct := a.percentFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
		traceID = newID(16)
	}
	sp := &activeSpan{
		name: name,
		ctx: SpanContext{
			TraceID:      traceID,
			SpanID:       newID(8),
			ParentSpanID: parent.ctx.SpanID,
			Start:        time.Now(),
		},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (a *adaptiveTracer) Noop() bool { return false }

type activeSpan struct {
	name  string
	mu    sync.Mutex
	ctx   SpanContext
	ended bool
	attrs map[string]any
}

func (s *activeSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}

func (s *activeSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
	s.mu.Unlock()
}

func (s *activeSpan) Context() SpanContext { return s.ctx }

func (s *activeSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

func spanFromContext(ctx context.Context) *activeSpan {
	if ctx == nil {
		return &activeSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*activeSpan); ok {
		return sp
	}
	return &activeSpan{}
}

// ExtractIDs returns the trace and span IDs carried by ctx, empty when the
// context holds no sampled span.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := spanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
