package tracing

import (
	"context"
	"testing"
)

func TestAdaptiveTracerAlwaysSampled(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 100 })
	ctx, sp := tr.StartSpan(context.Background(), "decision_cycle")
	if sp.IsEnded() {
		t.Fatalf("expected live span at 100%% sampling")
	}
	traceID, spanID := ExtractIDs(ctx)
	if traceID == "" || spanID == "" {
		t.Fatalf("expected ids, got %q/%q", traceID, spanID)
	}

	// Children inherit the trace and chain their parent span.
	childCtx, child := tr.StartSpan(ctx, "provider_call")
	childTrace, childSpan := ExtractIDs(childCtx)
	if childTrace != traceID {
		t.Fatalf("child trace %q != parent %q", childTrace, traceID)
	}
	if childSpan == spanID {
		t.Fatalf("child span must differ from parent")
	}
	if child.Context().ParentSpanID != spanID {
		t.Fatalf("parent link missing")
	}
	child.End()
	sp.End()
	if !sp.IsEnded() || sp.Context().End.IsZero() {
		t.Fatalf("expected ended span with end time")
	}
}

func TestAdaptiveTracerZeroPercent(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	ctx, _ := tr.StartSpan(context.Background(), "decision_cycle")
	if traceID, _ := ExtractIDs(ctx); traceID != "" {
		t.Fatalf("expected unsampled span, got trace %q", traceID)
	}
}

func TestNoopTracer(t *testing.T) {
	tr := NewNoopTracer()
	if !tr.Noop() {
		t.Fatalf("expected noop")
	}
	ctx, sp := tr.StartSpan(context.Background(), "x")
	if !sp.IsEnded() {
		t.Fatalf("noop spans are pre-ended")
	}
	if traceID, spanID := ExtractIDs(ctx); traceID != "" || spanID != "" {
		t.Fatalf("noop must not inject ids")
	}
	var nilCtx context.Context
	if traceID, spanID := ExtractIDs(nilCtx); traceID != "" || spanID != "" {
		t.Fatalf("nil context must be safe")
	}
}
