package metrics

// Minimal metrics provider contract used by the engine subsystems. Backends
// are selected via engine.Config (MetricsBackend); embedders never construct
// providers directly.

import "context"

// Provider is the backend-neutral instrument factory.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}
type Histogram interface{ Observe(v float64, labels ...string) }
type Timer interface{ ObserveDuration(labels ...string) }

type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}
type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Select returns a provider for the configured backend name. Unknown values
// fall back to Prometheus; "noop" and the disabled case return the no-op
// provider.
func Select(enabled bool, backend string) Provider {
	if !enabled {
		return NewNoopProvider()
	}
	switch backend {
	case "", "prom", "prometheus":
		return NewPrometheusProvider(PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return NewOTelProvider(OTelProviderOptions{})
	case "noop":
		return NewNoopProvider()
	default:
		return NewPrometheusProvider(PrometheusProviderOptions{})
	}
}

// noop provider ------------------------------------------------------------

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

func NewNoopProvider() Provider                              { return &noopProvider{} }
func (p *noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (p *noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (p *noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (p *noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (p *noopProvider) Health(context.Context) error { return nil }
func (noopCounter) Inc(float64, ...string)           {}
func (noopGauge) Set(float64, ...string)             {}
func (noopGauge) Add(float64, ...string)             {}
func (noopHistogram) Observe(float64, ...string)     {}
func (noopTimer) ObserveDuration(...string)          {}
