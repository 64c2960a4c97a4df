// Package engine composes the BATCOM decision subsystems behind a single
// facade. The host bridge talks to an Engine; everything below it lives in
// internal packages.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"batcom/engine/internal/commander"
	"batcom/engine/internal/pool"
	"batcom/engine/internal/provider"
	"batcom/engine/internal/queue"
	"batcom/engine/internal/state"
	"batcom/engine/internal/telemetry/apilog"
	telemEvents "batcom/engine/internal/telemetry/events"
	"batcom/engine/internal/telemetry/logging"
	intmetrics "batcom/engine/internal/telemetry/metrics"
	"batcom/engine/internal/telemetry/tokens"
	telemetrytracing "batcom/engine/internal/telemetry/tracing"
	telemetryhealth "batcom/engine/telemetry/health"
	"batcom/engine/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version reported by the init RPC.
const Version = "1.4.0"

// TelemetryEvent is the reduced, stable event representation for external
// observers.
type TelemetryEvent struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	SpanID   string            `json:"span_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Snapshot is a unified diagnostic view of engine state.
type Snapshot struct {
	StartedAt    time.Time          `json:"started_at"`
	Uptime       time.Duration      `json:"uptime"`
	AOPhase      string             `json:"ao_phase"`
	QueueDepth   int                `json:"queue_depth"`
	Commander    commander.Snapshot `json:"commander"`
	BreakerState string             `json:"breaker_state,omitempty"`
	Provider     string             `json:"provider,omitempty"`
	Model        string             `json:"model,omitempty"`
	Tokens       tokens.Stats       `json:"tokens"`
}

// Engine is the BATCOM decision engine facade.
type Engine struct {
	cfg Config

	log       logging.Logger
	metrics   intmetrics.Provider
	tracer    telemetrytracing.Tracer
	eventBus  telemEvents.Bus
	state     *state.Manager
	pool      *pool.Pool
	templates *pool.TemplateStore
	queue     *queue.Queue
	tokens    *tokens.Tracker
	cmd       *commander.Commander

	healthEval *telemetryhealth.Evaluator

	// loopMu serializes snapshot ingestion and admin mutation, standing in
	// for the single event loop: a snapshot that begins processing first
	// finishes its state update before the next begins.
	loopMu sync.Mutex

	clientMu  sync.RWMutex
	client    *provider.Client
	adminKeys map[string]string

	// controlWhitelist restricts order targets when non-empty
	// (commanderControlGroups). Mutated under loopMu.
	controlWhitelist map[string]bool

	apilogMu sync.Mutex
	apilogW  *apilog.Writer

	// inflight holds the cancel func of the provider call in progress so
	// emergencyStop can abort it best-effort.
	inflight atomic.Value // context.CancelFunc

	started   atomic.Bool
	startedAt time.Time

	// lastTokens is the lifetime bucket at the previous consultation, used
	// to derive per-cycle metric deltas. Mutated under loopMu.
	lastTokens tokens.Bucket

	// metrics instruments
	mCycles       intmetrics.Counter
	mOrders       intmetrics.Counter
	mRejected     intmetrics.Counter
	mTokensTotal  intmetrics.Counter
	mQueueDepth   intmetrics.Gauge
	mBreakerState intmetrics.Gauge
	mCallLatency  intmetrics.Histogram

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver
	eventSub         telemEvents.Subscription
}

// New constructs and starts an Engine from the supplied configuration.
// Missing API key with ai.enabled is a fatal ConfigError: the engine fails
// closed rather than starting undeployable.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		state:     state.New(),
		queue:     queue.New(queueLimit(cfg)),
		tokens:    tokens.NewTracker(),
		adminKeys: map[string]string{},
		startedAt: time.Now(),
	}
	e.log = buildLogger(cfg.Logging)
	e.metrics = intmetrics.Select(cfg.MetricsEnabled, cfg.MetricsBackend)
	e.tracer = telemetrytracing.NewAdaptiveTracer(func() float64 { return e.cfg.TraceSamplePercent })
	e.eventBus = telemEvents.NewBus(e.metrics)
	e.initInstruments()

	if cfg.GuardrailsPath != "" {
		if err := e.loadGuardrailsFile(cfg.GuardrailsPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	e.pool = pool.New(e.cfg.Guardrails.ResourcePool)
	ts, err := pool.NewTemplateStore(cfg.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e.templates = ts

	e.cmd = commander.New(commander.Deps{
		State:  e.state,
		Pool:   e.pool,
		Queue:  e.queue,
		Tokens: e.tokens,
		Events: e.eventBus,
		Log:    e.log,
		Tracer: e.tracer,
		Client: e.activeClient,
		APILog: e.activeAPILog,
	})
	e.cmd.SetMinInterval(e.cfg.AI.MinIntervalDuration())
	e.cmd.SetLogThoughts(e.cfg.AI.LogThoughts)
	e.cmd.SetGuardrails(e.guardrailsView())

	if e.cfg.AI.Enabled {
		if err := e.rebuildClient(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	e.healthEval = telemetryhealth.NewEvaluator(2*time.Second, e.healthProbes()...)
	e.healthEval.OnChange(func(previous, current telemetryhealth.Status) {
		_ = e.eventBus.Publish(telemEvents.Event{
			Category: telemEvents.CategoryHealth, Type: "health_change", Severity: "info",
			Fields: map[string]any{"previous": string(previous), "current": string(current)},
		})
	})
	e.startEventBridge()
	e.started.Store(true)
	return e, nil
}

func queueLimit(cfg Config) int {
	if cfg.Runtime.MaxCommandsPerTick <= 0 {
		return 0
	}
	return cfg.Runtime.MaxCommandsPerTick * 4
}

func buildLogger(lc LoggingConfig) logging.Logger {
	level := logging.ParseLevel(lc.Level)
	// Host console echo writes to stdout, which the bridge scrapes into the
	// host log; otherwise logs stay on stderr.
	out := os.Stderr
	if lc.EchoToHostConsole {
		out = os.Stdout
	}
	return logging.New(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

func (e *Engine) initInstruments() {
	ns := func(sub, name, help string, labels ...string) intmetrics.CommonOpts {
		return intmetrics.CommonOpts{Namespace: "batcom", Subsystem: sub, Name: name, Help: help, Labels: labels}
	}
	e.mCycles = e.metrics.NewCounter(intmetrics.CounterOpts{CommonOpts: ns("commander", "cycles_total", "Decision cycles consulted")})
	e.mOrders = e.metrics.NewCounter(intmetrics.CounterOpts{CommonOpts: ns("sandbox", "orders_accepted_total", "Orders accepted by the sandbox")})
	e.mRejected = e.metrics.NewCounter(intmetrics.CounterOpts{CommonOpts: ns("sandbox", "orders_rejected_total", "Orders rejected by the sandbox")})
	e.mTokensTotal = e.metrics.NewCounter(intmetrics.CounterOpts{CommonOpts: ns("provider", "tokens_total", "Total tokens consumed", "kind")})
	e.mQueueDepth = e.metrics.NewGauge(intmetrics.GaugeOpts{CommonOpts: ns("queue", "depth", "Pending commands awaiting drain")})
	e.mBreakerState = e.metrics.NewGauge(intmetrics.GaugeOpts{CommonOpts: ns("provider", "breaker_open", "1 when the circuit breaker is open")})
	e.mCallLatency = e.metrics.NewHistogram(intmetrics.HistogramOpts{CommonOpts: ns("provider", "call_latency_seconds", "Provider round-trip latency")})
}

// startEventBridge relays internal bus events to registered facade
// observers.
func (e *Engine) startEventBridge() {
	sub, err := e.eventBus.Subscribe(256)
	if err != nil {
		return
	}
	e.eventSub = sub
	go func() {
		for ev := range sub.C() {
			if ev.Category == telemEvents.CategorySandbox && ev.Type == "order_rejected" {
				e.mRejected.Inc(1)
			}
			e.dispatchEvent(ev)
		}
	}()
}

func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	e.eventObserversMu.RLock()
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers {
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// RegisterEventObserver adds an observer invoked for each telemetry event.
// Safe for concurrent use; nil observers are ignored.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

// loadGuardrailsFile merges guardrails.json (provider, model, API key,
// endpoint, rate limit) over the AI config. Read at init only.
func (e *Engine) loadGuardrailsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read guardrails file: %w", err)
	}
	var gr struct {
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		APIKey       string `json:"api_key"`
		Endpoint     string `json:"endpoint"`
		RateLimitRPM int    `json:"rate_limit_rpm"`
	}
	if err := json.Unmarshal(data, &gr); err != nil {
		return fmt.Errorf("parse guardrails file: %w", err)
	}
	if gr.Provider != "" {
		e.cfg.AI.Provider = gr.Provider
	}
	if gr.Model != "" {
		e.cfg.AI.Model = gr.Model
	}
	if gr.APIKey != "" {
		e.cfg.AI.APIKey = gr.APIKey
	}
	if gr.Endpoint != "" {
		e.cfg.AI.Endpoint = gr.Endpoint
	}
	if gr.RateLimitRPM > 0 {
		e.cfg.AI.RateLimitRPM = gr.RateLimitRPM
	}
	return nil
}

// rebuildClient constructs the provider client from current AI config plus
// any in-session admin key. Caller must not hold clientMu.
func (e *Engine) rebuildClient() error {
	ai := e.cfg.AI
	key, err := ResolveAPIKey(e.adminKeys[strings.ToLower(ai.Provider)], ai.APIKey, ai.Provider)
	if err != nil {
		return err
	}
	thinking := provider.Thinking{
		Enabled:         ai.ThinkingEnabled,
		Mode:            provider.ThinkingMode(ai.ThinkingMode),
		Budget:          ai.ThinkingBudgetTokens(),
		Effort:          ai.ReasoningEffort,
		IncludeThoughts: ai.IncludeThoughts || ai.LogThoughts,
	}
	client, err := provider.New(provider.Config{
		Provider:     ai.Provider,
		Model:        ai.Model,
		Endpoint:     ai.Endpoint,
		APIKey:       key,
		Timeout:      ai.TimeoutDuration(),
		MinInterval:  ai.MinIntervalDuration(),
		RateLimitRPM: ai.RateLimitRPM,
		Thinking:     thinking,
	}, provider.WithCacheObserver(e.onCacheEvent))
	if err != nil {
		return err
	}
	e.clientMu.Lock()
	e.client = client
	e.clientMu.Unlock()
	return nil
}

func (e *Engine) onCacheEvent(ev provider.CacheEvent) {
	fields := map[string]any{"kind": ev.Kind}
	if ev.Handle != "" {
		fields["handle"] = ev.Handle
	}
	severity := "info"
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
		severity = "warn"
	}
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryCache, Type: "cache_" + ev.Kind, Severity: severity, Fields: fields})
}

func (e *Engine) activeClient() *provider.Client {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	return e.client
}

func (e *Engine) activeAPILog() *apilog.Writer {
	e.apilogMu.Lock()
	defer e.apilogMu.Unlock()
	return e.apilogW
}

func (e *Engine) guardrailsView() commander.Guardrails {
	return commander.Guardrails{
		SandboxEnabled: e.cfg.Safety.SandboxEnabled,
		Allowed:        e.cfg.Safety.AllowedCommands,
		Blocked:        e.cfg.Safety.BlockedCommands,
		Bounds:                e.cfg.Guardrails.AOBounds,
		MaxUnitsPerSide:       e.cfg.Safety.MaxUnitsPerSide,
		MaxGroupsPerObjective: e.cfg.Safety.MaxGroupsPerObjective,
		ControlWhitelist:      e.controlWhitelist,
	}
}

// Initialized reports whether the engine is running.
func (e *Engine) Initialized() bool { return e.started.Load() }

// IngestSnapshot normalizes and processes one raw snapshot payload from the
// bridge. A malformed snapshot is dropped without touching state.
func (e *Engine) IngestSnapshot(raw any) error {
	if !e.started.Load() {
		return fmt.Errorf("engine not initialized")
	}
	snap, err := models.IngestSnapshot(raw)
	if err != nil {
		e.log.WarnCtx(context.Background(), "snapshot dropped", "err", err)
		return err
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.inflight.Store(cancel)
	defer func() {
		cancel()
		e.inflight.Store(context.CancelFunc(func() {}))
	}()

	consulted := e.cmd.Ingest(ctx, snap)
	if consulted {
		e.mCycles.Inc(1)
		e.observeTokens()
	}
	e.observeGauges()
	return nil
}

// observeTokens feeds the token counters from the tracker's lifetime delta
// since the previous consultation.
func (e *Engine) observeTokens() {
	life := e.tokens.Snapshot().Lifetime
	e.mTokensTotal.Inc(float64(life.Input-e.lastTokens.Input), "input")
	e.mTokensTotal.Inc(float64(life.Output-e.lastTokens.Output), "output")
	e.mTokensTotal.Inc(float64(life.Cached-e.lastTokens.Cached), "cached")
	if dLat := life.Latency - e.lastTokens.Latency; dLat > 0 && life.Calls > e.lastTokens.Calls {
		e.mCallLatency.Observe(dLat.Seconds() / float64(life.Calls-e.lastTokens.Calls))
	}
	e.lastTokens = life
}

func (e *Engine) observeGauges() {
	e.mQueueDepth.Set(float64(e.queue.Len()))
	open := 0.0
	if c := e.activeClient(); c != nil && c.Breaker().Open() {
		open = 1
	}
	e.mBreakerState.Set(open)
}

// PendingCommands drains up to the per-tick limit of validated commands.
func (e *Engine) PendingCommands() []models.Command {
	maxN := e.cfg.Runtime.MaxCommandsPerTick
	cmds := e.queue.Drain(maxN)
	e.mQueueDepth.Set(float64(e.queue.Len()))
	e.mOrders.Inc(float64(len(cmds)))
	return cmds
}

// TestConnection issues a minimal provider round trip.
func (e *Engine) TestConnection(ctx context.Context) (model, greeting string, err error) {
	client := e.activeClient()
	if client == nil {
		return "", "", fmt.Errorf("ai disabled")
	}
	greeting, err = client.TestConnection(ctx)
	return client.Model(), greeting, err
}

// TokenStats snapshots the usage tracker and appends a JSONL record under
// the log directory. The append is telemetry: failures are logged, not
// returned.
func (e *Engine) TokenStats() tokens.Stats {
	st := e.tokens.Snapshot()
	if e.cfg.LogDir != "" {
		line, err := json.Marshal(struct {
			At time.Time `json:"at"`
			tokens.Stats
		}{At: time.Now().UTC(), Stats: st})
		if err == nil {
			path := filepath.Join(e.cfg.LogDir, "token_usage.jsonl")
			if err := appendLine(path, line); err != nil {
				e.log.WarnCtx(context.Background(), "token usage append failed", "err", err)
			}
		}
	}
	return st
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Snapshot returns the unified diagnostic view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:  e.startedAt,
		Uptime:     time.Since(e.startedAt),
		AOPhase:    e.state.Phase(),
		QueueDepth: e.queue.Len(),
		Commander:  e.cmd.View(),
		Tokens:     e.tokens.Snapshot(),
	}
	if c := e.activeClient(); c != nil {
		snap.BreakerState = c.Breaker().State()
		snap.Provider = c.Name()
		snap.Model = c.Model()
	}
	return snap
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	if e.healthEval == nil {
		return telemetryhealth.Snapshot{}
	}
	return e.healthEval.Evaluate(ctx)
}

func (e *Engine) healthProbes() []telemetryhealth.Probe {
	breakerProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		c := e.activeClient()
		if c == nil {
			return telemetryhealth.Healthy("provider")
		}
		switch c.Breaker().State() {
		case provider.BreakerOpen:
			return telemetryhealth.Unhealthy("provider", "circuit breaker open")
		case provider.BreakerHalfOpen:
			return telemetryhealth.Degraded("provider", "circuit breaker probing")
		}
		return telemetryhealth.Healthy("provider")
	})
	queueProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		limit := queueLimit(e.cfg)
		depth := e.queue.Len()
		if limit > 0 && depth >= limit {
			return telemetryhealth.Degraded("queue", "at capacity, host not draining")
		}
		return telemetryhealth.Healthy("queue")
	})
	aoProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		return telemetryhealth.Healthy("ao_" + e.state.Phase())
	})
	return []telemetryhealth.Probe{breakerProbe, queueProbe, aoProbe}
}

// MetricsHandler returns the Prometheus exposition handler, or nil when the
// active backend has none.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.metrics.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Stop shuts the engine down: seals any running AO, closes files and
// watchers. Idempotent.
func (e *Engine) Stop() error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.state.Running() {
		if _, err := e.state.EndAO(); err != nil {
			e.log.WarnCtx(context.Background(), "seal AO on shutdown", "err", err)
		}
	}
	e.closeAPILog()
	if e.templates != nil {
		_ = e.templates.Close()
	}
	if e.eventSub != nil {
		_ = e.eventSub.Close()
	}
	return nil
}

func (e *Engine) closeAPILog() {
	e.apilogMu.Lock()
	if e.apilogW != nil {
		e.apilogW.Close()
		e.apilogW = nil
	}
	e.apilogMu.Unlock()
}
