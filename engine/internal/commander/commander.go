package commander

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"batcom/engine/internal/evaluator"
	"batcom/engine/internal/orders"
	"batcom/engine/internal/pool"
	"batcom/engine/internal/provider"
	"batcom/engine/internal/queue"
	"batcom/engine/internal/state"
	"batcom/engine/internal/telemetry/apilog"
	"batcom/engine/internal/telemetry/events"
	"batcom/engine/internal/telemetry/logging"
	"batcom/engine/internal/telemetry/tokens"
	"batcom/engine/internal/telemetry/tracing"
	"batcom/engine/models"
)

// Guardrails is the sandbox configuration slice the commander consults every
// cycle. The engine facade swaps it atomically on admin updates.
type Guardrails struct {
	SandboxEnabled        bool
	Allowed               []string
	Blocked               []string
	Bounds                models.Bounds
	MaxUnitsPerSide       int
	MaxGroupsPerObjective int
	ControlWhitelist      map[string]bool
}

// Deps are the collaborating subsystems, owned by the engine facade.
type Deps struct {
	State  *state.Manager
	Pool   *pool.Pool
	Queue  *queue.Queue
	Tokens *tokens.Tracker
	Events events.Bus
	Log    logging.Logger
	Tracer tracing.Tracer

	// Client returns the active provider client, or nil when AI is disabled.
	Client func() *provider.Client
	// APILog returns the active per-AO log writer, or nil between AOs.
	APILog func() *apilog.Writer
}

// Commander runs the per-snapshot decision flow. All methods are called from
// the engine's serialized ingestion path; internal state needs no locking
// beyond the mutex guarding the fields shared with admin handlers.
type Commander struct {
	deps Deps

	mu                  sync.Mutex
	deployed            bool
	minInterval         time.Duration
	systemPrompt        string
	missionIntent       string
	friendlySides       []string
	controlledSides     []string
	guardrails          Guardrails
	logThoughts         bool
	consecutiveFailures int
	lastDecisionWall    time.Time
	lastDecisionMission float64
	lastEvalDigest      string
	engaged             map[string]bool
	commanded           map[string]bool
	breakerWasOpen      bool
	now                 func() time.Time
}

// New creates a commander with the 30 s default pacing.
func New(deps Deps) *Commander {
	if deps.Tracer == nil {
		deps.Tracer = tracing.NewNoopTracer()
	}
	return &Commander{
		deps:        deps,
		minInterval: 30 * time.Second,
		engaged:     map[string]bool{},
		commanded:   map[string]bool{},
		guardrails:  Guardrails{SandboxEnabled: true},
		now:         time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Commander) WithClock(now func() time.Time) *Commander {
	c.now = now
	return c
}

// SetDeployed toggles decision making; redeploying also probes the breaker.
func (c *Commander) SetDeployed(deployed bool) {
	c.mu.Lock()
	c.deployed = deployed
	c.mu.Unlock()
	if deployed {
		if client := c.deps.Client(); client != nil {
			client.Breaker().Redeploy()
		}
	}
}

// Deployed reports whether the commander is making decisions.
func (c *Commander) Deployed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployed
}

// SetMinInterval adjusts decision pacing; min_interval is the single source
// of truth at runtime.
func (c *Commander) SetMinInterval(d time.Duration) {
	c.mu.Lock()
	c.minInterval = d
	c.mu.Unlock()
}

// SetBrief installs the commander's intent and optional memory wipe.
func (c *Commander) SetBrief(intent string, clearMemory bool) {
	c.mu.Lock()
	c.missionIntent = intent
	c.mu.Unlock()
	if clearMemory {
		c.deps.State.ClearHistory()
	}
}

// SetSystemPrompt overrides the built-in system prompt.
func (c *Commander) SetSystemPrompt(p string) {
	c.mu.Lock()
	c.systemPrompt = p
	c.mu.Unlock()
}

// SetSides installs friendly (allied) and controlled side sets.
func (c *Commander) SetSides(friendly, controlled []string) {
	c.mu.Lock()
	if friendly != nil {
		c.friendlySides = friendly
	}
	if controlled != nil {
		c.controlledSides = controlled
	}
	c.mu.Unlock()
}

// Sides reports the configured side sets.
func (c *Commander) Sides() (friendly, controlled []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.friendlySides...), append([]string(nil), c.controlledSides...)
}

// SetGuardrails swaps the sandbox configuration.
func (c *Commander) SetGuardrails(g Guardrails) {
	c.mu.Lock()
	c.guardrails = g
	c.mu.Unlock()
}

// SetLogThoughts routes model rationale to the AO log instead of the host.
func (c *Commander) SetLogThoughts(v bool) {
	c.mu.Lock()
	c.logThoughts = v
	c.mu.Unlock()
}

// ConsecutiveFailures reports the commander-level failure run.
func (c *Commander) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

// ResetFailures zeroes the failure run (explicit redeploy).
func (c *Commander) ResetFailures() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

// Ingest runs the per-snapshot flow: state update, evaluation, the decision
// predicate, and (maybe) one LLM consultation. Errors never propagate to the
// bridge; the return value reports whether a cycle was consulted.
func (c *Commander) Ingest(ctx context.Context, snap *models.Snapshot) bool {
	for _, w := range c.deps.State.ApplySnapshot(snap) {
		c.deps.Log.WarnCtx(ctx, w)
	}
	c.applySnapshotSides(snap)

	objectives := c.deps.State.Objectives()
	evals := evaluator.Evaluate(c.effectiveSnapshot(snap), objectives)
	digest := evaluator.Digest(evals)

	decide, reason := c.shouldDecide(snap, digest)
	if !decide {
		c.deps.Log.DebugCtx(ctx, "decision skipped", "reason", reason)
		return false
	}
	c.runCycle(ctx, snap, evals, digest)
	return true
}

// applySnapshotSides adopts side sets from the snapshot when the admin has
// not configured any.
func (c *Commander) applySnapshotSides(snap *models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.controlledSides) == 0 && len(snap.ControlledSides) > 0 {
		c.controlledSides = append([]string(nil), snap.ControlledSides...)
	}
	if len(c.friendlySides) == 0 && len(snap.FriendlySides) > 0 {
		c.friendlySides = append([]string(nil), snap.FriendlySides...)
	}
	if c.missionIntent == "" && snap.MissionIntent != "" {
		c.missionIntent = snap.MissionIntent
	}
}

// effectiveSnapshot overlays the admin-configured side sets onto the
// snapshot so evaluation uses the runtime truth.
func (c *Commander) effectiveSnapshot(snap *models.Snapshot) *models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	eff := *snap
	if len(c.controlledSides) > 0 {
		eff.ControlledSides = c.controlledSides
	}
	if len(c.friendlySides) > 0 {
		eff.FriendlySides = c.friendlySides
	}
	return &eff
}

// shouldDecide evaluates the decision predicate: the pacing interval must
// have elapsed AND something tactically relevant must have changed. A zero
// interval short-circuits to true (subject only to the provider RPM limit).
func (c *Commander) shouldDecide(snap *models.Snapshot, digest string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deployed {
		return false, "commander not deployed"
	}
	client := c.deps.Client()
	if client == nil {
		return false, "ai disabled"
	}
	if client.Breaker().Open() {
		return false, "breaker open"
	}
	if c.minInterval <= 0 {
		return true, ""
	}
	if snap.MissionTime-c.lastDecisionMission < c.minInterval.Seconds() {
		return false, "min interval not elapsed"
	}

	breakerClosed := c.breakerWasOpen && !client.Breaker().Open()
	objectivesChanged := digest != c.lastEvalDigest
	newEngagement := false
	completion := false
	for _, g := range snap.Groups {
		if g.InCombat && !c.engaged[g.ID] {
			newEngagement = true
		}
		if c.commanded[g.ID] && !g.InCombat && g.WaypointType == "" {
			completion = true
		}
	}
	if objectivesChanged || newEngagement || completion || breakerClosed {
		return true, ""
	}
	return false, "no tactical change"
}

// runCycle performs steps 6-10 of the per-snapshot flow: build context, call
// the provider, parse, validate, enqueue, record.
func (c *Commander) runCycle(ctx context.Context, snap *models.Snapshot, evals []evaluator.ObjectiveEval, digest string) {
	client := c.deps.Client()
	if client == nil {
		return
	}
	ctx, cycleSpan := c.deps.Tracer.StartSpan(ctx, "decision_cycle")
	defer cycleSpan.End()
	c.mu.Lock()
	cycle := c.deps.State.NextCycle()
	intent := c.missionIntent
	system := c.systemPrompt
	friendly := append([]string(nil), c.friendlySides...)
	controlled := append([]string(nil), c.controlledSides...)
	logThoughts := c.logThoughts
	guard := c.guardrails
	c.mu.Unlock()
	cycleSpan.SetAttribute("cycle", cycle)
	cycleSpan.SetAttribute("mission_time", snap.MissionTime)

	dc := &provider.Context{
		SystemPrompt:    system,
		Objectives:      evals,
		History:         c.deps.State.History(5),
		Snapshot:        snap,
		MissionIntent:   intent,
		FriendlySides:   friendly,
		ControlledSides: controlled,
		Pool:            c.deps.Pool.Summary(),
		Bounds:          guard.Bounds,
		PreviousAOs:     c.deps.State.PreviousAOSummaries(),
	}

	callCtx, callSpan := c.deps.Tracer.StartSpan(ctx, "provider_call")
	reply, err := client.GenerateOrders(callCtx, dc)
	if err != nil {
		callSpan.SetAttribute("error", err.Error())
	}
	callSpan.End()
	c.markDecision(snap.MissionTime, digest)
	if err != nil {
		c.recordFailure(ctx, snap, cycle, err)
		return
	}

	c.mu.Lock()
	c.consecutiveFailures = 0
	c.breakerWasOpen = false
	c.mu.Unlock()

	c.deps.Tokens.Record(reply.Usage)

	parsed := orders.Parse(reply.RawOrders)
	for _, w := range parsed.Warnings {
		c.deps.Log.WarnCtx(ctx, "order dropped", "warning", w)
	}

	record := models.DecisionCycle{
		Cycle:       cycle,
		MissionTime: snap.MissionTime,
		WallTime:    c.now(),
		Commentary:  parsed.Reasoning,
		Objectives:  objectivesOf(evals),
		FailureNote: parsed.Err,
	}

	sc := &orders.Context{
		Allowed:               guard.Allowed,
		Blocked:               guard.Blocked,
		Groups:                c.deps.State.Groups(),
		ControlledSides:       controlled,
		ControlWhitelist:      guard.ControlWhitelist,
		Bounds:                guard.Bounds,
		Pool:                  c.deps.Pool,
		MaxUnitsPerSide:       guard.MaxUnitsPerSide,
		UnitsPerSide:          c.deps.State.UnitsPerSide(snap),
		MaxGroupsPerObjective: guard.MaxGroupsPerObjective,
		Cycle:                 cycle,
	}
	for _, o := range parsed.Orders {
		if !guard.SandboxEnabled {
			cmd := models.Command{Order: o, AssignedPriority: 5, Cycle: cycle, Validated: false}
			c.enqueue(ctx, cmd, &record)
			continue
		}
		verdict := orders.Validate(o, sc)
		if !verdict.OK {
			record.Rejected = append(record.Rejected, models.RejectedOrder{Order: o, Reason: verdict.Reason})
			_ = c.deps.Events.PublishCtx(ctx, events.Event{
				Category: events.CategorySandbox, Type: "order_rejected", Severity: "warn",
				Fields: map[string]any{"type": o.Type, "reason": verdict.Reason},
			})
			continue
		}
		if o.Type == models.CmdDeployAsset {
			c.deps.State.RecordSpawn(verdict.Command.Params.Side, len(o.Params.UnitClasses))
		}
		c.enqueue(ctx, verdict.Command, &record)
	}

	if err := c.deps.State.RecordCycle(record); err != nil {
		c.deps.Log.WarnCtx(ctx, "cycle not recorded", "err", err)
	}
	if w := c.deps.APILog(); w != nil {
		thoughts := ""
		if logThoughts {
			thoughts = reply.Thoughts
		}
		w.Append(apilog.Block{
			Cycle:       cycle,
			MissionTime: snap.MissionTime,
			Usage:       reply.Usage,
			Request:     reply.RawRequest,
			Response:    reply.RawResponse,
			Thoughts:    thoughts,
		})
	}
	_ = c.deps.Events.PublishCtx(ctx, events.Event{
		Category: events.CategoryCycle, Type: "cycle_complete", Severity: "info",
		Fields: map[string]any{"cycle": cycle, "orders": len(record.Orders), "rejected": len(record.Rejected)},
	})
	c.rememberEngagements(snap, record)
}

func (c *Commander) enqueue(ctx context.Context, cmd models.Command, record *models.DecisionCycle) {
	cmd.Timestamp = c.now()
	record.Orders = append(record.Orders, cmd)
	for _, dropped := range c.deps.Queue.Enqueue(cmd) {
		c.deps.Log.WarnCtx(ctx, "queue over limit, command dropped",
			"type", dropped.Type, "priority", dropped.AssignedPriority)
		_ = c.deps.Events.PublishCtx(ctx, events.Event{
			Category: events.CategoryQueue, Type: "command_dropped", Severity: "warn",
			Fields: map[string]any{"type": dropped.Type},
		})
	}
}

// markDecision stamps the pacing clock; both success and failure count as a
// consultation for interval purposes.
func (c *Commander) markDecision(missionTime float64, digest string) {
	c.mu.Lock()
	c.lastDecisionWall = c.now()
	c.lastDecisionMission = missionTime
	c.lastEvalDigest = digest
	c.mu.Unlock()
}

func (c *Commander) recordFailure(ctx context.Context, snap *models.Snapshot, cycle int, err error) {
	c.mu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	if client := c.deps.Client(); client != nil && client.Breaker().Open() {
		c.breakerWasOpen = true
	}
	c.mu.Unlock()

	c.deps.Log.ErrorCtx(ctx, "provider call failed", "err", err, "consecutive", failures)
	_ = c.deps.Events.PublishCtx(ctx, events.Event{
		Category: events.CategoryProvider, Type: "call_failed", Severity: "error",
		Fields: map[string]any{"error": err.Error(), "consecutive": failures},
	})
	if errors.Is(err, provider.ErrBreakerOpen) {
		return
	}
	record := models.DecisionCycle{
		Cycle:       cycle,
		MissionTime: snap.MissionTime,
		WallTime:    c.now(),
		FailureNote: err.Error(),
	}
	if recErr := c.deps.State.RecordCycle(record); recErr != nil {
		c.deps.Log.DebugCtx(ctx, "failure cycle not recorded", "err", recErr)
	}
	if w := c.deps.APILog(); w != nil {
		w.Append(apilog.Block{Cycle: cycle, MissionTime: snap.MissionTime, Err: err.Error()})
	}
}

// rememberEngagements updates the engagement and commanded-group sets used
// by the decision predicate's change detection.
func (c *Commander) rememberEngagements(snap *models.Snapshot, record models.DecisionCycle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range snap.Groups {
		c.engaged[g.ID] = g.InCombat
	}
	for _, cmd := range record.Orders {
		if cmd.GroupID != "" {
			c.commanded[cmd.GroupID] = true
		}
	}
}

func objectivesOf(evals []evaluator.ObjectiveEval) []models.Objective {
	out := make([]models.Objective, 0, len(evals))
	for _, ev := range evals {
		out = append(out, ev.Objective)
	}
	return out
}

// Snapshot is the commander's diagnostic view.
type Snapshot struct {
	Deployed            bool      `json:"deployed"`
	MinInterval         string    `json:"min_interval"`
	LastDecisionWall    time.Time `json:"last_decision_wall,omitempty"`
	LastDecisionMission float64   `json:"last_decision_mission"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MissionIntent       string    `json:"mission_intent,omitempty"`
	ControlledSides     []string  `json:"controlled_sides,omitempty"`
}

// View returns the diagnostic snapshot.
func (c *Commander) View() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Deployed:            c.deployed,
		MinInterval:         fmt.Sprint(c.minInterval),
		LastDecisionWall:    c.lastDecisionWall,
		LastDecisionMission: c.lastDecisionMission,
		ConsecutiveFailures: c.consecutiveFailures,
		MissionIntent:       c.missionIntent,
		ControlledSides:     append([]string(nil), c.controlledSides...),
	}
}
