package commander

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcom/engine/internal/pool"
	"batcom/engine/internal/provider"
	"batcom/engine/internal/queue"
	"batcom/engine/internal/state"
	"batcom/engine/internal/telemetry/apilog"
	"batcom/engine/internal/telemetry/events"
	"batcom/engine/internal/telemetry/logging"
	"batcom/engine/internal/telemetry/tokens"
	"batcom/engine/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeLLM is a switchable OpenAI-compatible endpoint.
type fakeLLM struct {
	mu       sync.Mutex
	document string
	status   int
	calls    atomic.Int32
	srv      *httptest.Server
}

func newFakeLLM(t *testing.T) *fakeLLM {
	t.Helper()
	f := &fakeLLM{document: `{"reasoning":"standing by","orders":[]}`, status: http.StatusOK}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		status, doc := f.status, f.document
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": doc}}},
			"usage":   map[string]any{"prompt_tokens": 1500, "completion_tokens": 200, "total_tokens": 1700},
		})
		_, _ = w.Write(resp)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLLM) respond(doc string) {
	f.mu.Lock()
	f.document = doc
	f.mu.Unlock()
}

func (f *fakeLLM) fail(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type harness struct {
	cmd    *Commander
	state  *state.Manager
	queue  *queue.Queue
	llm    *fakeLLM
	client *provider.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	llm := newFakeLLM(t)
	client, err := provider.New(provider.Config{
		Provider: provider.ProviderLocal,
		Model:    "test-model",
		Endpoint: llm.srv.URL,
		APIKey:   "test-key",
	})
	require.NoError(t, err)

	h := &harness{
		state: state.New(),
		queue: queue.New(120),
		llm:   llm,
	}
	h.client = client
	h.cmd = New(Deps{
		State:  h.state,
		Pool:   pool.New(nil),
		Queue:  h.queue,
		Tokens: tokens.NewTracker(),
		Events: events.NewBus(nil),
		Log:    logging.Nop(),
		Client: func() *provider.Client { return h.client },
		APILog: func() *apilog.Writer { return nil },
	})
	h.cmd.SetDeployed(true)
	h.cmd.SetSides([]string{models.SideGuer}, []string{models.SideEast})
	h.cmd.SetGuardrails(Guardrails{
		SandboxEnabled: true,
		Allowed:        append([]string(nil), models.KnownCommandTypes...),
		Bounds:         models.Bounds{Circle: &models.CircleBounds{Center: models.Position{5000, 5000, 0}, Radius: 1500}},
	})
	require.NoError(t, h.state.StartAO("ao-test", "Altis", "breakpoint", 0))
	return h
}

func secureSnapshot(missionTime float64) *models.Snapshot {
	return &models.Snapshot{
		MissionTime:     missionTime,
		ControlledSides: []string{models.SideEast},
		Groups: []models.Group{
			{ID: "GRP_EAST_1", Side: models.SideEast, Class: models.ClassInfantry,
				UnitCount: 8, Pos: models.Position{5050, 5050, 0}, IsControlled: true},
		},
	}
}

func threatenedSnapshot(missionTime float64) *models.Snapshot {
	snap := secureSnapshot(missionTime)
	for i, id := range []string{"GRP_WEST_1", "GRP_WEST_2", "GRP_WEST_3"} {
		snap.Groups = append(snap.Groups, models.Group{
			ID: id, Side: models.SideWest, Class: models.ClassInfantry,
			UnitCount: 6, Pos: models.Position{5100 + float64(i*10), 5000, 0},
		})
	}
	return snap
}

func (h *harness) objective() {
	h.state.UpsertObjective(models.Objective{
		ID: "obj_alpha", Description: "hold the crossroads", Priority: 10,
		Pos: models.Position{5000, 5000, 0}, Radius: 200, TaskType: "defend_area",
		State: models.ObjectiveActive,
	})
}

// S1: secured objective inside the pacing interval produces no LLM call and
// no recorded cycle.
func TestSecuredObjectiveNoCall(t *testing.T) {
	h := newHarness(t)
	h.objective()

	// First consultation establishes the decision clock.
	require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(100)))
	require.Equal(t, int32(1), h.llm.calls.Load())

	// Ten mission-seconds later: interval not elapsed, nothing changed.
	consulted := h.cmd.Ingest(context.Background(), secureSnapshot(110))
	assert.False(t, consulted)
	assert.Equal(t, int32(1), h.llm.calls.Load())
	assert.Empty(t, h.queue.Drain(0))
	rec := h.state.CurrentAO()
	assert.Len(t, rec.Cycles, 1, "skipped tick records no cycle")
}

// S2: a threatened objective after the interval triggers a call whose
// defend_area order passes the sandbox.
func TestThreatenedObjectiveDefendArea(t *testing.T) {
	h := newHarness(t)
	h.objective()
	require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(100)))

	h.llm.respond(`{"reasoning":"enemy massing","orders":[
		{"type":"defend_area","group_id":"GRP_EAST_1",
		 "parameters":{"position":[5000,5000,0],"radius":150},"priority":9}
	]}`)
	consulted := h.cmd.Ingest(context.Background(), threatenedSnapshot(140))
	require.True(t, consulted)

	cmds := h.queue.Drain(0)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CmdDefendArea, cmds[0].Type)
	assert.Equal(t, 9.0, cmds[0].AssignedPriority)
	assert.True(t, cmds[0].Validated)

	rec := h.state.CurrentAO()
	require.Len(t, rec.Cycles, 2)
	assert.Equal(t, "enemy massing", rec.Cycles[1].Commentary)
}

// S3: out-of-bounds orders are rejected, recorded, and never enqueued.
func TestOutOfBoundsOrderRejected(t *testing.T) {
	h := newHarness(t)
	h.objective()
	require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(100)))

	h.llm.respond(`{"reasoning":"push out","orders":[
		{"type":"move_to","group_id":"GRP_EAST_1","parameters":{"position":[20000,20000,0]}}
	]}`)
	require.True(t, h.cmd.Ingest(context.Background(), threatenedSnapshot(140)))

	assert.Empty(t, h.queue.Drain(0), "queue unchanged")
	rec := h.state.CurrentAO()
	require.Len(t, rec.Cycles, 2)
	require.Len(t, rec.Cycles[1].Rejected, 1)
	assert.Equal(t, "position outside AO", rec.Cycles[1].Rejected[0].Reason)
}

// Parse failure: the whole reply is discarded but the cycle is still
// recorded with a failure note.
func TestParseFailureRecordsEmptyCycle(t *testing.T) {
	h := newHarness(t)
	h.objective()
	require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(100)))

	h.llm.respond(`not json at all`)
	require.True(t, h.cmd.Ingest(context.Background(), threatenedSnapshot(140)))

	rec := h.state.CurrentAO()
	require.Len(t, rec.Cycles, 2)
	assert.Empty(t, rec.Cycles[1].Orders)
	assert.NotEmpty(t, rec.Cycles[1].FailureNote)
}

// S5: three consecutive failures open the breaker; further ingests make no
// network call; redeploy probes half-open and a success closes.
func TestBreakerOpensAndCloses(t *testing.T) {
	h := newHarness(t)
	h.objective()
	h.cmd.SetMinInterval(0)
	h.llm.fail(http.StatusUnauthorized)

	for i := 0; i < 3; i++ {
		h.cmd.Ingest(context.Background(), threatenedSnapshot(float64(100+i*40)))
	}
	assert.True(t, h.client.Breaker().Open())
	assert.Equal(t, 3, h.cmd.ConsecutiveFailures())

	// Breaker open: the next ingestion consults nothing and the failure
	// count stays frozen.
	before := h.llm.calls.Load()
	consulted := h.cmd.Ingest(context.Background(), threatenedSnapshot(300))
	assert.False(t, consulted)
	assert.Equal(t, before, h.llm.calls.Load())
	assert.Equal(t, 3, h.cmd.ConsecutiveFailures())

	// Redeploy probes half-open; a healthy provider closes the breaker.
	h.llm.fail(http.StatusOK)
	h.cmd.SetDeployed(true)
	h.cmd.ResetFailures()
	assert.Equal(t, provider.BreakerHalfOpen, h.client.Breaker().State())
	consulted = h.cmd.Ingest(context.Background(), threatenedSnapshot(340))
	assert.True(t, consulted)
	assert.Equal(t, provider.BreakerClosed, h.client.Breaker().State())
	assert.Equal(t, 0, h.cmd.ConsecutiveFailures())
}

// min_interval=0 makes every snapshot consult, with or without change.
func TestZeroIntervalAlwaysConsults(t *testing.T) {
	h := newHarness(t)
	h.objective()
	h.cmd.SetMinInterval(0)
	for i := 0; i < 3; i++ {
		require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(float64(i))))
	}
	assert.Equal(t, int32(3), h.llm.calls.Load())
}

func TestUndeployedCommanderNeverConsults(t *testing.T) {
	h := newHarness(t)
	h.objective()
	h.cmd.SetDeployed(false)
	h.cmd.SetMinInterval(0)
	assert.False(t, h.cmd.Ingest(context.Background(), threatenedSnapshot(100)))
	assert.Equal(t, int32(0), h.llm.calls.Load())
}

// P1/P2 over a full cycle: everything enqueued passed the sandbox.
func TestEnqueuedCommandsSatisfyInvariants(t *testing.T) {
	h := newHarness(t)
	h.objective()
	require.True(t, h.cmd.Ingest(context.Background(), secureSnapshot(100)))

	h.llm.respond(`{"reasoning":"mixed","orders":[
		{"type":"move_to","group_id":"GRP_EAST_1","parameters":{"position":[5100,5100,0]}},
		{"type":"move_to","group_id":"GRP_WEST_1","parameters":{"position":[5100,5100,0]}},
		{"type":"seek_and_destroy","group_id":"GRP_EAST_1","parameters":{"position":[9000,9000,0],"radius":300}},
		{"type":"unknown_verb","group_id":"GRP_EAST_1","parameters":{}}
	]}`)
	require.True(t, h.cmd.Ingest(context.Background(), threatenedSnapshot(140)))

	bounds := models.Bounds{Circle: &models.CircleBounds{Center: models.Position{5000, 5000, 0}, Radius: 1500}}
	for _, cmd := range h.queue.Drain(0) {
		assert.True(t, cmd.Validated)
		assert.Contains(t, models.KnownCommandTypes, cmd.Type)
		if cmd.Params.Position != nil {
			assert.True(t, bounds.Contains(*cmd.Params.Position))
		}
		groups := h.state.Groups()
		if cmd.GroupID != "" {
			assert.Equal(t, models.SideEast, groups[cmd.GroupID].Side)
		}
	}
	rec := h.state.CurrentAO()
	assert.Len(t, rec.Cycles[1].Orders, 1, "only the in-bounds controlled move survives")
}
