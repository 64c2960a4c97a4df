package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"batcom/engine/models"
)

// AO lifecycle states.
const (
	AOIdle    = "idle"
	AORunning = "running"
	AOEnded   = "ended"
)

const (
	eventStart = "start_ao"
	eventEnd   = "end_ao"
)

// maxRetainedAOs bounds the cross-AO memory used to seed the next AO's
// prompt with prior-mission summaries.
const maxRetainedAOs = 3

// scanTTL is how long a group stays tracked after its last sighting; one
// full scan interval without a report dissolves it.
const scanTTL = 30 * time.Second

// Manager owns the per-AO record, the tracked-group table, objective set,
// and cross-AO retention. It is the single writer for order history.
type Manager struct {
	mu      sync.Mutex
	machine *fsm.FSM

	current    *models.AORecord
	objectives map[string]models.Objective
	objOrder   []string

	groups     map[string]*trackedGroup
	spawned    map[string]int // engine-spawned unit counts per side
	lastCycle  int
	retained   []models.AORecord
	hvtWeights HVTWeights
	hvtPlayers int
	hvtGroups  int
	now        func() time.Time
}

type trackedGroup struct {
	group    models.Group
	lastSeen time.Time
}

// HVTWeights parameterize the composite player score.
type HVTWeights struct {
	Kills         float64
	Contributions float64
	Proximity     float64
	Captures      float64
}

// DefaultHVTWeights apply the event base scores unscaled.
func DefaultHVTWeights() HVTWeights {
	return HVTWeights{Kills: 1.0, Contributions: 1.0, Proximity: 1.0, Captures: 1.0}
}

// New creates an idle manager.
func New() *Manager {
	m := &Manager{
		objectives: map[string]models.Objective{},
		groups:     map[string]*trackedGroup{},
		spawned:    map[string]int{},
		hvtWeights: DefaultHVTWeights(),
		hvtPlayers: 3,
		hvtGroups:  2,
		now:        time.Now,
	}
	m.machine = fsm.NewFSM(
		AOIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{AOIdle, AOEnded}, Dst: AORunning},
			{Name: eventEnd, Src: []string{AORunning}, Dst: AOEnded},
		},
		fsm.Callbacks{},
	)
	return m
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SetHVTConfig adjusts scoring weights and designation counts.
func (m *Manager) SetHVTConfig(w HVTWeights, topPlayers, topGroups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hvtWeights = w
	if topPlayers > 0 {
		m.hvtPlayers = topPlayers
	}
	if topGroups > 0 {
		m.hvtGroups = topGroups
	}
}

// Phase reports the AO lifecycle state.
func (m *Manager) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

// Running reports whether an AO is active.
func (m *Manager) Running() bool { return m.Phase() == AORunning }

// StartAO opens a new AO record. Valid only from Idle or Ended.
func (m *Manager) StartAO(id, world, mission string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.machine.Event(context.Background(), eventStart); err != nil {
		return fmt.Errorf("start_ao from %s: %w", m.machine.Current(), models.ErrStateViolation)
	}
	if id == "" {
		id = uuid.NewString()
	}
	m.current = &models.AORecord{
		ID:            id,
		WorldName:     world,
		MissionName:   mission,
		Index:         index,
		StartedAt:     m.now(),
		Contributions: map[string]float64{},
	}
	m.lastCycle = 0
	m.spawned = map[string]int{}
	return nil
}

// EndAO seals the record, computes HVT designations, retains the record for
// cross-AO seeding, and returns the analysis artifact. Valid only from
// Running.
func (m *Manager) EndAO() (*models.AnalysisData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.machine.Event(context.Background(), eventEnd); err != nil {
		return nil, fmt.Errorf("end_ao from %s: %w", m.machine.Current(), models.ErrStateViolation)
	}
	rec := m.current
	rec.EndedAt = m.now()
	analysis := m.analyze(rec)
	m.retained = append(m.retained, *rec)
	if len(m.retained) > maxRetainedAOs {
		m.retained = m.retained[len(m.retained)-maxRetainedAOs:]
	}
	m.current = nil
	return analysis, nil
}

// CurrentAO returns a copy of the active record, or nil when idle.
func (m *Manager) CurrentAO() *models.AORecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cpy := *m.current
	return &cpy
}

// ApplySnapshot folds one normalized snapshot into tracked state: group
// table updates, casualty and contribution accumulation. Snapshots ingested
// while idle refresh the group table but accumulate no AO history.
//
// Group identity is stable: a tracked ID reporting a different side is
// rejected as a rebind and the stale entry kept until it expires.
func (m *Manager) ApplySnapshot(snap *models.Snapshot) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var warnings []string
	now := m.now()
	for _, g := range snap.Groups {
		if tracked, ok := m.groups[g.ID]; ok && tracked.group.Side != g.Side {
			warnings = append(warnings, fmt.Sprintf("group %s side rebind %s->%s ignored", g.ID, tracked.group.Side, g.Side))
			continue
		}
		m.groups[g.ID] = &trackedGroup{group: g, lastSeen: now}
	}
	for id, tracked := range m.groups {
		if now.Sub(tracked.lastSeen) >= scanTTL {
			delete(m.groups, id)
		}
	}
	if m.machine.Current() != AORunning || m.current == nil {
		return warnings
	}
	m.current.Casualties = append(m.current.Casualties, snap.Casualties...)
	for uid, delta := range snap.Contributions {
		m.current.Contributions[uid] += delta
	}
	return warnings
}

// Groups returns the live tracked-group table keyed by ID.
func (m *Manager) Groups() map[string]models.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Group, len(m.groups))
	for id, t := range m.groups {
		out[id] = t.group
	}
	return out
}

// RecordSpawn accounts engine-spawned units toward the side's live total.
func (m *Manager) RecordSpawn(side string, units int) {
	m.mu.Lock()
	m.spawned[side] += units
	m.mu.Unlock()
}

// UnitsPerSide merges reported and engine-spawned counts.
func (m *Manager) UnitsPerSide(snap *models.Snapshot) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	if snap != nil {
		for side, n := range snap.UnitCounts {
			out[side] = n
		}
	}
	for side, n := range m.spawned {
		if out[side] < n {
			out[side] = n
		}
	}
	return out
}

// RecordCycle appends one decision cycle. Cycle numbers are strictly
// monotonic per AO; out-of-order records are rejected.
func (m *Manager) RecordCycle(c models.DecisionCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != AORunning || m.current == nil {
		return fmt.Errorf("record cycle while %s: %w", m.machine.Current(), models.ErrStateViolation)
	}
	if c.Cycle <= m.lastCycle {
		return fmt.Errorf("cycle %d not after %d: %w", c.Cycle, m.lastCycle, models.ErrStateViolation)
	}
	m.lastCycle = c.Cycle
	m.current.Cycles = append(m.current.Cycles, c)
	return nil
}

// NextCycle returns the next cycle number without recording it.
func (m *Manager) NextCycle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycle + 1
}

// History returns up to n most recent cycles of the active AO.
func (m *Manager) History(n int) []models.DecisionCycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || n <= 0 {
		return nil
	}
	cycles := m.current.Cycles
	if len(cycles) > n {
		cycles = cycles[len(cycles)-n:]
	}
	out := make([]models.DecisionCycle, len(cycles))
	copy(out, cycles)
	return out
}

// ClearHistory drops the active AO's cycle history (emergency stop).
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Cycles = nil
	}
}

// SetObjectives replaces the objective set.
func (m *Manager) SetObjectives(objs []models.Objective) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectives = map[string]models.Objective{}
	m.objOrder = m.objOrder[:0]
	for _, o := range objs {
		if _, ok := m.objectives[o.ID]; !ok {
			m.objOrder = append(m.objOrder, o.ID)
		}
		m.objectives[o.ID] = o
	}
}

// UpsertObjective injects or updates one objective.
func (m *Manager) UpsertObjective(o models.Objective) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objectives[o.ID]; !ok {
		m.objOrder = append(m.objOrder, o.ID)
	}
	m.objectives[o.ID] = o
}

// DeleteObjective removes one objective by ID.
func (m *Manager) DeleteObjective(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objectives, id)
	for i, oid := range m.objOrder {
		if oid == id {
			m.objOrder = append(m.objOrder[:i], m.objOrder[i+1:]...)
			break
		}
	}
}

// Objectives returns the live, non-terminal objectives in insertion order.
func (m *Manager) Objectives() []models.Objective {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Objective, 0, len(m.objOrder))
	for _, id := range m.objOrder {
		o, ok := m.objectives[id]
		if !ok || o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// AllObjectives includes terminal ones, for the analysis artifact.
func (m *Manager) AllObjectives() []models.Objective {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Objective, 0, len(m.objOrder))
	for _, id := range m.objOrder {
		if o, ok := m.objectives[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// RecordCapture folds one aoProgress event into the active AO.
func (m *Manager) RecordCapture(ev models.CaptureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != AORunning || m.current == nil {
		return fmt.Errorf("aoProgress while %s: %w", m.machine.Current(), models.ErrStateViolation)
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.current.Captures = append(m.current.Captures, ev)
	return nil
}

// PreviousAOSummaries renders retained AO records for prompt seeding.
func (m *Manager) PreviousAOSummaries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.retained))
	for _, rec := range m.retained {
		out = append(out, fmt.Sprintf("- AO %s (%s/%s #%d): %d cycles, %d orders, %d casualties, %d capture events",
			rec.ID, rec.WorldName, rec.MissionName, rec.Index,
			len(rec.Cycles), rec.TotalOrders(), len(rec.Casualties), len(rec.Captures)))
	}
	return out
}
