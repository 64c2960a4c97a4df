package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcom/engine/models"
)

func TestAOLifecycleTransitions(t *testing.T) {
	m := New()
	assert.Equal(t, AOIdle, m.Phase())

	// end_ao from Idle is a state violation that mutates nothing.
	_, err := m.EndAO()
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStateViolation))
	assert.Equal(t, AOIdle, m.Phase())

	require.NoError(t, m.StartAO("ao-1", "Altis", "breakpoint", 0))
	assert.Equal(t, AORunning, m.Phase())

	// start_ao while Running is rejected.
	err = m.StartAO("ao-2", "Altis", "breakpoint", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStateViolation))

	_, err = m.EndAO()
	require.NoError(t, err)
	assert.Equal(t, AOEnded, m.Phase())

	// Ended → Running is allowed for the next AO.
	require.NoError(t, m.StartAO("ao-2", "Altis", "breakpoint", 1))
}

func TestCycleNumbersStrictlyMonotonic(t *testing.T) {
	m := New()
	require.NoError(t, m.StartAO("ao", "w", "m", 0))
	require.NoError(t, m.RecordCycle(models.DecisionCycle{Cycle: 1, MissionTime: 30}))
	require.NoError(t, m.RecordCycle(models.DecisionCycle{Cycle: 2, MissionTime: 60}))
	err := m.RecordCycle(models.DecisionCycle{Cycle: 2, MissionTime: 90})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStateViolation))

	rec := m.CurrentAO()
	require.NotNil(t, rec)
	require.Len(t, rec.Cycles, 2)
	for i := 1; i < len(rec.Cycles); i++ {
		assert.Greater(t, rec.Cycles[i].Cycle, rec.Cycles[i-1].Cycle)
		assert.GreaterOrEqual(t, rec.Cycles[i].MissionTime, rec.Cycles[i-1].MissionTime)
	}
}

func TestRecordCycleRequiresRunningAO(t *testing.T) {
	m := New()
	err := m.RecordCycle(models.DecisionCycle{Cycle: 1})
	assert.True(t, errors.Is(err, models.ErrStateViolation))
}

func TestGroupTrackingStableIDs(t *testing.T) {
	now := time.Unix(5000, 0)
	m := New().WithClock(func() time.Time { return now })

	snap := &models.Snapshot{Groups: []models.Group{
		{ID: "g1", Side: models.SideEast, UnitCount: 8},
	}}
	warnings := m.ApplySnapshot(snap)
	assert.Empty(t, warnings)
	assert.Contains(t, m.Groups(), "g1")

	// A rebind to another side is ignored with a warning; the tracked side
	// never changes for a live ID.
	rebind := &models.Snapshot{Groups: []models.Group{
		{ID: "g1", Side: models.SideWest, UnitCount: 8},
	}}
	warnings = m.ApplySnapshot(rebind)
	require.Len(t, warnings, 1)
	assert.Equal(t, models.SideEast, m.Groups()["g1"].Side)
}

func TestGroupDissolvesAfterScanInterval(t *testing.T) {
	now := time.Unix(5000, 0)
	m := New().WithClock(func() time.Time { return now })
	m.ApplySnapshot(&models.Snapshot{Groups: []models.Group{{ID: "g1", Side: models.SideEast}}})

	now = now.Add(31 * time.Second)
	m.ApplySnapshot(&models.Snapshot{})
	assert.NotContains(t, m.Groups(), "g1")
}

func TestIdleSnapshotAccumulatesNoHistory(t *testing.T) {
	m := New()
	snap := &models.Snapshot{
		Casualties:    []models.CasualtyEvent{{VictimGroup: "g9"}},
		Contributions: map[string]float64{"A": 2},
	}
	m.ApplySnapshot(snap)
	require.NoError(t, m.StartAO("ao", "w", "m", 0))
	rec := m.CurrentAO()
	assert.Empty(t, rec.Casualties)
	assert.Empty(t, rec.Contributions)
}

func TestObjectiveLifecycle(t *testing.T) {
	m := New()
	m.UpsertObjective(models.Objective{ID: "a", State: models.ObjectiveActive})
	m.UpsertObjective(models.Objective{ID: "b", State: models.ObjectiveActive})
	assert.Len(t, m.Objectives(), 2)

	m.UpsertObjective(models.Objective{ID: "a", State: models.ObjectiveCaptured})
	assert.Len(t, m.Objectives(), 1, "terminal objectives drop from the active set")
	assert.Len(t, m.AllObjectives(), 2)

	m.DeleteObjective("b")
	assert.Empty(t, m.Objectives())
}

func TestHistoryWindow(t *testing.T) {
	m := New()
	require.NoError(t, m.StartAO("ao", "w", "m", 0))
	for i := 1; i <= 8; i++ {
		require.NoError(t, m.RecordCycle(models.DecisionCycle{Cycle: i, MissionTime: float64(i * 30)}))
	}
	h := m.History(5)
	require.Len(t, h, 5)
	assert.Equal(t, 4, h[0].Cycle)
	assert.Equal(t, 8, h[4].Cycle)
}

func TestEndAOSealsAndDesignatesHVTs(t *testing.T) {
	m := New()
	m.SetHVTConfig(DefaultHVTWeights(), 2, 2)
	require.NoError(t, m.StartAO("ao-6", "Altis", "breakpoint", 0))

	require.NoError(t, m.RecordCycle(models.DecisionCycle{
		Cycle: 1, MissionTime: 30, Orders: make([]models.Command, 8),
	}))
	require.NoError(t, m.RecordCycle(models.DecisionCycle{
		Cycle: 2, MissionTime: 60, Orders: make([]models.Command, 2),
	}))

	require.NoError(t, m.RecordCapture(models.CaptureEvent{Type: "commander_captured", PlayerUID: "A"}))
	require.NoError(t, m.RecordCapture(models.CaptureEvent{Type: "hvt_killed", PlayerUID: "B", Nearby: []string{"C"}}))

	analysis, err := m.EndAO()
	require.NoError(t, err)
	assert.Equal(t, 2, analysis.TotalCycles)
	assert.Equal(t, 10, analysis.TotalOrders)

	require.Len(t, analysis.HVTPlayers, 2, "top-2 requested")
	assert.Equal(t, "A", analysis.HVTPlayers[0].UID)
	assert.InDelta(t, 40, analysis.HVTPlayers[0].Score, 1e-9)
	assert.Equal(t, "B", analysis.HVTPlayers[1].UID)
	assert.InDelta(t, 25, analysis.HVTPlayers[1].Score, 1e-9)
	// C holds only the proximity bonus (+10) and falls outside the top-2 cut.

	assert.Equal(t, AOEnded, m.Phase())
}

func TestHVTGroupDesignationByKills(t *testing.T) {
	m := New()
	m.ApplySnapshot(&models.Snapshot{Groups: []models.Group{
		{ID: "g1", Side: models.SideEast, IsControlled: true},
		{ID: "g2", Side: models.SideEast, IsControlled: true},
	}})
	require.NoError(t, m.StartAO("ao", "w", "m", 0))
	m.ApplySnapshot(&models.Snapshot{
		Groups: []models.Group{
			{ID: "g1", Side: models.SideEast, IsControlled: true},
			{ID: "g2", Side: models.SideEast, IsControlled: true},
		},
		Casualties: []models.CasualtyEvent{
			{VictimGroup: "w1", KillerGroup: "g1"},
			{VictimGroup: "w2", KillerGroup: "g1"},
			{VictimGroup: "w3", KillerGroup: "g2"},
		},
	})
	analysis, err := m.EndAO()
	require.NoError(t, err)
	require.Len(t, analysis.HVTGroups, 2)
	assert.Equal(t, "g1", analysis.HVTGroups[0].GroupID)
	assert.Equal(t, 2, analysis.HVTGroups[0].Kills)
}

func TestCrossAORetention(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.StartAO("", "w", "m", i))
		_, err := m.EndAO()
		require.NoError(t, err)
	}
	summaries := m.PreviousAOSummaries()
	assert.Len(t, summaries, 3, "only the most recent 3 AOs are retained")
	assert.Contains(t, summaries[2], "#4")
}

func TestSpawnAccounting(t *testing.T) {
	m := New()
	m.RecordSpawn(models.SideEast, 6)
	counts := m.UnitsPerSide(&models.Snapshot{UnitCounts: map[string]int{models.SideEast: 4}})
	assert.Equal(t, 6, counts[models.SideEast], "spawned floor dominates a stale report")
	counts = m.UnitsPerSide(&models.Snapshot{UnitCounts: map[string]int{models.SideEast: 10}})
	assert.Equal(t, 10, counts[models.SideEast])
}
