package state

import (
	"sort"

	"batcom/engine/models"
)

// Capture event base scores per §4.7. Unknown event types fall back to the
// small-objective value.
var captureScores = map[string]float64{
	"commander_killed":   30,
	"commander_captured": 40,
	"hvt_killed":         25,
	"hvt_captured":       35,
	"tower_destroyed":    20,
	"jammer_destroyed":   20,
	"depot_destroyed":    15,
	"small_objective":    5,
}

const (
	proximityBonus       = 10
	defaultCaptureScore  = 5
)

// analyze computes the sealed AO artifact: totals plus HVT designations.
// Caller holds the lock.
func (m *Manager) analyze(rec *models.AORecord) *models.AnalysisData {
	playerScores := map[string]float64{}

	// Capture events with proximity bonuses.
	for _, ev := range rec.Captures {
		score, ok := captureScores[ev.Type]
		if !ok {
			score = defaultCaptureScore
		}
		playerScores[ev.PlayerUID] += score * m.hvtWeights.Captures
		for _, uid := range ev.Nearby {
			playerScores[uid] += proximityBonus * m.hvtWeights.Proximity
		}
	}

	// Kills credited to players, and to controlled groups for the group set.
	groupKills := map[string]int{}
	for _, c := range rec.Casualties {
		if c.KillerUID != "" {
			playerScores[c.KillerUID] += m.hvtWeights.Kills
		}
		if c.KillerGroup != "" {
			groupKills[c.KillerGroup]++
		}
	}

	// Objective contribution counters reported by the host.
	for uid, contrib := range rec.Contributions {
		playerScores[uid] += contrib * m.hvtWeights.Contributions
	}

	players := make([]models.HVTPlayer, 0, len(playerScores))
	for uid, score := range playerScores {
		players = append(players, models.HVTPlayer{UID: uid, Score: score})
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		return players[i].UID < players[j].UID
	})
	if len(players) > m.hvtPlayers {
		players = players[:m.hvtPlayers]
	}

	groups := make([]models.HVTGroup, 0, len(groupKills))
	for id, kills := range groupKills {
		if t, ok := m.groups[id]; ok && !t.group.IsControlled {
			continue
		}
		groups = append(groups, models.HVTGroup{GroupID: id, Kills: kills})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Kills != groups[j].Kills {
			return groups[i].Kills > groups[j].Kills
		}
		return groups[i].GroupID < groups[j].GroupID
	})
	if len(groups) > m.hvtGroups {
		groups = groups[:m.hvtGroups]
	}

	objectives := make([]models.Objective, 0, len(m.objOrder))
	for _, id := range m.objOrder {
		if o, ok := m.objectives[id]; ok {
			objectives = append(objectives, o)
		}
	}

	return &models.AnalysisData{
		AO:          *rec,
		TotalCycles: len(rec.Cycles),
		TotalOrders: rec.TotalOrders(),
		Objectives:  objectives,
		HVTPlayers:  players,
		HVTGroups:   groups,
	}
}
