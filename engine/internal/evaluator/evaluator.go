package evaluator

import (
	"sort"

	"batcom/engine/models"
)

// TacticalState classifies an objective's footing this tick.
type TacticalState string

const (
	StateSecured    TacticalState = "secured"
	StateContested  TacticalState = "contested"
	StateThreatened TacticalState = "threatened"
	StateUndefended TacticalState = "undefended"
)

var priorityModifier = map[TacticalState]float64{
	StateSecured:    0.8,
	StateUndefended: 1.0,
	StateContested:  1.2,
	StateThreatened: 1.5,
}

// ObjectiveEval is the evaluator's verdict for one objective.
type ObjectiveEval struct {
	Objective       models.Objective `json:"objective"`
	State           TacticalState    `json:"state"`
	FriendlyCount   int              `json:"friendly_count"`
	EnemyCount      int              `json:"enemy_count"`
	DynamicPriority float64          `json:"dynamic_priority"`
}

// Evaluate classifies every objective against the snapshot and computes its
// dynamic priority. Pure: identical inputs always produce identical output.
//
// Unit counting: friendly units are those of controlled sides; enemy units
// are everything that is neither controlled nor allied. Uncontrolled groups
// contribute whatever the fog of war let the snapshot report.
func Evaluate(snap *models.Snapshot, objectives []models.Objective) []ObjectiveEval {
	evals := make([]ObjectiveEval, 0, len(objectives))
	// Without controlled sides there is no force to defend or threaten
	// against; every objective reads as undefended.
	counting := len(snap.ControlledSides) > 0
	for _, obj := range objectives {
		ev := ObjectiveEval{Objective: obj}
		for _, g := range snap.Groups {
			if !counting {
				break
			}
			if g.Pos.Dist2D(obj.Pos) > obj.Radius {
				continue
			}
			switch {
			case snap.ControlledBy(g.Side):
				ev.FriendlyCount += g.UnitCount
			case snap.FriendlyTo(g.Side):
				// Allied units neither defend nor threaten for scoring.
			default:
				ev.EnemyCount += g.UnitCount
			}
		}
		ev.State = classify(ev.FriendlyCount, ev.EnemyCount)
		ev.DynamicPriority = dynamicPriority(obj.Priority, ev.State)
		evals = append(evals, ev)
	}
	sort.SliceStable(evals, func(i, j int) bool {
		a, b := evals[i], evals[j]
		if a.DynamicPriority != b.DynamicPriority {
			return a.DynamicPriority > b.DynamicPriority
		}
		if a.Objective.Radius != b.Objective.Radius {
			return a.Objective.Radius < b.Objective.Radius
		}
		return a.Objective.ID < b.Objective.ID
	})
	return evals
}

// classify derives tactical state; precedence is secured, then threatened,
// then contested, then undefended.
func classify(friendly, enemy int) TacticalState {
	switch {
	case enemy == 0 && friendly > 0:
		return StateSecured
	case enemy > 0 && enemy >= 2*friendly:
		return StateThreatened
	case enemy > 0:
		return StateContested
	default:
		return StateUndefended
	}
}

// dynamicPriority scales the base priority by the state modifier, clamping to
// the scale the base appears to use (0-10 or 0-100).
func dynamicPriority(base float64, state TacticalState) float64 {
	p := base * priorityModifier[state]
	ceiling := 100.0
	if base <= 10 {
		ceiling = 10
	}
	if p > ceiling {
		p = ceiling
	}
	if p < 0 {
		p = 0
	}
	return p
}

// Digest is a stable fingerprint of evaluator output, used by the commander
// to detect objective-state changes between cycles.
func Digest(evals []ObjectiveEval) string {
	out := make([]byte, 0, len(evals)*24)
	for _, ev := range evals {
		out = append(out, ev.Objective.ID...)
		out = append(out, ':')
		out = append(out, string(ev.State)...)
		out = append(out, ':')
		out = append(out, string(ev.Objective.State)...)
		out = append(out, ';')
	}
	return string(out)
}
