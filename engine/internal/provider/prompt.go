package provider

import (
	"fmt"
	"strings"

	"batcom/engine/models"
)

// DefaultSystemPrompt is used when the admin brief supplies none. It states
// the order document contract and the priority scale in use.
const DefaultSystemPrompt = `You are BATCOM, the AI battlefield commander for one Area of Operations.
Each consultation you receive the current objectives, your recent order history,
and a fresh world state. Reply with a single JSON document:
{"reasoning": "<concise tactical rationale>", "orders": [ ... ]}
Each order: {"type": "<command>", "group_id": "<id or empty>", "parameters": {...}, "priority": 0-10, "objective_id": "<optional>"}
Available commands: move_to, defend_area, patrol_route, seek_and_destroy,
transport_group, escort_group, fire_support, deploy_asset.
Priorities use the 0-10 scale, 10 most urgent. Only command groups of your
controlled sides. Keep positions inside the AO bounds you are given.`

// renderRequest splits the decision context into the cacheable part (system
// prompt, objectives, order history, previous AOs) and the dynamic part
// (world state, mission intent) and fingerprints the cacheable half.
func renderRequest(dc *Context, thinking Thinking) request {
	system := dc.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	cacheable := renderCacheable(dc)
	return request{
		system:    system,
		cacheable: cacheable,
		dynamic:   renderDynamic(dc),
		cacheHash: contentHash(system, cacheable),
		thinking:  thinking,
	}
}

func renderCacheable(dc *Context) string {
	var b strings.Builder
	b.WriteString("## Objectives\n")
	if len(dc.Objectives) == 0 {
		b.WriteString("(none assigned)\n")
	}
	for _, ev := range dc.Objectives {
		o := ev.Objective
		fmt.Fprintf(&b, "- %s %q at %s r=%.0fm task=%s state=%s tactical=%s priority=%.1f (friendly %d, enemy %d)\n",
			o.ID, o.Description, fmtPos(o.Pos), o.Radius, o.TaskType, o.State,
			ev.State, ev.DynamicPriority, ev.FriendlyCount, ev.EnemyCount)
	}
	b.WriteString("\n## Recent orders\n")
	history := dc.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	if len(history) == 0 {
		b.WriteString("(no prior cycles)\n")
	}
	for _, cyc := range history {
		fmt.Fprintf(&b, "cycle %d (t=%.0fs):\n", cyc.Cycle, cyc.MissionTime)
		for _, cmd := range cyc.Orders {
			fmt.Fprintf(&b, "  - %s group=%s prio=%.0f\n", cmd.Type, cmd.GroupID, cmd.AssignedPriority)
		}
		for _, rej := range cyc.Rejected {
			fmt.Fprintf(&b, "  - REJECTED %s: %s\n", rej.Order.Type, rej.Reason)
		}
	}
	if len(dc.PreviousAOs) > 0 {
		b.WriteString("\n## Previous areas of operation\n")
		for _, s := range dc.PreviousAOs {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderDynamic(dc *Context) string {
	var b strings.Builder
	if dc.MissionIntent != "" {
		fmt.Fprintf(&b, "## Commander's intent\n%s\n\n", dc.MissionIntent)
	}
	fmt.Fprintf(&b, "## Engagement rules\nControlled sides: %s. Friendly sides: %s.\n",
		strings.Join(dc.ControlledSides, ", "), strings.Join(dc.FriendlySides, ", "))
	if dc.Bounds.Defined() {
		switch {
		case dc.Bounds.Circle != nil:
			fmt.Fprintf(&b, "AO bounds: circle center %s radius %.0fm.\n",
				fmtPos(dc.Bounds.Circle.Center), dc.Bounds.Circle.Radius)
		case dc.Bounds.Rect != nil:
			fmt.Fprintf(&b, "AO bounds: rect %s to %s.\n",
				fmtPos(dc.Bounds.Rect.Min), fmtPos(dc.Bounds.Rect.Max))
		}
	}
	if len(dc.Pool) > 0 {
		b.WriteString("\n## Deployable assets\n")
		for _, line := range dc.Pool {
			note := ""
			if line.DefenseOnly {
				note = " (defense phase only)"
			}
			fmt.Fprintf(&b, "- %s %s: %d of %d remaining%s\n",
				line.Side, line.AssetType, line.Remaining, line.Max, note)
		}
	}
	if snap := dc.Snapshot; snap != nil {
		fmt.Fprintf(&b, "\n## World state (t=%.0fs, daytime %.2f)\n", snap.MissionTime, snap.DayTime)
		fmt.Fprintf(&b, "Weather: overcast %.2f rain %.2f fog %.2f wind %.1fm/s\n",
			snap.Weather.Overcast, snap.Weather.Rain, snap.Weather.Fog, snap.Weather.Wind)
		for _, g := range snap.Groups {
			tag := "enemy"
			switch {
			case g.IsControlled:
				tag = "controlled"
			case snap.FriendlyTo(g.Side):
				tag = "friendly"
			}
			combat := ""
			if g.InCombat {
				combat = " IN COMBAT"
			}
			fmt.Fprintf(&b, "- [%s] %s side=%s class=%s units=%d at %s%s\n",
				tag, g.ID, g.Side, g.Class, g.UnitCount, fmtPos(g.Pos), combat)
		}
		for _, p := range snap.Players {
			fmt.Fprintf(&b, "- [player] %s (%s) side=%s at %s\n", p.Name, p.UID, p.Side, fmtPos(p.Pos))
		}
	}
	return b.String()
}

func fmtPos(p models.Position) string {
	return fmt.Sprintf("[%.0f,%.0f,%.0f]", p[0], p[1], p[2])
}
