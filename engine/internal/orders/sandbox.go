package orders

import (
	"fmt"
	"math"

	"batcom/engine/internal/pool"
	"batcom/engine/models"
)

// Verdict is the sandbox outcome for one order.
type Verdict struct {
	OK      bool
	Reason  string
	Command models.Command
}

// Context is everything the sandbox needs to judge an order. The commander
// assembles one per decision cycle from live engine state.
type Context struct {
	Allowed []string
	Blocked []string

	// Groups currently tracked, by stable ID.
	Groups map[string]models.Group

	ControlledSides []string

	// ControlWhitelist, when non-empty, further restricts which group IDs
	// orders may target (admin commanderControlGroups).
	ControlWhitelist map[string]bool

	Bounds models.Bounds
	Pool   *pool.Pool

	MaxUnitsPerSide int
	// UnitsPerSide is the current live count per side (reported ∪ spawned).
	UnitsPerSide map[string]int

	// MaxGroupsPerObjective caps how many orders of one cycle may bind to
	// the same objective; 0 disables the cap. groupsPerObjective accumulates
	// across Validate calls sharing this context.
	MaxGroupsPerObjective int
	groupsPerObjective    map[string]int

	Cycle int

	// SeedDistance is how far outside AO bounds vehicle deployments
	// materialize before driving in. Defaults to 2 km.
	SeedDistance float64
}

const (
	defaultPriority  = 5.0
	maxRadius        = 10_000.0
	defaultSeedRange = 2_000.0
)

// Validate applies the layered sandbox checks in order; the first failure is
// returned. A passing order comes back as a Command carrying its assigned
// priority and cycle number.
func Validate(o models.Order, sc *Context) Verdict {
	if reason := checkAllowList(o.Type, sc); reason != "" {
		return reject(reason)
	}
	if reason := checkSchema(o); reason != "" {
		return reject(reason)
	}
	if reason := checkGroup(o, sc); reason != "" {
		return reject(reason)
	}
	if reason := checkGeography(o, sc); reason != "" {
		return reject(reason)
	}
	if reason := checkParamTypes(o); reason != "" {
		return reject(reason)
	}
	if sc.MaxGroupsPerObjective > 0 && o.ObjectiveID != "" {
		if sc.groupsPerObjective == nil {
			sc.groupsPerObjective = map[string]int{}
		}
		if sc.groupsPerObjective[o.ObjectiveID] >= sc.MaxGroupsPerObjective {
			return reject(fmt.Sprintf("objective %s already has %d groups tasked", o.ObjectiveID, sc.MaxGroupsPerObjective))
		}
		sc.groupsPerObjective[o.ObjectiveID]++
	}
	var seed *models.Position
	if o.Type == models.CmdDeployAsset {
		side, reason := deploySide(o, sc)
		if reason != "" {
			return reject(reason)
		}
		o.Params.Side = side
		if _, err := sc.Pool.Reserve(side, assetType(o)); err != nil {
			return reject(err.Error())
		}
		if reason := checkSpawnCap(o, side, sc); reason != "" {
			sc.Pool.Release(side, assetType(o))
			return reject(reason)
		}
		if models.ParseTacticalClass(assetType(o)).Vehicle() {
			p := seedPosition(*o.Params.Position, sc)
			seed = &p
		}
		if sc.UnitsPerSide != nil {
			sc.UnitsPerSide[side] += len(o.Params.UnitClasses)
		}
	}
	return Verdict{OK: true, Command: models.Command{
		Order:            o,
		AssignedPriority: clampPriority(o.Priority),
		Cycle:            sc.Cycle,
		Validated:        true,
		SeedPos:          seed,
	}}
}

func reject(reason string) Verdict { return Verdict{Reason: reason} }

func checkAllowList(typ string, sc *Context) string {
	for _, b := range sc.Blocked {
		if typ == b {
			return fmt.Sprintf("command type %q is blocked", typ)
		}
	}
	if len(sc.Allowed) == 0 {
		return ""
	}
	for _, a := range sc.Allowed {
		if typ == a {
			return ""
		}
	}
	return fmt.Sprintf("command type %q not in allow-list", typ)
}

func checkSchema(o models.Order) string {
	p := o.Params
	switch o.Type {
	case models.CmdMoveTo:
		if p.Position == nil {
			return "move_to requires a position"
		}
	case models.CmdDefendArea, models.CmdSeekAndDestroy, models.CmdFireSupport:
		if p.Position == nil {
			return o.Type + " requires a position"
		}
		if p.Radius <= 0 {
			return o.Type + " requires a positive radius"
		}
	case models.CmdPatrolRoute:
		if len(p.Waypoints) < 2 {
			return fmt.Sprintf("patrol_route requires at least 2 waypoints, got %d", len(p.Waypoints))
		}
	case models.CmdTransportGroup:
		if p.PassengerGroupID == "" {
			return "transport_group requires passenger_group_id"
		}
		if p.Pickup == nil || p.Dropoff == nil {
			return "transport_group requires pickup and dropoff"
		}
	case models.CmdEscortGroup:
		if p.TargetGroupID == "" {
			return "escort_group requires target_group_id"
		}
		if p.Radius <= 0 {
			return "escort_group requires a positive radius"
		}
	case models.CmdDeployAsset:
		if len(p.UnitClasses) == 0 {
			return "deploy_asset requires at least one unit class"
		}
		if p.Position == nil {
			return "deploy_asset requires a destination position"
		}
		if p.Side == "" {
			return "deploy_asset requires a side"
		}
	}
	return ""
}

func checkGroup(o models.Order, sc *Context) string {
	targets := []string{}
	if o.Type == models.CmdDeployAsset {
		// deploy_asset may carry an empty group_id; a named one must be free.
		if o.GroupID != "" {
			if _, taken := sc.Groups[o.GroupID]; taken {
				return fmt.Sprintf("group id %q already in use", o.GroupID)
			}
		}
	} else {
		targets = append(targets, o.GroupID)
	}
	if o.Type == models.CmdTransportGroup {
		targets = append(targets, o.Params.PassengerGroupID)
	}
	if o.Type == models.CmdEscortGroup {
		// The escort target may be any tracked group; only the escorting
		// group itself must be controlled.
		if _, ok := sc.Groups[o.Params.TargetGroupID]; !ok {
			return fmt.Sprintf("escort target %q not tracked", o.Params.TargetGroupID)
		}
	}
	for _, id := range targets {
		if id == "" {
			return "order requires a target group id"
		}
		g, ok := sc.Groups[id]
		if !ok {
			return fmt.Sprintf("group %q not tracked", id)
		}
		if !controlled(g.Side, sc.ControlledSides) {
			return fmt.Sprintf("group %q side %s not controlled", id, g.Side)
		}
		if len(sc.ControlWhitelist) > 0 && !sc.ControlWhitelist[id] {
			return fmt.Sprintf("group %q outside control whitelist", id)
		}
	}
	return ""
}

func controlled(side string, controlledSides []string) bool {
	for _, c := range controlledSides {
		if side == c {
			return true
		}
	}
	return false
}

func checkGeography(o models.Order, sc *Context) string {
	positions := []*models.Position{o.Params.Position, o.Params.Pickup, o.Params.Dropoff}
	for i := range o.Params.Waypoints {
		positions = append(positions, &o.Params.Waypoints[i])
	}
	for _, p := range positions {
		if p == nil {
			continue
		}
		if !p.Finite() {
			return "position has non-finite coordinates"
		}
		if !sc.Bounds.Contains(*p) {
			return "position outside AO"
		}
	}
	return ""
}

func deploySide(o models.Order, sc *Context) (string, string) {
	side, ok := models.NormalizeSide(o.Params.Side)
	if !ok {
		return "", fmt.Sprintf("deploy side %q unknown", o.Params.Side)
	}
	if !controlled(side, sc.ControlledSides) {
		return "", fmt.Sprintf("deploy side %s not controlled", side)
	}
	return side, ""
}

func assetType(o models.Order) string {
	if o.Params.AssetType != "" {
		return o.Params.AssetType
	}
	return "infantry_squad"
}

func checkSpawnCap(o models.Order, side string, sc *Context) string {
	if sc.MaxUnitsPerSide <= 0 {
		return ""
	}
	requested := len(o.Params.UnitClasses)
	if sc.UnitsPerSide[side]+requested > sc.MaxUnitsPerSide {
		return fmt.Sprintf("side %s unit cap %d would be exceeded", side, sc.MaxUnitsPerSide)
	}
	return ""
}

func checkParamTypes(o models.Order) string {
	if o.Params.Radius != 0 && (o.Params.Radius <= 0 || o.Params.Radius > maxRadius || math.IsNaN(o.Params.Radius)) {
		return fmt.Sprintf("radius %v outside (0, %v]", o.Params.Radius, maxRadius)
	}
	return ""
}

func clampPriority(p *float64) float64 {
	v := defaultPriority
	if p != nil {
		v = *p
	}
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	return v
}

// seedPosition picks the vehicle spawn point: SeedDistance beyond the AO
// boundary on the ray from the bound center through the ordered destination.
func seedPosition(dest models.Position, sc *Context) models.Position {
	dist := sc.SeedDistance
	if dist <= 0 {
		dist = defaultSeedRange
	}
	center := sc.Bounds.Center()
	dx, dy := dest[0]-center[0], dest[1]-center[1]
	norm := math.Hypot(dx, dy)
	if norm == 0 {
		dx, dy, norm = 1, 0, 1
	}
	var edge float64
	switch {
	case sc.Bounds.Circle != nil:
		edge = sc.Bounds.Circle.Radius
	case sc.Bounds.Rect != nil:
		edge = math.Max(sc.Bounds.Rect.Max[0]-center[0], sc.Bounds.Rect.Max[1]-center[1])
	default:
		// Unbounded AO: seed straight out from the destination itself.
		return models.Position{dest[0] + dist, dest[1], dest[2]}
	}
	reach := edge + dist
	return models.Position{center[0] + dx/norm*reach, center[1] + dy/norm*reach, 0}
}
