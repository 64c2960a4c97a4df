package models

import (
	"fmt"
	"strconv"
)

// The host bridge cannot carry maps, only ordered [key, value] pair lists,
// so a raw snapshot arrives as a tree of nested pair lists. IngestSnapshot
// rebuilds the typed Snapshot from that tree. It is pure: either the whole
// payload normalizes or an error is returned and nothing is applied.

// pairTree wraps a decoded pair list with keyed access. Order of the
// underlying list is preserved for sequence-valued keys.
type pairTree struct {
	keys []string
	vals []any
}

func newPairTree(raw any, path string) (*pairTree, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, NewSnapshotError(path, fmt.Errorf("expected pair list, got %T: %w", raw, ErrBadSnapshot))
	}
	t := &pairTree{}
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, NewSnapshotError(path, fmt.Errorf("entry %d is not a [key, value] pair: %w", i, ErrBadSnapshot))
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, NewSnapshotError(path, fmt.Errorf("entry %d key is %T, want string: %w", i, pair[0], ErrBadSnapshot))
		}
		t.keys = append(t.keys, key)
		t.vals = append(t.vals, pair[1])
	}
	return t, nil
}

func (t *pairTree) get(key string) (any, bool) {
	for i, k := range t.keys {
		if k == key {
			return t.vals[i], true
		}
	}
	return nil, false
}

func (t *pairTree) str(key string) string {
	if v, ok := t.get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// num coerces float64, int and numeric strings, the three shapes the bridge
// emits for numbers.
func (t *pairTree) num(key string) (float64, bool) {
	v, ok := t.get(key)
	if !ok {
		return 0, false
	}
	return coerceNum(v)
}

func coerceNum(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func (t *pairTree) boolean(key string) bool {
	v, ok := t.get(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case float64:
		return b != 0
	}
	return false
}

func coercePos(v any, path string) (Position, error) {
	list, ok := v.([]any)
	if !ok || len(list) < 2 || len(list) > 3 {
		return Position{}, NewSnapshotError(path, fmt.Errorf("position must be a 2- or 3-element array: %w", ErrBadSnapshot))
	}
	var p Position
	for i, c := range list {
		n, ok := coerceNum(c)
		if !ok {
			return Position{}, NewSnapshotError(path, fmt.Errorf("position component %d not numeric: %w", i, ErrBadSnapshot))
		}
		p[i] = n
	}
	return p, nil
}

// IngestSnapshot normalizes a raw bridge payload into a Snapshot. The
// operation is idempotent and never partially applies: any shape mismatch
// aborts with an error wrapping ErrBadSnapshot, and an unknown side spelling
// aborts with an error wrapping ErrUnknownSide.
func IngestSnapshot(raw any) (*Snapshot, error) {
	root, err := newPairTree(raw, "root")
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		UnitCounts:    map[string]int{},
		MissionVars:   map[string]string{},
		Contributions: map[string]float64{},
	}
	snap.MissionTime, _ = root.num("mission_time")
	snap.DayTime, _ = root.num("day_time")
	snap.WorldName = root.str("world_name")
	snap.MissionName = root.str("mission_name")
	snap.MissionIntent = root.str("mission_intent")

	if v, ok := root.get("weather"); ok {
		w, err := newPairTree(v, "weather")
		if err != nil {
			return nil, err
		}
		snap.Weather.Overcast, _ = w.num("overcast")
		snap.Weather.Rain, _ = w.num("rain")
		snap.Weather.Fog, _ = w.num("fog")
		snap.Weather.Wind, _ = w.num("wind")
	}

	if v, ok := root.get("unit_counts"); ok {
		t, err := newPairTree(v, "unit_counts")
		if err != nil {
			return nil, err
		}
		for i, k := range t.keys {
			side, ok := NormalizeSide(k)
			if !ok {
				return nil, NewSnapshotError("unit_counts", fmt.Errorf("%q: %w", k, ErrUnknownSide))
			}
			n, _ := coerceNum(t.vals[i])
			snap.UnitCounts[side] = int(n)
		}
	}

	for _, key := range []string{"friendly_sides", "controlled_sides"} {
		v, ok := root.get(key)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, NewSnapshotError(key, fmt.Errorf("expected array: %w", ErrBadSnapshot))
		}
		for _, item := range list {
			raw, ok := item.(string)
			if !ok {
				return nil, NewSnapshotError(key, fmt.Errorf("side entry is %T: %w", item, ErrBadSnapshot))
			}
			side, ok := NormalizeSide(raw)
			if !ok {
				return nil, NewSnapshotError(key, fmt.Errorf("%q: %w", raw, ErrUnknownSide))
			}
			if key == "friendly_sides" {
				snap.FriendlySides = append(snap.FriendlySides, side)
			} else {
				snap.ControlledSides = append(snap.ControlledSides, side)
			}
		}
	}

	if v, ok := root.get("groups"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, NewSnapshotError("groups", fmt.Errorf("expected array: %w", ErrBadSnapshot))
		}
		for i, item := range list {
			g, err := normalizeGroup(item, fmt.Sprintf("groups[%d]", i))
			if err != nil {
				return nil, err
			}
			snap.Groups = append(snap.Groups, g)
		}
	}

	if v, ok := root.get("players"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, NewSnapshotError("players", fmt.Errorf("expected array: %w", ErrBadSnapshot))
		}
		for i, item := range list {
			path := fmt.Sprintf("players[%d]", i)
			t, err := newPairTree(item, path)
			if err != nil {
				return nil, err
			}
			p := Player{UID: t.str("uid"), Name: t.str("name")}
			if raw := t.str("side"); raw != "" {
				side, ok := NormalizeSide(raw)
				if !ok {
					return nil, NewSnapshotError(path, fmt.Errorf("%q: %w", raw, ErrUnknownSide))
				}
				p.Side = side
			}
			if pv, ok := t.get("pos"); ok {
				if p.Pos, err = coercePos(pv, path+".pos"); err != nil {
					return nil, err
				}
			}
			snap.Players = append(snap.Players, p)
		}
	}

	if v, ok := root.get("objectives"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, NewSnapshotError("objectives", fmt.Errorf("expected array: %w", ErrBadSnapshot))
		}
		for i, item := range list {
			o, err := NormalizeObjective(item, fmt.Sprintf("objectives[%d]", i))
			if err != nil {
				return nil, err
			}
			snap.Objectives = append(snap.Objectives, o)
		}
	}

	if v, ok := root.get("mission_vars"); ok {
		t, err := newPairTree(v, "mission_vars")
		if err != nil {
			return nil, err
		}
		for i, k := range t.keys {
			snap.MissionVars[k] = fmt.Sprint(t.vals[i])
		}
	}

	if v, ok := root.get("casualties"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, NewSnapshotError("casualties", fmt.Errorf("expected array: %w", ErrBadSnapshot))
		}
		for i, item := range list {
			path := fmt.Sprintf("casualties[%d]", i)
			t, err := newPairTree(item, path)
			if err != nil {
				return nil, err
			}
			ev := CasualtyEvent{
				VictimGroup: t.str("victim_group"),
				KillerUID:   t.str("killer_uid"),
				KillerGroup: t.str("killer_group"),
			}
			if raw := t.str("victim_side"); raw != "" {
				side, ok := NormalizeSide(raw)
				if !ok {
					return nil, NewSnapshotError(path, fmt.Errorf("%q: %w", raw, ErrUnknownSide))
				}
				ev.VictimSide = side
			}
			ev.MissionTime, _ = t.num("mission_time")
			snap.Casualties = append(snap.Casualties, ev)
		}
	}

	if v, ok := root.get("contributions"); ok {
		t, err := newPairTree(v, "contributions")
		if err != nil {
			return nil, err
		}
		for i, k := range t.keys {
			n, _ := coerceNum(t.vals[i])
			snap.Contributions[k] = n
		}
	}

	return snap, nil
}

func normalizeGroup(raw any, path string) (Group, error) {
	t, err := newPairTree(raw, path)
	if err != nil {
		return Group{}, err
	}
	g := Group{
		ID:           t.str("id"),
		Class:        ParseTacticalClass(t.str("class")),
		Behaviour:    t.str("behaviour"),
		CombatMode:   t.str("combat_mode"),
		Formation:    t.str("formation"),
		InCombat:     t.boolean("in_combat"),
		WaypointType: t.str("waypoint_type"),
		IsControlled: t.boolean("is_controlled"),
	}
	if g.ID == "" {
		return Group{}, NewSnapshotError(path, fmt.Errorf("missing group id: %w", ErrBadSnapshot))
	}
	side, ok := NormalizeSide(t.str("side"))
	if !ok {
		return Group{}, NewSnapshotError(path, fmt.Errorf("%q: %w", t.str("side"), ErrUnknownSide))
	}
	g.Side = side
	if n, ok := t.num("unit_count"); ok {
		g.UnitCount = int(n)
	}
	if v, ok := t.get("pos"); ok {
		if g.Pos, err = coercePos(v, path+".pos"); err != nil {
			return Group{}, err
		}
	}
	if v, ok := t.get("waypoint_pos"); ok {
		if g.WaypointPos, err = coercePos(v, path+".waypoint_pos"); err != nil {
			return Group{}, err
		}
	}
	if g.IsControlled {
		if n, ok := t.num("casualties"); ok {
			g.Casualties = int(n)
		}
		g.Posture = t.str("posture")
	} else {
		g.IsFriendly = t.boolean("is_friendly")
		g.Knowledge, _ = t.num("knowledge")
	}
	return g, nil
}

// NormalizeObjective rebuilds one objective from a pair tree. Exposed for the
// admin commanderTask path, which delivers objectives outside a snapshot.
func NormalizeObjective(raw any, path string) (Objective, error) {
	t, err := newPairTree(raw, path)
	if err != nil {
		return Objective{}, err
	}
	o := Objective{
		ID:          t.str("id"),
		Description: t.str("description"),
		TaskType:    t.str("task_type"),
		State:       ObjectiveActive,
		Meta:        map[string]any{},
	}
	if o.ID == "" {
		return Objective{}, NewSnapshotError(path, fmt.Errorf("missing objective id: %w", ErrBadSnapshot))
	}
	o.Priority, _ = t.num("priority")
	if n, ok := t.num("radius"); ok {
		o.Radius = n
	}
	if v, ok := t.get("pos"); ok {
		if o.Pos, err = coercePos(v, path+".pos"); err != nil {
			return Objective{}, err
		}
	}
	if s := t.str("state"); s != "" {
		o.State = ObjectiveState(s)
	}
	if v, ok := t.get("meta"); ok {
		mt, err := newPairTree(v, path+".meta")
		if err != nil {
			return Objective{}, err
		}
		for i, k := range mt.keys {
			o.Meta[k] = mt.vals[i]
		}
	}
	return o, nil
}
