package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"batcom/engine/internal/pool"
	"batcom/engine/internal/state"
	"batcom/engine/internal/telemetry/apilog"
	telemEvents "batcom/engine/internal/telemetry/events"
	"batcom/engine/models"
)

// AdminResult is the command-specific payload returned to the bridge.
type AdminResult map[string]any

// Admin dispatches one admin command. Every handler returns either a result
// payload or an error the bridge maps onto {status:"error"}; handlers never
// panic and state violations never mutate.
func (e *Engine) Admin(name string, params map[string]any, flag bool) (AdminResult, error) {
	if !e.started.Load() {
		return nil, fmt.Errorf("engine not initialized")
	}
	// emergencyStop must be able to interrupt an in-flight provider call, so
	// it cancels before taking the loop lock.
	if name == "emergencyStop" {
		if cancel, ok := e.inflight.Load().(context.CancelFunc); ok && cancel != nil {
			cancel()
		}
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	switch name {
	case "commanderBrief":
		intent, _ := params["intent"].(string)
		clear, _ := params["clear_memory"].(bool)
		e.cmd.SetBrief(intent, clear)
		return AdminResult{"intent": intent}, nil

	case "commanderAllies":
		sides, err := sideList(params["sides"])
		if err != nil {
			return nil, err
		}
		e.cmd.SetSides(sides, nil)
		return AdminResult{"allies": sides}, nil

	case "commanderSides":
		sides, err := sideList(params["sides"])
		if err != nil {
			return nil, err
		}
		e.cmd.SetSides(nil, sides)
		return AdminResult{"controlled": sides}, nil

	case "commanderTask":
		return e.adminTask(params)

	case "deployCommander":
		wasDeployed := e.cmd.Deployed()
		e.cmd.SetDeployed(flag)
		if flag && !wasDeployed {
			e.cmd.ResetFailures()
		}
		return AdminResult{"deployed": flag}, nil

	case "commanderControlGroups":
		ids, _ := params["group_ids"].([]any)
		whitelist := map[string]bool{}
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				whitelist[s] = true
			}
		}
		e.controlWhitelist = whitelist
		e.cmd.SetGuardrails(e.guardrailsView())
		return AdminResult{"whitelisted": len(whitelist)}, nil

	case "commanderGuardrails":
		return e.adminGuardrails(params)

	case "setLLMConfig":
		return e.adminSetLLMConfig(params)

	case "setLLMApiKey":
		providerName, _ := params["provider"].(string)
		key, _ := params["api_key"].(string)
		if providerName == "" || key == "" {
			return nil, fmt.Errorf("setLLMApiKey requires provider and api_key")
		}
		e.adminKeys[strings.ToLower(providerName)] = key
		if e.cfg.AI.Enabled && strings.EqualFold(e.cfg.AI.Provider, providerName) {
			if err := e.rebuildClient(); err != nil {
				return nil, err
			}
		}
		return AdminResult{"provider": strings.ToLower(providerName)}, nil

	case "commanderStartAO":
		return e.adminStartAO(params)

	case "commanderEndAO":
		return e.adminEndAO()

	case "commanderSetHVT":
		return e.adminSetHVT(params)

	case "aoProgress":
		return e.adminAOProgress(params)

	case "resource_pool_add_asset":
		return e.adminPoolAdd(params)

	case "resource_pool_remove_asset":
		side, typ, err := sideAndType(params)
		if err != nil {
			return nil, err
		}
		e.pool.RemoveAsset(side, typ)
		return AdminResult{"removed": side + "/" + typ}, nil

	case "resource_pool_clear_side":
		rawSide, _ := params["side"].(string)
		side, ok := models.NormalizeSide(rawSide)
		if !ok {
			return nil, fmt.Errorf("unknown side %q", rawSide)
		}
		e.pool.ClearSide(side)
		return AdminResult{"cleared": side}, nil

	case "load_resource_template":
		nameArg, _ := params["name"].(string)
		tpl, err := e.templates.Load(nameArg)
		if err != nil {
			return nil, err
		}
		e.pool.Replace(tpl.Pool)
		return AdminResult{"template": tpl.Name, "sides": len(tpl.Pool)}, nil

	case "list_resource_templates":
		return AdminResult{"templates": e.templates.List()}, nil

	case "set_ao_defense_phase":
		e.pool.SetDefensePhase(flag)
		return AdminResult{"active": flag}, nil

	case "emergencyStop":
		return e.adminEmergencyStop()
	}
	return nil, fmt.Errorf("unknown admin command %q", name)
}

func sideList(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("sides must be an array")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("side entry is %T, want string", item)
		}
		side, ok := models.NormalizeSide(s)
		if !ok {
			return nil, fmt.Errorf("%q: %w", s, models.ErrUnknownSide)
		}
		out = append(out, side)
	}
	return out, nil
}

func (e *Engine) adminTask(params map[string]any) (AdminResult, error) {
	raw, ok := params["task"]
	if !ok {
		return nil, fmt.Errorf("commanderTask requires a task record")
	}
	obj, err := models.NormalizeObjective(raw, "task")
	if err != nil {
		return nil, err
	}
	e.state.UpsertObjective(obj)
	return AdminResult{"objective": obj.ID, "state": string(obj.State)}, nil
}

func (e *Engine) adminGuardrails(params map[string]any) (AdminResult, error) {
	updated := e.cfg.Guardrails
	if raw, ok := params["ao_bounds"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode ao_bounds: %w", err)
		}
		var b models.Bounds
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode ao_bounds: %w", err)
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		updated.AOBounds = b
	}
	if raw, ok := params["resource_pool"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode resource_pool: %w", err)
		}
		var def pool.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode resource_pool: %w", err)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		updated.ResourcePool = def
	}
	e.cfg.Guardrails = updated
	e.pool.Replace(updated.ResourcePool)
	g := e.guardrailsView()
	e.cmd.SetGuardrails(g)
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryConfig, Type: "guardrails_updated", Severity: "info"})
	return AdminResult{"bounds_defined": updated.AOBounds.Defined()}, nil
}

func (e *Engine) adminSetLLMConfig(params map[string]any) (AdminResult, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode llm config: %w", err)
	}
	next := e.cfg.AI
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, fmt.Errorf("decode llm config: %w", err)
	}
	prev := e.cfg.AI
	e.cfg.AI = next
	if next.Enabled {
		if err := e.rebuildClient(); err != nil {
			e.cfg.AI = prev
			return nil, err
		}
	} else {
		e.clientMu.Lock()
		e.client = nil
		e.clientMu.Unlock()
	}
	e.cmd.SetMinInterval(next.MinIntervalDuration())
	e.cmd.SetLogThoughts(next.LogThoughts)
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryConfig, Type: "llm_config_updated", Severity: "info",
		Fields: map[string]any{"provider": next.Provider, "model": next.Model}})
	return AdminResult{"provider": next.Provider, "model": next.Model}, nil
}

func (e *Engine) adminStartAO(params map[string]any) (AdminResult, error) {
	aoID, _ := params["ao_id"].(string)
	world, _ := params["world_name"].(string)
	mission, _ := params["mission_name"].(string)
	index := intParam(params, "ao_index")
	if err := e.state.StartAO(aoID, world, mission, index); err != nil {
		return nil, err
	}
	e.pool.ResetInFlight()
	e.apilogMu.Lock()
	e.apilogW = apilog.Open(e.cfg.LogDir, world, mission, index, func(err error) {
		e.log.WarnCtx(context.Background(), "api log write failed", "err", err)
	})
	e.apilogMu.Unlock()
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryState, Type: "ao_started", Severity: "info",
		Fields: map[string]any{"ao_id": aoID, "world": world, "mission": mission}})
	return AdminResult{"ao_id": aoID, "phase": e.state.Phase()}, nil
}

func (e *Engine) adminEndAO() (AdminResult, error) {
	analysis, err := e.state.EndAO()
	if err != nil {
		return nil, err
	}
	e.closeAPILog()
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryState, Type: "ao_ended", Severity: "info",
		Fields: map[string]any{"cycles": analysis.TotalCycles, "orders": analysis.TotalOrders}})
	data, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return AdminResult{"analysis": payload}, nil
}

func (e *Engine) adminSetHVT(params map[string]any) (AdminResult, error) {
	weights := hvtWeightsFromParams(params)
	topPlayers := intParam(params, "top_players")
	topGroups := intParam(params, "top_groups")
	e.state.SetHVTConfig(weights, topPlayers, topGroups)
	return AdminResult{"top_players": topPlayers, "top_groups": topGroups}, nil
}

func hvtWeightsFromParams(params map[string]any) (w state.HVTWeights) {
	w = state.DefaultHVTWeights()
	if v, ok := floatParam(params, "w_kills"); ok {
		w.Kills = v
	}
	if v, ok := floatParam(params, "w_contributions"); ok {
		w.Contributions = v
	}
	if v, ok := floatParam(params, "w_proximity"); ok {
		w.Proximity = v
	}
	if v, ok := floatParam(params, "w_captures"); ok {
		w.Captures = v
	}
	return w
}

func (e *Engine) adminAOProgress(params map[string]any) (AdminResult, error) {
	evType, _ := params["event_type"].(string)
	uid, _ := params["player_uid"].(string)
	if evType == "" || uid == "" {
		return nil, fmt.Errorf("aoProgress requires event_type and player_uid")
	}
	ev := models.CaptureEvent{Type: evType, PlayerUID: uid, At: time.Now()}
	if v, ok := params["objective_id"].(string); ok {
		ev.ObjectiveID = v
	}
	if v, ok := params["completion_method"].(string); ok {
		ev.Method = v
	}
	if nearby, ok := params["nearby_players"].([]any); ok {
		for _, n := range nearby {
			if s, ok := n.(string); ok {
				ev.Nearby = append(ev.Nearby, s)
			}
		}
	}
	if err := e.state.RecordCapture(ev); err != nil {
		return nil, err
	}
	return AdminResult{"recorded": evType}, nil
}

func (e *Engine) adminPoolAdd(params map[string]any) (AdminResult, error) {
	side, typ, err := sideAndType(params)
	if err != nil {
		return nil, err
	}
	asset := pool.Asset{Max: intParam(params, "max")}
	if classes, ok := params["classnames"].([]any); ok {
		for _, c := range classes {
			if s, ok := c.(string); ok {
				asset.Classnames = append(asset.Classnames, s)
			}
		}
	}
	if v, ok := params["defense_only"].(bool); ok {
		asset.DefenseOnly = v
	}
	if v, ok := params["description"].(string); ok {
		asset.Description = v
	}
	if len(asset.Classnames) == 0 {
		return nil, fmt.Errorf("at least one classname required")
	}
	e.pool.AddAsset(side, typ, asset)
	return AdminResult{"asset": side + "/" + typ, "max": asset.Max}, nil
}

func (e *Engine) adminEmergencyStop() (AdminResult, error) {
	if client := e.activeClient(); client != nil {
		client.Breaker().ForceOpen()
		client.InvalidateCache(context.Background())
	}
	e.state.ClearHistory()
	cleared := e.queue.Clear()
	e.cmd.SetDeployed(false)
	_ = e.eventBus.Publish(telemEvents.Event{Category: telemEvents.CategoryProvider, Type: "emergency_stop", Severity: "warn",
		Fields: map[string]any{"commands_cleared": cleared}})
	return AdminResult{"stopped": true, "commands_cleared": cleared}, nil
}

func sideAndType(params map[string]any) (string, string, error) {
	rawSide, _ := params["side"].(string)
	side, ok := models.NormalizeSide(rawSide)
	if !ok {
		return "", "", fmt.Errorf("unknown side %q", rawSide)
	}
	typ, _ := params["asset_type"].(string)
	if typ == "" {
		return "", "", fmt.Errorf("asset_type required")
	}
	return side, typ, nil
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
