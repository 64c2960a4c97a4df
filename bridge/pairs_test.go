package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePairs(t *testing.T) {
	raw, err := DecodePairs([]byte(`[["mission_time", 42.5], ["world_name", "Altis"]]`))
	require.NoError(t, err)
	list, ok := raw.([]any)
	require.True(t, ok)
	assert.Len(t, list, 2)

	_, err = DecodePairs([]byte(`{"a": 1}`))
	assert.Error(t, err, "objects are not pair lists")
	_, err = DecodePairs([]byte(`garbage`))
	assert.Error(t, err)

	empty, err := DecodePairs(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.([]any))
}

func TestPairsToMapNested(t *testing.T) {
	raw, err := DecodePairs([]byte(`[
		["name", "commanderTask"],
		["params", [
			["task", [["id", "obj_1"], ["priority", 8]]],
			["waypoints", [[1, 2, 0], [3, 4, 0]]]
		]],
		["flag", true]
	]`))
	require.NoError(t, err)
	m := PairsToMap(raw)

	assert.Equal(t, "commanderTask", m["name"])
	assert.Equal(t, true, m["flag"])
	params, ok := m["params"].(map[string]any)
	require.True(t, ok)
	task, ok := params["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "obj_1", task["id"])

	// Coordinate arrays are not pair-shaped and pass through unchanged.
	wps, ok := params["waypoints"].([]any)
	require.True(t, ok)
	first, ok := wps[0].([]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, first[0])
}

func TestPairsMarshalShape(t *testing.T) {
	ps := Pairs{{Key: "status", Value: "ok"}, {Key: "count", Value: 3}}
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	assert.JSONEq(t, `[["status","ok"],["count",3]]`, string(data))
}

func TestMapToPairsRoundTrip(t *testing.T) {
	m := map[string]any{
		"outer": map[string]any{"inner": "v"},
		"list":  []any{1.0, 2.0},
		"plain": "x",
	}
	ps := MapToPairs(m)
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	raw, err := DecodePairs(data)
	require.NoError(t, err)
	back := PairsToMap(raw)
	assert.Equal(t, "x", back["plain"])
	outer, ok := back["outer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v", outer["inner"])
	assert.Equal(t, []any{1.0, 2.0}, back["list"])
}
