// Package bridge exposes the engine to the host simulator. The transport
// cannot carry maps, only ordered [key, value] pair lists, so every request
// and response body is a JSON array of pairs; nested records are nested pair
// lists.
package bridge

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pair is one [key, value] element of a bridge payload.
type Pair struct {
	Key   string
	Value any
}

// Pairs is an ordered pair list.
type Pairs []Pair

// MarshalJSON renders the wire shape [["k", v], ...].
func (ps Pairs) MarshalJSON() ([]byte, error) {
	out := make([][2]any, 0, len(ps))
	for _, p := range ps {
		out = append(out, [2]any{p.Key, p.Value})
	}
	return json.Marshal(out)
}

// DecodePairs parses a request body into the raw pair tree. The result is
// the []any shape models.IngestSnapshot and PairsToMap consume.
func DecodePairs(body []byte) (any, error) {
	var raw any
	if len(body) == 0 {
		return []any{}, nil
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode pair list: %w", err)
	}
	if _, ok := raw.([]any); !ok {
		return nil, fmt.Errorf("payload must be a pair list, got %T", raw)
	}
	return raw, nil
}

// PairsToMap converts a decoded pair tree into nested maps. Lists that are
// not pair-shaped (e.g. position triples, waypoint arrays) pass through
// unchanged.
func PairsToMap(raw any) map[string]any {
	out := map[string]any{}
	list, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		key, ok := pair[0].(string)
		if !ok {
			continue
		}
		out[key] = convertValue(pair[1])
	}
	return out
}

func convertValue(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	if isPairList(list) {
		return PairsToMap(list)
	}
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = convertValue(item)
	}
	return out
}

// isPairList reports whether every element looks like a [string, value]
// pair. Empty lists stay plain arrays.
func isPairList(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return false
		}
		if _, ok := pair[0].(string); !ok {
			return false
		}
	}
	return true
}

// MapToPairs renders a map (and nested maps/slices) back into the wire
// shape. Key order is not guaranteed; hosts key off names, not positions.
func MapToPairs(m map[string]any) Pairs {
	out := make(Pairs, 0, len(m))
	for k, v := range m {
		out = append(out, Pair{Key: k, Value: valueToWire(v)})
	}
	return out
}

func valueToWire(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return MapToPairs(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = valueToWire(item)
		}
		return out
	}
	return v
}
