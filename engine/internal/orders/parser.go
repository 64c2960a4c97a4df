package orders

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"batcom/engine/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// reply is the JSON document shape providers return. Extra fields are
// tolerated and ignored.
type reply struct {
	Reasoning string            `json:"reasoning"`
	Orders    []jsoniter.RawMessage `json:"orders"`
}

// ParseResult carries the accepted orders alongside per-order warnings and a
// document-level error note, so a partial parse still yields the good subset.
type ParseResult struct {
	Reasoning string
	Orders    []models.Order
	Warnings  []string
	Err       string
}

// Parse decodes a raw LLM reply. A whole-document failure produces an empty
// order list and one recorded error; each malformed order inside an otherwise
// valid document is dropped with a warning.
func Parse(raw []byte) ParseResult {
	var res ParseResult
	doc := extractJSON(raw)
	if len(doc) == 0 {
		res.Err = "reply contains no JSON document"
		return res
	}
	var r reply
	if err := json.Unmarshal(doc, &r); err != nil {
		res.Err = fmt.Sprintf("reply is not a valid order document: %v", err)
		return res
	}
	res.Reasoning = r.Reasoning
	for i, rawOrder := range r.Orders {
		var o models.Order
		if err := json.Unmarshal(rawOrder, &o); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("order %d dropped: %v", i, err))
			continue
		}
		o.Type = strings.ToLower(strings.TrimSpace(o.Type))
		if o.Type == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("order %d dropped: missing type", i))
			continue
		}
		// spawn_squad is a wire alias.
		if o.Type == models.CmdSpawnSquad {
			o.Type = models.CmdDeployAsset
		}
		if !knownType(o.Type) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("order %d dropped: unknown type %q", i, o.Type))
			continue
		}
		res.Orders = append(res.Orders, o)
	}
	return res
}

func knownType(t string) bool {
	for _, k := range models.KnownCommandTypes {
		if t == k {
			return true
		}
	}
	return false
}

// extractJSON strips markdown code fences and leading prose that models wrap
// around the document, returning the outermost {...} span.
func extractJSON(raw []byte) []byte {
	s := string(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil
	}
	return []byte(s[start : end+1])
}

// Serialize renders an order list back into the wire document shape. Used by
// the round-trip tests and the AO log.
func Serialize(reasoning string, orders []models.Order) ([]byte, error) {
	return json.Marshal(struct {
		Reasoning string         `json:"reasoning"`
		Orders    []models.Order `json:"orders"`
	}{Reasoning: reasoning, Orders: orders})
}
