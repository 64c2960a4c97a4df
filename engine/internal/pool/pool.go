package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrExhausted   = errors.New("pool exhausted")
	ErrDefenseOnly = errors.New("asset reserved for AO defense phase")
	ErrUnknownAsset = errors.New("asset type not in pool")
)

// Asset describes one spawnable asset type within a side's inventory.
type Asset struct {
	Classnames  []string `json:"classnames" yaml:"classnames"`
	Max         int      `json:"max" yaml:"max"`
	DefenseOnly bool     `json:"defense_only,omitempty" yaml:"defense_only,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition is the admin-supplied pool layout: side → asset type → Asset.
type Definition map[string]map[string]Asset

// Pool tracks remaining capacity per (side, asset type) and the AO defense
// phase gate for defense_only assets.
type Pool struct {
	mu       sync.Mutex
	def      Definition
	inFlight map[string]int // key side+"/"+assetType
	defense  bool
}

func New(def Definition) *Pool {
	p := &Pool{inFlight: map[string]int{}}
	p.Replace(def)
	return p
}

// Replace swaps the pool definition. In-flight counters for surviving
// (side, type) pairs are retained so a guardrails update cannot refill
// already-spent capacity.
func (p *Pool) Replace(def Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if def == nil {
		def = Definition{}
	}
	p.def = def
	for key := range p.inFlight {
		if _, ok := p.lookupLocked(key); !ok {
			delete(p.inFlight, key)
		}
	}
}

func (p *Pool) lookupLocked(key string) (Asset, bool) {
	for side, assets := range p.def {
		for typ, a := range assets {
			if side+"/"+typ == key {
				return a, true
			}
		}
	}
	return Asset{}, false
}

// SetDefensePhase toggles admission of defense_only assets. Idempotent.
func (p *Pool) SetDefensePhase(active bool) {
	p.mu.Lock()
	p.defense = active
	p.mu.Unlock()
}

// DefensePhase reports the current gate state.
func (p *Pool) DefensePhase() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defense
}

// Reserve admits one deployment of (side, assetType), consuming capacity.
// The checks mirror the sandbox layering: existence, defense gating, cap.
func (p *Pool) Reserve(side, assetType string) (Asset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	assets, ok := p.def[side]
	if !ok {
		return Asset{}, fmt.Errorf("side %s: %w", side, ErrUnknownAsset)
	}
	a, ok := assets[assetType]
	if !ok {
		return Asset{}, fmt.Errorf("%s/%s: %w", side, assetType, ErrUnknownAsset)
	}
	if a.DefenseOnly && !p.defense {
		return Asset{}, fmt.Errorf("%s/%s: %w", side, assetType, ErrDefenseOnly)
	}
	key := side + "/" + assetType
	if p.inFlight[key] >= a.Max {
		return Asset{}, fmt.Errorf("%s/%s (max %d): %w", side, assetType, a.Max, ErrExhausted)
	}
	p.inFlight[key]++
	return a, nil
}

// Release returns one unit of capacity, used when a reserved deployment is
// rejected downstream before enqueueing.
func (p *Pool) Release(side, assetType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := side + "/" + assetType
	if p.inFlight[key] > 0 {
		p.inFlight[key]--
	}
}

// AddAsset upserts one asset type under a side.
func (p *Pool) AddAsset(side, assetType string, a Asset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.def[side] == nil {
		p.def[side] = map[string]Asset{}
	}
	p.def[side][assetType] = a
}

// RemoveAsset deletes one asset type; its in-flight counter goes with it.
func (p *Pool) RemoveAsset(side, assetType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if assets, ok := p.def[side]; ok {
		delete(assets, assetType)
		if len(assets) == 0 {
			delete(p.def, side)
		}
	}
	delete(p.inFlight, side+"/"+assetType)
}

// ClearSide drops a side's whole inventory.
func (p *Pool) ClearSide(side string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for typ := range p.def[side] {
		delete(p.inFlight, side+"/"+typ)
	}
	delete(p.def, side)
}

// Remaining reports unreserved capacity for (side, assetType); zero when the
// type is unknown.
func (p *Pool) Remaining(side, assetType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	assets, ok := p.def[side]
	if !ok {
		return 0
	}
	a, ok := assets[assetType]
	if !ok {
		return 0
	}
	left := a.Max - p.inFlight[side+"/"+assetType]
	if left < 0 {
		return 0
	}
	return left
}

// SummaryLine is one row of the pool's prompt-facing summary.
type SummaryLine struct {
	Side        string `json:"side"`
	AssetType   string `json:"asset_type"`
	Remaining   int    `json:"remaining"`
	Max         int    `json:"max"`
	DefenseOnly bool   `json:"defense_only"`
	Description string `json:"description,omitempty"`
}

// Summary returns a deterministic listing of the pool, sides and types
// lexicographic, for prompt construction and admin queries.
func (p *Pool) Summary() []SummaryLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lines []SummaryLine
	sides := make([]string, 0, len(p.def))
	for s := range p.def {
		sides = append(sides, s)
	}
	sort.Strings(sides)
	for _, side := range sides {
		types := make([]string, 0, len(p.def[side]))
		for t := range p.def[side] {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, typ := range types {
			a := p.def[side][typ]
			left := a.Max - p.inFlight[side+"/"+typ]
			if left < 0 {
				left = 0
			}
			lines = append(lines, SummaryLine{
				Side: side, AssetType: typ, Remaining: left, Max: a.Max,
				DefenseOnly: a.DefenseOnly, Description: a.Description,
			})
		}
	}
	return lines
}

// ResetInFlight zeroes all reservation counters; called on AO start so a new
// mission begins with full inventories.
func (p *Pool) ResetInFlight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = map[string]int{}
}

// Validate rejects malformed definitions at config time.
func (def Definition) Validate() error {
	for side, assets := range def {
		for typ, a := range assets {
			if a.Max < 0 {
				return fmt.Errorf("pool %s/%s: max must be non-negative, got %d", side, typ, a.Max)
			}
			if len(a.Classnames) == 0 {
				return fmt.Errorf("pool %s/%s: at least one classname required", side, typ)
			}
		}
	}
	return nil
}
