package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDef() Definition {
	return Definition{
		"EAST": {
			"infantry_squad": {Classnames: []string{"A", "B"}, Max: 2},
			"at_team":        {Classnames: []string{"AT"}, Max: 1, DefenseOnly: true},
		},
		"WEST": {
			"armor": {Classnames: []string{"T"}, Max: 1},
		},
	}
}

func TestReserveConsumesCapacity(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("EAST", "infantry_squad")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Remaining("EAST", "infantry_squad"))
	_, err = p.Reserve("EAST", "infantry_squad")
	require.NoError(t, err)
	_, err = p.Reserve("EAST", "infantry_squad")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReserveUnknown(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("EAST", "battleship")
	assert.ErrorIs(t, err, ErrUnknownAsset)
	_, err = p.Reserve("CIV", "infantry_squad")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestDefensePhaseGate(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("EAST", "at_team")
	assert.ErrorIs(t, err, ErrDefenseOnly)

	p.SetDefensePhase(true)
	p.SetDefensePhase(true) // idempotent
	assert.True(t, p.DefensePhase())
	_, err = p.Reserve("EAST", "at_team")
	assert.NoError(t, err)
}

func TestRelease(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("WEST", "armor")
	require.NoError(t, err)
	p.Release("WEST", "armor")
	assert.Equal(t, 1, p.Remaining("WEST", "armor"))
	// Release never goes below zero.
	p.Release("WEST", "armor")
	assert.Equal(t, 1, p.Remaining("WEST", "armor"))
}

func TestReplaceKeepsSpentCapacity(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("EAST", "infantry_squad")
	require.NoError(t, err)
	p.Replace(testDef())
	assert.Equal(t, 1, p.Remaining("EAST", "infantry_squad"), "replace must not refill spent capacity")
	p.ResetInFlight()
	assert.Equal(t, 2, p.Remaining("EAST", "infantry_squad"))
}

func TestAddRemoveClear(t *testing.T) {
	p := New(nil)
	p.AddAsset("EAST", "mortar", Asset{Classnames: []string{"M"}, Max: 3})
	assert.Equal(t, 3, p.Remaining("EAST", "mortar"))
	p.RemoveAsset("EAST", "mortar")
	assert.Equal(t, 0, p.Remaining("EAST", "mortar"))

	p.AddAsset("WEST", "armor", Asset{Classnames: []string{"T"}, Max: 1})
	p.ClearSide("WEST")
	assert.Empty(t, p.Summary())
}

func TestSummaryDeterministic(t *testing.T) {
	p := New(testDef())
	_, err := p.Reserve("EAST", "infantry_squad")
	require.NoError(t, err)
	s := p.Summary()
	require.Len(t, s, 3)
	assert.Equal(t, "EAST", s[0].Side)
	assert.Equal(t, "at_team", s[0].AssetType)
	assert.Equal(t, "infantry_squad", s[1].AssetType)
	assert.Equal(t, 1, s[1].Remaining)
	assert.Equal(t, "WEST", s[2].Side)
	assert.Equal(t, p.Summary(), s)
}

func TestDefinitionValidate(t *testing.T) {
	assert.NoError(t, testDef().Validate())
	bad := Definition{"EAST": {"x": {Max: -1, Classnames: []string{"A"}}}}
	assert.Error(t, bad.Validate())
	empty := Definition{"EAST": {"x": {Max: 1}}}
	assert.Error(t, empty.Validate())
}

func TestTemplateStoreLoadAndList(t *testing.T) {
	dir := t.TempDir()
	tpl := `name: desert-defense
description: standard desert loadout
pool:
  EAST:
    infantry_squad:
      classnames: [A, B]
      max: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "desert-defense.yaml"), []byte(tpl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	s, err := NewTemplateStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, []string{"desert-defense"}, s.List())

	loaded, err := s.Load("desert-defense")
	require.NoError(t, err)
	assert.Equal(t, "desert-defense", loaded.Name)
	assert.Equal(t, 4, loaded.Pool["EAST"]["infantry_squad"].Max)

	_, err = s.Load("missing")
	assert.Error(t, err)
	_, err = s.Load("../escape")
	assert.Error(t, err)
}

func TestTemplateStoreRescan(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTemplateStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Empty(t, s.List())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "urban.yml"), []byte("pool: {}\n"), 0o644))
	s.Rescan()
	assert.Equal(t, []string{"urban"}, s.List())
}

func TestTemplateStoreMissingDir(t *testing.T) {
	s, err := NewTemplateStore(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Empty(t, s.List())
}

func TestTemplateValidationFailure(t *testing.T) {
	dir := t.TempDir()
	bad := "pool:\n  EAST:\n    squad:\n      classnames: []\n      max: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644))
	s, err := NewTemplateStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	_, err = s.Load("bad")
	assert.Error(t, err)
}
