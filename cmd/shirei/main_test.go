package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/store"
)

func testDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shirei.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	for _, st := range []shirei.Station{
		{ID: "DEL", Name: "New Delhi", Platforms: 16, Occupancy: 8},
		{ID: "GZB", Name: "Ghaziabad", Platforms: 8, Occupancy: 3},
		{ID: "AGR", Name: "Agra Cantt", Platforms: 6, Occupancy: 2},
	} {
		_, err := s.Upsert(shirei.KindStation, st)
		require.NoError(t, err)
	}
	_, err = s.Remove(shirei.KindStation, "AGR")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return path
}

func TestDBGet(t *testing.T) {
	path := testDB(t)

	e, err := dbGet(path, shirei.KindStation, "DEL", false)
	require.NoError(t, err)
	assert.Equal(t, "New Delhi", e.(shirei.Station).Name)

	_, err = dbGet(path, shirei.KindStation, "AGR", false)
	assert.ErrorIs(t, err, shirei.ErrNotFound)

	e, err = dbGet(path, shirei.KindStation, "AGR", true)
	require.NoError(t, err)
	assert.Equal(t, "Agra Cantt", e.(shirei.Station).Name)

	_, err = dbGet(filepath.Join(t.TempDir(), "missing.db"), shirei.KindStation, "DEL", false)
	assert.Error(t, err)
}

func TestDBDump(t *testing.T) {
	path := testDB(t)

	es, err := dbDump(path, shirei.KindStation, false)
	require.NoError(t, err)
	var ids []string
	for _, e := range es {
		ids = append(ids, e.EntityID())
	}
	assert.ElementsMatch(t, []string{"DEL", "GZB"}, ids)

	es, err = dbDump(path, shirei.KindStation, true)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "AGR", es[0].EntityID())

	es, err = dbDump(path, shirei.KindTrain, false)
	require.NoError(t, err)
	assert.Empty(t, es)
}

func TestDBCommand(t *testing.T) {
	path := testDB(t)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"db", "get", "stations", "GZB", "--db", path, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"name": "Ghaziabad"`)
}

func TestPolicyCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"policy", "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.Contains(out.String(), "arrival_window"), out.String())
}

func TestBadLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"policy", "--log-level", "loud"})
	assert.Error(t, root.Execute())
}
