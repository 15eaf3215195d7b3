package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nyiyui.ca/hato/shirei"
)

func TestRecordAndFind(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "logs", "audit.log"))
	require.NoError(t, err)

	first, err := l.Record(Entry{Action: "decide", Target: "C001", Decision: "hold", Outcome: OutcomeApplied})
	require.NoError(t, err)
	_, err = l.Record(Entry{Action: "decide", Target: "C001", Decision: "hold", Outcome: OutcomeRefused, Error: "already resolved"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	es, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, es, 2)
	assert.Equal(t, OutcomeApplied, es[0].Outcome)
	assert.Equal(t, OutcomeRefused, es[1].Outcome)

	got, err := l.Find(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "C001", got.Target)

	_, err = l.Find("nope")
	assert.ErrorIs(t, err, shirei.ErrNotFound)
}

func TestDiscard(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	e, err := l.Record(Entry{Action: "approve", Target: "TS001"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	es, err := l.Entries()
	require.NoError(t, err)
	assert.Empty(t, es)
}
