package utils

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvergenceTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.jsonl")
	ct := NewConvergenceTracker(path, "nmf")
	require.NotNil(t, ct)

	ct.LogIteration(1, -1, 0.5, 1e-4)
	ct.LogIteration(2, -1, 0.1, 1e-4)
	ct.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []IterationEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev IterationEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "nmf", events[0].Algorithm)
	assert.Equal(t, 2, events[1].Iteration)
	assert.InDelta(t, 0.1, events[1].Delta, 1e-12)
}

func TestNilTrackerIsNoop(t *testing.T) {
	var ct *ConvergenceTracker
	ct.LogIteration(1, 0, 1, 1)
	ct.Close()

	assert.Nil(t, NewConvergenceTracker(filepath.Join(t.TempDir(), "missing", "x.jsonl"), "ica"))
}
