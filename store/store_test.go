package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motern88/allen/core"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "allen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadTaskSnapshots(t *testing.T) {
	s := openTest(t)

	snap := core.TaskSnapshot{
		ID:             "t1",
		Name:           "greet",
		Intention:      "say hello",
		ManagerID:      "mgr",
		Group:          []string{"mgr", "writer"},
		ExecutionState: core.StateFinished,
		Summary:        "done",
	}
	require.NoError(t, s.SaveTask(snap))

	loaded, err := s.LoadTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, snap.ID, loaded[0].ID)
	assert.Equal(t, snap.Group, loaded[0].Group)
	assert.Equal(t, core.StateFinished, loaded[0].ExecutionState)
}

func TestSaveTaskUpserts(t *testing.T) {
	s := openTest(t)

	snap := core.TaskSnapshot{ID: "t1", ExecutionState: core.StateRunning}
	require.NoError(t, s.SaveTask(snap))
	snap.ExecutionState = core.StateFinished
	require.NoError(t, s.SaveTask(snap))

	loaded, err := s.LoadTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, core.StateFinished, loaded[0].ExecutionState)
}

func TestSaveAndLoadAgentSnapshots(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveAgent(core.AgentSnapshot{
		ID: "a1", Name: "alice", WorkingState: core.WorkingIdle,
		Skills: []string{"planning"},
	}))

	loaded, err := s.LoadAgents()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "alice", loaded[0].Name)
	assert.Equal(t, []string{"planning"}, loaded[0].Skills)
}
