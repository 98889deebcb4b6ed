package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestState() *AgentState {
	return NewAgentState("a1", "alice", "writer", "drafts text",
		LLMConfig{APIType: "openai", Model: "gpt-4o-mini"},
		[]string{"search"}, []string{"planning", "quick_think"})
}

func TestAgentStatePermissions(t *testing.T) {
	st := newTestState()
	st.Lock()
	defer st.Unlock()

	assert.True(t, st.HasTool("search"))
	assert.False(t, st.HasTool("browser"))

	st.GrantTools([]string{"browser", "search"}, nil)
	assert.Equal(t, []string{"search", "browser"}, st.Tools())

	st.GrantTools(nil, []string{"search"})
	assert.Equal(t, []string{"browser"}, st.Tools())

	st.GrantSkills([]string{"summary"}, []string{"planning"})
	assert.Equal(t, []string{"quick_think", "summary"}, st.Skills())
}

func TestAppendPersistentMemoryFiltersHeadings(t *testing.T) {
	st := newTestState()
	st.Lock()
	defer st.Unlock()

	st.AppendPersistentMemory("# dropped\n### note\nkeep going")
	assert.Equal(t, "### note\nkeep going", st.PersistentMemory())

	// A second identical append appends a second copy, no dedup.
	st.AppendPersistentMemory("### note\nkeep going")
	assert.Equal(t, 2, strings.Count(st.PersistentMemory(), "### note"))

	assert.NotContains(t, st.PersistentMemory(), "# dropped")
}

func TestAppendPersistentMemoryBounded(t *testing.T) {
	st := newTestState()
	st.Lock()
	defer st.Unlock()

	big := strings.Repeat("x", persistentMemoryLimit)
	st.AppendPersistentMemory(big)
	st.AppendPersistentMemory("### tail")
	assert.LessOrEqual(t, len(st.PersistentMemory()), persistentMemoryLimit)
	assert.True(t, strings.HasSuffix(st.PersistentMemory(), "### tail"))
}

func TestWorkingMemoryView(t *testing.T) {
	st := newTestState()
	st.Lock()
	st.RecordInvolvement("t1", "s1", "step1")
	st.RecordInvolvement("t1", "s1", "step2")
	st.RecordInvolvement("t1", "s2", "step3")
	st.Unlock()

	st.Lock()
	mem := st.WorkingMemory()
	assert.Len(t, mem["t1"]["s1"], 2)

	st.ClearStage("t1", "s1")
	assert.NotContains(t, st.WorkingMemory()["t1"], "s1")

	st.ClearTask("t1")
	assert.Empty(t, st.WorkingMemory())
	st.Unlock()
}

func TestAgentSnapshotPlaceholders(t *testing.T) {
	st := newTestState()
	st.Lock()
	st.SetWorkingState(WorkingIdle)
	st.Unlock()

	st.Steps.AddStep(NewStep("t1", "s1", "a1", "one", StepSkill, "planning"))

	snap := st.Snapshot()
	assert.Equal(t, 1, snap.QueueSize)
	assert.Equal(t, 1, snap.StepCount)
	assert.Equal(t, WorkingIdle, snap.WorkingState)
	assert.False(t, snap.LockHeld)
}
