package syncstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
)

// fakeDirectory records enqueued steps per agent.
type fakeDirectory struct {
	mu      sync.Mutex
	states  map[string]*core.AgentState
	queues  map[string][]*core.Step
	spawned []*core.AgentSpec
}

func newFakeDirectory(ids ...string) *fakeDirectory {
	d := &fakeDirectory{
		states: map[string]*core.AgentState{},
		queues: map[string][]*core.Step{},
	}
	for _, id := range ids {
		d.states[id] = core.NewAgentState(id, id, "worker", "", core.LLMConfig{}, nil, nil)
	}
	return d
}

func (d *fakeDirectory) AgentState(id string) (*core.AgentState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[id]
	return st, ok
}

func (d *fakeDirectory) EnqueueStep(id string, step *core.Step) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.states[id]; !ok {
		return false
	}
	d.queues[id] = append(d.queues[id], step)
	return true
}

func (d *fakeDirectory) SpawnAgent(spec *core.AgentSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spawned = append(d.spawned, spec)
	id := core.NewID()
	d.states[id] = core.NewAgentState(id, spec.Name, spec.Role, spec.Profile, core.LLMConfig{}, spec.Tools, spec.Skills)
	return id, nil
}

func (d *fakeDirectory) AgentSnapshots() []core.AgentSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.AgentSnapshot
	for _, st := range d.states {
		out = append(out, st.Snapshot())
	}
	return out
}

func (d *fakeDirectory) queued(id string) []*core.Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*core.Step(nil), d.queues[id]...)
}

// fakeSink records dispatched messages, registered waits and cancellations.
type fakeSink struct {
	mu        sync.Mutex
	messages  []*core.Message
	waits     map[string]string // waitingID -> agentID
	cancelled []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{waits: map[string]string{}}
}

func (f *fakeSink) Dispatch(msg *core.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeSink) RegisterWait(waitingID, agentID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits[waitingID] = agentID
}

func (f *fakeSink) CancelTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

func (f *fakeSink) dispatched() []*core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.Message(nil), f.messages...)
}

func newSync(dir *fakeDirectory, sink *fakeSink) *SyncState {
	s := New(Options{
		StrictStageFailure: true,
		Skills:             map[string]*config.SkillConfig{},
		ToolGuides:         map[string]*config.ToolServerConfig{},
		Roles:              map[string]*config.RoleConfig{},
	})
	s.Attach(dir, sink)
	return s
}

func registerTask(t *testing.T, s *SyncState, dir *fakeDirectory) *core.Task {
	t.Helper()
	s.Sync(&core.ExecuteOutput{AddTask: &core.TaskSpec{
		Name: "greet", Intention: "say hello", ManagerID: "mgr",
	}})
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestAddTaskEnqueuesStagePlanning(t *testing.T) {
	dir := newFakeDirectory("mgr")
	s := newSync(dir, newFakeSink())

	task := registerTask(t, s, dir)

	assert.True(t, task.InGroup("mgr"))
	queued := dir.queued("mgr")
	require.Len(t, queued, 1)
	assert.Equal(t, "stage_planning", queued[0].Executor)
	assert.Equal(t, task.ID, queued[0].TaskID)
}

func TestAddStageStartsFirstStageAndEnqueuesPlanning(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{{
		TaskID:     task.ID,
		Intention:  "answer the question",
		Allocation: map[string]string{"writer": "answer"},
	}}})

	stages := task.Stages()
	require.Len(t, stages, 1)
	assert.Equal(t, core.StateRunning, stages[0].ExecutionState())
	assert.Equal(t, core.StateRunning, task.ExecutionState())
	assert.True(t, task.InGroup("writer"))

	queued := dir.queued("writer")
	require.Len(t, queued, 1)
	assert.Equal(t, "planning", queued[0].Executor)
	assert.Contains(t, queued[0].TextContent, "answer the question")
}

func TestStageCompletionAdvancesAndFinishesTask(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	sink := newFakeSink()
	s := newSync(dir, sink)
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "first", Allocation: map[string]string{"writer": "a"}},
		{TaskID: task.ID, Intention: "second", Allocation: map[string]string{"mgr": "b"}},
	}})
	stages := task.Stages()
	require.Len(t, stages, 2)

	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stages[0].ID, AgentID: "writer", State: core.StageAgentFinished,
	}})

	assert.Equal(t, core.StateFinished, stages[0].ExecutionState())
	assert.Equal(t, core.StateRunning, stages[1].ExecutionState())
	// Second stage start enqueued the manager's planning step.
	mgrSteps := dir.queued("mgr")
	require.NotEmpty(t, mgrSteps)
	assert.Equal(t, "planning", mgrSteps[len(mgrSteps)-1].Executor)

	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stages[1].ID, AgentID: "mgr", State: core.StageAgentFinished,
	}})

	assert.Equal(t, core.StateFinished, task.ExecutionState())
	assert.Contains(t, sink.cancelled, task.ID)
}

func TestStageCompletionIdempotent(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "only", Allocation: map[string]string{"writer": "a"}},
	}})
	stage := task.Stages()[0]

	update := &core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stage.ID, AgentID: "writer", State: core.StageAgentFinished,
	}}
	s.Sync(update)
	first := task.Snapshot()
	s.Sync(update)
	second := task.Snapshot()

	assert.Equal(t, first.ExecutionState, second.ExecutionState)
	assert.Equal(t, first.Stages, second.Stages)
}

func TestStrictFailurePolicy(t *testing.T) {
	dir := newFakeDirectory("mgr", "a", "b")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "both", Allocation: map[string]string{"a": "x", "b": "y"}},
	}})
	stage := task.Stages()[0]

	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stage.ID, AgentID: "a", State: core.StageAgentFinished,
	}})
	assert.Equal(t, core.StateRunning, stage.ExecutionState())

	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stage.ID, AgentID: "b", State: core.StageAgentFailed,
	}})
	assert.Equal(t, core.StateFailed, stage.ExecutionState())
}

func TestEmptyStageFinishesOnActivation(t *testing.T) {
	dir := newFakeDirectory("mgr")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "noop", Allocation: map[string]string{}},
	}})

	stage := task.Stages()[0]
	assert.Equal(t, core.StateFinished, stage.ExecutionState())
	assert.Equal(t, core.StateFinished, task.ExecutionState())
}

func TestRetryStageFailsOldAndStartsNew(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "first try", Allocation: map[string]string{"writer": "a"}},
	}})
	old := task.Stages()[0]

	s.Sync(&core.ExecuteOutput{RetryStage: &core.RetryStageSpec{
		TaskID:     task.ID,
		OldStageID: old.ID,
		Intention:  "second try",
		Allocation: map[string]string{"writer": "redo"},
	}})

	assert.Equal(t, core.StateFailed, old.ExecutionState())
	stages := task.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "second try", stages[1].Intention)
	assert.Equal(t, core.StateRunning, stages[1].ExecutionState())
}

func TestSharedMessageAppended(t *testing.T) {
	dir := newFakeDirectory("mgr")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{SendSharedMessage: &core.SharedMessage{
		TaskID: task.ID, AgentID: "mgr", Role: "coordinator", StageID: core.NoRelative,
		Content: "planned 1 stage",
	}})

	log := task.SharedContext(0)
	require.Len(t, log, 1)
	assert.Equal(t, "planned 1 stage", log[0].Content)
	assert.False(t, log[0].Timestamp.IsZero())
}

func TestUpdateTaskStateCancelsWaits(t *testing.T) {
	dir := newFakeDirectory("mgr")
	sink := newFakeSink()
	s := newSync(dir, sink)
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{UpdateTaskState: &core.TaskStateUpdate{
		TaskID: task.ID, State: core.StateFailed, Summary: "aborted",
	}})

	assert.Equal(t, core.StateFailed, task.ExecutionState())
	assert.Equal(t, "aborted", task.Summary())
	assert.Contains(t, sink.cancelled, task.ID)

	// A second terminal override does not cancel again.
	s.Sync(&core.ExecuteOutput{UpdateTaskState: &core.TaskStateUpdate{
		TaskID: task.ID, State: core.StateFailed,
	}})
	assert.Len(t, sink.cancelled, 1)
}

func TestPermissionUpdateUnderAgentLock(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	s := newSync(dir, newFakeSink())

	s.Sync(&core.ExecuteOutput{UpdateAgentTools: &core.PermissionUpdate{
		AgentID: "writer", Grant: []string{"search"},
	}})

	st, _ := dir.AgentState("writer")
	st.Lock()
	assert.True(t, st.HasTool("search"))
	st.Unlock()
}

func TestNewAgentSpawns(t *testing.T) {
	dir := newFakeDirectory("mgr")
	s := newSync(dir, newFakeSink())

	s.Sync(&core.ExecuteOutput{NewAgent: &core.AgentSpec{Name: "helper", Role: "worker"}})

	require.Len(t, dir.spawned, 1)
	assert.Equal(t, "helper", dir.spawned[0].Name)
}

func TestAskInfoRepliesWithCorrelation(t *testing.T) {
	dir := newFakeDirectory("mgr")
	sink := newFakeSink()
	s := newSync(dir, sink)
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AskInfo: &core.AskInfoQuery{
		Type:      "task_info",
		SenderID:  "mgr",
		TaskID:    task.ID,
		WaitingID: "wait-1",
	}})

	assert.Equal(t, "mgr", sink.waits["wait-1"])
	msgs := sink.dispatched()
	require.NotEmpty(t, msgs)
	reply := msgs[len(msgs)-1]
	assert.Equal(t, "wait-1", reply.ReturnWaitingID)
	assert.Contains(t, reply.Content, task.ID)
	assert.NotContains(t, reply.Content, "\n# ")
}

func TestInvariantsHoldThroughLifecycle(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	s := newSync(dir, newFakeSink())
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "first", Allocation: map[string]string{"writer": "a"}},
		{TaskID: task.ID, Intention: "second", Allocation: map[string]string{"mgr": "b"}},
	}})
	require.NoError(t, s.CheckInvariants())

	stages := task.Stages()
	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stages[0].ID, AgentID: "writer", State: core.StageAgentFinished,
	}})
	require.NoError(t, s.CheckInvariants())
}

func TestManagerNotifiedOnStageCompletion(t *testing.T) {
	dir := newFakeDirectory("mgr", "writer")
	sink := newFakeSink()
	s := newSync(dir, sink)
	task := registerTask(t, s, dir)

	s.Sync(&core.ExecuteOutput{AddStages: []*core.StageSpec{
		{TaskID: task.ID, Intention: "only", Allocation: map[string]string{"writer": "a"}},
	}})
	stage := task.Stages()[0]

	s.Sync(&core.ExecuteOutput{UpdateStageAgentState: &core.StageAgentUpdate{
		TaskID: task.ID, StageID: stage.ID, AgentID: "writer", State: core.StageAgentFinished,
	}})

	var sawStageNotice bool
	for _, msg := range sink.dispatched() {
		if msg.SenderID == "system" && len(msg.Receivers) == 1 && msg.Receivers[0] == "mgr" &&
			msg.StageRelative == stage.ID {
			sawStageNotice = true
		}
	}
	assert.True(t, sawStageNotice)
}
