// Package syncstate implements the state synchronizer: the single component
// permitted to mutate Tasks and Stages. Executors hand it ExecuteOutputs;
// it applies the fields independently and idempotently under per-task locks,
// re-evaluates completion predicates, advances stages and tasks, and hands
// generated messages to the dispatcher only after state mutations so a
// recipient can never observe a stale stage.
package syncstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/skill"
)

// AgentDirectory is the synchronizer's window onto the agent registry,
// implemented by the system container. The synchronizer never touches
// another agent's state except through it.
type AgentDirectory interface {
	// AgentState returns the live state for the id.
	AgentState(agentID string) (*core.AgentState, bool)
	// EnqueueStep appends a step to the agent's queue under its lock.
	EnqueueStep(agentID string, step *core.Step) bool
	// SpawnAgent instantiates a new agent from role config or the default
	// LLM config, returning its id.
	SpawnAgent(spec *core.AgentSpec) (string, error)
	// AgentSnapshots returns snapshots of every registered agent.
	AgentSnapshots() []core.AgentSnapshot
}

// MessageSink is the dispatcher's inbound surface.
type MessageSink interface {
	Dispatch(msg *core.Message)
	// RegisterWait records a waiting correlation for a sender whose step is
	// parked awaiting.
	RegisterWait(waitingID, agentID, taskID string)
	// CancelTask releases every outstanding wait scoped to the task with a
	// synthetic task-ended reply.
	CancelTask(taskID string)
}

// Options configures a SyncState.
type Options struct {
	// SharedLogRetention bounds each task's shared log (0 keeps all).
	SharedLogRetention int
	// StrictStageFailure fails a stage as soon as its completion predicate
	// holds with any failed agent. When false the stage finishes and the
	// failure is visible only in the per-agent states.
	StrictStageFailure bool
	// Skills and ToolGuides feed the skills_and_tools catalog query.
	Skills     map[string]*config.SkillConfig
	ToolGuides map[string]*config.ToolServerConfig
	// Roles feeds the available_agents_config catalog query.
	Roles  map[string]*config.RoleConfig
	Logger logging.Logger
}

// SyncState holds the task registry and applies executor outputs to it.
type SyncState struct {
	mu      sync.RWMutex
	tasks   map[string]*core.Task
	taskMus map[string]*sync.Mutex

	agents AgentDirectory
	sink   MessageSink

	opts   Options
	logger logging.Logger
}

// New constructs a SyncState. The directory and sink are attached afterwards
// by the system container, which owns the wiring order.
func New(opts Options) *SyncState {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &SyncState{
		tasks:   make(map[string]*core.Task),
		taskMus: make(map[string]*sync.Mutex),
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Attach wires the agent directory and message sink.
func (s *SyncState) Attach(agents AgentDirectory, sink MessageSink) {
	s.agents = agents
	s.sink = sink
}

// Task returns the task with the given id.
func (s *SyncState) Task(taskID string) (*core.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Tasks returns every registered task.
func (s *SyncState) Tasks() []*core.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// TaskSnapshot implements the executor TaskView.
func (s *SyncState) TaskSnapshot(taskID string) (core.TaskSnapshot, bool) {
	t, ok := s.Task(taskID)
	if !ok {
		return core.TaskSnapshot{}, false
	}
	return t.Snapshot(), true
}

// SharedContext implements the executor TaskView.
func (s *SyncState) SharedContext(taskID string, limit int) []core.SharedMessage {
	t, ok := s.Task(taskID)
	if !ok {
		return nil
	}
	return t.SharedContext(limit)
}

// taskLock returns the per-task apply lock, creating it on first use.
func (s *SyncState) taskLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.taskMus[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.taskMus[taskID] = mu
	}
	return mu
}

// Sync applies one executor output. Fields apply in the documented order;
// messages are dispatched last. Different tasks advance in parallel; a
// single task's mutations are serialized by its lock.
func (s *SyncState) Sync(out *core.ExecuteOutput) {
	if out == nil {
		return
	}

	if c := out.UpdateStageAgentCompletion; c != nil {
		s.applyStageCompletion(c)
	}
	if u := out.UpdateStageAgentState; u != nil {
		s.applyStageAgentUpdate(u)
	}
	if m := out.SendSharedMessage; m != nil {
		s.applySharedMessage(m)
	}
	if t := out.AddTask; t != nil {
		s.applyAddTask(t)
	}
	if len(out.AddStages) > 0 {
		s.applyAddStages(out.AddStages)
	}
	if r := out.RetryStage; r != nil {
		s.applyRetryStage(r)
	}
	if f := out.FinishStage; f != nil {
		s.applyFinishStage(f)
	}
	if u := out.UpdateTaskState; u != nil {
		s.applyTaskStateUpdate(u)
	}
	if p := out.UpdateAgentTools; p != nil {
		s.applyPermissionUpdate(p, true)
	}
	if p := out.UpdateAgentSkills; p != nil {
		s.applyPermissionUpdate(p, false)
	}
	if a := out.NewAgent; a != nil {
		s.applyNewAgent(a)
	}
	if p := out.AddParticipants; p != nil {
		s.applyAddParticipants(p)
	}
	if q := out.AskInfo; q != nil {
		s.applyAskInfo(q)
	}
	for _, msg := range out.SendMessages {
		s.routeMessage(msg)
	}
}

func (s *SyncState) routeMessage(msg *core.Message) {
	if s.sink == nil {
		return
	}
	if msg.Waiting && msg.WaitingID != "" {
		s.sink.RegisterWait(msg.WaitingID, msg.SenderID, msg.TaskID)
	}
	s.sink.Dispatch(msg)
}

func (s *SyncState) applyStageAgentUpdate(u *core.StageAgentUpdate) {
	task, ok := s.Task(u.TaskID)
	if !ok {
		s.logger.Warn("sync: stage agent update for unknown task", "task_id", u.TaskID)
		return
	}
	mu := s.taskLock(u.TaskID)
	mu.Lock()
	defer mu.Unlock()

	stage := task.Stage(u.StageID)
	if stage == nil {
		s.logger.Warn("sync: stage agent update for unknown stage", "stage_id", u.StageID)
		return
	}
	stage.SetAgentState(u.AgentID, u.State)
	s.evaluateStageLocked(task, stage)
}

func (s *SyncState) applyStageCompletion(c *core.StageAgentCompletion) {
	task, ok := s.Task(c.TaskID)
	if !ok {
		return
	}
	mu := s.taskLock(c.TaskID)
	mu.Lock()
	defer mu.Unlock()
	if stage := task.Stage(c.StageID); stage != nil {
		stage.SetCompletion(c.AgentID, c.Summary)
	}
}

func (s *SyncState) applySharedMessage(m *core.SharedMessage) {
	task, ok := s.Task(m.TaskID)
	if !ok {
		return
	}
	msg := *m
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	task.AppendShared(msg)
}

// evaluateStageLocked re-runs the completion predicate. On completion it
// transitions the stage and advances the task: next stage to running with
// first steps enqueued, or the task to finished when no stage remains.
// Callers hold the task's apply lock.
func (s *SyncState) evaluateStageLocked(task *core.Task, stage *core.Stage) {
	if stage.ExecutionState().Terminal() {
		return
	}
	done, anyFailed := stage.Complete()
	if !done {
		return
	}

	if anyFailed && s.opts.StrictStageFailure {
		stage.SetExecutionState(core.StateFailed)
	} else {
		stage.SetExecutionState(core.StateFinished)
	}
	s.logger.Info("stage completed", "task_id", task.ID, "stage_id", stage.ID,
		"state", string(stage.ExecutionState()))

	s.notifyManagerStageDone(task, stage)
	s.advanceTaskLocked(task)
}

// advanceTaskLocked starts the next runnable stage or closes the task.
func (s *SyncState) advanceTaskLocked(task *core.Task) {
	next := task.CurrentOrNextStage()
	if next != nil {
		if next.ExecutionState() == core.StateInit {
			s.startStageLocked(task, next)
		}
		return
	}

	// Every stage is terminal. The task finishes iff the last stage did.
	stages := task.Stages()
	if len(stages) == 0 {
		return
	}
	last := stages[len(stages)-1]
	if task.ExecutionState().Terminal() {
		return
	}
	if last.ExecutionState() == core.StateFinished {
		task.SetExecutionState(core.StateFinished)
		s.logger.Info("task finished", "task_id", task.ID)
		if s.sink != nil {
			s.sink.CancelTask(task.ID)
		}
		s.notifyManagerTaskDone(task)
	}
}

// startStageLocked transitions a stage to running and enqueues every
// assigned agent's first planning step. An empty allocation finishes the
// stage immediately.
func (s *SyncState) startStageLocked(task *core.Task, stage *core.Stage) {
	stage.SetExecutionState(core.StateRunning)

	if len(stage.Allocation) == 0 {
		stage.SetExecutionState(core.StateFinished)
		s.logger.Info("empty stage finished on activation", "stage_id", stage.ID)
		s.advanceTaskLocked(task)
		return
	}

	if task.ExecutionState() == core.StateInit {
		task.SetExecutionState(core.StateRunning)
	}

	for agentID, responsibility := range stage.Allocation {
		step := core.NewStep(task.ID, stage.ID, agentID,
			"plan the steps for the current stage", core.StepSkill, skill.NamePlanning)
		step.TextContent = fmt.Sprintf(
			"Stage goal: %s\nYour responsibility in this stage: %s", stage.Intention, responsibility)
		if s.agents == nil || !s.agents.EnqueueStep(agentID, step) {
			s.logger.Warn("sync: could not enqueue first step", "agent_id", agentID)
		}
	}
}

func (s *SyncState) applyAddTask(spec *core.TaskSpec) {
	task := core.NewTask(spec.Name, spec.Intention, spec.ManagerID, s.opts.SharedLogRetention)

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.taskMus[task.ID] = &sync.Mutex{}
	s.mu.Unlock()

	s.logger.Info("task registered", "task_id", task.ID, "manager_id", spec.ManagerID)

	// The manager's first step decomposes the intention into stages.
	step := core.NewStep(task.ID, core.NoRelative, spec.ManagerID,
		"plan the stages for the new task", core.StepSkill, skill.NameStagePlanning)
	step.TextContent = fmt.Sprintf("Task intention: %s", spec.Intention)
	if s.agents == nil || !s.agents.EnqueueStep(spec.ManagerID, step) {
		s.logger.Warn("sync: could not enqueue stage planning", "agent_id", spec.ManagerID)
	}
}

func (s *SyncState) applyAddStages(specs []*core.StageSpec) {
	for _, spec := range specs {
		task, ok := s.Task(spec.TaskID)
		if !ok {
			s.logger.Warn("sync: add stage for unknown task", "task_id", spec.TaskID)
			continue
		}
		mu := s.taskLock(spec.TaskID)
		mu.Lock()

		stage := core.NewStage(task.ID, spec.Intention, spec.Allocation)
		task.AddStage(stage)
		for agentID := range spec.Allocation {
			task.AddGroupMembers(agentID)
		}
		s.logger.Info("stage added", "task_id", task.ID, "stage_id", stage.ID)

		// The first runnable stage starts immediately.
		if current := task.CurrentOrNextStage(); current == stage {
			s.startStageLocked(task, stage)
		}
		mu.Unlock()
	}
}

func (s *SyncState) applyRetryStage(r *core.RetryStageSpec) {
	task, ok := s.Task(r.TaskID)
	if !ok {
		return
	}
	mu := s.taskLock(r.TaskID)
	mu.Lock()
	defer mu.Unlock()

	if old := task.Stage(r.OldStageID); old != nil && !old.ExecutionState().Terminal() {
		old.SetExecutionState(core.StateFailed)
	}

	stage := core.NewStage(task.ID, r.Intention, r.Allocation)
	task.InsertNextStage(stage)
	for agentID := range r.Allocation {
		task.AddGroupMembers(agentID)
	}
	s.logger.Info("stage retried", "task_id", task.ID, "old_stage_id", r.OldStageID,
		"new_stage_id", stage.ID)

	if current := task.CurrentOrNextStage(); current == stage {
		s.startStageLocked(task, stage)
	}
}

func (s *SyncState) applyFinishStage(f *core.FinishStageSpec) {
	task, ok := s.Task(f.TaskID)
	if !ok {
		return
	}
	mu := s.taskLock(f.TaskID)
	mu.Lock()
	defer mu.Unlock()

	stage := task.Stage(f.StageID)
	if stage == nil || stage.ExecutionState().Terminal() {
		return
	}
	state := f.State
	if !state.Terminal() {
		state = core.StateFinished
	}
	stage.SetExecutionState(state)
	s.advanceTaskLocked(task)
}

func (s *SyncState) applyTaskStateUpdate(u *core.TaskStateUpdate) {
	task, ok := s.Task(u.TaskID)
	if !ok {
		return
	}
	mu := s.taskLock(u.TaskID)
	mu.Lock()
	defer mu.Unlock()

	already := task.ExecutionState()
	task.SetExecutionState(u.State)
	if u.Summary != "" {
		task.SetSummary(u.Summary)
	}
	if u.State.Terminal() && !already.Terminal() && s.sink != nil {
		s.sink.CancelTask(task.ID)
	}
}

func (s *SyncState) applyPermissionUpdate(p *core.PermissionUpdate, tools bool) {
	if s.agents == nil {
		return
	}
	state, ok := s.agents.AgentState(p.AgentID)
	if !ok {
		s.logger.Warn("sync: permission update for unknown agent", "agent_id", p.AgentID)
		return
	}
	state.Lock()
	defer state.Unlock()
	if tools {
		state.GrantTools(p.Grant, p.Revoke)
	} else {
		state.GrantSkills(p.Grant, p.Revoke)
	}
}

func (s *SyncState) applyNewAgent(spec *core.AgentSpec) {
	if s.agents == nil {
		return
	}
	id, err := s.agents.SpawnAgent(spec)
	if err != nil {
		s.logger.Error("sync: spawn agent failed", "name", spec.Name, "error", err.Error())
		return
	}
	s.logger.Info("agent spawned", "agent_id", id, "name", spec.Name)
}

func (s *SyncState) applyAddParticipants(p *core.ParticipantsUpdate) {
	task, ok := s.Task(p.TaskID)
	if !ok {
		return
	}
	task.AddGroupMembers(p.AgentIDs...)
}

// notifyManagerStageDone tells the task manager a stage closed, carrying the
// allocation and completion summaries so it can judge the outcome.
func (s *SyncState) notifyManagerStageDone(task *core.Task, stage *core.Stage) {
	if s.sink == nil {
		return
	}
	content := fmt.Sprintf(
		"Stage %s reached state %s.\nAllocation: %v\nCompletion summaries: %v\n"+
			"Judge the outcome: finish_stage confirms it, retry_stage reruns it with a corrected goal.",
		stage.ID, stage.ExecutionState(), stage.Allocation, stage.CompletionSummaries())
	s.sink.Dispatch(&core.Message{
		SenderID:      "system",
		Receivers:     []string{task.ManagerID},
		TaskID:        task.ID,
		StageRelative: stage.ID,
		Content:       content,
		Timestamp:     time.Now().UTC(),
	})
}

// notifyManagerTaskDone asks the manager for the final delivery judgment.
func (s *SyncState) notifyManagerTaskDone(task *core.Task) {
	if s.sink == nil {
		return
	}
	s.sink.Dispatch(&core.Message{
		SenderID:      "system",
		Receivers:     []string{task.ManagerID},
		TaskID:        task.ID,
		StageRelative: core.NoRelative,
		Content: fmt.Sprintf("Every stage of task %s is terminal. "+
			"Review the shared log and deliver a task summary with the task_manager skill.", task.ID),
		Timestamp: time.Now().UTC(),
	})
}
