package core

import (
	"sync"
)

// ExecuteResult is the structured outcome of one step. It carries the parsed
// payload on success or the raw upstream response plus an error kind on
// failure. A step's result is non-empty iff the step reached a terminal
// state.
type ExecuteResult struct {
	// Text is the primary text outcome (skill reply, tool summary).
	Text string `json:"text,omitempty"`
	// Instruction is the parsed machine-readable payload, when the step
	// produced one (planning output, generated tool instruction).
	Instruction map[string]any `json:"instruction,omitempty"`
	// Raw preserves the unparsed upstream response on failure.
	Raw string `json:"raw,omitempty"`
	// ErrorKind is one of the runtime's typed error kinds, e.g.
	// "executor/parse" or "tool/session-open". Empty on success.
	ErrorKind string `json:"error_kind,omitempty"`
	// Err is the human-readable error string. Empty on success.
	Err string `json:"error,omitempty"`
}

// Empty reports whether the result carries no payload at all.
func (r *ExecuteResult) Empty() bool {
	return r == nil || (r.Text == "" && len(r.Instruction) == 0 && r.Raw == "" && r.ErrorKind == "" && r.Err == "")
}

// Step is the smallest unit of agent execution: one skill invocation or one
// tool call. Steps are created by a planning/decision step of the same agent,
// consumed exactly once by the agent's loop and retained afterwards for
// inspection.
//
// A tool step may not transition to running until its InstructionContent is
// populated; StatePending means "awaiting instruction fill from a prior
// step".
type Step struct {
	mu sync.Mutex

	TaskID  string `json:"task_id"`
	StageID string `json:"stage_id"`
	AgentID string `json:"agent_id"`
	ID      string `json:"step_id"`

	// Intention is free text set by the creating step, for reference only.
	Intention string   `json:"step_intention"`
	Type      StepType `json:"type"`
	// Executor names the skill or tool server that runs this step.
	Executor string `json:"executor"`

	executionState ExecutionState
	// TextContent is the request prompt body for skill steps.
	TextContent string `json:"text_content,omitempty"`
	// InstructionContent is the structured invocation payload for tool
	// steps, produced by an instruction_generation step.
	InstructionContent map[string]any `json:"instruction_content,omitempty"`

	executeResult *ExecuteResult
}

// NewStep constructs a Step in StateInit with a generated id.
func NewStep(taskID, stageID, agentID, intention string, stepType StepType, executor string) *Step {
	return &Step{
		TaskID:         taskID,
		StageID:        stageID,
		AgentID:        agentID,
		ID:             NewID(),
		Intention:      intention,
		Type:           stepType,
		Executor:       executor,
		executionState: StateInit,
	}
}

// ExecutionState returns the step's current lifecycle state.
func (s *Step) ExecutionState() ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionState
}

// SetExecutionState transitions the step's lifecycle state in place.
func (s *Step) SetExecutionState(state ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionState = state
}

// SetInstruction fills the structured invocation payload of a pending tool
// step and lifts it back to StateInit so the loop may run it.
func (s *Step) SetInstruction(content map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InstructionContent = content
	if s.executionState == StatePending {
		s.executionState = StateInit
	}
}

// Instruction returns the structured invocation payload, nil when unfilled.
func (s *Step) Instruction() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InstructionContent
}

// Result returns the step's execute result, nil before terminal completion.
func (s *Step) Result() *ExecuteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeResult
}

// Finish records a successful result and transitions the step to finished.
func (s *Step) Finish(result *ExecuteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeResult = result
	s.executionState = StateFinished
}

// Fail records a failed result and transitions the step to failed. The raw
// upstream response is preserved on the result for inspection.
func (s *Step) Fail(errorKind, errMsg, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeResult = &ExecuteResult{ErrorKind: errorKind, Err: errMsg, Raw: raw}
	s.executionState = StateFailed
}

// todoCapacity bounds each agent's step queue. Planning output arrives in
// small batches; the bound exists to surface runaway step generation early
// rather than to ration memory.
const todoCapacity = 256

// shutdownStepID is the sentinel enqueued to terminate an agent's loop.
const shutdownStepID = "__shutdown__"

// AgentStep is the per-agent step container: a FIFO queue of step ids
// awaiting execution plus the full step list with random access by id, stage
// or task. The mutex guards the list; the queue is a buffered channel, so
// blocking dequeue happens on the channel and an idle agent never busy-waits.
type AgentStep struct {
	agentID string

	mu    sync.Mutex
	steps []*Step
	byID  map[string]*Step

	todo chan string
}

// NewAgentStep constructs the container for one agent.
func NewAgentStep(agentID string) *AgentStep {
	return &AgentStep{
		agentID: agentID,
		byID:    make(map[string]*Step),
		todo:    make(chan string, todoCapacity),
	}
}

// AgentID returns the owning agent's id.
func (a *AgentStep) AgentID() string { return a.agentID }

// AddStep appends the step to the list and, unless the step is already past
// init, enqueues it to the todo queue.
func (a *AgentStep) AddStep(step *Step) {
	a.mu.Lock()
	a.steps = append(a.steps, step)
	a.byID[step.ID] = step
	a.mu.Unlock()

	switch step.ExecutionState() {
	case StateInit, StatePending:
		a.todo <- step.ID
	}
}

// Requeue puts an already-listed step id back on the todo queue; ids not in
// the list are ignored.
func (a *AgentStep) Requeue(stepID string) {
	a.mu.Lock()
	_, ok := a.byID[stepID]
	a.mu.Unlock()
	if ok {
		a.todo <- stepID
	}
}

// Next blocks until a step id is available. ok is false when the shutdown
// sentinel was dequeued and the loop must terminate.
func (a *AgentStep) Next() (stepID string, ok bool) {
	id := <-a.todo
	if id == shutdownStepID {
		return "", false
	}
	return id, true
}

// Shutdown enqueues the sentinel that terminates the agent's loop after all
// previously queued steps have drained.
func (a *AgentStep) Shutdown() { a.todo <- shutdownStepID }

// QueueLen returns the number of step ids currently awaiting execution.
func (a *AgentStep) QueueLen() int { return len(a.todo) }

// Get returns the step with the given id, nil when unknown.
func (a *AgentStep) Get(stepID string) *Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byID[stepID]
}

// ByStage returns all steps belonging to the given stage, in creation order.
func (a *AgentStep) ByStage(stageID string) []*Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Step
	for _, s := range a.steps {
		if s.StageID == stageID {
			out = append(out, s)
		}
	}
	return out
}

// ByTask returns all steps belonging to the given task, in creation order.
func (a *AgentStep) ByTask(taskID string) []*Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Step
	for _, s := range a.steps {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out
}

// All returns a copy of the full step list in creation order.
func (a *AgentStep) All() []*Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Step, len(a.steps))
	copy(out, a.steps)
	return out
}

// Last returns the most recently added step, nil when the list is empty.
func (a *AgentStep) Last() *Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steps) == 0 {
		return nil
	}
	return a.steps[len(a.steps)-1]
}

// UpdateStepStatus mutates a single step's execution state in place.
func (a *AgentStep) UpdateStepStatus(stepID string, state ExecutionState) {
	if s := a.Get(stepID); s != nil {
		s.SetExecutionState(state)
	}
}

// RemoveTask drops all steps belonging to the given task from the list.
func (a *AgentStep) RemoveTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.steps[:0]
	for _, s := range a.steps {
		if s.TaskID == taskID {
			delete(a.byID, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	a.steps = kept
}

// LastAwaiting returns the most recent step parked in the awaiting state,
// nil when none is parked.
func (a *AgentStep) LastAwaiting() *Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.steps) - 1; i >= 0; i-- {
		if a.steps[i].ExecutionState() == StateAwaiting {
			return a.steps[i]
		}
	}
	return nil
}

// Remove drops all steps matching the given stage from the list. Completed
// stages are compacted this way once their record has been synchronized into
// the stage's completion summary.
func (a *AgentStep) Remove(stageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.steps[:0]
	for _, s := range a.steps {
		if s.StageID == stageID {
			delete(a.byID, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	a.steps = kept
}
