package core

import "sync"

// Stage is an ordered sub-phase of a task. It carries the agent allocation
// (agent id → responsibility text), each participant's per-stage state and
// completion summary, and the stage's own execution state. Stages own only
// scalar data plus agent id references; all mutation is mediated by the
// synchronizer.
type Stage struct {
	mu sync.Mutex

	TaskID string `json:"task_id"`
	ID     string `json:"stage_id"`

	// Intention is the stage goal, free text from the planning manager.
	Intention string `json:"stage_intention"`
	// Allocation maps each participating agent id to a human-readable
	// responsibility description.
	Allocation map[string]string `json:"agent_allocation"`

	executionState ExecutionState
	agentStates    map[string]StageAgentState
	// completionSummary records each agent's completion report.
	completionSummary map[string]string
}

// NewStage constructs a Stage in StateInit with every allocated agent idle.
func NewStage(taskID, intention string, allocation map[string]string) *Stage {
	states := make(map[string]StageAgentState, len(allocation))
	for agentID := range allocation {
		states[agentID] = StageAgentIdle
	}
	return &Stage{
		TaskID:            taskID,
		ID:                NewID(),
		Intention:         intention,
		Allocation:        allocation,
		executionState:    StateInit,
		agentStates:       states,
		completionSummary: make(map[string]string),
	}
}

// ExecutionState returns the stage's lifecycle state.
func (s *Stage) ExecutionState() ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionState
}

// SetExecutionState transitions the stage's lifecycle state.
func (s *Stage) SetExecutionState(state ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionState = state
}

// AgentState returns one participant's per-stage state.
func (s *Stage) AgentState(agentID string) (StageAgentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agentStates[agentID]
	return st, ok
}

// SetAgentState records one participant's per-stage state. Unknown agent ids
// are ignored; participation is fixed by the allocation at creation.
func (s *Stage) SetAgentState(agentID string, state StageAgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agentStates[agentID]; ok {
		s.agentStates[agentID] = state
	}
}

// AgentStates returns a copy of the per-agent participation map.
func (s *Stage) AgentStates() map[string]StageAgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StageAgentState, len(s.agentStates))
	for k, v := range s.agentStates {
		out[k] = v
	}
	return out
}

// SetCompletion records one agent's completion summary for this stage.
func (s *Stage) SetCompletion(agentID, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionSummary[agentID] = summary
}

// CompletionSummaries returns a copy of the per-agent completion reports.
func (s *Stage) CompletionSummaries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.completionSummary))
	for k, v := range s.completionSummary {
		out[k] = v
	}
	return out
}

// Complete reports whether every allocated agent's participation state is
// terminal, and whether any of them failed. An empty allocation is complete
// immediately.
func (s *Stage) Complete() (done, anyFailed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	done = true
	for agentID := range s.Allocation {
		st := s.agentStates[agentID]
		if !st.Terminal() {
			done = false
		}
		if st == StageAgentFailed {
			anyFailed = true
		}
	}
	return done, anyFailed
}
