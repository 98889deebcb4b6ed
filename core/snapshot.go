package core

import "time"

// Snapshots are the read-only serializations served to external observers.
// Non-serializable runtime fields are rendered as placeholders: the step
// queue by its current size, the lock by its held/free status, the shared
// log deque by its materialized list.

// StepSnapshot is the serializable view of a Step.
type StepSnapshot struct {
	TaskID             string         `json:"task_id"`
	StageID            string         `json:"stage_id"`
	AgentID            string         `json:"agent_id"`
	ID                 string         `json:"step_id"`
	Intention          string         `json:"step_intention"`
	Type               StepType       `json:"type"`
	Executor           string         `json:"executor"`
	ExecutionState     ExecutionState `json:"execution_state"`
	TextContent        string         `json:"text_content,omitempty"`
	InstructionContent map[string]any `json:"instruction_content,omitempty"`
	ExecuteResult      *ExecuteResult `json:"execute_result,omitempty"`
}

// Snapshot returns the step's serializable view.
func (s *Step) Snapshot() StepSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StepSnapshot{
		TaskID:             s.TaskID,
		StageID:            s.StageID,
		AgentID:            s.AgentID,
		ID:                 s.ID,
		Intention:          s.Intention,
		Type:               s.Type,
		Executor:           s.Executor,
		ExecutionState:     s.executionState,
		TextContent:        s.TextContent,
		InstructionContent: s.InstructionContent,
		ExecuteResult:      s.executeResult,
	}
}

// StageSnapshot is the serializable view of a Stage.
type StageSnapshot struct {
	TaskID            string                     `json:"task_id"`
	ID                string                     `json:"stage_id"`
	Intention         string                     `json:"stage_intention"`
	Allocation        map[string]string          `json:"agent_allocation"`
	ExecutionState    ExecutionState             `json:"execution_state"`
	AgentStates       map[string]StageAgentState `json:"every_agent_state"`
	CompletionSummary map[string]string          `json:"completion_summary"`
}

// Snapshot returns the stage's serializable view.
func (s *Stage) Snapshot() StageSnapshot {
	return StageSnapshot{
		TaskID:            s.TaskID,
		ID:                s.ID,
		Intention:         s.Intention,
		Allocation:        s.Allocation,
		ExecutionState:    s.ExecutionState(),
		AgentStates:       s.AgentStates(),
		CompletionSummary: s.CompletionSummaries(),
	}
}

// TaskSnapshot is the serializable view of a Task.
type TaskSnapshot struct {
	ID             string          `json:"task_id"`
	Name           string          `json:"task_name"`
	Intention      string          `json:"task_intention"`
	ManagerID      string          `json:"task_manager"`
	Group          []string        `json:"task_group"`
	Stages         []StageSnapshot `json:"stages"`
	SharedLog      []SharedMessage `json:"shared_message_log"`
	ExecutionState ExecutionState  `json:"execution_state"`
	Summary        string          `json:"task_summary"`
}

// Snapshot returns the task's serializable view, materializing the shared
// log into its retained list.
func (t *Task) Snapshot() TaskSnapshot {
	stages := t.Stages()
	snap := TaskSnapshot{
		ID:             t.ID,
		Name:           t.Name,
		Intention:      t.Intention,
		ManagerID:      t.ManagerID,
		Group:          t.Group(),
		Stages:         make([]StageSnapshot, 0, len(stages)),
		SharedLog:      t.SharedContext(0),
		ExecutionState: t.ExecutionState(),
		Summary:        t.Summary(),
	}
	for _, s := range stages {
		snap.Stages = append(snap.Stages, s.Snapshot())
	}
	return snap
}

// AgentSnapshot is the serializable view of an AgentState. The step queue is
// rendered by its size and the state lock by its held/free status.
type AgentSnapshot struct {
	ID               string                         `json:"agent_id"`
	Name             string                         `json:"name"`
	Role             string                         `json:"role"`
	Profile          string                         `json:"profile"`
	WorkingState     WorkingState                   `json:"working_state"`
	Tools            []string                       `json:"tools"`
	Skills           []string                       `json:"skills"`
	WorkingMemory    map[string]map[string][]string `json:"working_memory"`
	PersistentMemory string                         `json:"persistent_memory"`
	QueueSize        int                            `json:"todo_queue_size"`
	StepCount        int                            `json:"step_count"`
	LockHeld         bool                           `json:"state_lock_held"`
	// ConversationPrivates is filled for human agents only.
	ConversationPrivates map[string][]*Message `json:"conversation_privates,omitempty"`
	Taken                time.Time             `json:"taken"`
}

// Snapshot returns the agent's serializable view. Unlike the other
// AgentState methods it acquires the state lock itself; callers must not
// hold it.
func (a *AgentState) Snapshot() AgentSnapshot {
	held := a.lockHeld.Load()
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentSnapshot{
		ID:               a.ID,
		Name:             a.Name,
		Role:             a.Role,
		Profile:          a.Profile,
		WorkingState:     a.workingState,
		Tools:            append([]string(nil), a.tools...),
		Skills:           append([]string(nil), a.skills...),
		WorkingMemory:    a.WorkingMemory(),
		PersistentMemory: a.persistentMemory,
		QueueSize:        a.Steps.QueueLen(),
		StepCount:        len(a.Steps.All()),
		LockHeld:         held,
		Taken:            time.Now().UTC(),
	}
}
