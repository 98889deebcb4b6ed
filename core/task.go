package core

import (
	"sync"
	"time"
)

// SharedMessage is one entry of a task's append-only shared message log:
// the summary line an executor emits after every step.
type SharedMessage struct {
	// TaskID addresses the owning task's log; it is implied by placement
	// and therefore not serialized with each entry.
	TaskID    string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	StageID   string    `json:"stage_id"`
	Content   string    `json:"content"`
}

// Task is a user-originated unit of work: an ordered stage sequence, the
// group of participating agents, and the shared message log. Tasks are
// retained for inspection and never destroyed.
//
// Invariants: at most one stage is running at any instant; every agent
// referenced in any stage appears in the group; the manager id is in the
// group.
type Task struct {
	mu sync.Mutex

	ID        string `json:"task_id"`
	Name      string `json:"task_name"`
	Intention string `json:"task_intention"`
	ManagerID string `json:"task_manager"`

	group  []string
	stages []*Stage

	sharedLog []SharedMessage
	// retention bounds the shared log to the last N entries; 0 keeps all.
	retention int

	executionState ExecutionState
	summary        string
}

// NewTask constructs a Task in StateInit with the manager as the sole group
// member. retention bounds the shared message log (keep-last-N, 0 = all).
func NewTask(name, intention, managerID string, retention int) *Task {
	return &Task{
		ID:             NewID(),
		Name:           name,
		Intention:      intention,
		ManagerID:      managerID,
		group:          []string{managerID},
		retention:      retention,
		executionState: StateInit,
	}
}

// ExecutionState returns the task's lifecycle state.
func (t *Task) ExecutionState() ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionState
}

// SetExecutionState transitions the task's lifecycle state.
func (t *Task) SetExecutionState(state ExecutionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executionState = state
}

// Summary returns the task's completion summary text.
func (t *Task) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// SetSummary records the task's completion summary text.
func (t *Task) SetSummary(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary = summary
}

// Group returns a copy of the participating agent ids.
func (t *Task) Group() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.group))
	copy(out, t.group)
	return out
}

// InGroup reports whether the agent participates in this task.
func (t *Task) InGroup(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.group {
		if id == agentID {
			return true
		}
	}
	return false
}

// AddGroupMembers appends agent ids absent from the group, preserving order.
func (t *Task) AddGroupMembers(agentIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range agentIDs {
		known := false
		for _, existing := range t.group {
			if existing == id {
				known = true
				break
			}
		}
		if !known {
			t.group = append(t.group, id)
		}
	}
}

// AddStage appends a stage to the end of the sequence.
func (t *Task) AddStage(stage *Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = append(t.stages, stage)
}

// InsertNextStage places the stage directly after the last stage that has
// left StateInit, so it becomes the next one to run. Used by stage retry.
func (t *Task) InsertNextStage(stage *Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	insert := len(t.stages)
	for i := len(t.stages) - 1; i >= 0; i-- {
		if st := t.stages[i].ExecutionState(); st != StateInit {
			insert = i + 1
			break
		}
		insert = i
	}
	t.stages = append(t.stages, nil)
	copy(t.stages[insert+1:], t.stages[insert:])
	t.stages[insert] = stage
}

// Stage returns the stage with the given id, nil when unknown.
func (t *Task) Stage(stageID string) *Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.stages {
		if s.ID == stageID {
			return s
		}
	}
	return nil
}

// Stages returns a copy of the ordered stage sequence.
func (t *Task) Stages() []*Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stage, len(t.stages))
	copy(out, t.stages)
	return out
}

// CurrentOrNextStage returns the running stage if one exists, otherwise the
// next stage still in StateInit after the last terminal one. Returns nil
// when every stage is terminal or the task has no stages.
func (t *Task) CurrentOrNextStage() *Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.stages {
		if s.ExecutionState() == StateRunning {
			return s
		}
	}
	lastTerminal := -1
	for i, s := range t.stages {
		if s.ExecutionState().Terminal() {
			lastTerminal = i
		}
	}
	if next := lastTerminal + 1; next < len(t.stages) {
		if t.stages[next].ExecutionState() == StateInit {
			return t.stages[next]
		}
	}
	return nil
}

// LastStage returns the final stage of the sequence, nil when empty.
func (t *Task) LastStage() *Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stages) == 0 {
		return nil
	}
	return t.stages[len(t.stages)-1]
}

// AppendShared appends an entry to the shared message log, trimming to the
// retention window when one is configured.
func (t *Task) AppendShared(msg SharedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	t.sharedLog = append(t.sharedLog, msg)
	if t.retention > 0 && len(t.sharedLog) > t.retention {
		t.sharedLog = t.sharedLog[len(t.sharedLog)-t.retention:]
	}
}

// SharedContext returns the most recent limit entries of the shared log
// (all retained entries when limit <= 0).
func (t *Task) SharedContext(limit int) []SharedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	logLen := len(t.sharedLog)
	if limit <= 0 || limit > logLen {
		limit = logLen
	}
	out := make([]SharedMessage, limit)
	copy(out, t.sharedLog[logLen-limit:])
	return out
}
