package core

// StageAgentUpdate reports one agent's participation state for a stage:
// working after an intermediate step, finished from the summary skill, failed
// on any failure. Executors emit one on exit for steps that belong to a stage.
type StageAgentUpdate struct {
	TaskID  string          `json:"task_id"`
	StageID string          `json:"stage_id"`
	AgentID string          `json:"agent_id"`
	State   StageAgentState `json:"state"`
}

// StageAgentCompletion carries an agent's completion summary for a stage.
type StageAgentCompletion struct {
	TaskID  string `json:"task_id"`
	StageID string `json:"stage_id"`
	AgentID string `json:"agent_id"`
	Summary string `json:"completion_summary"`
}

// TaskSpec describes a task to register, emitted by a manager's
// task-creation step.
type TaskSpec struct {
	Name      string `json:"task_name"`
	Intention string `json:"task_intention"`
	ManagerID string `json:"manager_id"`
}

// StageSpec describes a stage to append to a task.
type StageSpec struct {
	TaskID     string            `json:"task_id"`
	Intention  string            `json:"stage_intention"`
	Allocation map[string]string `json:"agent_allocation"`
}

// RetryStageSpec replaces a failed stage: the old stage is marked failed and
// a fresh stage with the corrected goal is inserted as the next to run.
type RetryStageSpec struct {
	TaskID     string            `json:"task_id"`
	OldStageID string            `json:"old_stage_id"`
	Intention  string            `json:"new_stage_intention"`
	Allocation map[string]string `json:"new_agent_allocation"`
}

// TaskStateUpdate is an explicit override of a task's execution state, used
// by manager agents for early termination or final delivery.
type TaskStateUpdate struct {
	TaskID  string         `json:"task_id"`
	State   ExecutionState `json:"state"`
	Summary string         `json:"summary,omitempty"`
}

// FinishStageSpec is the manager's explicit confirmation that a stage is
// done, emitted after it reviewed the participants' completion summaries.
type FinishStageSpec struct {
	TaskID  string         `json:"task_id"`
	StageID string         `json:"stage_id"`
	State   ExecutionState `json:"state"`
}

// PermissionUpdate mutates another agent's tool or skill permission set.
type PermissionUpdate struct {
	AgentID string   `json:"agent_id"`
	Grant   []string `json:"grant,omitempty"`
	Revoke  []string `json:"revoke,omitempty"`
}

// AgentSpec describes an agent to instantiate dynamically from role config
// or the default LLM config.
type AgentSpec struct {
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Profile string   `json:"profile"`
	Skills  []string `json:"skills,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// ParticipantsUpdate adds agents to a task's group.
type ParticipantsUpdate struct {
	TaskID   string   `json:"task_id"`
	AgentIDs []string `json:"agent_ids"`
}

// AskInfoQuery is a state query answered by the synchronizer with a markdown
// message correlated through ReturnWaitingID.
type AskInfoQuery struct {
	// Type selects the query: managed_task_and_stage_info,
	// assigned_task_and_stage_info, task_info, stage_info, all_agents,
	// task_agents, stage_agents, agent, available_agents_config,
	// skills_and_tools.
	Type      string   `json:"type"`
	SenderID  string   `json:"sender_id"`
	TaskID    string   `json:"task_id,omitempty"`
	StageID   string   `json:"stage_id,omitempty"`
	AgentIDs  []string `json:"agent_ids,omitempty"`
	WaitingID string   `json:"waiting_id"`
}

// ExecuteOutput carries every mutation an executor requests outside its own
// agent. The synchronizer interprets the fields independently and
// idempotently, in declaration order; messages are always handed to the
// dispatcher after state mutations so a recipient cannot observe a stale
// stage.
type ExecuteOutput struct {
	UpdateStageAgentCompletion *StageAgentCompletion `json:"update_stage_agent_completion,omitempty"`
	UpdateStageAgentState      *StageAgentUpdate     `json:"update_stage_agent_state,omitempty"`
	SendSharedMessage          *SharedMessage        `json:"send_shared_message,omitempty"`

	AddTask     *TaskSpec        `json:"add_task,omitempty"`
	AddStages   []*StageSpec     `json:"add_stages,omitempty"`
	RetryStage  *RetryStageSpec  `json:"retry_stage,omitempty"`
	FinishStage *FinishStageSpec `json:"finish_stage,omitempty"`

	UpdateTaskState *TaskStateUpdate `json:"update_task_state,omitempty"`

	UpdateAgentTools  *PermissionUpdate   `json:"update_agent_tools,omitempty"`
	UpdateAgentSkills *PermissionUpdate   `json:"update_agent_skills,omitempty"`
	NewAgent          *AgentSpec          `json:"new_agent,omitempty"`
	AddParticipants   *ParticipantsUpdate `json:"add_participants,omitempty"`

	AskInfo *AskInfoQuery `json:"ask_info,omitempty"`

	SendMessages []*Message `json:"send_messages,omitempty"`
}
