// Package agent implements the two agent variants of the runtime: the
// LLM-driven agent whose loop consumes its step queue, and the human-driven
// agent whose loop is driven by UI events. Both are the same capability —
// run loop, message receipt, state serialization — over distinct
// AgentStates, not a subclass hierarchy.
package agent

import (
	"github.com/motern88/allen/core"
)

// Agent is the capability every participant implements.
type Agent interface {
	// ID returns the agent's unique id.
	ID() string
	// State returns the agent's live state.
	State() *core.AgentState
	// RunLoop blocks consuming work until shutdown; run it on its own
	// goroutine.
	RunLoop()
	// Shutdown enqueues the loop's termination sentinel.
	Shutdown()
	// ReceiveMessage is invoked from the dispatcher's goroutine.
	ReceiveMessage(msg *core.Message)
	// ReleaseWaiting resolves the agent's parked waiting step.
	ReleaseWaiting(waitingID string, reply *core.Message)
	// Snapshot returns the read-only serialization of the agent.
	Snapshot() core.AgentSnapshot
}

// Syncer is the agent's handle onto the state synchronizer.
type Syncer interface {
	Sync(out *core.ExecuteOutput)
}

// instruction is the payload of an <instruction>-wrapped system message.
// These mutate agent-local bookkeeping without an LLM call.
type instruction struct {
	StartStage *struct {
		StageID string `json:"stage_id"`
	} `json:"start_stage,omitempty"`
	FinishStage *struct {
		StageID string `json:"stage_id"`
	} `json:"finish_stage,omitempty"`
	FinishTask *struct {
		TaskID string `json:"task_id"`
	} `json:"finish_task,omitempty"`
	UpdateWorkingMemory *struct {
		TaskID  string `json:"task_id"`
		StageID string `json:"stage_id"`
	} `json:"update_working_memory,omitempty"`
	AddToolDecision *struct {
		TaskID   string `json:"task_id"`
		StageID  string `json:"stage_id"`
		ToolName string `json:"tool_name"`
	} `json:"add_tool_decision,omitempty"`
}
