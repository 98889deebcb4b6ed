package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// askInfoPayload is the schema of an <ask_info> block.
type askInfoPayload struct {
	Type     string   `json:"type"`
	TaskID   string   `json:"task_id"`
	StageID  string   `json:"stage_id"`
	AgentIDs []string `json:"agent_ids"`
}

// askInfoSkill queries shared state through the synchronizer. The step parks
// awaiting; the synchronizer answers with a message echoing the generated
// waiting id, which the dispatcher correlates back to release the step.
type askInfoSkill struct {
	executor.Base
}

func (a *askInfoSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &a.Base, inv, NameAskInfo)
	if failed != nil {
		return failed
	}

	var payload askInfoPayload
	if err := a.ParseJSONBlock(raw, "ask_info", &payload); err != nil {
		return a.Fail(inv, executor.ErrKindParse, err, raw)
	}
	if payload.TaskID == "" {
		payload.TaskID = inv.Step.TaskID
	}

	inv.Step.SetExecutionState(core.StateAwaiting)
	inv.State.SetWorkingState(core.WorkingAwaiting)

	out := &core.ExecuteOutput{
		AskInfo: &core.AskInfoQuery{
			Type:      payload.Type,
			SenderID:  inv.State.ID,
			TaskID:    payload.TaskID,
			StageID:   payload.StageID,
			AgentIDs:  payload.AgentIDs,
			WaitingID: core.NewID(),
		},
		SendSharedMessage: &core.SharedMessage{
			TaskID:  inv.Step.TaskID,
			AgentID: inv.State.ID,
			Role:    inv.State.Role,
			StageID: inv.Step.StageID,
			Content: fmt.Sprintf("queried shared state: %s", payload.Type),
		},
	}
	if inv.Step.StageID != "" && inv.Step.StageID != core.NoRelative {
		out.UpdateStageAgentState = &core.StageAgentUpdate{
			TaskID:  inv.Step.TaskID,
			StageID: inv.Step.StageID,
			AgentID: inv.State.ID,
			State:   core.StageAgentWorking,
		}
	}
	return out
}
