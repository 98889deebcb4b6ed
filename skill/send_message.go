package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// sendMessagePayload is the schema of a <send_message> block.
type sendMessagePayload struct {
	Receivers     []string `json:"receiver"`
	Content       string   `json:"content"`
	StageRelative string   `json:"stage_relative"`
	NeedReply     bool     `json:"need_reply"`
	Waiting       bool     `json:"waiting"`
}

// sendMessageSkill turns a model reply into a routed Message. When the step
// was created by the dispatcher as a reply obligation, the original sender
// and waiting id are taken from the step's instruction content so the
// correlation cannot depend on the model echoing them. A waiting send parks
// the step in the awaiting state; the dispatcher releases it when the
// correlated reply arrives.
type sendMessageSkill struct {
	executor.Base
}

func (s *sendMessageSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &s.Base, inv, NameSendMessage)
	if failed != nil {
		return failed
	}

	var payload sendMessagePayload
	if err := s.ParseJSONBlock(raw, "send_message", &payload); err != nil {
		return s.Fail(inv, executor.ErrKindParse, err, raw)
	}

	msg := &core.Message{
		SenderID:      inv.State.ID,
		Receivers:     payload.Receivers,
		TaskID:        inv.Step.TaskID,
		StageRelative: payload.StageRelative,
		Content:       payload.Content,
		NeedReply:     payload.NeedReply,
		Waiting:       payload.Waiting,
	}
	if msg.StageRelative == "" {
		msg.StageRelative = inv.Step.StageID
	}

	// Reply obligations created by the dispatcher carry the originator.
	if replyTo, ok := inv.Step.Instruction()["reply_to"].(string); ok && replyTo != "" {
		if len(msg.Receivers) == 0 {
			msg.Receivers = []string{replyTo}
		}
		if returnID, ok := inv.Step.Instruction()["return_waiting_id"].(string); ok {
			msg.ReturnWaitingID = returnID
		}
	}

	result := &core.ExecuteResult{Text: payload.Content, Raw: raw,
		Instruction: map[string]any{"receivers": msg.Receivers, "waiting": msg.Waiting}}

	var out *core.ExecuteOutput
	if msg.Waiting {
		msg.WaitingID = core.NewID()
		// The step parks awaiting with an empty result; the dispatcher owns
		// the release and fills the result with the correlated reply.
		inv.Step.SetExecutionState(core.StateAwaiting)
		inv.State.SetWorkingState(core.WorkingAwaiting)
		out = &core.ExecuteOutput{
			SendSharedMessage: &core.SharedMessage{
				TaskID:  inv.Step.TaskID,
				AgentID: inv.State.ID,
				Role:    inv.State.Role,
				StageID: inv.Step.StageID,
				Content: fmt.Sprintf("sent waiting message to %v", msg.Receivers),
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
	} else {
		out = s.Finish(inv, result, core.StageAgentWorking,
			fmt.Sprintf("sent message to %v", msg.Receivers))
	}

	out.SendMessages = append(out.SendMessages, msg)
	return out
}
