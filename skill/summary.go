package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// summarySkill closes out an agent's participation in a stage: the model
// reviews the stage's step history and reports a completion summary. The
// emitted output flips the agent's per-stage state to finished, which is
// what drives the stage completion predicate.
type summarySkill struct {
	executor.Base
}

func (s *summarySkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &s.Base, inv, NameSummary)
	if failed != nil {
		return failed
	}

	summary, err := s.ParseBlock(raw, "stage_summary")
	if err != nil {
		return s.Fail(inv, executor.ErrKindParse, err, raw)
	}

	out := s.Finish(inv, &core.ExecuteResult{Text: summary, Raw: raw},
		core.StageAgentFinished,
		fmt.Sprintf("completed stage goal: %s", truncate(summary, 200)))
	out.UpdateStageAgentCompletion = &core.StageAgentCompletion{
		TaskID:  inv.Step.TaskID,
		StageID: inv.Step.StageID,
		AgentID: inv.State.ID,
		Summary: summary,
	}
	return out
}
