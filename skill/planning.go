package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// plannedStep is the schema of one entry in a <planned_step> block.
type plannedStep struct {
	Intention   string `json:"step_intention"`
	Type        string `json:"type"`
	Executor    string `json:"executor"`
	TextContent string `json:"text_content"`
}

// planSkill covers the step-producing skills (planning, reflection,
// decision, tool_decision): they share the parse schema and differ only in
// their prompts. The parsed steps are appended to the agent's own queue; a
// planned tool step is enqueued pending behind an instruction_generation
// step that fills its invocation payload.
type planSkill struct {
	executor.Base
	name string
	tag  string
}

func (p *planSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &p.Base, inv, p.name)
	if failed != nil {
		return failed
	}

	var planned []plannedStep
	if err := p.ParseJSONBlock(raw, p.tag, &planned); err != nil {
		return p.Fail(inv, executor.ErrKindParse, err, raw)
	}

	added := appendPlannedSteps(inv, planned)

	result := &core.ExecuteResult{
		Text:        raw,
		Instruction: map[string]any{"planned_steps": added},
	}
	summary := fmt.Sprintf("%s produced %d step(s)", p.name, len(added))
	return p.Finish(inv, result, core.StageAgentWorking, summary)
}

// appendPlannedSteps materializes planned steps onto the agent's own queue,
// returning the created step ids in queue order. Callers hold the agent
// lock.
func appendPlannedSteps(inv *executor.Invocation, planned []plannedStep) []string {
	var ids []string
	for _, ps := range planned {
		stepType := core.StepType(ps.Type)
		if stepType != core.StepTool {
			stepType = core.StepSkill
		}

		step := core.NewStep(inv.Step.TaskID, inv.Step.StageID, inv.State.ID,
			ps.Intention, stepType, ps.Executor)
		step.TextContent = ps.TextContent

		if stepType == core.StepTool {
			// The tool step waits pending until its generated instruction
			// arrives from the instruction_generation step ahead of it.
			gen := core.NewStep(inv.Step.TaskID, inv.Step.StageID, inv.State.ID,
				fmt.Sprintf("generate invocation for tool %q", ps.Executor),
				core.StepSkill, NameInstructionGen)
			gen.TextContent = ps.TextContent
			gen.InstructionContent = map[string]any{
				"target_step_id": step.ID,
				"tool_name":      ps.Executor,
			}
			step.SetExecutionState(core.StatePending)

			inv.State.Steps.AddStep(gen)
			inv.State.RecordInvolvement(gen.TaskID, gen.StageID, gen.ID)
			ids = append(ids, gen.ID)
		}

		inv.State.Steps.AddStep(step)
		inv.State.RecordInvolvement(step.TaskID, step.StageID, step.ID)
		ids = append(ids, step.ID)
	}
	return ids
}
