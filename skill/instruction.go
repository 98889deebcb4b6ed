package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// toolInstruction is the schema of a <tool_instruction> block.
type toolInstruction struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments"`
}

// instructionSkill fills the invocation payload of the pending tool step it
// was planned ahead of. The target step id and tool name travel in this
// step's own instruction content; the tool server's capability description
// is folded into the prompt so the model can pick a capability and arguments
// that exist.
type instructionSkill struct {
	executor.Base
}

func (g *instructionSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	inv.Step.SetExecutionState(core.StateRunning)

	targetID, _ := inv.Step.Instruction()["target_step_id"].(string)
	toolName, _ := inv.Step.Instruction()["tool_name"].(string)
	target := inv.State.Steps.Get(targetID)
	if target == nil {
		return g.Fail(inv, executor.ErrKindParse,
			fmt.Errorf("instruction target step %q not found", targetID), "")
	}

	rules := g.SkillRules(NameInstructionGen)
	if g.Env.Tools != nil {
		if desc, err := g.Env.Tools.Describe(ctx, toolName); err == nil {
			rules += "\n\nTool server capabilities:\n" + desc
		} else {
			rules += fmt.Sprintf("\n\nTool server %q is unavailable: %s", toolName, err)
		}
	}

	prompt := g.BuildPrompt(inv, rules)
	raw, kind, err := g.CallLLM(ctx, inv, prompt)
	if err != nil {
		return g.Fail(inv, kind, err, raw)
	}
	g.CapturePersistentMemory(inv, raw)

	var instr toolInstruction
	if err := g.ParseJSONBlock(raw, "tool_instruction", &instr); err != nil {
		return g.Fail(inv, executor.ErrKindParse, err, raw)
	}

	payload := map[string]any{
		"capability": instr.Capability,
		"arguments":  instr.Arguments,
	}
	target.SetInstruction(payload)

	result := &core.ExecuteResult{Instruction: payload, Raw: raw}
	summary := fmt.Sprintf("generated %s invocation for step %q", toolName, target.Intention)
	return g.Finish(inv, result, core.StageAgentWorking, summary)
}
