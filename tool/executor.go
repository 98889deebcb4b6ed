package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/skill"
)

// Register declares the generic tool executor for every configured server
// name. The step's executor field selects the server; the generated
// instruction selects the capability and arguments.
func Register(reg *executor.Registry, servers []string) {
	for _, server := range servers {
		server := server
		reg.Register(core.StepTool, server, func(env *executor.Env) executor.Executor {
			return &toolExecutor{Base: executor.Base{Env: env}, server: server}
		})
	}
}

// toolExecutor runs one tool step: it fails fast on an unfilled pending
// step, invokes the named capability through the multiplexer, and
// materializes the typed failure kinds into the step result.
type toolExecutor struct {
	executor.Base
	server string
}

func (t *toolExecutor) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	if inv.Step.ExecutionState() == core.StatePending {
		return t.Fail(inv, ErrKindInvoke,
			fmt.Errorf("tool step dequeued while pending: instruction never filled"), "")
	}
	inv.Step.SetExecutionState(core.StateRunning)

	if t.Env.Tools == nil {
		return t.Fail(inv, ErrKindSessionOpen,
			fmt.Errorf("no tool client configured"), "")
	}

	instr := inv.Step.Instruction()
	capability, _ := instr["capability"].(string)
	if capability == "" {
		return t.Fail(inv, ErrKindInvoke,
			fmt.Errorf("instruction missing capability"), "")
	}
	args, _ := instr["arguments"].(map[string]any)

	text, err := t.Env.Tools.Invoke(ctx, t.server, capability, args)
	if err != nil {
		kind := ErrKindInvoke
		var terr *Error
		if errors.As(err, &terr) {
			kind = terr.Kind
		}
		return t.Fail(inv, kind, err, text)
	}

	// Long-tail capabilities ask the agent to judge the result before the
	// stage goal can advance; the decision runs as a follow-up skill step.
	if needDecision, _ := instr["need_decision"].(bool); needDecision {
		decision := core.NewStep(inv.Step.TaskID, inv.Step.StageID, inv.State.ID,
			fmt.Sprintf("judge result of tool %q", t.server),
			core.StepSkill, skill.NameToolDecision)
		decision.TextContent = fmt.Sprintf("Tool %s capability %s returned:\n%s", t.server, capability, text)
		inv.State.Steps.AddStep(decision)
		inv.State.RecordInvolvement(decision.TaskID, decision.StageID, decision.ID)
	}

	result := &core.ExecuteResult{
		Text:        text,
		Instruction: instr,
	}
	summary := fmt.Sprintf("tool %s/%s returned %d bytes", t.server, capability, len(text))
	return t.Finish(inv, result, core.StageAgentWorking, summary)
}
