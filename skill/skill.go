package skill

import (
	"context"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
)

// Skill executor names. A step's executor field carries one of these.
const (
	NamePlanning       = "planning"
	NameStagePlanning  = "stage_planning"
	NameReflection     = "reflection"
	NameDecision       = "decision"
	NameToolDecision   = "tool_decision"
	NameQuickThink     = "quick_think"
	NameThink          = "think"
	NameSummary        = "summary"
	NameSendMessage    = "send_message"
	NameProcessMessage = "process_message"
	NameInstructionGen = "instruction_generation"
	NameAskInfo        = "ask_info"
	NameTaskManager    = "task_manager"
	NameAgentManager   = "agent_manager"
)

// RegisterAll declares every skill executor in the registry.
func RegisterAll(reg *executor.Registry) {
	register := func(name string, build func(base executor.Base) executor.Executor) {
		reg.Register(core.StepSkill, name, func(env *executor.Env) executor.Executor {
			return build(executor.Base{Env: env})
		})
	}

	register(NamePlanning, func(b executor.Base) executor.Executor {
		return &planSkill{Base: b, name: NamePlanning, tag: "planned_step"}
	})
	register(NameReflection, func(b executor.Base) executor.Executor {
		return &planSkill{Base: b, name: NameReflection, tag: "planned_step"}
	})
	register(NameDecision, func(b executor.Base) executor.Executor {
		return &planSkill{Base: b, name: NameDecision, tag: "planned_step"}
	})
	register(NameToolDecision, func(b executor.Base) executor.Executor {
		return &planSkill{Base: b, name: NameToolDecision, tag: "planned_step"}
	})
	register(NameQuickThink, func(b executor.Base) executor.Executor {
		return &textSkill{Base: b, name: NameQuickThink, tag: "quick_think"}
	})
	register(NameThink, func(b executor.Base) executor.Executor {
		return &textSkill{Base: b, name: NameThink, tag: "think"}
	})
	register(NameProcessMessage, func(b executor.Base) executor.Executor {
		return &textSkill{Base: b, name: NameProcessMessage, tag: "process_message"}
	})
	register(NameSummary, func(b executor.Base) executor.Executor {
		return &summarySkill{Base: b}
	})
	register(NameSendMessage, func(b executor.Base) executor.Executor {
		return &sendMessageSkill{Base: b}
	})
	register(NameInstructionGen, func(b executor.Base) executor.Executor {
		return &instructionSkill{Base: b}
	})
	register(NameAskInfo, func(b executor.Base) executor.Executor {
		return &askInfoSkill{Base: b}
	})
	register(NameStagePlanning, func(b executor.Base) executor.Executor {
		return &stagePlanningSkill{Base: b}
	})
	register(NameTaskManager, func(b executor.Base) executor.Executor {
		return &taskManagerSkill{Base: b}
	})
	register(NameAgentManager, func(b executor.Base) executor.Executor {
		return &agentManagerSkill{Base: b}
	})
}

// callAndCapture runs the skill's model call and records the self-authored
// persistent-memory fragment. The returned output is non-nil only on
// failure, in which case the caller returns it unchanged.
func callAndCapture(ctx context.Context, b *executor.Base, inv *executor.Invocation, name string) (raw string, failed *core.ExecuteOutput) {
	inv.Step.SetExecutionState(core.StateRunning)

	prompt := b.BuildPrompt(inv, b.SkillRules(name))
	raw, kind, err := b.CallLLM(ctx, inv, prompt)
	if err != nil {
		return "", b.Fail(inv, kind, err, raw)
	}
	b.CapturePersistentMemory(inv, raw)
	return raw, nil
}
