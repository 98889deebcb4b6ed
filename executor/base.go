package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/internal/textutil"
)

// Base bundles the behaviors shared by all skill and tool executors: the
// prompt assembly convention, delimited-block parsing of LLM output,
// persistent-memory capture and the standard result emission. Embed it and
// supply the executor-specific rules block and output interpretation.
type Base struct {
	Env *Env
}

// BuildPrompt assembles the skill prompt in the fixed order
// system → role → (goal → rules) → memory. Skill authors override only the
// rules block; everything else is derived from the invocation.
func (b *Base) BuildPrompt(inv *Invocation, rules string) string {
	var sb strings.Builder

	sb.WriteString(b.Env.SystemPrompt)
	sb.WriteString("\n\n")

	sb.WriteString("## Your role\n")
	fmt.Fprintf(&sb, "You are %s (agent id %s), role: %s.\n%s\n",
		inv.State.Name, inv.State.ID, inv.State.Role, inv.State.Profile)
	b.writePermissionSummary(&sb, inv)
	sb.WriteString("\n")

	sb.WriteString("## Current goal\n")
	sb.WriteString(inv.Step.TextContent)
	sb.WriteString("\n\n")

	sb.WriteString("## Rules\n")
	sb.WriteString(rules)
	sb.WriteString("\n")

	if mem := inv.State.PersistentMemory(); mem != "" {
		sb.WriteString("\n## Your persistent memory\n")
		sb.WriteString(mem)
		sb.WriteString("\n")
	}
	return sb.String()
}

// SkillRules composes a skill's rules block: its prompt plus the expected
// return format from the skill spec.
func (b *Base) SkillRules(skillName string) string {
	spec, ok := b.Env.Skills[skillName]
	if !ok {
		return ""
	}
	return spec.UsePrompt.SkillPrompt + "\n\nReturn format:\n" + spec.UsePrompt.ReturnFormat
}

func (b *Base) writePermissionSummary(sb *strings.Builder, inv *Invocation) {
	skills := inv.State.Skills()
	if len(skills) > 0 {
		sb.WriteString("Available skills: ")
		for i, name := range skills {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(name)
			if spec, ok := b.Env.Skills[name]; ok && spec.UseGuide.Description != "" {
				fmt.Fprintf(sb, " (%s)", spec.UseGuide.Description)
			}
		}
		sb.WriteString("\n")
	}
	tools := inv.State.Tools()
	if len(tools) > 0 {
		sb.WriteString("Available tools: ")
		for i, name := range tools {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(name)
			if guide, ok := b.Env.ToolGuides[name]; ok && guide.UseGuide.Description != "" {
				fmt.Fprintf(sb, " (%s)", guide.UseGuide.Description)
			}
		}
		sb.WriteString("\n")
	}
}

// CallLLM runs one model call under the config's timeout and classifies
// failures into the runtime's error kinds.
func (b *Base) CallLLM(ctx context.Context, inv *Invocation, prompt string) (string, string, error) {
	if inv.LLM == nil {
		return "", ErrKindLLMTransport, errors.New("agent has no model client")
	}
	if timeout := inv.State.LLMConfig.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := inv.LLM.Chat(ctx, b.Env.SystemPrompt, prompt, inv.Dialog)
	if logger, ok := b.Env.Logger.(interface {
		LogLLMCall(model string, dur time.Duration, success bool, err error)
	}); ok {
		logger.LogLLMCall(inv.LLM.Info().Model, time.Since(start), err == nil, err)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrKindLLMTimeout, err
		}
		return "", ErrKindLLMTransport, err
	}
	return reply, "", nil
}

// ParseBlock extracts the delimited block named by tag from LLM output.
// Delimiters quoted inside fenced code spans are rejected.
func (b *Base) ParseBlock(raw, tag string) (string, error) {
	inner, ok := textutil.ExtractBlock(raw, tag)
	if !ok {
		return "", fmt.Errorf("missing <%s> block in response", tag)
	}
	return inner, nil
}

// ParseJSONBlock extracts the delimited block and unmarshals it into v,
// repairing the almost-JSON LLMs tend to produce before decoding.
func (b *Base) ParseJSONBlock(raw, tag string, v any) error {
	inner, err := b.ParseBlock(raw, tag)
	if err != nil {
		return err
	}
	repaired, err := jsonrepair.JSONRepair(inner)
	if err != nil {
		return fmt.Errorf("unrepairable JSON in <%s> block: %w", tag, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode <%s> block: %w", tag, err)
	}
	return nil
}

// CapturePersistentMemory appends the self-authored fragment, when present,
// to the agent's scratchpad. Callers hold the agent lock.
func (b *Base) CapturePersistentMemory(inv *Invocation, raw string) {
	if fragment := textutil.ExtractPersistentMemory(raw); fragment != "" {
		inv.State.AppendPersistentMemory(fragment)
	}
}

// Finish marks the step finished and returns the standard output skeleton:
// the stage-agent update plus the shared-log summary line. Callers attach
// their executor-specific fields before handing it to the synchronizer.
func (b *Base) Finish(inv *Invocation, result *core.ExecuteResult, agentStageState core.StageAgentState, summary string) *core.ExecuteOutput {
	inv.Step.Finish(result)
	return b.skeleton(inv, agentStageState, summary)
}

// Fail marks the step failed, preserving the raw upstream response, and
// returns the standard output skeleton with the agent's stage state failed.
func (b *Base) Fail(inv *Invocation, errorKind string, err error, raw string) *core.ExecuteOutput {
	inv.Step.Fail(errorKind, err.Error(), raw)
	summary := fmt.Sprintf("step %q failed: %s", inv.Step.Intention, err.Error())
	return b.skeleton(inv, core.StageAgentFailed, summary)
}

func (b *Base) skeleton(inv *Invocation, state core.StageAgentState, summary string) *core.ExecuteOutput {
	out := &core.ExecuteOutput{
		SendSharedMessage: &core.SharedMessage{
			TaskID:  inv.Step.TaskID,
			AgentID: inv.State.ID,
			Role:    inv.State.Role,
			StageID: inv.Step.StageID,
			Content: summary,
		},
	}
	if inv.Step.StageID != "" && inv.Step.StageID != core.NoRelative {
		out.UpdateStageAgentState = &core.StageAgentUpdate{
			TaskID:  inv.Step.TaskID,
			StageID: inv.Step.StageID,
			AgentID: inv.State.ID,
			State:   state,
		}
	}
	return out
}
