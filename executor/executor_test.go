package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, *Invocation) *core.ExecuteOutput {
	return &core.ExecuteOutput{}
}

func testEnv() *Env {
	planning := &config.SkillConfig{}
	planning.UseGuide.SkillName = "planning"
	planning.UseGuide.Description = "break a stage goal into steps"
	planning.UsePrompt.SkillPrompt = "Plan the steps."
	planning.UsePrompt.ReturnFormat = "<planned_step>[...]</planned_step>"
	return &Env{
		SystemPrompt: "You are part of the Allen multi-agent system.",
		Skills:       map[string]*config.SkillConfig{"planning": planning},
		ToolGuides:   map[string]*config.ToolServerConfig{},
		Logger:       logging.NoOpLogger{},
	}
}

func testInvocation() *Invocation {
	state := core.NewAgentState("a1", "alice", "writer", "drafts text",
		core.LLMConfig{}, []string{"search"}, []string{"planning"})
	step := core.NewStep("t1", "s1", "a1", "plan the stage", core.StepSkill, "planning")
	step.TextContent = "write a haiku"
	return &Invocation{Step: step, State: state}
}

func TestRouterResolvesRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(core.StepSkill, "planning", func(*Env) Executor { return nopExecutor{} })
	router := NewRouter(reg, testEnv())

	exec, err := router.Route(core.StepSkill, "planning")
	require.NoError(t, err)
	assert.NotNil(t, exec)
}

func TestRouterUnknownExecutor(t *testing.T) {
	router := NewRouter(NewRegistry(), testEnv())
	_, err := router.Route(core.StepTool, "nope")
	assert.True(t, errors.Is(err, ErrUnknownExecutor))
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	reg := NewRegistry()
	NewRouter(reg, testEnv())
	assert.Panics(t, func() {
		reg.Register(core.StepSkill, "late", func(*Env) Executor { return nopExecutor{} })
	})
}

func TestBuildPromptOrdering(t *testing.T) {
	base := &Base{Env: testEnv()}
	inv := testInvocation()
	inv.State.Lock()
	inv.State.AppendPersistentMemory("### style\nprefer short lines")
	inv.State.Unlock()

	prompt := base.BuildPrompt(inv, base.SkillRules("planning"))

	system := strings.Index(prompt, "Allen multi-agent system")
	role := strings.Index(prompt, "## Your role")
	goal := strings.Index(prompt, "## Current goal")
	rules := strings.Index(prompt, "## Rules")
	memory := strings.Index(prompt, "## Your persistent memory")

	require.True(t, system >= 0 && role > system && goal > role && rules > goal && memory > rules,
		"prompt sections out of order: %s", prompt)
	assert.Contains(t, prompt, "write a haiku")
	assert.Contains(t, prompt, "<planned_step>")
	assert.Contains(t, prompt, "Available tools: search")
}

func TestParseJSONBlockRepairsSloppyJSON(t *testing.T) {
	base := &Base{Env: testEnv()}
	raw := "thinking...\n<planned_step>[{step_intention: 'reply', type: 'skill', executor: quick_think,}]</planned_step>"

	var steps []map[string]any
	require.NoError(t, base.ParseJSONBlock(raw, "planned_step", &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "quick_think", steps[0]["executor"])
}

func TestParseJSONBlockMissing(t *testing.T) {
	base := &Base{Env: testEnv()}
	var v any
	assert.Error(t, base.ParseJSONBlock("no block", "planned_step", &v))
}

func TestFinishEmitsSkeleton(t *testing.T) {
	base := &Base{Env: testEnv()}
	inv := testInvocation()

	out := base.Finish(inv, &core.ExecuteResult{Text: "ok"}, core.StageAgentWorking, "planned 2 steps")

	assert.Equal(t, core.StateFinished, inv.Step.ExecutionState())
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentWorking, out.UpdateStageAgentState.State)
	require.NotNil(t, out.SendSharedMessage)
	assert.Equal(t, "planned 2 steps", out.SendSharedMessage.Content)
}

func TestFailPreservesRawAndFailsStage(t *testing.T) {
	base := &Base{Env: testEnv()}
	inv := testInvocation()

	out := base.Fail(inv, ErrKindParse, errors.New("missing block"), "raw llm text")

	assert.Equal(t, core.StateFailed, inv.Step.ExecutionState())
	res := inv.Step.Result()
	require.NotNil(t, res)
	assert.Equal(t, ErrKindParse, res.ErrorKind)
	assert.Equal(t, "raw llm text", res.Raw)
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentFailed, out.UpdateStageAgentState.State)
}
