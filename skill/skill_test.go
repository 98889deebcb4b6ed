package skill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/model"
)

func testEnv() *executor.Env {
	skills := make(map[string]*config.SkillConfig)
	for _, name := range []string{
		NamePlanning, NameStagePlanning, NameQuickThink, NameSummary,
		NameSendMessage, NameInstructionGen, NameAskInfo, NameTaskManager,
		NameAgentManager,
	} {
		sc := &config.SkillConfig{}
		sc.UseGuide.SkillName = name
		sc.UsePrompt.SkillPrompt = "do " + name
		sc.UsePrompt.ReturnFormat = "use the documented delimiters"
		skills[name] = sc
	}
	return &executor.Env{
		SystemPrompt: "You are part of the Allen multi-agent system.",
		Skills:       skills,
		ToolGuides:   map[string]*config.ToolServerConfig{},
		Logger:       logging.NoOpLogger{},
	}
}

func newRouter(t *testing.T) *executor.Router {
	t.Helper()
	reg := executor.NewRegistry()
	RegisterAll(reg)
	return executor.NewRouter(reg, testEnv())
}

func newInvocation(executorName string, reply string) (*executor.Invocation, *model.MockClient) {
	state := core.NewAgentState("a1", "alice", "writer", "drafts text",
		core.LLMConfig{ContextSize: 5}, []string{"search"}, []string{executorName})
	step := core.NewStep("t1", "s1", "a1", "exercise "+executorName, core.StepSkill, executorName)
	step.TextContent = "stage goal: answer the question"
	state.Steps.AddStep(step)

	mock := model.NewMockClient()
	if reply != "" {
		mock.Script(reply)
	}
	return &executor.Invocation{
		Step:   step,
		State:  state,
		LLM:    mock,
		Dialog: model.NewContext(5),
	}, mock
}

func execute(t *testing.T, router *executor.Router, inv *executor.Invocation) *core.ExecuteOutput {
	t.Helper()
	exec, err := router.Route(inv.Step.Type, inv.Step.Executor)
	require.NoError(t, err)
	inv.State.Lock()
	defer inv.State.Unlock()
	return exec.Execute(context.Background(), inv)
}

func TestPlanningCreatesSteps(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NamePlanning,
		`plan follows <planned_step>[
			{"step_intention": "think", "type": "skill", "executor": "quick_think", "text_content": "answer"},
			{"step_intention": "look it up", "type": "tool", "executor": "search", "text_content": "find it"}
		]</planned_step>`)

	out := execute(t, router, inv)

	assert.Equal(t, core.StateFinished, inv.Step.ExecutionState())
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentWorking, out.UpdateStageAgentState.State)

	// planning step + quick_think + instruction_generation + pending tool step
	steps := inv.State.Steps.All()
	require.Len(t, steps, 4)
	assert.Equal(t, NameQuickThink, steps[1].Executor)
	assert.Equal(t, NameInstructionGen, steps[2].Executor)
	assert.Equal(t, core.StepTool, steps[3].Type)
	assert.Equal(t, core.StatePending, steps[3].ExecutionState())
}

func TestPlanningParseFailureFailsStep(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NamePlanning, "no delimited block at all")

	out := execute(t, router, inv)

	assert.Equal(t, core.StateFailed, inv.Step.ExecutionState())
	require.NotNil(t, inv.Step.Result())
	assert.Equal(t, executor.ErrKindParse, inv.Step.Result().ErrorKind)
	assert.Equal(t, "no delimited block at all", inv.Step.Result().Raw)
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentFailed, out.UpdateStageAgentState.State)
}

func TestQuickThinkUsesBlockOrWholeReply(t *testing.T) {
	router := newRouter(t)

	inv, _ := newInvocation(NameQuickThink, "<quick_think>short answer</quick_think>")
	execute(t, router, inv)
	assert.Equal(t, "short answer", inv.Step.Result().Text)

	inv2, _ := newInvocation(NameQuickThink, "just a bare reply")
	execute(t, router, inv2)
	assert.Equal(t, "just a bare reply", inv2.Step.Result().Text)
}

func TestQuickThinkCapturesPersistentMemory(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameQuickThink,
		"<quick_think>ok</quick_think><persistent_memory>### note\nkeep going</persistent_memory>")

	execute(t, router, inv)

	inv.State.Lock()
	assert.Equal(t, "### note\nkeep going", inv.State.PersistentMemory())
	inv.State.Unlock()
}

func TestSummaryEmitsCompletionAndFinished(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameSummary, "<stage_summary>wrote the haiku</stage_summary>")

	out := execute(t, router, inv)

	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentFinished, out.UpdateStageAgentState.State)
	require.NotNil(t, out.UpdateStageAgentCompletion)
	assert.Equal(t, "wrote the haiku", out.UpdateStageAgentCompletion.Summary)
}

func TestSendMessageWaitingParksStep(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameSendMessage,
		`<send_message>{"receiver": ["writer"], "content": "what should I write?", "need_reply": true, "waiting": true}</send_message>`)

	out := execute(t, router, inv)

	assert.Equal(t, core.StateAwaiting, inv.Step.ExecutionState())
	assert.Nil(t, inv.Step.Result())
	assert.Equal(t, core.WorkingAwaiting, inv.State.WorkingState())
	require.Len(t, out.SendMessages, 1)
	msg := out.SendMessages[0]
	assert.True(t, msg.Waiting)
	assert.NotEmpty(t, msg.WaitingID)
	assert.Equal(t, []string{"writer"}, msg.Receivers)
}

func TestSendMessageReplyFillsCorrelation(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameSendMessage,
		`<send_message>{"receiver": [], "content": "here is my answer", "need_reply": false, "waiting": false}</send_message>`)
	inv.Step.SetInstruction(map[string]any{
		"reply_to":          "manager-id",
		"return_waiting_id": "wait-42",
	})

	out := execute(t, router, inv)

	require.Len(t, out.SendMessages, 1)
	msg := out.SendMessages[0]
	assert.Equal(t, []string{"manager-id"}, msg.Receivers)
	assert.Equal(t, "wait-42", msg.ReturnWaitingID)
	assert.Equal(t, core.StateFinished, inv.Step.ExecutionState())
}

func TestInstructionGenerationFillsPendingToolStep(t *testing.T) {
	router := newRouter(t)

	inv, _ := newInvocation(NameInstructionGen,
		`<tool_instruction>{"capability": "find", "arguments": {"q": "go"}}</tool_instruction>`)
	target := core.NewStep("t1", "s1", "a1", "look it up", core.StepTool, "search")
	target.SetExecutionState(core.StatePending)
	inv.State.Steps.AddStep(target)
	inv.Step.SetInstruction(map[string]any{
		"target_step_id": target.ID,
		"tool_name":      "search",
	})

	execute(t, router, inv)

	assert.Equal(t, core.StateInit, target.ExecutionState())
	require.NotNil(t, target.Instruction())
	assert.Equal(t, "find", target.Instruction()["capability"])
}

func TestStagePlanningZeroStagesFinishesTask(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameStagePlanning, "<planned_stage>[]</planned_stage>")

	out := execute(t, router, inv)

	require.NotNil(t, out.UpdateTaskState)
	assert.Equal(t, core.StateFinished, out.UpdateTaskState.State)
	assert.Empty(t, out.UpdateTaskState.Summary)
}

func TestStagePlanningEmitsStageSpecs(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameStagePlanning,
		`<planned_stage>[{"stage_intention": "reply", "agent_allocation": {"a1": "reply"}}]</planned_stage>`)

	out := execute(t, router, inv)

	require.Len(t, out.AddStages, 1)
	assert.Equal(t, "t1", out.AddStages[0].TaskID)
	assert.Equal(t, "reply", out.AddStages[0].Allocation["a1"])
}

func TestTaskManagerActions(t *testing.T) {
	router := newRouter(t)

	inv, _ := newInvocation(NameTaskManager,
		`<task_manager>{"action": "finish_task", "task_id": "t1", "summary": "delivered"}</task_manager>`)
	out := execute(t, router, inv)
	require.NotNil(t, out.UpdateTaskState)
	assert.Equal(t, core.StateFinished, out.UpdateTaskState.State)
	assert.Equal(t, "delivered", out.UpdateTaskState.Summary)

	inv2, _ := newInvocation(NameTaskManager,
		`<task_manager>{"action": "retry_stage", "old_stage_id": "s1", "new_stage_intention": "try again", "new_agent_allocation": {"a1": "redo"}}</task_manager>`)
	out2 := execute(t, router, inv2)
	require.NotNil(t, out2.RetryStage)
	assert.Equal(t, "s1", out2.RetryStage.OldStageID)

	inv3, _ := newInvocation(NameTaskManager,
		`<task_manager>{"action": "warp_core_breach"}</task_manager>`)
	execute(t, router, inv3)
	assert.Equal(t, core.StateFailed, inv3.Step.ExecutionState())
}

func TestAgentManagerPermissionUpdate(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameAgentManager,
		`<agent_manager>{"action": "update_tools", "agent_id": "a2", "grant": ["browser"], "revoke": ["search"]}</agent_manager>`)

	out := execute(t, router, inv)

	require.NotNil(t, out.UpdateAgentTools)
	assert.Equal(t, "a2", out.UpdateAgentTools.AgentID)
	assert.Equal(t, []string{"browser"}, out.UpdateAgentTools.Grant)
}

func TestAskInfoParksAwaiting(t *testing.T) {
	router := newRouter(t)
	inv, _ := newInvocation(NameAskInfo,
		`<ask_info>{"type": "task_info", "task_id": "t1"}</ask_info>`)

	out := execute(t, router, inv)

	assert.Equal(t, core.StateAwaiting, inv.Step.ExecutionState())
	require.NotNil(t, out.AskInfo)
	assert.Equal(t, "task_info", out.AskInfo.Type)
	assert.NotEmpty(t, out.AskInfo.WaitingID)
}

func TestLLMTransportFailureFailsStep(t *testing.T) {
	router := newRouter(t)
	inv, mock := newInvocation(NameQuickThink, "")
	mock.Err = assert.AnError

	out := execute(t, router, inv)

	assert.Equal(t, core.StateFailed, inv.Step.ExecutionState())
	assert.Equal(t, executor.ErrKindLLMTransport, inv.Step.Result().ErrorKind)
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentFailed, out.UpdateStageAgentState.State)
}
