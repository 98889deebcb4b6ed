package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/logging"
)

// fakeInvoker stands in for the multiplexer in executor tests.
type fakeInvoker struct {
	description string
	reply       string
	err         error
	calls       []string
}

func (f *fakeInvoker) Describe(ctx context.Context, server string) (string, error) {
	return f.description, nil
}

func (f *fakeInvoker) Invoke(ctx context.Context, server, capability string, args map[string]any) (string, error) {
	f.calls = append(f.calls, server+"/"+capability)
	return f.reply, f.err
}

func toolEnv(invoker executor.ToolInvoker) *executor.Env {
	return &executor.Env{
		SystemPrompt: "system",
		Skills:       map[string]*config.SkillConfig{},
		ToolGuides:   map[string]*config.ToolServerConfig{},
		Tools:        invoker,
		Logger:       logging.NoOpLogger{},
	}
}

func toolInvocation(state core.ExecutionState) *executor.Invocation {
	agentState := core.NewAgentState("a1", "alice", "worker", "uses tools",
		core.LLMConfig{}, []string{"search"}, nil)
	step := core.NewStep("t1", "s1", "a1", "look it up", core.StepTool, "search")
	if state == core.StateInit {
		step.SetInstruction(map[string]any{
			"capability": "find",
			"arguments":  map[string]any{"q": "go"},
		})
	} else {
		step.SetExecutionState(state)
	}
	agentState.Steps.AddStep(step)
	return &executor.Invocation{Step: step, State: agentState}
}

func routeTool(t *testing.T, env *executor.Env) executor.Executor {
	t.Helper()
	reg := executor.NewRegistry()
	Register(reg, []string{"search"})
	router := executor.NewRouter(reg, env)
	exec, err := router.Route(core.StepTool, "search")
	require.NoError(t, err)
	return exec
}

func TestToolExecutorSuccess(t *testing.T) {
	invoker := &fakeInvoker{reply: "found 3 results"}
	exec := routeTool(t, toolEnv(invoker))
	inv := toolInvocation(core.StateInit)

	inv.State.Lock()
	out := exec.Execute(context.Background(), inv)
	inv.State.Unlock()

	assert.Equal(t, core.StateFinished, inv.Step.ExecutionState())
	assert.Equal(t, "found 3 results", inv.Step.Result().Text)
	assert.Equal(t, []string{"search/find"}, invoker.calls)
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentWorking, out.UpdateStageAgentState.State)
}

func TestToolExecutorFailsFastOnPending(t *testing.T) {
	exec := routeTool(t, toolEnv(&fakeInvoker{}))
	inv := toolInvocation(core.StatePending)

	inv.State.Lock()
	out := exec.Execute(context.Background(), inv)
	inv.State.Unlock()

	assert.Equal(t, core.StateFailed, inv.Step.ExecutionState())
	require.NotNil(t, out.UpdateStageAgentState)
	assert.Equal(t, core.StageAgentFailed, out.UpdateStageAgentState.State)
}

func TestToolExecutorSessionOpenFailure(t *testing.T) {
	invoker := &fakeInvoker{err: &Error{Kind: ErrKindSessionOpen, Server: "search", Err: errors.New("spawn failed")}}
	exec := routeTool(t, toolEnv(invoker))
	inv := toolInvocation(core.StateInit)

	inv.State.Lock()
	exec.Execute(context.Background(), inv)
	inv.State.Unlock()

	assert.Equal(t, core.StateFailed, inv.Step.ExecutionState())
	assert.Equal(t, ErrKindSessionOpen, inv.Step.Result().ErrorKind)
}

func TestToolExecutorNeedDecisionAppendsStep(t *testing.T) {
	invoker := &fakeInvoker{reply: "long tail output"}
	exec := routeTool(t, toolEnv(invoker))
	inv := toolInvocation(core.StateInit)
	inv.Step.SetInstruction(map[string]any{
		"capability":    "find",
		"arguments":     map[string]any{"q": "go"},
		"need_decision": true,
	})

	inv.State.Lock()
	exec.Execute(context.Background(), inv)
	inv.State.Unlock()

	steps := inv.State.Steps.All()
	require.Len(t, steps, 2)
	assert.Equal(t, "tool_decision", steps[1].Executor)
}

func TestClientUnknownServerMarksUnavailable(t *testing.T) {
	client := NewClient(map[string]*config.ToolServerConfig{}, time.Second, logging.NoOpLogger{})
	defer client.Close()

	err := client.Connect(context.Background(), "ghost")
	require.Error(t, err)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ErrKindSessionOpen, terr.Kind)

	// The mark is persistent: a second connect fails without retrying.
	err = client.Connect(context.Background(), "ghost")
	require.Error(t, err)
	assert.False(t, client.Available("ghost"))
}

func TestClientInvokeOnUnavailableServer(t *testing.T) {
	client := NewClient(map[string]*config.ToolServerConfig{}, time.Second, logging.NoOpLogger{})
	defer client.Close()

	_, err := client.Invoke(context.Background(), "ghost", "find", nil)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ErrKindSessionOpen, terr.Kind)
}

func TestClientCloseIdempotent(t *testing.T) {
	client := NewClient(map[string]*config.ToolServerConfig{}, time.Second, logging.NoOpLogger{})
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
