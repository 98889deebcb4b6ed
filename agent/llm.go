package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/dispatch"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/internal/textutil"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/model"
	"github.com/motern88/allen/skill"
)

// LLMAgent runs one worker goroutine over its step queue. Each dequeued step
// is resolved through the router and executed under the agent's state lock;
// the executor's output then goes to the synchronizer. A step that parks
// awaiting suspends the loop until the dispatcher releases it, so the agent
// executes nothing while a waiting correlation is outstanding.
type LLMAgent struct {
	state  *core.AgentState
	llm    model.Client
	dialog *model.Context

	router *executor.Router
	sync   Syncer
	logger logging.Logger

	// release wakes the parked loop; buffered so a release arriving before
	// the loop parks is not lost.
	release chan struct{}
	quit    chan struct{}
}

// NewLLM constructs an LLM agent over its state, model client and wiring.
func NewLLM(state *core.AgentState, llm model.Client, router *executor.Router, syncer Syncer, logger logging.Logger) *LLMAgent {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LLMAgent{
		state:   state,
		llm:     llm,
		dialog:  model.NewContext(state.LLMConfig.ContextSize),
		router:  router,
		sync:    syncer,
		logger:  logger,
		release: make(chan struct{}, 8),
		quit:    make(chan struct{}),
	}
}

// ID implements Agent.
func (a *LLMAgent) ID() string { return a.state.ID }

// State implements Agent.
func (a *LLMAgent) State() *core.AgentState { return a.state }

// Snapshot implements Agent.
func (a *LLMAgent) Snapshot() core.AgentSnapshot { return a.state.Snapshot() }

// Shutdown implements Agent: the sentinel terminates the loop after the
// queued steps drain.
func (a *LLMAgent) Shutdown() {
	close(a.quit)
	a.state.Steps.Shutdown()
}

// RunLoop implements Agent. It blocks on the step queue; an agent with an
// empty queue is idle and never busy-waits.
func (a *LLMAgent) RunLoop() {
	for {
		stepID, ok := a.state.Steps.Next()
		if !ok {
			return
		}
		step := a.state.Steps.Get(stepID)
		if step == nil {
			continue
		}
		if step.ExecutionState().Terminal() {
			continue // filled or resolved elsewhere since enqueue
		}
		a.runStep(step)

		if step.ExecutionState() == core.StateAwaiting {
			select {
			case <-a.release:
			case <-a.quit:
				return
			}
		}
	}
}

func (a *LLMAgent) runStep(step *core.Step) {
	exec, err := a.router.Route(step.Type, step.Executor)
	if err != nil {
		a.failRouting(step, err)
		return
	}

	inv := &executor.Invocation{Step: step, State: a.state, LLM: a.llm, Dialog: a.dialog}

	start := time.Now()
	a.state.Lock()
	a.state.SetWorkingState(core.WorkingBusy)
	out := exec.Execute(context.Background(), inv)
	if step.ExecutionState() != core.StateAwaiting {
		a.state.SetWorkingState(core.WorkingIdle)
	}
	a.state.Unlock()

	if al, ok := a.logger.(*logging.AllenLogger); ok {
		success := step.ExecutionState() != core.StateFailed
		var stepErr error
		if res := step.Result(); res != nil && res.Err != "" {
			stepErr = fmt.Errorf("%s", res.Err)
		}
		al.LogStepExecution(step.ID, step.Executor, time.Since(start), success, stepErr)
	}

	if a.sync != nil {
		a.sync.Sync(out)
	}
}

// failRouting materializes a router miss into the step so the stage predicate
// sees the failure.
func (a *LLMAgent) failRouting(step *core.Step, err error) {
	step.Fail(executor.ErrKindUnknownExecutor, err.Error(), "")
	a.logger.Warn("unknown executor", "agent_id", a.state.ID,
		"type", string(step.Type), "executor", step.Executor)

	out := &core.ExecuteOutput{
		SendSharedMessage: &core.SharedMessage{
			TaskID:  step.TaskID,
			AgentID: a.state.ID,
			Role:    a.state.Role,
			StageID: step.StageID,
			Content: fmt.Sprintf("step %q failed: %s", step.Intention, err.Error()),
		},
	}
	if step.StageID != "" && step.StageID != core.NoRelative {
		out.UpdateStageAgentState = &core.StageAgentUpdate{
			TaskID:  step.TaskID,
			StageID: step.StageID,
			AgentID: a.state.ID,
			State:   core.StageAgentFailed,
		}
	}
	if a.sync != nil {
		a.sync.Sync(out)
	}
}

// ReceiveMessage implements Agent. Instruction messages mutate local
// bookkeeping; everything else atomically appends a reply or processing step
// to the queue, embedding the incoming message as context.
func (a *LLMAgent) ReceiveMessage(msg *core.Message) {
	if instr, ok := parseInstruction(msg.Content); ok {
		a.applyInstruction(msg, instr)
		return
	}

	a.state.Lock()
	defer a.state.Unlock()

	var step *core.Step
	if msg.NeedReply {
		step = core.NewStep(msg.TaskID, msg.StageRelative, a.state.ID,
			fmt.Sprintf("reply to message from %s", msg.SenderID),
			core.StepSkill, skill.NameSendMessage)
		step.InstructionContent = map[string]any{
			"reply_to":          msg.SenderID,
			"return_waiting_id": msg.WaitingID,
		}
	} else {
		step = core.NewStep(msg.TaskID, msg.StageRelative, a.state.ID,
			fmt.Sprintf("process message from %s", msg.SenderID),
			core.StepSkill, skill.NameProcessMessage)
	}
	step.TextContent = fmt.Sprintf("Message from %s:\n%s", msg.SenderID, msg.Content)

	a.state.Steps.AddStep(step)
	a.state.RecordInvolvement(step.TaskID, step.StageID, step.ID)
}

// ReleaseWaiting implements Agent: the parked waiting step finishes with the
// correlated reply, a processing step for the reply content is enqueued
// (except for synthetic task-ended releases), and the loop resumes.
func (a *LLMAgent) ReleaseWaiting(waitingID string, reply *core.Message) {
	a.state.Lock()
	if step := a.state.Steps.LastAwaiting(); step != nil {
		step.Finish(&core.ExecuteResult{Text: reply.Content})
	}
	a.state.SetWorkingState(core.WorkingIdle)

	if reply.Content != dispatch.TaskEndedContent {
		follow := core.NewStep(reply.TaskID, reply.StageRelative, a.state.ID,
			fmt.Sprintf("process reply from %s", reply.SenderID),
			core.StepSkill, skill.NameProcessMessage)
		follow.TextContent = fmt.Sprintf("Reply from %s:\n%s", reply.SenderID, reply.Content)
		a.state.Steps.AddStep(follow)
		a.state.RecordInvolvement(follow.TaskID, follow.StageID, follow.ID)
	}
	a.state.Unlock()

	select {
	case a.release <- struct{}{}:
	default:
	}
}

func (a *LLMAgent) applyInstruction(msg *core.Message, instr *instruction) {
	a.state.Lock()
	defer a.state.Unlock()

	switch {
	case instr.StartStage != nil:
		// The synchronizer already enqueued the stage's first planning
		// step; only the availability flag changes here.
		if a.state.WorkingState() == core.WorkingUnassigned {
			a.state.SetWorkingState(core.WorkingIdle)
		}
	case instr.FinishStage != nil:
		a.state.ClearStage(msg.TaskID, instr.FinishStage.StageID)
		a.state.Steps.Remove(instr.FinishStage.StageID)
	case instr.FinishTask != nil:
		a.state.ClearTask(instr.FinishTask.TaskID)
		a.state.Steps.RemoveTask(instr.FinishTask.TaskID)
	case instr.UpdateWorkingMemory != nil:
		a.state.RecordInvolvement(instr.UpdateWorkingMemory.TaskID,
			instr.UpdateWorkingMemory.StageID, "")
	case instr.AddToolDecision != nil:
		step := core.NewStep(instr.AddToolDecision.TaskID, instr.AddToolDecision.StageID,
			a.state.ID,
			fmt.Sprintf("judge result of tool %q", instr.AddToolDecision.ToolName),
			core.StepSkill, skill.NameToolDecision)
		a.state.Steps.AddStep(step)
		a.state.RecordInvolvement(step.TaskID, step.StageID, step.ID)
	}
}

// parseInstruction recognizes <instruction>-wrapped JSON payloads.
func parseInstruction(content string) (*instruction, bool) {
	inner, ok := textutil.ExtractBlock(content, "instruction")
	if !ok {
		return nil, false
	}
	var instr instruction
	if err := json.Unmarshal([]byte(inner), &instr); err != nil {
		return nil, false
	}
	return &instr, true
}
