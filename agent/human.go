package agent

import (
	"fmt"
	"sync"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/skill"
)

// HumanAgent is the human-driven variant: its run loop is driven by UI
// events rather than LLM output, incoming messages index into private
// conversations without spawning steps, and step records are inserted
// retroactively when the operator emits an action.
type HumanAgent struct {
	state  *core.AgentState
	sync   Syncer
	logger logging.Logger

	password string
	level    string

	mu sync.Mutex
	// conversations maps peer agent id to the ordered message history.
	conversations map[string][]*core.Message
	bound         bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewHuman constructs a human agent with its binding credentials.
func NewHuman(state *core.AgentState, password, level string, syncer Syncer, logger logging.Logger) *HumanAgent {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &HumanAgent{
		state:         state,
		sync:          syncer,
		logger:        logger,
		password:      password,
		level:         level,
		conversations: make(map[string][]*core.Message),
		quit:          make(chan struct{}),
	}
}

// ID implements Agent.
func (h *HumanAgent) ID() string { return h.state.ID }

// State implements Agent.
func (h *HumanAgent) State() *core.AgentState { return h.state }

// Snapshot implements Agent, adding the private conversation histories to
// the base serialization.
func (h *HumanAgent) Snapshot() core.AgentSnapshot {
	snap := h.state.Snapshot()
	snap.ConversationPrivates = h.Conversations()
	return snap
}

// RunLoop implements Agent. The human loop has no queue to consume — the
// operator may remain awaiting indefinitely — so it parks until shutdown.
func (h *HumanAgent) RunLoop() { <-h.quit }

// Shutdown implements Agent.
func (h *HumanAgent) Shutdown() { h.quitOnce.Do(func() { close(h.quit) }) }

// Bind checks the operator's password and marks the agent bound. It returns
// the agent id for the UI session.
func (h *HumanAgent) Bind(password string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if password != h.password {
		return "", false
	}
	h.bound = true
	return h.state.ID, true
}

// Level returns the operator's permission level from human config.
func (h *HumanAgent) Level() string { return h.level }

// Conversation returns the ordered private history with the peer.
func (h *HumanAgent) Conversation(peerID string) []*core.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*core.Message(nil), h.conversations[peerID]...)
}

// Conversations returns every private history keyed by peer id.
func (h *HumanAgent) Conversations() map[string][]*core.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]*core.Message, len(h.conversations))
	for peer, msgs := range h.conversations {
		out[peer] = append([]*core.Message(nil), msgs...)
	}
	return out
}

// ReceiveMessage implements Agent: the message lands in the sender's private
// conversation and surfaces in the UI; no step is created automatically.
func (h *HumanAgent) ReceiveMessage(msg *core.Message) {
	if instr, ok := parseInstruction(msg.Content); ok {
		h.applyInstruction(msg, instr)
		return
	}
	h.mu.Lock()
	h.conversations[msg.SenderID] = append(h.conversations[msg.SenderID], msg)
	h.mu.Unlock()
	h.logger.Debug("human agent received message",
		"agent_id", h.state.ID, "sender_id", msg.SenderID)
}

// ReleaseWaiting implements Agent: the reply joins the conversation and the
// parked step (if the operator's send was waiting) finishes.
func (h *HumanAgent) ReleaseWaiting(waitingID string, reply *core.Message) {
	h.mu.Lock()
	h.conversations[reply.SenderID] = append(h.conversations[reply.SenderID], reply)
	h.mu.Unlock()

	h.state.Lock()
	if step := h.state.Steps.LastAwaiting(); step != nil {
		step.Finish(&core.ExecuteResult{Text: reply.Content})
	}
	h.state.SetWorkingState(core.WorkingIdle)
	h.state.Unlock()
}

func (h *HumanAgent) applyInstruction(msg *core.Message, instr *instruction) {
	h.state.Lock()
	defer h.state.Unlock()
	switch {
	case instr.FinishStage != nil:
		h.state.ClearStage(msg.TaskID, instr.FinishStage.StageID)
		h.state.Steps.Remove(instr.FinishStage.StageID)
	case instr.FinishTask != nil:
		h.state.ClearTask(instr.FinishTask.TaskID)
		h.state.Steps.RemoveTask(instr.FinishTask.TaskID)
	}
}

// SendPrivate routes a message from the operator to one peer, inserting the
// step record retroactively after the action.
func (h *HumanAgent) SendPrivate(taskID, receiverID, content, stageRelative string, needReply, waiting bool, returnWaitingID string) {
	h.send(taskID, []string{receiverID}, content, stageRelative, needReply, waiting, returnWaitingID)
}

// SendGroup routes a message from the operator to several peers sharing one
// waiting correlation.
func (h *HumanAgent) SendGroup(taskID string, receivers []string, content, stageRelative string, needReply, waiting bool, returnWaitingID string) {
	h.send(taskID, receivers, content, stageRelative, needReply, waiting, returnWaitingID)
}

func (h *HumanAgent) send(taskID string, receivers []string, content, stageRelative string, needReply, waiting bool, returnWaitingID string) {
	if stageRelative == "" {
		stageRelative = core.NoRelative
	}
	msg := &core.Message{
		SenderID:        h.state.ID,
		Receivers:       receivers,
		TaskID:          taskID,
		StageRelative:   stageRelative,
		Content:         content,
		NeedReply:       needReply,
		Waiting:         waiting,
		ReturnWaitingID: returnWaitingID,
	}
	if waiting {
		msg.WaitingID = core.NewID()
	}

	// Retroactive step record: the action already happened.
	step := core.NewStep(taskID, stageRelative, h.state.ID,
		fmt.Sprintf("send message to %v", receivers), core.StepSkill, skill.NameSendMessage)
	step.TextContent = content
	if waiting {
		step.SetExecutionState(core.StateAwaiting)
	} else {
		step.Finish(&core.ExecuteResult{Text: content})
	}

	h.state.Lock()
	h.state.Steps.AddStep(step)
	h.state.RecordInvolvement(taskID, stageRelative, step.ID)
	if waiting {
		h.state.SetWorkingState(core.WorkingAwaiting)
	}
	h.state.Unlock()

	h.mu.Lock()
	for _, receiver := range receivers {
		h.conversations[receiver] = append(h.conversations[receiver], msg)
	}
	h.mu.Unlock()

	if h.sync != nil {
		h.sync.Sync(&core.ExecuteOutput{SendMessages: []*core.Message{msg}})
	}
}
