// Package dispatch implements the message dispatcher: a single goroutine
// owning the inbound channel, routing Messages to agents, correlating
// waiting replies, and releasing task-scoped waits when a task ends. FIFO
// order holds per (sender, receiver) pair because one goroutine drains one
// channel; no cross-sender ordering is promised.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
)

// ErrKindUnknownReceiver classifies the synthetic error reply sent back when
// a message names no resolvable receiver.
const ErrKindUnknownReceiver = "dispatch/unknown-receiver"

// TaskEndedContent is the content of the synthetic reply that releases a
// wait when its task reaches a terminal state.
const TaskEndedContent = "task-ended"

// Agent is the dispatcher's view of a registered agent.
type Agent interface {
	ID() string
	// ReceiveMessage is invoked from the dispatcher's goroutine. LLM agents
	// enqueue a reply step; human agents index private conversations.
	ReceiveMessage(msg *core.Message)
	// ReleaseWaiting resolves a parked waiting step with the correlated
	// reply (or a synthetic task-ended one).
	ReleaseWaiting(waitingID string, reply *core.Message)
}

// Directory resolves agent ids to live agents; the system container
// implements it.
type Directory interface {
	Agent(id string) (Agent, bool)
}

type waitEntry struct {
	agentID string
	taskID  string
}

// inboundCapacity buffers bursts from many agents finishing steps at once;
// senders block (backpressure) rather than drop when it fills.
const inboundCapacity = 1024

// Dispatcher routes messages between agents.
type Dispatcher struct {
	directory Directory
	inbound   chan *core.Message

	mu    sync.Mutex
	waits map[string]waitEntry

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	logger logging.Logger
}

// New constructs a Dispatcher; Start must be called before use.
func New(directory Directory, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{
		directory: directory,
		inbound:   make(chan *core.Message, inboundCapacity),
		waits:     make(map[string]waitEntry),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start launches the routing goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains nothing further and waits for the goroutine to exit. Parked
// waits are left in place and are not released.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() { close(d.done) })
	d.wg.Wait()
}

// Dispatch hands a message to the routing goroutine. It blocks when the
// inbound buffer is full and drops the message once the dispatcher stopped.
func (d *Dispatcher) Dispatch(msg *core.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case <-d.done:
		d.logger.Warn("dispatch after stop dropped", "sender_id", msg.SenderID)
	case d.inbound <- msg:
	}
}

// RegisterWait records a waiting correlation. Idempotent: re-registering an
// id overwrites the same entry.
func (d *Dispatcher) RegisterWait(waitingID, agentID, taskID string) {
	if waitingID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits[waitingID] = waitEntry{agentID: agentID, taskID: taskID}
}

// OutstandingWaits returns the number of unresolved waiting correlations.
func (d *Dispatcher) OutstandingWaits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waits)
}

// CancelTask releases every wait scoped to the task with a synthetic
// task-ended reply. Invoked by the synchronizer when a task reaches a
// terminal state.
func (d *Dispatcher) CancelTask(taskID string) {
	d.mu.Lock()
	var release []struct {
		waitingID string
		agentID   string
	}
	for id, entry := range d.waits {
		if entry.taskID == taskID {
			release = append(release, struct {
				waitingID string
				agentID   string
			}{id, entry.agentID})
			delete(d.waits, id)
		}
	}
	d.mu.Unlock()

	for _, r := range release {
		if agent, ok := d.directory.Agent(r.agentID); ok {
			agent.ReleaseWaiting(r.waitingID, &core.Message{
				SenderID:        "system",
				Receivers:       []string{r.agentID},
				TaskID:          taskID,
				StageRelative:   core.NoRelative,
				Content:         TaskEndedContent,
				ReturnWaitingID: r.waitingID,
				Timestamp:       time.Now().UTC(),
			})
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.inbound:
			d.process(msg)
		}
	}
}

func (d *Dispatcher) process(msg *core.Message) {
	if al, ok := d.logger.(*logging.AllenLogger); ok {
		al.LogDispatch(msg.SenderID, msg.Receivers, msg.Waiting)
	}

	// A correlated reply releases the original sender exactly once; a
	// duplicated reply finds no entry and is discarded.
	released := ""
	if msg.ReturnWaitingID != "" {
		d.mu.Lock()
		entry, ok := d.waits[msg.ReturnWaitingID]
		if ok {
			delete(d.waits, msg.ReturnWaitingID)
		}
		d.mu.Unlock()
		if ok {
			if agent, exists := d.directory.Agent(entry.agentID); exists {
				agent.ReleaseWaiting(msg.ReturnWaitingID, msg)
				released = entry.agentID
			}
		} else {
			d.logger.Debug("duplicate or stale reply discarded",
				"return_waiting_id", msg.ReturnWaitingID)
			return
		}
	}

	if len(msg.Receivers) == 0 && released == "" {
		d.deliveryError(msg, "message has zero receivers")
		return
	}

	// Group messages expand into per-receiver deliveries sharing one
	// waiting id; registration happens once here.
	if msg.Waiting && msg.WaitingID != "" {
		d.RegisterWait(msg.WaitingID, msg.SenderID, msg.TaskID)
	}

	delivered := 0
	for _, receiverID := range msg.Receivers {
		if receiverID == released {
			delivered++
			continue // already handed over through the wait release
		}
		agent, ok := d.directory.Agent(receiverID)
		if !ok {
			d.deliveryError(msg, fmt.Sprintf("unknown receiver %q", receiverID))
			continue
		}
		agent.ReceiveMessage(msg)
		delivered++
	}

	// A waiting send none of whose receivers resolved must not park its
	// sender forever.
	if msg.Waiting && msg.WaitingID != "" && delivered == 0 {
		d.mu.Lock()
		_, pending := d.waits[msg.WaitingID]
		delete(d.waits, msg.WaitingID)
		d.mu.Unlock()
		if pending {
			if sender, ok := d.directory.Agent(msg.SenderID); ok {
				sender.ReleaseWaiting(msg.WaitingID, &core.Message{
					SenderID:        "system",
					Receivers:       []string{msg.SenderID},
					TaskID:          msg.TaskID,
					StageRelative:   msg.StageRelative,
					Content:         fmt.Sprintf("%s: no receiver resolved", ErrKindUnknownReceiver),
					ReturnWaitingID: msg.WaitingID,
					Timestamp:       time.Now().UTC(),
				})
			}
		}
	}
}

// deliveryError sends the synthetic error reply back to the sender; neither
// side faults.
func (d *Dispatcher) deliveryError(msg *core.Message, reason string) {
	sender, ok := d.directory.Agent(msg.SenderID)
	if !ok {
		d.logger.Warn("delivery error with unreachable sender",
			"sender_id", msg.SenderID, "reason", reason)
		return
	}
	sender.ReceiveMessage(&core.Message{
		SenderID:      "system",
		Receivers:     []string{msg.SenderID},
		TaskID:        msg.TaskID,
		StageRelative: msg.StageRelative,
		Content:       fmt.Sprintf("%s: %s", ErrKindUnknownReceiver, reason),
		Timestamp:     time.Now().UTC(),
	})
}
