package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
)

// recordingAgent captures deliveries and releases.
type recordingAgent struct {
	id string

	mu       sync.Mutex
	received []*core.Message
	releases []*core.Message
}

func (a *recordingAgent) ID() string { return a.id }

func (a *recordingAgent) ReceiveMessage(msg *core.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, msg)
}

func (a *recordingAgent) ReleaseWaiting(waitingID string, reply *core.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases = append(a.releases, reply)
}

func (a *recordingAgent) messages() []*core.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*core.Message(nil), a.received...)
}

func (a *recordingAgent) released() []*core.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*core.Message(nil), a.releases...)
}

type mapDirectory struct {
	agents map[string]*recordingAgent
}

func (d *mapDirectory) Agent(id string) (Agent, bool) {
	a, ok := d.agents[id]
	return a, ok
}

func newFixture(ids ...string) (*Dispatcher, map[string]*recordingAgent) {
	agents := map[string]*recordingAgent{}
	for _, id := range ids {
		agents[id] = &recordingAgent{id: id}
	}
	d := New(&mapDirectory{agents: agents}, logging.NoOpLogger{})
	d.Start()
	return d, agents
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestDeliverToReceivers(t *testing.T) {
	d, agents := newFixture("a", "b")
	defer d.Stop()

	d.Dispatch(&core.Message{SenderID: "a", Receivers: []string{"b"}, TaskID: "t1", Content: "hi"})

	eventually(t, func() bool { return len(agents["b"].messages()) == 1 })
	assert.Equal(t, "hi", agents["b"].messages()[0].Content)
	assert.Empty(t, agents["a"].messages())
}

func TestPerPairFIFO(t *testing.T) {
	d, agents := newFixture("a", "b")
	defer d.Stop()

	for i := 0; i < 20; i++ {
		d.Dispatch(&core.Message{SenderID: "a", Receivers: []string{"b"},
			Content: string(rune('a' + i))})
	}

	eventually(t, func() bool { return len(agents["b"].messages()) == 20 })
	msgs := agents["b"].messages()
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].Content, msgs[i].Content)
	}
}

func TestWaitingReplyReleasesExactlyOnce(t *testing.T) {
	d, agents := newFixture("manager", "writer")
	defer d.Stop()

	d.Dispatch(&core.Message{
		SenderID: "manager", Receivers: []string{"writer"}, TaskID: "t1",
		Content: "what should I write?", NeedReply: true, Waiting: true, WaitingID: "w1",
	})
	eventually(t, func() bool { return len(agents["writer"].messages()) == 1 })
	assert.Equal(t, 1, d.OutstandingWaits())

	reply := &core.Message{
		SenderID: "writer", Receivers: []string{"manager"}, TaskID: "t1",
		Content: "a haiku", ReturnWaitingID: "w1",
	}
	d.Dispatch(reply)
	eventually(t, func() bool { return len(agents["manager"].released()) == 1 })
	assert.Equal(t, "a haiku", agents["manager"].released()[0].Content)
	assert.Equal(t, 0, d.OutstandingWaits())
	// The release carries the reply; no duplicate plain delivery happens.
	assert.Empty(t, agents["manager"].messages())

	// A duplicated reply is discarded.
	d.Dispatch(reply)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, agents["manager"].released(), 1)
}

func TestGroupMessageSharesOneWaitingID(t *testing.T) {
	d, agents := newFixture("manager", "a", "b")
	defer d.Stop()

	d.Dispatch(&core.Message{
		SenderID: "manager", Receivers: []string{"a", "b"}, TaskID: "t1",
		Content: "status?", NeedReply: true, Waiting: true, WaitingID: "w-group",
	})
	eventually(t, func() bool {
		return len(agents["a"].messages()) == 1 && len(agents["b"].messages()) == 1
	})
	assert.Equal(t, 1, d.OutstandingWaits())

	// First reply releases; the second is discarded.
	d.Dispatch(&core.Message{SenderID: "a", Receivers: []string{"manager"}, ReturnWaitingID: "w-group"})
	d.Dispatch(&core.Message{SenderID: "b", Receivers: []string{"manager"}, ReturnWaitingID: "w-group"})

	eventually(t, func() bool { return len(agents["manager"].released()) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, agents["manager"].released(), 1)
}

func TestUnknownReceiverErrorReply(t *testing.T) {
	d, agents := newFixture("a")
	defer d.Stop()

	d.Dispatch(&core.Message{SenderID: "a", Receivers: []string{"ghost"}, Content: "hi"})

	eventually(t, func() bool { return len(agents["a"].messages()) == 1 })
	assert.True(t, strings.HasPrefix(agents["a"].messages()[0].Content, ErrKindUnknownReceiver))
}

func TestZeroReceiversRejected(t *testing.T) {
	d, agents := newFixture("a")
	defer d.Stop()

	d.Dispatch(&core.Message{SenderID: "a", Receivers: nil, Content: "to nobody"})

	eventually(t, func() bool { return len(agents["a"].messages()) == 1 })
	assert.Contains(t, agents["a"].messages()[0].Content, ErrKindUnknownReceiver)
}

func TestWaitingToUnknownReceiverReleasesSender(t *testing.T) {
	d, agents := newFixture("a")
	defer d.Stop()

	d.RegisterWait("w1", "a", "t1")
	d.Dispatch(&core.Message{
		SenderID: "a", Receivers: []string{"ghost"}, TaskID: "t1",
		Waiting: true, WaitingID: "w1",
	})

	eventually(t, func() bool { return len(agents["a"].released()) == 1 })
	assert.Equal(t, 0, d.OutstandingWaits())
}

func TestCancelTaskReleasesScopedWaits(t *testing.T) {
	d, agents := newFixture("a", "b")
	defer d.Stop()

	d.RegisterWait("w1", "a", "t1")
	d.RegisterWait("w2", "b", "t2")

	d.CancelTask("t1")

	eventually(t, func() bool { return len(agents["a"].released()) == 1 })
	assert.Equal(t, TaskEndedContent, agents["a"].released()[0].Content)
	assert.Empty(t, agents["b"].released())
	assert.Equal(t, 1, d.OutstandingWaits())
}

func TestDispatchAfterStopDropped(t *testing.T) {
	d, agents := newFixture("a", "b")
	d.Stop()

	d.Dispatch(&core.Message{SenderID: "a", Receivers: []string{"b"}, Content: "late"})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, agents["b"].messages())
}

func TestReplyWithAdditionalReceivers(t *testing.T) {
	d, agents := newFixture("manager", "writer", "observer")
	defer d.Stop()

	d.RegisterWait("w1", "manager", "t1")
	d.Dispatch(&core.Message{
		SenderID: "writer", Receivers: []string{"manager", "observer"},
		Content: "done", ReturnWaitingID: "w1",
	})

	eventually(t, func() bool {
		return len(agents["manager"].released()) == 1 && len(agents["observer"].messages()) == 1
	})
	// The waiting sender is handed the reply through the release only.
	assert.Empty(t, agents["manager"].messages())
}
