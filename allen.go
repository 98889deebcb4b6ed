// Package allen provides the system container over the agent execution
// runtime: it owns the agent registry, the state synchronizer, the message
// dispatcher and the tool-client multiplexer, wires startup from role
// configuration and submits the first task. Most applications interact with
// this package by:
//  1. Loading configuration (config.LoadSystem, config.LoadRoleDir, ...)
//  2. Creating a System via New()
//  3. Calling Start(), SubmitTask(), and eventually Shutdown()
//
// The dashboard surface (monitor package) and the offline snapshot hooks
// (store package) attach to the accessors the System exposes.
package allen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/motern88/allen/agent"
	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/dispatch"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/model"
	"github.com/motern88/allen/model/anthropic"
	"github.com/motern88/allen/model/ollama"
	"github.com/motern88/allen/model/openai"
	"github.com/motern88/allen/skill"
	"github.com/motern88/allen/store"
	"github.com/motern88/allen/syncstate"
	"github.com/motern88/allen/tool"
)

// DefaultSystemPrompt is the global MAS preamble prepended to every skill
// call.
const DefaultSystemPrompt = `You are an agent inside Allen, a multi-agent system in which ` +
	`autonomous agents collaborate on user-submitted tasks. Tasks split into ordered stages; ` +
	`each stage allocates agents to goals, and you act by executing steps one at a time. ` +
	`Follow the requested return format exactly. You may record durable notes inside ` +
	`<persistent_memory></persistent_memory> using markdown headings of depth three or deeper.`

// ModelFactory builds a model client for one role. Overridable for tests.
type ModelFactory func(role *config.RoleConfig) (model.Client, error)

// Options configures a System.
type Options struct {
	System     *config.System
	Roles      map[string]*config.RoleConfig
	Skills     map[string]*config.SkillConfig
	ToolServer map[string]*config.ToolServerConfig
	DefaultLLM core.LLMConfig

	SystemPrompt string
	Models       ModelFactory
	Logger       logging.Logger
}

// System is the container owning every runtime component.
type System struct {
	opts   Options
	logger logging.Logger

	mu     sync.RWMutex
	agents map[string]agent.Agent
	byName map[string]string // agent name -> id

	syncState  *syncstate.SyncState
	dispatcher *dispatch.Dispatcher
	toolClient *tool.Client
	router     *executor.Router

	managerID string

	started bool
	loopWG  sync.WaitGroup

	snapshots *store.Store
}

// New wires a System from loaded configuration. The role set must include
// "manager"; it becomes the initial task manager.
func New(opts Options) (*System, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.System == nil {
		opts.System = &config.System{StrictStageFailure: true, ToolTimeout: 30 * time.Second}
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.Models == nil {
		opts.Models = defaultModelFactory
	}
	if _, ok := opts.Roles["manager"]; !ok {
		return nil, fmt.Errorf("allen: config/missing-manager: role %q is required", "manager")
	}

	s := &System{
		opts:   opts,
		logger: opts.Logger,
		agents: make(map[string]agent.Agent),
		byName: make(map[string]string),
	}

	if len(opts.ToolServer) > 0 {
		s.toolClient = tool.NewClient(opts.ToolServer, opts.System.ToolTimeout, opts.Logger)
	}

	s.syncState = syncstate.New(syncstate.Options{
		SharedLogRetention: opts.System.SharedLogRetention,
		StrictStageFailure: opts.System.StrictStageFailure,
		Skills:             opts.Skills,
		ToolGuides:         opts.ToolServer,
		Roles:              opts.Roles,
		Logger:             opts.Logger,
	})
	s.dispatcher = dispatch.New(s, opts.Logger)
	s.syncState.Attach(s, s.dispatcher)

	registry := executor.NewRegistry()
	skill.RegisterAll(registry)
	serverNames := make([]string, 0, len(opts.ToolServer))
	for name := range opts.ToolServer {
		serverNames = append(serverNames, name)
	}
	tool.Register(registry, serverNames)

	env := &executor.Env{
		SystemPrompt: opts.SystemPrompt,
		Skills:       opts.Skills,
		ToolGuides:   opts.ToolServer,
		Tasks:        s.syncState,
		Logger:       opts.Logger,
	}
	if s.toolClient != nil {
		env.Tools = s.toolClient
	}
	s.router = executor.NewRouter(registry, env)

	for name, role := range opts.Roles {
		if _, err := s.instantiateRole(role); err != nil {
			return nil, fmt.Errorf("allen: instantiate role %s: %w", name, err)
		}
	}

	if opts.System.StorePath != "" {
		snapshots, err := store.Open(opts.System.StorePath)
		if err != nil {
			return nil, err
		}
		s.snapshots = snapshots
	}

	return s, nil
}

func defaultModelFactory(role *config.RoleConfig) (model.Client, error) {
	switch role.LLM.APIType {
	case "openai":
		return openai.New(role.LLM), nil
	case "ollama":
		return ollama.New(role.LLM), nil
	case "anthropic":
		return anthropic.New(role.LLM), nil
	default:
		return nil, fmt.Errorf("config/unknown-api-type: %q", role.LLM.APIType)
	}
}

func (s *System) instantiateRole(role *config.RoleConfig) (agent.Agent, error) {
	if role.IsHuman() {
		id := role.Human.AgentID
		if id == "" {
			id = core.NewID()
			if err := config.PersistHumanAgentID(role, id); err != nil {
				s.logger.Warn("could not persist human agent id",
					"role", role.Name, "error", err.Error())
			}
		}
		state := core.NewAgentState(id, role.Name, role.Role, role.Profile,
			role.LLM, role.Tools, role.Skills)
		human := agent.NewHuman(state, role.Human.Password, role.Human.Level, s.syncState, s.logger)
		s.registerAgent(human)
		return human, nil
	}

	client, err := s.opts.Models(role)
	if err != nil {
		return nil, err
	}
	state := core.NewAgentState(core.NewID(), role.Name, role.Role, role.Profile,
		role.LLM, role.Tools, role.Skills)
	llm := agent.NewLLM(state, client, s.router, s.syncState, s.logger)
	s.registerAgent(llm)

	if role.Name == "manager" {
		s.managerID = state.ID
	}
	return llm, nil
}

func (s *System) registerAgent(a agent.Agent) {
	s.mu.Lock()
	s.agents[a.ID()] = a
	s.byName[a.State().Name] = a.ID()
	started := s.started
	s.mu.Unlock()

	s.connectAgentTools(a)
	if started {
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			a.RunLoop()
		}()
	}
}

// connectAgentTools eagerly opens the sessions an agent's permission set
// references; failures leave the persistent unavailable mark.
func (s *System) connectAgentTools(a agent.Agent) {
	if s.toolClient == nil {
		return
	}
	state := a.State()
	state.Lock()
	tools := state.Tools()
	state.Unlock()
	for _, server := range tools {
		if err := s.toolClient.Connect(context.Background(), server); err != nil {
			s.logger.Warn("tool server unavailable", "server", server, "error", err.Error())
		}
	}
}

// Start launches the dispatcher and every agent loop.
func (s *System) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	agents := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	s.dispatcher.Start()
	for _, a := range agents {
		a := a
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			a.RunLoop()
		}()
	}
	s.logger.Info("system started", "agents", len(agents))
}

// Shutdown stops agents first, then the dispatcher, then the tool client,
// persisting snapshots when a store is attached.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	agents := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	for _, a := range agents {
		a.Shutdown()
	}
	drained := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("agent loops did not drain before deadline")
	}

	s.dispatcher.Stop()

	var err error
	if s.toolClient != nil {
		err = s.toolClient.Close()
	}
	if s.snapshots != nil {
		if saveErr := s.SaveSnapshot(); saveErr != nil && err == nil {
			err = saveErr
		}
		if closeErr := s.snapshots.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	s.logger.Info("system stopped")
	return err
}

// SubmitTask registers a new task under the initial manager and returns once
// the synchronizer accepted it; execution proceeds asynchronously.
func (s *System) SubmitTask(name, intention string) {
	s.syncState.Sync(&core.ExecuteOutput{AddTask: &core.TaskSpec{
		Name:      name,
		Intention: intention,
		ManagerID: s.managerID,
	}})
}

// ManagerID returns the initial task manager's agent id.
func (s *System) ManagerID() string { return s.managerID }

// SyncState exposes the synchronizer for read access and tests.
func (s *System) SyncState() *syncstate.SyncState { return s.syncState }

// AgentByName resolves an agent by its configured name.
func (s *System) AgentByName(name string) (agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	a, ok := s.agents[id]
	return a, ok
}

// SaveSnapshot persists every task and agent snapshot to the attached
// store. It is the offline-save hook; restoring live state is future work.
func (s *System) SaveSnapshot() error {
	if s.snapshots == nil {
		return fmt.Errorf("allen: no snapshot store attached")
	}
	for _, t := range s.syncState.Tasks() {
		if err := s.snapshots.SaveTask(t.Snapshot()); err != nil {
			return err
		}
	}
	for _, snap := range s.AgentSnapshots() {
		if err := s.snapshots.SaveAgent(snap); err != nil {
			return err
		}
	}
	return nil
}

// --- syncstate.AgentDirectory ---

// AgentState implements syncstate.AgentDirectory.
func (s *System) AgentState(agentID string) (*core.AgentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.State(), true
}

// EnqueueStep implements syncstate.AgentDirectory: the step is appended
// under the agent's lock and the involvement view updated.
func (s *System) EnqueueStep(agentID string, step *core.Step) bool {
	s.mu.RLock()
	a, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	state := a.State()
	state.Lock()
	if state.WorkingState() == core.WorkingUnassigned {
		state.SetWorkingState(core.WorkingIdle)
	}
	state.Steps.AddStep(step)
	state.RecordInvolvement(step.TaskID, step.StageID, step.ID)
	state.Unlock()
	return true
}

// SpawnAgent implements syncstate.AgentDirectory: dynamic agents reuse a
// predefined role config when the name matches, otherwise the default LLM
// config carries them.
func (s *System) SpawnAgent(spec *core.AgentSpec) (string, error) {
	role, ok := s.opts.Roles[spec.Name]
	if !ok {
		role = &config.RoleConfig{
			Name:    spec.Name,
			Role:    spec.Role,
			Profile: spec.Profile,
			Skills:  spec.Skills,
			Tools:   spec.Tools,
			LLM:     s.opts.DefaultLLM,
		}
	}
	a, err := s.instantiateRole(role)
	if err != nil {
		return "", err
	}
	return a.ID(), nil
}

// --- dispatch.Directory ---

// Agent implements dispatch.Directory.
func (s *System) Agent(id string) (dispatch.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return a, true
}

// --- monitor.SystemView ---

// TaskSnapshots implements monitor.SystemView.
func (s *System) TaskSnapshots() []core.TaskSnapshot {
	tasks := s.syncState.Tasks()
	out := make([]core.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// StageSnapshots implements monitor.SystemView.
func (s *System) StageSnapshots() []core.StageSnapshot {
	var out []core.StageSnapshot
	for _, t := range s.syncState.Tasks() {
		for _, stage := range t.Stages() {
			out = append(out, stage.Snapshot())
		}
	}
	return out
}

// AgentSnapshots implements monitor.SystemView and
// syncstate.AgentDirectory.
func (s *System) AgentSnapshots() []core.AgentSnapshot {
	s.mu.RLock()
	agents := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.RUnlock()

	out := make([]core.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	return out
}

// StepSnapshots implements monitor.SystemView.
func (s *System) StepSnapshots() []core.StepSnapshot {
	s.mu.RLock()
	agents := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.RUnlock()

	var out []core.StepSnapshot
	for _, a := range agents {
		for _, step := range a.State().Steps.All() {
			out = append(out, step.Snapshot())
		}
	}
	return out
}

// Snapshot implements monitor.SystemView: one id resolved across all state
// kinds.
func (s *System) Snapshot(id string) (any, bool) {
	if t, ok := s.syncState.Task(id); ok {
		return t.Snapshot(), true
	}
	for _, t := range s.syncState.Tasks() {
		if stage := t.Stage(id); stage != nil {
			return stage.Snapshot(), true
		}
	}

	s.mu.RLock()
	a, ok := s.agents[id]
	s.mu.RUnlock()
	if ok {
		return a.Snapshot(), true
	}

	for _, snap := range s.StepSnapshots() {
		if snap.ID == id {
			return snap, true
		}
	}
	return nil, false
}

// --- monitor.HumanGateway ---

func (s *System) human(agentID string) (*agent.HumanAgent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, false
	}
	h, ok := a.(*agent.HumanAgent)
	return h, ok
}

// BindHuman implements monitor.HumanGateway.
func (s *System) BindHuman(agentID, password string) (string, bool) {
	h, ok := s.human(agentID)
	if !ok {
		return "", false
	}
	return h.Bind(password)
}

// SendHumanMessage implements monitor.HumanGateway.
func (s *System) SendHumanMessage(agentID, taskID string, receivers []string, content, stageRelative string, needReply, waiting bool, returnWaitingID string) error {
	h, ok := s.human(agentID)
	if !ok {
		return fmt.Errorf("unknown human agent %q", agentID)
	}
	if len(receivers) == 1 {
		h.SendPrivate(taskID, receivers[0], content, stageRelative, needReply, waiting, returnWaitingID)
		return nil
	}
	h.SendGroup(taskID, receivers, content, stageRelative, needReply, waiting, returnWaitingID)
	return nil
}

// HumanConversations implements monitor.HumanGateway.
func (s *System) HumanConversations(agentID string) (map[string][]*core.Message, bool) {
	h, ok := s.human(agentID)
	if !ok {
		return nil, false
	}
	return h.Conversations(), true
}
