package core

import (
	"sync"
	"sync/atomic"

	"github.com/motern88/allen/internal/textutil"
)

// LLMConfig is an agent's model configuration block, loaded from role config.
type LLMConfig struct {
	// APIType selects the provider: "openai", "ollama" or "anthropic".
	APIType     string   `yaml:"api_type" json:"api_type"`
	BaseURL     string   `yaml:"base_url" json:"base_url"`
	Model       string   `yaml:"model" json:"model"`
	APIKey      string   `yaml:"api_key" json:"-"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64  `yaml:"temperature" json:"temperature"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
	// ContextSize bounds the rolling dialogue context in turns.
	ContextSize int `yaml:"context_size" json:"context_size"`
}

// persistentMemoryLimit bounds each agent's scratchpad; oldest text is
// trimmed from the front when exceeded.
const persistentMemoryLimit = 64 * 1024

// AgentState carries everything that distinguishes one agent from another:
// identity, availability, permissions, memory and the step container. The
// runtime treats agents as interchangeable loops over distinct AgentStates.
//
// Locking: AgentState exposes its lock explicitly. An executor holds the
// lock across its whole run; the dispatcher and the synchronizer acquire it
// briefly to append steps or adjust permissions. Every method below except
// Lock, Unlock and LockHeld assumes the caller holds the lock.
type AgentState struct {
	mu       sync.Mutex
	lockHeld atomic.Bool

	ID      string `json:"agent_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Profile string `json:"profile"`

	workingState WorkingState

	LLMConfig LLMConfig `json:"llm_config"`

	// workingMemory is the task → stage → step-id view of the agent's open
	// involvement. The AgentStep container is canonical; this view exists
	// for prompt assembly and inspection.
	workingMemory map[string]map[string][]string

	persistentMemory string

	Steps *AgentStep `json:"-"`

	tools  []string
	skills []string
}

// NewAgentState constructs an unassigned AgentState with an empty step
// container and the given permission sets.
func NewAgentState(id, name, role, profile string, llm LLMConfig, tools, skills []string) *AgentState {
	return &AgentState{
		ID:            id,
		Name:          name,
		Role:          role,
		Profile:       profile,
		workingState:  WorkingUnassigned,
		LLMConfig:     llm,
		workingMemory: make(map[string]map[string][]string),
		Steps:         NewAgentStep(id),
		tools:         append([]string(nil), tools...),
		skills:        append([]string(nil), skills...),
	}
}

// Lock acquires the agent's state lock.
func (a *AgentState) Lock() {
	a.mu.Lock()
	a.lockHeld.Store(true)
}

// Unlock releases the agent's state lock.
func (a *AgentState) Unlock() {
	a.lockHeld.Store(false)
	a.mu.Unlock()
}

// LockHeld reports whether the state lock is currently held. Serialization
// renders the lock as this held/free status.
func (a *AgentState) LockHeld() bool { return a.lockHeld.Load() }

// WorkingState returns the agent's global availability.
func (a *AgentState) WorkingState() WorkingState { return a.workingState }

// SetWorkingState records the agent's global availability.
func (a *AgentState) SetWorkingState(state WorkingState) { a.workingState = state }

// Tools returns the agent's tool-server permission set in grant order.
func (a *AgentState) Tools() []string { return append([]string(nil), a.tools...) }

// Skills returns the agent's skill permission set in grant order.
func (a *AgentState) Skills() []string { return append([]string(nil), a.skills...) }

// HasTool reports whether the tool server is in the permission set.
func (a *AgentState) HasTool(name string) bool { return contains(a.tools, name) }

// HasSkill reports whether the skill is in the permission set.
func (a *AgentState) HasSkill(name string) bool { return contains(a.skills, name) }

// GrantTools appends tool names absent from the permission set and removes
// the named revocations. Order of surviving grants is preserved.
func (a *AgentState) GrantTools(grant, revoke []string) {
	a.tools = applyPermission(a.tools, grant, revoke)
}

// GrantSkills appends skill names absent from the permission set and removes
// the named revocations.
func (a *AgentState) GrantSkills(grant, revoke []string) {
	a.skills = applyPermission(a.skills, grant, revoke)
}

// PersistentMemory returns the agent's scratchpad text.
func (a *AgentState) PersistentMemory() string { return a.persistentMemory }

// AppendPersistentMemory appends a self-authored fragment to the scratchpad.
// Heading lines of depth 1 or 2 are dropped silently; the scratchpad is
// trimmed from the front when it exceeds its bound. Duplicate fragments are
// appended verbatim, no dedup.
func (a *AgentState) AppendPersistentMemory(fragment string) {
	clean := textutil.SanitizeMemory(fragment)
	if clean == "" {
		return
	}
	if a.persistentMemory != "" {
		a.persistentMemory += "\n"
	}
	a.persistentMemory += clean
	if over := len(a.persistentMemory) - persistentMemoryLimit; over > 0 {
		a.persistentMemory = a.persistentMemory[over:]
	}
}

// RecordInvolvement adds a step id to the working-memory view.
func (a *AgentState) RecordInvolvement(taskID, stageID, stepID string) {
	stages, ok := a.workingMemory[taskID]
	if !ok {
		stages = make(map[string][]string)
		a.workingMemory[taskID] = stages
	}
	if stageID == "" {
		return
	}
	if _, ok := stages[stageID]; !ok {
		stages[stageID] = []string{}
	}
	if stepID != "" {
		stages[stageID] = append(stages[stageID], stepID)
	}
}

// ClearStage drops one stage from the working-memory view.
func (a *AgentState) ClearStage(taskID, stageID string) {
	if stages, ok := a.workingMemory[taskID]; ok {
		delete(stages, stageID)
	}
}

// ClearTask drops a whole task from the working-memory view.
func (a *AgentState) ClearTask(taskID string) {
	delete(a.workingMemory, taskID)
}

// WorkingMemory returns a deep copy of the task → stage → step-id view.
func (a *AgentState) WorkingMemory() map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(a.workingMemory))
	for taskID, stages := range a.workingMemory {
		cp := make(map[string][]string, len(stages))
		for stageID, steps := range stages {
			cp[stageID] = append([]string(nil), steps...)
		}
		out[taskID] = cp
	}
	return out
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

func applyPermission(set, grant, revoke []string) []string {
	for _, g := range grant {
		if !contains(set, g) {
			set = append(set, g)
		}
	}
	if len(revoke) == 0 {
		return set
	}
	kept := set[:0]
	for _, s := range set {
		if !contains(revoke, s) {
			kept = append(kept, s)
		}
	}
	return kept
}
