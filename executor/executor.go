// Package executor defines the contract between the agent loop and the
// skill/tool implementations: the registry that maps a step's (type, name)
// pair to a factory, the router that resolves it, and the base helpers every
// executor builds on (prompt assembly, delimited-block parsing, result
// emission).
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
	"github.com/motern88/allen/model"
)

// Error kinds recorded into step results. Executors never raise past their
// boundary; these kinds classify the materialized failures.
const (
	ErrKindUnknownExecutor = "router/unknown-executor"
	ErrKindParse           = "executor/parse"
	ErrKindLLMTimeout      = "executor/llm-timeout"
	ErrKindLLMTransport    = "executor/llm-transport"
)

// ErrUnknownExecutor is returned by Route for unregistered (type, name)
// pairs; the caller marks the step failed.
var ErrUnknownExecutor = errors.New(ErrKindUnknownExecutor)

// Invocation carries the per-step inputs: the step (already owned by the
// agent) and the agent's live state, mutable under the agent's lock which
// the loop holds across the whole call. LLM and Dialog are nil for human
// agents.
type Invocation struct {
	Step   *core.Step
	State  *core.AgentState
	LLM    model.Client
	Dialog *model.Context
}

// ToolInvoker is the slice of the tool client executors call through. The
// concrete multiplexer lives in the tool package.
type ToolInvoker interface {
	Describe(ctx context.Context, server string) (string, error)
	Invoke(ctx context.Context, server, capability string, args map[string]any) (string, error)
}

// TaskView is the read-only window onto shared task state used for prompt
// assembly. The synchronizer implements it.
type TaskView interface {
	TaskSnapshot(taskID string) (core.TaskSnapshot, bool)
	SharedContext(taskID string, limit int) []core.SharedMessage
}

// Env is the system-wide wiring injected into executor factories at startup.
type Env struct {
	// SystemPrompt is the global MAS prompt prepended to every skill call.
	SystemPrompt string
	// Skills holds the loaded skill specs (prompt + return format).
	Skills map[string]*config.SkillConfig
	// ToolGuides holds the tool-server use guides for permission summaries.
	ToolGuides map[string]*config.ToolServerConfig
	// Tools is the tool-client multiplexer, nil when no servers configured.
	Tools ToolInvoker
	// Tasks is the read-only task view.
	Tasks  TaskView
	Logger logging.Logger
}

// Executor is the implementation behind one step (type, name) pair.
//
// Every Execute call must: transition the step to running at entry; on exit
// set it finished or failed with a populated result, or leave it awaiting
// with no result when it parks for a correlated reply; append any
// self-authored persistent-memory fragment to the agent state; and populate
// the output's stage-agent update and shared-log summary. It must not raise
// past its boundary — all failures are materialized into the step.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation) *core.ExecuteOutput
}

// Factory builds a ready executor bound to the system environment.
type Factory func(env *Env) Executor

type registryKey struct {
	stepType core.StepType
	name     string
}

// Registry maps (executor_type, executor_name) pairs to factories. It is
// populated at startup by each implementation declaring itself and frozen
// before the first agent runs; lookup is a plain map read, lock-free on the
// hot path.
type Registry struct {
	factories map[registryKey]Factory
	frozen    bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// Register declares an executor implementation. Registering after Freeze or
// re-registering a pair panics: both indicate programmer error at startup.
func (r *Registry) Register(stepType core.StepType, name string, factory Factory) {
	if r.frozen {
		panic(fmt.Sprintf("executor: register %s/%s after freeze", stepType, name))
	}
	key := registryKey{stepType: stepType, name: name}
	if _, dup := r.factories[key]; dup {
		panic(fmt.Sprintf("executor: duplicate registration %s/%s", stepType, name))
	}
	r.factories[key] = factory
}

// Freeze marks the registry immutable.
func (r *Registry) Freeze() { r.frozen = true }

// Names returns the registered executor names for the given type.
func (r *Registry) Names(stepType core.StepType) []string {
	var out []string
	for key := range r.factories {
		if key.stepType == stepType {
			out = append(out, key.name)
		}
	}
	return out
}

// Router resolves a step to a ready executor.
type Router struct {
	registry *Registry
	env      *Env
}

// NewRouter binds a frozen registry to the system environment.
func NewRouter(registry *Registry, env *Env) *Router {
	registry.Freeze()
	return &Router{registry: registry, env: env}
}

// Route returns a ready executor for the step's (type, name) pair, or
// ErrUnknownExecutor.
func (r *Router) Route(stepType core.StepType, name string) (Executor, error) {
	factory, ok := r.registry.factories[registryKey{stepType: stepType, name: name}]
	if !ok {
		return nil, fmt.Errorf("%w: type=%s name=%s", ErrUnknownExecutor, stepType, name)
	}
	return factory(r.env), nil
}

// Env returns the environment the router binds executors to.
func (r *Router) Env() *Env { return r.env }
