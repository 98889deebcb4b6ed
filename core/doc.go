// Package core defines the shared state entities of the Allen runtime: the
// Task → Stage → Step hierarchy, per-agent state, the inter-agent Message
// format and the ExecuteOutput contract that executors hand to the state
// synchronizer. Entities here are data carriers plus their lifecycle
// primitives; cross-entity mutation is the synchronizer's job and message
// routing is the dispatcher's — nothing in this package reaches across
// ownership boundaries.
//
// Ownership: the System owns the registries of Tasks and AgentStates; an
// AgentState exclusively owns its AgentStep container; a Task exclusively
// owns its Stage list and shared message log. Agents reference each other
// only by id.
package core
