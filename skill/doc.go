// Package skill implements the LLM-driven step executors. Each skill drives
// one model call through the shared prompt assembly convention, parses the
// delimited block its return format specifies, and materializes the outcome
// into the step plus an ExecuteOutput for the synchronizer. Parse failures,
// model timeouts and transport errors fail the step; they never propagate.
//
// RegisterAll declares every skill in the registry; individual agents only
// see the subset their skill permission set grants.
package skill
