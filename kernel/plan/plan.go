// Package plan implements the plan execution engine (§4.5): the step
// interpreter that walks a DefPlan's static step graph for one running
// instance, suspending at emit_effect/await_receipt/await_event/await_plan
// boundaries and resuming when the world delivers a matching receipt, event,
// or child outcome. It is grounded on runtime/agent/run's Pending -> Running
// -> Paused -> Completed/Failed/Canceled lifecycle, driven here by
// kernel/engine (in-memory by default) instead of goa-ai's turn loop.
package plan

import (
	"agentos.dev/kernel/kernel/schema"
)

// Status is a plan instance's coarse lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// OutcomeKind classifies how a plan instance reached a terminal state.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCanceled  OutcomeKind = "canceled"
)

// Outcome is the terminal result of one plan instance, recorded in its
// PlanEnd journal record and returned to any await_plan/await_plans_all
// waiters.
type Outcome struct {
	Kind   OutcomeKind
	Output any // present when Kind == OutcomeCompleted
	Reason string
}

// Instance is the durable-adjacent view of one running or finished plan
// instance. It never itself is the source of truth for replay (the journal
// is); it is the live, in-memory projection the interpreter mutates and the
// world reads for QueryState.
type Instance struct {
	ID             string
	Plan           schema.Name
	ParentID       string // empty for a top-level, trigger-started instance
	CorrelationKey string
	Status         Status
	PC             string // current step id
	Scope          map[string]any
	Outcome        *Outcome
}

// StartRequest describes one new plan instance, whether created by a
// trigger match (world) or a spawn_plan/spawn_for_each step (interpreter).
type StartRequest struct {
	InstanceID     string
	Plan           schema.Name
	ParentID       string
	CorrelationKey string
	Input          any
}

// ResumeRequest reconstructs an in-flight instance from its last journaled
// PlanStep, as produced by kernel/snapshot's baseline+tail replay (§4.8). No
// interpreter code runs for the steps already recorded; the instance is
// simply dropped back in at PC with Scope restored, and only proceeds
// forward once the world resumes driving it (e.g. a receipt/event arrives,
// or the next DrainAndExecute call reaches it).
type ResumeRequest struct {
	InstanceID     string
	Plan           schema.Name
	ParentID       string
	CorrelationKey string
	PC             string
	Scope          map[string]any
}
