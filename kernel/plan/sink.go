package plan

import (
	"context"

	"agentos.dev/kernel/kernel/authorize"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

// Sink is everything the interpreter needs from the world to cross a step
// boundary: authorizing and journaling effects, raising domain events,
// registering waiters for receipts/events it cannot resolve itself, and
// recording the plan-lifecycle journal records (§4.7). The interpreter never
// touches kernel/journal, kernel/authorize, or kernel/router directly so
// that every journal append funnels through the world's single serialization
// point (journalMu).
type Sink interface {
	// EmitEffect authorizes and journals one effect invocation originating
	// from a plan instance. It returns immediately once the intent is
	// decided and journaled (denied invocations are not an error: Allowed
	// reports the verdict so emit_effect can bind it to scope).
	EmitEffect(ctx context.Context, instanceID string, cand authorize.Candidate) (authorize.Decision, error)

	// RaiseEvent journals and dispatches a plan-originated domain event.
	RaiseEvent(ctx context.Context, eventFamily schema.Name, value any) error

	// AwaitReceipt registers instanceID as waiting on the receipt for
	// intentHash, returning a channel signaled with the settled receipt
	// value (already decoded per the effect's receipt_schema) once it
	// arrives. The channel is closed-over exactly once.
	AwaitReceipt(instanceID string, intentHash schema.Hash) <-chan ReceiptResult

	// AwaitEvent registers instanceID as waiting on the next event of
	// eventFamily matching predicate (evaluated against scope merged with
	// the candidate event under the "event" key), returning a channel
	// signaled with the first match.
	AwaitEvent(instanceID string, eventFamily schema.Name, predicate expr.Expr, scope map[string]any) <-chan any

	// CancelWaits releases any receipt/event waiters still registered for
	// instanceID, called when the instance reaches a terminal state.
	CancelWaits(instanceID string)

	// RecordPlanStart/RecordPlanStep/RecordPlanEnd append the corresponding
	// journal records (§4.7). RecordPlanStep's bindings are stored
	// content-addressed and referenced from the record by hash.
	RecordPlanStart(ctx context.Context, req StartRequest) error
	RecordPlanStep(ctx context.Context, instanceID, stepID string, scope map[string]any) error
	RecordPlanEnd(ctx context.Context, instanceID string, outcome Outcome) error

	// Now returns the world's current (nowNs, logicalNowNs) ingress stamp,
	// the only time source a plan step may observe (no wall-clock reads).
	Now() (nowNs uint64, logicalNowNs uint64)
}

// ReceiptResult is what an AwaitReceipt waiter is signaled with: the settled
// receipt value, or a denial/violation reason in place of a value.
type ReceiptResult struct {
	Receipt   any
	Violation string
}
