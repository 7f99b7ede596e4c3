// Package kernelerr provides the kernel's structured error taxonomy. Every
// error that can become a journal record or a typed result to a caller is
// constructed through this package rather than bare errors.New/fmt.Errorf,
// so journal encoders can tag failures by stable Code instead of matching on
// message text.
package kernelerr

// Code identifies one error kind from the kernel's fixed taxonomy. Codes are
// stable identifiers: renaming one breaks any journal record or replay trace
// that references it by name.
type Code string

const (
	// Input validation.
	SchemaMismatch       Code = "SchemaMismatch"
	NotCanonical         Code = "NotCanonical"
	UnknownSchema        Code = "UnknownSchema"
	RoutingIncompatible  Code = "RoutingIncompatible"
	KeyCoherence         Code = "KeyCoherence"
	InvalidManifest      Code = "InvalidManifest"

	// Capability/policy.
	CapTypeMismatch     Code = "CapTypeMismatch"
	CapExpired          Code = "CapExpired"
	CapConstraintFailed Code = "CapConstraintFailed"
	PolicyDenied        Code = "PolicyDenied"
	BudgetInsufficient  Code = "BudgetInsufficient"

	// Receipt/ledger.
	ReceiptSchemaMismatch  Code = "ReceiptSchemaMismatch"
	ReceiptForUnknownIntent Code = "ReceiptForUnknownIntent"
	UsageExceedsReserve    Code = "UsageExceedsReserve"
	DuplicateReceipt       Code = "DuplicateReceipt"

	// Plan/reducer.
	ReducerFailure                       Code = "ReducerFailure"
	PlanExpressionError                  Code = "PlanExpressionError"
	PlanInputSchemaMismatch              Code = "PlanInputSchemaMismatch"
	AwaitEventWithoutCorrelationPredicate Code = "AwaitEventWithoutCorrelationPredicate"
	InvariantViolation                   Code = "InvariantViolation"

	// Governance.
	PatchBaseMismatch      Code = "PatchBaseMismatch"
	NotQuiescent           Code = "NotQuiescent"
	ApprovalPendingRequired Code = "ApprovalPendingRequired"
	IdempotencyCollision   Code = "IdempotencyCollision"

	// Snapshot/replay. ReplayDivergence, RootCompletenessViolation and
	// BaselineRegression are fatal for the affected world (see Fatal);
	// ReceiptHorizonViolation is returned to the caller like any other error.
	ReceiptHorizonViolation Code = "ReceiptHorizonViolation"
	RootCompletenessViolation Code = "RootCompletenessViolation"
	ReplayDivergence        Code = "ReplayDivergence"
	BaselineRegression      Code = "BaselineRegression"

	// Operational.
	BackendUnavailable Code = "BackendUnavailable"
)

// Fatal reports whether an error of this code is determinism-breaking and
// must halt the stepper for the affected world rather than be surfaced as a
// recoverable, caller-visible failure.
func (c Code) Fatal() bool {
	switch c {
	case ReplayDivergence, RootCompletenessViolation, BaselineRegression:
		return true
	default:
		return false
	}
}
