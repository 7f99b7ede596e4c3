package temporal

import (
	"errors"

	"go.temporal.io/api/serviceerror"

	"agentos.dev/kernel/kernel/engine"
)

// mapSignalError translates Temporal service errors raised by SignalWorkflow
// into the engine's backend-agnostic sentinel errors, so callers (notably
// kernel/interrupt) can classify a failed control-channel signal without
// importing the Temporal SDK.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	var failedPrecondition *serviceerror.FailedPrecondition
	if errors.As(err, &failedPrecondition) {
		return engine.ErrWorkflowCompleted
	}
	return err
}
