// Package interrupt provides control-channel signal handling for pausing,
// resuming, and canceling plan instances. It exposes a Controller that the
// plan engine's workflow function polls/waits on to react to external
// control messages a world.World forwards from SubmitControl.
package interrupt

import (
	"context"
	"errors"

	"agentos.dev/kernel/kernel/engine"
)

const (
	// SignalPause is the workflow signal name used to pause a plan instance.
	SignalPause = "agentos.kernel.pause"
	// SignalResume is the workflow signal name used to resume a paused plan instance.
	SignalResume = "agentos.kernel.resume"
	// SignalCancel is the workflow signal name used to cancel a plan instance.
	SignalCancel = "agentos.kernel.cancel"
)

type (
	// PauseRequest carries metadata attached to a pause signal.
	PauseRequest struct {
		PlanID      string
		Reason      string
		RequestedBy string
		Labels      map[string]string
	}

	// ResumeRequest carries metadata attached to a resume signal.
	ResumeRequest struct {
		PlanID      string
		Notes       string
		RequestedBy string
		Labels      map[string]string
	}

	// CancelRequest carries metadata attached to a cancel signal.
	CancelRequest struct {
		PlanID      string
		Reason      string
		RequestedBy string
	}

	// Controller drains control-channel signals and exposes helpers the plan
	// engine's workflow function calls to react to pause/resume/cancel
	// requests without blocking the step executor when no signal is pending.
	Controller struct {
		pauseCh  engine.SignalChannel
		resumeCh engine.SignalChannel
		cancelCh engine.SignalChannel
	}
)

// NewController builds a controller wired to the workflow context signals.
func NewController(wfCtx engine.WorkflowContext) *Controller {
	return &Controller{
		pauseCh:  wfCtx.SignalChannel(SignalPause),
		resumeCh: wfCtx.SignalChannel(SignalResume),
		cancelCh: wfCtx.SignalChannel(SignalCancel),
	}
}

// PollPause attempts to dequeue a pause request without blocking.
func (c *Controller) PollPause() (PauseRequest, bool) {
	if c == nil || c.pauseCh == nil {
		return PauseRequest{}, false
	}
	var req PauseRequest
	if !c.pauseCh.ReceiveAsync(&req) {
		return PauseRequest{}, false
	}
	return req, true
}

// PollCancel attempts to dequeue a cancel request without blocking.
func (c *Controller) PollCancel() (CancelRequest, bool) {
	if c == nil || c.cancelCh == nil {
		return CancelRequest{}, false
	}
	var req CancelRequest
	if !c.cancelCh.ReceiveAsync(&req) {
		return CancelRequest{}, false
	}
	return req, true
}

// WaitResume blocks until a resume request is delivered. Returns an error if
// the controller was not initialized with a resume signal channel.
func (c *Controller) WaitResume(ctx context.Context) (ResumeRequest, error) {
	if c == nil || c.resumeCh == nil {
		return ResumeRequest{}, errors.New("interrupt: resume channel unavailable")
	}
	var req ResumeRequest
	if err := c.resumeCh.Receive(ctx, &req); err != nil {
		return ResumeRequest{}, err
	}
	return req, nil
}
