package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/engine"
)

type effectInput struct {
	IntentHash string
}

type effectReceipt struct {
	Status string
}

func TestActivityAsyncExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "dispatch_effect",
		Handler: func(_ context.Context, input any) (any, error) {
			in := input.(*effectInput)
			return &effectReceipt{Status: "ok:" + in.IntentHash}, nil
		},
	})
	require.NoError(t, err)

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "plan_step",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			fut, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{
				Name:  "dispatch_effect",
				Input: &effectInput{IntentHash: "deadbeef"},
			})
			if err != nil {
				return nil, err
			}
			var receipt effectReceipt
			if err := fut.Get(wfCtx.Context(), &receipt); err != nil {
				return nil, err
			}
			return &receipt, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "plan-1",
		Workflow: "plan_step",
	})
	require.NoError(t, err)

	var out effectReceipt
	require.NoError(t, handle.Wait(ctx, &out))
	require.Equal(t, "ok:deadbeef", out.Status)
}

func TestSignalChannelDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type pauseRequest struct {
		PlanID string
		Reason string
	}

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "awaits_pause",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			var req pauseRequest
			if err := wfCtx.SignalChannel("pause").Receive(wfCtx.Context(), &req); err != nil {
				return nil, err
			}
			return &req, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "plan-2",
		Workflow: "awaits_pause",
	})
	require.NoError(t, err)

	require.NoError(t, handle.Signal(ctx, "pause", &pauseRequest{PlanID: "plan-2", Reason: "governance"}))

	var out pauseRequest
	require.NoError(t, handle.Wait(ctx, &out))
	require.Equal(t, "plan-2", out.PlanID)
	require.Equal(t, "governance", out.Reason)
}

func TestActivityNotRegistered(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "missing_activity",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			_, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{Name: "nope"})
			return nil, err
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "plan-3",
		Workflow: "missing_activity",
	})
	require.NoError(t, err)

	err = handle.Wait(ctx, nil)
	require.Error(t, err)
}
