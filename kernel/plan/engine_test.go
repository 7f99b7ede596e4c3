package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/authorize"
	inmemengine "agentos.dev/kernel/kernel/engine/inmem"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

// fakeSink is a minimal Sink recording what the interpreter asked it to do,
// sufficient to drive a plan that only assigns and ends.
type fakeSink struct {
	started  []StartRequest
	ended    []Outcome
	steps    int
}

func (f *fakeSink) EmitEffect(ctx context.Context, instanceID string, cand authorize.Candidate) (authorize.Decision, error) {
	return authorize.Decision{Allowed: true}, nil
}
func (f *fakeSink) RaiseEvent(ctx context.Context, eventFamily schema.Name, value any) error {
	return nil
}
func (f *fakeSink) AwaitReceipt(instanceID string, intentHash schema.Hash) <-chan ReceiptResult {
	ch := make(chan ReceiptResult, 1)
	return ch
}
func (f *fakeSink) AwaitEvent(instanceID string, eventFamily schema.Name, predicate expr.Expr, scope map[string]any) <-chan any {
	ch := make(chan any, 1)
	return ch
}
func (f *fakeSink) CancelWaits(instanceID string) {}
func (f *fakeSink) RecordPlanStart(ctx context.Context, req StartRequest) error {
	f.started = append(f.started, req)
	return nil
}
func (f *fakeSink) RecordPlanStep(ctx context.Context, instanceID, stepID string, scope map[string]any) error {
	f.steps++
	return nil
}
func (f *fakeSink) RecordPlanEnd(ctx context.Context, instanceID string, outcome Outcome) error {
	f.ended = append(f.ended, outcome)
	return nil
}
func (f *fakeSink) Now() (uint64, uint64) { return 0, 0 }

func straightLinePlan() air.DefPlan {
	return air.DefPlan{
		Name:  schema.Name{Namespace: "test", Local: "straight", Version: 1},
		Entry: "assign1",
		Steps: map[string]air.Step{
			"assign1": {
				ID: "assign1", Kind: air.StepAssign, Next: "end",
				Assign: &air.AssignStep{Var: "output", Value: expr.TextLit{Value: "done"}},
			},
			"end": {ID: "end", Kind: air.StepEnd},
		},
	}
}

func TestEngineRunsStraightLinePlanToCompletion(t *testing.T) {
	ctx := context.Background()
	eng := inmemengine.New()
	sink := &fakeSink{}
	planName := schema.Name{Namespace: "test", Local: "straight", Version: 1}
	ra := &assembly.RuntimeAssembly{PlanTable: map[schema.Name]air.DefPlan{planName: straightLinePlan()}}

	e, err := New(ctx, eng, sink, func() *assembly.RuntimeAssembly { return ra })
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx, StartRequest{InstanceID: "inst-1", Plan: planName, Input: map[string]any{}}))

	suspended, outcome, err := e.WaitQuiescent("inst-1")
	require.NoError(t, err)
	require.False(t, suspended)
	require.NotNil(t, outcome)
	require.Equal(t, OutcomeCompleted, outcome.Kind)
	require.Equal(t, "done", outcome.Output)

	require.Len(t, sink.started, 1)
	require.Len(t, sink.ended, 1)
}

func TestEngineSuspendsOnAwaitReceipt(t *testing.T) {
	ctx := context.Background()
	eng := inmemengine.New()
	sink := &fakeSink{}
	planName := schema.Name{Namespace: "test", Local: "waiter", Version: 1}
	def := air.DefPlan{
		Name:  planName,
		Entry: "emit",
		Steps: map[string]air.Step{
			"emit": {
				ID: "emit", Kind: air.StepEmitEffect, Next: "await",
				EmitEffect: &air.EmitEffectStep{
					Effect: schema.Name{Namespace: "test", Local: "noop", Version: 1},
					Cap:    "grant-1",
					Params: expr.RecordExpr{},
					CorrelationVar: "intent",
				},
			},
			"await": {
				ID: "await", Kind: air.StepAwaitReceipt, Next: "end",
				AwaitReceipt: &air.AwaitReceiptStep{CorrelationVar: "intent", ResultVar: "receipt"},
			},
			"end": {ID: "end", Kind: air.StepEnd},
		},
	}
	ra := &assembly.RuntimeAssembly{PlanTable: map[schema.Name]air.DefPlan{planName: def}}

	e, err := New(ctx, eng, sink, func() *assembly.RuntimeAssembly { return ra })
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx, StartRequest{InstanceID: "inst-2", Plan: planName, Input: map[string]any{}}))

	suspended, outcome, err := e.WaitQuiescent("inst-2")
	require.NoError(t, err)
	require.True(t, suspended)
	require.Nil(t, outcome)

	inst, ok := e.Instance("inst-2")
	require.True(t, ok)
	require.Equal(t, StatusRunning, inst.Status)
}
