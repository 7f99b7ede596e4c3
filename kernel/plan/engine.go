package plan

import (
	"context"
	"fmt"
	"sync"

	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/engine"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

const workflowName = "agentos.kernel.plan"
const activityEmitEffect = "agentos.kernel.plan.emit_effect"

// tickMsg is the rendezvous message an instance's goroutine sends every
// time it reaches a suspension point or a terminal state. Engine.Start and
// every delivery method (world's receipt/event/signal paths) block on the
// matching instance's tick channel immediately after waking it, so the
// interpreter never runs ahead of whoever is driving it — this is what lets
// a single journalMu mutex in the world serialize concurrent instances'
// journal appends into one valid total order without any other locking.
type tickMsg struct {
	suspended bool
	outcome   *Outcome
}

type instanceHandle struct {
	wfHandle engine.WorkflowHandle
	tick     chan tickMsg

	mu   sync.Mutex
	inst *Instance
}

// Engine drives plan instances on top of kernel/engine (in-memory by
// default; swappable for engine/temporal without changing this package).
// It is the §4.5 step interpreter: one registered WorkflowFunc walks any
// DefPlan's step graph, dispatching emit_effect as a synchronous Activity
// and blocking on Sink-supplied channels for await_receipt/await_event, and
// on the underlying engine.WorkflowHandle for await_plan/await_plans_all.
type Engine struct {
	eng  engine.Engine
	sink Sink
	ra   func() *assembly.RuntimeAssembly

	mu      sync.Mutex
	handles map[string]*instanceHandle
	spawned chan string
}

// New builds a plan Engine over eng (an unstarted kernel/engine.Engine),
// registering the single generic plan workflow and its emit_effect
// activity. raFn returns the currently active RuntimeAssembly, re-read on
// every step so a governance-applied manifest swap is visible to plan
// instances already in flight (§4.5's "manifest evolution mid-flight").
func New(ctx context.Context, eng engine.Engine, sink Sink, raFn func() *assembly.RuntimeAssembly) (*Engine, error) {
	e := &Engine{
		eng:     eng,
		sink:    sink,
		ra:      raFn,
		handles: make(map[string]*instanceHandle),
		spawned: make(chan string, 1024),
	}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      workflowName,
		TaskQueue: "plan",
		Handler:   e.workflowFunc,
	}); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvariantViolation, "register plan workflow", err)
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    activityEmitEffect,
		Handler: e.emitEffectActivity,
	}); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvariantViolation, "register emit_effect activity", err)
	}
	return e, nil
}

// startInput is the payload carried into workflowFunc, covering both a
// fresh StartRequest and a snapshot-restored ResumeRequest (Resume != nil).
type startInput struct {
	Start  *StartRequest
	Resume *ResumeRequest
}

// Start launches a new plan instance (top-level, trigger-started, or
// spawned by another instance's spawn_plan/spawn_for_each step) and
// registers it for quiescence tracking. It returns as soon as the
// instance's goroutine has been scheduled; callers must follow with
// WaitQuiescent to let it run forward to its first suspension point.
func (e *Engine) Start(ctx context.Context, req StartRequest) error {
	return e.start(ctx, startInput{Start: &req}, req.InstanceID)
}

// Resume reconstructs an in-flight instance from a snapshot-restored PC and
// scope (§4.8) without re-running any already-journaled step.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) error {
	return e.start(ctx, startInput{Resume: &req}, req.InstanceID)
}

func (e *Engine) start(ctx context.Context, in startInput, instanceID string) error {
	h := &instanceHandle{tick: make(chan tickMsg)}
	e.mu.Lock()
	e.handles[instanceID] = h
	e.mu.Unlock()

	wfHandle, err := e.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       instanceID,
		Workflow: workflowName,
		Input:    in,
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.InvariantViolation, "start plan instance", err)
	}
	h.mu.Lock()
	h.wfHandle = wfHandle
	h.mu.Unlock()

	select {
	case e.spawned <- instanceID:
	default:
	}
	return nil
}

// Spawned reports instance IDs as they are started, including ones started
// internally by another instance's spawn_plan step, so the world's drive
// loop can run every newly spawned instance forward to its first
// suspension point.
func (e *Engine) Spawned() <-chan string { return e.spawned }

// WaitQuiescent blocks until instanceID's goroutine reaches its next
// suspension point or terminal state, returning whether it suspended and,
// if terminal, its Outcome.
func (e *Engine) WaitQuiescent(instanceID string) (suspended bool, outcome *Outcome, err error) {
	e.mu.Lock()
	h, ok := e.handles[instanceID]
	e.mu.Unlock()
	if !ok {
		return false, nil, fmt.Errorf("plan: unknown instance %s", instanceID)
	}
	msg := <-h.tick
	return msg.suspended, msg.outcome, nil
}

// Instance returns the live, in-memory snapshot of instanceID, for
// world.QueryState.
func (e *Engine) Instance(instanceID string) (Instance, bool) {
	e.mu.Lock()
	h, ok := e.handles[instanceID]
	e.mu.Unlock()
	if !ok {
		return Instance{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inst == nil {
		return Instance{}, false
	}
	cp := *h.inst
	return cp, true
}

func (e *Engine) handleFor(instanceID string) (*instanceHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[instanceID]
	return h, ok
}

// Signal forwards a named control signal (kernel/interrupt's
// SignalPause/SignalResume/SignalCancel) to instanceID's underlying
// workflow handle, for world's pause/resume/cancel control-channel surface.
// Callers must follow with WaitQuiescent: the signal only wakes the
// instance's goroutine, it does not itself run it forward.
func (e *Engine) Signal(ctx context.Context, instanceID, name string, payload any) error {
	h, ok := e.handleFor(instanceID)
	if !ok {
		return fmt.Errorf("plan: unknown instance %s", instanceID)
	}
	h.mu.Lock()
	wf := h.wfHandle
	h.mu.Unlock()
	if wf == nil {
		return fmt.Errorf("plan: instance %s has no workflow handle yet", instanceID)
	}
	if err := wf.Signal(ctx, name, payload); err != nil {
		return kernelerr.Wrap(kernelerr.InvariantViolation, "signal plan instance", err)
	}
	return nil
}

// emitEffectInput/Output cross the engine.ActivityFunc boundary for the
// single emit_effect activity every plan instance shares.
type emitEffectInput struct {
	InstanceID string
	Kind       schema.Name
	Params     any
	GrantName  string
	OriginName schema.Name
	IdemKey    string
}

func (e *Engine) emitEffectActivity(ctx context.Context, rawInput any) (any, error) {
	in, ok := rawInput.(emitEffectInput)
	if !ok {
		return nil, kernelerr.New(kernelerr.InvariantViolation, "emit_effect activity received unexpected input type")
	}
	return e.sink.EmitEffect(ctx, in.InstanceID, candidateFromInput(in))
}
