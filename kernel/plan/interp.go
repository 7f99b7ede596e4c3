package plan

import (
	"context"
	"fmt"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/authorize"
	"agentos.dev/kernel/kernel/engine"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/interrupt"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/policy"
	"agentos.dev/kernel/kernel/schema"
)

// workflowFunc is the single engine.WorkflowFunc shared by every plan
// instance. It interprets the DefPlan named by the instance's Plan schema
// name step by step, suspending (via tick) before any blocking operation
// and again once it reaches "end", matching §4.5's step graph semantics.
func (e *Engine) workflowFunc(wctx engine.WorkflowContext, rawInput any) (any, error) {
	in, ok := rawInput.(startInput)
	if !ok {
		return nil, kernelerr.New(kernelerr.InvariantViolation, "plan workflow received unexpected input type")
	}
	instanceID := wctx.WorkflowID()
	h, ok := e.handleFor(instanceID)
	if !ok {
		return nil, kernelerr.Newf(kernelerr.InvariantViolation, "plan instance %s has no registered handle", instanceID)
	}

	var inst *Instance
	var pc string
	ctx := wctx.Context()

	if in.Start != nil {
		req := *in.Start
		def, ok := e.ra().PlanTable[req.Plan]
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest, "unknown plan %s", req.Plan)
		}
		inst = &Instance{
			ID: instanceID, Plan: req.Plan, ParentID: req.ParentID,
			CorrelationKey: req.CorrelationKey, Status: StatusRunning,
			PC: def.Entry, Scope: map[string]any{"input": req.Input},
		}
		if err := e.sink.RecordPlanStart(ctx, req); err != nil {
			return nil, err
		}
		pc = def.Entry
	} else {
		req := *in.Resume
		inst = &Instance{
			ID: instanceID, Plan: req.Plan, ParentID: req.ParentID,
			CorrelationKey: req.CorrelationKey, Status: StatusRunning,
			PC: req.PC, Scope: req.Scope,
		}
		pc = req.PC
	}
	h.mu.Lock()
	h.inst = inst
	h.mu.Unlock()

	controller := interrupt.NewController(wctx)

	outcome := e.run(ctx, wctx, h, inst, controller, pc)
	h.mu.Lock()
	inst.Status = statusForOutcome(outcome.Kind)
	inst.Outcome = &outcome
	h.mu.Unlock()
	e.sink.CancelWaits(instanceID)
	if err := e.sink.RecordPlanEnd(ctx, instanceID, outcome); err != nil {
		return nil, err
	}
	h.tick <- tickMsg{outcome: &outcome}
	if outcome.Kind == OutcomeFailed {
		return outcome.Output, fmt.Errorf("plan: instance %s failed: %s", instanceID, outcome.Reason)
	}
	return outcome.Output, nil
}

func statusForOutcome(k OutcomeKind) Status {
	switch k {
	case OutcomeCompleted:
		return StatusCompleted
	case OutcomeCanceled:
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// run walks the step graph from pc until it reaches "end" or is canceled,
// suspending the instance (via h.tick) immediately before any blocking
// receive so the world's drive loop never races a concurrent journal
// append against this instance's own steps.
func (e *Engine) run(ctx context.Context, wctx engine.WorkflowContext, h *instanceHandle, inst *Instance, controller *interrupt.Controller, pc string) Outcome {
	def := e.ra().PlanTable[inst.Plan]
	for {
		if _, canceled := controller.PollCancel(); canceled {
			return Outcome{Kind: OutcomeCanceled, Reason: "canceled by control signal"}
		}
		if _, paused := controller.PollPause(); paused {
			h.mu.Lock()
			inst.Status = StatusPaused
			h.mu.Unlock()
			h.tick <- tickMsg{suspended: true}
			if _, err := controller.WaitResume(ctx); err != nil {
				return Outcome{Kind: OutcomeFailed, Reason: err.Error()}
			}
			h.mu.Lock()
			inst.Status = StatusRunning
			h.mu.Unlock()
		}

		step, ok := def.Steps[pc]
		if !ok {
			return Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("unknown step %q in plan %s", pc, inst.Plan)}
		}

		if step.Kind == air.StepEnd {
			out, err := renderOutput(def, inst.Scope)
			if err != nil {
				return Outcome{Kind: OutcomeFailed, Reason: err.Error()}
			}
			return Outcome{Kind: OutcomeCompleted, Output: out}
		}

		next, suspendErr := e.execStep(ctx, wctx, h, inst, step)
		if suspendErr != nil {
			return Outcome{Kind: OutcomeFailed, Reason: suspendErr.Error()}
		}
		pc = next
		inst.PC = pc
		h.mu.Lock()
		h.inst = inst
		h.mu.Unlock()
		if err := e.sink.RecordPlanStep(ctx, inst.ID, step.ID, inst.Scope); err != nil {
			return Outcome{Kind: OutcomeFailed, Reason: err.Error()}
		}
	}
}

// renderOutput evaluates the plan's output as its scope's "output" binding
// if present, else the whole scope; most plans assign an explicit "output"
// variable on their way to "end".
func renderOutput(def air.DefPlan, scope map[string]any) (any, error) {
	if v, ok := scope["output"]; ok {
		return v, nil
	}
	return scope, nil
}

func evalEnv(scope map[string]any) expr.Env {
	env := make(expr.Env, len(scope))
	for k, v := range scope {
		env[k] = v
	}
	return env
}

// execStep runs one non-end step to completion (including, for blocking
// kinds, suspending on h.tick and receiving the eventual wakeup) and
// returns the id of the next step.
func (e *Engine) execStep(ctx context.Context, wctx engine.WorkflowContext, h *instanceHandle, inst *Instance, step air.Step) (string, error) {
	switch step.Kind {
	case air.StepAssign:
		v, err := expr.Eval(step.Assign.Value, evalEnv(inst.Scope))
		if err != nil {
			return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "assign "+step.Assign.Var, err)
		}
		inst.Scope[step.Assign.Var] = v
		return step.Next, nil

	case air.StepBranch:
		for _, arm := range step.Branch.Arms {
			v, err := expr.Eval(arm.Condition, evalEnv(inst.Scope))
			if err != nil {
				return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "branch condition", err)
			}
			if b, ok := v.(bool); ok && b {
				return arm.Next, nil
			}
		}
		return step.Branch.Default, nil

	case air.StepRaiseEvent:
		v, err := expr.Eval(step.RaiseEvent.Value, evalEnv(inst.Scope))
		if err != nil {
			return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "raise_event value", err)
		}
		if err := e.sink.RaiseEvent(ctx, step.RaiseEvent.EventFamily, v); err != nil {
			return "", err
		}
		return step.Next, nil

	case air.StepEmitEffect:
		return e.execEmitEffect(ctx, wctx, inst, step)

	case air.StepAwaitReceipt:
		return e.execAwaitReceipt(ctx, h, inst, step)

	case air.StepAwaitEvent:
		return e.execAwaitEvent(ctx, h, inst, step)

	case air.StepSpawnPlan:
		return e.execSpawnPlan(ctx, inst, step)

	case air.StepAwaitPlan:
		return e.execAwaitPlan(ctx, h, inst, step)

	case air.StepSpawnForEach:
		return e.execSpawnForEach(ctx, inst, step)

	case air.StepAwaitPlansAll:
		return e.execAwaitPlansAll(ctx, h, inst, step)

	default:
		return "", kernelerr.Newf(kernelerr.InvariantViolation, "unhandled step kind %s", step.Kind)
	}
}

func candidateFromInput(in emitEffectInput) authorize.Candidate {
	return authorize.Candidate{
		Kind:           in.Kind,
		Params:         in.Params,
		GrantName:      in.GrantName,
		Origin:         policy.Origin{Kind: "plan", Name: in.OriginName},
		IdempotencyKey: in.IdemKey,
	}
}

func (e *Engine) execEmitEffect(ctx context.Context, wctx engine.WorkflowContext, inst *Instance, step air.Step) (string, error) {
	es := step.EmitEffect
	params, err := expr.Eval(es.Params, evalEnv(inst.Scope))
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "emit_effect params", err)
	}
	in := emitEffectInput{
		InstanceID: inst.ID,
		Kind:       es.Effect,
		Params:     params,
		GrantName:  es.Cap,
		OriginName: inst.Plan,
		IdemKey:    inst.ID + "/" + step.ID,
	}
	var decision authorize.Decision
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{Name: activityEmitEffect, Input: in}, &decision); err != nil {
		return "", kernelerr.Wrap(kernelerr.ReducerFailure, "emit_effect activity", err)
	}
	if es.CorrelationVar != "" {
		inst.Scope[es.CorrelationVar] = decision.IntentHash
	}
	inst.Scope["_last_decision"] = decision
	return step.Next, nil
}

func (e *Engine) execAwaitReceipt(ctx context.Context, h *instanceHandle, inst *Instance, step air.Step) (string, error) {
	as := step.AwaitReceipt
	corr, ok := inst.Scope[as.CorrelationVar]
	if !ok {
		return "", kernelerr.Newf(kernelerr.PlanExpressionError, "await_receipt: no intent bound to %q", as.CorrelationVar)
	}
	intentHash, ok := corr.(schema.Hash)
	if !ok {
		return "", kernelerr.Newf(kernelerr.PlanExpressionError, "await_receipt: %q is not an intent hash", as.CorrelationVar)
	}
	ch := e.sink.AwaitReceipt(inst.ID, intentHash)
	h.tick <- tickMsg{suspended: true}
	result := <-ch
	if as.ResultVar != "" {
		inst.Scope[as.ResultVar] = result.Receipt
	}
	if result.Violation != "" {
		inst.Scope["_violation"] = result.Violation
	}
	return step.Next, nil
}

func (e *Engine) execAwaitEvent(ctx context.Context, h *instanceHandle, inst *Instance, step air.Step) (string, error) {
	as := step.AwaitEvent
	scope := snapshotScope(inst.Scope)
	if as.CorrelationVar != "" {
		corr, ok := inst.Scope[as.CorrelationVar]
		if !ok {
			return "", kernelerr.Newf(kernelerr.PlanExpressionError, "await_event: no value bound to %q", as.CorrelationVar)
		}
		scope["correlation_id"] = corr
	}
	ch := e.sink.AwaitEvent(inst.ID, as.EventFamily, as.Where, scope)
	h.tick <- tickMsg{suspended: true}
	v := <-ch
	if as.ResultVar != "" {
		inst.Scope[as.ResultVar] = v
	}
	return step.Next, nil
}

func snapshotScope(scope map[string]any) map[string]any {
	cp := make(map[string]any, len(scope))
	for k, v := range scope {
		cp[k] = v
	}
	return cp
}

func (e *Engine) execSpawnPlan(ctx context.Context, inst *Instance, step air.Step) (string, error) {
	ss := step.SpawnPlan
	input, err := expr.Eval(ss.Input, evalEnv(inst.Scope))
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "spawn_plan input", err)
	}
	childID := inst.ID + "/" + step.ID
	if err := e.Start(ctx, StartRequest{InstanceID: childID, Plan: ss.Plan, ParentID: inst.ID, Input: input}); err != nil {
		return "", err
	}
	inst.Scope[ss.InstanceVar] = childID
	return step.Next, nil
}

func (e *Engine) execAwaitPlan(ctx context.Context, h *instanceHandle, inst *Instance, step air.Step) (string, error) {
	as := step.AwaitPlan
	childID, ok := inst.Scope[as.InstanceVarRef].(string)
	if !ok {
		return "", kernelerr.Newf(kernelerr.PlanExpressionError, "await_plan: no instance id bound to %q", as.InstanceVarRef)
	}
	childHandle, ok := e.handleFor(childID)
	if !ok {
		return "", kernelerr.Newf(kernelerr.InvariantViolation, "await_plan: unknown child instance %s", childID)
	}
	h.tick <- tickMsg{suspended: true}
	var out any
	err := childHandle.wfHandle.Wait(ctx, &out)
	if as.ResultVar != "" {
		inst.Scope[as.ResultVar] = out
	}
	if err != nil {
		inst.Scope["_violation"] = err.Error()
	}
	return step.Next, nil
}

func (e *Engine) execSpawnForEach(ctx context.Context, inst *Instance, step air.Step) (string, error) {
	ss := step.SpawnForEach
	itemsVal, err := expr.Eval(ss.Items, evalEnv(inst.Scope))
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.PlanExpressionError, "spawn_for_each items", err)
	}
	items, ok := itemsVal.([]any)
	if !ok {
		return "", kernelerr.New(kernelerr.PlanExpressionError, "spawn_for_each: items did not evaluate to a list")
	}
	ids := make([]any, 0, len(items))
	for i, item := range items {
		childID := fmt.Sprintf("%s/%s/%d", inst.ID, step.ID, i)
		if err := e.Start(ctx, StartRequest{InstanceID: childID, Plan: ss.Plan, ParentID: inst.ID, Input: item}); err != nil {
			return "", err
		}
		ids = append(ids, childID)
	}
	inst.Scope[ss.InstancesVar] = ids
	return step.Next, nil
}

func (e *Engine) execAwaitPlansAll(ctx context.Context, h *instanceHandle, inst *Instance, step air.Step) (string, error) {
	as := step.AwaitPlansAll
	idsVal, ok := inst.Scope[as.InstancesVarRef].([]any)
	if !ok {
		return "", kernelerr.Newf(kernelerr.PlanExpressionError, "await_plans_all: no instance id list bound to %q", as.InstancesVarRef)
	}
	h.tick <- tickMsg{suspended: true}
	results := make([]any, len(idsVal))
	for i, idv := range idsVal {
		id, _ := idv.(string)
		childHandle, ok := e.handleFor(id)
		if !ok {
			return "", kernelerr.Newf(kernelerr.InvariantViolation, "await_plans_all: unknown child instance %s", id)
		}
		var out any
		if err := childHandle.wfHandle.Wait(ctx, &out); err != nil {
			// strict barrier-fails-on-first-error (§ open question): the
			// first failing child aborts the whole await_plans_all step.
			return "", kernelerr.Wrap(kernelerr.InvariantViolation, fmt.Sprintf("await_plans_all: child %s failed", id), err)
		}
		results[i] = out
	}
	if as.ResultVar != "" {
		inst.Scope[as.ResultVar] = results
	}
	return step.Next, nil
}
