package world

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/authorize"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/plan"
	"agentos.dev/kernel/kernel/policy"
	"agentos.dev/kernel/kernel/schema"
)

var _ plan.Sink = (*World)(nil)

// EmitEffect authorizes and journals one plan-originated effect invocation.
// Unlike a reducer's micro-effect (stepped from inside stepReducer, which
// already holds the ingress this call was derived from), EmitEffect is
// called from the plan engine's emit_effect activity while a top-level
// World call is parked in WaitQuiescent — it reads the ingress World
// stamped for that call via getIngress rather than deriving a new one,
// since a plan step never crosses an ingress boundary by itself.
func (w *World) EmitEffect(ctx context.Context, instanceID string, cand authorize.Candidate) (authorize.Decision, error) {
	in := w.getIngress()
	origin := policy.Origin{Kind: cand.Origin.Kind, Name: cand.Origin.Name}
	if origin.Kind == "" {
		origin = policy.Origin{Kind: "plan", Name: schema.Name{}}
	}
	return w.authorizeAndJournal(ctx, in, cand, origin.Kind, origin.Name, false)
}

// RaiseEvent journals and dispatches a plan-originated domain event. The
// event's schema may itself be a variant event family (raise_event names
// the family, the encoded value carries its own tag); ingestEventBytes
// treats it identically to any other admitted event.
func (w *World) RaiseEvent(ctx context.Context, eventFamily schema.Name, value any) error {
	ra := w.loadRA()
	s, err := ra.SchemaIndex.Resolve(schema.RefSchema(eventFamily))
	if err != nil {
		return kernelerr.Wrap(kernelerr.UnknownSchema, "resolve raised event schema", err)
	}
	valueCBOR, err := codec.Encode(s, ra.SchemaIndex, value)
	if err != nil {
		return kernelerr.Wrap(kernelerr.NotCanonical, "encode raised event", err)
	}
	in := w.getIngress()
	if err := w.ingestEventBytes(ctx, in, eventFamily, valueCBOR, nil, "plan", schema.Name{}); err != nil {
		return err
	}
	return w.matchEventWaiters(eventFamily, value)
}

// AwaitReceipt registers instanceID as waiting on intentHash's receipt. If
// the receipt already settled before the plan instance's await_receipt
// step ran (an internal effect settles synchronously inside EmitEffect,
// before the interpreter even reaches its next step), the result is
// already stashed in completedReceipts and is returned immediately via a
// pre-filled buffered channel instead of registering a waiter that would
// never be resolved.
func (w *World) AwaitReceipt(instanceID string, intentHash schema.Hash) <-chan plan.ReceiptResult {
	ch := make(chan plan.ReceiptResult, 1)
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	if res, ok := w.completedReceipts[intentHash]; ok {
		delete(w.completedReceipts, intentHash)
		ch <- res
		return ch
	}
	w.receiptWaiters[intentHash] = receiptWaiter{instanceID: instanceID, ch: ch}
	return ch
}

// resolveReceipt delivers result to intentHash's registered waiter if one
// exists, returning its instance id so the caller can drive it forward. If
// no waiter is registered yet (the internal-effect-settles-before-
// await_receipt-runs race), the result is stashed in completedReceipts for
// AwaitReceipt to pick up later instead of being dropped.
func (w *World) resolveReceipt(intentHash schema.Hash, result plan.ReceiptResult) (string, bool) {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	rw, ok := w.receiptWaiters[intentHash]
	if !ok {
		w.completedReceipts[intentHash] = result
		return "", false
	}
	delete(w.receiptWaiters, intentHash)
	rw.ch <- result
	return rw.instanceID, true
}

// AwaitEvent registers instanceID as waiting on the next eventFamily event
// matching predicate, evaluated against scope merged with the candidate
// event bound under "event".
func (w *World) AwaitEvent(instanceID string, eventFamily schema.Name, predicate expr.Expr, scope map[string]any) <-chan any {
	ch := make(chan any, 1)
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	key := eventFamily.String()
	w.eventWaiters[key] = append(w.eventWaiters[key], eventWaiter{
		instanceID: instanceID, predicate: predicate, scope: scope, ch: ch,
	})
	return ch
}

// matchEventWaiters is keyed on the raised event's own schema name; a plan
// waiting on a variant family registers under the family name used in the
// raise_event/await_event step, so lookups use the same literal key
// RaiseEvent and the world's trigger-dispatch path were given.
func (w *World) matchEventWaiters(eventFamily schema.Name, value any) error {
	key := eventFamily.String()
	w.waitMu.Lock()
	waiters := w.eventWaiters[key]
	var remaining []eventWaiter
	var matched []eventWaiter
	for _, ew := range waiters {
		env := expr.Env{}
		for k, v := range ew.scope {
			env[k] = v
		}
		env["event"] = value
		ok := true
		if ew.predicate != nil {
			v, err := expr.Eval(ew.predicate, env)
			if err != nil {
				ok = false
			} else if b, isBool := v.(bool); !isBool || !b {
				ok = false
			}
		}
		if ok {
			matched = append(matched, ew)
		} else {
			remaining = append(remaining, ew)
		}
	}
	w.eventWaiters[key] = remaining
	w.waitMu.Unlock()
	for _, ew := range matched {
		ew.ch <- value
	}
	return nil
}

// CancelWaits releases any receipt/event waiters still registered for
// instanceID, called when the instance reaches a terminal state.
func (w *World) CancelWaits(instanceID string) {
	w.untrackWaitersForInstance(instanceID)
}

// RecordPlanStart journals a PlanStart record for a newly launched instance.
func (w *World) RecordPlanStart(ctx context.Context, req plan.StartRequest) error {
	inputBytes, err := cbor.Marshal(req.Input)
	if err != nil {
		return kernelerr.Wrap(kernelerr.NotCanonical, "hash plan start input", err)
	}
	_, err = w.j.Append(ctx, journal.Record{
		Kind:  journal.KindPlanStart,
		Stamp: w.getIngress().stamp,
		PlanStart: &journal.PlanStartBody{
			InstanceID: req.InstanceID, Plan: req.Plan, ParentID: req.ParentID,
			CorrelationKey: req.CorrelationKey, InputHash: hashBytes(inputBytes),
		},
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal plan start", err)
	}
	return nil
}

// RecordPlanStep journals one plan instance step transition, storing scope
// bindings content-addressed in the blob store (not inlined in the record)
// so replay reconstructs Instance state purely from these records.
func (w *World) RecordPlanStep(ctx context.Context, instanceID, stepID string, scope map[string]any) error {
	scopeBytes, err := scopeEncMode.Marshal(scope)
	if err != nil {
		return kernelerr.Wrap(kernelerr.NotCanonical, "encode plan scope", err)
	}
	bindingsHash, err := w.store.Put(ctx, scopeBytes)
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "store plan scope", err)
	}
	nextPC := stepID
	if inst, ok := w.planEngine.Instance(instanceID); ok {
		nextPC = inst.PC
	}
	_, err = w.j.Append(ctx, journal.Record{
		Kind:  journal.KindPlanStep,
		Stamp: w.getIngress().stamp,
		PlanStep: &journal.PlanStepBody{
			InstanceID: instanceID, StepID: stepID, NextPC: nextPC, BindingsHash: bindingsHash,
		},
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal plan step", err)
	}
	return nil
}

// RecordPlanEnd journals a plan instance's terminal outcome.
func (w *World) RecordPlanEnd(ctx context.Context, instanceID string, outcome plan.Outcome) error {
	var outputHash *schema.Hash
	if outcome.Kind == plan.OutcomeCompleted && outcome.Output != nil {
		b, err := cbor.Marshal(outcome.Output)
		if err != nil {
			return kernelerr.Wrap(kernelerr.NotCanonical, "hash plan output", err)
		}
		h := hashBytes(b)
		outputHash = &h
	}
	_, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindPlanEnd,
		Stamp: w.getIngress().stamp,
		PlanEnd: &journal.PlanEndBody{
			InstanceID: instanceID, Kind: string(outcome.Kind), OutputHash: outputHash, Reason: outcome.Reason,
		},
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal plan end", err)
	}
	return nil
}

// Now returns the world's current ingress-stamped clock values, the only
// time source a plan step may observe.
func (w *World) Now() (nowNs uint64, logicalNowNs uint64) {
	in := w.getIngress()
	return in.stamp.NowNs, in.stamp.LogicalNowNs
}

func hashBytes(b []byte) schema.Hash {
	return codec.Hash(b)
}
