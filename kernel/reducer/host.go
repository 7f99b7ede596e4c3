package reducer

import (
	"context"

	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

// StepResult is the outcome of one reducer invocation against a routed ABI
// event, ready for the world to journal as a ReducerStep record.
type StepResult struct {
	NewStateHash  schema.Hash
	Effect        *EffectIntentOut
	EmittedEvents []DomainEventOut
}

// Step loads the current state for (reducerName, key) from cells/blobs,
// invokes the reducer module against abiEventBytes, stores the resulting
// state, and updates the cell pointer. A nil key addresses the unkeyed
// reducer's single implicit cell.
func Step(ctx context.Context, h *Host, ra *assembly.RuntimeAssembly, cells CellStore, blobs store.BlobStore, reducerName schema.Name, key []byte, abiEventBytes []byte, rctx Context) (StepResult, error) {
	entry, ok := ra.ReducerTable[reducerName]
	if !ok {
		return StepResult{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown reducer %s", reducerName)
	}

	curHash, hasState, err := cells.Get(ctx, reducerName, key)
	if err != nil {
		return StepResult{}, err
	}
	var stateBytes []byte
	if hasState {
		stateBytes, err = blobs.Get(ctx, curHash)
		if err != nil {
			return StepResult{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "load reducer state", err)
		}
	}

	rctx.Reducer = reducerName
	rctx.Key = key
	rctx.CellMode = entry.KeySchema != nil
	rctx.ManifestHash = ra.ManifestHash

	var ctxBytes *[]byte
	if hasCtxABI(entry) {
		b, err := marshalContext(rctx)
		if err != nil {
			return StepResult{}, err
		}
		ctxBytes = &b
	}

	out, err := h.Invoke(ctx, entry.ModuleHash, Input{State: nonEmpty(stateBytes, hasState), Event: abiEventBytes, Ctx: ctxBytes})
	if err != nil {
		return StepResult{}, err
	}

	newHash, err := blobs.Put(ctx, out.NewState)
	if err != nil {
		return StepResult{}, kernelerr.Wrap(kernelerr.BackendUnavailable, "store reducer state", err)
	}
	if err := cells.Put(ctx, reducerName, key, newHash); err != nil {
		return StepResult{}, err
	}

	res := StepResult{NewStateHash: newHash, EmittedEvents: out.EmittedEvents}
	if len(out.Effects) == 1 {
		res.Effect = &out.Effects[0]
	}
	return res, nil
}

// hasCtxABI reports whether the reducer declared an optional ctx parameter
// in its ABI. The compiled manifest does not currently carry a separate
// "wants ctx" bit per reducer (air.DefModule has no such field), so
// hasCtxABI always returns true and every invocation receives the ctx;
// reducers that do not use it may ignore the field.
func hasCtxABI(entry assembly.ReducerEntry) bool {
	return true
}

func nonEmpty(b []byte, has bool) []byte {
	if !has {
		return nil
	}
	return b
}
