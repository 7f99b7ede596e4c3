package reducer

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// EffectIntentOut is the shape of the single optional micro-effect a
// reducer's outputs may carry (§3.4, §4.4).
type EffectIntentOut struct {
	Kind           schema.Name `cbor:"kind"`
	ParamsCBOR     []byte      `cbor:"params_cbor"`
	Cap            string      `cbor:"cap"`
	IdempotencyKey string      `cbor:"idempotency_key,omitempty"`
}

// DomainEventOut is one event a reducer or plan step emits for independent
// routing (no direct `reducer:` delivery — §4.5's raise_event note applies
// equally to a reducer's emitted_events).
type DomainEventOut struct {
	Schema schema.Name `cbor:"schema"`
	Value  []byte      `cbor:"value_cbor"`
	Key    []byte      `cbor:"key,omitempty"`
}

// Context is the optional `sys/ReducerContext@1` value passed to a reducer
// module per its ABI declaration (§4.4). now_ns is informational only;
// authorization and expiry logic must never read it.
type Context struct {
	NowNs         uint64      `cbor:"now_ns"`
	LogicalNowNs  uint64      `cbor:"logical_now_ns"`
	JournalHeight uint64      `cbor:"journal_height"`
	Entropy       [64]byte    `cbor:"entropy"`
	EventHash     schema.Hash `cbor:"event_hash"`
	ManifestHash  schema.Hash `cbor:"manifest_hash"`
	Reducer       schema.Name `cbor:"reducer"`
	Key           []byte      `cbor:"key,omitempty"`
	CellMode      bool        `cbor:"cell_mode"`
}

// Input is the `{version, state, event, ctx?}` reducer ABI envelope (§6).
type Input struct {
	Version uint32  `cbor:"version"`
	State   []byte  `cbor:"state"`
	Event   []byte  `cbor:"event"`
	Ctx     *[]byte `cbor:"ctx,omitempty"`
}

// Output is the `{new_state, effects, emitted_events, annotations?}`
// reducer ABI envelope (§6). Effects carries at most one element — the
// micro-effect constraint (Invariant 9) is enforced by the caller, not by
// this type.
type Output struct {
	NewState      []byte            `cbor:"new_state"`
	Effects       []EffectIntentOut `cbor:"effects"`
	EmittedEvents []DomainEventOut  `cbor:"emitted_events"`
	Annotations   *[]byte           `cbor:"annotations,omitempty"`
}

func marshalContext(c Context) ([]byte, error) {
	b, err := cbor.Marshal(c)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.NotCanonical, "encode reducer context", err)
	}
	return b, nil
}

// Invoke marshals in, runs the reducer module at moduleHash, and unmarshals
// its response. It enforces the micro-effect constraint (Invariant 9) by
// rejecting a response carrying more than one effect.
func (h *Host) Invoke(ctx context.Context, moduleHash schema.Hash, in Input) (Output, error) {
	in.Version = 1
	reqBytes, err := cbor.Marshal(in)
	if err != nil {
		return Output{}, kernelerr.Wrap(kernelerr.NotCanonical, "encode reducer input envelope", err)
	}
	respBytes, err := h.RunPure(ctx, moduleHash, reqBytes)
	if err != nil {
		return Output{}, err
	}
	var out Output
	if err := cbor.Unmarshal(respBytes, &out); err != nil {
		return Output{}, kernelerr.Wrap(kernelerr.ReducerFailure, "decode reducer output envelope", err)
	}
	if len(out.Effects) > 1 {
		return Output{}, kernelerr.Newf(kernelerr.InvariantViolation,
			"reducer emitted %d effects, at most one (micro-effect) is permitted", len(out.Effects))
	}
	return out, nil
}
