// Package router implements the event-family dispatcher (§4.3): validates
// an ingress bus event's canonical bytes, resolves its routing targets from
// a RuntimeAssembly, and produces the wrapped, keyed ABI event bytes each
// target reducer expects.
package router

import (
	"bytes"
	"fmt"

	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// ABIEvent is one scheduled reducer invocation produced by Dispatch. Index
// is the dispatch target's position in the routing table, used to stamp
// journaled ordering as `(height, target_index)` per §4.3.
type ABIEvent struct {
	Reducer schema.Name
	Bytes   []byte
	Key     []byte
	Index   int
}

// Dispatch validates valueCBOR as canonical against event, then resolves
// and wraps it for every routing target registered for event in ra. An
// event with no routing targets is a valid, non-error outcome: it is
// journaled upstream of this call but delivers nothing here.
func Dispatch(ra *assembly.RuntimeAssembly, event schema.Name, valueCBOR []byte, envelopeKey []byte) ([]ABIEvent, error) {
	eventSchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(event))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.UnknownSchema, fmt.Sprintf("event %s", event), err)
	}

	decoded, err := codec.Decode(eventSchema, ra.SchemaIndex, valueCBOR)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SchemaMismatch, fmt.Sprintf("event %s", event), err)
	}
	reencoded, err := codec.Encode(eventSchema, ra.SchemaIndex, decoded)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.NotCanonical, fmt.Sprintf("event %s", event), err)
	}
	if !bytes.Equal(reencoded, valueCBOR) {
		return nil, kernelerr.Newf(kernelerr.NotCanonical, "event %s bytes are not canonical", event)
	}

	targets := ra.Router[event]
	out := make([]ABIEvent, 0, len(targets))
	for i, t := range targets {
		abiBytes, err := wrap(ra, t, decoded)
		if err != nil {
			return nil, err
		}

		var key []byte
		if t.Keying == assembly.KeyingKeyed {
			key, err = resolveKey(ra, t, decoded, envelopeKey)
			if err != nil {
				return nil, err
			}
		}

		out = append(out, ABIEvent{Reducer: t.Reducer, Bytes: abiBytes, Key: key, Index: i})
	}
	return out, nil
}

func wrap(ra *assembly.RuntimeAssembly, t assembly.DispatchTarget, decoded any) ([]byte, error) {
	reducer, ok := ra.ReducerTable[t.Reducer]
	if !ok {
		return nil, kernelerr.Newf(kernelerr.RoutingIncompatible, "routing target references unknown reducer %s", t.Reducer)
	}
	famSchema := assembly.FamilySchema(reducer.EventFamily)

	var value any = decoded
	if t.Wrapper == assembly.WrapperVariant {
		value = schema.Variant{Tag: t.VariantTag, Value: decoded}
	}

	abiBytes, err := codec.Encode(famSchema, ra.SchemaIndex, value)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.NotCanonical, fmt.Sprintf("reducer %s ABI event", t.Reducer), err)
	}
	return abiBytes, nil
}

func resolveKey(ra *assembly.RuntimeAssembly, t assembly.DispatchTarget, decoded any, envelopeKey []byte) ([]byte, error) {
	if envelopeKey != nil {
		return envelopeKey, nil
	}
	rec, ok := decoded.(map[string]any)
	if !ok {
		return nil, kernelerr.Newf(kernelerr.KeyCoherence, "keyed routing target %s requires a record-shaped event", t.Reducer)
	}
	fv, ok := rec[t.KeyField]
	if !ok {
		return nil, kernelerr.Newf(kernelerr.KeyCoherence, "event has no field %q for keyed target %s", t.KeyField, t.Reducer)
	}
	keySchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(t.KeySchema))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.UnknownSchema, fmt.Sprintf("key_schema %s", t.KeySchema), err)
	}
	keyBytes, err := codec.Encode(keySchema, ra.SchemaIndex, fv)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KeyCoherence, fmt.Sprintf("encode key field %q", t.KeyField), err)
	}
	return keyBytes, nil
}
