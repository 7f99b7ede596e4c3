package authorize

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/reducer"
	"agentos.dev/kernel/kernel/schema"
)

// SettleCandidate is one arriving effect receipt awaiting validation and
// ledger settlement (§4.6's "Receipt settle" path).
type SettleCandidate struct {
	Kind       schema.Name // effect kind the receipt answers
	GrantName  string
	IntentHash schema.Hash
	Receipt    any // schema-represented value conforming to the effect's receipt_schema
}

// SettleResult carries the canonicalized receipt and final Reservation for
// the caller (world) to journal as a CapSettlement record.
type SettleResult struct {
	CanonicalReceipt []byte
	Reservation      ledger.Reservation
	Violation        string // non-empty if the enforcer flagged a usage violation
}

// Settle validates an arriving receipt against its effect's receipt_schema,
// runs the cap enforcer in Settle mode (if any) to derive actual usage, and
// applies that usage to the ledger. A non-empty Violation does not prevent
// settlement (the reservation still resolves to StatusSettled against the
// enforcer's reported usage) — it is recorded so a plan or reducer awaiting
// this effect can react, mirroring how a reducer trap is reported rather
// than silently absorbed.
func Settle(ctx context.Context, ra *assembly.RuntimeAssembly, host *reducer.Host, ld ledger.Ledger, cand SettleCandidate) (SettleResult, error) {
	effect, ok := ra.Effects[cand.Kind]
	if !ok {
		return SettleResult{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown effect kind %s", cand.Kind)
	}
	receiptSchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(effect.ReceiptSchema))
	if err != nil {
		return SettleResult{}, kernelerr.Wrap(kernelerr.UnknownSchema, fmt.Sprintf("effect %s receipt_schema", cand.Kind), err)
	}
	canonicalReceipt, err := codec.Encode(receiptSchema, ra.SchemaIndex, cand.Receipt)
	if err != nil {
		return SettleResult{}, kernelerr.Wrap(kernelerr.ReceiptSchemaMismatch, fmt.Sprintf("effect %s receipt", cand.Kind), err)
	}

	existing, err := ld.Get(ctx, cand.GrantName, cand.IntentHash)
	if err != nil {
		return SettleResult{}, kernelerr.Wrap(kernelerr.ReceiptForUnknownIntent, "settle receipt", err)
	}

	grant, ok := ra.CapResolver[cand.GrantName]
	if !ok {
		return SettleResult{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown cap grant %q", cand.GrantName)
	}
	capDef := ra.Caps[grant.DefCap]

	usage, violation, err := runCapSettle(ctx, host, capDef, cand.GrantName, grant, cand.Kind, canonicalReceipt, existing.Reserve)
	if err != nil {
		return SettleResult{}, err
	}

	res, err := ld.Settle(ctx, cand.GrantName, cand.IntentHash, usage)
	if err != nil {
		return SettleResult{}, kernelerr.Wrap(kernelerr.UsageExceedsReserve, "ledger settle", err)
	}

	return SettleResult{CanonicalReceipt: canonicalReceipt, Reservation: res, Violation: violation}, nil
}

// CapSettleInput is the enforcer's input in Settle mode (§4.6 step 8),
// carrying the receipt it must derive actual dimension usage from.
type CapSettleInput struct {
	CapDef        schema.Name       `cbor:"cap_def"`
	GrantName     string            `cbor:"grant_name"`
	EffectKind    schema.Name       `cbor:"effect_kind"`
	ReceiptCBOR   []byte            `cbor:"receipt_cbor"`
	ReserveEstimate map[string]uint64 `cbor:"reserve_estimate"`
}

// CapSettleOutput is the enforcer's response in Settle mode.
type CapSettleOutput struct {
	Usage     map[string]uint64 `cbor:"usage"`
	Violation *string           `cbor:"violation,omitempty"`
}

// runCapSettle invokes capDef's enforcer module in Settle mode, or falls
// back to charging the full reserve estimate as usage when no enforcer is
// declared (a cap with no enforcer has no way to derive actual usage from a
// receipt, so the reservation settles at its estimate exactly).
func runCapSettle(ctx context.Context, host *reducer.Host, capDef air.DefCap, grantName string, grant assembly.CapResolverEntry, effectKind schema.Name, receiptCBOR []byte, reserveEstimate map[string]uint64) (map[string]uint64, string, error) {
	if capDef.EnforcerHash == nil {
		return reserveEstimate, "", nil
	}
	in := capEnforcerInput{Settle: &CapSettleInput{
		CapDef:          capDef.Name,
		GrantName:       grantName,
		EffectKind:      effectKind,
		ReceiptCBOR:     receiptCBOR,
		ReserveEstimate: reserveEstimate,
	}}
	reqBytes, err := cbor.Marshal(in)
	if err != nil {
		return nil, "", kernelerr.Wrap(kernelerr.NotCanonical, "encode cap settle input", err)
	}
	respBytes, err := host.RunPure(ctx, *capDef.EnforcerHash, reqBytes)
	if err != nil {
		return nil, "", kernelerr.Wrap(kernelerr.CapConstraintFailed, "cap enforcer settle failed", err)
	}
	var out capEnforcerOutput
	if err := cbor.Unmarshal(respBytes, &out); err != nil {
		return nil, "", kernelerr.Wrap(kernelerr.CapConstraintFailed, "decode cap settle output", err)
	}
	if out.Settle == nil {
		return nil, "", kernelerr.New(kernelerr.CapConstraintFailed, "enforcer did not return a settle output")
	}
	violation := ""
	if out.Settle.Violation != nil {
		violation = *out.Settle.Violation
	}
	usage := out.Settle.Usage
	if usage == nil {
		usage = map[string]uint64{}
	}
	return usage, violation, nil
}
