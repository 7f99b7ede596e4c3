// Package authorize implements the effect authorization pipeline (§4.6):
// canonicalize params, normalize secrets, run the pure cap enforcer module
// (if any), evaluate policy, reserve ledger budget, and assign the
// intent_hash a journaled EffectIntent record and the ledger key off of.
// Receipt settlement (§4.6's "Receipt settle") lives alongside in settle.go.
package authorize

import (
	"context"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/ledger"
	"agentos.dev/kernel/kernel/policy"
	"agentos.dev/kernel/kernel/reducer"
	"agentos.dev/kernel/kernel/schema"
)

// Candidate is a proposed effect invocation awaiting authorization.
type Candidate struct {
	Kind           schema.Name
	Params         any // schema-represented value, not yet canonicalized
	GrantName      string
	Origin         policy.Origin
	IdempotencyKey string
}

// Decision is the fully-resolved outcome of one Authorize call: either an
// allowed (or require_approval) invocation carrying everything needed to
// journal an EffectIntent record and dispatch to an adapter, or a denial.
type Decision struct {
	IntentHash       schema.Hash
	Kind             schema.Name
	CanonicalParams  []byte
	CapName          string // defcap Name, as a string for journal convenience
	GrantName        string
	GrantHash        schema.Hash
	Origin           policy.Origin
	EnforcerIdentity string
	Reserve          map[string]uint64
	CapDecisionOK    bool
	PolicyDecision   air.PolicyDecision
	Allowed          bool
	DenyReason       string
}

// Authorize runs the full §4.6 pipeline for cand against the active
// RuntimeAssembly. logicalNowNs is the ingress-stamped logical clock value
// (never wall time) used for expiry checks.
func Authorize(ctx context.Context, ra *assembly.RuntimeAssembly, host *reducer.Host, ld ledger.Ledger, logicalNowNs uint64, cand Candidate) (Decision, error) {
	effect, ok := ra.Effects[cand.Kind]
	if !ok {
		return Decision{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown effect kind %s", cand.Kind)
	}
	if !originAllowed(effect.Origin, cand.Origin.Kind) {
		return Decision{}, kernelerr.Newf(kernelerr.InvalidManifest,
			"effect %s origin_scope %s does not permit origin %s", cand.Kind, effect.Origin, cand.Origin.Kind)
	}

	paramSchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(effect.ParamSchema))
	if err != nil {
		return Decision{}, kernelerr.Wrap(kernelerr.UnknownSchema, fmt.Sprintf("effect %s params_schema", cand.Kind), err)
	}
	normalized := normalizeSecrets(ra, cand.Params)
	canonicalParams, err := codec.Encode(paramSchema, ra.SchemaIndex, normalized)
	if err != nil {
		return Decision{}, kernelerr.Wrap(kernelerr.SchemaMismatch, fmt.Sprintf("effect %s params", cand.Kind), err)
	}

	grant, ok := ra.CapResolver[cand.GrantName]
	if !ok {
		return Decision{}, kernelerr.Newf(kernelerr.InvalidManifest, "unknown cap grant %q", cand.GrantName)
	}
	if grant.DefCap != effect.RequiredCap {
		return Decision{}, kernelerr.Newf(kernelerr.CapTypeMismatch,
			"grant %q is of type %s, effect %s requires %s", cand.GrantName, grant.DefCap, cand.Kind, effect.RequiredCap)
	}
	if grant.ExpiryNs != nil && logicalNowNs >= *grant.ExpiryNs {
		return Decision{}, kernelerr.Newf(kernelerr.CapExpired,
			"grant %q expired at %d (logical_now_ns=%d)", cand.GrantName, *grant.ExpiryNs, logicalNowNs)
	}

	intentHash := computeIntentHash(cand.Kind, canonicalParams, cand.GrantName, cand.IdempotencyKey)

	capDef := ra.Caps[grant.DefCap]
	checkOut, err := runCapCheck(ctx, host, capDef, cand.GrantName, grant, cand.Kind, canonicalParams, cand.Origin, logicalNowNs)
	if err != nil {
		return Decision{}, err
	}
	if !checkOut.ConstraintsOK {
		reason := "cap constraint failed"
		if checkOut.Deny != nil {
			reason = *checkOut.Deny
		}
		return Decision{IntentHash: intentHash, Kind: cand.Kind, GrantName: cand.GrantName, DenyReason: reason}, nil
	}

	decision := evaluatePolicy(ra, cand.Kind, cand.GrantName, cand.Origin)
	if decision == air.PolicyDeny {
		return Decision{IntentHash: intentHash, Kind: cand.Kind, GrantName: cand.GrantName,
			PolicyDecision: decision, DenyReason: "policy denied"}, nil
	}

	res, err := ld.Reserve(ctx, cand.GrantName, grant.Budget, intentHash, grant.EnforcerIdentity, checkOut.ReserveEstimate)
	if err != nil {
		if code, ok := kernelerr.GetCode(err); ok {
			return Decision{IntentHash: intentHash, Kind: cand.Kind, GrantName: cand.GrantName,
				PolicyDecision: decision, DenyReason: string(code)}, nil
		}
		return Decision{}, err
	}

	return Decision{
		IntentHash:       intentHash,
		Kind:             cand.Kind,
		CanonicalParams:  canonicalParams,
		CapName:          grant.DefCap.String(),
		GrantName:        cand.GrantName,
		GrantHash:        grant.GrantHash,
		Origin:           cand.Origin,
		EnforcerIdentity: grant.EnforcerIdentity,
		Reserve:          res.Reserve,
		CapDecisionOK:    true,
		PolicyDecision:   decision,
		Allowed:          true,
	}, nil
}

func originAllowed(scope air.OriginScope, originKind string) bool {
	switch scope {
	case air.OriginAny:
		return true
	case air.OriginPlan:
		return originKind == "plan"
	case air.OriginReducer:
		return originKind == "reducer"
	default:
		return false
	}
}

// evaluatePolicy concatenates every DefPolicy's rule list in deterministic
// (name-sorted) order and returns the first match's decision, or Deny if
// none match — fail-closed, the same gate discipline §4.2's validation
// rules apply to manifest loading.
func evaluatePolicy(ra *assembly.RuntimeAssembly, effectKind schema.Name, grantName string, origin policy.Origin) air.PolicyDecision {
	names := make([]string, 0, len(ra.PolicyGate))
	for n := range ra.PolicyGate {
		names = append(names, n.String())
	}
	sort.Strings(names)
	byName := make(map[string]air.DefPolicy, len(ra.PolicyGate))
	for _, def := range ra.PolicyGate {
		byName[def.Name.String()] = def
	}
	for _, n := range names {
		def := byName[n]
		for _, rule := range def.Rules {
			if policy.Matches(rule, effectKind, grantName, origin) {
				return rule.Decision
			}
		}
	}
	return air.PolicyDeny
}

// computeIntentHash computes intent_hash as the SHA-256 of a byte
// concatenation in a fixed field order: the effect kind, the canonical
// params CBOR, the grant name and the idempotency key (empty when none),
// separated by NUL bytes. The fields are not themselves CBOR-encoded, the
// same fixed-order concatenation kernel/assembly.computeGrantHash uses for
// grant_hash.
func computeIntentHash(kind schema.Name, canonicalParams []byte, grantName, idempotencyKey string) schema.Hash {
	buf := make([]byte, 0, 64+len(canonicalParams))
	buf = append(buf, []byte(kind.String())...)
	buf = append(buf, 0)
	buf = append(buf, canonicalParams...)
	buf = append(buf, 0)
	buf = append(buf, []byte(grantName)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(idempotencyKey)...)
	return codec.Hash(buf)
}

// normalizeSecrets walks v looking for schema.Variant values tagged
// "secret_ref" (the `{text|secret_ref}` secret lens, §4.6 step 1) and
// replaces each with its DefSecret's BindingID so that two invocations
// referencing the same secret hash identically regardless of which
// secret version resolved it at dispatch time; unrelated values pass
// through unchanged.
func normalizeSecrets(ra *assembly.RuntimeAssembly, v any) any {
	switch val := v.(type) {
	case schema.Variant:
		if val.Tag == "secret_ref" {
			if name, ok := val.Value.(schema.Name); ok {
				if sec, ok := ra.Secrets[name]; ok {
					return schema.Variant{Tag: "text", Value: sec.BindingID}
				}
			}
		}
		return schema.Variant{Tag: val.Tag, Value: normalizeSecrets(ra, val.Value)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, fv := range val {
			out[k] = normalizeSecrets(ra, fv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, ev := range val {
			out[i] = normalizeSecrets(ra, ev)
		}
		return out
	default:
		return v
	}
}

// capEnforcerInput/Output mirror the §6 `CapEnforcerInput = Check(...) |
// Settle(...)` tagged union as a two-field struct with exactly one field
// set, CBOR-encoded directly (not through kernel/codec's schema-directed
// canonicalizer, since the enforcer ABI envelope is a fixed Go shape
// crossing the wazero stdin/stdout boundary, not a content-addressed
// value).
type capEnforcerInput struct {
	Check  *CapCheckInput  `cbor:"check,omitempty"`
	Settle *CapSettleInput `cbor:"settle,omitempty"`
}

type capEnforcerOutput struct {
	Check  *CapCheckOutput  `cbor:"check,omitempty"`
	Settle *CapSettleOutput `cbor:"settle,omitempty"`
}

// CapCheckInput is the enforcer's input in Check mode (§4.6 step 5).
type CapCheckInput struct {
	CapDef           schema.Name `cbor:"cap_def"`
	GrantName        string      `cbor:"grant_name"`
	CapParamsCBOR    []byte      `cbor:"cap_params_cbor"`
	EffectKind       schema.Name `cbor:"effect_kind"`
	EffectParamsCBOR []byte      `cbor:"effect_params_cbor"`
	OriginKind       string      `cbor:"origin_kind"`
	OriginName       schema.Name `cbor:"origin_name"`
	LogicalNowNs     uint64      `cbor:"logical_now_ns"`
}

// CapCheckOutput is the enforcer's response in Check mode.
type CapCheckOutput struct {
	ConstraintsOK  bool              `cbor:"constraints_ok"`
	Deny           *string           `cbor:"deny,omitempty"`
	ReserveEstimate map[string]uint64 `cbor:"reserve_estimate"`
}

// runCapCheck invokes capDef's enforcer module in Check mode, or returns
// the default allow-all/empty-reserve output when no enforcer is declared
// (§4.6 step 5).
func runCapCheck(ctx context.Context, host *reducer.Host, capDef air.DefCap, grantName string, grant assembly.CapResolverEntry, effectKind schema.Name, effectParams []byte, origin policy.Origin, logicalNowNs uint64) (CapCheckOutput, error) {
	if capDef.EnforcerHash == nil {
		return CapCheckOutput{ConstraintsOK: true, ReserveEstimate: map[string]uint64{}}, nil
	}
	in := capEnforcerInput{Check: &CapCheckInput{
		CapDef:           capDef.Name,
		GrantName:        grantName,
		CapParamsCBOR:    grant.CanonicalParamsCBOR,
		EffectKind:       effectKind,
		EffectParamsCBOR: effectParams,
		OriginKind:       origin.Kind,
		OriginName:       origin.Name,
		LogicalNowNs:     logicalNowNs,
	}}
	reqBytes, err := cbor.Marshal(in)
	if err != nil {
		return CapCheckOutput{}, kernelerr.Wrap(kernelerr.NotCanonical, "encode cap check input", err)
	}
	respBytes, err := host.RunPure(ctx, *capDef.EnforcerHash, reqBytes)
	if err != nil {
		return CapCheckOutput{}, kernelerr.Wrap(kernelerr.CapConstraintFailed, "cap enforcer check failed", err)
	}
	var out capEnforcerOutput
	if err := cbor.Unmarshal(respBytes, &out); err != nil {
		return CapCheckOutput{}, kernelerr.Wrap(kernelerr.CapConstraintFailed, "decode cap check output", err)
	}
	if out.Check == nil {
		return CapCheckOutput{}, kernelerr.New(kernelerr.CapConstraintFailed, "enforcer did not return a check output")
	}
	if out.Check.ReserveEstimate == nil {
		out.Check.ReserveEstimate = map[string]uint64{}
	}
	return *out.Check, nil
}
