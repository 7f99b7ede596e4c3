// Package assembly compiles an air.Manifest into a RuntimeAssembly (§4.2):
// the cross-checked, lookup-ready tables the router, reducer host, plan
// engine, and effect authorizer run against. A single Build is used both at
// world startup and on governance apply, so the two paths can never drift.
package assembly

import (
	"encoding/binary"
	"fmt"
	"sort"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// Wrapper describes how a routed event's bytes are transformed before
// reaching a reducer's event-family ABI shape.
type Wrapper int

const (
	// WrapperIdentity passes the routed event's canonical bytes through
	// unchanged (the reducer's event family directly refs this schema).
	WrapperIdentity Wrapper = iota
	// WrapperVariant wraps the value as `{tag: value}` before canonicalizing
	// (the reducer's event family is a variant and this is one arm).
	WrapperVariant
)

// Keying describes whether a DispatchTarget routes to an unkeyed reducer or
// materializes a per-key cell.
type Keying int

const (
	KeyingNone Keying = iota
	KeyingKeyed
)

// DispatchTarget is one routing entry compiled and cross-checked against
// its reducer's declared event family and key schema.
type DispatchTarget struct {
	Reducer    schema.Name
	Wrapper    Wrapper
	VariantTag string
	Keying     Keying
	KeySchema  schema.Name
	KeyField   string
}

// ReducerEntry is a reducer's compiled ABI metadata, carried forward from
// its air.DefModule unchanged except by name for router/host convenience.
type ReducerEntry struct {
	Name           schema.Name
	ModuleHash     schema.Hash
	StateSchema    schema.Name
	EventFamily    air.EventFamily
	EffectsEmitted []schema.Name
	CapSlots       []string
	KeySchema      *schema.Name
}

// CapResolverEntry is a compiled capability grant: its defcap, canonical
// (codec-ready) params, optional budget/expiry, and the grant_hash the
// ledger and journal key reservations by.
type CapResolverEntry struct {
	DefCap              schema.Name
	CanonicalParamsCBOR []byte
	Budget              map[string]uint64
	ExpiryNs            *uint64
	EnforcerIdentity    string
	GrantHash           schema.Hash
}

// RuntimeAssembly is the fully cross-checked, swap-atomic compilation of one
// manifest version. Every field here is read-only after Build returns;
// governance apply produces a new RuntimeAssembly rather than mutating one
// in place.
type RuntimeAssembly struct {
	ManifestHash   schema.Hash
	SchemaIndex    schema.Index
	ReducerTable   map[schema.Name]ReducerEntry
	PlanTable      map[schema.Name]air.DefPlan
	Router         map[schema.Name][]DispatchTarget
	CapResolver    map[string]CapResolverEntry
	PolicyGate     map[schema.Name]air.DefPolicy
	ModuleBindings map[schema.Name]map[string]string
	Triggers       []air.Trigger
	Effects        map[schema.Name]air.DefEffect
	Caps           map[schema.Name]air.DefCap
	Secrets        map[schema.Name]air.DefSecret
}

// Build compiles m into a RuntimeAssembly, applying every validation gate in
// §4.2. All errors are *kernelerr.Error so callers can classify a rejected
// manifest by Code.
func Build(m *air.Manifest) (*RuntimeAssembly, error) {
	if m.AirVersion != air.SupportedAirVersion {
		return nil, kernelerr.Newf(kernelerr.InvalidManifest,
			"unsupported air_version %d (want %d)", m.AirVersion, air.SupportedAirVersion)
	}
	if err := checkNamespaceLock(m); err != nil {
		return nil, err
	}

	idx := make(schema.Index, len(m.Schemas))
	for name, def := range m.Schemas {
		idx[name] = def.Schema
	}

	reducers := make(map[schema.Name]ReducerEntry, len(m.Modules))
	for name, mod := range m.Modules {
		reducers[name] = ReducerEntry{
			Name:           name,
			ModuleHash:     mod.ModuleHash,
			StateSchema:    mod.StateSchema,
			EventFamily:    mod.EventFamily,
			EffectsEmitted: mod.EffectsEmitted,
			CapSlots:       mod.CapSlots,
			KeySchema:      mod.KeySchema,
		}
	}

	router, err := buildRouter(m, reducers)
	if err != nil {
		return nil, err
	}

	resolver, err := buildCapResolver(m, idx)
	if err != nil {
		return nil, err
	}

	bindings := make(map[schema.Name]map[string]string)
	for _, b := range m.ModuleBindings {
		if _, ok := reducers[b.Reducer]; !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest,
				"module_binding references unknown reducer %s", b.Reducer)
		}
		if _, ok := resolver[b.Grant]; !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest,
				"module_binding references unknown grant %q", b.Grant)
		}
		if bindings[b.Reducer] == nil {
			bindings[b.Reducer] = make(map[string]string)
		}
		bindings[b.Reducer][b.Slot] = b.Grant
	}
	applyDefaultBindings(reducers, resolver, m, bindings)

	policies := make(map[schema.Name]air.DefPolicy, len(m.Policies))
	for name, p := range m.Policies {
		policies[name] = p
	}

	plans := make(map[schema.Name]air.DefPlan, len(m.Plans))
	for name, p := range m.Plans {
		plans[name] = p
	}
	if err := checkCorrelatedAwaitEvent(m, plans); err != nil {
		return nil, err
	}

	effects := make(map[schema.Name]air.DefEffect, len(m.Effects))
	for name, e := range m.Effects {
		effects[name] = e
	}
	caps := make(map[schema.Name]air.DefCap, len(m.Caps))
	for name, c := range m.Caps {
		caps[name] = c
	}
	secrets := make(map[schema.Name]air.DefSecret, len(m.Secrets))
	for name, s := range m.Secrets {
		secrets[name] = s
	}

	hash, err := manifestHash(m)
	if err != nil {
		return nil, err
	}

	return &RuntimeAssembly{
		ManifestHash:   hash,
		SchemaIndex:    idx,
		ReducerTable:   reducers,
		PlanTable:      plans,
		Router:         router,
		CapResolver:    resolver,
		PolicyGate:     policies,
		ModuleBindings: bindings,
		Triggers:       m.Triggers,
		Effects:        effects,
		Caps:           caps,
		Secrets:        secrets,
	}, nil
}

func checkNamespaceLock(m *air.Manifest) error {
	check := func(n schema.Name) error {
		if n.IsSystem() {
			return kernelerr.Newf(kernelerr.InvalidManifest,
				"external manifest may not define sys/ name %s", n)
		}
		return nil
	}
	for n := range m.Schemas {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Modules {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Plans {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Caps {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Policies {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Effects {
		if err := check(n); err != nil {
			return err
		}
	}
	for n := range m.Secrets {
		if err := check(n); err != nil {
			return err
		}
	}
	return nil
}

// checkCorrelatedAwaitEvent enforces §4.5: a trigger that spawns an instance
// keyed by CorrelateBy must make every await_event step its plan can reach
// filter on that correlation, or the instance would bind the first event of
// the family regardless of which instance it belongs to.
func checkCorrelatedAwaitEvent(m *air.Manifest, plans map[schema.Name]air.DefPlan) error {
	for _, trig := range m.Triggers {
		if trig.CorrelateBy == "" {
			continue
		}
		plan, ok := plans[trig.Plan]
		if !ok {
			continue
		}
		for stepID, step := range plan.Steps {
			if step.Kind != air.StepAwaitEvent || step.AwaitEvent == nil {
				continue
			}
			if step.AwaitEvent.Where == nil {
				return kernelerr.Newf(kernelerr.AwaitEventWithoutCorrelationPredicate,
					"plan %s step %q: correlated trigger on event %s requires await_event.where", trig.Plan, stepID, trig.Event)
			}
		}
	}
	return nil
}

// family returns the set of event schemas a reducer's event family refs,
// per Rule B's definition.
func family(f air.EventFamily) map[schema.Name]string {
	out := make(map[schema.Name]string)
	if len(f.Arms) == 0 {
		out[f.RefEvent] = ""
		return out
	}
	for _, arm := range f.Arms {
		out[arm.Event] = arm.Tag
	}
	return out
}

func buildRouter(m *air.Manifest, reducers map[schema.Name]ReducerEntry) (map[schema.Name][]DispatchTarget, error) {
	router := make(map[schema.Name][]DispatchTarget)
	for name, reducer := range reducers {
		seen := make(map[schema.Name]bool, len(reducer.EventFamily.Arms))
		for _, arm := range reducer.EventFamily.Arms {
			if seen[arm.Event] {
				return nil, kernelerr.Newf(kernelerr.InvalidManifest,
					"event family of reducer %s refs %s in more than one arm", name, arm.Event)
			}
			seen[arm.Event] = true
		}
	}
	for _, r := range m.Routing {
		reducer, ok := reducers[r.Reducer]
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest,
				"routing entry references unknown reducer %s", r.Reducer)
		}
		fam := family(reducer.EventFamily)
		tag, inFamily := fam[r.Event]
		if !inFamily {
			return nil, kernelerr.Newf(kernelerr.RoutingIncompatible,
				"event %s not in event family of reducer %s", r.Event, r.Reducer)
		}

		target := DispatchTarget{Reducer: r.Reducer}
		if len(reducer.EventFamily.Arms) == 0 {
			target.Wrapper = WrapperIdentity
		} else {
			target.Wrapper = WrapperVariant
			target.VariantTag = tag
		}

		if reducer.KeySchema != nil {
			target.Keying = KeyingKeyed
			target.KeySchema = *reducer.KeySchema
			target.KeyField = r.KeyField
			if target.KeyField == "" {
				return nil, kernelerr.Newf(kernelerr.KeyCoherence,
					"keyed reducer %s requires key_field in routing entry for %s", r.Reducer, r.Event)
			}
		} else if r.KeyField != "" {
			return nil, kernelerr.Newf(kernelerr.KeyCoherence,
				"routing entry sets key_field for unkeyed reducer %s", r.Reducer)
		}

		router[r.Event] = append(router[r.Event], target)
	}
	return router, nil
}

func buildCapResolver(m *air.Manifest, idx schema.Index) (map[string]CapResolverEntry, error) {
	resolver := make(map[string]CapResolverEntry, len(m.Grants))
	for name, g := range m.Grants {
		def, ok := m.Caps[g.DefCap]
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest,
				"grant %q references unknown defcap %s", name, g.DefCap)
		}
		paramSchema, ok := m.Schemas[def.ParamSchema]
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest,
				"defcap %s references unknown param_schema %s", g.DefCap, def.ParamSchema)
		}
		coerced, err := air.CoerceToSchema(idx, paramSchema.Schema, g.Params)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.SchemaMismatch, fmt.Sprintf("grant %q params", name), err)
		}
		paramBytes, err := codec.Encode(paramSchema.Schema, idx, coerced)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.NotCanonical, fmt.Sprintf("grant %q params", name), err)
		}

		enforcerIdentity := ""
		if def.EnforcerHash != nil {
			enforcerIdentity = fmt.Sprintf("%x", def.EnforcerHash[:])
		}

		grantHash, err := computeGrantHash(g.DefCap, paramBytes, g.Budget, g.ExpiryNs)
		if err != nil {
			return nil, err
		}

		resolver[name] = CapResolverEntry{
			DefCap:              g.DefCap,
			CanonicalParamsCBOR: paramBytes,
			Budget:              g.Budget,
			ExpiryNs:            g.ExpiryNs,
			EnforcerIdentity:    enforcerIdentity,
			GrantHash:           grantHash,
		}
	}
	return resolver, nil
}

// computeGrantHash computes grant_hash as the SHA-256 of a byte
// concatenation in a fixed field order (not manifest order): the defcap
// name, a NUL byte, the canonical params CBOR, a NUL byte, then each budget
// dimension in sorted order as its name followed by its limit as 8
// big-endian bytes, then the expiry as 8 big-endian bytes when set. The
// fields are not themselves CBOR-encoded. The fixed order keeps the hash
// stable across manifest reorderings per Testable Property 8.
func computeGrantHash(defCap schema.Name, paramsCBOR []byte, budget map[string]uint64, expiryNs *uint64) (schema.Hash, error) {
	dims := make([]string, 0, len(budget))
	for d := range budget {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	buf := make([]byte, 0, 64+len(paramsCBOR))
	buf = append(buf, []byte(defCap.String())...)
	buf = append(buf, 0)
	buf = append(buf, paramsCBOR...)
	buf = append(buf, 0)
	for _, d := range dims {
		buf = append(buf, []byte(d)...)
		buf = binary.BigEndian.AppendUint64(buf, budget[d])
	}
	if expiryNs != nil {
		buf = binary.BigEndian.AppendUint64(buf, *expiryNs)
	}
	return codec.Hash(buf), nil
}

// applyDefaultBindings binds a reducer's slot named "default" automatically
// when the manifest declares exactly one grant and no explicit binding was
// already given for that slot. The grant's defcap is not compared with the
// reducer's cap slots (a slot carries only a name), so the single grant is
// bound whatever its cap type; with two or more grants the slot is left
// unbound.
func applyDefaultBindings(reducers map[schema.Name]ReducerEntry, resolver map[string]CapResolverEntry, m *air.Manifest, bindings map[schema.Name]map[string]string) {
	for name, reducer := range reducers {
		hasDefaultSlot := false
		for _, slot := range reducer.CapSlots {
			if slot == "default" {
				hasDefaultSlot = true
				break
			}
		}
		if !hasDefaultSlot {
			continue
		}
		if bindings[name] != nil && bindings[name]["default"] != "" {
			continue
		}
		var match string
		matches := 0
		for grantName := range m.Grants {
			matches++
			match = grantName
		}
		if matches == 1 {
			if bindings[name] == nil {
				bindings[name] = make(map[string]string)
			}
			bindings[name]["default"] = match
		}
	}
	_ = resolver
}

func manifestHash(m *air.Manifest) (schema.Hash, error) {
	names := make([]string, 0, len(m.Schemas)+len(m.Modules)+len(m.Plans))
	for n := range m.Schemas {
		names = append(names, "schema:"+n.String())
	}
	for n := range m.Modules {
		names = append(names, "module:"+n.String())
	}
	for n := range m.Plans {
		names = append(names, "plan:"+n.String())
	}
	for n := range m.Caps {
		names = append(names, "cap:"+n.String())
	}
	for n := range m.Policies {
		names = append(names, "policy:"+n.String())
	}
	for n := range m.Effects {
		names = append(names, "effect:"+n.String())
	}
	for n := range m.Secrets {
		names = append(names, "secret:"+n.String())
	}
	sort.Strings(names)
	buf := make([]byte, 0, 256)
	for _, n := range names {
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return codec.Hash(buf), nil
}
