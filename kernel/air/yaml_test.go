package air

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/schema"
)

const sampleManifest = `
air_version: 1
schemas:
  - name: app/order@1
    type:
      kind: record
      fields:
        - name: id
          type: {kind: text}
        - name: qty
          type: {kind: nat}
  - name: app/receipt@1
    type:
      kind: record
      fields:
        - name: ok
          type: {kind: bool}
modules:
  - name: app/cart@1
    module_hash: AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
    state_schema: app/order@1
    event_family:
      ref_event: app/order@1
    effects_emitted: [app/ship@1]
    cap_slots: [shipping]
plans:
  - name: app/checkout@1
    input_schema: app/order@1
    output_schema: app/receipt@1
    entry: start
    required_caps: [shipping]
    allowed_effects: [app/ship@1]
    steps:
      - id: start
        kind: assign
        var: qty
        value: {ref: "input.qty"}
        next: ship
      - id: ship
        kind: emit_effect
        effect: app/ship@1
        cap: shipping
        params: {record: {fields: [{name: qty, value: {ref: "qty"}}]}}
        correlation_var: corr
        next: wait
      - id: wait
        kind: await_receipt
        correlation_var: corr
        result_var: receipt
        next: done
      - id: done
        kind: end
caps:
  - name: app/shipping_cap@1
    param_schema: app/order@1
    budget_dims: [shipments]
policies:
  - name: app/default_policy@1
    default: deny
    rules:
      - effect_kind: app/ship@1
        cap_name: shipping
        origin_kind: plan
        origin_name: app/checkout@1
        decision: allow
effects:
  - name: app/ship@1
    param_schema: app/order@1
    receipt_schema: app/receipt@1
    required_cap: app/shipping_cap@1
    origin: plan
secrets:
  - name: app/carrier_key@1
    binding_id: carrier-api-key
    allowed_caps: [shipping]
routing:
  - event: app/order@1
    reducer: app/cart@1
triggers:
  - event: app/order@1
    plan: app/checkout@1
    input_expr: {ref: "event"}
    correlate_by: id
grants:
  shipping:
    defcap: app/shipping_cap@1
    params: {id: "o-1", qty: 2}
    budget: {shipments: 10}
`

func TestLoad_FullManifest(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.AirVersion)

	orderName := schema.Name{Namespace: "app", Local: "order", Version: 1}
	require.Contains(t, m.Schemas, orderName)
	require.Equal(t, schema.Record, m.Schemas[orderName].Schema.Kind)

	moduleName := schema.Name{Namespace: "app", Local: "cart", Version: 1}
	mod, ok := m.Modules[moduleName]
	require.True(t, ok)
	require.Equal(t, orderName, mod.StateSchema)
	require.Equal(t, orderName, mod.EventFamily.RefEvent)

	planName := schema.Name{Namespace: "app", Local: "checkout", Version: 1}
	plan, ok := m.Plans[planName]
	require.True(t, ok)
	require.Equal(t, "start", plan.Entry)
	require.Len(t, plan.Steps, 4)
	require.NotNil(t, plan.Steps["start"].Assign)
	require.NotNil(t, plan.Steps["ship"].EmitEffect)
	require.NotNil(t, plan.Steps["wait"].AwaitReceipt)
	require.Equal(t, StepEnd, plan.Steps["done"].Kind)

	capName := schema.Name{Namespace: "app", Local: "shipping_cap", Version: 1}
	require.Contains(t, m.Caps, capName)

	policyName := schema.Name{Namespace: "app", Local: "default_policy", Version: 1}
	pol, ok := m.Policies[policyName]
	require.True(t, ok)
	require.Equal(t, PolicyDeny, pol.Default)
	require.Len(t, pol.Rules, 1)
	require.Equal(t, PolicyAllow, pol.Rules[0].Decision)

	effectName := schema.Name{Namespace: "app", Local: "ship", Version: 1}
	eff, ok := m.Effects[effectName]
	require.True(t, ok)
	require.Equal(t, OriginPlan, eff.Origin)

	secretName := schema.Name{Namespace: "app", Local: "carrier_key", Version: 1}
	require.Contains(t, m.Secrets, secretName)

	require.Len(t, m.Routing, 1)
	require.Equal(t, moduleName, m.Routing[0].Reducer)

	require.Len(t, m.Triggers, 1)
	require.Equal(t, planName, m.Triggers[0].Plan)
	require.Equal(t, "id", m.Triggers[0].CorrelateBy)

	grant, ok := m.Grants["shipping"]
	require.True(t, ok)
	require.Equal(t, capName, grant.DefCap)
	require.Equal(t, uint64(10), grant.Budget["shipments"])
}

func TestLoad_RejectsWrongAirVersion(t *testing.T) {
	_, err := Load([]byte("air_version: 2\n"))
	require.Error(t, err)
}

func TestLoad_RejectsBadName(t *testing.T) {
	_, err := Load([]byte(`
air_version: 1
schemas:
  - name: "not a valid name"
    type: {kind: bool}
`))
	require.Error(t, err)
}

func TestManifest_MergeDetectsDuplicates(t *testing.T) {
	a := NewManifest()
	b := NewManifest()
	name := schema.Name{Namespace: "app", Local: "order", Version: 1}
	a.Schemas[name] = DefSchema{Name: name, Schema: schema.BoolSchema()}
	b.Schemas[name] = DefSchema{Name: name, Schema: schema.TextSchema()}

	err := a.Merge(b)
	require.Error(t, err)
	var dup *DuplicateDefinitionError
	require.ErrorAs(t, err, &dup)
}

func TestManifest_MergeDisjoint(t *testing.T) {
	a := NewManifest()
	b := NewManifest()
	n1 := schema.Name{Namespace: "app", Local: "order", Version: 1}
	n2 := schema.Name{Namespace: "app", Local: "receipt", Version: 1}
	a.Schemas[n1] = DefSchema{Name: n1, Schema: schema.BoolSchema()}
	b.Schemas[n2] = DefSchema{Name: n2, Schema: schema.TextSchema()}

	require.NoError(t, a.Merge(b))
	require.Contains(t, a.Schemas, n1)
	require.Contains(t, a.Schemas, n2)
}
