package air

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

// document is the on-disk YAML shape of one AIR manifest file. Field names
// match the wire vocabulary used throughout spec documents and tooling
// (`air_version`, `schemas`, `modules`, ...).
type document struct {
	AirVersion uint32           `yaml:"air_version"`
	Schemas    []yamlDefSchema  `yaml:"schemas"`
	Modules    []yamlDefModule  `yaml:"modules"`
	Plans      []yamlDefPlan    `yaml:"plans"`
	Caps       []yamlDefCap     `yaml:"caps"`
	Policies   []yamlDefPolicy  `yaml:"policies"`
	Effects    []yamlDefEffect  `yaml:"effects"`
	Secrets    []yamlDefSecret  `yaml:"secrets"`
	Routing    []yamlRoutingEntry `yaml:"routing,omitempty"`
	Triggers   []yamlTrigger      `yaml:"triggers,omitempty"`
	ModuleBindings []yamlModuleBinding `yaml:"module_bindings,omitempty"`
	Grants     map[string]yamlCapGrant `yaml:"grants,omitempty"`
}

type yamlRoutingEntry struct {
	Event      string `yaml:"event"`
	Reducer    string `yaml:"reducer"`
	VariantTag string `yaml:"variant_tag,omitempty"`
	KeyField   string `yaml:"key_field,omitempty"`
}

type yamlTrigger struct {
	Event       string `yaml:"event"`
	Plan        string `yaml:"plan"`
	When        any    `yaml:"when,omitempty"`
	InputExpr   any    `yaml:"input_expr"`
	CorrelateBy string `yaml:"correlate_by,omitempty"`
}

type yamlModuleBinding struct {
	Reducer string `yaml:"reducer"`
	Slot    string `yaml:"slot"`
	Grant   string `yaml:"grant"`
}

type yamlCapGrant struct {
	DefCap   string            `yaml:"defcap"`
	Params   any               `yaml:"params"`
	Budget   map[string]uint64 `yaml:"budget,omitempty"`
	ExpiryNs *uint64           `yaml:"expiry_ns,omitempty"`
}

type yamlType struct {
	Kind   string       `yaml:"kind"`
	Elem   *yamlType    `yaml:"elem,omitempty"`
	Key    *yamlType    `yaml:"key,omitempty"`
	Value  *yamlType    `yaml:"value,omitempty"`
	Fields []yamlField  `yaml:"fields,omitempty"`
	Cases  []yamlCase   `yaml:"cases,omitempty"`
	Ref    string       `yaml:"ref,omitempty"`
}

type yamlField struct {
	Name string   `yaml:"name"`
	Type yamlType `yaml:"type"`
}

type yamlCase struct {
	Tag  string   `yaml:"tag"`
	Type yamlType `yaml:"type"`
}

type yamlDefSchema struct {
	Name string   `yaml:"name"`
	Type yamlType `yaml:"type"`
}

type yamlEventFamily struct {
	RefEvent string `yaml:"ref_event,omitempty"`
	Arms     []struct {
		Tag   string `yaml:"tag"`
		Event string `yaml:"event"`
	} `yaml:"arms,omitempty"`
}

type yamlDefModule struct {
	Name           string          `yaml:"name"`
	ModuleHash     string          `yaml:"module_hash"`
	StateSchema    string          `yaml:"state_schema"`
	EventFamily    yamlEventFamily `yaml:"event_family"`
	EffectsEmitted []string        `yaml:"effects_emitted,omitempty"`
	CapSlots       []string        `yaml:"cap_slots,omitempty"`
	KeySchema      string          `yaml:"key_schema,omitempty"`
}

type yamlDefPlan struct {
	Name           string          `yaml:"name"`
	InputSchema    string          `yaml:"input_schema"`
	OutputSchema   string          `yaml:"output_schema"`
	Entry          string          `yaml:"entry"`
	Steps          []yamlStep      `yaml:"steps"`
	RequiredCaps   []string        `yaml:"required_caps,omitempty"`
	AllowedEffects []string        `yaml:"allowed_effects,omitempty"`
}

// yamlStep carries every step-kind-specific field flatly; only the fields
// relevant to Kind are expected to be populated in a given document entry.
type yamlStep struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Next string `yaml:"next,omitempty"`

	Var            string           `yaml:"var,omitempty"`
	Value          any              `yaml:"value,omitempty"`
	Effect         string           `yaml:"effect,omitempty"`
	Cap            string           `yaml:"cap,omitempty"`
	Params         any              `yaml:"params,omitempty"`
	CorrelationVar string           `yaml:"correlation_var,omitempty"`
	ResultVar      string           `yaml:"result_var,omitempty"`
	EventFamily    string           `yaml:"event_family,omitempty"`
	Where          any              `yaml:"where,omitempty"`
	Plan           string           `yaml:"plan,omitempty"`
	Input          any              `yaml:"input,omitempty"`
	InstanceVar    string           `yaml:"instance_var,omitempty"`
	InstanceVarRef string           `yaml:"instance_var_ref,omitempty"`
	Items          any              `yaml:"items,omitempty"`
	InstancesVar   string           `yaml:"instances_var,omitempty"`
	InstancesVarRef string          `yaml:"instances_var_ref,omitempty"`
	Arms           []yamlBranchArm  `yaml:"arms,omitempty"`
	Default        string           `yaml:"default,omitempty"`
}

type yamlBranchArm struct {
	Condition any    `yaml:"condition"`
	Next      string `yaml:"next"`
}

type yamlDefCap struct {
	Name         string   `yaml:"name"`
	ParamSchema  string   `yaml:"param_schema"`
	EnforcerHash string   `yaml:"enforcer_hash,omitempty"`
	BudgetDims   []string `yaml:"budget_dims,omitempty"`
}

type yamlPolicyRule struct {
	EffectKind string `yaml:"effect_kind"`
	CapName    string `yaml:"cap_name"`
	OriginKind string `yaml:"origin_kind"`
	OriginName string `yaml:"origin_name"`
	Decision   string `yaml:"decision"`
}

type yamlDefPolicy struct {
	Name    string           `yaml:"name"`
	Rules   []yamlPolicyRule `yaml:"rules"`
	Default string           `yaml:"default"`
}

type yamlDefEffect struct {
	Name          string `yaml:"name"`
	ParamSchema   string `yaml:"param_schema"`
	ReceiptSchema string `yaml:"receipt_schema"`
	RequiredCap   string `yaml:"required_cap"`
	Origin        string `yaml:"origin"`
}

type yamlDefSecret struct {
	Name           string   `yaml:"name"`
	BindingID      string   `yaml:"binding_id"`
	ExpectedDigest string   `yaml:"expected_digest,omitempty"`
	AllowedCaps    []string `yaml:"allowed_caps,omitempty"`
}

// LoadFile reads and parses one AIR manifest document from path.
func LoadFile(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("air: read %s: %w", path, err)
	}
	return Load(b)
}

// Load parses one AIR manifest document from raw YAML bytes.
func Load(data []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("air: parse manifest: %w", err)
	}
	if doc.AirVersion != SupportedAirVersion {
		return nil, fmt.Errorf("air: unsupported air_version %d (want %d)", doc.AirVersion, SupportedAirVersion)
	}

	m := NewManifest()
	for _, s := range doc.Schemas {
		name, err := schema.ParseName(s.Name)
		if err != nil {
			return nil, fmt.Errorf("air: schema %q: %w", s.Name, err)
		}
		sch, err := toSchema(s.Type)
		if err != nil {
			return nil, fmt.Errorf("air: schema %q: %w", s.Name, err)
		}
		m.Schemas[name] = DefSchema{Name: name, Schema: sch}
	}
	for _, mm := range doc.Modules {
		def, name, err := toDefModule(mm)
		if err != nil {
			return nil, err
		}
		m.Modules[name] = def
	}
	for _, p := range doc.Plans {
		def, name, err := toDefPlan(p)
		if err != nil {
			return nil, err
		}
		m.Plans[name] = def
	}
	for _, c := range doc.Caps {
		def, name, err := toDefCap(c)
		if err != nil {
			return nil, err
		}
		m.Caps[name] = def
	}
	for _, p := range doc.Policies {
		def, name, err := toDefPolicy(p)
		if err != nil {
			return nil, err
		}
		m.Policies[name] = def
	}
	for _, e := range doc.Effects {
		def, name, err := toDefEffect(e)
		if err != nil {
			return nil, err
		}
		m.Effects[name] = def
	}
	for _, s := range doc.Secrets {
		def, name, err := toDefSecret(s)
		if err != nil {
			return nil, err
		}
		m.Secrets[name] = def
	}
	for _, r := range doc.Routing {
		entry, err := toRoutingEntry(r)
		if err != nil {
			return nil, err
		}
		m.Routing = append(m.Routing, entry)
	}
	for _, t := range doc.Triggers {
		trig, err := toTrigger(t)
		if err != nil {
			return nil, err
		}
		m.Triggers = append(m.Triggers, trig)
	}
	for _, b := range doc.ModuleBindings {
		reducer, err := schema.ParseName(b.Reducer)
		if err != nil {
			return nil, fmt.Errorf("air: module_binding: %w", err)
		}
		m.ModuleBindings = append(m.ModuleBindings, ModuleBinding{Reducer: reducer, Slot: b.Slot, Grant: b.Grant})
	}
	for grantName, g := range doc.Grants {
		defCap, err := schema.ParseName(g.DefCap)
		if err != nil {
			return nil, fmt.Errorf("air: grant %q: %w", grantName, err)
		}
		m.Grants[grantName] = CapGrant{DefCap: defCap, Params: g.Params, Budget: g.Budget, ExpiryNs: g.ExpiryNs}
	}
	return m, nil
}

func toRoutingEntry(y yamlRoutingEntry) (RoutingEntry, error) {
	event, err := schema.ParseName(y.Event)
	if err != nil {
		return RoutingEntry{}, fmt.Errorf("air: routing: event: %w", err)
	}
	reducer, err := schema.ParseName(y.Reducer)
	if err != nil {
		return RoutingEntry{}, fmt.Errorf("air: routing: reducer: %w", err)
	}
	return RoutingEntry{Event: event, Reducer: reducer, VariantTag: y.VariantTag, KeyField: y.KeyField}, nil
}

func toTrigger(y yamlTrigger) (Trigger, error) {
	event, err := schema.ParseName(y.Event)
	if err != nil {
		return Trigger{}, fmt.Errorf("air: trigger: event: %w", err)
	}
	plan, err := schema.ParseName(y.Plan)
	if err != nil {
		return Trigger{}, fmt.Errorf("air: trigger: plan: %w", err)
	}
	var when expr.Expr
	if y.When != nil {
		when, err = toExpr(y.When)
		if err != nil {
			return Trigger{}, fmt.Errorf("air: trigger: when: %w", err)
		}
	}
	input, err := toExpr(y.InputExpr)
	if err != nil {
		return Trigger{}, fmt.Errorf("air: trigger: input_expr: %w", err)
	}
	return Trigger{Event: event, Plan: plan, When: when, InputExpr: input, CorrelateBy: y.CorrelateBy}, nil
}
