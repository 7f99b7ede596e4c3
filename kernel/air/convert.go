package air

import (
	"encoding/base64"
	"fmt"

	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

func toSchema(t yamlType) (schema.Schema, error) {
	switch t.Kind {
	case "bool":
		return schema.BoolSchema(), nil
	case "nat":
		return schema.NatSchema(), nil
	case "int":
		return schema.IntSchema(), nil
	case "text":
		return schema.TextSchema(), nil
	case "bytes":
		return schema.BytesSchema(), nil
	case "hash":
		return schema.HashSchema(), nil
	case "time":
		return schema.TimeSchema(), nil
	case "option":
		if t.Elem == nil {
			return schema.Schema{}, fmt.Errorf("air: option type missing elem")
		}
		inner, err := toSchema(*t.Elem)
		if err != nil {
			return schema.Schema{}, err
		}
		return schema.OptionSchema(inner), nil
	case "list":
		if t.Elem == nil {
			return schema.Schema{}, fmt.Errorf("air: list type missing elem")
		}
		inner, err := toSchema(*t.Elem)
		if err != nil {
			return schema.Schema{}, err
		}
		return schema.ListSchema(inner), nil
	case "set":
		if t.Elem == nil {
			return schema.Schema{}, fmt.Errorf("air: set type missing elem")
		}
		inner, err := toSchema(*t.Elem)
		if err != nil {
			return schema.Schema{}, err
		}
		return schema.SetSchema(inner), nil
	case "map":
		if t.Key == nil || t.Value == nil {
			return schema.Schema{}, fmt.Errorf("air: map type missing key/value")
		}
		key, err := toSchema(*t.Key)
		if err != nil {
			return schema.Schema{}, err
		}
		val, err := toSchema(*t.Value)
		if err != nil {
			return schema.Schema{}, err
		}
		return schema.MapSchema(key, val), nil
	case "record":
		fields := make([]schema.Field, 0, len(t.Fields))
		for _, f := range t.Fields {
			fs, err := toSchema(f.Type)
			if err != nil {
				return schema.Schema{}, err
			}
			fields = append(fields, schema.Field{Name: f.Name, Schema: fs})
		}
		return schema.RecordSchema(fields...), nil
	case "variant":
		cases := make([]schema.Case, 0, len(t.Cases))
		for _, c := range t.Cases {
			cs, err := toSchema(c.Type)
			if err != nil {
				return schema.Schema{}, err
			}
			cases = append(cases, schema.Case{Tag: c.Tag, Schema: cs})
		}
		return schema.VariantSchema(cases...), nil
	case "ref":
		name, err := schema.ParseName(t.Ref)
		if err != nil {
			return schema.Schema{}, fmt.Errorf("air: ref type: %w", err)
		}
		return schema.RefSchema(name), nil
	default:
		return schema.Schema{}, fmt.Errorf("air: unknown schema kind %q", t.Kind)
	}
}

func toDefModule(y yamlDefModule) (DefModule, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: %w", y.Name, err)
	}
	stateSchema, err := schema.ParseName(y.StateSchema)
	if err != nil {
		return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: state_schema: %w", y.Name, err)
	}
	hashBytes, err := base64.StdEncoding.DecodeString(y.ModuleHash)
	if err != nil || len(hashBytes) != 32 {
		return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: module_hash must be base64-encoded 32 bytes", y.Name)
	}
	var h schema.Hash
	copy(h[:], hashBytes)

	fam, err := toEventFamily(y.EventFamily)
	if err != nil {
		return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: %w", y.Name, err)
	}

	effects := make([]schema.Name, 0, len(y.EffectsEmitted))
	for _, e := range y.EffectsEmitted {
		n, err := schema.ParseName(e)
		if err != nil {
			return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: effects_emitted: %w", y.Name, err)
		}
		effects = append(effects, n)
	}

	var keySchema *schema.Name
	if y.KeySchema != "" {
		n, err := schema.ParseName(y.KeySchema)
		if err != nil {
			return DefModule{}, schema.Name{}, fmt.Errorf("air: module %q: key_schema: %w", y.Name, err)
		}
		keySchema = &n
	}

	return DefModule{
		Name:           name,
		ModuleHash:     h,
		StateSchema:    stateSchema,
		EventFamily:    fam,
		EffectsEmitted: effects,
		CapSlots:       y.CapSlots,
		KeySchema:      keySchema,
	}, name, nil
}

func toEventFamily(y yamlEventFamily) (EventFamily, error) {
	if y.RefEvent != "" {
		n, err := schema.ParseName(y.RefEvent)
		if err != nil {
			return EventFamily{}, fmt.Errorf("event_family.ref_event: %w", err)
		}
		return EventFamily{RefEvent: n}, nil
	}
	arms := make([]EventFamilyArm, 0, len(y.Arms))
	for _, a := range y.Arms {
		n, err := schema.ParseName(a.Event)
		if err != nil {
			return EventFamily{}, fmt.Errorf("event_family.arms[%s]: %w", a.Tag, err)
		}
		arms = append(arms, EventFamilyArm{Tag: a.Tag, Event: n})
	}
	return EventFamily{Arms: arms}, nil
}

func toDefPlan(y yamlDefPlan) (DefPlan, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefPlan{}, schema.Name{}, fmt.Errorf("air: plan %q: %w", y.Name, err)
	}
	inputSchema, err := schema.ParseName(y.InputSchema)
	if err != nil {
		return DefPlan{}, schema.Name{}, fmt.Errorf("air: plan %q: input_schema: %w", y.Name, err)
	}
	outputSchema, err := schema.ParseName(y.OutputSchema)
	if err != nil {
		return DefPlan{}, schema.Name{}, fmt.Errorf("air: plan %q: output_schema: %w", y.Name, err)
	}

	steps := make(map[string]Step, len(y.Steps))
	for _, ys := range y.Steps {
		s, err := toStep(ys)
		if err != nil {
			return DefPlan{}, schema.Name{}, fmt.Errorf("air: plan %q: step %q: %w", y.Name, ys.ID, err)
		}
		steps[s.ID] = s
	}

	allowed := make([]schema.Name, 0, len(y.AllowedEffects))
	for _, e := range y.AllowedEffects {
		n, err := schema.ParseName(e)
		if err != nil {
			return DefPlan{}, schema.Name{}, fmt.Errorf("air: plan %q: allowed_effects: %w", y.Name, err)
		}
		allowed = append(allowed, n)
	}

	return DefPlan{
		Name:           name,
		InputSchema:    inputSchema,
		OutputSchema:   outputSchema,
		Entry:          y.Entry,
		Steps:          steps,
		RequiredCaps:   y.RequiredCaps,
		AllowedEffects: allowed,
	}, name, nil
}

func toStep(y yamlStep) (Step, error) {
	s := Step{ID: y.ID, Kind: StepKind(y.Kind), Next: y.Next}
	switch s.Kind {
	case StepAssign:
		v, err := toExpr(y.Value)
		if err != nil {
			return Step{}, err
		}
		s.Assign = &AssignStep{Var: y.Var, Value: v}
	case StepEmitEffect:
		effect, err := schema.ParseName(y.Effect)
		if err != nil {
			return Step{}, fmt.Errorf("effect: %w", err)
		}
		params, err := toExpr(y.Params)
		if err != nil {
			return Step{}, err
		}
		s.EmitEffect = &EmitEffectStep{Effect: effect, Cap: y.Cap, Params: params, CorrelationVar: y.CorrelationVar}
	case StepAwaitReceipt:
		s.AwaitReceipt = &AwaitReceiptStep{CorrelationVar: y.CorrelationVar, ResultVar: y.ResultVar}
	case StepAwaitEvent:
		fam, err := schema.ParseName(y.EventFamily)
		if err != nil {
			return Step{}, fmt.Errorf("event_family: %w", err)
		}
		var where expr.Expr
		if y.Where != nil {
			where, err = toExpr(y.Where)
			if err != nil {
				return Step{}, fmt.Errorf("await_event: where: %w", err)
			}
		}
		s.AwaitEvent = &AwaitEventStep{EventFamily: fam, ResultVar: y.ResultVar, Where: where, CorrelationVar: y.CorrelationVar}
	case StepRaiseEvent:
		fam, err := schema.ParseName(y.EventFamily)
		if err != nil {
			return Step{}, fmt.Errorf("event_family: %w", err)
		}
		v, err := toExpr(y.Value)
		if err != nil {
			return Step{}, err
		}
		s.RaiseEvent = &RaiseEventStep{EventFamily: fam, Value: v}
	case StepSpawnPlan:
		plan, err := schema.ParseName(y.Plan)
		if err != nil {
			return Step{}, fmt.Errorf("plan: %w", err)
		}
		in, err := toExpr(y.Input)
		if err != nil {
			return Step{}, err
		}
		s.SpawnPlan = &SpawnPlanStep{Plan: plan, Input: in, InstanceVar: y.InstanceVar}
	case StepAwaitPlan:
		s.AwaitPlan = &AwaitPlanStep{InstanceVarRef: y.InstanceVarRef, ResultVar: y.ResultVar}
	case StepSpawnForEach:
		plan, err := schema.ParseName(y.Plan)
		if err != nil {
			return Step{}, fmt.Errorf("plan: %w", err)
		}
		items, err := toExpr(y.Items)
		if err != nil {
			return Step{}, err
		}
		s.SpawnForEach = &SpawnForEachStep{Plan: plan, Items: items, InstancesVar: y.InstancesVar}
	case StepAwaitPlansAll:
		s.AwaitPlansAll = &AwaitPlansAllStep{InstancesVarRef: y.InstancesVarRef, ResultVar: y.ResultVar}
	case StepBranch:
		arms := make([]BranchArm, 0, len(y.Arms))
		for _, a := range y.Arms {
			cond, err := toExpr(a.Condition)
			if err != nil {
				return Step{}, err
			}
			arms = append(arms, BranchArm{Condition: cond, Next: a.Next})
		}
		s.Branch = &BranchStep{Arms: arms, Default: y.Default}
	case StepEnd:
		// no payload
	default:
		return Step{}, fmt.Errorf("unknown step kind %q", y.Kind)
	}
	return s, nil
}

func toDefCap(y yamlDefCap) (DefCap, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefCap{}, schema.Name{}, fmt.Errorf("air: cap %q: %w", y.Name, err)
	}
	paramSchema, err := schema.ParseName(y.ParamSchema)
	if err != nil {
		return DefCap{}, schema.Name{}, fmt.Errorf("air: cap %q: param_schema: %w", y.Name, err)
	}
	var enforcer *schema.Hash
	if y.EnforcerHash != "" {
		hb, err := base64.StdEncoding.DecodeString(y.EnforcerHash)
		if err != nil || len(hb) != 32 {
			return DefCap{}, schema.Name{}, fmt.Errorf("air: cap %q: enforcer_hash must be base64-encoded 32 bytes", y.Name)
		}
		var h schema.Hash
		copy(h[:], hb)
		enforcer = &h
	}
	return DefCap{Name: name, ParamSchema: paramSchema, EnforcerHash: enforcer, BudgetDims: y.BudgetDims}, name, nil
}

func toDefPolicy(y yamlDefPolicy) (DefPolicy, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefPolicy{}, schema.Name{}, fmt.Errorf("air: policy %q: %w", y.Name, err)
	}
	rules := make([]PolicyRule, 0, len(y.Rules))
	for _, r := range y.Rules {
		effectKind, err := schema.ParseName(r.EffectKind)
		if err != nil {
			return DefPolicy{}, schema.Name{}, fmt.Errorf("air: policy %q: rule effect_kind: %w", y.Name, err)
		}
		originName, err := schema.ParseName(r.OriginName)
		if err != nil {
			return DefPolicy{}, schema.Name{}, fmt.Errorf("air: policy %q: rule origin_name: %w", y.Name, err)
		}
		rules = append(rules, PolicyRule{
			EffectKind: effectKind,
			CapName:    r.CapName,
			OriginKind: r.OriginKind,
			OriginName: originName,
			Decision:   PolicyDecision(r.Decision),
		})
	}
	return DefPolicy{Name: name, Rules: rules, Default: PolicyDecision(y.Default)}, name, nil
}

func toDefEffect(y yamlDefEffect) (DefEffect, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefEffect{}, schema.Name{}, fmt.Errorf("air: effect %q: %w", y.Name, err)
	}
	paramSchema, err := schema.ParseName(y.ParamSchema)
	if err != nil {
		return DefEffect{}, schema.Name{}, fmt.Errorf("air: effect %q: param_schema: %w", y.Name, err)
	}
	receiptSchema, err := schema.ParseName(y.ReceiptSchema)
	if err != nil {
		return DefEffect{}, schema.Name{}, fmt.Errorf("air: effect %q: receipt_schema: %w", y.Name, err)
	}
	requiredCap, err := schema.ParseName(y.RequiredCap)
	if err != nil {
		return DefEffect{}, schema.Name{}, fmt.Errorf("air: effect %q: required_cap: %w", y.Name, err)
	}
	return DefEffect{
		Name:          name,
		ParamSchema:   paramSchema,
		ReceiptSchema: receiptSchema,
		RequiredCap:   requiredCap,
		Origin:        OriginScope(y.Origin),
	}, name, nil
}

func toDefSecret(y yamlDefSecret) (DefSecret, schema.Name, error) {
	name, err := schema.ParseName(y.Name)
	if err != nil {
		return DefSecret{}, schema.Name{}, fmt.Errorf("air: secret %q: %w", y.Name, err)
	}
	var digest *schema.Hash
	if y.ExpectedDigest != "" {
		hb, err := base64.StdEncoding.DecodeString(y.ExpectedDigest)
		if err != nil || len(hb) != 32 {
			return DefSecret{}, schema.Name{}, fmt.Errorf("air: secret %q: expected_digest must be base64-encoded 32 bytes", y.Name)
		}
		var h schema.Hash
		copy(h[:], hb)
		digest = &h
	}
	return DefSecret{Name: name, BindingID: y.BindingID, ExpectedDigest: digest, AllowedCaps: y.AllowedCaps}, name, nil
}

// toExpr converts the generic YAML-decoded value (always a
// map[string]any with exactly one key naming the node kind, the "expression
// lens" per §4.1) into an expr.Expr tree.
func toExpr(v any) (expr.Expr, error) {
	if v == nil {
		return expr.Null{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("air: expression must be a single-key mapping, got %T", v)
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("air: expression mapping must have exactly one key, got %d", len(m))
	}
	for kind, body := range m {
		switch kind {
		case "null":
			return expr.Null{}, nil
		case "bool":
			b, ok := body.(bool)
			if !ok {
				return nil, fmt.Errorf("air: bool expression requires a boolean value")
			}
			return expr.BoolLit{Value: b}, nil
		case "nat":
			n, err := toUint64(body)
			if err != nil {
				return nil, fmt.Errorf("air: nat expression: %w", err)
			}
			return expr.NatLit{Value: n}, nil
		case "int":
			n, err := toInt64(body)
			if err != nil {
				return nil, fmt.Errorf("air: int expression: %w", err)
			}
			return expr.IntLit{Value: n}, nil
		case "text":
			s, ok := body.(string)
			if !ok {
				return nil, fmt.Errorf("air: text expression requires a string value")
			}
			return expr.TextLit{Value: s}, nil
		case "bytes":
			s, ok := body.(string)
			if !ok {
				return nil, fmt.Errorf("air: bytes expression requires a base64 string value")
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("air: bytes expression: %w", err)
			}
			return expr.BytesLit{Value: b}, nil
		case "ref":
			s, ok := body.(string)
			if !ok {
				return nil, fmt.Errorf("air: ref expression requires a string path")
			}
			return expr.Ref{Path: s}, nil
		case "field":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: field expression must be a mapping")
			}
			target, err := toExpr(bm["target"])
			if err != nil {
				return nil, err
			}
			field, _ := bm["field"].(string)
			return expr.FieldAccess{Target: target, Field: field}, nil
		case "index":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: index expression must be a mapping")
			}
			target, err := toExpr(bm["target"])
			if err != nil {
				return nil, err
			}
			idx, err := toExpr(bm["index"])
			if err != nil {
				return nil, err
			}
			return expr.IndexAccess{Target: target, Index: idx}, nil
		case "record":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: record expression must be a mapping")
			}
			rawFields, _ := bm["fields"].([]any)
			fields := make([]expr.FieldExpr, 0, len(rawFields))
			for _, rf := range rawFields {
				fm, ok := rf.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("air: record field must be a mapping")
				}
				name, _ := fm["name"].(string)
				val, err := toExpr(fm["value"])
				if err != nil {
					return nil, err
				}
				fields = append(fields, expr.FieldExpr{Name: name, Value: val})
			}
			return expr.RecordExpr{Fields: fields}, nil
		case "list":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: list expression must be a mapping")
			}
			rawElems, _ := bm["elems"].([]any)
			elems := make([]expr.Expr, 0, len(rawElems))
			for _, re := range rawElems {
				e, err := toExpr(re)
				if err != nil {
					return nil, err
				}
				elems = append(elems, e)
			}
			return expr.ListExpr{Elems: elems}, nil
		case "variant":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: variant expression must be a mapping")
			}
			tag, _ := bm["tag"].(string)
			val, err := toExpr(bm["value"])
			if err != nil {
				return nil, err
			}
			return expr.VariantExpr{Tag: tag, Value: val}, nil
		case "binop":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: binop expression must be a mapping")
			}
			op, _ := bm["op"].(string)
			left, err := toExpr(bm["left"])
			if err != nil {
				return nil, err
			}
			right, err := toExpr(bm["right"])
			if err != nil {
				return nil, err
			}
			return expr.BinOp{Op: op, Left: left, Right: right}, nil
		case "unop":
			bm, ok := body.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("air: unop expression must be a mapping")
			}
			op, _ := bm["op"].(string)
			operand, err := toExpr(bm["operand"])
			if err != nil {
				return nil, err
			}
			return expr.UnOp{Op: op, Operand: operand}, nil
		default:
			return nil, fmt.Errorf("air: unknown expression kind %q", kind)
		}
	}
	panic("unreachable")
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value for nat")
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value for nat")
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
