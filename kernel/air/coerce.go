package air

import (
	"encoding/base64"
	"fmt"

	"agentos.dev/kernel/kernel/schema"
)

// CoerceToSchema converts a YAML/JSON-decoded generic value (the numeric/
// string/bool/slice/map shapes encoding/json and gopkg.in/yaml.v3 produce
// for an `any` target) into the Go representation package codec expects for
// s (§3.2's conventions: nat->uint64, int->int64, bytes->[]byte via base64
// text, option->nil-or-inner, etc). Manifest authors write grant params and
// plan literal defaults in plain YAML, not in the codec's native
// representation, so every value that eventually reaches
// codec.Encode/CanonicalHash is coerced through this function first.
func CoerceToSchema(idx schema.Index, s schema.Schema, v any) (any, error) {
	resolved, err := idx.Resolve(s)
	if err != nil {
		return nil, fmt.Errorf("air: %w", err)
	}
	switch resolved.Kind {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("air: expected bool, got %T", v)
		}
		return b, nil
	case schema.Nat:
		return coerceUint(v)
	case schema.Int:
		return coerceInt(v)
	case schema.Text:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("air: expected text, got %T", v)
		}
		return str, nil
	case schema.Bytes:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("air: expected base64 text for bytes, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("air: decode bytes: %w", err)
		}
		return b, nil
	case schema.HashKind:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("air: expected base64 text for hash, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("air: hash must be base64-encoded 32 bytes")
		}
		var h schema.Hash
		copy(h[:], b)
		return h, nil
	case schema.Time:
		return coerceInt(v)
	case schema.Option:
		if v == nil {
			return nil, nil
		}
		return CoerceToSchema(idx, *resolved.Elem, v)
	case schema.List, schema.Set:
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("air: expected list, got %T", v)
		}
		out := make([]any, 0, len(list))
		for i, el := range list {
			cv, err := CoerceToSchema(idx, *resolved.Elem, el)
			if err != nil {
				return nil, fmt.Errorf("air: [%d]: %w", i, err)
			}
			out = append(out, cv)
		}
		return out, nil
	case schema.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("air: expected map, got %T", v)
		}
		entries := make([]schema.MapEntry, 0, len(m))
		for k, val := range m {
			ck, err := CoerceToSchema(idx, *resolved.Key, k)
			if err != nil {
				return nil, err
			}
			cv, err := CoerceToSchema(idx, *resolved.Value, val)
			if err != nil {
				return nil, err
			}
			entries = append(entries, schema.MapEntry{Key: ck, Value: cv})
		}
		return entries, nil
	case schema.Record:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("air: expected record mapping, got %T", v)
		}
		out := make(map[string]any, len(resolved.Fields))
		for _, f := range resolved.Fields {
			raw, present := m[f.Name]
			if !present {
				if f.Schema.Kind == schema.Option {
					continue
				}
				return nil, fmt.Errorf("air: record missing field %q", f.Name)
			}
			cv, err := CoerceToSchema(idx, f.Schema, raw)
			if err != nil {
				return nil, fmt.Errorf("air: field %q: %w", f.Name, err)
			}
			out[f.Name] = cv
		}
		return out, nil
	case schema.VariantKind:
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("air: expected single-key mapping for variant")
		}
		for tag, raw := range m {
			c, ok := resolved.CaseByTag(tag)
			if !ok {
				return nil, fmt.Errorf("air: unknown variant tag %q", tag)
			}
			cv, err := CoerceToSchema(idx, c.Schema, raw)
			if err != nil {
				return nil, err
			}
			return schema.Variant{Tag: tag, Value: cv}, nil
		}
		panic("unreachable")
	default:
		return nil, fmt.Errorf("air: unsupported schema kind %s", resolved.Kind)
	}
}

func coerceUint(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("air: negative value for nat")
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("air: negative value for nat")
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("air: expected integer for nat, got %T", v)
	}
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("air: expected integer, got %T", v)
	}
}
