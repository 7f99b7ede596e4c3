package schema

import (
	"fmt"
	"reflect"
)

// Validate checks v against s (resolving Ref schemas through idx) and returns
// every FieldIssue found, in depth-first order. A nil/empty result means v is
// schema-compliant. Validate never panics on malformed input; a value whose
// Go shape cannot be reconciled with the schema at all is reported as a
// single ConstraintTypeMismatch issue at the path it was found.
func Validate(s Schema, idx Index, v any) []FieldIssue {
	var issues []FieldIssue
	validate(s, idx, v, "$", &issues)
	return issues
}

func validate(s Schema, idx Index, v any, path string, issues *[]FieldIssue) {
	resolved, err := idx.Resolve(s)
	if err != nil {
		*issues = append(*issues, FieldIssue{Field: path, Constraint: ConstraintUnresolvedRef, Detail: err.Error()})
		return
	}
	s = resolved

	switch s.Kind {
	case Bool:
		if _, ok := v.(bool); !ok {
			mismatch(issues, path, "bool", v)
		}
	case Nat:
		switch n := v.(type) {
		case uint64:
			_ = n
		default:
			mismatch(issues, path, "nat", v)
		}
	case Int:
		if _, ok := v.(int64); !ok {
			mismatch(issues, path, "int", v)
		}
	case Text:
		if _, ok := v.(string); !ok {
			mismatch(issues, path, "text", v)
		}
	case Bytes:
		if _, ok := v.([]byte); !ok {
			mismatch(issues, path, "bytes", v)
		}
	case HashKind:
		if _, ok := v.(Hash); !ok {
			mismatch(issues, path, "hash", v)
		}
	case Time:
		if _, ok := v.(int64); !ok {
			mismatch(issues, path, "time", v)
		}
	case Option:
		if v == nil {
			return
		}
		validate(*s.Elem, idx, v, path, issues)
	case List:
		elems, ok := v.([]any)
		if !ok {
			mismatch(issues, path, "list", v)
			return
		}
		for i, e := range elems {
			validate(*s.Elem, idx, e, fmt.Sprintf("%s[%d]", path, i), issues)
		}
	case Set:
		elems, ok := v.([]any)
		if !ok {
			mismatch(issues, path, "set", v)
			return
		}
		for i, e := range elems {
			validate(*s.Elem, idx, e, fmt.Sprintf("%s[%d]", path, i), issues)
			for _, prev := range elems[:i] {
				if reflect.DeepEqual(prev, e) {
					*issues = append(*issues, FieldIssue{
						Field:      fmt.Sprintf("%s[%d]", path, i),
						Constraint: ConstraintDuplicateElement,
					})
					break
				}
			}
		}
	case Map:
		entries, ok := v.([]MapEntry)
		if !ok {
			mismatch(issues, path, "map", v)
			return
		}
		for i, e := range entries {
			validate(*s.Key, idx, e.Key, fmt.Sprintf("%s{%d}.key", path, i), issues)
			validate(*s.Value, idx, e.Value, fmt.Sprintf("%s{%d}.value", path, i), issues)
		}
	case Record:
		fields, ok := v.(map[string]any)
		if !ok {
			mismatch(issues, path, "record", v)
			return
		}
		for _, f := range s.Fields {
			fv, present := fields[f.Name]
			if !present {
				if f.Schema.Kind != Option {
					*issues = append(*issues, FieldIssue{Field: path + "." + f.Name, Constraint: ConstraintMissingField})
				}
				continue
			}
			validate(f.Schema, idx, fv, path+"."+f.Name, issues)
		}
		for name := range fields {
			if _, ok := s.FieldByName(name); !ok {
				*issues = append(*issues, FieldIssue{Field: path + "." + name, Constraint: ConstraintUnknownField})
			}
		}
	case VariantKind:
		vv, ok := v.(Variant)
		if !ok {
			mismatch(issues, path, "variant", v)
			return
		}
		c, ok := s.CaseByTag(vv.Tag)
		if !ok {
			*issues = append(*issues, FieldIssue{Field: path, Constraint: ConstraintUnknownVariantTag, Detail: vv.Tag})
			return
		}
		validate(c.Schema, idx, vv.Value, path+"."+vv.Tag, issues)
	default:
		mismatch(issues, path, s.Kind.String(), v)
	}
}

func mismatch(issues *[]FieldIssue, path, want string, got any) {
	*issues = append(*issues, FieldIssue{
		Field:      path,
		Constraint: ConstraintTypeMismatch,
		Detail:     fmt.Sprintf("expected %s, got %T", want, got),
	})
}
