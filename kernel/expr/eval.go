package expr

import (
	"bytes"
	"reflect"
)

// Env is the binding environment an expression is evaluated against: a flat
// set of named roots (typically "input", "event", "state", "cap", "step")
// each holding a schema-represented value per the conventions in package
// schema (bool->bool, nat->uint64, int->int64, text->string, bytes->[]byte,
// list/set->[]any, record->map[string]any, variant->schema.Variant).
type Env map[string]any

// Eval evaluates e against env, returning a schema-represented value.
func Eval(e Expr, env Env) (any, error) {
	switch n := e.(type) {
	case Null:
		return nil, nil
	case BoolLit:
		return n.Value, nil
	case NatLit:
		return n.Value, nil
	case IntLit:
		return n.Value, nil
	case TextLit:
		return n.Value, nil
	case BytesLit:
		return n.Value, nil
	case Ref:
		return resolveRef(n.Path, env)
	case FieldAccess:
		target, err := Eval(n.Target, env)
		if err != nil {
			return nil, err
		}
		rec, ok := target.(map[string]any)
		if !ok {
			return nil, &EvalError{Path: n.Field, Detail: "field access on non-record value"}
		}
		v, ok := rec[n.Field]
		if !ok {
			return nil, &EvalError{Path: n.Field, Detail: "no such field"}
		}
		return v, nil
	case IndexAccess:
		target, err := Eval(n.Target, env)
		if err != nil {
			return nil, err
		}
		list, ok := target.([]any)
		if !ok {
			return nil, &EvalError{Detail: "index access on non-list value"}
		}
		idxV, err := Eval(n.Index, env)
		if err != nil {
			return nil, err
		}
		idx, ok := idxV.(uint64)
		if !ok {
			return nil, &EvalError{Detail: "index must be nat"}
		}
		if idx >= uint64(len(list)) {
			return nil, &EvalError{Detail: "index out of range"}
		}
		return list[idx], nil
	case RecordExpr:
		rec := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			v, err := Eval(f.Value, env)
			if err != nil {
				return nil, err
			}
			rec[f.Name] = v
		}
		return rec, nil
	case ListExpr:
		list := make([]any, 0, len(n.Elems))
		for _, el := range n.Elems {
			v, err := Eval(el, env)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case VariantExpr:
		v, err := Eval(n.Value, env)
		if err != nil {
			return nil, err
		}
		return variantValue{Tag: n.Tag, Value: v}, nil
	case BinOp:
		return evalBinOp(n, env)
	case UnOp:
		return evalUnOp(n, env)
	default:
		return nil, &EvalError{Detail: "unsupported expression node"}
	}
}

// variantValue mirrors schema.Variant's shape without importing package
// schema, keeping expr free of a dependency edge it does not otherwise need.
type variantValue struct {
	Tag   string
	Value any
}

func resolveRef(path string, env Env) (any, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, &EvalError{Path: path, Detail: "empty reference"}
	}
	cur, ok := env[parts[0]]
	if !ok {
		return nil, &EvalError{Path: path, Detail: "undefined reference root"}
	}
	for _, p := range parts[1:] {
		rec, ok := cur.(map[string]any)
		if !ok {
			return nil, &EvalError{Path: path, Detail: "field access on non-record value"}
		}
		cur, ok = rec[p]
		if !ok {
			return nil, &EvalError{Path: path, Detail: "no such field"}
		}
	}
	return cur, nil
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func evalUnOp(n UnOp, env Env) (any, error) {
	v, err := Eval(n.Operand, env)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, &EvalError{Detail: "! requires bool operand"}
		}
		return !b, nil
	case "-":
		i, ok := v.(int64)
		if !ok {
			return nil, &EvalError{Detail: "- requires int operand"}
		}
		return -i, nil
	default:
		return nil, &EvalError{Detail: "unknown unary operator " + n.Op}
	}
}

func evalBinOp(n BinOp, env Env) (any, error) {
	l, err := Eval(n.Left, env)
	if err != nil {
		return nil, err
	}
	r, err := Eval(n.Right, env)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "+", "-", "*", "/", "%":
		return evalArith(n.Op, l, r)
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return evalCompare(n.Op, l, r)
	case "&&", "||":
		lb, ok1 := l.(bool)
		rb, ok2 := r.(bool)
		if !ok1 || !ok2 {
			return nil, &EvalError{Detail: n.Op + " requires bool operands"}
		}
		if n.Op == "&&" {
			return lb && rb, nil
		}
		return lb || rb, nil
	case "++":
		return evalConcat(l, r)
	default:
		return nil, &EvalError{Detail: "unknown binary operator " + n.Op}
	}
}

func evalArith(op string, l, r any) (any, error) {
	if ln, ok := l.(uint64); ok {
		rn, ok := r.(uint64)
		if !ok {
			return nil, &EvalError{Detail: op + " operand type mismatch"}
		}
		switch op {
		case "+":
			return ln + rn, nil
		case "-":
			if rn > ln {
				return nil, &EvalError{Detail: "nat subtraction underflow"}
			}
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, &EvalError{Detail: "division by zero"}
			}
			return ln / rn, nil
		case "%":
			if rn == 0 {
				return nil, &EvalError{Detail: "modulo by zero"}
			}
			return ln % rn, nil
		}
	}
	if li, ok := l.(int64); ok {
		ri, ok := r.(int64)
		if !ok {
			return nil, &EvalError{Detail: op + " operand type mismatch"}
		}
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, &EvalError{Detail: "division by zero"}
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, &EvalError{Detail: "modulo by zero"}
			}
			return li % ri, nil
		}
	}
	return nil, &EvalError{Detail: op + " requires nat or int operands"}
}

func evalCompare(op string, l, r any) (any, error) {
	cmp, err := compareValues(l, r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, &EvalError{Detail: "unreachable comparison operator"}
}

func compareValues(l, r any) (int, error) {
	switch lv := l.(type) {
	case uint64:
		rv, ok := r.(uint64)
		if !ok {
			return 0, &EvalError{Detail: "comparison operand type mismatch"}
		}
		switch {
		case lv < rv:
			return -1, nil
		case lv > rv:
			return 1, nil
		default:
			return 0, nil
		}
	case int64:
		rv, ok := r.(int64)
		if !ok {
			return 0, &EvalError{Detail: "comparison operand type mismatch"}
		}
		switch {
		case lv < rv:
			return -1, nil
		case lv > rv:
			return 1, nil
		default:
			return 0, nil
		}
	case string:
		rv, ok := r.(string)
		if !ok {
			return 0, &EvalError{Detail: "comparison operand type mismatch"}
		}
		switch {
		case lv < rv:
			return -1, nil
		case lv > rv:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, &EvalError{Detail: "unorderable operand type"}
	}
}

func evalConcat(l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return nil, &EvalError{Detail: "++ operand type mismatch"}
		}
		return ls + rs, nil
	}
	if lb, ok := l.([]byte); ok {
		rb, ok := r.([]byte)
		if !ok {
			return nil, &EvalError{Detail: "++ operand type mismatch"}
		}
		return append(append([]byte{}, lb...), rb...), nil
	}
	return nil, &EvalError{Detail: "++ requires text or bytes operands"}
}

func valuesEqual(l, r any) bool {
	if lb, ok := l.([]byte); ok {
		rb, ok := r.([]byte)
		return ok && bytes.Equal(lb, rb)
	}
	return reflect.DeepEqual(l, r)
}
