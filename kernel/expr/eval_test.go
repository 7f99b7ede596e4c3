package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEval_Literals(t *testing.T) {
	v, err := Eval(NatLit{Value: 42}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	v, err = Eval(Null{}, nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestEval_Ref(t *testing.T) {
	env := Env{"input": map[string]any{"qty": uint64(3)}}
	v, err := Eval(Ref{Path: "input.qty"}, env)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	_, err = Eval(Ref{Path: "input.missing"}, env)
	require.Error(t, err)

	_, err = Eval(Ref{Path: "nope"}, env)
	require.Error(t, err)
}

func TestEval_FieldAndIndexAccess(t *testing.T) {
	env := Env{
		"event": map[string]any{
			"items": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
		},
	}
	v, err := Eval(FieldAccess{
		Target: IndexAccess{Target: FieldAccess{Target: Ref{Path: "event"}, Field: "items"}, Index: NatLit{Value: 1}},
		Field:  "name",
	}, env)
	require.NoError(t, err)
	require.Equal(t, "b", v)

	_, err = Eval(IndexAccess{Target: FieldAccess{Target: Ref{Path: "event"}, Field: "items"}, Index: NatLit{Value: 9}}, env)
	require.Error(t, err)
}

func TestEval_RecordAndListConstruction(t *testing.T) {
	v, err := Eval(RecordExpr{Fields: []FieldExpr{
		{Name: "id", Value: TextLit{Value: "o-1"}},
		{Name: "qty", Value: NatLit{Value: 2}},
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "o-1", "qty": uint64(2)}, v)

	lv, err := Eval(ListExpr{Elems: []Expr{NatLit{Value: 1}, NatLit{Value: 2}}}, nil)
	require.NoError(t, err)
	require.Equal(t, []any{uint64(1), uint64(2)}, lv)
}

func TestEval_VariantConstruction(t *testing.T) {
	v, err := Eval(VariantExpr{Tag: "approved", Value: Null{}}, nil)
	require.NoError(t, err)
	require.Equal(t, variantValue{Tag: "approved", Value: nil}, v)
}

func TestEval_ArithNat(t *testing.T) {
	v, err := Eval(BinOp{Op: "+", Left: NatLit{Value: 2}, Right: NatLit{Value: 3}}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	_, err = Eval(BinOp{Op: "/", Left: NatLit{Value: 2}, Right: NatLit{Value: 0}}, nil)
	require.Error(t, err)

	_, err = Eval(BinOp{Op: "-", Left: NatLit{Value: 1}, Right: NatLit{Value: 2}}, nil)
	require.Error(t, err)
}

func TestEval_ArithInt(t *testing.T) {
	v, err := Eval(BinOp{Op: "-", Left: IntLit{Value: 1}, Right: IntLit{Value: 5}}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(-4), v)
}

func TestEval_Comparisons(t *testing.T) {
	v, err := Eval(BinOp{Op: "<", Left: NatLit{Value: 1}, Right: NatLit{Value: 2}}, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Eval(BinOp{Op: "==", Left: TextLit{Value: "a"}, Right: TextLit{Value: "a"}}, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Eval(BinOp{Op: "!=", Left: BytesLit{Value: []byte{1}}, Right: BytesLit{Value: []byte{2}}}, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestEval_BoolOps(t *testing.T) {
	v, err := Eval(BinOp{Op: "&&", Left: BoolLit{Value: true}, Right: BoolLit{Value: false}}, nil)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = Eval(UnOp{Op: "!", Operand: BoolLit{Value: false}}, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestEval_Concat(t *testing.T) {
	v, err := Eval(BinOp{Op: "++", Left: TextLit{Value: "foo"}, Right: TextLit{Value: "bar"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "foobar", v)
}

func TestEval_TypeMismatchErrors(t *testing.T) {
	_, err := Eval(BinOp{Op: "+", Left: NatLit{Value: 1}, Right: TextLit{Value: "a"}}, nil)
	require.Error(t, err)

	_, err = Eval(FieldAccess{Target: NatLit{Value: 1}, Field: "x"}, nil)
	require.Error(t, err)
}
