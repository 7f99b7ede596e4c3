package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("app/order@3")
	require.NoError(t, err)
	require.Equal(t, Name{Namespace: "app", Local: "order", Version: 3}, n)
	require.Equal(t, "app/order@3", n.String())
	require.False(t, n.IsSystem())

	sys, err := ParseName("sys/clock@1")
	require.NoError(t, err)
	require.True(t, sys.IsSystem())
}

func TestParseName_Invalid(t *testing.T) {
	cases := []string{"noslash@1", "app/missingversion", "app/local@0", "app/local@abc", "/local@1", "app/@1"}
	for _, c := range cases {
		_, err := ParseName(c)
		require.Error(t, err, c)
	}
}

func TestIndexResolve(t *testing.T) {
	orderName := Name{Namespace: "app", Local: "order", Version: 1}
	idx := Index{
		orderName: RecordSchema(Field{Name: "id", Schema: TextSchema()}),
	}
	resolved, err := idx.Resolve(RefSchema(orderName))
	require.NoError(t, err)
	require.Equal(t, Record, resolved.Kind)
}

func TestIndexResolve_Unknown(t *testing.T) {
	idx := Index{}
	_, err := idx.Resolve(RefSchema(Name{Namespace: "app", Local: "missing", Version: 1}))
	require.Error(t, err)
	var unknown *UnknownSchemaError
	require.ErrorAs(t, err, &unknown)
}

func TestIndexResolve_Cycle(t *testing.T) {
	a := Name{Namespace: "app", Local: "a", Version: 1}
	b := Name{Namespace: "app", Local: "b", Version: 1}
	idx := Index{
		a: RefSchema(b),
		b: RefSchema(a),
	}
	_, err := idx.Resolve(RefSchema(a))
	require.Error(t, err)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestFieldByNameAndCaseByTag(t *testing.T) {
	s := RecordSchema(
		Field{Name: "id", Schema: TextSchema()},
		Field{Name: "qty", Schema: NatSchema()},
	)
	f, ok := s.FieldByName("qty")
	require.True(t, ok)
	require.Equal(t, Nat, f.Schema.Kind)
	_, ok = s.FieldByName("missing")
	require.False(t, ok)

	v := VariantSchema(
		Case{Tag: "ok", Schema: TextSchema()},
		Case{Tag: "err", Schema: TextSchema()},
	)
	c, ok := v.CaseByTag("err")
	require.True(t, ok)
	require.Equal(t, Text, c.Schema.Kind)
}

func TestValidate_Scalars(t *testing.T) {
	idx := Index{}
	require.Empty(t, Validate(BoolSchema(), idx, true))
	require.NotEmpty(t, Validate(BoolSchema(), idx, "nope"))
	require.Empty(t, Validate(NatSchema(), idx, uint64(7)))
	require.NotEmpty(t, Validate(NatSchema(), idx, int64(7)))
	require.Empty(t, Validate(IntSchema(), idx, int64(-3)))
	require.Empty(t, Validate(TextSchema(), idx, "hi"))
	require.Empty(t, Validate(BytesSchema(), idx, []byte{1, 2}))
	require.Empty(t, Validate(HashSchema(), idx, Hash{}))
	require.Empty(t, Validate(TimeSchema(), idx, int64(1234)))
}

func TestValidate_Option(t *testing.T) {
	s := OptionSchema(TextSchema())
	idx := Index{}
	require.Empty(t, Validate(s, idx, nil))
	require.Empty(t, Validate(s, idx, "present"))
	require.NotEmpty(t, Validate(s, idx, 5))
}

func TestValidate_ListAndSet(t *testing.T) {
	idx := Index{}
	list := ListSchema(TextSchema())
	issues := Validate(list, idx, []any{"a", "b", 3})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintTypeMismatch, issues[0].Constraint)

	set := SetSchema(NatSchema())
	issues = Validate(set, idx, []any{uint64(1), uint64(2), uint64(1)})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintDuplicateElement, issues[0].Constraint)
}

func TestValidate_Map(t *testing.T) {
	idx := Index{}
	m := MapSchema(TextSchema(), NatSchema())
	require.Empty(t, Validate(m, idx, []MapEntry{{Key: "a", Value: uint64(1)}}))
	issues := Validate(m, idx, []MapEntry{{Key: 1, Value: uint64(1)}})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintTypeMismatch, issues[0].Constraint)
}

func TestValidate_Record(t *testing.T) {
	idx := Index{}
	s := RecordSchema(
		Field{Name: "id", Schema: TextSchema()},
		Field{Name: "qty", Schema: NatSchema()},
		Field{Name: "note", Schema: OptionSchema(TextSchema())},
	)

	require.Empty(t, Validate(s, idx, map[string]any{"id": "x", "qty": uint64(1)}))

	issues := Validate(s, idx, map[string]any{"qty": uint64(1)})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintMissingField, issues[0].Constraint)
	require.Equal(t, "$.id", issues[0].Field)

	issues = Validate(s, idx, map[string]any{"id": "x", "qty": uint64(1), "extra": true})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintUnknownField, issues[0].Constraint)
}

func TestValidate_Variant(t *testing.T) {
	idx := Index{}
	s := VariantSchema(
		Case{Tag: "ok", Schema: TextSchema()},
		Case{Tag: "err", Schema: TextSchema()},
	)
	require.Empty(t, Validate(s, idx, Variant{Tag: "ok", Value: "done"}))

	issues := Validate(s, idx, Variant{Tag: "unknown", Value: nil})
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintUnknownVariantTag, issues[0].Constraint)
}

func TestValidate_Ref(t *testing.T) {
	name := Name{Namespace: "app", Local: "order", Version: 1}
	idx := Index{name: TextSchema()}
	require.Empty(t, Validate(RefSchema(name), idx, "hello"))

	missing := Name{Namespace: "app", Local: "missing", Version: 1}
	issues := Validate(RefSchema(missing), idx, "anything")
	require.Len(t, issues, 1)
	require.Equal(t, ConstraintUnresolvedRef, issues[0].Constraint)
}

func TestValidate_NestedPaths(t *testing.T) {
	idx := Index{}
	s := RecordSchema(
		Field{Name: "items", Schema: ListSchema(RecordSchema(
			Field{Name: "name", Schema: TextSchema()},
		))},
	)
	issues := Validate(s, idx, map[string]any{
		"items": []any{
			map[string]any{"name": "ok"},
			map[string]any{"name": 5},
		},
	})
	require.Len(t, issues, 1)
	require.Equal(t, "$.items[1].name", issues[0].Field)
}
