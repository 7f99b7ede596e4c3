package air

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/schema"
)

func TestCoerceToSchema_Record(t *testing.T) {
	idx := schema.Index{}
	s := schema.RecordSchema(
		schema.Field{Name: "id", Schema: schema.TextSchema()},
		schema.Field{Name: "qty", Schema: schema.NatSchema()},
		schema.Field{Name: "note", Schema: schema.OptionSchema(schema.TextSchema())},
	)
	v, err := CoerceToSchema(idx, s, map[string]any{"id": "o-1", "qty": 3})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "o-1", "qty": uint64(3)}, v)
}

func TestCoerceToSchema_MissingRequiredField(t *testing.T) {
	idx := schema.Index{}
	s := schema.RecordSchema(schema.Field{Name: "id", Schema: schema.TextSchema()})
	_, err := CoerceToSchema(idx, s, map[string]any{})
	require.Error(t, err)
}

func TestCoerceToSchema_ListAndBytes(t *testing.T) {
	idx := schema.Index{}
	s := schema.ListSchema(schema.BytesSchema())
	v, err := CoerceToSchema(idx, s, []any{"AAAA"})
	require.NoError(t, err)
	require.Equal(t, []any{[]byte{0, 0, 0}}, v)
}

func TestCoerceToSchema_Variant(t *testing.T) {
	idx := schema.Index{}
	s := schema.VariantSchema(
		schema.Case{Tag: "ok", Schema: schema.BoolSchema()},
		schema.Case{Tag: "err", Schema: schema.TextSchema()},
	)
	v, err := CoerceToSchema(idx, s, map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, schema.Variant{Tag: "ok", Value: true}, v)

	_, err = CoerceToSchema(idx, s, map[string]any{"missing": true})
	require.Error(t, err)
}
