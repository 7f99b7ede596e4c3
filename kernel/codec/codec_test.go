package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/schema"
)

func TestEncodeDecode_Scalars(t *testing.T) {
	idx := schema.Index{}
	cases := []struct {
		name string
		s    schema.Schema
		v    any
	}{
		{"bool", schema.BoolSchema(), true},
		{"nat", schema.NatSchema(), uint64(42)},
		{"int", schema.IntSchema(), int64(-7)},
		{"text", schema.TextSchema(), "hello"},
		{"bytes", schema.BytesSchema(), []byte{1, 2, 3}},
		{"hash", schema.HashSchema(), schema.Hash{0xAB, 0xCD}},
		{"time", schema.TimeSchema(), int64(1_700_000_000_000_000_000)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.s, idx, c.v)
			require.NoError(t, err)
			got, err := Decode(c.s, idx, b)
			require.NoError(t, err)
			require.Equal(t, c.v, got)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	idx := schema.Index{}
	s := schema.RecordSchema(
		schema.Field{Name: "id", Schema: schema.TextSchema()},
		schema.Field{Name: "qty", Schema: schema.NatSchema()},
	)
	v := map[string]any{"id": "order-1", "qty": uint64(3)}
	b1, err := Encode(s, idx, v)
	require.NoError(t, err)
	b2, err := Encode(s, idx, v)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestEncodeDecode_Option(t *testing.T) {
	idx := schema.Index{}
	s := schema.OptionSchema(schema.TextSchema())

	noneBytes, err := Encode(s, idx, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0xf6}, noneBytes)
	none, err := Decode(s, idx, noneBytes)
	require.NoError(t, err)
	require.Nil(t, none)

	someBytes, err := Encode(s, idx, "present")
	require.NoError(t, err)
	some, err := Decode(s, idx, someBytes)
	require.NoError(t, err)
	require.Equal(t, "present", some)
}

func TestEncodeDecode_List(t *testing.T) {
	idx := schema.Index{}
	s := schema.ListSchema(schema.NatSchema())
	v := []any{uint64(3), uint64(1), uint64(2)}
	b, err := Encode(s, idx, v)
	require.NoError(t, err)
	got, err := Decode(s, idx, b)
	require.NoError(t, err)
	require.Equal(t, v, got, "list order is preserved, unlike set")
}

func TestEncode_SetIsOrderIndependent(t *testing.T) {
	idx := schema.Index{}
	s := schema.SetSchema(schema.NatSchema())
	a, err := Encode(s, idx, []any{uint64(3), uint64(1), uint64(2)})
	require.NoError(t, err)
	b, err := Encode(s, idx, []any{uint64(1), uint64(2), uint64(3)})
	require.NoError(t, err)
	require.Equal(t, a, b, "set encoding must not depend on input order")
}

func TestEncodeDecode_Map(t *testing.T) {
	idx := schema.Index{}
	s := schema.MapSchema(schema.TextSchema(), schema.NatSchema())
	v := []schema.MapEntry{
		{Key: "zebra", Value: uint64(1)},
		{Key: "apple", Value: uint64(2)},
	}
	b, err := Encode(s, idx, v)
	require.NoError(t, err)

	got, err := Decode(s, idx, b)
	require.NoError(t, err)
	entries, ok := got.([]schema.MapEntry)
	require.True(t, ok)
	require.Len(t, entries, 2)
	// sorted by canonical key bytes: "apple" < "zebra"
	require.Equal(t, "apple", entries[0].Key)
	require.Equal(t, "zebra", entries[1].Key)
}

func TestEncode_Map_DuplicateKeyRejected(t *testing.T) {
	idx := schema.Index{}
	s := schema.MapSchema(schema.TextSchema(), schema.NatSchema())
	v := []schema.MapEntry{
		{Key: "a", Value: uint64(1)},
		{Key: "a", Value: uint64(2)},
	}
	_, err := Encode(s, idx, v)
	require.Error(t, err)
}

func TestEncodeDecode_Record(t *testing.T) {
	idx := schema.Index{}
	s := schema.RecordSchema(
		schema.Field{Name: "id", Schema: schema.TextSchema()},
		schema.Field{Name: "note", Schema: schema.OptionSchema(schema.TextSchema())},
	)

	v := map[string]any{"id": "x"}
	b, err := Encode(s, idx, v)
	require.NoError(t, err)
	got, err := Decode(s, idx, b)
	require.NoError(t, err)
	fields, ok := got.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "x", fields["id"])
	_, present := fields["note"]
	require.False(t, present, "absent option field is omitted from the decoded record")
}

func TestEncodeDecode_Variant(t *testing.T) {
	idx := schema.Index{}
	s := schema.VariantSchema(
		schema.Case{Tag: "ok", Schema: schema.TextSchema()},
		schema.Case{Tag: "err", Schema: schema.NatSchema()},
	)
	v := schema.Variant{Tag: "err", Value: uint64(404)}
	b, err := Encode(s, idx, v)
	require.NoError(t, err)
	got, err := Decode(s, idx, b)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestEncodeDecode_Ref(t *testing.T) {
	name := schema.Name{Namespace: "app", Local: "order", Version: 1}
	idx := schema.Index{
		name: schema.RecordSchema(schema.Field{Name: "id", Schema: schema.TextSchema()}),
	}
	s := schema.RefSchema(name)
	v := map[string]any{"id": "ord-1"}
	b, err := Encode(s, idx, v)
	require.NoError(t, err)
	got, err := Decode(s, idx, b)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestCanonicalHash_StableAcrossEquivalentInputs(t *testing.T) {
	idx := schema.Index{}
	s := schema.SetSchema(schema.TextSchema())
	h1, _, err := CanonicalHash(s, idx, []any{"b", "a"})
	require.NoError(t, err)
	h2, _, err := CanonicalHash(s, idx, []any{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCanonicalHash_DiffersOnContent(t *testing.T) {
	idx := schema.Index{}
	h1, _, err := CanonicalHash(schema.TextSchema(), idx, "a")
	require.NoError(t, err)
	h2, _, err := CanonicalHash(schema.TextSchema(), idx, "b")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
