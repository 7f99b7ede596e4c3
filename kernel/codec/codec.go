// Package codec implements canonical CBOR encoding and content hashing for
// schema-typed values (§3.1/§4.1): records encode as CBOR maps keyed by
// field name in schema-declared order (not re-sorted — that order is
// already canonical since it is fixed by the schema), variants encode as a
// one-entry map `{tag: value}`, and a generic `map<K,V>` sorts its entries
// by key bytes in lexicographic order; integers use minimal width, and no
// indefinite-length items are produced. A value is represented in Go per
// its schema.Kind: bool->bool, nat->uint64, int->int64, text->string,
// bytes->[]byte, hash->schema.Hash, time->int64 (nanoseconds),
// option->nil-or-inner, list/set->[]any, map->[]schema.MapEntry,
// record->map[string]any keyed by declared field name, variant->schema.Variant,
// ref->resolved transparently through a schema.Index.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/schema"
)

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	em, err := opts.EncMode()
	if err != nil {
		panic("codec: invalid canonical encoding options: " + err.Error())
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: invalid decoding options: " + err.Error())
	}
	return dm
}()

// Encode canonicalizes v against s (resolving Ref through idx) into
// deterministic CBOR bytes.
func Encode(s schema.Schema, idx schema.Index, v any) ([]byte, error) {
	resolved, err := idx.Resolve(s)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	switch resolved.Kind {
	case schema.Map:
		raw, err := encodeMap(resolved, idx, v)
		if err != nil {
			return nil, err
		}
		return []byte(raw), nil
	case schema.Record:
		raw, err := encodeRecord(resolved, idx, v)
		if err != nil {
			return nil, err
		}
		return []byte(raw), nil
	case schema.VariantKind:
		raw, err := encodeVariant(resolved, idx, v)
		if err != nil {
			return nil, err
		}
		return []byte(raw), nil
	default:
		native, err := toCBORValue(resolved, idx, v)
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(native)
	}
}

// Decode reverses Encode, reconstructing the Go value representation
// described in the package doc comment.
func Decode(s schema.Schema, idx schema.Index, data []byte) (any, error) {
	resolved, err := idx.Resolve(s)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	switch resolved.Kind {
	case schema.Bool:
		var b bool
		if err := decMode.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("codec: decode bool: %w", err)
		}
		return b, nil
	case schema.Nat:
		var n uint64
		if err := decMode.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("codec: decode nat: %w", err)
		}
		return n, nil
	case schema.Int:
		var n int64
		if err := decMode.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("codec: decode int: %w", err)
		}
		return n, nil
	case schema.Text:
		var t string
		if err := decMode.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("codec: decode text: %w", err)
		}
		return t, nil
	case schema.Bytes:
		var b []byte
		if err := decMode.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("codec: decode bytes: %w", err)
		}
		return b, nil
	case schema.HashKind:
		var b []byte
		if err := decMode.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("codec: decode hash: %w", err)
		}
		if len(b) != len(schema.Hash{}) {
			return nil, fmt.Errorf("codec: hash must be %d bytes, got %d", len(schema.Hash{}), len(b))
		}
		var h schema.Hash
		copy(h[:], b)
		return h, nil
	case schema.Time:
		var t int64
		if err := decMode.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("codec: decode time: %w", err)
		}
		return t, nil
	case schema.Option:
		if bytes.Equal(data, []byte{0xf6}) {
			return nil, nil
		}
		var wrapped []cbor.RawMessage
		if err := decMode.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("codec: decode option: %w", err)
		}
		if len(wrapped) != 1 {
			return nil, fmt.Errorf("codec: option value must wrap exactly one item, got %d", len(wrapped))
		}
		return Decode(*resolved.Elem, idx, wrapped[0])
	case schema.List, schema.Set:
		var raws []cbor.RawMessage
		if err := decMode.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("codec: decode %s: %w", resolved.Kind, err)
		}
		out := make([]any, len(raws))
		for i, r := range raws {
			dv, err := Decode(*resolved.Elem, idx, r)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case schema.Map:
		return decodeMap(resolved, idx, data)
	case schema.Record:
		return decodeRecord(resolved, idx, data)
	case schema.VariantKind:
		return decodeVariant(resolved, idx, data)
	default:
		return nil, fmt.Errorf("codec: unsupported kind %s", resolved.Kind)
	}
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) schema.Hash {
	return schema.Hash(sha256.Sum256(b))
}

// CanonicalHash canonicalizes v against s and returns both its content hash
// and the canonical bytes that were hashed.
func CanonicalHash(s schema.Schema, idx schema.Index, v any) (schema.Hash, []byte, error) {
	b, err := Encode(s, idx, v)
	if err != nil {
		return schema.Hash{}, nil, err
	}
	return Hash(b), b, nil
}

// toCBORValue converts v into a tree of values the cbor library can marshal
// directly under canonical encoding options. This only ever handles kinds
// whose CBOR shape the library can build unaided (scalars, option, list,
// set); Map, Record, and Variant each need a hand-assembled map and are
// dispatched separately by Encode.
func toCBORValue(s schema.Schema, idx schema.Index, v any) (any, error) {
	switch s.Kind {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeErr(s, v)
		}
		return b, nil
	case schema.Nat:
		n, ok := v.(uint64)
		if !ok {
			return nil, typeErr(s, v)
		}
		return n, nil
	case schema.Int:
		n, ok := v.(int64)
		if !ok {
			return nil, typeErr(s, v)
		}
		return n, nil
	case schema.Text:
		t, ok := v.(string)
		if !ok {
			return nil, typeErr(s, v)
		}
		return t, nil
	case schema.Bytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeErr(s, v)
		}
		return b, nil
	case schema.HashKind:
		h, ok := v.(schema.Hash)
		if !ok {
			return nil, typeErr(s, v)
		}
		return h[:], nil
	case schema.Time:
		t, ok := v.(int64)
		if !ok {
			return nil, typeErr(s, v)
		}
		return t, nil
	case schema.Option:
		if v == nil {
			return nil, nil
		}
		inner, err := Encode(*s.Elem, idx, v)
		if err != nil {
			return nil, err
		}
		return []cbor.RawMessage{cbor.RawMessage(inner)}, nil
	case schema.List, schema.Set:
		elems, ok := v.([]any)
		if !ok {
			return nil, typeErr(s, v)
		}
		raws := make([]cbor.RawMessage, len(elems))
		for i, e := range elems {
			b, err := Encode(*s.Elem, idx, e)
			if err != nil {
				return nil, err
			}
			raws[i] = cbor.RawMessage(b)
		}
		if s.Kind == schema.Set {
			sort.Slice(raws, func(i, j int) bool { return bytes.Compare(raws[i], raws[j]) < 0 })
		}
		return raws, nil
	default:
		return nil, fmt.Errorf("codec: unsupported kind %s", s.Kind)
	}
}

func typeErr(s schema.Schema, v any) error {
	return fmt.Errorf("codec: cannot encode %T as %s", v, s.Kind)
}

const (
	majorArray = 4
	majorMap   = 5
)

type mapPair struct{ key, val []byte }

// buildMapBytes writes a CBOR map header for len(pairs) entries followed by
// each pair's already-canonical key and value bytes, in the given order.
func buildMapBytes(pairs []mapPair) cbor.RawMessage {
	var buf bytes.Buffer
	buf.Write(cborHeader(majorMap, uint64(len(pairs))))
	for _, p := range pairs {
		buf.Write(p.key)
		buf.Write(p.val)
	}
	return cbor.RawMessage(buf.Bytes())
}

// encodeMap builds a canonical CBOR map for a generic map<K,V> value by
// encoding every key and value independently (each a self-delimiting CBOR
// item) and sorting the resulting pairs by key bytes in lexicographic
// order. This is the one map-kinded case that needs sorting: unlike a
// record's fields or a variant's tag, a map's key order carries no schema
// information, so determinism requires imposing one.
//
// This is also the only map-kinded case that cannot be handed to the cbor
// library's own map marshaling: schema map keys are not always
// Go-comparable (e.g. a bytes-kinded key), so there is no single concrete Go
// map type that could represent every instance.
func encodeMap(s schema.Schema, idx schema.Index, v any) (cbor.RawMessage, error) {
	entries, ok := v.([]schema.MapEntry)
	if !ok {
		return nil, typeErr(s, v)
	}

	pairs := make([]mapPair, 0, len(entries))
	for _, e := range entries {
		kb, err := Encode(*s.Key, idx, e.Key)
		if err != nil {
			return nil, fmt.Errorf("codec: map key: %w", err)
		}
		vb, err := Encode(*s.Value, idx, e.Value)
		if err != nil {
			return nil, fmt.Errorf("codec: map value: %w", err)
		}
		pairs = append(pairs, mapPair{key: kb, val: vb})
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].key, pairs[j].key) < 0 })
	for i := 1; i < len(pairs); i++ {
		if bytes.Equal(pairs[i-1].key, pairs[i].key) {
			return nil, fmt.Errorf("codec: duplicate map key")
		}
	}
	return buildMapBytes(pairs), nil
}

// encodeRecord builds a CBOR map keyed by field name, one entry per present
// field, in schema-declared order (never re-sorted — the declared order is
// already canonical since every instance of this schema uses it). A field
// whose schema is Option and whose value is absent or nil omits its key
// entirely rather than writing an explicit null.
func encodeRecord(s schema.Schema, idx schema.Index, v any) (cbor.RawMessage, error) {
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, typeErr(s, v)
	}

	pairs := make([]mapPair, 0, len(s.Fields))
	for _, f := range s.Fields {
		fv, present := fields[f.Name]
		if f.Schema.Kind == schema.Option && (!present || fv == nil) {
			continue
		}
		if !present {
			return nil, fmt.Errorf("codec: record missing field %q", f.Name)
		}
		keyBytes, err := Encode(schema.TextSchema(), idx, f.Name)
		if err != nil {
			return nil, err
		}
		valBytes, err := Encode(f.Schema, idx, fv)
		if err != nil {
			return nil, fmt.Errorf("codec: record field %q: %w", f.Name, err)
		}
		pairs = append(pairs, mapPair{key: keyBytes, val: valBytes})
	}
	return buildMapBytes(pairs), nil
}

// encodeVariant builds the canonical one-entry map `{tag: value}` for a
// tagged-union value.
func encodeVariant(s schema.Schema, idx schema.Index, v any) (cbor.RawMessage, error) {
	vv, ok := v.(schema.Variant)
	if !ok {
		return nil, typeErr(s, v)
	}
	c, ok := s.CaseByTag(vv.Tag)
	if !ok {
		return nil, fmt.Errorf("codec: unknown variant tag %q", vv.Tag)
	}
	keyBytes, err := Encode(schema.TextSchema(), idx, vv.Tag)
	if err != nil {
		return nil, err
	}
	valBytes, err := Encode(c.Schema, idx, vv.Value)
	if err != nil {
		return nil, fmt.Errorf("codec: variant case %q: %w", vv.Tag, err)
	}
	return buildMapBytes([]mapPair{{key: keyBytes, val: valBytes}}), nil
}

// splitMapRaw parses the CBOR map at the start of data and returns its n
// key/value items as raw CBOR item pairs, preserving their original order.
// A CBOR map header differs from a CBOR array header only in its major
// type — the payload (n key/value items for a map, 2n items for an array
// of the same count) is byte-identical — so the split is done by rewriting
// the header as an array-of-2n header and reusing the library's own array
// decoding.
func splitMapRaw(data []byte) (keys, vals []cbor.RawMessage, err error) {
	major, n, headerLen, err := parseItemHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if major != majorMap {
		return nil, nil, fmt.Errorf("expected cbor map, got major type %d", major)
	}

	rewritten := make([]byte, 0, len(data))
	rewritten = append(rewritten, cborHeader(majorArray, n*2)...)
	rewritten = append(rewritten, data[headerLen:]...)

	var items []cbor.RawMessage
	if err := decMode.Unmarshal(rewritten, &items); err != nil {
		return nil, nil, fmt.Errorf("decode map payload: %w", err)
	}
	if uint64(len(items)) != n*2 {
		return nil, nil, fmt.Errorf("map payload item count mismatch: want %d, got %d", n*2, len(items))
	}

	keys = make([]cbor.RawMessage, n)
	vals = make([]cbor.RawMessage, n)
	for i := uint64(0); i < n; i++ {
		keys[i] = items[2*i]
		vals[i] = items[2*i+1]
	}
	return keys, vals, nil
}

func decodeMap(s schema.Schema, idx schema.Index, data []byte) (any, error) {
	keys, vals, err := splitMapRaw(data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode map: %w", err)
	}
	entries := make([]schema.MapEntry, len(keys))
	for i := range keys {
		k, err := Decode(*s.Key, idx, keys[i])
		if err != nil {
			return nil, fmt.Errorf("codec: map key: %w", err)
		}
		val, err := Decode(*s.Value, idx, vals[i])
		if err != nil {
			return nil, fmt.Errorf("codec: map value: %w", err)
		}
		entries[i] = schema.MapEntry{Key: k, Value: val}
	}
	return entries, nil
}

func decodeRecord(s schema.Schema, idx schema.Index, data []byte) (any, error) {
	keys, vals, err := splitMapRaw(data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode record: %w", err)
	}
	out := make(map[string]any, len(keys))
	for i := range keys {
		var name string
		if err := decMode.Unmarshal(keys[i], &name); err != nil {
			return nil, fmt.Errorf("codec: decode record field name: %w", err)
		}
		f, ok := s.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("codec: record has unknown field %q", name)
		}
		dv, err := Decode(f.Schema, idx, vals[i])
		if err != nil {
			return nil, fmt.Errorf("codec: record field %q: %w", name, err)
		}
		out[name] = dv
	}
	return out, nil
}

func decodeVariant(s schema.Schema, idx schema.Index, data []byte) (any, error) {
	keys, vals, err := splitMapRaw(data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode variant: %w", err)
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("codec: variant must encode as a one-entry map, got %d entries", len(keys))
	}
	var tag string
	if err := decMode.Unmarshal(keys[0], &tag); err != nil {
		return nil, fmt.Errorf("codec: decode variant tag: %w", err)
	}
	c, ok := s.CaseByTag(tag)
	if !ok {
		return nil, fmt.Errorf("codec: unknown variant tag %q", tag)
	}
	dv, err := Decode(c.Schema, idx, vals[0])
	if err != nil {
		return nil, fmt.Errorf("codec: variant case %q: %w", tag, err)
	}
	return schema.Variant{Tag: tag, Value: dv}, nil
}

// cborHeader renders the initial bytes of a CBOR item header for the given
// major type and element/pair count n, using the shortest length-encoding
// form (canonical CBOR forbids anything longer).
func cborHeader(major byte, n uint64) []byte {
	switch {
	case n < 24:
		return []byte{major<<5 | byte(n)}
	case n < 1<<8:
		return []byte{major<<5 | 24, byte(n)}
	case n < 1<<16:
		b := make([]byte, 3)
		b[0] = major<<5 | 25
		binary.BigEndian.PutUint16(b[1:], uint16(n))
		return b
	case n < 1<<32:
		b := make([]byte, 5)
		b[0] = major<<5 | 26
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = major<<5 | 27
		binary.BigEndian.PutUint64(b[1:], n)
		return b
	}
}

// parseItemHeader reads the major type, count/value, and header byte length
// of the CBOR item at the start of data. Indefinite-length items (additional
// info 31) are rejected: canonical CBOR never produces them.
func parseItemHeader(data []byte) (major byte, n uint64, headerLen int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("empty cbor item")
	}
	ib := data[0]
	major = ib >> 5
	ai := ib & 0x1f
	switch {
	case ai < 24:
		return major, uint64(ai), 1, nil
	case ai == 24:
		if len(data) < 2 {
			return 0, 0, 0, fmt.Errorf("truncated cbor header")
		}
		return major, uint64(data[1]), 2, nil
	case ai == 25:
		if len(data) < 3 {
			return 0, 0, 0, fmt.Errorf("truncated cbor header")
		}
		return major, uint64(binary.BigEndian.Uint16(data[1:3])), 3, nil
	case ai == 26:
		if len(data) < 5 {
			return 0, 0, 0, fmt.Errorf("truncated cbor header")
		}
		return major, uint64(binary.BigEndian.Uint32(data[1:5])), 5, nil
	case ai == 27:
		if len(data) < 9 {
			return 0, 0, 0, fmt.Errorf("truncated cbor header")
		}
		return major, binary.BigEndian.Uint64(data[1:9]), 9, nil
	default:
		return 0, 0, 0, fmt.Errorf("unsupported additional info %d (indefinite-length items are not canonical)", ai)
	}
}
