package schema

// Kind identifies one case of the schema algebra. The set is closed:
// adding a new Kind is a kernel change, never a manifest-level extension.
type Kind int

const (
	// Bool is a boolean value.
	Bool Kind = iota
	// Nat is an unsigned, unbounded integer.
	Nat
	// Int is a signed, unbounded integer.
	Int
	// Text is a UTF-8 string.
	Text
	// Bytes is an opaque byte string.
	Bytes
	// HashKind is a 32-byte SHA-256 content hash.
	HashKind
	// Time is a timestamp in nanoseconds since the Unix epoch.
	Time
	// Option wraps a schema whose value may be absent.
	Option
	// List is an ordered, homogeneous sequence.
	List
	// Set is an unordered, homogeneous collection with no duplicate elements.
	Set
	// Map is a homogeneous key-value dictionary.
	Map
	// Record is a fixed, ordered set of named fields.
	Record
	// VariantKind is a closed tagged union.
	VariantKind
	// Ref defers to a schema declared elsewhere in the manifest by Name.
	Ref
)

// String renders a Kind's algebra keyword.
func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Nat:
		return "nat"
	case Int:
		return "int"
	case Text:
		return "text"
	case Bytes:
		return "bytes"
	case HashKind:
		return "hash"
	case Time:
		return "time"
	case Option:
		return "option"
	case List:
		return "list"
	case Set:
		return "set"
	case Map:
		return "map"
	case Record:
		return "record"
	case VariantKind:
		return "variant"
	case Ref:
		return "ref"
	default:
		return "unknown"
	}
}

type (
	// Schema is a closed algebraic value shape. Exactly one of the container
	// fields below is meaningful for a given Kind; scalar kinds (Bool, Nat,
	// Int, Text, Bytes, HashKind, Time) use none of them.
	Schema struct {
		Kind Kind

		// Elem is the element schema for Option, List, and Set.
		Elem *Schema
		// Key and Value describe a Map's key and value schemas.
		Key   *Schema
		Value *Schema
		// Fields holds a Record's ordered field list.
		Fields []Field
		// Cases holds a Variant's ordered tag-to-schema list.
		Cases []Case
		// RefName names the schema a Ref defers to.
		RefName Name
	}

	// Field is one named, ordered member of a Record schema.
	Field struct {
		Name   string
		Schema Schema
	}

	// Case is one tag-to-schema pairing of a Variant schema.
	Case struct {
		Tag    string
		Schema Schema
	}

	// Hash is a 32-byte SHA-256 content hash, the value representation for
	// the HashKind schema case. kernel/codec reuses this type rather than
	// declaring its own, since a hash is as much a schema primitive as a
	// content-addressing concern.
	Hash [32]byte

	// Variant is the Go value representation of a VariantKind-kinded
	// value: exactly one tag is active, carrying a value of that tag's
	// declared schema.
	Variant struct {
		Tag   string
		Value any
	}

	// MapEntry is one key-value pair of a schema.Map-kinded value. Map
	// values are represented as an ordered slice rather than a Go map
	// because schema key kinds (e.g. Bytes) are not all Go-comparable;
	// canonical ordering is imposed by kernel/codec at encode time, not by
	// this representation.
	MapEntry struct {
		Key   any
		Value any
	}
)

// BoolSchema constructs a Bool schema.
func BoolSchema() Schema { return Schema{Kind: Bool} }

// NatSchema constructs a Nat schema.
func NatSchema() Schema { return Schema{Kind: Nat} }

// IntSchema constructs an Int schema.
func IntSchema() Schema { return Schema{Kind: Int} }

// TextSchema constructs a Text schema.
func TextSchema() Schema { return Schema{Kind: Text} }

// BytesSchema constructs a Bytes schema.
func BytesSchema() Schema { return Schema{Kind: Bytes} }

// HashSchema constructs a HashKind schema.
func HashSchema() Schema { return Schema{Kind: HashKind} }

// TimeSchema constructs a Time schema.
func TimeSchema() Schema { return Schema{Kind: Time} }

// OptionSchema constructs an Option<elem> schema.
func OptionSchema(elem Schema) Schema { return Schema{Kind: Option, Elem: &elem} }

// ListSchema constructs a List<elem> schema.
func ListSchema(elem Schema) Schema { return Schema{Kind: List, Elem: &elem} }

// SetSchema constructs a Set<elem> schema.
func SetSchema(elem Schema) Schema { return Schema{Kind: Set, Elem: &elem} }

// MapSchema constructs a Map<key,value> schema.
func MapSchema(key, value Schema) Schema { return Schema{Kind: Map, Key: &key, Value: &value} }

// RecordSchema constructs a Record schema from an ordered field list.
func RecordSchema(fields ...Field) Schema { return Schema{Kind: Record, Fields: fields} }

// VariantSchema constructs a Variant schema from an ordered case list.
func VariantSchema(cases ...Case) Schema { return Schema{Kind: VariantKind, Cases: cases} }

// RefSchema constructs a Ref schema deferring to name.
func RefSchema(name Name) Schema { return Schema{Kind: Ref, RefName: name} }

// FieldByName returns the Record field with the given name, if any.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// CaseByTag returns the Variant case with the given tag, if any.
func (s Schema) CaseByTag(tag string) (Case, bool) {
	for _, c := range s.Cases {
		if c.Tag == tag {
			return c, true
		}
	}
	return Case{}, false
}

// Index resolves a Ref schema to its declared Schema. kernel/assembly builds
// one Index per manifest version (RuntimeAssembly.SchemaIndex) so Ref
// resolution never re-parses the manifest at validation/canonicalization time.
type Index map[Name]Schema

// Resolve follows s if it is a Ref, repeatedly, until a non-Ref schema is
// reached. Returns an error if a name in the chain is not present in idx.
func (idx Index) Resolve(s Schema) (Schema, error) {
	seen := map[Name]bool{}
	for s.Kind == Ref {
		if seen[s.RefName] {
			return Schema{}, &CycleError{Name: s.RefName}
		}
		seen[s.RefName] = true
		resolved, ok := idx[s.RefName]
		if !ok {
			return Schema{}, &UnknownSchemaError{Name: s.RefName}
		}
		s = resolved
	}
	return s, nil
}

// UnknownSchemaError reports a Ref to a Name absent from the Index.
type UnknownSchemaError struct{ Name Name }

func (e *UnknownSchemaError) Error() string {
	return "schema: unknown schema " + e.Name.String()
}

// CycleError reports a Ref chain that revisits a Name without terminating.
type CycleError struct{ Name Name }

func (e *CycleError) Error() string {
	return "schema: cyclic ref at " + e.Name.String()
}
