package schema

// FieldIssue reports a single validation failure for a value checked against
// a Schema. Field is a path from the value's root "$" (e.g.
// "$.items[1].name"); Constraint is a stable, matchable identifier for
// the kind of failure, grounded on the same closed vocabulary style used for
// generated tool-result validation issues elsewhere in the stack.
type FieldIssue struct {
	Field      string
	Constraint string
	Detail     string
}

// Constraint identifiers returned by Validate.
const (
	ConstraintTypeMismatch      = "invalid_field_type"
	ConstraintMissingField      = "missing_field"
	ConstraintUnknownField      = "unknown_field"
	ConstraintUnknownVariantTag = "unknown_variant_tag"
	ConstraintDuplicateElement  = "duplicate_set_element"
	ConstraintUnresolvedRef     = "unresolved_ref"
)
