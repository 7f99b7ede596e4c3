package assembly

import (
	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/schema"
)

// FamilySchema reconstructs the schema.Schema a reducer's ABI event bytes
// must canonicalize against: a bare Ref passthrough for a direct-ref
// family, or a Variant schema over each arm's event for a variant family.
// kernel/router uses this to encode a routed event into a reducer's
// declared ABI shape before dispatch.
func FamilySchema(f air.EventFamily) schema.Schema {
	if len(f.Arms) == 0 {
		return schema.RefSchema(f.RefEvent)
	}
	cases := make([]schema.Case, 0, len(f.Arms))
	for _, arm := range f.Arms {
		cases = append(cases, schema.Case{Tag: arm.Tag, Schema: schema.RefSchema(arm.Event)})
	}
	return schema.VariantSchema(cases...)
}
