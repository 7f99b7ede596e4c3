package journal

import (
	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/kernelerr"
)

// encMode/decMode mirror kernel/codec's canonical settings: journal records
// are the kernel's own wire format (not a schema-directed value), so they
// are encoded with ordinary struct tags rather than routed through
// kernel/codec's schema-driven Encode/Decode — the same separation
// kernel/reducer's envelope.go and kernel/authorize's capEnforcerInput
// already draw between ABI/host envelopes and schema-typed domain values.
var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	em, err := opts.EncMode()
	if err != nil {
		panic("journal: invalid canonical encoding options: " + err.Error())
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: invalid decoding options: " + err.Error())
	}
	return dm
}()

// Encode canonically serializes one Record.
func Encode(rec Record) ([]byte, error) {
	b, err := encMode.Marshal(rec)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.NotCanonical, "encode journal record", err)
	}
	return b, nil
}

// Decode parses one Record previously produced by Encode.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Record{}, kernelerr.Wrap(kernelerr.NotCanonical, "decode journal record", err)
	}
	return rec, nil
}
