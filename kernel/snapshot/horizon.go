package snapshot

import (
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// ReceiptHorizon tracks, during one replay pass, which intent hashes have
// already been journaled as an EffectIntent. A world's Applier calls
// Intent as it applies each EffectIntent record and CheckReceipt as it
// applies each EffectReceipt/CapSettlement/ReservationReleased record
// (EffectDenied records are not checked: a denial never produced an
// EffectIntent); a receipt outside the horizon means the journal references
// an intent that was never (yet, in this replay) recorded — a corrupted or
// out-of-order journal, never a legitimate state. CheckReceipt reports it as
// ReceiptHorizonViolation, which is not one of kernelerr's Fatal codes.
type ReceiptHorizon struct {
	seen map[schema.Hash]bool
}

// NewReceiptHorizon returns an empty horizon, used at the start of every
// replay pass (never persisted or carried across one).
func NewReceiptHorizon() *ReceiptHorizon {
	return &ReceiptHorizon{seen: make(map[schema.Hash]bool)}
}

// Intent records intentHash as having been journaled.
func (h *ReceiptHorizon) Intent(intentHash schema.Hash) {
	h.seen[intentHash] = true
}

// CheckReceipt reports a *kernelerr.Error{Code: ReceiptHorizonViolation} if
// intentHash has not been recorded via Intent yet.
func (h *ReceiptHorizon) CheckReceipt(intentHash schema.Hash) error {
	if !h.seen[intentHash] {
		return kernelerr.Newf(kernelerr.ReceiptHorizonViolation,
			"record references intent %x which has not been journaled in this replay", intentHash[:8])
	}
	return nil
}
