package world

import (
	"context"

	"agentos.dev/kernel/kernel/authorize"
	"agentos.dev/kernel/kernel/governance"
	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/plan"
	"agentos.dev/kernel/kernel/workspace"
)

// settleInternalEffect executes a workspace or governance operation
// synchronously, right inside the authorize pipeline, and settles its
// receipt through the same authorize.Settle path an external adapter's
// InjectReceipt would use — the only difference is there is no external
// adapter to wait on, since the outcome is fully determined by data
// already in the store (§4.9/§4.2's internal-effect convention).
func (w *World) settleInternalEffect(ctx context.Context, in ingress, decision authorize.Decision, cand authorize.Candidate) error {
	params, _ := cand.Params.(map[string]any)

	var receipt any
	var err error
	switch decision.Kind.Namespace {
	case "workspace":
		receipt, err = w.execWorkspaceEffect(ctx, decision.Kind.Local, params)
	case "governance":
		receipt, err = w.execGovernanceEffect(ctx, decision.Kind.Local, params)
	default:
		return kernelerr.Newf(kernelerr.InvariantViolation, "effect %s is not internal", decision.Kind)
	}
	violation := ""
	if err != nil {
		if code, ok := kernelerr.GetCode(err); ok {
			violation = string(code)
		} else {
			return err
		}
	}

	settleViolation := violation
	var canonicalReceipt []byte
	if violation == "" {
		ra := w.loadRA()
		res, serr := authorize.Settle(ctx, ra, w.reducerHost, w.ld, authorize.SettleCandidate{
			Kind: decision.Kind, GrantName: decision.GrantName, IntentHash: decision.IntentHash, Receipt: receipt,
		})
		if serr != nil {
			if code, ok := kernelerr.GetCode(serr); ok {
				settleViolation = string(code)
			} else {
				return serr
			}
		} else {
			canonicalReceipt = res.CanonicalReceipt
			if _, jerr := w.j.Append(ctx, journal.Record{
				Kind:  journal.KindCapSettlement,
				Stamp: in.stamp,
				CapSettlement: &journal.CapSettlementBody{
					IntentHash: decision.IntentHash, GrantName: decision.GrantName, Usage: res.Reservation.Spent,
				},
			}); jerr != nil {
				return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal cap settlement", jerr)
			}
			w.untrackReservation(decision.GrantName, decision.IntentHash)
		}
	}

	if _, jerr := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindEffectReceipt,
		Stamp: in.stamp,
		EffectReceipt: &journal.EffectReceiptBody{
			IntentHash: decision.IntentHash, CanonicalReceipt: canonicalReceipt, Violation: settleViolation,
		},
	}); jerr != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal effect receipt", jerr)
	}
	w.resolveReceipt(decision.IntentHash, plan.ReceiptResult{Receipt: receipt, Violation: settleViolation})
	return nil
}

func (w *World) execWorkspaceEffect(ctx context.Context, op string, params map[string]any) (any, error) {
	name := strField(params, "workspace")
	owner := strField(params, "owner")
	path := strField(params, "path")
	var expectedHead *uint64
	if v, ok := params["expected_head"]; ok {
		if u, ok := toUint64(v); ok {
			expectedHead = &u
		}
	}

	switch op {
	case "write_bytes":
		content := bytesField(params, "content")
		c, err := w.ws.WriteBytes(ctx, name, path, content, expectedHead, owner)
		if err != nil {
			return nil, err
		}
		if err := w.journalWorkspaceCommit(ctx, c); err != nil {
			return nil, err
		}
		w.trackWorkspace(name)
		return commitReceipt(c), nil
	case "remove":
		c, err := w.ws.Remove(ctx, name, path, expectedHead, owner)
		if err != nil {
			return nil, err
		}
		if err := w.journalWorkspaceCommit(ctx, c); err != nil {
			return nil, err
		}
		w.trackWorkspace(name)
		return commitReceipt(c), nil
	case "annotations_set":
		ann := stringMapField(params, "annotations")
		if err := w.ws.AnnotationsSet(ctx, name, path, ann); err != nil {
			return nil, err
		}
		w.trackWorkspace(name)
		return map[string]any{"ok": true}, nil
	default:
		return nil, kernelerr.Newf(kernelerr.InvalidManifest, "unknown workspace effect operation %q", op)
	}
}

// journalWorkspaceCommit records a WorkspaceCommit, the dedicated record
// replay's Applier consumes to reconstruct HeadStore state without
// re-running WriteBytes/Remove's tree-rebuild logic.
func (w *World) journalWorkspaceCommit(ctx context.Context, c workspace.Commit) error {
	_, err := w.j.Append(ctx, journal.Record{
		Kind:  journal.KindWorkspaceCommit,
		Stamp: w.getIngress().stamp,
		WorkspaceCommit: &journal.WorkspaceCommitBody{
			Workspace: c.Workspace, Version: c.Version, RootHash: c.RootHash, Owner: c.Owner,
		},
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.BackendUnavailable, "journal workspace commit", err)
	}
	return nil
}

func commitReceipt(c workspace.Commit) map[string]any {
	return map[string]any{
		"workspace": c.Workspace,
		"version":   c.Version,
		"root_hash": c.RootHash[:],
		"owner":     c.Owner,
	}
}

func (w *World) execGovernanceEffect(ctx context.Context, op string, params map[string]any) (any, error) {
	id := strField(params, "proposal_id")
	switch op {
	case "propose":
		patch, ok := w.lookupPatch(id)
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest, "no manifest patch registered for proposal %q", id)
		}
		proposedBy := strField(params, "proposed_by")
		p, err := w.gov.Propose(ctx, id, patch, proposedBy)
		if err != nil {
			return nil, err
		}
		if _, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindProposed,
			Stamp: w.getIngress().stamp,
			Proposed: &journal.ProposedBody{
				ProposalID: p.ID, PatchHash: p.PatchHash, BaseHash: p.BaseHash, ProposedBy: p.ProposedBy,
			},
		}); jerr != nil {
			return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal proposed", jerr)
		}
		return map[string]any{"proposal_id": p.ID, "status": string(p.Status)}, nil

	case "shadow":
		p, _, err := w.gov.Shadow(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindShadowReport,
			Stamp: w.getIngress().stamp,
			ShadowReport: &journal.ShadowReportBody{
				ProposalID: p.ID, PatchHash: p.PatchHash, OK: p.Status == governance.StatusShadowOK, Reason: p.ShadowErr,
			},
		}); jerr != nil {
			return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal shadow report", jerr)
		}
		return map[string]any{"proposal_id": p.ID, "status": string(p.Status), "reason": p.ShadowErr}, nil

	case "approve":
		approvedBy := strField(params, "approved_by")
		notes := strField(params, "notes")
		p, err := w.gov.Approve(ctx, id, approvedBy, notes)
		if err != nil {
			return nil, err
		}
		if _, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindApproved,
			Stamp: w.getIngress().stamp,
			Approved: &journal.ApprovedBody{ProposalID: p.ID, ApprovedBy: p.ApprovedBy, Notes: p.Notes},
		}); jerr != nil {
			return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal approved", jerr)
		}
		return map[string]any{"proposal_id": p.ID, "status": string(p.Status)}, nil

	case "apply":
		p, ra, err := w.gov.Apply(ctx, id, w.quiescent)
		if err != nil {
			return nil, err
		}
		merged := mergeManifest(w.currentManifest(), p.Patch)
		w.swapRA(ra, merged)
		if _, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindApplied,
			Stamp: w.getIngress().stamp,
			Applied: &journal.AppliedBody{ProposalID: p.ID, NewManifestHash: ra.ManifestHash},
		}); jerr != nil {
			return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal applied", jerr)
		}
		if _, jerr := w.j.Append(ctx, journal.Record{
			Kind:  journal.KindManifest,
			Stamp: w.getIngress().stamp,
			Manifest: &journal.ManifestBody{ManifestHash: ra.ManifestHash, AirVersion: merged.AirVersion},
		}); jerr != nil {
			return nil, kernelerr.Wrap(kernelerr.BackendUnavailable, "journal manifest swap", jerr)
		}
		return map[string]any{"proposal_id": p.ID, "status": string(p.Status), "manifest_hash": ra.ManifestHash[:]}, nil

	default:
		return nil, kernelerr.Newf(kernelerr.InvalidManifest, "unknown governance effect operation %q", op)
	}
}

func strField(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func bytesField(params map[string]any, key string) []byte {
	if v, ok := params[key].([]byte); ok {
		return v
	}
	return nil
}

func stringMapField(params map[string]any, key string) map[string]string {
	out := map[string]string{}
	if m, ok := params[key].(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	default:
		return 0, false
	}
}
