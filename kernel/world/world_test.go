package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/schema"
)

func mustName(t *testing.T, s string) schema.Name {
	t.Helper()
	n, err := schema.ParseName(s)
	require.NoError(t, err)
	return n
}

// baseManifest builds a minimal valid genesis manifest: one event schema, one
// module subscribed to it, and no routing entries, so SubmitDomainEvent can
// journal and route an event without needing a compiled reducer module.
func baseManifest(t *testing.T) *air.Manifest {
	t.Helper()
	m := air.NewManifest()
	orderName := mustName(t, "app/order@1")
	m.Schemas[orderName] = air.DefSchema{Name: orderName, Schema: schema.RecordSchema(
		schema.Field{Name: "id", Schema: schema.TextSchema()},
	)}
	moduleName := mustName(t, "app/cart@1")
	m.Modules[moduleName] = air.DefModule{
		Name:        moduleName,
		StateSchema: orderName,
		EventFamily: air.EventFamily{RefEvent: orderName},
	}
	return m
}

func newTestWorld(t *testing.T) (*World, *air.Manifest) {
	t.Helper()
	m := baseManifest(t)
	w, err := New(context.Background(), m, Config{})
	require.NoError(t, err)
	return w, m
}

func encodeOrder(t *testing.T, w *World, orderName schema.Name, id string) []byte {
	t.Helper()
	ra := w.ManifestGet()
	s, err := ra.SchemaIndex.Resolve(schema.RefSchema(orderName))
	require.NoError(t, err)
	b, err := codec.Encode(s, ra.SchemaIndex, map[string]any{"id": id})
	require.NoError(t, err)
	return b
}

func TestNew_JournalsGenesisManifest(t *testing.T) {
	w, m := newTestWorld(t)
	height, err := w.j.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)

	ra := w.ManifestGet()
	require.Equal(t, m.AirVersion, w.currentManifest().AirVersion)
	require.NotEqual(t, schema.Hash{}, ra.ManifestHash)
}

func TestSubmitDomainEvent_NoRoutingIsNoOp(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()
	orderName := mustName(t, "app/order@1")
	valueCBOR := encodeOrder(t, w, orderName, "abc")

	before, err := w.j.Head(ctx)
	require.NoError(t, err)

	err = w.SubmitDomainEvent(ctx, orderName, valueCBOR, schema.Name{})
	require.NoError(t, err)

	after, err := w.j.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, after, "exactly one DomainEvent record, no reducer ever subscribed via Routing")

	require.True(t, w.quiescent())
}

func TestDrainAndExecute_NoPendingSpawnsIsNoOp(t *testing.T) {
	w, _ := newTestWorld(t)
	require.NoError(t, w.DrainAndExecute(context.Background()))
}

func TestSnapshot_ThenPromoteBaseline(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()

	height, err := w.Snapshot(ctx)
	require.NoError(t, err)
	require.Greater(t, height, uint64(0))

	baseHeight, err := w.PromoteBaseline(ctx)
	require.NoError(t, err)
	require.Greater(t, baseHeight, uint64(0))
}

func TestVerifyReplay_MatchesAfterDomainEvents(t *testing.T) {
	w, _ := newTestWorld(t)
	ctx := context.Background()
	orderName := mustName(t, "app/order@1")

	for _, id := range []string{"a", "b", "c"} {
		valueCBOR := encodeOrder(t, w, orderName, id)
		require.NoError(t, w.SubmitDomainEvent(ctx, orderName, valueCBOR, schema.Name{}))
	}
	require.NoError(t, w.VerifyReplay(ctx))
}

func TestQueryState_UnknownKindErrors(t *testing.T) {
	w, _ := newTestWorld(t)
	_, err := w.QueryState(context.Background(), Query{Kind: QueryKind("bogus")})
	require.Error(t, err)
}

func TestQueryState_ReducerStateNotFound(t *testing.T) {
	w, _ := newTestWorld(t)
	res, err := w.QueryState(context.Background(), Query{
		Kind:        QueryReducerState,
		ReducerName: mustName(t, "app/cart@1"),
		ReducerKey:  []byte("missing"),
	})
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestQueryState_PlanInstanceNotFound(t *testing.T) {
	w, _ := newTestWorld(t)
	res, err := w.QueryState(context.Background(), Query{Kind: QueryPlanInstance, InstanceID: "does-not-exist"})
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestQueryState_ProposalNotFound(t *testing.T) {
	w, _ := newTestWorld(t)
	res, err := w.QueryState(context.Background(), Query{Kind: QueryProposal, ProposalID: "nope"})
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestRegisterManifestPatch_RoundTrips(t *testing.T) {
	w, _ := newTestWorld(t)
	patch := air.NewManifest()
	w.RegisterManifestPatch("patch-1", patch)

	got, ok := w.lookupPatch("patch-1")
	require.True(t, ok)
	require.Same(t, patch, got)

	_, ok = w.lookupPatch("never-registered")
	require.False(t, ok)
}

func TestMergeManifest_PatchOverlaysCurrent(t *testing.T) {
	current := air.NewManifest()
	baseName := mustName(t, "app/a@1")
	current.Schemas[baseName] = air.DefSchema{Name: baseName, Schema: schema.BoolSchema()}

	patch := air.NewManifest()
	patchName := mustName(t, "app/b@1")
	patch.Schemas[patchName] = air.DefSchema{Name: patchName, Schema: schema.TextSchema()}

	merged := mergeManifest(current, patch)
	require.Contains(t, merged.Schemas, baseName)
	require.Contains(t, merged.Schemas, patchName)
}

func TestMergeManifest_NilPatchReturnsCopyOfCurrent(t *testing.T) {
	current := air.NewManifest()
	name := mustName(t, "app/a@1")
	current.Schemas[name] = air.DefSchema{Name: name, Schema: schema.BoolSchema()}

	merged := mergeManifest(current, nil)
	require.Contains(t, merged.Schemas, name)
	require.NotSame(t, current, merged)
}

func TestSubmitControl_UnknownInstanceErrors(t *testing.T) {
	w, _ := newTestWorld(t)
	err := w.Pause(context.Background(), "does-not-exist", "because", "tester")
	require.Error(t, err)
}

func TestReleaseEffect_UnreservedIntentErrors(t *testing.T) {
	w, _ := newTestWorld(t)
	err := w.ReleaseEffect(context.Background(), "no-such-grant", schema.Hash{}, "cleanup")
	require.Error(t, err)
}

func TestHashStateRoots_OrderIndependent(t *testing.T) {
	manifestHash := schema.Hash{1, 2, 3}
	rowsA := stateRootInputs{
		ManifestHash: manifestHash,
		Instances: []instanceRow{
			{ID: "b", Status: "running"},
			{ID: "a", Status: "completed"},
		},
	}
	rowsB := stateRootInputs{
		ManifestHash: manifestHash,
		Instances: []instanceRow{
			{ID: "a", Status: "completed"},
			{ID: "b", Status: "running"},
		},
	}
	require.Equal(t, hashStateRoots(rowsA), hashStateRoots(rowsB))
}

func TestHashStateRoots_DifferentManifestHashDiffers(t *testing.T) {
	a := hashStateRoots(stateRootInputs{ManifestHash: schema.Hash{1}})
	b := hashStateRoots(stateRootInputs{ManifestHash: schema.Hash{2}})
	require.NotEqual(t, a, b)
}

func TestApplier_StateHashOfUntouchedApplierMatchesEmptyRoots(t *testing.T) {
	w, _ := newTestWorld(t)
	app := w.newFreshApplier()
	app.manifestHash = schema.Hash{9, 9, 9}

	got, err := app.StateHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashStateRoots(stateRootInputs{ManifestHash: schema.Hash{9, 9, 9}}), got)
}
