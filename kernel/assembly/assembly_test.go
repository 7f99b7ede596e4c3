package assembly

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

func mustName(t *testing.T, s string) schema.Name {
	t.Helper()
	n, err := schema.ParseName(s)
	require.NoError(t, err)
	return n
}

func baseManifest(t *testing.T) *air.Manifest {
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

func TestBuild_RejectsWrongAirVersion(t *testing.T) {
	m := baseManifest(t)
	m.AirVersion = 99
	_, err := Build(m)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidManifest))
}

func TestBuild_RejectsSysNamespace(t *testing.T) {
	m := baseManifest(t)
	sysName := schema.Name{Namespace: "sys", Local: "thing", Version: 1}
	m.Schemas[sysName] = air.DefSchema{Name: sysName, Schema: schema.BoolSchema()}
	_, err := Build(m)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidManifest))
}

func TestBuild_RouterRuleA_EventInFamily(t *testing.T) {
	m := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	moduleName := mustName(t, "app/cart@1")
	m.Routing = append(m.Routing, air.RoutingEntry{Event: orderName, Reducer: moduleName})

	ra, err := Build(m)
	require.NoError(t, err)
	targets := ra.Router[orderName]
	require.Len(t, targets, 1)
	require.Equal(t, WrapperIdentity, targets[0].Wrapper)
}

func TestBuild_RouterRuleA_EventNotInFamily(t *testing.T) {
	m := baseManifest(t)
	moduleName := mustName(t, "app/cart@1")
	otherName := mustName(t, "app/other@1")
	m.Schemas[otherName] = air.DefSchema{Name: otherName, Schema: schema.BoolSchema()}
	m.Routing = append(m.Routing, air.RoutingEntry{Event: otherName, Reducer: moduleName})

	_, err := Build(m)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.RoutingIncompatible))
}

func TestBuild_RouterVariantFamily(t *testing.T) {
	m := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	approvedName := mustName(t, "app/approved@1")
	m.Schemas[approvedName] = air.DefSchema{Name: approvedName, Schema: schema.BoolSchema()}

	moduleName := mustName(t, "app/approval@1")
	m.Modules[moduleName] = air.DefModule{
		Name:        moduleName,
		StateSchema: orderName,
		EventFamily: air.EventFamily{Arms: []air.EventFamilyArm{
			{Tag: "Order", Event: orderName},
			{Tag: "Approved", Event: approvedName},
		}},
	}
	m.Routing = append(m.Routing, air.RoutingEntry{Event: approvedName, Reducer: moduleName})

	ra, err := Build(m)
	require.NoError(t, err)
	targets := ra.Router[approvedName]
	require.Len(t, targets, 1)
	require.Equal(t, WrapperVariant, targets[0].Wrapper)
	require.Equal(t, "Approved", targets[0].VariantTag)
}

func TestBuild_KeyingCoherence_RequiresKeyField(t *testing.T) {
	m := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	moduleName := mustName(t, "app/cart@1")
	mod := m.Modules[moduleName]
	ks := orderName
	mod.KeySchema = &ks
	m.Modules[moduleName] = mod
	m.Routing = append(m.Routing, air.RoutingEntry{Event: orderName, Reducer: moduleName})

	_, err := Build(m)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.KeyCoherence))
}

func TestBuild_KeyingCoherence_Satisfied(t *testing.T) {
	m := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	moduleName := mustName(t, "app/cart@1")
	mod := m.Modules[moduleName]
	ks := orderName
	mod.KeySchema = &ks
	m.Modules[moduleName] = mod
	m.Routing = append(m.Routing, air.RoutingEntry{Event: orderName, Reducer: moduleName, KeyField: "id"})

	ra, err := Build(m)
	require.NoError(t, err)
	require.Equal(t, KeyingKeyed, ra.Router[orderName][0].Keying)
	require.Equal(t, "id", ra.Router[orderName][0].KeyField)
}

func TestBuild_CapResolverAndGrantHash(t *testing.T) {
	m := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	capName := mustName(t, "app/shipping_cap@1")
	m.Caps[capName] = air.DefCap{Name: capName, ParamSchema: orderName}
	m.Grants["shipping"] = air.CapGrant{DefCap: capName, Params: map[string]any{"id": "o-1"}, Budget: map[string]uint64{"shipments": 5}}

	ra, err := Build(m)
	require.NoError(t, err)
	entry, ok := ra.CapResolver["shipping"]
	require.True(t, ok)
	require.Equal(t, capName, entry.DefCap)
	require.NotEmpty(t, entry.CanonicalParamsCBOR)
	require.NotEqual(t, schema.Hash{}, entry.GrantHash)
}

func TestBuild_GrantHashStableAcrossManifestReordering(t *testing.T) {
	m1 := baseManifest(t)
	orderName := mustName(t, "app/order@1")
	capName := mustName(t, "app/shipping_cap@1")
	m1.Caps[capName] = air.DefCap{Name: capName, ParamSchema: orderName}
	m1.Grants["shipping"] = air.CapGrant{DefCap: capName, Params: map[string]any{"id": "o-1"}, Budget: map[string]uint64{"a": 1, "b": 2}}

	m2 := baseManifest(t)
	m2.Caps[capName] = air.DefCap{Name: capName, ParamSchema: orderName}
	m2.Grants["shipping"] = air.CapGrant{DefCap: capName, Params: map[string]any{"id": "o-1"}, Budget: map[string]uint64{"b": 2, "a": 1}}

	ra1, err := Build(m1)
	require.NoError(t, err)
	ra2, err := Build(m2)
	require.NoError(t, err)
	require.Equal(t, ra1.CapResolver["shipping"].GrantHash, ra2.CapResolver["shipping"].GrantHash)
}

func TestBuild_ModuleBindingUnknownReducer(t *testing.T) {
	m := baseManifest(t)
	m.ModuleBindings = append(m.ModuleBindings, air.ModuleBinding{
		Reducer: mustName(t, "app/missing@1"), Slot: "default", Grant: "x",
	})
	_, err := Build(m)
	require.Error(t, err)
}
