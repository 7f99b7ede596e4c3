package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/schema"
)

func baseManifest() *air.Manifest {
	m := air.NewManifest()
	m.Schemas[schema.Name{Namespace: "test", Local: "Foo", Version: 1}] = air.DefSchema{
		Name:   schema.Name{Namespace: "test", Local: "Foo", Version: 1},
		Schema: schema.BoolSchema(),
	}
	return m
}

func TestProposeShadowApproveApply(t *testing.T) {
	ctx := context.Background()
	current := baseManifest()
	g := New(NewMemStore(), func() *air.Manifest { return current })

	patch := air.NewManifest()
	patch.Schemas[schema.Name{Namespace: "test", Local: "Bar", Version: 1}] = air.DefSchema{
		Name:   schema.Name{Namespace: "test", Local: "Bar", Version: 1},
		Schema: schema.TextSchema(),
	}

	p, err := g.Propose(ctx, "prop-1", patch, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusProposed, p.Status)

	p, ra, err := g.Shadow(ctx, "prop-1")
	require.NoError(t, err)
	require.Equal(t, StatusShadowOK, p.Status)
	require.NotNil(t, ra)
	require.Contains(t, ra.SchemaIndex, schema.Name{Namespace: "test", Local: "Bar", Version: 1})

	p, err = g.Approve(ctx, "prop-1", "bob", "looks fine")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, p.Status)

	p, ra, err = g.Apply(ctx, "prop-1", func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, StatusApplied, p.Status)
	require.NotNil(t, ra)
}

func TestApplyRejectsWhenNotQuiescent(t *testing.T) {
	ctx := context.Background()
	current := baseManifest()
	g := New(NewMemStore(), func() *air.Manifest { return current })

	patch := air.NewManifest()
	_, err := g.Propose(ctx, "prop-2", patch, "alice")
	require.NoError(t, err)
	_, _, err = g.Shadow(ctx, "prop-2")
	require.NoError(t, err)
	_, err = g.Approve(ctx, "prop-2", "bob", "")
	require.NoError(t, err)

	_, _, err = g.Apply(ctx, "prop-2", func() bool { return false })
	require.Error(t, err)
}
