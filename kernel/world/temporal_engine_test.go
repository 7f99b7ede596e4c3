package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"

	"agentos.dev/kernel/kernel/engine/temporal"
)

// TestNew_WithTemporalEngine_JournalsGenesisManifest constructs a World
// against the Temporal-backed engine instead of the in-memory default,
// proving kernel/plan drives through it exactly as it does through inmem:
// plan.New's workflow/activity registration runs entirely against the
// local worker bundle (no RPC), so this exercises the adapter's
// registration path without needing a live Temporal server.
func TestNew_WithTemporalEngine_JournalsGenesisManifest(t *testing.T) {
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: "127.0.0.1:7233"},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: "agentos.plans"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })

	m := baseManifest(t)
	w, err := New(context.Background(), m, Config{Engine: eng})
	require.NoError(t, err)

	height, err := w.j.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)
}
