package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/store/storemem"
)

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := storemem.New()
	ws := New(blobs, NewMemHeadStore())

	commit, err := ws.WriteBytes(ctx, "agent-1", "notes/today.txt", []byte("hello"), nil, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(1), commit.Version)

	got, err := ws.ReadBytes(ctx, "agent-1", "notes/today.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	entries, err := ws.List(ctx, "agent-1", "notes")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "today.txt", entries[0].Name)
}

func TestWriteBytesOptimisticConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	blobs := storemem.New()
	ws := New(blobs, NewMemHeadStore())

	_, err := ws.WriteBytes(ctx, "agent-1", "a.txt", []byte("1"), nil, "alice")
	require.NoError(t, err)

	stale := uint64(0)
	_, err = ws.WriteBytes(ctx, "agent-1", "b.txt", []byte("2"), &stale, "bob")
	require.Error(t, err)
}

func TestDiffReportsChangedPaths(t *testing.T) {
	ctx := context.Background()
	blobs := storemem.New()
	ws := New(blobs, NewMemHeadStore())

	_, err := ws.WriteBytes(ctx, "agent-1", "a.txt", []byte("1"), nil, "alice")
	require.NoError(t, err)
	_, err = ws.WriteBytes(ctx, "agent-1", "b.txt", []byte("2"), nil, "alice")
	require.NoError(t, err)

	changed, err := ws.Diff(ctx, "agent-1", 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"/b.txt"}, changed)
}

func TestRemoveDeletesEntry(t *testing.T) {
	ctx := context.Background()
	blobs := storemem.New()
	ws := New(blobs, NewMemHeadStore())

	_, err := ws.WriteBytes(ctx, "agent-1", "a.txt", []byte("1"), nil, "alice")
	require.NoError(t, err)
	_, err = ws.Remove(ctx, "agent-1", "a.txt", nil, "alice")
	require.NoError(t, err)

	entries, err := ws.List(ctx, "agent-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 0)
}
