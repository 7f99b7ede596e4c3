package storemongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

// newTestStore connects to a live MongoDB instance addressed by the
// MONGODB_URI environment variable. These tests exercise real driver
// round-trips rather than mocked collections, so they are skipped (not
// failed) when MONGODB_URI is not set, matching the rest of the pack's
// opt-in integration test convention.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping storemongo integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	s, err := New(ctx, Options{Client: client, Database: "agentos_test"})
	require.NoError(t, err)
	return s
}

func TestStore_PutGetHas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.Put(ctx, []byte("hello-mongo"))
	require.NoError(t, err)

	ok, err := s.Has(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := s.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("hello-mongo"), b)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), schema.Hash{0x01})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Refs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name := schema.Name{Namespace: "app", Local: "order", Version: 1}
	h, err := s.Put(ctx, []byte("manifest-node"))
	require.NoError(t, err)

	require.NoError(t, s.PutRef(ctx, name, h))
	got, err := s.GetRef(ctx, name)
	require.NoError(t, err)
	require.Equal(t, h, got)

	names, err := s.ListRefs(ctx, "app")
	require.NoError(t, err)
	require.Contains(t, names, name)
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	require.Equal(t, clientName, s.Name())
}
