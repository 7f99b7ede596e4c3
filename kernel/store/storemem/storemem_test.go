package storemem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

func TestPutGetHas(t *testing.T) {
	s := New()
	ctx := context.Background()

	h, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, codec.Hash([]byte("hello")), h)

	ok, err := s.Has(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := s.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
}

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), schema.Hash{0xFF})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPut_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	h1, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	h2, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestGet_DefensiveCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	h, err := s.Put(ctx, []byte("mutate-me"))
	require.NoError(t, err)
	b, err := s.Get(ctx, h)
	require.NoError(t, err)
	b[0] = 'X'
	reread, err := s.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("mutate-me"), reread, "mutating a returned blob must not affect the store")
}

func TestRefs(t *testing.T) {
	s := New()
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

	_, err = s.GetRef(ctx, schema.Name{Namespace: "app", Local: "missing", Version: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}
