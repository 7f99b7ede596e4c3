// Package store defines the content-addressed blob store and the named
// manifest-reference store the kernel is built on (§4.1). Implementations
// live in subpackages: storemem (in-memory, development/tests) and
// storemongo (MongoDB, production durability). To add a backend, implement
// BlobStore and/or RefStore and return ErrNotFound for missing keys.
package store

import (
	"context"
	"errors"

	"agentos.dev/kernel/kernel/schema"
)

// ErrNotFound is returned when a hash or name has no corresponding entry.
var ErrNotFound = errors.New("store: not found")

// BlobStore is the content-addressed half of the store: Put is idempotent
// and verified server-side (a caller-supplied hash is never trusted), Get
// returns the bytes for a previously-stored hash, Has checks presence
// without fetching the payload. Content is immutable once stored.
type BlobStore interface {
	Put(ctx context.Context, b []byte) (schema.Hash, error)
	Get(ctx context.Context, h schema.Hash) ([]byte, error)
	Has(ctx context.Context, h schema.Hash) (bool, error)
}

// RefStore maps a versioned Name to the hash of the manifest node it
// currently resolves to. Unlike BlobStore entries, a ref may be repointed
// (e.g. on manifest evolution); only the blob a ref points to is immutable.
type RefStore interface {
	PutRef(ctx context.Context, name schema.Name, h schema.Hash) error
	GetRef(ctx context.Context, name schema.Name) (schema.Hash, error)
	ListRefs(ctx context.Context, namespace string) ([]schema.Name, error)
}

// Store combines BlobStore and RefStore, the full contract kernel/assembly
// depends on.
type Store interface {
	BlobStore
	RefStore
}
