// Package storemongo provides a MongoDB implementation of store.Store,
// persisting blobs and manifest refs for durability across restarts.
package storemongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

const (
	defaultBlobsCollection = "agentos_blobs"
	defaultRefsCollection  = "agentos_refs"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "agentos-store-mongo"
)

// Options configures the MongoDB-backed store.
type Options struct {
	Client          *mongo.Client
	Database        string
	BlobsCollection string
	RefsCollection  string
	Timeout         time.Duration
}

// Store is a MongoDB implementation of store.Store. It is safe for
// concurrent use; concurrency is delegated to the driver.
type Store struct {
	mongo   *mongo.Client
	blobs   *mongo.Collection
	refs    *mongo.Collection
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

type blobDocument struct {
	Hash  []byte `bson:"_id"`
	Bytes []byte `bson:"bytes"`
}

type refDocument struct {
	Name    string `bson:"_id"`
	Hash    []byte `bson:"hash"`
	Version uint32 `bson:"version"`
}

// New connects a Store to the given database, creating indexes as needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("storemongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("storemongo: database name is required")
	}
	blobsColl := opts.BlobsCollection
	if blobsColl == "" {
		blobsColl = defaultBlobsCollection
	}
	refsColl := opts.RefsCollection
	if refsColl == "" {
		refsColl = defaultRefsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:   opts.Client,
		blobs:   db.Collection(blobsColl),
		refs:    db.Collection(refsColl),
		timeout: timeout,
	}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.refs.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("storemongo: ensure ref index: %w", err)
	}
	return s, nil
}

// Name identifies this client for health reporting.
func (s *Store) Name() string { return clientName }

// Ping verifies connectivity to MongoDB.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Put stores b under its canonical hash, upserting so repeated puts of
// identical content are no-ops.
func (s *Store) Put(ctx context.Context, b []byte) (schema.Hash, error) {
	h := codec.Hash(b)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": h[:]}
	update := bson.M{"$setOnInsert": blobDocument{Hash: h[:], Bytes: b}}
	_, err := s.blobs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return schema.Hash{}, fmt.Errorf("storemongo: put blob: %w", err)
	}
	return h, nil
}

// Get fetches the bytes stored under h.
func (s *Store) Get(ctx context.Context, h schema.Hash) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc blobDocument
	err := s.blobs.FindOne(ctx, bson.M{"_id": h[:]}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("storemongo: get blob: %w", err)
	}
	return doc.Bytes, nil
}

// Has reports whether h is present without fetching its payload.
func (s *Store) Has(ctx context.Context, h schema.Hash) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.blobs.CountDocuments(ctx, bson.M{"_id": h[:]}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("storemongo: has blob: %w", err)
	}
	return n > 0, nil
}

// PutRef repoints name to h.
func (s *Store) PutRef(ctx context.Context, name schema.Name, h schema.Hash) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	id := name.String()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": refDocument{Name: id, Hash: h[:], Version: name.Version}}
	_, err := s.refs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("storemongo: put ref %s: %w", id, err)
	}
	return nil
}

// GetRef resolves name to its current hash.
func (s *Store) GetRef(ctx context.Context, name schema.Name) (schema.Hash, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc refDocument
	err := s.refs.FindOne(ctx, bson.M{"_id": name.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return schema.Hash{}, store.ErrNotFound
		}
		return schema.Hash{}, fmt.Errorf("storemongo: get ref %s: %w", name, err)
	}
	var h schema.Hash
	copy(h[:], doc.Hash)
	return h, nil
}

// ListRefs returns every Name stored in namespace, or every Name if
// namespace is empty.
func (s *Store) ListRefs(ctx context.Context, namespace string) ([]schema.Name, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if namespace != "" {
		filter["_id"] = bson.M{"$regex": "^" + namespace + "/"}
	}
	cursor, err := s.refs.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("storemongo: list refs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []refDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("storemongo: list refs decode: %w", err)
	}
	names := make([]schema.Name, 0, len(docs))
	for _, doc := range docs {
		n, err := schema.ParseName(doc.Name)
		if err != nil {
			return nil, fmt.Errorf("storemongo: list refs: %w", err)
		}
		names = append(names, n)
	}
	return names, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
