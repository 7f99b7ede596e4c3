package workspace

import (
	"context"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

// Workspace is the pure operational layer over a BlobStore (for tree nodes
// and file contents) and a HeadStore (for named workspace version history
// and annotations). World wires each operation below as an internal,
// cap-gated plan/reducer effect (§4.9): unlike external effects, these
// dispatch synchronously within the authorize pipeline rather than waiting
// on an external adapter's receipt, since the outcome is fully determined
// by data already in the store.
type Workspace struct {
	blobs store.BlobStore
	heads HeadStore
}

func New(blobs store.BlobStore, heads HeadStore) *Workspace {
	return &Workspace{blobs: blobs, heads: heads}
}

// EmptyRoot returns the content hash of the canonical empty directory tree,
// persisting it if not already present.
func (w *Workspace) EmptyRoot(ctx context.Context) (schema.Hash, error) {
	b, err := encodeTree(TreeNode{})
	if err != nil {
		return schema.Hash{}, err
	}
	return w.blobs.Put(ctx, b)
}

// Resolve returns the current head Commit for name, or EmptyRoot's Commit
// (version 0, never yet put) if the workspace has no history.
func (w *Workspace) Resolve(ctx context.Context, name string) (Commit, error) {
	c, ok, err := w.heads.Head(ctx, name)
	if err != nil {
		return Commit{}, err
	}
	if ok {
		return c, nil
	}
	root, err := w.EmptyRoot(ctx)
	if err != nil {
		return Commit{}, err
	}
	return Commit{Workspace: name, Version: 0, RootHash: root}, nil
}

func (w *Workspace) loadTree(ctx context.Context, h schema.Hash) (TreeNode, error) {
	b, err := w.blobs.Get(ctx, h)
	if err != nil {
		return TreeNode{}, kernelerr.Wrap(kernelerr.InvariantViolation, "workspace: load tree", err)
	}
	return decodeTree(b)
}

// List returns the entries of the directory at path in workspace's current
// head, or the root's entries if path is empty.
func (w *Workspace) List(ctx context.Context, name, p string) ([]TreeEntry, error) {
	commit, err := w.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	node, err := w.descend(ctx, commit.RootHash, p)
	if err != nil {
		return nil, err
	}
	return node.Entries, nil
}

// descend walks from root through each path segment, requiring every
// intermediate entry to be a directory, and returns the TreeNode at p.
func (w *Workspace) descend(ctx context.Context, root schema.Hash, p string) (TreeNode, error) {
	segs, err := splitPath(p)
	if err != nil {
		return TreeNode{}, err
	}
	cur, err := w.loadTree(ctx, root)
	if err != nil {
		return TreeNode{}, err
	}
	for _, seg := range segs {
		entry, ok := findEntry(cur, seg)
		if !ok || !entry.IsDir {
			return TreeNode{}, kernelerr.Newf(kernelerr.InvariantViolation, "workspace: no such directory %q", p)
		}
		cur, err = w.loadTree(ctx, entry.Hash)
		if err != nil {
			return TreeNode{}, err
		}
	}
	return cur, nil
}

func findEntry(node TreeNode, name string) (TreeEntry, bool) {
	for _, e := range node.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// ReadRef returns the content hash of the file or subtree at path, without
// fetching its bytes.
func (w *Workspace) ReadRef(ctx context.Context, name, p string) (schema.Hash, error) {
	commit, err := w.Resolve(ctx, name)
	if err != nil {
		return schema.Hash{}, err
	}
	segs, err := splitPath(p)
	if err != nil {
		return schema.Hash{}, err
	}
	if len(segs) == 0 {
		return commit.RootHash, nil
	}
	dir, err := w.descend(ctx, commit.RootHash, parentOf(segs))
	if err != nil {
		return schema.Hash{}, err
	}
	entry, ok := findEntry(dir, segs[len(segs)-1])
	if !ok {
		return schema.Hash{}, kernelerr.Newf(kernelerr.InvariantViolation, "workspace: no such path %q", p)
	}
	return entry.Hash, nil
}

func parentOf(segs []string) string {
	if len(segs) <= 1 {
		return ""
	}
	out := ""
	for _, s := range segs[:len(segs)-1] {
		out += "/" + s
	}
	return out
}

// ReadBytes returns the content of the file at path.
func (w *Workspace) ReadBytes(ctx context.Context, name, p string) ([]byte, error) {
	h, err := w.ReadRef(ctx, name, p)
	if err != nil {
		return nil, err
	}
	return w.blobs.Get(ctx, h)
}

// WriteBytes stores content at path, rebuilding every ancestor TreeNode up
// to a new root, and commits the new version. expectedHead enforces
// optimistic concurrency: if the workspace's current head version does not
// match, the write is rejected (a defect reuse of IdempotencyCollision: two
// writers racing the same workspace at the same version is the same shape
// of conflict the code already names for duplicate effect intents).
func (w *Workspace) WriteBytes(ctx context.Context, name, p string, content []byte, expectedHead *uint64, owner string) (Commit, error) {
	commit, err := w.Resolve(ctx, name)
	if err != nil {
		return Commit{}, err
	}
	if expectedHead != nil && *expectedHead != commit.Version {
		return Commit{}, kernelerr.Newf(kernelerr.IdempotencyCollision,
			"workspace %q: expected head version %d, actual %d", name, *expectedHead, commit.Version)
	}
	segs, err := splitPath(p)
	if err != nil {
		return Commit{}, err
	}
	if len(segs) == 0 {
		return Commit{}, kernelerr.New(kernelerr.InvalidManifest, "workspace: write_bytes requires a non-empty path")
	}
	blobHash, err := w.blobs.Put(ctx, content)
	if err != nil {
		return Commit{}, err
	}
	newRoot, err := w.setPath(ctx, commit.RootHash, segs, &TreeEntry{Name: segs[len(segs)-1], Hash: blobHash, IsDir: false})
	if err != nil {
		return Commit{}, err
	}
	next := Commit{Workspace: name, Version: commit.Version + 1, RootHash: newRoot, Owner: owner}
	if err := w.heads.PutCommit(ctx, next); err != nil {
		return Commit{}, err
	}
	return next, nil
}

// Remove deletes the entry at path, rebuilding ancestors and committing a
// new version the same way WriteBytes does.
func (w *Workspace) Remove(ctx context.Context, name, p string, expectedHead *uint64, owner string) (Commit, error) {
	commit, err := w.Resolve(ctx, name)
	if err != nil {
		return Commit{}, err
	}
	if expectedHead != nil && *expectedHead != commit.Version {
		return Commit{}, kernelerr.Newf(kernelerr.IdempotencyCollision,
			"workspace %q: expected head version %d, actual %d", name, *expectedHead, commit.Version)
	}
	segs, err := splitPath(p)
	if err != nil {
		return Commit{}, err
	}
	if len(segs) == 0 {
		return Commit{}, kernelerr.New(kernelerr.InvalidManifest, "workspace: remove requires a non-empty path")
	}
	newRoot, err := w.setPath(ctx, commit.RootHash, segs, nil)
	if err != nil {
		return Commit{}, err
	}
	next := Commit{Workspace: name, Version: commit.Version + 1, RootHash: newRoot, Owner: owner}
	if err := w.heads.PutCommit(ctx, next); err != nil {
		return Commit{}, err
	}
	return next, nil
}

// setPath rebuilds the tree along segs, replacing (or, if entry is nil,
// removing) the leaf named by the last segment, and returns the new root
// hash. Every rewritten TreeNode is persisted content-addressed; unchanged
// siblings are referenced by their existing hash, not copied.
func (w *Workspace) setPath(ctx context.Context, root schema.Hash, segs []string, entry *TreeEntry) (schema.Hash, error) {
	node, err := w.loadTree(ctx, root)
	if err != nil {
		return schema.Hash{}, err
	}
	seg := segs[0]
	rest := segs[1:]

	var newChildHash *schema.Hash
	if len(rest) == 0 {
		if entry != nil {
			h := entry.Hash
			newChildHash = &h
		}
		// entry == nil means remove: newChildHash stays nil, handled below.
	} else {
		existing, ok := findEntry(node, seg)
		var childRoot schema.Hash
		if ok {
			childRoot = existing.Hash
		} else {
			childRoot, err = w.EmptyRoot(ctx)
			if err != nil {
				return schema.Hash{}, err
			}
		}
		h, err := w.setPath(ctx, childRoot, rest, entry)
		if err != nil {
			return schema.Hash{}, err
		}
		newChildHash = &h
	}

	out := make([]TreeEntry, 0, len(node.Entries)+1)
	replaced := false
	for _, e := range node.Entries {
		if e.Name == seg {
			replaced = true
			if newChildHash == nil {
				continue // removed
			}
			out = append(out, TreeEntry{Name: seg, Hash: *newChildHash, IsDir: len(rest) > 0})
			continue
		}
		out = append(out, e)
	}
	if !replaced && newChildHash != nil {
		out = append(out, TreeEntry{Name: seg, Hash: *newChildHash, IsDir: len(rest) > 0})
	}

	b, err := encodeTree(TreeNode{Entries: out})
	if err != nil {
		return schema.Hash{}, err
	}
	return w.blobs.Put(ctx, b)
}

// Diff reports every path whose leaf hash differs between fromVersion and
// toVersion of name.
func (w *Workspace) Diff(ctx context.Context, name string, fromVersion, toVersion uint64) ([]string, error) {
	from, ok, err := w.heads.At(ctx, name, fromVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.Newf(kernelerr.InvariantViolation, "workspace %q: no such version %d", name, fromVersion)
	}
	to, ok, err := w.heads.At(ctx, name, toVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.Newf(kernelerr.InvariantViolation, "workspace %q: no such version %d", name, toVersion)
	}
	fromLeaves := map[string]schema.Hash{}
	if err := w.collectLeaves(ctx, from.RootHash, "", fromLeaves); err != nil {
		return nil, err
	}
	toLeaves := map[string]schema.Hash{}
	if err := w.collectLeaves(ctx, to.RootHash, "", toLeaves); err != nil {
		return nil, err
	}
	var changed []string
	for p, h := range toLeaves {
		if fromLeaves[p] != h {
			changed = append(changed, p)
		}
	}
	for p := range fromLeaves {
		if _, ok := toLeaves[p]; !ok {
			changed = append(changed, p)
		}
	}
	return changed, nil
}

func (w *Workspace) collectLeaves(ctx context.Context, root schema.Hash, prefix string, out map[string]schema.Hash) error {
	node, err := w.loadTree(ctx, root)
	if err != nil {
		return err
	}
	for _, e := range node.Entries {
		p := prefix + "/" + e.Name
		if e.IsDir {
			if err := w.collectLeaves(ctx, e.Hash, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = e.Hash
	}
	return nil
}

// AnnotationsGet/AnnotationsSet attach small key/value metadata to a path
// without it participating in content hashing (annotations are mutable
// sidecar state, not tree content).
func (w *Workspace) AnnotationsGet(ctx context.Context, name, p string) (map[string]string, error) {
	return w.heads.AnnotationsGet(ctx, name, p)
}

func (w *Workspace) AnnotationsSet(ctx context.Context, name, p string, ann map[string]string) error {
	return w.heads.AnnotationsSet(ctx, name, p, ann)
}
