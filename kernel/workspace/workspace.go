// Package workspace implements named, versioned, content-addressed
// directory trees (§4.9's internal effect surface): plans and reducers
// read/write byte blobs under path-addressed trees whose every version is
// immutable and hash-identified, exposed as cap-gated effects
// (workspace.resolve/list/read_ref/read_bytes/write_bytes/remove/diff/
// empty_root/annotations_get/annotations_set) rather than as direct
// filesystem access. Grounded on kernel/store's content-addressed BlobStore
// for blob storage, and on runtime/agent/artifact's versioned-artifact
// tree model narrowed from per-run artifact staging to a single shared,
// named workspace namespace.
package workspace

import (
	"path"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

var treeEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	em, err := opts.EncMode()
	if err != nil {
		panic("workspace: invalid canonical encoding options: " + err.Error())
	}
	return em
}()

var treeDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("workspace: invalid decoding options: " + err.Error())
	}
	return dm
}()

// TreeEntry is one named child of a TreeNode: either a subtree (IsDir) or a
// blob leaf, both addressed by content hash.
type TreeEntry struct {
	Name  string      `cbor:"name"`
	Hash  schema.Hash `cbor:"hash"`
	IsDir bool        `cbor:"is_dir"`
}

// TreeNode is a directory: an ordered (by Name, for canonical hashing), flat
// list of entries. A TreeNode's content hash is computed the same way any
// other content-addressed blob is: SHA-256 of its canonical CBOR encoding.
type TreeNode struct {
	Entries []TreeEntry `cbor:"entries"`
}

// encodeTree canonically serializes node with entries sorted by Name.
func encodeTree(node TreeNode) ([]byte, error) {
	sorted := make([]TreeEntry, len(node.Entries))
	copy(sorted, node.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	b, err := treeEncMode.Marshal(TreeNode{Entries: sorted})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.NotCanonical, "encode workspace tree", err)
	}
	return b, nil
}

func decodeTree(data []byte) (TreeNode, error) {
	var node TreeNode
	if err := treeDecMode.Unmarshal(data, &node); err != nil {
		return TreeNode{}, kernelerr.Wrap(kernelerr.NotCanonical, "decode workspace tree", err)
	}
	return node, nil
}

// splitPath normalizes and splits a workspace-relative path into segments,
// rejecting "." / ".." traversal and leading/trailing slashes.
func splitPath(p string) ([]string, error) {
	clean := path.Clean("/" + p)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return nil, nil
	}
	segs := strings.Split(clean, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, kernelerr.Newf(kernelerr.InvalidManifest, "workspace: invalid path %q", p)
		}
	}
	return segs, nil
}
