// Package treestore implements C5: the registry that creates, loads and
// removes blobtree.Tree handles against a shared nodestore.Store, plus the
// integrity-sweep iterator supplemented from original_source/ (SPEC_FULL.md
// supplemented feature 2).
package treestore

import (
	"context"
	"iter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blobfs/pkg/blobtree"
	"blobfs/pkg/blockstore"
	"blobfs/pkg/node"
	"blobfs/pkg/nodestore"
)

// ErrIDTaken mirrors nodestore.ErrIDTaken at tree granularity.
var ErrIDTaken = nodestore.ErrIDTaken

// Store creates, loads and removes trees rooted in a shared nodestore.
type Store struct {
	ns  *nodestore.Store
	log *logrus.Logger
}

func Open(ns *nodestore.Store, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{ns: ns, log: log}
}

// CreateTree allocates a brand new empty tree with a store-chosen root id.
func (s *Store) CreateTree(ctx context.Context) (*blobtree.Tree, error) {
	return blobtree.Create(s.ns, s.log)
}

// TryCreateTree allocates a brand new empty tree at a caller-chosen root id,
// failing with ErrIDTaken if that id already names a block.
func (s *Store) TryCreateTree(ctx context.Context, rootID blockstore.BlockID) (*blobtree.Tree, error) {
	if _, err := s.ns.TryCreateLeaf(rootID, nil); err != nil {
		return nil, err
	}
	return blobtree.Open(ctx, s.ns, rootID, s.log)
}

// LoadTree opens a handle onto an existing tree by its root id.
func (s *Store) LoadTree(ctx context.Context, rootID blockstore.BlockID) (*blobtree.Tree, error) {
	return blobtree.Open(ctx, s.ns, rootID, s.log)
}

// RemoveTree deletes every block backing the tree rooted at rootID.
func (s *Store) RemoveTree(ctx context.Context, rootID blockstore.BlockID) error {
	t, err := blobtree.Open(ctx, s.ns, rootID, s.log)
	if err != nil {
		return err
	}
	return t.Remove(ctx)
}

// NumNodes reports the total number of blocks across all trees this store
// services — every block belongs to exactly one tree under this design.
func (s *Store) NumNodes() (int, error) {
	return s.ns.NumNodes()
}

// EstimateBlocksLeft approximates how many more full-size leaves could be
// created before the underlying BlockStore runs out of space.
func (s *Store) EstimateBlocksLeft() (uint64, error) {
	bytesLeft, err := s.ns.EstimateBytesLeft()
	if err != nil {
		return 0, err
	}
	leafSize := uint64(s.ns.Layout().MaxBytesPerLeaf())
	if leafSize == 0 {
		return 0, nil
	}
	return bytesLeft / leafSize, nil
}

// NodeRecord is one node surfaced by LoadAllNodesInSubtree: its id, its
// parsed contents (nil if corrupted), and any parse error.
type NodeRecord struct {
	ID   blockstore.BlockID
	Node *node.Node
	Err  error
}

// LoadAllNodesInSubtree walks every node reachable from rootID, depth
// first, yielding one NodeRecord per node — including corrupted ones, whose
// Err is set instead of stopping the walk. This is the integrity-sweep
// primitive cmd/blobfsck drives (SPEC_FULL.md supplemented feature 2,
// grounded on original_source/'s LoadAllNodesInSubtree).
func (s *Store) LoadAllNodesInSubtree(ctx context.Context, rootID blockstore.BlockID) iter.Seq[NodeRecord] {
	return func(yield func(NodeRecord) bool) {
		s.walk(ctx, rootID, yield)
	}
}

func (s *Store) walk(ctx context.Context, id blockstore.BlockID, yield func(NodeRecord) bool) bool {
	n, ok, err := s.ns.Load(ctx, id)
	if err != nil {
		return yield(NodeRecord{ID: id, Err: err})
	}
	if !ok {
		return yield(NodeRecord{ID: id, Err: errors.Errorf("treestore: block %s not found", id)})
	}
	if !yield(NodeRecord{ID: id, Node: n}) {
		return false
	}
	if n.IsLeaf() {
		return true
	}
	for i := 0; i < n.NumChildren(); i++ {
		if !s.walk(ctx, n.ChildAt(i), yield) {
			return false
		}
	}
	return true
}
