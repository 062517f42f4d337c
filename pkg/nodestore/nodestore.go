// Package nodestore implements C2: a typed facade over a blockstore.BlockStore
// that creates, loads, overwrites and removes leaf/inner nodes, with an
// LRU cache of decoded nodes (spec.md §4.2, SPEC_FULL.md supplemented
// feature 1).
package nodestore

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"blobfs/pkg/blockstore"
	"blobfs/pkg/node"
)

// ErrIDTaken is returned by TryCreateLeaf when the requested id already has
// a block. It is a control-flow outcome, never logged as an error
// (spec.md §7).
var ErrIDTaken = errors.New("nodestore: id already taken")

// Outcome mirrors blockstore.RemoveOutcome for Remove.
type Outcome = blockstore.RemoveOutcome

const (
	Removed     = blockstore.Removed
	DidNotExist = blockstore.DidNotExist
)

// Options configures a Store.
type Options struct {
	// CacheSize bounds the number of decoded nodes kept in memory. Zero
	// disables caching.
	CacheSize int

	// MaxConcurrentLoads bounds how many Load calls may be in flight
	// against the underlying BlockStore at once. Zero means unbounded.
	MaxConcurrentLoads int64

	Logger *logrus.Logger
}

// Store is the C2 node store: create/load/overwrite/remove leaf and inner
// nodes, typed over blockstore.BlockStore's untyped bytes.
type Store struct {
	bs     blockstore.BlockStore
	layout node.Layout
	cache  *lru.Cache[blockstore.BlockID, *node.Node]
	sem    *semaphore.Weighted
	log    *logrus.Logger

	// allocatedBytes counts physical bytes this store has handed out via
	// Create*/CopyNode, minus what Remove has given back, so
	// EstimateBytesLeft can subtract allocations the underlying
	// BlockStore's own free-space report may not yet reflect. Accessed
	// with atomic ops since Create*/Remove can run concurrently.
	allocatedBytes int64
}

// blockSize is the physical, on-disk size of every block this store
// issues — the unit allocatedBytes is tracked in.
func (s *Store) blockSize() int64 {
	return int64(s.bs.PhysicalBlockSize())
}

// Open wraps bs with a node store using the layout derived from bs's
// logical block size.
func Open(bs blockstore.BlockStore, opts Options) (*Store, error) {
	layout, err := node.NewLayout(blockstore.LogicalBlockSize(bs))
	if err != nil {
		return nil, errors.Wrap(err, "nodestore: open")
	}
	s := &Store{bs: bs, layout: layout, log: opts.Logger}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if opts.CacheSize > 0 {
		c, err := lru.New[blockstore.BlockID, *node.Node](opts.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "nodestore: create cache")
		}
		s.cache = c
	}
	if opts.MaxConcurrentLoads > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrentLoads)
	}
	return s, nil
}

// Layout returns the node layout this store was opened with.
func (s *Store) Layout() node.Layout { return s.layout }

// CreateLeaf allocates a fresh leaf with store-chosen id.
func (s *Store) CreateLeaf(data []byte) (blockstore.BlockID, *node.Node, error) {
	n, err := node.NewLeaf(s.layout, data)
	if err != nil {
		return blockstore.BlockID{}, nil, err
	}
	id, err := s.bs.Create(node.Serialize(s.layout, n))
	if err != nil {
		return blockstore.BlockID{}, nil, errors.Wrap(err, "nodestore: create leaf")
	}
	atomic.AddInt64(&s.allocatedBytes, s.blockSize())
	s.cachePut(id, n)
	s.log.WithField("block", id).Debug("nodestore: created leaf")
	return id, n, nil
}

// TryCreateLeaf allocates a leaf at a caller-chosen id, returning
// ErrIDTaken if a block already exists there.
func (s *Store) TryCreateLeaf(id blockstore.BlockID, data []byte) (*node.Node, error) {
	n, err := node.NewLeaf(s.layout, data)
	if err != nil {
		return nil, err
	}
	outcome, err := s.bs.TryCreate(id, node.Serialize(s.layout, n))
	if err != nil {
		return nil, errors.Wrap(err, "nodestore: try-create leaf")
	}
	if outcome == blockstore.IDTaken {
		return nil, ErrIDTaken
	}
	atomic.AddInt64(&s.allocatedBytes, s.blockSize())
	s.cachePut(id, n)
	return n, nil
}

// CreateInner allocates a fresh inner node at the given depth with the
// given children. depth==0 is a contract violation and panics (delegated
// to node.NewInner).
func (s *Store) CreateInner(depth int, children []blockstore.BlockID) (blockstore.BlockID, *node.Node, error) {
	n, err := node.NewInner(s.layout, depth, children)
	if err != nil {
		return blockstore.BlockID{}, nil, err
	}
	id, err := s.bs.Create(node.Serialize(s.layout, n))
	if err != nil {
		return blockstore.BlockID{}, nil, errors.Wrap(err, "nodestore: create inner")
	}
	atomic.AddInt64(&s.allocatedBytes, s.blockSize())
	s.cachePut(id, n)
	s.log.WithFields(logrus.Fields{"block": id, "depth": depth, "children": len(children)}).Debug("nodestore: created inner node")
	return id, n, nil
}

// Load fetches and parses the node at id, returning ok=false if no block
// exists there.
func (s *Store) Load(ctx context.Context, id blockstore.BlockID) (n *node.Node, ok bool, err error) {
	if cached, hit := s.cacheGet(id); hit {
		return cached, true, nil
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, false, err
		}
		defer s.sem.Release(1)
	}
	data, ok, err := s.bs.Load(id)
	if err != nil {
		return nil, false, errors.Wrap(err, "nodestore: load")
	}
	if !ok {
		return nil, false, nil
	}
	n, err = node.Parse(s.layout, data)
	if err != nil {
		s.log.WithField("block", id).WithError(err).Warn("nodestore: corrupted node")
		return nil, false, err
	}
	s.cachePut(id, n)
	return n, true, nil
}

// OverwriteWithLeaf replaces the block at id with a newly-encoded leaf.
func (s *Store) OverwriteWithLeaf(id blockstore.BlockID, data []byte) error {
	n, err := node.NewLeaf(s.layout, data)
	if err != nil {
		return err
	}
	if err := s.bs.Overwrite(id, node.Serialize(s.layout, n)); err != nil {
		return errors.Wrap(err, "nodestore: overwrite with leaf")
	}
	s.cachePut(id, n)
	return nil
}

// Flush writes n's current in-memory contents to id, whatever its kind.
// Equivalent to Overwrite in spec.md §4.2's table, named Flush to mirror
// the per-handle dirty-node flush C4 issues on this store.
func (s *Store) Flush(id blockstore.BlockID, n *node.Node) error {
	if err := s.bs.Overwrite(id, node.Serialize(s.layout, n)); err != nil {
		return errors.Wrap(err, "nodestore: flush")
	}
	s.cachePut(id, n)
	return nil
}

// Remove deletes the block at id, reporting whether it existed.
func (s *Store) Remove(id blockstore.BlockID) (Outcome, error) {
	outcome, err := s.bs.Remove(id)
	if err != nil {
		return 0, errors.Wrap(err, "nodestore: remove")
	}
	if outcome == blockstore.Removed {
		atomic.AddInt64(&s.allocatedBytes, -s.blockSize())
	}
	s.cacheEvict(id)
	return outcome, nil
}

// CopyNode writes n's bytes to a freshly allocated id, leaving the
// original id untouched. Used by the growth protocol (I5) to relocate the
// current root's bytes before rewriting the root block in place.
func (s *Store) CopyNode(n *node.Node) (blockstore.BlockID, error) {
	id, err := s.bs.Create(node.Serialize(s.layout, n))
	if err != nil {
		return blockstore.BlockID{}, errors.Wrap(err, "nodestore: copy node")
	}
	atomic.AddInt64(&s.allocatedBytes, s.blockSize())
	s.cachePut(id, n)
	return id, nil
}

// NumNodes returns the number of blocks backing this store — every block is
// a node under the C2/C3 contract.
func (s *Store) NumNodes() (int, error) {
	return s.bs.NumBlocks()
}

// EstimateBytesLeft approximates remaining storage capacity, accounting for
// allocations this store has issued since the underlying BlockStore last
// reported free space (SPEC_FULL.md supplemented feature 1).
func (s *Store) EstimateBytesLeft() (uint64, error) {
	free, err := s.bs.EstimateNumFreeBytes()
	if err != nil {
		return 0, err
	}
	allocated := atomic.LoadInt64(&s.allocatedBytes)
	if allocated < 0 {
		allocated = 0
	}
	if uint64(allocated) >= free {
		return 0, nil
	}
	return free - uint64(allocated), nil
}

func (s *Store) cacheGet(id blockstore.BlockID) (*node.Node, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(id)
}

func (s *Store) cachePut(id blockstore.BlockID, n *node.Node) {
	if s.cache == nil {
		return
	}
	s.cache.Add(id, n)
}

func (s *Store) cacheEvict(id blockstore.BlockID) {
	if s.cache == nil {
		return
	}
	s.cache.Remove(id)
}
