package blobtree

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"blobfs/pkg/blockstore"
	"blobfs/pkg/node"
	"blobfs/pkg/nodestore"
)

// Tree is a C4 handle onto one balanced N-ary tree of blocks representing a
// single variable-length byte sequence. Every mutating and read operation
// takes the handle's lock, matching spec.md §4.4's per-handle serialization;
// Tree does not coordinate across handles pointing at the same root — that
// is treestore's (C5) job.
type Tree struct {
	mu     sync.Mutex
	ns     *nodestore.Store
	rootID blockstore.BlockID
	depth  int
	// numBytes is derived on demand by walking the rightmost path, not
	// cached across calls: caching it correctly would require invalidating
	// it from inside the traversal's recursion, which spec.md's own
	// flush_tree_if_cached note flags as the kind of bookkeeping this
	// design deliberately over-approximates rather than tracks precisely.
	log *logrus.Logger
}

// Create allocates a brand new, empty tree: a single empty leaf as root.
func Create(ns *nodestore.Store, log *logrus.Logger) (*Tree, error) {
	id, _, err := ns.CreateLeaf(nil)
	if err != nil {
		return nil, errors.Wrap(err, "blobtree: create")
	}
	return newTree(ns, id, 0, log), nil
}

// Open wraps an existing root block as a Tree handle.
func Open(ctx context.Context, ns *nodestore.Store, rootID blockstore.BlockID, log *logrus.Logger) (*Tree, error) {
	n, ok, err := ns.Load(ctx, rootID)
	if err != nil {
		return nil, errors.Wrap(err, "blobtree: open")
	}
	if !ok {
		return nil, errors.Errorf("blobtree: root %s not found", rootID)
	}
	return newTree(ns, rootID, n.Depth(), log), nil
}

func newTree(ns *nodestore.Store, rootID blockstore.BlockID, depth int, log *logrus.Logger) *Tree {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tree{ns: ns, rootID: rootID, depth: depth, log: log}
}

// RootID returns the tree's root block id, stable across every mutation
// this handle performs (I4, I5).
func (t *Tree) RootID() blockstore.BlockID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

// NumBytes walks the rightmost path from root to leaf — one load per level,
// no full traversal — summing full sibling subtrees plus the final leaf's
// size, per spec.md §4.4's description of this operation.
func (t *Tree) NumBytes(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBytesLocked(ctx)
}

func (t *Tree) numBytesLocked(ctx context.Context) (int64, error) {
	n, ok, err := t.ns.Load(ctx, t.rootID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("blobtree: root %s not found", t.rootID)
	}
	d := t.depth
	maxChildren := t.ns.Layout().MaxChildrenPerInnerNode()
	var fullLeaves int64
	for !n.IsLeaf() {
		leavesPerChild := leavesPerFullSubtree(maxChildren, d-1)
		numChildren := n.NumChildren()
		fullLeaves += int64(numChildren-1) * leavesPerChild
		childID := n.ChildAt(numChildren - 1)
		child, ok, err := t.ns.Load(ctx, childID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Errorf("blobtree: child %s not found", childID)
		}
		n = child
		d--
	}
	return fullLeaves*int64(t.ns.Layout().MaxBytesPerLeaf()) + int64(n.Size()), nil
}

// Read copies up to len(buf) bytes starting at offset into buf, short-read
// at the current end of the tree like an ordinary file read.
func (t *Tree) Read(ctx context.Context, offset int64, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	numBytes, err := t.numBytesLocked(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= numBytes || len(buf) == 0 {
		return 0, nil
	}
	end := offset + int64(len(buf))
	if end > numBytes {
		end = numBytes
	}
	m := int64(t.ns.Layout().MaxBytesPerLeaf())
	beginLeaf := offset / m
	endLeaf := ceilDiv(end, m)

	n := 0
	cb := callbacks{
		onExistingLeaf: func(leafIndex int64, isRightmost bool, leaf *node.Node) error {
			leafStart := leafIndex * m
			overlapStart := maxI64(leafStart, offset)
			overlapEnd := minI64(leafStart+int64(leaf.Size()), end)
			if overlapEnd <= overlapStart {
				return nil
			}
			copy(buf[overlapStart-offset:overlapEnd-offset], leaf.Data()[overlapStart-leafStart:overlapEnd-leafStart])
			n += int(overlapEnd - overlapStart)
			return nil
		},
	}
	if _, err := traverseAndReturnNewRoot(ctx, t.ns, t.ns.Layout(), t.rootID, t.depth, false, beginLeaf, endLeaf, cb); err != nil {
		return 0, err
	}
	return n, nil
}

// Write copies data into the tree starting at offset, growing it (and
// zero-filling any gap before offset) as needed. It never shrinks the tree.
func (t *Tree) Write(ctx context.Context, offset int64, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(data) == 0 {
		return 0, nil
	}
	target := offset + int64(len(data))
	if err := t.writeRangeLocked(ctx, offset, data, target); err != nil {
		return 0, err
	}
	return len(data), nil
}

// writeRangeLocked is the shared engine behind Write and Resize-growth:
// data supplies the bytes covering [offset, offset+len(data)); everything
// up to target beyond that is zero-filled. For pure growth (Resize), data is
// nil and target is the new size, making every touched byte a zero fill.
func (t *Tree) writeRangeLocked(ctx context.Context, offset int64, data []byte, target int64) error {
	m := int64(t.ns.Layout().MaxBytesPerLeaf())
	beginLeaf := offset / m
	endLeaf := ceilDiv(target, m)

	cb := callbacks{
		onExistingLeaf: func(leafIndex int64, isRightmost bool, leaf *node.Node) error {
			leafStart := leafIndex * m
			overlapStart := maxI64(leafStart, offset)
			overlapEnd := minI64(leafStart+m, offset+int64(len(data)))
			if overlapEnd > overlapStart {
				leaf.WriteAt(t.ns.Layout(), int(overlapStart-leafStart), data[overlapStart-offset:overlapEnd-offset])
			}
			// The traversal's last leaf must reach target even where data
			// stops short of it (Resize growth inside the current last leaf).
			if want := target - leafStart; isRightmost && want > int64(leaf.Size()) {
				leaf.WriteAt(t.ns.Layout(), leaf.Size(), make([]byte, want-int64(leaf.Size())))
			}
			return nil
		},
		onCreateLeaf: func(leafIndex int64) ([]byte, error) {
			leafStart := leafIndex * m
			length := m
			if leafIndex == endLeaf-1 {
				length = target - leafStart
			}
			buf := make([]byte, length)
			overlapStart := maxI64(leafStart, offset)
			overlapEnd := minI64(leafStart+length, offset+int64(len(data)))
			if overlapEnd > overlapStart {
				copy(buf[overlapStart-leafStart:overlapEnd-leafStart], data[overlapStart-offset:overlapEnd-offset])
			}
			return buf, nil
		},
	}

	newDepth, err := traverseAndReturnNewRoot(ctx, t.ns, t.ns.Layout(), t.rootID, t.depth, true, beginLeaf, endLeaf, cb)
	if err != nil {
		return err
	}
	t.depth = newDepth
	return nil
}

// Resize grows or shrinks the tree to exactly newNumBytes, per spec.md
// §4.4. Growing zero-fills; shrinking truncates the new rightmost leaf and
// removes every block to its right, promoting a single remaining child into
// the root per I4.
func (t *Tree) Resize(ctx context.Context, newNumBytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.numBytesLocked(ctx)
	if err != nil {
		return err
	}
	if newNumBytes == cur {
		return nil
	}
	if newNumBytes > cur {
		return t.writeRangeLocked(ctx, cur, nil, newNumBytes)
	}
	return t.shrinkLocked(ctx, newNumBytes)
}

func (t *Tree) shrinkLocked(ctx context.Context, newNumBytes int64) error {
	m := int64(t.ns.Layout().MaxBytesPerLeaf())
	keepLeaves := ceilDiv(newNumBytes, m)
	if keepLeaves == 0 {
		keepLeaves = 1
	}
	lastLeafSize := newNumBytes - (keepLeaves-1)*m

	root, ok, err := t.ns.Load(ctx, t.rootID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("blobtree: root %s not found", t.rootID)
	}

	if _, err := t.shrinkNode(ctx, t.rootID, root, t.depth, 0, keepLeaves, lastLeafSize); err != nil {
		return err
	}

	depth := t.depth
	for root.Kind() == node.Inner && root.NumChildren() == 1 {
		childID := root.ChildAt(0)
		child, ok, err := t.ns.Load(ctx, childID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("blobtree: child %s of single-child root not found", childID)
		}
		if err := t.ns.Flush(t.rootID, child); err != nil {
			return err
		}
		if _, err := t.ns.Remove(childID); err != nil {
			return err
		}
		root = child
		depth--
	}
	t.depth = depth
	return nil
}

// shrinkNode truncates the subtree rooted at (id, n) — depth d, leaves
// [leafBase, leafBase+N^d) — down to exactly keepLeaves leaves, the last of
// which becomes lastLeafSize bytes. Descendants entirely to the right of
// keepLeaves are removed wholesale. id's own block is flushed in place if
// its contents changed (I4: ids never change, only what they point at).
func (t *Tree) shrinkNode(ctx context.Context, id blockstore.BlockID, n *node.Node, d int, leafBase, keepLeaves, lastLeafSize int64) (bool, error) {
	if n.IsLeaf() {
		if int64(n.Size()) != lastLeafSize {
			n.TruncateLeaf(t.ns.Layout(), int(lastLeafSize))
			if err := t.ns.Flush(id, n); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	maxChildren := t.ns.Layout().MaxChildrenPerInnerNode()
	leavesPerChild := leavesPerFullSubtree(maxChildren, d-1)
	keepChildren := int(ceilDiv(keepLeaves-leafBase, leavesPerChild))
	if keepChildren < 1 {
		keepChildren = 1
	}
	numChildren := n.NumChildren()

	changed := false
	if keepChildren < numChildren {
		if err := removeChildrenFrom(ctx, t.ns, n, keepChildren, numChildren); err != nil {
			return false, err
		}
		n.TruncateChildren(keepChildren)
		changed = true
	}

	lastIdx := keepChildren - 1
	childLeafBase := leafBase + int64(lastIdx)*leavesPerChild
	childID := n.ChildAt(lastIdx)
	child, ok, err := t.ns.Load(ctx, childID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errors.Errorf("blobtree: child %s not found", childID)
	}
	childChanged, err := t.shrinkNode(ctx, childID, child, d-1, childLeafBase, keepLeaves, lastLeafSize)
	if err != nil {
		return false, err
	}
	_ = childChanged // child flushes itself via its own recursive call

	if changed {
		if err := t.ns.Flush(id, n); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// removeChildrenFrom wholesale-removes children[from:to] of n, fanning the
// per-child subtree removal out across an errgroup (SPEC_FULL.md domain
// stack: bulk deletes exercise golang.org/x/sync/errgroup).
func removeChildrenFrom(ctx context.Context, ns *nodestore.Store, n *node.Node, from, to int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := from; i < to; i++ {
		childID := n.ChildAt(i)
		depth := n.Depth() - 1
		g.Go(func() error {
			return removeSubtree(ctx, ns, childID, depth)
		})
	}
	return g.Wait()
}

// removeSubtree removes id and, if it is an inner node, every descendant,
// post-order (children before parent).
func removeSubtree(ctx context.Context, ns *nodestore.Store, id blockstore.BlockID, depth int) error {
	if depth > 0 {
		n, ok, err := ns.Load(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < n.NumChildren(); i++ {
				childID := n.ChildAt(i)
				g.Go(func() error {
					return removeSubtree(ctx, ns, childID, depth-1)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
	}
	_, err := ns.Remove(id)
	return err
}

// Flush is a no-op: this implementation flushes every node it mutates back
// to the BlockStore immediately rather than deferring writes, trading the
// efficiency spec.md's flush_tree_if_cached note flags as a known gap for a
// simpler crash-consistency story. Kept on the handle for API symmetry with
// spec.md §4.4's operation table.
func (t *Tree) Flush(ctx context.Context) error {
	return nil
}

// Remove deletes every block backing this tree, root last, so a crash
// mid-removal never leaves the root id pointing at a freed block.
func (t *Tree) Remove(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, ok, err := t.ns.Load(ctx, t.rootID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if root.IsLeaf() {
		_, err := t.ns.Remove(t.rootID)
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < root.NumChildren(); i++ {
		childID := root.ChildAt(i)
		g.Go(func() error {
			return removeSubtree(ctx, t.ns, childID, t.depth-1)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_, err = t.ns.Remove(t.rootID)
	return err
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
