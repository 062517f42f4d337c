package blobtree

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"blobfs/pkg/blockstore"
	"blobfs/pkg/node"
	"blobfs/pkg/nodestore"
)

// onExistingLeaf is invoked for every leaf index already present in the tree
// that overlaps the traversal's [begin,end) range. isRightmost is true iff
// leafIndex == end-1, letting callers (e.g. Resize extending the last leaf
// to the new size) special case the final leaf of the whole traversal, not
// just of its subtree.
type onExistingLeaf func(leafIndex int64, isRightmost bool, n *node.Node) error

// onCreateLeaf produces the payload for a leaf index that does not exist yet
// and falls inside [begin,end). It must return a payload of the exact
// intended leaf size (spec.md §4.3.2): layout.MaxBytesPerLeaf() for any leaf
// that is not the traversal's last, or the remainder for the last one.
type onCreateLeaf func(leafIndex int64) ([]byte, error)

// onBacktrackFromSubtree fires bottom-up for every inner node (existing or
// freshly created) that had at least one descendant leaf touched by the
// traversal, after all of that node's children have been processed.
type onBacktrackFromSubtree func(n *node.Node) error

type callbacks struct {
	onExistingLeaf onExistingLeaf
	onCreateLeaf   onCreateLeaf
	onBacktrack    onBacktrackFromSubtree
}

// traversal carries the fixed parameters of a single traverseAndReturnNewRoot
// call down through the recursion: the store, the node layout, whether
// growth/mutation is permitted, and the [begin,end) leaf-index window.
type traversal struct {
	ns          *nodestore.Store
	layout      node.Layout
	allowWrites bool
	begin       int64
	end         int64
	cb          callbacks
}

// leavesPerFullSubtree returns maxChildren^depth, saturating at
// math.MaxInt64 rather than overflowing — depth is bounded by node.MaxDepth
// but maxChildren can be in the thousands for large logical block sizes.
func leavesPerFullSubtree(maxChildren, depth int) int64 {
	if depth == 0 {
		return 1
	}
	var result int64 = 1
	for i := 0; i < depth; i++ {
		if result > math.MaxInt64/int64(maxChildren) {
			return math.MaxInt64
		}
		result *= int64(maxChildren)
	}
	return result
}

// traverseAndReturnNewRoot is C3: the single traversal algorithm behind
// read, write, resize-growth and removal. The root's BlockId never changes
// (I5, I4) — growth rewrites the root block in place after relocating its
// old bytes, and depth-down shrink promotes the sole remaining child's bytes
// back into the same block id. rootID/rootDepth describe the tree's current
// root; the function returns the (possibly new) root depth after any
// growth/shrink it performed.
func traverseAndReturnNewRoot(ctx context.Context, ns *nodestore.Store, layout node.Layout, rootID blockstore.BlockID, rootDepth int, allowWrites bool, begin, end int64, cb callbacks) (int, error) {
	t := &traversal{ns: ns, layout: layout, allowWrites: allowWrites, begin: begin, end: end, cb: cb}

	root, ok, err := ns.Load(ctx, rootID)
	if err != nil {
		return rootDepth, err
	}
	if !ok {
		return rootDepth, errors.Errorf("blobtree: root %s not found", rootID)
	}
	depth := rootDepth

	maxChildren := layout.MaxChildrenPerInnerNode()
	for end > leavesPerFullSubtree(maxChildren, depth) {
		if !allowWrites {
			return rootDepth, ErrOutOfBounds
		}
		if root.IsLeaf() && root.Size() < layout.MaxBytesPerLeaf() {
			root.ExtendLeafToFull(layout)
		}
		copyID, err := ns.CopyNode(root)
		if err != nil {
			return depth, err
		}
		newRoot, err := node.NewInner(layout, depth+1, []blockstore.BlockID{copyID})
		if err != nil {
			return depth, err
		}
		if err := ns.Flush(rootID, newRoot); err != nil {
			return depth, err
		}
		root = newRoot
		depth++
	}

	if begin < end {
		dirty, _, err := t.visit(ctx, rootID, root, depth, 0, false)
		if err != nil {
			return depth, err
		}
		if dirty {
			if err := ns.Flush(rootID, root); err != nil {
				return depth, err
			}
		}
	}

	for root.Kind() == node.Inner && root.NumChildren() == 1 {
		childID := root.ChildAt(0)
		child, ok, err := ns.Load(ctx, childID)
		if err != nil {
			return depth, err
		}
		if !ok {
			return depth, errors.Errorf("blobtree: child %s of single-child root not found", childID)
		}
		if err := ns.Flush(rootID, child); err != nil {
			return depth, err
		}
		if _, err := ns.Remove(childID); err != nil {
			return depth, err
		}
		root = child
		depth--
	}

	return depth, nil
}

// visit processes the subtree rooted at (id, n), which sits at depth d and
// whose leaves span global indices [leafBase, leafBase+N^d). It returns
// whether n's serialized bytes changed (so the caller must flush id) and
// whether any leaf in [t.begin,t.end) was touched through this subtree (so
// the caller knows whether to invoke onBacktrack on itself).
func (t *traversal) visit(ctx context.Context, id blockstore.BlockID, n *node.Node, d int, leafBase int64, forceExtendRightmost bool) (dirty bool, touched bool, err error) {
	if n.IsLeaf() {
		return t.visitLeaf(n, leafBase, forceExtendRightmost)
	}
	return t.visitInner(ctx, id, n, d, leafBase, forceExtendRightmost)
}

func (t *traversal) visitLeaf(n *node.Node, leafIndex int64, forceExtendRightmost bool) (dirty, touched bool, err error) {
	if leafIndex >= t.begin && leafIndex < t.end {
		touched = true
		isRightmost := leafIndex == t.end-1
		if t.cb.onExistingLeaf != nil {
			if err := t.cb.onExistingLeaf(leafIndex, isRightmost, n); err != nil {
				return false, false, err
			}
		}
		if t.allowWrites {
			dirty = true
		}
	}
	if forceExtendRightmost && n.Size() < t.layout.MaxBytesPerLeaf() {
		n.ExtendLeafToFull(t.layout)
		dirty = true
	}
	return dirty, touched, nil
}

func (t *traversal) visitInner(ctx context.Context, id blockstore.BlockID, n *node.Node, d int, leafBase int64, forceExtendRightmost bool) (dirty, touched bool, err error) {
	maxChildren := t.layout.MaxChildrenPerInnerNode()
	leavesPerChild := leavesPerFullSubtree(maxChildren, d-1)
	numChildren := n.NumChildren()

	localBegin := clamp64(t.begin-leafBase, 0, leavesPerFullSubtree(maxChildren, d))
	localEnd := clamp64(t.end-leafBase, 0, leavesPerFullSubtree(maxChildren, d))
	beginChild := int(localBegin / leavesPerChild)
	endChild := int(ceilDiv(localEnd, leavesPerChild))

	needAppend := endChild > numChildren
	if needAppend && !t.allowWrites {
		return false, false, ErrOutOfBounds
	}

	// Step A: if we're about to append new children, or our caller demands
	// the rightmost leaf beneath us be made full, and the normal loop below
	// won't reach the current last child, extend it explicitly first.
	if numChildren > 0 && (needAppend || forceExtendRightmost) {
		lastIdx := numChildren - 1
		willBeVisitedByLoop := beginChild <= lastIdx && lastIdx < endChild
		if !willBeVisitedByLoop {
			childLeafBase := leafBase + int64(lastIdx)*leavesPerChild
			childID := n.ChildAt(lastIdx)
			child, ok, err := t.ns.Load(ctx, childID)
			if err != nil {
				return false, false, err
			}
			if !ok {
				return false, false, errors.Errorf("blobtree: child %s not found", childID)
			}
			cDirty, _, err := t.visit(ctx, childID, child, d-1, childLeafBase, true)
			if err != nil {
				return false, false, err
			}
			if cDirty {
				if err := t.ns.Flush(childID, child); err != nil {
					return false, false, err
				}
			}
		}
	}

	loEx := clampInt(beginChild, 0, numChildren)
	hiEx := clampInt(endChild, 0, numChildren)
	for i := loEx; i < hiEx; i++ {
		childLeafBase := leafBase + int64(i)*leavesPerChild
		childID := n.ChildAt(i)
		child, ok, err := t.ns.Load(ctx, childID)
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, false, errors.Errorf("blobtree: child %s not found", childID)
		}
		forceExtend := (needAppend || forceExtendRightmost) && i == numChildren-1
		cDirty, cTouched, err := t.visit(ctx, childID, child, d-1, childLeafBase, forceExtend)
		if err != nil {
			return false, false, err
		}
		touched = touched || cTouched
		if cDirty {
			if err := t.ns.Flush(childID, child); err != nil {
				return false, false, err
			}
		}
	}

	for i := numChildren; i < endChild; i++ {
		childLeafBase := leafBase + int64(i)*leavesPerChild
		childID, cTouched, err := t.buildSubtree(d-1, childLeafBase)
		if err != nil {
			return false, false, err
		}
		n.AppendChild(childID)
		dirty = true
		touched = touched || cTouched
	}

	if touched && t.cb.onBacktrack != nil {
		if err := t.cb.onBacktrack(n); err != nil {
			return false, false, err
		}
	}
	return dirty, touched, nil
}

// buildSubtree materializes a brand new subtree of depth d covering leaf
// indices starting at leafBase, up to whatever the traversal's [begin,end)
// window and the subtree's own capacity require. Indices before t.begin
// become full zero ("gap") leaves; indices in [begin,end) are materialized
// via onCreateLeaf. Only the rightmost path of the new subtree may end up
// under-full, matching I3.
func (t *traversal) buildSubtree(d int, leafBase int64) (blockstore.BlockID, bool, error) {
	if d == 0 {
		if leafBase < t.begin {
			id, _, err := t.ns.CreateLeaf(make([]byte, t.layout.MaxBytesPerLeaf()))
			return id, false, err
		}
		data, err := t.cb.onCreateLeaf(leafBase)
		if err != nil {
			return blockstore.BlockID{}, false, err
		}
		id, _, err := t.ns.CreateLeaf(data)
		return id, true, err
	}

	maxChildren := t.layout.MaxChildrenPerInnerNode()
	leavesPerChild := leavesPerFullSubtree(maxChildren, d-1)
	subtreeCapacity := leavesPerFullSubtree(maxChildren, d)
	rangeEnd := t.end
	if leafBase+subtreeCapacity < rangeEnd {
		rangeEnd = leafBase + subtreeCapacity
	}
	neededCount := int(ceilDiv(rangeEnd-leafBase, leavesPerChild))

	children := make([]blockstore.BlockID, 0, neededCount)
	anyTouched := false
	for i := 0; i < neededCount; i++ {
		childLeafBase := leafBase + int64(i)*leavesPerChild
		childID, touched, err := t.buildSubtree(d-1, childLeafBase)
		if err != nil {
			return blockstore.BlockID{}, false, err
		}
		children = append(children, childID)
		anyTouched = anyTouched || touched
	}

	id, n, err := t.ns.CreateInner(d, children)
	if err != nil {
		return blockstore.BlockID{}, false, err
	}
	if anyTouched && t.cb.onBacktrack != nil {
		if err := t.cb.onBacktrack(n); err != nil {
			return blockstore.BlockID{}, false, err
		}
	}
	return id, anyTouched, nil
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
