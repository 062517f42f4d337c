// pkg/node/node.go
package node

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const formatVersion = 0

// CorruptedNode reports a block that parsed but violates the format
// invariants of spec.md §3 I1. It is surfaced to the FUSE boundary as EIO
// (spec.md §6/§7); it is never a programmer error, unlike the panics this
// package raises for contract violations (depth 0 passed to an inner-node
// constructor).
type CorruptedNode struct {
	Field  string
	Reason string
}

func (e *CorruptedNode) Error() string {
	return fmt.Sprintf("node: corrupted node, field %q: %s", e.Field, e.Reason)
}

// Kind distinguishes a parsed node's role.
type Kind int

const (
	Leaf Kind = iota
	Inner
)

// Node is a parsed block: either a leaf holding payload bytes or an inner
// node holding child BlockIds. It owns no reference back to its BlockStore
// id; callers track the id alongside the Node.
type Node struct {
	kind     Kind
	depth    int // 0 for leaves
	size     int // byte count for leaves, child count for inner nodes
	data     []byte
	children []uuid.UUID
}

// NewLeaf constructs an in-memory leaf node. data must be no longer than
// layout.MaxBytesPerLeaf(); it is copied.
func NewLeaf(layout Layout, data []byte) (*Node, error) {
	if len(data) > layout.MaxBytesPerLeaf() {
		return nil, fmt.Errorf("node: leaf payload of %d bytes exceeds max %d", len(data), layout.MaxBytesPerLeaf())
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Node{kind: Leaf, depth: 0, size: len(data), data: buf}, nil
}

// NewInner constructs an in-memory inner node at the given depth with the
// given children. depth must be in [1, MaxDepth]; passing 0 is a contract
// violation (the caller mis-routed a leaf as inner) and panics, per
// spec.md §4.1.
func NewInner(layout Layout, depth int, children []uuid.UUID) (*Node, error) {
	if depth == 0 {
		panic("node: NewInner called with depth 0 (use NewLeaf)")
	}
	if depth < 0 || depth > MaxDepth {
		return nil, fmt.Errorf("node: inner node depth %d out of range [1,%d]", depth, MaxDepth)
	}
	if len(children) < 1 || len(children) > layout.MaxChildrenPerInnerNode() {
		return nil, fmt.Errorf("node: inner node child count %d out of range [1,%d]", len(children), layout.MaxChildrenPerInnerNode())
	}
	cs := make([]uuid.UUID, len(children))
	copy(cs, children)
	return &Node{kind: Inner, depth: depth, size: len(cs), children: cs}, nil
}

func (n *Node) Kind() Kind      { return n.kind }
func (n *Node) IsLeaf() bool    { return n.kind == Leaf }
func (n *Node) Depth() int      { return n.depth }
func (n *Node) NumChildren() int {
	if n.kind != Inner {
		return 0
	}
	return n.size
}

// Data returns a leaf's payload (exactly Size() bytes, no padding). Panics
// if called on an inner node.
func (n *Node) Data() []byte {
	if n.kind != Leaf {
		panic("node: Data called on inner node")
	}
	return n.data
}

// Size returns the leaf byte count or the inner node's child count,
// matching spec.md §3's overloaded "size" field.
func (n *Node) Size() int { return n.size }

// Children returns an inner node's child BlockIds in order. Panics if
// called on a leaf.
func (n *Node) Children() []uuid.UUID {
	if n.kind != Inner {
		panic("node: Children called on leaf node")
	}
	return n.children
}

// ChildAt returns the i-th child id of an inner node.
func (n *Node) ChildAt(i int) uuid.UUID {
	return n.children[i]
}

// SetChildAt overwrites the i-th child id in place, without reallocating the
// node.
func (n *Node) SetChildAt(i int, id uuid.UUID) {
	n.children[i] = id
}

// AppendChild appends a new child id, growing the node's child count by one.
// Callers must already have checked capacity against the node's Layout.
func (n *Node) AppendChild(id uuid.UUID) {
	n.children = append(n.children, id)
	n.size = len(n.children)
}

// TruncateChildren drops every child at index newCount and beyond. Callers
// are responsible for removing the corresponding blocks first; this only
// updates the in-memory node.
func (n *Node) TruncateChildren(newCount int) {
	if n.kind != Inner {
		panic("node: TruncateChildren called on leaf node")
	}
	n.children = n.children[:newCount]
	n.size = newCount
}

// TruncateLeaf sets a leaf's logical size to newSize, copying its payload
// into a fresh full-capacity buffer. Bytes beyond newSize are never read
// again: WriteAt, ExtendLeafToFull and Serialize copy only the first Size()
// bytes into zeroed buffers, so a subsequent grow observes zero-filled, not
// stale, data.
func (n *Node) TruncateLeaf(layout Layout, newSize int) {
	if n.kind != Leaf {
		panic("node: TruncateLeaf called on inner node")
	}
	full := make([]byte, layout.MaxBytesPerLeaf())
	copy(full, n.data)
	n.data = full[:newSize]
	n.size = newSize
}

// ExtendLeafToFull grows a leaf's payload to layout.MaxBytesPerLeaf(),
// zero-padding the newly exposed bytes. Used when the growth protocol (I5)
// needs to make the current rightmost leaf full before adding a sibling.
func (n *Node) ExtendLeafToFull(layout Layout) {
	if n.kind != Leaf {
		panic("node: ExtendLeafToFull called on inner node")
	}
	full := make([]byte, layout.MaxBytesPerLeaf())
	copy(full, n.data)
	n.data = full
	n.size = len(full)
}

// WriteAt overwrites n's payload starting at localOffset, growing the
// logical size as needed. It does not check the result against
// layout.MaxBytesPerLeaf(); callers keep localOffset+len(src) within it.
func (n *Node) WriteAt(layout Layout, localOffset int, src []byte) {
	if n.kind != Leaf {
		panic("node: WriteAt called on inner node")
	}
	end := localOffset + len(src)
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
		n.size = end
	}
	copy(n.data[localOffset:end], src)
}

// Serialize renders n into a block-sized byte slice per the header table of
// spec.md §3. The returned slice has length layout.LogicalBlockSize(),
// header included — callers pass this slice straight to BlockStore.Create/Overwrite, which is
// responsible for any additional physical-block framing outside the
// logical region this package owns.
func Serialize(layout Layout, n *Node) []byte {
	buf := make([]byte, layout.LogicalBlockSize())
	binary.LittleEndian.PutUint16(buf[0:2], formatVersion)
	buf[2] = 0 // reserved
	buf[3] = byte(n.depth)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n.size))

	switch n.kind {
	case Leaf:
		copy(buf[headerSize:], n.data)
		// rest already zero from make()
	case Inner:
		off := headerSize
		for _, c := range n.children {
			b, _ := c.MarshalBinary()
			copy(buf[off:off+blockIDSize], b)
			off += blockIDSize
		}
	}
	return buf
}

// Parse interprets a raw block's bytes as a node, failing with
// *CorruptedNode if any I1 constraint is violated. A block whose depth field
// is 0 is always parsed as a leaf, never as an inner node, and never
// panics: the panic case in spec.md §4.1 is
// reserved for the caller explicitly routing through the wrong constructor,
// which cannot happen inside Parse itself since Parse determines leaf-vs-
// inner from the stored depth field.
func Parse(layout Layout, block []byte) (*Node, error) {
	if len(block) < headerSize {
		return nil, &CorruptedNode{Field: "length", Reason: fmt.Sprintf("block of %d bytes shorter than header", len(block))}
	}
	version := binary.LittleEndian.Uint16(block[0:2])
	if version != formatVersion {
		return nil, &CorruptedNode{Field: "format-version", Reason: fmt.Sprintf("got %d, want %d", version, formatVersion)}
	}
	depth := int(block[3])
	if depth > MaxDepth {
		return nil, &CorruptedNode{Field: "depth", Reason: fmt.Sprintf("%d exceeds MAX_DEPTH %d", depth, MaxDepth)}
	}
	size := int(binary.LittleEndian.Uint32(block[4:8]))

	if depth == 0 {
		if size > layout.MaxBytesPerLeaf() {
			return nil, &CorruptedNode{Field: "size", Reason: fmt.Sprintf("leaf size %d exceeds max %d", size, layout.MaxBytesPerLeaf())}
		}
		available := len(block) - headerSize
		if size > available {
			return nil, &CorruptedNode{Field: "size", Reason: fmt.Sprintf("leaf size %d exceeds block capacity %d", size, available)}
		}
		data := make([]byte, size)
		copy(data, block[headerSize:headerSize+size])
		return &Node{kind: Leaf, depth: 0, size: size, data: data}, nil
	}

	maxChildren := layout.MaxChildrenPerInnerNode()
	if size < 1 || size > maxChildren {
		return nil, &CorruptedNode{Field: "size", Reason: fmt.Sprintf("inner node child count %d out of range [1,%d]", size, maxChildren)}
	}
	need := headerSize + size*blockIDSize
	if need > len(block) {
		return nil, &CorruptedNode{Field: "size", Reason: "inner node children overrun block"}
	}
	children := make([]uuid.UUID, size)
	for i := 0; i < size; i++ {
		off := headerSize + i*blockIDSize
		if err := children[i].UnmarshalBinary(block[off : off+blockIDSize]); err != nil {
			return nil, &CorruptedNode{Field: "children", Reason: err.Error()}
		}
	}
	return &Node{kind: Inner, depth: depth, size: size, children: children}, nil
}
