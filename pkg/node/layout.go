// Package node implements the on-disk node format of spec.md §3/§4.1: the
// bit-exact serialization of one fixed-size block into a leaf or inner tree
// node.
package node

import "fmt"

// MaxDepth is the deepest a tree's root may be (spec.md §3).
const MaxDepth = 10

const (
	headerSize  = 8
	blockIDSize = 16
)

// Layout captures the derived constants for one logical block size. Every
// node store (pkg/nodestore) fixes one Layout at construction from its
// BlockStore's logical block size.
type Layout struct {
	logicalBlockSize int
}

// NewLayout validates L and returns a Layout for it. The minimum permitted L
// is 40 (must fit two children in an inner node, spec.md §3).
func NewLayout(logicalBlockSize int) (Layout, error) {
	if logicalBlockSize < headerSize+2*blockIDSize {
		return Layout{}, fmt.Errorf("node: logical block size %d is below the minimum of %d", logicalBlockSize, headerSize+2*blockIDSize)
	}
	return Layout{logicalBlockSize: logicalBlockSize}, nil
}

// LogicalBlockSize returns L.
func (l Layout) LogicalBlockSize() int { return l.logicalBlockSize }

// MaxBytesPerLeaf is the maximum payload size of a leaf node under l.
func (l Layout) MaxBytesPerLeaf() int { return l.logicalBlockSize - headerSize }

// MaxChildrenPerInnerNode is the maximum fan-out of an inner node under l.
func (l Layout) MaxChildrenPerInnerNode() int {
	return (l.logicalBlockSize - headerSize) / blockIDSize
}
