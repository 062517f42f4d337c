// Package blobtree implements C3 (tree traversal) and C4 (the blob tree
// handle) of spec.md: representing a variable-length byte sequence as a
// balanced N-ary tree of fixed-size blocks, and the single traversal
// algorithm that services reads, writes, resizes and removal against that
// tree (spec.md §4.3).
package blobtree

import "errors"

// ErrOutOfBounds is returned when a traversal would need to grow the tree
// but was not permitted to write (spec.md §4.3.2 step 1).
var ErrOutOfBounds = errors.New("blobtree: traversal out of bounds in read-only mode")
