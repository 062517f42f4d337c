// Package blockstore defines the contract the node store (pkg/nodestore) and
// everything above it consumes from an untrusted backing store, plus two
// reference implementations (in-memory and mmap-file) used by tests and by
// cmd/blobfsck. A production deployment of this filesystem backs BlockStore
// with an encrypted, integrity-checked implementation; that implementation
// is an external collaborator and out of scope here (spec.md §1).
package blockstore

import (
	"iter"

	"github.com/google/uuid"
)

// BlockID addresses one fixed-size block. All blocks sharing one BlockStore
// share one physical block size.
type BlockID = uuid.UUID

// NewBlockID generates a fresh, randomly-chosen block identifier.
func NewBlockID() BlockID {
	return uuid.New()
}

// CreateOutcome is the result of TryCreate.
type CreateOutcome int

const (
	Created CreateOutcome = iota
	IDTaken
)

// RemoveOutcome is the result of Remove.
type RemoveOutcome int

const (
	Removed RemoveOutcome = iota
	DidNotExist
)

// BlockStore is the async-free Go shape of the contract in spec.md §6. All
// operations are safe for concurrent use; the store provides its own
// internal locking.
type BlockStore interface {
	// Load returns the block's bytes, or ok=false if no such block exists.
	Load(id BlockID) (data []byte, ok bool, err error)

	// Create allocates a fresh block with a store-chosen id.
	Create(data []byte) (BlockID, error)

	// TryCreate allocates a block at a caller-chosen id, failing with
	// IDTaken if a block already exists at that id.
	TryCreate(id BlockID, data []byte) (CreateOutcome, error)

	// Overwrite replaces the bytes of an existing block.
	Overwrite(id BlockID, data []byte) error

	// Remove deletes a block, reporting whether it existed.
	Remove(id BlockID) (RemoveOutcome, error)

	// NumBlocks returns the number of blocks currently stored.
	NumBlocks() (int, error)

	// EstimateNumFreeBytes returns an approximation of remaining storage
	// capacity in bytes. Implementations that do not track free space may
	// return a conservative estimate.
	EstimateNumFreeBytes() (uint64, error)

	// OverheadBytesPerBlock is the number of bytes of each physical block
	// this store reserves for its own bookkeeping (e.g. encryption nonce
	// and MAC in a production store). The logical block size available to
	// pkg/node is PhysicalBlockSize - OverheadBytesPerBlock.
	OverheadBytesPerBlock() int

	// PhysicalBlockSize is the fixed size, in bytes, of every block in this
	// store.
	PhysicalBlockSize() int

	// AllBlockIDs iterates every block id currently stored. Implementations
	// must tolerate concurrent mutation by producing a point-in-time
	// snapshot of ids rather than a live view.
	AllBlockIDs() iter.Seq[BlockID]
}

// LogicalBlockSize returns the usable leaf/inner-node capacity of one block
// in s: the physical size minus the store's declared overhead.
func LogicalBlockSize(s BlockStore) int {
	return s.PhysicalBlockSize() - s.OverheadBytesPerBlock()
}
