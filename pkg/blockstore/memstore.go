// pkg/blockstore/memstore.go
package blockstore

import (
	"iter"
	"maps"
	"sync"
)

// MemStore is an in-memory BlockStore, the reference implementation used by
// the bulk of this module's test suite. It mirrors the shape of the
// teacher's MemoryStorage (tur/pkg/pager): a plain map guarded by one mutex,
// with no persistence and no encryption.
type MemStore struct {
	mu                sync.RWMutex
	blocks            map[BlockID][]byte
	physicalBlockSize int
	overheadBytes     int
	freeBytesBudget   uint64
}

// NewMemStore creates an empty in-memory block store. overheadBytes models
// the per-block bookkeeping a real encrypted store would reserve; pass 0 for
// a store with no overhead.
func NewMemStore(physicalBlockSize, overheadBytes int) *MemStore {
	return &MemStore{
		blocks:            make(map[BlockID][]byte),
		physicalBlockSize: physicalBlockSize,
		overheadBytes:     overheadBytes,
		freeBytesBudget:   ^uint64(0),
	}
}

// SetFreeBytesBudget caps EstimateNumFreeBytes' return value to exercise
// low-space scenarios in tests.
func (s *MemStore) SetFreeBytesBudget(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeBytesBudget = n
}

func (s *MemStore) Load(id BlockID) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *MemStore) Create(data []byte) (BlockID, error) {
	id := NewBlockID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = append([]byte(nil), data...)
	return id, nil
}

func (s *MemStore) TryCreate(id BlockID, data []byte) (CreateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[id]; exists {
		return IDTaken, nil
	}
	s.blocks[id] = append([]byte(nil), data...)
	return Created, nil
}

func (s *MemStore) Overwrite(id BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Remove(id BlockID) (RemoveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[id]; !exists {
		return DidNotExist, nil
	}
	delete(s.blocks, id)
	return Removed, nil
}

func (s *MemStore) NumBlocks() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks), nil
}

func (s *MemStore) EstimateNumFreeBytes() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used := uint64(len(s.blocks) * s.physicalBlockSize)
	if used >= s.freeBytesBudget {
		return 0, nil
	}
	return s.freeBytesBudget - used, nil
}

func (s *MemStore) OverheadBytesPerBlock() int { return s.overheadBytes }

func (s *MemStore) PhysicalBlockSize() int { return s.physicalBlockSize }

func (s *MemStore) AllBlockIDs() iter.Seq[BlockID] {
	s.mu.RLock()
	snapshot := maps.Keys(s.blocks)
	ids := make([]BlockID, 0, len(s.blocks))
	for id := range snapshot {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	return func(yield func(BlockID) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

var _ BlockStore = (*MemStore)(nil)
