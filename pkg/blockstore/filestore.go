// pkg/blockstore/filestore.go
package blockstore

import (
	"encoding/binary"
	"fmt"
	"iter"
	"sync"

	"github.com/pkg/errors"
)

// FileStore is a slot-based, memory-mapped BlockStore. It is the reference
// file-backed implementation used by cmd/blobfsck (the test suite uses
// MemStore); like MemStore it performs no encryption or integrity checking
// — see the package doc.
//
// On-disk layout, adapted from the teacher's page-file conventions
// (tur/pkg/pager) to a block-id-addressed rather than page-number-addressed
// store:
//
//	[0:fileHeaderSize)           file header
//	[fileHeaderSize:...)         fixed-size slots, each
//	                               occupied byte (1)
//	                               block id   (16)
//	                               payload    (physicalBlockSize)
//
// The in-memory index (BlockID -> slot number) is rebuilt by scanning every
// slot's occupied flag and id at Open time; this store does not persist a
// separate index structure.
type FileStore struct {
	mu                sync.Mutex
	mmap              *MmapFile
	physicalBlockSize int
	overheadBytes     int
	slotCount         int
	index             map[BlockID]int
	freeSlots         []int
}

const fileHeaderSize = 32
const fileStoreMagic = uint32(0x424c4246) // "BLBF"
const slotHeaderSize = 17                 // occupied(1) + BlockID(16)

func slotSize(physicalBlockSize int) int {
	return slotHeaderSize + physicalBlockSize
}

// CreateFileStore initializes a new file-backed block store with room for
// initialSlots blocks of physicalBlockSize bytes each.
func CreateFileStore(path string, physicalBlockSize, overheadBytes, initialSlots int) (*FileStore, error) {
	if initialSlots < 1 {
		initialSlots = 1
	}
	size := int64(fileHeaderSize + initialSlots*slotSize(physicalBlockSize))
	mm, err := OpenMmapFile(path, size)
	if err != nil {
		return nil, errors.Wrap(err, "blockstore: create file store")
	}
	hdr := mm.Slice(0, fileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], fileStoreMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(physicalBlockSize))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(overheadBytes))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(initialSlots))

	fs := &FileStore{
		mmap:              mm,
		physicalBlockSize: physicalBlockSize,
		overheadBytes:     overheadBytes,
		slotCount:         initialSlots,
		index:             make(map[BlockID]int),
	}
	for i := 0; i < initialSlots; i++ {
		fs.freeSlots = append(fs.freeSlots, i)
	}
	return fs, nil
}

// OpenFileStore reopens a file store previously created by CreateFileStore,
// rebuilding the in-memory index by scanning every slot.
func OpenFileStore(path string) (*FileStore, error) {
	mm, err := OpenMmapFile(path, 0)
	if err != nil {
		return nil, errors.Wrap(err, "blockstore: open file store")
	}
	hdr := mm.Slice(0, fileHeaderSize)
	if hdr == nil || binary.LittleEndian.Uint32(hdr[0:4]) != fileStoreMagic {
		mm.Close()
		return nil, errors.New("blockstore: not a block store file")
	}
	physicalBlockSize := int(binary.LittleEndian.Uint32(hdr[4:8]))
	overheadBytes := int(binary.LittleEndian.Uint32(hdr[8:12]))
	slotCount := int(binary.LittleEndian.Uint32(hdr[12:16]))

	fs := &FileStore{
		mmap:              mm,
		physicalBlockSize: physicalBlockSize,
		overheadBytes:     overheadBytes,
		slotCount:         slotCount,
		index:             make(map[BlockID]int),
	}
	for i := 0; i < slotCount; i++ {
		occupied, id := fs.readSlotHeader(i)
		if occupied {
			fs.index[id] = i
		} else {
			fs.freeSlots = append(fs.freeSlots, i)
		}
	}
	return fs, nil
}

func (fs *FileStore) slotOffset(i int) int {
	return fileHeaderSize + i*slotSize(fs.physicalBlockSize)
}

func (fs *FileStore) readSlotHeader(i int) (occupied bool, id BlockID) {
	s := fs.mmap.Slice(fs.slotOffset(i), slotHeaderSize)
	occupied = s[0] != 0
	copy(id[:], s[1:17])
	return
}

func (fs *FileStore) writeSlot(i int, id BlockID, data []byte) {
	s := fs.mmap.Slice(fs.slotOffset(i), slotSize(fs.physicalBlockSize))
	s[0] = 1
	copy(s[1:17], id[:])
	payload := s[slotHeaderSize:]
	for j := range payload {
		payload[j] = 0
	}
	copy(payload, data)
}

func (fs *FileStore) clearSlot(i int) {
	s := fs.mmap.Slice(fs.slotOffset(i), slotSize(fs.physicalBlockSize))
	s[0] = 0
}

// allocSlot returns a free slot index, growing the backing file if none is
// available. Caller must hold fs.mu.
func (fs *FileStore) allocSlot() (int, error) {
	if len(fs.freeSlots) > 0 {
		i := fs.freeSlots[len(fs.freeSlots)-1]
		fs.freeSlots = fs.freeSlots[:len(fs.freeSlots)-1]
		return i, nil
	}
	newSlot := fs.slotCount
	newSize := int64(fileHeaderSize + (fs.slotCount+1)*slotSize(fs.physicalBlockSize))
	if err := fs.mmap.Grow(newSize); err != nil {
		return 0, err
	}
	fs.slotCount++
	hdr := fs.mmap.Slice(0, fileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(fs.slotCount))
	return newSlot, nil
}

func (fs *FileStore) Load(id BlockID) ([]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, ok := fs.index[id]
	if !ok {
		return nil, false, nil
	}
	s := fs.mmap.Slice(fs.slotOffset(i)+slotHeaderSize, fs.physicalBlockSize)
	out := make([]byte, len(s))
	copy(out, s)
	return out, true, nil
}

func (fs *FileStore) Create(data []byte) (BlockID, error) {
	id := NewBlockID()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, err := fs.allocSlot()
	if err != nil {
		return BlockID{}, err
	}
	fs.writeSlot(i, id, data)
	fs.index[id] = i
	return id, nil
}

func (fs *FileStore) TryCreate(id BlockID, data []byte) (CreateOutcome, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, exists := fs.index[id]; exists {
		return IDTaken, nil
	}
	i, err := fs.allocSlot()
	if err != nil {
		return 0, err
	}
	fs.writeSlot(i, id, data)
	fs.index[id] = i
	return Created, nil
}

func (fs *FileStore) Overwrite(id BlockID, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, ok := fs.index[id]
	if !ok {
		return fmt.Errorf("blockstore: overwrite of unknown block %s", id)
	}
	fs.writeSlot(i, id, data)
	return nil
}

func (fs *FileStore) Remove(id BlockID) (RemoveOutcome, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, ok := fs.index[id]
	if !ok {
		return DidNotExist, nil
	}
	fs.clearSlot(i)
	delete(fs.index, id)
	fs.freeSlots = append(fs.freeSlots, i)
	return Removed, nil
}

func (fs *FileStore) NumBlocks() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.index), nil
}

func (fs *FileStore) EstimateNumFreeBytes() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return uint64(len(fs.freeSlots)) * uint64(fs.physicalBlockSize), nil
}

func (fs *FileStore) OverheadBytesPerBlock() int { return fs.overheadBytes }

func (fs *FileStore) PhysicalBlockSize() int { return fs.physicalBlockSize }

func (fs *FileStore) AllBlockIDs() iter.Seq[BlockID] {
	fs.mu.Lock()
	ids := make([]BlockID, 0, len(fs.index))
	for id := range fs.index {
		ids = append(ids, id)
	}
	fs.mu.Unlock()

	return func(yield func(BlockID) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Sync flushes the memory-mapped region to disk.
func (fs *FileStore) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mmap.Sync()
}

// Close unmaps and closes the backing file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mmap.Close()
}

var _ BlockStore = (*FileStore)(nil)
