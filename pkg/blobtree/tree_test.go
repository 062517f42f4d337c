package blobtree

import (
	"bytes"
	"context"
	"testing"

	"blobfs/pkg/blockstore"
	"blobfs/pkg/nodestore"
)

// smallLayoutStore returns a nodestore.Store over a MemStore whose logical
// block size yields exactly 32 bytes per leaf and 2 children per inner node,
// so growth/shrink behavior is exercisable with small test data.
func smallLayoutStore(t *testing.T) *nodestore.Store {
	t.Helper()
	// headerSize(8) + payload: want MaxBytesPerLeaf=3 -> logical block 11,
	// and MaxChildrenPerInnerNode = 11/16 = 0, too small. Use a block size
	// that yields small-but-nonzero values instead: 8 + 2*16 = 40 is the
	// minimum; MaxBytesPerLeaf=32, MaxChildrenPerInnerNode=2.
	bs := blockstore.NewMemStore(40, 0)
	s, err := nodestore.Open(bs, nodestore.Options{CacheSize: 64})
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	return s
}

func TestEmptyTreeHasZeroBytes(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, err := Create(ns, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil {
		t.Fatalf("NumBytes: %v", err)
	}
	if n != 0 {
		t.Fatalf("NumBytes() = %d, want 0", n)
	}
}

func TestWriteWithinSingleLeafThenRead(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	if _, err := tree.Write(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil || n != 5 {
		t.Fatalf("NumBytes() = %d, err=%v, want 5", n, err)
	}
	buf := make([]byte, 5)
	got, err := tree.Read(ctx, 0, buf)
	if err != nil || got != 5 {
		t.Fatalf("Read: got=%d err=%v", got, err)
	}
	if string(buf) != "hello" {
		t.Fatalf("Read() = %q, want %q", buf, "hello")
	}
}

func TestWriteCausesGrowthAndIsReadable(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	// MaxBytesPerLeaf is 32 for this layout; write past several leaves'
	// worth of data to force the root through multiple growth steps.
	data := bytes.Repeat([]byte{0xAB}, 200)
	if _, err := tree.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil || n != int64(len(data)) {
		t.Fatalf("NumBytes() = %d, err=%v, want %d", n, err, len(data))
	}
	buf := make([]byte, len(data))
	got, err := tree.Read(ctx, 0, buf)
	if err != nil || got != len(data) {
		t.Fatalf("Read: got=%d err=%v", got, err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("read-back data does not match what was written")
	}
}

func TestSparseWriteZeroFillsGap(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	if _, err := tree.Write(ctx, 90, []byte{0x7F}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil || n != 91 {
		t.Fatalf("NumBytes() = %d, err=%v, want 91", n, err)
	}
	buf := make([]byte, 91)
	if _, err := tree.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := 0; i < 90; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %x, want zero gap fill", i, buf[i])
		}
	}
	if buf[90] != 0x7F {
		t.Fatalf("byte 90 = %x, want 0x7F", buf[90])
	}
}

func TestResizeShrinkThenGrowZeroFills(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	data := bytes.Repeat([]byte{0x11}, 150)
	if _, err := tree.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tree.Resize(ctx, 10); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil || n != 10 {
		t.Fatalf("NumBytes() after shrink = %d, err=%v, want 10", n, err)
	}
	buf := make([]byte, 10)
	if _, err := tree.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read after shrink: %v", err)
	}
	if !bytes.Equal(buf, data[:10]) {
		t.Fatal("surviving bytes after shrink do not match original prefix")
	}

	if err := tree.Resize(ctx, 20); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	buf2 := make([]byte, 20)
	if _, err := tree.Read(ctx, 0, buf2); err != nil {
		t.Fatalf("Read after regrow: %v", err)
	}
	if !bytes.Equal(buf2[:10], data[:10]) {
		t.Fatal("prefix changed across shrink+grow")
	}
	for i := 10; i < 20; i++ {
		if buf2[i] != 0 {
			t.Fatalf("byte %d = %x, want zero after regrow", i, buf2[i])
		}
	}
}

func TestResizeToZeroLeavesEmptyRoot(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	data := bytes.Repeat([]byte{0x22}, 100)
	if _, err := tree.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tree.Resize(ctx, 0); err != nil {
		t.Fatalf("Resize to zero: %v", err)
	}
	n, err := tree.NumBytes(ctx)
	if err != nil || n != 0 {
		t.Fatalf("NumBytes() = %d, err=%v, want 0", n, err)
	}
	numNodes, err := ns.NumNodes()
	if err != nil {
		t.Fatalf("NumNodes: %v", err)
	}
	if numNodes != 1 {
		t.Fatalf("NumNodes() = %d, want 1 (single empty leaf root)", numNodes)
	}
}

func TestRemoveDeletesEveryBlock(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	data := bytes.Repeat([]byte{0x33}, 300)
	if _, err := tree.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n, _ := ns.NumNodes(); n <= 1 {
		t.Fatalf("expected multiple nodes before remove, got %d", n)
	}
	if err := tree.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n, err := ns.NumNodes()
	if err != nil {
		t.Fatalf("NumNodes: %v", err)
	}
	if n != 0 {
		t.Fatalf("NumNodes() after Remove = %d, want 0", n)
	}
}

// TestWriteSurvivesColdReopen writes through one cached nodestore.Store and
// reopens the same underlying blockstore through a second, uncached one —
// the only way to observe whether a write actually reached the BlockStore
// rather than surviving purely in the first store's LRU.
func TestWriteSurvivesColdReopen(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemStore(40, 0)
	warm, err := nodestore.Open(bs, nodestore.Options{CacheSize: 64})
	if err != nil {
		t.Fatalf("nodestore.Open(warm): %v", err)
	}
	tree, err := Create(warm, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tree.Write(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rootID := tree.RootID()

	cold, err := nodestore.Open(bs, nodestore.Options{CacheSize: 0})
	if err != nil {
		t.Fatalf("nodestore.Open(cold): %v", err)
	}
	reopened, err := Open(ctx, cold, rootID, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := reopened.NumBytes(ctx)
	if err != nil || n != 5 {
		t.Fatalf("NumBytes() after cold reopen = %d, err=%v, want 5", n, err)
	}
	buf := make([]byte, 5)
	if _, err := reopened.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read after cold reopen: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("Read after cold reopen = %q, want %q", buf, "hello")
	}
}

// TestGrowthSurvivesColdReopen covers the multi-leaf growth path: the root
// inner node's appended children must be flushed, not just cached, or a
// cold reopen sees a root with fewer children than blocks actually exist.
func TestGrowthSurvivesColdReopen(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemStore(40, 0)
	warm, err := nodestore.Open(bs, nodestore.Options{CacheSize: 64})
	if err != nil {
		t.Fatalf("nodestore.Open(warm): %v", err)
	}
	tree, err := Create(warm, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := bytes.Repeat([]byte{0xCD}, 200)
	if _, err := tree.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rootID := tree.RootID()

	cold, err := nodestore.Open(bs, nodestore.Options{CacheSize: 0})
	if err != nil {
		t.Fatalf("nodestore.Open(cold): %v", err)
	}
	reopened, err := Open(ctx, cold, rootID, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := reopened.NumBytes(ctx)
	if err != nil || n != int64(len(data)) {
		t.Fatalf("NumBytes() after cold reopen = %d, err=%v, want %d", n, err, len(data))
	}
	buf := make([]byte, len(data))
	if _, err := reopened.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read after cold reopen: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("read-back data after cold reopen does not match what was written")
	}
}

func TestReadPastEndOfTreeShortReads(t *testing.T) {
	ctx := context.Background()
	ns := smallLayoutStore(t)
	tree, _ := Create(ns, nil)

	if _, err := tree.Write(ctx, 0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 10)
	got, err := tree.Read(ctx, 1, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 2 {
		t.Fatalf("Read() = %d, want 2 (short read at EOF)", got)
	}
	if string(buf[:2]) != "bc" {
		t.Fatalf("Read() = %q, want %q", buf[:2], "bc")
	}
}
