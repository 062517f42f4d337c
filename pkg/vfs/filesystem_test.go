package vfs

import (
	"context"
	"testing"

	"blobfs/pkg/blockstore"
	"blobfs/pkg/nodestore"
	"blobfs/pkg/treestore"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	bs := blockstore.NewMemStore(40, 0)
	ns, err := nodestore.Open(bs, nodestore.Options{CacheSize: 64})
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	ts := treestore.Open(ns, nil)
	fs, err := New(ts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

func TestCreateLookupReadWrite(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	ino, attr, err := fs.Create(ctx, RootIno, "hello.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if attr.Kind != KindFile {
		t.Fatalf("attr.Kind = %v, want KindFile", attr.Kind)
	}

	if _, err := fs.Write(ctx, ino, 0, []byte("hi there")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gotIno, gotAttr, err := fs.Lookup(ctx, RootIno, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotIno != ino {
		t.Fatalf("Lookup ino = %d, want %d", gotIno, ino)
	}
	if gotAttr.Size != 8 {
		t.Fatalf("Lookup size = %d, want 8", gotAttr.Size)
	}

	buf := make([]byte, 8)
	if _, err := fs.Read(ctx, ino, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hi there" {
		t.Fatalf("Read() = %q, want %q", buf, "hi there")
	}
}

func TestMkdirReadDir(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	dirIno, attr, err := fs.Mkdir(ctx, RootIno, "sub")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if attr.Kind != KindDir {
		t.Fatalf("attr.Kind = %v, want KindDir", attr.Kind)
	}
	if _, _, err := fs.Create(ctx, dirIno, "leaf.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries, err := fs.ReadDir(ctx, RootIno)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "sub" {
		t.Fatalf("ReadDir(root) = %+v, want one entry named sub", entries)
	}

	entries, err = fs.ReadDir(ctx, dirIno)
	if err != nil {
		t.Fatalf("ReadDir(sub): %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "leaf.txt" {
		t.Fatalf("ReadDir(sub) = %+v, want one entry named leaf.txt", entries)
	}
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	dirIno, _, err := fs.Mkdir(ctx, RootIno, "sub")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, _, err := fs.Create(ctx, dirIno, "leaf.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fs.Rmdir(ctx, RootIno, "sub"); err == nil {
		t.Fatal("expected Rmdir on non-empty directory to fail")
	}
	if err := fs.Unlink(ctx, dirIno, "leaf.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := fs.Rmdir(ctx, RootIno, "sub"); err != nil {
		t.Fatalf("Rmdir after emptying: %v", err)
	}
}

func TestUnlinkWithOpenLookupOrphansTree(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	ino, _, err := fs.Create(ctx, RootIno, "f")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, ino, 0, []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Lookup grants an extra kernel reference, simulating an open handle.
	if _, _, err := fs.Lookup(ctx, RootIno, "f"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if err := fs.Unlink(ctx, RootIno, "f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// The inode is still tracked because of the outstanding Lookup reference.
	if _, err := fs.GetAttr(ctx, ino); err != nil {
		t.Fatalf("GetAttr on orphan: %v", err)
	}

	fs.Forget(ctx, ino, 2) // the Add reference plus the Lookup reference
	if _, err := fs.GetAttr(ctx, ino); err == nil {
		t.Fatal("expected orphan to be gone after final Forget")
	}
}

func TestRenameMovesEntry(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	dirIno, _, err := fs.Mkdir(ctx, RootIno, "sub")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	ino, _, err := fs.Create(ctx, RootIno, "f")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := fs.Rename(ctx, RootIno, "f", dirIno, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, _, err := fs.Lookup(ctx, RootIno, "f"); err == nil {
		t.Fatal("expected old name to be gone")
	}
	gotIno, _, err := fs.Lookup(ctx, dirIno, "g")
	if err != nil {
		t.Fatalf("Lookup new name: %v", err)
	}
	if gotIno != ino {
		t.Fatalf("Lookup new name ino = %d, want %d", gotIno, ino)
	}
}

func TestTruncateShrinksFile(t *testing.T) {
	ctx := context.Background()
	fs := newTestFilesystem(t)

	ino, _, err := fs.Create(ctx, RootIno, "f")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, ino, 0, []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Truncate(ctx, ino, 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	attr, err := fs.GetAttr(ctx, ino)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if attr.Size != 4 {
		t.Fatalf("Size = %d, want 4", attr.Size)
	}
}
