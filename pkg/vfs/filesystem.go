// Package vfs assembles C5 (treestore), C6 (lifecycle) and C7
// (inodeforest) into an AsyncFilesystem: the directory-and-file surface a
// FUSE binding would sit on top of. No FUSE library is imported here —
// spec.md's engine layers stop at this interface, and binding it to an
// actual kernel mount is explicitly out of scope (spec.md Non-goals).
package vfs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"blobfs/pkg/blobtree"
	"blobfs/pkg/blockstore"
	"blobfs/pkg/fserr"
	"blobfs/pkg/inodeforest"
	"blobfs/pkg/lifecycle"
	"blobfs/pkg/treestore"
)

// Ino is a filesystem inode number, matching inodeforest.InodeNumber.
type Ino = inodeforest.InodeNumber

// RootIno is the fixed inode number of the filesystem root directory.
const RootIno Ino = 1

// Kind distinguishes what an inode names.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Attr is the subset of inode metadata this layer tracks directly; a real
// FUSE binding would round this out with timestamps and permission bits
// sourced elsewhere.
type Attr struct {
	Ino  Ino
	Kind Kind
	Size int64
}

// DirEntry names one child of a directory.
type DirEntry struct {
	Name string
	Ino  Ino
	Kind Kind
}

// AsyncFilesystem is the operation surface this engine exposes above C5/C6/
// C7. Every method takes a context so a caller (e.g. a FUSE request that
// the kernel has abandoned) can cancel a blocking call; per spec.md §4.2/
// §4.4, cancelling does not unwind work already shared with other
// in-flight callers for the same inode.
type AsyncFilesystem interface {
	Lookup(ctx context.Context, parent Ino, name string) (Ino, Attr, error)
	GetAttr(ctx context.Context, ino Ino) (Attr, error)
	ReadDir(ctx context.Context, ino Ino) ([]DirEntry, error)
	Create(ctx context.Context, parent Ino, name string) (Ino, Attr, error)
	Mkdir(ctx context.Context, parent Ino, name string) (Ino, Attr, error)
	Unlink(ctx context.Context, parent Ino, name string) error
	Rmdir(ctx context.Context, parent Ino, name string) error
	Rename(ctx context.Context, oldParent Ino, oldName string, newParent Ino, newName string) error
	Read(ctx context.Context, ino Ino, offset int64, buf []byte) (int, error)
	Write(ctx context.Context, ino Ino, offset int64, data []byte) (int, error)
	Truncate(ctx context.Context, ino Ino, size int64) error
	Forget(ctx context.Context, ino Ino, n int64)
}

type dirState struct {
	kind    Kind
	entries map[string]Ino // only populated for directories
	root    blockstore.BlockID
}

// Filesystem is the reference AsyncFilesystem: directory structure is kept
// in memory (this engine specifies no on-disk directory-entry format —
// see DESIGN.md), while every file's bytes are a real C3/C4 tree serviced
// through a shared C6 lifecycle store and C7 inode graph.
type Filesystem struct {
	ts     *treestore.Store
	forest *inodeforest.Forest
	trees  *lifecycle.Store[Ino, *blobtree.Tree]

	mu    sync.Mutex
	nodes map[Ino]*dirState

	nextIno atomic.Uint64
	log     *logrus.Logger
}

// New creates a Filesystem with an empty root directory.
func New(ts *treestore.Store, log *logrus.Logger) (*Filesystem, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fs := &Filesystem{
		ts:     ts,
		forest: inodeforest.New(true),
		nodes:  make(map[Ino]*dirState),
		log:    log,
	}
	fs.trees = lifecycle.New[Ino, *blobtree.Tree](fs.dropTree, log)
	fs.forest.InsertRoot(RootIno)
	fs.nodes[RootIno] = &dirState{kind: KindDir, entries: make(map[string]Ino)}
	fs.nextIno.Store(uint64(RootIno))
	return fs, nil
}

func (fs *Filesystem) dropTree(ctx context.Context, t *blobtree.Tree) error {
	return nil // the tree's blocks are reclaimed explicitly via RemoveTree, by Unlink or by the Forget that drops an orphan's last reference
}

func (fs *Filesystem) allocIno() Ino {
	return Ino(fs.nextIno.Add(1))
}

func (fs *Filesystem) Lookup(ctx context.Context, parent Ino, name string) (Ino, Attr, error) {
	fs.mu.Lock()
	dir, ok := fs.nodes[parent]
	if !ok {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.NotFound("lookup")
	}
	if dir.kind != KindDir {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.NotADirectory("lookup")
	}
	child, ok := dir.entries[name]
	fs.mu.Unlock()
	if !ok {
		return 0, Attr{}, fserr.NotFound("lookup")
	}
	if err := fs.forest.AddOrIncrement(parent, name, child); err != nil {
		return 0, Attr{}, fserr.IO("lookup", err)
	}
	attr, err := fs.GetAttr(ctx, child)
	return child, attr, err
}

func (fs *Filesystem) GetAttr(ctx context.Context, ino Ino) (Attr, error) {
	fs.mu.Lock()
	n, ok := fs.nodes[ino]
	fs.mu.Unlock()
	if !ok {
		return Attr{}, fserr.NotFound("getattr")
	}
	if n.kind == KindDir {
		return Attr{Ino: ino, Kind: KindDir}, nil
	}
	g, err := fs.loadTree(ctx, ino, n.root)
	if err != nil {
		return Attr{}, err
	}
	defer g.Close()
	size, err := g.Value().NumBytes(ctx)
	if err != nil {
		return Attr{}, fserr.IO("getattr", err)
	}
	return Attr{Ino: ino, Kind: KindFile, Size: size}, nil
}

func (fs *Filesystem) ReadDir(ctx context.Context, ino Ino) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[ino]
	if !ok {
		return nil, fserr.NotFound("readdir")
	}
	if n.kind != KindDir {
		return nil, fserr.NotADirectory("readdir")
	}
	out := make([]DirEntry, 0, len(n.entries))
	for name, child := range n.entries {
		childKind := fs.nodes[child].kind
		out = append(out, DirEntry{Name: name, Ino: child, Kind: childKind})
	}
	return out, nil
}

func (fs *Filesystem) Create(ctx context.Context, parent Ino, name string) (Ino, Attr, error) {
	fs.mu.Lock()
	dir, ok := fs.nodes[parent]
	if !ok || dir.kind != KindDir {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.NotADirectory("create")
	}
	if _, exists := dir.entries[name]; exists {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.Exists("create")
	}
	fs.mu.Unlock()

	tree, err := fs.ts.CreateTree(ctx)
	if err != nil {
		return 0, Attr{}, fserr.IO("create", err)
	}
	ino := fs.allocIno()

	fs.mu.Lock()
	dir, ok = fs.nodes[parent]
	if !ok || dir.kind != KindDir {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.NotADirectory("create")
	}
	dir.entries[name] = ino
	fs.nodes[ino] = &dirState{kind: KindFile, root: tree.RootID()}
	fs.mu.Unlock()

	if err := fs.forest.Add(parent, name, ino); err != nil {
		return 0, Attr{}, fserr.IO("create", err)
	}
	return ino, Attr{Ino: ino, Kind: KindFile}, nil
}

func (fs *Filesystem) Mkdir(ctx context.Context, parent Ino, name string) (Ino, Attr, error) {
	fs.mu.Lock()
	dir, ok := fs.nodes[parent]
	if !ok || dir.kind != KindDir {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.NotADirectory("mkdir")
	}
	if _, exists := dir.entries[name]; exists {
		fs.mu.Unlock()
		return 0, Attr{}, fserr.Exists("mkdir")
	}
	ino := fs.allocIno()
	dir.entries[name] = ino
	fs.nodes[ino] = &dirState{kind: KindDir, entries: make(map[string]Ino)}
	fs.mu.Unlock()

	if err := fs.forest.Add(parent, name, ino); err != nil {
		return 0, Attr{}, fserr.IO("mkdir", err)
	}
	return ino, Attr{Ino: ino, Kind: KindDir}, nil
}

func (fs *Filesystem) Unlink(ctx context.Context, parent Ino, name string) error {
	return fs.removeEntry(ctx, parent, name, KindFile, "unlink")
}

func (fs *Filesystem) Rmdir(ctx context.Context, parent Ino, name string) error {
	fs.mu.Lock()
	dir, ok := fs.nodes[parent]
	if !ok || dir.kind != KindDir {
		fs.mu.Unlock()
		return fserr.NotADirectory("rmdir")
	}
	child, ok := dir.entries[name]
	if !ok {
		fs.mu.Unlock()
		return fserr.NotFound("rmdir")
	}
	target, ok := fs.nodes[child]
	if !ok || target.kind != KindDir {
		fs.mu.Unlock()
		return fserr.NotADirectory("rmdir")
	}
	if len(target.entries) > 0 {
		fs.mu.Unlock()
		return fserr.NotEmpty("rmdir")
	}
	fs.mu.Unlock()
	return fs.removeEntry(ctx, parent, name, KindDir, "rmdir")
}

func (fs *Filesystem) removeEntry(ctx context.Context, parent Ino, name string, wantKind Kind, op string) error {
	fs.mu.Lock()
	dir, ok := fs.nodes[parent]
	if !ok || dir.kind != KindDir {
		fs.mu.Unlock()
		return fserr.NotADirectory(op)
	}
	child, ok := dir.entries[name]
	if !ok {
		fs.mu.Unlock()
		return fserr.NotFound(op)
	}
	target := fs.nodes[child]
	if target == nil || target.kind != wantKind {
		fs.mu.Unlock()
		if wantKind == KindFile {
			return fserr.IsADirectory(op)
		}
		return fserr.NotADirectory(op)
	}
	delete(dir.entries, name)
	fs.mu.Unlock()

	_, removed, err := fs.forest.MakeOrphan(parent, name)
	if err != nil {
		return fserr.IO(op, err)
	}
	if removed {
		fs.forest.BlockNumber(child)
		fs.trees.RequestImmediateDrop(child)
		if wantKind == KindFile {
			if err := fs.ts.RemoveTree(ctx, target.root); err != nil {
				return fserr.IO(op, err)
			}
		}
		fs.mu.Lock()
		delete(fs.nodes, child)
		fs.mu.Unlock()
		fs.forest.UnblockNumber(child)
	}
	return nil
}

func (fs *Filesystem) Rename(ctx context.Context, oldParent Ino, oldName string, newParent Ino, newName string) error {
	fs.mu.Lock()
	oldDir, ok := fs.nodes[oldParent]
	if !ok || oldDir.kind != KindDir {
		fs.mu.Unlock()
		return fserr.NotADirectory("rename")
	}
	child, ok := oldDir.entries[oldName]
	if !ok {
		fs.mu.Unlock()
		return fserr.NotFound("rename")
	}
	newDir, ok := fs.nodes[newParent]
	if !ok || newDir.kind != KindDir {
		fs.mu.Unlock()
		return fserr.NotADirectory("rename")
	}
	if _, exists := newDir.entries[newName]; exists {
		fs.mu.Unlock()
		return fserr.Exists("rename")
	}
	delete(oldDir.entries, oldName)
	newDir.entries[newName] = child
	fs.mu.Unlock()

	if err := fs.forest.MoveInode(oldParent, oldName, newParent, newName, child); err != nil {
		// Non-atomic per inodeforest.MoveInode's documented hazard: the
		// in-memory directory maps above already reflect the new
		// location even if the forest's own link bookkeeping failed.
		return fserr.IO("rename", err)
	}
	return nil
}

func (fs *Filesystem) Read(ctx context.Context, ino Ino, offset int64, buf []byte) (int, error) {
	root, err := fs.fileRoot(ino, "read")
	if err != nil {
		return 0, err
	}
	g, err := fs.loadTree(ctx, ino, root)
	if err != nil {
		return 0, err
	}
	defer g.Close()
	n, err := g.Value().Read(ctx, offset, buf)
	if err != nil {
		return n, fserr.IO("read", err)
	}
	return n, nil
}

func (fs *Filesystem) Write(ctx context.Context, ino Ino, offset int64, data []byte) (int, error) {
	root, err := fs.fileRoot(ino, "write")
	if err != nil {
		return 0, err
	}
	g, err := fs.loadTree(ctx, ino, root)
	if err != nil {
		return 0, err
	}
	defer g.Close()
	n, err := g.Value().Write(ctx, offset, data)
	if err != nil {
		return n, fserr.IO("write", err)
	}
	return n, nil
}

func (fs *Filesystem) Truncate(ctx context.Context, ino Ino, size int64) error {
	root, err := fs.fileRoot(ino, "truncate")
	if err != nil {
		return err
	}
	g, err := fs.loadTree(ctx, ino, root)
	if err != nil {
		return err
	}
	defer g.Close()
	if err := g.Value().Resize(ctx, size); err != nil {
		return fserr.IO("truncate", err)
	}
	return nil
}

func (fs *Filesystem) Forget(ctx context.Context, ino Ino, n int64) {
	_, removed := fs.forest.Forget(ino, n)
	if !removed {
		return
	}
	fs.trees.RequestImmediateDrop(ino)
	fs.mu.Lock()
	target := fs.nodes[ino]
	delete(fs.nodes, ino)
	fs.mu.Unlock()
	if target != nil && target.kind == KindFile {
		if err := fs.ts.RemoveTree(ctx, target.root); err != nil {
			fs.log.WithError(err).WithField("ino", ino).Warn("vfs: removing orphaned file's tree failed")
		}
	}
}

func (fs *Filesystem) fileRoot(ino Ino, op string) (blockstore.BlockID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[ino]
	if !ok {
		return blockstore.BlockID{}, fserr.NotFound(op)
	}
	if n.kind != KindFile {
		return blockstore.BlockID{}, fserr.IsADirectory(op)
	}
	return n.root, nil
}

func (fs *Filesystem) loadTree(ctx context.Context, ino Ino, root blockstore.BlockID) (*lifecycle.Guard[Ino, *blobtree.Tree], error) {
	g, err := fs.trees.GetLoadedOrInsertLoading(ctx, ino, func(ctx context.Context) (*blobtree.Tree, error) {
		return fs.ts.LoadTree(ctx, root)
	})
	if err != nil {
		return nil, fserr.IO("load-tree", errors.Wrap(err, "vfs"))
	}
	return g, nil
}

var _ AsyncFilesystem = (*Filesystem)(nil)
