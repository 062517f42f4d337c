// Package fserr maps this engine's internal failures onto the POSIX errno
// values a FUSE boundary must return, per spec.md §6/§7. It is grounded on
// the teacher's own layered error style (pkg/pager and pkg/cowbtree wrap
// lower-level failures with github.com/pkg/errors and let callers inspect
// the original cause), generalized here with a single explicit Errno field
// instead of string-matching wrapped messages.
package fserr

import (
	"syscall"

	"github.com/pkg/errors"

	"blobfs/pkg/node"
)

// FsError is an error carrying the POSIX errno a FUSE handler should return
// for it, plus the underlying cause for logging.
type FsError struct {
	Errno syscall.Errno
	Op    string
	Cause error
}

func (e *FsError) Error() string {
	if e.Cause != nil {
		return e.Op + ": " + e.Cause.Error()
	}
	return e.Op + ": " + e.Errno.Error()
}

func (e *FsError) Unwrap() error { return e.Cause }

// New wraps cause as an FsError reporting errno for operation op.
func New(op string, errno syscall.Errno, cause error) *FsError {
	return &FsError{Op: op, Errno: errno, Cause: cause}
}

// NotFound, NotADirectory, IsADirectory, NotEmpty, Exists, NoSpace and IO
// are the common POSIX outcomes this engine's callers need to construct
// without a lower-level cause to wrap.
func NotFound(op string) *FsError        { return New(op, syscall.ENOENT, nil) }
func NotADirectory(op string) *FsError   { return New(op, syscall.ENOTDIR, nil) }
func IsADirectory(op string) *FsError    { return New(op, syscall.EISDIR, nil) }
func NotEmpty(op string) *FsError        { return New(op, syscall.ENOTEMPTY, nil) }
func Exists(op string) *FsError          { return New(op, syscall.EEXIST, nil) }
func NoSpace(op string) *FsError         { return New(op, syscall.ENOSPC, nil) }
func InvalidArgument(op string) *FsError { return New(op, syscall.EINVAL, nil) }
func NotPermitted(op string) *FsError    { return New(op, syscall.EPERM, nil) }

// IO wraps an unexpected lower-level failure (a corrupted node, a
// blockstore error, an out-of-bounds traversal) as EIO: per spec.md §7,
// anything the engine cannot make sense of surfaces to the kernel as a
// generic I/O error rather than a more specific, and therefore potentially
// misleading, errno.
func IO(op string, cause error) *FsError {
	return New(op, syscall.EIO, cause)
}

// FromTraversalError classifies an error produced by a blobtree/nodestore
// operation into the errno a filesystem operation built on it should
// return. A *node.CorruptedNode is always EIO; anything else not already an
// *FsError is also treated as an opaque EIO cause.
func FromTraversalError(op string, err error) *FsError {
	if err == nil {
		return nil
	}
	var existing *FsError
	if errors.As(err, &existing) {
		return existing
	}
	var corrupted *node.CorruptedNode
	if errors.As(err, &corrupted) {
		return IO(op, corrupted)
	}
	return IO(op, err)
}

// Errno extracts the errno a caller should surface for err, defaulting to
// EIO for anything not produced by this package.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *FsError
	if errors.As(err, &fe) {
		return fe.Errno
	}
	return syscall.EIO
}
