package vfs

import "sync"

// File is an open file handle, one per open() call — distinct from the
// underlying Node, which may have many open handles sharing it (VfsFile in
// original_source's vfs.h).
type File struct {
	mu sync.Mutex

	Node   *Node
	Flags  int
	Offset int64

	// Private lets a filesystem's Open implementation stash per-handle
	// state (e.g. a directory cursor, a pipe buffer position).
	Private any
}

// Read dispatches to the node's Ops.Read, or ErrNotSupported if absent.
func (f *File) Read(buf []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Node.Ops == nil || f.Node.Ops.Read == nil {
		return 0, ErrNotSupported
	}
	return f.Node.Ops.Read(f, buf)
}

// Write dispatches to the node's Ops.Write, or ErrNotSupported if absent.
func (f *File) Write(buf []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Node.Ops == nil || f.Node.Ops.Write == nil {
		return 0, ErrNotSupported
	}
	return f.Node.Ops.Write(f, buf)
}

// Seek dispatches to the node's Ops.Seek if present, otherwise falls back
// to simple offset arithmetic against the node's recorded size.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Node.Ops != nil && f.Node.Ops.Seek != nil {
		return f.Node.Ops.Seek(f, offset, whence)
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.Offset
	case SeekEnd:
		base = int64(f.Node.Size)
	default:
		return f.Offset, ErrInvalidPath
	}
	newOff := base + offset
	if newOff < 0 {
		return f.Offset, ErrInvalidPath
	}
	f.Offset = newOff
	return f.Offset, nil
}

// Close dispatches to the node's Ops.Close (if any) and unrefs the node.
func (f *File) Close() error {
	f.mu.Lock()
	node := f.Node
	ops := node.Ops
	f.mu.Unlock()

	var err error
	if ops != nil && ops.Close != nil {
		err = ops.Close(f)
	}
	node.Unref()
	return err
}

// Ioctl dispatches to the node's Ops.Ioctl, or ErrNotSupported if absent.
func (f *File) Ioctl(request uint64, arg any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Node.Ops == nil || f.Node.Ops.Ioctl == nil {
		return -1, ErrNotSupported
	}
	return f.Node.Ops.Ioctl(f, request, arg)
}
