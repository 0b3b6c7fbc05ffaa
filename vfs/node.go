// Package vfs implements the generic VFS node tree, path resolution,
// mounts, and open file handles described in spec.md §4.4, generalizing
// the teacher's handler-registry pattern (handler/handlerDB.go) from
// "path -> procfs handler" to "path -> filesystem operations".
package vfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NodeType mirrors VFS_TYPE_* from original_source/src/kernel/vfs.h.
type NodeType uint32

const (
	TypeFile NodeType = iota + 1
	TypeDir
	TypeCharDev
	TypeBlockDev
	TypePipe
	TypeSymlink
	TypeSocket
)

// Open flags (VFS_O_*).
const (
	ORDONLY   = 0x0000
	OWRONLY   = 0x0001
	ORDWR     = 0x0002
	OCREAT    = 0x0040
	OEXCL     = 0x0080
	OTRUNC    = 0x0200
	OAPPEND   = 0x0400
	ONONBLOCK = 0x0800
	ODIR      = 0x10000
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Ops is the per-node operation vtable. Every method is optional; a nil
// method means "not supported" and callers return ErrNotSupported rather
// than panicking, per spec.md §4.4's failure semantics and the Design
// Notes' dynamic-dispatch guidance.
type Ops struct {
	Read    func(f *File, buf []byte) (int64, error)
	Write   func(f *File, buf []byte) (int64, error)
	Seek    func(f *File, offset int64, whence int) (int64, error)
	Close   func(f *File) error
	Ioctl   func(f *File, request uint64, arg any) (int, error)
	Readdir func(dir *Node) ([]Dirent, error)

	Open   func(n *Node, f *File, flags int) error
	Create func(parent *Node, name string, mode uint32) (*Node, error)
	Unlink func(parent *Node, name string) error
	Mkdir  func(parent *Node, name string, mode uint32) (*Node, error)
	Rmdir  func(parent *Node, name string) error
	Lookup func(parent *Node, name string) (*Node, error)
	Stat   func(n *Node) (Stat, error)
}

// Dirent is one entry returned by a directory's Readdir operation.
type Dirent struct {
	Inode uint64
	Type  NodeType
	Name  string
}

// Stat mirrors VfsStat.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// Mount is attached to a node when it is a mount point; path resolution
// crossing such a node transparently follows into Mount.Root, per
// spec.md §3's mount-descriptor invariant.
type Mount struct {
	FS         Filesystem
	Root       *Node
	MountPoint *Node
	Source     string
	Target     string
	Flags      uint32
	Private    any
}

// Node is one VFS tree node, matching VfsNode in original_source's vfs.h.
type Node struct {
	mu sync.Mutex

	Name  string
	Type  NodeType
	Perm  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Inode uint64

	Atime, Mtime, Ctime time.Time

	DevMajor, DevMinor uint32

	Ops     *Ops
	Private any

	Parent   *Node
	Children *Node // first child
	Next     *Node // next sibling

	RefCount int

	Mount *Mount
}

var inodeCounter uint64

func nextInode() uint64 {
	inodeCounter++
	return inodeCounter
}

// NewNode allocates a node with ref_count = 1, matching vfs_create_node.
func NewNode(name string, typ NodeType) *Node {
	now := time.Time{}
	return &Node{
		Name:     name,
		Type:     typ,
		Perm:     0755,
		Inode:    nextInode(),
		Atime:    now,
		Mtime:    now,
		Ctime:    now,
		RefCount: 1,
	}
}

// AddChild prepends child to parent's children list, rejecting a duplicate
// name, per spec.md §3's "no duplicate names" invariant.
func (parent *Node) AddChild(child *Node) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	for c := parent.Children; c != nil; c = c.Next {
		if c.Name == child.Name {
			return fmt.Errorf("vfs: %w: %q", ErrAlreadyExists, child.Name)
		}
	}
	child.Parent = parent
	child.Next = parent.Children
	parent.Children = child
	return nil
}

// RemoveChild unlinks child from parent's children list.
func (parent *Node) RemoveChild(child *Node) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.Children == child {
		parent.Children = child.Next
		child.Next = nil
		child.Parent = nil
		return nil
	}
	for c := parent.Children; c != nil; c = c.Next {
		if c.Next == child {
			c.Next = child.Next
			child.Next = nil
			child.Parent = nil
			return nil
		}
	}
	return ErrNotFound
}

// findChild scans the children linked list for a name match, the
// fallback path resolution uses when a node has no Lookup operation.
func (n *Node) findChild(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := n.Children; c != nil; c = c.Next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildList lists a directory's children in link order (used by readdir
// fallbacks and tests).
func (n *Node) ChildList() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Node
	for c := n.Children; c != nil; c = c.Next {
		out = append(out, c)
	}
	return out
}

// Ref increments the node's reference count.
func (n *Node) Ref() {
	n.mu.Lock()
	n.RefCount++
	n.mu.Unlock()
}

// Unref decrements the node's reference count; when it reaches zero the
// node is considered freed (there is nothing further to release in a Go
// implementation beyond dropping references, but the accounting itself is
// the invariant spec.md §4.4 tests for).
func (n *Node) Unref() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.RefCount--
	if n.RefCount <= 0 {
		logrus.WithField("component", "vfs").
			WithField("node", n.Name).Debug("node freed")
	}
	return n.RefCount
}

// Filesystem is the pluggable per-filesystem operations interface
// (vfs_filesystem). Mount returns the filesystem's root node.
type Filesystem interface {
	Name() string
	Mount(source string, flags uint32, options string) (*Node, error)
	Unmount(root *Node) error
}
