package vfs

import "fmt"

// Open resolves path, optionally creating it (O_CREAT), and returns a new
// File handle with its node refcount bumped, matching vfs_open.
func (v *VFS) Open(path string, flags int, mode uint32) (*File, error) {
	v.mu.Lock()
	node := v.lookupLocked(path)

	if node == nil && flags&OCREAT != 0 {
		parent, base := v.lookupParent(path)
		if parent != nil && parent.Ops != nil && parent.Ops.Create != nil {
			if created, err := parent.Ops.Create(parent, base, mode); err == nil {
				_ = created
				node = v.lookupLocked(path)
			}
		} else if parent != nil {
			n := NewNode(base, TypeFile)
			n.Perm = mode
			if err := parent.AddChild(n); err == nil {
				node = n
			}
		}
	} else if node != nil && flags&OCREAT != 0 && flags&OEXCL != 0 {
		v.mu.Unlock()
		return nil, fmt.Errorf("vfs: %w: %q", ErrAlreadyExists, path)
	}
	v.mu.Unlock()

	if node == nil {
		return nil, fmt.Errorf("vfs: %w: %q", ErrNotFound, path)
	}

	f := &File{Node: node, Flags: flags}
	node.Ref()

	if node.Ops != nil && node.Ops.Open != nil {
		if err := node.Ops.Open(node, f, flags); err != nil {
			node.Unref()
			return nil, err
		}
	}

	if flags&OTRUNC != 0 {
		node.mu.Lock()
		node.Size = 0
		node.mu.Unlock()
	}
	if flags&OAPPEND != 0 {
		f.Offset = int64(node.Size)
	}

	return f, nil
}

// Mkdir creates a directory at path, delegating to the parent's Mkdir op
// when present and falling back to a plain tree insertion otherwise,
// matching vfs_mkdir.
func (v *VFS) Mkdir(path string, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, base := v.lookupParent(path)
	if parent == nil {
		return fmt.Errorf("vfs: %w: parent of %q", ErrNotFound, path)
	}

	if parent.Ops != nil && parent.Ops.Mkdir != nil {
		_, err := parent.Ops.Mkdir(parent, base, mode)
		return err
	}

	dir := NewNode(base, TypeDir)
	dir.Perm = mode
	return parent.AddChild(dir)
}

// Rmdir removes an empty directory at path, matching vfs_rmdir.
func (v *VFS) Rmdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	node := v.lookupLocked(path)
	if node == nil {
		return fmt.Errorf("vfs: %w: %q", ErrNotFound, path)
	}
	if node.Type != TypeDir {
		return ErrNotDir
	}
	if node.Children != nil {
		return ErrNotEmpty
	}

	if node.Parent != nil && node.Parent.Ops != nil && node.Parent.Ops.Rmdir != nil {
		return node.Parent.Ops.Rmdir(node.Parent, node.Name)
	}

	if node.Parent != nil {
		if err := node.Parent.RemoveChild(node); err != nil {
			return err
		}
	}
	node.Unref()
	return nil
}

// Create makes a regular file at path, matching vfs_create.
func (v *VFS) Create(path string, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, base := v.lookupParent(path)
	if parent == nil {
		return fmt.Errorf("vfs: %w: parent of %q", ErrNotFound, path)
	}

	if parent.Ops != nil && parent.Ops.Create != nil {
		_, err := parent.Ops.Create(parent, base, mode)
		return err
	}

	n := NewNode(base, TypeFile)
	n.Perm = mode
	return parent.AddChild(n)
}

// Unlink removes a non-directory node at path, matching vfs_unlink.
func (v *VFS) Unlink(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	node := v.lookupLocked(path)
	if node == nil {
		return fmt.Errorf("vfs: %w: %q", ErrNotFound, path)
	}
	if node.Type == TypeDir {
		return ErrIsDir
	}

	if node.Parent != nil && node.Parent.Ops != nil && node.Parent.Ops.Unlink != nil {
		return node.Parent.Ops.Unlink(node.Parent, node.Name)
	}

	if node.Parent != nil {
		if err := node.Parent.RemoveChild(node); err != nil {
			return err
		}
	}
	node.Unref()
	return nil
}

// Stat resolves path and fills in its metadata, matching vfs_stat /
// vfs_fstat_node.
func (v *VFS) Stat(path string) (Stat, error) {
	node := v.Lookup(path)
	if node == nil {
		return Stat{}, fmt.Errorf("vfs: %w: %q", ErrNotFound, path)
	}
	return statNode(node)
}

// Fstat stats the node backing an open file handle, matching vfs_fstat.
func Fstat(f *File) (Stat, error) {
	return statNode(f.Node)
}

func statNode(n *Node) (Stat, error) {
	if n.Ops != nil && n.Ops.Stat != nil {
		return n.Ops.Stat(n)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	st := Stat{
		Ino:     n.Inode,
		Mode:    n.Perm | (uint32(n.Type) << 12),
		Nlink:   1,
		UID:     n.UID,
		GID:     n.GID,
		Size:    int64(n.Size),
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Ctime:   n.Ctime,
		Blksize: 4096,
		Blocks:  (int64(n.Size) + 511) / 512,
	}
	if n.Type == TypeCharDev || n.Type == TypeBlockDev {
		st.Rdev = uint64(n.DevMajor)<<8 | uint64(n.DevMinor)
	}
	return st, nil
}

// Readdir lists a directory file handle's entries, delegating to the
// node's Readdir op when present and falling back to the in-memory
// children list otherwise, matching vfs_readdir (without the original's
// fixed-size output buffer — Go callers just get a slice).
func Readdir(dir *File) ([]Dirent, error) {
	if dir.Node.Type != TypeDir {
		return nil, ErrNotDir
	}
	if dir.Node.Ops != nil && dir.Node.Ops.Readdir != nil {
		return dir.Node.Ops.Readdir(dir.Node)
	}

	children := dir.Node.ChildList()
	out := make([]Dirent, 0, len(children))
	for _, c := range children {
		out = append(out, Dirent{Inode: c.Inode, Type: c.Type, Name: c.Name})
	}
	return out, nil
}
