package vfs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// VFS is the generic tree: a registry of filesystem drivers, the active
// mount table, and the root node every lookup starts from. It generalizes
// the teacher's handlerDB (a single path-keyed dispatch table) into a node
// tree with per-subtree operation vtables and transparent mount crossing.
type VFS struct {
	mu sync.RWMutex

	filesystems map[string]Filesystem
	mounts      []*Mount
	root        *Node

	log *logrus.Entry
}

// New creates a VFS with a fresh root directory node, matching vfs_init.
func New() *VFS {
	root := NewNode("/", TypeDir)
	root.Perm = 0755
	return &VFS{
		filesystems: make(map[string]Filesystem),
		root:        root,
		log:         logrus.WithField("component", "vfs"),
	}
}

// Root returns the VFS root node.
func (v *VFS) Root() *Node {
	return v.root
}

// RegisterFilesystem adds fs to the registry, rejecting a duplicate name
// per vfs_register_filesystem.
func (v *VFS) RegisterFilesystem(fs Filesystem) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.filesystems[fs.Name()]; exists {
		return fmt.Errorf("vfs: %w: filesystem %q already registered", ErrAlreadyExists, fs.Name())
	}
	v.filesystems[fs.Name()] = fs
	v.log.WithField("fs", fs.Name()).Info("registered filesystem")
	return nil
}

// UnregisterFilesystem removes fs from the registry by name.
func (v *VFS) UnregisterFilesystem(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.filesystems[name]; !exists {
		return ErrNotFound
	}
	delete(v.filesystems, name)
	return nil
}

func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Lookup resolves an absolute path against the tree, crossing mount points
// transparently and honoring "." / "..", matching vfs_lookup component for
// component. Only absolute paths are accepted, per spec.md §4.4.
func (v *VFS) Lookup(path string) *Node {
	if path == "" || path[0] != '/' {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lookupLocked(path)
}

func (v *VFS) lookupLocked(path string) *Node {
	current := v.root
	for _, comp := range splitPath(path) {
		switch comp {
		case ".":
			continue
		case "..":
			if current.Parent != nil {
				current = current.Parent
			}
			continue
		}

		if current.Mount != nil {
			current = current.Mount.Root
		}

		var child *Node
		if current.Ops != nil && current.Ops.Lookup != nil {
			child, _ = current.Ops.Lookup(current, comp)
		}
		if child == nil {
			child = current.findChild(comp)
		}
		if child == nil {
			return nil
		}
		current = child
	}
	return current
}

// lookupParent splits path into (parent directory node, basename), the
// Go analogue of vfs_lookup_parent.
func (v *VFS) lookupParent(path string) (*Node, string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return nil, ""
	}
	base := path[idx+1:]
	if idx == 0 {
		return v.root, base
	}
	return v.lookupLocked(path[:idx]), base
}

// Mount attaches fstype's filesystem at target, matching vfs_mount: the
// registered Filesystem.Mount is invoked to obtain the new subtree's root,
// which is linked onto the mount point node.
func (v *VFS) Mount(source, target, fstype string, flags uint32, options string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	fs, ok := v.filesystems[fstype]
	if !ok {
		return fmt.Errorf("vfs: %w: %q", ErrNoFilesystem, fstype)
	}

	mountPoint := v.lookupLocked(target)
	if mountPoint == nil {
		return fmt.Errorf("vfs: %w: mount point %q", ErrNotFound, target)
	}
	if mountPoint.Mount != nil {
		return fmt.Errorf("vfs: %w: %q already a mount point", ErrBusy, target)
	}

	fsRoot, err := fs.Mount(source, flags, options)
	if err != nil {
		return err
	}

	m := &Mount{
		FS:         fs,
		Root:       fsRoot,
		MountPoint: mountPoint,
		Source:     source,
		Target:     target,
		Flags:      flags,
	}
	mountPoint.Mount = m
	v.mounts = append(v.mounts, m)

	v.log.WithField("fs", fstype).WithField("target", target).Info("mounted filesystem")
	return nil
}

// Unmount detaches the filesystem mounted at target, matching vfs_unmount.
func (v *VFS) Unmount(target string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, m := range v.mounts {
		if m.Target != target {
			continue
		}
		if err := m.FS.Unmount(m.Root); err != nil {
			return err
		}
		m.MountPoint.Mount = nil
		v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
		return nil
	}
	return ErrNotFound
}

// Mounts returns a snapshot of the active mount table, used by /proc-style
// introspection and tests.
func (v *VFS) Mounts() []*Mount {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Mount, len(v.mounts))
	copy(out, v.mounts)
	return out
}
