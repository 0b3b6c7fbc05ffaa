package hostexport

import (
	"context"
	"path/filepath"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/nbos-project/kernelcore/vfs"
)

// Dir is the FUSE directory node, matching the teacher's fuse.Dir
// (embeds the shared Node rather than File, since this tree has no
// backing host file to read attrs from).
type Dir struct {
	*Node
}

var (
	_ fs.Node               = (*Dir)(nil)
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
)

// Lookup implements fs.NodeStringLookuper, walking one path component via
// the vfs tree's own child list (following a mount point into its mounted
// root), matching fuse.Dir.Lookup's per-component resolution but without
// the teacher's host-procfs handler indirection.
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	dir := d.node
	if dir.Mount != nil {
		dir = dir.Mount.Root
	}
	for _, child := range dir.ChildList() {
		if child.Name == name {
			return wrap(child, filepath.Join(d.path, name), d.server), nil
		}
	}
	return nil, fuse.ENOENT
}

// ReadDirAll implements fs.HandleReadDirAller, matching fuse.Dir.ReadDirAll
// but listing the in-memory vfs child list directly (the generic vfs
// package doesn't maintain a host directory to stat).
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dir := d.node
	if dir.Mount != nil {
		dir = dir.Mount.Root
	}
	children := dir.ChildList()
	out := make([]fuse.Dirent, 0, len(children))
	for _, c := range children {
		ent := fuse.Dirent{Name: c.Name, Inode: c.Inode}
		if c.Type == vfs.TypeDir {
			ent.Type = fuse.DT_Dir
		} else {
			ent.Type = fuse.DT_File
		}
		out = append(out, ent)
	}
	return out, nil
}

// wrap builds the right fs.Node kind for n, matching fuse.Dir.Lookup's
// info.IsDir()-branches-to-NewDir-or-NewFile decision.
func wrap(n *vfs.Node, path string, s *Server) fs.Node {
	base := &Node{node: n, path: path, server: s}
	if n.Type == vfs.TypeDir {
		return &Dir{Node: base}
	}
	return &File{Node: base}
}
