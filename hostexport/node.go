package hostexport

import (
	"context"
	"os"

	"bazil.org/fuse"

	"github.com/nbos-project/kernelcore/vfs"
)

// Node is the shared FUSE-node wrapper around a vfs.Node, matching the
// teacher's fuse.File embedding pattern (Dir embeds File; both carry a
// name/path/attr/server quadruple).
type Node struct {
	node   *vfs.Node
	path   string
	server *Server
}

var _ interface {
	Attr(ctx context.Context, a *fuse.Attr) error
} = (*Node)(nil)

// Attr implements fs.Node, converting vfs.Stat fields to fuse.Attr the
// way the teacher's statToAttr converts a syscall.Stat_t.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	st, err := vfsStat(n.node)
	if err != nil {
		return toFuseErr(err)
	}
	a.Inode = st.Ino
	a.Size = uint64(st.Size)
	a.Mode = modeFor(n.node.Type, os.FileMode(st.Mode&0o777))
	a.Uid = st.UID
	a.Gid = st.GID
	a.Atime = st.Atime
	a.Mtime = st.Mtime
	a.Ctime = st.Ctime
	a.Nlink = 1
	return nil
}

func vfsStat(n *vfs.Node) (vfs.Stat, error) {
	n.Ref()
	defer n.Unref()
	return statOf(n)
}

// statOf calls Ops.Stat when present; otherwise it builds a Stat from the
// node's own metadata, encoding the node type with the POSIX S_IF* bits
// (vfs's own unexported fallback encodes it as Type<<12 instead).
func statOf(n *vfs.Node) (vfs.Stat, error) {
	if n.Ops != nil && n.Ops.Stat != nil {
		return n.Ops.Stat(n)
	}
	mode := uint32(n.Perm)
	switch n.Type {
	case vfs.TypeDir:
		mode |= 0o040000
	case vfs.TypeCharDev:
		mode |= 0o020000
	case vfs.TypeBlockDev:
		mode |= 0o060000
	case vfs.TypeSymlink:
		mode |= 0o120000
	default:
		mode |= 0o100000
	}
	return vfs.Stat{
		Ino:   n.Inode,
		Mode:  mode,
		UID:   n.UID,
		GID:   n.GID,
		Size:  int64(n.Size),
		Atime: n.Atime,
		Mtime: n.Mtime,
		Ctime: n.Ctime,
	}, nil
}

func modeFor(t vfs.NodeType, perm os.FileMode) os.FileMode {
	switch t {
	case vfs.TypeDir:
		return os.ModeDir | perm
	case vfs.TypeCharDev:
		return os.ModeCharDevice | perm
	case vfs.TypeBlockDev:
		return os.ModeDevice | perm
	case vfs.TypeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

func toFuseErr(err error) error {
	switch err {
	case vfs.ErrNotFound:
		return fuse.ENOENT
	case vfs.ErrNotSupported:
		return fuse.ENOTSUP
	default:
		return fuse.EIO
	}
}
