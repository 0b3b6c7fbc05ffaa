package hostexport

import (
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/nbos-project/kernelcore/vfs"
)

// File is the FUSE regular-file/char-device/block-device node, matching
// the teacher's fuse.File but backed by a vfs.File handle opened on
// demand rather than a host os.File.
type File struct {
	*Node
}

var (
	_ fs.Node         = (*File)(nil)
	_ fs.HandleReader = (*File)(nil)
)

// Open implements fs.NodeOpener, opening the underlying vfs node
// read-only; the mount itself is read-only (fuse.ReadOnly in
// Server.Run), matching the inspection-only purpose of this export.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	vf, err := f.server.v.Open(f.path, vfs.ORDONLY, 0)
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &openFile{Node: f.Node, vf: vf}, nil
}

// Read implements fs.HandleReader as a no-handle fallback for readers
// that skip Open (some FUSE clients probe Attr+Read directly).
func (f *File) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	vf, err := f.server.v.Open(f.path, vfs.ORDONLY, 0)
	if err != nil {
		return toFuseErr(err)
	}
	defer vf.Close()
	buf := make([]byte, req.Size)
	n, err := readAt(vf, buf, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Data = buf[:n]
	return nil
}

// openFile is the fs.Handle returned by File.Open, wrapping a live
// vfs.File so repeated reads reuse one offset cursor.
type openFile struct {
	*Node
	vf *vfs.File
}

var _ fs.HandleReader = (*openFile)(nil)
var _ fs.HandleReleaser = (*openFile)(nil)

func (h *openFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := readAt(h.vf, buf, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *openFile) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.vf.Close()
}

// readAt seeks then reads, since vfs.File.Read always reads from its own
// offset cursor rather than taking an explicit offset argument.
func readAt(vf *vfs.File, buf []byte, offset int64) (int64, error) {
	if _, err := vf.Seek(offset, vfs.SeekSet); err != nil {
		return 0, err
	}
	return vf.Read(buf)
}
