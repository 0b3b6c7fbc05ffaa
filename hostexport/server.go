// Package hostexport mirrors the in-kernel VFS tree onto a real host
// mountpoint via FUSE, for interactive inspection of a running simulated
// kernel from outside the process. Grounded on the teacher's
// fuse/server.go (Create/Run/Destroy lifecycle around a bazil.org/fuse
// connection) and fuse/dir.go (Node wrapping with a server back-pointer),
// adapted to wrap vfs.Node instead of a host filesystem path.
package hostexport

import (
	"errors"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	"github.com/nbos-project/kernelcore/vfs"
)

// Server drives a FUSE mount whose contents are a live view of a
// vfs.VFS tree, matching fuseServer's Create/Run/Destroy shape.
type Server struct {
	sync.RWMutex

	v          *vfs.VFS
	mountPoint string

	conn     *fuse.Conn
	fsServer *fs.Server
	root     *Dir
	initDone chan bool

	log *logrus.Entry
}

// New constructs a Server exporting v at mountPoint. Call Create then Run.
func New(v *vfs.VFS, mountPoint string) *Server {
	return &Server{
		v:          v,
		mountPoint: mountPoint,
		log:        logrus.WithField("component", "hostexport"),
	}
}

// Create builds the root node, matching fuseServer.Create's pre-mount
// setup step.
func (s *Server) Create() error {
	root := s.v.Root()
	if root == nil {
		return errors.New("hostexport: vfs has no root node")
	}
	s.root = &Dir{Node: &Node{node: root, path: "/", server: s}}
	s.initDone = make(chan bool, 1)
	return nil
}

// Run mounts the FUSE filesystem and serves requests until Destroy is
// called or the connection fails, matching fuseServer.Run.
func (s *Server) Run() error {
	c, err := fuse.Mount(
		s.mountPoint,
		fuse.FSName("kernelcorevfs"),
		fuse.Subtype("kernelcorevfs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		s.log.WithError(err).Error("fuse mount failed")
		return err
	}
	s.conn = c
	defer func() {
		_ = fuse.Unmount(s.mountPoint)
		_ = c.Close()
	}()

	s.fsServer = fs.New(c, nil)
	s.initDone <- true

	if err := s.fsServer.Serve(s); err != nil {
		s.log.WithError(err).Error("fuse serve failed")
		return err
	}

	<-c.Ready
	if err := c.MountError; err != nil {
		return err
	}
	return nil
}

// Root implements fs.FS.
func (s *Server) Root() (fs.Node, error) {
	return s.root, nil
}

// InitWait blocks until Run has completed its mount handshake, matching
// fuseServer.InitWait.
func (s *Server) InitWait() {
	<-s.initDone
}

// Destroy unmounts the filesystem, matching fuseServer.Destroy.
func (s *Server) Destroy() error {
	return fuse.Unmount(s.mountPoint)
}
