// Package devfs mirrors devmgr's device registry into the VFS tree under
// /dev, grounded on original_source/src/kernel/device.c's devfs_* family.
// The name -> node index uses an immutable radix tree rather than the
// original's linear child scan, per DESIGN.md's C5 entry.
package devfs

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/nbos-project/kernelcore/devmgr"
	"github.com/nbos-project/kernelcore/vfs"
)

// FS implements vfs.Filesystem for "devfs", one instance shared across
// however many times it gets mounted (mirroring the original's singleton
// devfs_root).
type FS struct {
	mu    sync.Mutex
	root  *vfs.Node
	index *iradix.Tree // device name -> *vfs.Node

	mgr *devmgr.Manager
	log *logrus.Entry
}

// New creates a devfs filesystem backed by mgr's device registry. Devices
// registered with mgr after New is called are mirrored automatically via
// mgr.OnDeviceRegistered/OnDeviceRemoved; devices already present at
// construction time are mirrored immediately.
func New(mgr *devmgr.Manager) *FS {
	fs := &FS{
		root:  vfs.NewNode("dev", vfs.TypeDir),
		index: iradix.New(),
		mgr:   mgr,
		log:   logrus.WithField("component", "devfs"),
	}
	fs.root.Perm = 0755
	fs.root.Ops = &vfs.Ops{
		Lookup: func(parent *vfs.Node, name string) (*vfs.Node, error) {
			if n, ok := fs.Lookup(name); ok {
				return n, nil
			}
			return nil, vfs.ErrNotFound
		},
	}

	mgr.OnDeviceRegistered = fs.addDevice
	mgr.OnDeviceRemoved = fs.removeDevice

	for _, d := range mgr.Devices() {
		fs.addDevice(d)
	}
	return fs
}

func (fs *FS) Name() string { return "devfs" }

// Mount always returns the shared devfs root, matching devfs_mount's
// "create once, reuse thereafter" behavior.
func (fs *FS) Mount(source string, flags uint32, options string) (*vfs.Node, error) {
	return fs.root, nil
}

// Unmount is a no-op: devfs's root and its device nodes outlive any
// particular mount, matching devfs_unmount's documented "don't actually
// destroy devfs_root".
func (fs *FS) Unmount(root *vfs.Node) error {
	return nil
}

func devNodeType(t devmgr.Type) vfs.NodeType {
	if t == devmgr.TypeBlock || t == devmgr.TypeStorage {
		return vfs.TypeBlockDev
	}
	return vfs.TypeCharDev
}

// addDevice creates a devfs node backed by dev and links it both into the
// index and the VFS children list, matching devfs_create_node.
func (fs *FS) addDevice(dev *devmgr.Device) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := vfs.NewNode(dev.Name, devNodeType(dev.Type))
	node.Perm = 0666
	node.DevMajor = dev.Major
	node.DevMinor = dev.Minor
	node.Private = dev
	node.Ops = fileOps()

	if err := fs.root.AddChild(node); err != nil {
		fs.log.WithError(err).WithField("device", dev.Name).Warn("devfs: could not add node")
		return
	}
	fs.index, _, _ = fs.index.Insert([]byte(dev.Name), node)
	fs.log.WithField("device", dev.Name).Debug("devfs: node created")
}

// removeDevice unlinks dev's node, matching devfs_remove_node.
func (fs *FS) removeDevice(dev *devmgr.Device) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	v, ok := fs.index.Get([]byte(dev.Name))
	if !ok {
		return
	}
	node := v.(*vfs.Node)
	fs.index, _, _ = fs.index.Delete([]byte(dev.Name))
	if err := fs.root.RemoveChild(node); err != nil {
		fs.log.WithError(err).WithField("device", dev.Name).Warn("devfs: could not remove node")
	}
}

// Lookup resolves a single path component against the radix index,
// letting the VFS path walker skip the root's children linked list for
// devfs specifically (the tree-scan fallback in vfs.VFS.Lookup still
// works, but this is the O(log n) path devfs uses in practice).
func (fs *FS) Lookup(name string) (*vfs.Node, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.index.Get([]byte(name))
	if !ok {
		return nil, false
	}
	return v.(*vfs.Node), true
}

// fileOps builds the devfs file operation vtable, matching
// devfs_read/devfs_write/devfs_ioctl_handler/devfs_open_handler/
// devfs_close_handler: every operation dereferences the node's Private
// field back to the backing *devmgr.Device.
func fileOps() *vfs.Ops {
	return &vfs.Ops{
		Read: func(f *vfs.File, buf []byte) (int64, error) {
			dev, ok := f.Node.Private.(*devmgr.Device)
			if !ok {
				return 0, fmt.Errorf("devfs: node has no backing device")
			}
			n, err := dev.Read(buf, uint64(f.Offset))
			if n > 0 {
				f.Offset += n
			}
			return n, err
		},
		Write: func(f *vfs.File, buf []byte) (int64, error) {
			dev, ok := f.Node.Private.(*devmgr.Device)
			if !ok {
				return 0, fmt.Errorf("devfs: node has no backing device")
			}
			n, err := dev.Write(buf, uint64(f.Offset))
			if n > 0 {
				f.Offset += n
			}
			return n, err
		},
		Ioctl: func(f *vfs.File, request uint64, arg any) (int, error) {
			dev, ok := f.Node.Private.(*devmgr.Device)
			if !ok {
				return -1, fmt.Errorf("devfs: node has no backing device")
			}
			return dev.Ioctl(request, arg)
		},
		Open: func(n *vfs.Node, f *vfs.File, flags int) error {
			dev, ok := n.Private.(*devmgr.Device)
			if !ok {
				return fmt.Errorf("devfs: node has no backing device")
			}
			return dev.Open(flags)
		},
		Close: func(f *vfs.File) error {
			dev, ok := f.Node.Private.(*devmgr.Device)
			if !ok {
				return fmt.Errorf("devfs: node has no backing device")
			}
			return dev.CloseDevice()
		},
	}
}
