package devfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbos-project/kernelcore/devmgr"
	"github.com/nbos-project/kernelcore/vfs"
)

func TestMountExposesPreexistingDevicesUnderDev(t *testing.T) {
	mgr := devmgr.New()
	require.NoError(t, mgr.RegisterDevice(devmgr.CreateDevice("null", devmgr.TypeChar, devmgr.MajorNull, 0)))

	fs := New(mgr)
	v := vfs.New()
	require.NoError(t, v.RegisterFilesystem(fs))
	require.NoError(t, v.Mkdir("/dev", 0755))
	require.NoError(t, v.Mount("none", "/dev", "devfs", 0, ""))

	node := v.Lookup("/dev/null")
	require.NotNil(t, node)
	require.Equal(t, vfs.TypeCharDev, node.Type)
}

func TestDeviceNodePermissionsAre0666(t *testing.T) {
	mgr := devmgr.New()
	require.NoError(t, mgr.RegisterDevice(devmgr.CreateDevice("null", devmgr.TypeChar, devmgr.MajorNull, 0)))

	fs := New(mgr)
	v := vfs.New()
	require.NoError(t, v.RegisterFilesystem(fs))
	require.NoError(t, v.Mkdir("/dev", 0755))
	require.NoError(t, v.Mount("none", "/dev", "devfs", 0, ""))

	node := v.Lookup("/dev/null")
	require.NotNil(t, node)
	require.Equal(t, uint32(0666), node.Perm)
}

func TestDeviceRegisteredAfterMountAppearsInDevfs(t *testing.T) {
	mgr := devmgr.New()
	fs := New(mgr)
	v := vfs.New()
	require.NoError(t, v.RegisterFilesystem(fs))
	require.NoError(t, v.Mkdir("/dev", 0755))
	require.NoError(t, v.Mount("none", "/dev", "devfs", 0, ""))

	require.Nil(t, v.Lookup("/dev/rand"))
	require.NoError(t, mgr.RegisterDevice(devmgr.CreateDevice("rand", devmgr.TypeChar, devmgr.MajorRandom, 0)))
	require.NotNil(t, v.Lookup("/dev/rand"))
}

func TestDevfsReadDelegatesToBackingDevice(t *testing.T) {
	mgr := devmgr.New()
	dev := devmgr.CreateDevice("zero", devmgr.TypeChar, devmgr.MajorNull, 1)
	dev.Ops = &devmgr.Ops{
		Read: func(d *devmgr.Device, buf []byte, offset uint64) (int64, error) {
			for i := range buf {
				buf[i] = 0
			}
			return int64(len(buf)), nil
		},
	}
	require.NoError(t, mgr.RegisterDevice(dev))

	fs := New(mgr)
	v := vfs.New()
	require.NoError(t, v.RegisterFilesystem(fs))
	require.NoError(t, v.Mkdir("/dev", 0755))
	require.NoError(t, v.Mount("none", "/dev", "devfs", 0, ""))

	f, err := v.Open("/dev/zero", vfs.ORDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestRemoveDeviceUnlinksNode(t *testing.T) {
	mgr := devmgr.New()
	dev := devmgr.CreateDevice("tmp", devmgr.TypeChar, 0, 0)
	require.NoError(t, mgr.RegisterDevice(dev))

	fs := New(mgr)
	v := vfs.New()
	require.NoError(t, v.RegisterFilesystem(fs))
	require.NoError(t, v.Mkdir("/dev", 0755))
	require.NoError(t, v.Mount("none", "/dev", "devfs", 0, ""))
	require.NotNil(t, v.Lookup("/dev/tmp"))

	require.NoError(t, mgr.UnregisterDevice(dev))
	require.Nil(t, v.Lookup("/dev/tmp"))
}
