package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbos-project/kernelcore/devmgr"
	"github.com/nbos-project/kernelcore/interrupt"
	"github.com/nbos-project/kernelcore/vfs"
)

func newTestKernel(t *testing.T) *Kernel {
	k := NewWithHeapSize(1024 * 1024)
	require.NoError(t, k.Init())
	t.Cleanup(func() { _ = k.Shutdown() })
	return k
}

func TestInitWiresDevfsUnderDev(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Devices.RegisterDevice(devmgr.CreateDevice("tty0", devmgr.TypeChar, devmgr.MajorTTY, 0)))

	node := k.VFS.Lookup("/dev/tty0")
	require.NotNil(t, node)
	require.Equal(t, vfs.TypeCharDev, node.Type)
}

func TestInitRejectsDoubleInit(t *testing.T) {
	k := newTestKernel(t)
	require.Error(t, k.Init())
}

// TestSyscallVectorDispatchesThroughGate exercises the wiring spec.md §6
// describes: raising vector 0x80 on the interrupt table reaches the
// syscall gate and writes a result back into RAX.
func TestSyscallVectorDispatchesThroughGate(t *testing.T) {
	k := newTestKernel(t)
	f := &interrupt.Frame{Vector: interrupt.SyscallVector, RAX: 7} // native getpid
	require.NoError(t, k.Interrupts.Raise(f))
	require.Equal(t, uint64(1), f.RAX)
}

func TestSecondShutdownFails(t *testing.T) {
	k := newTestKernel(t)
	require.NoError(t, k.Shutdown())
	require.Error(t, k.Shutdown())
}
