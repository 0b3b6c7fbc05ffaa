package syscallgate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbos-project/kernelcore/heap"
	"github.com/nbos-project/kernelcore/interrupt"
)

func newGate() (*Gate, *heap.Heap, *bytes.Buffer) {
	h := heap.New(64 * 1024)
	var out bytes.Buffer
	g := New(h)
	g.Stdout = &out
	return g, h, &out
}

// TestLinuxWriteSyscall is spec.md §8 scenario 5: with linux_mode=true,
// syscall 1 (write) on fd=1 with a pointer to "hi\n" returns 3 and the
// bytes appear on the console.
func TestLinuxWriteSyscall(t *testing.T) {
	g, h, out := newGate()
	g.SetLinuxMode(true)

	p := h.Allocate(8)
	h.Write(p, []byte("hi\n"))

	f := &interrupt.Frame{
		Vector: interrupt.SyscallVector,
		RAX:    1,
		RDI:    1,
		RSI:    uint64(p),
		RDX:    3,
	}
	g.Dispatch(f)

	require.Equal(t, uint64(3), f.RAX)
	require.Equal(t, "hi\n", out.String())
}

// TestUnknownNativeSyscall is spec.md §8 scenario 6: with linux_mode=false,
// syscall 63 is unregistered in the 64-slot native table and returns -1
// with no side effects.
func TestUnknownNativeSyscall(t *testing.T) {
	g, _, out := newGate()
	g.SetLinuxMode(false)

	f := &interrupt.Frame{Vector: interrupt.SyscallVector, RAX: 63}
	g.Dispatch(f)

	require.Equal(t, ^uint64(0), f.RAX)
	require.Empty(t, out.String())
}

// TestLinuxModeFlagIsGlobalAndTogglesDispatch exercises the §8 universal
// invariant: after linux_mode=true, syscall 39 (linux getpid) returns 1;
// after linux_mode=false, syscall 7 (native getpid) also returns 1.
func TestLinuxModeFlagIsGlobalAndTogglesDispatch(t *testing.T) {
	g, _, _ := newGate()

	g.SetLinuxMode(true)
	f := &interrupt.Frame{Vector: interrupt.SyscallVector, RAX: 39}
	g.Dispatch(f)
	require.Equal(t, uint64(1), f.RAX)

	g.SetLinuxMode(false)
	f2 := &interrupt.Frame{Vector: interrupt.SyscallVector, RAX: 7}
	g.Dispatch(f2)
	require.Equal(t, uint64(1), f2.RAX)
}

func TestNativeMallocAndFreeRoundtrip(t *testing.T) {
	g, h, _ := newGate()
	f := &interrupt.Frame{RAX: sysMalloc, RDI: 64}
	g.Dispatch(f)
	require.NotEqual(t, ^uint64(0), f.RAX)

	statsBefore := h.Stats()
	require.Greater(t, statsBefore.UsedSize, uint64(0))

	f2 := &interrupt.Frame{RAX: sysFree, RDI: f.RAX}
	g.Dispatch(f2)
	statsAfter := h.Stats()
	require.Less(t, statsAfter.UsedSize, statsBefore.UsedSize)
	require.Equal(t, statsBefore.TotalSize, statsAfter.TotalSize)
}

func TestLinuxUnimplementedSyscallReturnsENOSYS(t *testing.T) {
	g, _, _ := newGate()
	g.SetLinuxMode(true)
	f := &interrupt.Frame{RAX: 200} // tkill, unimplemented
	g.Dispatch(f)
	require.Equal(t, ^uint64(38)+1, f.RAX)
}

func TestLinuxBrkQueryAndRaise(t *testing.T) {
	g, _, _ := newGate()
	g.SetLinuxMode(true)

	f := &interrupt.Frame{RAX: linuxBrk, RDI: 0}
	g.Dispatch(f)
	require.Equal(t, uint64(programBreakStart), f.RAX)

	f2 := &interrupt.Frame{RAX: linuxBrk, RDI: programBreakStart + 0x1000}
	g.Dispatch(f2)
	require.Equal(t, uint64(programBreakStart+0x1000), f2.RAX)

	f3 := &interrupt.Frame{RAX: linuxBrk, RDI: programBreakStart + programBreakMax + 1}
	g.Dispatch(f3)
	require.Equal(t, uint64(programBreakStart+0x1000), f3.RAX)
}

func TestLinuxGetrandomIsDeterministicFromFixedSeed(t *testing.T) {
	g1, h1, _ := newGate()
	g1.SetLinuxMode(true)
	p1 := h1.Allocate(16)
	f1 := &interrupt.Frame{RAX: linuxGetrandom, RDI: uint64(p1), RSI: 16}
	g1.Dispatch(f1)

	g2, h2, _ := newGate()
	g2.SetLinuxMode(true)
	p2 := h2.Allocate(16)
	f2 := &interrupt.Frame{RAX: linuxGetrandom, RDI: uint64(p2), RSI: 16}
	g2.Dispatch(f2)

	require.Equal(t, f1.RAX, f2.RAX)
	require.Equal(t, h1.Read(p1, 16), h2.Read(p2, 16))
}

func TestLinuxMmapAnonymousZeroesAndAllocates(t *testing.T) {
	g, h, _ := newGate()
	g.SetLinuxMode(true)
	f := &interrupt.Frame{RAX: linuxMmap, RSI: 32, R10: mapAnonymous, R8: ^uint64(0)}
	g.Dispatch(f)
	require.NotEqual(t, mapFailed, f.RAX)
	require.Equal(t, make([]byte, 32), h.Read(int64(f.RAX), 32))
}

func TestLinuxMmapNonAnonymousWithFDFails(t *testing.T) {
	g, _, _ := newGate()
	g.SetLinuxMode(true)
	f := &interrupt.Frame{RAX: linuxMmap, RSI: 32, R10: 0, R8: 3}
	g.Dispatch(f)
	require.Equal(t, mapFailed, f.RAX)
}

func TestLinuxUnameReportsFixedIdentity(t *testing.T) {
	g, h, _ := newGate()
	g.SetLinuxMode(true)
	buf := h.Allocate(6 * 65)
	f := &interrupt.Frame{RAX: linuxUname, RDI: uint64(buf)}
	g.Dispatch(f)
	require.Equal(t, uint64(0), f.RAX)
	sysname := h.Read(buf, 4)
	require.Equal(t, "NBOS", string(sysname))
}
