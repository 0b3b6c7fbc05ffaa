// Package syscallgate implements the dual-personality system call
// dispatcher described in spec.md §4.7: a native 64-slot table and a
// Linux-numbered 512-slot table, selected by a single process-wide
// linux_mode flag, both invoked from the interrupt table's syscall vector
// (0x80). Grounded on original_source/src/kernel/syscall.c and
// linux_syscall.c/h.
//
// Pointer-valued arguments (buffers, struct addresses) are offsets into
// the kernel heap arena (heap.Heap), the same memory backing kmalloc —
// there is no separate user address space in the hosted simulation.
package syscallgate

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nbos-project/kernelcore/heap"
	"github.com/nbos-project/kernelcore/interrupt"
)

const (
	NumNativeSyscalls = 64
	NumLinuxSyscalls  = 512
	maxFDs            = 16

	programBreakStart = 0x800000
	programBreakMax   = 0x1000000
)

// fd descriptor kinds, matching fd_table's type field.
const (
	fdClosed = iota
	fdConsole
)

type fdEntry struct {
	inUse bool
	kind  int
	pos   uint64
}

// Handler is a syscall implementation: six raw argument registers in,
// one raw result register out. Negative results are represented as the
// two's-complement uint64 that RAX would hold, matching the hardware ABI.
type Handler func(args [6]uint64) uint64

// Linux errno-style negative return values used throughout §4.7.
const (
	errBADF  = ^uint64(9) + 1  // -9
	errENOENT = ^uint64(2) + 1 // -2
	errENOSYS = ^uint64(38) + 1 // -38
	errEINVAL = ^uint64(22) + 1 // -22
	errENOTTY = ^uint64(25) + 1 // -25
	errERANGE = ^uint64(34) + 1 // -34
)

// Gate owns both dispatch tables, the 16-entry FD table, the program
// break cursor, and the getrandom LCG state — all singletons per
// spec.md §5's shared-resource policy.
type Gate struct {
	mu sync.Mutex

	native [NumNativeSyscalls]Handler
	linux  [NumLinuxSyscalls]Handler

	linuxMode bool

	heap *heap.Heap

	fds [maxFDs]fdEntry

	programBreak uint64
	randSeed     uint64

	display  Display
	keyboard Keyboard
	onExit   func(code int32)

	fsBase, gsBase uint64
	systemTicks    uint64

	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	log *logrus.Entry
}

// putU64 writes a little-endian uint64 into the heap arena at offset p.
func putU64(h *heap.Heap, p int64, v uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	h.Write(p, b[:])
}

// getU64 reads a little-endian uint64 out of the heap arena at offset p.
func getU64(h *heap.Heap, p int64) uint64 {
	b := h.Read(p, 8)
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// New constructs a Gate backed by h for all heap-touching syscalls
// (malloc/free/mmap/brk/...).
func New(h *heap.Heap) *Gate {
	g := &Gate{
		heap:         h,
		programBreak: programBreakStart,
		randSeed:     12345678901234567,
		log:          logrus.WithField("component", "syscallgate"),
	}
	g.fds[0] = fdEntry{inUse: true, kind: fdConsole}
	g.fds[1] = fdEntry{inUse: true, kind: fdConsole}
	g.fds[2] = fdEntry{inUse: true, kind: fdConsole}

	g.registerNative()
	g.registerLinux()
	return g
}

// SetLinuxMode toggles linux_mode. There is exactly one flag for the
// whole process, per spec.md §9d's documented limitation (preserved as an
// Open Question, not fixed): a mixed-ABI process is not supported.
func (g *Gate) SetLinuxMode(enable bool) {
	g.mu.Lock()
	g.linuxMode = enable
	g.mu.Unlock()
}

func (g *Gate) LinuxMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.linuxMode
}

// RegisterNative installs a handler at a native syscall slot, letting the
// shell or SDK shim add entries beyond the built-in set.
func (g *Gate) RegisterNative(num int, h Handler) error {
	if num < 0 || num >= NumNativeSyscalls {
		return fmt.Errorf("syscallgate: native syscall %d out of range", num)
	}
	g.mu.Lock()
	g.native[num] = h
	g.mu.Unlock()
	return nil
}

// Dispatch is the entry point the interrupt table's vector-0x80 handler
// calls, matching syscall_handler: reads the syscall number and the six
// ABI argument registers from the frame, routes to native or Linux based
// on linux_mode, and writes the result back into RAX.
func (g *Gate) Dispatch(f *interrupt.Frame) {
	g.mu.Lock()
	linuxMode := g.linuxMode
	g.mu.Unlock()

	args := [6]uint64{f.RDI, f.RSI, f.RDX, f.R10, f.R8, f.R9}
	num := f.RAX

	if linuxMode {
		f.RAX = g.dispatchLinux(num, args)
		return
	}
	f.RAX = g.dispatchNative(num, args)
}

func (g *Gate) dispatchNative(num uint64, args [6]uint64) uint64 {
	if num >= NumNativeSyscalls {
		return ^uint64(0) // -1, unknown syscall
	}
	g.mu.Lock()
	h := g.native[num]
	g.mu.Unlock()
	if h == nil {
		return ^uint64(0)
	}
	return h(args)
}

func (g *Gate) dispatchLinux(num uint64, args [6]uint64) uint64 {
	if num >= NumLinuxSyscalls {
		g.log.WithField("num", num).Warn("unimplemented linux syscall")
		return errENOSYS
	}
	g.mu.Lock()
	h := g.linux[num]
	g.mu.Unlock()
	if h == nil {
		g.log.WithField("num", num).Warn("unimplemented linux syscall")
		return errENOSYS
	}
	return h(args)
}

func (g *Gate) isValidFD(fd int) bool {
	return fd >= 0 && fd < maxFDs && g.fds[fd].inUse
}

func (g *Gate) allocFD() int {
	for i := 3; i < maxFDs; i++ {
		if !g.fds[i].inUse {
			g.fds[i].inUse = true
			g.fds[i].kind = 2
			return i
		}
	}
	return -1
}
