package syscallgate

import (
	"time"
)

// Native syscall numbers, per spec.md §6 — fixed indices into the
// 64-slot table, grounded on original_source/src/kernel/syscall.c's
// SYS_* defines.
const (
	sysExit     = 0
	sysPrint    = 1
	sysGetkey   = 2
	sysKbhit    = 3
	sysMalloc   = 4
	sysFree     = 5
	sysSleep    = 6
	sysGetpid   = 7
	sysRead     = 8
	sysWrite    = 9
	sysPutpixel = 10
	sysGetpixel = 11
	sysClear    = 12
	sysGetwidth = 13
	sysGetheight = 14
	sysDrawline = 15
	sysDrawrect = 16
	sysFillrect = 17
	sysDrawtext = 18
	sysGetfb    = 19
	sysMeminfo  = 40
	sysRealloc  = 41
	sysCalloc   = 42
)

// Display is the framebuffer/keyboard surface backing the native video
// and input syscalls. A nil Display leaves those syscalls returning -1,
// matching an unpopulated native driver table.
type Display interface {
	Width() int
	Height() int
	PutPixel(x, y int, color uint32)
	GetPixel(x, y int) uint32
	Clear(color uint32)
	DrawLine(x0, y0, x1, y1 int, color uint32)
	DrawRect(x, y, w, h int, color uint32)
	FillRect(x, y, w, h int, color uint32)
	DrawText(x, y int, text string, color uint32)
	// FBAddr returns the heap offset of the raw framebuffer backing
	// store, mirroring sys_getfb's "hand back a pointer" contract.
	FBAddr() int64
}

// Keyboard is the input surface backing getkey/kbhit.
type Keyboard interface {
	HasKey() bool
	GetKey() byte
}

func (g *Gate) SetDisplay(d Display)   { g.mu.Lock(); g.display = d; g.mu.Unlock() }
func (g *Gate) SetKeyboard(k Keyboard) { g.mu.Lock(); g.keyboard = k; g.mu.Unlock() }

// SetProcessExit installs the callback the exit syscalls report through;
// matches syscall_set_program_running/syscall_get_exit_code's pairing.
func (g *Gate) SetProcessExit(fn func(code int32)) {
	g.mu.Lock()
	g.onExit = fn
	g.mu.Unlock()
}

func (g *Gate) registerNative() {
	g.native[sysExit] = g.sysExitHandler
	g.native[sysPrint] = g.sysPrint
	g.native[sysGetkey] = g.sysGetkey
	g.native[sysKbhit] = g.sysKbhit
	g.native[sysMalloc] = g.sysMalloc
	g.native[sysFree] = g.sysFree
	g.native[sysSleep] = g.sysSleep
	g.native[sysGetpid] = g.sysGetpid
	g.native[sysRead] = g.sysReadNative
	g.native[sysWrite] = g.sysWriteNative
	g.native[sysPutpixel] = g.sysPutpixel
	g.native[sysGetpixel] = g.sysGetpixel
	g.native[sysClear] = g.sysClear
	g.native[sysGetwidth] = g.sysGetwidth
	g.native[sysGetheight] = g.sysGetheight
	g.native[sysDrawline] = g.sysDrawline
	g.native[sysDrawrect] = g.sysDrawrect
	g.native[sysFillrect] = g.sysFillrect
	g.native[sysDrawtext] = g.sysDrawtext
	g.native[sysGetfb] = g.sysGetfb
	g.native[sysMeminfo] = g.sysMeminfo
	g.native[sysRealloc] = g.sysRealloc
	g.native[sysCalloc] = g.sysCalloc
}

func (g *Gate) sysExitHandler(args [6]uint64) uint64 {
	g.mu.Lock()
	onExit := g.onExit
	g.mu.Unlock()
	if onExit != nil {
		onExit(int32(args[0]))
	}
	return 0
}

// sysPrint writes a NUL-terminated string read out of the heap to stdout,
// matching sys_print's direct VGA-text-mode write collapsed onto Stdout.
func (g *Gate) sysPrint(args [6]uint64) uint64 {
	if g.Stdout == nil {
		return ^uint64(0)
	}
	str := g.readCString(int64(args[0]))
	n, err := g.Stdout.Write([]byte(str))
	if err != nil {
		return ^uint64(0)
	}
	return uint64(n)
}

// readCString reads bytes from the heap arena starting at p until a NUL,
// bounded defensively against runaway reads on a corrupt pointer.
func (g *Gate) readCString(p int64) string {
	const maxLen = 4096
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b := g.heap.Read(p+int64(i), 1)
		if len(b) == 0 || b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

func (g *Gate) sysGetkey(args [6]uint64) uint64 {
	g.mu.Lock()
	kb := g.keyboard
	g.mu.Unlock()
	if kb == nil || !kb.HasKey() {
		return ^uint64(0)
	}
	return uint64(kb.GetKey())
}

func (g *Gate) sysKbhit(args [6]uint64) uint64 {
	g.mu.Lock()
	kb := g.keyboard
	g.mu.Unlock()
	if kb == nil {
		return 0
	}
	if kb.HasKey() {
		return 1
	}
	return 0
}

func (g *Gate) sysMalloc(args [6]uint64) uint64 {
	p := g.heap.Allocate(args[0])
	return uint64(p)
}

func (g *Gate) sysFree(args [6]uint64) uint64 {
	g.heap.Free(int64(args[0]))
	return 0
}

func (g *Gate) sysRealloc(args [6]uint64) uint64 {
	p := g.heap.Reallocate(int64(args[0]), args[1])
	return uint64(p)
}

func (g *Gate) sysCalloc(args [6]uint64) uint64 {
	p := g.heap.AllocateZeroed(args[0], args[1])
	return uint64(p)
}

// sysSleep blocks the calling goroutine for the requested milliseconds
// with time.Sleep and returns only once that time has passed. A real
// kernel would reschedule; the hosted simulation has no scheduler to
// yield to, matching sys_sleep's documented single-threaded model.
func (g *Gate) sysSleep(args [6]uint64) uint64 {
	time.Sleep(time.Duration(args[0]) * time.Millisecond)
	return 0
}

func (g *Gate) sysGetpid(args [6]uint64) uint64 {
	return 1
}

func (g *Gate) sysReadNative(args [6]uint64) uint64 {
	fd, buf, n := int(args[0]), int64(args[1]), args[2]
	if fd != 0 || g.Stdin == nil {
		return ^uint64(0)
	}
	tmp := make([]byte, n)
	r, err := g.Stdin.Read(tmp)
	if err != nil && r == 0 {
		return 0
	}
	g.heap.Write(buf, tmp[:r])
	return uint64(r)
}

func (g *Gate) sysWriteNative(args [6]uint64) uint64 {
	fd, buf, n := int(args[0]), int64(args[1]), args[2]
	if fd == 1 && g.Stdout != nil {
		data := g.heap.Read(buf, int(n))
		wn, err := g.Stdout.Write(data)
		if err != nil {
			return ^uint64(0)
		}
		return uint64(wn)
	}
	if fd == 2 && g.Stderr != nil {
		data := g.heap.Read(buf, int(n))
		wn, err := g.Stderr.Write(data)
		if err != nil {
			return ^uint64(0)
		}
		return uint64(wn)
	}
	return ^uint64(0)
}

func (g *Gate) sysPutpixel(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	g.display.PutPixel(int(int32(args[0])), int(int32(args[1])), uint32(args[2]))
	return 0
}

func (g *Gate) sysGetpixel(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	return uint64(g.display.GetPixel(int(int32(args[0])), int(int32(args[1]))))
}

func (g *Gate) sysClear(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	g.display.Clear(uint32(args[0]))
	return 0
}

func (g *Gate) sysGetwidth(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	return uint64(g.display.Width())
}

func (g *Gate) sysGetheight(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	return uint64(g.display.Height())
}

func (g *Gate) sysDrawline(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	g.display.DrawLine(int(int32(args[0])), int(int32(args[1])), int(int32(args[2])), int(int32(args[3])), uint32(args[4]))
	return 0
}

func (g *Gate) sysDrawrect(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	g.display.DrawRect(int(int32(args[0])), int(int32(args[1])), int(int32(args[2])), int(int32(args[3])), uint32(args[4]))
	return 0
}

func (g *Gate) sysFillrect(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	g.display.FillRect(int(int32(args[0])), int(int32(args[1])), int(int32(args[2])), int(int32(args[3])), uint32(args[4]))
	return 0
}

func (g *Gate) sysDrawtext(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	text := g.readCString(int64(args[2]))
	g.display.DrawText(int(int32(args[0])), int(int32(args[1])), text, uint32(args[3]))
	return 0
}

func (g *Gate) sysGetfb(args [6]uint64) uint64 {
	if g.display == nil {
		return ^uint64(0)
	}
	return uint64(g.display.FBAddr())
}

// sysMeminfo writes a {total, used, free} triple of uint64s to the
// caller-supplied buffer, matching sys_meminfo's HeapStats snapshot.
func (g *Gate) sysMeminfo(args [6]uint64) uint64 {
	s := g.heap.Stats()
	buf := args[0]
	putU64(g.heap, int64(buf), s.TotalSize)
	putU64(g.heap, int64(buf)+8, s.UsedSize)
	putU64(g.heap, int64(buf)+16, s.FreeSize)
	return 0
}
