package syscallgate

import "time"

func sleepNanoseconds(ns uint64) {
	time.Sleep(time.Duration(ns) * time.Nanosecond)
}

// Linux syscall numbers used by the emulation table, per spec.md §6 and
// original_source/src/kernel/linux_syscall.h's LINUX_SYS_* defines.
const (
	linuxRead         = 0
	linuxWrite        = 1
	linuxOpen         = 2
	linuxClose        = 3
	linuxFstat        = 5
	linuxMmap         = 9
	linuxMunmap       = 11
	linuxBrk          = 12
	linuxIoctl        = 16
	linuxNanosleep    = 35
	linuxGetpid       = 39
	linuxExit         = 60
	linuxUname        = 63
	linuxGetcwd       = 79
	linuxSysinfo      = 99
	linuxGetuid       = 102
	linuxGetgid       = 104
	linuxGeteuid      = 107
	linuxGetegid      = 108
	linuxGetppid      = 110
	linuxArchPrctl    = 158
	linuxClockGettime = 228
	linuxExitGroup    = 231
	linuxGetrandom    = 318
)

const (
	mapAnonymous = 0x20
	tiocgwinsz   = 0x5413

	archSetFS = 0x1002
	archGetFS = 0x1003
	archSetGS = 0x1001
	archGetGS = 0x1004
)

const mapFailed = ^uint64(0)

func (g *Gate) registerLinux() {
	g.linux[linuxRead] = g.linuxSysRead
	g.linux[linuxWrite] = g.linuxSysWrite
	g.linux[linuxOpen] = g.linuxSysOpen
	g.linux[linuxClose] = g.linuxSysClose
	g.linux[linuxFstat] = g.linuxSysFstat
	g.linux[linuxMmap] = g.linuxSysMmap
	g.linux[linuxMunmap] = g.linuxSysMunmap
	g.linux[linuxBrk] = g.linuxSysBrk
	g.linux[linuxIoctl] = g.linuxSysIoctl
	g.linux[linuxNanosleep] = g.linuxSysNanosleep
	g.linux[linuxGetpid] = g.linuxSysGetpid
	g.linux[linuxExit] = g.linuxSysExit
	g.linux[linuxUname] = g.linuxSysUname
	g.linux[linuxGetcwd] = g.linuxSysGetcwd
	g.linux[linuxSysinfo] = g.linuxSysSysinfo
	g.linux[linuxGetuid] = g.linuxSysZero
	g.linux[linuxGetgid] = g.linuxSysZero
	g.linux[linuxGeteuid] = g.linuxSysZero
	g.linux[linuxGetegid] = g.linuxSysZero
	g.linux[linuxGetppid] = g.linuxSysGetppid
	g.linux[linuxArchPrctl] = g.linuxSysArchPrctl
	g.linux[linuxClockGettime] = g.linuxSysClockGettime
	g.linux[linuxExitGroup] = g.linuxSysExit
	g.linux[linuxGetrandom] = g.linuxSysGetrandom
}

// linuxSysRead matches linux_sys_read: fd 0 pulls from the keyboard
// device (here, Stdin), anything else is -EBADF (no open-file backing
// for regular fds is implemented, per linux_sys_open's stub).
func (g *Gate) linuxSysRead(args [6]uint64) uint64 {
	fd, buf, count := int(args[0]), int64(args[1]), args[2]
	if !g.isValidFD(fd) {
		return errBADF
	}
	if fd != 0 || g.Stdin == nil {
		return errBADF
	}
	tmp := make([]byte, count)
	n, err := g.Stdin.Read(tmp)
	if err != nil && n == 0 {
		return 0
	}
	g.heap.Write(buf, tmp[:n])
	return uint64(n)
}

// linuxSysWrite matches linux_sys_write: fd 1/2 go to the console,
// anything else is -EBADF.
func (g *Gate) linuxSysWrite(args [6]uint64) uint64 {
	fd, buf, count := int(args[0]), int64(args[1]), args[2]
	if !g.isValidFD(fd) {
		return errBADF
	}
	data := g.heap.Read(buf, int(count))
	switch fd {
	case 1:
		if g.Stdout == nil {
			return errBADF
		}
		n, err := g.Stdout.Write(data)
		if err != nil {
			return errBADF
		}
		return uint64(n)
	case 2:
		if g.Stderr == nil {
			return errBADF
		}
		n, err := g.Stderr.Write(data)
		if err != nil {
			return errBADF
		}
		return uint64(n)
	default:
		return errBADF
	}
}

// linuxSysOpen is a stub: there is no backing filesystem wired to the
// Linux personality, matching linux_sys_open's unconditional -ENOENT.
func (g *Gate) linuxSysOpen(args [6]uint64) uint64 {
	return errENOENT
}

func (g *Gate) linuxSysClose(args [6]uint64) uint64 {
	fd := int(args[0])
	if !g.isValidFD(fd) || fd < 3 {
		return errBADF
	}
	g.fds[fd] = fdEntry{}
	return 0
}

// linuxSysFstat reports a fixed character-device stat for console fds and
// -EBADF otherwise, matching linux_sys_fstat's minimal console-only support.
func (g *Gate) linuxSysFstat(args [6]uint64) uint64 {
	fd, statbuf := int(args[0]), int64(args[1])
	if !g.isValidFD(fd) {
		return errBADF
	}
	// linux_stat_t layout: st_mode at offset 24 is the only field the
	// original populates meaningfully for a console fd (S_IFCHR).
	const sIFCHR = 0o020000
	putU64(g.heap, statbuf+24, sIFCHR|0o644)
	return 0
}

// linuxSysMmap implements anonymous mappings by carving memory from the
// kernel heap and zeroing it; a non-anonymous request with a real fd is
// rejected, matching linux_sys_mmap's documented limitation.
func (g *Gate) linuxSysMmap(args [6]uint64) uint64 {
	length, _, flags, fd := args[1], args[2], args[3], int64(args[4])
	anonymous := flags&mapAnonymous != 0
	if !anonymous && fd >= 0 {
		return mapFailed
	}
	p := g.heap.AllocateZeroed(1, length)
	if p == -1 {
		return mapFailed
	}
	return uint64(p)
}

func (g *Gate) linuxSysMunmap(args [6]uint64) uint64 {
	g.heap.Free(int64(args[0]))
	return 0
}

// linuxSysBrk matches linux_sys_brk: addr 0 queries the current break;
// otherwise raise it as long as the result stays within the fixed
// programBreakMax window, a 16 MiB region starting at programBreakStart.
func (g *Gate) linuxSysBrk(args [6]uint64) uint64 {
	addr := args[0]
	g.mu.Lock()
	defer g.mu.Unlock()
	if addr == 0 {
		return g.programBreak
	}
	if addr < programBreakStart || addr > programBreakStart+programBreakMax {
		return g.programBreak
	}
	g.programBreak = addr
	return g.programBreak
}

// linuxSysIoctl implements TIOCGWINSZ only, matching linux_sys_ioctl;
// every other request is -ENOTTY.
func (g *Gate) linuxSysIoctl(args [6]uint64) uint64 {
	fd, request, argp := int(args[0]), args[1], int64(args[2])
	if !g.isValidFD(fd) {
		return errBADF
	}
	if request != tiocgwinsz {
		return errENOTTY
	}
	if g.display != nil {
		// struct winsize { ws_row, ws_col, ws_xpixel, ws_ypixel } uint16s.
		w, h := uint16(g.display.Width()), uint16(g.display.Height())
		b := g.heap.Bytes(argp, 8)
		b[0], b[1] = byte(h), byte(h>>8)
		b[2], b[3] = byte(w), byte(w>>8)
	}
	return 0
}

func (g *Gate) linuxSysNanosleep(args [6]uint64) uint64 {
	sec := getU64(g.heap, int64(args[0]))
	nsec := getU64(g.heap, int64(args[0])+8)
	sleepNanoseconds(sec*1_000_000_000 + nsec)
	return 0
}

func (g *Gate) linuxSysGetpid(args [6]uint64) uint64  { return 1 }
func (g *Gate) linuxSysGetppid(args [6]uint64) uint64 { return 0 }
func (g *Gate) linuxSysZero(args [6]uint64) uint64    { return 0 }

func (g *Gate) linuxSysExit(args [6]uint64) uint64 {
	g.mu.Lock()
	onExit := g.onExit
	g.mu.Unlock()
	if onExit != nil {
		onExit(int32(args[0]))
	}
	return 0
}

// linuxSysUname writes fixed identification strings matching
// linux_sys_uname's hardcoded NBOS identity, each field 65 bytes wide
// per linux_utsname_t.
func (g *Gate) linuxSysUname(args [6]uint64) uint64 {
	const fieldLen = 65
	buf := int64(args[0])
	fields := []string{"NBOS", "nbos", "1.0.0", "#1 NBOS 1.0.0", "x86_64", "(none)"}
	for i, s := range fields {
		off := buf + int64(i*fieldLen)
		b := make([]byte, fieldLen)
		copy(b, s)
		g.heap.Write(off, b)
	}
	return 0
}

// linuxSysGetcwd always reports "/", matching the original's flat
// single-directory filesystem model on the Linux personality.
func (g *Gate) linuxSysGetcwd(args [6]uint64) uint64 {
	buf, size := int64(args[0]), args[1]
	if size < 2 {
		return errERANGE
	}
	g.heap.Write(buf, []byte("/\x00"))
	return uint64(buf)
}

// linuxSysSysinfo fills totalram/freeram from the heap's own stats,
// reporting a single fake process, matching linux_sys_sysinfo.
func (g *Gate) linuxSysSysinfo(args [6]uint64) uint64 {
	s := g.heap.Stats()
	buf := int64(args[0])
	// linux_sysinfo_t: uptime(8), loads[3](24), totalram(8), freeram(8),
	// sharedram(8), bufferram(8), totalswap(8), freeswap(8), procs(2)+pad,
	// totalhigh(8), freehigh(8), mem_unit(4).
	putU64(g.heap, buf+0, 0)
	putU64(g.heap, buf+8+24, s.TotalSize)
	putU64(g.heap, buf+8+24+8, s.FreeSize)
	putU64(g.heap, buf+8+24+8+8+8+8+8+8, 1) // procs
	return 0
}

// linuxSysArchPrctl models FS/GS base storage as plain Gate fields since
// there is no real segment register to program; no pointer validation is
// performed on the addr argument for the *_GET_* codes, matching the
// original's documented lack of userspace pointer checks.
func (g *Gate) linuxSysArchPrctl(args [6]uint64) uint64 {
	code, addr := args[0], args[1]
	g.mu.Lock()
	defer g.mu.Unlock()
	switch code {
	case archSetFS:
		g.fsBase = addr
		return 0
	case archGetFS:
		putU64(g.heap, int64(addr), g.fsBase)
		return 0
	case archSetGS:
		g.gsBase = addr
		return 0
	case archGetGS:
		putU64(g.heap, int64(addr), g.gsBase)
		return 0
	default:
		return errEINVAL
	}
}

// linuxSysClockGettime derives a fake timespec from the uptime tick
// counter, matching linux_sys_clock_gettime's system_ticks-driven clock.
func (g *Gate) linuxSysClockGettime(args [6]uint64) uint64 {
	buf := int64(args[1])
	g.mu.Lock()
	ticks := g.systemTicks
	g.mu.Unlock()
	putU64(g.heap, buf, ticks/1000)
	putU64(g.heap, buf+8, (ticks%1000)*1_000_000)
	return 0
}

// linuxSysGetrandom fills the caller's buffer using the same
// non-cryptographic LCG as the original (seed*6364136223846793005 +
// 1442695040888963407, bits 33-40 of each successive seed), seeded from
// a fixed constant — deliberately not a secure RNG, matching
// linux_sys_getrandom exactly.
func (g *Gate) linuxSysGetrandom(args [6]uint64) uint64 {
	buf, count := int64(args[0]), args[1]
	g.mu.Lock()
	seed := g.randSeed
	out := make([]byte, count)
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = byte(seed >> 33)
	}
	g.randSeed = seed
	g.mu.Unlock()
	g.heap.Write(buf, out)
	return count
}

// Tick advances the uptime counter driving clock_gettime/sysinfo,
// matching linux_syscall_tick's timer-driven counter.
func (g *Gate) Tick() {
	g.mu.Lock()
	g.systemTicks++
	g.mu.Unlock()
}
