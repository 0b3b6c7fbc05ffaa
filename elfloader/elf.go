// Package elfloader validates, loads, and relocates ELF64 x86_64 images:
// executables (ET_EXEC/ET_DYN) for the shell's exec path and relocatable
// objects (ET_REL) for the module loader. Structure layout and algorithms
// are taken field-for-field from original_source/src/kernel/elf.c/elf.h.
package elfloader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ELF identification / type / machine constants (elf.h).
const (
	elfMagic = 0x464C457F // "\x7FELF" little-endian

	ELFCLASS64  = 2
	ELFDATA2LSB = 1
	EM_X86_64   = 62

	ET_NONE = 0
	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3
)

// Program header types/flags.
const (
	PT_NULL = 0
	PT_LOAD = 1
)

// Section header types/flags.
const (
	SHT_NULL    = 0
	SHT_SYMTAB  = 2
	SHT_STRTAB  = 3
	SHT_RELA    = 4
	SHT_NOBITS  = 8
	SHF_ALLOC   = 0x2
	SHF_WRITE   = 0x1
	SHF_EXECINS = 0x4
)

// x86_64 relocation types (elf.h).
const (
	R_X86_64_NONE  = 0
	R_X86_64_64    = 1
	R_X86_64_PC32  = 2
	R_X86_64_PLT32 = 4
	R_X86_64_32    = 10
	R_X86_64_32S   = 11
)

// Status is the outcome of Validate.
type Status int

const (
	StatusOK Status = iota
	StatusInvalid
	StatusUnsupported
)

var (
	ErrInvalid        = errors.New("elfloader: invalid ELF file")
	ErrUnsupported    = errors.New("elfloader: unsupported ELF class/endianness/machine")
	ErrSymbolNotFound = errors.New("elfloader: undefined symbol could not be resolved")
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

type ehdr struct {
	ident     [16]byte
	etype     uint16
	machine   uint16
	version   uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

func parseEhdr(b []byte) (ehdr, error) {
	var h ehdr
	if len(b) < ehdrSize {
		return h, ErrInvalid
	}
	copy(h.ident[:], b[0:16])
	if binary.LittleEndian.Uint32(b[0:4]) != elfMagic {
		return h, ErrInvalid
	}
	h.etype = binary.LittleEndian.Uint16(b[16:18])
	h.machine = binary.LittleEndian.Uint16(b[18:20])
	h.version = binary.LittleEndian.Uint32(b[20:24])
	h.entry = binary.LittleEndian.Uint64(b[24:32])
	h.phoff = binary.LittleEndian.Uint64(b[32:40])
	h.shoff = binary.LittleEndian.Uint64(b[40:48])
	h.flags = binary.LittleEndian.Uint32(b[48:52])
	h.ehsize = binary.LittleEndian.Uint16(b[52:54])
	h.phentsize = binary.LittleEndian.Uint16(b[54:56])
	h.phnum = binary.LittleEndian.Uint16(b[56:58])
	h.shentsize = binary.LittleEndian.Uint16(b[58:60])
	h.shnum = binary.LittleEndian.Uint16(b[60:62])
	h.shstrndx = binary.LittleEndian.Uint16(b[62:64])
	return h, nil
}

type phdr struct {
	ptype  uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func parsePhdr(b []byte) phdr {
	return phdr{
		ptype:  binary.LittleEndian.Uint32(b[0:4]),
		flags:  binary.LittleEndian.Uint32(b[4:8]),
		offset: binary.LittleEndian.Uint64(b[8:16]),
		vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		paddr:  binary.LittleEndian.Uint64(b[24:32]),
		filesz: binary.LittleEndian.Uint64(b[32:40]),
		memsz:  binary.LittleEndian.Uint64(b[40:48]),
		align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

type shdr struct {
	name      uint32
	stype     uint32
	flags     uint64
	addr      uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

func parseShdr(b []byte) shdr {
	return shdr{
		name:      binary.LittleEndian.Uint32(b[0:4]),
		stype:     binary.LittleEndian.Uint32(b[4:8]),
		flags:     binary.LittleEndian.Uint64(b[8:16]),
		addr:      binary.LittleEndian.Uint64(b[16:24]),
		offset:    binary.LittleEndian.Uint64(b[24:32]),
		size:      binary.LittleEndian.Uint64(b[32:40]),
		link:      binary.LittleEndian.Uint32(b[40:44]),
		info:      binary.LittleEndian.Uint32(b[44:48]),
		addralign: binary.LittleEndian.Uint64(b[48:56]),
		entsize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

type elfSym struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

func parseSym(b []byte) elfSym {
	return elfSym{
		name:  binary.LittleEndian.Uint32(b[0:4]),
		info:  b[4],
		other: b[5],
		shndx: binary.LittleEndian.Uint16(b[6:8]),
		value: binary.LittleEndian.Uint64(b[8:16]),
		size:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

type elfRela struct {
	offset uint64
	info   uint64
	addend int64
}

func parseRela(b []byte) elfRela {
	return elfRela{
		offset: binary.LittleEndian.Uint64(b[0:8]),
		info:   binary.LittleEndian.Uint64(b[8:16]),
		addend: int64(binary.LittleEndian.Uint64(b[16:24])),
	}
}

func relaSymIndex(info uint64) uint32 { return uint32(info >> 32) }
func relaType(info uint64) uint32     { return uint32(info & 0xffffffff) }

func cstring(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func cstringToNul(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Symbol is a post-load symbol table entry with its value rewritten to a
// runtime address, per spec.md §3's ELF loaded image invariant.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Info  uint8
	Shndx uint16
}

// EntryFunc is the callable form of a loaded image's entry point. Hosted
// Go cannot jump into an arbitrary byte buffer as machine code, so callers
// that actually need to run a loaded image's code (tests, the module
// loader's init/cleanup invocation) register a Go function standing in
// for it; see DESIGN.md's Open Question resolution #1. Everything else
// (address computation, relocation, symbol resolution) operates on real
// computed runtime addresses regardless of whether an EntryFunc was ever
// registered.
type EntryFunc func(argc int32, argv []string, envp []string) int32

// Image is a loaded ELF image: a simulated mapped memory region plus the
// metadata spec.md §3 requires.
type Image struct {
	Name string

	// BaseAddr is the synthetic runtime base this image was "mapped" at.
	BaseAddr uint64
	Buffer   []byte // the allocated, zero-initialized backing memory

	Entry        uint64
	InitAddr     uint64
	CleanupAddr  uint64
	HasInit      bool
	HasCleanup   bool

	Symbols      []Symbol
	symbolIndex  map[string]*Symbol

	// entryFuncs lets callers register a callable stand-in for a runtime
	// address inside this image (see EntryFunc doc).
	entryFuncs map[uint64]EntryFunc
}

// RegisterEntryFunc binds fn to be invoked whenever Execute or the module
// loader's init/cleanup logic would otherwise "jump to" runtime address
// addr.
func (img *Image) RegisterEntryFunc(addr uint64, fn EntryFunc) {
	if img.entryFuncs == nil {
		img.entryFuncs = make(map[uint64]EntryFunc)
	}
	img.entryFuncs[addr] = fn
}

func (img *Image) callAt(addr uint64, argv, envp []string) (int32, error) {
	fn, ok := img.entryFuncs[addr]
	if !ok {
		return 0, fmt.Errorf("elfloader: no callable registered for runtime address 0x%x", addr)
	}
	return fn(int32(len(argv)), argv, envp), nil
}

// SymbolResolver resolves an undefined symbol name to a runtime address
// during ET_REL relocation. kmodule implements this against the kernel's
// symbol store (built-in table, late table, running modules) per
// spec.md §4.6.
type SymbolResolver interface {
	ResolveSymbol(name string) (uint64, bool)
}

// Loader validates and loads ELF64 images. Each Loader owns its own
// address space counter, simulating the kernel handing out fresh
// virtual-address ranges for each load.
type Loader struct {
	nextAddr uint64
	log      *logrus.Entry
}

// NewLoader constructs a Loader whose address space starts at base
// (page-aligned up) — callers typically give executables and modules
// distinct Loader instances, or distinct base regions, so their address
// spaces never alias.
func NewLoader(base uint64) *Loader {
	return &Loader{
		nextAddr: (base + 0xFFF) &^ 0xFFF,
		log:      logrus.WithField("component", "elfloader"),
	}
}

func (l *Loader) reserve(size uint64) uint64 {
	addr := l.nextAddr
	l.nextAddr += (size + 0xFFF) &^ 0xFFF
	if l.nextAddr == addr {
		l.nextAddr += 0x1000
	}
	return addr
}

// Validate accepts only 64-bit little-endian x86_64, per spec.md §4.3.
func Validate(data []byte) (Status, error) {
	h, err := parseEhdr(data)
	if err != nil {
		return StatusInvalid, ErrInvalid
	}
	if h.ident[4] != ELFCLASS64 || h.ident[5] != ELFDATA2LSB {
		return StatusUnsupported, ErrUnsupported
	}
	if h.machine != EM_X86_64 {
		return StatusUnsupported, ErrUnsupported
	}
	if h.etype != ET_EXEC && h.etype != ET_DYN && h.etype != ET_REL {
		return StatusUnsupported, ErrUnsupported
	}
	return StatusOK, nil
}
