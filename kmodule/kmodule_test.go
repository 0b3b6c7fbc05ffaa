package kmodule

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbos-project/kernelcore/elfloader"
)

// --- minimal ET_REL builder, mirroring elfloader's own test fixtures ---

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24

	etRel     = 1
	elfclass  = 2
	elfdata   = 1
	emX86_64  = 62
	shtSymtab = 2
	shtStrtab = 3
)

func putEhdrRel(b []byte, shoff uint64, shnum, shstrndx uint16) {
	b[0], b[1], b[2], b[3] = 0x7F, 'E', 'L', 'F'
	b[4] = elfclass
	b[5] = elfdata
	binary.LittleEndian.PutUint16(b[16:18], etRel)
	binary.LittleEndian.PutUint16(b[18:20], emX86_64)
	binary.LittleEndian.PutUint64(b[40:48], shoff)
	binary.LittleEndian.PutUint16(b[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(b[58:60], shdrSize)
	binary.LittleEndian.PutUint16(b[60:62], shnum)
	binary.LittleEndian.PutUint16(b[62:64], shstrndx)
}

func putShdrRaw(b []byte, name, stype uint32, flags, addr, offset, size uint64, link, info uint32, align, entsize uint64) {
	binary.LittleEndian.PutUint32(b[0:4], name)
	binary.LittleEndian.PutUint32(b[4:8], stype)
	binary.LittleEndian.PutUint64(b[8:16], flags)
	binary.LittleEndian.PutUint64(b[16:24], addr)
	binary.LittleEndian.PutUint64(b[24:32], offset)
	binary.LittleEndian.PutUint64(b[32:40], size)
	binary.LittleEndian.PutUint32(b[40:44], link)
	binary.LittleEndian.PutUint32(b[44:48], info)
	binary.LittleEndian.PutUint64(b[48:56], align)
	binary.LittleEndian.PutUint64(b[56:64], entsize)
}

func putSymRaw(b []byte, name uint32, info uint8, shndx uint16, value uint64) {
	binary.LittleEndian.PutUint32(b[0:4], name)
	b[4] = info
	binary.LittleEndian.PutUint16(b[6:8], shndx)
	binary.LittleEndian.PutUint64(b[8:16], value)
}

// buildTrivialModule builds an ET_REL object with one ALLOC .text section
// (a single ret-like no-op byte) and a symbol table exporting
// "module_init" pointing at its start. No relocations.
func buildTrivialModule() []byte {
	text := []byte{0x90}

	str := []byte{0}
	moduleInitOff := uint32(len(str))
	str = append(str, []byte("module_init\x00")...)

	const nsh = 4 // NULL, .text, .strtab, .symtab
	shoff := uint64(ehdrSize)
	strtabOff := shoff + nsh*shdrSize
	textOff := strtabOff + uint64(len(str))
	symtabOff := textOff + uint64(len(text))

	syms := make([]byte, symSize*2)
	putSymRaw(syms[symSize:], moduleInitOff, (1<<4)|2, 1, 0)

	buf := make([]byte, symtabOff+uint64(len(syms)))
	putEhdrRel(buf, shoff, nsh, 2)

	sh := buf[shoff:]
	putShdrRaw(sh[0:], 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	putShdrRaw(sh[shdrSize:], 0, 1, 0x2|0x4, 0, textOff, uint64(len(text)), 0, 0, 1, 0)
	putShdrRaw(sh[shdrSize*2:], 0, shtStrtab, 0, 0, strtabOff, uint64(len(str)), 0, 0, 1, 0)
	putShdrRaw(sh[shdrSize*3:], 0, shtSymtab, 0, 0, symtabOff, uint64(len(syms)), 2, 1, 8, symSize)

	copy(buf[strtabOff:], str)
	copy(buf[textOff:], text)
	copy(buf[symtabOff:], syms)

	return buf
}

func newManager() *Manager {
	return New(elfloader.NewLoader(0x50000000))
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	m := newManager()
	data := buildTrivialModule()
	_, err := m.Load("mod1", data, &Info{Name: "mod1"}, nil)
	require.NoError(t, err)

	_, err = m.Load("mod1", data, &Info{Name: "mod1"}, nil)
	require.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestLoadWithoutInitFuncStillReachesRunning(t *testing.T) {
	m := newManager()
	mod, err := m.Load("mod1", buildTrivialModule(), &Info{Name: "mod1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, mod.State)
}

func TestResolveSymbolPrefersBuiltinOverLate(t *testing.T) {
	m := newManager()
	m.RegisterBuiltinSymbol("kmalloc", 0x1000)
	m.RegisterSymbols(map[string]uint64{"kmalloc": 0x2000})

	addr, ok := m.ResolveSymbol("kmalloc")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), addr)
}

func TestResolveSymbolFindsRunningModuleExport(t *testing.T) {
	m := newManager()
	mod, err := m.Load("mod1", buildTrivialModule(), &Info{Name: "mod1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, mod.State)

	addr, ok := m.ResolveSymbol("module_init")
	require.True(t, ok)
	require.Equal(t, mod.Image.BaseAddr, addr)
}

func TestUnloadRejectsEssentialModule(t *testing.T) {
	m := newManager()
	mod, err := m.Load("mod1", buildTrivialModule(), &Info{Name: "mod1"}, nil)
	require.NoError(t, err)
	mod.Flags |= FlagEssential

	err = m.Unload("mod1")
	require.ErrorIs(t, err, ErrEssential)
}

func TestUnloadRejectsModuleWithDependents(t *testing.T) {
	m := newManager()
	base, err := m.Load("base", buildTrivialModule(), &Info{Name: "base"}, nil)
	require.NoError(t, err)
	_, err = m.Load("dependent", buildTrivialModule(), &Info{Name: "dependent"}, []string{"base"})
	require.NoError(t, err)

	err = m.Unload("base")
	require.ErrorIs(t, err, ErrHasDependents)
	require.Len(t, base.Users, 1)
}

func TestUnloadSucceedsAndFreesDependency(t *testing.T) {
	m := newManager()
	_, err := m.Load("base", buildTrivialModule(), &Info{Name: "base"}, nil)
	require.NoError(t, err)
	_, err = m.Load("dependent", buildTrivialModule(), &Info{Name: "dependent"}, []string{"base"})
	require.NoError(t, err)

	require.NoError(t, m.Unload("dependent"))
	require.Nil(t, m.Find("dependent"))
	require.NoError(t, m.Unload("base"))
	require.Nil(t, m.Find("base"))
}

func TestLoadFailsOnUnknownDependency(t *testing.T) {
	m := newManager()
	// An unknown dependency name is a load-time failure this package
	// itself detects before touching the ELF loader.
	_, err := m.Load("needs-missing-dep", buildTrivialModule(), &Info{}, []string{"missing"})
	require.ErrorIs(t, err, ErrNotFound)
}
