package elfloader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// --- minimal ELF64 builders, used only by tests ---

type strtabBuilder struct {
	buf []byte
}

func newStrtab() *strtabBuilder {
	return &strtabBuilder{buf: []byte{0}}
}

func (s *strtabBuilder) add(name string) uint32 {
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	return off
}

func putEhdr(b []byte, etype uint16, entry uint64, phoff, shoff uint64, phnum, shnum, shstrndx uint16) {
	b[0], b[1], b[2], b[3] = 0x7F, 'E', 'L', 'F'
	b[4] = ELFCLASS64
	b[5] = ELFDATA2LSB
	binary.LittleEndian.PutUint16(b[16:18], etype)
	binary.LittleEndian.PutUint16(b[18:20], EM_X86_64)
	binary.LittleEndian.PutUint64(b[24:32], entry)
	binary.LittleEndian.PutUint64(b[32:40], phoff)
	binary.LittleEndian.PutUint64(b[40:48], shoff)
	binary.LittleEndian.PutUint16(b[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(b[54:56], phdrSize)
	binary.LittleEndian.PutUint16(b[56:58], phnum)
	binary.LittleEndian.PutUint16(b[58:60], shdrSize)
	binary.LittleEndian.PutUint16(b[60:62], shnum)
	binary.LittleEndian.PutUint16(b[62:64], shstrndx)
}

func putPhdr(b []byte, ptype, flags uint32, offset, vaddr, filesz, memsz, align uint64) {
	binary.LittleEndian.PutUint32(b[0:4], ptype)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	binary.LittleEndian.PutUint64(b[8:16], offset)
	binary.LittleEndian.PutUint64(b[16:24], vaddr)
	binary.LittleEndian.PutUint64(b[24:32], vaddr)
	binary.LittleEndian.PutUint64(b[32:40], filesz)
	binary.LittleEndian.PutUint64(b[40:48], memsz)
	binary.LittleEndian.PutUint64(b[48:56], align)
}

func putShdr(b []byte, name uint32, stype uint32, flags uint64, addr, offset, size uint64, link, info uint32, addralign, entsize uint64) {
	binary.LittleEndian.PutUint32(b[0:4], name)
	binary.LittleEndian.PutUint32(b[4:8], stype)
	binary.LittleEndian.PutUint64(b[8:16], flags)
	binary.LittleEndian.PutUint64(b[16:24], addr)
	binary.LittleEndian.PutUint64(b[24:32], offset)
	binary.LittleEndian.PutUint64(b[32:40], size)
	binary.LittleEndian.PutUint32(b[40:44], link)
	binary.LittleEndian.PutUint32(b[44:48], info)
	binary.LittleEndian.PutUint64(b[48:56], addralign)
	binary.LittleEndian.PutUint64(b[56:64], entsize)
}

func putSym(b []byte, name uint32, info uint8, shndx uint16, value, size uint64) {
	binary.LittleEndian.PutUint32(b[0:4], name)
	b[4] = info
	b[5] = 0
	binary.LittleEndian.PutUint16(b[6:8], shndx)
	binary.LittleEndian.PutUint64(b[8:16], value)
	binary.LittleEndian.PutUint64(b[16:24], size)
}

func putRela(b []byte, offset, symIdx uint64, rtype uint32, addend int64) {
	binary.LittleEndian.PutUint64(b[0:8], offset)
	info := (symIdx << 32) | uint64(rtype)
	binary.LittleEndian.PutUint64(b[8:16], info)
	binary.LittleEndian.PutUint64(b[16:24], uint64(addend))
}

func TestValidateRejectsNonX8664(t *testing.T) {
	b := make([]byte, ehdrSize)
	putEhdr(b, ET_EXEC, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint16(b[18:20], 0x28) // EM_ARM
	status, err := Validate(b)
	require.Error(t, err)
	require.Equal(t, StatusUnsupported, status)
}

func TestValidateRejectsGarbage(t *testing.T) {
	status, err := Validate([]byte("not an elf file"))
	require.Error(t, err)
	require.Equal(t, StatusInvalid, status)
}

// buildExecutable constructs a minimal single-segment ET_EXEC image: one
// PT_LOAD segment of `code`, loaded at vaddr, with the entry point at the
// segment start.
func buildExecutable(vaddr uint64, code []byte) []byte {
	phoff := uint64(ehdrSize)
	codeOff := phoff + phdrSize

	buf := make([]byte, codeOff+uint64(len(code)))
	putEhdr(buf, ET_EXEC, vaddr, phoff, 0, 1, 0, 0)
	putPhdr(buf[phoff:], PT_LOAD, 0x5, codeOff, vaddr, uint64(len(code)), uint64(len(code))+16, 0x1000)
	copy(buf[codeOff:], code)
	return buf
}

func TestLoadExecutableComputesEntryAndZeroesBSS(t *testing.T) {
	vaddr := uint64(0x400000)
	code := []byte{0x90, 0x90, 0x90, 0x90} // nop nop nop nop
	data := buildExecutable(vaddr, code)

	l := NewLoader(0x10000000)
	img, err := l.LoadExecutable("prog", data)
	require.NoError(t, err)

	require.Equal(t, img.BaseAddr, img.Entry) // entry == segment start == min vaddr
	require.Equal(t, code, img.Buffer[:len(code)])
	// BSS tail (memsz - filesz == 16 bytes) must be zero.
	for _, b := range img.Buffer[len(code):] {
		require.Equal(t, byte(0), b)
	}
}

// buildModule constructs an ET_REL object with:
//   - one ALLOC+EXECINSTR .text section containing a 5-byte "call rel32"
//     placeholder (opcode + 4 zero bytes) at offset 0,
//   - a symbol table with an undefined "kmalloc" symbol and a defined
//     "module_init" symbol pointing at the start of .text,
//   - one SHT_RELA section applying R_X86_64_PC32 to the call's operand.
func buildModule() []byte {
	text := []byte{0xE8, 0x00, 0x00, 0x00, 0x00} // call rel32 (operand TBD)

	str := newStrtab()
	textNameOff := str.add(".text")
	symstrNameOff := str.add(".symtab")       // unused but keeps offsets realistic
	_ = symstrNameOff
	kmallocNameOff := str.add("kmalloc")
	moduleInitNameOff := str.add("module_init")
	_ = textNameOff

	// Symbol table: index 0 is the mandatory null symbol.
	syms := make([]byte, symSize*3)
	putSym(syms[symSize*0:], 0, 0, 0, 0, 0)                                 // null
	putSym(syms[symSize*1:], kmallocNameOff, elf64STInfo(1, 2), 0, 0, 0)    // undefined, STB_GLOBAL|STT_FUNC
	putSym(syms[symSize*2:], moduleInitNameOff, elf64STInfo(1, 2), 1, 0, 0) // defined in section 1 (.text), value 0

	rela := make([]byte, relaSize)
	putRela(rela, 1 /*offset within .text*/, 1 /*symIdx=kmalloc*/, R_X86_64_PC32, -4)

	// Layout: ehdr | shdrs(5) | strtab | text | symtab | rela
	const nsh = 5 // NULL, .text, .strtab, .symtab, .rela.text
	shoff := uint64(ehdrSize)
	strtabOff := shoff + nsh*shdrSize
	textOff := strtabOff + uint64(len(str.buf))
	symtabOff := textOff + uint64(len(text))
	relaOff := symtabOff + uint64(len(syms))

	buf := make([]byte, relaOff+uint64(len(rela)))
	putEhdr(buf, ET_REL, 0, 0, shoff, 0, nsh, 2)

	sh := buf[shoff:]
	// 0: NULL
	putShdr(sh[0:], 0, SHT_NULL, 0, 0, 0, 0, 0, 0, 0, 0)
	// 1: .text (ALLOC|EXECINSTR)
	putShdr(sh[shdrSize*1:], textNameOff, 1 /*PROGBITS*/, SHF_ALLOC|SHF_EXECINS, 0, textOff, uint64(len(text)), 0, 0, 1, 0)
	// 2: .strtab
	putShdr(sh[shdrSize*2:], 0, SHT_STRTAB, 0, 0, strtabOff, uint64(len(str.buf)), 0, 0, 1, 0)
	// 3: .symtab, link -> strtab(2)
	putShdr(sh[shdrSize*3:], 0, SHT_SYMTAB, 0, 0, symtabOff, uint64(len(syms)), 2, 1, 8, symSize)
	// 4: .rela.text, info -> target section 1 (.text)
	putShdr(sh[shdrSize*4:], 0, SHT_RELA, 0, 0, relaOff, uint64(len(rela)), 3, 1, 8, relaSize)

	copy(buf[strtabOff:], str.buf)
	copy(buf[textOff:], text)
	copy(buf[symtabOff:], syms)
	copy(buf[relaOff:], rela)

	return buf
}

func elf64STInfo(bind, typ uint8) uint8 {
	return (bind << 4) | (typ & 0xf)
}

type fakeResolver struct {
	symbols map[string]uint64
}

func (f *fakeResolver) ResolveSymbol(name string) (uint64, bool) {
	a, ok := f.symbols[name]
	return a, ok
}

func TestLoadModuleResolvesUndefinedSymbolAndRelocatesPC32(t *testing.T) {
	data := buildModule()

	const kmallocAddr = uint64(0xFFFF800000001000)
	resolver := &fakeResolver{symbols: map[string]uint64{"kmalloc": kmallocAddr}}

	l := NewLoader(0x20000000)
	img, err := l.LoadModule("testmod", data, resolver)
	require.NoError(t, err)
	require.True(t, img.HasInit)

	callSiteAddr := img.BaseAddr // .text section base == image base (first section)
	operandAddr := callSiteAddr + 1

	got := int32(binary.LittleEndian.Uint32(img.Buffer[1:5]))
	want := int32(int64(kmallocAddr) - 4 - int64(operandAddr))
	require.Equal(t, want, got)

	addr, ok := img.FindSymbol("module_init")
	require.True(t, ok)
	require.Equal(t, img.BaseAddr, addr)
}

func TestLoadModuleFailsOnUnresolvedSymbol(t *testing.T) {
	data := buildModule()
	l := NewLoader(0x30000000)
	_, err := l.LoadModule("testmod", data, &fakeResolver{symbols: map[string]uint64{}})
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestExecuteInvokesRegisteredEntryFunc(t *testing.T) {
	vaddr := uint64(0x400000)
	data := buildExecutable(vaddr, []byte{0x90})

	l := NewLoader(0x40000000)
	img, err := l.LoadExecutable("prog", data)
	require.NoError(t, err)

	var gotArgv []string
	img.RegisterEntryFunc(img.Entry, func(argc int32, argv, envp []string) int32 {
		gotArgv = argv
		return 42
	})

	rc, err := l.Execute(img, []string{"--flag"})
	require.NoError(t, err)
	require.Equal(t, int32(42), rc)
	require.Equal(t, []string{"prog", "--flag"}, gotArgv)
}
