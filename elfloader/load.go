package elfloader

import (
	"fmt"
)

// LoadExecutable implements the ET_EXEC/ET_DYN path of spec.md §4.3:
// compute the [min_vaddr, max_vaddr) span across PT_LOAD segments,
// allocate one zeroed buffer of that size, copy each segment's file bytes
// in, leave the BSS tail zero, and rebase the entry point. ET_DYN images
// get identical treatment — no runtime relocation is performed, matching
// the spec's documented limitation that dynamic executables must already
// be position-independent.
func (l *Loader) LoadExecutable(name string, data []byte) (*Image, error) {
	status, err := Validate(data)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, ErrUnsupported
	}

	h, _ := parseEhdr(data)
	if h.etype != ET_EXEC && h.etype != ET_DYN {
		return nil, fmt.Errorf("elfloader: %w: not an executable type", ErrInvalid)
	}

	phdrs, err := readPhdrs(data, h)
	if err != nil {
		return nil, err
	}

	var minVaddr, maxVaddr uint64
	first := true
	for _, ph := range phdrs {
		if ph.ptype != PT_LOAD {
			continue
		}
		if first || ph.vaddr < minVaddr {
			minVaddr = ph.vaddr
		}
		end := ph.vaddr + ph.memsz
		if first || end > maxVaddr {
			maxVaddr = end
		}
		first = false
	}
	if first {
		return nil, fmt.Errorf("elfloader: %w: no PT_LOAD segments", ErrInvalid)
	}

	span := maxVaddr - minVaddr
	buf := make([]byte, span)
	base := l.reserve(span)

	for _, ph := range phdrs {
		if ph.ptype != PT_LOAD {
			continue
		}
		dst := ph.vaddr - minVaddr
		if ph.offset+ph.filesz > uint64(len(data)) || dst+ph.filesz > uint64(len(buf)) {
			return nil, fmt.Errorf("elfloader: %w: segment out of bounds", ErrInvalid)
		}
		copy(buf[dst:dst+ph.filesz], data[ph.offset:ph.offset+ph.filesz])
		// buf[dst+ph.filesz : dst+ph.memsz] is already zero (BSS tail).
	}

	img := &Image{
		Name:     name,
		BaseAddr: base,
		Buffer:   buf,
		Entry:    base + (h.entry - minVaddr),
	}

	if err := loadSymbolTable(img, data, h, func(shndx uint16) (uint64, bool) {
		// Executables keep a single contiguous buffer, so every section's
		// runtime base is just base - minVaddr (sh_addr already reflects
		// its position within the vaddr span).
		return 0, false
	}); err != nil {
		l.log.WithError(err).Debug("no symbol table present (non-fatal)")
	}
	// Rewrite symbol values for the single-buffer executable layout: a
	// defined symbol's original value is already a vaddr, so its runtime
	// address is simply base + (value - minVaddr).
	for i := range img.Symbols {
		if img.Symbols[i].Shndx != 0 {
			img.Symbols[i].Value = base + (img.Symbols[i].Value - minVaddr)
		}
	}
	reindexSymbols(img)

	return img, nil
}

func readPhdrs(data []byte, h ehdr) ([]phdr, error) {
	out := make([]phdr, 0, h.phnum)
	for i := 0; i < int(h.phnum); i++ {
		off := h.phoff + uint64(i)*uint64(h.phentsize)
		if off+phdrSize > uint64(len(data)) {
			return nil, fmt.Errorf("elfloader: %w: program header out of bounds", ErrInvalid)
		}
		out = append(out, parsePhdr(data[off:off+phdrSize]))
	}
	return out, nil
}

func readShdrs(data []byte, h ehdr) ([]shdr, error) {
	out := make([]shdr, 0, h.shnum)
	for i := 0; i < int(h.shnum); i++ {
		off := h.shoff + uint64(i)*uint64(h.shentsize)
		if off+shdrSize > uint64(len(data)) {
			return nil, fmt.Errorf("elfloader: %w: section header out of bounds", ErrInvalid)
		}
		out = append(out, parseShdr(data[off:off+shdrSize]))
	}
	return out, nil
}

// loadSymbolTable copies the SHT_SYMTAB section (if present) and its
// linked string table, rewriting values via rebase for each symbol's
// section index. rebase returns (0, false) to mean "caller rewrites
// later" (used by LoadExecutable); LoadModule passes a real per-section
// base lookup.
func loadSymbolTable(img *Image, data []byte, h ehdr, rebase func(shndx uint16) (uint64, bool)) error {
	shdrs, err := readShdrs(data, h)
	if err != nil {
		return err
	}

	var symtabIdx = -1
	for i, sh := range shdrs {
		if sh.stype == SHT_SYMTAB {
			symtabIdx = i
			break
		}
	}
	if symtabIdx == -1 {
		return fmt.Errorf("no SHT_SYMTAB section")
	}

	symtab := shdrs[symtabIdx]
	strtab := shdrs[symtab.link]

	if symtab.offset+symtab.size > uint64(len(data)) ||
		strtab.offset+strtab.size > uint64(len(data)) {
		return fmt.Errorf("elfloader: %w: symbol/string table out of bounds", ErrInvalid)
	}
	strBytes := data[strtab.offset : strtab.offset+strtab.size]

	n := int(symtab.size / symSize)
	img.Symbols = make([]Symbol, 0, n)
	for i := 0; i < n; i++ {
		off := symtab.offset + uint64(i)*symSize
		s := parseSym(data[off : off+symSize])
		name := cstring(strBytes, s.name)

		val := s.value
		if s.shndx != 0 {
			if base, ok := rebase(s.shndx); ok {
				val = base + s.value
			}
		}

		img.Symbols = append(img.Symbols, Symbol{
			Name:  name,
			Value: val,
			Size:  s.size,
			Info:  s.info,
			Shndx: s.shndx,
		})
	}
	return nil
}

func reindexSymbols(img *Image) {
	img.symbolIndex = make(map[string]*Symbol, len(img.Symbols))
	for i := range img.Symbols {
		if img.Symbols[i].Name != "" {
			img.symbolIndex[img.Symbols[i].Name] = &img.Symbols[i]
		}
	}
	for i := range img.Symbols {
		name := img.Symbols[i].Name
		switch name {
		case "module_init", "init_module":
			img.InitAddr = img.Symbols[i].Value
			img.HasInit = true
		case "module_cleanup", "cleanup_module":
			img.CleanupAddr = img.Symbols[i].Value
			img.HasCleanup = true
		}
	}
}

// FindSymbol resolves name against an image's (post-load, runtime
// rewritten) symbol table.
func (img *Image) FindSymbol(name string) (uint64, bool) {
	s, ok := img.symbolIndex[name]
	if !ok {
		return 0, false
	}
	return s.Value, true
}

// Execute casts the entry point to int(argc, argv, envp) conceptually: it
// invokes whatever EntryFunc was registered at img.Entry with a
// two-element argv (program name plus any caller-supplied argument array)
// and an empty envp, per spec.md §4.3.
func (l *Loader) Execute(img *Image, extraArgv []string) (int32, error) {
	argv := append([]string{img.Name}, extraArgv...)
	return img.callAt(img.Entry, argv, nil)
}

// ExecuteAt invokes the EntryFunc registered at a specific runtime address
// rather than img.Entry, used by the module loader to call module_init
// and module_cleanup, which live at their own addresses distinct from any
// conventional "entry point".
func (l *Loader) ExecuteAt(img *Image, addr uint64) (int32, error) {
	return img.callAt(addr, []string{img.Name}, nil)
}

// Unload releases a loaded image. In a real kernel this frees the mapped
// buffer; here it simply drops references so the Go garbage collector can
// reclaim the backing memory, and clears the symbol index so a stale
// Image can't be queried after unload.
func (l *Loader) Unload(img *Image) {
	img.Buffer = nil
	img.Symbols = nil
	img.symbolIndex = nil
	img.entryFuncs = nil
}
