package elfloader

import (
	"fmt"
)

// LoadModule implements the ET_REL path of spec.md §4.3: assign each
// ALLOC section a runtime address by advancing a cursor (aligned to
// sh_addralign), copy its bytes (zero for SHT_NOBITS), then apply every
// RELA relocation targeting an ALLOC'd section. Undefined symbols
// (section index 0) are resolved via resolver; an unresolved undefined
// symbol aborts the load and frees what was allocated.
func (l *Loader) LoadModule(name string, data []byte, resolver SymbolResolver) (*Image, error) {
	status, err := Validate(data)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, ErrUnsupported
	}

	h, _ := parseEhdr(data)
	if h.etype != ET_REL {
		return nil, fmt.Errorf("elfloader: %w: not a relocatable object", ErrInvalid)
	}

	shdrs, err := readShdrs(data, h)
	if err != nil {
		return nil, err
	}

	// Pass 1: assign runtime bases to every ALLOC section and compute the
	// total image size.
	sectionBase := make([]uint64, len(shdrs))
	var cursor uint64
	for i, sh := range shdrs {
		if sh.flags&SHF_ALLOC == 0 {
			continue
		}
		align := sh.addralign
		if align == 0 {
			align = 1
		}
		cursor = alignUp(cursor, align)
		sectionBase[i] = cursor
		cursor += sh.size
	}

	base := l.reserve(cursor)
	buf := make([]byte, cursor)

	for i, sh := range shdrs {
		if sh.flags&SHF_ALLOC == 0 {
			continue
		}
		if sh.stype == SHT_NOBITS {
			continue // already zero
		}
		if sh.offset+sh.size > uint64(len(data)) {
			return nil, fmt.Errorf("elfloader: %w: section %d out of bounds", ErrInvalid, i)
		}
		copy(buf[sectionBase[i]:sectionBase[i]+sh.size], data[sh.offset:sh.offset+sh.size])
	}

	img := &Image{
		Name:     name,
		BaseAddr: base,
		Buffer:   buf,
	}

	if err := loadSymbolTable(img, data, h, func(shndx uint16) (uint64, bool) {
		if int(shndx) >= len(sectionBase) {
			return 0, false
		}
		return base + sectionBase[shndx], true
	}); err != nil {
		img.Symbols = nil
	}
	reindexSymbols(img)

	symNameByIndex, err := symbolNames(data, h)
	if err != nil {
		return nil, err
	}

	// Pass 2: apply relocations from every SHT_RELA section whose target
	// is an ALLOC'd section.
	for _, sh := range shdrs {
		if sh.stype != SHT_RELA {
			continue
		}
		targetIdx := sh.info
		if int(targetIdx) >= len(shdrs) || shdrs[targetIdx].flags&SHF_ALLOC == 0 {
			continue
		}
		if sh.offset+sh.size > uint64(len(data)) {
			return nil, fmt.Errorf("elfloader: %w: relocation section out of bounds", ErrInvalid)
		}

		n := int(sh.size / relaSize)
		for i := 0; i < n; i++ {
			off := sh.offset + uint64(i)*relaSize
			r := parseRela(data[off : off+relaSize])

			symIdx := relaSymIndex(r.info)
			rtype := relaType(r.info)

			symVal, err := resolveRelaSymbol(data, h, shdrs, sectionBase, base, symIdx, symNameByIndex, resolver)
			if err != nil {
				l.Unload(img)
				return nil, err
			}

			targetAddr := base + sectionBase[targetIdx] + r.offset
			if targetAddr < base || targetAddr-base >= uint64(len(buf)) {
				l.Unload(img)
				return nil, fmt.Errorf("elfloader: %w: relocation target out of bounds", ErrInvalid)
			}

			if err := applyRelocation(buf, targetAddr-base, rtype, symVal, r.addend, targetAddr); err != nil {
				l.log.WithError(err).WithField("type", rtype).Warn("unknown relocation type, skipping")
			}
		}
	}

	return img, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func symbolNames(data []byte, h ehdr) ([]string, error) {
	shdrs, err := readShdrs(data, h)
	if err != nil {
		return nil, err
	}
	var symtabIdx = -1
	for i, sh := range shdrs {
		if sh.stype == SHT_SYMTAB {
			symtabIdx = i
			break
		}
	}
	if symtabIdx == -1 {
		return nil, nil
	}
	symtab := shdrs[symtabIdx]
	strtab := shdrs[symtab.link]
	strBytes := data[strtab.offset : strtab.offset+strtab.size]

	n := int(symtab.size / symSize)
	names := make([]string, n)
	for i := 0; i < n; i++ {
		off := symtab.offset + uint64(i)*symSize
		s := parseSym(data[off : off+symSize])
		names[i] = cstring(strBytes, s.name)
	}
	return names, nil
}

// resolveRelaSymbol resolves a relocation's symbol either to a
// section-relative runtime address (defined symbol) or via the external
// resolver (undefined symbol, section index 0), per spec.md §4.3.
func resolveRelaSymbol(
	data []byte, h ehdr, shdrs []shdr, sectionBase []uint64, base uint64,
	symIdx uint32, names []string, resolver SymbolResolver,
) (uint64, error) {

	var symtabIdx = -1
	for i, sh := range shdrs {
		if sh.stype == SHT_SYMTAB {
			symtabIdx = i
			break
		}
	}
	if symtabIdx == -1 {
		return 0, fmt.Errorf("elfloader: %w: relocation present but no symbol table", ErrInvalid)
	}
	symtab := shdrs[symtabIdx]
	off := symtab.offset + uint64(symIdx)*symSize
	s := parseSym(data[off : off+symSize])

	if s.shndx == 0 {
		name := ""
		if int(symIdx) < len(names) {
			name = names[symIdx]
		}
		if resolver == nil {
			return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
		}
		addr, ok := resolver.ResolveSymbol(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
		}
		return addr, nil
	}

	if int(s.shndx) >= len(sectionBase) {
		return 0, fmt.Errorf("elfloader: %w: symbol section index out of range", ErrInvalid)
	}
	return base + sectionBase[s.shndx] + s.value, nil
}

// applyRelocation writes the computed value at buf[targetOff:] for one of
// the four relocation types spec.md §4.3 requires; any other type is left
// untouched and reported to the caller as "unknown, skipped".
func applyRelocation(buf []byte, targetOff uint64, rtype uint32, symVal uint64, addend int64, targetAddr uint64) error {
	switch rtype {
	case R_X86_64_64:
		putU64(buf, targetOff, symVal+uint64(addend))
	case R_X86_64_PC32, R_X86_64_PLT32:
		v := int64(symVal) + addend - int64(targetAddr)
		putI32(buf, targetOff, int32(v))
	case R_X86_64_32:
		putU32(buf, targetOff, uint32(symVal+uint64(addend)))
	case R_X86_64_32S:
		v := int64(symVal) + addend
		putI32(buf, targetOff, int32(v))
	default:
		return fmt.Errorf("unsupported relocation type %d", rtype)
	}
	return nil
}

func putU64(buf []byte, off, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func putU32(buf []byte, off uint64, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func putI32(buf []byte, off uint64, v int32) {
	putU32(buf, off, uint32(v))
}
