package elf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

var (
	ErrInvalidMagic = errors.New("invalid magic in ELF file")
	ErrTruncated    = errors.New("ELF file is truncated")
)

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

// Open maps filename and builds the object model for it. Section data
// buffers are sub-slices of the mapping, so the returned object (and
// everything twinned to it) must stay alive until after the output has
// been written; Close releases the mapping.
func Open(filename string) (*Object, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	contents, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()),
		unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", filename, err)
	}

	o, err := Parse(contents)
	if err != nil {
		unix.Munmap(contents)
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	o.Filename = filename
	o.mapped = contents
	return o, nil
}

// Close releases the input mapping, if any.
func (o *Object) Close() error {
	if o.mapped == nil {
		return nil
	}

	contents := o.mapped
	o.mapped = nil
	return unix.Munmap(contents)
}

// Parse builds the object model from the raw bytes of a relocatable
// x86-64 object.
func Parse(contents []byte) (*Object, error) {
	header, err := ParseHeader(contents)
	if err != nil {
		return nil, err
	}

	if header.Type != ET_REL {
		return nil, errors.New("not a relocatable object")
	}
	if header.Machine != EM_X86_64 {
		return nil, errors.New("unsupported machine type")
	}

	o := &Object{Header: header}

	if err := o.parseSections(contents); err != nil {
		return nil, err
	}
	if err := o.parseSymbols(contents); err != nil {
		return nil, err
	}
	if err := o.parseRelas(contents); err != nil {
		return nil, err
	}

	o.bundleSymbols()

	return o, nil
}

func ParseHeader(contents []byte) (ELF64Ehdr, error) {
	if len(contents) < ehdrSize {
		return ELF64Ehdr{}, ErrTruncated
	}

	if !bytes.Equal(contents[:EI_CLASS], []byte{'\x7f', 'E', 'L', 'F'}) {
		return ELF64Ehdr{}, ErrInvalidMagic
	}
	if contents[EI_CLASS] != ELFCLASS64 {
		return ELF64Ehdr{}, errors.New("ELF32 is not supported")
	}
	if contents[EI_DATA] != ELFDATA2LSB {
		return ELF64Ehdr{}, errors.New("big endian is not supported")
	}

	header := ELF64Ehdr{
		Type:      binary.LittleEndian.Uint16(contents[0x10:0x12]),
		Machine:   binary.LittleEndian.Uint16(contents[0x12:0x14]),
		Version:   binary.LittleEndian.Uint32(contents[0x14:0x18]),
		Entry:     binary.LittleEndian.Uint64(contents[0x18:0x20]),
		PhOff:     binary.LittleEndian.Uint64(contents[0x20:0x28]),
		ShOff:     binary.LittleEndian.Uint64(contents[0x28:0x30]),
		Flags:     binary.LittleEndian.Uint32(contents[0x30:0x34]),
		EhSize:    binary.LittleEndian.Uint16(contents[0x34:0x36]),
		PhEntSize: binary.LittleEndian.Uint16(contents[0x36:0x38]),
		PhNum:     binary.LittleEndian.Uint16(contents[0x38:0x3a]),
		ShEntSize: binary.LittleEndian.Uint16(contents[0x3a:0x3c]),
		ShNum:     binary.LittleEndian.Uint16(contents[0x3c:0x3e]),
		ShStrNdx:  binary.LittleEndian.Uint16(contents[0x3e:0x40]),
	}
	copy(header.Ident[:], contents[0:EI_NIDENT])

	return header, nil
}

func parseShdr(contents []byte) ELF64Shdr {
	return ELF64Shdr{
		ShName:      binary.LittleEndian.Uint32(contents[0x00:0x04]),
		ShType:      binary.LittleEndian.Uint32(contents[0x04:0x08]),
		ShFlags:     binary.LittleEndian.Uint64(contents[0x08:0x10]),
		ShAddr:      binary.LittleEndian.Uint64(contents[0x10:0x18]),
		ShOff:       binary.LittleEndian.Uint64(contents[0x18:0x20]),
		ShSize:      binary.LittleEndian.Uint64(contents[0x20:0x28]),
		ShLink:      binary.LittleEndian.Uint32(contents[0x28:0x2c]),
		ShInfo:      binary.LittleEndian.Uint32(contents[0x2c:0x30]),
		ShAddrAlign: binary.LittleEndian.Uint64(contents[0x30:0x38]),
		ShEntSize:   binary.LittleEndian.Uint64(contents[0x38:0x40]),
	}
}

// parseSections reads the section header table and resolves names
// against .shstrtab. The null section at index 0 is not modelled; every
// Section keeps the file index it was read at.
func (o *Object) parseSections(contents []byte) error {
	shOff := o.Header.ShOff
	shNum := int(o.Header.ShNum)

	if shOff+uint64(shNum)*shdrSize > uint64(len(contents)) {
		return ErrTruncated
	}

	headers := make([]ELF64Shdr, shNum)
	for i := 0; i < shNum; i++ {
		offset := shOff + uint64(i)*shdrSize
		headers[i] = parseShdr(contents[offset : offset+shdrSize])
	}

	if int(o.Header.ShStrNdx) >= shNum {
		return errors.New("bad .shstrtab index")
	}
	shstrtab := headers[o.Header.ShStrNdx]
	names := contents[shstrtab.ShOff : shstrtab.ShOff+shstrtab.ShSize]

	for i := 1; i < shNum; i++ {
		shdr := headers[i]
		sec := &Section{
			Name:  helpers.GetString(names[shdr.ShName:]),
			Shdr:  shdr,
			Index: i,
		}
		if shdr.ShType != SHT_NOBITS && shdr.ShSize > 0 {
			if shdr.ShOff+shdr.ShSize > uint64(len(contents)) {
				return ErrTruncated
			}
			sec.Data = contents[shdr.ShOff : shdr.ShOff+shdr.ShSize]
		}
		o.Sections = append(o.Sections, sec)
	}

	// wire rela sections to the sections they apply to
	for _, sec := range o.Sections {
		if sec.Shdr.ShType != SHT_RELA {
			continue
		}
		base := o.FindSectionByIndex(int(sec.Shdr.ShInfo))
		if base == nil {
			return fmt.Errorf("rela section %s has no base", sec.Name)
		}
		sec.Base = base
		base.Rela = sec
	}

	return nil
}

// parseSymbols reads .symtab, resolves names against its string table
// and wires each symbol to its owning section. The null symbol at index
// 0 stays in the list; emission needs it.
func (o *Object) parseSymbols(contents []byte) error {
	symtab := o.FindSectionByName(".symtab")
	if symtab == nil {
		return errors.New("missing .symtab section")
	}

	strtab := o.FindSectionByIndex(int(symtab.Shdr.ShLink))
	if strtab == nil {
		return errors.New("missing symbol string table")
	}

	count := int(symtab.Shdr.ShSize / symSize)
	for i := 0; i < count; i++ {
		entry := symtab.Data[i*symSize : (i+1)*symSize]
		raw := ELF64Sym{
			StName:  binary.LittleEndian.Uint32(entry[0x00:0x04]),
			StInfo:  entry[0x04],
			StOther: entry[0x05],
			StShNdx: binary.LittleEndian.Uint16(entry[0x06:0x08]),
			StValue: binary.LittleEndian.Uint64(entry[0x08:0x10]),
			StSize:  binary.LittleEndian.Uint64(entry[0x10:0x18]),
		}

		sym := &Symbol{
			Name:  helpers.GetString(strtab.Data[raw.StName:]),
			Sym:   raw,
			Index: i,
			Type:  raw.StInfo & 0x0f,
			Bind:  raw.StInfo >> 4,
		}

		if raw.StShNdx != SHN_UNDEF && raw.StShNdx != SHN_ABS {
			sym.Sec = o.FindSectionByIndex(int(raw.StShNdx))
			if sym.Sec == nil {
				return fmt.Errorf("symbol %s references missing section %d",
					sym.Name, raw.StShNdx)
			}
			if sym.Type == STT_SECTION {
				sym.Sec.SecSym = sym
				// section symbols are unnamed in the symtab
				sym.Name = sym.Sec.Name
			}
		}

		o.Symbols = append(o.Symbols, sym)
	}

	return nil
}

func (o *Object) parseRelas(contents []byte) error {
	for _, sec := range o.Sections {
		if !sec.IsRela() {
			continue
		}

		count := int(sec.Shdr.ShSize / relaSize)
		sec.Relas = make([]*Rela, 0, count)
		for i := 0; i < count; i++ {
			entry := sec.Data[i*relaSize : (i+1)*relaSize]
			raw := ELF64Rela{
				Offset: binary.LittleEndian.Uint64(entry[0x00:0x08]),
				Info:   binary.LittleEndian.Uint64(entry[0x08:0x10]),
				Addend: int64(binary.LittleEndian.Uint64(entry[0x10:0x18])),
			}

			symIndex := int(raw.Info >> 32)
			if symIndex >= len(o.Symbols) {
				return fmt.Errorf("%s: relocation %d has bad symbol index %d",
					sec.Name, i, symIndex)
			}

			rela := &Rela{
				Offset: raw.Offset,
				Type:   uint32(raw.Info),
				Addend: raw.Addend,
				Sym:    o.Symbols[symIndex],
			}

			// capture the literal when the target points into a
			// mergeable string section
			if tsec := rela.Sym.Sec; tsec != nil && tsec.IsStrings() && tsec.Data != nil {
				offset := int64(rela.Sym.Sym.StValue) + rela.Addend
				if offset >= 0 && offset < int64(len(tsec.Data)) {
					rela.String = helpers.GetString(tsec.Data[offset:])
				}
			}

			sec.Relas = append(sec.Relas, rela)
		}
	}

	return nil
}

// bundleSymbols links each per-function/per-data section to the single
// symbol it was created for: .text.foo bundles foo, .rodata.bar bundles
// bar, and so on.
func (o *Object) bundleSymbols() {
	prefixes := []string{".text.", ".data.", ".rodata.", ".bss."}

	for _, sym := range o.Symbols {
		if sym.Sec == nil ||
			(sym.Type != STT_FUNC && sym.Type != STT_OBJECT) {
			continue
		}
		for _, prefix := range prefixes {
			if sym.Sec.Name == prefix+sym.Name {
				sym.Sec.Sym = sym
				log.Debugf("bundled %s into %s", sym.Name, sym.Sec.Name)
				break
			}
		}
	}
}
