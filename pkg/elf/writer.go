package elf

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// Write rebuilds the derived sections (.shstrtab, .strtab, .symtab and
// every rela section's data) from live model state, lays the sections
// out and serializes the whole object. It must only be called once
// sections and symbols carry their final names and indices.
func (o *Object) Write(filename string) error {
	if err := o.rebuildRelaData(); err != nil {
		return err
	}
	if err := o.rebuildShstrtab(); err != nil {
		return err
	}
	if err := o.rebuildStrtab(); err != nil {
		return err
	}
	if err := o.rebuildSymtab(); err != nil {
		return err
	}

	contents := o.serialize()

	log.Debugf("writing %s (%d bytes, %d sections, %d symbols)",
		filename, len(contents), len(o.Sections), len(o.Symbols))

	return os.WriteFile(filename, contents, 0644)
}

// rebuildRelaData regenerates each rela section's byte buffer from its
// relocation list. Offsets were rebased and symbols reindexed by the
// preceding passes; only the encoding happens here.
func (o *Object) rebuildRelaData() error {
	for _, sec := range o.Sections {
		if !sec.IsRela() {
			continue
		}

		data := make([]byte, len(sec.Relas)*relaSize)
		for i, rela := range sec.Relas {
			if rela.Sym == nil {
				return errors.New("relocation without a target in " + sec.Name)
			}
			entry := data[i*relaSize:]
			binary.LittleEndian.PutUint64(entry[0x00:], rela.Offset)
			binary.LittleEndian.PutUint64(entry[0x08:],
				uint64(rela.Sym.Index)<<32|uint64(rela.Type))
			binary.LittleEndian.PutUint64(entry[0x10:], uint64(rela.Addend))
		}

		sec.Data = data
		sec.Shdr.ShType = SHT_RELA
		sec.Shdr.ShEntSize = relaSize
		sec.Shdr.ShAddrAlign = 8
	}

	return nil
}

func (o *Object) rebuildShstrtab() error {
	shstrtab := o.FindSectionByName(".shstrtab")
	if shstrtab == nil {
		return errors.New("missing .shstrtab section")
	}

	data := []byte{'\x00'}
	for _, sec := range o.Sections {
		sec.Shdr.ShName = uint32(len(data))
		data = append(data, helpers.String2Bytes(sec.Name)...)
	}

	shstrtab.Data = data
	return nil
}

func (o *Object) rebuildStrtab() error {
	strtab := o.FindSectionByName(".strtab")
	if strtab == nil {
		return errors.New("missing .strtab section")
	}

	data := []byte{'\x00'}
	for _, sym := range o.Symbols {
		// the null symbol and section symbols have no name entry
		if sym.Name == "" || sym.Type == STT_SECTION {
			sym.Sym.StName = 0
			continue
		}
		sym.Sym.StName = uint32(len(data))
		data = append(data, helpers.String2Bytes(sym.Name)...)
	}

	strtab.Data = data
	return nil
}

func (o *Object) rebuildSymtab() error {
	symtab := o.FindSectionByName(".symtab")
	if symtab == nil {
		return errors.New("missing .symtab section")
	}
	strtab := o.FindSectionByName(".strtab")
	if strtab == nil {
		return errors.New("missing .strtab section")
	}

	firstGlobal := len(o.Symbols)
	data := make([]byte, len(o.Symbols)*symSize)
	for i, sym := range o.Symbols {
		sym.Sym.StInfo = sym.Bind<<4 | sym.Type
		if sym.Bind != STB_LOCAL && i < firstGlobal {
			firstGlobal = i
		}

		entry := data[i*symSize:]
		binary.LittleEndian.PutUint32(entry[0x00:], sym.Sym.StName)
		entry[0x04] = sym.Sym.StInfo
		entry[0x05] = sym.Sym.StOther
		binary.LittleEndian.PutUint16(entry[0x06:], sym.Sym.StShNdx)
		binary.LittleEndian.PutUint64(entry[0x08:], sym.Sym.StValue)
		binary.LittleEndian.PutUint64(entry[0x10:], sym.Sym.StSize)
	}

	symtab.Data = data
	symtab.Shdr.ShEntSize = symSize
	symtab.Shdr.ShLink = uint32(strtab.Index)
	symtab.Shdr.ShInfo = uint32(firstGlobal)
	return nil
}

// serialize lays sections out after the ELF header, then appends the
// section header table (with the synthesized null entry at index 0).
func (o *Object) serialize() []byte {
	offset := uint64(ehdrSize)
	for _, sec := range o.Sections {
		offset = helpers.AlignUp(offset, sec.Shdr.ShAddrAlign)
		sec.Shdr.ShOff = offset
		if sec.Shdr.ShType == SHT_NOBITS {
			continue
		}
		sec.Shdr.ShSize = uint64(len(sec.Data))
		offset += sec.Shdr.ShSize
	}

	shOff := helpers.AlignUp(offset, 8)
	total := shOff + uint64(len(o.Sections)+1)*shdrSize
	contents := make([]byte, total)

	header := o.Header
	header.Type = ET_REL
	header.Entry = 0
	header.PhOff = 0
	header.PhNum = 0
	header.PhEntSize = 0
	header.EhSize = ehdrSize
	header.ShOff = shOff
	header.ShEntSize = shdrSize
	header.ShNum = uint16(len(o.Sections) + 1)
	header.ShStrNdx = uint16(o.FindSectionByName(".shstrtab").Index)
	putEhdr(contents, header)

	for _, sec := range o.Sections {
		if sec.Shdr.ShType != SHT_NOBITS {
			copy(contents[sec.Shdr.ShOff:], sec.Data)
		}
		putShdr(contents[shOff+uint64(sec.Index)*shdrSize:], sec.Shdr)
	}

	return contents
}

func putEhdr(contents []byte, header ELF64Ehdr) {
	copy(contents[0:EI_NIDENT], header.Ident[:])
	binary.LittleEndian.PutUint16(contents[0x10:], header.Type)
	binary.LittleEndian.PutUint16(contents[0x12:], header.Machine)
	binary.LittleEndian.PutUint32(contents[0x14:], header.Version)
	binary.LittleEndian.PutUint64(contents[0x18:], header.Entry)
	binary.LittleEndian.PutUint64(contents[0x20:], header.PhOff)
	binary.LittleEndian.PutUint64(contents[0x28:], header.ShOff)
	binary.LittleEndian.PutUint32(contents[0x30:], header.Flags)
	binary.LittleEndian.PutUint16(contents[0x34:], header.EhSize)
	binary.LittleEndian.PutUint16(contents[0x36:], header.PhEntSize)
	binary.LittleEndian.PutUint16(contents[0x38:], header.PhNum)
	binary.LittleEndian.PutUint16(contents[0x3a:], header.ShEntSize)
	binary.LittleEndian.PutUint16(contents[0x3c:], header.ShNum)
	binary.LittleEndian.PutUint16(contents[0x3e:], header.ShStrNdx)
}

func putShdr(contents []byte, shdr ELF64Shdr) {
	binary.LittleEndian.PutUint32(contents[0x00:], shdr.ShName)
	binary.LittleEndian.PutUint32(contents[0x04:], shdr.ShType)
	binary.LittleEndian.PutUint64(contents[0x08:], shdr.ShFlags)
	binary.LittleEndian.PutUint64(contents[0x10:], shdr.ShAddr)
	binary.LittleEndian.PutUint64(contents[0x18:], shdr.ShOff)
	binary.LittleEndian.PutUint64(contents[0x20:], shdr.ShSize)
	binary.LittleEndian.PutUint32(contents[0x28:], shdr.ShLink)
	binary.LittleEndian.PutUint32(contents[0x2c:], shdr.ShInfo)
	binary.LittleEndian.PutUint64(contents[0x30:], shdr.ShAddrAlign)
	binary.LittleEndian.PutUint64(contents[0x38:], shdr.ShEntSize)
}
