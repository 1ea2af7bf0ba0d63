package diff

import (
	"github.com/rosslagerwall/xsplice-build/pkg/elf"
)

// fixture builders shared by the package tests; they assemble small
// in-memory models the way the reader would have wired them.

func testObject() *elf.Object {
	o := elf.NewObject()
	// the null symbol
	o.Symbols = append(o.Symbols, &elf.Symbol{})
	return o
}

func addSection(o *elf.Object, name string, typ uint32, data []byte) *elf.Section {
	sec := &elf.Section{
		Name:  name,
		Data:  data,
		Index: len(o.Sections) + 1,
		Shdr: elf.ELF64Shdr{
			ShType:      typ,
			ShSize:      uint64(len(data)),
			ShAddrAlign: 1,
		},
	}
	o.Sections = append(o.Sections, sec)
	return sec
}

func addSecSym(o *elf.Object, sec *elf.Section) *elf.Symbol {
	sym := &elf.Symbol{
		Name: sec.Name,
		Type: elf.STT_SECTION,
		Bind: elf.STB_LOCAL,
		Sec:  sec,
	}
	sec.SecSym = sym
	o.Symbols = append(o.Symbols, sym)
	return sym
}

func addSymbol(o *elf.Object, name string, typ, bind byte, sec *elf.Section, size uint64) *elf.Symbol {
	sym := &elf.Symbol{
		Name: name,
		Type: typ,
		Bind: bind,
		Sec:  sec,
		Sym:  elf.ELF64Sym{StInfo: bind<<4 | typ, StSize: size},
	}
	if sec != nil {
		sym.Sym.StShNdx = uint16(sec.Index)
	}
	o.Symbols = append(o.Symbols, sym)
	return sym
}

// addFunc creates a bundled per-function text section with its section
// symbol and function symbol.
func addFunc(o *elf.Object, name string, bind byte, data []byte) *elf.Symbol {
	sec := addSection(o, ".text."+name, elf.SHT_PROGBITS, data)
	sec.Shdr.ShFlags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	addSecSym(o, sec)
	sym := addSymbol(o, name, elf.STT_FUNC, bind, sec, uint64(len(data)))
	sec.Sym = sym
	return sym
}

// addRelaSection attaches a rela section to base.
func addRelaSection(o *elf.Object, base *elf.Section) *elf.Section {
	sec := addSection(o, ".rela"+base.Name, elf.SHT_RELA, nil)
	sec.Shdr.ShAddrAlign = 8
	sec.Shdr.ShEntSize = 24
	sec.Base = base
	base.Rela = sec
	return sec
}

func addRela(sec *elf.Section, sym *elf.Symbol, typ uint32, offset uint64, addend int64) *elf.Rela {
	rela := &elf.Rela{
		Offset: offset,
		Type:   typ,
		Addend: addend,
		Sym:    sym,
	}
	sec.Relas = append(sec.Relas, rela)
	return rela
}
