package elf

import (
	"strings"

	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
)

/*
   The following structures are documented by https://www.uclibc.org/docs/elf-64-gen.pdf
*/

type ELF64Ehdr struct {
	Ident     [16]byte // ELF identification
	Type      uint16   // Object file type
	Machine   uint16   // Machine type
	Version   uint32   // Object file version
	Entry     uint64   // Entry point address
	PhOff     uint64   // Program Header offset
	ShOff     uint64   // Section Header offset
	Flags     uint32   // Processor specific flags
	EhSize    uint16   // ELF Header size
	PhEntSize uint16   // Size of Program Header
	PhNum     uint16   // Number of program header entries
	ShEntSize uint16   // Size of the Section Header entry
	ShNum     uint16   // Number of Section Header entries
	ShStrNdx  uint16   // Section name String Table index
}

type ELF64Shdr struct {
	ShName      uint32 // offset to the section name relative to section name table
	ShType      uint32 // section type
	ShFlags     uint64
	ShAddr      uint64
	ShOff       uint64
	ShSize      uint64
	ShLink      uint32
	ShInfo      uint32
	ShAddrAlign uint64
	ShEntSize   uint64
}

type ELF64Sym struct {
	// string table offset
	StName uint32

	// Type and Binding
	StInfo byte

	// Padding
	StOther byte

	// section header index
	StShNdx uint16

	// section offset
	StValue uint64

	// object size
	StSize uint64
}

type ELF64Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

const (
	EI_MAG0    = 0
	EI_CLASS   = 4
	EI_DATA    = 5
	EI_VERSION = 6
	EI_NIDENT  = 16
)

const (
	ELFCLASS64  = 2
	ELFDATA2LSB = 1
)

const (
	ET_REL    uint16 = 1
	EM_X86_64 uint16 = 62
)

const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
)

const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
)

const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_NOBITS   = 8
	SHT_GROUP    = 17
)

const (
	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
	SHF_MERGE     = 0x10
	SHF_STRINGS   = 0x20
)

const (
	SHN_UNDEF uint16 = 0
	SHN_ABS   uint16 = 0xfff1
)

// x86-64 relocation types understood by the canonicalization and
// special-section passes. Anything else passes through untouched.
const (
	R_X86_64_64   uint32 = 1
	R_X86_64_PC32 uint32 = 2
	R_X86_64_32S  uint32 = 12
)

// Status classifies an element relative to its twin in the other input.
// The zero value is NEW: an element without a twin stays NEW unless a
// pass says otherwise.
type Status int

const (
	NEW Status = iota
	CHANGED
	SAME
)

func (s Status) String() string {
	switch s {
	case NEW:
		return "new"
	case CHANGED:
		return "changed"
	case SAME:
		return "same"
	}

	return "unknown"
}

// Section is one section of a relocatable object together with the
// relations the differencing passes walk: a rela section points at its
// base section and vice versa, a bundled section points at the single
// function/object symbol it holds, and Twin points at the corresponding
// section in the other input.
type Section struct {
	Name  string
	Shdr  ELF64Shdr
	Data  []byte
	Index int

	Base   *Section // set iff this is a rela section
	Rela   *Section
	SecSym *Symbol // the STT_SECTION symbol naming this section
	Sym    *Symbol // bundled function/object symbol, if any
	Relas  []*Rela

	Grouped bool
	Ignore  bool
	Include bool
	Status  Status
	Twin    *Section
}

func (sec *Section) IsRela() bool {
	return sec.Base != nil
}

func (sec *Section) IsDebug() bool {
	return strings.HasPrefix(sec.Name, ".debug_") ||
		strings.HasPrefix(sec.Name, ".rela.debug_")
}

func (sec *Section) IsText() bool {
	return sec.Shdr.ShType == SHT_PROGBITS &&
		sec.Shdr.ShFlags&SHF_EXECINSTR != 0
}

func (sec *Section) IsStrings() bool {
	return sec.Shdr.ShFlags&SHF_STRINGS != 0
}

type Symbol struct {
	Name  string
	Sym   ELF64Sym
	Index int

	Type byte
	Bind byte
	Sec  *Section

	Include bool
	Status  Status
	Twin    *Symbol
}

// Rela is a single relocation owned by a rela section. String carries
// the literal the relocation points at when the target lives in a
// mergeable string section; comparison then matches contents rather
// than pool offsets.
type Rela struct {
	Offset uint64
	Type   uint32
	Addend int64
	Sym    *Symbol
	String string
}

// Object is the in-memory model of one relocatable file. Ordering of
// the three lists is significant: emission walks them in order.
type Object struct {
	Filename string
	Header   ELF64Ehdr

	Sections []*Section
	Symbols  []*Symbol
	Strings  []string

	mapped []byte
}

func NewObject() *Object {
	return &Object{}
}

func (o *Object) FindSectionByName(name string) *Section {
	i := helpers.FindIf(o.Sections, func(sec *Section) bool {
		return sec.Name == name
	})
	if i == -1 {
		return nil
	}

	return o.Sections[i]
}

func (o *Object) FindSectionByIndex(index int) *Section {
	i := helpers.FindIf(o.Sections, func(sec *Section) bool {
		return sec.Index == index
	})
	if i == -1 {
		return nil
	}

	return o.Sections[i]
}

func (o *Object) FindSymbolByName(name string) *Symbol {
	i := helpers.FindIf(o.Symbols, func(sym *Symbol) bool {
		return sym.Name == name
	})
	if i == -1 {
		return nil
	}

	return o.Symbols[i]
}

// StringOffset returns the byte offset of name within the object's own
// string pool, appending it if not yet present. The pool is emitted as
// a NUL terminated concatenation in insertion order.
func (o *Object) StringOffset(name string) int64 {
	offset := int64(0)
	for _, s := range o.Strings {
		if s == name {
			return offset
		}
		offset += int64(len(s)) + 1
	}

	o.Strings = append(o.Strings, name)
	return offset
}
