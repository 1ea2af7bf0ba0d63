package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
)

func TestFixupGroupSize(t *testing.T) {
	o := testObject()

	fixup := addSection(o, ".fixup", elf.SHT_PROGBITS, make([]byte, 20))
	fixupSym := addSecSym(o, fixup)

	exTable := addSection(o, ".ex_table", elf.SHT_PROGBITS, make([]byte, 16))
	exRela := addRelaSection(o, exTable)
	addRela(exRela, fixupSym, elf.R_X86_64_64, 0, 0)
	addRela(exRela, fixupSym, elf.R_X86_64_64, 8, 8)

	size, err := fixupGroupSize(o, 0)
	assert.NoError(t, err)
	assert.Equal(t, 8, size)

	// the last group extends to the end of the section
	size, err = fixupGroupSize(o, 8)
	assert.NoError(t, err)
	assert.Equal(t, 12, size)

	_, err = fixupGroupSize(o, 4)
	assert.Error(t, err)
}

// Only the groups whose relocations reach included functions survive,
// compacted in original order. This mirrors a patched function with an
// .ex_table entry: its group is kept, all others dropped.
func TestRegenerateExTable(t *testing.T) {
	o := testObject()

	foo := addFunc(o, "foo", elf.STB_GLOBAL, []byte{0x90, 0xc3})
	foo.Sec.Include = true
	bar := addFunc(o, "bar", elf.STB_GLOBAL, []byte{0xc3})

	data := []byte{
		0, 1, 2, 3, 4, 5, 6, 7, // group 0 -> bar
		8, 9, 10, 11, 12, 13, 14, 15, // group 1 -> foo (included)
		16, 17, 18, 19, 20, 21, 22, 23, // group 2 -> bar
	}
	exTable := addSection(o, ".ex_table", elf.SHT_PROGBITS, data)
	exTable.Shdr.ShAddrAlign = 8
	exRela := addRelaSection(o, exTable)
	addRela(exRela, bar, elf.R_X86_64_PC32, 0, 0)
	addRela(exRela, foo, elf.R_X86_64_PC32, 8, 0)
	addRela(exRela, foo, elf.R_X86_64_PC32, 12, 0)
	addRela(exRela, bar, elf.R_X86_64_PC32, 16, 0)

	err := regenerateSpecialSection(o, specialSections[5], exRela)
	assert.NoError(t, err)

	assert.True(t, exTable.Include)
	assert.True(t, exRela.Include)
	assert.Equal(t, data[8:16], exTable.Data)
	assert.Equal(t, uint64(8), exTable.Shdr.ShSize)

	// the surviving relocations were rebased onto the compacted layout
	assert.Len(t, exRela.Relas, 2)
	assert.Equal(t, uint64(0), exRela.Relas[0].Offset)
	assert.Equal(t, uint64(4), exRela.Relas[1].Offset)
	assert.Equal(t, foo, exRela.Relas[0].Sym)
	assert.True(t, foo.Include)
	assert.False(t, bar.Include)
}

// With no group referencing included code the section pair is dropped
// and forced back to SAME.
func TestRegenerateExTableEmpty(t *testing.T) {
	o := testObject()

	bar := addFunc(o, "bar", elf.STB_GLOBAL, []byte{0xc3})

	exTable := addSection(o, ".ex_table", elf.SHT_PROGBITS, make([]byte, 8))
	exTable.Shdr.ShAddrAlign = 8
	exTable.Status = elf.CHANGED
	exRela := addRelaSection(o, exTable)
	exRela.Status = elf.CHANGED
	addRela(exRela, bar, elf.R_X86_64_PC32, 0, 0)

	err := regenerateSpecialSection(o, specialSections[5], exRela)
	assert.NoError(t, err)

	assert.False(t, exTable.Include)
	assert.False(t, exRela.Include)
	assert.Equal(t, elf.SAME, exTable.Status)
	assert.Equal(t, elf.SAME, exRela.Status)
}

func TestRegenerateGroupSizeMismatch(t *testing.T) {
	o := testObject()

	// 12 bytes cannot be tiled by 8-byte groups
	exTable := addSection(o, ".ex_table", elf.SHT_PROGBITS, make([]byte, 12))
	exTable.Shdr.ShAddrAlign = 1
	exRela := addRelaSection(o, exTable)

	err := regenerateSpecialSection(o, specialSections[5], exRela)
	assert.Error(t, err)
}

func TestProcessSpecialSectionsAltinstrReplacement(t *testing.T) {
	o := testObject()

	foo := addFunc(o, "foo", elf.STB_GLOBAL, []byte{0x90, 0xc3})

	alt := addSection(o, ".altinstr_replacement", elf.SHT_PROGBITS, []byte{0x90})
	altSym := addSecSym(o, alt)
	altRela := addRelaSection(o, alt)
	addRela(altRela, foo, elf.R_X86_64_PC32, 0, 0)

	err := processSpecialSections(o)
	assert.NoError(t, err)

	assert.True(t, alt.Include)
	assert.True(t, altSym.Include)
	assert.True(t, altRela.Include)
	assert.True(t, foo.Include)
}

func TestRegenerateFixupVariableGroups(t *testing.T) {
	o := testObject()

	foo := addFunc(o, "foo", elf.STB_GLOBAL, []byte{0x90, 0xc3})
	foo.Sec.Include = true
	bar := addFunc(o, "bar", elf.STB_GLOBAL, []byte{0xc3})

	// two fixup groups: [0,6) handled by bar, [6,16) by foo
	fixup := addSection(o, ".fixup", elf.SHT_PROGBITS, []byte{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	})
	fixup.Shdr.ShAddrAlign = 1
	fixupSym := addSecSym(o, fixup)
	fixupRela := addRelaSection(o, fixup)
	addRela(fixupRela, bar, elf.R_X86_64_PC32, 2, 0)
	addRela(fixupRela, foo, elf.R_X86_64_PC32, 10, 0)

	exTable := addSection(o, ".ex_table", elf.SHT_PROGBITS, make([]byte, 16))
	exRela := addRelaSection(o, exTable)
	addRela(exRela, fixupSym, elf.R_X86_64_64, 0, 0)
	addRela(exRela, fixupSym, elf.R_X86_64_64, 8, 6)

	err := regenerateSpecialSection(o, specialSections[4], fixupRela)
	assert.NoError(t, err)

	assert.True(t, fixup.Include)
	assert.Equal(t, []byte{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, fixup.Data)
	assert.Len(t, fixupRela.Relas, 1)
	assert.Equal(t, foo, fixupRela.Relas[0].Sym)
	assert.Equal(t, uint64(4), fixupRela.Relas[0].Offset)
}
