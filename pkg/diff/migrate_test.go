package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
)

func TestMigrateIncludedElements(t *testing.T) {
	o := testObject()
	o.Symbols[0].Include = true

	foo := addFunc(o, "foo", elf.STB_GLOBAL, []byte{0x90, 0xc3})
	foo.Status = elf.CHANGED
	foo.Twin = &elf.Symbol{Name: "foo"}
	includeSymbol(foo)

	// an unchanged callee: the symbol travels, its section does not
	bar := addFunc(o, "bar", elf.STB_GLOBAL, []byte{0xc3})
	bar.Status = elf.SAME
	bar.Include = true

	left := addFunc(o, "left_behind", elf.STB_LOCAL, []byte{0xc3})

	out := migrateIncludedElements(o)

	assert.Len(t, out.Sections, 1)
	assert.Equal(t, foo.Sec, out.Sections[0])

	for _, sym := range out.Symbols {
		assert.NotEqual(t, left, sym)
		assert.Nil(t, sym.Twin)
	}

	// the dangling section reference was cut
	assert.Nil(t, bar.Sec)
	assert.Equal(t, out.Sections[0], foo.Sec)
}

func TestReorderSymbols(t *testing.T) {
	o := elf.NewObject()

	global := &elf.Symbol{Name: "g", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL}
	localObj := &elf.Symbol{Name: "o", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	localFunc1 := &elf.Symbol{Name: "f1", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL}
	localFunc2 := &elf.Symbol{Name: "f2", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL}
	file := &elf.Symbol{Name: "a.c", Type: elf.STT_FILE, Bind: elf.STB_LOCAL}
	null := &elf.Symbol{}

	o.Symbols = []*elf.Symbol{global, localObj, localFunc1, file, null, localFunc2}

	reorderSymbols(o)

	assert.Equal(t, []*elf.Symbol{null, file, localFunc1, localFunc2, localObj, global},
		o.Symbols)
}

func TestReindexElements(t *testing.T) {
	o := testObject()

	foo := addFunc(o, "foo", elf.STB_GLOBAL, []byte{0xc3})
	relasec := addRelaSection(o, foo.Sec)
	abs := addSymbol(o, "abs", elf.STT_NOTYPE, elf.STB_GLOBAL, nil, 0)
	abs.Sym.StShNdx = elf.SHN_ABS
	undef := addSymbol(o, "ext", elf.STT_NOTYPE, elf.STB_GLOBAL, nil, 0)
	undef.Sym.StShNdx = 99

	reindexElements(o)

	assert.Equal(t, 1, foo.Sec.Index)
	assert.Equal(t, 2, relasec.Index)

	for i, sym := range o.Symbols {
		assert.Equal(t, i, sym.Index)
	}

	assert.Equal(t, uint16(foo.Sec.Index), foo.Sym.StShNdx)
	// absolute symbols keep their marker, undefined ones are reset
	assert.Equal(t, elf.SHN_ABS, abs.Sym.StShNdx)
	assert.Equal(t, elf.SHN_UNDEF, undef.Sym.StShNdx)
}
