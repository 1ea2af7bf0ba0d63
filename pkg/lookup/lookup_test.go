package lookup

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func info(bind elf.SymBind, typ elf.SymType) byte {
	return byte(bind)<<4 | byte(typ)
}

func testSymbols() []elf.Symbol {
	return []elf.Symbol{
		{Name: "a.c", Info: info(elf.STB_LOCAL, elf.STT_FILE)},
		{Name: "counter", Info: info(elf.STB_LOCAL, elf.STT_OBJECT), Value: 0x100, Size: 4},
		{Name: "tick", Info: info(elf.STB_LOCAL, elf.STT_FUNC), Value: 0x1000, Size: 64},
		{Name: "b.c", Info: info(elf.STB_LOCAL, elf.STT_FILE)},
		{Name: "tick", Info: info(elf.STB_LOCAL, elf.STT_FUNC), Value: 0x2000, Size: 32},
		{Name: "do_domctl", Info: info(elf.STB_GLOBAL, elf.STT_FUNC), Value: 0x3000, Size: 128},
		{Name: "_end", Info: info(elf.STB_GLOBAL, elf.STT_NOTYPE), Value: 0x4000},
	}
}

func TestGlobal(t *testing.T) {
	table := NewTable(testSymbols())

	result, found := table.Global("do_domctl")
	assert.True(t, found)
	assert.Equal(t, uint64(0x3000), result.Value)
	assert.Equal(t, uint64(128), result.Size)

	// locals are not visible through global lookup
	_, found = table.Global("tick")
	assert.False(t, found)

	// untyped symbols are not patch targets
	_, found = table.Global("_end")
	assert.False(t, found)
}

func TestLocal(t *testing.T) {
	table := NewTable(testSymbols())

	// the same local name resolves per translation unit
	result, found := table.Local("tick", "a.c")
	assert.True(t, found)
	assert.Equal(t, uint64(0x1000), result.Value)
	assert.Equal(t, uint64(64), result.Size)

	result, found = table.Local("tick", "b.c")
	assert.True(t, found)
	assert.Equal(t, uint64(0x2000), result.Value)

	_, found = table.Local("tick", "c.c")
	assert.False(t, found)

	result, found = table.Local("counter", "a.c")
	assert.True(t, found)
	assert.Equal(t, uint64(0x100), result.Value)
}
