// Package lookup resolves symbol addresses and sizes against the
// running image (e.g. xen-syms). Locals are disambiguated by the name
// of the translation unit they were compiled from, following the
// file#symbol convention of the target's special symbol table.
package lookup

import (
	"debug/elf"
	"fmt"

	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

type entry struct {
	name string
	file string // owning STT_FILE name, "" for globals
	bind elf.SymBind
	typ  elf.SymType

	value uint64
	size  uint64
}

// Table is the symbol table of the running image.
type Table struct {
	entries []entry
}

// Result is a resolved symbol's address and size in the running image.
type Result struct {
	Value uint64
	Size  uint64
}

// Open reads the running image's symbol table. The image is a fully
// linked binary, so the standard reader applies rather than the strict
// relocatable-object reader used for the inputs.
func Open(path string) (*Table, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	syms, err := file.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbols of %s: %w", path, err)
	}

	return NewTable(syms), nil
}

// NewTable builds a lookup table from a symbol list in file order.
// STT_FILE markers delimit the locals of each translation unit.
func NewTable(syms []elf.Symbol) *Table {
	t := &Table{}

	curfile := ""
	for _, sym := range syms {
		typ := elf.ST_TYPE(sym.Info)
		bind := elf.ST_BIND(sym.Info)

		if typ == elf.STT_FILE {
			curfile = sym.Name
			continue
		}
		if typ != elf.STT_FUNC && typ != elf.STT_OBJECT {
			continue
		}

		file := curfile
		if bind != elf.STB_LOCAL {
			file = ""
		}

		t.entries = append(t.entries, entry{
			name:  sym.Name,
			file:  file,
			bind:  bind,
			typ:   typ,
			value: sym.Value,
			size:  sym.Size,
		})
	}

	return t
}

// Global resolves a global symbol by name.
func (t *Table) Global(name string) (Result, bool) {
	for _, e := range t.entries {
		if e.bind != elf.STB_LOCAL && e.name == name {
			log.Debugf("lookup for %s @ %#016x len %d", name, e.value, e.size)
			return Result{Value: e.value, Size: e.size}, true
		}
	}

	return Result{}, false
}

// Local resolves a local symbol by name within the translation unit
// named by hint.
func (t *Table) Local(name, hint string) (Result, bool) {
	for _, e := range t.entries {
		if e.bind == elf.STB_LOCAL && e.name == name && e.file == hint {
			log.Debugf("lookup for %s (%s) @ %#016x len %d",
				name, hint, e.value, e.size)
			return Result{Value: e.value, Size: e.size}, true
		}
	}

	return Result{}, false
}
