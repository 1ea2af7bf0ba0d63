package diff

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
	"github.com/rosslagerwall/xsplice-build/pkg/lookup"
)

// PatchInsnSize is the smallest function the runtime can patch: the
// patch site must hold a 5-byte jmp rel32.
const PatchInsnSize = 5

// patch function record layout, fixed by the target runtime:
// old_addr u64, new_addr u64, old_size u32, new_size u32,
// name u64 (pointer slot), pad to 64 bytes.
const (
	patchFuncSize    = 64
	patchFuncNewAddr = 8
	patchFuncOldSize = 16
	patchFuncNewSize = 20
	patchFuncName    = 24
)

// mangleLocalSymbol disambiguates a local against the running image's
// symbol table with the name of its translation unit.
func mangleLocalSymbol(hint, name string) string {
	return hint + "#" + name
}

// createStringsElements allocates the patch module's own string pool
// section and its section symbol.
func createStringsElements(o *elf.Object) {
	sec := &elf.Section{
		Name: ".xsplice.strings",
		Shdr: elf.ELF64Shdr{
			ShType:      elf.SHT_PROGBITS,
			ShFlags:     elf.SHF_ALLOC,
			ShEntSize:   1,
			ShAddrAlign: 1,
		},
	}
	o.Sections = append(o.Sections, sec)

	sym := &elf.Symbol{
		Name: ".xsplice.strings",
		Type: elf.STT_SECTION,
		Bind: elf.STB_LOCAL,
		Sec:  sec,
	}
	sec.SecSym = sym
	o.Symbols = append(o.Symbols, sym)
}

// createSectionPair allocates a PROGBITS section of nr fixed-size
// entries together with its rela section.
func createSectionPair(o *elf.Object, name string, entsize, nr int) *elf.Section {
	sec := &elf.Section{
		Name: name,
		Data: make([]byte, entsize*nr),
		Shdr: elf.ELF64Shdr{
			ShType:      elf.SHT_PROGBITS,
			ShFlags:     elf.SHF_ALLOC,
			ShEntSize:   uint64(entsize),
			ShAddrAlign: 8,
			ShSize:      uint64(entsize * nr),
		},
	}

	relasec := &elf.Section{
		Name: ".rela" + name,
		Base: sec,
		Shdr: elf.ELF64Shdr{
			ShType:      elf.SHT_RELA,
			ShEntSize:   24,
			ShAddrAlign: 8,
		},
	}
	sec.Rela = relasec

	o.Sections = append(o.Sections, sec, relasec)
	return sec
}

// createPatchesSections emits one patch function record per changed
// function, resolved against the running image. new_addr and name stay
// zero in the data; 64-bit absolute relocations fill them at load
// time.
func createPatchesSections(o *elf.Object, table *lookup.Table, hint string, resolve bool) error {
	nr := 0
	for _, sym := range o.Symbols {
		if sym.Type == elf.STT_FUNC && sym.Status == elf.CHANGED {
			nr++
		}
	}

	sec := createSectionPair(o, ".xsplice.funcs", patchFuncSize, nr)
	relasec := sec.Rela
	funcs := sec.Data

	strsym := o.FindSymbolByName(".xsplice.strings")
	if strsym == nil {
		return errors.New("can't find .xsplice.strings symbol")
	}

	index := 0
	for _, sym := range o.Symbols {
		if sym.Type != elf.STT_FUNC || sym.Status != elf.CHANGED {
			continue
		}

		var funcname string
		var result lookup.Result
		var found bool
		if sym.Bind == elf.STB_LOCAL {
			funcname = mangleLocalSymbol(hint, sym.Name)
			result, found = table.Local(sym.Name, hint)
			if !found {
				return fmt.Errorf("lookup local symbol %s (%s)", sym.Name, hint)
			}
		} else {
			funcname = sym.Name
			result, found = table.Global(sym.Name)
			if !found {
				return fmt.Errorf("lookup global symbol %s", sym.Name)
			}
		}

		if result.Size < PatchInsnSize {
			return fmt.Errorf("%s too small to patch", sym.Name)
		}

		entry := funcs[index*patchFuncSize:]
		if resolve {
			binary.LittleEndian.PutUint64(entry[0:], result.Value)
		}
		// old_addr stays 0 without --resolve; the runtime fills it
		// at load time
		binary.LittleEndian.PutUint32(entry[patchFuncOldSize:], uint32(result.Size))
		binary.LittleEndian.PutUint32(entry[patchFuncNewSize:], uint32(sym.Sym.StSize))

		// new_addr is populated at load time through a relocation
		// against the patched function
		relasec.Relas = append(relasec.Relas, &elf.Rela{
			Sym:    sym,
			Type:   elf.R_X86_64_64,
			Addend: 0,
			Offset: uint64(index*patchFuncSize + patchFuncNewAddr),
		})

		// likewise the name slot, against the string pool
		relasec.Relas = append(relasec.Relas, &elf.Rela{
			Sym:    strsym,
			Type:   elf.R_X86_64_64,
			Addend: o.StringOffset(funcname),
			Offset: uint64(index*patchFuncSize + patchFuncName),
		})

		index++
	}

	if index != nr {
		return errors.New("size mismatch in funcs sections")
	}

	return nil
}

// buildStringsSectionData lays the string pool out as a NUL terminated
// concatenation in insertion order.
func buildStringsSectionData(o *elf.Object) error {
	sec := o.FindSectionByName(".xsplice.strings")
	if sec == nil {
		return errors.New("can't find .xsplice.strings")
	}

	var data []byte
	for _, s := range o.Strings {
		data = append(data, helpers.String2Bytes(s)...)
	}

	sec.Data = data
	sec.Shdr.ShSize = uint64(len(data))
	return nil
}

// renameLocalSymbols switches every local function and object to the
// file#symbol form the target's special symbol table uses.
func renameLocalSymbols(o *elf.Object, hint string) {
	for _, sym := range o.Symbols {
		if sym.Name == "" {
			continue
		}
		if sym.Type != elf.STT_FUNC && sym.Type != elf.STT_OBJECT {
			continue
		}
		if sym.Bind != elf.STB_LOCAL {
			continue
		}

		sym.Name = mangleLocalSymbol(hint, sym.Name)
		log.Debugf("local symbol mangled to: %s", sym.Name)
	}
}
