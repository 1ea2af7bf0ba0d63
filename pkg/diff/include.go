package diff

import (
	"errors"
	"strings"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// includeStandardElements pulls in the sections every patch object
// needs regardless of what changed.
func includeStandardElements(o *elf.Object) {
	for _, sec := range o.Sections {
		if sec.Name == ".shstrtab" ||
			sec.Name == ".strtab" ||
			sec.Name == ".symtab" ||
			strings.HasPrefix(sec.Name, ".rodata.str1.") {
			sec.Include = true
			if sec.SecSym != nil {
				sec.SecSym.Include = true
			}
		}
	}

	// the null symbol
	o.Symbols[0].Include = true
}

// includeSymbol computes the inclusion closure from sym: the symbol,
// its section when the symbol carries changes, that section's section
// symbol and relocations, and every symbol those relocations target.
// An explicit worklist bounds stack use on deep reference chains.
func includeSymbol(sym *elf.Symbol) {
	work := []*elf.Symbol{sym}

	for len(work) > 0 {
		s := work[len(work)-1]
		work = work[:len(work)-1]

		s.Include = true
		log.Debugf("symbol %s is included", s.Name)

		// sectionless symbols and unchanged non-section symbols end
		// the recursion, as do sections already included
		if s.Sec == nil || s.Sec.Include ||
			(s.Type != elf.STT_SECTION && s.Status == elf.SAME) {
			continue
		}

		sec := s.Sec
		sec.Include = true
		log.Debugf("section %s is included", sec.Name)
		if sec.SecSym != nil && sec.SecSym != s {
			sec.SecSym.Include = true
		}
		if sec.Rela == nil {
			continue
		}
		sec.Rela.Include = true
		for _, rela := range sec.Rela.Relas {
			work = append(work, rela.Sym)
		}
	}
}

// includeChangedFunctions seeds the closure with every changed
// function and reports how many there were. STT_FILE symbols ride
// along unconditionally; the patch-table emitter needs them.
func includeChangedFunctions(o *elf.Object) int {
	changed := 0

	for _, sym := range o.Symbols {
		if sym.Status == elf.CHANGED && sym.Type == elf.STT_FUNC {
			changed++
			includeSymbol(sym)
		}

		if sym.Type == elf.STT_FILE {
			sym.Include = true
		}
	}

	return changed
}

// includeDebugSections includes all .debug_* sections and strips every
// debug relocation referencing a symbol whose section did not make it
// into the output.
func includeDebugSections(o *elf.Object) {
	for _, sec := range o.Sections {
		if !sec.IsDebug() {
			continue
		}
		sec.Include = true
		if !sec.IsRela() && sec.SecSym != nil {
			sec.SecSym.Include = true
		}
	}

	for _, sec := range o.Sections {
		if !sec.IsRela() || !sec.IsDebug() {
			continue
		}
		kept := sec.Relas[:0]
		for _, rela := range sec.Relas {
			if rela.Sym.Sec != nil && rela.Sym.Sec.Include {
				kept = append(kept, rela)
			}
		}
		sec.Relas = kept
	}
}

var hookSectionNames = []string{
	".xsplice.hooks.load",
	".xsplice.hooks.unload",
	".rela.xsplice.hooks.load",
	".rela.xsplice.hooks.unload",
}

// includeHookElements includes the load/unload hook sections and the
// functions they reference. The temporary global pointer objects the
// hook macros emit (xsplice_load_data / xsplice_unload_data) are
// stripped; their relocation is redirected to the hook section's
// section symbol instead.
func includeHookElements(o *elf.Object) error {
	for _, sec := range o.Sections {
		found := false
		for _, name := range hookSectionNames {
			if sec.Name == name {
				found = true
				break
			}
		}
		if !found {
			continue
		}

		sec.Include = true
		if !sec.IsRela() {
			if sec.SecSym != nil {
				sec.SecSym.Include = true
			}
			continue
		}

		if len(sec.Relas) == 0 {
			return errors.New("hook section " + sec.Name + " has no relocations")
		}
		rela := sec.Relas[0]
		sym := rela.Sym
		log.Infof("found hook: %s", sym.Name)
		includeSymbol(sym)

		// strip the hook pointer symbol, reference the section instead
		sym.Include = false
		if sym.Sec == nil || sym.Sec.SecSym == nil {
			return errors.New("hook symbol " + sym.Name + " is not bundled")
		}
		sym.Sec.Sym = nil
		rela.Sym = sym.Sec.SecSym
	}

	for _, sym := range o.Symbols {
		if sym.Name == "xsplice_load_data" || sym.Name == "xsplice_unload_data" {
			sym.Include = false
		}
	}

	return nil
}

// includeNewGlobals includes every new global definition and reports
// how many there were.
func includeNewGlobals(o *elf.Object) int {
	nr := 0

	for _, sym := range o.Symbols {
		if sym.Bind == elf.STB_GLOBAL && sym.Sec != nil &&
			sym.Status == elf.NEW {
			includeSymbol(sym)
			nr++
		}
	}

	return nr
}

func printChanges(o *elf.Object) {
	for _, sym := range o.Symbols {
		if !sym.Include || sym.Sec == nil || sym.Type != elf.STT_FUNC {
			continue
		}
		if sym.Status == elf.NEW {
			log.Infof("new function: %s", sym.Name)
		} else if sym.Status == elf.CHANGED {
			log.Infof("changed function: %s", sym.Name)
		}
	}
}

// verifyPatchability rejects diffs the runtime cannot apply. All
// offending elements are reported at once.
func verifyPatchability(o *elf.Object) error {
	var errs []string

	for _, sec := range o.Sections {
		if sec.Status == elf.CHANGED && !sec.Include {
			errs = append(errs,
				"changed section "+sec.Name+" not selected for inclusion")
		}

		if sec.Status != elf.SAME && sec.Grouped {
			errs = append(errs,
				"changed section "+sec.Name+" is part of a section group")
		}

		if sec.Shdr.ShType == elf.SHT_GROUP && sec.Status == elf.NEW {
			errs = append(errs, "new/changed group sections are not supported")
		}

		// no .data.* or .bss.* may be included unless new
		// (.data.unlikely is ok, it only holds __warned vars)
		if sec.Include && sec.Status != elf.NEW &&
			(strings.HasPrefix(sec.Name, ".data") ||
				strings.HasPrefix(sec.Name, ".bss")) &&
			sec.Name != ".data.unlikely" {
			errs = append(errs, "data section "+sec.Name+" selected for inclusion")
		}
	}

	if len(errs) > 0 {
		return &DiffError{Msgs: errs}
	}

	return nil
}
