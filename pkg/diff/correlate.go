package diff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/insn"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// compareElfHeaders rejects inputs that were not produced by the same
// toolchain configuration. Section header offset and count may
// legitimately differ and are not compared.
func compareElfHeaders(base, patched *elf.Object) error {
	h1, h2 := base.Header, patched.Header

	if h1.Ident != h2.Ident ||
		h1.Type != h2.Type ||
		h1.Machine != h2.Machine ||
		h1.Version != h2.Version ||
		h1.Entry != h2.Entry ||
		h1.PhOff != h2.PhOff ||
		h1.Flags != h2.Flags ||
		h1.EhSize != h2.EhSize ||
		h1.PhEntSize != h2.PhEntSize ||
		h1.ShEntSize != h2.ShEntSize {
		return unsupportedf("ELF headers differ")
	}

	return nil
}

func checkProgramHeaders(o *elf.Object) error {
	if o.Header.PhNum != 0 {
		return unsupportedf("ELF contains program header")
	}

	return nil
}

// markGroupedSections flags every member of an SHT_GROUP section.
// Grouped sections cannot change (verifyPatchability enforces it).
func markGroupedSections(o *elf.Object) error {
	for _, groupsec := range o.Sections {
		if groupsec.Shdr.ShType != elf.SHT_GROUP {
			continue
		}

		// skip the flag word (e.g. GRP_COMDAT)
		for off := 4; off+4 <= len(groupsec.Data); off += 4 {
			index := int(binary.LittleEndian.Uint32(groupsec.Data[off:]))
			sec := o.FindSectionByIndex(index)
			if sec == nil {
				return fmt.Errorf("group section member %d not found", index)
			}
			sec.Grouped = true
			log.Debugf("marking section %s (%d) as grouped", sec.Name, sec.Index)
		}
	}

	return nil
}

// replaceSectionSyms rewrites relocations that reference local objects
// and functions through their section symbol to reference the symbols
// themselves, so that relocations correlate across the two inputs and
// so the existing code in the running image can be linked to.
func replaceSectionSyms(o *elf.Object) error {
	for _, sec := range o.Sections {
		if !sec.IsRela() || sec.IsDebug() {
			continue
		}

		for _, rela := range sec.Relas {
			if rela.Sym.Type != elf.STT_SECTION {
				continue
			}

			// references to bundled sections become their symbols
			if rela.Sym.Sec != nil && rela.Sym.Sec.Sym != nil {
				rela.Sym = rela.Sym.Sec.Sym
				continue
			}

			var addOff int64
			switch rela.Type {
			case elf.R_X86_64_PC32:
				// the effective target is relative to the end of
				// the instruction containing the relocation
				next, err := insn.NextBoundary(sec.Base.Data, rela.Offset)
				if err != nil {
					return fmt.Errorf("%s: %w", sec.Base.Name, err)
				}
				addOff = int64(next) - int64(rela.Offset)
			case elf.R_X86_64_64, elf.R_X86_64_32S:
				addOff = 0
			default:
				continue
			}

			// attempt to replace references to unbundled sections
			// with their symbols
			for _, sym := range o.Symbols {
				if sym.Type == elf.STT_SECTION || sym.Sec != rela.Sym.Sec {
					continue
				}

				start := int64(sym.Sym.StValue)
				end := start + int64(sym.Sym.StSize)
				if rela.Addend+addOff < start || rela.Addend+addOff >= end {
					continue
				}

				log.Debugf("%s: replacing %s+%d reference with %s+%d",
					sec.Name, rela.Sym.Name, rela.Addend,
					sym.Name, rela.Addend-start)

				rela.Sym = sym
				rela.Addend -= start
				break
			}
		}
	}

	return nil
}

// mangledEqual compares two gcc-mangled symbol names, skipping any
// substring consisting of '.' followed by digits.
func mangledEqual(s1, s2 string) bool {
	at := func(s string, i int) byte {
		if i < len(s) {
			return s[i]
		}
		return 0
	}

	i, j := 0, 0
	for at(s1, i) == at(s2, j) {
		if at(s1, i) == 0 {
			return true
		}
		if at(s1, i) == '.' && isDigit(at(s1, i+1)) {
			if !isDigit(at(s2, j+1)) {
				return false
			}
			for i++; isDigit(at(s1, i)); i++ {
			}
			for j++; isDigit(at(s2, j)); j++ {
			}
		} else {
			i++
			j++
		}
	}

	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// renameMangledFunctions renames patched functions whose names carry a
// compiler-chosen suffix (foo.isra.2 etc.) to their base counterpart's
// name; the trailing number is arbitrary and may differ between the
// two compilations of the same function.
func renameMangledFunctions(base, patched *elf.Object) {
	for _, sym := range patched.Symbols {
		if sym.Type != elf.STT_FUNC {
			continue
		}

		if !strings.Contains(sym.Name, ".isra.") &&
			!strings.Contains(sym.Name, ".constprop.") &&
			!strings.Contains(sym.Name, ".part.") {
			continue
		}

		var basesym *elf.Symbol
		for _, candidate := range base.Symbols {
			if mangledEqual(candidate.Name, sym.Name) {
				basesym = candidate
				break
			}
		}
		if basesym == nil {
			continue
		}

		if sym.Name == basesym.Name {
			continue
		}

		log.Debugf("renaming %s to %s", sym.Name, basesym.Name)
		origname := sym.Name
		sym.Name = basesym.Name

		if sym.Sec == nil || sym != sym.Sec.Sym {
			continue
		}

		sym.Sec.Name = basesym.Sec.Name
		if sym.Sec.Rela != nil && basesym.Sec.Rela != nil {
			sym.Sec.Rela.Name = basesym.Sec.Rela.Name
		}

		// a mangled function with a switch statement may come with a
		// bundled .rodata.foo.isra.1 jump-table section
		sec := patched.FindSectionByName(".rodata." + origname)
		if sec == nil {
			continue
		}
		basesec := base.FindSectionByName(".rodata." + basesym.Name)
		if basesec == nil {
			continue
		}
		sec.Name = basesec.Name
		if sec.SecSym != nil {
			sec.SecSym.Name = sec.Name
		}
		if sec.Rela != nil && basesec.Rela != nil {
			sec.Rela.Name = basesec.Rela.Name
		}
	}
}

// isSpecialStatic detects compiler-generated static locals that must
// never be correlated and always travel with the code referencing
// them. A section symbol stands in for its bundled symbol.
func isSpecialStatic(sym *elf.Symbol) bool {
	if sym == nil {
		return false
	}

	if sym.Type == elf.STT_SECTION {
		if helpers.Find(verboseSections, sym.Name) != -1 {
			return true
		}
		if sym.Sec == nil || sym.Sec.Sym == nil {
			return false
		}
		sym = sym.Sec.Sym
	}

	if sym.Type != elf.STT_OBJECT || sym.Bind != elf.STB_LOCAL {
		return false
	}

	for _, prefix := range specialStaticPrefixes {
		if strings.HasPrefix(sym.Name, prefix) {
			return true
		}
	}

	return false
}

// isConstantLabel matches read-only-data labels of the form .LC<digits>.
func isConstantLabel(sym *elf.Symbol) bool {
	if sym.Bind != elf.STB_LOCAL {
		return false
	}
	if !strings.HasPrefix(sym.Name, ".LC") || len(sym.Name) == 3 {
		return false
	}
	for i := 3; i < len(sym.Name); i++ {
		if !isDigit(sym.Name[i]) {
			return false
		}
	}

	return true
}

func correlateSections(base, patched *elf.Object) {
	for _, sec1 := range base.Sections {
		for _, sec2 := range patched.Sections {
			if sec1.Name != sec2.Name {
				continue
			}

			secsym := sec1.SecSym
			if sec1.IsRela() {
				secsym = sec1.Base.SecSym
			}
			if isSpecialStatic(secsym) {
				continue
			}

			// group sections must match exactly to correlate;
			// changed group sections are not supported
			if sec1.Shdr.ShType == elf.SHT_GROUP &&
				!bytes.Equal(sec1.Data, sec2.Data) {
				continue
			}

			log.Debugf("found section twins: %s", sec1.Name)
			sec1.Twin = sec2
			sec2.Twin = sec1
			// initial status, might change
			sec1.Status = elf.SAME
			sec2.Status = elf.SAME
			break
		}
	}
}

func correlateSymbols(base, patched *elf.Object) {
	for _, sym1 := range base.Symbols {
		for _, sym2 := range patched.Symbols {
			if sym1.Name != sym2.Name || sym1.Type != sym2.Type {
				continue
			}

			if isSpecialStatic(sym1) || isConstantLabel(sym1) {
				continue
			}

			// group section symbols must have correlated sections
			if sym1.Sec != nil &&
				sym1.Sec.Shdr.ShType == elf.SHT_GROUP &&
				sym1.Sec.Twin != sym2.Sec {
				continue
			}

			log.Debugf("found symbol twins: %s", sym1.Name)
			sym1.Twin = sym2
			sym2.Twin = sym1
			// initial status, might change
			sym1.Status = elf.SAME
			sym2.Status = elf.SAME
			break
		}
	}
}

func correlateObjects(base, patched *elf.Object) {
	correlateSections(base, patched)
	correlateSymbols(base, patched)
}

// sectionFunctionName names the function a section belongs to, for
// diagnostics.
func sectionFunctionName(sec *elf.Section) string {
	if sec.IsRela() {
		sec = sec.Base
	}
	if sec.Sym != nil {
		return sec.Sym.Name
	}
	return sec.Name
}

// findStaticTwin looks for a use of a similarly named, still
// uncorrelated symbol in the base-object twin of a rela section that
// references sym in the patched object.
func findStaticTwin(sec *elf.Section, sym *elf.Symbol) (*elf.Symbol, error) {
	if sec.Twin == nil {
		return nil, nil
	}

	// Ensure there are no other orphaned static variables with the
	// same name in the function. This is possible if the variables
	// are in different scopes or if one of them is part of an inlined
	// function.
	for _, rela := range sec.Relas {
		if rela.Sym == sym || rela.Sym.Twin != nil {
			continue
		}
		if mangledEqual(rela.Sym.Name, sym.Name) {
			return nil, fmt.Errorf(
				"found another static local variable matching %s in patched %s",
				sym.Name, sectionFunctionName(sec))
		}
	}

	// find the base object's corresponding variable
	var basesym *elf.Symbol
	for _, rela := range sec.Twin.Relas {
		if rela.Sym.Twin != nil {
			continue
		}
		if !mangledEqual(rela.Sym.Name, sym.Name) {
			continue
		}
		if basesym != nil && basesym != rela.Sym {
			return nil, fmt.Errorf(
				"found two static local variables matching %s in orig %s",
				sym.Name, sectionFunctionName(sec))
		}

		basesym = rela.Sym
	}

	return basesym, nil
}

// correlateStaticLocals renames patched static locals to their base
// counterparts and correlates them. gcc renames static locals by
// appending a period and an arbitrary number (__foo.31452), and that
// number can change between compilations.
func correlateStaticLocals(patched *elf.Object) error {
	for _, sym := range patched.Symbols {
		if sym.Type != elf.STT_OBJECT || sym.Bind != elf.STB_LOCAL ||
			sym.Twin != nil {
			continue
		}

		if isSpecialStatic(sym) {
			continue
		}

		if !strings.Contains(sym.Name, ".") {
			continue
		}

		// For each function which uses the variable in the patched
		// object, look for a corresponding use in the function's twin
		// in the base object. Multiple functions can share one static
		// local if it is defined in an inlined function.
		var sec *elf.Section
		var basesym *elf.Symbol
		for _, tmpsec := range patched.Sections {
			if !tmpsec.IsRela() || !tmpsec.Base.IsText() || tmpsec.IsDebug() {
				continue
			}
			for _, rela := range tmpsec.Relas {
				if rela.Sym != sym {
					continue
				}

				tmpsym, err := findStaticTwin(tmpsec, sym)
				if err != nil {
					return err
				}
				if basesym != nil && tmpsym != nil && basesym != tmpsym {
					return fmt.Errorf(
						"found two twins for static local variable %s: %s and %s",
						sym.Name, basesym.Name, tmpsym.Name)
				}
				if tmpsym != nil && basesym == nil {
					basesym = tmpsym
				}

				sec = tmpsec
				break
			}
		}

		if sec == nil {
			return fmt.Errorf("static local variable %s not used", sym.Name)
		}

		if basesym == nil {
			log.Warnf("unable to correlate static local variable %s used by %s, assuming variable is new",
				sym.Name, sectionFunctionName(sec))
			continue
		}

		bundled := sym.Sec != nil && sym == sym.Sec.Sym
		basebundled := basesym.Sec != nil && basesym == basesym.Sec.Sym
		if bundled != basebundled {
			return fmt.Errorf("bundle mismatch for symbol %s", sym.Name)
		}
		if !bundled && sym.Sec.Twin != basesym.Sec {
			return fmt.Errorf("sections %s and %s aren't correlated",
				sym.Sec.Name, basesym.Sec.Name)
		}

		log.Debugf("renaming and correlating %s to %s", sym.Name, basesym.Name)
		sym.Name = basesym.Name
		sym.Twin = basesym
		basesym.Twin = sym
		sym.Status = elf.SAME
		basesym.Status = elf.SAME

		if bundled {
			sym.Sec.Twin = basesym.Sec
			basesym.Sec.Twin = sym.Sec
		}
	}

	return nil
}
