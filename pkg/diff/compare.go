package diff

import (
	"bytes"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// relaEqual decides whether two correlated relocations are the same.
// Targets inside string pools compare by literal contents, constant
// labels always match each other, special statics match under mangled
// equality, everything else by exact name.
func relaEqual(rela1, rela2 *elf.Rela) bool {
	if rela1.Type != rela2.Type || rela1.Offset != rela2.Offset {
		return false
	}

	if rela1.String != "" {
		return rela1.String == rela2.String
	}

	if rela1.Addend != rela2.Addend {
		return false
	}

	if isConstantLabel(rela1.Sym) && isConstantLabel(rela2.Sym) {
		return true
	}

	if isSpecialStatic(rela1.Sym) {
		return mangledEqual(rela1.Sym.Name, rela2.Sym.Name)
	}

	return rela1.Sym.Name == rela2.Sym.Name
}

func compareCorrelatedRelaSection(sec *elf.Section) {
	twin := sec.Twin.Relas
	for i, rela := range sec.Relas {
		if i >= len(twin) || !relaEqual(rela, twin[i]) {
			sec.Status = elf.CHANGED
			return
		}
	}

	sec.Status = elf.SAME
}

func compareCorrelatedNonrelaSection(sec *elf.Section) {
	if sec.Shdr.ShType != elf.SHT_NOBITS &&
		!bytes.Equal(sec.Data, sec.Twin.Data) {
		sec.Status = elf.CHANGED
	} else {
		sec.Status = elf.SAME
	}
}

func compareCorrelatedSection(sec *elf.Section) error {
	twin := sec.Twin

	log.Debugf("compare correlated section: %s", sec.Name)

	if sec.Shdr.ShType != twin.Shdr.ShType ||
		sec.Shdr.ShFlags != twin.Shdr.ShFlags ||
		sec.Shdr.ShAddr != twin.Shdr.ShAddr ||
		sec.Shdr.ShAddrAlign != twin.Shdr.ShAddrAlign ||
		sec.Shdr.ShEntSize != twin.Shdr.ShEntSize {
		return unsupportedf("%s section header details differ", sec.Name)
	}

	if sec.Shdr.ShSize != twin.Shdr.ShSize ||
		len(sec.Data) != len(twin.Data) {
		sec.Status = elf.CHANGED
	} else if sec.IsRela() {
		compareCorrelatedRelaSection(sec)
	} else {
		compareCorrelatedNonrelaSection(sec)
	}

	if sec.Status == elf.CHANGED {
		log.Debugf("section %s has changed", sec.Name)
	}

	return nil
}

func compareSections(o *elf.Object) error {
	for _, sec := range o.Sections {
		if sec.Twin != nil {
			if err := compareCorrelatedSection(sec); err != nil {
				return err
			}
		} else {
			sec.Status = elf.NEW
		}
	}

	// sync bundled symbol status
	for _, sec := range o.Sections {
		if sec.IsRela() {
			if sec.Base.Sym != nil && sec.Base.Sym.Status != elf.CHANGED {
				sec.Base.Sym.Status = sec.Status
			}
		} else {
			if sec.Sym != nil && sec.Sym.Status != elf.CHANGED {
				sec.Sym.Status = sec.Status
			}
		}
	}

	return nil
}

func compareCorrelatedSymbol(sym *elf.Symbol) error {
	twin := sym.Twin

	if sym.Sym.StInfo != twin.Sym.StInfo ||
		sym.Sym.StOther != twin.Sym.StOther ||
		(sym.Sec != nil) != (twin.Sec != nil) {
		return unsupportedf("symbol info mismatch: %s", sym.Name)
	}

	// Correlated symbols with uncorrelated sections have changed
	// sections, which is only allowed when the symbol is moving out
	// of an ignored section.
	if sym.Sec != nil && twin.Sec != nil && sym.Sec.Twin != twin.Sec {
		if twin.Sec.Twin != nil && twin.Sec.Twin.Ignore {
			sym.Status = elf.CHANGED
		} else {
			return unsupportedf("symbol changed sections: %s, %s, %s, %s",
				sym.Name, twin.Name, sym.Sec.Name, twin.Sec.Name)
		}
	}

	if sym.Type == elf.STT_OBJECT &&
		sym.Sym.StSize != twin.Sym.StSize {
		return unsupportedf("object size mismatch: %s", sym.Name)
	}

	if sym.Sym.StShNdx == elf.SHN_UNDEF || sym.Sym.StShNdx == elf.SHN_ABS {
		sym.Status = elf.SAME
	}

	// local symbols otherwise keep the status derived from their
	// section during section comparison
	return nil
}

func compareSymbols(o *elf.Object) error {
	for _, sym := range o.Symbols {
		if sym.Twin != nil {
			if err := compareCorrelatedSymbol(sym); err != nil {
				return err
			}
		} else {
			sym.Status = elf.NEW
		}

		log.Debugf("symbol %s is %s", sym.Name, sym.Status)
	}

	return nil
}

// compareCorrelatedElements classifies every element of the patched
// model; correlation must already have run.
func compareCorrelatedElements(o *elf.Object) error {
	log.Debugf("compare sections")
	if err := compareSections(o); err != nil {
		return err
	}
	log.Debugf("compare symbols")
	return compareSymbols(o)
}
