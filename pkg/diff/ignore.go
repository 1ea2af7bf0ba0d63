package diff

import (
	"errors"
	"fmt"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// markIgnoredFunctionsSame forces every function named by the authored
// .xsplice.ignore.functions section back to SAME, whatever the
// comparison concluded.
func markIgnoredFunctionsSame(o *elf.Object) error {
	sec := o.FindSectionByName(".xsplice.ignore.functions")
	if sec == nil {
		return nil
	}
	if sec.Rela == nil {
		return errors.New(".xsplice.ignore.functions has no relocations")
	}

	for _, rela := range sec.Rela.Relas {
		if rela.Sym.Sec == nil {
			return errors.New("expected bundled symbol")
		}
		if rela.Sym.Type != elf.STT_FUNC {
			return errors.New("expected function symbol")
		}
		log.Infof("ignoring function: %s", rela.Sym.Name)
		if rela.Sym.Status != elf.CHANGED {
			log.Warnf("no change detected in function %s, unnecessary XSPLICE_IGNORE_FUNCTION()?",
				rela.Sym.Name)
		}
		rela.Sym.Status = elf.SAME
		rela.Sym.Sec.Status = elf.SAME
		if rela.Sym.Sec.SecSym != nil {
			rela.Sym.Sec.SecSym.Status = elf.SAME
		}
		if rela.Sym.Sec.Rela != nil {
			rela.Sym.Sec.Rela.Status = elf.SAME
		}
	}

	return nil
}

// markIgnoredSections flags every section named by the authored
// .xsplice.ignore.sections section. The authoring string section is
// itself included: the ignore macro plants a literal there, so the
// section inevitably differs from its twin, and excluding it would
// trip the changed-but-not-included patchability check.
func markIgnoredSections(o *elf.Object) error {
	sec := o.FindSectionByName(".xsplice.ignore.sections")
	if sec == nil {
		return nil
	}
	if sec.Rela == nil {
		return errors.New(".xsplice.ignore.sections has no relocations")
	}

	for _, rela := range sec.Rela.Relas {
		strsec := rela.Sym.Sec
		if strsec == nil || strsec.Data == nil {
			return errors.New("XSPLICE_IGNORE_SECTION: bad string reference")
		}
		strsec.Status = elf.CHANGED
		strsec.Include = true

		if rela.Addend < 0 || rela.Addend >= int64(len(strsec.Data)) {
			return errors.New("XSPLICE_IGNORE_SECTION: string offset out of range")
		}
		name := helpers.GetString(strsec.Data[rela.Addend:])

		ignoresec := o.FindSectionByName(name)
		if ignoresec == nil {
			return fmt.Errorf("XSPLICE_IGNORE_SECTION: can't find %s", name)
		}
		log.Infof("ignoring section: %s", name)
		if ignoresec.IsRela() {
			ignoresec = ignoresec.Base
		}
		ignoresec.Ignore = true
		if ignoresec.Twin != nil {
			ignoresec.Twin.Ignore = true
		}
	}

	return nil
}

// markIgnoredSectionsSame forces ignored sections and everything that
// lives in them back to SAME after comparison.
func markIgnoredSectionsSame(o *elf.Object) {
	for _, sec := range o.Sections {
		if !sec.Ignore {
			continue
		}
		sec.Status = elf.SAME
		if sec.SecSym != nil {
			sec.SecSym.Status = elf.SAME
		}
		if sec.Rela != nil {
			sec.Rela.Status = elf.SAME
		}
		for _, sym := range o.Symbols {
			if sym.Sec == sec {
				sym.Status = elf.SAME
			}
		}
	}
}

func markConstantLabelsSame(o *elf.Object) {
	for _, sym := range o.Symbols {
		if isConstantLabel(sym) {
			sym.Status = elf.SAME
		}
	}
}
