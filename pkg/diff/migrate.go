package diff

import (
	"github.com/rosslagerwall/xsplice-build/pkg/elf"
)

// migrateIncludedElements moves every included section and symbol into
// a fresh output model, preserving order. References to non-included
// elements and twin references into the discarded base model are cut
// so the output stands alone.
func migrateIncludedElements(o *elf.Object) *elf.Object {
	out := elf.NewObject()
	out.Header = o.Header

	for _, sec := range o.Sections {
		if !sec.Include {
			continue
		}
		sec.Index = 0
		sec.Twin = nil
		if !sec.IsRela() && sec.SecSym != nil && !sec.SecSym.Include {
			sec.SecSym = nil
		}
		out.Sections = append(out.Sections, sec)
	}

	for _, sym := range o.Symbols {
		if !sym.Include {
			continue
		}
		sym.Index = 0
		sym.Twin = nil
		if sym.Sec != nil && !sym.Sec.Include {
			sym.Sec = nil
		}
		out.Symbols = append(out.Symbols, sym)
	}

	return out
}

// reorderSymbols rebuilds the symbol list in link-compliant order: the
// null symbol, then file symbols, local functions, remaining locals,
// and finally globals. Relative order within each bucket is preserved.
func reorderSymbols(o *elf.Object) {
	buckets := []func(*elf.Symbol) bool{
		func(sym *elf.Symbol) bool { return sym.Name == "" },
		func(sym *elf.Symbol) bool { return sym.Type == elf.STT_FILE },
		func(sym *elf.Symbol) bool {
			return sym.Bind == elf.STB_LOCAL && sym.Type == elf.STT_FUNC
		},
		func(sym *elf.Symbol) bool { return sym.Bind == elf.STB_LOCAL },
		func(sym *elf.Symbol) bool { return true },
	}

	ordered := make([]*elf.Symbol, 0, len(o.Symbols))
	taken := make([]bool, len(o.Symbols))
	for _, bucket := range buckets {
		for i, sym := range o.Symbols {
			if !taken[i] && bucket(sym) {
				taken[i] = true
				ordered = append(ordered, sym)
			}
		}
	}

	o.Symbols = ordered
}

// reindexElements assigns final section and symbol indices and points
// each symbol's section-index field at its section. The writer handles
// the null section at index 0.
func reindexElements(o *elf.Object) {
	index := 1
	for _, sec := range o.Sections {
		sec.Index = index
		index++
	}

	index = 0
	for _, sym := range o.Symbols {
		sym.Index = index
		index++
		if sym.Sec != nil {
			sym.Sym.StShNdx = uint16(sym.Sec.Index)
		} else if sym.Sym.StShNdx != elf.SHN_ABS {
			sym.Sym.StShNdx = elf.SHN_UNDEF
		}
	}
}
