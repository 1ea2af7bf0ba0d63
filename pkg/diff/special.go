package diff

import (
	"errors"
	"fmt"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/helpers"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
)

// specialSection describes an architecture-specific metadata section
// whose entries are retained or dropped a group at a time.
type specialSection struct {
	name      string
	groupSize func(o *elf.Object, offset int) (int, error)
}

func fixedGroupSize(n int) func(*elf.Object, int) (int, error) {
	return func(*elf.Object, int) (int, error) {
		return n, nil
	}
}

// fixupGroupSize sizes the variable-length groups of .fixup. The start
// of each group is referenced from .ex_table, so group boundaries are
// recovered by walking .rela.ex_table: a group extends from its own
// reference to the next higher one, or to the end of the section.
func fixupGroupSize(o *elf.Object, offset int) (int, error) {
	sec := o.FindSectionByName(".rela.ex_table")
	if sec == nil {
		return 0, errors.New("missing .rela.ex_table section")
	}

	// find the beginning of this group
	start := -1
	for i, rela := range sec.Relas {
		if rela.Sym.Name == ".fixup" && rela.Addend == int64(offset) {
			start = i
			break
		}
	}
	if start == -1 {
		return 0, fmt.Errorf("can't find .fixup rela group at offset %d", offset)
	}

	// find the beginning of the next group
	for _, rela := range sec.Relas[start+1:] {
		if rela.Sym.Name == ".fixup" && rela.Addend > int64(offset) {
			return int(rela.Addend) - offset, nil
		}
	}

	// last group
	fixupsec := o.FindSectionByName(".fixup")
	if fixupsec == nil {
		return 0, errors.New("missing .fixup section")
	}
	return int(fixupsec.Shdr.ShSize) - offset, nil
}

var specialSections = []specialSection{
	{name: ".bug_frames.0", groupSize: fixedGroupSize(8)},
	{name: ".bug_frames.1", groupSize: fixedGroupSize(8)},
	{name: ".bug_frames.2", groupSize: fixedGroupSize(8)},
	{name: ".bug_frames.3", groupSize: fixedGroupSize(16)},
	{name: ".fixup", groupSize: fixupGroupSize},
	{name: ".ex_table", groupSize: fixedGroupSize(8)},
	{name: ".altinstructions", groupSize: fixedGroupSize(12)},
}

// shouldKeepRelaGroup reports whether any relocation in the group
// references a function that made it into the output.
func shouldKeepRelaGroup(sec *elf.Section, start, size int) bool {
	found := false
	for _, rela := range sec.Relas {
		if rela.Offset >= uint64(start) &&
			rela.Offset < uint64(start+size) &&
			rela.Sym.Type == elf.STT_FUNC &&
			rela.Sym.Sec != nil && rela.Sym.Sec.Include {
			found = true
			log.Debugf("new/changed symbol %s found in special section %s",
				rela.Sym.Name, sec.Name)
		}
	}

	return found
}

// regenerateSpecialSection walks the base section of relasec in groups
// and compacts it down to the groups that reference included code,
// rebasing the surviving relocations onto the compacted layout.
func regenerateSpecialSection(o *elf.Object, special specialSection, relasec *elf.Section) error {
	base := relasec.Base
	src := base.Data
	size := int(base.Shdr.ShSize)

	var dest []byte
	var newRelas []*elf.Rela
	srcOffset, destOffset := 0, 0

	for srcOffset < size {
		groupSize, err := special.groupSize(o, srcOffset)
		if err != nil {
			return err
		}
		if groupSize <= 0 {
			return fmt.Errorf("bad group size in section %s", base.Name)
		}

		if shouldKeepRelaGroup(relasec, srcOffset, groupSize) {
			// Collect all relas in the group. They are not
			// necessarily sorted (e.g. .rela.fixup), so walk the
			// whole list each time.
			for _, rela := range relasec.Relas {
				if rela.Offset >= uint64(srcOffset) &&
					rela.Offset < uint64(srcOffset+groupSize) {
					rela.Offset -= uint64(srcOffset - destOffset)
					rela.Sym.Include = true
					newRelas = append(newRelas, rela)
				}
			}

			// copy the group; the final group may extend into
			// alignment padding past the end of the data
			end := srcOffset + groupSize
			if end > len(src) {
				end = len(src)
			}
			dest = append(dest, src[srcOffset:end]...)
			dest = append(dest, make([]byte, srcOffset+groupSize-end)...)
			destOffset += groupSize
		}

		srcOffset += groupSize
	}

	// group sizes must tile the aligned section exactly
	aligned := helpers.AlignUp(uint64(size), base.Shdr.ShAddrAlign)
	if uint64(srcOffset) != aligned {
		return fmt.Errorf("group size mismatch for section %s", base.Name)
	}

	if destOffset == 0 {
		// no changed or global functions referenced
		relasec.Status = elf.SAME
		base.Status = elf.SAME
		relasec.Include = false
		base.Include = false
		return nil
	}

	relasec.Relas = newRelas
	relasec.Include = true
	base.Include = true

	base.Data = dest
	base.Shdr.ShSize = uint64(len(dest))
	return nil
}

// processSpecialSections regenerates each recognized special section
// present in the patched object, and blanket-includes
// .altinstr_replacement: its relocations never reference non-included
// symbols.
func processSpecialSections(o *elf.Object) error {
	for _, special := range specialSections {
		sec := o.FindSectionByName(special.name)
		if sec == nil || sec.Rela == nil {
			continue
		}

		if err := regenerateSpecialSection(o, special, sec.Rela); err != nil {
			return err
		}
	}

	for _, sec := range o.Sections {
		if sec.Name != ".altinstr_replacement" {
			continue
		}

		sec.Include = true

		for _, sym := range o.Symbols {
			if sym.Sec == sec {
				sym.Include = true
			}
		}

		if sec.Rela != nil {
			sec.Rela.Include = true
			for _, rela := range sec.Rela.Relas {
				rela.Sym.Include = true
			}
		}
	}

	return nil
}
