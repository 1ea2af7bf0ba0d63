// Package diff is the object-level differencing engine: it correlates
// two relocatable objects compiled from the same source, classifies
// what changed, pulls in the minimal set of elements needed to link
// the patch, regenerates the architecture-specific metadata sections
// and emits the patch description table.
package diff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
	"github.com/rosslagerwall/xsplice-build/pkg/log"
	"github.com/rosslagerwall/xsplice-build/pkg/lookup"
)

// ErrNoChanges reports that the two inputs are semantically identical:
// nothing to patch, no output written.
var ErrNoChanges = errors.New("no changed functions were found")

// DiffError is an unsupported difference between the inputs: something
// the patch author has to resolve, as opposed to an internal error.
type DiffError struct {
	Msgs []string
}

func (e *DiffError) Error() string {
	if len(e.Msgs) == 1 {
		return e.Msgs[0]
	}
	return fmt.Sprintf("%d unsupported change(s):\n%s",
		len(e.Msgs), strings.Join(e.Msgs, "\n"))
}

func unsupportedf(format string, args ...any) error {
	return &DiffError{Msgs: []string{fmt.Sprintf(format, args...)}}
}

type Options struct {
	// Resolve prefills each record's old_addr from the running image
	// instead of leaving resolution to the loader.
	Resolve bool
}

// Run executes the differencing pipeline: load both objects, correlate
// and compare them, compute the inclusion set, rebuild the special
// sections, emit the patch table and write the output object. Nothing
// is written unless every pass succeeds.
func Run(origPath, patchedPath, imagePath, outPath string, opts Options) error {
	log.Debugf("open base")
	base, err := elf.Open(origPath)
	if err != nil {
		return err
	}
	// section data buffers alias the mappings; keep both inputs
	// mapped until the output has been written
	defer base.Close()

	log.Debugf("open patched")
	patched, err := elf.Open(patchedPath)
	if err != nil {
		return err
	}
	defer patched.Close()

	log.Debugf("compare elf headers")
	if err := compareElfHeaders(base, patched); err != nil {
		return err
	}
	if err := checkProgramHeaders(base); err != nil {
		return err
	}
	if err := checkProgramHeaders(patched); err != nil {
		return err
	}

	log.Debugf("mark grouped sections")
	if err := markGroupedSections(patched); err != nil {
		return err
	}
	log.Debugf("replace section symbols")
	if err := replaceSectionSyms(base); err != nil {
		return err
	}
	if err := replaceSectionSyms(patched); err != nil {
		return err
	}
	log.Debugf("rename mangled functions")
	renameMangledFunctions(base, patched)

	log.Debugf("correlate objects")
	correlateObjects(base, patched)
	log.Debugf("correlate static local variables")
	if err := correlateStaticLocals(patched); err != nil {
		return err
	}

	// From here on the base model is only reached through twin
	// references.
	log.Debugf("mark ignored sections")
	if err := markIgnoredSections(patched); err != nil {
		return err
	}
	log.Debugf("compare correlated elements")
	if err := compareCorrelatedElements(patched); err != nil {
		return err
	}

	log.Debugf("mark ignored functions same")
	if err := markIgnoredFunctionsSame(patched); err != nil {
		return err
	}
	markIgnoredSectionsSame(patched)
	markConstantLabelsSame(patched)

	log.Debugf("include standard elements")
	includeStandardElements(patched)
	numChanged := includeChangedFunctions(patched)
	log.Debugf("num changed = %d", numChanged)
	includeDebugSections(patched)
	if err := includeHookElements(patched); err != nil {
		return err
	}
	newGlobals := includeNewGlobals(patched)
	log.Debugf("new globals = %d", newGlobals)

	printChanges(patched)

	if numChanged == 0 && newGlobals == 0 {
		return ErrNoChanges
	}

	log.Debugf("process special sections")
	if err := processSpecialSections(patched); err != nil {
		return err
	}
	log.Debugf("verify patchability")
	if err := verifyPatchability(patched); err != nil {
		return err
	}

	log.Debugf("migrate included elements")
	out := migrateIncludedElements(patched)

	hint := ""
	for _, sym := range out.Symbols {
		if sym.Type == elf.STT_FILE {
			hint = sym.Name
			break
		}
	}
	if hint == "" {
		return errors.New("FILE symbol not found in output, stripped?")
	}
	log.Debugf("hint = %s", hint)

	log.Debugf("open lookup table %s", imagePath)
	table, err := lookup.Open(imagePath)
	if err != nil {
		return err
	}

	log.Debugf("create patch table")
	createStringsElements(out)
	if err := createPatchesSections(out, table, hint, opts.Resolve); err != nil {
		return err
	}
	if err := buildStringsSectionData(out); err != nil {
		return err
	}

	log.Debugf("rename local symbols")
	renameLocalSymbols(out, hint)

	log.Debugf("reorder and reindex")
	reorderSymbols(out)
	reindexElements(out)
	if err := linkRelaSections(out); err != nil {
		return err
	}

	return out.Write(outPath)
}

// linkRelaSections points each rela section's header at the symbol
// table and at its base section, now that indices are final.
func linkRelaSections(o *elf.Object) error {
	symtab := o.FindSectionByName(".symtab")
	if symtab == nil {
		return errors.New("missing .symtab section")
	}

	for _, sec := range o.Sections {
		if !sec.IsRela() {
			continue
		}
		sec.Shdr.ShLink = uint32(symtab.Index)
		sec.Shdr.ShInfo = uint32(sec.Base.Index)
	}

	return nil
}
