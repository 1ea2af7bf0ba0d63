package diff

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rosslagerwall/xsplice-build/pkg/elf"
)

// buildInputObject assembles a complete single-function relocatable
// object: foo calls an undefined ext_func, with the usual table
// sections alongside.
func buildInputObject(code []byte) *elf.Object {
	o := elf.NewObject()
	o.Header.Ident = [16]byte{'\x7f', 'E', 'L', 'F', elf.ELFCLASS64, elf.ELFDATA2LSB, 1}
	o.Header.Type = elf.ET_REL
	o.Header.Machine = elf.EM_X86_64
	o.Header.Version = 1

	text := &elf.Section{
		Name:  ".text.foo",
		Data:  code,
		Index: 1,
		Shdr: elf.ELF64Shdr{
			ShType:      elf.SHT_PROGBITS,
			ShFlags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			ShAddrAlign: 1,
		},
	}
	relaText := &elf.Section{
		Name:  ".rela.text.foo",
		Base:  text,
		Index: 2,
		Shdr:  elf.ELF64Shdr{ShType: elf.SHT_RELA, ShEntSize: 24, ShAddrAlign: 8},
	}
	text.Rela = relaText
	symtab := &elf.Section{
		Name:  ".symtab",
		Index: 3,
		Shdr:  elf.ELF64Shdr{ShType: elf.SHT_SYMTAB, ShEntSize: 24, ShAddrAlign: 8},
	}
	strtab := &elf.Section{
		Name:  ".strtab",
		Index: 4,
		Shdr:  elf.ELF64Shdr{ShType: elf.SHT_STRTAB, ShAddrAlign: 1},
	}
	shstrtab := &elf.Section{
		Name:  ".shstrtab",
		Index: 5,
		Shdr:  elf.ELF64Shdr{ShType: elf.SHT_STRTAB, ShAddrAlign: 1},
	}
	o.Sections = []*elf.Section{text, relaText, symtab, strtab, shstrtab}

	null := &elf.Symbol{Index: 0}
	file := &elf.Symbol{
		Name:  "foo.c",
		Type:  elf.STT_FILE,
		Bind:  elf.STB_LOCAL,
		Index: 1,
		Sym:   elf.ELF64Sym{StShNdx: elf.SHN_ABS},
	}
	secsym := &elf.Symbol{
		Name:  ".text.foo",
		Type:  elf.STT_SECTION,
		Bind:  elf.STB_LOCAL,
		Sec:   text,
		Index: 2,
		Sym:   elf.ELF64Sym{StShNdx: 1},
	}
	text.SecSym = secsym
	foo := &elf.Symbol{
		Name:  "foo",
		Type:  elf.STT_FUNC,
		Bind:  elf.STB_GLOBAL,
		Sec:   text,
		Index: 3,
		Sym:   elf.ELF64Sym{StShNdx: 1, StSize: uint64(len(code))},
	}
	text.Sym = foo
	ext := &elf.Symbol{
		Name:  "ext_func",
		Type:  elf.STT_NOTYPE,
		Bind:  elf.STB_GLOBAL,
		Index: 4,
	}
	o.Symbols = []*elf.Symbol{null, file, secsym, foo, ext}

	relaText.Relas = []*elf.Rela{
		{Offset: 1, Type: elf.R_X86_64_PC32, Addend: -4, Sym: ext},
	}
	relaText.Shdr.ShLink = 3
	relaText.Shdr.ShInfo = 1

	return o
}

func writeInputObject(t *testing.T, dir, name string, code []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NoError(t, buildInputObject(code).Write(path))
	return path
}

// Identical inputs produce no patch and no output file.
func TestRunIdentity(t *testing.T) {
	dir := t.TempDir()
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}

	base := writeInputObject(t, dir, "base.o", code)
	patched := writeInputObject(t, dir, "patched.o", code)
	out := filepath.Join(dir, "out.o")

	err := Run(base, patched, base, out, Options{})
	assert.ErrorIs(t, err, ErrNoChanges)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

// A one-instruction body change yields a patch object carrying the
// function, its relocations and a one-entry patch table.
func TestRunSingleFunctionChange(t *testing.T) {
	dir := t.TempDir()

	baseCode := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	patchedCode := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x90}

	base := writeInputObject(t, dir, "base.o", baseCode)
	patched := writeInputObject(t, dir, "patched.o", patchedCode)
	out := filepath.Join(dir, "out.o")

	// the base object doubles as the running image: debug/elf reads
	// its symbol table just the same
	err := Run(base, patched, base, out, Options{})
	assert.NoError(t, err)

	contents, err := os.ReadFile(out)
	assert.NoError(t, err)
	result, err := elf.Parse(contents)
	assert.NoError(t, err)

	for _, name := range []string{
		".text.foo", ".rela.text.foo", ".symtab", ".strtab", ".shstrtab",
		".xsplice.strings", ".xsplice.funcs", ".rela.xsplice.funcs",
	} {
		assert.NotNilf(t, result.FindSectionByName(name), "missing %s", name)
	}

	text := result.FindSectionByName(".text.foo")
	assert.Equal(t, patchedCode, text.Data)

	// one patch table entry, new_size matching the patched function
	funcs := result.FindSectionByName(".xsplice.funcs")
	assert.Len(t, funcs.Data, patchFuncSize)
	assert.Equal(t, byte(len(patchedCode)), funcs.Data[patchFuncNewSize])

	relas := funcs.Rela.Relas
	assert.Len(t, relas, 2)
	assert.Equal(t, "foo", relas[0].Sym.Name)
	assert.Equal(t, uint64(patchFuncNewAddr), relas[0].Offset)
	assert.Equal(t, ".xsplice.strings", relas[1].Sym.Name)
	assert.Equal(t, uint64(patchFuncName), relas[1].Offset)
	assert.Equal(t, int64(0), relas[1].Addend)

	strings := result.FindSectionByName(".xsplice.strings")
	assert.Equal(t, []byte("foo\x00"), strings.Data)

	// link-compliant symbol ordering: null, file, locals, globals
	names := make([]string, 0, len(result.Symbols))
	for _, sym := range result.Symbols {
		names = append(names, sym.Name)
	}
	assert.Equal(t, []string{
		"", "foo.c", ".text.foo", ".xsplice.strings", "foo", "ext_func",
	}, names)

	// every rela section links back to .symtab
	symtab := result.FindSectionByName(".symtab")
	for _, sec := range result.Sections {
		if sec.IsRela() {
			assert.Equal(t, uint32(symtab.Index), sec.Shdr.ShLink)
			assert.Equal(t, uint32(sec.Base.Index), sec.Shdr.ShInfo)
		}
	}
}

// A changed function forced back with .xsplice.ignore.functions drops
// out of the diff again.
func TestRunIgnoredFunction(t *testing.T) {
	dir := t.TempDir()

	baseCode := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	patchedCode := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x90}

	base := writeInputObject(t, dir, "base.o", baseCode)

	// patched side carries the authored ignore section naming foo
	patchedObj := buildInputObject(patchedCode)
	foo := patchedObj.FindSymbolByName("foo")

	ignore := &elf.Section{
		Name:  ".xsplice.ignore.functions",
		Data:  make([]byte, 8),
		Index: 6,
		Shdr: elf.ELF64Shdr{
			ShType:      elf.SHT_PROGBITS,
			ShAddrAlign: 8,
		},
	}
	ignoreRela := &elf.Section{
		Name:  ".rela.xsplice.ignore.functions",
		Base:  ignore,
		Index: 7,
		Shdr:  elf.ELF64Shdr{ShType: elf.SHT_RELA, ShEntSize: 24, ShAddrAlign: 8},
	}
	ignore.Rela = ignoreRela
	ignoreRela.Relas = []*elf.Rela{
		{Offset: 0, Type: elf.R_X86_64_64, Addend: 0, Sym: foo},
	}
	ignoreRela.Shdr.ShLink = 3
	ignoreRela.Shdr.ShInfo = 6
	patchedObj.Sections = append(patchedObj.Sections, ignore, ignoreRela)

	patched := filepath.Join(dir, "patched.o")
	assert.NoError(t, patchedObj.Write(patched))

	out := filepath.Join(dir, "out.o")
	err := Run(base, patched, base, out, Options{})
	assert.ErrorIs(t, err, ErrNoChanges)
}
