package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"silicium/symtab"
)

// --- minimal hand-rolled ELF32 relocatable object builder, just enough to
// exercise this package's Load without a real toolchain to produce one. ---

type strTab struct {
	buf []byte
}

func newStrTab() *strTab {
	return &strTab{buf: []byte{0}}
}

func (s *strTab) add(name string) uint32 {
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	return off
}

type elfSym struct {
	name    uint32
	value   uint32
	size    uint32
	info    byte
	shndx   uint16
}

func symBytes(syms []elfSym) []byte {
	var buf bytes.Buffer
	// mandatory null symbol
	buf.Write(make([]byte, 16))
	for _, s := range syms {
		binary.Write(&buf, binary.LittleEndian, s.name)
		binary.Write(&buf, binary.LittleEndian, s.value)
		binary.Write(&buf, binary.LittleEndian, s.size)
		buf.WriteByte(s.info)
		buf.WriteByte(0) // other
		binary.Write(&buf, binary.LittleEndian, s.shndx)
	}
	return buf.Bytes()
}

const (
	stbLocal  = 0
	sttObject = 1
	sttNotype = 0

	shtNull    = 0
	shtProgbit = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRel     = 9

	shfWrite = 0x1
	shfAlloc = 0x2
)

func stInfo(bind, typ byte) byte { return (bind << 4) | (typ & 0xf) }

type elfSection struct {
	name   string
	typ    uint32
	flags  uint32
	data   []byte
	link   uint32
	info   uint32
	entsz  uint32
}

// buildELF assembles a minimal ELF32 relocatable object from sections
// (index 0 is implicit NULL; pass the rest in file order).
func buildELF(sections []elfSection) []byte {
	shstrtab := newStrTab()
	nameOffs := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffs[i] = shstrtab.add(s.name)
	}
	shstrtabNameOff := shstrtab.add(".shstrtab")

	const ehdrSize = 52
	const shdrSize = 40

	type laidOut struct {
		offset uint32
		size   uint32
	}
	layout := make([]laidOut, len(sections))

	var body bytes.Buffer
	cursor := uint32(ehdrSize)
	for i, s := range sections {
		layout[i] = laidOut{offset: cursor, size: uint32(len(s.data))}
		body.Write(s.data)
		cursor += uint32(len(s.data))
	}
	shstrtabOffset := cursor
	body.Write(shstrtab.buf)
	cursor += uint32(len(shstrtab.buf))

	shoff := cursor

	var out bytes.Buffer
	// e_ident
	out.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&out, binary.LittleEndian, uint16(1))  // e_type = ET_REL
	binary.Write(&out, binary.LittleEndian, uint16(3))  // e_machine = EM_386
	binary.Write(&out, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(&out, binary.LittleEndian, uint32(0))  // e_entry
	binary.Write(&out, binary.LittleEndian, uint32(0))  // e_phoff
	binary.Write(&out, binary.LittleEndian, shoff)      // e_shoff
	binary.Write(&out, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(&out, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&out, binary.LittleEndian, uint16(0)) // e_phentsize
	binary.Write(&out, binary.LittleEndian, uint16(0)) // e_phnum
	binary.Write(&out, binary.LittleEndian, uint16(shdrSize))
	binary.Write(&out, binary.LittleEndian, uint16(len(sections)+2)) // e_shnum: NULL + sections + shstrtab
	binary.Write(&out, binary.LittleEndian, uint16(len(sections)+1)) // e_shstrndx: shstrtab is last

	out.Write(body.Bytes())

	// section header 0: NULL
	out.Write(make([]byte, shdrSize))

	for i, s := range sections {
		binary.Write(&out, binary.LittleEndian, nameOffs[i])
		binary.Write(&out, binary.LittleEndian, s.typ)
		binary.Write(&out, binary.LittleEndian, s.flags)
		binary.Write(&out, binary.LittleEndian, uint32(0)) // sh_addr
		binary.Write(&out, binary.LittleEndian, layout[i].offset)
		binary.Write(&out, binary.LittleEndian, layout[i].size)
		binary.Write(&out, binary.LittleEndian, s.link)
		binary.Write(&out, binary.LittleEndian, s.info)
		binary.Write(&out, binary.LittleEndian, uint32(1)) // sh_addralign
		binary.Write(&out, binary.LittleEndian, s.entsz)
	}
	// shstrtab section header
	binary.Write(&out, binary.LittleEndian, shstrtabNameOff)
	binary.Write(&out, binary.LittleEndian, uint32(shtStrtab))
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, shstrtabOffset)
	binary.Write(&out, binary.LittleEndian, uint32(len(shstrtab.buf)))
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, uint32(1))
	binary.Write(&out, binary.LittleEndian, uint32(0))

	return out.Bytes()
}

// buildModule assembles a minimal module: a .data section holding the
// module name (and optionally other metadata strings), a .symtab/.strtab
// pair binding __module_name__ (and friends) to it, section indices fixed
// as: 1=.data 2=.symtab 3=.strtab.
func buildModule(t *testing.T, name string, extraSyms []elfSym, dataExtra []byte) []byte {
	t.Helper()
	strings := newStrTab()
	nameSymName := strings.add("__module_name__")

	data := append([]byte{}, dataExtra...)
	nameValue := uint32(len(data))
	data = append(data, []byte(name)...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
	}
	syms = append(syms, extraSyms...)

	symtabBytes := symBytes(syms)

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
	}
	return buildELF(sections)
}

func TestLoadRegistersModuleByName(t *testing.T) {
	data := buildModule(t, "test_module_basic", nil, nil)
	mod, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { Unload(mod.Name); mod.Usage = 0 }()

	if mod.Name != "test_module_basic" {
		t.Fatalf("expected name test_module_basic, got %q", mod.Name)
	}
	if !Exists("test_module_basic") {
		t.Fatalf("expected module to be registered")
	}
}

func TestLoadRefusesDuplicateName(t *testing.T) {
	data := buildModule(t, "test_module_dup", nil, nil)
	mod, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { mod.Usage = 1; Unload(mod.Name) }()

	if _, err := Load(data); err == nil {
		t.Fatalf("expected loading a second module with the same name to be refused")
	}
}

func TestLoadRejectsMissingName(t *testing.T) {
	strings := newStrTab()
	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc, data: []byte{0, 0, 0, 0}},
		{name: ".symtab", typ: shtSymtab, data: symBytes(nil), link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
	}
	data := buildELF(sections)
	if _, err := Load(data); err == nil {
		t.Fatalf("expected a module without __module_name__ to be rejected")
	}
}

func TestUnloadRefusesWhileInUse(t *testing.T) {
	data := buildModule(t, "test_module_busy", nil, nil)
	mod, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	mod.Usage = 2
	if err := Unload(mod.Name); err == nil {
		t.Fatalf("expected unload of an in-use module to be refused")
	}
	mod.Usage = 1
	if err := Unload(mod.Name); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if Exists(mod.Name) {
		t.Fatalf("expected module to be gone after unload")
	}
}

func TestLoadResolvesUndefinedSymbolAgainstKernelSymtab(t *testing.T) {
	if err := symtab.Add("test_kernel_export_fn", 0xC0001000); err != nil {
		t.Fatalf("symtab add: %v", err)
	}

	strings := newStrTab()
	nameSymName := strings.add("__module_name__")
	undefSymName := strings.add("test_kernel_export_fn")

	data := []byte{0, 0, 0, 0} // relocation target placeholder
	nameValue := uint32(len(data))
	data = append(data, []byte("test_module_reloc")...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
		{name: undefSymName, info: stInfo(stbLocal, sttNotype), shndx: 0}, // SHN_UNDEF
	}
	symtabBytes := symBytes(syms)

	// one R_386_32 relocation at .data offset 0, referencing symbol index 2
	// (1-based past the mandatory null symbol: name sym is index 1, undef
	// sym is index 2).
	var rel bytes.Buffer
	binary.Write(&rel, binary.LittleEndian, uint32(0))            // r_offset
	binary.Write(&rel, binary.LittleEndian, uint32(2<<8|1))       // r_info: sym=2, type=R_386_32

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
		{name: ".rel.data", typ: shtRel, data: rel.Bytes(), link: 2, info: 1, entsz: 8},
	}
	elfData := buildELF(sections)

	mod, err := Load(elfData)
	if err != nil {
		t.Fatalf("expected relocation against a known kernel symbol to succeed: %v", err)
	}
	mod.Usage = 1
	Unload(mod.Name)
}

func TestLoadFailsOnUnresolvedStrongSymbol(t *testing.T) {
	strings := newStrTab()
	nameSymName := strings.add("__module_name__")
	undefSymName := strings.add("test_never_exported_symbol")

	data := []byte{0, 0, 0, 0}
	nameValue := uint32(len(data))
	data = append(data, []byte("test_module_unresolved")...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
		{name: undefSymName, info: stInfo(stbLocal, sttNotype), shndx: 0},
	}
	symtabBytes := symBytes(syms)

	var rel bytes.Buffer
	binary.Write(&rel, binary.LittleEndian, uint32(0))
	binary.Write(&rel, binary.LittleEndian, uint32(2<<8|1))

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
		{name: ".rel.data", typ: shtRel, data: rel.Bytes(), link: 2, info: 1, entsz: 8},
	}
	elfData := buildELF(sections)

	if _, err := Load(elfData); err == nil {
		t.Fatalf("expected an unresolved strong symbol reference to fail")
	}
}

const stbWeak = 2

func TestLoadFallsBackToZeroForUnresolvedWeakSymbol(t *testing.T) {
	strings := newStrTab()
	nameSymName := strings.add("__module_name__")
	undefSymName := strings.add("test_never_exported_weak_symbol")

	data := []byte{0, 0, 0, 0}
	nameValue := uint32(len(data))
	data = append(data, []byte("test_module_weak")...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
		{name: undefSymName, info: stInfo(stbWeak, sttNotype), shndx: 0},
	}
	symtabBytes := symBytes(syms)

	var rel bytes.Buffer
	binary.Write(&rel, binary.LittleEndian, uint32(0))
	binary.Write(&rel, binary.LittleEndian, uint32(2<<8|1))

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
		{name: ".rel.data", typ: shtRel, data: rel.Bytes(), link: 2, info: 1, entsz: 8},
	}
	elfData := buildELF(sections)

	mod, err := Load(elfData)
	if err != nil {
		t.Fatalf("expected an unresolved weak symbol to fall back to zero rather than fail: %v", err)
	}
	mod.Usage = 1
	Unload(mod.Name)
}

func TestLoadRejectsUnknownRelocationType(t *testing.T) {
	strings := newStrTab()
	nameSymName := strings.add("__module_name__")

	data := []byte{0, 0, 0, 0}
	nameValue := uint32(len(data))
	data = append(data, []byte("test_module_badreloc")...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
	}
	symtabBytes := symBytes(syms)

	var rel bytes.Buffer
	binary.Write(&rel, binary.LittleEndian, uint32(0))
	binary.Write(&rel, binary.LittleEndian, uint32(0<<8|99)) // unknown type

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
		{name: ".rel.data", typ: shtRel, data: rel.Bytes(), link: 2, info: 1, entsz: 8},
	}
	elfData := buildELF(sections)

	if _, err := Load(elfData); err == nil {
		t.Fatalf("expected an unknown relocation type to be rejected")
	}
}

// TestRelocatePC32ComputesCorrectDisplacement drives relocate directly
// (rather than through Load, which has no way to hand post-relocation
// section bytes back to a caller) so the R_386_PC32 arithmetic itself can
// be checked: patched = base + value - offset.
func TestRelocatePC32ComputesCorrectDisplacement(t *testing.T) {
	strings := newStrTab()
	nameSymName := strings.add("__module_name__")
	anchorSymName := strings.add("test_pc32_anchor_symbol")

	const anchorValue = 0x2000
	const relOffset = 0

	data := []byte{0, 0, 0, 0} // relocation target placeholder at .data offset 0
	nameValue := uint32(len(data))
	data = append(data, []byte("test_module_pc32")...)
	data = append(data, 0)

	syms := []elfSym{
		{name: nameSymName, value: nameValue, info: stInfo(stbLocal, sttObject), shndx: 1},
		// an internal symbol: symbolValue resolves this to sym.Value
		// directly, so its value is exactly anchorValue.
		{name: anchorSymName, value: anchorValue, info: stInfo(stbLocal, sttObject), shndx: 1},
	}
	symtabBytes := symBytes(syms)

	var rel bytes.Buffer
	binary.Write(&rel, binary.LittleEndian, uint32(relOffset))
	binary.Write(&rel, binary.LittleEndian, uint32(2<<8|relPC32)) // sym index 2, type R_386_PC32

	sections := []elfSection{
		{name: ".data", typ: shtProgbit, flags: shfAlloc | shfWrite, data: data},
		{name: ".symtab", typ: shtSymtab, data: symtabBytes, link: 3, entsz: 16},
		{name: ".strtab", typ: shtStrtab, data: strings.buf},
		{name: ".rel.data", typ: shtRel, data: rel.Bytes(), link: 2, info: 1, entsz: 8},
	}
	elfData := buildELF(sections)

	f, err := elf.NewFile(newReaderAt(elfData))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	images, err := sectionImages(f)
	if err != nil {
		t.Fatalf("sectionImages: %v", err)
	}
	symbols, err := f.Symbols()
	if err != nil {
		t.Fatalf("symbols: %v", err)
	}
	if err := relocate(f, images, symbols); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	got := le32(images[1].data[relOffset:])
	want := uint32(anchorValue) - uint32(relOffset)
	if got != want {
		t.Fatalf("R_386_PC32 relocation: got 0x%x, want 0x%x", got, want)
	}
}
