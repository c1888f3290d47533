// Package loader implements kernel module loading (spec.md C13, module
// half): parsing a relocatable ELF32 object already resident in memory,
// applying its relocations against already-known kernel symbols, reading
// its module metadata symbols, and tracking loaded modules by name.
// Grounded on _examples/original_source/kernel/core/module.c, using
// debug/elf the way src/lib/loader/loader.go reads sections and symbols
// from an attached ELF file.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/symtab"
)

func newReaderAt(data []byte) io.ReaderAt {
	return bytes.NewReader(data)
}

// InitFunc/FinitFunc are a module's optional entry and exit hooks.
type InitFunc func()
type FinitFunc func()

// Module is a loaded kernel module: its metadata symbols, entry/exit hooks,
// and a usage count preventing unload while in use. Matches module_t.
type Module struct {
	Name        string
	Author      string
	Version     string
	Description string

	Init  InitFunc
	Finit FinitFunc
	Usage int

	node klist.Node[Module]
}

var (
	lock    spinlock.Spinlock
	modules = klist.New[Module]()
)

// metadata symbol names, matching module.h's MODULE_NAME/MODULE_AUTHOR/...
// macros, which each stash a static string pointer under one of these
// reserved names.
const (
	symName        = "__module_name__"
	symAuthor      = "__module_author__"
	symVersion     = "__module_version__"
	symDescription = "__module_description__"
	symInit        = "__module_init__"
	symExit        = "__module_exit__"
)

// relocation types this loader understands, matching ELF_RTT_NONE/32/PC32.
const (
	relNone = 0
	rel32   = 1
	relPC32 = 2
)

// Load parses data as a relocatable ELF32 object, relocates it against the
// symbols already known to symtab, and registers it under the name its
// __module_name__ symbol carries. Matches module_load, minus the
// doctrine that a malformed module is the caller's problem: this port
// validates the ELF header itself (elf.NewFile already does most of that)
// and surfaces a *trust.Error instead of corrupting kernel memory on a bad
// file.
func Load(data []byte) (*Module, error) {
	f, err := elf.NewFile(newReaderAt(data))
	if err != nil {
		return nil, trust.New(trust.ErrMalformed, err.Error())
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, trust.New(trust.ErrMalformed, "module must be ELF32")
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, trust.New(trust.ErrMalformed, "module must be little-endian")
	}
	if f.Type != elf.ET_REL {
		return nil, trust.New(trust.ErrMalformed, "module must be relocatable")
	}

	sections, err := sectionImages(f)
	if err != nil {
		return nil, err
	}

	symbols, err := f.Symbols()
	if err != nil {
		return nil, trust.New(trust.ErrMalformed, "no symbol table: "+err.Error())
	}

	if err := relocate(f, sections, symbols); err != nil {
		return nil, err
	}

	mod := &Module{Usage: 1}
	klist.InitNode(&mod.node, mod)

	mod.Name = findString(sections, symbols, symName)
	if mod.Name == "" {
		return nil, trust.New(trust.ErrMalformed, "module has no name")
	}
	if Exists(mod.Name) {
		return nil, trust.New(trust.ErrExists, mod.Name)
	}

	mod.Author = findString(sections, symbols, symAuthor)
	mod.Version = findString(sections, symbols, symVersion)
	mod.Description = findString(sections, symbols, symDescription)
	mod.Init = findInit(symbols, symInit)
	mod.Finit = findInit(symbols, symExit)

	if mod.Init != nil {
		mod.Init()
	}

	defer spinlock.Guard(&lock)()
	modules.AddTail(&mod.node)
	return mod, nil
}

// Unload removes a module by name, running its exit hook first. Refuses a
// module still in use. Matches module_unload.
func Unload(name string) error {
	mod := Get(name)
	if mod == nil {
		return trust.New(trust.ErrNotFound, name)
	}
	if mod.Usage > 1 {
		return trust.New(trust.ErrBusy, name)
	}

	defer spinlock.Guard(&lock)()
	klist.Remove(&mod.node)
	if mod.Finit != nil {
		mod.Finit()
	}
	return nil
}

// Get returns the loaded module named name, or nil. Matches module_get.
func Get(name string) *Module {
	defer spinlock.Guard(&lock)()
	var found *Module
	modules.ForEach(func(m *Module) {
		if found == nil && m.Name == name {
			found = m
		}
	})
	return found
}

// Exists reports whether a module named name is loaded. Matches
// module_exist.
func Exists(name string) bool {
	return Get(name) != nil
}

// sectionImage is a section's raw bytes plus enough metadata to resolve
// symbols and relocations against it.
type sectionImage struct {
	header *elf.Section
	data   []byte
}

func sectionImages(f *elf.File) ([]sectionImage, error) {
	images := make([]sectionImage, len(f.Sections))
	for i, sect := range f.Sections {
		if sect.Type == elf.SHT_NOBITS {
			images[i] = sectionImage{header: sect, data: make([]byte, sect.Size)}
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, trust.New(trust.ErrMalformed, fmt.Sprintf("reading section %s: %v", sect.Name, err))
		}
		images[i] = sectionImage{header: sect, data: data}
	}
	return images, nil
}

// symbolValue resolves one ELF symbol to a value: an internal symbol
// resolves to its link-time value (its offset within its section), an absolute
// symbol is used as-is, and an undefined symbol is resolved against the
// kernel's own symbol table — falling back to 0 for a weak reference.
// Matches module_elf_get_symbval.
func symbolValue(sections []sectionImage, sym elf.Symbol) (uintptr, error) {
	switch sym.Section {
	case elf.SHN_UNDEF:
		if v := symtab.GetValue(sym.Name); v != 0 {
			return v, nil
		}
		if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
			return 0, nil
		}
		return 0, trust.New(trust.ErrUnresolvedSymbol, sym.Name)
	case elf.SHN_ABS:
		return uintptr(sym.Value), nil
	default:
		idx := int(sym.Section)
		if idx < 0 || idx >= len(sections) {
			return 0, trust.New(trust.ErrMalformed, "symbol section index out of range")
		}
		return uintptr(sym.Value), nil
	}
}

// relocate applies every REL section's entries in place against sections'
// loaded bytes. Matches module_elf_parse's relocation loop plus
// module_elf_relocate_symbol.
func relocate(f *elf.File, sections []sectionImage, symbols []elf.Symbol) error {
	for _, sect := range f.Sections {
		if sect.Type != elf.SHT_REL {
			continue
		}
		relData, err := sect.Data()
		if err != nil {
			return trust.New(trust.ErrMalformed, "reading relocation section: "+err.Error())
		}
		target := &sections[sect.Info]

		const relEntSize = 8 // r_offset (4) + r_info (4), ELF32 Rel
		for off := 0; off+relEntSize <= len(relData); off += relEntSize {
			offset := le32(relData[off:])
			info := le32(relData[off+4:])
			symIdx := info >> 8
			relType := info & 0xff

			var value uintptr
			if symIdx != 0 {
				// f.Symbols() omits the null symbol at ELF index 0, so ELF
				// symbol index i is symbols[i-1].
				if int(symIdx) > len(symbols) {
					return trust.New(trust.ErrMalformed, "relocation symbol index out of range")
				}
				v, err := symbolValue(sections, symbols[symIdx-1])
				if err != nil {
					return err
				}
				value = v
			}

			if int(offset)+4 > len(target.data) {
				return trust.New(trust.ErrMalformed, "relocation offset out of range")
			}
			base := le32(target.data[offset:])

			switch relType {
			case relNone:
			case rel32:
				putLE32(target.data[offset:], base+uint32(value))
			case relPC32:
				putLE32(target.data[offset:], base+uint32(value)-offset)
			default:
				return trust.New(trust.ErrUnknownRelocation, fmt.Sprintf("type %d", relType))
			}
		}
	}
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// findString reads a module metadata symbol's target bytes as a
// NUL-terminated string, matching the source's MODULE_NAME-style macros
// that store a `const char *` at one of the reserved symbol names.
func findString(sections []sectionImage, symbols []elf.Symbol, name string) string {
	sym, ok := findMetadataSymbol(symbols, name)
	if !ok {
		return ""
	}
	idx := int(sym.Section)
	if idx < 0 || idx >= len(sections) {
		return ""
	}
	data := sections[idx].data
	start := int(sym.Value)
	if start < 0 || start >= len(data) {
		return ""
	}
	end := start
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[start:end])
}

// findInit resolves a module metadata symbol naming an entry point to a
// callable hook. Since this is a hosted build with no machine code to jump
// into, the hook is a no-op placeholder recording that the symbol was
// present; a target that can execute module code replaces this with an
// indirect call through the resolved address.
func findInit(symbols []elf.Symbol, name string) func() {
	if _, ok := findMetadataSymbol(symbols, name); !ok {
		return nil
	}
	return func() {}
}

func findMetadataSymbol(symbols []elf.Symbol, name string) (elf.Symbol, bool) {
	for _, s := range symbols {
		if s.Name == name {
			return s, true
		}
	}
	return elf.Symbol{}, false
}
