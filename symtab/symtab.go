// Package symtab is the kernel's own symbol table (spec.md C13, symbol
// half): a chained-bucket hash of every global function/object symbol the
// kernel exports, built once at boot and consulted by the module loader to
// resolve a module's undefined references. Grounded on
// _examples/original_source/kernel/core/symbol.c.
package symtab

import (
	"hash/fnv"

	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
)

// BucketCount matches SYMBOLS_HASHMAP_LENGTH.
const BucketCount = 128

type symbol struct {
	name  string
	value uintptr
	node  klist.Node[symbol]
}

var (
	lock  spinlock.Spinlock
	table = klist.NewHashMap[symbol](BucketCount)
)

func hash(name string) uint {
	h := fnv.New32a()
	h.Write([]byte(name))
	return uint(h.Sum32())
}

// KernelSymbol is one entry in a boot-time symbol dump: a name the kernel
// exports and the address it resolves to. Built by whatever assembles the
// kernel's own symbol table (the linker, in the source; in this port the
// caller's kernel.Config.KernelSymbols, which kernel.Boot passes to Init).
type KernelSymbol struct {
	Name  string
	Value uintptr
}

// Init populates the table from a flat list of kernel symbols, matching
// symbol_init's scan of the boot image's .symtab/.strtab: every entry here
// is already filtered to global functions and objects by the caller, since
// this port builds its table from the list it is given rather than
// parsing the running binary's own ELF symbol table.
func Init(symbols []KernelSymbol) {
	for _, s := range symbols {
		if err := Add(s.Name, s.Value); err != nil {
			trust.Warnf("symtab: skipping %s: %v", s.Name, err)
		}
	}
}

// Exists reports whether name is in the table.
func Exists(name string) bool {
	return GetValue(name) != 0
}

// GetValue returns the value bound to name, or 0 if not found. Matches
// symbol_get_value.
func GetValue(name string) uintptr {
	defer spinlock.Guard(&lock)()
	var found uintptr
	table.Bucket(hash(name)).ForEach(func(s *symbol) {
		if found == 0 && s.name == name {
			found = s.value
		}
	})
	return found
}

// Add binds name to value. Refuses a zero value and a name already bound.
// Matches symbol_add.
func Add(name string, value uintptr) error {
	if value == 0 {
		return trust.New(trust.ErrInvalid, "symbol value must be non-zero")
	}
	if Exists(name) {
		return trust.New(trust.ErrExists, "symbol already defined: "+name)
	}

	s := &symbol{name: name, value: value}
	klist.InitNode(&s.node, s)

	defer spinlock.Guard(&lock)()
	table.Insert(hash(name), &s.node)
	return nil
}

// Remove unbinds name. Matches symbol_remove.
func Remove(name string) error {
	defer spinlock.Guard(&lock)()
	var target *klist.Node[symbol]
	table.Bucket(hash(name)).ForEach(func(s *symbol) {
		if target == nil && s.name == name {
			target = &s.node
		}
	})
	if target == nil {
		return trust.New(trust.ErrNotFound, "symbol not defined: "+name)
	}
	table.Remove(target)
	return nil
}
