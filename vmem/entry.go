package vmem

import (
	"encoding/binary"

	"silicium/frame"
)

// entry is a 32-bit page-directory/page-table entry: present, writable,
// user, accessed, dirty, global, large bits plus a 20-bit frame index —
// the layout from spec.md §3 ("Page-table entry / directory entry").
type entry uint32

const (
	bitPresent  = 1 << 0
	bitWrite    = 1 << 1
	bitUser     = 1 << 2
	bitAccessed = 1 << 5
	bitDirty    = 1 << 6
	bitLarge    = 1 << 7
	bitGlobal   = 1 << 8
	frameShift  = 12
)

func makeEntry(frameIndex uint32, present, write, user, global bool) entry {
	e := entry(frameIndex << frameShift)
	if present {
		e |= bitPresent
	}
	if write {
		e |= bitWrite
	}
	if user {
		e |= bitUser
	}
	if global {
		e |= bitGlobal
	}
	return e
}

func (e entry) present() bool  { return e&bitPresent != 0 }
func (e entry) write() bool    { return e&bitWrite != 0 }
func (e entry) user() bool     { return e&bitUser != 0 }
func (e entry) accessed() bool { return e&bitAccessed != 0 }
func (e entry) dirty() bool    { return e&bitDirty != 0 }
func (e entry) large() bool    { return e&bitLarge != 0 }
func (e entry) global() bool   { return e&bitGlobal != 0 }
func (e entry) frameIndex() uint32 {
	return uint32(e) >> frameShift
}

func (e entry) withPresent(b bool) entry { return setBit(e, bitPresent, b) }
func (e entry) withWrite(b bool) entry   { return setBit(e, bitWrite, b) }
func (e entry) withUser(b bool) entry    { return setBit(e, bitUser, b) }
func (e entry) withGlobal(b bool) entry  { return setBit(e, bitGlobal, b) }

func setBit(e entry, bit entry, v bool) entry {
	if v {
		return e | bit
	}
	return e &^ bit
}

// entriesPerTable is the fanout of one directory/table level: a 4 KiB
// table of 4-byte entries.
const entriesPerTable = frame.Size / 4

// A page table is a frame's raw bytes viewed as an array of entries. The
// teacher has no direct analogue — this is the most literal part of the
// port, since the original's pde_t[1024]/pte_t[1024] arrays are themselves
// just a frame's bytes reinterpreted, same as here.
func getEntry(t *[frame.Size]byte, index uint32) entry {
	return entry(binary.LittleEndian.Uint32(t[index*4 : index*4+4]))
}

func setEntry(t *[frame.Size]byte, index uint32, e entry) {
	binary.LittleEndian.PutUint32(t[index*4:index*4+4], uint32(e))
}
