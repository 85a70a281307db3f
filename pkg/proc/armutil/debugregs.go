// Package armutil contains helpers to manipulate the ARMv7 hardware debug
// register file shared between the proc package and the native backends.
package armutil

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NumBreakpointPairs is the number of usable BVR/BCR breakpoint slot
	// pairs. The hardware exposes up to 16; the capacity here is a platform
	// constant rather than read from DBGDIDR.
	NumBreakpointPairs = 6
	// NumWatchpointPairs is the number of usable WVR/WCR watchpoint slot
	// pairs. The last hardware pair is left unused to sidestep a Cortex-A8
	// debug erratum, so this is one less than the minimum the architecture
	// guarantees.
	NumWatchpointPairs = 4

	maxPairs = 16
)

// Size is the byte size of the raw debug register block exchanged with the
// register accessor: BVR, BCR, WVR, WCR banks plus the fired-slot status
// word.
const Size = (4*maxPairs)*4 + 4

// Control register bit assignments, ARM Architecture Reference Manual v7-AR,
// chapter C3 (DBGBCR and DBGWCR).
const (
	ctrlEnable = 1 << 0

	// PAC: match in both privileged and user mode.
	ctrlPACAny = 0x3 << 1

	// WCR only: load/store cycle matching.
	wcrLoad  = 1 << 3
	wcrStore = 1 << 4

	basShift = 5

	// BCR only: halt on any instruction address that does NOT match the
	// value register. Used to emulate hardware single step.
	bcrMismatch = 0x4 << 20
)

// DebugRegisters represents the ARMv7 debug register file of one thread:
// breakpoint value/control pairs, watchpoint value/control pairs, and the
// per-slot fired status recorded by the OS at the last stop.
type DebugRegisters struct {
	BVR [maxPairs]uint32
	BCR [maxPairs]uint32
	WVR [maxPairs]uint32
	WCR [maxPairs]uint32

	// Status holds one bit per watchpoint slot whose condition fired since
	// the last stop. The OS notification itself carries no slot identity,
	// so this word is filled in from an explicit register read on stop.
	Status uint32

	Dirty bool
}

// AlignedWatchpoint reports whether addr and size form a naturally aligned
// watchable region of one of the supported sizes.
func AlignedWatchpoint(addr uint64, size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return addr%uint64(size) == 0
	}
	return false
}

func bas(addr uint64, size int) uint32 {
	// Byte address select: one bit per byte of the aligned word covered by
	// the value register.
	return ((1 << uint(size)) - 1) << uint(addr&3)
}

// BreakpointEnabled reports whether breakpoint slot idx is programmed.
func (drs *DebugRegisters) BreakpointEnabled(idx uint8) bool {
	return int(idx) < NumBreakpointPairs && drs.BCR[idx]&ctrlEnable != 0
}

// SetBreakpoint programs breakpoint slot idx to trap execution at addr.
// size selects the encoding matched (2 for Thumb, 4 for ARM).
// If the slot is already in use with the same parameters it does nothing.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, size int) error {
	if int(idx) >= NumBreakpointPairs {
		return errors.New("hardware breakpoints exhausted")
	}
	if size != 2 && size != 4 {
		return fmt.Errorf("hardware breakpoint of size %d not supported", size)
	}
	ctrl := uint32(ctrlEnable | ctrlPACAny)
	if size == 2 {
		// Thumb encoding: match only the halfword at addr.
		ctrl |= (0x3 << uint(addr&2)) << basShift
	} else {
		ctrl |= 0xf << basShift
	}
	value := uint32(addr &^ 3)
	if drs.BCR[idx]&ctrlEnable != 0 {
		if drs.BVR[idx] != value || drs.BCR[idx] != ctrl {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, drs.BVR[idx])
		}
		return nil
	}
	drs.BVR[idx] = value
	drs.BCR[idx] = ctrl
	drs.Dirty = true
	return nil
}

// SetMismatchBreakpoint programs breakpoint slot idx to halt on the first
// instruction fetch outside the word at addr. Unlike SetBreakpoint it
// overwrites the slot unconditionally; callers save and restore the block
// around it.
func (drs *DebugRegisters) SetMismatchBreakpoint(idx uint8, addr uint64) error {
	if int(idx) >= NumBreakpointPairs {
		return errors.New("hardware breakpoints exhausted")
	}
	drs.BVR[idx] = uint32(addr &^ 3)
	drs.BCR[idx] = ctrlEnable | ctrlPACAny | bcrMismatch | 0xf<<basShift
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables breakpoint slot idx. If the slot was already
// disabled it does nothing.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if int(idx) >= NumBreakpointPairs || drs.BCR[idx]&ctrlEnable == 0 {
		return
	}
	drs.BCR[idx] &^= ctrlEnable
	drs.Dirty = true
}

// WatchpointEnabled reports whether watchpoint slot idx is programmed.
func (drs *DebugRegisters) WatchpointEnabled(idx uint8) bool {
	return int(idx) < NumWatchpointPairs && drs.WCR[idx]&ctrlEnable != 0
}

// WatchAddress returns the base address watched by slot idx.
func (drs *DebugRegisters) WatchAddress(idx uint8) uint64 {
	wcr := drs.WCR[idx]
	addr := uint64(drs.WVR[idx] &^ 3)
	basBits := (wcr >> basShift) & 0xff
	for basBits != 0 && basBits&1 == 0 {
		basBits >>= 1
		addr++
	}
	return addr
}

// SetWatchpoint programs watchpoint slot idx to trap read and/or write
// accesses of the given naturally aligned region. A misaligned request is
// rejected before any slot state changes.
func (drs *DebugRegisters) SetWatchpoint(idx uint8, addr uint64, size int, read, write bool) error {
	if int(idx) >= NumWatchpointPairs {
		return errors.New("hardware watchpoints exhausted")
	}
	if !AlignedWatchpoint(addr, size) {
		return fmt.Errorf("invalid watchpoint address %#x or size %d", addr, size)
	}
	if !read && !write {
		return errors.New("watchpoint must watch reads, writes or both")
	}
	ctrl := uint32(ctrlEnable|ctrlPACAny) | bas(addr, size)<<basShift
	if read {
		ctrl |= wcrLoad
	}
	if write {
		ctrl |= wcrStore
	}
	value := uint32(addr &^ 3)
	if drs.WCR[idx]&ctrlEnable != 0 {
		if drs.WVR[idx] != value || drs.WCR[idx] != ctrl {
			return fmt.Errorf("hardware watchpoint %d already in use (address %#x)", idx, drs.WVR[idx])
		}
		return nil
	}
	drs.WVR[idx] = value
	drs.WCR[idx] = ctrl
	drs.Dirty = true
	return nil
}

// ClearWatchpoint disables watchpoint slot idx. If the slot was already
// disabled it does nothing.
func (drs *DebugRegisters) ClearWatchpoint(idx uint8) {
	if int(idx) >= NumWatchpointPairs || drs.WCR[idx]&ctrlEnable == 0 {
		return
	}
	drs.WCR[idx] &^= ctrlEnable
	drs.Dirty = true
}

// GetActiveWatchpoint returns the first enabled watchpoint slot whose
// condition fired, together with the watched address, and resets its
// condition bit.
func (drs *DebugRegisters) GetActiveWatchpoint() (ok bool, idx uint8, addr uint64) {
	for idx := uint8(0); int(idx) < NumWatchpointPairs; idx++ {
		if drs.WCR[idx]&ctrlEnable == 0 {
			continue
		}
		if drs.Status&(1<<idx) != 0 {
			drs.Status &^= 1 << idx // it is our responsibility to clear the condition bit
			drs.Dirty = true
			return true, idx, drs.WatchAddress(idx)
		}
	}
	return false, 0, 0
}

// WatchpointFired reports whether any enabled watchpoint slot has its
// condition bit set, without consuming it.
func (drs *DebugRegisters) WatchpointFired() bool {
	for idx := uint8(0); int(idx) < NumWatchpointPairs; idx++ {
		if drs.WCR[idx]&ctrlEnable != 0 && drs.Status&(1<<idx) != 0 {
			return true
		}
	}
	return false
}

// Encode serializes the debug register file into the raw block layout
// exchanged with the register accessor.
func (drs *DebugRegisters) Encode(buf []byte) {
	off := 0
	for _, bank := range [][maxPairs]uint32{drs.BVR, drs.BCR, drs.WVR, drs.WCR} {
		for _, w := range bank {
			binary.LittleEndian.PutUint32(buf[off:], w)
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(buf[off:], drs.Status)
}

// Decode loads the debug register file from the raw block layout.
func (drs *DebugRegisters) Decode(buf []byte) {
	banks := []*[maxPairs]uint32{&drs.BVR, &drs.BCR, &drs.WVR, &drs.WCR}
	off := 0
	for _, bank := range banks {
		for i := range bank {
			bank[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
	}
	drs.Status = binary.LittleEndian.Uint32(buf[off:])
}
