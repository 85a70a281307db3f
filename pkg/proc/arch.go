package proc

import (
	"fmt"
)

// CPUType identifies the CPU architecture of a debuggee thread, detected at
// attach time.
type CPUType uint32

const (
	// CPUTypeARM is a 32-bit ARM target.
	CPUTypeARM CPUType = 12
)

func (cpu CPUType) String() string {
	switch cpu {
	case CPUTypeARM:
		return "arm"
	}
	return fmt.Sprintf("CPUType(%d)", uint32(cpu))
}

// Arch holds the architecture specific constants and the ArchState factory
// for one CPU architecture.
type Arch struct {
	Name string

	ptrSize                    int
	maxInstructionLength       int
	minInstructionLength       int
	breakpointInstruction      []byte
	thumbBreakpointInstruction []byte
	hwBreakpointCount          int
	hwWatchpointCount          int

	newState func(t *Thread) ArchState
}

// PtrSize returns the size of a pointer for the architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// MaxInstructionLength returns the maximum encoding size of an instruction.
func (a *Arch) MaxInstructionLength() int {
	return a.maxInstructionLength
}

// MinInstructionLength returns the minimum encoding size of an instruction.
// Undecodable instructions are stepped over by this amount.
func (a *Arch) MinInstructionLength() int {
	return a.minInstructionLength
}

// BreakpointInstruction returns the software breakpoint opcode for the
// given encoding size, or nil if the size has no trap opcode.
func (a *Arch) BreakpointInstruction(size int) []byte {
	switch size {
	case len(a.breakpointInstruction):
		return a.breakpointInstruction
	case len(a.thumbBreakpointInstruction):
		return a.thumbBreakpointInstruction
	}
	return nil
}

// NumSupportedHardwareBreakpoints returns the fixed hardware breakpoint
// slot capacity. Capacity is a platform constant, not discovered at run
// time: some platforms reserve slots to sidestep known errata.
func (a *Arch) NumSupportedHardwareBreakpoints() int {
	return a.hwBreakpointCount
}

// NumSupportedHardwareWatchpoints returns the fixed hardware watchpoint
// slot capacity.
func (a *Arch) NumSupportedHardwareWatchpoints() int {
	return a.hwWatchpointCount
}

var arches = make(map[CPUType]*Arch)

// RegisterArch makes an architecture available to ArchForCPU. It is called
// from the init function of each architecture implementation.
func RegisterArch(cpu CPUType, arch *Arch) {
	arches[cpu] = arch
}

// ArchForCPU returns the Arch for the given detected CPU type.
func ArchForCPU(cpu CPUType) (*Arch, error) {
	arch := arches[cpu]
	if arch == nil {
		return nil, fmt.Errorf("unsupported architecture %s", cpu)
	}
	return arch, nil
}

// AccessDir distinguishes the read and write error slots retained for each
// register set.
type AccessDir int

const (
	// AccessRead indexes the error of the last fetch of a register set.
	AccessRead AccessDir = iota
	// AccessWrite indexes the error of the last store of a register set.
	AccessWrite

	numAccessDirs
)

// InvalidHWIndex is returned by the hardware breakpoint/watchpoint Enable
// methods when no free slot is available or the request is rejected before
// touching hardware state.
const InvalidHWIndex = ^uint32(0)

// ArchState is the per-thread architecture specific state: the cached
// register sets with their per-set error slots, the hardware debug slot
// table and the step engine. One ArchState exists per debuggee thread and
// lives as long as the thread does.
type ArchState interface {
	GetRegisterSetState(set RegisterSet, force bool) Errno
	SetRegisterSetState(set RegisterSet) Errno
	RegisterSetStateValid(set RegisterSet) bool
	GetError(set RegisterSet, dir AccessDir) Errno

	GetRegisterValue(set RegisterSet, reg int) (uint64, error)
	SetRegisterValue(set RegisterSet, reg int, value uint64) error
	GetRegisterContext(buf []byte) int
	SetRegisterContext(buf []byte) int

	GetPC(failValue uint64) uint64
	SetPC(value uint64) error
	GetSP(failValue uint64) uint64

	ThreadWillResume()
	ThreadDidStop() bool
	NotifyException(exc *Exception) StopReason

	EnableHardwareBreakpoint(addr uint64, size int) uint32
	DisableHardwareBreakpoint(index uint32) bool
	EnableHardwareWatchpoint(addr uint64, size int, read, write, alsoProcessLevel bool) uint32
	DisableHardwareWatchpoint(index uint32, alsoProcessLevel bool) bool
	GetHardwareWatchpointHit() (uint32, uint64)

	SetSingleStep(enable bool)
	StepNotComplete() bool
	// SetDisableHardwareStep forces the step engine onto software
	// breakpoints even where a hardware step would be usable.
	SetDisableHardwareStep(disable bool)
}

// RegisterAccessor reads and writes raw register blocks of a live thread.
// Calls are synchronous and expected to complete quickly; a stall is a
// backend failure, not a normal path.
type RegisterAccessor interface {
	// GetRegisterSet fills buf with the raw bytes of the given register
	// set of thread tid.
	GetRegisterSet(tid int, set RegisterSet, buf []byte) Errno
	// SetRegisterSet stores buf as the raw bytes of the given register set
	// of thread tid.
	SetRegisterSet(tid int, set RegisterSet, buf []byte) Errno
	// SetProcessDebugState mirrors a debug register block at the whole
	// process level, on platforms that distinguish thread and process
	// scoped debug state. Platforms without the distinction treat it as a
	// successful no-op.
	SetProcessDebugState(buf []byte) Errno
}

// MemoryReadWriter reads and writes debuggee memory, used to fetch
// instruction bytes for decoding.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
}

// BreakpointSiteInstaller installs and removes the physical trap at an
// address. Many breakpoint locations at the same address share one site.
type BreakpointSiteInstaller interface {
	// InstallSite writes a trap at addr and returns the site id. Repeated
	// installs at the same address return the same site id.
	InstallSite(addr uint64) (int, error)
	// RemoveSite drops one reference to the site, restoring the original
	// memory once the last reference is gone.
	RemoveSite(siteID int) error
}

// ModuleResolver maps (module, offset) pairs to concrete load addresses
// once the module has been mapped, and reports module architectures.
type ModuleResolver interface {
	ResolveAddress(module string, offset uint64) (uint64, bool)
	ModuleArch(module string) (CPUType, bool)
}
