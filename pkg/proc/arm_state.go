package proc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-nub/nub/pkg/logflags"
	"github.com/go-nub/nub/pkg/proc/armutil"
)

// GPR indexes of the ARM register block.
const (
	armRegFP   = 11
	armRegSP   = 13
	armRegLR   = 14
	armRegPC   = 15
	armRegCPSR = 16
)

// Raw byte sizes of the cached register blocks.
const (
	armGPRSize = 18 * 4
	armFPUSize = 32*8 + 4
	armEXCSize = 3 * 4

	// ARMContextSize is the size of the opaque register context snapshot
	// (GPR + FPU + EXC, without the debug registers).
	ARMContextSize = armGPRSize + armFPUSize + armEXCSize
)

// armFPU is the VFP register block: 32 double registers followed by FPSCR.
type armFPU struct {
	Vregs [32 * 8]byte
	Fpscr uint32
}

// armEXC is the exception state block: fault address, fault status and the
// exception number of the last stop.
type armEXC struct {
	FaultAddress uint32
	FaultStatus  uint32
	Exception    uint32
}

// armContext aggregates the register blocks snapshotted by
// GetRegisterContext.
type armContext struct {
	gpr [18]uint32
	fpu armFPU
	exc armEXC
}

// armState is the per-thread ARM architecture state: one register context
// plus the debug register block, with independent validity and error
// tracking per register set.
type armState struct {
	mu sync.Mutex
	t  *Thread

	context armContext
	dbg     armutil.DebugRegisters

	// dbgSave holds the debug registers as they were before the step
	// engine borrowed a slot for a mismatch breakpoint.
	dbgSave      armutil.DebugRegisters
	dbgSaveValid bool

	// errs retains the (read, write) status of the last accessor call per
	// register set, GPR through DBG. The ALL aggregate is derived on
	// demand, never stored.
	errs [4][numAccessDirs]Errno

	step              stepState
	singleStepEnabled bool
	hwStepArmed       bool
	disableHWStep     bool

	log     logflags.Logger
	hwLog   logflags.Logger
	stepLog logflags.Logger
}

func newARMState(t *Thread) ArchState {
	s := &armState{
		t:       t,
		step:    newStepState(),
		log:     logflags.ProcLogger().WithField("thread", t.ID),
		hwLog:   logflags.HWBreakLogger().WithField("thread", t.ID),
		stepLog: logflags.StepLogger().WithField("thread", t.ID),
	}
	for i := range s.errs {
		for j := range s.errs[i] {
			s.errs[i][j] = errnoInvalidCache
		}
	}
	return s
}

// watchpointDidOccur is process wide: the OS notification for a watchpoint
// carries no slot identity, so all this flag records is that some
// watchpoint fired since the last clear.
var watchpointDidOccur int32

// ClearWatchpointOccurred resets the process-wide watchpoint-occurred flag.
func ClearWatchpointOccurred() {
	atomic.StoreInt32(&watchpointDidOccur, 0)
}

// HasWatchpointOccurred reports whether any watchpoint fired since the last
// call to ClearWatchpointOccurred.
func HasWatchpointOccurred() bool {
	return atomic.LoadInt32(&watchpointDidOccur) != 0
}

func setWatchpointOccurred() {
	atomic.StoreInt32(&watchpointDidOccur, 1)
}

func errIdx(set RegisterSet) int {
	return int(set) - int(RegSetGPR)
}

// GetError returns the retained status of the last access in direction dir
// for the given register set. For RegSetALL the result is the bitwise OR of
// the four per-set errors, so any single failure shows up in the aggregate.
func (s *armState) GetError(set RegisterSet, dir AccessDir) Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getErrorLocked(set, dir)
}

func (s *armState) getErrorLocked(set RegisterSet, dir AccessDir) Errno {
	if dir < 0 || dir >= numAccessDirs {
		return errnoInvalidCache
	}
	switch set {
	case RegSetALL:
		return s.errs[0][dir] | s.errs[1][dir] | s.errs[2][dir] | s.errs[3][dir]
	case RegSetGPR, RegSetFPU, RegSetEXC, RegSetDBG:
		return s.errs[errIdx(set)][dir]
	}
	return errnoInvalidCache
}

func (s *armState) setErrorLocked(set RegisterSet, dir AccessDir, e Errno) {
	if set == RegSetALL {
		for i := range s.errs {
			s.errs[i][dir] = e
		}
		return
	}
	s.errs[errIdx(set)][dir] = e
}

// RegisterSetStateValid reports whether the cached copy of the given set is
// usable without a refetch.
func (s *armState) RegisterSetStateValid(set RegisterSet) bool {
	return s.GetError(set, AccessRead).Success()
}

// GetRegisterSetState validates the cached copy of the given register set,
// fetching from the live thread if the cache is invalid or force is set.
func (s *armState) GetRegisterSetState(set RegisterSet, force bool) Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSetStateLocked(set, force)
}

func (s *armState) getSetStateLocked(set RegisterSet, force bool) Errno {
	switch set {
	case RegSetALL:
		return s.getGPRStateLocked(force) |
			s.getFPUStateLocked(force) |
			s.getEXCStateLocked(force) |
			s.getDBGStateLocked(force)
	case RegSetGPR:
		return s.getGPRStateLocked(force)
	case RegSetFPU:
		return s.getFPUStateLocked(force)
	case RegSetEXC:
		return s.getEXCStateLocked(force)
	case RegSetDBG:
		return s.getDBGStateLocked(force)
	}
	return errnoInvalidCache
}

func (s *armState) getGPRStateLocked(force bool) Errno {
	if !force && s.errs[errIdx(RegSetGPR)][AccessRead].Success() {
		return ErrnoSuccess
	}
	buf := make([]byte, armGPRSize)
	e := s.t.accessor.GetRegisterSet(s.t.ID, RegSetGPR, buf)
	if e.Success() {
		for i := range s.context.gpr {
			s.context.gpr[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
	}
	s.errs[errIdx(RegSetGPR)][AccessRead] = e
	return e
}

func (s *armState) getFPUStateLocked(force bool) Errno {
	if !force && s.errs[errIdx(RegSetFPU)][AccessRead].Success() {
		return ErrnoSuccess
	}
	buf := make([]byte, armFPUSize)
	e := s.t.accessor.GetRegisterSet(s.t.ID, RegSetFPU, buf)
	if e.Success() {
		copy(s.context.fpu.Vregs[:], buf)
		s.context.fpu.Fpscr = binary.LittleEndian.Uint32(buf[len(s.context.fpu.Vregs):])
	}
	s.errs[errIdx(RegSetFPU)][AccessRead] = e
	return e
}

func (s *armState) getEXCStateLocked(force bool) Errno {
	if !force && s.errs[errIdx(RegSetEXC)][AccessRead].Success() {
		return ErrnoSuccess
	}
	buf := make([]byte, armEXCSize)
	e := s.t.accessor.GetRegisterSet(s.t.ID, RegSetEXC, buf)
	if e.Success() {
		s.context.exc.FaultAddress = binary.LittleEndian.Uint32(buf[0:])
		s.context.exc.FaultStatus = binary.LittleEndian.Uint32(buf[4:])
		s.context.exc.Exception = binary.LittleEndian.Uint32(buf[8:])
	}
	s.errs[errIdx(RegSetEXC)][AccessRead] = e
	return e
}

func (s *armState) getDBGStateLocked(force bool) Errno {
	if !force && s.errs[errIdx(RegSetDBG)][AccessRead].Success() {
		return ErrnoSuccess
	}
	buf := make([]byte, armutil.Size)
	e := s.t.accessor.GetRegisterSet(s.t.ID, RegSetDBG, buf)
	if e.Success() {
		s.dbg.Decode(buf)
		s.dbg.Dirty = false
	}
	s.errs[errIdx(RegSetDBG)][AccessRead] = e
	return e
}

// SetRegisterSetState pushes the cached copy of the given register set back
// to the live thread. RegSetALL pushes the context sets; the debug set is
// pushed only through its own tag or by the hardware slot operations.
func (s *armState) SetRegisterSetState(set RegisterSet) Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSetStateLocked(set)
}

func (s *armState) setSetStateLocked(set RegisterSet) Errno {
	switch set {
	case RegSetALL:
		return s.setGPRStateLocked() | s.setFPUStateLocked() | s.setEXCStateLocked()
	case RegSetGPR:
		return s.setGPRStateLocked()
	case RegSetFPU:
		return s.setFPUStateLocked()
	case RegSetEXC:
		return s.setEXCStateLocked()
	case RegSetDBG:
		return s.setDBGStateLocked(false)
	}
	return errnoInvalidCache
}

func (s *armState) setGPRStateLocked() Errno {
	buf := make([]byte, armGPRSize)
	for i, v := range s.context.gpr {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	e := s.t.accessor.SetRegisterSet(s.t.ID, RegSetGPR, buf)
	s.errs[errIdx(RegSetGPR)][AccessWrite] = e
	return e
}

func (s *armState) setFPUStateLocked() Errno {
	buf := make([]byte, armFPUSize)
	copy(buf, s.context.fpu.Vregs[:])
	binary.LittleEndian.PutUint32(buf[len(s.context.fpu.Vregs):], s.context.fpu.Fpscr)
	e := s.t.accessor.SetRegisterSet(s.t.ID, RegSetFPU, buf)
	s.errs[errIdx(RegSetFPU)][AccessWrite] = e
	return e
}

func (s *armState) setEXCStateLocked() Errno {
	buf := make([]byte, armEXCSize)
	binary.LittleEndian.PutUint32(buf[0:], s.context.exc.FaultAddress)
	binary.LittleEndian.PutUint32(buf[4:], s.context.exc.FaultStatus)
	binary.LittleEndian.PutUint32(buf[8:], s.context.exc.Exception)
	e := s.t.accessor.SetRegisterSet(s.t.ID, RegSetEXC, buf)
	s.errs[errIdx(RegSetEXC)][AccessWrite] = e
	return e
}

// setDBGStateLocked pushes the debug register block; with alsoProcessLevel
// the block is additionally mirrored at the whole-process scope, for
// platforms that distinguish thread and process debug state.
func (s *armState) setDBGStateLocked(alsoProcessLevel bool) Errno {
	buf := make([]byte, armutil.Size)
	s.dbg.Encode(buf)
	e := s.t.accessor.SetRegisterSet(s.t.ID, RegSetDBG, buf)
	if alsoProcessLevel {
		e |= s.t.accessor.SetProcessDebugState(buf)
	}
	s.errs[errIdx(RegSetDBG)][AccessWrite] = e
	if e.Success() {
		s.dbg.Dirty = false
	}
	return e
}

// RegisterAccessError reports a live-thread accessor failure for a register
// set, distinct from an unknown register error.
type RegisterAccessError struct {
	Set   RegisterSet
	Dir   AccessDir
	Errno Errno
}

func (e *RegisterAccessError) Error() string {
	dir := "read"
	if e.Dir == AccessWrite {
		dir = "write"
	}
	return fmt.Sprintf("register set %s %s failed: errno %d", e.Set, dir, int32(e.Errno))
}

// GetRegisterValue returns one register of the given set, force-validating
// the owning set first. An unknown (set, reg) pair yields
// ErrUnknownRegister; an accessor failure yields a RegisterAccessError.
func (s *armState) GetRegisterValue(set RegisterSet, reg int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getSetStateLocked(set, true); !e.Success() {
		return 0, &RegisterAccessError{Set: set, Dir: AccessRead, Errno: e}
	}
	switch set {
	case RegSetGPR:
		if reg >= 0 && reg < len(s.context.gpr) {
			return uint64(s.context.gpr[reg]), nil
		}
	case RegSetFPU:
		if reg >= 0 && reg < 32 {
			return binary.LittleEndian.Uint64(s.context.fpu.Vregs[reg*8:]), nil
		}
		if reg == 32 {
			return uint64(s.context.fpu.Fpscr), nil
		}
	case RegSetEXC:
		switch reg {
		case 0:
			return uint64(s.context.exc.FaultAddress), nil
		case 1:
			return uint64(s.context.exc.FaultStatus), nil
		case 2:
			return uint64(s.context.exc.Exception), nil
		}
	case RegSetDBG:
		if v, ok := s.dbgRegLocked(reg); ok {
			return uint64(v), nil
		}
	}
	return 0, ErrUnknownRegister
}

func (s *armState) dbgRegLocked(reg int) (uint32, bool) {
	bank := reg / 16
	idx := reg % 16
	if reg < 0 {
		return 0, false
	}
	switch bank {
	case 0:
		return s.dbg.BVR[idx], true
	case 1:
		return s.dbg.BCR[idx], true
	case 2:
		return s.dbg.WVR[idx], true
	case 3:
		return s.dbg.WCR[idx], true
	}
	return 0, false
}

// SetRegisterValue sets one register of the given set and pushes the set
// back to the live thread.
func (s *armState) SetRegisterValue(set RegisterSet, reg int, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getSetStateLocked(set, true); !e.Success() {
		return &RegisterAccessError{Set: set, Dir: AccessRead, Errno: e}
	}
	switch set {
	case RegSetGPR:
		if reg < 0 || reg >= len(s.context.gpr) {
			return ErrUnknownRegister
		}
		s.context.gpr[reg] = uint32(value)
	case RegSetFPU:
		switch {
		case reg >= 0 && reg < 32:
			binary.LittleEndian.PutUint64(s.context.fpu.Vregs[reg*8:], value)
		case reg == 32:
			s.context.fpu.Fpscr = uint32(value)
		default:
			return ErrUnknownRegister
		}
	case RegSetEXC:
		switch reg {
		case 0:
			s.context.exc.FaultAddress = uint32(value)
		case 1:
			s.context.exc.FaultStatus = uint32(value)
		case 2:
			s.context.exc.Exception = uint32(value)
		default:
			return ErrUnknownRegister
		}
	default:
		return ErrUnknownRegister
	}
	if e := s.setSetStateLocked(set); !e.Success() {
		return &RegisterAccessError{Set: set, Dir: AccessWrite, Errno: e}
	}
	return nil
}

// GetRegisterContext serializes the whole register context (GPR, FPU, EXC)
// into buf as an opaque fixed-size block. A nil buf returns the required
// size; a size mismatch returns 0, the block is never truncated.
func (s *armState) GetRegisterContext(buf []byte) int {
	if buf == nil {
		return ARMContextSize
	}
	if len(buf) != ARMContextSize {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getGPRStateLocked(false) | s.getFPUStateLocked(false) | s.getEXCStateLocked(false); !e.Success() {
		return 0
	}
	for i, v := range s.context.gpr {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	off := armGPRSize
	copy(buf[off:], s.context.fpu.Vregs[:])
	binary.LittleEndian.PutUint32(buf[off+len(s.context.fpu.Vregs):], s.context.fpu.Fpscr)
	off += armFPUSize
	binary.LittleEndian.PutUint32(buf[off+0:], s.context.exc.FaultAddress)
	binary.LittleEndian.PutUint32(buf[off+4:], s.context.exc.FaultStatus)
	binary.LittleEndian.PutUint32(buf[off+8:], s.context.exc.Exception)
	return ARMContextSize
}

// SetRegisterContext restores a snapshot produced by GetRegisterContext and
// pushes every context set back to the live thread. A size mismatch returns
// 0 and leaves the cache untouched.
func (s *armState) SetRegisterContext(buf []byte) int {
	if len(buf) != ARMContextSize {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.context.gpr {
		s.context.gpr[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	off := armGPRSize
	copy(s.context.fpu.Vregs[:], buf[off:])
	s.context.fpu.Fpscr = binary.LittleEndian.Uint32(buf[off+len(s.context.fpu.Vregs):])
	off += armFPUSize
	s.context.exc.FaultAddress = binary.LittleEndian.Uint32(buf[off+0:])
	s.context.exc.FaultStatus = binary.LittleEndian.Uint32(buf[off+4:])
	s.context.exc.Exception = binary.LittleEndian.Uint32(buf[off+8:])
	// The cache now holds the snapshot; mark it valid for reads.
	s.setErrorLocked(RegSetGPR, AccessRead, ErrnoSuccess)
	s.setErrorLocked(RegSetFPU, AccessRead, ErrnoSuccess)
	s.setErrorLocked(RegSetEXC, AccessRead, ErrnoSuccess)
	if e := s.setGPRStateLocked() | s.setFPUStateLocked() | s.setEXCStateLocked(); !e.Success() {
		return 0
	}
	return ARMContextSize
}

// GetPC returns the program counter, or failValue if the general purpose
// set cannot be read.
func (s *armState) GetPC(failValue uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.getGPRStateLocked(false).Success() {
		return failValue
	}
	return uint64(s.context.gpr[armRegPC])
}

// SetPC sets the program counter and pushes the general purpose set.
func (s *armState) SetPC(value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getGPRStateLocked(false); !e.Success() {
		return &RegisterAccessError{Set: RegSetGPR, Dir: AccessRead, Errno: e}
	}
	s.context.gpr[armRegPC] = uint32(value)
	if e := s.setGPRStateLocked(); !e.Success() {
		return &RegisterAccessError{Set: RegSetGPR, Dir: AccessWrite, Errno: e}
	}
	return nil
}

// GetSP returns the stack pointer, or failValue if the general purpose set
// cannot be read.
func (s *armState) GetSP(failValue uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.getGPRStateLocked(false).Success() {
		return failValue
	}
	return uint64(s.context.gpr[armRegSP])
}

// SetSingleStep marks the thread for single instruction stepping on the
// next resume.
func (s *armState) SetSingleStep(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleStepEnabled = enable
	if !enable {
		s.clearTempBreakpointsLocked()
		s.step.chainedStepAddr = invalidAddress
	}
}

// ThreadWillResume arms pending stepping state and invalidates every cached
// register set, so the first query after the next stop refetches from the
// live thread.
func (s *armState) ThreadWillResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTempBreakpointsLocked()
	if s.singleStepEnabled {
		s.armStepLocked()
	}
	for i := range s.errs {
		s.errs[i][AccessRead] = errnoInvalidCache
	}
	s.log.Debugf("register cache invalidated for resume")
}

// ThreadDidStop finalizes a stop: the debug slot borrowed for hardware
// stepping is handed back. Register sets stay invalid until queried.
func (s *armState) ThreadDidStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hwStepArmed {
		s.hwStepArmed = false
		if !s.enableHardwareSingleStepLocked(false).Success() {
			return false
		}
	}
	return true
}

// NotifyException classifies an incoming OS exception for this thread.
func (s *armState) NotifyException(exc *Exception) StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch exc.Code {
	case TrapTrace:
		if s.step.chainedStepAddr != invalidAddress {
			pc := uint64(invalidAddress)
			if s.getGPRStateLocked(false).Success() {
				pc = uint64(s.context.gpr[armRegPC])
			}
			if pc == s.step.chainedStepAddr {
				// One logical step spans two physical steps; the second
				// one is still pending.
				return StopReasonNone
			}
			s.step.chainedStepAddr = invalidAddress
		}
		return StopReasonStepComplete

	case TrapHWBkpt:
		// The notification carries no slot identity; identifying the slot
		// takes an explicit debug register read.
		if s.getDBGStateLocked(true).Success() && s.dbg.WatchpointFired() {
			setWatchpointOccurred()
			return StopReasonWatchpoint
		}
		return StopReasonHardwareBreakpoint

	case TrapBrkpt:
		if s.getGPRStateLocked(false).Success() {
			pc := uint64(s.context.gpr[armRegPC])
			if s.step.ownsAddr(pc) {
				// One of our temporary step breakpoints fired: the step is
				// done, all siblings go away.
				s.clearTempBreakpointsLocked()
				s.step.chainedStepAddr = invalidAddress
				return StopReasonStepComplete
			}
		}
		return StopReasonBreakpoint
	}
	return StopReasonOther
}

// StepNotComplete reports whether a second, chained physical step is still
// pending for the current logical step.
func (s *armState) StepNotComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step.chainedStepAddr != invalidAddress
}

// EnableHardwareBreakpoint programs a free hardware breakpoint slot at
// addr. The slot index is returned, or InvalidHWIndex when the slot table
// is exhausted or the debug state is unreachable; the call never blocks
// waiting for a slot.
func (s *armState) EnableHardwareBreakpoint(addr uint64, size int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getDBGStateLocked(false); !e.Success() {
		s.hwLog.Errorf("hardware breakpoint at %#x: debug state unreadable: errno %d", addr, int32(e))
		return InvalidHWIndex
	}
	// Re-check slot availability right before programming: a racing
	// stop/resume cycle must not double allocate.
	for idx := uint8(0); int(idx) < armutil.NumBreakpointPairs; idx++ {
		if s.dbg.BreakpointEnabled(idx) {
			continue
		}
		if err := s.dbg.SetBreakpoint(idx, addr, size); err != nil {
			s.hwLog.Errorf("hardware breakpoint at %#x: %v", addr, err)
			return InvalidHWIndex
		}
		if e := s.setDBGStateLocked(false); !e.Success() {
			s.dbg.ClearBreakpoint(idx)
			return InvalidHWIndex
		}
		s.hwLog.Debugf("hardware breakpoint %d set at %#x size %d", idx, addr, size)
		return uint32(idx)
	}
	s.hwLog.Debugf("hardware breakpoint at %#x: no free slot", addr)
	return InvalidHWIndex
}

// DisableHardwareBreakpoint clears the enable bit of the given slot.
// Disabling an already-disabled slot is a successful no-op.
func (s *armState) DisableHardwareBreakpoint(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint32(armutil.NumBreakpointPairs) {
		return false
	}
	if e := s.getDBGStateLocked(false); !e.Success() {
		return false
	}
	s.dbg.ClearBreakpoint(uint8(index))
	if !s.dbg.Dirty {
		return true
	}
	return s.setDBGStateLocked(false).Success()
}

// EnableHardwareWatchpoint programs a free hardware watchpoint slot over
// the naturally aligned region [addr, addr+size). A misaligned request
// fails before any hardware state changes. With alsoProcessLevel the debug
// block is mirrored at the whole-process scope.
func (s *armState) EnableHardwareWatchpoint(addr uint64, size int, read, write, alsoProcessLevel bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !armutil.AlignedWatchpoint(addr, size) {
		s.hwLog.Errorf("watchpoint at %#x size %d rejected: invalid alignment", addr, size)
		return InvalidHWIndex
	}
	if !read && !write {
		return InvalidHWIndex
	}
	if e := s.getDBGStateLocked(false); !e.Success() {
		s.hwLog.Errorf("watchpoint at %#x: debug state unreadable: errno %d", addr, int32(e))
		return InvalidHWIndex
	}
	for idx := uint8(0); int(idx) < armutil.NumWatchpointPairs; idx++ {
		if s.dbg.WatchpointEnabled(idx) {
			continue
		}
		if err := s.dbg.SetWatchpoint(idx, addr, size, read, write); err != nil {
			s.hwLog.Errorf("watchpoint at %#x: %v", addr, err)
			return InvalidHWIndex
		}
		if e := s.setDBGStateLocked(alsoProcessLevel); !e.Success() {
			s.dbg.ClearWatchpoint(idx)
			return InvalidHWIndex
		}
		s.hwLog.Debugf("watchpoint %d set at %#x size %d read=%v write=%v", idx, addr, size, read, write)
		return uint32(idx)
	}
	s.hwLog.Debugf("watchpoint at %#x: no free slot", addr)
	return InvalidHWIndex
}

// DisableHardwareWatchpoint clears the enable bit of the given slot (and
// the process level shadow if requested). Disabling an already-disabled
// slot is a successful no-op.
func (s *armState) DisableHardwareWatchpoint(index uint32, alsoProcessLevel bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint32(armutil.NumWatchpointPairs) {
		return false
	}
	if e := s.getDBGStateLocked(false); !e.Success() {
		return false
	}
	s.dbg.ClearWatchpoint(uint8(index))
	if !s.dbg.Dirty {
		return true
	}
	return s.setDBGStateLocked(alsoProcessLevel).Success()
}

// GetHardwareWatchpointHit scans the debug status for the first triggered
// watchpoint slot, returning its index and the watched address, or
// InvalidHWIndex when none fired. The scan consumes the fired condition.
func (s *armState) GetHardwareWatchpointHit() (uint32, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.getDBGStateLocked(true); !e.Success() {
		return InvalidHWIndex, 0
	}
	ok, idx, addr := s.dbg.GetActiveWatchpoint()
	if !ok {
		return InvalidHWIndex, 0
	}
	if s.dbg.Dirty {
		s.setDBGStateLocked(false)
	}
	return uint32(idx), addr
}

// enableHardwareSingleStepLocked emulates hardware single step with an
// address mismatch breakpoint in the last slot, saving and restoring the
// debug block around it.
func (s *armState) enableHardwareSingleStepLocked(enable bool) Errno {
	if enable {
		if e := s.getDBGStateLocked(false); !e.Success() {
			return e
		}
		if e := s.getGPRStateLocked(false); !e.Success() {
			return e
		}
		s.dbgSave = s.dbg
		s.dbgSaveValid = true
		pc := uint64(s.context.gpr[armRegPC])
		idx := uint8(armutil.NumBreakpointPairs - 1)
		if err := s.dbg.SetMismatchBreakpoint(idx, pc); err != nil {
			s.dbgSaveValid = false
			return errnoInvalidCache
		}
		return s.setDBGStateLocked(false)
	}
	if !s.dbgSaveValid {
		return ErrnoSuccess
	}
	s.dbg = s.dbgSave
	s.dbg.Dirty = true
	s.dbgSaveValid = false
	return s.setDBGStateLocked(false)
}
