//go:build linux && arm
// +build linux,arm

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-nub/nub/pkg/proc"
	"github.com/go-nub/nub/pkg/proc/armutil"
	"github.com/go-nub/nub/pkg/proc/linutil"
)

// Regset note types for PTRACE_GETREGSET/PTRACE_SETREGSET.
const (
	ntPrStatus = 1
	ntArmVFP   = 0x400
)

// siginfo mirrors the start of the kernel siginfo_t layout on 32-bit ARM;
// only the fields before the union and the fault address are used.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	Addr  uint32
	_     [112]byte
}

// PtraceAccessor reads and writes register blocks of stopped threads with
// ptrace. Like every ptrace request, calls must come from the thread that
// attached to the target.
type PtraceAccessor struct{}

func errnoOf(e syscall.Errno) proc.Errno {
	return proc.Errno(int32(e))
}

func ptraceRegset(req, tid, nt int, buf []byte) syscall.Errno {
	iov := sys.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, uintptr(req), uintptr(tid), uintptr(nt), uintptr(unsafe.Pointer(&iov)), 0, 0)
	return err
}

func ptraceGetSiginfo(tid int, si *siginfo) syscall.Errno {
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(si)), 0, 0)
	return err
}

// The PTRACE_GETHBPREGS/PTRACE_SETHBPREGS address scheme: positive
// addresses select breakpoint registers, negative ones watchpoint
// registers; (|addr|-1)>>1 is the slot, (|addr|-1)&1 selects value (0) or
// control (1).
func hbpAddr(slot int, control, watch bool) int {
	a := (slot << 1) + 1
	if control {
		a++
	}
	if watch {
		a = -a
	}
	return a
}

func ptraceGetHBP(tid, addr int, out *uint32) syscall.Errno {
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETHBPREGS, uintptr(tid), uintptr(addr), uintptr(unsafe.Pointer(out)), 0, 0)
	return err
}

func ptraceSetHBP(tid, addr int, val *uint32) syscall.Errno {
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETHBPREGS, uintptr(tid), uintptr(addr), uintptr(unsafe.Pointer(val)), 0, 0)
	return err
}

// GetRegisterSet fills buf with the raw bytes of the given register set of
// thread tid.
func (a PtraceAccessor) GetRegisterSet(tid int, set proc.RegisterSet, buf []byte) proc.Errno {
	switch set {
	case proc.RegSetGPR:
		return errnoOf(ptraceRegset(sys.PTRACE_GETREGSET, tid, ntPrStatus, buf))
	case proc.RegSetFPU:
		return errnoOf(ptraceRegset(sys.PTRACE_GETREGSET, tid, ntArmVFP, buf))
	case proc.RegSetEXC:
		return a.getEXC(tid, buf)
	case proc.RegSetDBG:
		return a.getDBG(tid, buf)
	}
	return errnoOf(syscall.EINVAL)
}

// SetRegisterSet stores buf as the raw bytes of the given register set of
// thread tid. The exception set is kernel owned and cannot be written.
func (a PtraceAccessor) SetRegisterSet(tid int, set proc.RegisterSet, buf []byte) proc.Errno {
	switch set {
	case proc.RegSetGPR:
		return errnoOf(ptraceRegset(sys.PTRACE_SETREGSET, tid, ntPrStatus, buf))
	case proc.RegSetFPU:
		return errnoOf(ptraceRegset(sys.PTRACE_SETREGSET, tid, ntArmVFP, buf))
	case proc.RegSetEXC:
		return errnoOf(syscall.EOPNOTSUPP)
	case proc.RegSetDBG:
		return a.setDBG(tid, buf)
	}
	return errnoOf(syscall.EINVAL)
}

// SetProcessDebugState is a successful no-op: Linux has no process scoped
// debug register state distinct from the per-thread one.
func (a PtraceAccessor) SetProcessDebugState(buf []byte) proc.Errno {
	return proc.ErrnoSuccess
}

// getEXC synthesizes the exception state block from the pending siginfo of
// the stopped thread.
func (a PtraceAccessor) getEXC(tid int, buf []byte) proc.Errno {
	if len(buf) != linutil.ARMExcSize {
		return errnoOf(syscall.EINVAL)
	}
	var si siginfo
	if err := ptraceGetSiginfo(tid, &si); err != 0 {
		return errnoOf(err)
	}
	exc := linutil.ARMExcState{
		FaultAddress: si.Addr,
		FaultStatus:  uint32(si.Code),
		Exception:    uint32(si.Signo),
	}
	exc.Bytes(buf)
	return proc.ErrnoSuccess
}

func (a PtraceAccessor) getDBG(tid int, buf []byte) proc.Errno {
	if len(buf) != armutil.Size {
		return errnoOf(syscall.EINVAL)
	}
	var drs armutil.DebugRegisters
	for n := 0; n < armutil.NumBreakpointPairs; n++ {
		if err := ptraceGetHBP(tid, hbpAddr(n, false, false), &drs.BVR[n]); err != 0 {
			return errnoOf(err)
		}
		if err := ptraceGetHBP(tid, hbpAddr(n, true, false), &drs.BCR[n]); err != 0 {
			return errnoOf(err)
		}
	}
	for n := 0; n < armutil.NumWatchpointPairs; n++ {
		if err := ptraceGetHBP(tid, hbpAddr(n, false, true), &drs.WVR[n]); err != 0 {
			return errnoOf(err)
		}
		if err := ptraceGetHBP(tid, hbpAddr(n, true, true), &drs.WCR[n]); err != 0 {
			return errnoOf(err)
		}
	}
	// The kernel reports the fired slot only through siginfo; recover it
	// by matching the fault address against the programmed watchpoints.
	var si siginfo
	if err := ptraceGetSiginfo(tid, &si); err == 0 && si.Signo == int32(syscall.SIGTRAP) && si.Code == proc.TrapHWBkpt {
		for n := uint8(0); int(n) < armutil.NumWatchpointPairs; n++ {
			if !drs.WatchpointEnabled(n) {
				continue
			}
			if drs.WatchAddress(n)&^7 == uint64(si.Addr)&^7 {
				drs.Status |= 1 << n
			}
		}
	}
	drs.Encode(buf)
	return proc.ErrnoSuccess
}

func (a PtraceAccessor) setDBG(tid int, buf []byte) proc.Errno {
	if len(buf) != armutil.Size {
		return errnoOf(syscall.EINVAL)
	}
	var drs armutil.DebugRegisters
	drs.Decode(buf)
	for n := 0; n < armutil.NumBreakpointPairs; n++ {
		if err := ptraceSetHBP(tid, hbpAddr(n, false, false), &drs.BVR[n]); err != 0 {
			return errnoOf(err)
		}
		if err := ptraceSetHBP(tid, hbpAddr(n, true, false), &drs.BCR[n]); err != 0 {
			return errnoOf(err)
		}
	}
	for n := 0; n < armutil.NumWatchpointPairs; n++ {
		if err := ptraceSetHBP(tid, hbpAddr(n, false, true), &drs.WVR[n]); err != 0 {
			return errnoOf(err)
		}
		if err := ptraceSetHBP(tid, hbpAddr(n, true, true), &drs.WCR[n]); err != 0 {
			return errnoOf(err)
		}
	}
	return proc.ErrnoSuccess
}
