//go:build linux && arm
// +build linux,arm

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-nub/nub/pkg/config"
	"github.com/go-nub/nub/pkg/proc"
	"github.com/go-nub/nub/pkg/proc/linutil"
)

// Target binds the ptrace collaborators of one traced process into proc
// Threads and applies the user configuration to them.
type Target struct {
	pid int

	accessor PtraceAccessor
	mem      *Memory
	sites    *SiteInstaller
	conf     *config.Config

	threads map[int]*proc.Thread
}

// Attach attaches to the process with the given pid and waits for the
// initial stop.
func Attach(pid int, conf *config.Config) (*Target, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	arch, err := proc.ArchForCPU(proc.CPUTypeARM)
	if err != nil {
		return nil, err
	}
	if err := sys.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("attach %d: %v", pid, err)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(pid, &status, 0, nil); err != nil {
		sys.PtraceDetach(pid)
		return nil, fmt.Errorf("wait %d: %v", pid, err)
	}
	mem := NewMemory(pid)
	return &Target{
		pid:     pid,
		mem:     mem,
		sites:   NewSiteInstaller(arch, mem),
		conf:    conf,
		threads: make(map[int]*proc.Thread),
	}, nil
}

// Thread returns the control state for thread tid, creating it on first
// use.
func (t *Target) Thread(tid int) (*proc.Thread, error) {
	if th := t.threads[tid]; th != nil {
		return th, nil
	}
	th, err := proc.NewThread(tid, proc.CPUTypeARM, t.accessor, t.mem, nil, t.sites)
	if err != nil {
		return nil, err
	}
	th.SetDisableHardwareStep(t.conf.DisableHardwareStep)
	t.threads[tid] = th
	return th, nil
}

// Registers returns a display view of the registers of thread tid. The
// floating point block is only fetched when the view is asked for it.
func (t *Target) Registers(tid int) (proc.Registers, error) {
	buf := make([]byte, linutil.ARMGRegsSize)
	if e := t.accessor.GetRegisterSet(tid, proc.RegSetGPR, buf); !e.Success() {
		return nil, fmt.Errorf("reading registers of %d: errno %d", tid, int32(e))
	}
	regs := &linutil.ARMPtraceRegs{}
	regs.SetBytes(buf)
	return linutil.NewARMRegisters(regs, func(r *linutil.ARMRegisters) error {
		fpbuf := make([]byte, linutil.ARMFPRegsSize)
		if e := t.accessor.GetRegisterSet(tid, proc.RegSetFPU, fpbuf); !e.Success() {
			return fmt.Errorf("reading floating point registers of %d: errno %d", tid, int32(e))
		}
		var fpregs linutil.ARMPtraceFpRegs
		fpregs.SetBytes(fpbuf)
		r.Fpregset = fpbuf
		r.Fpregs = fpregs.Decode()
		return nil
	}), nil
}

// SetRegisters pushes a modified display register view back to thread tid.
// Only the general purpose block is writable through the view.
func (t *Target) SetRegisters(tid int, r *linutil.ARMRegisters) error {
	buf := make([]byte, linutil.ARMGRegsSize)
	r.Regs.Bytes(buf)
	if e := t.accessor.SetRegisterSet(tid, proc.RegSetGPR, buf); !e.Success() {
		return fmt.Errorf("writing registers of %d: errno %d", tid, int32(e))
	}
	return nil
}

// ExceptionInfo returns the exception state block of thread tid,
// synthesized by the accessor from the pending siginfo.
func (t *Target) ExceptionInfo(tid int) (*linutil.ARMExcState, error) {
	buf := make([]byte, linutil.ARMExcSize)
	if e := t.accessor.GetRegisterSet(tid, proc.RegSetEXC, buf); !e.Success() {
		return nil, fmt.Errorf("reading exception state of %d: errno %d", tid, int32(e))
	}
	var exc linutil.ARMExcState
	exc.SetBytes(buf)
	return &exc, nil
}

// SetWatchpoint programs a hardware watchpoint on thread tid, honoring the
// configured maximum watchpoint size.
func (t *Target) SetWatchpoint(tid int, addr uint64, size int, read, write bool) (uint32, error) {
	if t.conf.MaxWatchpointSize != nil && size > *t.conf.MaxWatchpointSize {
		return proc.InvalidHWIndex, fmt.Errorf("watchpoint size %d exceeds configured maximum %d", size, *t.conf.MaxWatchpointSize)
	}
	th, err := t.Thread(tid)
	if err != nil {
		return proc.InvalidHWIndex, err
	}
	idx := th.ArchState().EnableHardwareWatchpoint(addr, size, read, write, false)
	if idx == proc.InvalidHWIndex {
		return idx, fmt.Errorf("no free watchpoint for %#x", addr)
	}
	return idx, nil
}

// Detach detaches from the process, resuming it.
func (t *Target) Detach() error {
	return sys.PtraceDetach(t.pid)
}
