package proc

import (
	"fmt"
	"sync"

	"github.com/go-nub/nub/pkg/logflags"
)

// StopReason is the classification of the last stop of a thread, produced
// by NotifyException and queried by the stop-reason formatter.
type StopReason int

const (
	// StopReasonNone means the thread has not stopped on anything notable.
	StopReasonNone StopReason = iota
	// StopReasonBreakpoint is a software breakpoint hit.
	StopReasonBreakpoint
	// StopReasonHardwareBreakpoint is a hardware breakpoint slot hit.
	StopReasonHardwareBreakpoint
	// StopReasonWatchpoint is a hardware watchpoint slot hit.
	StopReasonWatchpoint
	// StopReasonStepComplete means a requested single step finished.
	StopReasonStepComplete
	// StopReasonOther is any other exception.
	StopReasonOther
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonHardwareBreakpoint:
		return "hardware breakpoint"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonStepComplete:
		return "step complete"
	}
	return "other"
}

// Trap codes delivered with a stop exception, mirroring the kernel siginfo
// codes for SIGTRAP.
const (
	TrapBrkpt  = 1 // software breakpoint
	TrapTrace  = 2 // single step
	TrapHWBkpt = 4 // hardware breakpoint or watchpoint
)

// Exception is the raw OS stop event handed to NotifyException for
// classification.
type Exception struct {
	Signo int
	Code  int
	// Addr is the trap or fault address reported by the OS, when any.
	Addr uint64
}

// Thread represents a debuggee thread under control of the debugger core.
// It owns the per-thread architecture state; no architecture state is
// shared between threads or kept in globals.
type Thread struct {
	ID int

	arch      *Arch
	accessor  RegisterAccessor
	mem       MemoryReadWriter
	disasm    Disassembler
	installer BreakpointSiteInstaller

	state ArchState

	// mu guards resumed and stopReason: exception delivery and the
	// resume/stop command path can reach the same thread concurrently.
	mu         sync.Mutex
	resumed    bool
	stopReason StopReason

	log logflags.Logger
}

// NewThread builds the control state for thread id of the given detected
// CPU type. The accessor, memory and site installer collaborators are
// supplied by the backend; disasm may be nil for architectures with a
// default decode oracle.
func NewThread(id int, cpu CPUType, accessor RegisterAccessor, mem MemoryReadWriter, disasm Disassembler, installer BreakpointSiteInstaller) (*Thread, error) {
	arch, err := ArchForCPU(cpu)
	if err != nil {
		return nil, err
	}
	if disasm == nil && cpu == CPUTypeARM {
		disasm = NewARMDisassembler()
	}
	t := &Thread{
		ID:        id,
		arch:      arch,
		accessor:  accessor,
		mem:       mem,
		disasm:    disasm,
		installer: installer,
		log:       logflags.ProcLogger().WithField("thread", id),
	}
	t.state = arch.newState(t)
	return t, nil
}

// Arch returns the architecture of the thread.
func (t *Thread) Arch() *Arch {
	return t.arch
}

// ArchState returns the architecture specific state of the thread.
func (t *Thread) ArchState() ArchState {
	return t.state
}

// SetSingleStep marks the thread for single instruction stepping on the
// next resume.
func (t *Thread) SetSingleStep(enable bool) {
	t.state.SetSingleStep(enable)
}

// SetDisableHardwareStep forces the step engine onto software breakpoints
// even where a hardware step would be usable.
func (t *Thread) SetDisableHardwareStep(disable bool) {
	t.state.SetDisableHardwareStep(disable)
}

// ThreadWillResume prepares the thread state for a resume: stepping is
// armed and every cached register set is invalidated so the next query
// after a stop refetches it. Invoking it twice without an intervening
// ThreadDidStop is a no-op.
func (t *Thread) ThreadWillResume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resumed {
		return
	}
	t.resumed = true
	t.stopReason = StopReasonNone
	t.state.ThreadWillResume()
}

// ThreadDidStop finalizes a stop. No register set is refetched eagerly;
// sets are fetched lazily when queried. Invoking it without a matching
// ThreadWillResume is a no-op.
func (t *Thread) ThreadDidStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.resumed {
		return true
	}
	t.resumed = false
	return t.state.ThreadDidStop()
}

// NotifyException classifies an incoming OS exception for this thread and
// records the resulting stop reason.
func (t *Thread) NotifyException(exc *Exception) StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason := t.state.NotifyException(exc)
	t.stopReason = reason
	t.log.Debugf("exception signo=%d code=%d addr=%#x classified as %s", exc.Signo, exc.Code, exc.Addr, reason)
	return reason
}

// StopReason returns the classification of the last stop.
func (t *Thread) StopReason() StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReason
}

// GetDescription returns a one line description of the thread stop state
// for the stop-reason formatter.
func (t *Thread) GetDescription() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := t.state.GetPC(^uint64(0))
	desc := fmt.Sprintf("thread %d pc=%#x stopped (%s)", t.ID, pc, t.stopReason)
	if cpsr, err := t.state.GetRegisterValue(RegSetGPR, armRegCPSR); err == nil {
		desc += " cpsr=" + DescribeCPSR(uint32(cpsr))
	}
	return desc
}
