package linutil

import (
	"encoding/binary"
	"fmt"

	"github.com/go-nub/nub/pkg/proc"
	"golang.org/x/arch/arm/armasm"
)

// Raw byte sizes of the register blocks exchanged with the register
// accessor.
const (
	ARMGRegsSize  = 18 * 4
	ARMFPRegsSize = 32*8 + 4
	ARMExcSize    = 3 * 4
)

// ARMRegisters is a wrapper for the ARM ptrace register blocks.
type ARMRegisters struct {
	Regs     *ARMPtraceRegs  // general purpose registers
	Fpregs   []proc.Register // formatted floating point registers
	Fpregset []byte          // holding all floating point register values

	loadFpRegs func(*ARMRegisters) error
}

func NewARMRegisters(regs *ARMPtraceRegs, loadFpRegs func(*ARMRegisters) error) *ARMRegisters {
	return &ARMRegisters{Regs: regs, loadFpRegs: loadFpRegs}
}

// ARMPtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for ARM CPUs.
type ARMPtraceRegs struct {
	Uregs [18]uint32
}

// Bytes serializes the register block into the raw layout used by the
// register accessor.
func (r *ARMPtraceRegs) Bytes(buf []byte) {
	for i, v := range r.Uregs {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
}

// SetBytes loads the register block from the raw accessor layout.
func (r *ARMPtraceRegs) SetBytes(buf []byte) {
	for i := range r.Uregs {
		r.Uregs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

// Cpsr returns the current program status register.
func (r *ARMPtraceRegs) Cpsr() uint32 {
	return r.Uregs[16]
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *ARMRegisters) Slice(floatingPoint bool) ([]proc.Register, error) {
	var regs = []struct {
		k string
		v uint32
	}{
		{"R0", r.Regs.Uregs[0]},
		{"R1", r.Regs.Uregs[1]},
		{"R2", r.Regs.Uregs[2]},
		{"R3", r.Regs.Uregs[3]},
		{"R4", r.Regs.Uregs[4]},
		{"R5", r.Regs.Uregs[5]},
		{"R6", r.Regs.Uregs[6]},
		{"R7", r.Regs.Uregs[7]},
		{"R8", r.Regs.Uregs[8]},
		{"R9", r.Regs.Uregs[9]},
		{"R10", r.Regs.Uregs[10]},
		{"FP", r.Regs.Uregs[11]},
		{"IP", r.Regs.Uregs[12]},
		{"SP", r.Regs.Uregs[13]},
		{"LR", r.Regs.Uregs[14]},
		{"PC", r.Regs.Uregs[15]},
		{"CPSR", r.Regs.Uregs[16]},
		{"ORIG_R0", r.Regs.Uregs[17]},
	}
	out := make([]proc.Register, 0, len(regs)+len(r.Fpregs))
	for _, reg := range regs {
		out = proc.AppendUint64Register(out, reg.k, uint64(reg.v))
	}
	var floatLoadError error
	if floatingPoint {
		if r.loadFpRegs != nil {
			floatLoadError = r.loadFpRegs(r)
			r.loadFpRegs = nil
		}
		out = append(out, r.Fpregs...)
	}
	return out, floatLoadError
}

// PC returns the value of the PC register.
func (r *ARMRegisters) PC() uint64 {
	return uint64(r.Regs.Uregs[15])
}

// SP returns the value of the SP register.
func (r *ARMRegisters) SP() uint64 {
	return uint64(r.Regs.Uregs[13])
}

func (r *ARMRegisters) BP() uint64 {
	return uint64(r.Regs.Uregs[11])
}

// Get returns the value of the n-th register (in armasm order).
func (r *ARMRegisters) Get(n int) (uint64, error) {
	reg := armasm.Reg(n)

	if reg >= armasm.R0 && reg <= armasm.R15 {
		return uint64(r.Regs.Uregs[reg-armasm.R0]), nil
	}

	return 0, proc.ErrUnknownRegister
}

// Copy returns a copy of these registers that is guaranteed not to change.
func (r *ARMRegisters) Copy() (proc.Registers, error) {
	if r.loadFpRegs != nil {
		err := r.loadFpRegs(r)
		r.loadFpRegs = nil
		if err != nil {
			return nil, err
		}
	}
	var rr ARMRegisters
	rr.Regs = &ARMPtraceRegs{}
	*(rr.Regs) = *(r.Regs)
	if r.Fpregs != nil {
		rr.Fpregs = make([]proc.Register, len(r.Fpregs))
		copy(rr.Fpregs, r.Fpregs)
	}
	if r.Fpregset != nil {
		rr.Fpregset = make([]byte, len(r.Fpregset))
		copy(rr.Fpregset, r.Fpregset)
	}
	return &rr, nil
}

// ARMPtraceFpRegs mirrors the VFP register block: 32 double registers
// followed by FPSCR.
type ARMPtraceFpRegs struct {
	Vregs [32 * 8]byte
	Fpscr uint32
}

func (fpregs *ARMPtraceFpRegs) Decode() (regs []proc.Register) {
	for i := 0; i < len(fpregs.Vregs); i += 8 {
		regs = proc.AppendBytesRegister(regs, fmt.Sprintf("D%d", i/8), fpregs.Vregs[i:i+8])
	}
	regs = proc.AppendUint64Register(regs, "FPSCR", uint64(fpregs.Fpscr))
	return
}

// SetBytes loads the floating point block from the raw accessor layout.
func (fpregs *ARMPtraceFpRegs) SetBytes(buf []byte) {
	copy(fpregs.Vregs[:], buf)
	fpregs.Fpscr = binary.LittleEndian.Uint32(buf[len(fpregs.Vregs):])
}

// ARMExcState is the exception state block: fault address, fault status
// and the exception number of the last stop.
type ARMExcState struct {
	FaultAddress uint32
	FaultStatus  uint32
	Exception    uint32
}

// Bytes serializes the exception block into the raw accessor layout.
func (exc *ARMExcState) Bytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], exc.FaultAddress)
	binary.LittleEndian.PutUint32(buf[4:], exc.FaultStatus)
	binary.LittleEndian.PutUint32(buf[8:], exc.Exception)
}

// SetBytes loads the exception block from the raw accessor layout.
func (exc *ARMExcState) SetBytes(buf []byte) {
	exc.FaultAddress = binary.LittleEndian.Uint32(buf[0:])
	exc.FaultStatus = binary.LittleEndian.Uint32(buf[4:])
	exc.Exception = binary.LittleEndian.Uint32(buf[8:])
}
