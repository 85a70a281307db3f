package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// RegisterSet identifies an OS-level register block that is fetched and
// stored as one unit.
type RegisterSet int

const (
	// RegSetALL aggregates every other register set.
	RegSetALL RegisterSet = iota
	// RegSetGPR is the general purpose register set.
	RegSetGPR
	// RegSetFPU is the floating point register set.
	RegSetFPU
	// RegSetEXC is the exception state register set.
	RegSetEXC
	// RegSetDBG is the hardware debug register set.
	RegSetDBG

	numRegisterSets
)

func (set RegisterSet) String() string {
	switch set {
	case RegSetALL:
		return "ALL"
	case RegSetGPR:
		return "GPR"
	case RegSetFPU:
		return "FPU"
	case RegSetEXC:
		return "EXC"
	case RegSetDBG:
		return "DBG"
	}
	return fmt.Sprintf("RegisterSet(%d)", int(set))
}

// Errno is the status code returned by the live-thread register accessor.
// Zero means success. Cached register sets retain the code of the last
// fetch/store for that set until the next successful one.
type Errno int32

// ErrnoSuccess is the accessor success code.
const ErrnoSuccess Errno = 0

// errnoInvalidCache marks a register set cache entry that has been
// invalidated and must be refetched before use.
const errnoInvalidCache Errno = -1

// Success reports whether e is the success code.
func (e Errno) Success() bool {
	return e == ErrnoSuccess
}

// ErrUnknownRegister is returned when the value of an unknown
// register is requested.
var ErrUnknownRegister = errors.New("unknown register")

// Register represents a single CPU register.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// AppendUint64Register will create a new Register struct with the name and
// value specified and append it to the `regs` slice.
func AppendUint64Register(regs []Register, name string, value uint64) []Register {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return append(regs, Register{name, buf, fmt.Sprintf("%#016x", value)})
}

// AppendBytesRegister will create a new Register struct with the name and
// value specified and append it to the `regs` slice.
func AppendBytesRegister(regs []Register, name string, value []byte) []Register {
	var buf bytes.Buffer
	for i := len(value) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "%02x", value[i])
	}
	return append(regs, Register{name, value, fmt.Sprintf("0x%s", buf.String())})
}

// Registers is an interface for a generic register type. The
// interface encapsulates the generic values / actions
// we need independent of arch. The concrete register types
// will be different depending on OS/Arch.
type Registers interface {
	PC() uint64
	SP() uint64
	BP() uint64
	Get(int) (uint64, error)
	Slice(floatingPoint bool) ([]Register, error)
	// Copy returns a copy of the registers that is guaranteed not to change
	// when the registers of the associated thread change.
	Copy() (Registers, error)
}

// CPSR flag bits used by conditional execution.
const (
	CpsrN = 1 << 31 // negative
	CpsrZ = 1 << 30 // zero
	CpsrC = 1 << 29 // carry
	CpsrV = 1 << 28 // overflow
	CpsrT = 1 << 5  // thumb execution state
	// CpsrITMask covers the IT block state: base condition and remaining mask.
	CpsrITMask = 0x0600fc00
)

// DescribeCPSR renders the N/Z/C/V/T bits and the IT block state of a
// status register value for the stop-reason formatter.
func DescribeCPSR(cpsr uint32) string {
	flags := []struct {
		name string
		mask uint32
	}{
		{"N", CpsrN},
		{"Z", CpsrZ},
		{"C", CpsrC},
		{"V", CpsrV},
		{"T", CpsrT},
		{"IT", CpsrITMask},
	}
	var r []string
	for _, f := range flags {
		if cpsr&f.mask != 0 {
			r = append(r, f.name)
		}
	}
	return fmt.Sprintf("%#08x [%s]", cpsr, strings.Join(r, " "))
}
