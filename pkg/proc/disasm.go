package proc

import "errors"

// AsmInstructionKind classifies the control-flow effect of an instruction.
type AsmInstructionKind uint8

const (
	// OtherInstruction is any instruction that does not fall in one of the
	// other categories.
	OtherInstruction AsmInstructionKind = iota
	// JmpInstruction is an unconditional or conditional branch.
	JmpInstruction
	// CallInstruction is a function call.
	CallInstruction
	// RetInstruction is a return from a function call.
	RetInstruction
	// HardBreakInstruction is the trap opcode used for software
	// breakpoints.
	HardBreakInstruction
)

// Cond is an ARM condition code field value.
type Cond uint8

const (
	CondEQ Cond = iota // Z set
	CondNE             // Z clear
	CondCS             // C set
	CondCC             // C clear
	CondMI             // N set
	CondPL             // N clear
	CondVS             // V set
	CondVC             // V clear
	CondHI             // C set and Z clear
	CondLS             // C clear or Z set
	CondGE             // N == V
	CondLT             // N != V
	CondGT             // Z clear and N == V
	CondLE             // Z set or N != V
	CondAL             // always
	// CondNone marks the 0b1111 encoding space: unconditional in ARM mode.
	CondNone
)

// ErrUndecodable is returned by a Disassembler when the bytes at the
// requested address do not form a recognizable instruction. The step engine
// treats it as a signal to degrade to a conservative minimum-size step, not
// as a reason to skip stepping.
var ErrUndecodable = errors.New("undecodable instruction")

// DecodedInstruction is the decode oracle result consumed by the step
// engine.
type DecodedInstruction struct {
	Size int
	Kind AsmInstructionKind
	Cond Cond

	// Target is the branch target, valid when HasTarget is set. Register
	// indirect targets are resolved against the supplied register state at
	// decode time.
	Target    uint64
	HasTarget bool

	// ExchangesMode is set on branches that can toggle the Thumb execution
	// state (BX, BLX).
	ExchangesMode bool

	// IsIT is set on a Thumb IT instruction; ITState carries its
	// firstcond:mask byte.
	IsIT    bool
	ITState uint8
}

// Disassembler is the instruction decode oracle. mem holds the raw bytes at
// pc; regs, when non nil, is used to resolve register indirect branch
// targets; thumb selects the Thumb instruction set.
type Disassembler interface {
	Decode(mem []byte, pc uint64, regs Registers, thumb bool) (DecodedInstruction, error)
}
