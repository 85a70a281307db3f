package proc

import (
	"github.com/go-nub/nub/pkg/proc/armutil"
)

// Undefined instruction, used as the ARM mode software breakpoint opcode.
var armBreakInstruction = []byte{0xf0, 0x01, 0xf0, 0xe7}

// Thumb mode software breakpoint opcode (UDF).
var thumbBreakInstruction = []byte{0xfe, 0xde}

func init() {
	RegisterArch(CPUTypeARM, ARMArch())
}

// ARMArch returns an initialized ARM Arch struct.
func ARMArch() *Arch {
	return &Arch{
		Name:                       "arm",
		ptrSize:                    4,
		maxInstructionLength:       4,
		minInstructionLength:       2,
		breakpointInstruction:      armBreakInstruction,
		thumbBreakpointInstruction: thumbBreakInstruction,
		hwBreakpointCount:          armutil.NumBreakpointPairs,
		hwWatchpointCount:          armutil.NumWatchpointPairs,
		newState:                   newARMState,
	}
}
