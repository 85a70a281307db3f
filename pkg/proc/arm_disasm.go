package proc

import (
	"bytes"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

// armDisassembler decodes ARM and Thumb instructions. ARM mode uses the
// armasm decoder; armasm only implements ModeARM, so the Thumb subset the
// step engine needs (instruction width, branches, IT blocks) is decoded
// locally.
type armDisassembler struct{}

// NewARMDisassembler returns the decode oracle for 32-bit ARM targets.
func NewARMDisassembler() Disassembler {
	return armDisassembler{}
}

func (d armDisassembler) Decode(mem []byte, pc uint64, regs Registers, thumb bool) (DecodedInstruction, error) {
	if thumb {
		return d.decodeThumb(mem, pc, regs)
	}
	return d.decodeARM(mem, pc, regs)
}

func (d armDisassembler) decodeARM(mem []byte, pc uint64, regs Registers) (DecodedInstruction, error) {
	if len(mem) < 4 {
		return DecodedInstruction{}, ErrUndecodable
	}

	// We use UND as the break instruction on ARM, armasm won't decode it.
	if bytes.Equal(mem[:4], armBreakInstruction) {
		return DecodedInstruction{Size: 4, Kind: HardBreakInstruction, Cond: CondAL}, nil
	}

	inst, err := armasm.Decode(mem[:4], armasm.ModeARM)
	if err != nil {
		return DecodedInstruction{}, ErrUndecodable
	}

	di := DecodedInstruction{
		Size: inst.Len,
		Kind: OtherInstruction,
		Cond: Cond(inst.Enc >> 28),
	}

	switch baseOp(inst.Op) {
	case armasm.B:
		di.Kind = JmpInstruction
	case armasm.BX:
		di.Kind = JmpInstruction
		di.ExchangesMode = true
	case armasm.BL:
		di.Kind = CallInstruction
	case armasm.BLX:
		di.Kind = CallInstruction
		di.ExchangesMode = true
	case armasm.LDR, armasm.ADD, armasm.MOV:
		// A write to PC is a return (or computed jump).
		if reg, ok := inst.Args[0].(armasm.Reg); ok && reg == armasm.PC {
			di.Kind = RetInstruction
		}
	case armasm.POP:
		if regList, ok := inst.Args[0].(armasm.RegList); ok && (regList&(1<<uint(armasm.PC)) != 0) {
			di.Kind = RetInstruction
		}
	}

	switch di.Kind {
	case JmpInstruction, CallInstruction:
		di.Target, di.HasTarget = resolveBranchArgARM(&inst, pc, regs)
		if di.HasTarget && baseOp(inst.Op) == armasm.BLX {
			if _, isReg := inst.Args[0].(armasm.Reg); !isReg {
				// Immediate BLX always switches to Thumb state; record it
				// in the target's low bit like a register exchange would.
				di.Target |= 1
			}
		}
	case RetInstruction:
		if baseOp(inst.Op) == armasm.MOV {
			if reg, ok := inst.Args[1].(armasm.Reg); ok && regs != nil {
				if v, err := regs.Get(int(reg)); err == nil {
					di.Target, di.HasTarget = v, true
				}
			}
		}
	}

	return di, nil
}

// baseOp strips the condition suffix from an armasm opcode so B, B.EQ,
// B.NE... all compare equal.
func baseOp(op armasm.Op) armasm.Op {
	s := op.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if base, ok := armBaseOps[s]; ok {
		return base
	}
	return op
}

var armBaseOps = map[string]armasm.Op{
	"B":   armasm.B,
	"BL":  armasm.BL,
	"BLX": armasm.BLX,
	"BX":  armasm.BX,
	"LDR": armasm.LDR,
	"ADD": armasm.ADD,
	"MOV": armasm.MOV,
	"POP": armasm.POP,
}

func resolveBranchArgARM(inst *armasm.Inst, instAddr uint64, regs Registers) (uint64, bool) {
	switch arg := inst.Args[0].(type) {
	case armasm.Imm:
		return uint64(arg), true
	case armasm.PCRel:
		// The offset is relative to the PC-visible address, two
		// instructions ahead.
		return uint64(int64(instAddr) + 8 + int64(arg)), true
	case armasm.Reg:
		if regs == nil {
			return 0, false
		}
		pc, err := regs.Get(int(arg))
		if err != nil {
			return 0, false
		}
		return pc, true
	}
	return 0, false
}

// Thumb encodings follow the ARM Architecture Reference Manual v7-M/v7-AR
// Thumb instruction set chapters.

func thumbInstructionSize(hw1 uint16) int {
	if hw1&0xe000 == 0xe000 && hw1&0x1800 != 0 {
		return 4
	}
	return 2
}

func signext(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func (d armDisassembler) decodeThumb(mem []byte, pc uint64, regs Registers) (DecodedInstruction, error) {
	if len(mem) < 2 {
		return DecodedInstruction{}, ErrUndecodable
	}
	hw1 := uint16(mem[0]) | uint16(mem[1])<<8

	if thumbInstructionSize(hw1) == 4 {
		if len(mem) < 4 {
			return DecodedInstruction{}, ErrUndecodable
		}
		hw2 := uint16(mem[2]) | uint16(mem[3])<<8
		return d.decodeThumb32(hw1, hw2, pc)
	}

	di := DecodedInstruction{Size: 2, Kind: OtherInstruction, Cond: CondAL}

	switch {
	case hw1&0xff00 == 0xbe00:
		// BKPT
		di.Kind = HardBreakInstruction

	case hw1&0xff00 == 0xbf00 && hw1&0x000f != 0:
		// IT: [7:4] firstcond, [3:0] mask.
		di.IsIT = true
		di.ITState = uint8(hw1)

	case hw1&0xf000 == 0xd000:
		cond := Cond((hw1 >> 8) & 0xf)
		if cond == CondNone {
			break // SVC, not a branch
		}
		if cond == CondAL {
			return DecodedInstruction{}, ErrUndecodable // permanently undefined
		}
		di.Kind = JmpInstruction
		di.Cond = cond
		di.Target = uint64(int64(pc) + 4 + signext(uint64(hw1&0xff)<<1, 9))
		di.HasTarget = true

	case hw1&0xf800 == 0xe000:
		// B encoding T2
		di.Kind = JmpInstruction
		di.Target = uint64(int64(pc) + 4 + signext(uint64(hw1&0x7ff)<<1, 12))
		di.HasTarget = true

	case hw1&0xff87 == 0x4700:
		// BX Rm
		di.Kind = JmpInstruction
		di.ExchangesMode = true
		di.Target, di.HasTarget = thumbRegTarget(hw1, regs)

	case hw1&0xff87 == 0x4780:
		// BLX Rm
		di.Kind = CallInstruction
		di.ExchangesMode = true
		di.Target, di.HasTarget = thumbRegTarget(hw1, regs)

	case hw1&0xfe00 == 0xbc00 && hw1&0x0100 != 0:
		// POP with PC in the register list.
		di.Kind = RetInstruction
	}

	return di, nil
}

func thumbRegTarget(hw1 uint16, regs Registers) (uint64, bool) {
	if regs == nil {
		return 0, false
	}
	rm := int((hw1 >> 3) & 0xf)
	v, err := regs.Get(rm)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (d armDisassembler) decodeThumb32(hw1, hw2 uint16, pc uint64) (DecodedInstruction, error) {
	di := DecodedInstruction{Size: 4, Kind: OtherInstruction, Cond: CondAL}

	if hw1&0xf800 != 0xf000 || hw2&0x8000 == 0 {
		return di, nil
	}

	s := uint64(hw1>>10) & 1
	j1 := uint64(hw2>>13) & 1
	j2 := uint64(hw2>>11) & 1

	// imm = S:I1:I2:imm10:imm11:0 for the wide encodings.
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	wideImm := s<<24 | i1<<23 | i2<<22 | uint64(hw1&0x3ff)<<12 | uint64(hw2&0x7ff)<<1

	switch {
	case hw2&0x4000 != 0:
		// BL (T1) / BLX (T2).
		di.Kind = CallInstruction
		base := int64(pc) + 4
		if hw2&0x1000 == 0 {
			// BLX switches to ARM state; the base is word aligned.
			di.ExchangesMode = true
			base &^= 3
		}
		di.Target = uint64(base + signext(wideImm, 25))
		di.HasTarget = true

	case hw2&0x1000 == 0:
		// B encoding T3, conditional.
		cond := Cond((hw1 >> 6) & 0xf)
		if cond >= CondAL {
			return di, nil
		}
		imm := s<<20 | j2<<19 | j1<<18 | uint64(hw1&0x3f)<<12 | uint64(hw2&0x7ff)<<1
		di.Kind = JmpInstruction
		di.Cond = cond
		di.Target = uint64(int64(pc) + 4 + signext(imm, 21))
		di.HasTarget = true

	default:
		// B encoding T4, unconditional.
		di.Kind = JmpInstruction
		di.Target = uint64(int64(pc) + 4 + signext(wideImm, 25))
		di.HasTarget = true
	}

	return di, nil
}
