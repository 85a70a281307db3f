package proc

import (
	"math/bits"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// maxThumbITBreakpoints bounds the temporary software breakpoints used
	// to cover the exits of a Thumb IT block; an IT block has at most four
	// members.
	maxThumbITBreakpoints = 4

	invalidAddress = ^uint64(0)
)

// tempBreak is a temporary software breakpoint owned by the step engine.
type tempBreak struct {
	addr   uint64
	siteID int
}

// stepState is the per-thread single step state: the temporary breakpoints
// of the step in flight, the pending chained step address and a small
// decode cache for IT block members.
type stepState struct {
	chainedStepAddr uint64
	itCache         *lru.Cache
	temp            []tempBreak
}

func newStepState() stepState {
	cache, _ := lru.New(64)
	return stepState{
		chainedStepAddr: invalidAddress,
		itCache:         cache,
	}
}

// ownsAddr reports whether pc is one of the temporary step breakpoints.
func (st *stepState) ownsAddr(pc uint64) bool {
	pc &^= 1
	for _, tb := range st.temp {
		if tb.addr == pc {
			return true
		}
	}
	return false
}

// ConditionPassed evaluates an ARM condition code against the NZCV flags of
// cpsr. The AL and 0b1111 encodings always pass.
func ConditionPassed(cond Cond, cpsr uint32) bool {
	n := cpsr&CpsrN != 0
	z := cpsr&CpsrZ != 0
	c := cpsr&CpsrC != 0
	v := cpsr&CpsrV != 0
	switch cond {
	case CondEQ:
		return z
	case CondNE:
		return !z
	case CondCS:
		return c
	case CondCC:
		return !c
	case CondMI:
		return n
	case CondPL:
		return !n
	case CondVS:
		return v
	case CondVC:
		return !v
	case CondHI:
		return c && !z
	case CondLS:
		return !c || z
	case CondGE:
		return n == v
	case CondLT:
		return n != v
	case CondGT:
		return !z && n == v
	case CondLE:
		return z || n != v
	}
	return true
}

// itStateFromCPSR reassembles the Thumb ITSTATE byte from its split CPSR
// fields (bits 26:25 hold ITSTATE[1:0], bits 15:10 hold ITSTATE[7:2]).
func itStateFromCPSR(cpsr uint32) uint8 {
	return uint8(((cpsr >> 8) & 0xfc) | ((cpsr >> 25) & 3))
}

// itRemaining returns the number of instructions left in the current IT
// block, counting the one about to execute, or 0 outside a block.
func itRemaining(itstate uint8) int {
	mask := itstate & 0xf
	if mask == 0 {
		return 0
	}
	return 4 - bits.TrailingZeros8(mask)
}

// ComputeNextPC predicts the address of the instruction executed after the
// one decoded at pc, evaluating its condition against the current flags.
// The second result is the Thumb execution state at the predicted address.
func ComputeNextPC(pc uint64, cpsr uint32, thumb bool, di DecodedInstruction) (uint64, bool) {
	cond := di.Cond
	if thumb && !di.IsIT {
		if it := itStateFromCPSR(cpsr); it&0xf != 0 {
			// Inside an IT block the condition comes from ITSTATE, not
			// from the instruction encoding.
			cond = Cond(it >> 4)
		}
	}
	branching := di.Kind == JmpInstruction || di.Kind == CallInstruction || di.Kind == RetInstruction
	if branching && di.HasTarget && ConditionPassed(cond, cpsr) {
		nextThumb := thumb
		if di.ExchangesMode {
			nextThumb = di.Target&1 != 0
		}
		return di.Target &^ 1, nextThumb
	}
	return pc + uint64(di.Size), thumb
}

// armGPRNames is the ptrace register block order.
var armGPRNames = [18]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "ip", "sp", "lr", "pc",
	"cpsr", "orig_r0",
}

// cachedRegs exposes a snapshot of the general purpose cache through the
// Registers interface, used to resolve register indirect branch targets at
// decode time.
type cachedRegs struct {
	gpr [18]uint32
}

func (r cachedRegs) PC() uint64 { return uint64(r.gpr[armRegPC]) }
func (r cachedRegs) SP() uint64 { return uint64(r.gpr[armRegSP]) }
func (r cachedRegs) BP() uint64 { return uint64(r.gpr[armRegFP]) }

func (r cachedRegs) Get(n int) (uint64, error) {
	if n >= 0 && n < 16 {
		return uint64(r.gpr[n]), nil
	}
	return 0, ErrUnknownRegister
}

func (r cachedRegs) Slice(floatingPoint bool) ([]Register, error) {
	out := make([]Register, 0, len(r.gpr))
	for i, name := range armGPRNames {
		out = AppendUint64Register(out, name, uint64(r.gpr[i]))
	}
	return out, nil
}

func (r cachedRegs) Copy() (Registers, error) {
	return r, nil
}

// SetDisableHardwareStep forces the step engine onto software breakpoints
// even where a hardware step would be usable.
func (s *armState) SetDisableHardwareStep(disable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableHWStep = disable
}

// decodeLocked fetches and decodes the instruction at pc, resolving
// register indirect targets against the cached general purpose set when
// regs is true.
func (s *armState) decodeLocked(pc uint64, thumb, regs bool) (DecodedInstruction, error) {
	buf := make([]byte, s.t.arch.MaxInstructionLength())
	n, err := s.t.mem.ReadMemory(buf, pc)
	if err != nil || n < s.t.arch.MinInstructionLength() {
		return DecodedInstruction{}, ErrUndecodable
	}
	var rview Registers
	if regs {
		rview = cachedRegs{gpr: s.context.gpr}
	}
	return s.t.disasm.Decode(buf[:n], pc, rview, thumb)
}

// armStepLocked arms the single step requested for the next resume: a
// hardware mismatch step where the next instruction is unconditional, a set
// of temporary software breakpoints otherwise.
func (s *armState) armStepLocked() {
	if e := s.getGPRStateLocked(false); !e.Success() {
		s.stepLog.Errorf("single step: registers unreadable: errno %d", int32(e))
		return
	}
	pc := uint64(s.context.gpr[armRegPC])
	cpsr := s.context.gpr[armRegCPSR]
	thumb := cpsr&CpsrT != 0

	if s.step.chainedStepAddr != invalidAddress {
		if pc == s.step.chainedStepAddr {
			// Second half of a chained step; re-arm without decoding the
			// bytes at pc, they are the middle of an instruction.
			if s.enableHardwareSingleStepLocked(true).Success() {
				s.hwStepArmed = true
				return
			}
		}
		s.step.chainedStepAddr = invalidAddress
	}

	di, err := s.decodeLocked(pc, thumb, true)
	if err != nil {
		// Cannot see the instruction; degrade to a minimum-size step
		// rather than not stepping at all.
		size := uint64(4)
		if thumb {
			size = 2
		}
		s.stepLog.Debugf("pc %#x undecodable, stepping to %#x", pc, pc+size)
		s.installTempLocked([]uint64{pc + size}, thumb)
		return
	}

	var itstate uint8
	if thumb {
		itstate = itStateFromCPSR(cpsr)
	}
	inIT := itstate&0xf != 0

	// Hardware stepping is modeled as an address mismatch breakpoint; it
	// cannot express conditional execution, so those go the software path.
	hwEligible := !s.disableHWStep && !di.IsIT && !inIT &&
		(di.Cond == CondAL || di.Cond == CondNone)
	if hwEligible {
		if s.enableHardwareSingleStepLocked(true).Success() {
			s.hwStepArmed = true
			if thumb && di.Size == 4 {
				// The mismatch can halt between the halfwords of a 32-bit
				// Thumb instruction; a second physical step is chained.
				s.step.chainedStepAddr = pc + 2
			}
			s.stepLog.Debugf("hardware step armed at pc %#x", pc)
			return
		}
		s.stepLog.Debugf("hardware step unavailable at pc %#x, falling back", pc)
	}

	if di.IsIT || inIT {
		targets := s.itStepTargetsLocked(pc, cpsr, itstate, di)
		s.stepLog.Debugf("software step at pc %#x, breakpoints at %#x", pc, targets)
		s.installTempLocked(targets, true)
		return
	}
	next, nextThumb := ComputeNextPC(pc, cpsr, thumb, di)
	s.stepLog.Debugf("software step at pc %#x, breakpoint at %#x", pc, next)
	s.installTempLocked([]uint64{next}, nextThumb)
}

// itStepTargetsLocked enumerates the addresses execution can stop at after
// stepping one instruction at (or inside) a Thumb IT block: every remaining
// member boundary through the end of the block, plus the branch target of
// the instruction about to execute.
func (s *armState) itStepTargetsLocked(pc uint64, cpsr uint32, itstate uint8, di DecodedInstruction) []uint64 {
	targets := make([]uint64, 0, maxThumbITBreakpoints)
	add := func(a uint64) {
		a &^= 1
		for _, t := range targets {
			if t == a {
				return
			}
		}
		if len(targets) < maxThumbITBreakpoints {
			targets = append(targets, a)
		}
	}

	if di.IsIT {
		// Stepping the IT instruction itself only advances to its first
		// member.
		add(pc + uint64(di.Size))
		return targets
	}

	if di.HasTarget && ConditionPassed(Cond(itstate>>4), cpsr) {
		add(di.Target)
	}
	addr := pc + uint64(di.Size)
	add(addr)
	for i := 1; i < itRemaining(itstate); i++ {
		size, ok := s.itMemberSizeLocked(addr)
		if !ok {
			break
		}
		addr += uint64(size)
		add(addr)
	}
	return targets
}

// itMemberSizeLocked returns the encoding size of the IT block member at
// addr. Sizes are a pure function of the instruction bytes, so they are
// kept in a small cache keyed by address.
func (s *armState) itMemberSizeLocked(addr uint64) (int, bool) {
	if v, ok := s.step.itCache.Get(addr); ok {
		return v.(int), true
	}
	di, err := s.decodeLocked(addr, true, false)
	if err != nil {
		return 0, false
	}
	s.step.itCache.Add(addr, di.Size)
	return di.Size, true
}

// installTempLocked installs the temporary step breakpoints. Thumb targets
// are marked with the low address bit so the installer picks the Thumb trap
// opcode.
func (s *armState) installTempLocked(addrs []uint64, thumb bool) {
	for _, addr := range addrs {
		if addr == invalidAddress {
			continue
		}
		site := addr &^ 1
		if thumb {
			site = addr | 1
		}
		id, err := s.t.installer.InstallSite(site)
		if err != nil {
			s.stepLog.Errorf("temporary breakpoint at %#x: %v", addr, err)
			continue
		}
		s.step.temp = append(s.step.temp, tempBreak{addr: addr &^ 1, siteID: id})
	}
}

func (s *armState) clearTempBreakpointsLocked() {
	for _, tb := range s.step.temp {
		if err := s.t.installer.RemoveSite(tb.siteID); err != nil {
			s.stepLog.Errorf("removing temporary breakpoint at %#x: %v", tb.addr, err)
		}
	}
	s.step.temp = s.step.temp[:0]
}
