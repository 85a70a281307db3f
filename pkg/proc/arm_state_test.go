package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-nub/nub/pkg/proc/armutil"
)

type fakeAccessor struct {
	data     map[RegisterSet][]byte
	errs     map[RegisterSet]Errno
	getCalls map[RegisterSet]int
	setCalls map[RegisterSet]int

	procLevelWrites int
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		data: map[RegisterSet][]byte{
			RegSetGPR: make([]byte, armGPRSize),
			RegSetFPU: make([]byte, armFPUSize),
			RegSetEXC: make([]byte, armEXCSize),
			RegSetDBG: make([]byte, armutil.Size),
		},
		errs:     make(map[RegisterSet]Errno),
		getCalls: make(map[RegisterSet]int),
		setCalls: make(map[RegisterSet]int),
	}
}

func (f *fakeAccessor) GetRegisterSet(tid int, set RegisterSet, buf []byte) Errno {
	f.getCalls[set]++
	if e := f.errs[set]; !e.Success() {
		return e
	}
	copy(buf, f.data[set])
	return ErrnoSuccess
}

func (f *fakeAccessor) SetRegisterSet(tid int, set RegisterSet, buf []byte) Errno {
	f.setCalls[set]++
	if e := f.errs[set]; !e.Success() {
		return e
	}
	copy(f.data[set], buf)
	return ErrnoSuccess
}

func (f *fakeAccessor) SetProcessDebugState(buf []byte) Errno {
	f.procLevelWrites++
	return ErrnoSuccess
}

func (f *fakeAccessor) setGPR(reg int, val uint32) {
	binary.LittleEndian.PutUint32(f.data[RegSetGPR][reg*4:], val)
}

func (f *fakeAccessor) dbgRegs() armutil.DebugRegisters {
	var drs armutil.DebugRegisters
	drs.Decode(f.data[RegSetDBG])
	return drs
}

func (f *fakeAccessor) storeDBG(drs *armutil.DebugRegisters) {
	drs.Encode(f.data[RegSetDBG])
}

// fakeMemory serves a fixed region starting at base.
type fakeMemory struct {
	base uint64
	data []byte
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		off := int64(addr) + int64(i) - int64(m.base)
		if off < 0 || off >= int64(len(m.data)) {
			buf[i] = 0
			continue
		}
		buf[i] = m.data[off]
	}
	return len(buf), nil
}

func (m *fakeMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		off := int64(addr) + int64(i) - int64(m.base)
		if off >= 0 && off < int64(len(m.data)) {
			m.data[off] = data[i]
		}
	}
	return len(data), nil
}

type fakeInstaller struct {
	nextID    int
	installed map[int]uint64
	removed   []int
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{nextID: 1, installed: make(map[int]uint64)}
}

func (f *fakeInstaller) InstallSite(addr uint64) (int, error) {
	id := f.nextID
	f.nextID++
	f.installed[id] = addr &^ 1
	return id, nil
}

func (f *fakeInstaller) RemoveSite(siteID int) error {
	f.removed = append(f.removed, siteID)
	delete(f.installed, siteID)
	return nil
}

func (f *fakeInstaller) addrs() []uint64 {
	out := []uint64{}
	for _, a := range f.installed {
		out = append(out, a)
	}
	return out
}

func newTestThread(t *testing.T, acc *fakeAccessor, mem *fakeMemory, inst *fakeInstaller) *Thread {
	t.Helper()
	if mem == nil {
		mem = &fakeMemory{}
	}
	if inst == nil {
		inst = newFakeInstaller()
	}
	th, err := NewThread(101, CPUTypeARM, acc, mem, nil, inst)
	require.NoError(t, err)
	return th
}

func TestGetErrorAllAggregates(t *testing.T) {
	acc := newFakeAccessor()
	acc.errs[RegSetFPU] = Errno(5)
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	e := st.GetRegisterSetState(RegSetALL, true)
	assert.False(t, e.Success())

	assert.Equal(t, ErrnoSuccess, st.GetError(RegSetGPR, AccessRead))
	assert.Equal(t, Errno(5), st.GetError(RegSetFPU, AccessRead))
	assert.Equal(t, st.GetError(RegSetGPR, AccessRead)|st.GetError(RegSetFPU, AccessRead)|st.GetError(RegSetEXC, AccessRead)|st.GetError(RegSetDBG, AccessRead),
		st.GetError(RegSetALL, AccessRead))

	assert.True(t, st.RegisterSetStateValid(RegSetGPR))
	assert.False(t, st.RegisterSetStateValid(RegSetFPU))
	assert.False(t, st.RegisterSetStateValid(RegSetALL))
}

func TestRegisterCacheLazyFetch(t *testing.T) {
	acc := newFakeAccessor()
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	require.True(t, st.GetRegisterSetState(RegSetGPR, false).Success())
	require.True(t, st.GetRegisterSetState(RegSetGPR, false).Success())
	assert.Equal(t, 1, acc.getCalls[RegSetGPR], "second validation must not refetch")

	require.True(t, st.GetRegisterSetState(RegSetGPR, true).Success())
	assert.Equal(t, 2, acc.getCalls[RegSetGPR], "force must refetch")

	th.ThreadWillResume()
	require.True(t, th.ThreadDidStop())
	assert.Equal(t, 2, acc.getCalls[RegSetGPR], "stopping must not eagerly refetch")

	require.True(t, st.GetRegisterSetState(RegSetGPR, false).Success())
	assert.Equal(t, 3, acc.getCalls[RegSetGPR], "resume must invalidate the cache")
}

func TestRegisterValueRoundTrip(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(3, 0xcafe)
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	v, err := st.GetRegisterValue(RegSetGPR, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xcafe), v)

	_, err = st.GetRegisterValue(RegSetGPR, 99)
	assert.Equal(t, ErrUnknownRegister, err)

	require.NoError(t, st.SetRegisterValue(RegSetGPR, 4, 0xbeef))
	assert.Equal(t, uint32(0xbeef), binary.LittleEndian.Uint32(acc.data[RegSetGPR][4*4:]))

	acc.errs[RegSetEXC] = Errno(14)
	_, err = st.GetRegisterValue(RegSetEXC, 0)
	var rerr *RegisterAccessError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, Errno(14), rerr.Errno)
}

func TestRegisterContextSnapshot(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	acc.setGPR(0, 0x11)
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	assert.Equal(t, ARMContextSize, st.GetRegisterContext(nil))
	assert.Equal(t, 0, st.GetRegisterContext(make([]byte, 10)), "size mismatch must not truncate")

	buf := make([]byte, ARMContextSize)
	require.Equal(t, ARMContextSize, st.GetRegisterContext(buf))
	assert.Equal(t, uint32(0x8000), binary.LittleEndian.Uint32(buf[armRegPC*4:]))

	binary.LittleEndian.PutUint32(buf[armRegPC*4:], 0x9000)
	assert.Equal(t, 0, st.SetRegisterContext(buf[:20]))
	require.Equal(t, ARMContextSize, st.SetRegisterContext(buf))
	assert.Equal(t, uint64(0x9000), st.GetPC(0))
	assert.Equal(t, uint32(0x9000), binary.LittleEndian.Uint32(acc.data[RegSetGPR][armRegPC*4:]))
}

func TestPCAndSPAccess(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x1234)
	acc.setGPR(armRegSP, 0x7ff0)
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	assert.Equal(t, uint64(0x1234), st.GetPC(0))
	assert.Equal(t, uint64(0x7ff0), st.GetSP(0))

	require.NoError(t, st.SetPC(0x4321))
	assert.Equal(t, uint64(0x4321), st.GetPC(0))

	acc.errs[RegSetGPR] = Errno(5)
	th.ThreadWillResume()
	th.ThreadDidStop()
	assert.Equal(t, uint64(0xdead), st.GetPC(0xdead))
}

func TestHardwareBreakpointSlots(t *testing.T) {
	acc := newFakeAccessor()
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	seen := make(map[uint32]bool)
	for i := 0; i < armutil.NumBreakpointPairs; i++ {
		idx := st.EnableHardwareBreakpoint(uint64(0x8000+4*i), 4)
		require.NotEqual(t, InvalidHWIndex, idx)
		assert.False(t, seen[idx], "slot %d allocated twice", idx)
		seen[idx] = true
	}
	assert.Equal(t, InvalidHWIndex, st.EnableHardwareBreakpoint(0x9000, 4), "exhausted table must return the sentinel")

	require.True(t, st.DisableHardwareBreakpoint(2))
	idx := st.EnableHardwareBreakpoint(0x9000, 4)
	assert.Equal(t, uint32(2), idx, "freed slot must be reused")

	drs := acc.dbgRegs()
	assert.True(t, drs.BreakpointEnabled(2))
	assert.Equal(t, uint64(0x9000), uint64(drs.BVR[2]))
}

func TestWatchpointAlignmentRejection(t *testing.T) {
	acc := newFakeAccessor()
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	assert.Equal(t, InvalidHWIndex, st.EnableHardwareWatchpoint(0x1003, 4, false, true, false))
	assert.Equal(t, InvalidHWIndex, st.EnableHardwareWatchpoint(0x1000, 3, false, true, false))
	assert.Equal(t, 0, acc.setCalls[RegSetDBG], "rejected request must not touch hardware state")

	idx := st.EnableHardwareWatchpoint(0x1000, 4, true, true, false)
	require.NotEqual(t, InvalidHWIndex, idx)
	assert.Equal(t, 0, acc.procLevelWrites)

	idx2 := st.EnableHardwareWatchpoint(0x2000, 4, false, true, true)
	require.NotEqual(t, InvalidHWIndex, idx2)
	assert.Equal(t, 1, acc.procLevelWrites, "process level flag must mirror the write")

	require.True(t, st.DisableHardwareWatchpoint(idx, false))
	require.True(t, st.DisableHardwareWatchpoint(idx, false), "double disable is a no-op")
}

func TestWatchpointExhaustion(t *testing.T) {
	acc := newFakeAccessor()
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	for i := 0; i < armutil.NumWatchpointPairs; i++ {
		require.NotEqual(t, InvalidHWIndex, st.EnableHardwareWatchpoint(uint64(0x1000+8*i), 4, false, true, false))
	}
	assert.Equal(t, InvalidHWIndex, st.EnableHardwareWatchpoint(0x5000, 4, false, true, false))
}

func TestWatchpointHitAndFlag(t *testing.T) {
	ClearWatchpointOccurred()
	acc := newFakeAccessor()
	th := newTestThread(t, acc, nil, nil)
	st := th.ArchState()

	idx := st.EnableHardwareWatchpoint(0x1000, 4, false, true, false)
	require.NotEqual(t, InvalidHWIndex, idx)

	// Simulate the OS recording a fired condition for the slot.
	drs := acc.dbgRegs()
	drs.Status |= 1 << idx
	acc.storeDBG(&drs)

	reason := th.NotifyException(&Exception{Signo: 5, Code: TrapHWBkpt, Addr: 0x1000})
	assert.Equal(t, StopReasonWatchpoint, reason)
	assert.True(t, HasWatchpointOccurred())

	hitIdx, addr := st.GetHardwareWatchpointHit()
	assert.Equal(t, idx, hitIdx)
	assert.Equal(t, uint64(0x1000), addr)

	hitIdx, _ = st.GetHardwareWatchpointHit()
	assert.Equal(t, InvalidHWIndex, hitIdx, "the hit must be consumed")

	ClearWatchpointOccurred()
	assert.False(t, HasWatchpointOccurred())
}

func TestNotifyExceptionBreakpoint(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	th := newTestThread(t, acc, nil, nil)

	reason := th.NotifyException(&Exception{Signo: 5, Code: TrapBrkpt, Addr: 0x8000})
	assert.Equal(t, StopReasonBreakpoint, reason)
	assert.Equal(t, StopReasonBreakpoint, th.StopReason())

	reason = th.NotifyException(&Exception{Signo: 11, Code: 0, Addr: 0})
	assert.Equal(t, StopReasonOther, reason)
}

func TestHardwareStepLifecycle(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	// mov r1, r2: unconditional, eligible for a hardware step.
	mem := &fakeMemory{base: 0x8000, data: []byte{0x02, 0x10, 0xa0, 0xe1}}
	th := newTestThread(t, acc, mem, nil)

	th.SetSingleStep(true)
	th.ThreadWillResume()

	drs := acc.dbgRegs()
	stepSlot := uint8(armutil.NumBreakpointPairs - 1)
	assert.True(t, drs.BreakpointEnabled(stepSlot), "mismatch breakpoint must be programmed")

	acc.setGPR(armRegPC, 0x8004)
	reason := th.NotifyException(&Exception{Signo: 5, Code: TrapTrace})
	assert.Equal(t, StopReasonStepComplete, reason)

	require.True(t, th.ThreadDidStop())
	drs = acc.dbgRegs()
	assert.False(t, drs.BreakpointEnabled(stepSlot), "debug state must be restored on stop")
}

func TestChainedThumbStep(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	acc.setGPR(armRegCPSR, CpsrT)
	// bl +0: a 32-bit Thumb instruction, stepped with a chained pair.
	mem := &fakeMemory{base: 0x8000, data: []byte{0x00, 0xf0, 0x00, 0xf8}}
	th := newTestThread(t, acc, mem, nil)
	st := th.ArchState()

	th.SetSingleStep(true)
	th.ThreadWillResume()
	assert.True(t, st.StepNotComplete())

	// First physical step halts between the halfwords.
	acc.setGPR(armRegPC, 0x8002)
	reason := th.NotifyException(&Exception{Signo: 5, Code: TrapTrace})
	assert.Equal(t, StopReasonNone, reason)
	assert.True(t, st.StepNotComplete())

	require.True(t, th.ThreadDidStop())
	th.ThreadWillResume()
	acc.setGPR(armRegPC, 0x8004)
	reason = th.NotifyException(&Exception{Signo: 5, Code: TrapTrace})
	assert.Equal(t, StopReasonStepComplete, reason)
	assert.False(t, st.StepNotComplete())
}
