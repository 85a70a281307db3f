package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-nub/nub/pkg/proc"
)

type sliceMemory struct {
	base uint64
	data []byte
}

func (m *sliceMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	copy(buf, m.data[addr-m.base:])
	return len(buf), nil
}

func (m *sliceMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	copy(m.data[addr-m.base:], data)
	return len(data), nil
}

func newTestInstaller(t *testing.T) (*SiteInstaller, *sliceMemory) {
	t.Helper()
	arch, err := proc.ArchForCPU(proc.CPUTypeARM)
	require.NoError(t, err)
	mem := &sliceMemory{base: 0x8000, data: []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
	}}
	return NewSiteInstaller(arch, mem), mem
}

func TestInstallAndRestore(t *testing.T) {
	si, mem := newTestInstaller(t)

	id, err := si.InstallSite(0x8000)
	require.NoError(t, err)
	trap := arm32Trap(t)
	assert.Equal(t, trap, mem.data[:4], "trap opcode written")

	require.NoError(t, si.RemoveSite(id))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, mem.data[:4], "original bytes restored")

	assert.Error(t, si.RemoveSite(id), "removing a dead site fails")
}

func arm32Trap(t *testing.T) []byte {
	t.Helper()
	arch, err := proc.ArchForCPU(proc.CPUTypeARM)
	require.NoError(t, err)
	return arch.BreakpointInstruction(arch.MaxInstructionLength())
}

func TestSharedSites(t *testing.T) {
	si, mem := newTestInstaller(t)

	id1, err := si.InstallSite(0x8000)
	require.NoError(t, err)
	id2, err := si.InstallSite(0x8000)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same address shares one site")

	require.NoError(t, si.RemoveSite(id1))
	trap := arm32Trap(t)
	assert.Equal(t, trap, mem.data[:4], "site survives while referenced")

	require.NoError(t, si.RemoveSite(id2))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, mem.data[:4])
}

func TestThumbSite(t *testing.T) {
	si, mem := newTestInstaller(t)

	arch, err := proc.ArchForCPU(proc.CPUTypeARM)
	require.NoError(t, err)
	thumbTrap := arch.BreakpointInstruction(arch.MinInstructionLength())

	// The low address bit selects the Thumb opcode.
	id, err := si.InstallSite(0x8005)
	require.NoError(t, err)
	assert.Equal(t, thumbTrap, mem.data[4:6])
	assert.Equal(t, []byte{0x07, 0x08}, mem.data[6:8], "only the halfword is replaced")

	require.NoError(t, si.RemoveSite(id))
	assert.Equal(t, []byte{0x05, 0x06}, mem.data[4:6])
}
