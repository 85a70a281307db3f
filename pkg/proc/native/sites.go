package native

import (
	"fmt"
	"sync"

	"github.com/go-nub/nub/pkg/proc"
)

// site is one physical trap written into debuggee memory, shared by every
// breakpoint location and temporary step breakpoint at its address.
type site struct {
	id   int
	addr uint64
	refs int
	orig []byte
}

// SiteInstaller writes and restores software trap opcodes through a
// MemoryReadWriter. Installing an address twice returns the same site;
// the original bytes come back when the last reference is removed.
type SiteInstaller struct {
	mu sync.Mutex

	arch *proc.Arch
	mem  proc.MemoryReadWriter

	nextID int
	byID   map[int]*site
	byAddr map[uint64]*site
}

// NewSiteInstaller builds a SiteInstaller writing traps for arch through
// mem.
func NewSiteInstaller(arch *proc.Arch, mem proc.MemoryReadWriter) *SiteInstaller {
	return &SiteInstaller{
		arch:   arch,
		mem:    mem,
		nextID: 1,
		byID:   make(map[int]*site),
		byAddr: make(map[uint64]*site),
	}
}

// InstallSite writes a trap at addr and returns the site id. The low bit
// of addr selects the Thumb opcode, as does a halfword aligned address;
// word aligned addresses get the full width opcode.
func (si *SiteInstaller) InstallSite(addr uint64) (int, error) {
	thumb := addr&1 != 0 || addr&2 != 0
	addr &^= 1

	si.mu.Lock()
	defer si.mu.Unlock()
	if s := si.byAddr[addr]; s != nil {
		s.refs++
		return s.id, nil
	}

	size := si.arch.MaxInstructionLength()
	if thumb {
		size = si.arch.MinInstructionLength()
	}
	opcode := si.arch.BreakpointInstruction(size)
	if opcode == nil {
		return 0, fmt.Errorf("no trap opcode of size %d", size)
	}

	orig := make([]byte, len(opcode))
	if _, err := si.mem.ReadMemory(orig, addr); err != nil {
		return 0, fmt.Errorf("reading %#x: %v", addr, err)
	}
	if _, err := si.mem.WriteMemory(addr, opcode); err != nil {
		return 0, fmt.Errorf("writing trap at %#x: %v", addr, err)
	}

	s := &site{id: si.nextID, addr: addr, refs: 1, orig: orig}
	si.nextID++
	si.byID[s.id] = s
	si.byAddr[addr] = s
	return s.id, nil
}

// RemoveSite drops one reference to the site, restoring the original
// bytes once the last reference is gone.
func (si *SiteInstaller) RemoveSite(siteID int) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	s := si.byID[siteID]
	if s == nil {
		return fmt.Errorf("unknown site %d", siteID)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(si.byID, s.id)
	delete(si.byAddr, s.addr)
	if _, err := si.mem.WriteMemory(s.addr, s.orig); err != nil {
		return fmt.Errorf("restoring %#x: %v", s.addr, err)
	}
	return nil
}
