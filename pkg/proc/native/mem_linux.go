//go:build linux
// +build linux

package native

import (
	sys "golang.org/x/sys/unix"
)

// Memory reads and writes debuggee memory through ptrace. The target
// thread must be stopped.
type Memory struct {
	pid int
}

// NewMemory returns a ptrace memory accessor for the given thread group.
func NewMemory(pid int) *Memory {
	return &Memory{pid: pid}
}

func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return sys.PtracePeekData(m.pid, uintptr(addr), buf)
}

func (m *Memory) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	return sys.PtracePokeData(m.pid, uintptr(addr), data)
}
