package proc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadDescription(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	acc.setGPR(armRegCPSR, CpsrZ|CpsrC)
	th := newTestThread(t, acc, nil, nil)

	th.NotifyException(&Exception{Signo: 5, Code: TrapBrkpt, Addr: 0x8000})
	desc := th.GetDescription()
	assert.Contains(t, desc, "pc=0x8000")
	assert.Contains(t, desc, "breakpoint")
	assert.Contains(t, desc, "[Z C]")
}

func TestThreadLifecycleConcurrentAccess(t *testing.T) {
	acc := newFakeAccessor()
	acc.setGPR(armRegPC, 0x8000)
	th := newTestThread(t, acc, nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			th.ThreadWillResume()
			th.ThreadDidStop()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			th.NotifyException(&Exception{Signo: 5, Code: TrapBrkpt})
			_ = th.StopReason()
		}
	}()
	wg.Wait()
}
