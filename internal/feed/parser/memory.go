package parser

import "github.com/shirou/gopsutil/v3/mem"

// MemoryGuard reports how much memory the host can still hand out
type MemoryGuard interface {
	Available() (uint64, error)
}

// SystemMemory reads available memory from the operating system
type SystemMemory struct{}

func (SystemMemory) Available() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
