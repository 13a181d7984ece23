//go:build linux || darwin

package gc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixAddressSpace reserves memory with PROT_NONE and commits sub-ranges by
// flipping them to PROT_READ|PROT_WRITE, grounded on the raw mmap/mprotect
// syscall style internal/runtime/asyncio's epoll/kqueue pollers already use
// via golang.org/x/sys/unix.
type unixAddressSpace struct {
	mem []byte
}

func newAddressSpace(size uintptr) (addressSpace, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("gc: reserving %d bytes: %w", size, err)
	}
	return &unixAddressSpace{mem: mem}, nil
}

func (a *unixAddressSpace) base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

func (a *unixAddressSpace) commit(offset, length uintptr) error {
	if offset+length > uintptr(len(a.mem)) {
		return fmt.Errorf("gc: commit range out of bounds")
	}
	return unix.Mprotect(a.mem[offset:offset+length], unix.PROT_READ|unix.PROT_WRITE)
}

func (a *unixAddressSpace) uncommit(offset, length uintptr) error {
	if offset+length > uintptr(len(a.mem)) {
		return fmt.Errorf("gc: uncommit range out of bounds")
	}
	region := a.mem[offset : offset+length]
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return err
	}
	return unix.Madvise(region, unix.MADV_DONTNEED)
}

func (a *unixAddressSpace) slice() []byte { return a.mem }

func (a *unixAddressSpace) release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
