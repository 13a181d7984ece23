package gc

// addressSpace reserves and commits the contiguous virtual range the
// RegionTable carves into fixed-size regions. Two concrete backends exist:
// a golang.org/x/sys/unix mmap-based one for Linux/Darwin (addrspace_unix.go,
// mirroring the raw-syscall style internal/runtime/asyncio already uses for
// epoll/kqueue) and a plain-slice fallback for other platforms
// (addrspace_fallback.go), the same split the teacher uses for its
// asyncio pollers.
type addressSpace interface {
	// base returns the start address of the reserved range.
	base() uintptr
	// commit makes [offset, offset+length) within the reservation
	// read-write. offset and length must be page-aligned by the caller.
	commit(offset, length uintptr) error
	// uncommit returns physical pages for [offset, offset+length) to the
	// OS; the range remains reserved (no other mapping can use it).
	uncommit(offset, length uintptr) error
	// slice exposes the full reservation as a byte slice for address
	// arithmetic and (in tests) direct inspection.
	slice() []byte
	// release gives back the entire reservation.
	release() error
}
