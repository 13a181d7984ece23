package gc

import "sync/atomic"

// Destination names the generation a PLAB or direct GC allocation is
// copying into (spec.md section 4.3 GC path).
type Destination int

const (
	DestSurvivor Destination = iota
	DestOld
)

func (d Destination) String() string {
	if d == DestSurvivor {
		return "Survivor"
	}
	return "Old"
}

// PLAB is a promotion-local allocation buffer: a small bump-pointer buffer
// owned by exactly one worker for one destination generation during one
// pause (spec.md section 3). Adapted directly from
// internal/allocator/arena.go's ArenaAllocatorImpl bump-pointer fields
// (current/size/peakUsage become top/hardEnd/wasted here); unlike the arena
// allocator a PLAB is never shared across goroutines, so no mutex is
// needed on the hot path.
type PLAB struct {
	dest Destination

	bufStart uintptr
	top      uintptr
	hardEnd  uintptr
	softEnd  uintptr // hardEnd - alignment reserve

	wasted     uint64
	undoWasted uint64

	retired bool
}

// NewPLAB wraps [start, start+size) as a fresh buffer. reserve bytes at the
// tail are held back as a soft end so an aligned allocation never needs to
// cross hardEnd (survivor alignment, spec.md section 4.3).
func NewPLAB(dest Destination, start, size uintptr, reserve uintptr) *PLAB {
	hardEnd := start + size
	softEnd := hardEnd
	if reserve < size {
		softEnd = hardEnd - reserve
	} else {
		softEnd = start
	}
	return &PLAB{
		dest:     dest,
		bufStart: start,
		top:      start,
		hardEnd:  hardEnd,
		softEnd:  softEnd,
	}
}

// Allocate bumps the buffer by size bytes (already alignment-rounded by the
// caller), applying survivor alignment if requested. Returns (0, false) on
// a miss; the caller then falls through to allocate_direct_or_new_plab
// (spec.md section 4.3).
func (p *PLAB) Allocate(size uintptr, alignment uintptr) (uintptr, bool) {
	if p.retired {
		return 0, false
	}
	start := p.top
	if alignment > 0 {
		if rem := start % alignment; rem != 0 {
			skip := alignment - rem
			if start+skip+size > p.softEnd {
				return 0, false
			}
			p.wasted += uint64(skip)
			start += skip
		}
	}
	if start+size > p.softEnd {
		return 0, false
	}
	p.top = start + size
	return start, true
}

// Undo returns size bytes to the buffer's accounting when a copy succeeded
// but the CAS installing the forwarding pointer lost the race (spec.md
// section 4.3 undo_allocation). The space itself is not reused within this
// PLAB (doing so safely would require the allocation to have been the most
// recent one); it is only tracked so EvacStats balances.
func (p *PLAB) Undo(size uintptr) {
	p.undoWasted += uint64(size)
}

// Retire flushes the buffer: no further allocation may succeed afterward
// (spec.md section 3 invariant). Returns the statistics to fold into the
// shared EvacStats for the destination.
func (p *PLAB) Retire() (allocated, wasted, undoWasted, unusedTail uint64) {
	if p.retired {
		return 0, 0, 0, 0
	}
	p.retired = true
	allocated = uint64(p.top - p.bufStart)
	unusedTail = uint64(p.hardEnd - p.top)
	return allocated, p.wasted, p.undoWasted, unusedTail
}

// Retired reports whether Retire has already run.
func (p *PLAB) Retired() bool { return p.retired }

// EvacStats aggregates PLAB statistics across all workers for one
// destination, used to size future PLABs (spec.md section 4.3). Counter
// shape adapted from internal/allocator/pool.go's MemoryPool
// (sync/atomic int64 counters, no mutex on the hot path).
type EvacStats struct {
	allocated  int64
	used       int64
	wasted     int64
	undoWasted int64
	unusedTail int64
	regions    int64
}

// Record folds one retired PLAB's statistics in. allocated is the byte count
// below the PLAB's top, as Retire returns it; the allocated total accumulates
// the PLAB's full size (allocated + unusedTail).
func (s *EvacStats) Record(allocated, wasted, undoWasted, unusedTail uint64) {
	used := int64(allocated) - int64(wasted) - int64(undoWasted)
	atomic.AddInt64(&s.allocated, int64(allocated+unusedTail))
	atomic.AddInt64(&s.used, used)
	atomic.AddInt64(&s.wasted, int64(wasted))
	atomic.AddInt64(&s.undoWasted, int64(undoWasted))
	atomic.AddInt64(&s.unusedTail, int64(unusedTail))
	atomic.AddInt64(&s.regions, 1)
}

// Snapshot returns the current totals. The invariant from spec.md section 8
// (allocated == used + wasted + undoWasted + unusedTail) holds once every
// PLAB touching this EvacStats has been retired.
func (s *EvacStats) Snapshot() (allocated, used, wasted, undoWasted, unusedTail uint64) {
	return uint64(atomic.LoadInt64(&s.allocated)),
		uint64(atomic.LoadInt64(&s.used)),
		uint64(atomic.LoadInt64(&s.wasted)),
		uint64(atomic.LoadInt64(&s.undoWasted)),
		uint64(atomic.LoadInt64(&s.unusedTail))
}

// Reset zeroes the accumulator for the next pause.
func (s *EvacStats) Reset() {
	atomic.StoreInt64(&s.allocated, 0)
	atomic.StoreInt64(&s.used, 0)
	atomic.StoreInt64(&s.wasted, 0)
	atomic.StoreInt64(&s.undoWasted, 0)
	atomic.StoreInt64(&s.unusedTail, 0)
	atomic.StoreInt64(&s.regions, 0)
}

// DesiredPLABSize returns the next PLAB size for dest in bytes, grown or
// shrunk from the previous pause's averages the way the teacher's
// internal/allocator pools resize their buffers between GC cycles: if the
// average unused tail is more than an eighth of the average PLAB size, the
// target shrinks to seven eighths of that size; otherwise it grows by a
// quarter. The target is bounded to [minWords, maxWords] words and returned
// as words * wordSize.
func (s *EvacStats) DesiredPLABSize(wordSize uintptr, minWords, maxWords uintptr) uintptr {
	allocated, _, _, _, unusedTail := s.Snapshot()
	regions := atomic.LoadInt64(&s.regions)
	if regions == 0 || allocated == 0 {
		return minWords * wordSize
	}
	avgUsed := allocated / uint64(regions)
	avgTail := unusedTail / uint64(regions)

	target := avgUsed
	if avgTail*8 > avgUsed {
		target = avgUsed - avgUsed/8
	} else {
		target = avgUsed + avgUsed/4
	}
	words := uintptr(target) / wordSize
	if words < minWords {
		words = minWords
	}
	if words > maxWords {
		words = maxWords
	}
	return words * wordSize
}
