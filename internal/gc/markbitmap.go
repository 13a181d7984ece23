package gc

import (
	"math/bits"
	"sync/atomic"

	"github.com/orizon-lang/orizon/internal/runtime/concurrency"
)

// wordAlignment is the shifter from spec.md section 3: one bit per heap
// word (shifter = 0). uintptr-sized words are assumed throughout.
const wordAlignment = 8 // bytes per heap word on a 64-bit target

// MarkBitmap is one per-region-table bitmap (prev or next); bit i
// corresponds to the object header at base + i*wordAlignment. Concurrent
// setters use concurrency.CASUint64 word-at-a-time, mirroring
// internal/runtime/concurrency/cas.go.
type MarkBitmap struct {
	base  uintptr
	words []uint64
}

// NewMarkBitmap allocates a bitmap covering [base, base+size).
func NewMarkBitmap(base uintptr, size uintptr) *MarkBitmap {
	nbits := size / wordAlignment
	return &MarkBitmap{
		base:  base,
		words: make([]uint64, (nbits+63)/64),
	}
}

func (b *MarkBitmap) bitIndex(addr uintptr) (word int, bit uint) {
	n := (addr - b.base) / wordAlignment
	return int(n / 64), uint(n % 64)
}

// IsMarked reports whether addr's bit is set.
func (b *MarkBitmap) IsMarked(addr uintptr) bool {
	w, bit := b.bitIndex(addr)
	return atomic.LoadUint64(&b.words[w])&(1<<bit) != 0
}

// ParMark CAS-sets addr's bit, returning true iff this call is the one that
// set it (spec.md section 3, section 8 round-trip law).
func (b *MarkBitmap) ParMark(addr uintptr) bool {
	w, bit := b.bitIndex(addr)
	mask := uint64(1) << bit
	for {
		old := atomic.LoadUint64(&b.words[w])
		if old&mask != 0 {
			return false
		}
		if concurrency.CASUint64(&b.words[w], old, old|mask) {
			return true
		}
	}
}

// ClearRange clears all bits covering [from, to).
func (b *MarkBitmap) ClearRange(from, to uintptr) {
	wf, _ := b.bitIndex(from)
	wt, bt := b.bitIndex(to)
	if bt != 0 {
		wt++
	}
	if wt > len(b.words) {
		wt = len(b.words)
	}
	for i := wf; i < wt; i++ {
		atomic.StoreUint64(&b.words[i], 0)
	}
}

// CountMarkedBytes sums size(o) for every marked object in [from, limit),
// using sizer to look up each live object's size. Used by cleanup (C6) to
// compute next_marked_bytes.
func (b *MarkBitmap) CountMarkedBytes(from, limit uintptr, sizer func(addr uintptr) uintptr) uint64 {
	var total uint64
	b.Iterate(from, limit, func(addr uintptr) bool {
		total += uint64(sizer(addr))
		return true
	})
	return total
}

// Iterate calls visit(addr) for every marked bit in [from, to), in
// ascending address order, stopping early if visit returns false.
func (b *MarkBitmap) Iterate(from, to uintptr, visit func(addr uintptr) bool) {
	wf, bf := b.bitIndex(from)
	wt, bt := b.bitIndex(to)
	for w := wf; w <= wt && w < len(b.words); w++ {
		word := atomic.LoadUint64(&b.words[w])
		lo := 0
		if w == wf {
			lo = int(bf)
		}
		hi := 63
		if w == wt {
			hi = int(bt) - 1
		}
		if hi < lo {
			continue
		}
		masked := word &^ ((uint64(1) << uint(lo)) - 1)
		if hi < 63 {
			masked &= (uint64(1) << uint(hi+1)) - 1
		}
		for masked != 0 {
			bit := bits.TrailingZeros64(masked)
			addr := b.base + uintptr(w)*64*wordAlignment + uintptr(bit)*wordAlignment
			if !visit(addr) {
				return
			}
			masked &^= 1 << uint(bit)
		}
	}
}

// MarkBitmaps owns the prev/next bitmap pair for the whole heap and swaps
// them atomically at the end of each marking cycle (spec.md section 3, 4.5).
type MarkBitmaps struct {
	prev, next *MarkBitmap
}

// NewMarkBitmaps allocates both bitmaps covering [base, base+size).
func NewMarkBitmaps(base, size uintptr) *MarkBitmaps {
	return &MarkBitmaps{
		prev: NewMarkBitmap(base, size),
		next: NewMarkBitmap(base, size),
	}
}

// Prev returns the bitmap established at the start of the most recently
// completed marking cycle.
func (m *MarkBitmaps) Prev() *MarkBitmap { return m.prev }

// Next returns the bitmap being built by the in-progress (or next) cycle.
func (m *MarkBitmaps) Next() *MarkBitmap { return m.next }

// Swap exchanges prev and next; called once per completed marking cycle
// (spec.md section 3: "prev_tams = next_tams" companion operation). This is
// an involution across two successive cycles (spec.md section 8).
func (m *MarkBitmaps) Swap() { m.prev, m.next = m.next, m.prev }

// AllocatedSincePrevMarking reports obj >= r.PrevTAMS.
func AllocatedSincePrevMarking(obj uintptr, r *Region) bool { return obj >= r.PrevTAMS }

// AllocatedSinceNextMarking reports obj >= r.NextTAMS.
func AllocatedSinceNextMarking(obj uintptr, r *Region) bool { return obj >= r.NextTAMS }

// IsObjDead implements spec.md section 4.5's is_obj_dead predicate against
// the previous-cycle bitmap.
func (m *MarkBitmaps) IsObjDead(obj uintptr, r *Region) bool {
	if r.IsArchive() {
		return false
	}
	return !AllocatedSincePrevMarking(obj, r) && !m.prev.IsMarked(obj)
}

// IsObjIll implements spec.md section 4.5's is_obj_ill predicate against the
// in-progress (next) bitmap.
func (m *MarkBitmaps) IsObjIll(obj uintptr, r *Region) bool {
	if r.IsArchive() {
		return false
	}
	return !AllocatedSinceNextMarking(obj, r) && !m.next.IsMarked(obj)
}
