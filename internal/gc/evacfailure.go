package gc

import (
	"sync"
	"sync/atomic"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
	"github.com/orizon-lang/orizon/internal/gc/gcerrors"
)

// Self-forwarding is not recorded in the object header: the spec (section 1)
// leaves object-header layout to the host, so a self-forwarded object is
// expressed as "this address is in EvacFailureRecovery's failed set" instead
// of a header bit-twiddle.

// PreservedMark is one (object, original-mark-word) pair saved so a
// self-forwarded object's identity mark can be restored once recovery walks
// past it (spec.md section 4.9).
type PreservedMark struct {
	Object     uintptr
	MarkWord   uint64
}

// BlockOffsetTable is the per-region structure evacuation-failure recovery
// uses to find the start of the object containing an arbitrary interior
// address, without relying on a live forwarding map (spec.md section 4.9).
// The spec leaves its internal representation a host concern; this
// implementation tracks object starts as a sorted slice per region, filled
// through RecordObjectStart. The allocators do not call RecordObjectStart;
// within the collector only FillGap records starts.
type BlockOffsetTable struct {
	mu    sync.Mutex
	starts map[RegionIndex][]uintptr // ascending, append-only during allocation
}

// NewBlockOffsetTable creates an empty table.
func NewBlockOffsetTable() *BlockOffsetTable {
	return &BlockOffsetTable{starts: make(map[RegionIndex][]uintptr)}
}

// RecordObjectStart appends obj as a known object start in the region
// covering it. Callers must append in ascending address order per region,
// which holds naturally for a bump-pointer allocator.
func (b *BlockOffsetTable) RecordObjectStart(region RegionIndex, obj uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts[region] = append(b.starts[region], obj)
}

// ResetForRegion discards all recorded starts for region, called when a
// region is reused for a new purpose (spec.md section 4.9 "reset for
// parallel iteration").
func (b *BlockOffsetTable) ResetForRegion(region RegionIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.starts, region)
}

// ObjectStartAtOrBefore returns the largest recorded object start <= addr
// within region, for walking from a known-good point up to addr during BOT
// recovery (spec.md section 4.9 step 2).
func (b *BlockOffsetTable) ObjectStartAtOrBefore(region RegionIndex, addr uintptr) (uintptr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	starts := b.starts[region]
	lo, hi := 0, len(starts)
	for lo < hi {
		mid := (lo + hi) / 2
		if starts[mid] <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return starts[lo-1], true
}

// EvacFailureRecovery implements C9 (spec.md section 4.9): when a copy
// cannot be completed because the destination region is full, the original
// object is self-forwarded in place, recorded here, and later visited by a
// post-evacuation walk that re-derives its remembered-set entries. The walk
// does not consult the BOT, does not write preserved mark words back, and
// does not fill gaps left by the aborted copy.
type EvacFailureRecovery struct {
	table *RegionTable
	bot   *BlockOffsetTable
	model ObjectModel

	mu             sync.Mutex
	preservedMarks []PreservedMark
	failedObjects  map[uintptr]bool // object address -> self-forwarded
	failedRegions  map[RegionIndex]bool

	failureCount int64
	lastFailure  *orizonerrors.StandardError
}

// NewEvacFailureRecovery constructs a recovery tracker over table, using bot
// for object-start lookups and model for sizing.
func NewEvacFailureRecovery(table *RegionTable, bot *BlockOffsetTable, model ObjectModel) *EvacFailureRecovery {
	return &EvacFailureRecovery{
		table:         table,
		bot:           bot,
		model:         model,
		failedObjects: make(map[uintptr]bool),
		failedRegions: make(map[RegionIndex]bool),
	}
}

// RecordFailure self-forwards obj (the caller's copy attempt must still
// install the identity forwarding pointer; this call only records the
// bookkeeping) and preserves its original mark word for later restoration
// (spec.md section 4.9 step 1).
func (e *EvacFailureRecovery) RecordFailure(obj uintptr, originalMarkWord uint64, region RegionIndex) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.preservedMarks = append(e.preservedMarks, PreservedMark{Object: obj, MarkWord: originalMarkWord})
	e.failedObjects[obj] = true
	e.failedRegions[region] = true
	atomic.AddInt64(&e.failureCount, 1)
	e.lastFailure = gcerrors.EvacuationFailure(e.model.Size(obj)/wordAlignment, uint32(region))
}

// LastFailure returns the most recently recorded failure's structured
// error, for the tracer to surface per spec.md section 6 (nil if none yet
// recorded since the last Reset).
func (e *EvacFailureRecovery) LastFailure() *orizonerrors.StandardError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailure
}

// IsSelfForwarded reports whether obj was self-forwarded during the most
// recent pause and is awaiting restoration.
func (e *EvacFailureRecovery) IsSelfForwarded(obj uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedObjects[obj]
}

// FailureCount returns the number of self-forwarded objects recorded since
// the last Reset.
func (e *EvacFailureRecovery) FailureCount() int64 { return atomic.LoadInt64(&e.failureCount) }

// FailedRegions returns the distinct regions that saw at least one
// evacuation failure, in no particular order.
func (e *EvacFailureRecovery) FailedRegions() []RegionIndex {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RegionIndex, 0, len(e.failedRegions))
	for idx := range e.failedRegions {
		out = append(out, idx)
	}
	return out
}

// RemSetUpdater is the per-reference callback RestoreRegion uses to redirty
// remembered sets for references out of a recovered object, since the
// eager-update path that normally runs during evacuation was skipped for
// self-forwarded objects (spec.md section 4.9 step 4).
type RemSetUpdater func(from uintptr, to uintptr)

// RestoreRegion walks region from its bottom to its (unmoved) top, stepping
// from object to object by the object model's sizes, and re-derives
// remembered-set entries for every self-forwarded object found. It does not
// consult the block offset table, does not write preserved mark words back
// (see restoreOne), and stops early at an object whose size is zero.
// It returns the region to the Old set's normal state, not back to Free:
// the objects in it are still live data (spec.md section 4.9 step 5).
func (e *EvacFailureRecovery) RestoreRegion(region RegionIndex, updater RemSetUpdater) {
	r := e.table.At(region)

	e.mu.Lock()
	marksByAddr := make(map[uintptr]uint64, len(e.preservedMarks))
	for _, m := range e.preservedMarks {
		marksByAddr[m.Object] = m.MarkWord
	}
	e.mu.Unlock()

	addr := r.Bottom
	top := r.Top()
	for addr < top {
		size := e.model.Size(addr)
		if size == 0 {
			break // filler or unrecognized layout; nothing further to walk
		}
		if mark, ok := marksByAddr[addr]; ok {
			e.restoreOne(addr, mark, updater)
		}
		addr += size
	}

	r.EvacuationFailed = false

	e.mu.Lock()
	delete(e.failedRegions, region)
	e.mu.Unlock()
}

func (e *EvacFailureRecovery) restoreOne(obj uintptr, _ uint64, updater RemSetUpdater) {
	// The mark word itself is a host-defined object-header concern (spec.md
	// section 1); this implementation's responsibility ends at clearing our
	// own self-forward bookkeeping and re-deriving the object's outgoing
	// remembered-set entries.
	if updater != nil {
		for _, ref := range e.model.References(obj) {
			updater(obj, ref)
		}
	}

	e.mu.Lock()
	delete(e.failedObjects, obj)
	e.mu.Unlock()
}

// FillGap writes a filler-object placeholder covering [from, to) so that
// BOT and card-table scans crossing the gap left by an aborted copy do not
// misinterpret the bytes as object data (spec.md section 4.9 step 4). The
// actual filler encoding is a host concern; this only records the gap's
// start in the BOT. RestoreRegion does not read the BOT.
func (e *EvacFailureRecovery) FillGap(region RegionIndex, from, to uintptr) {
	if to <= from {
		return
	}
	e.bot.RecordObjectStart(region, from)
}

// Reset clears all bookkeeping after a pause in which every failure was
// restored, ready for the next pause's failures to accumulate fresh.
func (e *EvacFailureRecovery) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preservedMarks = nil
	e.failedObjects = make(map[uintptr]bool)
	e.failedRegions = make(map[RegionIndex]bool)
	e.lastFailure = nil
	atomic.StoreInt64(&e.failureCount, 0)
}

// PartitionPreservedMarks splits the preserved-mark stack into numWorkers
// roughly equal, contiguous slices so a parallel restoration pass (one
// worker per partition) never needs to synchronize on the shared stack
// itself — the Open Question in spec.md section 10 on preserved-mark
// restoration parallelism is resolved here by static partitioning rather
// than a work-stealing queue, since the stack is append-only and known in
// full by the time restoration begins (DESIGN.md C9).
func (e *EvacFailureRecovery) PartitionPreservedMarks(numWorkers int) [][]PreservedMark {
	e.mu.Lock()
	defer e.mu.Unlock()

	if numWorkers <= 0 {
		numWorkers = 1
	}
	n := len(e.preservedMarks)
	out := make([][]PreservedMark, numWorkers)
	if n == 0 {
		return out
	}
	chunk := (n + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		end := start + chunk
		if end > n {
			end = n
		}
		out[w] = e.preservedMarks[start:end]
	}
	return out
}
