package gc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/orizon/internal/runtime/concurrency"
)

// Regular-clock thresholds (spec.md section 4.6): a task checks for
// safepoints, overflow and abort roughly every wordsPerClock words scanned
// or refsPerClock references visited, whichever comes first.
const (
	wordsPerClock = 12 * 1024
	refsPerClock  = 384

	localQueueCapacity  = 1024
	globalStackCapacity = 4096
	overflowBatchSize   = 64
)

// MemRegion is an address range, used by the overflow region stack to
// record coarser-grained replay work (spec.md section 3 MarkStack/TaskQueue).
type MemRegion struct{ Start, End uintptr }

// ObjectModel is the small capability set the collector needs from the
// managed heap's object layout: reference enumeration and size. Concrete
// object layout is a host concern (spec.md section 1 scope); this is the
// visitor capability the Design Notes (spec.md section 9) ask for in place
// of a virtual OopClosure.
type ObjectModel interface {
	References(obj uintptr) []uintptr
	Size(obj uintptr) uintptr
}

// SATBQueue is the external collaborator the pre-write barrier deposits
// into (spec.md section 1, section 4.6 SATB invariant). Drain must be safe
// to call from multiple concurrent-mark workers; each call removes and
// returns the entries it drained.
type SATBQueue interface {
	Drain() []uintptr
}

// RootScanner supplies the strong root set at initial-mark time.
type RootScanner interface {
	Roots() []uintptr
}

// ConcurrentMark implements the four-phase SATB marking cycle (C6, spec.md
// section 4.6): initial-mark, concurrent mark, remark, cleanup.
type ConcurrentMark struct {
	table   *RegionTable
	sets    *RegionSets
	bitmaps *MarkBitmaps
	model   ObjectModel
	satb    SATBQueue

	numWorkers int

	finger      uintptr // atomic; monotonically advancing claim pointer
	globalStack *concurrency.MPMCQueue[uintptr]
	localQueues []*concurrency.MPMCQueue[uintptr]

	overflowed   atomic.Bool
	aborted      atomic.Bool
	regionStack  []MemRegion
	regionStkMu  sync.Mutex

	checkSafepoint func() bool // returns true if a safepoint is pending; workers yield

	stats ConcurrentMarkStats
}

// ConcurrentMarkStats records counters surfaced to the tracer (spec.md
// section 6: concurrent cycle phase boundaries) and to tests (spec.md
// section 8 scenario 5: overflow recovery must not change final results).
type ConcurrentMarkStats struct {
	OverflowCount    int64
	RegionsClaimed   int64
	ObjectsMarked    int64
	StealAttempts    int64
	StealSuccesses   int64
}

// NewConcurrentMark builds a marker over bitmaps/table/sets using numWorkers
// worker tasks.
func NewConcurrentMark(table *RegionTable, sets *RegionSets, bitmaps *MarkBitmaps, model ObjectModel, satb SATBQueue, numWorkers int) *ConcurrentMark {
	if numWorkers < 1 {
		numWorkers = 1
	}
	cm := &ConcurrentMark{
		table:       table,
		sets:        sets,
		bitmaps:     bitmaps,
		model:       model,
		satb:        satb,
		numWorkers:  numWorkers,
		globalStack: concurrency.NewMPMCQueue[uintptr](globalStackCapacity),
		localQueues: make([]*concurrency.MPMCQueue[uintptr], numWorkers),
	}
	for i := range cm.localQueues {
		cm.localQueues[i] = concurrency.NewMPMCQueue[uintptr](localQueueCapacity)
	}
	return cm
}

// SetSafepointPoll installs the callback workers use at every regular-clock
// tick to check whether the runtime wants a safepoint (spec.md section 5
// "concurrent-mark workers... must be safepoint-aware").
func (cm *ConcurrentMark) SetSafepointPoll(fn func() bool) { cm.checkSafepoint = fn }

// Abort causes all marking tasks to exit at their next regular-clock tick;
// all state is reset at the next InitialMark (spec.md section 4.6 Abort).
func (cm *ConcurrentMark) Abort() { cm.aborted.Store(true) }

// HasAborted reports the current abort flag.
func (cm *ConcurrentMark) HasAborted() bool { return cm.aborted.Load() }

// InitialMark is piggybacked on an evacuation pause (STW): it sets
// next_tams := top for every committed non-free region, clears the next
// bitmap, and marks strong roots (spec.md section 4.6 phase 1).
func (cm *ConcurrentMark) InitialMark(roots RootScanner) {
	cm.aborted.Store(false)
	cm.overflowed.Store(false)
	cm.regionStack = nil
	atomic.StoreUintptr(&cm.finger, cm.table.Base())
	cm.stats = ConcurrentMarkStats{}

	for i := uint32(0); i < cm.table.CommittedCount(); i++ {
		r := cm.table.At(RegionIndex(i))
		if r.Kind == KindFree {
			continue
		}
		r.NextTAMS = r.Top()
	}
	cm.bitmaps.Next().ClearRange(cm.table.Base(), cm.table.Base()+uintptr(cm.table.MaxRegions())*cm.table.RegionSize())

	for _, root := range roots.Roots() {
		cm.markAndPush(root, 0)
	}
}

// claimRegion atomically advances the global finger by one region and
// returns the region it claimed, or NoRegion once the finger has passed the
// last committed region (spec.md section 4.6, section 5 finger monotonicity).
func (cm *ConcurrentMark) claimRegion() RegionIndex {
	regionSize := cm.table.RegionSize()
	limit := cm.table.Base() + uintptr(cm.table.CommittedCount())*regionSize
	for {
		old := atomic.LoadUintptr(&cm.finger)
		if old >= limit {
			return NoRegion
		}
		next := old + regionSize
		if atomic.CompareAndSwapUintptr(&cm.finger, old, next) {
			atomic.AddInt64(&cm.stats.RegionsClaimed, 1)
			return cm.table.IndexOf(old)
		}
	}
}

// markAndPush marks obj in the next bitmap and, if this call won the race,
// pushes it onto the given worker's local queue (or the global stack if
// worker < 0), implementing the gray-object rule (spec.md section 4.6).
func (cm *ConcurrentMark) markAndPush(obj uintptr, worker int) {
	if !cm.bitmaps.Next().ParMark(obj) {
		return
	}
	atomic.AddInt64(&cm.stats.ObjectsMarked, 1)
	if worker >= 0 && cm.localQueues[worker].Enqueue(obj) {
		return
	}
	if !cm.globalStack.Enqueue(obj) {
		cm.handleOverflow(obj)
	}
}

// handleOverflow sets the global overflow flag and records obj's containing
// region on the coarser region stack for later replay (spec.md section 4.6
// phase 2, section 7 MarkStackOverflow).
func (cm *ConcurrentMark) handleOverflow(obj uintptr) {
	cm.overflowed.Store(true)
	atomic.AddInt64(&cm.stats.OverflowCount, 1)
	r := cm.table.HeapRegionContaining(obj)
	cm.regionStkMu.Lock()
	cm.regionStack = append(cm.regionStack, MemRegion{Start: r.Bottom, End: r.NextTAMS})
	cm.regionStkMu.Unlock()
}

// Run drives the concurrent-mark phase to completion (or to abort), fanning
// numWorkers tasks out with golang.org/x/sync/errgroup, grounded on the
// teacher's own x/sync dependency (SPEC_FULL.md section 2).
func (cm *ConcurrentMark) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cm.numWorkers; w++ {
		w := w
		g.Go(func() error {
			return cm.runTask(ctx, w)
		})
	}
	return g.Wait()
}

type markClock struct {
	wordsScanned int
	refsVisited  int
}

func (c *markClock) tick(words, refs int, cm *ConcurrentMark) bool {
	c.wordsScanned += words
	c.refsVisited += refs
	if c.wordsScanned < wordsPerClock && c.refsVisited < refsPerClock {
		return true
	}
	c.wordsScanned, c.refsVisited = 0, 0
	if cm.HasAborted() {
		return false
	}
	if cm.checkSafepoint != nil && cm.checkSafepoint() {
		// A real implementation blocks here until the safepoint clears;
		// the core only needs to observe the request per spec.md section 5.
	}
	return true
}

func (cm *ConcurrentMark) runTask(ctx context.Context, worker int) error {
	var clock markClock
	local := cm.localQueues[worker]

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if cm.HasAborted() {
			return nil
		}

		if cm.overflowed.Load() {
			cm.replayOverflow(worker, &clock)
			continue
		}

		var obj uintptr
		switch {
		case local.Dequeue(&obj):
		case cm.globalStack.Dequeue(&obj):
		default:
			if idx := cm.claimRegion(); idx != NoRegion {
				cm.scanRegion(idx, worker, &clock)
				continue
			}
			if satbEntries := cm.satb.Drain(); len(satbEntries) > 0 {
				for _, e := range satbEntries {
					cm.markAndPush(e, worker)
				}
				continue
			}
			if stolen, ok := cm.steal(worker); ok {
				obj = stolen
				break
			}
			// No local/global/region/SATB/steal work: this worker is done.
			return nil
		}

		size := cm.model.Size(obj)
		refs := cm.model.References(obj)
		for _, ref := range refs {
			cm.markAndPush(ref, worker)
		}
		if !clock.tick(int(size/objectAlignment), len(refs), cm) {
			return nil
		}
	}
}

// scanRegion scans every marked object below next_tams in the region the
// finger just claimed (spec.md section 4.6 phase 2).
func (cm *ConcurrentMark) scanRegion(idx RegionIndex, worker int, clock *markClock) {
	r := cm.table.At(idx)
	if r.Kind == KindFree || r.IsArchive() {
		return
	}
	cm.bitmaps.Next().Iterate(r.Bottom, r.NextTAMS, func(obj uintptr) bool {
		refs := cm.model.References(obj)
		for _, ref := range refs {
			cm.markAndPush(ref, worker)
		}
		return clock.tick(int(cm.model.Size(obj)/objectAlignment), len(refs), cm)
	})
}

// replayOverflow drains part of the region stack recorded on mark-stack
// overflow: the calling task pops up to overflowBatchSize MemRegions and
// re-scans the marked objects in each, and clears the overflow flag once it
// finds the stack already empty. Tasks do not synchronize at barriers here;
// each task replays independently of the others (spec.md section 4.6
// phase 2, section 7).
func (cm *ConcurrentMark) replayOverflow(worker int, clock *markClock) {
	cm.regionStkMu.Lock()
	var batch []MemRegion
	if n := len(cm.regionStack); n > 0 {
		take := n
		if take > overflowBatchSize {
			take = overflowBatchSize
		}
		batch = append(batch, cm.regionStack[n-take:]...)
		cm.regionStack = cm.regionStack[:n-take]
	}
	drained := len(cm.regionStack) == 0
	cm.regionStkMu.Unlock()

	for _, mr := range batch {
		cm.bitmaps.Next().Iterate(mr.Start, mr.End, func(obj uintptr) bool {
			refs := cm.model.References(obj)
			for _, ref := range refs {
				cm.markAndPush(ref, worker)
			}
			return clock.tick(int(cm.model.Size(obj)/objectAlignment), len(refs), cm)
		})
	}

	if drained && len(batch) == 0 {
		cm.overflowed.Store(false)
	}
}

// steal attempts to pop work from a peer worker's local queue
// (spec.md section 4.6 phase 2 work-stealing).
func (cm *ConcurrentMark) steal(worker int) (uintptr, bool) {
	var obj uintptr
	for i := 0; i < cm.numWorkers; i++ {
		if i == worker {
			continue
		}
		atomic.AddInt64(&cm.stats.StealAttempts, 1)
		if cm.localQueues[i].Dequeue(&obj) {
			atomic.AddInt64(&cm.stats.StealSuccesses, 1)
			return obj, true
		}
	}
	return 0, false
}

// Remark drains any remaining SATB entries and finishes marking to a fixed
// point (STW, spec.md section 4.6 phase 3). Reference processing itself is
// out of scope (spec.md section 1).
func (cm *ConcurrentMark) Remark() {
	for {
		drainedAny := false
		for _, e := range cm.satb.Drain() {
			cm.markAndPush(e, -1)
			drainedAny = true
		}
		var obj uintptr
		for cm.globalStack.Dequeue(&obj) {
			drainedAny = true
			refs := cm.model.References(obj)
			for _, ref := range refs {
				cm.markAndPush(ref, -1)
			}
		}
		for _, q := range cm.localQueues {
			for q.Dequeue(&obj) {
				drainedAny = true
				refs := cm.model.References(obj)
				for _, ref := range refs {
					cm.markAndPush(ref, -1)
				}
			}
		}
		cm.regionStkMu.Lock()
		pending := len(cm.regionStack) > 0
		cm.regionStkMu.Unlock()
		if pending {
			var clock markClock
			cm.replayOverflow(0, &clock)
			drainedAny = true
		}
		if !drainedAny {
			return
		}
	}
}

// Cleanup computes next_marked_bytes per region, identifies fully-dead old
// regions and deposits them to the secondary free list, then swaps the
// bitmap/TAMS pair (spec.md section 4.6 phase 4, section 3).
func (cm *ConcurrentMark) Cleanup() (reclaimed int) {
	for i := uint32(0); i < cm.table.CommittedCount(); i++ {
		r := cm.table.At(RegionIndex(i))
		if r.Kind == KindFree || r.IsArchive() {
			continue
		}
		r.NextMarkedBytes = cm.bitmaps.Next().CountMarkedBytes(r.Bottom, r.NextTAMS, cm.model.Size)

		if r.Kind == KindOld && r.NextMarkedBytes == 0 {
			cm.sets.OldSet.Remove(r.Index)
			cm.sets.DepositSecondaryFree(r.Index)
			reclaimed++
		}
	}

	for i := uint32(0); i < cm.table.CommittedCount(); i++ {
		r := cm.table.At(RegionIndex(i))
		r.PrevTAMS = r.NextTAMS
		r.PrevMarkedBytes = r.NextMarkedBytes
	}
	cm.bitmaps.Swap()
	return reclaimed
}

// Stats returns a snapshot of the marking counters.
func (cm *ConcurrentMark) Stats() ConcurrentMarkStats {
	return ConcurrentMarkStats{
		OverflowCount:  atomic.LoadInt64(&cm.stats.OverflowCount),
		RegionsClaimed: atomic.LoadInt64(&cm.stats.RegionsClaimed),
		ObjectsMarked:  atomic.LoadInt64(&cm.stats.ObjectsMarked),
		StealAttempts:  atomic.LoadInt64(&cm.stats.StealAttempts),
		StealSuccesses: atomic.LoadInt64(&cm.stats.StealSuccesses),
	}
}
