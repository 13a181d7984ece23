package gc

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/orizon/internal/gc/gcerrors"
)

const objectAlignment = wordAlignment

// AllocRegionManager owns the mutator bump-pointer regions, the GC-path
// PLABs, and humongous allocation (C3, spec.md section 4.3).
type AllocRegionManager struct {
	table *RegionTable
	sets  *RegionSets

	tunables *Tunables

	heapLock sync.Mutex

	mutatorRegion atomic.Pointer[Region] // current eden region

	plabMu    sync.Mutex
	plabs     map[int][2]*PLAB // workerID -> [DestSurvivor, DestOld]
	evacStats [2]EvacStats     // indexed by Destination

	// onEdenRetired is invoked with the retired region's index whenever the
	// mutator path retires an eden region, so CollectionSet can append it
	// to the incremental young CSet (spec.md section 4.7).
	onEdenRetired func(RegionIndex)
}

// NewAllocRegionManager constructs a manager over table/sets.
func NewAllocRegionManager(table *RegionTable, sets *RegionSets, tunables *Tunables) *AllocRegionManager {
	return &AllocRegionManager{
		table:    table,
		sets:     sets,
		tunables: tunables,
		plabs:    make(map[int][2]*PLAB),
	}
}

// SetEdenRetiredHook installs the callback invoked when an eden region is
// retired by the mutator path.
func (a *AllocRegionManager) SetEdenRetiredHook(fn func(RegionIndex)) { a.onEdenRetired = fn }

// HumongousThreshold returns the word count above which a request bypasses
// mutator-region allocation (spec.md section 4.3: region_words / 2).
func (a *AllocRegionManager) HumongousThreshold() uintptr {
	return (a.table.RegionSize() / objectAlignment) / 2
}

// AllocateObject implements the mutator allocation path (spec.md section
// 4.3, steps 1-3). wordSize is the object size in heap words.
func (a *AllocRegionManager) AllocateObject(wordSize uintptr) (uintptr, error) {
	byteSize := wordSize * objectAlignment

	if wordSize > a.HumongousThreshold() {
		return a.allocateHumongous(wordSize)
	}

	// Step 1: lock-free bump in the current mutator region.
	if r := a.mutatorRegion.Load(); r != nil {
		if addr, ok := r.bumpAllocate(byteSize); ok {
			return addr, nil
		}
	}

	// Step 2: acquire the heap lock, retry, then retire-and-replace.
	a.heapLock.Lock()
	defer a.heapLock.Unlock()

	if r := a.mutatorRegion.Load(); r != nil {
		if addr, ok := r.bumpAllocate(byteSize); ok {
			return addr, nil
		}
		a.retireEdenLocked(r)
	}

	if a.sets.FreeList.Length() == 0 {
		a.sets.FoldSecondaryFree()
	}
	idx := a.sets.FreeList.PopFront()
	if idx == NoRegion {
		return 0, gcerrors.AllocationFailure(wordSize, "free list exhausted; caller should trigger a GC and retry")
	}
	newRegion := a.table.At(idx)
	newRegion.resetForReuse(KindEden)
	a.mutatorRegion.Store(newRegion)

	addr, ok := newRegion.bumpAllocate(byteSize)
	if !ok {
		return 0, gcerrors.AllocationFailure(wordSize, "freshly installed region too small for request")
	}
	return addr, nil
}

func (a *AllocRegionManager) retireEdenLocked(r *Region) {
	if a.onEdenRetired != nil {
		a.onEdenRetired(r.Index)
	}
}

// allocateHumongous reserves ceil(wordSize/regionWords) contiguous free
// regions, tags them StartsHumongous + ContinuesHumongous*, and returns the
// start address (spec.md section 4.3 step 3).
func (a *AllocRegionManager) allocateHumongous(wordSize uintptr) (uintptr, error) {
	a.heapLock.Lock()
	defer a.heapLock.Unlock()

	regionWords := a.table.RegionSize() / objectAlignment
	needed := (wordSize + regionWords - 1) / regionWords
	if needed == 0 {
		needed = 1
	}

	run, ok := a.findContiguousFree(uint32(needed))
	if !ok {
		return 0, gcerrors.HumongousAllocationFailure(uint32(needed))
	}

	start := a.table.At(run[0])
	start.resetForReuse(KindStartsHumongous)
	start.HumongousRunLen = uint32(len(run))
	start.HumongousStart = run[0]
	for _, idx := range run {
		a.sets.FreeList.Remove(idx)
	}
	for _, idx := range run[1:] {
		r := a.table.At(idx)
		r.resetForReuse(KindContinuesHumongous)
		r.HumongousStart = run[0]
	}
	// The whole run bumps its top to End: the object occupies it entirely.
	for _, idx := range run {
		r := a.table.At(idx)
		atomic.StoreUintptr(&r.top, r.End)
	}
	a.sets.HumongousSet.AddOrdered(run[0])

	return start.Bottom, nil
}

// findContiguousFree scans the free list for `needed` contiguous region
// indices. Callers hold the heap lock.
func (a *AllocRegionManager) findContiguousFree(needed uint32) ([]RegionIndex, bool) {
	var free []RegionIndex
	a.sets.FreeList.Iterate(func(idx RegionIndex) bool {
		free = append(free, idx)
		return true
	})
	if uint32(len(free)) < needed {
		return nil, false
	}
	if needed == 1 {
		return free[:1], true
	}
	run := 1
	for i := 1; i < len(free); i++ {
		if free[i] == free[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if uint32(run) >= needed {
			start := i - run + 1
			return free[start : start+int(needed)], true
		}
	}
	return nil, false
}

// FreeHumongous releases a humongous run back to the free list as a block
// (spec.md section 3 Lifecycle).
func (a *AllocRegionManager) FreeHumongous(start RegionIndex) {
	a.heapLock.Lock()
	defer a.heapLock.Unlock()

	r := a.table.At(start)
	n := r.HumongousRunLen
	a.sets.HumongousSet.Remove(start)
	for i := uint32(0); i < n; i++ {
		idx := start + RegionIndex(i)
		region := a.table.At(idx)
		region.resetForReuse(KindFree)
		a.sets.FreeList.AddOrdered(idx)
	}
}

// plabThreshold is the request size (in words) at or above which a GC-path allocation
// bypasses PLAB refill and goes straight to a direct GC alloc region
// (spec.md section 4.3).
func (a *AllocRegionManager) plabThreshold() uintptr {
	return (a.table.RegionSize() / objectAlignment) / 4
}

// PLABAllocate bumps within worker's PLAB for dest, refilling or going
// direct on a miss (spec.md section 4.3 GC path).
func (a *AllocRegionManager) PLABAllocate(workerID int, dest Destination, wordSize uintptr) (uintptr, error) {
	byteSize := wordSize * objectAlignment
	alignment := uintptr(0)
	if dest == DestSurvivor {
		alignment = a.tunables.SurvivorAlignmentBytes
	}

	plab := a.plabFor(workerID, dest)
	if plab != nil {
		if addr, ok := plab.Allocate(byteSize, alignment); ok {
			return addr, nil
		}
	}

	if wordSize >= a.plabThreshold() {
		return a.allocateDirectGCRegion(dest, byteSize)
	}

	newPLAB, err := a.refillPLAB(workerID, dest)
	if err != nil {
		return 0, err
	}
	addr, ok := newPLAB.Allocate(byteSize, alignment)
	if !ok {
		return a.allocateDirectGCRegion(dest, byteSize)
	}
	return addr, nil
}

func (a *AllocRegionManager) plabFor(workerID int, dest Destination) *PLAB {
	a.plabMu.Lock()
	defer a.plabMu.Unlock()
	pair := a.plabs[workerID]
	return pair[dest]
}

func (a *AllocRegionManager) setPLABFor(workerID int, dest Destination, p *PLAB) {
	a.plabMu.Lock()
	defer a.plabMu.Unlock()
	pair := a.plabs[workerID]
	pair[dest] = p
	a.plabs[workerID] = pair
}

func (a *AllocRegionManager) refillPLAB(workerID int, dest Destination) (*PLAB, error) {
	a.heapLock.Lock()
	idx := a.sets.FreeList.PopFront()
	a.heapLock.Unlock()
	if idx == NoRegion {
		return nil, gcerrors.AllocationFailure(0, "no free region to refill PLAB")
	}
	r := a.table.At(idx)
	kind := KindOld
	if dest == DestSurvivor {
		kind = KindSurvivor
	}
	r.resetForReuse(kind)

	desired := a.evacStats[dest].DesiredPLABSize(objectAlignment, 256, a.table.RegionSize()/objectAlignment)
	size := desired
	if size > r.End-r.Bottom {
		size = r.End - r.Bottom
	}
	reserve := uintptr(0)
	if dest == DestSurvivor {
		reserve = a.tunables.SurvivorAlignmentBytes
	}
	plab := NewPLAB(dest, r.Bottom, size, reserve)
	a.setPLABFor(workerID, dest, plab)
	return plab, nil
}

// allocateDirectGCRegion installs a fresh GC alloc region and bumps
// directly into it without going through a PLAB, for requests at or above
// plabThreshold (spec.md section 4.3).
func (a *AllocRegionManager) allocateDirectGCRegion(dest Destination, byteSize uintptr) (uintptr, error) {
	a.heapLock.Lock()
	idx := a.sets.FreeList.PopFront()
	a.heapLock.Unlock()
	if idx == NoRegion {
		return 0, gcerrors.AllocationFailure(byteSize/objectAlignment, "no free region for direct GC allocation")
	}
	r := a.table.At(idx)
	kind := KindOld
	if dest == DestSurvivor {
		kind = KindSurvivor
	}
	r.resetForReuse(kind)
	addr, ok := r.bumpAllocate(byteSize)
	if !ok {
		return 0, gcerrors.AllocationFailure(byteSize/objectAlignment, "request too large for one region")
	}
	a.evacStats[dest].Record(uint64(byteSize), 0, 0, uint64(r.End-r.Bottom-byteSize))
	return addr, nil
}

// UndoAllocation returns size words to worker's PLAB's undo_wasted
// accounting (spec.md section 4.3 undo_allocation).
func (a *AllocRegionManager) UndoAllocation(workerID int, dest Destination, wordSize uintptr) {
	if plab := a.plabFor(workerID, dest); plab != nil {
		plab.Undo(wordSize * objectAlignment)
	}
}

// RetireAllPLABs flushes every worker's PLABs at the end of a pause,
// folding statistics into the per-destination EvacStats (spec.md section
// 4.3 Retirement).
func (a *AllocRegionManager) RetireAllPLABs() {
	a.plabMu.Lock()
	defer a.plabMu.Unlock()
	for workerID, pair := range a.plabs {
		for dest, p := range pair {
			if p == nil || p.Retired() {
				continue
			}
			allocated, wasted, undoWasted, unusedTail := p.Retire()
			a.evacStats[Destination(dest)].Record(allocated, wasted, undoWasted, unusedTail)
		}
		delete(a.plabs, workerID)
	}
}

// EvacStatsFor returns the accumulated statistics for dest since the last
// Reset (used by the policy to size the next pause's PLABs).
func (a *AllocRegionManager) EvacStatsFor(dest Destination) *EvacStats { return &a.evacStats[dest] }

// CurrentMutatorRegion returns the region currently receiving eden
// allocations, or nil if none is installed yet.
func (a *AllocRegionManager) CurrentMutatorRegion() *Region { return a.mutatorRegion.Load() }

// InstallMutatorRegion forcibly sets the active eden region (used when the
// pause prologue hands a fresh eden region back to the mutator).
func (a *AllocRegionManager) InstallMutatorRegion(r *Region) { a.mutatorRegion.Store(r) }
