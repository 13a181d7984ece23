package gc

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// BuildState is the CollectionSet's incremental-build state variant
// (spec.md section 3).
type BuildState int

const (
	BuildInactive BuildState = iota
	BuildActive
)

// csetCandidate is one old region waiting in the CSetChooser, ordered by
// garbage density (highest first) with ties broken toward lower predicted
// cost (spec.md section 4.7 tie-breaks). Adapted from the
// trigger/threshold-ordered admission style of
// internal/runtime/compaction.go's CompactionScheduler, but needs repeated
// extract-max under incremental updates rather than a one-shot sort, so it
// is backed by container/heap instead of sort.Slice (DESIGN.md C7).
type csetCandidate struct {
	index        RegionIndex
	garbageBytes uint64
	predictedMs  float64
}

// cSetChooserHeap implements heap.Interface as a max-heap on garbage
// density; regionSize is needed to turn garbageBytes into a density ratio.
type cSetChooserHeap struct {
	items      []csetCandidate
	regionSize uintptr
}

func (h cSetChooserHeap) Len() int { return len(h.items) }
func (h cSetChooserHeap) Less(i, j int) bool {
	di := float64(h.items[i].garbageBytes) / float64(h.regionSize)
	dj := float64(h.items[j].garbageBytes) / float64(h.regionSize)
	if di != dj {
		return di > dj // max-heap on density
	}
	return h.items[i].predictedMs < h.items[j].predictedMs // tie-break: cheaper first
}
func (h cSetChooserHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *cSetChooserHeap) Push(x interface{}) { h.items = append(h.items, x.(csetCandidate)) }
func (h *cSetChooserHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// CSetChooser is the priority queue over old regions ordered by garbage
// density (spec.md section 4.7).
type CSetChooser struct {
	mu  sync.Mutex
	h   cSetChooserHeap
}

// NewCSetChooser creates an empty chooser for regions of the given size.
func NewCSetChooser(regionSize uintptr) *CSetChooser {
	return &CSetChooser{h: cSetChooserHeap{regionSize: regionSize}}
}

// Add registers (or updates, via remove-then-add) an old-region candidate.
func (c *CSetChooser) Add(index RegionIndex, garbageBytes uint64, predictedMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, it := range c.h.items {
		if it.index == index {
			heap.Remove(&c.h, i)
			break
		}
	}
	heap.Push(&c.h, csetCandidate{index: index, garbageBytes: garbageBytes, predictedMs: predictedMs})
}

// Peek returns (without removing) the best candidate, if any.
func (c *CSetChooser) Peek() (csetCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h.Len() == 0 {
		return csetCandidate{}, false
	}
	return c.h.items[0], true
}

// Pop removes and returns the best candidate.
func (c *CSetChooser) Pop() (csetCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h.Len() == 0 {
		return csetCandidate{}, false
	}
	return heap.Pop(&c.h).(csetCandidate), true
}

// Len returns the number of remaining candidates.
func (c *CSetChooser) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h.Len()
}

// CollectionSet is the ordered list of regions to evacuate in one pause,
// built incrementally between pauses and finalized at pause start (C7,
// spec.md section 4.7).
type CollectionSet struct {
	table   *RegionTable
	chooser *CSetChooser

	mu          sync.Mutex
	young       []RegionIndex
	old         []RegionIndex
	survivorLen uint32
	state       BuildState

	bytesUsedBefore        uint64
	recordedRSLengths      uint64
	predictedElapsedTimeMs float64

	// Diff accumulators filled by concurrent refinement sampling without
	// taking the main-fields lock (spec.md section 4.7).
	rsDiff        int64
	timeDiffMicro int64
}

// NewCollectionSet creates an empty, Inactive collection set over table,
// backed by chooser for its old-region candidates.
func NewCollectionSet(table *RegionTable, chooser *CSetChooser) *CollectionSet {
	return &CollectionSet{table: table, chooser: chooser, state: BuildInactive}
}

// StartIncrementalBuilding transitions to Active so the mutator path can
// begin appending eden regions for the next pause.
func (cs *CollectionSet) StartIncrementalBuilding() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.young = nil
	cs.old = nil
	cs.survivorLen = 0
	cs.state = BuildActive
}

// AddEdenRegion appends a newly retired eden region to the incremental
// young CSet along with the policy's predictions for it
// (spec.md section 4.7).
func (cs *CollectionSet) AddEdenRegion(idx RegionIndex, predictedRSLength uint64, predictedMs float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != BuildActive {
		return
	}
	cs.young = append(cs.young, idx)
	cs.recordedRSLengths += predictedRSLength
	cs.predictedElapsedTimeMs += predictedMs
}

// AddSurvivorRegion appends a prior pause's survivor region at the start of
// the next pause, tagged as eden-for-CSet-purposes to unify handling
// (spec.md section 4.7).
func (cs *CollectionSet) AddSurvivorRegion(idx RegionIndex, predictedRSLength uint64, predictedMs float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != BuildActive {
		return
	}
	cs.young = append(cs.young, idx)
	cs.survivorLen++
	cs.recordedRSLengths += predictedRSLength
	cs.predictedElapsedTimeMs += predictedMs
}

// RecordRSDiff is called by concurrent refinement to deposit a change in a
// region's observed rset length since it was added, avoiding an atomic RMW
// on recordedRSLengths itself (spec.md section 4.7).
func (cs *CollectionSet) RecordRSDiff(delta int64) { atomic.AddInt64(&cs.rsDiff, delta) }

// RecordTimeDiffMs is the predicted-elapsed-time analog of RecordRSDiff.
func (cs *CollectionSet) RecordTimeDiffMs(deltaMs float64) {
	atomic.AddInt64(&cs.timeDiffMicro, int64(deltaMs*1000))
}

// FinalizeIncrementalBuilding folds the diff accumulators into the main
// fields. Safe to call multiple times; it is idempotent between calls that
// observe no new diffs.
func (cs *CollectionSet) FinalizeIncrementalBuilding() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.foldDiffsLocked()
}

func (cs *CollectionSet) foldDiffsLocked() {
	rsDiff := atomic.SwapInt64(&cs.rsDiff, 0)
	timeDiff := atomic.SwapInt64(&cs.timeDiffMicro, 0)
	if rsDiff < 0 && uint64(-rsDiff) > cs.recordedRSLengths {
		cs.recordedRSLengths = 0
	} else {
		cs.recordedRSLengths = uint64(int64(cs.recordedRSLengths) + rsDiff)
	}
	cs.predictedElapsedTimeMs += float64(timeDiff) / 1000.0
}

// FinalizeYoungPart folds diffs in, computes time_remaining for the old
// part, and transitions the build state to Inactive: the assembled young
// CSet is now owned by the pause (spec.md section 4.7 step 1).
func (cs *CollectionSet) FinalizeYoungPart(targetPauseMs, basePredictionMs float64) (timeRemainingMs float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.foldDiffsLocked()
	cs.state = BuildInactive

	remaining := targetPauseMs - basePredictionMs - cs.predictedElapsedTimeMs
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// FinalizeOldPart drains candidates from the CSetChooser until the pause
// budget, region-count cap or waste threshold says stop (spec.md section
// 4.7 step 2). mixedMode must be true for any old region to be admitted.
func (cs *CollectionSet) FinalizeOldPart(mixedMode bool, timeRemainingMs float64, minOldLen, maxOldLen uint32, wasteThresholdPct int, target float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !mixedMode {
		return
	}

	for {
		if maxOldLen > 0 && uint32(len(cs.old)) >= maxOldLen {
			return
		}
		cand, ok := cs.chooser.Peek()
		if !ok {
			return
		}

		reclaimablePct := 100.0 * float64(cand.garbageBytes) / float64(cs.table.RegionSize())
		if reclaimablePct < float64(wasteThresholdPct) {
			return
		}

		// Never admit a region that would push predicted total over
		// 2*target, even if min_old_cset_length is not yet met.
		if cs.predictedElapsedTimeMs+cand.predictedMs > 2*target {
			return
		}

		if timeRemainingMs <= 0 && uint32(len(cs.old)) >= minOldLen {
			return
		}

		cs.chooser.Pop()
		cs.old = append(cs.old, cand.index)
		cs.predictedElapsedTimeMs += cand.predictedMs
		timeRemainingMs -= cand.predictedMs
	}
}

// Regions returns the finalized CSet in evacuation order: young first
// (eden, then survivors interleaved as appended), then old.
func (cs *CollectionSet) Regions() []RegionIndex {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]RegionIndex, 0, len(cs.young)+len(cs.old))
	out = append(out, cs.young...)
	out = append(out, cs.old...)
	return out
}

// Lengths returns (young, survivor, old) region counts.
func (cs *CollectionSet) Lengths() (young, survivor, old uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return uint32(len(cs.young)), cs.survivorLen, uint32(len(cs.old))
}

// SetBytesUsedBefore records the total live bytes at pause start, for the
// tracer (spec.md section 3, section 6).
func (cs *CollectionSet) SetBytesUsedBefore(b uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.bytesUsedBefore = b
}

// PredictedElapsedTimeMs returns the running cost-model total.
func (cs *CollectionSet) PredictedElapsedTimeMs() float64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.predictedElapsedTimeMs
}

// State returns the current incremental build state.
func (cs *CollectionSet) State() BuildState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}
