package gc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PauseCause classifies why a pause was requested, surfaced to the tracer
// (spec.md section 6).
type PauseCause int

const (
	CauseG1Evacuation PauseCause = iota
	CauseG1HumongousAllocation
	CauseG1SystemGC
	CauseG1UpgradeToFullGC
)

func (c PauseCause) String() string {
	switch c {
	case CauseG1Evacuation:
		return "G1EvacuationPause"
	case CauseG1HumongousAllocation:
		return "G1HumongousAllocationPause"
	case CauseG1SystemGC:
		return "G1SystemGC"
	case CauseG1UpgradeToFullGC:
		return "G1UpgradeToFullGC"
	default:
		return "Unknown"
	}
}

// Evacuator is the host-supplied capability to copy one live object into its
// destination generation: concrete object layout and the copy routine
// itself are out of scope for the collector core (spec.md section 1). It
// returns ok=false when the destination PLAB/region could not accept the
// object, which is exactly the evacuation-failure trigger (spec.md 4.9).
type Evacuator interface {
	Copy(workerID int, obj uintptr, size uintptr, dest Destination) (newAddr uintptr, ok bool)
}

// initMarkToMixedTracker times the gap between an initial-mark pause and the
// first mixed pause that follows it, the g1InitialMarkToMixedTimeTracker
// supplemented from original_source/ per SPEC_FULL.md section 4: a widening
// gap signals the policy is starved for old-region reclaim.
type initMarkToMixedTracker struct {
	mu              sync.Mutex
	initialMarkTime time.Time
	waitingForMixed bool
	lastDurationMs  float64
}

func (t *initMarkToMixedTracker) notifyInitialMark(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialMarkTime = now
	t.waitingForMixed = true
}

func (t *initMarkToMixedTracker) notifyMixed(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.waitingForMixed {
		return
	}
	t.lastDurationMs = now.Sub(t.initialMarkTime).Seconds() * 1000
	t.waitingForMixed = false
}

func (t *initMarkToMixedTracker) lastDuration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastDurationMs
}

// CollectorState holds the pause driver's derived state booleans
// (spec.md section 3 CollectorState) and orchestrates one STW pause end to
// end (C10, spec.md section 4.10).
type CollectorState struct {
	table    *RegionTable
	sets     *RegionSets
	allocMgr *AllocRegionManager
	cset     *CollectionSet
	chooser  *CSetChooser
	fastTest *CSetFastTest
	mark     *ConcurrentMark
	recovery *EvacFailureRecovery
	policy   *Policy
	tunables *Tunables

	mu sync.Mutex

	gcsAreYoung            bool
	lastGCWasYoung         bool
	duringInitialMarkPause bool
	duringMarking          bool
	markInProgress         bool
	inMarkingWindow        bool
	inMarkingWindowIM      bool
	fullCollection         bool

	initToMixed initMarkToMixedTracker
}

// NewCollectorState wires together the components a pause needs to drive
// itself, all previously constructed by the caller (spec.md section 5
// component composition).
func NewCollectorState(table *RegionTable, sets *RegionSets, allocMgr *AllocRegionManager, cset *CollectionSet, chooser *CSetChooser, fastTest *CSetFastTest, mark *ConcurrentMark, recovery *EvacFailureRecovery, policy *Policy, tunables *Tunables) *CollectorState {
	return &CollectorState{
		table:    table,
		sets:     sets,
		allocMgr: allocMgr,
		cset:     cset,
		chooser:  chooser,
		fastTest: fastTest,
		mark:     mark,
		recovery: recovery,
		policy:   policy,
		tunables: tunables,
		gcsAreYoung: true,
	}
}

// DuringConcurrentMark reports the derived predicate from spec.md section 3:
// marking is in progress but this pause is not itself the initial-mark
// pause.
func (cs *CollectorState) DuringConcurrentMark() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.markInProgress && !cs.duringInitialMarkPause
}

// MarkInProgress reports whether a concurrent cycle has been started and not
// yet completed (Cleanup run).
func (cs *CollectorState) MarkInProgress() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.markInProgress
}

// PauseResult summarizes one completed pause for the tracer and for tests
// asserting spec.md section 8's properties.
type PauseResult struct {
	Cause                PauseCause
	RegionsEvacuated     uint32
	RegionsFailed        uint32
	BytesEvacuated       uint64
	InitialMarkPiggybacked bool
	StartedMixed         bool
}

// RunPause drives one complete STW pause: prologue, CSet finalization,
// parallel evacuation, evacuation-failure recovery, post-evacuation
// bookkeeping, the IHOP decision, and epilogue (C10, spec.md section 4.10
// steps 1-7). evac supplies the actual object-copy routine; numWorkers
// bounds the evacuation fan-out.
func (cs *CollectorState) RunPause(ctx context.Context, cause PauseCause, evac Evacuator, targetPauseMs float64, pendingCards uint64, numWorkers int) (*PauseResult, error) {
	now := time.Now()

	// Step 1: prologue.
	cs.mu.Lock()
	piggybackInitialMark := !cs.markInProgress && cs.policy.IHOP().ShouldInitiateMarking(cs.currentOccupancyLocked())
	cs.duringInitialMarkPause = piggybackInitialMark
	cs.mu.Unlock()

	cs.sets.FoldSecondaryFree()

	// Step 2: finalize the collection set's young part, then (if this
	// collector is in mixed mode) its old part.
	basePrediction := cs.policy.PredictBaseElapsedTimeMs(pendingCards)
	timeRemaining := cs.cset.FinalizeYoungPart(targetPauseMs, basePrediction)

	cs.mu.Lock()
	mixedMode := !cs.gcsAreYoung
	cs.mu.Unlock()
	startedMixed := mixedMode && cs.chooser.Len() > 0
	if mixedMode {
		cs.cset.FinalizeOldPart(true, timeRemaining, cs.tunables.MinOldCSetLength, cs.tunables.MaxOldCSetLength, cs.tunables.HeapWastePercent, targetPauseMs)
	}

	regions := cs.cset.Regions()
	for _, idx := range regions {
		r := cs.table.At(idx)
		if r.Kind == KindOld {
			cs.fastTest.SetInOld(idx)
		} else {
			cs.fastTest.SetInYoung(idx)
		}
	}

	if piggybackInitialMark {
		cs.mark.InitialMark(staticRootScanner{})
		cs.mu.Lock()
		cs.markInProgress = true
		cs.inMarkingWindow = true
		cs.inMarkingWindowIM = true
		cs.mu.Unlock()
		cs.initToMixed.notifyInitialMark(now)
	}

	// Step 3: evacuate, one goroutine per region, fanned out with errgroup
	// (grounded the same way ConcurrentMark.Run is, SPEC_FULL.md section 2).
	var evacuated, failed uint32
	var bytesEvacuated uint64
	var statMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxInt(numWorkers, 1))
	for i, idx := range regions {
		idx := idx
		worker := i % maxInt(numWorkers, 1)
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			e, f, b := cs.evacuateRegion(idx, worker, evac)
			statMu.Lock()
			evacuated += e
			failed += f
			bytesEvacuated += b
			statMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 4: recovery for regions that saw a failure. RestoreRegion clears
	// each region's EvacuationFailed flag as part of restoring it, so record
	// which regions failed before that happens; step 5 needs to tell them
	// apart from regions that evacuated cleanly.
	failedThisPause := make(map[RegionIndex]bool)
	for _, idx := range cs.recovery.FailedRegions() {
		failedThisPause[idx] = true
		cs.recovery.RestoreRegion(idx, func(from, to uintptr) {
			cs.table.HeapRegionContaining(to).RemSet.AddReference(from)
		})
	}

	// Step 5: post-evacuation bookkeeping.
	cs.allocMgr.RetireAllPLABs()
	for _, idx := range regions {
		r := cs.table.At(idx)
		if failedThisPause[idx] {
			// Recovered in place: stays live, rejoins the old set instead of
			// being freed.
			if r.Kind != KindOld {
				r.Kind = KindOld
			}
			cs.sets.OldSet.AddOrdered(idx)
			continue
		}
		r.resetForReuse(KindFree)
		cs.sets.FreeList.AddOrdered(idx)
	}
	cs.fastTest.Clear()

	if idx := cs.sets.FreeList.PopFront(); idx != NoRegion {
		freshEden := cs.table.At(idx)
		freshEden.resetForReuse(KindEden)
		cs.allocMgr.InstallMutatorRegion(freshEden)
	}
	cs.cset.StartIncrementalBuilding()

	// Step 6: IHOP decision / concurrent-mark lifecycle.
	cs.mu.Lock()
	if piggybackInitialMark {
		cs.duringInitialMarkPause = false
	}
	if mixedMode && cs.chooser.Len() == 0 {
		// All old candidates drained: fall back to pure young collections
		// until the next IHOP trigger starts a new cycle.
		cs.gcsAreYoung = true
	}
	cs.lastGCWasYoung = cs.gcsAreYoung
	cs.mu.Unlock()

	if startedMixed {
		cs.initToMixed.notifyMixed(now)
	}

	// Step 7: epilogue.
	cs.policy.MMU().RecordPause(now, time.Now())

	return &PauseResult{
		Cause:                  cause,
		RegionsEvacuated:       evacuated,
		RegionsFailed:          failed,
		BytesEvacuated:         bytesEvacuated,
		InitialMarkPiggybacked: piggybackInitialMark,
		StartedMixed:           startedMixed,
	}, nil
}

// evacuateRegion copies every live object out of region idx into its
// destination generation, recording an evacuation failure for any object the
// evacuator could not place.
func (cs *CollectorState) evacuateRegion(idx RegionIndex, worker int, evac Evacuator) (evacuatedCount, failedCount uint32, bytes uint64) {
	r := cs.table.At(idx)
	dest := DestSurvivor
	if r.Kind == KindOld {
		dest = DestOld
	} else if r.Age >= cs.tunables.MaxTenuringThreshold {
		dest = DestOld
	}

	scan := func(obj uintptr, size uintptr) {
		if _, ok := evac.Copy(worker, obj, size, dest); !ok {
			cs.recovery.RecordFailure(obj, 0, idx)
			r.EvacuationFailed = true
			failedCount++
			return
		}
		evacuatedCount++
		bytes += uint64(size)
	}

	if r.Kind == KindOld {
		cs.mark.bitmaps.Prev().Iterate(r.Bottom, r.PrevTAMS, func(obj uintptr) bool {
			scan(obj, cs.mark.model.Size(obj))
			return true
		})
		return
	}

	for addr := r.Bottom; addr < r.Top(); {
		size := cs.mark.model.Size(addr)
		if size == 0 {
			break
		}
		scan(addr, size)
		addr += size
	}
	return
}

func (cs *CollectorState) currentOccupancyLocked() uint64 {
	var used uint64
	for i := uint32(0); i < cs.table.CommittedCount(); i++ {
		r := cs.table.At(RegionIndex(i))
		if r.Kind != KindFree {
			used += uint64(r.Used())
		}
	}
	return used
}

// StartMixedMode transitions the collector into mixed-GC mode, normally
// called once concurrent Cleanup has populated the CSetChooser with
// reclaimable old regions (spec.md section 4.10, "gcs_are_young" becomes
// false while candidates remain).
func (cs *CollectorState) StartMixedMode() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.gcsAreYoung = false
}

// CompleteMarkingCycle is called once ConcurrentMark.Cleanup has run,
// clearing the in-progress flags (spec.md section 3).
func (cs *CollectorState) CompleteMarkingCycle() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.markInProgress = false
	cs.inMarkingWindow = false
	cs.inMarkingWindowIM = false
}

// InitialMarkToMixedMs returns the most recently measured gap between an
// initial-mark pause and the first mixed pause that followed it.
func (cs *CollectorState) InitialMarkToMixedMs() float64 { return cs.initToMixed.lastDuration() }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// staticRootScanner is a placeholder RootScanner used only when a pause
// piggybacks initial-mark without the host supplying one; hosts are
// expected to pass their own via a wrapping type in practice (spec.md
// section 1 scope: root enumeration is a host concern).
type staticRootScanner struct{}

func (staticRootScanner) Roots() []uintptr { return nil }
