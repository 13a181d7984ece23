// Demo driving the region-based collector core end to end: allocation,
// incremental collection-set building, one evacuation pause, and the
// resulting trace.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orizon-lang/orizon/internal/gc"
	"github.com/orizon-lang/orizon/internal/gc/gctrace"
)

// demoObjectModel is the stand-in for a real managed-object layout: size is
// whatever was recorded at allocation time, and objects carry no references
// (spec.md section 1 leaves object layout to the host).
type demoObjectModel struct {
	mu    sync.Mutex
	sizes map[uintptr]uintptr
}

func newDemoObjectModel() *demoObjectModel {
	return &demoObjectModel{sizes: make(map[uintptr]uintptr)}
}

func (m *demoObjectModel) record(addr, size uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[addr] = size
}

func (m *demoObjectModel) References(uintptr) []uintptr { return nil }

func (m *demoObjectModel) Size(addr uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes[addr]
}

type demoSATBQueue struct {
	mu      sync.Mutex
	pending []uintptr
}

func (q *demoSATBQueue) Drain() []uintptr {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// demoEvacuator copies a live object by requesting fresh space from the
// PLAB allocator and re-recording its size under the new address.
type demoEvacuator struct {
	allocMgr *gc.AllocRegionManager
	model    *demoObjectModel
}

func (e *demoEvacuator) Copy(workerID int, obj uintptr, size uintptr, dest gc.Destination) (uintptr, bool) {
	addr, err := e.allocMgr.PLABAllocate(workerID, dest, size/8)
	if err != nil {
		return 0, false
	}
	e.model.record(addr, size)
	return addr, true
}

func main() {
	fmt.Println("=== Region-based collector demo ===")

	tunables := gc.DefaultTunables()
	tunables.RegionSizeBytes = 64 << 10 // 64 KiB, so the allocations below span several regions
	tunables.MaxHeapBytes = 4 << 20
	tunables.InitialHeapBytes = 1 << 20
	tunables.ParallelWorkers = 4

	fmt.Println("\n1. Reserving region table...")
	table, err := gc.ReserveRegionTable(uintptr(tunables.MaxHeapBytes), uintptr(tunables.RegionSizeBytes))
	if err != nil {
		panic(fmt.Sprintf("reserve failed: %v", err))
	}
	if _, err := table.Expand(uint32(tunables.InitialHeapBytes / tunables.RegionSizeBytes)); err != nil {
		panic(fmt.Sprintf("expand failed: %v", err))
	}
	fmt.Printf("✓ reserved %d max regions, %d committed\n", table.MaxRegions(), table.CommittedCount())

	sets := gc.NewRegionSets(table)
	for i := uint32(0); i < table.CommittedCount(); i++ {
		sets.FreeList.AddOrdered(gc.RegionIndex(i))
	}

	allocMgr := gc.NewAllocRegionManager(table, sets, tunables)
	model := newDemoObjectModel()
	satb := &demoSATBQueue{}
	bitmaps := gc.NewMarkBitmaps(table.Base(), uintptr(table.MaxRegions())*table.RegionSize())
	mark := gc.NewConcurrentMark(table, sets, bitmaps, model, satb, tunables.ParallelWorkers)
	chooser := gc.NewCSetChooser(table.RegionSize())
	cset := gc.NewCollectionSet(table, chooser)
	fastTest := gc.NewCSetFastTest(table)
	bot := gc.NewBlockOffsetTable()
	recovery := gc.NewEvacFailureRecovery(table, bot, model)
	policy := gc.NewPolicy(table.RegionSize(), tunables.MaxHeapBytes, tunables.IHOPPercent, tunables.AdaptiveIHOP)
	collector := gc.NewCollectorState(table, sets, allocMgr, cset, chooser, fastTest, mark, recovery, policy, tunables)

	allocMgr.SetEdenRetiredHook(func(idx gc.RegionIndex) {
		r := table.At(idx)
		cset.AddEdenRegion(idx, uint64(r.RemSet.Occupied()), policy.PredictRegionElapsedTimeMs(r, true))
	})
	cset.StartIncrementalBuilding()

	tracer := gctrace.NewTracer(true)
	// Constructed but not started: serving real HTTP/3 needs a TLS
	// certificate this demo doesn't provision.
	exporter := gctrace.NewHTTP3Exporter(":0", nil, tracer)
	_ = exporter

	fmt.Println("\n2. Allocating mutator objects...")
	const numObjects = 4000
	for i := 0; i < numObjects; i++ {
		wordSize := uintptr(4 + i%24)
		addr, err := allocMgr.AllocateObject(wordSize)
		if err != nil {
			panic(fmt.Sprintf("allocation %d failed: %v", i, err))
		}
		model.record(addr, wordSize*8)
	}
	fmt.Printf("✓ allocated %d objects\n", numObjects)

	fmt.Println("\n3. Running one evacuation pause...")
	evac := &demoEvacuator{allocMgr: allocMgr, model: model}
	result, err := collector.RunPause(context.Background(), gc.CauseG1Evacuation, evac, float64(tunables.MaxPauseMillis), 0, tunables.ParallelWorkers)
	if err != nil {
		panic(fmt.Sprintf("pause failed: %v", err))
	}
	fmt.Printf("✓ pause cause=%s regions_evacuated=%d regions_failed=%d bytes_evacuated=%d\n",
		result.Cause, result.RegionsEvacuated, result.RegionsFailed, result.BytesEvacuated)

	now := time.Now().UnixNano()
	tracer.RecordPause(gctrace.PauseEvent{
		Cause:                  result.Cause.String(),
		StartUnixNano:          now,
		EndUnixNano:            now,
		RegionsEvacuated:       result.RegionsEvacuated,
		RegionsFailed:          result.RegionsFailed,
		BytesEvacuated:         result.BytesEvacuated,
		InitialMarkPiggybacked: result.InitialMarkPiggybacked,
		StartedMixed:           result.StartedMixed,
	})

	fmt.Println("\n4. Tracer snapshot...")
	snap := tracer.Snapshot()
	fmt.Printf("✓ %d pause event(s) recorded\n", len(snap.Pauses))

	allocated, used, wasted, undoWasted, unusedTail := allocMgr.EvacStatsFor(gc.DestSurvivor).Snapshot()
	fmt.Printf("✓ survivor evac stats: allocated=%d used=%d wasted=%d undo_wasted=%d unused_tail=%d\n",
		allocated, used, wasted, undoWasted, unusedTail)

	fmt.Println("\n=== Demo complete ===")
}
