package gc

import (
	"context"
	"sync"
	"testing"
)

// fixedObjectModel is a small, fully pre-populated object graph for testing
// the marker without a real mutator/heap behind it.
type fixedObjectModel struct {
	mu   sync.Mutex
	refs map[uintptr][]uintptr
	size map[uintptr]uintptr
}

func newFixedObjectModel() *fixedObjectModel {
	return &fixedObjectModel{refs: make(map[uintptr][]uintptr), size: make(map[uintptr]uintptr)}
}

func (m *fixedObjectModel) put(addr uintptr, size uintptr, refs ...uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size[addr] = size
	m.refs[addr] = refs
}

func (m *fixedObjectModel) References(addr uintptr) []uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[addr]
}

func (m *fixedObjectModel) Size(addr uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size[addr]
}

type emptySATBQueue struct{}

func (emptySATBQueue) Drain() []uintptr { return nil }

type fixedRootScanner struct{ roots []uintptr }

func (r fixedRootScanner) Roots() []uintptr { return r.roots }

func TestConcurrentMark_ClaimRegionIsMonotonicAndExhausts(t *testing.T) {
	table := reserveTestTable(t, 4096, 3)
	sets := NewRegionSets(table)
	bitmaps := NewMarkBitmaps(table.Base(), uintptr(table.MaxRegions())*table.RegionSize())
	cm := NewConcurrentMark(table, sets, bitmaps, newFixedObjectModel(), emptySATBQueue{}, 1)
	cm.InitialMark(fixedRootScanner{})

	seen := map[RegionIndex]bool{}
	for i := 0; i < 3; i++ {
		idx := cm.claimRegion()
		if idx == NoRegion {
			t.Fatalf("claimRegion returned NoRegion early on iteration %d", i)
		}
		if seen[idx] {
			t.Fatalf("region %d claimed twice", idx)
		}
		seen[idx] = true
	}
	if idx := cm.claimRegion(); idx != NoRegion {
		t.Fatalf("claimRegion after exhausting all regions = %d, want NoRegion", idx)
	}
}

func TestConcurrentMark_RunMarksWholeReachableGraph(t *testing.T) {
	table := reserveTestTable(t, 4096, 2)
	r0 := table.At(0)
	model := newFixedObjectModel()

	a := r0.Bottom
	b := r0.Bottom + 8
	c := r0.Bottom + 16
	model.put(a, 8, b)
	model.put(b, 8, c)
	model.put(c, 8)

	sets := NewRegionSets(table)
	bitmaps := NewMarkBitmaps(table.Base(), uintptr(table.MaxRegions())*table.RegionSize())
	cm := NewConcurrentMark(table, sets, bitmaps, model, emptySATBQueue{}, 2)

	r0.Kind = KindOld
	r0.top = r0.Bottom + 24 // top must be past c so InitialMark's NextTAMS covers it

	cm.InitialMark(fixedRootScanner{roots: []uintptr{a}})
	if err := cm.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cm.Remark()

	for _, addr := range []uintptr{a, b, c} {
		if !bitmaps.Next().IsMarked(addr) {
			t.Fatalf("address %d should be marked after Run+Remark", addr)
		}
	}
}

func TestConcurrentMark_CleanupReclaimsFullyDeadOldRegion(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	r0 := table.At(0)
	r0.Kind = KindOld
	r0.top = r0.Bottom + 8 // one live-at-alloc-time slot, never marked

	sets := NewRegionSets(table)
	bitmaps := NewMarkBitmaps(table.Base(), uintptr(table.MaxRegions())*table.RegionSize())
	cm := NewConcurrentMark(table, sets, bitmaps, newFixedObjectModel(), emptySATBQueue{}, 1)

	cm.InitialMark(fixedRootScanner{}) // no roots: the one object is unreachable
	if err := cm.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cm.Remark()

	reclaimed := cm.Cleanup()
	if reclaimed != 1 {
		t.Fatalf("Cleanup reclaimed %d regions, want 1", reclaimed)
	}
	if r0.NextMarkedBytes != 0 {
		t.Fatalf("NextMarkedBytes = %d, want 0 for a fully-dead region", r0.NextMarkedBytes)
	}
}

func TestConcurrentMark_AbortStopsRunEarly(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	sets := NewRegionSets(table)
	bitmaps := NewMarkBitmaps(table.Base(), uintptr(table.MaxRegions())*table.RegionSize())
	cm := NewConcurrentMark(table, sets, bitmaps, newFixedObjectModel(), emptySATBQueue{}, 2)

	cm.InitialMark(fixedRootScanner{})
	cm.Abort()
	if !cm.HasAborted() {
		t.Fatal("HasAborted should be true after Abort")
	}
	if err := cm.Run(context.Background()); err != nil {
		t.Fatalf("Run after abort should return nil error, got: %v", err)
	}
}
