package gc

import "sync"

// orderedRegionSet is an address-ordered singly linked chain of region
// indices, the Go equivalent of the teacher's *FreeBlock next/prev chains in
// internal/runtime/region_memory.go adapted to index-based ownership per the
// Design Notes in spec.md section 9 (no raw next-pointers into the region
// arena).
type orderedRegionSet struct {
	mu    sync.Mutex
	table *RegionTable
	head  RegionIndex
	tail  RegionIndex
	size  int
	bytes uint64
}

func newOrderedRegionSet(table *RegionTable) *orderedRegionSet {
	return &orderedRegionSet{table: table, head: NoRegion, tail: NoRegion}
}

// AddOrdered inserts idx keeping the chain sorted by region address. Regions
// are already dense by address (index == address order for a single
// reservation), so insertion is simply an append at the tail in practice;
// the explicit walk keeps the structure correct even if that assumption is
// ever relaxed (e.g. multiple reservations).
func (s *orderedRegionSet) AddOrdered(idx RegionIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.table.At(idx)
	if s.head == NoRegion {
		s.head, s.tail = idx, idx
		r.NextYoung = NoRegion
		s.size++
		s.bytes += uint64(r.End - r.Bottom)
		return
	}

	// Fast path: idx sorts after the current tail (the overwhelmingly
	// common case since regions are freed/added in roughly address order).
	if idx > s.tail {
		s.table.At(s.tail).NextYoung = idx
		r.NextYoung = NoRegion
		s.tail = idx
		s.size++
		s.bytes += uint64(r.End - r.Bottom)
		return
	}

	// General path: walk to find the insertion point.
	prev := RegionIndex(NoRegion)
	cur := s.head
	for cur != NoRegion && cur < idx {
		prev = cur
		cur = s.table.At(cur).NextYoung
	}
	r.NextYoung = cur
	if prev == NoRegion {
		s.head = idx
	} else {
		s.table.At(prev).NextYoung = idx
	}
	s.size++
	s.bytes += uint64(r.End - r.Bottom)
}

// Remove unlinks idx. Reports whether idx was found.
func (s *orderedRegionSet) Remove(idx RegionIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := RegionIndex(NoRegion)
	cur := s.head
	for cur != NoRegion {
		if cur == idx {
			r := s.table.At(cur)
			if prev == NoRegion {
				s.head = r.NextYoung
			} else {
				s.table.At(prev).NextYoung = r.NextYoung
			}
			if s.tail == cur {
				s.tail = prev
			}
			s.size--
			s.bytes -= uint64(r.End - r.Bottom)
			r.NextYoung = NoRegion
			return true
		}
		prev = cur
		cur = s.table.At(cur).NextYoung
	}
	return false
}

// PopFront removes and returns the first (lowest-address) region, or
// NoRegion if empty.
func (s *orderedRegionSet) PopFront() RegionIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == NoRegion {
		return NoRegion
	}
	idx := s.head
	r := s.table.At(idx)
	s.head = r.NextYoung
	if s.head == NoRegion {
		s.tail = NoRegion
	}
	r.NextYoung = NoRegion
	s.size--
	s.bytes -= uint64(r.End - r.Bottom)
	return idx
}

// Length returns the number of regions currently in the set.
func (s *orderedRegionSet) Length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// TotalCapacityBytes returns the sum of region sizes in the set.
func (s *orderedRegionSet) TotalCapacityBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Iterate calls fn for every region index in address order, stopping early
// if fn returns false.
func (s *orderedRegionSet) Iterate(fn func(RegionIndex) bool) {
	s.mu.Lock()
	cur := s.head
	s.mu.Unlock()
	for cur != NoRegion {
		if !fn(cur) {
			return
		}
		s.mu.Lock()
		next := s.table.At(cur).NextYoung
		s.mu.Unlock()
		cur = next
	}
}

// RegionSets bundles the free list, old set and humongous set (C2,
// spec.md section 4.2), plus the secondary free list cleanup deposits into
// under its own lock so mutator-visible folding never blocks concurrent
// cleanup.
type RegionSets struct {
	table *RegionTable

	FreeList      *orderedRegionSet
	OldSet        *orderedRegionSet
	HumongousSet  *orderedRegionSet

	secondaryMu   sync.Mutex
	secondaryFree []RegionIndex
}

// NewRegionSets creates the three region sets over table.
func NewRegionSets(table *RegionTable) *RegionSets {
	return &RegionSets{
		table:        table,
		FreeList:     newOrderedRegionSet(table),
		OldSet:       newOrderedRegionSet(table),
		HumongousSet: newOrderedRegionSet(table),
	}
}

// DepositSecondaryFree is called by concurrent cleanup (C6) to return a
// region to the free pool without taking the main free-list lock, so
// mutators allocating from the free list are never blocked by cleanup
// (spec.md section 4.2, section 5 SecondaryFreeList_lock).
func (s *RegionSets) DepositSecondaryFree(idx RegionIndex) {
	s.secondaryMu.Lock()
	s.secondaryFree = append(s.secondaryFree, idx)
	s.secondaryMu.Unlock()
}

// FoldSecondaryFree moves every region deposited since the last fold into
// the main free list. Called at safepoints (pause prologue) or whenever the
// mutator allocation path observes an empty free list.
func (s *RegionSets) FoldSecondaryFree() int {
	s.secondaryMu.Lock()
	pending := s.secondaryFree
	s.secondaryFree = nil
	s.secondaryMu.Unlock()

	for _, idx := range pending {
		r := s.table.At(idx)
		r.resetForReuse(KindFree)
		s.FreeList.AddOrdered(idx)
	}
	return len(pending)
}
