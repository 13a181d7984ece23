package gc

import "testing"

func TestOrderedRegionSet_AddOrderedMaintainsAddressOrder(t *testing.T) {
	table := reserveTestTable(t, 4096, 5)
	set := newOrderedRegionSet(table)

	// Insert out of order; the set must still walk in ascending index order.
	for _, idx := range []RegionIndex{3, 1, 4, 0, 2} {
		set.AddOrdered(idx)
	}
	if got := set.Length(); got != 5 {
		t.Fatalf("Length() = %d, want 5", got)
	}

	var seen []RegionIndex
	set.Iterate(func(idx RegionIndex) bool {
		seen = append(seen, idx)
		return true
	})
	for i, idx := range seen {
		if idx != RegionIndex(i) {
			t.Fatalf("Iterate order = %v, want ascending 0..4", seen)
		}
	}
}

func TestOrderedRegionSet_PopFrontReturnsLowestAddress(t *testing.T) {
	table := reserveTestTable(t, 4096, 3)
	set := newOrderedRegionSet(table)
	set.AddOrdered(2)
	set.AddOrdered(0)
	set.AddOrdered(1)

	if got := set.PopFront(); got != 0 {
		t.Fatalf("PopFront() = %d, want 0", got)
	}
	if got := set.PopFront(); got != 1 {
		t.Fatalf("PopFront() = %d, want 1", got)
	}
	if got := set.PopFront(); got != 2 {
		t.Fatalf("PopFront() = %d, want 2", got)
	}
	if got := set.PopFront(); got != NoRegion {
		t.Fatalf("PopFront() on empty set = %d, want NoRegion", got)
	}
}

func TestOrderedRegionSet_RemoveUnlinksMiddleElement(t *testing.T) {
	table := reserveTestTable(t, 4096, 3)
	set := newOrderedRegionSet(table)
	set.AddOrdered(0)
	set.AddOrdered(1)
	set.AddOrdered(2)

	if !set.Remove(1) {
		t.Fatal("Remove(1) = false, want true")
	}
	if set.Remove(1) {
		t.Fatal("second Remove(1) = true, want false (already removed)")
	}
	if got := set.Length(); got != 2 {
		t.Fatalf("Length() after remove = %d, want 2", got)
	}

	var seen []RegionIndex
	set.Iterate(func(idx RegionIndex) bool {
		seen = append(seen, idx)
		return true
	})
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 2 {
		t.Fatalf("Iterate after remove = %v, want [0 2]", seen)
	}
}

func TestRegionSets_FoldSecondaryFreeMovesDepositsIntoFreeList(t *testing.T) {
	table := reserveTestTable(t, 4096, 2)
	sets := NewRegionSets(table)
	table.At(0).Kind = KindOld
	table.At(1).Kind = KindOld

	sets.DepositSecondaryFree(0)
	sets.DepositSecondaryFree(1)

	if got := sets.FreeList.Length(); got != 0 {
		t.Fatalf("FreeList.Length() before fold = %d, want 0", got)
	}
	if moved := sets.FoldSecondaryFree(); moved != 2 {
		t.Fatalf("FoldSecondaryFree() = %d, want 2", moved)
	}
	if got := sets.FreeList.Length(); got != 2 {
		t.Fatalf("FreeList.Length() after fold = %d, want 2", got)
	}
	if table.At(0).Kind != KindFree {
		t.Fatal("folded region should be reset to KindFree")
	}
}
