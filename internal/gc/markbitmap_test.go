package gc

import "testing"

func TestMarkBitmap_ParMarkIsOneShot(t *testing.T) {
	bm := NewMarkBitmap(0x1000, 4096)
	addr := uintptr(0x1000 + 8*5)

	if !bm.ParMark(addr) {
		t.Fatal("first ParMark should succeed")
	}
	if bm.ParMark(addr) {
		t.Fatal("second ParMark on the same address should report already-marked")
	}
	if !bm.IsMarked(addr) {
		t.Fatal("IsMarked should be true after ParMark")
	}
}

func TestMarkBitmap_IterateVisitsInAscendingOrder(t *testing.T) {
	bm := NewMarkBitmap(0, 4096)
	marked := []uintptr{8, 24, 400, 4000}
	for _, a := range marked {
		bm.ParMark(a)
	}

	var seen []uintptr
	bm.Iterate(0, 4096, func(addr uintptr) bool {
		seen = append(seen, addr)
		return true
	})
	if len(seen) != len(marked) {
		t.Fatalf("Iterate saw %d addresses, want %d", len(seen), len(marked))
	}
	for i, a := range marked {
		if seen[i] != a {
			t.Fatalf("seen[%d] = %d, want %d", i, seen[i], a)
		}
	}
}

func TestMarkBitmap_IterateStopsEarly(t *testing.T) {
	bm := NewMarkBitmap(0, 4096)
	bm.ParMark(8)
	bm.ParMark(16)
	bm.ParMark(24)

	var count int
	bm.Iterate(0, 4096, func(addr uintptr) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Iterate visited %d addresses after false, want 1", count)
	}
}

func TestMarkBitmap_ClearRangeUnmarksOnlyRequestedRange(t *testing.T) {
	bm := NewMarkBitmap(0, 4096)
	bm.ParMark(8)
	bm.ParMark(2000)

	bm.ClearRange(0, 1024)

	if bm.IsMarked(8) {
		t.Fatal("ClearRange should have unmarked address 8")
	}
	if !bm.IsMarked(2000) {
		t.Fatal("ClearRange should not affect address 2000, outside the range")
	}
}

func TestMarkBitmap_CountMarkedBytesSumsSizerResults(t *testing.T) {
	bm := NewMarkBitmap(0, 4096)
	bm.ParMark(8)
	bm.ParMark(16)

	sizer := func(addr uintptr) uintptr { return 8 }
	total := bm.CountMarkedBytes(0, 4096, sizer)
	if total != 16 {
		t.Fatalf("CountMarkedBytes = %d, want 16", total)
	}
}

func TestMarkBitmaps_SwapExchangesPrevAndNext(t *testing.T) {
	mm := NewMarkBitmaps(0, 4096)
	prevBefore := mm.Prev()
	nextBefore := mm.Next()

	mm.Swap()

	if mm.Prev() != nextBefore {
		t.Fatal("Swap should move the old next bitmap into Prev")
	}
	if mm.Next() != prevBefore {
		t.Fatal("Swap should move the old prev bitmap into Next")
	}
}

func TestMarkBitmaps_IsObjDeadUnmarkedAndBeforeTAMS(t *testing.T) {
	mm := NewMarkBitmaps(0, 4096)
	r := &Region{Bottom: 0, End: 4096, PrevTAMS: 100, Kind: KindOld}

	if !mm.IsObjDead(50, r) {
		t.Fatal("object below PrevTAMS and unmarked should be dead")
	}
	if mm.IsObjDead(150, r) {
		t.Fatal("object allocated after PrevTAMS (implicitly live) should not be dead")
	}

	mm.Prev().ParMark(50)
	if mm.IsObjDead(50, r) {
		t.Fatal("marked object should not be dead")
	}
}

func TestMarkBitmaps_IsObjDeadArchiveRegionAlwaysLive(t *testing.T) {
	mm := NewMarkBitmaps(0, 4096)
	r := &Region{Bottom: 0, End: 4096, PrevTAMS: 100, Kind: KindArchive}

	if mm.IsObjDead(10, r) {
		t.Fatal("archive regions must never report an object as dead")
	}
}
