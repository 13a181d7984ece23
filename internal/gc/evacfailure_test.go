package gc

import "testing"

func TestBlockOffsetTable_ObjectStartAtOrBeforeFindsClosestStart(t *testing.T) {
	bot := NewBlockOffsetTable()
	for _, addr := range []uintptr{100, 200, 300} {
		bot.RecordObjectStart(0, addr)
	}

	if got, ok := bot.ObjectStartAtOrBefore(0, 250); !ok || got != 200 {
		t.Fatalf("ObjectStartAtOrBefore(250) = (%d, %v), want (200, true)", got, ok)
	}
	if got, ok := bot.ObjectStartAtOrBefore(0, 300); !ok || got != 300 {
		t.Fatalf("ObjectStartAtOrBefore(300) = (%d, %v), want (300, true)", got, ok)
	}
	if _, ok := bot.ObjectStartAtOrBefore(0, 50); ok {
		t.Fatal("ObjectStartAtOrBefore(50) should report not-found: no start at or before 50")
	}
}

func TestBlockOffsetTable_ResetForRegionDropsStarts(t *testing.T) {
	bot := NewBlockOffsetTable()
	bot.RecordObjectStart(1, 10)
	bot.ResetForRegion(1)

	if _, ok := bot.ObjectStartAtOrBefore(1, 10); ok {
		t.Fatal("ResetForRegion should discard all recorded starts")
	}
}

func TestEvacFailureRecovery_RecordFailureTracksCountAndLastFailure(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	bot := NewBlockOffsetTable()
	model := newFixedObjectModel()
	model.put(table.At(0).Bottom, 8)
	recovery := NewEvacFailureRecovery(table, bot, model)

	recovery.RecordFailure(table.At(0).Bottom, 0xCAFE, 0)

	if recovery.FailureCount() != 1 {
		t.Fatalf("FailureCount() = %d, want 1", recovery.FailureCount())
	}
	if !recovery.IsSelfForwarded(table.At(0).Bottom) {
		t.Fatal("IsSelfForwarded should be true for the recorded object")
	}
	if recovery.LastFailure() == nil {
		t.Fatal("LastFailure() should be non-nil after RecordFailure")
	}
	regions := recovery.FailedRegions()
	if len(regions) != 1 || regions[0] != 0 {
		t.Fatalf("FailedRegions() = %v, want [0]", regions)
	}
}

func TestEvacFailureRecovery_RestoreRegionClearsBookkeeping(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	r := table.At(0)
	bot := NewBlockOffsetTable()
	model := newFixedObjectModel()
	obj := r.Bottom
	model.put(obj, 8)
	r.top = r.Bottom + 8
	r.EvacuationFailed = true

	recovery := NewEvacFailureRecovery(table, bot, model)
	recovery.RecordFailure(obj, 0x1, 0)

	var updatedRefs []uintptr
	recovery.RestoreRegion(0, func(from, to uintptr) { updatedRefs = append(updatedRefs, to) })

	if r.EvacuationFailed {
		t.Fatal("RestoreRegion should clear EvacuationFailed")
	}
	if recovery.IsSelfForwarded(obj) {
		t.Fatal("RestoreRegion should clear the self-forwarded bookkeeping for the restored object")
	}
	if len(recovery.FailedRegions()) != 0 {
		t.Fatal("RestoreRegion should remove the region from the failed-regions set")
	}
}

func TestEvacFailureRecovery_ResetClearsEverything(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	bot := NewBlockOffsetTable()
	model := newFixedObjectModel()
	obj := table.At(0).Bottom
	model.put(obj, 8)
	recovery := NewEvacFailureRecovery(table, bot, model)
	recovery.RecordFailure(obj, 0x1, 0)

	recovery.Reset()

	if recovery.FailureCount() != 0 {
		t.Fatal("Reset should zero the failure count")
	}
	if recovery.IsSelfForwarded(obj) {
		t.Fatal("Reset should clear self-forwarded bookkeeping")
	}
	if recovery.LastFailure() != nil {
		t.Fatal("Reset should clear LastFailure")
	}
}

func TestEvacFailureRecovery_PartitionPreservedMarksCoversEveryEntryExactlyOnce(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	bot := NewBlockOffsetTable()
	model := newFixedObjectModel()
	recovery := NewEvacFailureRecovery(table, bot, model)

	for i := 0; i < 10; i++ {
		recovery.RecordFailure(uintptr(i*8), uint64(i), 0)
	}

	partitions := recovery.PartitionPreservedMarks(3)
	if len(partitions) != 3 {
		t.Fatalf("PartitionPreservedMarks(3) returned %d partitions, want 3", len(partitions))
	}
	total := 0
	seen := map[uintptr]bool{}
	for _, part := range partitions {
		total += len(part)
		for _, mark := range part {
			if seen[mark.Object] {
				t.Fatalf("object %d appears in more than one partition", mark.Object)
			}
			seen[mark.Object] = true
		}
	}
	if total != 10 {
		t.Fatalf("partitions cover %d marks in total, want 10", total)
	}
}
