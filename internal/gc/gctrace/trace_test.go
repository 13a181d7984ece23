package gctrace

import "testing"

func TestTracer_DisabledRecordsNothing(t *testing.T) {
	tr := NewTracer(false)
	tr.RecordPause(PauseEvent{Cause: "x"})
	tr.RecordCycle(CycleEvent{Phase: PhaseRemark})
	tr.RecordEvacFailure(EvacFailureEvent{RegionIndex: 1})

	snap := tr.Snapshot()
	if len(snap.Pauses) != 0 || len(snap.Cycles) != 0 || len(snap.EvacFailures) != 0 {
		t.Fatal("a disabled tracer should record nothing")
	}
}

func TestTracer_EnabledRecordsEvents(t *testing.T) {
	tr := NewTracer(true)
	tr.RecordPause(PauseEvent{Cause: "G1EvacuationPause", RegionsEvacuated: 3})
	tr.RecordCycle(CycleEvent{Phase: PhaseInitialMark})
	tr.RecordEvacFailure(EvacFailureEvent{RegionIndex: 2})

	snap := tr.Snapshot()
	if len(snap.Pauses) != 1 || snap.Pauses[0].RegionsEvacuated != 3 {
		t.Fatalf("Pauses = %+v, want one entry with RegionsEvacuated=3", snap.Pauses)
	}
	if len(snap.Cycles) != 1 || snap.Cycles[0].Phase != PhaseInitialMark {
		t.Fatalf("Cycles = %+v, want one PhaseInitialMark entry", snap.Cycles)
	}
	if len(snap.EvacFailures) != 1 || snap.EvacFailures[0].RegionIndex != 2 {
		t.Fatalf("EvacFailures = %+v, want one entry with RegionIndex=2", snap.EvacFailures)
	}
}

func TestTracer_SetEnabledTogglesAtRuntime(t *testing.T) {
	tr := NewTracer(false)
	if tr.IsEnabled() {
		t.Fatal("IsEnabled should start false")
	}
	tr.SetEnabled(true)
	if !tr.IsEnabled() {
		t.Fatal("IsEnabled should be true after SetEnabled(true)")
	}
	tr.RecordPause(PauseEvent{Cause: "x"})
	if len(tr.Snapshot().Pauses) != 1 {
		t.Fatal("events recorded after enabling should appear in the snapshot")
	}
}

func TestTracer_RingBufferDropsOldestBeyondCapacity(t *testing.T) {
	tr := NewTracer(true)
	tr.capacity = 3
	for i := 0; i < 5; i++ {
		tr.RecordCycle(CycleEvent{TimestampUnixNano: int64(i)})
	}
	snap := tr.Snapshot()
	if len(snap.Cycles) != 3 {
		t.Fatalf("len(Cycles) = %d, want 3 (bounded capacity)", len(snap.Cycles))
	}
	if snap.Cycles[0].TimestampUnixNano != 2 {
		t.Fatalf("oldest surviving event has timestamp %d, want 2 (the two oldest should be dropped)", snap.Cycles[0].TimestampUnixNano)
	}
}

func TestTracer_SnapshotIsIndependentOfFutureRecords(t *testing.T) {
	tr := NewTracer(true)
	tr.RecordPause(PauseEvent{Cause: "first"})
	snap := tr.Snapshot()

	tr.RecordPause(PauseEvent{Cause: "second"})

	if len(snap.Pauses) != 1 {
		t.Fatal("a previously taken snapshot must not observe later records")
	}
}
