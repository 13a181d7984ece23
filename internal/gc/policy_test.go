package gc

import (
	"testing"
	"time"
)

func TestEWMA_FirstSampleSeedsValue(t *testing.T) {
	e := newEWMA(0.5)
	e.sample(10)
	if got := e.get(); got != 10 {
		t.Fatalf("get() after first sample = %v, want 10", got)
	}
	e.sample(20)
	if got := e.get(); got != 15 {
		t.Fatalf("get() after second sample = %v, want 15", got)
	}
}

func TestPolicy_PredictRegionElapsedTimeMsUsesMarkedBytesForOld(t *testing.T) {
	p := NewPolicy(4096, 1<<20, 45, false)
	p.RecordPauseSample(1000, 10, 100, 5, 1, 2, true)

	old := &Region{Kind: KindOld, PrevMarkedBytes: 500, RemSet: NewRemSet()}
	young := &Region{Kind: KindEden, RemSet: NewRemSet()}
	young.top = young.Bottom + 200

	oldMs := p.PredictRegionElapsedTimeMs(old, false)
	youngMs := p.PredictRegionElapsedTimeMs(young, true)

	if oldMs <= 0 {
		t.Fatal("old-region prediction should be positive once a sample has been recorded")
	}
	if youngMs <= 0 {
		t.Fatal("young-region prediction should be positive once a sample has been recorded")
	}
}

func TestPolicy_YoungListTargetLengthRespectsBudgetAndBounds(t *testing.T) {
	p := NewPolicy(4096, 1<<20, 45, false)

	got := p.YoungListTargetLength(100, 10, 5, 2, 30)
	// budget = 90, avgCost=5 => up to 18 regions fit, bounded to [2,30].
	if got < 2 || got > 30 {
		t.Fatalf("YoungListTargetLength = %d, out of bounds [2,30]", got)
	}
	if float64(got)*5 > 90 {
		t.Fatalf("YoungListTargetLength = %d exceeds the pause budget", got)
	}
}

func TestPolicy_YoungListTargetLengthNeverBelowMinimum(t *testing.T) {
	p := NewPolicy(4096, 1<<20, 45, false)
	got := p.YoungListTargetLength(1, 100, 50, 3, 0)
	if got != 3 {
		t.Fatalf("YoungListTargetLength with exhausted budget = %d, want the minimum 3", got)
	}
}

func TestIHOPState_StaticThresholdIsPercentOfHeap(t *testing.T) {
	s := NewIHOPState(50, false, 1000)
	if got := s.ThresholdBytes(); got != 500 {
		t.Fatalf("ThresholdBytes() = %d, want 500", got)
	}
	if s.ShouldInitiateMarking(400) {
		t.Fatal("occupancy below threshold should not initiate marking")
	}
	if !s.ShouldInitiateMarking(600) {
		t.Fatal("occupancy above threshold should initiate marking")
	}
}

func TestIHOPState_AdaptiveRecomputesFromHistory(t *testing.T) {
	s := NewIHOPState(45, true, 1<<20)
	before := s.ThresholdBytes()

	s.RecordSample(IHOPSample{AllocRateBytesPerMs: 1000, MarkingLengthMs: 50, AllocBytesInPeriod: 50000})
	after := s.ThresholdBytes()

	if after == before && before == (1<<20)*45/100 {
		t.Fatal("adaptive mode should recompute the threshold away from the static seed once a sample arrives")
	}
	if after > uint64(1<<20) {
		t.Fatal("adaptive threshold must never exceed the heap size")
	}
}

func TestMMUTracker_NoHistoryReturnsFullUtilization(t *testing.T) {
	m := NewMMUTracker()
	if got := m.MMU(1000); got != 1.0 {
		t.Fatalf("MMU() with no history = %v, want 1.0", got)
	}
}

func TestMMUTracker_ComputesUtilizationOverWindow(t *testing.T) {
	m := NewMMUTracker()
	base := time.Unix(0, 0)
	m.RecordPause(base, base.Add(100*time.Millisecond))
	m.RecordPause(base.Add(500*time.Millisecond), base.Add(600*time.Millisecond))

	// Window of 1000ms ending at the last pause's end (600ms): total pause
	// time within the window is 200ms, so utilization should be 0.8.
	got := m.MMU(1000)
	if got < 0.79 || got > 0.81 {
		t.Fatalf("MMU(1000) = %v, want ~0.8", got)
	}
}
