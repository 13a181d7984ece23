package gc

import (
	"sync"
	"time"
)

// ewma is an exponentially-weighted moving average, the statistic the
// teacher's own internal/runtime/gc_avoidance.go uses for its
// allocation-rate sampling (DESIGN.md C8), adapted here for the policy's
// cost model (spec.md section 4.8).
type ewma struct {
	value       float64
	initialized bool
	alpha       float64
}

func newEWMA(alpha float64) *ewma { return &ewma{alpha: alpha} }

func (e *ewma) sample(x float64) {
	if !e.initialized {
		e.value = x
		e.initialized = true
		return
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
}

func (e *ewma) get() float64 { return e.value }

// Policy implements the predictor, IHOP and young-list sizer described in
// spec.md section 4.8, grounded on internal/runtime/gc_avoidance.go /
// gc_avoidance_clean.go's allocation-rate sampling and
// internal/runtime/numa/optimizer.go's periodic-sample Stats style.
type Policy struct {
	mu sync.Mutex

	copyRateMsPerByte  *ewma
	cardRateMsPerCard  *ewma
	constantOverhead   *ewma
	youngOtherMs       *ewma
	nonYoungOtherMs    *ewma
	pendingCardRateMs  *ewma
	survivorRateByAge  map[uint32]*ewma

	ihop *IHOPState
	mmu  *MMUTracker

	regionSize uintptr
}

// NewPolicy constructs a Policy with reasonable default EWMA smoothing
// factors and wires it to heapBytes/ihopPercent for IHOP.
func NewPolicy(regionSize uintptr, heapBytes uint64, ihopPercent int, adaptiveIHOP bool) *Policy {
	return &Policy{
		copyRateMsPerByte: newEWMA(0.3),
		cardRateMsPerCard: newEWMA(0.3),
		constantOverhead:  newEWMA(0.3),
		youngOtherMs:      newEWMA(0.3),
		nonYoungOtherMs:   newEWMA(0.3),
		pendingCardRateMs: newEWMA(0.3),
		survivorRateByAge: make(map[uint32]*ewma),
		ihop:              NewIHOPState(ihopPercent, adaptiveIHOP, heapBytes),
		mmu:               NewMMUTracker(),
		regionSize:        regionSize,
	}
}

// copyBytesPred estimates the bytes that would need copying if r were
// evacuated: for young regions this is simply its current occupancy (every
// live object is presumed to survive into the estimate); for old regions it
// is the marked-live byte count established by the last completed mark.
func (p *Policy) copyBytesPred(r *Region) uint64 {
	if r.Kind == KindOld {
		return r.PrevMarkedBytes
	}
	return uint64(r.Used())
}

func (p *Policy) rsLengthPred(r *Region) uint64 {
	if r.RemSet == nil {
		return 0
	}
	return uint64(r.RemSet.Occupied())
}

// PredictRegionElapsedTimeMs implements spec.md section 4.8's
// predict_region_elapsed_time_ms.
func (p *Policy) PredictRegionElapsedTimeMs(r *Region, forYoungGC bool) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	other := p.nonYoungOtherMs.get()
	if forYoungGC {
		other = p.youngOtherMs.get()
	}
	return float64(p.copyBytesPred(r))*p.copyRateMsPerByte.get() +
		float64(p.rsLengthPred(r))*p.cardRateMsPerCard.get() +
		other
}

// PredictBaseElapsedTimeMs implements predict_base_elapsed_time_ms.
func (p *Policy) PredictBaseElapsedTimeMs(pendingCards uint64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.constantOverhead.get() + float64(pendingCards)*p.pendingCardRateMs.get()
}

// RecordPauseSample folds one completed pause's measurements into the cost
// model's running averages.
func (p *Policy) RecordPauseSample(copyBytes uint64, copyTimeMs float64, rsLength uint64, rsTimeMs float64, constOverheadMs float64, otherMs float64, forYoungGC bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if copyBytes > 0 {
		p.copyRateMsPerByte.sample(copyTimeMs / float64(copyBytes))
	}
	if rsLength > 0 {
		p.cardRateMsPerCard.sample(rsTimeMs / float64(rsLength))
	}
	p.constantOverhead.sample(constOverheadMs)
	if forYoungGC {
		p.youngOtherMs.sample(otherMs)
	} else {
		p.nonYoungOtherMs.sample(otherMs)
	}
}

// RecordSurvivorRate folds in the fraction of age-`age` objects that
// survived one pause, used by the aging table (spec.md section 3 Region
// Age/SurvivorRateGroup).
func (p *Policy) RecordSurvivorRate(age uint32, rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.survivorRateByAge[age]
	if !ok {
		e = newEWMA(0.3)
		p.survivorRateByAge[age] = e
	}
	e.sample(rate)
}

// YoungListTargetLength computes the young-list length whose predicted
// total pause stays at or below targetPauseMs, via binary search over
// candidate lengths (spec.md section 4.8; implementer's choice of
// closed-form vs. search — this uses search; the predicate it tests is
// linear, length * avgRegionCostMs against the budget left after
// basePredictionMs).
func (p *Policy) YoungListTargetLength(targetPauseMs, basePredictionMs float64, avgRegionCostMs float64, minYoung, maxYoung uint32) uint32 {
	if avgRegionCostMs <= 0 {
		avgRegionCostMs = 0.001
	}
	budget := targetPauseMs - basePredictionMs
	if budget < 0 {
		budget = 0
	}

	lo, hi := uint32(0), uint32(budget/avgRegionCostMs)+1
	if maxYoung > 0 && hi > maxYoung {
		hi = maxYoung
	}
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if float64(mid)*avgRegionCostMs <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo < minYoung {
		lo = minYoung
	}
	if maxYoung > 0 && lo > maxYoung {
		lo = maxYoung
	}
	return lo
}

// MMU returns the policy's pause-gap tracker (see SPEC_FULL.md section 4,
// g1MMUTracker).
func (p *Policy) MMU() *MMUTracker { return p.mmu }

// IHOP returns the policy's initiating-heap-occupancy state.
func (p *Policy) IHOP() *IHOPState { return p.ihop }

// IHOPSample is one (alloc_rate, marking_length, alloc_bytes_in_period)
// observation feeding the adaptive IHOP predictor (spec.md section 3).
type IHOPSample struct {
	AllocRateBytesPerMs float64
	MarkingLengthMs     float64
	AllocBytesInPeriod  uint64
}

// IHOPState implements spec.md section 4.8's initiating-heap-occupancy
// policy, static or adaptive.
type IHOPState struct {
	mu sync.Mutex

	heapBytes      uint64
	staticPercent  int
	adaptive       bool
	thresholdBytes uint64
	safetyBufferMs float64

	history []IHOPSample
}

// NewIHOPState builds an IHOP tracker; the static threshold is
// heapBytes*percent/100 and also seeds the adaptive threshold until enough
// samples accumulate.
func NewIHOPState(percent int, adaptive bool, heapBytes uint64) *IHOPState {
	return &IHOPState{
		heapBytes:      heapBytes,
		staticPercent:  percent,
		adaptive:       adaptive,
		thresholdBytes: heapBytes * uint64(percent) / 100,
		safetyBufferMs: 500,
	}
}

// ThresholdBytes returns the current occupancy threshold.
func (s *IHOPState) ThresholdBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholdBytes
}

// RecordSample appends an observation and, in adaptive mode, recomputes the
// threshold from the history's recent averages.
func (s *IHOPState) RecordSample(sample IHOPSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, sample)
	if len(s.history) > 16 {
		s.history = s.history[len(s.history)-16:]
	}
	if s.adaptive {
		s.recomputeLocked()
	}
}

func (s *IHOPState) recomputeLocked() {
	if len(s.history) == 0 {
		return
	}
	var allocRate, markingLen float64
	for _, h := range s.history {
		allocRate += h.AllocRateBytesPerMs
		markingLen += h.MarkingLengthMs
	}
	n := float64(len(s.history))
	allocRate /= n
	markingLen /= n

	if allocRate <= 0 {
		return
	}
	// Bytes the mutator would allocate during marking-length + safety
	// buffer: the threshold must leave at least that much headroom.
	headroom := allocRate * (markingLen + s.safetyBufferMs)
	if headroom > float64(s.heapBytes) {
		headroom = float64(s.heapBytes)
	}
	threshold := uint64(float64(s.heapBytes) - headroom)
	if threshold > s.heapBytes {
		threshold = s.heapBytes
	}
	s.thresholdBytes = threshold
}

// ShouldInitiateMarking decides whether a concurrent cycle should start,
// given the current occupancy (spec.md section 4.8 IHOP).
func (s *IHOPState) ShouldInitiateMarking(currentOccupancyBytes uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return currentOccupancyBytes >= s.thresholdBytes
}

// MMUTracker implements the g1MMUTracker-style sliding-window minimum
// mutator utilization statistic supplemented from original_source/ per
// SPEC_FULL.md section 4.
type MMUTracker struct {
	mu     sync.Mutex
	events []pauseEvent
}

type pauseEvent struct{ start, end time.Time }

// NewMMUTracker creates an empty tracker.
func NewMMUTracker() *MMUTracker { return &MMUTracker{} }

// RecordPause appends one STW pause's [start, end) interval and discards
// history older than any plausible query window (kept bounded at 256
// entries, which comfortably covers the windows G1 typically queries).
func (t *MMUTracker) RecordPause(start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, pauseEvent{start, end})
	if len(t.events) > 256 {
		t.events = t.events[len(t.events)-256:]
	}
}

// MMU returns the minimum mutator utilization over the trailing windowMs,
// measured back from the most recent recorded pause: 1 - (pause time within
// the window / windowMs). Returns 1.0 (no pressure) if there is no history.
func (t *MMUTracker) MMU(windowMs float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return 1.0
	}
	windowEnd := t.events[len(t.events)-1].end
	windowStart := windowEnd.Add(-time.Duration(windowMs) * time.Millisecond)

	var pauseMs float64
	for _, e := range t.events {
		if e.end.Before(windowStart) {
			continue
		}
		s := e.start
		if s.Before(windowStart) {
			s = windowStart
		}
		pauseMs += e.end.Sub(s).Seconds() * 1000
	}
	if pauseMs > windowMs {
		pauseMs = windowMs
	}
	return 1.0 - pauseMs/windowMs
}
