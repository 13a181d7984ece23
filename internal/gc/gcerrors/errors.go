// Package gcerrors defines the error kinds the collector core can surface.
//
// Most GC failure modes are recovered locally (heap lock retry, self-forward
// and evacuation-failure recovery, mark-stack overflow replay) and never
// reach a caller. Allocation exhaustion and humongous-allocation exhaustion
// propagate out to allocating callers, per spec.md section 7; a commit
// failure is returned to the caller of RegionTable.Expand.
package gcerrors

import (
	"fmt"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
)

// AllocationFailure reports that the mutator allocation path could not
// satisfy a request. It is returned as soon as no free region is available;
// no collection is attempted first.
func AllocationFailure(wordSize uintptr, reason string) *orizonerrors.StandardError {
	return orizonerrors.NewStandardError(orizonerrors.CategoryGCAlloc, "ALLOCATION_FAILURE",
		fmt.Sprintf("could not allocate %d words: %s", wordSize, reason),
		map[string]interface{}{"word_size": wordSize, "reason": reason})
}

// EvacuationFailure reports a per-object copy failure during a pause. It is
// not fatal: the caller self-forwards the object and continues. Kept as a
// typed value purely so gctrace can aggregate first/smallest/total sizes
// per spec.md section 6.
func EvacuationFailure(objectWords uintptr, regionIndex uint32) *orizonerrors.StandardError {
	return orizonerrors.NewStandardError(orizonerrors.CategoryGCEvac, "EVACUATION_FAILURE",
		fmt.Sprintf("evacuation failed for %d-word object in region %d", objectWords, regionIndex),
		map[string]interface{}{"object_words": objectWords, "region_index": regionIndex})
}

// HumongousAllocationFailure reports that no contiguous free run of the
// requested length exists. It is returned at once: no concurrent cycle is
// scheduled and the request is not retried.
func HumongousAllocationFailure(regionsNeeded uint32) *orizonerrors.StandardError {
	return orizonerrors.NewStandardError(orizonerrors.CategoryGCHumongous, "HUMONGOUS_ALLOCATION_FAILURE",
		fmt.Sprintf("no contiguous run of %d free regions available", regionsNeeded),
		map[string]interface{}{"regions_needed": regionsNeeded})
}

// MarkStackOverflow is recorded in concurrent-mark statistics only; it is
// never returned to a mutator. Constructing one is a bookkeeping action,
// not a propagated error.
func MarkStackOverflow(workerID int) *orizonerrors.StandardError {
	return orizonerrors.NewStandardError(orizonerrors.CategoryGCMark, "MARK_STACK_OVERFLOW",
		fmt.Sprintf("worker %d overflowed the global mark stack", workerID),
		map[string]interface{}{"worker_id": workerID})
}

// CommitFailure reports that RegionTable.Expand committed fewer regions
// than requested. The caller treats this as a soft failure.
func CommitFailure(requested, committed uint32) *orizonerrors.StandardError {
	return orizonerrors.NewStandardError(orizonerrors.CategoryGCCommit, "COMMIT_FAILURE",
		fmt.Sprintf("committed %d of %d requested regions", committed, requested),
		map[string]interface{}{"requested": requested, "committed": committed})
}
