package gc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/orizon/internal/gc/gcerrors"
	"github.com/orizon-lang/orizon/internal/runtime/concurrency"
)

// RegionIndex is a dense region identifier in [0, maxRegions).
type RegionIndex uint32

// NoRegion is the sentinel "no region" index, used in place of a null
// pointer for the intrusive chains (Region.NextYoung, NextInCollectionSet).
const NoRegion RegionIndex = ^RegionIndex(0)

// RegionKind is the role a region plays at a point in time (spec.md section 3).
type RegionKind uint8

const (
	KindFree RegionKind = iota
	KindEden
	KindSurvivor
	KindOld
	KindStartsHumongous
	KindContinuesHumongous
	KindArchive
)

func (k RegionKind) String() string {
	switch k {
	case KindFree:
		return "Free"
	case KindEden:
		return "Eden"
	case KindSurvivor:
		return "Survivor"
	case KindOld:
		return "Old"
	case KindStartsHumongous:
		return "StartsHumongous"
	case KindContinuesHumongous:
		return "ContinuesHumongous"
	case KindArchive:
		return "Archive"
	default:
		return "Unknown"
	}
}

// RemSet is the opaque per-region remembered set: the spec (section 1)
// treats write barriers, SATB logging and rset internals as external
// collaborators. The default implementation adapts
// internal/runtime/concurrency/lfmap.go's lock-free map into a concurrent
// set of referring addresses, since rset population races with mutator
// writes and must not block them.
type RemSet interface {
	Occupied() int
	Clear()
	AddReference(from uintptr)
	CleanStrongCodeRoots()
	ResetForParIteration()
}

type lockFreeRemSet struct {
	refs  *concurrency.LockFreeMap[uintptr, struct{}]
	count int64
}

// NewRemSet returns the default RemSet implementation.
func NewRemSet() RemSet {
	return &lockFreeRemSet{
		refs: concurrency.NewLockFreeMap[uintptr, struct{}](64, func(k uintptr) uint64 { return uint64(k) }),
	}
}

func (r *lockFreeRemSet) Occupied() int { return int(atomic.LoadInt64(&r.count)) }

func (r *lockFreeRemSet) Clear() {
	r.refs.Range(func(k uintptr, _ struct{}) bool {
		if r.refs.Delete(k) {
			atomic.AddInt64(&r.count, -1)
		}
		return true
	})
}

func (r *lockFreeRemSet) AddReference(from uintptr) {
	if _, existed := r.refs.LoadOrStore(from, struct{}{}); !existed {
		atomic.AddInt64(&r.count, 1)
	}
}

func (r *lockFreeRemSet) CleanStrongCodeRoots()  {}
func (r *lockFreeRemSet) ResetForParIteration()  {}

// Region is the unit of allocation, reclamation and remembered-set
// granularity (spec.md section 3).
type Region struct {
	Index RegionIndex
	Bottom uintptr
	End    uintptr
	// Top is the current bump-pointer allocation frontier; written by a
	// single mutator/worker at a time via CAS (see AllocRegionManager).
	top uintptr

	Kind RegionKind

	PrevTAMS uintptr
	NextTAMS uintptr

	PrevMarkedBytes uint64
	NextMarkedBytes uint64

	RemSet RemSet

	Age                uint32
	SurvivorRateGroup  int

	EvacuationFailed  bool
	InCollectionSet   bool

	// HumongousStart indexes the StartsHumongous region of the run this
	// region belongs to, for ContinuesHumongous regions; NoRegion otherwise.
	HumongousStart   RegionIndex
	HumongousRunLen  uint32 // only meaningful on a StartsHumongous region

	// Intrusive chain pointers replacing the teacher's next_young /
	// next_in_collection_set raw pointers (Design Notes, spec.md section 9).
	NextYoung          RegionIndex
	NextInCollectionSet RegionIndex
}

// Top returns the current allocation frontier.
func (r *Region) Top() uintptr { return atomic.LoadUintptr(&r.top) }

// Used returns the number of bytes allocated in the region so far.
func (r *Region) Used() uintptr { return r.Top() - r.Bottom }

// Free returns the number of bytes remaining before End.
func (r *Region) Free() uintptr { return r.End - r.Top() }

// IsArchive reports whether the region is archive memory, which is excluded
// from liveness tests and humongous reclaim (spec.md section 9).
func (r *Region) IsArchive() bool { return r.Kind == KindArchive }

// IsHumongous reports whether the region is part of a humongous object run.
func (r *Region) IsHumongous() bool {
	return r.Kind == KindStartsHumongous || r.Kind == KindContinuesHumongous
}

// bumpAllocate attempts a lock-free bump allocation of size bytes, returning
// the old top on success. This is step 1 of the mutator path (spec.md
// section 4.3).
func (r *Region) bumpAllocate(size uintptr) (uintptr, bool) {
	for {
		old := atomic.LoadUintptr(&r.top)
		next := old + size
		if next > r.End {
			return 0, false
		}
		if atomic.CompareAndSwapUintptr(&r.top, old, next) {
			return old, true
		}
	}
}

// resetForReuse prepares a freed region to be handed out again.
func (r *Region) resetForReuse(kind RegionKind) {
	atomic.StoreUintptr(&r.top, r.Bottom)
	r.Kind = kind
	r.PrevTAMS = r.Bottom
	r.NextTAMS = r.Bottom
	r.PrevMarkedBytes = 0
	r.NextMarkedBytes = 0
	r.EvacuationFailed = false
	r.InCollectionSet = false
	r.HumongousStart = NoRegion
	r.HumongousRunLen = 0
	r.NextYoung = NoRegion
	r.NextInCollectionSet = NoRegion
	if r.RemSet != nil {
		r.RemSet.Clear()
	}
}

// RegionTable maps addresses to regions and manages commit/expand/shrink of
// the reserved heap (C1, spec.md section 4.1).
type RegionTable struct {
	space addressSpace

	regionSize  uintptr
	regionShift uint

	maxRegions uint32

	// mu is the Heap_lock from spec.md section 5: it serializes region
	// install, commit and shrink.
	mu        sync.Mutex
	regions   []Region // dense, index == RegionIndex; len == maxRegions, zero-value until committed
	available []uint32 // bitset-by-uint32-words of which indices are committed
	committed uint32
}

// ReserveRegionTable reserves bytes of virtual address space and divides it
// into regionSize-byte regions. No regions are committed yet.
func ReserveRegionTable(bytes uintptr, regionSize uintptr) (*RegionTable, error) {
	if regionSize == 0 || regionSize&(regionSize-1) != 0 {
		return nil, fmt.Errorf("gc: region size %d must be a power of two", regionSize)
	}
	maxRegions := uint32(bytes / regionSize)
	if maxRegions == 0 {
		return nil, fmt.Errorf("gc: reservation too small for one region")
	}
	space, err := newAddressSpace(uintptr(maxRegions) * regionSize)
	if err != nil {
		return nil, err
	}

	shift := uint(0)
	for (uintptr(1) << shift) < regionSize {
		shift++
	}

	rt := &RegionTable{
		space:       space,
		regionSize:  regionSize,
		regionShift: shift,
		maxRegions:  maxRegions,
		regions:     make([]Region, maxRegions),
		available:   make([]uint32, (maxRegions+31)/32),
	}
	return rt, nil
}

// RegionSize returns the fixed region size in bytes.
func (rt *RegionTable) RegionSize() uintptr { return rt.regionSize }

// MaxRegions returns the total number of regions the reservation can hold.
func (rt *RegionTable) MaxRegions() uint32 { return rt.maxRegions }

// CommittedCount returns how many regions are currently committed.
func (rt *RegionTable) CommittedCount() uint32 { return atomic.LoadUint32(&rt.committed) }

// Expand commits physical pages for up to numRegions more regions and
// publishes Region objects for them. It may commit fewer than requested; the
// actual count is returned (spec.md section 4.1, section 7 CommitFailure).
func (rt *RegionTable) Expand(numRegions uint32) (uint32, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	start := rt.committed
	end := start + numRegions
	if end > rt.maxRegions {
		end = rt.maxRegions
	}
	if end <= start {
		return 0, nil
	}

	offset := uintptr(start) * rt.regionSize
	length := uintptr(end-start) * rt.regionSize
	if err := rt.space.commit(offset, length); err != nil {
		// Soft failure: report how far we got (zero, since this whole
		// range failed) rather than propagating the OS error directly.
		return 0, gcerrors.CommitFailure(numRegions, 0)
	}

	base := rt.space.base()
	for i := start; i < end; i++ {
		bottom := base + uintptr(i)*rt.regionSize
		rt.regions[i] = Region{
			Index:           RegionIndex(i),
			Bottom:          bottom,
			End:             bottom + rt.regionSize,
			Kind:            KindFree,
			HumongousStart:  NoRegion,
			NextYoung:       NoRegion,
			NextInCollectionSet: NoRegion,
			RemSet:          NewRemSet(),
		}
		rt.regions[i].top = bottom
		rt.markAvailable(RegionIndex(i))
	}
	atomic.StoreUint32(&rt.committed, end)
	return end - start, nil
}

// ShrinkBy uncommits up to num trailing fully-free regions.
func (rt *RegionTable) ShrinkBy(num uint32) uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	freed := uint32(0)
	for freed < num && rt.committed > 0 {
		idx := rt.committed - 1
		r := &rt.regions[idx]
		if r.Kind != KindFree {
			break
		}
		offset := uintptr(idx) * rt.regionSize
		if err := rt.space.uncommit(offset, rt.regionSize); err != nil {
			break
		}
		rt.clearAvailable(RegionIndex(idx))
		rt.committed--
		freed++
	}
	return freed
}

func (rt *RegionTable) markAvailable(idx RegionIndex) {
	rt.available[idx/32] |= 1 << (idx % 32)
}

func (rt *RegionTable) clearAvailable(idx RegionIndex) {
	rt.available[idx/32] &^= 1 << (idx % 32)
}

// IsAvailable reports whether index names a committed region.
func (rt *RegionTable) IsAvailable(idx RegionIndex) bool {
	if uint32(idx) >= rt.maxRegions {
		return false
	}
	return rt.available[idx/32]&(1<<(idx%32)) != 0
}

// At returns the region at index. Precondition: IsAvailable(index); an
// unavailable index is a programming error (spec.md section 4.1).
func (rt *RegionTable) At(idx RegionIndex) *Region {
	gcerrors.Check(rt.IsAvailable(idx), "region %d not available", idx)
	return &rt.regions[idx]
}

// HeapRegionContaining returns the region owning addr via pointer/index
// arithmetic, valid for committed or uncommitted addresses within the
// reservation; callers must separately check availability (spec.md 4.1).
func (rt *RegionTable) HeapRegionContaining(addr uintptr) *Region {
	base := rt.space.base()
	idx := RegionIndex((addr - base) >> rt.regionShift)
	return &rt.regions[idx]
}

// IndexOf returns the dense index for addr without dereferencing a Region.
func (rt *RegionTable) IndexOf(addr uintptr) RegionIndex {
	base := rt.space.base()
	return RegionIndex((addr - base) >> rt.regionShift)
}

// Base returns the start address of the reservation.
func (rt *RegionTable) Base() uintptr { return rt.space.base() }

// Backing exposes the reservation's backing storage, used by allocation
// paths that need a real []byte to write into (demo/test harnesses only;
// production object layout is a host concern per spec.md section 1).
func (rt *RegionTable) Backing() []byte { return rt.space.slice() }

// Release gives back the entire reservation. Only safe once the collector
// is fully shut down.
func (rt *RegionTable) Release() error { return rt.space.release() }
