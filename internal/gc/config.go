// Package gc implements the core of a Garbage-First style collector:
// region lifecycle and allocation, incremental collection-set construction,
// concurrent SATB marking, evacuation-failure recovery, and the pause-time
// prediction policy that drives them. See SPEC_FULL.md for the full
// component breakdown.
package gc

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
)

// schemaConstraint is the tunables-file schema range this build understands.
// Bumped only when a breaking change is made to the Tunables JSON shape.
var schemaConstraint = semver.MustParse("1.0.0")

// Tunables is the external flag/tunable surface from spec.md section 6.
// Field names mirror the spec's flag names; JSON tags use the spec's
// snake_case so a tunables file can be edited by hand.
type Tunables struct {
	SchemaVersion string `json:"schema_version"`

	RegionSizeBytes             uint64 `json:"region_size_bytes"`
	MaxHeapBytes                uint64 `json:"max_heap_bytes"`
	InitialHeapBytes            uint64 `json:"initial_heap_bytes"`
	ParallelWorkers             int    `json:"parallel_workers"`
	MaxPauseMillis              uint64 `json:"max_pause_millis"`
	HeapWastePercent            int    `json:"heap_waste_percent"`
	IHOPPercent                 int    `json:"ihop_percent"`
	AdaptiveIHOP                bool   `json:"adaptive_ihop"`
	SurvivorAlignmentBytes      uint64 `json:"survivor_alignment_bytes"`
	ConcMarkInitiatesOnSystemGC bool   `json:"conc_mark_initiates_on_system_gc"`

	MinYoungLength uint32 `json:"min_young_length"`
	MaxYoungLength uint32 `json:"max_young_length"`

	MinOldCSetLength uint32 `json:"min_old_cset_length"`
	MaxOldCSetLength uint32 `json:"max_old_cset_length"`

	MaxTenuringThreshold uint32 `json:"max_tenuring_threshold"`
}

// DefaultTunables mirrors the defaults a JVM-style G1 would ship with,
// scaled to sizes convenient for tests.
func DefaultTunables() *Tunables {
	return &Tunables{
		SchemaVersion:               "1.0.0",
		RegionSizeBytes:             1 << 20, // 1 MiB
		MaxHeapBytes:                256 << 20,
		InitialHeapBytes:            64 << 20,
		ParallelWorkers:             4,
		MaxPauseMillis:              200,
		HeapWastePercent:            5,
		IHOPPercent:                 45,
		AdaptiveIHOP:                true,
		SurvivorAlignmentBytes:      0,
		ConcMarkInitiatesOnSystemGC: true,
		MinYoungLength:              1,
		MaxYoungLength:              0, // 0 => unbounded by sizer, bounded only by heap
		MinOldCSetLength:            0,
		MaxOldCSetLength:            0, // 0 => chooser decides only from waste/time budget
		MaxTenuringThreshold:        15,
	}
}

// validate checks the schema version and bounds the obviously-invalid
// fields; it never mutates the receiver.
func (t *Tunables) validate() error {
	v, err := semver.NewVersion(t.SchemaVersion)
	if err != nil {
		return fmt.Errorf("gc: invalid tunables schema_version %q: %w", t.SchemaVersion, err)
	}
	if v.Major() != schemaConstraint.Major() {
		return fmt.Errorf("gc: tunables schema major version %d unsupported, expect %d", v.Major(), schemaConstraint.Major())
	}
	if t.RegionSizeBytes == 0 || t.RegionSizeBytes&(t.RegionSizeBytes-1) != 0 {
		return fmt.Errorf("gc: region_size_bytes must be a power of two, got %d", t.RegionSizeBytes)
	}
	if t.RegionSizeBytes < 1<<20 || t.RegionSizeBytes > 32<<20 {
		return fmt.Errorf("gc: region_size_bytes %d out of range [1MiB, 32MiB]", t.RegionSizeBytes)
	}
	if t.ParallelWorkers <= 0 {
		return fmt.Errorf("gc: parallel_workers must be positive")
	}
	return nil
}

// LoadTunables reads and validates a tunables file from disk.
func LoadTunables(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := DefaultTunables()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("gc: parsing tunables file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// TunablesWatcher holds a live, atomically-swappable *Tunables loaded from
// disk and reloaded on write events, grounded on
// internal/runtime/vfs/watch_fsnotify.go's use of fsnotify to watch files
// the runtime does not own exclusively.
type TunablesWatcher struct {
	path    string
	current atomic.Pointer[Tunables]
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTunablesWatcher loads path once and begins watching it for changes.
// A malformed reload is logged (via the onError callback, which may be nil)
// and the previously-loaded Tunables are kept — a bad edit must never leave
// the collector without a valid configuration.
func NewTunablesWatcher(path string, onError func(error)) (*TunablesWatcher, error) {
	initial, err := LoadTunables(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gc: creating tunables watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("gc: watching tunables file %s: %w", path, err)
	}

	tw := &TunablesWatcher{
		path:    path,
		watcher: w,
		done:    make(chan struct{}),
	}
	tw.current.Store(initial)

	tw.wg.Add(1)
	go tw.run(onError)
	return tw, nil
}

func (tw *TunablesWatcher) run(onError func(error)) {
	defer tw.wg.Done()
	for {
		select {
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := LoadTunables(tw.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			tw.current.Store(reloaded)
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-tw.done:
			return
		}
	}
}

// Current returns the most recently successfully loaded Tunables. Safe for
// concurrent use; the returned value must be treated as immutable.
func (tw *TunablesWatcher) Current() *Tunables {
	return tw.current.Load()
}

// Close stops the watcher goroutine.
func (tw *TunablesWatcher) Close() error {
	close(tw.done)
	err := tw.watcher.Close()
	tw.wg.Wait()
	return err
}
