//go:build linux

package perf

import (
	"fmt"
	"runtime"
	"unsafe"

	perfutils "github.com/hodgesds/perf-utils"
	"golang.org/x/sys/unix"
)

func eventAttr(e Event) (unix.PerfEventAttr, error) {
	attr := unix.PerfEventAttr{
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}

	hw := func(config uint64) {
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = config
	}
	cache := func(id, result uint64) {
		attr.Type = unix.PERF_TYPE_HW_CACHE
		attr.Config = id | unix.PERF_COUNT_HW_CACHE_OP_READ<<8 | result<<16
	}
	sw := func(config uint64) {
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = config
	}

	switch e {
	case CPUCycles:
		hw(unix.PERF_COUNT_HW_CPU_CYCLES)
	case Instructions:
		hw(unix.PERF_COUNT_HW_INSTRUCTIONS)
	case CacheReferences:
		hw(unix.PERF_COUNT_HW_CACHE_REFERENCES)
	case CacheMisses:
		hw(unix.PERF_COUNT_HW_CACHE_MISSES)
	case BranchInstructions:
		hw(unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS)
	case BranchMisses:
		hw(unix.PERF_COUNT_HW_BRANCH_MISSES)
	case L1DReadAccess:
		cache(unix.PERF_COUNT_HW_CACHE_L1D, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	case L1DReadMiss:
		cache(unix.PERF_COUNT_HW_CACHE_L1D, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)
	case LLCReadAccess:
		cache(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	case LLCReadMiss:
		cache(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)
	case StalledCyclesFrontend:
		hw(unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND)
	case StalledCyclesBackend:
		hw(unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND)
	case TaskClock:
		sw(unix.PERF_COUNT_SW_TASK_CLOCK)
	case PageFaults:
		sw(unix.PERF_COUNT_SW_PAGE_FAULTS)
	case ContextSwitches:
		sw(unix.PERF_COUNT_SW_CONTEXT_SWITCHES)
	case CPUMigrations:
		sw(unix.PERF_COUNT_SW_CPU_MIGRATIONS)
	default:
		return attr, fmt.Errorf("no perf event for %s", e)
	}
	return attr, nil
}

// groupCounters counts a set as one perf event group on the OS thread that
// opened it. The goroutine stays locked to that thread until Close.
type groupCounters struct {
	profiler perfutils.GroupProfiler
	value    perfutils.GroupProfileValue
}

// DefaultOpener opens a perf event group for the calling thread.
func DefaultOpener(set CounterSet) (Counters, error) {
	attrs := make([]unix.PerfEventAttr, 0, set.Len())
	for _, e := range set.Events {
		attr, err := eventAttr(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedCounterSet, err)
		}
		attrs = append(attrs, attr)
	}

	runtime.LockOSThread()
	// pid 0 and cpu -1 count the calling thread on any CPU.
	profiler, err := perfutils.NewGroupProfiler(0, -1, 0, attrs...)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedCounterSet, set.Name, err)
	}
	return &groupCounters{profiler: profiler}, nil
}

func (g *groupCounters) Start() error {
	if err := g.profiler.Reset(); err != nil {
		return err
	}
	return g.profiler.Start()
}

func (g *groupCounters) Stop() error {
	return g.profiler.Stop()
}

func (g *groupCounters) Read() ([]uint64, error) {
	if err := g.profiler.Profile(&g.value); err != nil {
		return nil, err
	}
	out := make([]uint64, len(g.value.Values))
	copy(out, g.value.Values)
	return out, nil
}

func (g *groupCounters) Close() error {
	defer runtime.UnlockOSThread()
	return g.profiler.Close()
}
