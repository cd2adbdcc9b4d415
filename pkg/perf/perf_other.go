//go:build !linux

package perf

import (
	"fmt"
	"runtime"
)

// DefaultOpener fails on platforms without perf events.
func DefaultOpener(set CounterSet) (Counters, error) {
	return nil, fmt.Errorf("%w: %s: hardware counters are not available on %s", ErrUnsupportedCounterSet, set.Name, runtime.GOOS)
}
