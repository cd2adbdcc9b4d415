// Package perftest provides a deterministic counter backend for tests.
package perftest

import (
	"errors"
	"sync"

	"github.com/pocket-bench/pocket/pkg/perf"
)

// Backend hands out fake counters. The k-th started session (1-based)
// reports Step*k*(i+1) for the i-th counter of its set, so the first
// session on a two-counter set reads [1024, 2048] with the default step.
type Backend struct {
	mu      sync.Mutex
	Step    uint64
	starts  uint64
	opened  int
	closed  int
	running int

	// Failure injection. A non-nil error is returned by the matching call.
	OpenErr  error
	StartErr error
	StopErr  error
	ReadErr  error
	CloseErr error
}

// New returns a backend with a step of 1024.
func New() *Backend {
	return &Backend{Step: 1024}
}

// Open implements perf.Opener.
func (b *Backend) Open(set perf.CounterSet) (perf.Counters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	b.opened++
	return &counters{b: b, set: set}, nil
}

// Opened is the number of counter groups opened.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Live is the number of counter groups opened and not yet closed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened - b.closed
}

// Running is the number of counter groups currently counting.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

type counters struct {
	b       *Backend
	set     perf.CounterSet
	values  []uint64
	running bool
	closed  bool
}

var errClosed = errors.New("perftest: counters closed")

func (c *counters) Start() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.b.StartErr != nil {
		return c.b.StartErr
	}
	c.b.starts++
	c.b.running++
	c.running = true
	k := c.b.starts
	c.values = make([]uint64, c.set.Len())
	for i := range c.values {
		c.values[i] = c.b.Step * k * uint64(i+1)
	}
	return nil
}

func (c *counters) Stop() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.running {
		c.running = false
		c.b.running--
	}
	return c.b.StopErr
}

func (c *counters) Read() ([]uint64, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.ReadErr != nil {
		return nil, c.b.ReadErr
	}
	out := make([]uint64, len(c.values))
	copy(out, c.values)
	return out, nil
}

func (c *counters) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.closed = true
	c.b.closed++
	if c.running {
		c.running = false
		c.b.running--
	}
	return c.b.CloseErr
}
