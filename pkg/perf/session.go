package perf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pocket-bench/pocket/pkg/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrInvalidState is a lifecycle violation, such as Read before Stop.
	ErrInvalidState = errors.New("invalid counter session state")
	// ErrUnsupportedCounterSet means the id is unknown or the host cannot count it.
	ErrUnsupportedCounterSet = errors.New("unsupported counter set")
	// ErrAlreadyReleased is returned by every call on a released session.
	ErrAlreadyReleased = errors.New("counter session already released")
	// ErrCountersBusy means another session is running on the same counter set.
	ErrCountersBusy = errors.New("counter set busy")
)

// Counters is an opened group of counters. Start zeroes and enables them,
// Stop disables them, Read returns the values in set order.
type Counters interface {
	Start() error
	Stop() error
	Read() ([]uint64, error)
	Close() error
}

// Opener opens the counters of a set for the calling goroutine.
type Opener func(set CounterSet) (Counters, error)

// State of a session.
type State int

const (
	Idle State = iota
	Running
	Stopped
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running sessions by counter set. Sets are disjoint, so this is the bank
// each session holds while it counts.
var (
	banksMu sync.Mutex
	banks   = map[CounterSetID]bool{}
)

func acquireBank(id CounterSetID) bool {
	banksMu.Lock()
	defer banksMu.Unlock()
	if banks[id] {
		return false
	}
	banks[id] = true
	return true
}

func releaseBank(id CounterSetID) {
	banksMu.Lock()
	delete(banks, id)
	banksMu.Unlock()
}

// Session is one start/stop bracket over a counter set.
type Session struct {
	mu       sync.Mutex
	set      CounterSet
	counters Counters
	state    State
	samples  []uint64
	readErr  error
}

// Open validates id and opens its counters. The session starts Idle.
func Open(opener Opener, id CounterSetID) (*Session, error) {
	set, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	counters, err := opener(set)
	if err != nil {
		if errors.Is(err, ErrUnsupportedCounterSet) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedCounterSet, set.Name, err)
	}
	return &Session{set: set, counters: counters}, nil
}

// Set returns the counter set being sampled.
func (s *Session) Set() CounterSet { return s.set }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) expect(want State) error {
	if s.state == Released {
		return ErrAlreadyReleased
	}
	if s.state != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, s.set.Name, s.state, want)
	}
	return nil
}

// Start begins counting from zero. Fails with ErrCountersBusy while another
// session runs on the same set.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(Idle); err != nil {
		return err
	}
	if !acquireBank(s.set.ID) {
		return fmt.Errorf("%w: %s", ErrCountersBusy, s.set.Name)
	}
	if err := s.counters.Start(); err != nil {
		releaseBank(s.set.ID)
		return fmt.Errorf("starting %s counters: %w", s.set.Name, err)
	}
	s.state = Running
	return nil
}

// Stop freezes the counts. The session is Stopped even when reading the
// counters fails; Read then returns that error.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(Running); err != nil {
		return err
	}
	defer releaseBank(s.set.ID)
	s.state = Stopped

	if err := s.counters.Stop(); err != nil {
		s.readErr = fmt.Errorf("stopping %s counters: %w", s.set.Name, err)
		return s.readErr
	}
	samples, err := s.counters.Read()
	if err != nil {
		s.readErr = fmt.Errorf("reading %s counters: %w", s.set.Name, err)
		return s.readErr
	}
	if len(samples) != s.set.Len() {
		s.readErr = fmt.Errorf("reading %s counters: got %d values, want %d", s.set.Name, len(samples), s.set.Len())
		return s.readErr
	}
	s.samples = samples
	return nil
}

// Read returns the frozen samples in set order. Repeated calls return the same values.
func (s *Session) Read() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(Stopped); err != nil {
		return nil, err
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := make([]uint64, len(s.samples))
	copy(out, s.samples)
	return out, nil
}

// Cleanup releases the counters. It is valid once, after Stop.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(Stopped); err != nil {
		return err
	}
	s.state = Released
	if err := s.counters.Close(); err != nil {
		return fmt.Errorf("releasing %s counters: %w", s.set.Name, err)
	}
	return nil
}

// Abandon stops and releases the session from any state and logs a warning.
// It returns nil on an already released session.
func (s *Session) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Released {
		return nil
	}
	logging.Warn("Abandoning counter session",
		zap.String("counterSet", s.set.Name),
		zap.Stringer("state", s.state))

	var err error
	if s.state == Running {
		err = s.counters.Stop()
		releaseBank(s.set.ID)
	}
	s.state = Released
	return multierr.Append(err, s.counters.Close())
}
