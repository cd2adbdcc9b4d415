package perf

import (
	"go.uber.org/multierr"
)

// Measure runs fn inside a session on set and returns the samples. The
// session is stopped and released on every path, including a failing or
// panicking fn.
func Measure(opener Opener, id CounterSetID, fn func() error) (samples []uint64, err error) {
	s, err := Open(opener, id)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, multierr.Append(err, s.Abandon())
	}

	defer func() {
		if r := recover(); r != nil {
			_ = s.Abandon()
			panic(r)
		}
	}()

	workErr := fn()
	stopErr := s.Stop()
	if workErr != nil || stopErr != nil {
		return nil, multierr.Combine(workErr, stopErr, s.Cleanup())
	}

	samples, readErr := s.Read()
	if err := multierr.Append(readErr, s.Cleanup()); err != nil {
		return nil, err
	}
	return samples, nil
}
