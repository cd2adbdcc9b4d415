package perf_test

import (
	"errors"
	"testing"

	"github.com/pocket-bench/pocket/pkg/perf"
	"github.com/pocket-bench/pocket/pkg/perf/perftest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasure(t *testing.T) {
	b := perftest.New()
	calls := 0
	samples, err := perf.Measure(b.Open, 0, func() error {
		calls++
		assert.Equal(t, 1, b.Running(), "work runs while counting")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []uint64{1024, 2048}, samples)
	assert.Zero(t, b.Live())
}

func TestMeasure_WorkFails(t *testing.T) {
	b := perftest.New()
	boom := errors.New("inference failed")

	samples, err := perf.Measure(b.Open, 1, func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Nil(t, samples)
	assert.Zero(t, b.Live())
	assert.Zero(t, b.Running())

	_, err = perf.Measure(b.Open, 1, func() error { return nil })
	require.NoError(t, err, "bank must be free after a failed measurement")
}

func TestMeasure_WorkPanics(t *testing.T) {
	b := perftest.New()
	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = perf.Measure(b.Open, 2, func() error { panic("kaboom") })
	})
	assert.Zero(t, b.Live())

	_, err := perf.Measure(b.Open, 2, func() error { return nil })
	require.NoError(t, err)
}

func TestMeasure_StartFails(t *testing.T) {
	b := perftest.New()
	b.StartErr = errors.New("no PMU")
	ran := false
	_, err := perf.Measure(b.Open, 0, func() error { ran = true; return nil })
	require.ErrorContains(t, err, "no PMU")
	assert.False(t, ran)
	assert.Zero(t, b.Live())
}

func TestLookup(t *testing.T) {
	set, err := perf.Lookup(6)
	require.NoError(t, err)
	assert.Equal(t, "sw", set.Name)
	assert.Equal(t, []string{"task-clock", "page-faults", "context-switches", "cpu-migrations"}, set.EventNames())

	_, err = perf.Lookup(-1)
	assert.ErrorIs(t, err, perf.ErrUnsupportedCounterSet)
	assert.Len(t, perf.Sets(), 7)
}
