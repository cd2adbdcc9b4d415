// Package perf brackets a unit of work with a group of hardware performance
// counters and returns one sample per counter.
package perf

import (
	"fmt"
	"strconv"
)

// Event is a single countable event.
type Event int

const (
	CPUCycles Event = iota
	Instructions
	CacheReferences
	CacheMisses
	BranchInstructions
	BranchMisses
	L1DReadAccess
	L1DReadMiss
	LLCReadAccess
	LLCReadMiss
	StalledCyclesFrontend
	StalledCyclesBackend
	TaskClock
	PageFaults
	ContextSwitches
	CPUMigrations
)

var eventNames = [...]string{
	CPUCycles:             "cpu-cycles",
	Instructions:          "instructions",
	CacheReferences:       "cache-references",
	CacheMisses:           "cache-misses",
	BranchInstructions:    "branch-instructions",
	BranchMisses:          "branch-misses",
	L1DReadAccess:         "L1-dcache-loads",
	L1DReadMiss:           "L1-dcache-load-misses",
	LLCReadAccess:         "LLC-loads",
	LLCReadMiss:           "LLC-load-misses",
	StalledCyclesFrontend: "stalled-cycles-frontend",
	StalledCyclesBackend:  "stalled-cycles-backend",
	TaskClock:             "task-clock",
	PageFaults:            "page-faults",
	ContextSwitches:       "context-switches",
	CPUMigrations:         "cpu-migrations",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// CounterSetID selects a counter set, as in EVENTSET=3.
type CounterSetID int

// CounterSet is a fixed group of events sampled together. Samples come
// back in the order of Events.
type CounterSet struct {
	ID     CounterSetID
	Name   string
	Events []Event
}

// Len is the number of samples a session on this set produces.
func (s CounterSet) Len() int { return len(s.Events) }

// EventNames lists the events in sample order.
func (s CounterSet) EventNames() []string {
	names := make([]string, len(s.Events))
	for i, e := range s.Events {
		names[i] = e.String()
	}
	return names
}

var counterSets = []CounterSet{
	{ID: 0, Name: "ipc", Events: []Event{CPUCycles, Instructions}},
	{ID: 1, Name: "cache", Events: []Event{CacheReferences, CacheMisses}},
	{ID: 2, Name: "branch", Events: []Event{BranchInstructions, BranchMisses}},
	{ID: 3, Name: "l1d", Events: []Event{L1DReadAccess, L1DReadMiss}},
	{ID: 4, Name: "llc", Events: []Event{LLCReadAccess, LLCReadMiss}},
	{ID: 5, Name: "stall", Events: []Event{StalledCyclesFrontend, StalledCyclesBackend}},
	{ID: 6, Name: "sw", Events: []Event{TaskClock, PageFaults, ContextSwitches, CPUMigrations}},
}

// Lookup returns the counter set registered under id.
func Lookup(id CounterSetID) (CounterSet, error) {
	for _, s := range counterSets {
		if s.ID == id {
			return s, nil
		}
	}
	return CounterSet{}, fmt.Errorf("%w: %d", ErrUnsupportedCounterSet, id)
}

// Sets returns every registered counter set in id order.
func Sets() []CounterSet {
	out := make([]CounterSet, len(counterSets))
	copy(out, counterSets)
	return out
}
