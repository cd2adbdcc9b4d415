package transport

import (
	"sync"
	"time"

	"github.com/pocket-bench/pocket/pkg/logging"
	"go.uber.org/zap"
)

// TimerCallback is a function type for timer callbacks
type TimerCallback func()

// TimerKey identifies a timer. The reassembler allocates one per partial message.
type TimerKey uint64

type timer struct {
	id       TimerKey
	duration time.Duration
	callback TimerCallback
	stop     chan struct{}
}

// TimerManager runs one-shot timers that can be replaced or cancelled by key.
type TimerManager struct {
	mu      sync.Mutex
	timers  map[TimerKey]*timer
	stopAll chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewTimerManager creates a new timer manager
func NewTimerManager() *TimerManager {
	return &TimerManager{
		timers:  make(map[TimerKey]*timer),
		stopAll: make(chan struct{}),
	}
}

// Schedule runs callback after duration unless the timer is stopped or
// replaced first. Scheduling an existing key replaces it.
func (tm *TimerManager) Schedule(id TimerKey, duration time.Duration, callback TimerCallback) {
	tm.mu.Lock()
	select {
	case <-tm.stopAll:
		tm.mu.Unlock()
		return
	default:
	}
	if existing, exists := tm.timers[id]; exists {
		delete(tm.timers, id)
		close(existing.stop)
	}
	t := &timer{
		id:       id,
		duration: duration,
		callback: callback,
		stop:     make(chan struct{}),
	}
	tm.timers[id] = t
	tm.wg.Add(1)
	tm.mu.Unlock()

	go func(t *timer) {
		defer tm.wg.Done()

		tt := time.NewTimer(t.duration)
		defer tt.Stop()

		select {
		case <-tt.C:
			if tm.take(t) {
				tm.run(t)
			}
		case <-t.stop:
		case <-tm.stopAll:
		}
	}(t)
}

// take removes t from the table if it is still the current timer for its key.
func (tm *TimerManager) take(t *timer) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if cur, ok := tm.timers[t.id]; ok && cur == t {
		delete(tm.timers, t.id)
		return true
	}
	return false
}

func (tm *TimerManager) run(t *timer) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Timer callback panicked", zap.Uint64("timer", uint64(t.id)), zap.Any("panic", r))
		}
	}()
	t.callback()
}

// StopTimer cancels a pending timer. It reports whether one was pending.
func (tm *TimerManager) StopTimer(id TimerKey) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if t, exists := tm.timers[id]; exists {
		delete(tm.timers, id)
		close(t.stop)
		return true
	}
	return false
}

// HasTimer checks if a timer with the given ID exists
func (tm *TimerManager) HasTimer(id TimerKey) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[id]
	return ok
}

// Stop cancels all timers and waits for their goroutines to exit.
func (tm *TimerManager) Stop() {
	tm.once.Do(func() {
		tm.mu.Lock()
		close(tm.stopAll)
		tm.timers = make(map[TimerKey]*timer)
		tm.mu.Unlock()
	})
	tm.wg.Wait()
}
