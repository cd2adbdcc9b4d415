package offload

import (
	"sync"
)

var (
	instanceMu sync.Mutex
	instance   *Channel
)

// Instance returns the process-wide channel, attaching it on first use.
// Concurrent first calls attach once. A detached instance is never revived:
// the next call attaches a new channel with opts.
func Instance(opts Options) (*Channel, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil && instance.State() == Attached {
		return instance, nil
	}
	ch, err := Attach(opts)
	if err != nil {
		return nil, err
	}
	instance = ch
	return ch, nil
}

// DetachInstance detaches the process-wide channel if one is attached.
func DetachInstance() error {
	instanceMu.Lock()
	ch := instance
	instance = nil
	instanceMu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Detach()
}
