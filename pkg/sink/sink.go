// Package sink appends counter samples to per-run log files.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/pocket-bench/pocket/pkg/perf"
	"go.uber.org/zap"
)

// ErrIO wraps every persistence failure.
var ErrIO = errors.New("result sink I/O error")

// TimestampLayout formats RunIdentity.Timestamp in file names.
const TimestampLayout = "2006-01-02-15:04:05.000000"

// DefaultBaseDir is where result logs go when no base directory is configured.
const DefaultBaseDir = "/data/mon"

// RunIdentity selects the log file of a batch. It is fixed for the life of a driver.
type RunIdentity struct {
	Label      string
	Timestamp  time.Time
	CounterSet perf.CounterSetID
}

// FileName is event-<timestamp>-<counter set>.log.
func (r RunIdentity) FileName() string {
	return fmt.Sprintf("event-%s-%d.log", r.Timestamp.Format(TimestampLayout), r.CounterSet)
}

// Sink appends sample lines under a base directory.
type Sink struct {
	baseDir string

	// Serializes appends from this process. Other processes rely on O_APPEND.
	mu sync.Mutex
}

// New returns a sink rooted at baseDir, or DefaultBaseDir when empty.
func New(baseDir string) *Sink {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return &Sink{baseDir: baseDir}
}

// BaseDir returns the root directory of the sink.
func (s *Sink) BaseDir() string { return s.baseDir }

// Path returns <base>/<label>/event-<timestamp>-<set>.log.
func (s *Sink) Path(run RunIdentity) string {
	return filepath.Join(s.baseDir, run.Label, run.FileName())
}

// FormatLine renders samples as comma-joined decimals without a newline.
func FormatLine(samples []uint64) string {
	var b strings.Builder
	for i, v := range samples {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(v, 10))
	}
	return b.String()
}

// ValidateLabel reports whether label can name a run directory directly
// under the base directory.
func ValidateLabel(label string) error {
	if label == "" || label == "." || label == ".." || strings.ContainsAny(label, `/\`) {
		return fmt.Errorf("%w: run label %q is not a directory name", ErrIO, label)
	}
	return nil
}

// Append writes one newline-terminated line for samples. The run directory is
// created on demand; existing content is never rewritten.
func (s *Sink) Append(run RunIdentity, samples []uint64) error {
	if err := ValidateLabel(run.Label); err != nil {
		return err
	}
	path := s.Path(run)
	line := FormatLine(samples) + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrIO, filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrIO, path, err)
	}
	// One write call per line so concurrent appenders never interleave.
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %w", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrIO, path, err)
	}

	metrics.SinkLines.WithLabelValues(strconv.Itoa(int(run.CounterSet))).Inc()
	logging.Debug("Appended sample line",
		zap.String("path", path),
		zap.String("line", line[:len(line)-1]))
	return nil
}
