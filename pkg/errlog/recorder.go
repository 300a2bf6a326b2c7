// Package errlog appends failure entries to the durable error log.
//
// The error log is a plain text file shared by every run and every task.
// Entries are never rewritten; each one is self-contained:
//
//	[2024-01-02 15:00:03] Download script failed for missing_tracks_tidal.txt (exit code: 2)
//
//	[2024-01-02 15:00:04] Exception while running download for missing_albums_tidal.txt
//	Error details: exec: "bash": executable file not found in $PATH
package errlog

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"tidalsched/pkg/metrics"
	"tidalsched/pkg/models"
)

const timestampLayout = "2006-01-02 15:04:05"

// Recorder appends entries to the error log file. It is safe for concurrent
// use, although the scheduler only ever records from one goroutine at a time.
type Recorder struct {
	path  string
	log   *zap.Logger
	clock clock.Clock
	mu    sync.Mutex
}

// NewRecorder creates a recorder writing to path.
func NewRecorder(path string, log *zap.Logger) *Recorder {
	return NewRecorderWithClock(path, log, clock.New())
}

// NewRecorderWithClock creates a recorder that timestamps entries with clk.
func NewRecorderWithClock(path string, log *zap.Logger, clk clock.Clock) *Recorder {
	return &Recorder{path: path, log: log, clock: clk}
}

// Path returns the error log location.
func (r *Recorder) Path() string {
	return r.path
}

// Record logs message at error level and appends it, with detail on the
// following line when non-nil, to the error log. A failure to write the file
// is only reported to the regular log.
func (r *Recorder) Record(message string, detail error) {
	r.log.Error(message)

	if err := r.append(Format(r.clock.Now(), message, detail)); err != nil {
		metrics.ErrorLogWriteFailures.Inc()
		r.log.Error("Failed to write to error log", zap.String("path", r.path),
			zap.String("kind", string(models.KindErrorLogWriteFailure)), zap.Error(err))
		return
	}
	metrics.ErrorLogEntries.Inc()
}

// Format renders one error log entry, including its trailing blank line.
func Format(ts time.Time, message string, detail error) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ts.Format(timestampLayout))
	b.WriteString("] ")
	b.WriteString(message)
	if detail != nil {
		b.WriteString("\nError details: ")
		b.WriteString(detail.Error())
	}
	b.WriteString("\n\n")
	return b.String()
}

func (r *Recorder) append(entry string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open error log")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close error log")
		}
	}()

	if _, err := f.WriteString(entry); err != nil {
		return errors.Wrap(err, "append error log entry")
	}
	return nil
}
