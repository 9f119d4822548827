package logsink

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SystemAlias tags records emitted by the supervisor rather than a
// tunnel instance.
const SystemAlias = "System"

// DefaultCapacity is the ring size used when the config does not set one.
const DefaultCapacity = 1000

// timestampLayout is the on-disk and API line format prefix.
const timestampLayout = "2006-01-02 15:04:05"

// Record is one log line with its arrival metadata. Arrival order into
// the sink is the only total order; lines from different instances
// interleave by arrival time.
type Record struct {
	Time    time.Time
	Alias   string
	Message string
}

// String renders the record in the persisted line format.
func (r Record) String() string {
	return fmt.Sprintf("%s [%s] %s", r.Time.Format(timestampLayout), r.Alias, r.Message)
}

// FileConfig bounds the on-disk mirror. Zero values fall back to
// lumberjack's defaults except Path, which disables the mirror entirely
// when empty.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Sink is the bounded, thread-safe log store.
type Sink struct {
	mu      sync.Mutex
	records []Record
	start   int
	count   int

	filePath string
	file     *lumberjack.Logger
}

// New creates a sink with the given ring capacity and file mirror.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int, fc FileConfig) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Sink{
		records:  make([]Record, capacity),
		filePath: fc.Path,
	}
	if fc.Path != "" {
		s.file = &lumberjack.Logger{
			Filename:   fc.Path,
			MaxSize:    fc.MaxSizeMB,
			MaxBackups: fc.MaxBackups,
			MaxAge:     fc.MaxAgeDays,
			Compress:   fc.Compress,
		}
	}
	return s
}

// Append records one line tagged with the given alias. The file mirror
// is best-effort: a write failure never blocks the ring append, so the
// in-memory view keeps working when the disk does not.
func (s *Sink) Append(alias, message string) {
	rec := Record{Time: time.Now(), Alias: alias, Message: message}

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.records)
	if s.count < capacity {
		s.records[(s.start+s.count)%capacity] = rec
		s.count++
	} else {
		s.records[s.start] = rec
		s.start = (s.start + 1) % capacity
	}

	if s.file != nil {
		_, _ = s.file.Write([]byte(rec.String() + "\n"))
	}
}

// System records a supervisor-level event.
func (s *Sink) System(message string) {
	s.Append(SystemAlias, message)
}

// Systemf records a formatted supervisor-level event.
func (s *Sink) Systemf(format string, args ...any) {
	s.Append(SystemAlias, fmt.Sprintf(format, args...))
}

// Recent returns up to n of the newest records, oldest first. The
// returned slice is a copy; the ring is never exposed.
func (s *Sink) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || s.count == 0 {
		return nil
	}
	if n > s.count {
		n = s.count
	}
	out := make([]Record, 0, n)
	capacity := len(s.records)
	for i := s.count - n; i < s.count; i++ {
		out = append(out, s.records[(s.start+i)%capacity])
	}
	return out
}

// Tail returns the most recent n lines, most-recent-last. It prefers the
// persisted file and falls back to the in-memory ring when the file is
// missing or unreadable.
func (s *Sink) Tail(n int) []string {
	if n <= 0 {
		return nil
	}

	if s.filePath != "" {
		if lines, err := tailFile(s.filePath, n); err == nil {
			return lines
		}
	}

	recs := s.Recent(n)
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.String())
	}
	return lines
}

// tailFile reads the last n non-empty lines of path.
func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := all[:0]
	for _, l := range all {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Clear empties the ring and the active log file. Rotated backups are
// left to their age/count limits.
func (s *Sink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.start = 0
	s.count = 0

	if s.file == nil {
		return nil
	}
	// Close so lumberjack forgets its size accounting, then drop the
	// active file; the next write recreates it.
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing log file: %w", err)
	}
	return nil
}

// Close releases the file mirror. The ring stays readable.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
