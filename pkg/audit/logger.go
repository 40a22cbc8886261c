package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wancore-net/wancore/pkg/util"
)

// Logger is the audit backend contract.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// RotationConfig bounds the audit file. A zero MaxSize disables rotation.
type RotationConfig struct {
	MaxSize    int64 // bytes before the file is rotated
	MaxBackups int   // rotated files kept; 0 keeps one
}

// FileLogger appends events to a JSON-lines file. When the file outgrows
// MaxSize it is renamed to <path>.1 (shifting older backups up by one, the
// oldest beyond MaxBackups dropped) and a fresh file is started.
type FileLogger struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	size     int64
	rotation RotationConfig
}

// NewFileLogger opens (or creates) the audit file at path.
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, size, err := openAudit(path)
	if err != nil {
		return nil, err
	}
	return &FileLogger{path: path, file: file, size: size, rotation: rotation}, nil
}

func openAudit(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Log appends one event, rotating first if the file is full.
func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotation.MaxSize > 0 && l.size > 0 && l.size+int64(len(line)) > l.rotation.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	return err
}

// rotate shifts <path>.n to <path>.n+1, moves the live file to <path>.1 and
// reopens a fresh one. Caller holds the write lock.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	keep := l.rotation.MaxBackups
	if keep < 1 {
		keep = 1
	}
	os.Remove(backupPath(l.path, keep))
	for n := keep - 1; n >= 1; n-- {
		os.Rename(backupPath(l.path, n), backupPath(l.path, n+1))
	}
	if err := os.Rename(l.path, backupPath(l.path, 1)); err != nil {
		return err
	}

	file, size, err := openAudit(l.path)
	if err != nil {
		return err
	}
	l.file = file
	l.size = size
	return nil
}

func backupPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Query scans the live file and returns the events matching the filter, in
// write order, with the filter's offset and limit applied.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Event{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			util.Warnf("audit: skipping malformed log entry at line %d: %v", line, err)
			continue
		}
		if filter.matches(&event) {
			events = append(events, &event)
		}
	}
	return page(events, filter.Offset, filter.Limit), scanner.Err()
}

func page(events []*Event, offset, limit int) []*Event {
	if offset > 0 {
		if offset >= len(events) {
			return nil
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// Close closes the live file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (f Filter) matches(event *Event) bool {
	if f.Org != "" && event.Org != f.Org {
		return false
	}
	if f.User != "" && event.User != f.User {
		return false
	}
	if f.Operation != "" && event.Operation != f.Operation {
		return false
	}
	if f.Device != "" && !containsDevice(event.Devices, f.Device) {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && event.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SuccessOnly && !event.Success {
		return false
	}
	if f.FailureOnly && event.Success {
		return false
	}
	return true
}

func containsDevice(devices []string, id string) bool {
	for _, d := range devices {
		if d == id {
			return true
		}
	}
	return false
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// SetDefaultLogger installs the process-wide audit backend. nil disables
// auditing.
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

func getDefaultLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log records an event on the default backend; a no-op when none is set.
func Log(event *Event) error {
	l := getDefaultLogger()
	if l == nil {
		return nil
	}
	return l.Log(event)
}

// Query reads events from the default backend; empty when none is set.
func Query(filter Filter) ([]*Event, error) {
	l := getDefaultLogger()
	if l == nil {
		return []*Event{}, nil
	}
	return l.Query(filter)
}
