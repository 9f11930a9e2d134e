package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/systmms/trustplane/internal/crypto"
)

// Sink persists batches of verified audit events. Implementations must be
// safe for concurrent use; the logger serializes flushes but rotation runs on
// its own schedule.
type Sink interface {
	Name() string
	Append(ctx context.Context, events []Event) error
	Close() error
}

// FileSink appends newline-delimited JSON events to a log file. Each flushed
// batch is optionally encrypted and gzip-compressed before the append; gzip
// members concatenate into a valid stream, so the file stays readable as a
// whole.
type FileSink struct {
	path     string
	cipher   *crypto.Cipher
	compress bool
	mu       sync.Mutex
}

// NewFileSink creates a file sink. A nil cipher disables encryption.
func NewFileSink(path string, cipher *crypto.Cipher, compress bool) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileSink{path: path, cipher: cipher, compress: compress}, nil
}

// Name returns the sink identifier.
func (s *FileSink) Name() string { return "file" }

// Append serializes events as NDJSON and appends the batch to the log file.
func (s *FileSink) Append(ctx context.Context, events []Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("failed to serialize audit event: %w", err)
		}
	}

	payload := buf.Bytes()

	if s.cipher != nil {
		sealed, err := s.cipher.EncryptString(buf.String())
		if err != nil {
			return fmt.Errorf("failed to encrypt audit batch: %w", err)
		}
		payload = append([]byte(sealed), '\n')
	}

	if s.compress {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to compress audit batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to compress audit batch: %w", err)
		}
		payload = gz.Bytes()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("failed to append audit batch: %w", err)
	}
	return nil
}

// Close is a no-op; the file is opened per append.
func (s *FileSink) Close() error { return nil }

// Rotate renames the log file with a timestamp suffix and gzips the rotated
// copy when the file exceeds maxBytes. Returns the rotated path or "" when no
// rotation happened.
func (s *FileSink) Rotate(maxBytes int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat audit log: %w", err)
	}
	if info.Size() < maxBytes {
		return "", nil
	}

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		return "", fmt.Errorf("failed to rotate audit log: %w", err)
	}

	if err := gzipFile(rotated); err != nil {
		// The rename already succeeded; report the failure but keep the
		// uncompressed rotated file.
		return rotated, fmt.Errorf("failed to compress rotated log: %w", err)
	}
	return rotated + ".gz", nil
}

func gzipFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(path+".gz", gz.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Remove(path)
}

// SyslogSink forwards audit events to the local syslog daemon.
type SyslogSink struct {
	writer *syslog.Writer
}

// NewSyslogSink connects to syslog with the given tag.
func NewSyslogSink(tag string) (*SyslogSink, error) {
	w, err := syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}
	return &SyslogSink{writer: w}, nil
}

// Name returns the sink identifier.
func (s *SyslogSink) Name() string { return "syslog" }

// Append writes one syslog line per event, mapped to a matching priority.
func (s *SyslogSink) Append(ctx context.Context, events []Event) error {
	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to serialize audit event: %w", err)
		}

		var werr error
		switch events[i].Level {
		case LevelDebug:
			werr = s.writer.Debug(string(line))
		case LevelWarning:
			werr = s.writer.Warning(string(line))
		case LevelError:
			werr = s.writer.Err(string(line))
		case LevelCritical, LevelSecurity:
			werr = s.writer.Crit(string(line))
		default:
			werr = s.writer.Info(string(line))
		}
		if werr != nil {
			return fmt.Errorf("failed to write to syslog: %w", werr)
		}
	}
	return nil
}

// Close closes the syslog connection.
func (s *SyslogSink) Close() error { return s.writer.Close() }

// MemorySink buffers events in memory. Used by tests and by callers that
// consume the trail programmatically.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Name returns the sink identifier.
func (s *MemorySink) Name() string { return "memory" }

// Append stores a copy of the batch.
func (s *MemorySink) Append(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of everything appended so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
