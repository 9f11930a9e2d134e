package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/systmms/trustplane/internal/logging"
)

const (
	defaultBufferSize    = 100
	defaultFlushInterval = 30 * time.Second
	defaultRotateBytes   = 10 << 20

	// recentWindow caps the in-memory history used for compliance
	// reports. Older events live only in the sinks.
	recentWindow = 10000
)

// Config controls buffering, flushing and file rotation for the audit logger.
type Config struct {
	BufferSize     int
	FlushInterval  time.Duration
	RotateMaxBytes int64

	// ChecksumKey is the HMAC key for event checksums. Empty means
	// plain SHA-256 checksums.
	ChecksumKey []byte
}

// Stats is a snapshot of the logger's counters.
type Stats struct {
	EventsLogged        int64
	EventsFlushed       int64
	IntegrityViolations int64
	StorageErrors       int64
	EventsByLevel       map[Level]int64
	EventsByAction      map[Action]int64
	LastEventAt         time.Time
	LastFlushAt         time.Time
	BufferedEvents      int
}

// Report summarizes audit activity inside a time window.
type Report struct {
	Kind             string           `json:"kind"`
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
	GeneratedAt      time.Time        `json:"generated_at"`
	TotalEvents      int64            `json:"total_events"`
	EventsByLevel    map[Level]int64  `json:"events_by_level"`
	EventsByAction   map[Action]int64 `json:"events_by_action"`
	FailedOperations int64            `json:"failed_operations"`
	SecurityEvents   int64            `json:"security_events"`
	TopResources     map[string]int64 `json:"top_resources,omitempty"`
}

// eventSummary is the lightweight record retained in memory for reporting.
type eventSummary struct {
	at       time.Time
	level    Level
	action   Action
	resource string
	success  bool
}

// Logger buffers audit events and writes them to the configured sinks.
// Critical, security and failed events force an immediate flush so they
// cannot be lost to a crash.
type Logger struct {
	cfg   Config
	sinks []Sink
	log   *logging.Logger

	mu     sync.Mutex
	buffer []Event

	statsMu sync.Mutex
	stats   Stats
	recent  []eventSummary

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

func NewLogger(cfg Config, sinks []Sink, log *logging.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RotateMaxBytes <= 0 {
		cfg.RotateMaxBytes = defaultRotateBytes
	}
	return &Logger{
		cfg:    cfg,
		sinks:  sinks,
		log:    log.WithComponent("audit"),
		buffer: make([]Event, 0, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
}

// LogEvent records a single audit event. The event is sanitized and
// checksummed before it enters the buffer, so later mutation is detectable.
func (l *Logger) LogEvent(level Level, action Action, resource, message string, evCtx Context, data map[string]any, success bool, errorDetails string, durationMs int64) error {
	ev := newEvent(level, action, resource, message, evCtx, data, success, errorDetails, durationMs, l.cfg.ChecksumKey)

	l.statsMu.Lock()
	l.stats.EventsLogged++
	l.stats.LastEventAt = ev.Timestamp
	if l.stats.EventsByLevel == nil {
		l.stats.EventsByLevel = make(map[Level]int64)
		l.stats.EventsByAction = make(map[Action]int64)
	}
	l.stats.EventsByLevel[level]++
	l.stats.EventsByAction[action]++
	l.recent = append(l.recent, eventSummary{
		at:       ev.Timestamp,
		level:    level,
		action:   action,
		resource: ev.Resource,
		success:  success,
	})
	if len(l.recent) > recentWindow {
		l.recent = l.recent[len(l.recent)-recentWindow:]
	}
	l.statsMu.Unlock()

	recordEventMetric(level, action, success)

	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	full := len(l.buffer) >= l.cfg.BufferSize
	l.mu.Unlock()

	forced := level == LevelCritical || level == LevelSecurity || !success
	if forced || full {
		trigger := "forced"
		if !forced {
			trigger = "full"
		}
		return l.flush(trigger)
	}
	return nil
}

// FlushEvents writes all buffered events to the sinks immediately.
func (l *Logger) FlushEvents() error {
	return l.flush("manual")
}

func (l *Logger) flush(trigger string) error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buffer
	l.buffer = make([]Event, 0, l.cfg.BufferSize)
	l.mu.Unlock()

	// Verify checksums before persisting. A mismatch means the event was
	// mutated after creation; it is dropped rather than written.
	valid := batch[:0]
	var violations int64
	for _, ev := range batch {
		if !VerifyChecksum(&ev, l.cfg.ChecksumKey) {
			violations++
			recordIntegrityViolationMetric()
			l.log.Error("dropping audit event %s: checksum mismatch", ev.EventID)
			continue
		}
		valid = append(valid, ev)
	}

	var firstErr error
	var storageErrs int64
	for _, sink := range l.sinks {
		if err := sink.Append(context.Background(), valid); err != nil {
			storageErrs++
			recordStorageErrorMetric(sink.Name())
			l.log.Error("audit sink %s: %v", sink.Name(), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("audit sink %s: %w", sink.Name(), err)
			}
		}
	}

	l.statsMu.Lock()
	l.stats.EventsFlushed += int64(len(valid))
	l.stats.IntegrityViolations += violations
	l.stats.StorageErrors += storageErrs
	l.stats.LastFlushAt = time.Now().UTC()
	l.statsMu.Unlock()

	recordFlushMetric(trigger, len(valid))
	return firstErr
}

// Start launches the periodic flush loop and the daily rotation job.
func (l *Logger) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return
	}
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.flush("interval"); err != nil {
					l.log.Warn("periodic audit flush: %v", err)
				}
			case <-l.stopCh:
				return
			}
		}
	}()

	l.cron = cron.New()
	l.cron.AddFunc("@daily", func() {
		for _, sink := range l.sinks {
			fs, ok := sink.(*FileSink)
			if !ok {
				continue
			}
			rotated, err := fs.Rotate(l.cfg.RotateMaxBytes)
			if err != nil {
				l.log.Warn("audit log rotation: %v", err)
			} else if rotated != "" {
				l.log.Info("audit log rotated to %s", rotated)
			}
		}
	})
	l.cron.Start()
}

// Stop halts background work, performs a final flush and closes the sinks.
func (l *Logger) Stop() error {
	l.runMu.Lock()
	running := l.running
	l.running = false
	l.runMu.Unlock()

	if running {
		close(l.stopCh)
		l.wg.Wait()
		if l.cron != nil {
			<-l.cron.Stop().Done()
		}
	}

	err := l.flush("shutdown")
	for _, sink := range l.sinks {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Stats returns a copy of the current counters.
func (l *Logger) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	out := l.stats
	out.EventsByLevel = make(map[Level]int64, len(l.stats.EventsByLevel))
	for k, v := range l.stats.EventsByLevel {
		out.EventsByLevel[k] = v
	}
	out.EventsByAction = make(map[Action]int64, len(l.stats.EventsByAction))
	for k, v := range l.stats.EventsByAction {
		out.EventsByAction[k] = v
	}

	l.mu.Lock()
	out.BufferedEvents = len(l.buffer)
	l.mu.Unlock()
	return out
}

// LastEventTime reports when the most recent event was recorded. Zero when
// no event has been logged yet.
func (l *Logger) LastEventTime() time.Time {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats.LastEventAt
}

// ComplianceReport summarizes audit activity between start and end from the
// retained in-memory window. kind selects the emphasis: "security" restricts
// the breakdown to security-level and failed events, anything else reports
// the full activity.
func (l *Logger) ComplianceReport(start, end time.Time, kind string) Report {
	l.statsMu.Lock()
	window := make([]eventSummary, len(l.recent))
	copy(window, l.recent)
	l.statsMu.Unlock()

	rep := Report{
		Kind:           kind,
		Start:          start,
		End:            end,
		GeneratedAt:    time.Now().UTC(),
		EventsByLevel:  make(map[Level]int64),
		EventsByAction: make(map[Action]int64),
		TopResources:   make(map[string]int64),
	}

	for _, ev := range window {
		if ev.at.Before(start) || ev.at.After(end) {
			continue
		}
		if kind == "security" && ev.level != LevelSecurity && ev.success {
			continue
		}
		rep.TotalEvents++
		rep.EventsByLevel[ev.level]++
		rep.EventsByAction[ev.action]++
		rep.TopResources[ev.resource]++
		if !ev.success {
			rep.FailedOperations++
		}
		if ev.level == LevelSecurity {
			rep.SecurityEvents++
		}
	}
	return rep
}

// LogSecretAccess records a secret read. The key appears in the resource
// field already masked by the sanitizer when it looks sensitive.
func (l *Logger) LogSecretAccess(key, environment string, success bool, durationMs int64) error {
	level := LevelInfo
	if !success {
		level = LevelWarning
	}
	return l.LogEvent(level, ActionSecretAccess, key, "secret accessed",
		Context{Environment: environment}, nil, success, "", durationMs)
}

// LogSecretRotation records the outcome of a rotation attempt.
func (l *Logger) LogSecretRotation(key, environment, rotationID string, success bool, errorDetails string) error {
	level := LevelInfo
	if !success {
		level = LevelError
	}
	return l.LogEvent(level, ActionSecretRotation, key, "secret rotated",
		Context{Environment: environment},
		map[string]any{"rotation_id": rotationID}, success, errorDetails, 0)
}

// LogConfigLoad records a configuration source load.
func (l *Logger) LogConfigLoad(source string, count int, success bool, errorDetails string) error {
	level := LevelInfo
	if !success {
		level = LevelWarning
	}
	return l.LogEvent(level, ActionConfigLoad, source, "configuration loaded",
		Context{}, map[string]any{"entries": count}, success, errorDetails, 0)
}
