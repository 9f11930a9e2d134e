// Package config merges configuration from prioritized sources into one
// in-memory table: hard-coded defaults, .env files, process environment
// variables and the remote backend. Higher-priority sources overwrite
// lower ones deterministically, regardless of load order.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/errors"
	"github.com/systmms/trustplane/internal/logging"
	"github.com/systmms/trustplane/internal/secrets"
)

// Observer receives change notifications after a refresh or file reload.
type Observer interface {
	OnConfigChange(key string, newValue, oldValue interface{})
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(key string, newValue, oldValue interface{})

func (f ObserverFunc) OnConfigChange(key string, newValue, oldValue interface{}) {
	f(key, newValue, oldValue)
}

// Options configures a Loader.
type Options struct {
	Environment     string
	EnvFiles        []string
	Defaults        map[string]interface{}
	RefreshInterval time.Duration
}

// Status is the loader's operational snapshot.
type Status struct {
	Initialized     bool           `json:"initialized"`
	FallbackMode    bool           `json:"fallback_mode"`
	Environment     string         `json:"environment"`
	EntriesBySource map[Source]int `json:"entries_by_source"`
	TotalEntries    int            `json:"total_entries"`
	LastRefresh     time.Time      `json:"last_refresh,omitempty"`
	LastBackendSync time.Time      `json:"last_backend_sync,omitempty"`
	WatchedFiles    []string       `json:"watched_files,omitempty"`
}

// Loader is the merged configuration table plus its refresh machinery.
type Loader struct {
	secrets *secrets.Manager
	audit   *audit.Logger
	log     *logging.Logger
	opts    Options

	mu              sync.RWMutex
	entries         map[string]Entry
	initialized     bool
	fallback        bool
	lastRefresh     time.Time
	lastBackendSync time.Time

	obsMu     sync.Mutex
	observers []Observer

	watcher *fileWatcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

func NewLoader(secretsMgr *secrets.Manager, auditLogger *audit.Logger, log *logging.Logger, opts Options) *Loader {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	return &Loader{
		secrets: secretsMgr,
		audit:   auditLogger,
		log:     log.WithComponent("config"),
		opts:    opts,
		entries: make(map[string]Entry),
	}
}

// Initialize loads every source in priority order, lowest first. A remote
// backend failure does not fail initialization: the loader enters fallback
// mode and serves whatever the local sources provided.
func (l *Loader) Initialize(ctx context.Context) error {
	merged := make(map[string]Entry)
	l.loadDefaults(merged)
	l.loadEnvFiles(merged)
	l.loadEnvironment(merged)
	remoteErr := l.loadRemote(ctx, merged)

	l.mu.Lock()
	l.entries = merged
	l.initialized = true
	l.fallback = remoteErr != nil
	l.lastRefresh = time.Now().UTC()
	if remoteErr == nil {
		l.lastBackendSync = l.lastRefresh
	}
	total := len(merged)
	l.mu.Unlock()

	if remoteErr != nil {
		if errors.IsRetryable(remoteErr) {
			l.log.Warn("remote backend unavailable, running in fallback mode until the next refresh: %v", remoteErr)
		} else {
			l.log.Warn("remote backend unavailable, running in fallback mode: %v", remoteErr)
		}
	}
	l.auditLoad("initialize", total, remoteErr)
	return nil
}

// applyEntry merges one value into the table. The incoming entry wins only
// when its priority number is less than or equal to the existing one.
func applyEntry(merged map[string]Entry, key string, value interface{}, source Source) {
	incoming := Entry{
		Key:         key,
		Value:       value,
		Source:      source,
		Priority:    source.Priority(),
		LastUpdated: time.Now().UTC(),
		IsSecret:    isSecretKey(key),
	}
	existing, ok := merged[key]
	if ok && incoming.Priority > existing.Priority {
		return
	}
	merged[key] = incoming
}

func (l *Loader) loadDefaults(merged map[string]Entry) {
	for key, value := range l.opts.Defaults {
		applyEntry(merged, key, value, SourceDefault)
	}
}

func (l *Loader) loadEnvFiles(merged map[string]Entry) {
	for _, path := range l.opts.EnvFiles {
		values, err := godotenv.Read(path)
		if err != nil {
			if !os.IsNotExist(err) {
				l.log.Warn("reading env file %s: %v", path, err)
			}
			continue
		}
		for name, value := range values {
			applyEntry(merged, mapEnvKey(name), value, SourceEnvFile)
		}
	}
}

func (l *Loader) loadEnvironment(merged map[string]Entry) {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		applyEntry(merged, mapEnvKey(name), value, SourceEnvironment)
	}
}

func (l *Loader) loadRemote(ctx context.Context, merged map[string]Entry) error {
	if l.secrets == nil {
		return fmt.Errorf("no secrets manager configured")
	}
	tree, err := l.secrets.SyncEnvironment(ctx, l.opts.Environment)
	if err != nil {
		return err
	}
	for key, value := range flattenRemote(tree, "") {
		applyEntry(merged, key, value, SourceRemote)
	}
	return nil
}

// flattenRemote converts the nested remote tree into dot-path leaves,
// keeping leaf values typed.
func flattenRemote(tree map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range tree {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenRemote(nested, path) {
				out[nk] = nv
			}
			continue
		}
		out[path] = v
	}
	return out
}

// Get returns the merged value for key, or def when absent. Never touches
// the network.
func (l *Loader) Get(key string, def interface{}) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if entry, ok := l.entries[key]; ok {
		return entry.Value
	}
	return def
}

// GetString is Get with a string result.
func (l *Loader) GetString(key, def string) string {
	v := l.Get(key, def)
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// GetAll returns a copy of every entry whose key starts with prefix. An
// empty prefix returns the whole table.
func (l *Loader) GetAll(prefix string) map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Entry)
	for key, entry := range l.entries {
		if strings.HasPrefix(key, prefix) {
			out[key] = entry
		}
	}
	return out
}

// GetSecret bypasses the merged table entirely and resolves through the
// secrets layer, so secret values are never served stale from the loader.
func (l *Loader) GetSecret(ctx context.Context, key, def string) string {
	if l.secrets == nil {
		return def
	}
	value, ok := l.secrets.GetSecret(ctx, key, l.opts.Environment, true)
	if !ok {
		return def
	}
	return value
}

// RefreshConfig reloads every source when the table is stale or force is
// set, then fires observers for each added or changed key.
func (l *Loader) RefreshConfig(ctx context.Context, force bool) error {
	l.mu.RLock()
	stale := time.Since(l.lastRefresh) >= l.opts.RefreshInterval
	l.mu.RUnlock()
	if !force && !stale {
		return nil
	}

	merged := make(map[string]Entry)
	l.loadDefaults(merged)
	l.loadEnvFiles(merged)
	l.loadEnvironment(merged)
	remoteErr := l.loadRemote(ctx, merged)

	l.mu.Lock()
	old := l.entries
	l.entries = merged
	l.fallback = remoteErr != nil
	l.lastRefresh = time.Now().UTC()
	if remoteErr == nil {
		l.lastBackendSync = l.lastRefresh
	}
	l.mu.Unlock()

	changes := diffEntries(old, merged)
	for _, ch := range changes {
		l.notify(ch.key, ch.newValue, ch.oldValue)
	}
	l.auditLoad("refresh", len(merged), remoteErr)
	return nil
}

type change struct {
	key      string
	newValue interface{}
	oldValue interface{}
}

func diffEntries(old, cur map[string]Entry) []change {
	var out []change
	for key, entry := range cur {
		prev, existed := old[key]
		if !existed {
			out = append(out, change{key: key, newValue: entry.Value})
			continue
		}
		if fmt.Sprintf("%v", prev.Value) != fmt.Sprintf("%v", entry.Value) {
			out = append(out, change{key: key, newValue: entry.Value, oldValue: prev.Value})
		}
	}
	return out
}

// RegisterObserver adds a change observer. Observers fire after refreshes
// and file reloads.
func (l *Loader) RegisterObserver(obs Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, obs)
}

// notify fans a change out to a copy of the observer list. A panicking
// observer is logged and skipped; it never aborts the fan-out.
func (l *Loader) notify(key string, newValue, oldValue interface{}) {
	l.obsMu.Lock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.obsMu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("config observer panicked on %s: %v", key, r)
				}
			}()
			obs.OnConfigChange(key, newValue, oldValue)
		}()
	}
}

// Start launches the hot-reload watcher and the periodic refresh loop.
func (l *Loader) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return nil
	}

	if len(l.opts.EnvFiles) > 0 {
		w, err := newFileWatcher(l.opts.EnvFiles, l.log, l.onFileChange)
		if err != nil {
			return fmt.Errorf("failed to start config file watcher: %w", err)
		}
		l.watcher = w
	}

	// A fresh channel per run; Stop closed the previous one.
	l.stopCh = make(chan struct{})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.RefreshConfig(ctx, false); err != nil {
					l.log.Warn("auto refresh: %v", err)
				}
			case <-l.stopCh:
				return
			}
		}
	}()

	l.running = true
	return nil
}

// Stop halts the watcher and refresh loop.
func (l *Loader) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running {
		return
	}
	l.running = false

	close(l.stopCh)
	l.wg.Wait()
	if l.watcher != nil {
		l.watcher.close()
		l.watcher = nil
	}
}

// onFileChange re-applies a changed env file and fires a synthetic
// "file:<path>" notification on top of the per-key changes.
func (l *Loader) onFileChange(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		l.log.Warn("reloading %s: %v", path, err)
		return
	}

	l.mu.Lock()
	old := make(map[string]Entry, len(l.entries))
	for k, v := range l.entries {
		old[k] = v
	}
	for name, value := range values {
		key := mapEnvKey(name)
		entry, ok := l.entries[key]
		if ok && entry.Priority < SourceEnvFile.Priority() {
			continue
		}
		l.entries[key] = Entry{
			Key:         key,
			Value:       value,
			Source:      SourceEnvFile,
			Priority:    SourceEnvFile.Priority(),
			LastUpdated: time.Now().UTC(),
			IsSecret:    isSecretKey(key),
		}
	}
	current := l.entries
	l.mu.Unlock()

	for _, ch := range diffEntries(old, current) {
		l.notify(ch.key, ch.newValue, ch.oldValue)
	}
	l.notify("file:"+path, path, nil)

	if l.audit != nil {
		l.audit.LogEvent(audit.LevelInfo, audit.ActionConfigChange, path,
			"configuration file reloaded", audit.Context{Environment: l.opts.Environment},
			nil, true, "", 0)
	}
}

// Status reports initialization state, fallback mode and per-source counts.
func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[Source]int)
	for _, entry := range l.entries {
		counts[entry.Source]++
	}

	st := Status{
		Initialized:     l.initialized,
		FallbackMode:    l.fallback,
		Environment:     l.opts.Environment,
		EntriesBySource: counts,
		TotalEntries:    len(l.entries),
		LastRefresh:     l.lastRefresh,
		LastBackendSync: l.lastBackendSync,
	}
	if l.watcher != nil {
		st.WatchedFiles = l.watcher.paths()
	}
	return st
}

func (l *Loader) auditLoad(phase string, count int, remoteErr error) {
	if l.audit == nil {
		return
	}
	details := ""
	if remoteErr != nil {
		details = remoteErr.Error()
	}
	if err := l.audit.LogConfigLoad(phase, count, remoteErr == nil, details); err != nil {
		l.log.Debug("audit write failed: %v", err)
	}
}
