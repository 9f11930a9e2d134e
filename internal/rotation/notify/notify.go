// Package notify delivers rotation status transitions to external
// integrations. Delivery is asynchronous behind a bounded queue; a slow or
// failing provider can never stall or abort a rotation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/systmms/trustplane/internal/logging"
)

// Kind is the rotation transition being announced.
type Kind string

const (
	KindStarted   Kind = "rotation_started"
	KindCompleted Kind = "rotation_completed"
	KindFailed    Kind = "rotation_failed"
	KindRollback  Kind = "rotation_rollback"
)

// Event describes one rotation transition.
type Event struct {
	Kind        Kind      `json:"kind"`
	RotationID  string    `json:"rotation_id"`
	SecretKey   string    `json:"secret_key"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// Provider delivers one event to one destination.
type Provider interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

const defaultQueueSize = 256

// Manager fans events out to every registered provider from a single worker
// goroutine. When the queue is full the event is dropped and counted rather
// than blocking the caller.
type Manager struct {
	providers []Provider
	queue     chan Event
	log       *logging.Logger

	dropped atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewManager(providers []Provider, log *logging.Logger) *Manager {
	m := &Manager{
		providers: providers,
		queue:     make(chan Event, defaultQueueSize),
		log:       log.WithComponent("notify"),
		done:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// Notify enqueues an event. Never blocks: a full queue drops the event.
func (m *Manager) Notify(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case m.queue <- ev:
	default:
		m.dropped.Add(1)
		m.log.Warn("notification queue full, dropping %s for %s", ev.Kind, ev.SecretKey)
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Stop drains the queue and shuts the worker down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.deliver(ev)
		case <-m.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-m.queue:
					m.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver sends to every provider; one failing provider never blocks the
// others.
func (m *Manager) deliver(ev Event) {
	for _, p := range m.providers {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.Send(ctx, ev); err != nil {
			m.log.Warn("notification provider %s: %v", p.Name(), err)
		}
		cancel()
	}
}

// LogProvider writes notifications to the application log. Always
// registered; it doubles as the delivery of record when no external
// integration is configured.
type LogProvider struct {
	Log *logging.Logger
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, ev Event) error {
	if ev.Error != "" {
		p.Log.Warn("%s: %s in %s (%s): %s", ev.Kind, ev.SecretKey, ev.Environment, ev.RotationID, ev.Error)
		return nil
	}
	p.Log.Info("%s: %s in %s (%s)", ev.Kind, ev.SecretKey, ev.Environment, ev.RotationID)
	return nil
}

// WebhookProvider POSTs the event as JSON to a configured endpoint.
type WebhookProvider struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewWebhookProvider(url, token string) *WebhookProvider {
	return &WebhookProvider{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
