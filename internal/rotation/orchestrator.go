// Package rotation implements policy-driven secret regeneration with
// validation, timed rollback and a background scheduler. Generation and
// validation strategies are pluggable per rotation type; orchestration
// logic never inspects secret values beyond deriving display hints.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/crypto"
	"github.com/systmms/trustplane/internal/logging"
	"github.com/systmms/trustplane/internal/rotation/notify"
	"github.com/systmms/trustplane/internal/secrets"
)

var (
	// ErrRotationInFlight rejects a second concurrent rotation for the
	// same key and environment.
	ErrRotationInFlight = errors.New("rotation already in progress for this secret")

	// ErrNoPolicy means no rotation policy covers the secret key.
	ErrNoPolicy = errors.New("no rotation policy for secret")

	// ErrNotDue means the policy interval has not elapsed; pass force to
	// rotate anyway.
	ErrNotDue = errors.New("rotation not due yet")

	// ErrEnvironmentNotCovered means the policy does not apply to the
	// requested environment.
	ErrEnvironmentNotCovered = errors.New("policy does not cover environment")
)

// Statistics aggregates rotation outcomes for reporting.
type Statistics struct {
	TotalRotations    int            `json:"total_rotations"`
	Completed         int            `json:"completed"`
	Failed            int            `json:"failed"`
	RolledBack        int            `json:"rolled_back"`
	ActiveRotations   int            `json:"active_rotations"`
	PendingRollbacks  int            `json:"pending_rollbacks"`
	RotationsBySecret map[string]int `json:"rotations_by_secret"`
}

// Report is the compliance view: statistics plus per-secret history.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Statistics  Statistics         `json:"statistics"`
	Policies    []Policy           `json:"policies"`
	History     map[string][]Event `json:"history"`
}

// Orchestrator drives secret rotation. One instance manages all policies.
type Orchestrator struct {
	secrets  *secrets.Manager
	audit    *audit.Logger
	notify   *notify.Manager
	log      *logging.Logger
	rollback *rollbackStore

	mu       sync.Mutex
	policies map[string]Policy
	inFlight map[string]struct{}
	history  []*Event
	byID     map[string]*Event
	lastDone map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

func NewOrchestrator(secretsMgr *secrets.Manager, cipher *crypto.Cipher, auditLogger *audit.Logger, notifier *notify.Manager, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		secrets:  secretsMgr,
		audit:    auditLogger,
		notify:   notifier,
		log:      log.WithComponent("rotation"),
		rollback: newRollbackStore(cipher),
		policies: make(map[string]Policy),
		inFlight: make(map[string]struct{}),
		byID:     make(map[string]*Event),
		lastDone: make(map[string]time.Time),
	}
}

// AddPolicy registers or replaces the policy for a secret key.
func (o *Orchestrator) AddPolicy(policy Policy) error {
	if policy.SecretKey == "" {
		return fmt.Errorf("rotation policy requires a secret key")
	}
	if _, err := generatorFor(policy.RotationType); err != nil {
		return err
	}
	if policy.IntervalDays <= 0 {
		policy.IntervalDays = 90
	}
	if policy.RollbackTimeoutMinutes <= 0 {
		policy.RollbackTimeoutMinutes = 60
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies[policy.SecretKey] = policy
	return nil
}

// Policies returns a copy of the registered policies.
func (o *Orchestrator) Policies() []Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Policy, 0, len(o.policies))
	for _, p := range o.policies {
		out = append(out, p)
	}
	return out
}

func pairKey(secretKey, environment string) string {
	return environment + "/" + secretKey
}

// RotateSecret runs one rotation attempt. Exactly one rotation per
// key and environment pair may be in flight; a concurrent second call is
// rejected synchronously. Without force the policy interval must have
// elapsed.
func (o *Orchestrator) RotateSecret(ctx context.Context, secretKey, environment string, force bool) (Event, error) {
	o.mu.Lock()
	policy, ok := o.policies[secretKey]
	if !ok {
		o.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrNoPolicy, secretKey)
	}
	if !policyCoversEnvironment(policy, environment) {
		o.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s not in %v", ErrEnvironmentNotCovered, environment, policy.Environments)
	}

	pk := pairKey(secretKey, environment)
	if _, busy := o.inFlight[pk]; busy {
		o.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s in %s", ErrRotationInFlight, secretKey, environment)
	}
	if !force && !o.dueLocked(policy, environment) {
		o.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s in %s", ErrNotDue, secretKey, environment)
	}

	ev := &Event{
		RotationID:  uuid.NewString(),
		SecretKey:   secretKey,
		Environment: environment,
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
	}
	o.inFlight[pk] = struct{}{}
	o.history = append(o.history, ev)
	o.byID[ev.RotationID] = ev
	o.mu.Unlock()

	o.perform(ctx, policy, ev)

	o.mu.Lock()
	delete(o.inFlight, pk)
	result := *ev
	o.mu.Unlock()

	if result.Status == StatusFailed {
		return result, fmt.Errorf("rotation %s failed: %s", result.RotationID, result.Error)
	}
	return result, nil
}

// perform executes the rotation body. The in-flight reservation and the
// event already exist; this only moves the event through its states.
func (o *Orchestrator) perform(ctx context.Context, policy Policy, ev *Event) {
	start := time.Now()
	o.setStatus(ev, StatusInProgress, "")
	o.sendNotification(notify.KindStarted, ev)

	// Validation probes can echo the candidate back in their error text
	// (a DSN, an HTTP response); scrub both values before the error is
	// stored, audited or notified.
	var liveValues []string
	fail := func(err error) {
		detail := logging.Redact(err.Error(), liveValues)
		o.setStatus(ev, StatusFailed, detail)
		o.sendNotification(notify.KindFailed, ev)
		o.auditRotation(ev, false)
		recordRotationMetric(string(policy.RotationType), "failed", time.Since(start))
		o.log.Warn("rotation %s for %s failed: %s", ev.RotationID, ev.SecretKey, detail)
	}

	gen, err := generatorFor(policy.RotationType)
	if err != nil {
		fail(err)
		return
	}

	oldValue, hadOld := o.secrets.GetSecret(ctx, policy.SecretKey, ev.Environment, false)
	if hadOld {
		liveValues = append(liveValues, oldValue)
		o.withEvent(ev, func() { ev.OldSecretHint = secretHint(oldValue) })
	}

	candidate, err := gen.Generate(policy)
	if err != nil {
		fail(fmt.Errorf("generation failed: %w", err))
		return
	}
	liveValues = append(liveValues, candidate)

	if policy.ValidationRequired {
		// A rejected candidate leaves the old secret untouched.
		if err := gen.Validate(ctx, policy, candidate); err != nil {
			fail(fmt.Errorf("validation failed: %w", err))
			return
		}
	}

	if err := o.secrets.SetSecret(ctx, policy.SecretKey, candidate, ev.Environment); err != nil {
		fail(fmt.Errorf("write failed: %w", err))
		return
	}

	rollbackOK := false
	if hadOld {
		window := time.Duration(policy.RollbackTimeoutMinutes) * time.Minute
		if err := o.rollback.put(ev.RotationID, policy.SecretKey, ev.Environment, oldValue, window); err != nil {
			o.log.Warn("storing rollback value for %s: %v", ev.RotationID, err)
		} else {
			rollbackOK = true
		}
	}

	o.withEvent(ev, func() {
		ev.NewSecretHint = secretHint(candidate)
		ev.RollbackAvailable = rollbackOK
	})
	o.setStatus(ev, StatusCompleted, "")

	o.mu.Lock()
	o.lastDone[pairKey(ev.SecretKey, ev.Environment)] = time.Now().UTC()
	o.mu.Unlock()

	o.sendNotification(notify.KindCompleted, ev)
	o.auditRotation(ev, true)
	recordRotationMetric(string(policy.RotationType), "completed", time.Since(start))
	o.log.Info("rotated %s in %s (%s)", ev.SecretKey, ev.Environment, ev.RotationID)
}

// RollbackRotation restores the value a completed rotation replaced, if the
// rollback window is still open.
func (o *Orchestrator) RollbackRotation(ctx context.Context, rotationID string) error {
	o.mu.Lock()
	ev, ok := o.byID[rotationID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("unknown rotation %s", rotationID)
	}
	if !canTransition(ev.Status, StatusRollback) {
		status := ev.Status
		o.mu.Unlock()
		return fmt.Errorf("rotation %s is %s, cannot roll back", rotationID, status)
	}
	o.mu.Unlock()

	oldValue, secretKey, environment, err := o.rollback.take(rotationID)
	if err != nil {
		return fmt.Errorf("rollback of %s: %w", rotationID, err)
	}

	if err := o.secrets.SetSecret(ctx, secretKey, oldValue, environment); err != nil {
		return fmt.Errorf("failed to restore previous value: %w", err)
	}

	o.setStatus(ev, StatusRollback, "")
	o.withEvent(ev, func() { ev.RollbackAvailable = false })
	o.sendNotification(notify.KindRollback, ev)
	o.auditRotation(ev, true)
	o.log.Info("rolled back rotation %s for %s in %s", rotationID, secretKey, environment)
	return nil
}

// dueLocked decides whether the policy interval has elapsed for the pair.
// A pair with no completed rotation is always due. Callers hold o.mu.
func (o *Orchestrator) dueLocked(policy Policy, environment string) bool {
	last, ok := o.lastDone[pairKey(policy.SecretKey, environment)]
	if !ok {
		return true
	}
	return time.Since(last) >= time.Duration(policy.IntervalDays)*24*time.Hour
}

func policyCoversEnvironment(policy Policy, environment string) bool {
	if len(policy.Environments) == 0 {
		return true
	}
	for _, env := range policy.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

// StartScheduler launches the background rotation loop. Each tick evaluates
// every auto-rotate policy against every environment it covers and rotates
// the due pairs; one pair's failure never aborts the sweep.
func (o *Orchestrator) StartScheduler(ctx context.Context, checkInterval time.Duration) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.tick(ctx)
			case <-o.stopCh:
				return
			}
		}
	}()
	o.log.Debug("rotation scheduler started, checking every %s", checkInterval)
}

// StopScheduler halts the loop and waits for the current tick to finish.
func (o *Orchestrator) StopScheduler() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
	o.wg.Wait()
}

func (o *Orchestrator) tick(ctx context.Context) {
	if swept := o.rollback.sweep(); swept > 0 {
		o.log.Debug("swept %d expired rollback entries", swept)
	}

	o.mu.Lock()
	policies := make([]Policy, 0, len(o.policies))
	for _, p := range o.policies {
		if p.AutoRotate {
			policies = append(policies, p)
		}
	}
	o.mu.Unlock()

	for _, policy := range policies {
		envs := policy.Environments
		if len(envs) == 0 {
			// An empty list means "any environment" for manual rotation,
			// but the scheduler has no environment inventory to expand it
			// against. Auto-rotation needs the list spelled out.
			o.log.Debug("policy %s has auto_rotate but no environments, skipping scheduled rotation", policy.SecretKey)
			continue
		}
		for _, env := range envs {
			o.mu.Lock()
			due := o.dueLocked(policy, env)
			o.mu.Unlock()
			if !due {
				continue
			}
			if _, err := o.RotateSecret(ctx, policy.SecretKey, env, false); err != nil {
				// In-flight and not-due races are expected here.
				if errors.Is(err, ErrRotationInFlight) || errors.Is(err, ErrNotDue) {
					continue
				}
				o.log.Warn("scheduled rotation of %s in %s: %v", policy.SecretKey, env, err)
			}
		}
	}
}

// Statistics summarizes all rotations since startup.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := Statistics{
		RotationsBySecret: make(map[string]int),
		ActiveRotations:   len(o.inFlight),
		PendingRollbacks:  o.rollback.size(),
	}
	for _, ev := range o.history {
		stats.TotalRotations++
		stats.RotationsBySecret[ev.SecretKey]++
		switch ev.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRollback:
			stats.RolledBack++
		}
	}
	return stats
}

// History returns copies of the rotation events for a secret key, newest
// last. An empty key returns everything.
func (o *Orchestrator) History(secretKey string) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Event
	for _, ev := range o.history {
		if secretKey == "" || ev.SecretKey == secretKey {
			out = append(out, *ev)
		}
	}
	return out
}

// CreateReport assembles the compliance report.
func (o *Orchestrator) CreateReport() Report {
	stats := o.Statistics()

	o.mu.Lock()
	history := make(map[string][]Event)
	for _, ev := range o.history {
		history[ev.SecretKey] = append(history[ev.SecretKey], *ev)
	}
	policies := make([]Policy, 0, len(o.policies))
	for _, p := range o.policies {
		policies = append(policies, p)
	}
	o.mu.Unlock()

	return Report{
		GeneratedAt: time.Now().UTC(),
		Statistics:  stats,
		Policies:    policies,
		History:     history,
	}
}

func (o *Orchestrator) setStatus(ev *Event, to Status, errDetail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ev.transition(to); err != nil {
		o.log.Error("rotation %s: %v", ev.RotationID, err)
		return
	}
	if errDetail != "" {
		ev.Error = errDetail
	}
}

// withEvent mutates event fields under the orchestrator lock.
func (o *Orchestrator) withEvent(ev *Event, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *Orchestrator) sendNotification(kind notify.Kind, ev *Event) {
	if o.notify == nil {
		return
	}
	o.mu.Lock()
	n := notify.Event{
		Kind:        kind,
		RotationID:  ev.RotationID,
		SecretKey:   ev.SecretKey,
		Environment: ev.Environment,
		Error:       ev.Error,
	}
	o.mu.Unlock()
	o.notify.Notify(n)
}

func (o *Orchestrator) auditRotation(ev *Event, success bool) {
	if o.audit == nil {
		return
	}
	o.mu.Lock()
	id, key, env, detail := ev.RotationID, ev.SecretKey, ev.Environment, ev.Error
	o.mu.Unlock()
	if err := o.audit.LogSecretRotation(key, env, id, success, detail); err != nil {
		o.log.Debug("audit write failed: %v", err)
	}
}
