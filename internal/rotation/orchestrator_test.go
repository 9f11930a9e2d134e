package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/backend"
	"github.com/systmms/trustplane/internal/crypto"
	"github.com/systmms/trustplane/internal/logging"
	"github.com/systmms/trustplane/internal/secrets"
)

// testStore is an httptest environment store with adjustable latency.
type testStore struct {
	srv *httptest.Server

	mu           sync.Mutex
	trees        map[string]map[string]interface{}
	latency      time.Duration
	rejectKey    string
	rejectedWith string
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	ts := &testStore{trees: map[string]map[string]interface{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/environments/testorg/", func(w http.ResponseWriter, r *http.Request) {
		env := strings.TrimPrefix(r.URL.Path, "/api/environments/testorg/")
		ts.mu.Lock()
		latency := ts.latency
		ts.mu.Unlock()
		time.Sleep(latency)

		ts.mu.Lock()
		defer ts.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			tree, ok := ts.trees[env]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"values": tree})
		case http.MethodPut:
			var payload struct {
				Values map[string]interface{} `json:"values"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if ts.rejectKey != "" {
				v, _ := payload.Values[ts.rejectKey].(string)
				ts.rejectedWith = v
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprintf(w, "value %q rejected by store policy", v)
				return
			}
			ts.trees[env] = payload.Values
			w.WriteHeader(http.StatusOK)
		}
	})
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testStore) set(env string, tree map[string]interface{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.trees[env] = tree
}

func (ts *testStore) value(env, key string) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	v, _ := ts.trees[env][key].(string)
	return v
}

func (ts *testStore) setLatency(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.latency = d
}

// rejectWrites makes every PUT fail with a body that echoes the submitted
// value for key, the way a server-side schema check would.
func (ts *testStore) rejectWrites(key string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rejectKey = key
}

func (ts *testStore) rejectedValue() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.rejectedWith
}

func newTestOrchestrator(t *testing.T, ts *testStore) *Orchestrator {
	t.Helper()

	log := logging.NewWithOutput(false, io.Discard)
	client, err := backend.New(backend.Config{
		BaseURL:      ts.srv.URL,
		Organization: "testorg",
		Token:        "test-token",
	}, log)
	require.NoError(t, err)

	key := make([]byte, crypto.KeySize)
	copy(key, "rotation-test-keyrotation-test-k")
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)

	auditLogger := audit.NewLogger(audit.Config{BufferSize: 1000},
		[]audit.Sink{audit.NewMemorySink()}, log)
	mgr := secrets.NewManager(client, secrets.NewCache(time.Minute, cipher), auditLogger, log)

	return NewOrchestrator(mgr, cipher, auditLogger, nil, log)
}

func TestRotateSecretHappyPath(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"db_password": "OldPassw0rd!abcd"})
	o := newTestOrchestrator(t, ts)

	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:              "db_password",
		RotationType:           TypePassword,
		RollbackTimeoutMinutes: 30,
	}))

	ev, err := o.RotateSecret(context.Background(), "db_password", "dev", true)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, ev.Status)
	assert.True(t, ev.RollbackAvailable)
	assert.NotEmpty(t, ev.RotationID)
	assert.Equal(t, "...abcd", ev.OldSecretHint)
	assert.False(t, ev.CompletedAt.IsZero())

	rotated := ts.value("dev", "db_password")
	assert.NotEqual(t, "OldPassw0rd!abcd", rotated)
	assert.GreaterOrEqual(t, len(rotated), 16)
}

func TestRotateSecretRejectsInFlightDuplicate(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"api_key": "tk-old"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{SecretKey: "api_key", RotationType: TypeToken}))

	o.mu.Lock()
	o.inFlight[pairKey("api_key", "dev")] = struct{}{}
	o.mu.Unlock()

	_, err := o.RotateSecret(context.Background(), "api_key", "dev", true)
	assert.ErrorIs(t, err, ErrRotationInFlight)
}

func TestRotateSecretConcurrentExclusivity(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"api_key": "tk-old"})
	ts.setLatency(150 * time.Millisecond)
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{SecretKey: "api_key", RotationType: TypeToken}))

	results := make(chan error, 2)
	go func() {
		_, err := o.RotateSecret(context.Background(), "api_key", "dev", true)
		results <- err
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		_, err := o.RotateSecret(context.Background(), "api_key", "dev", true)
		results <- err
	}()

	var inFlightErrs, successes int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			successes++
		default:
			require.ErrorIs(t, err, ErrRotationInFlight)
			inFlightErrs++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, inFlightErrs)
}

func TestRotateSecretValidationFailureLeavesOldValue(t *testing.T) {
	t.Parallel()

	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer reject.Close()

	ts := newTestStore(t)
	ts.set("production", map[string]interface{}{"openai_key": "tk-original"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:          "openai_key",
		RotationType:       TypeAPIKey,
		ValidationRequired: true,
		ValidationURL:      reject.URL,
	}))

	ev, err := o.RotateSecret(context.Background(), "openai_key", "production", true)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "validation failed")

	assert.Equal(t, "tk-original", ts.value("production", "openai_key"),
		"a failed validation must not touch the stored secret")
}

func TestRotateSecretFailureDetailScrubbed(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"db_password": "OldPassw0rd!abcd"})
	ts.rejectWrites("db_password")
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:    "db_password",
		RotationType: TypePassword,
	}))

	ev, err := o.RotateSecret(context.Background(), "db_password", "dev", true)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, ev.Status)

	// The store echoed the candidate back in its rejection body; the
	// stored failure detail must not reproduce either live value.
	candidate := ts.rejectedValue()
	require.NotEmpty(t, candidate)
	assert.Contains(t, ev.Error, "[REDACTED]")
	assert.NotContains(t, ev.Error, candidate)
	assert.NotContains(t, ev.Error, "OldPassw0rd!abcd")
}

func TestRollbackRestoresPreviousValue(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"db_password": "OldPassw0rd!abcd"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:              "db_password",
		RotationType:           TypePassword,
		RollbackTimeoutMinutes: 30,
	}))

	ev, err := o.RotateSecret(context.Background(), "db_password", "dev", true)
	require.NoError(t, err)
	require.NotEqual(t, "OldPassw0rd!abcd", ts.value("dev", "db_password"))

	require.NoError(t, o.RollbackRotation(context.Background(), ev.RotationID))
	assert.Equal(t, "OldPassw0rd!abcd", ts.value("dev", "db_password"))

	history := o.History("db_password")
	require.Len(t, history, 1)
	assert.Equal(t, StatusRollback, history[0].Status)

	// A second rollback of the same rotation must fail: the event is in a
	// terminal state and the stored value is gone.
	assert.Error(t, o.RollbackRotation(context.Background(), ev.RotationID))
	assert.Equal(t, "OldPassw0rd!abcd", ts.value("dev", "db_password"))
}

func TestRollbackAfterWindowExpires(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"db_password": "OldPassw0rd!abcd"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:              "db_password",
		RotationType:           TypePassword,
		RollbackTimeoutMinutes: 30,
	}))

	ev, err := o.RotateSecret(context.Background(), "db_password", "dev", true)
	require.NoError(t, err)
	rotated := ts.value("dev", "db_password")

	// Force the window closed.
	o.rollback.mu.Lock()
	entry := o.rollback.entries[ev.RotationID]
	entry.expiresAt = time.Now().UTC().Add(-time.Minute)
	o.rollback.entries[ev.RotationID] = entry
	o.rollback.mu.Unlock()

	err = o.RollbackRotation(context.Background(), ev.RotationID)
	require.ErrorIs(t, err, ErrRollbackExpired)
	assert.Equal(t, rotated, ts.value("dev", "db_password"), "an expired rollback must not mutate the secret")

	history := o.History("db_password")
	assert.Equal(t, StatusCompleted, history[0].Status)
}

func TestRotateSecretNotDueWithoutForce(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"token": "tok"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:    "token",
		RotationType: TypeToken,
		IntervalDays: 30,
	}))

	// No history: due, so the unforced call succeeds.
	_, err := o.RotateSecret(context.Background(), "token", "dev", false)
	require.NoError(t, err)

	_, err = o.RotateSecret(context.Background(), "token", "dev", false)
	assert.ErrorIs(t, err, ErrNotDue)

	// Force overrides the interval.
	_, err = o.RotateSecret(context.Background(), "token", "dev", true)
	assert.NoError(t, err)
}

func TestRotateSecretPolicyChecks(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:    "scoped",
		RotationType: TypeToken,
		Environments: []string{"production"},
	}))

	_, err := o.RotateSecret(context.Background(), "unknown", "dev", true)
	assert.ErrorIs(t, err, ErrNoPolicy)

	_, err = o.RotateSecret(context.Background(), "scoped", "dev", true)
	assert.ErrorIs(t, err, ErrEnvironmentNotCovered)
}

func TestStatisticsAndReport(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"a": "v1", "b": "v2"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{SecretKey: "a", RotationType: TypeToken}))
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:          "b",
		RotationType:       TypeAPIKey,
		ValidationRequired: true,
		ValidationURL:      "http://127.0.0.1:1", // unreachable, validation must fail
	}))

	_, err := o.RotateSecret(context.Background(), "a", "dev", true)
	require.NoError(t, err)
	_, err = o.RotateSecret(context.Background(), "b", "dev", true)
	require.Error(t, err)

	stats := o.Statistics()
	assert.Equal(t, 2, stats.TotalRotations)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.ActiveRotations)

	report := o.CreateReport()
	assert.Len(t, report.Policies, 2)
	assert.Len(t, report.History["a"], 1)
	assert.Len(t, report.History["b"], 1)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestSchedulerRotatesDuePairs(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.set("dev", map[string]interface{}{"auto_token": "orig"})
	o := newTestOrchestrator(t, ts)
	require.NoError(t, o.AddPolicy(Policy{
		SecretKey:    "auto_token",
		RotationType: TypeToken,
		AutoRotate:   true,
		IntervalDays: 30,
		Environments: []string{"dev"},
	}))

	o.StartScheduler(context.Background(), 30*time.Millisecond)
	defer o.StopScheduler()

	require.Eventually(t, func() bool {
		return o.Statistics().Completed == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.NotEqual(t, "orig", ts.value("dev", "auto_token"))

	// The pair is no longer due; further ticks must not rotate again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, o.Statistics().Completed)
}

func TestSecretHint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "...cret", secretHint("SuperSecret"))
	assert.Equal(t, "****", secretHint("abc"))
	assert.Equal(t, "****", secretHint(""))

	// Short values keep no hint at all: a trailing fragment of a five to
	// eight character secret would reproduce most of it.
	assert.Equal(t, "****", secretHint("admin"))
	assert.Equal(t, "****", secretHint("hunter22"))
}
