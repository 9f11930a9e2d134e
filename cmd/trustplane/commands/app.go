package commands

import (
	"fmt"
	"time"

	"github.com/systmms/trustplane/internal/audit"
	"github.com/systmms/trustplane/internal/backend"
	"github.com/systmms/trustplane/internal/config"
	"github.com/systmms/trustplane/internal/crypto"
	"github.com/systmms/trustplane/internal/logging"
	"github.com/systmms/trustplane/internal/rotation"
	"github.com/systmms/trustplane/internal/rotation/notify"
	"github.com/systmms/trustplane/internal/secrets"
)

// GlobalOptions carries the persistent root flags into every command.
type GlobalOptions struct {
	ConfigFile string
	Debug      bool
	NoColor    bool
}

const defaultCacheTTL = 5 * time.Minute

// App is the assembled engine: every component constructed once from the
// bootstrap file and passed by reference. Commands build it on demand and
// close it when done.
type App struct {
	Bootstrap  *config.Bootstrap
	Logger     *logging.Logger
	MasterKey  *crypto.MasterKey
	Cipher     *crypto.Cipher
	Audit      *audit.Logger
	Secrets    *secrets.Manager
	Loader     *config.Loader
	Rotation   *rotation.Orchestrator
	Notify     *notify.Manager
	SecretRefs map[string]string
}

func buildApp(opts *GlobalOptions) (*App, error) {
	log := logging.New(opts.Debug, opts.NoColor)

	b, err := config.LoadBootstrap(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	masterKey, err := crypto.ResolveMasterKey(nil, log)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master key: %w", err)
	}
	cipher, err := masterKey.NewCipher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	auditKey, err := masterKey.DeriveAuditKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive audit checksum key: %w", err)
	}

	sinks, err := buildAuditSinks(b, cipher)
	if err != nil {
		return nil, err
	}

	audit.InitMetrics()
	rotation.InitMetrics()

	auditLogger := audit.NewLogger(audit.Config{
		BufferSize:     b.Audit.BufferSize,
		FlushInterval:  b.Audit.FlushInterval.Std(),
		RotateMaxBytes: b.Audit.RotateMaxBytes,
		ChecksumKey:    auditKey,
	}, sinks, log)

	client, err := backend.New(b.BackendConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	ttl := b.Cache.TTL.Std()
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	manager := secrets.NewManager(client, secrets.NewCache(ttl, cipher), auditLogger, log)

	defaults, secretRefs := b.DefaultEntries()
	loader := config.NewLoader(manager, auditLogger, log, config.Options{
		Environment:     b.Environment,
		EnvFiles:        b.Config.EnvFiles,
		Defaults:        defaults,
		RefreshInterval: b.Config.RefreshInterval.Std(),
	})

	providers := []notify.Provider{&notify.LogProvider{Log: log}}
	if b.Notifications.WebhookURL != "" {
		providers = append(providers, notify.NewWebhookProvider(
			b.Notifications.WebhookURL, b.Notifications.WebhookToken))
	}
	notifier := notify.NewManager(providers, log)

	orch := rotation.NewOrchestrator(manager, cipher, auditLogger, notifier, log)
	for _, spec := range b.Rotation.Policies {
		if err := orch.AddPolicy(policyFromSpec(spec)); err != nil {
			notifier.Stop()
			return nil, fmt.Errorf("invalid rotation policy for %s: %w", spec.SecretKey, err)
		}
	}

	return &App{
		Bootstrap:  b,
		Logger:     log,
		MasterKey:  masterKey,
		Cipher:     cipher,
		Audit:      auditLogger,
		Secrets:    manager,
		Loader:     loader,
		Rotation:   orch,
		Notify:     notifier,
		SecretRefs: secretRefs,
	}, nil
}

func buildAuditSinks(b *config.Bootstrap, cipher *crypto.Cipher) ([]audit.Sink, error) {
	var sinks []audit.Sink

	if b.Audit.File != "" {
		fileCipher := cipher
		if !b.Audit.Encrypt {
			fileCipher = nil
		}
		fs, err := audit.NewFileSink(b.Audit.File, fileCipher, b.Audit.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		sinks = append(sinks, fs)
	}

	if b.Audit.Database != "" {
		ds, err := audit.NewDatabaseSink(b.Audit.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sinks = append(sinks, ds)
	}

	if b.Audit.Syslog {
		ss, err := audit.NewSyslogSink("trustplane")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		sinks = append(sinks, ss)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewMemorySink())
	}
	return sinks, nil
}

func policyFromSpec(spec config.PolicySpec) rotation.Policy {
	return rotation.Policy{
		SecretKey:              spec.SecretKey,
		RotationType:           rotation.Type(spec.RotationType),
		IntervalDays:           spec.IntervalDays,
		MaxAgeDays:             spec.MaxAgeDays,
		GracePeriodHours:       spec.GracePeriodHours,
		AutoRotate:             spec.AutoRotate,
		RollbackTimeoutMinutes: spec.RollbackTimeoutMinutes,
		ValidationRequired:     spec.ValidationRequired,
		Environments:           spec.Environments,
		Length:                 spec.Length,
		KeyPrefix:              spec.KeyPrefix,
		ValidationURL:          spec.ValidationURL,
		ValidationDSN:          spec.ValidationDSN,
	}
}

// Close shuts the app down in reverse dependency order, flushing the audit
// buffer last.
func (a *App) Close() {
	a.Rotation.StopScheduler()
	a.Loader.Stop()
	a.Notify.Stop()
	if err := a.Audit.Stop(); err != nil {
		a.Logger.Warn("closing audit logger: %v", err)
	}
}
