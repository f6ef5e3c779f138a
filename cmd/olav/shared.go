package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/config"
	"github.com/jkaninda/olav/internal/inventory"
	"github.com/jkaninda/olav/internal/notification"
	"github.com/jkaninda/olav/internal/observability"
	"github.com/jkaninda/olav/internal/policy"
	"github.com/jkaninda/olav/internal/privilege"
	"github.com/jkaninda/olav/internal/sandbox"
	"github.com/jkaninda/olav/internal/secrets"
	"github.com/jkaninda/olav/internal/storage"
	pgstore "github.com/jkaninda/olav/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/olav/internal/storage/sqlite"
	"github.com/jkaninda/olav/internal/transport"
	"github.com/jkaninda/olav/internal/transport/cli"
	"github.com/jkaninda/olav/internal/transport/netconf"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store // Unified store (SQLite or PostgreSQL).
	Obs       *observability.Observability
	Inventory inventory.Provider
	Policy    *policy.Policy
	Gate      *approval.Gate
	Sweeper   *approval.Sweeper
	Executor  *sandbox.Executor
	Notifier  *notification.Dispatcher // nil when no channels are configured.

	execOptions sandbox.Options
	cleanups    []func()
}

// Cleanup runs all deferred cleanup functions in reverse order. Calling it again
// is a no-op.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the JSON stderr logger used by every command.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file from --config, $OLAV_CONFIG or the default
// location. A missing default file yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("OLAV_CONFIG", configPath)
	if configPath != "" {
		path = configPath
	}
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
	}
	return config.Load(path)
}

// initShared performs the initialization shared by all commands that touch devices,
// approvals or the audit log. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context) (*SharedComponents, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				logger.Warn("observability shutdown", slog.String("error", err.Error()))
			}
		}
	})

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Inventory.
	inv, err := initInventory(cfg, store)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing inventory: %w", err)
	}
	sc.Inventory = inv

	// Policy.
	pol, err := initPolicy(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing policy: %w", err)
	}
	sc.Policy = pol

	// Secrets back device credentials and notification tokens.
	provider, err := initSecrets(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}

	// Transport adapters.
	adapters, err := initAdapters(cfg, provider, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing transports: %w", err)
	}

	// Approval gate.
	key, err := approvalKey(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading approval key: %w", err)
	}
	signer, err := approval.NewSigner(key)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Gate = approval.NewGate(store.Approvals(), signer, cfg.Approval.TTL(), logger)
	sweeper, err := approval.NewSweeper(store.Approvals(), cfg.Approval.TTL(), cfg.Approval.Schedule(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Sweeper = sweeper

	sc.Notifier, err = initNotifier(ctx, cfg, provider, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing notifications: %w", err)
	}

	// Audit.
	sink, err := initAudit(ctx, cfg, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit: %w", err)
	}

	opts := sandbox.Options{
		Inventory:   inv,
		Policy:      pol,
		Adapters:    adapters,
		Audit:       sink,
		HITL:        cfg.Approval.HITLEnabled(),
		Gate:        sc.Gate,
		WaitTimeout: cfg.Approval.WaitTimeout(),
		CaptureDiff: cfg.Sandbox.DiffEnabled(),
		ScanNetconf: cfg.Sandbox.ScanNetconf(),
		Logger:      logger,
	}
	if obs != nil {
		if obs.Metrics != nil {
			opts.Metrics = obs.Metrics
		}
		opts.Tracer = obs.SpanTracer()
	}
	sc.execOptions = opts
	sc.Executor, err = sandbox.New(opts)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	logger.Debug("olav initialized",
		slog.String("storage", store.Driver()),
		slog.Bool("hitl", cfg.Approval.HITLEnabled()),
		slog.Int("adapters", len(adapters)),
	)
	return sc, nil
}

// withSource returns an executor that asks src for approval decisions. Auto-approval,
// when enabled, answers first.
func (sc *SharedComponents) withSource(src approval.Source) (*sandbox.Executor, error) {
	opts := sc.execOptions
	if sc.Config.Approval.AutoApproval != nil && sc.Config.Approval.AutoApproval.Enabled {
		a := sc.Config.Approval.AutoApproval
		src = approval.AutoSource{
			Next: src,
			Auto: approval.NewAutoApprover(approval.AutoApprovalConfig{
				Enabled:           a.Enabled,
				MaxAutoApprovals:  a.MaxAutoApprovals,
				AllowedDevices:    a.AllowedDevices,
				RequiredApprovals: a.RequiredApprovals,
				WindowHours:       a.WindowHours,
			}, sc.Logger),
		}
	}
	opts.Source = src
	return sandbox.New(opts)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or OLAV_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initInventory returns the file inventory or the database device table.
func initInventory(cfg *config.Config, store storage.Store) (inventory.Provider, error) {
	if cfg.Inventory.InventorySource() == "file" {
		mem, err := inventory.NewFromFile(cfg.Inventory.File)
		if err != nil {
			return nil, err
		}
		return mem, nil
	}
	return store.Devices(), nil
}

func initPolicy(cfg *config.Config, logger *slog.Logger) (*policy.Policy, error) {
	rules := make([]policy.Rule, len(cfg.Policy.Rules))
	for i, r := range cfg.Policy.Rules {
		rules[i] = policy.Rule{Name: r.Name, Expr: r.Expr}
	}
	return policy.New(policy.Options{
		BlacklistFile:  cfg.Policy.BlacklistFile,
		ExtraBlacklist: cfg.Policy.Blacklist,
		Whitelist:      cfg.Policy.Whitelist,
		WhitelistPath:  cfg.Policy.WhitelistPath,
		Rules:          rules,
	}, logger)
}

// initSecrets composes the credential reference backends. env:// and file:// are
// always available; vault:// only when configured.
func initSecrets(cfg *config.Config) (secrets.Provider, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider(), secrets.NewFileProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			CacheTTL:      time.Duration(v.CacheTTLSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	return secrets.NewCompositeProvider(providers...), nil
}

func initAdapters(cfg *config.Config, provider secrets.Provider, obs *observability.Observability, logger *slog.Logger) ([]transport.Adapter, error) {
	creds := secrets.NewCredentialResolver(provider)

	registry, err := cli.LoadRegistry(cfg.Parser.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("loading parser templates: %w", err)
	}
	logger.Debug("parser templates loaded", slog.Int("templates", registry.Len()))

	priv := privilege.NewManager(privilege.Config{
		MinRequired: cfg.Privilege.MinRequired,
		ForceEnable: cfg.Privilege.ForceEnable,
	}, logger)

	cliAdapter := cli.New(cli.Config{
		Timeout:      cfg.Sandbox.CommandTimeout(),
		MaxDiffBytes: cfg.Sandbox.DiffLimit(),
	}, priv, registry, creds, logger)
	ncAdapter := netconf.New(netconf.Config{
		Timeout:      cfg.Sandbox.CommandTimeout(),
		Commit:       cfg.Sandbox.CommitNetconf(),
		MaxDiffBytes: cfg.Sandbox.DiffLimit(),
	}, creds, logger)

	return []transport.Adapter{obs.WrapAdapter(cliAdapter), obs.WrapAdapter(ncAdapter)}, nil
}

// initNotifier builds the pending-approval dispatcher. Slack tokens are resolved
// here so a bad reference fails at startup rather than on the first approval.
func initNotifier(ctx context.Context, cfg *config.Config, provider secrets.Provider, logger *slog.Logger) (*notification.Dispatcher, error) {
	if len(cfg.Approval.Notify) == 0 {
		return nil, nil
	}
	channels := make([]notification.Channel, 0, len(cfg.Approval.Notify))
	for _, n := range cfg.Approval.Notify {
		ch := notification.Channel{Name: n.Name, Type: n.Type, Config: map[string]string{}}
		switch n.Type {
		case "webhook":
			ch.Config["url"] = n.URL
			if n.AllowPrivate {
				ch.Config["allow_private"] = "true"
			}
			if n.SecretRef != "" {
				sec, err := provider.Resolve(ctx, n.SecretRef)
				if err != nil {
					return nil, fmt.Errorf("resolving secret for channel %q: %w", n.Name, err)
				}
				ch.Config["secret"] = sec.Value
			}
		case "slack":
			sec, err := provider.Resolve(ctx, n.TokenRef)
			if err != nil {
				return nil, fmt.Errorf("resolving token for channel %q: %w", n.Name, err)
			}
			ch.Config["channel_id"] = n.ChannelID
			ch.Config["bot_token"] = sec.Value
		}
		channels = append(channels, ch)
	}
	d := notification.NewDispatcher(channels, logger)
	d.RegisterSender(notification.NewWebhookSender(logger))
	d.RegisterSender(notification.NewSlackSender("", logger))
	return d, nil
}

// notifyPending tells the configured channels about a request left waiting for
// approval. Failures are logged by the dispatcher and never change the result.
func (sc *SharedComponents) notifyPending(ctx context.Context, res *sandbox.ExecutionResult) {
	if sc.Notifier == nil || res == nil || !res.Pending || res.Approval == nil {
		return
	}
	sc.Notifier.Notify(context.WithoutCancel(ctx), notification.ApprovalMessage(res.Approval))
}

// approvalKey returns the token signing key. Without a configured key a random one
// is generated once and kept in the data directory so tokens survive restarts.
func approvalKey(cfg *config.Config) ([]byte, error) {
	if cfg.Approval.TokenKey != "" {
		return []byte(cfg.Approval.TokenKey), nil
	}
	path := filepath.Join(cfg.ResolvedDataDir(), "approval.key")
	data, err := os.ReadFile(path)
	if err == nil {
		return []byte(strings.TrimSpace(string(data))), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	key := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(key+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return []byte(key), nil
}

// initAudit builds the audit sink. The JSONL file and the database each carry their
// own hash chain so either can be verified on its own.
func initAudit(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (audit.Sink, error) {
	var sinks []audit.Sink
	if path := cfg.AuditLogPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
		jsonl, err := audit.NewJSONLSink(path, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}
	if cfg.Audit.DatabaseEnabled() {
		sinks = append(sinks, store.Audit())
	}
	if len(sinks) == 0 {
		return nil, errors.New("no audit destination configured")
	}

	if cfg.Audit.ChainEnabled() {
		for i, s := range sinks {
			chained, err := audit.NewChain(ctx, s)
			if err != nil {
				return nil, err
			}
			sinks[i] = chained
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return audit.MultiSink(sinks), nil
}

// startMetricsServer serves /metrics and health endpoints for the lifetime of ctx
// when an address is configured.
func startMetricsServer(ctx context.Context, sc *SharedComponents) {
	o := sc.Config.Observability
	if sc.Obs == nil || o == nil || o.Metrics == nil || o.Metrics.Addr == "" {
		return
	}
	go func() {
		h := sc.Obs.Handler()
		if err := observability.Serve(ctx, o.Metrics.Addr, h, sc.Logger); err != nil {
			sc.Logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
}
