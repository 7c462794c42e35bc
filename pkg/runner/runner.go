// Package runner is the Service Runner: it performs the database
// precheck, loads or creates this node's identity, starts the sync
// components in
// dependency order, exposes the local HTTP health/status/metrics
// endpoint, and drives a signal-triggered graceful shutdown in reverse
// startup order, using pkg/health's check/backoff idioms.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/clockid"
	"github.com/cuemby/warren/pkg/discovery"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/localstore"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/partition"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/syncengine"
	"github.com/cuemby/warren/pkg/tracker"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/wire"
)

const shutdownTimeout = 30 * time.Second

// Config is everything the Runner needs, already resolved from
// environment variables and flags by cmd/syncd:
// SYNC_REGISTRATION_KEY, SYNC_PORT, SYNC_INTERVAL, LOG_LEVEL,
// SKIP_DB_PRECHECK, DB_PRECHECK_ATTEMPTS, DB_PRECHECK_BASE_DELAY_MS,
// DATABASE_URL, SYNC_NODE_NAME, SYNC_DATA_DIR, SYNC_DISCOVERY_ADDR,
// SYNC_MAX_BATCH_SIZE.
type Config struct {
	NodeName        string
	Host            string
	RegistrationKey string
	SyncPort        int
	SyncInterval    time.Duration
	DataDir         string
	DiscoveryAddr   string
	MaxBatchSize    int

	DatabaseURL         string
	SkipDBPrecheck      bool
	DBPrecheckAttempts  int
	DBPrecheckBaseDelay time.Duration

	// ExcludedTables lists business tables the change tracker never
	// captures.
	ExcludedTables []string
	// SnapshotTables names the tables the bulk snapshot protocol dumps
	// and applies, each with its primary-key column.
	SnapshotTables []partition.TableSpec

	// SweepInterval is the period between sweeper runs (default 5m).
	SweepInterval time.Duration
	// EventRetention is the age cap for sync_events rows (default 30
	// days). Retention is hybrid: rows go once every known peer has acked
	// or the window lapses, whichever comes first.
	EventRetention time.Duration
	// AuditRetention bounds how long an audit_logs row is kept before
	// pruning (default 90 days).
	AuditRetention time.Duration

	Version string
}

func (c *Config) applyDefaults() {
	if c.SyncPort <= 0 {
		c.SyncPort = 8765
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = fmt.Sprintf("255.255.255.255:%d", c.SyncPort+1)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.Host == "" {
		if h, err := os.Hostname(); err == nil {
			c.Host = h
		} else {
			c.Host = "localhost"
		}
	}
	if c.DBPrecheckAttempts <= 0 {
		c.DBPrecheckAttempts = 3
	}
	if c.DBPrecheckBaseDelay <= 0 {
		c.DBPrecheckBaseDelay = 500 * time.Millisecond
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 30 * 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
}

// Runner owns every component's lifecycle for one process.
type Runner struct {
	cfg Config

	st    *store.PostgresStore
	local *localstore.Store

	broker    *events.Broker
	clock     *clockid.Clock
	tr        *tracker.Tracker
	sec       *security.Manager
	disco     *discovery.Discovery
	engine    *syncengine.Engine
	detector  *partition.Detector
	recovery  *partition.RecoveryCoordinator
	collector *metrics.Collector
	monitor   *health.Monitor
	wireSrv   *wire.Server
	wireCli   *wire.Client

	identity *types.NodeIdentity

	httpSrv *httpServer

	capturedEvents atomic.Int64
	startedAt      time.Time
}

// New validates cfg and prepares defaults. Call Run to actually start
// the daemon; construction alone does no I/O.
func New(cfg Config) (*Runner, error) {
	cfg.applyDefaults()
	if cfg.SyncPort <= 0 || cfg.SyncPort > 65535 {
		return nil, &ExitError{Code: ExitConfigError, Err: fmt.Errorf("invalid SYNC_PORT %d", cfg.SyncPort)}
	}
	if cfg.DataDir == "" {
		return nil, &ExitError{Code: ExitConfigError, Err: fmt.Errorf("SYNC_DATA_DIR must not be empty")}
	}
	if cfg.RegistrationKey == "" {
		l := log.WithComponent("runner")
		l.Warn().Msg("SYNC_REGISTRATION_KEY is empty; running without a shared secret is insecure")
	}
	return &Runner{cfg: cfg, startedAt: time.Now()}, nil
}

// Run performs the precheck, wires every component, and blocks until ctx
// is canceled (normally by a signal handler in cmd/syncd) or a component
// fails fatally. The returned error is an *ExitError when the failure
// maps to one of the fixed process exit codes.
func (r *Runner) Run(ctx context.Context) error {
	logger := log.WithComponent("runner")
	metrics.SetVersion(r.cfg.Version)
	metrics.SetCriticalComponents([]string{"store", "discovery", "security", "syncengine"})

	if !r.cfg.SkipDBPrecheck {
		if err := precheckDatabase(ctx, r.cfg.DatabaseURL, r.cfg.DBPrecheckAttempts, r.cfg.DBPrecheckBaseDelay); err != nil {
			metrics.RegisterComponent("store", false, err.Error())
			return &ExitError{Code: ExitDBPrecheckFailed, Err: err}
		}
	}

	st, err := store.Open(ctx, r.cfg.DatabaseURL, "")
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return &ExitError{Code: ExitDBPrecheckFailed, Err: fmt.Errorf("open store: %w", err)}
	}
	r.st = st
	defer st.Close()
	metrics.RegisterComponent("store", true, "connected")

	if err := ensureDir(filepath.Join(r.cfg.DataDir)); err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	local, err := localstore.Open(r.cfg.DataDir)
	if err != nil {
		return &ExitError{Code: ExitConfigError, Err: fmt.Errorf("open local cache: %w", err)}
	}
	r.local = local
	defer local.Close()

	identity, err := loadOrCreateIdentity(ctx, r.st, r.cfg.NodeName, r.cfg.Host, r.cfg.SyncPort, r.cfg.RegistrationKey, true)
	if err != nil {
		return &ExitError{Code: ExitIdentityInitFailed, Err: fmt.Errorf("load or create identity: %w", err)}
	}
	r.identity = identity
	logger.Info().Str("node_id", identity.NodeID).Str("node_name", identity.NodeName).Msg("identity ready")

	r.broker = events.NewBroker()
	r.broker.Start()
	defer r.broker.Stop()
	r.watchEventCounts(ctx)

	vc, lamport, err := r.st.LoadClock(ctx, identity.NodeID)
	if err != nil {
		return &ExitError{Code: ExitIdentityInitFailed, Err: fmt.Errorf("load clock: %w", err)}
	}
	if vc == nil {
		vc = types.VectorClock{}
	}
	r.clock = clockid.New(identity.NodeID, vc, lamport, r.st)

	r.tr = tracker.New(tracker.Config{
		NodeID:              identity.NodeID,
		NodeVersion:         r.cfg.Version,
		RegistrationKeyHash: identity.RegistrationKeyHash,
		ExcludedTables:      r.cfg.ExcludedTables,
		SigningKey:          identity.PrivateKeyEncrypted,
	}, r.clock, r.broker)

	r.sec = security.NewManager(security.Config{
		NodeID:          identity.NodeID,
		RegistrationKey: r.cfg.RegistrationKey,
	}, r.st, r.st)
	r.sec.SetRotationStore(r.st)
	r.sec.SetBroker(r.broker)
	r.sec.RestoreRotation(ctx)
	metrics.RegisterComponent("security", true, "ready")

	r.disco = discovery.New(discovery.Config{
		NodeID:              identity.NodeID,
		NodeName:            identity.NodeName,
		Endpoint:            fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.SyncPort),
		Capabilities:        identity.Capabilities,
		RegistrationKeyHash: identity.RegistrationKeyHash,
		PublicKey:           identity.PublicKey,
		Addr:                r.cfg.DiscoveryAddr,
	}, r.broker)

	r.wireCli = wire.NewClient(wire.Config{
		NodeID:   identity.NodeID,
		Security: r.sec,
		Encrypt:  identity.Capabilities.Encryption,
	})

	r.engine = syncengine.New(syncengine.Config{
		NodeID:          identity.NodeID,
		RegistrationKey: r.cfg.RegistrationKey,
		TickInterval:    r.cfg.SyncInterval,
		MaxBatchSize:    r.cfg.MaxBatchSize,
	}, r.clock, r.st, r.sec, r.wireCli, r.disco, r.broker)

	r.recovery = partition.NewRecoveryCoordinator(partition.RecoveryConfig{
		NodeID:  identity.NodeID,
		DataDir: r.cfg.DataDir,
		Tables:  r.cfg.SnapshotTables,
	}, r.clock, r.st, r.local, r.tr, r.wireCli, r.broker)

	r.wireSrv = wire.NewServer(wire.ServerConfig{
		NodeID:   identity.NodeID,
		Addr:     fmt.Sprintf(":%d", r.cfg.SyncPort),
		Security: r.sec,
		Pull:     r.st,
		Apply:    r.engine,
		Sessions: r.st,
		Snapshot: r.recovery,
		Encrypt:  identity.Capabilities.Encryption,
	})

	r.detector = partition.New(partition.Config{
		NodeID: identity.NodeID,
	}, r.st, r.engine, r.wireCli, r.disco, r.disco, r.broker)
	r.detector.SetReconciler(r.recovery)

	r.triggerInitialJoin(ctx, lamport)

	r.collector = metrics.NewCollector(r.disco, r.st)

	r.monitor = health.NewMonitor(health.Config{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Retries:  3,
	}, metrics.RegisterComponent)
	if u, err := url.Parse(r.cfg.DatabaseURL); err == nil && u.Host != "" {
		r.monitor.Register("database", health.NewTCPChecker(u.Host).WithTimeout(10*time.Second))
	}

	r.httpSrv = newHTTPServer(r)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	r.spawn(ctx, &wg, errCh, "discovery", r.disco.Start)
	r.spawn(ctx, &wg, errCh, "wire-server", r.wireSrv.Start)
	r.spawnVoid(ctx, &wg, r.engine.Run)
	r.spawnVoid(ctx, &wg, r.detector.Run)
	r.spawnVoid(ctx, &wg, r.monitor.Run)
	r.spawnVoid(ctx, &wg, r.sweep)

	r.collector.Start()
	r.httpSrv.Start()

	metrics.RegisterComponent("discovery", true, "started")
	metrics.RegisterComponent("syncengine", true, "started")
	logger.Info().Int("port", r.cfg.SyncPort).Msg("syncd running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("component failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.shutdown(shutdownCtx, &wg)

	if runErr != nil {
		return &ExitError{Code: ExitFatalSteadyState, Err: runErr}
	}
	return nil
}

// spawn runs fn(ctx) in its own goroutine, reporting a non-nil return on
// errCh. fn is expected to block until ctx is canceled.
func (r *Runner) spawn(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// spawnVoid runs fn(ctx) in its own goroutine for components whose Run
// loop has no terminal error to report, only a ctx-Done exit.
func (r *Runner) spawnVoid(ctx context.Context, wg *sync.WaitGroup, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func (r *Runner) shutdown(ctx context.Context, wg *sync.WaitGroup) {
	logger := log.WithComponent("runner")
	logger.Info().Msg("shutting down")

	r.httpSrv.Stop(ctx)
	r.collector.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Msg("shutdown timed out waiting for components")
	}
	logger.Info().Msg("shutdown complete")
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// triggerInitialJoin bootstraps a brand-new node via the bulk-snapshot
// protocol instead of leaving it to replay its entire peer history
// incrementally. lamport == 0 means this node's
// clock has never ticked or merged, i.e. an empty store with no prior
// sync history; it waits for the first peer discovery reports reachable
// and recovers from it once. A node that already has history (lamport
// != 0) always falls back to the Sync Engine's normal incremental pull.
func (r *Runner) triggerInitialJoin(ctx context.Context, lamport uint64) {
	if lamport != 0 {
		return
	}
	logger := log.WithComponent("runner")
	sub := r.broker.Subscribe()
	go func() {
		defer r.broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if evt.Type != events.EventPeerReachable {
					continue
				}
				donor := r.disco.Peer(evt.Message)
				if donor == nil {
					continue
				}
				logger.Info().Str("donor", donor.NodeID).Msg("bootstrapping empty store via bulk snapshot from first reachable peer")
				if err := r.recovery.Recover(ctx, donor); err != nil {
					logger.Error().Err(err).Msg("initial-join bulk snapshot recovery failed, falling back to incremental sync")
				}
				return
			}
		}
	}()
}

// sweep is the audit/session sweeper worker: on an interval it reaps
// expired sessions from both the shared store and the local cache,
// expired auth tokens, and prunes audit_logs/sync_events past their
// retention windows.
func (r *Runner) sweep(ctx context.Context) {
	logger := log.WithComponent("runner")
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runSweep(ctx, logger)
		}
	}
}

func (r *Runner) runSweep(ctx context.Context, logger zerolog.Logger) {
	now := time.Now()

	if n, err := r.st.SweepExpiredSessions(ctx, now); err != nil {
		logger.Warn().Err(err).Msg("sweep expired sessions")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("swept expired sessions")
	}

	if n, err := r.st.PruneAudit(ctx, now.Add(-r.cfg.AuditRetention)); err != nil {
		logger.Warn().Err(err).Msg("prune audit log")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("pruned audit log")
	}

	acked := peerNodeIDs(r.disco.Peers())
	if n, err := r.st.PruneProcessedEvents(ctx, now.Add(-r.cfg.EventRetention), acked); err != nil {
		logger.Warn().Err(err).Msg("prune processed events")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("pruned processed events")
	}

	if n, err := r.local.SweepExpiredSessions(now); err != nil {
		logger.Warn().Err(err).Msg("sweep local session cache")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("swept local session cache")
	}

	r.sec.CleanupExpired()
}

func peerNodeIDs(peers []*types.PeerRecord) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.NodeID)
	}
	return out
}

// watchEventCounts keeps the /health endpoint's totalEventsSynced counter
// current by tallying local.change.captured signals off the broker - an
// approximation of "synced" rather than a true ack count, since the Sync
// Engine itself exposes no per-event completion signal, only watermarks.
func (r *Runner) watchEventCounts(ctx context.Context) {
	sub := r.broker.Subscribe()
	go func() {
		defer r.broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if evt.Type == events.EventLocalChangeCaptured {
					r.capturedEvents.Add(1)
				}
			}
		}
	}()
}
