// Package launcher starts and stops a replicad server.
package launcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/bolt"
	"github.com/dirsrv/replication/config"
	"github.com/dirsrv/replication/http"
	"github.com/dirsrv/replication/inmem"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/replica"
	"github.com/dirsrv/replication/sqlite"
	"github.com/dirsrv/replication/sqlite/migrations"
	"github.com/dirsrv/replication/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	// BoltFile holds the changelogs of every suffix.
	BoltFile = "changelog.bolt"
	// SqliteFile holds agreements and tasks.
	SqliteFile = "replicad.sqlite"
)

// Launcher represents the main program execution.
type Launcher struct {
	wg      sync.WaitGroup
	cancel  func()
	running bool

	cfg *config.Config
	log *zap.Logger
	reg *prometheus.Registry

	boltClient *bolt.Client
	sqlStore   *sqlite.SqlStore
	agreements *agreement.Service
	replicas   *replica.Registry
	monitor    *topology.Monitor

	httpPort   int
	httpServer *nethttp.Server
	started    time.Time

	Stdout io.Writer
	Stderr io.Writer
}

// NewLauncher returns a new instance of Launcher connected to standard out/err.
func NewLauncher() *Launcher {
	return &Launcher{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Running returns true if the Launcher has started running.
func (m *Launcher) Running() bool {
	return m.running
}

// Registry returns the prometheus metrics registry.
func (m *Launcher) Registry() *prometheus.Registry {
	return m.reg
}

// Replicas returns the replicas of the server.
func (m *Launcher) Replicas() *replica.Registry {
	return m.replicas
}

// Logger returns the launchers logger.
func (m *Launcher) Logger() *zap.Logger {
	return m.log
}

// URL returns the URL to connect to the HTTP server.
func (m *Launcher) URL() string {
	scheme := "http"
	if m.cfg != nil && m.cfg.TLS.Enabled() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, m.httpPort)
}

// Port returns the port the HTTP server listens on.
func (m *Launcher) Port() int {
	return m.httpPort
}

// Run starts the server described by cfg and returns once it listens.
// The server runs until Shutdown.
func (m *Launcher) Run(ctx context.Context, cfg *config.Config) (err error) {
	m.running = true
	m.cfg = cfg
	ctx, m.cancel = context.WithCancel(ctx)

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.log, err = cfg.Logging.New(m.Stdout)
	if err != nil {
		return err
	}
	m.log.Info("Welcome to replicad",
		zap.String("dir", cfg.Dir),
		zap.Int("replicas", len(cfg.Replicas)))

	// anything opened so far is closed if the server cannot start
	defer func() {
		if err != nil {
			m.close()
		}
	}()

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() || cfg.TLS.CA != "" {
		if tlsConfig, err = cfg.TLS.Parse(); err != nil {
			return err
		}
	}

	// The port is known before replicas are built so that a config without
	// a url can name this server by it.
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		m.log.Error("Failed http listener", zap.Error(err))
		return err
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.httpPort = addr.Port
	}
	if cfg.TLS.Enabled() {
		ln = tls.NewListener(ln, tlsConfig)
	}
	url := cfg.URL
	if url == "" {
		url = m.URL()
	}

	m.boltClient = bolt.NewClient(m.log.With(zap.String("service", "bolt")))
	m.boltClient.Path = filepath.Join(cfg.Dir, BoltFile)
	if err := m.boltClient.Open(ctx); err != nil {
		m.log.Error("Failed opening bolt", zap.Error(err))
		_ = ln.Close()
		return err
	}

	m.sqlStore, err = sqlite.NewSqlStore(filepath.Join(cfg.Dir, SqliteFile), m.log.With(zap.String("service", "sqlite")))
	if err != nil {
		m.log.Error("Failed opening sqlite", zap.Error(err))
		_ = ln.Close()
		return err
	}
	if err := sqlite.NewMigrator(m.sqlStore, m.log).Up(ctx, migrations.AllUp); err != nil {
		m.log.Error("Failed applying migrations", zap.Error(err))
		_ = ln.Close()
		return err
	}

	metrics := replica.NewMetrics()
	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.boltClient,
	)
	m.reg.MustRegister(metrics.PrometheusCollectors()...)

	m.agreements = agreement.NewService(m.sqlStore, m.log)
	transport := http.NewTransport(tlsConfig)

	m.replicas = replica.NewRegistry()
	for _, rc := range cfg.Replicas {
		rcfg := rc.ReplicaConfig(url, cfg.Changelog5)
		clStore, err := m.boltClient.ChangelogStore(rc.Suffix)
		if err != nil {
			_ = ln.Close()
			return err
		}
		r, err := replica.New(ctx, rcfg, inmem.NewEntryStore(), clStore, m.sqlStore, m.agreements, transport, m.log, replica.WithMetrics(metrics))
		if err != nil {
			_ = ln.Close()
			return err
		}
		if err := m.replicas.Add(r); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if err := m.replicas.Open(ctx); err != nil {
		m.log.Error("Failed opening replicas", zap.Error(err))
		_ = ln.Close()
		return err
	}
	if err := m.seedAgreements(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	m.monitor = topology.NewMonitor(m.replicas, transport, m.log)
	m.started = time.Now()

	httpLogger := m.log.With(zap.String("service", "http"))
	h := http.NewHandler("replicad", []http.ResourceHandler{
		http.NewReplicationHandler(httpLogger, m.replicas),
		http.NewAdminHandler(httpLogger, cfg.AdminToken, m.replicas, m.agreements, m.monitor),
	}, http.WithLog(httpLogger), http.WithMetrics(m.reg), http.WithReady(m.Running))
	m.httpServer = &nethttp.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(httpLogger),
	}

	m.wg.Add(1)
	go func(log *zap.Logger) {
		defer m.wg.Done()
		log.Info("Listening", zap.String("transport", "http"), zap.String("addr", cfg.BindAddress), zap.Int("port", m.httpPort))
		if err := m.httpServer.Serve(ln); err != nethttp.ErrServerClosed {
			log.Error("Failed http service", zap.Error(err))
		}
		log.Info("Stopping")
	}(httpLogger)

	return nil
}

// seedAgreements creates the agreements of the config the store does not
// hold yet. Stored agreements win so that changes made through the API
// survive a restart.
func (m *Launcher) seedAgreements(ctx context.Context) error {
	for _, rc := range m.cfg.Replicas {
		for i := range rc.Agreements {
			a := rc.Agreements[i].Agreement(rc.Suffix)
			_, err := m.agreements.GetAgreement(ctx, a.Suffix, a.Name)
			if err == nil {
				continue
			}
			if errors.ErrorCode(err) != errors.ENotFound {
				return err
			}
			if _, err := m.agreements.CreateAgreement(ctx, a); err != nil {
				return err
			}
			m.log.Info("Created agreement from config",
				zap.String("suffix", a.Suffix),
				zap.String("agreement", a.Name),
				zap.String("consumer", a.Consumer()))
		}
	}
	return nil
}

// Shutdown shuts down the HTTP server and waits for all services to clean up.
func (m *Launcher) Shutdown(ctx context.Context) error {
	var err error
	if m.httpServer != nil {
		m.log.Info("Stopping", zap.String("service", "http"))
		err = m.httpServer.Shutdown(ctx)
	}
	m.close()
	m.wg.Wait()
	m.running = false
	_ = m.log.Sync()
	return err
}

// close releases the stores in reverse order of opening.
func (m *Launcher) close() {
	if m.replicas != nil {
		m.log.Info("Stopping", zap.String("service", "replicas"))
		if err := m.replicas.Close(); err != nil {
			m.log.Warn("Failed closing replicas", zap.Error(err))
		}
	}
	if m.agreements != nil {
		if err := m.agreements.Close(); err != nil {
			m.log.Warn("Failed closing agreements", zap.Error(err))
		}
	}
	if m.sqlStore != nil {
		m.log.Info("Stopping", zap.String("service", "sqlite"))
		if err := m.sqlStore.Close(); err != nil {
			m.log.Warn("Failed closing sqlite", zap.Error(err))
		}
	}
	if m.boltClient != nil {
		m.log.Info("Stopping", zap.String("service", "bolt"))
		if err := m.boltClient.Close(); err != nil {
			m.log.Warn("Failed closing bolt", zap.Error(err))
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
}
