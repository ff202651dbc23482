package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mike76-dev/smbrpc/api"
	"github.com/mike76-dev/smbrpc/auth"
	"github.com/mike76-dev/smbrpc/dump"
	"github.com/mike76-dev/smbrpc/kerberos"
	"github.com/mike76-dev/smbrpc/lsa"
	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/srvsvc"
	"github.com/mike76-dev/smbrpc/stores"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

const (
	maintenanceInterval = 10 * time.Minute
	idleTimeout         = 30 * time.Minute
)

var storesDir = flag.String("dir", ".", "directory for storing persistent data")

func newLogger(lc stores.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lc.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func main() {
	// Parse command-line args.
	flag.Parse()
	dir, err := filepath.Abs(*storesDir)
	if err != nil {
		panic(err)
	}

	// Read the config file.
	cfg, err := stores.ReadConfig(dir)
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(dir, cfg, log); err != nil {
		log.Fatal("fatal error", zap.Error(err))
	}
}

func run(dir string, cfg stores.Config, log *zap.Logger) error {
	log.Info("starting smbrpc", zap.String("version", version), zap.String("dir", dir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize stores.
	bs, err := stores.NewJSONBansStore(dir)
	if err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}

	as, err := stores.NewJSONAccountStore(dir)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	ss, err := stores.NewSharesStore(dir)
	if err != nil {
		return fmt.Errorf("failed to load shares: %w", err)
	}

	var keys stores.SessionKeys
	if cfg.Database.Enabled() {
		db, err := stores.NewStore(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer db.Close()
		keys = db
	} else {
		js, err := stores.NewJSONSchannelStore(dir)
		if err != nil {
			return fmt.Errorf("failed to load schannel sessions: %w", err)
		}
		keys = js
	}

	backends := &auth.Backends{
		ServerName: cfg.ServerName,
		Domain:     cfg.Domain,
		Accounts:   as,
		Schannel:   keys,
		Logger:     log,
	}
	if cfg.Kerberos.Enabled() {
		kt, err := kerberos.LoadKeytab(cfg.Kerberos.Keytab)
		if err != nil {
			return err
		}
		backends.Kerberos = kerberos.NewVerifier(kt, cfg.Kerberos.ServicePrincipal, cfg.Kerberos.MaxClockSkew, log)
		log.Info("kerberos enabled", zap.String("principal", cfg.Kerberos.ServicePrincipal))
	}

	// Register the interfaces.
	domainSID, err := lsa.ParseSID(cfg.DomainSID)
	if err != nil {
		return err
	}
	registry := pipe.NewRegistry()
	lsaServer := lsa.New(cfg.Domain, domainSID, as, log)
	if err := registry.Register(lsaServer.Table(cfg.RequireAuth(lsa.PipeName))); err != nil {
		return err
	}
	srvsvcServer := srvsvc.New(cfg.ServerName, "smbrpc "+version, srvsvc.ShareFunc(func() []srvsvc.NetShareInfo1 {
		var shares []srvsvc.NetShareInfo1
		for _, sh := range ss.Visible() {
			shares = append(shares, srvsvc.NetShareInfo1{Share: sh.Name, Type: srvsvc.STYPE_DISKTREE, Comment: sh.Remark})
		}
		return shares
	}), log)
	if err := registry.Register(srvsvcServer.Table(cfg.RequireAuth(srvsvc.PipeName))); err != nil {
		return err
	}
	registry.Freeze()

	opts := pipe.Options{
		Registry:       registry,
		Backends:       backends,
		Metrics:        pipe.NewMetrics(prometheus.DefaultRegisterer),
		MaxFragLength:  cfg.MaxFragLength,
		MaxRequestSize: cfg.MaxRequestSize,
	}
	if cfg.DumpDir != "" {
		w, err := dump.New(cfg.DumpDir)
		if err != nil {
			return err
		}
		opts.Dumper = w
		log.Info("dumping payloads", zap.String("dir", cfg.DumpDir))
	}

	// Start the listeners.
	server := newServer(opts, bs, cfg.MaxConnections, log)
	for _, ep := range cfg.Endpoints {
		if _, ok := registry.Lookup(ep.Pipe); !ok {
			return fmt.Errorf("endpoint %s: no interface registered for pipe %q", ep.Address, ep.Pipe)
		}
		l, err := net.Listen("tcp", ep.Address)
		if err != nil {
			server.shutdown()
			return err
		}
		server.start(ctx, l, ep.Pipe)
	}

	// Start the API.
	var apiServer *http.Server
	if cfg.APIPort != 0 {
		a := api.NewAPI(server, keys, prometheus.DefaultGatherer, log)
		apiServer = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.APIPort)),
			Handler:           a.BasicAuth(cfg.APIPassword)(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("API listening", zap.String("address", apiServer.Addr))
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("API server failed", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			server.maintain(idleTimeout)
		case <-ctx.Done():
			log.Info("received interrupt signal, shutting down...")
			if apiServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				apiServer.Shutdown(shutdownCtx)
				cancel()
			}
			server.shutdown()
			return nil
		}
	}
}
