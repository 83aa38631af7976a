package framework

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/flare-foundation/contract-event-indexer/internal/evm"
	"github.com/flare-foundation/contract-event-indexer/internal/sources"
	"github.com/flare-foundation/contract-event-indexer/pkg/config"
	"github.com/flare-foundation/contract-event-indexer/pkg/database"
	"github.com/flare-foundation/contract-event-indexer/pkg/indexer"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

type CLIArgs struct {
	ConfigFile string `arg:"--config,env:CONFIG_FILE" default:"config.toml"`
	BuildDir   string `arg:"--build-dir,env:BUILD_INFO_DIR" default:"." help:"directory holding the PROJECT_* build info files"`
	Once       bool   `arg:"--once" help:"run a single synchronization pass and exit"`
}

func Run() error {
	var args CLIArgs
	arg.MustParse(&args)

	return runWithArgs(args)
}

func runWithArgs(args CLIArgs) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runWithContext(ctx, args)
}

// runWithContext runs the indexer until ctx is cancelled. Cancellation stops
// the loop between runs; a run in progress, including a --once run, is
// completed.
func runWithContext(ctx context.Context, args CLIArgs) error {
	cfg := config.DefaultConfig
	if err := config.ReadFile(args.ConfigFile, &cfg); err != nil {
		return err
	}

	cfg.ApplyEnvOverrides()

	if err := config.CheckParameters(&cfg); err != nil {
		return err
	}

	logger.Set(cfg.Logger)

	srcs, err := sources.Build(cfg.Sources)
	if err != nil {
		return err
	}

	db, err := database.New(&cfg.DB, sources.Entities())
	if err != nil {
		return err
	}

	chain, err := evm.New(ctx, &cfg.Chain)
	if err != nil {
		db.Close()
		return err
	}
	defer chain.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := indexer.NewMetrics(reg)

	if cfg.Metrics.Address != "" {
		srv := serveMetrics(cfg.Metrics.Address, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("metrics server shutdown: %v", err)
			}
		}()
	}

	if err := saveVersion(ctx, db, chain, &cfg, args.BuildDir); err != nil {
		db.Close()
		return err
	}

	var (
		sink indexer.Sink = db
		buf  *database.Buffer
	)
	if cfg.Buffer.Enabled {
		buf = database.NewBuffer(
			db,
			time.Duration(cfg.Buffer.FlushIntervalMillis)*time.Millisecond,
			cfg.Buffer.BatchSize,
			database.WithFlushHook(func(s database.FlushStats) { metrics.ObserveFlush(s.Records, s.Duplicates, s.Failed) }),
		)
		buf.Start(ctx)
		sink = buf
	}

	ix, err := indexer.New(indexer.NewConfig(&cfg), chain, db, sink, srcs, metrics)
	if err != nil {
		return multierr.Append(err, shutdown(cfg.Timeout, buf, db))
	}

	logger.Infof("indexing %d sources from %s", len(srcs), cfg.Chain.RPCURL)

	var runErr error
	if args.Once {
		_, runErr = ix.RunOnce(context.WithoutCancel(ctx))
	} else {
		runErr = ix.Run(ctx)
	}

	logger.Info("indexer stopped, flushing pending writes")

	return multierr.Append(runErr, shutdown(cfg.Timeout, buf, db))
}

// shutdown flushes the buffer and closes the store. It gives up after the
// configured timeout so a stuck database cannot keep the process alive.
func shutdown(cfg config.TimeoutConfig, buf *database.Buffer, db *database.DB) error {
	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if buf != nil {
			err = buf.Close(ctx)
		}

		done <- multierr.Append(err, db.Close())
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Errorf("shutdown did not complete within %v", timeout)
	}
}

func serveMetrics(address string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server stopped: %v", err)
		}
	}()

	logger.Infof("serving metrics on %s", address)

	return srv
}

func saveVersion(ctx context.Context, db *database.DB, chain *evm.Client, cfg *config.Config, buildDir string) error {
	version := database.InitVersion()
	version.NumConfirmations = cfg.Indexer.Confirmations
	version.WindowSize = cfg.Indexer.WindowSize

	buildVersion, err := config.ReadBuildVersion(buildDir)
	if err != nil {
		logger.Warn("failed to read the project build info")
	} else {
		version.GitTag = buildVersion.GitTag
		version.GitHash = buildVersion.GitHash
		version.BuildDate = buildVersion.BuildDate
	}

	nodeVersion, err := chain.ServerInfo(ctx)
	if err != nil {
		logger.Warn("failed to fetch blockchain node info")
	} else {
		version.NodeVersion = nodeVersion
	}

	return db.SaveVersion(ctx, version)
}
