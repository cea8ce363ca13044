// Command custodyd serves the custody chain API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodychain/internal/adapters/exports"
	"custodychain/internal/adapters/httpapi"
	"custodychain/internal/blob"
	"custodychain/internal/config"
	"custodychain/internal/core"
	"custodychain/internal/ledger"
	"custodychain/internal/ledger/ethereum"
	memledger "custodychain/internal/ledger/memory"
	"custodychain/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "custodyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:        logging.Level(cfg.LogLevel),
		Format:       cfg.LogFormat,
		Output:       "stdout",
		EnableCaller: true,
		Component:    "custodyd",
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := core.OpenPersistentStore(ctx, core.StorageOptions{
		Driver:      core.StorageDriver(cfg.StorageDriver),
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	}, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closer.Close()

	backend, closeBackend, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	gw := ledger.NewGateway(backend, ledger.WithTimeout(cfg.LedgerTimeout), ledger.WithLogger(logger.WithComponent("ledger")))
	defer gw.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		return err
	}
	metrics := core.MultiRecorder{prom, core.NewExpvarMetricsRecorder("custody_metrics")}

	svc := core.NewService(gw, store,
		core.WithLogger(logger.WithComponent("core")),
		core.WithMetricsRecorder(metrics),
		core.WithAuditRecorder(core.LogAuditRecorder{Logger: logger.WithComponent("audit")}),
	)

	if n, err := svc.SyncNonce(ctx); err != nil {
		logger.Warn("initial nonce sync failed", "error", err)
	} else {
		logger.Info("signer ready", "account", gw.SignerAccount(), "nonce", n)
	}
	if granted, err := svc.EnsureSignerRoles(ctx); err != nil {
		logger.Warn("ensure signer roles failed", "error", err)
	} else if len(granted) > 0 {
		logger.Info("granted signer roles", "roles", granted)
	}

	if cfg.IndexRefresh > 0 {
		stopIndex := svc.Index().Start(ctx, cfg.IndexRefresh)
		defer stopIndex()
	}

	artifacts, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.BlobDriver),
		Dir:    cfg.BlobDir,
		S3: blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		},
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	worker := exports.NewWorker(svc, artifacts,
		exports.WithLogger(logger.WithComponent("exports")),
		exports.WithMetrics(metrics),
		exports.WithAudit(exports.LogAuditLogger{Logger: logger.WithComponent("audit")}),
	)
	worker.Start()

	api := httpapi.New(svc,
		httpapi.WithLogger(logger.WithComponent("http")),
		httpapi.WithExports(worker),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageDriver, "ledger", cfg.LedgerDriver, "blob", artifacts.Driver())
		errc <- api.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.Warn("export worker shutdown", "error", err)
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.Config) (ledger.Backend, func(), error) {
	switch cfg.LedgerDriver {
	case config.LedgerEthereum:
		b, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          cfg.RPCURL,
			PrivateKey:      cfg.PrivateKey,
			ContractAddress: cfg.ContractAddress,
			FromBlock:       cfg.FromBlock,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dial ethereum: %w", err)
		}
		return b, b.Close, nil
	default:
		return memledger.New(""), func() {}, nil
	}
}
