package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"credanchor/internal/anchor"
	"credanchor/internal/cache"
	"credanchor/internal/events"
	"credanchor/internal/ledger"
	"credanchor/internal/platform/config"
	"credanchor/internal/platform/httpserver"
	"credanchor/internal/platform/logger"
	"credanchor/internal/platform/metrics"
	platformredis "credanchor/internal/platform/redis"
	"credanchor/internal/session"
)

// main wires high-level dependencies and keeps the process lifecycle small.
// Domain logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	mets := metrics.New(prometheus.DefaultRegisterer)

	program, err := solana.PublicKeyFromBase58(cfg.AttestationProgram)
	if err != nil {
		log.Fatal("invalid attestation program address", zap.Error(err))
	}

	deps := anchor.Deps{
		Ledger:  ledger.NewRPC(cfg.RPCEndpoint, cfg.Commitment),
		Salt:    []byte(cfg.IdentitySalt),
		Program: program,
		Session: session.Config{
			AuthURL:     cfg.AuthURL,
			StreamURL:   cfg.StreamURL,
			AutoRefresh: cfg.AutoRefresh,
		},
		Logger:  log,
		Metrics: mets,
	}

	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Fatal("redis unavailable", zap.Error(err))
	}
	if rdb != nil {
		deps.Store = cache.NewRedisStore(rdb.Client)
		defer rdb.Close()
	}

	if len(cfg.KafkaBrokers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		fwd, err := events.NewKafkaForwarder(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		cancel()
		if err != nil {
			log.Fatal("kafka unavailable", zap.Error(err))
		}
		deps.Kafka = fwd
	}

	client, err := anchor.New(deps)
	if err != nil {
		log.Fatal("build anchor client", zap.Error(err))
	}

	srv := httpserver.New(cfg.OpsAddr, httpserver.NewOpsRouter(func() bool {
		if rdb == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Health(ctx) == nil
	}))

	log.Info("starting anchord",
		zap.String("ops_addr", cfg.OpsAddr),
		zap.String("rpc_endpoint", cfg.RPCEndpoint))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("ops server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
