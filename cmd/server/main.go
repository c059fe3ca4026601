package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumord/discovery"
	"github.com/ryandielhenn/rumord/internal/config"
	"github.com/ryandielhenn/rumord/internal/telemetry"
	"github.com/ryandielhenn/rumord/pkg/gossip"
	"github.com/ryandielhenn/rumord/pkg/ledger"
	"github.com/ryandielhenn/rumord/pkg/node"
	"github.com/ryandielhenn/rumord/pkg/peers"
	"github.com/ryandielhenn/rumord/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zc.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Peer directory, dedup ledger and the outbound transport
	tx, err := transport.NewHTTP(transport.Options{Timeout: cfg.Timeout, SOCKS5: cfg.SOCKSProxy})
	if err != nil {
		logger.Fatal("transport", zap.Error(err))
	}
	engine := gossip.New(gossip.Config{
		Self:        cfg.SelfAddr,
		Fanout:      cfg.Fanout,
		Sample:      cfg.Sample,
		Timeout:     cfg.Timeout,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger.Named("gossip"),
	}, tx, peers.NewDirectory(cfg.Attempts), ledger.New(cfg.LedgerCapacity, cfg.LedgerTTL))

	// 2. Inbound RPC surface
	n := node.New(engine, logger.Named("node"))
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      n.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()
	logger.Info("rumord node listening",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("self", engine.Self()),
		zap.Int("fanout", cfg.Fanout),
		zap.Int("attempts", cfg.Attempts))

	// 3. Join seed peers
	if len(cfg.Seeds) > 0 {
		join(ctx, engine, logger, "seeds", cfg.Seeds)
	}

	// 4. Registry-backed discovery
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			logger.Fatal("etcd client", zap.Error(err))
		}
		defer cli.Close()
		if err := registry(ctx, cli, cfg, engine, logger); err != nil {
			logger.Fatal("etcd registry", zap.Error(err))
		}
	}

	// 5. Background peer exchange
	n.Start(cfg.PEXInterval)

	<-ctx.Done()
	logger.Info("shutting down")
	n.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
}

func join(ctx context.Context, e *gossip.Engine, logger *zap.Logger, source string, addrs []string) {
	res, err := e.Bootstrap(ctx, addrs)
	if err != nil {
		logger.Warn("bootstrap skipped", zap.String("source", source), zap.Error(err))
		return
	}
	logger.Info("bootstrapped",
		zap.String("source", source),
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed))
}

func registry(ctx context.Context, cli *clientv3.Client, cfg config.Config, e *gossip.Engine, logger *zap.Logger) error {
	self := e.Self()
	if self == "" {
		return fmt.Errorf("SELF_ADDR is required with ETCD_ENDPOINTS")
	}

	addrs, err := discovery.Addrs(ctx, cli, cfg.EtcdPrefix, self)
	if err != nil {
		return err
	}
	if len(addrs) > 0 {
		join(ctx, e, logger, "etcd", addrs)
	}

	leaseID, cancel, err := discovery.RegisterNode(ctx, cli, cfg.EtcdPrefix, cfg.SelfID, self, 10)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
		_, _ = cli.Revoke(context.Background(), leaseID)
	}()
	logger.Info("registered with etcd", zap.String("key", discovery.NodeKey(cfg.EtcdPrefix, cfg.SelfID)))

	go discovery.WatchPeers(ctx, cli, cfg.EtcdPrefix, self, logger, func(addr string) {
		join(ctx, e, logger, "etcd-watch", []string{addr})
	})
	return nil
}
