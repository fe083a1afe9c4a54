// Package main is a load-generation and diagnostics entrypoint for the
// connection pool: it drives a configurable number of concurrent
// acquire/release workers against either a direct or a routing pool,
// serves Prometheus metrics and health endpoints, and shuts down
// gracefully on signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/directpool"
	"github.com/arantesdev/boltpool/internal/health"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/internal/routing"
	"github.com/arantesdev/boltpool/pkg/address"
)

var (
	configPath  = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")
	mode        = flag.String("mode", "direct", "Pool flavor to exercise: direct or routing")
	seedHost    = flag.String("host", "127.0.0.1", "Seed server host")
	seedPort    = flag.Int("port", 7687, "Seed server port")
	database    = flag.String("database", "neo4j", "Database name (routing mode only)")
	workers     = flag.Int("workers", 8, "Concurrent acquire/release workers")
	fake        = flag.Bool("fake", true, "Use an in-memory fake connection instead of dialing a real server")
	metricsPort = flag.Int("metrics-port", 9090, "Prometheus metrics port")
	healthPort  = flag.Int("health-port", 9091, "Health check port")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting pool bench")

	cfg, err := poolconf.Load(*configPath)
	if err != nil {
		log.Printf("[main] no config at %s (%v), using defaults", *configPath, err)
		cfg = &poolconf.Config{
			Pool:    poolconf.PoolConfig{ConnectionTimeout: 30 * time.Second},
			Routing: poolconf.RoutingConfig{PurgeGracePeriod: 30 * time.Second, AcquisitionTimeout: 30 * time.Second},
		}
	}

	seed := address.New(*seedHost, *seedPort).Resolve()

	var opener boltconn.Opener
	if *fake {
		opener = func(ctx context.Context, addr address.Address, timeout time.Duration) (boltconn.Connection, error) {
			return boltconn.NewFakeConnection(), nil
		}
	} else {
		opener = boltconn.Open
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *metricsPort),
		Handler: promhttp.Handler(),
	}
	group.Go(func() error {
		log.Printf("[main] metrics server listening on %s/metrics", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	switch *mode {
	case "direct":
		runDirect(ctx, group, opener, cfg.Pool, seed)
	case "routing":
		runRouting(ctx, group, opener, cfg, seed)
	default:
		log.Fatalf("[main] unknown mode %q: must be direct or routing", *mode)
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.Println("[main] ready, waiting for shutdown signal")
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Printf("[main] exited with error: %v", err)
	}
	log.Println("[main] shutdown complete")
}

func runDirect(ctx context.Context, group *errgroup.Group, opener boltconn.Opener, cfg poolconf.PoolConfig, seed address.Address) {
	p := directpool.New(opener, cfg, seed)
	log.Printf("[bench] driving %s with %d workers", p, *workers)

	checker := health.NewChecker(func(ctx context.Context, addr address.Address, timeout time.Duration) error {
		conn, err := p.Acquire(ctx, timeout, 0)
		if err != nil {
			return err
		}
		return p.Release(ctx, conn)
	}, []health.Target{{Name: "direct", Addr: seed}}, cfg.ConnectionTimeout)

	healthServer := checker.ServeHTTP(fmt.Sprintf(":%d", *healthPort))
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	for i := 0; i < *workers; i++ {
		group.Go(func() error {
			return runWorker(ctx, func(ctx context.Context) error {
				conn, err := p.Acquire(ctx, cfg.ConnectionTimeout, cfg.LivenessCheckTimeout)
				if err != nil {
					return err
				}
				return p.Release(ctx, conn)
			})
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		return p.Close()
	})
}

func runRouting(ctx context.Context, group *errgroup.Group, opener boltconn.Opener, cfg *poolconf.Config, seed address.Address) {
	p := routing.New(opener, cfg.Pool, cfg.Routing, seed, address.Identity)
	log.Printf("[bench] driving %s with %d workers against database %q", p, *workers, *database)

	checker := health.NewChecker(func(ctx context.Context, addr address.Address, timeout time.Duration) error {
		conn, err := p.Acquire(ctx, routing.RoleRead, *database, "", nil, timeout, 0)
		if err != nil {
			return err
		}
		return p.Release(ctx, conn)
	}, []health.Target{{Name: "routing:" + *database, Addr: seed}}, cfg.Pool.ConnectionTimeout)

	healthServer := checker.ServeHTTP(fmt.Sprintf(":%d", *healthPort))
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	for i := 0; i < *workers; i++ {
		role := routing.RoleRead
		if i%4 == 0 {
			role = routing.RoleWrite
		}
		group.Go(func() error {
			return runWorker(ctx, func(ctx context.Context) error {
				conn, err := p.Acquire(ctx, role, *database, "", nil, cfg.Pool.ConnectionTimeout, cfg.Pool.LivenessCheckTimeout)
				if err != nil {
					return err
				}
				return p.Release(ctx, conn)
			})
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		return p.Close()
	})
}

// runWorker repeatedly calls step until ctx is cancelled, logging
// errors rather than aborting the whole bench on one failed cycle.
func runWorker(ctx context.Context, step func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := step(ctx); err != nil {
			log.Printf("[bench] cycle failed: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
	}
}
