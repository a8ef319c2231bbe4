// Command mysqlpoold loads a pool configuration file, opens the named
// pools it describes, and serves their occupancy over a small stats HTTP
// API until signaled to stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbpool/mysqlpool/dsnopts"
	"github.com/dbpool/mysqlpool/internal/poolconfig"
	"github.com/dbpool/mysqlpool/internal/poolmetrics"
	"github.com/dbpool/mysqlpool/internal/statsapi"
	"github.com/dbpool/mysqlpool/myconn"
	"github.com/dbpool/mysqlpool/pool"
)

func main() {
	configPath := flag.String("config", "configs/pools.yaml", "path to pool configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("mysqlpoold starting...")

	cfg, err := poolconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d pools)", *configPath, len(cfg.Pools))

	manager := pool.NewManager()
	if err := openConfiguredPools(manager, cfg); err != nil {
		log.Fatalf("failed to open pools: %v", err)
	}

	metricsCollector := poolmetrics.New()
	stopStats := startStatsLoop(manager, metricsCollector, 5*time.Second)

	apiServer := statsapi.NewServer(manager, metricsCollector)
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		log.Fatalf("failed to start stats API: %v", err)
	}

	configWatcher, err := poolconfig.NewWatcher(*configPath, func(newCfg *poolconfig.Config) {
		log.Printf("reloading pool configuration...")
		if err := openConfiguredPools(manager, newCfg); err != nil {
			log.Printf("warning: config reload failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("mysqlpoold ready - stats API on %s:%d", cfg.Listen.APIBind, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(stopStats)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Printf("stats API shutdown error: %v", err)
	}
	manager.Close()

	log.Printf("mysqlpoold stopped")
}

// openConfiguredPools registers a pool.Pool for every entry in cfg. Any
// name already registered (e.g. on a config reload) is replaced: its old
// pool is closed by Manager.Register before the new one takes its place.
func openConfiguredPools(manager *pool.Manager, cfg *poolconfig.Config) error {
	for name, pc := range cfg.Pools {
		opts, err := dsnopts.ParseURLDefault(pc.URL)
		if err != nil {
			return err
		}
		if pc.Username != "" {
			opts.User = pc.Username
		}
		if pc.Password != "" {
			opts.Pass = pc.Password
		}
		opts.Init = pc.Init

		min := pc.EffectiveMinConnections(cfg.Defaults)
		max := pc.EffectiveMaxConnections(cfg.Defaults)

		dial := func(ctx context.Context, opts dsnopts.Opts) (pool.Conn, error) {
			c, err := myconn.Dial(ctx, opts)
			if err != nil {
				return nil, err
			}
			return c, nil
		}

		p, err := pool.NewManual(min, max, opts, dial)
		if err != nil {
			return err
		}
		log.Printf("pool %q opened (min=%d max=%d)", name, min, max)
		manager.Register(name, p)
	}
	return nil
}

// startStatsLoop periodically pushes every registered pool's Stats into
// metrics until the returned channel is closed.
func startStatsLoop(manager *pool.Manager, metrics *poolmetrics.Collector, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.ObserveManager(manager)
			case <-stop:
				return
			}
		}
	}()
	return stop
}
