// Command broker runs the overlay network's rendezvous broker: the
// credential authority, bridge registry and selection engine behind one
// HTTP API.
//
// # Configuration File
//
// Create a YAML file with broker settings:
//
//	listen_addr: ":8080"
//	metrics_addr: ":9090"
//	postgres:
//	  host: "localhost"
//	  port: 5432
//	  user: "broker"
//	  database: "broker"
//	redis_addr: ""
//	epoch:
//	  duration: 1h
//	  grace_period: 10m
//	selection:
//	  cohort_tiers:
//	    plus: 2
//
// # Usage
//
//	go run ./cmd/broker --config=broker.yaml
//	go run ./cmd/broker --addr=:8080 --metrics-addr=:9090
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtexx/geph5/api/httpserver"
	"github.com/xtexx/geph5/broker"
	"github.com/xtexx/geph5/credential"
	"github.com/xtexx/geph5/geo"
	"github.com/xtexx/geph5/guard"
	"github.com/xtexx/geph5/registry"
	"github.com/xtexx/geph5/selection"
	"github.com/xtexx/geph5/store"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address")
		redisAddr   = flag.String("redis", "", "Redis address for shared rate limiting")
		pprof       = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *pprof {
		cfg.EnablePprof = true
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*Config, error) {
	if configPath != "" {
		return LoadConfig(configPath)
	}
	return DefaultConfig(), nil
}

func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func guardSalt(cfg *Config, log *slog.Logger) []byte {
	if cfg.GuardSalt != "" {
		return []byte(cfg.GuardSalt)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		panic(err)
	}
	log.Warn("no guard_salt configured, rate-limit windows reset on restart",
		"generated", hex.EncodeToString(salt)[:8])
	return salt
}

func run(cfg *Config) error {
	log := newLogger(cfg)

	db, err := store.NewPostgres(&cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	var limiter guard.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = guard.NewRedis(client, cfg.Limits.Window)
		log.Info("using redis-backed rate limiting", "addr", cfg.RedisAddr)
	} else {
		limiter = guard.NewInMemory(cfg.Limits.Window)
	}

	salt := guardSalt(cfg, log)

	authority, err := credential.NewAuthority(credential.Config{
		EpochDuration:        cfg.Epoch.Duration,
		GracePeriod:          cfg.Epoch.GracePeriod,
		EntitlementTTL:       cfg.Epoch.EntitlementTTL,
		MaxConcurrentSigning: cfg.Epoch.MaxConcurrentSigning,
		IssuePerWindow:       cfg.Epoch.IssuePerWindow,
	}, db, db, limiter, salt, log)
	if err != nil {
		return fmt.Errorf("starting credential authority: %w", err)
	}

	reg := registry.New(registry.Config{
		HeartbeatTTL:  cfg.Registry.HeartbeatTTL,
		RetentionTTL:  cfg.Registry.RetentionTTL,
		SweepInterval: cfg.Registry.SweepInterval,
	}, log)

	engine := selection.New(selection.Config{
		DefaultCount: cfg.Selection.DefaultCount,
		MaxCount:     cfg.Selection.MaxCount,
		CohortTiers:  cfg.Selection.CohortTiers,
		LoadBias:     cfg.Selection.LoadBias,
		LoadHalfLife: cfg.Selection.LoadHalfLife,
	}, reg)

	var resolver *geo.CachedResolver
	if len(cfg.ASNMap) > 0 {
		ttl := cfg.ASNTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		resolver = geo.NewCachedResolver(geo.StaticResolver(cfg.Prefixes()), ttl)
	}

	service := broker.New(broker.Config{
		RequestTimeout:     cfg.RequestTimeout,
		GuardSalt:          salt,
		EpochKeysPerWindow: cfg.Limits.EpochKeysPerWindow,
		IssuePerWindow:     cfg.Limits.IssuePerWindow,
		SelectPerWindow:    cfg.Limits.SelectPerWindow,
		HeartbeatPerWindow: cfg.Limits.HeartbeatPerWindow,
		ReportPerWindow:    cfg.Limits.ReportPerWindow,
	}, authority, reg, engine, limiter, db, resolver, log)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ServiceName:              "broker",
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, service)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go authority.Run(ctx)
	go reg.Run(ctx)

	srv.RunInBackground()
	log.Info("broker started", "listenAddr", cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down broker")
	cancel()
	srv.Shutdown()
	return nil
}
