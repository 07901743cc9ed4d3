package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"example.com/machineTelemetry/internal/config"
	"example.com/machineTelemetry/internal/ingest"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/stats"
	"example.com/machineTelemetry/internal/storage"
	"example.com/machineTelemetry/internal/storage/memory"
	spg "example.com/machineTelemetry/internal/storage/postgres"
	"example.com/machineTelemetry/internal/storage/postgres/migrations"
	"example.com/machineTelemetry/internal/storage/sqlite"
	transport "example.com/machineTelemetry/internal/transport/http"
)

func main() {
	flagSet := pflag.NewFlagSet("events-api", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to a YAML config file (environment variables override it)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "events-api: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("config: driver=%s port=%s", cfg.StoreDriver, cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	m := metrics.New()
	now := func() time.Time { return time.Now().UTC() }
	processor := ingest.NewProcessor(store, now, m)

	// the ingestor outlives ctx so that events accepted during shutdown are flushed
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	ingestor := ingest.NewIngestor(processor, cfg.QueueMaxSize, cfg.BatchMaxSize, cfg.BatchMaxWait)
	ingestor.Start(ingestCtx)
	log.Printf("ingest: started (queue=%d batch=%d wait=%s)", cfg.QueueMaxSize, cfg.BatchMaxSize, cfg.BatchMaxWait)

	deps := &transport.ServerDeps{
		Cfg:       cfg,
		Processor: processor,
		Ingestor:  ingestor,
		Stats:     stats.NewService(store, m),
		Store:     store,
		Metrics:   m,
		Now:       now,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	stopIngest()
	select {
	case <-ingestor.Done():
		log.Printf("ingest: queue flushed")
	case <-shutdownCtx.Done():
		log.Printf("ingest: gave up waiting for the queue to flush")
	}
}

// openStore builds the configured Store and returns its release function.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := spg.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		log.Printf("db: connected")
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration: %w", err)
		}
		log.Printf("db: migrations applied")
		return spg.NewEventStore(db), db.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("sqlite: opened %s", cfg.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("sqlite close: %v", err)
			}
		}, nil

	default:
		log.Printf("store: using in-memory store, data is lost on exit")
		return memory.New(), func() {}, nil
	}
}
