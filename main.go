package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/cantart/batchloader/config"
	"github.com/cantart/batchloader/fetch"
	"github.com/cantart/batchloader/jobs"
	"github.com/cantart/batchloader/secrets"
	"github.com/cantart/batchloader/server"
	"github.com/cantart/batchloader/upsert"
	"github.com/cantart/batchloader/warehouse"
)

func main() {
	configPath := pflag.String("config", "", "path to configuration file")
	ratesURL := pflag.String("rates-url", "https://api.example.com/rates/latest", "exchange rates endpoint")
	pflag.Parse()

	config.ConfigureLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Warehouse.DSN)
	if err != nil {
		log.Fatalf("open warehouse: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping warehouse: %v", err)
	}

	engine := upsert.New(warehouse.NewClient(db))
	fetcher := fetch.NewClient(fetch.Config{
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxRetries:  cfg.Fetch.MaxRetries,
		BackoffBase: cfg.Fetch.BackoffBase,
	})
	secretStore := secrets.NewEnvStore(cfg.Secrets.EnvPrefix)

	registry := jobs.NewRegistry()
	registry.Register(&jobs.ExchangeRatesJob{
		Fetcher: fetcher,
		Engine:  engine,
		Secrets: secretStore,
		Target: warehouse.TableRef{
			Project: cfg.Warehouse.Project,
			Dataset: cfg.Warehouse.Dataset,
			Table:   "exchange_rates",
		},
		URL: *ratesURL,
	})

	srv := server.New(server.Config{Port: cfg.Port, TestMode: cfg.TestMode}, registry)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("trigger server: %v", err)
	}
}
