package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/simple-backtester/internal/config"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/db/conf"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/metrics"
	"github.com/amirphl/simple-backtester/internal/notifier"
	"github.com/amirphl/simple-backtester/internal/utils"
	"github.com/lib/pq"
)

func main() {
	cfg := config.MustLoadConfig()
	utils.ConfigureLogger(cfg.Log)
	logger := utils.GetLogger()
	logger.Println("Starting Simple Backtester in mode:", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if cfg.Migrate {
		if cfg.DBConnStr == "" {
			logger.Fatalf("Migrations need DB_CONN_STR")
		}
		if err := runMigrations(ctx, logger, cfg.DBConnStr); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}

	store, closeStore, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer closeStore()

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		logger.Printf("Serving metrics on %s/metrics", cfg.MetricsAddr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("Failed to stop metrics server: %v", err)
			}
		}()
	}

	gateway, err := exchange.New(cfg.Exchange, cfg.Credentials(), cfg.Retry)
	if err != nil {
		logger.Fatalf("Failed to create exchange: %v", err)
	}

	app := &app{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		notify:  notifier.New(cfg.TelegramToken, cfg.TelegramChatID),
		logger:  logger,
	}
	if err := app.run(ctx); err != nil {
		logger.Printf("Mode %s failed: %v", cfg.Mode, err)
		closeStore()
		os.Exit(1)
	}
	logger.Println("Done")
}

// openStorage connects to Postgres when DB_CONN_STR is set, otherwise it falls
// back to in-memory storage that lives for this process only.
func openStorage(cfg config.Config, logger *log.Logger) (db.Storage, func(), error) {
	if cfg.DBConnStr == "" {
		logger.Println("DB_CONN_STR not set, using in-memory storage")
		return db.NewMemory(), func() {}, nil
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DB config: %w", err)
	}
	dbConfig.DB.SetMaxOpenConns(cfg.DBMaxOpen)
	dbConfig.DB.SetMaxIdleConns(cfg.DBMaxIdle)

	storage, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.Close()
		return nil, nil, err
	}
	logger.Println("Connected to Postgres")

	closed := false
	return storage, func() {
		if closed {
			return
		}
		closed = true
		if err := dbConfig.Close(); err != nil {
			logger.Printf("Failed to close database: %v", err)
		}
	}, nil
}

// runMigrations creates the database named in connStr if needed and applies
// scripts/schema.sql to it.
func runMigrations(ctx context.Context, logger *log.Logger, connStr string) error {
	logger.Println("Running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	admin := *u
	admin.Path = "/postgres"
	baseDB, err := sql.Open("postgres", admin.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Printf("Creating database %s...", dbName)
		if _, err := baseDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	target, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer target.Close()

	schemaPath, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", schemaPath, err)
	}

	if _, err := target.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute %s: %w", schemaPath, err)
	}

	logger.Println("Database migrations completed successfully")
	return nil
}
