package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/genodx/lis-sync/config"
	"github.com/genodx/lis-sync/dispatch"
	"github.com/genodx/lis-sync/filestore"
	"github.com/genodx/lis-sync/gateway"
	"github.com/genodx/lis-sync/lisclient"
	"github.com/genodx/lis-sync/material"
	"github.com/genodx/lis-sync/repository"
	"github.com/genodx/lis-sync/server"
	"github.com/genodx/lis-sync/srvreg"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lis-sync",
		Short: "Order synchronization service for the laboratory information system",
	}
	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		relayCommand(),
		consumeCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

// serveCommand runs the HTTP intake surface.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the order intake web server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			repo := mustConnect(cfg)
			repo.Seed()

			gw, allocator := buildSyncCore(cfg, repo)
			registry := srvreg.NewServiceRegistry(repo, allocator, gw, dispatch.LogNotifier{})
			registry.RegisterDefaultServices()

			ws := server.NewWebServer(cfg.HTTPPort, registry)
			if err := ws.Start(); err != nil {
				log.Fatalf("failed to start web server: %v", err)
			}

			waitForSignal()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ws.Shutdown(shutdownCtx); err != nil {
				log.Printf("shutdown error: %v", err)
			}
			log.Println("Server stopped")
		},
	}
}

// migrateCommand creates the schema and seed data, then exits.
func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create the database schema and seed reference data",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			repo := mustConnect(cfg)
			repo.Seed()
			log.Println("Migration finished")
		},
	}
}

// relayCommand drains the outbox to the broker until interrupted.
func relayCommand() *cobra.Command {
	var limit int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "relay pending dispatch events to the broker",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			repo := mustConnect(cfg)

			producer, err := dispatch.NewProducer(cfg.KafkaHost, cfg.DispatchTopic)
			if err != nil {
				log.Fatalf("failed to connect producer: %v", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			log.Printf("Relaying outbox every %s (batch %d)", interval, limit)
			dispatch.NewRelay(repo, producer).Run(ctx, limit, interval)
			log.Println("Relay stopped")
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows per relay batch")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "delay between relay batches")
	return cmd
}

// consumeCommand runs the logistics dispatcher until interrupted.
func consumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "consume dispatch events and sync collect requests",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			repo := mustConnect(cfg)

			gw, _ := buildSyncCore(cfg, repo)
			consumer, err := dispatch.NewConsumer(cfg.KafkaHost, cfg.DispatchTopic)
			if err != nil {
				log.Fatalf("failed to connect consumer: %v", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			log.Printf("Consuming dispatch events from %s", cfg.DispatchTopic)
			dispatch.NewDispatcher(repo, gw, dispatch.LogNotifier{}).Consume(ctx, consumer)
			log.Println("Consumer stopped")
		},
	}
}

// buildSyncCore wires the token manager, resilient client, file store and
// gateway shared by the web server and the dispatcher.
func buildSyncCore(cfg *config.Config, repo *repository.Repository) (*gateway.Gateway, *material.Allocator) {
	tokens, err := lisclient.NewTokenManager(repo.TokenCache(), lisclient.TokenManagerConfig{
		LoginURL:    cfg.LoginURL(),
		Email:       cfg.LISEmail,
		Password:    cfg.LISPassword,
		TokenTTL:    cfg.TokenTTL,
		CacheMargin: cfg.TokenCacheMargin,
		Key:         []byte(cfg.TokenKey),
		Timeout:     cfg.RequestTimeout,
		RetryDelay:  cfg.RetryDelay,
	})
	if err != nil {
		log.Fatalf("failed to build token manager: %v", err)
	}

	client := lisclient.NewClient(tokens, cfg.RequestTimeout, cfg.MaxAttempts, cfg.RetryDelay)

	files, err := filestore.Open(context.Background(), cfg.FileStoreDriver, cfg.FileStoreRoot, filestore.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatalf("failed to open file store: %v", err)
	}

	gw := gateway.New(client, repo, files, cfg)
	allocator := material.NewAllocator(repo)
	return gw, allocator
}

func mustLoadConfig() *config.Config {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

func mustConnect(cfg *config.Config) *repository.Repository {
	repo := repository.NewRepository()
	if err := repo.ConnectDB(cfg.GetDSN()); err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	return repo
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
