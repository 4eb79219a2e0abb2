package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/opside/recon/internal/archive"
	"github.com/opside/recon/internal/billing"
	"github.com/opside/recon/internal/breaker"
	"github.com/opside/recon/internal/claims"
	"github.com/opside/recon/internal/config"
	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/httpapi"
	"github.com/opside/recon/internal/metrics"
	"github.com/opside/recon/internal/notify"
	"github.com/opside/recon/internal/orchestrator"
	"github.com/opside/recon/internal/progress"
	"github.com/opside/recon/internal/ratelimit"
	"github.com/opside/recon/internal/recon"
	"github.com/opside/recon/internal/spapi"
	"github.com/opside/recon/internal/store"
	"github.com/opside/recon/internal/vault"
)

const defaultTenant = "default"

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	manager, err := config.NewManager(cfg, os.Getenv("TENANT_OVERRIDES_PATH"))
	if err != nil {
		log.Fatalf("load tenant overrides: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persistence: Postgres when configured, in-memory otherwise.
	var (
		inventory     store.InventoryStore
		discrepancies store.DiscrepancyStore
		claimStore    store.ClaimStore
		syncLogs      store.SyncLogStore
		rules         store.RuleStore
		credentials   store.CredentialStore
	)
	if cfg.Postgres.DSN != "" {
		pg, err := store.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pg.Close()
		inventory, discrepancies, claimStore = pg.Inventory, pg.Discrepancies, pg.Claims
		syncLogs, rules, credentials = pg.SyncLogs, pg.Rules, pg.Credentials
	} else {
		log.Printf("DATABASE_URL not set, using in-memory stores")
		mem := store.NewMemory()
		inventory, discrepancies, claimStore = mem.Inventory, mem.Discrepancies, mem.Claims
		syncLogs, rules, credentials = mem.SyncLogs, mem.Rules, mem.Credentials
	}

	// Credential vault.
	v, err := vault.New(credentials, vault.Config{
		MasterKeyHex:  cfg.Vault.MasterKeyHex,
		TokenURL:      cfg.Vault.TokenURL,
		ClientID:      cfg.Marketplace.ClientID,
		ClientSecret:  cfg.Marketplace.ClientSecret,
		RefreshSkew:   cfg.Vault.RefreshSkew,
		SweepInterval: cfg.Vault.SweepInterval,
		SweepWindow:   cfg.Vault.SweepWindow,
	})
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}
	if err := cfg.ValidateMarketplace(); err != nil {
		log.Printf("marketplace connector degraded: %v", err)
	} else if err := v.SeedFromEnv(ctx, defaultTenant, cfg.Marketplace.SellerID, cfg.Marketplace.RefreshToken); err != nil {
		log.Fatalf("seed marketplace credential: %v", err)
	}
	v.StartSweeper(ctx)

	// Shared seller quota, with per-tenant overrides.
	limiter := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.Marketplace.RatePerSecond,
		Burst:     cfg.Marketplace.Burst,
		Rates: func(provider, tenantID string) (float64, int) {
			if provider != vault.ProviderAmazon {
				return 0, 0
			}
			return manager.Rate(tenantID)
		},
	})
	limiter.StartCleanup(ctx)

	// Raw payload archive.
	var archiver archive.Archiver
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3(ctx, cfg.Archive.Bucket, cfg.Archive.Region, cfg.Archive.Prefix)
		if err != nil {
			log.Fatalf("init archive: %v", err)
		}
		archiver = s3a
	} else {
		log.Printf("ARCHIVE_BUCKET not set, archiving to memory")
		archiver = archive.NewMemory()
	}

	m := metrics.New()

	client := spapi.New(v, limiter, archiver, m, spapi.Config{
		Region:         cfg.Marketplace.Region,
		MarketplaceIDs: []string{cfg.Marketplace.MarketplaceID},
		RequestTimeout: cfg.Marketplace.RequestTimeout,
		ReportMaxWait:  cfg.Marketplace.ReportMaxWait,
	})

	// Sources.
	registry := connector.NewRegistry()
	marketplace := connector.NewMarketplace(client, inventory, func(tenantID string) bool {
		return manager.ConnectorOn(tenantID, vault.ProviderAmazon)
	})
	if err := registry.Register(marketplace); err != nil {
		log.Fatalf("register marketplace connector: %v", err)
	}

	engine := recon.NewEngine(inventory, discrepancies, rules)

	// Claim pipeline and its downstream services.
	breakers := breaker.NewServiceBreakers()
	dispatcher := notify.NewDispatcher(cfg.Notify.BaseURL, cfg.Notify.Workers)
	defer dispatcher.Shutdown()

	// Claim cache serves reads on the API as well, so it lives outside the
	// pipeline block.
	var cache claims.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = claims.NewRedisCache(rdb, 24*time.Hour)
	} else {
		cache = claims.NewLocalCache(24 * time.Hour)
	}

	var pipeline *claims.Pipeline
	if cfg.Detector.BaseURL != "" {
		detector := claims.NewDetector(cfg.Detector.BaseURL, cfg.Detector.APIKey, cfg.Detector.Timeout, breakers.Detector)

		var mcde *claims.MCDE
		if cfg.MCDE.BaseURL != "" {
			mcde = claims.NewMCDE(cfg.MCDE.BaseURL, cfg.Detector.Timeout, breakers.MCDE)
		}
		var refund *claims.RefundEngine
		if cfg.Refund.BaseURL != "" {
			refund = claims.NewRefundEngine(cfg.Refund.BaseURL, cfg.Detector.Timeout, breakers.Refund)
		}

		pipeline = claims.NewPipeline(detector, mcde, refund, claimStore, inventory, cache, dispatcher, claims.Config{
			MinConfidence:        cfg.Detector.ConfidenceThreshold,
			BatchSize:            cfg.Detector.BatchSize,
			MaxConcurrentBatches: cfg.Detector.MaxBatchesInFlight,
			AutoSubmit:           cfg.Detector.AutoSubmission,
			TuningFor: func(tenantID string) claims.Tuning {
				eff := manager.Detector(tenantID)
				return claims.Tuning{
					MinConfidence: eff.ConfidenceThreshold,
					BatchSize:     eff.BatchSize,
					AutoSubmit:    eff.AutoSubmission,
				}
			},
		})
	} else {
		log.Printf("CLAIM_DETECTOR_URL not set, claim pipeline disabled")
	}

	var billingSvc *billing.Service
	if cfg.Stripe.APIKey != "" {
		billingSvc = billing.New(cfg.Stripe.APIKey)
		log.Printf("billing enabled")
	}

	bus := progress.NewBus()

	jobs := orchestrator.NewManager(registry, engine, pipeline, syncLogs, bus, m, orchestrator.Config{
		MaxConcurrent:      int64(cfg.Jobs.MaxJobsGlobal),
		MaxSourcesInFlight: int64(cfg.Jobs.MaxSourcesInFlight),
		MaxRetries:         cfg.Jobs.RetryAttempts,
		RetryBase:          cfg.Jobs.RetryBase,
		JobTimeout:         cfg.Jobs.JobTimeout,
		TerminalAge:        cfg.Jobs.TerminalMaxAge,
	})
	jobs.StartSweeper(ctx)

	server := httpapi.New(cfg.ListenAddr, jobs, registry, bus, breakers, claimStore, cache, billingSvc, dispatcher)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}
