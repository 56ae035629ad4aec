package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mailwizard/delivery-core/internal/api"
	"github.com/mailwizard/delivery-core/internal/config"
	"github.com/mailwizard/delivery-core/internal/dispatch"
	"github.com/mailwizard/delivery-core/internal/ingest"
	"github.com/mailwizard/delivery-core/internal/pkg/httpretry"
	"github.com/mailwizard/delivery-core/internal/quota"
	"github.com/mailwizard/delivery-core/internal/ratelimit"
	"github.com/mailwizard/delivery-core/internal/repository/postgres"
	"github.com/mailwizard/delivery-core/internal/service/domains"
	"github.com/mailwizard/delivery-core/internal/unsubscribe"
	"github.com/mailwizard/delivery-core/internal/webhook"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Repositories
	campaigns := postgres.NewCampaignRepo(db)
	contacts := postgres.NewContactRepo(db)
	events := postgres.NewEventRepo(db)
	usage := postgres.NewUsageRepo(db)
	domainRepo := postgres.NewDomainRepo(db)

	// Webhook verification
	verifier, err := webhook.NewVerifier(
		webhook.VerificationMode(cfg.Webhook.Mode), []byte(cfg.Webhook.PublicKey))
	if err != nil {
		log.Fatalf("Failed to configure webhook verifier: %v", err)
	}
	log.Printf("Webhook signature verification: %s", verifier.Mode())

	// Gates
	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for endpoint, rl := range cfg.RateLimits {
		rules[endpoint] = ratelimit.Rule{MaxRequests: rl.MaxRequests, Window: rl.Window()}
	}
	limiter := ratelimit.NewLimiter(redisClient, rules)
	quotaGate := quota.NewGate(usage, cfg.Plans)

	// Unsubscribe links and transitions
	codec := unsubscribe.NewTokenCodec([]byte(cfg.Tracking.SigningKey), cfg.Tracking.TokenTTL())
	unsubSvc := unsubscribe.NewService(codec, contacts, campaigns, events)

	// Dispatch
	policy := httpretry.DefaultPolicy()
	policy.MaxRetries = cfg.Dispatch.MaxRetries
	providerClient := dispatch.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, policy)
	sender := dispatch.NewSender(providerClient, campaigns, events, domainRepo,
		limiter, quotaGate, codec,
		cfg.Tracking.AppBaseURL, cfg.Tracking.CompanyName, cfg.Dispatch.BatchSize)

	// Sending-domain registration and DNS verification
	domainSvc := domains.NewService(domainRepo, nil, domains.RecordTemplates{
		DKIMSelector: cfg.Sending.DKIMSelector,
		DKIMValue:    cfg.Sending.DKIMValue,
		SPFValue:     cfg.Sending.SPFValue,
		MailCNAME:    cfg.Sending.MailCNAME,
	})

	// Event ingestion
	pipeline := ingest.NewPipeline(campaigns, contacts, events)

	handlers := api.NewHandlers(verifier, pipeline, sender, unsubSvc, campaigns, domainSvc, cfg.Tracking.AppBaseURL)
	server := api.NewServer(cfg.Server, handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
