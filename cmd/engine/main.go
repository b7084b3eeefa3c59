package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/socforge/triage-engine/internal/api"
	"github.com/socforge/triage-engine/internal/db"
	"github.com/socforge/triage-engine/internal/expand"
	"github.com/socforge/triage-engine/internal/graph"
	"github.com/socforge/triage-engine/internal/intel"
	"github.com/socforge/triage-engine/internal/metrics"
	"github.com/socforge/triage-engine/internal/pipeline"
	"github.com/socforge/triage-engine/internal/recognize"
	"github.com/socforge/triage-engine/internal/respond"
	"github.com/socforge/triage-engine/internal/score"
	"github.com/socforge/triage-engine/internal/tsdb"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[Main] no .env file found, relying on process environment")
	}

	log.Println("[Main] starting Security Triage Engine")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbURL := requireEnv("DATABASE_URL")

	dbStore, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: failed to connect to PostgreSQL, continuing without result persistence. Error: %v", err)
		dbStore = nil
	} else {
		defer dbStore.Close()
		if err := dbStore.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	ctx := context.Background()

	// ─── Expansion Backends ──────────────────────────────────────────────
	// Each backend is optional; an unset URI leaves that expansion method
	// disabled and the matching health component reports "disabled".

	var graphStore expand.GraphStore
	var graphClient *graph.Client
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		graphClient, err = graph.NewClient(ctx, uri,
			getEnvOrDefault("NEO4J_USER", "neo4j"), os.Getenv("NEO4J_PASSWORD"))
		if err != nil {
			log.Printf("Warning: failed to connect to Neo4j, asset graph expansion disabled: %v", err)
		} else {
			graphStore = graphClient
			defer graphClient.Close(context.Background())
		}
	}

	var timeseries expand.Timeseries
	var tsdbClient *tsdb.Client
	if connStr := os.Getenv("TIMESERIES_DATABASE_URL"); connStr != "" {
		tsdbClient, err = tsdb.Connect(connStr)
		if err != nil {
			log.Printf("Warning: failed to connect to telemetry log store, history expansion disabled: %v", err)
		} else {
			timeseries = tsdbClient
			defer tsdbClient.Close()
		}
	}

	var cache *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisDB, _ := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: failed to connect to Redis, intel cache disabled: %v", err)
			_ = rdb.Close()
		} else {
			cache = rdb
			defer cache.Close()
			log.Printf("[Main] connected to Redis at %s", addr)
		}
	}

	var threatIntel *intel.Client
	if baseURL := os.Getenv("THREAT_INTEL_URL"); baseURL != "" {
		threatIntel = intel.NewClient(baseURL, os.Getenv("THREAT_INTEL_API_KEY"))
		if cache != nil {
			threatIntel.AttachCache(cache)
		}
		log.Printf("[Main] threat intel feed configured at %s", baseURL)
	}

	// ─── Pipeline Assembly ───────────────────────────────────────────────

	expander := expand.NewEngine(graphStore, intelOrNil(threatIntel), timeseries, expand.DefaultConfig())
	scorer := score.NewEngine(scoreIntelOrNil(threatIntel))

	wsHub := api.NewHub()
	go wsHub.Run()

	alerts := respond.NewAlertManager(api.BroadcastSecurityAlert(wsHub))
	if webhookURL := os.Getenv("SOC_WEBHOOK_URL"); webhookURL != "" {
		alerts.RegisterWebhook("soc", webhookURL,
			getEnvOrDefault("SOC_WEBHOOK_MIN_SEVERITY", "high"), nil)
	}

	responder := respond.NewOrchestrator(alerts,
		respond.NewNetworkBlockEffector(respond.NetworkBlockConfig{
			Endpoint: os.Getenv("FIREWALL_API_ENDPOINT"),
			APIKey:   os.Getenv("FIREWALL_API_KEY"),
		}),
		respond.NewDirectoryEffector(respond.DirectoryConfig{
			Server:        os.Getenv("DIRECTORY_SERVER"),
			AdminUser:     os.Getenv("DIRECTORY_ADMIN_USER"),
			AdminPassword: os.Getenv("DIRECTORY_ADMIN_PASSWORD"),
		}),
		respond.NewEndpointEffector(respond.EndpointConfig{
			Endpoint: os.Getenv("EDR_API_ENDPOINT"),
			APIKey:   os.Getenv("EDR_API_KEY"),
		}),
		respond.NewAlertEffector(respond.AlertConfig{
			EmailServer: os.Getenv("ALERT_EMAIL_SERVER"),
			WebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
			TicketAPI:   os.Getenv("TICKET_API_ENDPOINT"),
		}),
	)

	service := pipeline.NewService(recognize.NewRecognizer(), expander, scorer, responder)

	registry := prometheus.NewRegistry()
	service.AttachMetrics(metrics.New(registry))

	if dbStore != nil {
		service.AttachStore(dbStore)
	}
	if graphStore != nil {
		service.SetHealthProbe("graph", graphClient)
	}
	if timeseries != nil {
		service.SetHealthProbe("timeseries", tsdbClient)
	}
	if threatIntel != nil {
		service.SetHealthProbe("intel", threatIntel)
	}
	if cache != nil {
		service.SetHealthProbe("cache", redisProbe{cache})
	}

	applyEnvOverrides(service)

	log.Printf("[Main] backends: database=%v graph=%v timeseries=%v intel=%v cache=%v",
		dbStore != nil, graphStore != nil, timeseries != nil, threatIntel != nil, cache != nil)

	// ─── HTTP Server ─────────────────────────────────────────────────────

	router := api.SetupRouter(service, dbStore, alerts, wsHub, registry)

	port := getEnvOrDefault("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("[Main] engine listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] forced shutdown: %v", err)
	}
	log.Println("[Main] server stopped")
}

// applyEnvOverrides feeds startup environment knobs through the same
// validation path the config API uses.
func applyEnvOverrides(service *pipeline.Service) {
	overrides := map[string]any{}

	if os.Getenv("DISABLE_CONNECTION_EXPANSION") == "true" {
		overrides["enableConnectionExpansion"] = false
	}
	if os.Getenv("DISABLE_RISK_SCORING") == "true" {
		overrides["enableRiskScoring"] = false
	}
	if os.Getenv("DISABLE_AUTO_RESPONSE") == "true" {
		overrides["enableAutoResponse"] = false
	}
	if raw := os.Getenv("MAX_CONCURRENT_PROCESSING"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			overrides["maxConcurrentProcessing"] = n
		}
	}
	if raw := os.Getenv("PROCESSING_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			overrides["processingTimeout"] = secs
		}
	}
	if raw := os.Getenv("MIN_RISK_THRESHOLD"); raw != "" {
		if threshold, err := strconv.ParseFloat(raw, 64); err == nil {
			overrides["minRiskThresholdForResponse"] = threshold
		}
	}

	if len(overrides) == 0 {
		return
	}
	applied, ignored := service.UpdateConfiguration(overrides)
	log.Printf("[Main] applied %d environment overrides (ignored %d)", len(applied), len(ignored))
}

// intelOrNil avoids handing the expander a typed-nil interface.
func intelOrNil(client *intel.Client) expand.ThreatIntel {
	if client == nil {
		return nil
	}
	return client
}

func scoreIntelOrNil(client *intel.Client) score.ThreatIntel {
	if client == nil {
		return nil
	}
	return client
}

// redisProbe adapts the redis client to the pipeline health interface.
type redisProbe struct {
	rdb *redis.Client
}

func (p redisProbe) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
