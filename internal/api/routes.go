package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socforge/triage-engine/internal/db"
	"github.com/socforge/triage-engine/internal/pipeline"
	"github.com/socforge/triage-engine/internal/respond"
)

const (
	serviceName    = "Security Triage Engine"
	serviceVersion = "1.0.0"
)

type APIHandler struct {
	service *pipeline.Service
	store   *db.Store
	alerts  *respond.AlertManager
	wsHub   *Hub
}

func SetupRouter(service *pipeline.Service, store *db.Store, alerts *respond.AlertManager, wsHub *Hub, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://soc.example.com,https://dash.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{service: service, store: store, alerts: alerts, wsHub: wsHub}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Public surface: banner, probes and the alert stream.
	r.GET("/", handler.handleRoot)
	r.GET("/health", handler.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", wsHub.Subscribe)

	limiter := NewRateLimiter(envInt("RATE_LIMIT_RPS", 10), envInt("RATE_LIMIT_BURST", 30))

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware(), AuthMiddleware())
	{
		api.POST("/analyze/event", handler.handleAnalyzeEvent)
		api.POST("/analyze/batch", handler.handleAnalyzeBatch)
		api.GET("/entity/:id", handler.handleGetEntity)
		api.GET("/events/recent", handler.handleRecentEvents)
		api.POST("/response/manual", handler.handleManualResponse)
		api.GET("/statistics", handler.handleGetStatistics)
		api.GET("/config", handler.handleGetConfig)
		api.POST("/config", handler.handleUpdateConfig)
		api.GET("/watchlist", handler.handleListWatchlist)
		api.POST("/watchlist", handler.handleAddWatchlist)
		api.DELETE("/watchlist", handler.handleRemoveWatchlist)
		api.GET("/alerts/recent", handler.handleRecentAlerts)
		api.GET("/test/sample-data", handler.handleSampleData)
	}

	return r
}

// envInt reads an integer environment variable with a fallback.
func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// respondOK wraps a payload in the success envelope.
func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}

// handleRoot returns the service banner for discovery.
func (h *APIHandler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   serviceName,
		"version":   serviceVersion,
		"status":    "running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth reports component health; any unhealthy backend turns
// the whole response into a 503 for load-balancer eviction.
func (h *APIHandler) handleHealth(c *gin.Context) {
	health := h.service.HealthCheck(c.Request.Context())

	status := http.StatusOK
	if health["service"] != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// handleAnalyzeEvent runs the full triage pipeline over one event.
// POST /api/v1/analyze/event { "eventType": "login_event", "logData": {...} }
func (h *APIHandler) handleAnalyzeEvent(c *gin.Context) {
	var req struct {
		EventType string         `json:"eventType"`
		LogData   map[string]any `json:"logData" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	result := h.service.Analyze(c.Request.Context(), req.LogData, req.EventType)
	respondOK(c, http.StatusOK, result)
}

// handleAnalyzeBatch triages a list of events with bounded concurrency.
// POST /api/v1/analyze/batch { "events": [{ "eventType": ..., "logData": {...} }] }
func (h *APIHandler) handleAnalyzeBatch(c *gin.Context) {
	var req struct {
		Events []struct {
			EventType string         `json:"eventType"`
			LogData   map[string]any `json:"logData"`
		} `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		respondError(c, http.StatusBadRequest, "batch contains no events")
		return
	}

	payloads := make([]map[string]any, len(req.Events))
	for i, event := range req.Events {
		payloads[i] = event.LogData
	}

	results := h.service.BatchAnalyze(c.Request.Context(), payloads)
	respondOK(c, http.StatusOK, gin.H{
		"totalEvents": len(req.Events),
		"results":     results,
	})
}
