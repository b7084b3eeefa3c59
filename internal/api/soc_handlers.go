package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/socforge/triage-engine/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// SOC Operations Handlers (entity lookups, manual response, watchlist)
// ════════════════════════════════════════════════════════════════════

// GET /api/v1/entity/:id?entity_type=ip
// Returns the persisted triage snapshot for one entity.
func (h *APIHandler) handleGetEntity(c *gin.Context) {
	entityID := c.Param("id")
	entityType := c.Query("entity_type")
	if entityType == "" {
		respondError(c, http.StatusBadRequest, "entity_type query parameter is required")
		return
	}

	if h.store == nil {
		respondError(c, http.StatusServiceUnavailable, "database not connected")
		return
	}

	snapshot, err := h.store.GetEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load entity: "+err.Error())
		return
	}
	if snapshot == nil {
		respondError(c, http.StatusNotFound, "entity not found")
		return
	}

	respondOK(c, http.StatusOK, snapshot)
}

// GET /api/v1/events/recent?page=1&limit=50
// Pages through persisted analysis results, newest first.
func (h *APIHandler) handleRecentEvents(c *gin.Context) {
	if h.store == nil {
		respondError(c, http.StatusServiceUnavailable, "database not connected")
		return
	}

	// Parse pagination parameters
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, totalCount, err := h.store.RecentEvents(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to fetch recent events: "+err.Error())
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"events":     events,
		"totalCount": totalCount,
		"page":       page,
		"limit":      limit,
	})
}

// POST /api/v1/response/manual
// Executes operator-chosen response actions against an entity.
func (h *APIHandler) handleManualResponse(c *gin.Context) {
	var req struct {
		EntityID   string   `json:"entityId" binding:"required"`
		EntityType string   `json:"entityType" binding:"required"`
		Actions    []string `json:"actions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	results := h.service.ManualRespond(c.Request.Context(), req.EntityID, req.EntityType, req.Actions)
	respondOK(c, http.StatusOK, gin.H{
		"entityId":        req.EntityID,
		"entityType":      req.EntityType,
		"actionsExecuted": len(results),
		"results":         results,
	})
}

// GET /api/v1/statistics
func (h *APIHandler) handleGetStatistics(c *gin.Context) {
	respondOK(c, http.StatusOK, h.service.GetStatistics())
}

// GET /api/v1/config
func (h *APIHandler) handleGetConfig(c *gin.Context) {
	stats := h.service.GetStatistics()
	respondOK(c, http.StatusOK, gin.H{
		"configuration": stats["configuration"],
		"lastUpdated":   time.Now().UTC().Format(time.RFC3339),
	})
}

// POST /api/v1/config { "config": { "minRiskThresholdForResponse": 60 } }
// Applies recognized keys and reports which ones were ignored.
func (h *APIHandler) handleUpdateConfig(c *gin.Context) {
	var req struct {
		Config map[string]any `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	applied, ignored := h.service.UpdateConfiguration(req.Config)
	if applied == nil {
		applied = []string{}
	}
	if ignored == nil {
		ignored = []string{}
	}
	respondOK(c, http.StatusOK, gin.H{
		"applied": applied,
		"ignored": ignored,
	})
}

// GET /api/v1/watchlist
func (h *APIHandler) handleListWatchlist(c *gin.Context) {
	entries := h.service.Watchlist().List()
	respondOK(c, http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// POST /api/v1/watchlist { "entityType": "ip", "entityId": "10.0.0.5", "note": "scanner" }
func (h *APIHandler) handleAddWatchlist(c *gin.Context) {
	var req struct {
		EntityType string `json:"entityType" binding:"required"`
		EntityID   string `json:"entityId" binding:"required"`
		Note       string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	entityType, ok := models.ParseEntityType(req.EntityType)
	if !ok {
		respondError(c, http.StatusBadRequest, "unknown entity type: "+req.EntityType)
		return
	}

	h.service.Watchlist().Add(entityType, req.EntityID, req.Note)
	respondOK(c, http.StatusCreated, gin.H{
		"entityType": entityType,
		"entityId":   req.EntityID,
		"total":      h.service.Watchlist().Size(),
	})
}

// DELETE /api/v1/watchlist?entity_type=ip&entity_id=10.0.0.5
func (h *APIHandler) handleRemoveWatchlist(c *gin.Context) {
	rawType := c.Query("entity_type")
	entityID := c.Query("entity_id")
	if rawType == "" || entityID == "" {
		respondError(c, http.StatusBadRequest, "entity_type and entity_id query parameters are required")
		return
	}

	entityType, ok := models.ParseEntityType(rawType)
	if !ok {
		respondError(c, http.StatusBadRequest, "unknown entity type: "+rawType)
		return
	}

	if !h.service.Watchlist().Remove(entityType, entityID) {
		respondError(c, http.StatusNotFound, "watchlist entry not found")
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"removed": true,
		"total":   h.service.Watchlist().Size(),
	})
}

// GET /api/v1/alerts/recent?limit=50
func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	if h.alerts == nil {
		respondError(c, http.StatusServiceUnavailable, "alert manager not configured")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts := h.alerts.RecentAlerts(limit)
	respondOK(c, http.StatusOK, gin.H{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// GET /api/v1/test/sample-data
// Canned payloads for demos and smoke tests against the analyze endpoints.
func (h *APIHandler) handleSampleData(c *gin.Context) {
	now := time.Now().UTC().Format(time.RFC3339)

	sampleEvents := []gin.H{
		{
			"eventType": "login_event",
			"logData": gin.H{
				"username":        "svc_backup",
				"src_ip":          "203.0.113.44",
				"destination":     "dc01.corp.example.com",
				"login_method":    "NTLM",
				"failed_attempts": 23,
				"success":         false,
				"timestamp":       now,
				"is_anomaly":      true,
				"anomaly_type":    "brute_force_login",
			},
		},
		{
			"eventType": "network_anomaly",
			"logData": gin.H{
				"src_ip":              "192.168.1.100",
				"dst_ip":              "10.0.0.50",
				"port":                443,
				"username":            "john.doe",
				"bytes_transferred":   1048576,
				"connection_duration": 300,
				"timestamp":           now,
				"is_anomaly":          true,
				"anomaly_type":        "unusual_data_transfer",
			},
		},
		{
			"eventType": "process_execution",
			"logData": gin.H{
				"process_name":   "powershell.exe",
				"command_line":   "powershell.exe -ExecutionPolicy bypass -EncodedCommand SQBFAFgA",
				"parent_process": "explorer.exe",
				"username":       "user1",
				"timestamp":      now,
				"is_anomaly":     true,
				"anomaly_type":   "suspicious_command",
			},
		},
		{
			"eventType": "file_access",
			"logData": gin.H{
				"username":       "jsmith",
				"file_path":      "/etc/passwd",
				"action":         "read",
				"process_name":   "cat",
				"timestamp":      now,
				"is_system_file": true,
				"access_granted": true,
			},
		},
	}

	respondOK(c, http.StatusOK, gin.H{
		"sampleEvents": sampleEvents,
		"description":  "Sample security events for exercising the analyze endpoints",
	})
}
