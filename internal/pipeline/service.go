// Package pipeline wires the four analysis stages into one service:
// recognize entities in a telemetry payload, expand their connections,
// score the risk, and dispatch automated responses. It also owns the
// processing statistics, the runtime configuration, and the watchlist.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/socforge/triage-engine/internal/expand"
	"github.com/socforge/triage-engine/internal/metrics"
	"github.com/socforge/triage-engine/internal/recognize"
	"github.com/socforge/triage-engine/internal/respond"
	"github.com/socforge/triage-engine/internal/score"
	"github.com/socforge/triage-engine/pkg/models"
)

const (
	defaultEventType = "security_alert"
	healthPingBudget = 5 * time.Second
)

// Pinger reports backend reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store persists analysis results. Persistence failures degrade to
// warnings; they never fail an analysis.
type Store interface {
	SaveResult(ctx context.Context, result *models.EventResult) error
	Ping(ctx context.Context) error
}

// Service runs telemetry events through the full triage pipeline.
type Service struct {
	recognizer *recognize.Recognizer
	expander   *expand.Engine
	scorer     *score.Engine
	responder  *respond.Orchestrator

	store     Store
	metrics   *metrics.Metrics
	watchlist *Watchlist

	cfgMu sync.RWMutex
	cfg   Config

	probesMu sync.RWMutex
	probes   map[string]Pinger

	eventsProcessed     atomic.Int64
	entitiesExtracted   atomic.Int64
	connectionsExpanded atomic.Int64
	responsesExecuted   atomic.Int64

	avgMu                 sync.Mutex
	averageProcessingSecs float64
}

// NewService wires the four stage engines together with default
// configuration. Persistence, metrics, and health probes are attached
// separately because each is optional.
func NewService(recognizer *recognize.Recognizer, expander *expand.Engine, scorer *score.Engine, responder *respond.Orchestrator) *Service {
	return &Service{
		recognizer: recognizer,
		expander:   expander,
		scorer:     scorer,
		responder:  responder,
		watchlist:  NewWatchlist(),
		cfg:        DefaultConfig(),
		probes: map[string]Pinger{
			"graph":      nil,
			"timeseries": nil,
			"intel":      nil,
			"cache":      nil,
			"database":   nil,
		},
	}
}

// AttachStore enables result persistence.
func (s *Service) AttachStore(store Store) {
	s.store = store
	s.SetHealthProbe("database", store)
}

// AttachMetrics enables Prometheus instrumentation.
func (s *Service) AttachMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetHealthProbe registers a backend for HealthCheck. Components left
// unregistered (or registered nil) report as disabled.
func (s *Service) SetHealthProbe(name string, probe Pinger) {
	s.probesMu.Lock()
	defer s.probesMu.Unlock()
	s.probes[name] = probe
}

// Watchlist exposes the suppression registry for the API layer.
func (s *Service) Watchlist() *Watchlist {
	return s.watchlist
}

func (s *Service) currentConfig() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ─── Event Analysis ──────────────────────────────────────────────────────────

// Analyze runs one telemetry payload through the full pipeline. An empty
// eventType defaults to "security_alert". The returned result is always
// non-nil; failures surface as status "error".
func (s *Service) Analyze(ctx context.Context, payload map[string]any, eventType string) *models.EventResult {
	start := time.Now()
	if eventType == "" {
		eventType = defaultEventType
	}
	eventID := uuid.NewString()

	result := s.analyze(ctx, eventID, eventType, payload)
	result.ProcessingTime = time.Since(start).Seconds()
	s.recordProcessed(result)
	return result
}

func (s *Service) analyze(ctx context.Context, eventID, eventType string, payload map[string]any) (result *models.EventResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] panic analyzing event %s: %v", eventID, r)
			result = &models.EventResult{
				EventID:      eventID,
				Status:       "error",
				Timestamp:    time.Now(),
				ErrorMessage: fmt.Sprintf("error analyzing security event %s: %v", eventID, r),
			}
		}
	}()

	cfg := s.currentConfig()
	log.Printf("[Pipeline] starting analysis for event %s", eventID)

	event := &models.Event{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: time.Now(),
		RawData:   payload,
	}

	// Stage 1: entity recognition.
	stageStart := time.Now()
	entities := s.recognizer.Extract(payload, eventID)
	s.metrics.ObserveStage("recognize", time.Since(stageStart).Seconds())

	if len(entities) == 0 {
		log.Printf("[Pipeline] no entities extracted from event %s", eventID)
		return &models.EventResult{
			EventID:         eventID,
			Status:          "completed",
			Timestamp:       time.Now(),
			Entities:        []*models.Entity{},
			ResponseResults: []*models.ActionResult{},
			Event:           event,
		}
	}

	event.Entities = entities
	s.entitiesExtracted.Add(int64(len(entities)))
	byType := make(map[string]int)
	for _, entity := range entities {
		byType[string(entity.Type)]++
	}
	for entityType, n := range byType {
		s.metrics.RecordEntitiesExtracted(entityType, n)
	}

	// Stage 2: connection expansion.
	var warnings []string
	if cfg.EnableConnectionExpansion && s.expander != nil {
		stageStart = time.Now()
		warnings = s.expandConnections(ctx, eventID, entities)
		s.metrics.ObserveStage("expand", time.Since(stageStart).Seconds())
	}

	// Watchlisted entities stay in the arena for scoring but carry the
	// whitelisted status from here on. Marked after expansion, which
	// stamps its own status on every entity it touches.
	for _, entity := range entities {
		if s.watchlist.Contains(entity.Type, entity.ID) {
			entity.SetStatus(models.StatusWhitelisted, "entity on watchlist")
		}
	}

	// Stage 3: risk scoring.
	var maxRisk float64
	if cfg.EnableRiskScoring && s.scorer != nil {
		stageStart = time.Now()
		_, maxRisk = s.scorer.ScoreBatch(ctx, entities)
		event.RiskScore = maxRisk
		s.metrics.ObserveStage("score", time.Since(stageStart).Seconds())
		log.Printf("[Pipeline] event %s: max risk score %.2f across %d entities", eventID, maxRisk, len(entities))
	}

	// Stage 4: response execution.
	var responseResults []*models.ActionResult
	if cfg.EnableAutoResponse && s.responder != nil && maxRisk >= cfg.MinRiskThresholdForResponse {
		stageStart = time.Now()
		responseResults = s.executeResponses(ctx, entities, cfg.MinRiskThresholdForResponse)
		s.metrics.ObserveStage("respond", time.Since(stageStart).Seconds())
	}
	if len(responseResults) > 0 {
		s.responsesExecuted.Add(int64(len(responseResults)))
		for _, r := range responseResults {
			s.metrics.RecordResponse(string(r.Action), string(r.Status))
		}
	}

	event.Processed = true

	highRisk := 0
	for _, entity := range entities {
		if entity.RiskScore >= 70 {
			highRisk++
		}
	}

	result = &models.EventResult{
		EventID:   eventID,
		Status:    "completed",
		Timestamp: time.Now(),
		Summary: models.ResultSummary{
			EntitiesExtracted: len(entities),
			MaxRiskScore:      maxRisk,
			ResponsesExecuted: len(responseResults),
			HighRiskEntities:  highRisk,
		},
		Entities:        entities,
		ResponseResults: responseResults,
		Event:           event,
		Warnings:        warnings,
	}

	if s.store != nil {
		if err := s.store.SaveResult(ctx, result); err != nil {
			log.Printf("[Pipeline] failed to persist event %s: %v", eventID, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("persistence: %v", err))
		}
	}

	log.Printf("[Pipeline] analysis completed for event %s", eventID)
	return result
}

// expandConnections fans expansion out across the entity arena. Source
// failures are absorbed into warnings; one line per failed method.
func (s *Service) expandConnections(ctx context.Context, eventID string, entities []*models.Entity) []string {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		warnings []string
		produced int
	)
	for _, entity := range entities {
		wg.Add(1)
		go func(entity *models.Entity) {
			defer wg.Done()
			related, err := s.expander.Expand(ctx, entity)

			mu.Lock()
			defer mu.Unlock()
			produced += len(related)
			if err != nil {
				for _, line := range strings.Split(err.Error(), "\n") {
					method, _, _ := strings.Cut(line, ":")
					s.metrics.RecordExpansionFailure(strings.TrimSpace(method))
					warnings = append(warnings, fmt.Sprintf("expansion of %s %s: %s", entity.Type, entity.ID, line))
				}
			}
		}(entity)
	}
	wg.Wait()

	s.connectionsExpanded.Add(int64(produced))
	log.Printf("[Pipeline] event %s: expanded %d connections across %d entities", eventID, produced, len(entities))
	return warnings
}

// executeResponses dispatches the response orchestrator against every
// entity at or above the risk threshold. Whitelisted and already-blocked
// entities never reach effectors.
func (s *Service) executeResponses(ctx context.Context, entities []*models.Entity, threshold float64) []*models.ActionResult {
	var all []*models.ActionResult
	for _, entity := range entities {
		if entity.RiskScore < threshold {
			continue
		}
		if entity.Status == models.StatusWhitelisted || entity.Status == models.StatusBlocked {
			continue
		}
		all = append(all, s.responder.Respond(ctx, entity)...)
	}
	log.Printf("[Pipeline] executed %d response actions", len(all))
	return all
}

func (s *Service) recordProcessed(result *models.EventResult) {
	n := s.eventsProcessed.Add(1)
	s.avgMu.Lock()
	if n == 1 {
		s.averageProcessingSecs = result.ProcessingTime
	} else {
		s.averageProcessingSecs = (s.averageProcessingSecs*float64(n-1) + result.ProcessingTime) / float64(n)
	}
	s.avgMu.Unlock()
	s.metrics.RecordEvent(result.Status, result.ProcessingTime)
}

// ─── Batch Analysis ──────────────────────────────────────────────────────────

// BatchAnalyze runs Analyze over each payload with bounded concurrency
// and an overall wall-clock budget of ProcessingTimeout. If the budget
// expires the whole batch degrades to a single status-"timeout" result;
// otherwise results come back in input order.
func (s *Service) BatchAnalyze(ctx context.Context, payloads []map[string]any) []*models.EventResult {
	cfg := s.currentConfig()
	log.Printf("[Pipeline] starting batch analysis of %d events", len(payloads))

	s.metrics.BatchStarted()
	defer s.metrics.BatchFinished()

	batchCtx, cancel := context.WithTimeout(ctx, cfg.ProcessingTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrentProcessing))
	results := make([]*models.EventResult, len(payloads))

	var wg sync.WaitGroup
	for i, payload := range payloads {
		wg.Add(1)
		go func(i int, payload map[string]any) {
			defer wg.Done()
			if err := sem.Acquire(batchCtx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			results[i] = s.Analyze(batchCtx, payload, "")
		}(i, payload)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-batchCtx.Done():
		log.Printf("[Pipeline] batch analysis timed out after %s", cfg.ProcessingTimeout)
		return []*models.EventResult{{
			Status:       "timeout",
			Timestamp:    time.Now(),
			ErrorMessage: "batch processing timed out",
		}}
	}

	log.Printf("[Pipeline] batch analysis completed: %d results", len(results))
	return results
}

// ─── Manual Response ─────────────────────────────────────────────────────────

// ManualRespond executes operator-chosen actions against an entity,
// bypassing the risk threshold. Unknown actions are skipped with a
// warning; if none remain the single returned result carries the error.
func (s *Service) ManualRespond(ctx context.Context, entityID, entityType string, actions []string) []*models.ActionResult {
	parsedType, ok := models.ParseEntityType(entityType)
	if !ok {
		return []*models.ActionResult{{
			Status:    models.ActionFailed,
			Message:   fmt.Sprintf("unknown entity type: %s", entityType),
			EntityID:  entityID,
			Timestamp: time.Now(),
		}}
	}

	var parsed []models.ResponseAction
	for _, raw := range actions {
		action, known := models.ParseResponseAction(raw)
		if !known {
			log.Printf("[Pipeline] unknown response action: %s", raw)
			continue
		}
		parsed = append(parsed, action)
	}
	if len(parsed) == 0 {
		return []*models.ActionResult{{
			Status:    models.ActionFailed,
			Message:   "no valid actions provided",
			EntityID:  entityID,
			Timestamp: time.Now(),
		}}
	}

	entity := models.NewEntity(parsedType, entityID)
	results := s.responder.Respond(ctx, entity, parsed...)

	if len(results) > 0 {
		s.responsesExecuted.Add(int64(len(results)))
		for _, r := range results {
			s.metrics.RecordResponse(string(r.Action), string(r.Status))
		}
	}
	log.Printf("[Pipeline] manual response executed for entity %s: %d actions", entityID, len(results))
	return results
}

// ─── Health & Statistics ─────────────────────────────────────────────────────

// HealthCheck pings every registered backend concurrently, each within
// its own budget. Components with no configured backend report disabled;
// the service is healthy only when no component is unhealthy.
func (s *Service) HealthCheck(ctx context.Context) map[string]any {
	s.probesMu.RLock()
	probes := make(map[string]Pinger, len(s.probes))
	for name, probe := range s.probes {
		probes[name] = probe
	}
	s.probesMu.RUnlock()

	components := make(map[string]string, len(probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, probe := range probes {
		if probe == nil {
			mu.Lock()
			components[name] = "disabled"
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, probe Pinger) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, healthPingBudget)
			defer cancel()

			status := "healthy"
			if err := probe.Ping(pingCtx); err != nil {
				log.Printf("[Pipeline] health probe %s failed: %v", name, err)
				status = "unhealthy"
			}
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	overall := "healthy"
	for _, status := range components {
		if status == "unhealthy" {
			overall = "unhealthy"
			break
		}
	}

	return map[string]any{
		"service":    overall,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
		"statistics": s.statisticsSnapshot(),
	}
}

func (s *Service) statisticsSnapshot() map[string]any {
	s.avgMu.Lock()
	avg := s.averageProcessingSecs
	s.avgMu.Unlock()

	return map[string]any{
		"totalEventsProcessed":     s.eventsProcessed.Load(),
		"totalEntitiesExtracted":   s.entitiesExtracted.Load(),
		"totalConnectionsExpanded": s.connectionsExpanded.Load(),
		"totalResponsesExecuted":   s.responsesExecuted.Load(),
		"averageProcessingTime":    avg,
	}
}

// GetStatistics returns processing counters alongside the active
// configuration.
func (s *Service) GetStatistics() map[string]any {
	return map[string]any{
		"statistics":    s.statisticsSnapshot(),
		"configuration": s.currentConfig().Snapshot(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
}

// ─── Runtime Configuration ───────────────────────────────────────────────────

// UpdateConfiguration applies recognized keys from a partial configuration
// document and reports which keys were applied and which were ignored.
// Unknown keys and wrong-typed or out-of-range values are ignored, never
// partially applied. Keys under expansion. are forwarded to the expansion
// engine.
func (s *Service) UpdateConfiguration(partial map[string]any) (applied, ignored []string) {
	keys := make([]string, 0, len(partial))
	for key := range partial {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	expCfg := expand.Config{}
	if s.expander != nil {
		expCfg = s.expander.Config()
	}
	expChanged := false

	s.cfgMu.Lock()
	cfg := s.cfg
	for _, key := range keys {
		value := partial[key]
		accepted := false

		switch key {
		case "enableConnectionExpansion":
			if b, isBool := value.(bool); isBool {
				cfg.EnableConnectionExpansion = b
				accepted = true
			}
		case "enableRiskScoring":
			if b, isBool := value.(bool); isBool {
				cfg.EnableRiskScoring = b
				accepted = true
			}
		case "enableAutoResponse":
			if b, isBool := value.(bool); isBool {
				cfg.EnableAutoResponse = b
				accepted = true
			}
		case "maxConcurrentProcessing":
			if n, isNum := asFloat(value); isNum && n >= 1 {
				cfg.MaxConcurrentProcessing = int(n)
				accepted = true
			}
		case "processingTimeout":
			if n, isNum := asFloat(value); isNum && n > 0 {
				cfg.ProcessingTimeout = time.Duration(n * float64(time.Second))
				accepted = true
			}
		case "minRiskThresholdForResponse":
			if n, isNum := asFloat(value); isNum && n >= 0 && n <= 100 {
				cfg.MinRiskThresholdForResponse = n
				accepted = true
			}
		case "expansion.maxEntitiesPerExpansion":
			if n, isNum := asFloat(value); isNum && n >= 1 && s.expander != nil {
				expCfg.MaxEntitiesPerExpansion = int(n)
				expChanged = true
				accepted = true
			}
		case "expansion.timeWindowHours":
			if n, isNum := asFloat(value); isNum && n >= 1 && s.expander != nil {
				expCfg.TimeWindowHours = int(n)
				expChanged = true
				accepted = true
			}
		case "expansion.minConfidenceThreshold":
			if n, isNum := asFloat(value); isNum && n >= 0 && n <= 1 && s.expander != nil {
				expCfg.MinConfidenceThreshold = n
				expChanged = true
				accepted = true
			}
		}

		if accepted {
			applied = append(applied, key)
		} else {
			ignored = append(ignored, key)
		}
	}
	s.cfg = cfg
	s.cfgMu.Unlock()

	if expChanged {
		s.expander.SetConfig(expCfg)
	}
	if len(applied) > 0 {
		log.Printf("[Pipeline] configuration updated: %v", applied)
	}
	return applied, ignored
}
