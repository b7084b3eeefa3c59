package respond

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/socforge/triage-engine/pkg/models"
)

// Response Orchestrator
//
// Turns a risk score into containment. A policy table maps score thresholds
// to action sets; actions are priority-sorted (containment before paperwork)
// and dispatched concurrently, each routed to the first registered effector
// that can handle it. The orchestrator never fails an entity outright: every
// action lands in an ActionResult, successful or not, and the entity status
// plus timeline record what actually happened.

const defaultActionTimeout = 10 * time.Second

// Response policy: highest threshold at or below the risk score wins.
var policyThresholds = []float64{95, 85, 70, 50, 30}

var responsePolicies = map[float64][]models.ResponseAction{
	30: {models.ActionSendAlert},
	50: {models.ActionSendAlert, models.ActionCollectEvidence},
	70: {models.ActionSendAlert, models.ActionCreateTicket, models.ActionCollectEvidence},
	85: {models.ActionBlockIP, models.ActionSendAlert, models.ActionCreateTicket, models.ActionNotifyAdmin},
	95: {models.ActionBlockIP, models.ActionDisableUser, models.ActionIsolateHost, models.ActionSendAlert,
		models.ActionCreateTicket, models.ActionNotifyAdmin, models.ActionCollectEvidence},
}

// Execution priority, ascending. Containment comes first.
var actionPriorities = map[models.ResponseAction]int{
	models.ActionBlockIP:         1,
	models.ActionIsolateHost:     1,
	models.ActionDisableUser:     2,
	models.ActionKillProcess:     2,
	models.ActionQuarantineFile:  3,
	models.ActionSendAlert:       4,
	models.ActionCreateTicket:    5,
	models.ActionNotifyAdmin:     5,
	models.ActionCollectEvidence: 6,
}

const defaultActionPriority = 10

// PolicyActions resolves the action set the policy prescribes for a score.
// Scores below the lowest threshold prescribe nothing.
func PolicyActions(riskScore float64) []models.ResponseAction {
	for _, threshold := range policyThresholds {
		if riskScore >= threshold {
			return responsePolicies[threshold]
		}
	}
	return nil
}

func actionPriority(action models.ResponseAction) int {
	if p, ok := actionPriorities[action]; ok {
		return p
	}
	return defaultActionPriority
}

// Orchestrator routes response actions to effectors and tracks outcomes on
// the entity. The alert manager is optional.
type Orchestrator struct {
	mu            sync.RWMutex
	effectors     []Effector
	alerts        *AlertManager
	actionTimeout time.Duration
}

// NewOrchestrator builds an orchestrator over the given effectors. With none
// supplied it registers the four built-ins.
func NewOrchestrator(alerts *AlertManager, effectors ...Effector) *Orchestrator {
	if len(effectors) == 0 {
		effectors = []Effector{
			NewNetworkBlockEffector(NetworkBlockConfig{}),
			NewDirectoryEffector(DirectoryConfig{}),
			NewEndpointEffector(EndpointConfig{}),
			NewAlertEffector(AlertConfig{}),
		}
	}
	return &Orchestrator{
		effectors:     effectors,
		alerts:        alerts,
		actionTimeout: defaultActionTimeout,
	}
}

// SetActionTimeout overrides the per-action execution budget.
func (o *Orchestrator) SetActionTimeout(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d > 0 {
		o.actionTimeout = d
	}
}

// AddEffector registers an additional effector. Routing considers effectors
// in registration order.
func (o *Orchestrator) AddEffector(effector Effector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.effectors = append(o.effectors, effector)
	log.Printf("[Respond] registered effector %s (%s)", effector.ID(), effector.Kind())
}

// RemoveEffector drops every effector with the given id.
func (o *Orchestrator) RemoveEffector(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.effectors[:0]
	for _, effector := range o.effectors {
		if effector.ID() != id {
			kept = append(kept, effector)
		}
	}
	o.effectors = kept
	log.Printf("[Respond] removed effector %s", id)
}

// Respond executes actions against the entity. With no explicit actions the
// policy table decides from the entity's risk score. Whitelisted and
// already-blocked entities are never touched.
func (o *Orchestrator) Respond(ctx context.Context, entity *models.Entity, actions ...models.ResponseAction) []*models.ActionResult {
	if entity.Status == models.StatusWhitelisted || entity.Status == models.StatusBlocked {
		log.Printf("[Respond] skipping %s %s: status %s", entity.Type, entity.ID, entity.Status)
		return nil
	}

	if len(actions) == 0 {
		actions = PolicyActions(entity.RiskScore)
	}
	if len(actions) == 0 {
		log.Printf("[Respond] no actions for %s %s at score %.1f", entity.Type, entity.ID, entity.RiskScore)
		return nil
	}

	ordered := make([]models.ResponseAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return actionPriority(ordered[i]) < actionPriority(ordered[j])
	})

	log.Printf("[Respond] executing %d actions for %s %s", len(ordered), entity.Type, entity.ID)

	results := make([]*models.ActionResult, len(ordered))
	var wg sync.WaitGroup
	for i, action := range ordered {
		effector := o.findEffector(entity.Type, action)
		if effector == nil {
			log.Printf("[Respond] no effector for %s on %s %s", action, entity.Type, entity.ID)
			results[i] = &models.ActionResult{
				Action:    action,
				Status:    models.ActionFailed,
				Message:   "no suitable effector",
				EntityID:  entity.ID,
				Timestamp: time.Now(),
			}
			continue
		}

		wg.Add(1)
		go func(i int, action models.ResponseAction, effector Effector) {
			defer wg.Done()
			results[i] = o.executeAction(ctx, entity, action, effector)
		}(i, action, effector)
	}
	wg.Wait()

	o.applyOutcome(entity, results)
	o.emitResponseAlert(entity, results)
	return results
}

// executeAction runs one action under the per-action timeout and folds any
// failure into the result.
func (o *Orchestrator) executeAction(ctx context.Context, entity *models.Entity, action models.ResponseAction, effector Effector) *models.ActionResult {
	o.mu.RLock()
	timeout := o.actionTimeout
	o.mu.RUnlock()

	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := effector.Execute(actionCtx, entity, action)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		status := models.ActionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.ActionTimeout
		}
		log.Printf("[Respond] %s via %s failed for %s %s: %v", action, effector.ID(), entity.Type, entity.ID, err)
		return &models.ActionResult{
			Action:        action,
			Status:        status,
			Message:       err.Error(),
			Effector:      effector.ID(),
			EntityID:      entity.ID,
			ExecutionTime: elapsed,
			Timestamp:     time.Now(),
		}
	}

	result.ExecutionTime = elapsed
	result.Timestamp = time.Now()
	return result
}

// findEffector returns the first registered effector claiming the pair.
func (o *Orchestrator) findEffector(entityType models.EntityType, action models.ResponseAction) Effector {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, effector := range o.effectors {
		if effector.CanExecute(entityType, action) {
			return effector
		}
	}
	return nil
}

// applyOutcome transitions the entity based on the strongest successful
// containment action and appends one response_executed timeline record.
func (o *Orchestrator) applyOutcome(entity *models.Entity, results []*models.ActionResult) {
	var succeeded []string
	for _, result := range results {
		if result.Status == models.ActionSuccess {
			succeeded = append(succeeded, string(result.Action))
		}
	}
	if len(succeeded) == 0 {
		return
	}

	executed := func(action models.ResponseAction) bool {
		for _, name := range succeeded {
			if name == string(action) {
				return true
			}
		}
		return false
	}

	switch {
	case executed(models.ActionBlockIP):
		entity.SetStatus(models.StatusBlocked, "ip blocked")
	case executed(models.ActionDisableUser):
		entity.SetStatus(models.StatusBleedingStop, "user disabled to stop the bleeding")
	case executed(models.ActionQuarantineFile):
		entity.SetStatus(models.StatusBlocked, "file quarantined")
	case executed(models.ActionIsolateHost):
		entity.SetStatus(models.StatusBlocked, "host isolated")
	default:
		entity.SetStatus(models.StatusInvestigated, "response actions executed")
	}

	entity.AppendTimeline("response_executed", map[string]any{
		"actions":         succeeded,
		"successfulCount": len(succeeded),
		"totalCount":      len(results),
	})

	log.Printf("[Respond] completed for %s %s: %d/%d succeeded",
		entity.Type, entity.ID, len(succeeded), len(results))
}

// emitResponseAlert publishes one alert summarizing the executed batch.
func (o *Orchestrator) emitResponseAlert(entity *models.Entity, results []*models.ActionResult) {
	if o.alerts == nil || len(results) == 0 {
		return
	}

	succeeded := 0
	actions := make([]string, 0, len(results))
	for _, result := range results {
		actions = append(actions, string(result.Action))
		if result.Status == models.ActionSuccess {
			succeeded++
		}
	}

	o.alerts.EmitAlert(Alert{
		Severity:   string(entity.ThreatLevel),
		EntityType: entity.Type,
		EntityID:   entity.ID,
		RiskScore:  entity.RiskScore,
		Actions:    actions,
		Message:    fmt.Sprintf("%d/%d response actions succeeded", succeeded, len(results)),
	})
}

// EffectorStatus reports the registered effectors for health endpoints.
func (o *Orchestrator) EffectorStatus() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	effectors := make([]map[string]any, 0, len(o.effectors))
	for _, effector := range o.effectors {
		effectors = append(effectors, map[string]any{
			"id":   effector.ID(),
			"kind": effector.Kind(),
		})
	}
	return map[string]any{
		"totalEffectors": len(o.effectors),
		"effectors":      effectors,
	}
}
