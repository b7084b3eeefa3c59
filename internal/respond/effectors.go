package respond

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/socforge/triage-engine/pkg/models"
)

// Effector carries out response actions against one class of integration
// (firewall, directory, endpoint agent, alerting). Implementations report
// what they can handle through CanExecute; Execute must honor ctx.
type Effector interface {
	ID() string
	Kind() string
	CanExecute(entityType models.EntityType, action models.ResponseAction) bool
	Execute(ctx context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error)
}

// Simulated integration round-trips. These stand in for the real
// firewall/LDAP/EDR API calls until those backends are wired.
const (
	simLatency     = 10 * time.Millisecond
	captureLatency = 25 * time.Millisecond // snapshots and memory dumps
)

// simulate blocks for the integration latency, honoring cancellation.
func simulate(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func successResult(effectorID string, entity *models.Entity, action models.ResponseAction, message string) *models.ActionResult {
	return &models.ActionResult{
		Action:   action,
		Status:   models.ActionSuccess,
		Message:  message,
		Effector: effectorID,
		EntityID: entity.ID,
	}
}

// ─── Network Block Effector ─────────────────────────────────────────────────

// NetworkBlockConfig points at the firewall management API.
type NetworkBlockConfig struct {
	Endpoint string
	APIKey   string
}

// NetworkBlockEffector pushes block/unblock rules to the perimeter firewall.
type NetworkBlockEffector struct {
	cfg NetworkBlockConfig
}

func NewNetworkBlockEffector(cfg NetworkBlockConfig) *NetworkBlockEffector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://firewall-api:8080"
	}
	return &NetworkBlockEffector{cfg: cfg}
}

func (e *NetworkBlockEffector) ID() string   { return "firewall" }
func (e *NetworkBlockEffector) Kind() string { return "network_block" }

func (e *NetworkBlockEffector) CanExecute(entityType models.EntityType, action models.ResponseAction) bool {
	if entityType != models.EntityIP {
		return false
	}
	return action == models.ActionBlockIP || action == models.ActionUnblockIP
}

func (e *NetworkBlockEffector) Execute(ctx context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error) {
	if err := simulate(ctx, simLatency); err != nil {
		return nil, err
	}

	switch action {
	case models.ActionBlockIP:
		log.Printf("[Firewall] blocked IP %s via %s", entity.ID, e.cfg.Endpoint)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully blocked IP %s", entity.ID)), nil
	case models.ActionUnblockIP:
		log.Printf("[Firewall] unblocked IP %s via %s", entity.ID, e.cfg.Endpoint)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully unblocked IP %s", entity.ID)), nil
	}
	return nil, fmt.Errorf("unsupported firewall action %s", action)
}

// ─── Directory Effector ─────────────────────────────────────────────────────

// DirectoryConfig points at the directory service used for account control.
type DirectoryConfig struct {
	Server        string
	AdminUser     string
	AdminPassword string
}

// DirectoryEffector disables, enables and credential-cycles user accounts.
type DirectoryEffector struct {
	cfg DirectoryConfig
}

func NewDirectoryEffector(cfg DirectoryConfig) *DirectoryEffector {
	if cfg.Server == "" {
		cfg.Server = "ldap://ad-server:389"
	}
	return &DirectoryEffector{cfg: cfg}
}

func (e *DirectoryEffector) ID() string   { return "active_directory" }
func (e *DirectoryEffector) Kind() string { return "directory" }

func (e *DirectoryEffector) CanExecute(entityType models.EntityType, action models.ResponseAction) bool {
	if entityType != models.EntityUser {
		return false
	}
	switch action {
	case models.ActionDisableUser, models.ActionEnableUser,
		models.ActionResetPassword, models.ActionRevokeToken:
		return true
	}
	return false
}

func (e *DirectoryEffector) Execute(ctx context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error) {
	if err := simulate(ctx, simLatency); err != nil {
		return nil, err
	}

	username := entity.ID
	switch action {
	case models.ActionDisableUser:
		log.Printf("[Directory] disabled user %s", username)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully disabled user %s", username)), nil
	case models.ActionEnableUser:
		log.Printf("[Directory] enabled user %s", username)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully enabled user %s", username)), nil
	case models.ActionResetPassword:
		log.Printf("[Directory] reset password for user %s", username)
		return successResult(e.ID(), entity, action,
			fmt.Sprintf("Successfully reset password for user %s, temp password: %s", username, tempPassword(12))), nil
	case models.ActionRevokeToken:
		log.Printf("[Directory] revoked tokens for user %s", username)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully revoked tokens for user %s", username)), nil
	}
	return nil, fmt.Errorf("unsupported directory action %s", action)
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func tempPassword(length int) string {
	buf := make([]byte, length)
	rand.Read(buf) // never fails as of go 1.24
	for i, b := range buf {
		buf[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(buf)
}

// ─── Endpoint Effector ──────────────────────────────────────────────────────

// EndpointConfig points at the endpoint agent management API.
type EndpointConfig struct {
	Endpoint string
	APIKey   string
}

// EndpointEffector drives host isolation, file containment and process
// control through the endpoint agent.
type EndpointEffector struct {
	cfg EndpointConfig
}

var endpointActions = map[models.EntityType][]models.ResponseAction{
	models.EntityDevice:  {models.ActionIsolateHost, models.ActionTakeSnapshot, models.ActionDumpMemory},
	models.EntityFile:    {models.ActionQuarantineFile, models.ActionDeleteFile, models.ActionRestoreFile},
	models.EntityProcess: {models.ActionKillProcess, models.ActionSuspendProcess},
}

func NewEndpointEffector(cfg EndpointConfig) *EndpointEffector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://edr-server:8080"
	}
	return &EndpointEffector{cfg: cfg}
}

func (e *EndpointEffector) ID() string   { return "edr" }
func (e *EndpointEffector) Kind() string { return "endpoint" }

func (e *EndpointEffector) CanExecute(entityType models.EntityType, action models.ResponseAction) bool {
	for _, supported := range endpointActions[entityType] {
		if action == supported {
			return true
		}
	}
	return false
}

func (e *EndpointEffector) Execute(ctx context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error) {
	latency := simLatency
	if action == models.ActionTakeSnapshot || action == models.ActionDumpMemory {
		latency = captureLatency
	}
	if err := simulate(ctx, latency); err != nil {
		return nil, err
	}

	id := entity.ID
	switch action {
	case models.ActionIsolateHost:
		log.Printf("[Endpoint] isolated host %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully isolated host %s", id)), nil
	case models.ActionTakeSnapshot:
		snapshotID := fmt.Sprintf("snapshot_%s_%d", id, time.Now().Unix())
		log.Printf("[Endpoint] created snapshot %s for host %s", snapshotID, id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully created snapshot %s", snapshotID)), nil
	case models.ActionDumpMemory:
		dumpID := fmt.Sprintf("memdump_%s_%d", id, time.Now().Unix())
		log.Printf("[Endpoint] created memory dump %s for host %s", dumpID, id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully created memory dump %s", dumpID)), nil
	case models.ActionQuarantineFile:
		log.Printf("[Endpoint] quarantined file %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully quarantined file %s", id)), nil
	case models.ActionDeleteFile:
		log.Printf("[Endpoint] deleted file %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully deleted file %s", id)), nil
	case models.ActionRestoreFile:
		log.Printf("[Endpoint] restored file %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully restored file %s", id)), nil
	case models.ActionKillProcess:
		log.Printf("[Endpoint] killed process %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully killed process %s", id)), nil
	case models.ActionSuspendProcess:
		log.Printf("[Endpoint] suspended process %s", id)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully suspended process %s", id)), nil
	}
	return nil, fmt.Errorf("unsupported endpoint action %s for %s", action, entity.Type)
}

// ─── Alert Effector ─────────────────────────────────────────────────────────

// AlertConfig points at the notification and ticketing integrations.
type AlertConfig struct {
	EmailServer string
	WebhookURL  string
	TicketAPI   string
}

// AlertEffector handles the notification-side actions. It accepts any entity
// type, which makes it the catch-all for policy action sets.
type AlertEffector struct {
	cfg AlertConfig
}

func NewAlertEffector(cfg AlertConfig) *AlertEffector {
	if cfg.EmailServer == "" {
		cfg.EmailServer = "smtp.internal"
	}
	return &AlertEffector{cfg: cfg}
}

func (e *AlertEffector) ID() string   { return "alert" }
func (e *AlertEffector) Kind() string { return "notification" }

func (e *AlertEffector) CanExecute(_ models.EntityType, action models.ResponseAction) bool {
	switch action {
	case models.ActionSendAlert, models.ActionCreateTicket,
		models.ActionNotifyAdmin, models.ActionCollectEvidence:
		return true
	}
	return false
}

func (e *AlertEffector) Execute(ctx context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error) {
	if err := simulate(ctx, simLatency); err != nil {
		return nil, err
	}

	switch action {
	case models.ActionSendAlert:
		log.Printf("[Notify] alert sent for %s %s (score %.1f)", entity.Type, entity.ID, entity.RiskScore)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully sent alert for entity %s", entity.ID)), nil
	case models.ActionCreateTicket:
		priority := "medium"
		if entity.RiskScore >= 70 {
			priority = "high"
		}
		ticketID := fmt.Sprintf("SEC-%d", time.Now().Unix())
		log.Printf("[Notify] created %s-priority ticket %s for %s %s", priority, ticketID, entity.Type, entity.ID)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully created ticket %s", ticketID)), nil
	case models.ActionNotifyAdmin:
		log.Printf("[Notify] admin notified about %s %s", entity.Type, entity.ID)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully notified admin about entity %s", entity.ID)), nil
	case models.ActionCollectEvidence:
		evidenceID := fmt.Sprintf("evidence_%s_%d", entity.Type, time.Now().Unix())
		log.Printf("[Notify] collected evidence %s for %s %s", evidenceID, entity.Type, entity.ID)
		return successResult(e.ID(), entity, action, fmt.Sprintf("Successfully collected evidence %s", evidenceID)), nil
	}
	return nil, fmt.Errorf("unsupported alert action %s", action)
}
