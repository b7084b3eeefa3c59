package respond

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/socforge/triage-engine/pkg/models"
)

func scoredEntity(entityType models.EntityType, id string, score float64) *models.Entity {
	ent := models.NewEntity(entityType, id)
	ent.RiskScore = score
	ent.ThreatLevel = models.ThreatLevelForScore(score)
	return ent
}

type stubEffector struct {
	id  string
	err error
}

func (s *stubEffector) ID() string   { return s.id }
func (s *stubEffector) Kind() string { return "stub" }

func (s *stubEffector) CanExecute(models.EntityType, models.ResponseAction) bool { return true }

func (s *stubEffector) Execute(_ context.Context, entity *models.Entity, action models.ResponseAction) (*models.ActionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return successResult(s.id, entity, action, "ok"), nil
}

// ─── Policy ─────────────────────────────────────────────────────────────────

func TestPolicyActions(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{10, 0},
		{29.9, 0},
		{30, 1},
		{49.9, 1},
		{50, 2},
		{69.9, 2},
		{70, 3},
		{84.9, 3},
		{85, 4},
		{94.9, 4},
		{95, 7},
		{100, 7},
	}

	for _, tt := range tests {
		if got := PolicyActions(tt.score); len(got) != tt.want {
			t.Errorf("PolicyActions(%.1f) returned %d actions %v, want %d", tt.score, len(got), got, tt.want)
		}
	}

	full := PolicyActions(95)
	if full[0] != models.ActionBlockIP || full[len(full)-1] != models.ActionCollectEvidence {
		t.Errorf("full policy set has unexpected ordering: %v", full)
	}
}

// ─── Respond ────────────────────────────────────────────────────────────────

func TestRespondDerivesActionsFromPolicy(t *testing.T) {
	orch := NewOrchestrator(nil)
	ent := scoredEntity(models.EntityIP, "203.0.113.9", 96)

	results := orch.Respond(context.Background(), ent)
	if len(results) != 7 {
		t.Fatalf("got %d results, want 7", len(results))
	}

	// Containment sorts ahead: block_ip and isolate_host share priority 1.
	if results[0].Action != models.ActionBlockIP {
		t.Errorf("results[0] = %s, want block_ip", results[0].Action)
	}
	if results[1].Action != models.ActionIsolateHost {
		t.Errorf("results[1] = %s, want isolate_host", results[1].Action)
	}
	if results[0].Status != models.ActionSuccess {
		t.Errorf("block_ip status = %s, want success", results[0].Status)
	}

	// disable_user and isolate_host have no effector for an IP entity.
	succeeded, failed := 0, 0
	for _, result := range results {
		switch result.Status {
		case models.ActionSuccess:
			succeeded++
		case models.ActionFailed:
			failed++
			if result.Message != "no suitable effector" {
				t.Errorf("%s failure message = %q", result.Action, result.Message)
			}
			if result.Effector != "" {
				t.Errorf("%s failure names effector %q, want none", result.Action, result.Effector)
			}
		}
	}
	if succeeded != 5 || failed != 2 {
		t.Errorf("succeeded/failed = %d/%d, want 5/2", succeeded, failed)
	}

	if ent.Status != models.StatusBlocked {
		t.Errorf("entity status = %s, want blocked", ent.Status)
	}

	last := ent.Timeline[len(ent.Timeline)-1]
	if last.Action != "response_executed" {
		t.Fatalf("last timeline action = %q, want response_executed", last.Action)
	}
	if n, _ := last.Details["successfulCount"].(int); n != 5 {
		t.Errorf("successfulCount = %d, want 5", n)
	}
	if n, _ := last.Details["totalCount"].(int); n != 7 {
		t.Errorf("totalCount = %d, want 7", n)
	}
}

func TestRespondExplicitActionsOrderedByPriority(t *testing.T) {
	orch := NewOrchestrator(nil)
	ent := scoredEntity(models.EntityIP, "198.51.100.7", 20)

	results := orch.Respond(context.Background(), ent,
		models.ActionCollectEvidence, models.ActionBlockIP, models.ActionSendAlert)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	wantOrder := []models.ResponseAction{models.ActionBlockIP, models.ActionSendAlert, models.ActionCollectEvidence}
	for i, want := range wantOrder {
		if results[i].Action != want {
			t.Errorf("results[%d] = %s, want %s", i, results[i].Action, want)
		}
		if results[i].Status != models.ActionSuccess {
			t.Errorf("%s status = %s, want success", want, results[i].Status)
		}
	}
}

func TestRespondSkipsProtectedEntities(t *testing.T) {
	orch := NewOrchestrator(nil)

	for _, status := range []models.EntityStatus{models.StatusWhitelisted, models.StatusBlocked} {
		ent := scoredEntity(models.EntityIP, "203.0.113.9", 99)
		ent.Status = status

		if results := orch.Respond(context.Background(), ent); results != nil {
			t.Errorf("status %s: got %d results, want none", status, len(results))
		}
		if ent.Status != status {
			t.Errorf("status %s was mutated to %s", status, ent.Status)
		}
	}
}

func TestRespondBelowPolicyFloor(t *testing.T) {
	orch := NewOrchestrator(nil)
	ent := scoredEntity(models.EntityIP, "203.0.113.9", 10)

	if results := orch.Respond(context.Background(), ent); results != nil {
		t.Fatalf("got %d results below the policy floor, want none", len(results))
	}
	if len(ent.Timeline) != 0 {
		t.Errorf("timeline gained %d entries, want none", len(ent.Timeline))
	}
}

func TestRespondNoSuitableEffector(t *testing.T) {
	orch := NewOrchestrator(nil)
	ent := scoredEntity(models.EntityUser, "jsmith", 60)

	results := orch.Respond(context.Background(), ent, models.ActionBlockIP)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != models.ActionFailed || results[0].Message != "no suitable effector" {
		t.Errorf("result = %s %q", results[0].Status, results[0].Message)
	}

	// Nothing succeeded: no status transition, no timeline record.
	if ent.Status != models.StatusPending {
		t.Errorf("entity status = %s, want pending", ent.Status)
	}
	if len(ent.Timeline) != 0 {
		t.Errorf("timeline gained %d entries, want none", len(ent.Timeline))
	}
}

func TestRespondStatusTransitions(t *testing.T) {
	tests := []struct {
		name       string
		entityType models.EntityType
		id         string
		action     models.ResponseAction
		want       models.EntityStatus
	}{
		{"disable user stops the bleeding", models.EntityUser, "jsmith", models.ActionDisableUser, models.StatusBleedingStop},
		{"quarantine blocks the file", models.EntityFile, "/tmp/payload.bin", models.ActionQuarantineFile, models.StatusBlocked},
		{"isolation blocks the host", models.EntityDevice, "ws-042", models.ActionIsolateHost, models.StatusBlocked},
		{"notification-only marks investigated", models.EntityUser, "jsmith", models.ActionSendAlert, models.StatusInvestigated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := NewOrchestrator(nil)
			ent := scoredEntity(tt.entityType, tt.id, 60)

			results := orch.Respond(context.Background(), ent, tt.action)
			if len(results) != 1 || results[0].Status != models.ActionSuccess {
				t.Fatalf("unexpected results: %+v", results)
			}
			if ent.Status != tt.want {
				t.Errorf("entity status = %s, want %s", ent.Status, tt.want)
			}
		})
	}
}

func TestRespondActionTimeout(t *testing.T) {
	orch := NewOrchestrator(nil)
	orch.SetActionTimeout(time.Millisecond)
	ent := scoredEntity(models.EntityIP, "203.0.113.9", 60)

	results := orch.Respond(context.Background(), ent, models.ActionBlockIP)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != models.ActionTimeout {
		t.Errorf("status = %s, want timeout", results[0].Status)
	}
	if ent.Status != models.StatusPending {
		t.Errorf("entity status = %s, want pending after a timed-out batch", ent.Status)
	}
}

func TestRespondEffectorErrorBecomesFailedResult(t *testing.T) {
	orch := NewOrchestrator(nil, &stubEffector{id: "flaky", err: errors.New("integration down")})
	ent := scoredEntity(models.EntityUser, "jsmith", 60)

	results := orch.Respond(context.Background(), ent, models.ActionSendAlert)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != models.ActionFailed {
		t.Errorf("status = %s, want failed", results[0].Status)
	}
	if !strings.Contains(results[0].Message, "integration down") {
		t.Errorf("message %q does not carry the effector error", results[0].Message)
	}
	if results[0].Effector != "flaky" {
		t.Errorf("effector = %q, want flaky", results[0].Effector)
	}
}

func TestRespondEmitsAlert(t *testing.T) {
	var broadcast []Alert
	manager := NewAlertManager(func(a Alert) { broadcast = append(broadcast, a) })
	orch := NewOrchestrator(manager)
	ent := scoredEntity(models.EntityUser, "jsmith", 75)

	orch.Respond(context.Background(), ent, models.ActionSendAlert)

	recent := manager.RecentAlerts(5)
	if len(recent) != 1 {
		t.Fatalf("got %d alerts, want 1", len(recent))
	}
	alert := recent[0]
	if alert.EntityID != "jsmith" || alert.Severity != "high" {
		t.Errorf("alert = %s/%s, want jsmith/high", alert.EntityID, alert.Severity)
	}
	if len(alert.Actions) != 1 || alert.Actions[0] != string(models.ActionSendAlert) {
		t.Errorf("alert actions = %v", alert.Actions)
	}
	if alert.Message != "1/1 response actions succeeded" {
		t.Errorf("alert message = %q", alert.Message)
	}
	if len(broadcast) != 1 {
		t.Errorf("broadcast callback fired %d times, want 1", len(broadcast))
	}
}

// ─── Effector Registry ──────────────────────────────────────────────────────

func TestEffectorStatus(t *testing.T) {
	orch := NewOrchestrator(nil)

	status := orch.EffectorStatus()
	if n, _ := status["totalEffectors"].(int); n != 4 {
		t.Fatalf("totalEffectors = %d, want 4", n)
	}

	ids := map[string]bool{}
	for _, entry := range status["effectors"].([]map[string]any) {
		ids[entry["id"].(string)] = true
	}
	for _, want := range []string{"firewall", "active_directory", "edr", "alert"} {
		if !ids[want] {
			t.Errorf("effector %s missing from status %v", want, ids)
		}
	}
}

func TestAddRemoveEffector(t *testing.T) {
	orch := NewOrchestrator(nil)
	orch.AddEffector(&stubEffector{id: "custom"})

	if n, _ := orch.EffectorStatus()["totalEffectors"].(int); n != 5 {
		t.Fatalf("totalEffectors = %d after add, want 5", n)
	}

	orch.RemoveEffector("custom")
	if n, _ := orch.EffectorStatus()["totalEffectors"].(int); n != 4 {
		t.Errorf("totalEffectors = %d after remove, want 4", n)
	}
}
