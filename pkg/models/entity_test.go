package models

import (
	"testing"
)

func TestThreatLevelForScore(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  ThreatLevel
	}{
		{"zero", 0, ThreatLow},
		{"just below medium", 39.9, ThreatLow},
		{"medium lower bound", 40, ThreatMedium},
		{"just below high", 69.9, ThreatMedium},
		{"high lower bound", 70, ThreatHigh},
		{"just below critical", 89.9, ThreatHigh},
		{"critical lower bound", 90, ThreatCritical},
		{"max", 100, ThreatCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreatLevelForScore(tt.score); got != tt.want {
				t.Errorf("ThreatLevelForScore(%v) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func TestUpdateRiskScoreClampsAndBands(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		wantScore float64
		wantLevel ThreatLevel
	}{
		{"negative clamps to zero", -5, 0, ThreatLow},
		{"over 100 clamps", 140, 100, ThreatCritical},
		{"mid band", 55, 55, ThreatMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEntity(EntityIP, "203.0.113.9")
			e.UpdateRiskScore(tt.score, "test")
			if e.RiskScore != tt.wantScore {
				t.Errorf("RiskScore = %v, want %v", e.RiskScore, tt.wantScore)
			}
			if e.ThreatLevel != tt.wantLevel {
				t.Errorf("ThreatLevel = %v, want %v", e.ThreatLevel, tt.wantLevel)
			}
			if len(e.Timeline) != 1 {
				t.Fatalf("timeline entries = %d, want 1", len(e.Timeline))
			}
			if e.Timeline[0].Action != "risk_score_update" {
				t.Errorf("timeline action = %q, want %q", e.Timeline[0].Action, "risk_score_update")
			}
		})
	}
}

func TestTimelineIsAppendOnly(t *testing.T) {
	e := NewEntity(EntityUser, "jdoe")

	e.SetStatus(StatusInvestigated, "expansion complete")
	e.UpdateRiskScore(72, "scored")
	e.AddMetadata("department", "finance")

	wantActions := []string{"status_change", "risk_score_update", "metadata_update"}
	if len(e.Timeline) != len(wantActions) {
		t.Fatalf("timeline entries = %d, want %d", len(e.Timeline), len(wantActions))
	}
	for i, want := range wantActions {
		if e.Timeline[i].Action != want {
			t.Errorf("timeline[%d].Action = %q, want %q", i, e.Timeline[i].Action, want)
		}
	}
	for i := 1; i < len(e.Timeline); i++ {
		if e.Timeline[i].Timestamp.Before(e.Timeline[i-1].Timestamp) {
			t.Errorf("timeline[%d] timestamp precedes timeline[%d]", i, i-1)
		}
	}
}

func TestAddConnectionRecordsEdgeWithoutTimeline(t *testing.T) {
	src := NewEntity(EntityIP, "10.0.0.5")
	dst := NewEntity(EntityDevice, "ws-042")

	src.AddConnection(dst, "BELONGS_TO", map[string]any{"weight": 0.9})

	if len(src.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(src.Connections))
	}
	conn := src.Connections[0]
	if conn.TargetType != EntityDevice || conn.TargetID != "ws-042" {
		t.Errorf("connection target = %s/%s, want device/ws-042", conn.TargetType, conn.TargetID)
	}
	if conn.Relationship != "BELONGS_TO" {
		t.Errorf("relationship = %q, want BELONGS_TO", conn.Relationship)
	}
	if len(src.Timeline) != 0 {
		t.Errorf("timeline entries = %d, want 0", len(src.Timeline))
	}
}

func TestParseEntityType(t *testing.T) {
	if _, ok := ParseEntityType("device"); !ok {
		t.Error("ParseEntityType(device) not recognized")
	}
	if _, ok := ParseEntityType("satellite"); ok {
		t.Error("ParseEntityType(satellite) should not be recognized")
	}
}

func TestParseResponseAction(t *testing.T) {
	if _, ok := ParseResponseAction("block_ip"); !ok {
		t.Error("ParseResponseAction(block_ip) not recognized")
	}
	if _, ok := ParseResponseAction("launch_missiles"); ok {
		t.Error("ParseResponseAction(launch_missiles) should not be recognized")
	}
}
