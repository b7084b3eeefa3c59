package models

import "time"

// Event is one telemetry payload under analysis together with everything
// extracted from it. RiskScore is the maximum across the entity arena.
type Event struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	RawData   map[string]any `json:"rawData"`
	Entities  []*Entity      `json:"entities"`
	RiskScore float64        `json:"riskScore"`
	Processed bool           `json:"processed"`
}

// IntelReport is a threat-intelligence lookup result for one indicator.
type IntelReport struct {
	Indicator      string    `json:"indicator"`
	ThreatTypes    []string  `json:"threatTypes"`
	Confidence     float64   `json:"confidence"` // 0.0-1.0
	RelatedIPs     []string  `json:"relatedIps,omitempty"`
	RelatedDomains []string  `json:"relatedDomains,omitempty"`
	RelatedHashes  []string  `json:"relatedHashes,omitempty"`
	Source         string    `json:"source,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated,omitempty"`
}

// ResultSummary condenses one event analysis for list views and alerting.
type ResultSummary struct {
	EntitiesExtracted int     `json:"entitiesExtracted"`
	MaxRiskScore      float64 `json:"maxRiskScore"`
	ResponsesExecuted int     `json:"responsesExecuted"`
	HighRiskEntities  int     `json:"highRiskEntities"` // score >= 70
}

// EventResult is the full outcome of analyzing one event.
type EventResult struct {
	EventID         string          `json:"eventId"`
	Status          string          `json:"status"` // "completed"/"error"/"timeout"
	Timestamp       time.Time       `json:"timestamp"`
	ProcessingTime  float64         `json:"processingTime"` // seconds
	Summary         ResultSummary   `json:"summary"`
	Entities        []*Entity       `json:"entities"`
	ResponseResults []*ActionResult `json:"responseResults"`
	Event           *Event          `json:"event,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}
