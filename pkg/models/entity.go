package models

import (
	"time"
)

// EntityType classifies what a security entity identifies.
type EntityType string

const (
	EntityIP      EntityType = "ip"
	EntityUser    EntityType = "user"
	EntityFile    EntityType = "file"
	EntityProcess EntityType = "process"
	EntityDevice  EntityType = "device"
	EntityDomain  EntityType = "domain"
	EntityEmail   EntityType = "email"
	EntityURL     EntityType = "url"
)

// ParseEntityType maps a wire string to an EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	switch EntityType(s) {
	case EntityIP, EntityUser, EntityFile, EntityProcess,
		EntityDevice, EntityDomain, EntityEmail, EntityURL:
		return EntityType(s), true
	}
	return "", false
}

// EntityStatus tracks where an entity sits in the triage lifecycle.
type EntityStatus string

const (
	StatusPending      EntityStatus = "pending"
	StatusInvestigated EntityStatus = "investigated"
	StatusScored       EntityStatus = "scored"
	StatusCompromised  EntityStatus = "compromised"
	StatusBlocked      EntityStatus = "blocked"
	StatusBleedingStop EntityStatus = "bleeding_stop"
	StatusWhitelisted  EntityStatus = "whitelisted"
)

// ThreatLevel is the severity band derived from a risk score.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatLevelForScore bands a 0-100 risk score.
func ThreatLevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 90:
		return ThreatCritical
	case score >= 70:
		return ThreatHigh
	case score >= 40:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// Connection is a directed edge from the owning entity to a target.
// Reverse edges carry a "REVERSE_" relationship prefix on the target side.
type Connection struct {
	TargetType   EntityType     `json:"targetType"`
	TargetID     string         `json:"targetId"`
	Relationship string         `json:"relationship"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"` // weight, expansionMethod, method-specific keys
}

// TimelineEntry is one append-only audit record on an entity.
type TimelineEntry struct {
	Action    string         `json:"action"` // "status_change"/"risk_score_update"/"metadata_update"/"response_executed"
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Entity is one identifiable object extracted from telemetry. Entities are
// owned by the event that produced them; nothing is shared across events.
type Entity struct {
	Type        EntityType      `json:"entityType"`
	ID          string          `json:"entityId"`
	Status      EntityStatus    `json:"status"`
	RiskScore   float64         `json:"riskScore"` // 0-100
	ThreatLevel ThreatLevel     `json:"threatLevel"`
	Confidence  float64         `json:"confidence"` // 0.0-1.0
	Connections []Connection    `json:"connections"`
	Timeline    []TimelineEntry `json:"timeline"`
	Metadata    map[string]any  `json:"metadata"`
	FirstSeen   time.Time       `json:"firstSeen"`
	LastSeen    time.Time       `json:"lastSeen"`
}

// NewEntity builds an entity in the pending state with full confidence.
func NewEntity(entityType EntityType, id string) *Entity {
	now := time.Now()
	return &Entity{
		Type:        entityType,
		ID:          id,
		Status:      StatusPending,
		ThreatLevel: ThreatLow,
		Confidence:  1.0,
		Connections: []Connection{},
		Timeline:    []TimelineEntry{},
		Metadata:    map[string]any{},
		FirstSeen:   now,
		LastSeen:    now,
	}
}

// AddConnection records a directed edge to target. Edges are their own
// record; they do not produce timeline entries.
func (e *Entity) AddConnection(target *Entity, relationship string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	e.Connections = append(e.Connections, Connection{
		TargetType:   target.Type,
		TargetID:     target.ID,
		Relationship: relationship,
		Timestamp:    time.Now(),
		Metadata:     metadata,
	})
}

// SetStatus transitions the lifecycle state and appends a timeline record.
func (e *Entity) SetStatus(status EntityStatus, reason string) {
	old := e.Status
	e.Status = status
	e.Timeline = append(e.Timeline, TimelineEntry{
		Action:    "status_change",
		Timestamp: time.Now(),
		Details: map[string]any{
			"oldStatus": old,
			"newStatus": status,
			"reason":    reason,
		},
	})
}

// UpdateRiskScore clamps the score to 0-100, rebands the threat level and
// appends a timeline record.
func (e *Entity) UpdateRiskScore(score float64, reason string) {
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	old := e.RiskScore
	e.RiskScore = score
	e.ThreatLevel = ThreatLevelForScore(score)
	e.Timeline = append(e.Timeline, TimelineEntry{
		Action:    "risk_score_update",
		Timestamp: time.Now(),
		Details: map[string]any{
			"oldScore":    old,
			"newScore":    score,
			"threatLevel": e.ThreatLevel,
			"reason":      reason,
		},
	})
}

// AddMetadata sets one metadata key and appends a timeline record.
func (e *Entity) AddMetadata(key string, value any) {
	e.Metadata[key] = value
	e.Timeline = append(e.Timeline, TimelineEntry{
		Action:    "metadata_update",
		Timestamp: time.Now(),
		Details: map[string]any{
			"key":   key,
			"value": value,
		},
	})
}

// AppendTimeline records a custom audit action.
func (e *Entity) AppendTimeline(action string, details map[string]any) {
	e.Timeline = append(e.Timeline, TimelineEntry{
		Action:    action,
		Timestamp: time.Now(),
		Details:   details,
	})
}

// MetaString reads a string metadata key, "" when absent or mistyped.
func (e *Entity) MetaString(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaBool reads a bool metadata key, false when absent or mistyped.
func (e *Entity) MetaBool(key string) bool {
	if v, ok := e.Metadata[key].(bool); ok {
		return v
	}
	return false
}

// MetaFloat reads a numeric metadata key, 0 when absent or mistyped.
func (e *Entity) MetaFloat(key string) float64 {
	switch v := e.Metadata[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
