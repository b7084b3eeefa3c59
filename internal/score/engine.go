package score

import (
	"context"
	"fmt"
	"math"

	"github.com/socforge/triage-engine/pkg/models"
)

// Risk Scoring Engine
//
// Quantifies how dangerous each entity is on a 0-100 scale. Two layers
// feed the final number:
//
//   single-point  indicators observed on the entity itself, weighted,
//                 averaged, and squashed through a logistic curve around
//                 the per-type base score
//   multi-point   correlation across the entity and its in-event
//                 neighbors: time concentration, graph connectivity, and
//                 known attack-sequence matches
//
// Final composition:
//   multi == 0:  final = single
//   otherwise:   final = 0.4*single + 0.6*multi
//
// Scoring is total: a failed intel lookup degrades to a zero indicator,
// never to an error.

// ThreatIntel is the slice of the intelligence client the scorer needs.
// A nil report with a nil error means the indicator is unknown.
type ThreatIntel interface {
	QueryIP(ctx context.Context, ip string) (*models.IntelReport, error)
	QueryDomain(ctx context.Context, domain string) (*models.IntelReport, error)
	QueryHash(ctx context.Context, hash string) (*models.IntelReport, error)
}

// Indicator weights for the single-point average. Indicators not listed
// here weigh defaultIndicatorWeight.
var indicatorWeights = map[string]float64{
	"threat_intel_match":    0.35,
	"anomaly_behavior":      0.25,
	"privilege_escalation":  0.20,
	"suspicious_file":       0.10,
	"malicious_domain":      0.30,
	"blacklist_match":       0.40,
	"vulnerability_exploit": 0.25,
	"lateral_movement":      0.20,
	"data_exfiltration":     0.30,
	"brute_force":           0.15,
}

const defaultIndicatorWeight = 0.1

// Base risk per entity type before any indicator fires.
var baseScores = map[models.EntityType]float64{
	models.EntityIP:      20,
	models.EntityUser:    15,
	models.EntityFile:    25,
	models.EntityProcess: 20,
	models.EntityDevice:  10,
	models.EntityDomain:  30,
	models.EntityEmail:   15,
	models.EntityURL:     25,
}

const defaultBaseScore = 10

// Severity per threat-intel threat type, 0-100.
var threatSeverityScores = map[string]float64{
	"malware":    90,
	"botnet":     85,
	"apt":        95,
	"phishing":   70,
	"ransomware": 95,
	"trojan":     80,
	"backdoor":   85,
	"spyware":    75,
	"adware":     30,
	"suspicious": 50,
}

const defaultThreatSeverity = 50

// Severity per observed behavior pattern, 0-100.
var behaviorPatternScores = map[string]float64{
	"login_anomaly":        60,
	"file_access_anomaly":  55,
	"network_anomaly":      65,
	"process_anomaly":      70,
	"privilege_escalation": 85,
	"lateral_movement":     80,
	"data_exfiltration":    90,
	"command_injection":    85,
	"sql_injection":        80,
	"xss":                  60,
	"brute_force":          70,
}

const defaultBehaviorScore = 50

// Multi-point sub-score weights.
const (
	timeCorrelationWeight   = 0.30
	entityCorrelationWeight = 0.35
	behaviorSequenceWeight  = 0.35
)

// maxContextEntities bounds the neighborhood considered per entity.
const maxContextEntities = 10

// Engine scores entities. The intel client is optional; without it the
// threat_intel_match indicator never fires.
type Engine struct {
	intel ThreatIntel
}

// NewEngine builds a scoring engine.
func NewEngine(intel ThreatIntel) *Engine {
	return &Engine{intel: intel}
}

// Calculate scores one entity against its in-event neighbors, stores the
// result on the entity (rebanding its threat level) and returns it.
func (e *Engine) Calculate(ctx context.Context, entity *models.Entity, contextEntities []*models.Entity) float64 {
	indicators := e.extractIndicators(ctx, entity)
	singlePoint := singlePointScore(entity, indicators)

	multiPoint := 0.0
	if len(contextEntities) > 0 {
		cluster := append([]*models.Entity{entity}, contextEntities...)
		multiPoint = multiPointScore(cluster)
	}

	final := combineScores(singlePoint, multiPoint)
	entity.UpdateRiskScore(final, fmt.Sprintf("single-point %.2f, multi-point %.2f", singlePoint, multiPoint))
	return final
}

// ScoreBatch scores every entity with its connected in-batch neighbors as
// context. Returns per-entity scores keyed by entity id plus the maximum.
func (e *Engine) ScoreBatch(ctx context.Context, entities []*models.Entity) (map[string]float64, float64) {
	scores := make(map[string]float64, len(entities))
	maxScore := 0.0
	for _, entity := range entities {
		score := e.Calculate(ctx, entity, contextFor(entity, entities))
		scores[entity.ID] = score
		if score > maxScore {
			maxScore = score
		}
	}
	return scores, maxScore
}

// contextFor selects the in-batch entities the target is directly
// connected to, capped at maxContextEntities.
func contextFor(target *models.Entity, all []*models.Entity) []*models.Entity {
	connected := make(map[string]bool, len(target.Connections))
	for _, conn := range target.Connections {
		connected[conn.TargetID] = true
	}

	var out []*models.Entity
	for _, ent := range all {
		if ent.ID == target.ID || !connected[ent.ID] {
			continue
		}
		out = append(out, ent)
		if len(out) == maxContextEntities {
			break
		}
	}
	return out
}

// singlePointScore folds the fired indicators into the type base score and
// normalizes through a logistic curve. With nothing fired the base score
// stands as-is.
func singlePointScore(entity *models.Entity, indicators map[string]float64) float64 {
	base := baseScoreFor(entity.Type)
	if len(indicators) == 0 {
		return clampScore(base)
	}

	weighted := 0.0
	totalWeight := 0.0
	for name, value := range indicators {
		weight := defaultIndicatorWeight
		if w, ok := indicatorWeights[name]; ok {
			weight = w
		}
		weighted += weight * value * 100
		totalWeight += weight
	}

	raw := base + (weighted/totalWeight)*0.8
	normalized := 100 / (1 + math.Exp(-(raw-50)/20))
	return clampScore(normalized)
}

func combineScores(singlePoint, multiPoint float64) float64 {
	if multiPoint == 0 {
		return singlePoint
	}
	return clampScore(0.4*singlePoint + 0.6*multiPoint)
}

func baseScoreFor(entityType models.EntityType) float64 {
	if base, ok := baseScores[entityType]; ok {
		return base
	}
	return defaultBaseScore
}

func severityScore(threatType string) float64 {
	if s, ok := threatSeverityScores[threatType]; ok {
		return s
	}
	return defaultThreatSeverity
}

func behaviorScore(pattern string) float64 {
	if s, ok := behaviorPatternScores[pattern]; ok {
		return s
	}
	return defaultBehaviorScore
}

func clampScore(v float64) float64 {
	return math.Min(math.Max(v, 0), 100)
}
