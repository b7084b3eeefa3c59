package score

import (
	"math"
	"sort"
	"strings"

	"github.com/socforge/triage-engine/pkg/models"
)

// Multi-point correlation. Looks at an entity cluster as a whole: bursts of
// activity in time, how densely the members reference each other, and whether
// the observed behaviors line up with a known attack progression.

// Attack progressions matched by sequenceScore. Each stage is a substring
// matched against observed behavior patterns.
var attackSequences = [][]string{
	{"login_anomaly", "privilege_escalation", "lateral_movement"},
	{"malware", "process_injection", "network_anomaly"},
	{"phishing", "credential_theft", "data_exfiltration"},
	{"vulnerability_exploit", "backdoor", "persistence"},
}

// multiPointScore blends the three correlation signals into a 0-100 score.
// Clusters of fewer than two entities carry no correlation signal.
func multiPointScore(entities []*models.Entity) float64 {
	if len(entities) < 2 {
		return 0
	}
	blended := timeCorrelationWeight*timeCorrelation(entities) +
		entityCorrelationWeight*graphCorrelation(entities) +
		behaviorSequenceWeight*sequenceScore(entities)
	return clampScore(blended * 100)
}

// ─── Time Correlation ───────────────────────────────────────────────────────

// timeCorrelation measures how tightly cluster activity bunches in time:
// low variance between consecutive timestamps scores high. The variance is
// normalized to hours so one-hour jitter halves the signal.
func timeCorrelation(entities []*models.Entity) float64 {
	var stamps []float64
	for _, ent := range entities {
		for _, entry := range ent.Timeline {
			stamps = append(stamps, float64(entry.Timestamp.UnixNano())/1e9)
		}
		for _, conn := range ent.Connections {
			stamps = append(stamps, float64(conn.Timestamp.UnixNano())/1e9)
		}
	}
	if len(stamps) < 2 {
		return 0
	}
	sort.Float64s(stamps)

	gaps := make([]float64, len(stamps)-1)
	mean := 0.0
	for i := 1; i < len(stamps); i++ {
		gaps[i-1] = stamps[i] - stamps[i-1]
		mean += gaps[i-1]
	}
	mean /= float64(len(gaps))

	variance := 0.0
	for _, gap := range gaps {
		variance += (gap - mean) * (gap - mean)
	}
	variance /= float64(len(gaps))

	return math.Min(1/(1+math.Sqrt(variance)/3600), 1)
}

// ─── Graph Correlation ──────────────────────────────────────────────────────

// graphCorrelation blends edge density within the cluster (0.7) with entity
// type diversity (0.3). Density compares distinct in-cluster targets against
// the complete graph on the same members.
func graphCorrelation(entities []*models.Entity) float64 {
	if len(entities) < 2 {
		return 0
	}

	members := make(map[string]bool, len(entities))
	for _, ent := range entities {
		members[ent.ID] = true
	}

	actual := 0
	for _, ent := range entities {
		targets := map[string]bool{}
		for _, conn := range ent.Connections {
			if conn.TargetID != ent.ID && members[conn.TargetID] {
				targets[conn.TargetID] = true
			}
		}
		actual += len(targets)
	}

	n := float64(len(entities))
	connectivity := math.Min(float64(actual)/(n*(n-1)/2), 1)

	types := map[models.EntityType]bool{}
	for _, ent := range entities {
		types[ent.Type] = true
	}
	diversity := math.Min(float64(len(types))/4, 1)

	return math.Min(0.7*connectivity+0.3*diversity, 1)
}

// ─── Behavior Sequences ─────────────────────────────────────────────────────

// sequenceScore collects behavior patterns across the cluster and scores the
// best partial match against the known attack progressions.
func sequenceScore(entities []*models.Entity) float64 {
	var patterns []string
	for _, ent := range entities {
		if anomalyType := ent.MetaString("anomalyType"); anomalyType != "" {
			patterns = append(patterns, anomalyType)
		}
		for _, conn := range ent.Connections {
			if strings.Contains(conn.Relationship, "ANOMALY") || strings.Contains(conn.Relationship, "THREAT") {
				patterns = append(patterns, strings.ToLower(conn.Relationship))
			}
		}
	}
	if len(patterns) == 0 {
		return 0
	}

	best := 0.0
	for _, sequence := range attackSequences {
		matched := 0
		for _, pattern := range patterns {
			for _, stage := range sequence {
				if strings.Contains(pattern, stage) {
					matched++
					break
				}
			}
		}
		best = math.Max(best, float64(matched)/float64(len(sequence)))
	}
	return math.Min(best, 1)
}
