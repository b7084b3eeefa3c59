package expand

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/socforge/triage-engine/pkg/models"
)

// Connection Expansion Engine
//
// Enriches one extracted entity with its neighborhood: who owns it, what
// talks to it, what the threat feeds know about it, and what behaved
// strangely around it. Four expansion methods run concurrently against
// optional backends:
//
//   asset_relationship    asset graph (Cypher)
//   threat_intel          threat-intel API
//   baseline_anomaly      timeseries store, anomaly-flagged rows
//   temporal_correlation  timeseries store, co-occurrence counts
//
// A missing backend disables its method. A failing method is logged and
// absorbed; the merged result of the surviving methods is still returned,
// with the failures joined into the returned error for the caller to
// surface as warnings.

// GraphStore answers Cypher queries against the asset graph.
type GraphStore interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// Timeseries answers SQL queries against the telemetry log store.
type Timeseries interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// ThreatIntel looks up indicators in an external intelligence feed.
// A nil report with a nil error means the indicator is unknown.
type ThreatIntel interface {
	QueryIP(ctx context.Context, ip string) (*models.IntelReport, error)
	QueryDomain(ctx context.Context, domain string) (*models.IntelReport, error)
	QueryHash(ctx context.Context, hash string) (*models.IntelReport, error)
	Ping(ctx context.Context) error
}

// Config bounds how far one expansion may reach.
type Config struct {
	MaxExpansionDepth       int     `json:"maxExpansionDepth"`
	MaxEntitiesPerExpansion int     `json:"maxEntitiesPerExpansion"`
	TimeWindowHours         int     `json:"timeWindowHours"`
	MinConfidenceThreshold  float64 `json:"minConfidenceThreshold"`
}

// DefaultConfig returns the production expansion bounds.
func DefaultConfig() Config {
	return Config{
		MaxExpansionDepth:       3,
		MaxEntitiesPerExpansion: 50,
		TimeWindowHours:         24,
		MinConfidenceThreshold:  0.3,
	}
}

// Edge weights per relationship type, used when wiring connections.
var relationshipWeights = map[string]float64{
	"COMMUNICATES_WITH":    0.8,
	"BELONGS_TO":           0.9,
	"USED_BY":              0.7,
	"ACCESSES":             0.6,
	"EXECUTES":             0.8,
	"CREATES":              0.7,
	"MODIFIES":             0.6,
	"THREAT_INTEL_RELATED": 0.9,
	"ANOMALY_RELATED":      0.7,
}

func relationshipWeight(relationship string) float64 {
	if w, ok := relationshipWeights[relationship]; ok {
		return w
	}
	return 0.5
}

// Engine expands entity connections against the configured backends.
// Safe for concurrent use; configuration may be swapped at runtime.
type Engine struct {
	graph GraphStore
	intel ThreatIntel
	tsdb  Timeseries

	mu  sync.RWMutex
	cfg Config
}

// NewEngine builds an expansion engine. Any backend may be nil, which
// disables the methods that depend on it.
func NewEngine(graph GraphStore, intel ThreatIntel, tsdb Timeseries, cfg Config) *Engine {
	if cfg.MaxEntitiesPerExpansion <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{graph: graph, intel: intel, tsdb: tsdb, cfg: cfg}
}

// Config returns a snapshot of the current expansion bounds.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the expansion bounds atomically.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Expand runs all four methods concurrently for one entity, merges their
// output (dedup on type+id, confidence filter, hard cap) and wires the
// connection edges in both directions. The source entity transitions to
// investigated. Method failures are absorbed: the surviving entities are
// returned together with a joined error describing what failed.
func (e *Engine) Expand(ctx context.Context, entity *models.Entity) ([]*models.Entity, error) {
	cfg := e.Config()

	branches := []struct {
		name string
		run  func(context.Context, *models.Entity, Config) ([]*models.Entity, error)
	}{
		{"asset_relationship", e.expandByAssetRelationship},
		{"threat_intel", e.expandByThreatIntel},
		{"baseline_anomaly", e.expandByBaselineAnomaly},
		{"temporal_correlation", e.expandByTemporalCorrelation},
	}

	produced := make([][]*models.Entity, len(branches))
	failures := make([]error, len(branches))

	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, name string, run func(context.Context, *models.Entity, Config) ([]*models.Entity, error)) {
			defer wg.Done()
			entities, err := run(ctx, entity, cfg)
			if err != nil {
				log.Printf("[Expand] %s failed for %s %q: %v", name, entity.Type, entity.ID, err)
				failures[i] = fmt.Errorf("%s: %w", name, err)
				return
			}
			produced[i] = entities
		}(i, b.name, b.run)
	}
	wg.Wait()

	var all []*models.Entity
	for _, entities := range produced {
		all = append(all, entities...)
	}

	merged := dedupeEntities(all)
	merged = filterByConfidence(merged, cfg)
	establishConnections(entity, merged)
	entity.SetStatus(models.StatusInvestigated, "connection expansion complete")

	return merged, errors.Join(failures...)
}

// expandedEntity builds a neighbor entity tagged with its provenance.
func expandedEntity(entityType models.EntityType, id, source, relationship string) *models.Entity {
	ent := models.NewEntity(entityType, id)
	ent.Status = models.StatusInvestigated
	ent.Metadata["expansionSource"] = source
	ent.Metadata["relationshipType"] = relationship
	return ent
}

// dedupeEntities drops later duplicates of the same (type, id); the first
// method to produce an entity keeps its tagging.
func dedupeEntities(entities []*models.Entity) []*models.Entity {
	type key struct {
		entityType models.EntityType
		id         string
	}
	seen := map[key]bool{}
	var out []*models.Entity
	for _, ent := range entities {
		k := key{ent.Type, ent.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ent)
	}
	return out
}

// filterByConfidence drops low-confidence neighbors and enforces the
// per-expansion cap. Metadata confidence (set by threat intel) overrides
// the entity default.
func filterByConfidence(entities []*models.Entity, cfg Config) []*models.Entity {
	var out []*models.Entity
	for _, ent := range entities {
		confidence := ent.Confidence
		if _, ok := ent.Metadata["confidence"]; ok {
			confidence = ent.MetaFloat("confidence")
		}
		if confidence < cfg.MinConfidenceThreshold {
			continue
		}
		out = append(out, ent)
		if len(out) >= cfg.MaxEntitiesPerExpansion {
			break
		}
	}
	return out
}

// establishConnections wires a forward edge source→target plus the
// matching REVERSE_ edge target→source, both weighted by relationship type.
func establishConnections(source *models.Entity, targets []*models.Entity) {
	for _, target := range targets {
		relationship := target.MetaString("relationshipType")
		if relationship == "" {
			relationship = "RELATED_TO"
		}
		method := target.MetaString("expansionSource")
		weight := relationshipWeight(relationship)

		source.AddConnection(target, relationship, map[string]any{
			"expansionMethod": method,
			"weight":          weight,
		})
		target.AddConnection(source, "REVERSE_"+relationship, map[string]any{
			"expansionMethod": method,
			"weight":          weight,
		})
	}
}
