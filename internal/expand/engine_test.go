package expand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/socforge/triage-engine/pkg/models"
)

// ─── Fake backends ────────────────────────────────────────────────────────

type fakeGraph struct {
	mu      sync.Mutex
	records []map[string]any
	err     error
	calls   int
}

func (f *fakeGraph) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.records, f.err
}

func (f *fakeGraph) Ping(ctx context.Context) error { return nil }

type fakeIntel struct {
	mu     sync.Mutex
	report *models.IntelReport
	err    error
	calls  int
}

func (f *fakeIntel) lookup() (*models.IntelReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.report, f.err
}

func (f *fakeIntel) QueryIP(ctx context.Context, ip string) (*models.IntelReport, error) {
	return f.lookup()
}

func (f *fakeIntel) QueryDomain(ctx context.Context, domain string) (*models.IntelReport, error) {
	return f.lookup()
}

func (f *fakeIntel) QueryHash(ctx context.Context, hash string) (*models.IntelReport, error) {
	return f.lookup()
}

func (f *fakeIntel) Ping(ctx context.Context) error { return nil }

func (f *fakeIntel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTimeseries answers queries by matching the table name they touch.
type fakeTimeseries struct {
	mu      sync.Mutex
	rowsFor map[string][]map[string]any
	err     error
}

func (f *fakeTimeseries) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for table, rows := range f.rowsFor {
		if strings.Contains(query, table) {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *fakeTimeseries) Ping(ctx context.Context) error { return nil }

func findExpanded(entities []*models.Entity, t models.EntityType, id string) *models.Entity {
	for _, e := range entities {
		if e.Type == t && e.ID == id {
			return e
		}
	}
	return nil
}

func findConnection(e *models.Entity, relationship, targetID string) *models.Connection {
	for i := range e.Connections {
		if e.Connections[i].Relationship == relationship && e.Connections[i].TargetID == targetID {
			return &e.Connections[i]
		}
	}
	return nil
}

// ─── Tests ────────────────────────────────────────────────────────────────

func TestExpandWithNoBackends(t *testing.T) {
	engine := NewEngine(nil, nil, nil, DefaultConfig())
	entity := models.NewEntity(models.EntityIP, "10.0.0.1")

	expanded, err := engine.Expand(context.Background(), entity)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 0 {
		t.Errorf("Expand() produced %d entities, want 0", len(expanded))
	}
	if entity.Status != models.StatusInvestigated {
		t.Errorf("source status = %q, want %q", entity.Status, models.StatusInvestigated)
	}
}

func TestAssetRelationshipExpansion(t *testing.T) {
	graph := &fakeGraph{records: []map[string]any{
		{
			"device":  map[string]any{"hostname": "ws-042", "os": "windows 11", "location": "hq-3f"},
			"user":    map[string]any{"username": "jdoe", "department": "finance"},
			"process": map[string]any{"name": "outlook.exe", "pid": int64(4242)},
		},
	}}
	engine := NewEngine(graph, nil, nil, DefaultConfig())
	source := models.NewEntity(models.EntityIP, "10.20.30.40")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 3 {
		t.Fatalf("Expand() produced %d entities, want 3", len(expanded))
	}

	device := findExpanded(expanded, models.EntityDevice, "ws-042")
	if device == nil {
		t.Fatal("missing device entity ws-042")
	}
	if got := device.MetaString("relationshipType"); got != "BELONGS_TO" {
		t.Errorf("device relationshipType = %q, want BELONGS_TO", got)
	}
	if got := device.MetaString("os"); got != "windows 11" {
		t.Errorf("device os = %q, want %q", got, "windows 11")
	}
	if device.Status != models.StatusInvestigated {
		t.Errorf("device status = %q, want %q", device.Status, models.StatusInvestigated)
	}

	user := findExpanded(expanded, models.EntityUser, "jdoe")
	if user == nil {
		t.Fatal("missing user entity jdoe")
	}
	if got := user.MetaString("department"); got != "finance" {
		t.Errorf("user department = %q, want finance", got)
	}

	// Forward edge carries the relationship weight, reverse edge mirrors it.
	edge := findConnection(source, "BELONGS_TO", "ws-042")
	if edge == nil {
		t.Fatal("missing forward edge source→device")
	}
	if got := edge.Metadata["weight"]; got != 0.9 {
		t.Errorf("BELONGS_TO weight = %v, want 0.9", got)
	}
	if got := edge.Metadata["expansionMethod"]; got != "asset_relationship" {
		t.Errorf("edge expansionMethod = %v, want asset_relationship", got)
	}
	reverse := findConnection(device, "REVERSE_BELONGS_TO", "10.20.30.40")
	if reverse == nil {
		t.Fatal("missing reverse edge device→source")
	}
	if got := reverse.Metadata["weight"]; got != 0.9 {
		t.Errorf("reverse edge weight = %v, want 0.9", got)
	}

	// ACCESSED_BY is not an explicitly weighted relationship.
	procEdge := findConnection(source, "ACCESSED_BY", "outlook.exe")
	if procEdge == nil {
		t.Fatal("missing forward edge source→process")
	}
	if got := procEdge.Metadata["weight"]; got != 0.5 {
		t.Errorf("ACCESSED_BY weight = %v, want default 0.5", got)
	}
}

func TestThreatIntelExpansion(t *testing.T) {
	intel := &fakeIntel{report: &models.IntelReport{
		Indicator:      "203.0.113.66",
		ThreatTypes:    []string{"malware", "botnet"},
		Confidence:     0.9,
		RelatedIPs:     []string{"203.0.113.67", "203.0.113.68"},
		RelatedDomains: []string{"evil.example.net"},
		RelatedHashes:  []string{strings.Repeat("c", 64)},
	}}
	engine := NewEngine(nil, intel, nil, DefaultConfig())
	source := models.NewEntity(models.EntityIP, "203.0.113.66")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 4 {
		t.Fatalf("Expand() produced %d entities, want 4", len(expanded))
	}

	ip := findExpanded(expanded, models.EntityIP, "203.0.113.67")
	if ip == nil {
		t.Fatal("missing related ip entity")
	}
	if got := ip.MetaFloat("confidence"); got != 0.9 {
		t.Errorf("related ip confidence = %v, want 0.9", got)
	}
	if got := ip.MetaString("relationshipType"); got != "THREAT_INTEL_RELATED" {
		t.Errorf("relationshipType = %q, want THREAT_INTEL_RELATED", got)
	}

	hash := findExpanded(expanded, models.EntityFile, strings.Repeat("c", 64))
	if hash == nil {
		t.Fatal("missing related hash entity")
	}
	if !hash.MetaBool("isHash") {
		t.Error("related hash isHash = false, want true")
	}
	if got := hash.MetaString("hashType"); got != "SHA256" {
		t.Errorf("related hash hashType = %q, want SHA256", got)
	}

	edge := findConnection(source, "THREAT_INTEL_RELATED", "evil.example.net")
	if edge == nil {
		t.Fatal("missing intel edge source→domain")
	}
	if got := edge.Metadata["weight"]; got != 0.9 {
		t.Errorf("THREAT_INTEL_RELATED weight = %v, want 0.9", got)
	}
}

func TestThreatIntelCoverage(t *testing.T) {
	tests := []struct {
		name    string
		entity  *models.Entity
		queried bool
	}{
		{"user not covered", models.NewEntity(models.EntityUser, "jdoe"), false},
		{"plain file not covered", models.NewEntity(models.EntityFile, "/tmp/a.bin"), false},
		{"domain covered", models.NewEntity(models.EntityDomain, "example.net"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intel := &fakeIntel{}
			engine := NewEngine(nil, intel, nil, DefaultConfig())
			if _, err := engine.Expand(context.Background(), tt.entity); err != nil {
				t.Fatalf("Expand() error = %v, want nil", err)
			}
			if got := intel.callCount() > 0; got != tt.queried {
				t.Errorf("intel queried = %v, want %v", got, tt.queried)
			}
		})
	}
}

func TestHashFileQueriesIntel(t *testing.T) {
	intel := &fakeIntel{}
	engine := NewEngine(nil, intel, nil, DefaultConfig())
	hashEntity := models.NewEntity(models.EntityFile, strings.Repeat("a", 32))
	hashEntity.Metadata["isHash"] = true

	if _, err := engine.Expand(context.Background(), hashEntity); err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if intel.callCount() != 1 {
		t.Errorf("intel calls = %d, want 1", intel.callCount())
	}
}

func TestBaselineAnomalyExpansion(t *testing.T) {
	tsdb := &fakeTimeseries{rowsFor: map[string][]map[string]any{
		"login_logs": {
			{"src_ip": "198.51.100.4", "login_count": int64(9)},
			{"src_ip": "198.51.100.5", "login_count": int64(3)},
		},
	}}
	engine := NewEngine(nil, nil, tsdb, DefaultConfig())
	source := models.NewEntity(models.EntityUser, "jdoe")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 2 {
		t.Fatalf("Expand() produced %d entities, want 2", len(expanded))
	}

	ip := findExpanded(expanded, models.EntityIP, "198.51.100.4")
	if ip == nil {
		t.Fatal("missing anomaly ip entity")
	}
	if got := ip.MetaString("anomalyType"); got != "unusual_login_location" {
		t.Errorf("anomalyType = %q, want unusual_login_location", got)
	}
	if got := ip.MetaFloat("eventCount"); got != 9 {
		t.Errorf("eventCount = %v, want 9", got)
	}
	edge := findConnection(source, "ANOMALY_RELATED", "198.51.100.4")
	if edge == nil {
		t.Fatal("missing ANOMALY_RELATED edge")
	}
	if got := edge.Metadata["weight"]; got != 0.7 {
		t.Errorf("ANOMALY_RELATED weight = %v, want 0.7", got)
	}
}

func TestTemporalCorrelationExpansion(t *testing.T) {
	tsdb := &fakeTimeseries{rowsFor: map[string][]map[string]any{
		"network_logs": {
			{"dst_ip": "192.0.2.80", "comm_count": int64(17)},
		},
	}}
	engine := NewEngine(nil, nil, tsdb, DefaultConfig())
	source := models.NewEntity(models.EntityIP, "10.1.1.1")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 1 {
		t.Fatalf("Expand() produced %d entities, want 1", len(expanded))
	}

	peer := expanded[0]
	if peer.Type != models.EntityIP || peer.ID != "192.0.2.80" {
		t.Fatalf("peer = %s %q, want ip 192.0.2.80", peer.Type, peer.ID)
	}
	if got := peer.MetaString("relationshipType"); got != "COMMUNICATES_WITH" {
		t.Errorf("relationshipType = %q, want COMMUNICATES_WITH", got)
	}
	if got := peer.MetaFloat("communicationCount"); got != 17 {
		t.Errorf("communicationCount = %v, want 17", got)
	}
	if got := peer.MetaFloat("timeWindowHours"); got != 24 {
		t.Errorf("timeWindowHours = %v, want 24", got)
	}
}

func TestMergeDedupesAcrossMethods(t *testing.T) {
	// threat_intel and temporal_correlation both surface 203.0.113.99;
	// the earlier method's tagging must win.
	intel := &fakeIntel{report: &models.IntelReport{
		Confidence: 0.8,
		RelatedIPs: []string{"203.0.113.99"},
	}}
	tsdb := &fakeTimeseries{rowsFor: map[string][]map[string]any{
		"network_logs": {
			{"dst_ip": "203.0.113.99", "comm_count": int64(30)},
		},
	}}
	engine := NewEngine(nil, intel, tsdb, DefaultConfig())
	source := models.NewEntity(models.EntityIP, "10.1.1.1")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 1 {
		t.Fatalf("Expand() produced %d entities, want 1 after dedup", len(expanded))
	}
	if got := expanded[0].MetaString("relationshipType"); got != "THREAT_INTEL_RELATED" {
		t.Errorf("surviving tag = %q, want THREAT_INTEL_RELATED (first method wins)", got)
	}
}

func TestConfidenceFilter(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		kept       bool
	}{
		{"below threshold dropped", 0.2, false},
		{"at threshold kept", 0.3, true},
		{"unreported defaults to neutral", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intel := &fakeIntel{report: &models.IntelReport{
				Confidence: tt.confidence,
				RelatedIPs: []string{"198.18.0.1"},
			}}
			engine := NewEngine(nil, intel, nil, DefaultConfig())
			source := models.NewEntity(models.EntityIP, "10.9.9.9")

			expanded, err := engine.Expand(context.Background(), source)
			if err != nil {
				t.Fatalf("Expand() error = %v, want nil", err)
			}
			if got := len(expanded) == 1; got != tt.kept {
				t.Errorf("kept = %v, want %v", got, tt.kept)
			}
		})
	}
}

func TestExpansionCap(t *testing.T) {
	var rows []map[string]any
	for i := 0; i < 60; i++ {
		rows = append(rows, map[string]any{"dst_ip": fmt.Sprintf("192.0.2.%d", i+1), "comm_count": int64(10)})
	}
	tsdb := &fakeTimeseries{rowsFor: map[string][]map[string]any{"network_logs": rows}}

	cfg := DefaultConfig()
	cfg.MaxEntitiesPerExpansion = 5
	engine := NewEngine(nil, nil, tsdb, cfg)
	source := models.NewEntity(models.EntityIP, "10.1.1.1")

	expanded, err := engine.Expand(context.Background(), source)
	if err != nil {
		t.Fatalf("Expand() error = %v, want nil", err)
	}
	if len(expanded) != 5 {
		t.Errorf("Expand() produced %d entities, want cap 5", len(expanded))
	}
	if len(source.Connections) != 5 {
		t.Errorf("source has %d connections, want 5", len(source.Connections))
	}
}

func TestExpandAbsorbsMethodFailure(t *testing.T) {
	graph := &fakeGraph{err: errors.New("neo4j unavailable")}
	tsdb := &fakeTimeseries{rowsFor: map[string][]map[string]any{
		"network_logs": {
			{"dst_ip": "192.0.2.80", "comm_count": int64(8)},
		},
	}}
	engine := NewEngine(graph, nil, tsdb, DefaultConfig())
	source := models.NewEntity(models.EntityIP, "10.1.1.1")

	expanded, err := engine.Expand(context.Background(), source)
	if err == nil {
		t.Fatal("Expand() error = nil, want failure report")
	}
	if !strings.Contains(err.Error(), "asset_relationship") {
		t.Errorf("error %q does not name the failed method", err)
	}
	if len(expanded) != 1 {
		t.Errorf("Expand() produced %d entities, want 1 from surviving methods", len(expanded))
	}
	if source.Status != models.StatusInvestigated {
		t.Errorf("source status = %q, want %q despite branch failure", source.Status, models.StatusInvestigated)
	}
}

func TestSetConfig(t *testing.T) {
	engine := NewEngine(nil, nil, nil, DefaultConfig())
	cfg := engine.Config()
	cfg.TimeWindowHours = 6
	cfg.MinConfidenceThreshold = 0.5
	engine.SetConfig(cfg)

	got := engine.Config()
	if got.TimeWindowHours != 6 {
		t.Errorf("TimeWindowHours = %d, want 6", got.TimeWindowHours)
	}
	if got.MinConfidenceThreshold != 0.5 {
		t.Errorf("MinConfidenceThreshold = %v, want 0.5", got.MinConfidenceThreshold)
	}
}
