package expand

import (
	"context"
	"fmt"

	"github.com/socforge/triage-engine/pkg/models"
)

// ─── Asset relationship expansion (graph store) ──────────────────────────

const (
	ipAssetQuery = `
MATCH (ip:IP {address: $address})
OPTIONAL MATCH (ip)-[:BELONGS_TO]->(device:Device)
OPTIONAL MATCH (device)-[:USED_BY]->(user:User)
OPTIONAL MATCH (ip)-[:ACCESSED_BY]->(process:Process)
RETURN device, user, process
LIMIT 20`

	userAssetQuery = `
MATCH (user:User {username: $username})
OPTIONAL MATCH (user)-[:USES]->(device:Device)
OPTIONAL MATCH (user)-[:ACCESSES]->(file:File)
OPTIONAL MATCH (device)-[:HAS_IP]->(ip:IP)
RETURN device, file, ip
LIMIT 30`

	deviceAssetQuery = `
MATCH (device:Device {hostname: $hostname})
OPTIONAL MATCH (device)-[:HAS_IP]->(ip:IP)
OPTIONAL MATCH (device)-[:USED_BY]->(user:User)
OPTIONAL MATCH (device)-[:RUNS_PROCESS]->(process:Process)
RETURN ip, user, process
LIMIT 25`

	fileAssetQuery = `
MATCH (file:File {path: $path})
OPTIONAL MATCH (file)-[:ACCESSED_BY]->(user:User)
OPTIONAL MATCH (file)-[:EXECUTED_BY]->(process:Process)
OPTIONAL MATCH (file)-[:LOCATED_ON]->(device:Device)
RETURN user, process, device
LIMIT 20`
)

// expandByAssetRelationship walks the asset graph one hop out from the
// entity. Ownership edges answer "whose machine, whose account, which
// process" for the entity under triage.
func (e *Engine) expandByAssetRelationship(ctx context.Context, entity *models.Entity, _ Config) ([]*models.Entity, error) {
	if e.graph == nil {
		return nil, nil
	}

	switch entity.Type {
	case models.EntityIP:
		return e.queryAssets(ctx, ipAssetQuery, map[string]any{"address": entity.ID},
			[]assetBinding{
				{"device", models.EntityDevice, []string{"hostname", "name"}, "BELONGS_TO", []string{"os", "location"}},
				{"user", models.EntityUser, []string{"username"}, "USED_BY", []string{"department", "role"}},
				{"process", models.EntityProcess, []string{"name"}, "ACCESSED_BY", []string{"pid", "command_line"}},
			})
	case models.EntityUser:
		return e.queryAssets(ctx, userAssetQuery, map[string]any{"username": entity.ID},
			[]assetBinding{
				{"device", models.EntityDevice, []string{"hostname"}, "USES", nil},
				{"file", models.EntityFile, []string{"path"}, "ACCESSES", nil},
				{"ip", models.EntityIP, []string{"address"}, "HAS_IP", nil},
			})
	case models.EntityDevice:
		return e.queryAssets(ctx, deviceAssetQuery, map[string]any{"hostname": entity.ID},
			[]assetBinding{
				{"ip", models.EntityIP, []string{"address"}, "HAS_IP", nil},
				{"user", models.EntityUser, []string{"username"}, "USED_BY", nil},
				{"process", models.EntityProcess, []string{"name"}, "RUNS_PROCESS", nil},
			})
	case models.EntityFile:
		return e.queryAssets(ctx, fileAssetQuery, map[string]any{"path": entity.ID},
			[]assetBinding{
				{"user", models.EntityUser, []string{"username"}, "ACCESSED_BY", nil},
				{"process", models.EntityProcess, []string{"name"}, "EXECUTED_BY", nil},
				{"device", models.EntityDevice, []string{"hostname"}, "LOCATED_ON", nil},
			})
	}
	return nil, nil
}

// assetBinding maps one RETURN column of an asset query onto an entity.
type assetBinding struct {
	column       string
	entityType   models.EntityType
	idProps      []string // node properties tried in order for the entity id
	relationship string
	extraProps   []string // node properties copied into metadata when present
}

func (e *Engine) queryAssets(ctx context.Context, cypher string, params map[string]any, bindings []assetBinding) ([]*models.Entity, error) {
	records, err := e.graph.Query(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("asset graph query: %w", err)
	}

	var out []*models.Entity
	for _, record := range records {
		for _, b := range bindings {
			props, ok := record[b.column].(map[string]any)
			if !ok || len(props) == 0 {
				continue
			}
			id := propString(props, b.idProps...)
			if id == "" {
				continue
			}
			ent := expandedEntity(b.entityType, id, "asset_relationship", b.relationship)
			for _, p := range b.extraProps {
				if v, ok := props[p]; ok && v != nil {
					ent.Metadata[metaKey(p)] = v
				}
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func propString(props map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := props[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// metaKey converts snake_case node property names to the camelCase used in
// entity metadata.
func metaKey(prop string) string {
	switch prop {
	case "command_line":
		return "commandLine"
	default:
		return prop
	}
}

// ─── Threat intel expansion ───────────────────────────────────────────────

// expandByThreatIntel resolves the entity against the intelligence feed and
// materializes the report's related indicators as neighbors. Only IPs,
// domains and hash-identified files have feed coverage.
func (e *Engine) expandByThreatIntel(ctx context.Context, entity *models.Entity, _ Config) ([]*models.Entity, error) {
	if e.intel == nil {
		return nil, nil
	}

	var (
		report *models.IntelReport
		err    error
	)
	switch entity.Type {
	case models.EntityIP:
		report, err = e.intel.QueryIP(ctx, entity.ID)
	case models.EntityDomain:
		report, err = e.intel.QueryDomain(ctx, entity.ID)
	case models.EntityFile:
		if !entity.MetaBool("isHash") {
			return nil, nil
		}
		report, err = e.intel.QueryHash(ctx, entity.ID)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("threat intel lookup: %w", err)
	}
	if report == nil {
		return nil, nil
	}

	// A feed that reports relations without a confidence is treated as
	// neutral rather than untrusted, so the merge filter keeps them.
	confidence := report.Confidence
	if confidence == 0 {
		confidence = 0.5
	}

	var out []*models.Entity
	for _, ip := range report.RelatedIPs {
		ent := expandedEntity(models.EntityIP, ip, "threat_intel", "THREAT_INTEL_RELATED")
		ent.Metadata["threatTypes"] = report.ThreatTypes
		ent.Metadata["confidence"] = confidence
		out = append(out, ent)
	}
	for _, domain := range report.RelatedDomains {
		ent := expandedEntity(models.EntityDomain, domain, "threat_intel", "THREAT_INTEL_RELATED")
		ent.Metadata["threatTypes"] = report.ThreatTypes
		out = append(out, ent)
	}
	for _, hash := range report.RelatedHashes {
		ent := expandedEntity(models.EntityFile, hash, "threat_intel", "THREAT_INTEL_RELATED")
		ent.Metadata["isHash"] = true
		ent.Metadata["hashType"] = hashTypeForLength(len(hash))
		out = append(out, ent)
	}
	return out, nil
}

func hashTypeForLength(n int) string {
	switch n {
	case 32:
		return "MD5"
	case 40:
		return "SHA1"
	case 64:
		return "SHA256"
	}
	return "UNKNOWN"
}

// ─── Baseline anomaly expansion (timeseries store) ────────────────────────

const (
	userAnomalyQuery = `
SELECT src_ip, COUNT(*) AS login_count
FROM login_logs
WHERE username = $1
  AND timestamp > now() - interval '7 days'
  AND is_anomaly = true
GROUP BY src_ip
ORDER BY login_count DESC
LIMIT 10`

	ipAnomalyQuery = `
SELECT username, COUNT(*) AS access_count
FROM access_logs
WHERE src_ip = $1
  AND timestamp > now() - interval '24 hours'
  AND is_anomaly = true
GROUP BY username
ORDER BY access_count DESC
LIMIT 15`

	deviceAnomalyQuery = `
SELECT process_name, COUNT(*) AS exec_count
FROM process_logs
WHERE hostname = $1
  AND timestamp > now() - interval '12 hours'
  AND is_anomaly = true
GROUP BY process_name
ORDER BY exec_count DESC
LIMIT 10`
)

// expandByBaselineAnomaly pulls entities that deviated from their behavioral
// baseline near this one: strange login sources for a user, strange accounts
// for an IP, strange processes for a device.
func (e *Engine) expandByBaselineAnomaly(ctx context.Context, entity *models.Entity, _ Config) ([]*models.Entity, error) {
	if e.tsdb == nil {
		return nil, nil
	}

	switch entity.Type {
	case models.EntityUser:
		return e.queryAnomalies(ctx, userAnomalyQuery, entity.ID,
			"src_ip", "login_count", models.EntityIP, "unusual_login_location")
	case models.EntityIP:
		return e.queryAnomalies(ctx, ipAnomalyQuery, entity.ID,
			"username", "access_count", models.EntityUser, "unusual_access_pattern")
	case models.EntityDevice:
		return e.queryAnomalies(ctx, deviceAnomalyQuery, entity.ID,
			"process_name", "exec_count", models.EntityProcess, "unusual_process_execution")
	}
	return nil, nil
}

func (e *Engine) queryAnomalies(ctx context.Context, query, id, idColumn, countColumn string, entityType models.EntityType, anomalyType string) ([]*models.Entity, error) {
	rows, err := e.tsdb.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("baseline anomaly query: %w", err)
	}

	var out []*models.Entity
	for _, row := range rows {
		value, ok := row[idColumn].(string)
		if !ok || value == "" {
			continue
		}
		ent := expandedEntity(entityType, value, "baseline_anomaly", "ANOMALY_RELATED")
		ent.Metadata["anomalyType"] = anomalyType
		ent.Metadata["eventCount"] = rowCount(row, countColumn)
		out = append(out, ent)
	}
	return out, nil
}

// ─── Temporal correlation expansion (timeseries store) ────────────────────

const (
	temporalIPQuery = `
SELECT dst_ip, COUNT(*) AS comm_count
FROM network_logs
WHERE src_ip = $1
  AND timestamp > now() - make_interval(hours => $2)
GROUP BY dst_ip
HAVING COUNT(*) > 5
ORDER BY comm_count DESC
LIMIT 20`

	temporalUserQuery = `
SELECT file_path, COUNT(*) AS access_count
FROM file_access_logs
WHERE username = $1
  AND timestamp > now() - make_interval(hours => $2)
GROUP BY file_path
HAVING COUNT(*) > 1
ORDER BY access_count DESC
LIMIT 15`
)

// expandByTemporalCorrelation finds entities that repeatedly co-occur with
// this one inside the configured time window.
func (e *Engine) expandByTemporalCorrelation(ctx context.Context, entity *models.Entity, cfg Config) ([]*models.Entity, error) {
	if e.tsdb == nil {
		return nil, nil
	}

	switch entity.Type {
	case models.EntityIP:
		rows, err := e.tsdb.Query(ctx, temporalIPQuery, entity.ID, cfg.TimeWindowHours)
		if err != nil {
			return nil, fmt.Errorf("temporal correlation query: %w", err)
		}
		var out []*models.Entity
		for _, row := range rows {
			dst, ok := row["dst_ip"].(string)
			if !ok || dst == "" {
				continue
			}
			ent := expandedEntity(models.EntityIP, dst, "temporal_correlation", "COMMUNICATES_WITH")
			ent.Metadata["communicationCount"] = rowCount(row, "comm_count")
			ent.Metadata["timeWindowHours"] = cfg.TimeWindowHours
			out = append(out, ent)
		}
		return out, nil

	case models.EntityUser:
		rows, err := e.tsdb.Query(ctx, temporalUserQuery, entity.ID, cfg.TimeWindowHours)
		if err != nil {
			return nil, fmt.Errorf("temporal correlation query: %w", err)
		}
		var out []*models.Entity
		for _, row := range rows {
			path, ok := row["file_path"].(string)
			if !ok || path == "" {
				continue
			}
			ent := expandedEntity(models.EntityFile, path, "temporal_correlation", "ACCESSES")
			ent.Metadata["accessCount"] = rowCount(row, "access_count")
			ent.Metadata["timeWindowHours"] = cfg.TimeWindowHours
			out = append(out, ent)
		}
		return out, nil
	}
	return nil, nil
}

// rowCount reads a COUNT(*) column, tolerant of the integer width the
// driver hands back.
func rowCount(row map[string]any, column string) int64 {
	switch v := row[column].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
