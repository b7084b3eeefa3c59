package score

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/socforge/triage-engine/pkg/models"
)

// Indicator extraction. Each helper adds only the indicators that actually
// fire; a clean entity yields an empty map and keeps its base score.

// ─── Extraction ─────────────────────────────────────────────────────────────

func (e *Engine) extractIndicators(ctx context.Context, entity *models.Entity) map[string]float64 {
	indicators := map[string]float64{}

	if v := e.threatIntelMatch(ctx, entity); v > 0 {
		indicators["threat_intel_match"] = v
	}
	if v := anomalyBehavior(entity); v > 0 {
		indicators["anomaly_behavior"] = v
	}
	if v := blacklistMatch(entity); v > 0 {
		indicators["blacklist_match"] = v
	}

	switch entity.Type {
	case models.EntityIP:
		ipIndicators(entity, indicators)
	case models.EntityUser:
		userIndicators(entity, indicators)
	case models.EntityFile:
		fileIndicators(entity, indicators)
	case models.EntityProcess:
		processIndicators(entity, indicators)
	case models.EntityDomain:
		domainIndicators(entity, indicators)
	}
	return indicators
}

// ─── Universal Indicators ───────────────────────────────────────────────────

// threatIntelMatch returns max matched severity scaled by report confidence.
// Lookup failures degrade to zero rather than failing the score.
func (e *Engine) threatIntelMatch(ctx context.Context, entity *models.Entity) float64 {
	if e.intel == nil {
		return 0
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
			return 0
		}
		report, err = e.intel.QueryHash(ctx, entity.ID)
	default:
		return 0
	}
	if err != nil {
		log.Printf("[Score] threat intel lookup failed for %s %q: %v", entity.Type, entity.ID, err)
		return 0
	}
	if report == nil || len(report.ThreatTypes) == 0 {
		return 0
	}

	maxSeverity := 0.0
	for _, threatType := range report.ThreatTypes {
		maxSeverity = math.Max(maxSeverity, severityScore(threatType))
	}
	return math.Min((maxSeverity/100)*report.Confidence, 1)
}

// anomalyBehavior scores anomalous activity: the isAnomaly flag, the typed
// behavior pattern, and anomaly-tagged edges each contribute; the strongest
// signal wins.
func anomalyBehavior(entity *models.Entity) float64 {
	v := 0.0
	if entity.MetaBool("isAnomaly") {
		v = 0.5
	}
	if anomalyType := entity.MetaString("anomalyType"); anomalyType != "" {
		v = math.Max(v, behaviorScore(anomalyType)/100)
	}
	for _, conn := range entity.Connections {
		if related, ok := conn.Metadata["anomalyRelated"].(bool); ok && related {
			v = math.Max(v, 0.6)
			break
		}
	}
	return math.Min(v, 1)
}

func blacklistMatch(entity *models.Entity) float64 {
	text := metadataText(entity)
	for _, marker := range []string{"malicious", "suspicious", "blocked", "quarantined"} {
		if strings.Contains(text, marker) {
			return 0.8
		}
	}
	return 0
}

// ─── Per-Type Indicators ────────────────────────────────────────────────────

func ipIndicators(entity *models.Entity, indicators map[string]float64) {
	if entity.MetaBool("isPrivate") {
		indicators["internal_ip"] = 0.2
	} else {
		indicators["external_ip"] = 0.4
	}

	if location := entity.MetaString("location"); location != "" && suspiciousLocation(location) {
		indicators["suspicious_location"] = 0.6
	}

	text := metadataText(entity)
	if strings.Contains(text, "port_scan") {
		indicators["port_scanning"] = 0.7
	}
	if strings.Contains(text, "ddos") {
		indicators["ddos_behavior"] = 0.8
	}
}

func userIndicators(entity *models.Entity, indicators map[string]float64) {
	text := metadataText(entity)
	if strings.Contains(text, "privilege_escalation") {
		indicators["privilege_escalation"] = 0.8
	}
	if strings.Contains(text, "login_anomaly") {
		indicators["login_anomaly"] = 0.6
	}
	if strings.Contains(text, "lateral_movement") {
		indicators["lateral_movement"] = 0.7
	}
	if strings.Contains(text, "data_access_anomaly") {
		indicators["data_access_anomaly"] = 0.5
	}
}

func fileIndicators(entity *models.Entity, indicators map[string]float64) {
	switch strings.ToLower(entity.MetaString("fileExtension")) {
	case "exe", "bat", "ps1", "sh", "scr", "vbs":
		indicators["executable_file"] = 0.6
	case "doc", "docx", "pdf", "xls", "xlsx":
		indicators["document_file"] = 0.3
	}

	text := metadataText(entity)
	if entity.MetaBool("isSystemFile") && strings.Contains(text, "modified") {
		indicators["system_file_modification"] = 0.9
	}
	for _, marker := range []string{"encrypted", "packed", "compressed"} {
		if strings.Contains(text, marker) {
			indicators["encrypted_packed"] = 0.5
			break
		}
	}
	if entity.MetaBool("isHash") && strings.Contains(text, "malicious") {
		indicators["malicious_hash"] = 0.9
	}
}

func processIndicators(entity *models.Entity, indicators map[string]float64) {
	if entity.MetaBool("isSystemProcess") && entity.MetaBool("isAnomaly") {
		indicators["system_process_anomaly"] = 0.8
	}

	text := metadataText(entity)
	if strings.Contains(text, "injection") {
		indicators["process_injection"] = 0.9
	}
	if strings.Contains(text, "network_anomaly") {
		indicators["suspicious_network"] = 0.7
	}

	command := strings.ToLower(entity.MetaString("fullCommand"))
	if command != "" {
		for _, marker := range []string{"powershell", "cmd.exe", "wmic", "netsh", "reg.exe"} {
			if strings.Contains(command, marker) {
				indicators["suspicious_command"] = 0.6
				break
			}
		}
	}
}

func domainIndicators(entity *models.Entity, indicators map[string]float64) {
	domain := strings.ToLower(entity.ID)
	if isDGADomain(domain) {
		indicators["dga_domain"] = 0.8
	}
	if isPhishingDomain(domain) {
		indicators["phishing_domain"] = 0.9
	}
	if entity.MetaBool("newlyRegistered") {
		indicators["new_domain"] = 0.6
	}
	switch strings.ToLower(entity.MetaString("tld")) {
	case "tk", "ml", "ga", "cf":
		indicators["suspicious_tld"] = 0.4
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// metadataText renders the metadata map for substring matching. fmt prints
// maps with sorted keys, so the rendering is deterministic.
func metadataText(entity *models.Entity) string {
	return strings.ToLower(fmt.Sprintf("%v", entity.Metadata))
}

func suspiciousLocation(location string) bool {
	upper := strings.ToUpper(location)
	for _, country := range []string{"CN", "RU", "KP", "IR"} {
		if strings.Contains(upper, country) {
			return true
		}
	}
	return false
}

// isDGADomain flags long names whose consonant/vowel ratio looks generated.
func isDGADomain(domain string) bool {
	if len(domain) <= 20 {
		return false
	}
	consonants, vowels := 0, 0
	for _, r := range domain {
		switch {
		case strings.ContainsRune("aeiou", r):
			vowels++
		case strings.ContainsRune("bcdfghjklmnpqrstvwxyz", r):
			consonants++
		}
	}
	return consonants > vowels*2
}

// isPhishingDomain flags brand names squatting outside the brand's own zone.
func isPhishingDomain(domain string) bool {
	for _, brand := range []string{"google", "microsoft", "apple", "amazon", "facebook"} {
		if strings.Contains(domain, brand) && !strings.HasSuffix(domain, brand+".com") {
			return true
		}
	}
	return false
}
