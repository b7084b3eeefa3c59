package recognize

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/socforge/triage-engine/pkg/models"
)

// Entity Recognizer
//
// Pulls identifiable entities (IPs, users, files, processes, domains,
// emails, URLs, hashes) out of one raw telemetry payload. Two passes:
//
//   1. Structured fields — well-known key names tell us the entity type
//      and, for IPs, the traffic direction.
//   2. Text sweep — regex over the serialized JSON catches values the
//      schema missed. Those entities carry fieldSource=text_extraction.
//
// A value claimed by the structured pass is never re-extracted by the
// text pass: one shared seen-set, first occurrence wins. Extraction is
// deterministic and never fails; unusable field values are skipped.

// Structured field names checked per entity type, in order.
var (
	ipFields      = []string{"src_ip", "dst_ip", "source_ip", "dest_ip", "remote_ip", "client_ip", "server_ip", "host_ip"}
	userFields    = []string{"username", "user", "account", "login_name", "user_name", "src_user", "dst_user", "target_user"}
	fileFields    = []string{"file_path", "filename", "file_name", "path", "target_filename", "process_path", "image_path", "command_line"}
	processFields = []string{"process_name", "image_name", "command", "process_command_line"}
	domainFields  = []string{"domain", "hostname", "dest_domain", "target_domain", "dns_query"}
	emailFields   = []string{"email", "sender", "recipient", "from_email", "to_email"}
	urlFields     = []string{"url", "uri", "request_url", "referer", "redirect_url"}
	hashFields    = []string{"md5", "sha1", "sha256", "file_hash", "hash"}
)

// Strings that show up in user fields but are never real accounts.
var excludedUsernames = map[string]bool{
	"null":      true,
	"undefined": true,
	"anonymous": true,
	"guest":     true,
}

var systemAccounts = map[string]bool{
	"system":        true,
	"administrator": true,
	"root":          true,
	"admin":         true,
	"service":       true,
}

var systemPathPrefixes = []string{
	`C:\Windows\System32`,
	`C:\Windows\SysWOW64`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
	"/usr/bin",
	"/bin",
	"/sbin",
	"/usr/sbin",
	"/lib",
	"/usr/lib",
}

var systemProcesses = map[string]bool{
	"svchost.exe":  true,
	"explorer.exe": true,
	"winlogon.exe": true,
	"csrss.exe":    true,
	"lsass.exe":    true,
	"systemd":      true,
	"kernel":       true,
}

// Recognizer extracts entities from telemetry payloads. It is stateless
// and safe for concurrent use.
type Recognizer struct {
	ipPattern     *regexp.Regexp
	domainPattern *regexp.Regexp
	emailPattern  *regexp.Regexp
	urlPattern    *regexp.Regexp
	md5Pattern    *regexp.Regexp
	sha1Pattern   *regexp.Regexp
	sha256Pattern *regexp.Regexp
	privateNets   []*net.IPNet
}

// NewRecognizer compiles the text-sweep patterns and the private IP ranges.
func NewRecognizer() *Recognizer {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return &Recognizer{
		ipPattern:     regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
		domainPattern: regexp.MustCompile(`(?i)\b[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?)*\.[a-z]{2,}\b`),
		emailPattern:  regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`),
		urlPattern:    regexp.MustCompile("(?i)https?://[^\\s<>\"{}|\\\\^`\\[\\]]+"),
		md5Pattern:    regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`),
		sha1Pattern:   regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`),
		sha256Pattern: regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`),
		privateNets:   nets,
	}
}

// Extract runs both passes over the payload and returns every entity found,
// in structured-field order followed by text-sweep order. Each entity is
// stamped with the originating event and the extraction time.
func (r *Recognizer) Extract(payload map[string]any, eventID string) []*models.Entity {
	logText := ""
	if raw, err := json.Marshal(payload); err == nil {
		logText = string(raw)
	}

	seen := map[string]bool{}
	var entities []*models.Entity

	entities = append(entities, r.extractIPs(payload, logText, seen)...)
	entities = append(entities, r.extractUsers(payload, seen)...)
	entities = append(entities, r.extractFiles(payload, seen)...)
	entities = append(entities, r.extractProcesses(payload, seen)...)
	entities = append(entities, r.extractDomains(payload, logText, seen)...)
	entities = append(entities, r.extractEmails(payload, logText, seen)...)
	entities = append(entities, r.extractURLs(payload, logText, seen)...)
	entities = append(entities, r.extractHashes(payload, logText, seen)...)

	for _, e := range entities {
		if eventID != "" {
			e.AddMetadata("sourceEventId", eventID)
		}
		e.AddMetadata("extractionTimestamp", time.Now().UTC().Format(time.RFC3339))
	}
	return entities
}

// stringField fetches a non-empty trimmed string value from the payload.
func stringField(payload map[string]any, field string) (string, bool) {
	v, ok := payload[field].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// ─── IP addresses ────────────────────────────────────────────────────────

func (r *Recognizer) extractIPs(payload map[string]any, logText string, seen map[string]bool) []*models.Entity {
	var out []*models.Entity

	for _, field := range ipFields {
		ip, ok := stringField(payload, field)
		if !ok || seen[ip] || !isValidIP(ip) {
			continue
		}
		direction := "destination"
		if strings.Contains(field, "src") || strings.Contains(field, "source") {
			direction = "source"
		}
		ent := models.NewEntity(models.EntityIP, ip)
		ent.Metadata["fieldSource"] = field
		ent.Metadata["isPrivate"] = r.isPrivateIP(ip)
		ent.Metadata["direction"] = direction
		out = append(out, ent)
		seen[ip] = true
	}

	for _, ip := range r.ipPattern.FindAllString(logText, -1) {
		if seen[ip] || !isValidIP(ip) {
			continue
		}
		ent := models.NewEntity(models.EntityIP, ip)
		ent.Metadata["fieldSource"] = "text_extraction"
		ent.Metadata["isPrivate"] = r.isPrivateIP(ip)
		out = append(out, ent)
		seen[ip] = true
	}
	return out
}

// ─── Usernames ───────────────────────────────────────────────────────────

func (r *Recognizer) extractUsers(payload map[string]any, seen map[string]bool) []*models.Entity {
	var out []*models.Entity
	for _, field := range userFields {
		username, ok := stringField(payload, field)
		if !ok || seen[username] || !isValidUsername(username) {
			continue
		}
		ent := models.NewEntity(models.EntityUser, username)
		ent.Metadata["fieldSource"] = field
		ent.Metadata["isSystemAccount"] = systemAccounts[strings.ToLower(username)]
		out = append(out, ent)
		seen[username] = true
	}
	return out
}

// ─── File paths ──────────────────────────────────────────────────────────

func (r *Recognizer) extractFiles(payload map[string]any, seen map[string]bool) []*models.Entity {
	var out []*models.Entity
	for _, field := range fileFields {
		path, ok := stringField(payload, field)
		if !ok || seen[path] || !isValidFilePath(path) {
			continue
		}
		ent := models.NewEntity(models.EntityFile, path)
		ent.Metadata["fieldSource"] = field
		ent.Metadata["isSystemFile"] = isSystemFile(path)
		ent.Metadata["fileExtension"] = fileExtension(path)
		out = append(out, ent)
		seen[path] = true
	}
	return out
}

// ─── Processes ───────────────────────────────────────────────────────────

func (r *Recognizer) extractProcesses(payload map[string]any, seen map[string]bool) []*models.Entity {
	var out []*models.Entity
	for _, field := range processFields {
		raw, ok := stringField(payload, field)
		if !ok || seen[raw] {
			continue
		}
		name := processBasename(raw)
		if name == "" {
			continue
		}
		ent := models.NewEntity(models.EntityProcess, name)
		ent.Metadata["fieldSource"] = field
		if field == "process_command_line" {
			ent.Metadata["fullCommand"] = raw
		}
		ent.Metadata["isSystemProcess"] = systemProcesses[strings.ToLower(name)]
		out = append(out, ent)
		seen[raw] = true
	}
	return out
}

// ─── Domains ─────────────────────────────────────────────────────────────

func (r *Recognizer) extractDomains(payload map[string]any, logText string, seen map[string]bool) []*models.Entity {
	var out []*models.Entity

	for _, field := range domainFields {
		v, ok := stringField(payload, field)
		if !ok {
			continue
		}
		domain := strings.ToLower(v)
		if seen[domain] || !isValidDomain(domain) {
			continue
		}
		out = append(out, newDomainEntity(domain, field))
		seen[domain] = true
	}

	for _, m := range r.domainPattern.FindAllString(logText, -1) {
		domain := strings.ToLower(m)
		if seen[domain] || !isValidDomain(domain) {
			continue
		}
		out = append(out, newDomainEntity(domain, "text_extraction"))
		seen[domain] = true
	}
	return out
}

func newDomainEntity(domain, fieldSource string) *models.Entity {
	ent := models.NewEntity(models.EntityDomain, domain)
	ent.Metadata["fieldSource"] = fieldSource
	ent.Metadata["tld"] = topLevelDomain(domain)
	return ent
}

// ─── Email addresses ─────────────────────────────────────────────────────

func (r *Recognizer) extractEmails(payload map[string]any, logText string, seen map[string]bool) []*models.Entity {
	var out []*models.Entity

	for _, field := range emailFields {
		v, ok := stringField(payload, field)
		if !ok {
			continue
		}
		email := strings.ToLower(v)
		if seen[email] || !isValidEmail(email) {
			continue
		}
		out = append(out, newEmailEntity(email, field))
		seen[email] = true
	}

	for _, m := range r.emailPattern.FindAllString(logText, -1) {
		email := strings.ToLower(m)
		if seen[email] || !isValidEmail(email) {
			continue
		}
		out = append(out, newEmailEntity(email, "text_extraction"))
		seen[email] = true
	}
	return out
}

func newEmailEntity(email, fieldSource string) *models.Entity {
	ent := models.NewEntity(models.EntityEmail, email)
	ent.Metadata["fieldSource"] = fieldSource
	if at := strings.Index(email, "@"); at >= 0 {
		ent.Metadata["domain"] = email[at+1:]
	}
	return ent
}

// ─── URLs ────────────────────────────────────────────────────────────────

func (r *Recognizer) extractURLs(payload map[string]any, logText string, seen map[string]bool) []*models.Entity {
	var out []*models.Entity

	for _, field := range urlFields {
		u, ok := stringField(payload, field)
		if !ok || seen[u] || !isValidURL(u) {
			continue
		}
		out = append(out, newURLEntity(u, field))
		seen[u] = true
	}

	for _, m := range r.urlPattern.FindAllString(logText, -1) {
		if seen[m] || !isValidURL(m) {
			continue
		}
		out = append(out, newURLEntity(m, "text_extraction"))
		seen[m] = true
	}
	return out
}

func newURLEntity(rawURL, fieldSource string) *models.Entity {
	ent := models.NewEntity(models.EntityURL, rawURL)
	ent.Metadata["fieldSource"] = fieldSource
	ent.Metadata["domain"] = urlHost(rawURL)
	if i := strings.Index(rawURL, "://"); i > 0 {
		ent.Metadata["scheme"] = strings.ToLower(rawURL[:i])
	}
	return ent
}

// ─── Hashes (stored as FILE entities) ────────────────────────────────────

func (r *Recognizer) extractHashes(payload map[string]any, logText string, seen map[string]bool) []*models.Entity {
	var out []*models.Entity

	for _, field := range hashFields {
		v, ok := stringField(payload, field)
		if !ok {
			continue
		}
		hash := strings.ToLower(v)
		if seen[hash] || !isValidHash(hash) {
			continue
		}
		out = append(out, newHashEntity(hash, field, hashTypeForLength(len(hash))))
		seen[hash] = true
	}

	for _, p := range []struct {
		pattern  *regexp.Regexp
		hashType string
	}{
		{r.md5Pattern, "MD5"},
		{r.sha1Pattern, "SHA1"},
		{r.sha256Pattern, "SHA256"},
	} {
		for _, m := range p.pattern.FindAllString(logText, -1) {
			hash := strings.ToLower(m)
			if seen[hash] {
				continue
			}
			out = append(out, newHashEntity(hash, "text_extraction", p.hashType))
			seen[hash] = true
		}
	}
	return out
}

func newHashEntity(hash, fieldSource, hashType string) *models.Entity {
	ent := models.NewEntity(models.EntityFile, hash)
	ent.Metadata["fieldSource"] = fieldSource
	ent.Metadata["hashType"] = hashType
	ent.Metadata["isHash"] = true
	return ent
}

// ─── Validation helpers ──────────────────────────────────────────────────

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

func (r *Recognizer) isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range r.privateNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func isValidUsername(username string) bool {
	if len(username) < 2 || len(username) > 50 {
		return false
	}
	return !excludedUsernames[strings.ToLower(username)]
}

// isValidFilePath accepts absolute unix paths and Windows drive paths.
func isValidFilePath(path string) bool {
	if len(path) < 3 {
		return false
	}
	return strings.HasPrefix(path, "/") || path[1:3] == `:\`
}

func isSystemFile(path string) bool {
	for _, prefix := range systemPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func fileExtension(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return strings.ToLower(path[i+1:])
	}
	return ""
}

// processBasename strips any directory prefix from a process path or
// command line. Plain names pass through untouched.
func processBasename(processInfo string) string {
	if i := strings.LastIndex(processInfo, `\`); i >= 0 {
		return processInfo[i+1:]
	}
	if i := strings.LastIndex(processInfo, "/"); i >= 0 {
		return processInfo[i+1:]
	}
	return processInfo
}

func isValidDomain(domain string) bool {
	if len(domain) < 4 || len(domain) > 255 {
		return false
	}
	if strings.Contains(domain, "..") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return true
}

func topLevelDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return ""
}

func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 0 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

func isValidURL(u string) bool {
	return (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) && len(u) > 10
}

// urlHost extracts the host component (with port, if any) from a URL.
func urlHost(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(rest, sep); i >= 0 {
			rest = rest[:i]
		}
	}
	return rest
}

func isValidHash(hash string) bool {
	switch len(hash) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
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
