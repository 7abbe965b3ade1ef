// Package recognizer extracts entities from raw telemetry payloads, both
// from known structured fields and, for a narrow set of types, from
// unstructured free text.
package recognizer

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/sentryscope/pkg/entity"
)

// fieldsByType lists the payload keys inspected for each recognized entity type.
var fieldsByType = map[entity.Type][]string{
	entity.TypeIP: {
		"src_ip", "dst_ip", "source_ip", "dest_ip",
		"remote_ip", "client_ip", "server_ip", "host_ip",
	},
	entity.TypeUser: {
		"username", "user", "account", "login_name",
		"user_name", "src_user", "dst_user", "target_user",
	},
	entity.TypeFile: {
		"file_path", "filename", "file_name", "path",
		"target_filename", "process_path", "image_path", "command_line",
	},
	entity.TypeProcess: {
		"process_name", "image_name", "command", "process_command_line",
	},
	entity.TypeDomain: {
		"domain", "hostname", "dest_domain", "target_domain", "dns_query",
	},
	entity.TypeEmail: {
		"email", "sender", "recipient", "from_email", "to_email",
	},
	entity.TypeURL: {
		"url", "uri", "request_url", "referer", "redirect_url",
	},
}

var hashFields = []string{"md5", "sha1", "sha256", "file_hash", "hash"}

var (
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	urlPattern    = regexp.MustCompile(`\bhttps?://[^\s"']+`)
	md5Pattern    = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	sha1Pattern   = regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)
	sha256Pattern = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
)

var systemFilePrefixes = []string{
	`C:\Windows\System32`, `C:\Windows\SysWOW64`,
	`C:\Program Files`, `C:\Program Files (x86)`,
	"/usr/bin", "/bin", "/sbin", "/usr/sbin", "/lib", "/usr/lib",
}

var systemProcessNames = map[string]bool{
	"svchost.exe": true, "explorer.exe": true, "winlogon.exe": true,
	"csrss.exe": true, "lsass.exe": true, "systemd": true, "kernel": true,
}

var usernameBlocklist = map[string]bool{
	"null": true, "undefined": true, "anonymous": true, "guest": true,
}

var systemAccountNames = map[string]bool{
	"system": true, "administrator": true, "root": true, "admin": true, "service": true,
}

var privateIPBlocks = mustParseCIDRs("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, block)
	}
	return out
}

// Recognizer extracts entities from a raw telemetry payload.
type Recognizer struct {
	log *logrus.Entry
}

// New creates a Recognizer. log may be nil, in which case a silent logger is used.
func New(log *logrus.Entry) *Recognizer {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Recognizer{log: log}
}

// Recognize extracts entities from payload, first by known field name, then
// by free-text pattern matching over every string value in the payload,
// including the ones the structured pass already read. Entities are
// deduplicated by (type, id), first occurrence wins. A value that fails
// its type's validation rule is silently dropped rather than recognized.
func (r *Recognizer) Recognize(payload map[string]any, now time.Time) []*entity.Entity {
	seen := make(map[string]bool)
	var out []*entity.Entity

	add := func(t entity.Type, id string, confidence float64, valid func(string) bool) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if t == entity.TypeProcess {
			id = processBaseName(id)
			if id == "" {
				return
			}
		}
		if valid != nil && !valid(id) {
			return
		}
		key := string(t) + ":" + strings.ToLower(id)
		if seen[key] {
			return
		}
		seen[key] = true
		e := entity.New(t, id, confidence, now)
		r.annotate(e)
		out = append(out, e)
	}

	validators := map[entity.Type]func(string) bool{
		entity.TypeIP:      isValidIP,
		entity.TypeUser:    isValidUsername,
		entity.TypeFile:    isValidFilePath,
		entity.TypeProcess: nil,
		entity.TypeDomain:  isValidDomain,
		entity.TypeEmail:   isValidEmail,
		entity.TypeURL:     isValidURL,
	}

	for t, fields := range fieldsByType {
		valid := validators[t]
		for _, field := range fields {
			v, ok := payload[field]
			if !ok {
				continue
			}
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			add(t, s, 0.9, valid)
		}
	}
	for _, field := range hashFields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		add(entity.TypeFile, s, 0.9, isValidHash)
	}

	// Free-text sweep over every string value, structured fields included,
	// limited to entity types a regex can reliably delimit. Matches already
	// recognized above are dropped by the (type, id) dedup in add.
	for _, v := range payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, m := range ipPattern.FindAllString(s, -1) {
			add(entity.TypeIP, m, 0.6, isValidIP)
		}
		for _, m := range emailPattern.FindAllString(s, -1) {
			add(entity.TypeEmail, m, 0.6, isValidEmail)
		}
		for _, m := range urlPattern.FindAllString(s, -1) {
			add(entity.TypeURL, m, 0.6, isValidURL)
		}
		for _, m := range domainPattern.FindAllString(s, -1) {
			if emailPattern.MatchString(m) {
				continue
			}
			add(entity.TypeDomain, m, 0.5, isValidDomain)
		}
		for _, m := range sha256Pattern.FindAllString(s, -1) {
			add(entity.TypeFile, m, 0.7, isValidHash)
		}
		for _, m := range sha1Pattern.FindAllString(s, -1) {
			add(entity.TypeFile, m, 0.7, isValidHash)
		}
		for _, m := range md5Pattern.FindAllString(s, -1) {
			add(entity.TypeFile, m, 0.7, isValidHash)
		}
	}

	r.log.WithField("entity_count", len(out)).Debug("recognized entities from payload")
	return out
}

// annotate tags an entity with metadata derivable purely from its identity,
// consumed later by the scorer's per-type indicator checks.
func (r *Recognizer) annotate(e *entity.Entity) {
	switch e.Type {
	case entity.TypeIP:
		e.AddMetadata("isPrivate", isPrivateIP(e.ID))
	case entity.TypeUser:
		if systemAccountNames[strings.ToLower(e.ID)] {
			e.AddMetadata("isSystemAccount", true)
		}
	case entity.TypeFile:
		if isHash(e.ID) {
			e.AddMetadata("isHash", true)
			e.AddMetadata("hashType", hashTypeFor(e.ID))
		}
		if ext := fileExtensionOf(e.ID); ext != "" {
			e.AddMetadata("fileExtension", ext)
		}
		for _, prefix := range systemFilePrefixes {
			if strings.HasPrefix(e.ID, prefix) {
				e.AddMetadata("isSystemFile", true)
				break
			}
		}
	case entity.TypeProcess:
		if systemProcessNames[strings.ToLower(e.ID)] {
			e.AddMetadata("isSystemProcess", true)
		}
	}
}

func isHash(s string) bool {
	return md5Pattern.MatchString(s) || sha1Pattern.MatchString(s) || sha256Pattern.MatchString(s)
}

func isValidIP(id string) bool {
	return net.ParseIP(id) != nil
}

func isPrivateIP(id string) bool {
	ip := net.ParseIP(id)
	if ip == nil {
		return false
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isValidUsername(id string) bool {
	if len(id) < 2 || len(id) > 50 {
		return false
	}
	return !usernameBlocklist[strings.ToLower(id)]
}

// isValidFilePath accepts a POSIX absolute path or a Windows drive-letter
// path; a bare filename or relative path is not a recognizable file entity.
func isValidFilePath(id string) bool {
	if strings.HasPrefix(id, "/") {
		return true
	}
	if len(id) < 3 {
		return false
	}
	c := id[0]
	isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	return isLetter && id[1] == ':' && (id[2] == '\\' || id[2] == '/')
}

func fileExtensionOf(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 || idx == len(id)-1 {
		return ""
	}
	return strings.ToLower(id[idx+1:])
}

func isValidDomain(id string) bool {
	if len(id) < 4 || len(id) > 255 {
		return false
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return false
	}
	return !strings.Contains(id, "..")
}

func isValidEmail(id string) bool {
	at := strings.Index(id, "@")
	if at < 0 {
		return false
	}
	return strings.Contains(id[at+1:], ".")
}

func isValidURL(id string) bool {
	if len(id) <= 10 {
		return false
	}
	lower := strings.ToLower(id)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isValidHash(id string) bool {
	switch len(id) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, r := range id {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

func hashTypeFor(id string) string {
	switch len(id) {
	case 32:
		return "MD5"
	case 40:
		return "SHA1"
	case 64:
		return "SHA256"
	default:
		return ""
	}
}

// processBaseName reduces a process image path or command string to its
// final path component, which becomes the canonical process entity ID.
func processBaseName(id string) string {
	name := id
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimSpace(name)
}
