// Package scoring computes an entity's risk score from single-point
// indicators (metadata, threat intelligence, and per-type signals observed
// directly on the entity) and multi-point correlation (time proximity,
// graph connectivity, and known attack-sequence matching against its
// neighbors), then combines the two into a single 0-100 score.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

// entityBaseScores is the starting risk score for each entity type before
// any single-point indicator is applied.
var entityBaseScores = map[entity.Type]float64{
	entity.TypeIP:      20,
	entity.TypeUser:    15,
	entity.TypeFile:    25,
	entity.TypeProcess: 20,
	entity.TypeDevice:  10,
	entity.TypeDomain:  30,
	entity.TypeEmail:   15,
	entity.TypeURL:     25,
}

const defaultBaseScore = 20

func baseScoreFor(t entity.Type) float64 {
	if s, ok := entityBaseScores[t]; ok {
		return s
	}
	return defaultBaseScore
}

// indicatorWeights weighs a single-point indicator's contribution to the
// weighted average that composes the single-point score. Indicators not
// listed here, including every per-type indicator typeIndicators emits that
// has no entry of its own, default to defaultIndicatorWeight.
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

func weightFor(indicator string) float64 {
	if w, ok := indicatorWeights[indicator]; ok {
		return w
	}
	return defaultIndicatorWeight
}

// threatSeverityScores maps a threat-intel threat type to the 0-100
// severity the threat_intel_match indicator scales by confidence.
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

// behaviorPatternScores maps an observed anomaly/behavior pattern to the
// 0-100 severity the anomaly_behavior indicator scales from.
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

const defaultBehaviorPattern = 50

func behaviorScoreFor(pattern string) float64 {
	if s, ok := behaviorPatternScores[pattern]; ok {
		return s
	}
	return defaultBehaviorPattern
}

var blacklistKeywords = []string{"malicious", "suspicious", "blocked", "quarantined"}

// genericFlagIndicators lists top-level indicators with no dedicated
// per-type or collaborator-backed producer; they are read directly off the
// entity's metadata bag as a typed-accessor fallback.
var genericFlagIndicators = []string{
	"suspicious_file", "malicious_domain", "vulnerability_exploit",
	"data_exfiltration", "brute_force",
}

var executableExtensions = map[string]bool{
	"exe": true, "bat": true, "ps1": true, "sh": true, "scr": true, "vbs": true,
}

var documentExtensions = map[string]bool{
	"doc": true, "docx": true, "pdf": true, "xls": true, "xlsx": true,
}

var suspiciousCommandTokens = []string{"powershell", "cmd.exe", "wmic", "netsh", "reg.exe"}

var suspiciousTLDs = map[string]bool{"tk": true, "ml": true, "ga": true, "cf": true}

var phishingBrands = []string{"paypal", "google", "microsoft", "apple", "amazon"}

// multi-point combination weights; sum to 1.0.
const (
	timeCorrelationWeight     = 0.30
	graphCorrelationWeight    = 0.35
	sequenceCorrelationWeight = 0.35
)

// singleWeight and multiWeight combine single- and multi-point scores into
// the final risk score whenever multi-point evidence exists.
const (
	singleWeight = 0.4
	multiWeight  = 0.6
)

// attackSequences are the attack chains the sequence-correlation component
// scores target and its neighbors' observed behavior patterns against.
var attackSequences = [][]string{
	{"login_anomaly", "privilege_escalation", "lateral_movement"},
	{"malware", "process_injection", "network_anomaly"},
	{"phishing", "credential_theft", "data_exfiltration"},
	{"vulnerability_exploit", "backdoor", "persistence"},
}

// Scorer computes risk scores for entities.
type Scorer struct {
	threatIntel backends.ThreatIntel
	mlModel     backends.MLModel
	log         *logrus.Entry
}

// New creates a Scorer. threatIntel and mlModel may be nil, in which case
// the scorer degrades to metadata-only indicators.
func New(threatIntel backends.ThreatIntel, mlModel backends.MLModel, log *logrus.Entry) *Scorer {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Scorer{threatIntel: threatIntel, mlModel: mlModel, log: log}
}

// Score computes target's risk score given its already-expanded neighbors.
func (s *Scorer) Score(ctx context.Context, target *entity.Entity, neighbors []*entity.Entity) float64 {
	single := s.singlePointScore(ctx, target)
	multi := s.multiPointScore(target, neighbors)

	if multi == 0 {
		return single
	}
	return clampScore(singleWeight*single + multiWeight*multi)
}

// singlePointScore computes the weighted average of every indicator that
// fired for target, applies it as 80% of its contribution atop the entity
// type's base score, and sigmoid-normalizes the result into [0,100]. If no
// indicator fired, the score is the base score itself: sigmoid is never
// applied to an empty indicator set.
func (s *Scorer) singlePointScore(ctx context.Context, target *entity.Entity) float64 {
	indicators := map[string]float64{}

	if v := s.threatIntelIndicator(ctx, target); v > 0 {
		indicators["threat_intel_match"] = v
	}
	if v := s.anomalyIndicator(ctx, target); v > 0 {
		indicators["anomaly_behavior"] = v
	}
	if v := blacklistIndicator(target); v > 0 {
		indicators["blacklist_match"] = v
	}
	for name, v := range typeIndicators(target) {
		indicators[name] = v
	}
	for name, v := range genericIndicators(target) {
		if _, ok := indicators[name]; !ok {
			indicators[name] = v
		}
	}

	if len(indicators) == 0 {
		return baseScoreFor(target.Type)
	}

	var weightedScore, totalWeight float64
	for name, value := range indicators {
		w := weightFor(name)
		weightedScore += w * value * 100
		totalWeight += w
	}
	if totalWeight == 0 {
		return baseScoreFor(target.Type)
	}

	indicatorScore := weightedScore / totalWeight
	raw := baseScoreFor(target.Type) + indicatorScore*0.8
	return clampScore(sigmoid(raw))
}

// threatIntelIndicator queries the threat-intelligence collaborator for
// target's own indicator and scores the match by severity*confidence.
func (s *Scorer) threatIntelIndicator(ctx context.Context, target *entity.Entity) float64 {
	if s.threatIntel == nil {
		return 0
	}

	var rec *entity.ThreatIntelRecord
	var err error
	switch target.Type {
	case entity.TypeIP:
		rec, err = s.threatIntel.QueryIP(ctx, target.ID)
	case entity.TypeDomain:
		rec, err = s.threatIntel.QueryDomain(ctx, target.ID)
	case entity.TypeFile:
		if isHash, _ := target.Metadata["isHash"].(bool); isHash {
			rec, err = s.threatIntel.QueryHash(ctx, target.ID)
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("entity_id", target.ID).Warn("threat intel lookup failed during scoring")
		return 0
	}
	if rec == nil || rec.ThreatType == "" {
		return 0
	}

	severity := defaultThreatSeverity
	if v, ok := threatSeverityScores[rec.ThreatType]; ok {
		severity = v
	}
	return (severity / 100) * rec.Confidence
}

// anomalyIndicator scores target's own anomaly metadata, any neighbor
// connection flagged anomaly-related, and an optional ML model's
// prediction, taking the strongest of the three.
func (s *Scorer) anomalyIndicator(ctx context.Context, target *entity.Entity) float64 {
	var score float64

	if isAnomaly, _ := target.Metadata["isAnomaly"].(bool); isAnomaly {
		anomalyType, _ := target.Metadata["anomalyType"].(string)
		if anomalyType == "" {
			anomalyType = "general"
		}
		score = behaviorScoreFor(anomalyType) / 100
	}

	for _, c := range target.Connections {
		if related, _ := c.Metadata["anomalyRelated"].(bool); related && score < 0.6 {
			score = 0.6
		}
	}

	if s.mlModel != nil {
		ml, err := s.mlModel.PredictAnomalyScore(ctx, map[string]any{
			"entity_id":   target.ID,
			"entity_type": string(target.Type),
		})
		if err != nil {
			s.log.WithError(err).WithField("entity_id", target.ID).Warn("ml anomaly prediction failed during scoring")
		} else if ml > score {
			score = ml
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// blacklistIndicator flags target if any blacklist keyword appears anywhere
// in its metadata bag's serialized form.
func blacklistIndicator(target *entity.Entity) float64 {
	text := strings.ToLower(fmt.Sprintf("%v", target.Metadata))
	for _, kw := range blacklistKeywords {
		if strings.Contains(text, kw) {
			return 0.8
		}
	}
	return 0
}

// genericIndicators reads top-level indicators that have no dedicated
// producer directly off target's metadata, as a bool flag or an explicit
// intensity value.
func genericIndicators(target *entity.Entity) map[string]float64 {
	out := map[string]float64{}
	for _, name := range genericFlagIndicators {
		switch v := target.Metadata[name].(type) {
		case bool:
			if v {
				out[name] = 1.0
			}
		case float64:
			out[name] = v
		}
	}
	return out
}

// typeIndicators implements the per-entity-type indicator checks: IP,
// User, File, Process, and Domain each expose a distinct set of signals
// derived from metadata the recognizer and expansion stages populate.
func typeIndicators(target *entity.Entity) map[string]float64 {
	ind := map[string]float64{}

	switch target.Type {
	case entity.TypeIP:
		if isPrivate, _ := target.Metadata["isPrivate"].(bool); isPrivate {
			ind["internal_ip"] = 0.2
		} else {
			ind["external_ip"] = 0.4
		}
		if b, _ := target.Metadata["suspiciousLocation"].(bool); b {
			ind["suspicious_location"] = 0.6
		}
		if b, _ := target.Metadata["portScanning"].(bool); b {
			ind["port_scanning"] = 0.7
		}
		if b, _ := target.Metadata["ddosBehavior"].(bool); b {
			ind["ddos_behavior"] = 0.8
		}

	case entity.TypeUser:
		if b, _ := target.Metadata["privilegeEscalation"].(bool); b {
			ind["privilege_escalation"] = 0.8
		}
		if b, _ := target.Metadata["loginAnomaly"].(bool); b {
			ind["login_anomaly"] = 0.6
		}
		if b, _ := target.Metadata["lateralMovement"].(bool); b {
			ind["lateral_movement"] = 0.7
		}
		if b, _ := target.Metadata["dataAccessAnomaly"].(bool); b {
			ind["data_access_anomaly"] = 0.5
		}

	case entity.TypeFile:
		ext, _ := target.Metadata["fileExtension"].(string)
		ext = strings.ToLower(ext)
		if executableExtensions[ext] {
			ind["executable_file"] = 0.6
		}
		if documentExtensions[ext] {
			ind["document_file"] = 0.3
		}
		isSystemFile, _ := target.Metadata["isSystemFile"].(bool)
		modified, _ := target.Metadata["modified"].(bool)
		if isSystemFile && modified {
			ind["system_file_modification"] = 0.9
		}
		if b, _ := target.Metadata["encryptedPacked"].(bool); b {
			ind["encrypted_packed"] = 0.5
		}
		isHash, _ := target.Metadata["isHash"].(bool)
		threatMatch, _ := target.Metadata["threat_intel_match"].(bool)
		if isHash && threatMatch {
			ind["malicious_hash"] = 0.9
		}

	case entity.TypeProcess:
		isSystemProcess, _ := target.Metadata["isSystemProcess"].(bool)
		anomalous, _ := target.Metadata["anomalous"].(bool)
		if isSystemProcess && anomalous {
			ind["system_process_anomaly"] = 0.8
		}
		if b, _ := target.Metadata["processInjection"].(bool); b {
			ind["process_injection"] = 0.9
		}
		if b, _ := target.Metadata["suspiciousNetwork"].(bool); b {
			ind["suspicious_network"] = 0.7
		}
		if cmd, ok := target.Metadata["commandLine"].(string); ok && hasSuspiciousCommandToken(cmd) {
			ind["suspicious_command"] = 0.6
		}

	case entity.TypeDomain:
		if b, _ := target.Metadata["newDomain"].(bool); b {
			ind["new_domain"] = 0.6
		}
		if isDGADomain(target.ID) {
			ind["dga_domain"] = 0.8
		}
		if isPhishingDomain(target.ID) {
			ind["phishing_domain"] = 0.9
		}
		if suspiciousTLDs[domainTLD(target.ID)] {
			ind["suspicious_tld"] = 0.4
		}
	}

	return ind
}

func hasSuspiciousCommandToken(cmd string) bool {
	cmd = strings.ToLower(cmd)
	for _, tok := range suspiciousCommandTokens {
		if strings.Contains(cmd, tok) {
			return true
		}
	}
	return false
}

// isDGADomain flags domains whose length and consonant/vowel ratio resemble
// algorithmically generated names.
func isDGADomain(domain string) bool {
	if len(domain) <= 20 {
		return false
	}
	var consonants, vowels int
	for _, r := range strings.ToLower(domain) {
		switch {
		case strings.ContainsRune("aeiou", r):
			vowels++
		case r >= 'a' && r <= 'z':
			consonants++
		}
	}
	return consonants > 2*vowels
}

// isPhishingDomain flags a domain that references a known brand without
// being that brand's own domain.
func isPhishingDomain(domain string) bool {
	lower := strings.ToLower(domain)
	for _, brand := range phishingBrands {
		if strings.Contains(lower, brand) && !strings.HasSuffix(lower, brand+".com") {
			return true
		}
	}
	return false
}

func domainTLD(domain string) string {
	idx := strings.LastIndex(domain, ".")
	if idx < 0 || idx == len(domain)-1 {
		return ""
	}
	return strings.ToLower(domain[idx+1:])
}

// sigmoid normalizes a raw additive score into [0,100], centered at raw=50.
func sigmoid(raw float64) float64 {
	return 100 / (1 + math.Exp(-(raw-50)/20))
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// multiPointScore combines time proximity, graph connectivity, and
// attack-sequence matching across target's neighbors. Returns 0 when there
// are no neighbors to correlate against.
func (s *Scorer) multiPointScore(target *entity.Entity, neighbors []*entity.Entity) float64 {
	if len(neighbors) == 0 {
		return 0
	}

	t := s.timeCorrelation(target, neighbors)
	g := s.graphCorrelation(target, neighbors)
	seq := s.sequenceCorrelation(target, neighbors)

	combined := timeCorrelationWeight*t + graphCorrelationWeight*g + sequenceCorrelationWeight*seq
	return clampScore(combined * 100)
}

// timeCorrelation sorts every timeline and connection timestamp across
// target and neighbors and scores how tightly clustered they are: low
// variance between consecutive events yields a score near 1, spread-out
// events decay toward 0. Returns 0 when fewer than two timestamps exist.
func (s *Scorer) timeCorrelation(target *entity.Entity, neighbors []*entity.Entity) float64 {
	var timestamps []time.Time
	timestamps = append(timestamps, entityTimestamps(target)...)
	for _, n := range neighbors {
		timestamps = append(timestamps, entityTimestamps(n)...)
	}
	if len(timestamps) < 2 {
		return 0
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	deltas := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		deltas = append(deltas, timestamps[i].Sub(timestamps[i-1]).Seconds())
	}

	mean := meanOf(deltas)
	variance := varianceOf(deltas, mean)

	correlation := 1 / (1 + math.Sqrt(variance)/3600)
	if correlation > 1 {
		correlation = 1
	}
	return correlation
}

func entityTimestamps(e *entity.Entity) []time.Time {
	out := make([]time.Time, 0, len(e.Timeline)+len(e.Connections))
	for _, t := range e.Timeline {
		out = append(out, t.Timestamp)
	}
	for _, c := range e.Connections {
		out = append(out, c.Timestamp)
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}

// graphCorrelation blends target-plus-neighbors connectivity density
// (actual edges among the set over all possible pairs) with type diversity
// (distinct entity types observed, capped at 4).
func (s *Scorer) graphCorrelation(target *entity.Entity, neighbors []*entity.Entity) float64 {
	all := make([]*entity.Entity, 0, len(neighbors)+1)
	all = append(all, target)
	all = append(all, neighbors...)

	n := len(all)
	if n < 2 {
		return 0
	}

	keys := make(map[string]bool, n)
	for _, e := range all {
		keys[e.Key()] = true
	}

	var actual int
	for _, e := range all {
		reached := make(map[string]bool)
		for _, c := range e.Connections {
			k := string(c.TargetType) + ":" + c.TargetID
			if k != e.Key() && keys[k] {
				reached[k] = true
			}
		}
		actual += len(reached)
	}

	possible := float64(n*(n-1)) / 2
	connectivity := float64(actual) / possible

	types := make(map[entity.Type]bool, n)
	for _, e := range all {
		types[e.Type] = true
	}
	diversity := float64(len(types)) / 4
	if diversity > 1 {
		diversity = 1
	}

	score := 0.7*connectivity + 0.3*diversity
	if score > 1 {
		score = 1
	}
	return score
}

// sequenceCorrelation collects the anomaly types and edge relationships
// observed across target and neighbors, then scores each of the four known
// attack sequences by how many of those behavior patterns reference one of
// its steps, divided by the sequence length. Returns the best-matching
// sequence's score.
func (s *Scorer) sequenceCorrelation(target *entity.Entity, neighbors []*entity.Entity) float64 {
	all := make([]*entity.Entity, 0, len(neighbors)+1)
	all = append(all, target)
	all = append(all, neighbors...)

	var patterns []string
	for _, e := range all {
		if t, ok := e.Metadata["anomalyType"].(string); ok && t != "" {
			patterns = append(patterns, strings.ToLower(t))
		}
		for _, c := range e.Connections {
			rel := strings.ToUpper(c.Relationship)
			if strings.Contains(rel, "ANOMALY") || strings.Contains(rel, "THREAT") {
				patterns = append(patterns, strings.ToLower(c.Relationship))
			}
		}
	}
	if len(patterns) == 0 {
		return 0
	}

	var best float64
	for _, seq := range attackSequences {
		var matched int
		for _, pattern := range patterns {
			for _, token := range seq {
				if strings.Contains(pattern, token) {
					matched++
					break
				}
			}
		}
		score := float64(matched) / float64(len(seq))
		if score > best {
			best = score
		}
	}
	if best > 1 {
		best = 1
	}
	return best
}
