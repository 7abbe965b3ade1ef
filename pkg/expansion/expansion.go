// Package expansion discovers connections between a recognized entity and
// its neighbors by concurrently querying a graph store, a threat
// intelligence feed, and a timeseries store for anomalous and temporally
// correlated activity. Results are deduplicated, confidence-filtered,
// capped per entity, and mirrored as REVERSE_ edges on any neighbor entity,
// existing or newly discovered.
package expansion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/sentryscope/internal/resilience"
	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

// Graph query templates, one per source entity type, matching the
// relationships an asset-expansion pass follows. LIMIT values are carried
// over from the reference implementation these were distilled from.
const (
	QueryAssetForIP     = `MATCH (ip:IP {address: $indicator}) OPTIONAL MATCH (ip)-[:BELONGS_TO]->(device:Device) OPTIONAL MATCH (ip)-[:COMMUNICATES_WITH]->(peer:IP) RETURN ip, device, peer LIMIT 20`
	QueryAssetForUser   = `MATCH (u:User {username: $indicator}) OPTIONAL MATCH (u)-[:USES]->(device:Device) OPTIONAL MATCH (u)-[:ACCESSES]->(resource) RETURN u, device, resource LIMIT 30`
	QueryAssetForDevice = `MATCH (d:Device {id: $indicator}) OPTIONAL MATCH (d)-[:HAS_IP]->(ip:IP) OPTIONAL MATCH (d)-[:RUNS_PROCESS]->(p:Process) RETURN d, ip, p LIMIT 25`
	QueryAssetForFile   = `MATCH (f:File {hash: $indicator}) OPTIONAL MATCH (f)-[:EXECUTED_BY]->(p:Process) OPTIONAL MATCH (f)-[:LOCATED_ON]->(device:Device) RETURN f, p, device LIMIT 20`
)

// Timeseries query templates for the anomaly-detection pass, one per source
// entity type; each looks for anomalous counterpart activity over a window
// sized to how quickly that counterpart's behavior is expected to drift.
const (
	QueryAnomalousLoginIPsForUser    = "SELECT target_type, target_id, relationship, confidence FROM anomaly_events WHERE entity_type = 'user' AND entity_id = ? AND window_start >= ? ORDER BY score DESC LIMIT 10"
	QueryAnomalousUsernamesForIP     = "SELECT target_type, target_id, relationship, confidence FROM anomaly_events WHERE entity_type = 'ip' AND entity_id = ? AND window_start >= ? ORDER BY score DESC LIMIT 15"
	QueryAnomalousProcessesForDevice = "SELECT target_type, target_id, relationship, confidence FROM anomaly_events WHERE entity_type = 'device' AND entity_id = ? AND window_start >= ? ORDER BY score DESC LIMIT 10"
)

// Timeseries query templates for the temporal-correlation pass.
const (
	QueryTemporalPeersForIP   = "SELECT target_type, target_id, relationship, confidence FROM event_log WHERE entity_id = ? AND relationship = ? AND ts >= ? GROUP BY target_id HAVING COUNT(*) > 5 ORDER BY COUNT(*) DESC LIMIT 20"
	QueryTemporalFilesForUser = "SELECT target_type, target_id, relationship, confidence FROM event_log WHERE entity_id = ? AND relationship = ? AND ts >= ? GROUP BY target_id HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC LIMIT 15"
)

// anomalyWindowFor returns how far back expandAnomaly looks for target's
// type, and the query template to run.
func anomalyWindowFor(t entity.Type) (string, time.Duration, bool) {
	switch t {
	case entity.TypeUser:
		return QueryAnomalousLoginIPsForUser, 7 * 24 * time.Hour, true
	case entity.TypeIP:
		return QueryAnomalousUsernamesForIP, 24 * time.Hour, true
	case entity.TypeDevice:
		return QueryAnomalousProcessesForDevice, 12 * time.Hour, true
	default:
		return "", 0, false
	}
}

// temporalWindowFor returns the query, relationship, and lookback window
// expandTemporal uses for target's type.
func temporalWindowFor(t entity.Type) (string, string, time.Duration, bool) {
	switch t {
	case entity.TypeIP:
		return QueryTemporalPeersForIP, "COMMUNICATES_WITH", 24 * time.Hour, true
	case entity.TypeUser:
		return QueryTemporalFilesForUser, "ACCESSES", 24 * time.Hour, true
	default:
		return "", "", 0, false
	}
}

// RelationshipWeights maps a relationship name to the confidence it
// contributes when no per-row confidence is reported by the backend.
var RelationshipWeights = map[string]float64{
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

const defaultRelationshipWeight = 0.5

func weightFor(relationship string) float64 {
	if w, ok := RelationshipWeights[relationship]; ok {
		return w
	}
	return defaultRelationshipWeight
}

// Config bounds the expansion engine's behavior.
type Config struct {
	MaxConnectionsPerEntity int
	MinConfidence           float64
	BackendTimeout          time.Duration
}

// Engine discovers connections for a recognized entity.
type Engine struct {
	graph       backends.GraphStore
	threatIntel backends.ThreatIntel
	timeseries  backends.Timeseries
	breaker     *resilience.Manager
	cfg         Config
	log         *logrus.Entry
}

// New creates an Engine. Any of graph, threatIntel, or timeseries may be nil,
// in which case the corresponding expansion method is skipped. breaker may
// also be nil, in which case backend calls run without circuit breaking.
func New(graph backends.GraphStore, threatIntel backends.ThreatIntel, timeseries backends.Timeseries, breaker *resilience.Manager, cfg Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if cfg.MaxConnectionsPerEntity <= 0 {
		cfg.MaxConnectionsPerEntity = 50
	}
	return &Engine{graph: graph, threatIntel: threatIntel, timeseries: timeseries, breaker: breaker, cfg: cfg, log: log}
}

type candidate struct {
	conn       entity.Connection
	confidence float64
}

// Expand discovers connections for target, merges them with its existing
// connections, and mirrors a REVERSE_ edge onto every neighbor found: an
// existing entry in byKey, or else a newly constructed entity returned in
// discovered. byKey is read-only here; the caller is responsible for
// folding discovered into it once the concurrent expansion phase for every
// entity in the event has completed. Expand never returns an error:
// per-method failures are absorbed and reported in the returned warnings.
func (e *Engine) Expand(ctx context.Context, target *entity.Entity, byKey map[string]*entity.Entity) ([]string, []*entity.Entity) {
	var warnings []string
	var mu sync.Mutex
	var candidates []candidate

	record := func(method string, cs []candidate, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("expansion method %s failed for %s: %v", method, target.Key(), err))
			return
		}
		candidates = append(candidates, cs...)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cs, err := e.expandAsset(gctx, target)
		record("asset", cs, err)
		return nil
	})
	g.Go(func() error {
		cs, err := e.expandThreatIntel(gctx, target)
		record("threat_intel", cs, err)
		return nil
	})
	g.Go(func() error {
		cs, err := e.expandAnomaly(gctx, target)
		record("anomaly", cs, err)
		return nil
	})
	g.Go(func() error {
		cs, err := e.expandTemporal(gctx, target)
		record("temporal", cs, err)
		return nil
	})

	_ = g.Wait()

	kept := e.mergeAndFilter(target, candidates)
	now := time.Now().UTC()
	var discovered []*entity.Entity

	for _, c := range kept {
		target.AddConnection(c.conn)

		key := string(c.conn.TargetType) + ":" + c.conn.TargetID
		neighbor, ok := byKey[key]
		if !ok {
			neighbor = entity.New(c.conn.TargetType, c.conn.TargetID, c.confidence, now)
			neighbor.AddMetadata("expansionSource", target.Key())
			neighbor.AddMetadata("relationshipType", c.conn.Relationship)
			discovered = append(discovered, neighbor)
		}
		neighbor.AddConnection(entity.Connection{
			TargetType:   target.Type,
			TargetID:     target.ID,
			Relationship: entity.ReverseConnectionPrefix + c.conn.Relationship,
			Timestamp:    c.conn.Timestamp,
		})
	}

	return warnings, discovered
}

// mergeAndFilter deduplicates by (targetType, targetID) so that at most one
// edge survives per neighbor, drops candidates below MinConfidence, and
// caps the result at MaxConnectionsPerEntity, preferring the
// highest-confidence candidates.
func (e *Engine) mergeAndFilter(target *entity.Entity, candidates []candidate) []candidate {
	type key struct {
		t  entity.Type
		id string
	}
	existing := make(map[key]bool, len(target.Connections))
	for _, c := range target.Connections {
		existing[key{c.TargetType, c.TargetID}] = true
	}

	seen := make(map[key]bool)
	var kept []candidate
	for _, c := range candidates {
		if c.confidence < e.cfg.MinConfidence {
			continue
		}
		k := key{c.conn.TargetType, c.conn.TargetID}
		if existing[k] || seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, c)
	}

	// Highest confidence first so truncation below keeps the best evidence.
	for i := 1; i < len(kept); i++ {
		for j := i; j > 0 && kept[j].confidence > kept[j-1].confidence; j-- {
			kept[j], kept[j-1] = kept[j-1], kept[j]
		}
	}

	room := e.cfg.MaxConnectionsPerEntity - len(target.Connections)
	if room < 0 {
		room = 0
	}
	if len(kept) > room {
		kept = kept[:room]
	}

	return kept
}

func (e *Engine) callGraph(ctx context.Context, queryTemplate string, params map[string]any) (backends.RecordStream, error) {
	if e.graph == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	run := func(ctx context.Context) (backends.RecordStream, error) {
		return e.graph.Run(ctx, queryTemplate, params)
	}
	if e.breaker == nil {
		return run(ctx)
	}
	return resilience.Call(e.breaker, ctx, "graph_store", run)
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.BackendTimeout <= 0 {
		return 5 * time.Second
	}
	return e.cfg.BackendTimeout
}

// expandAsset queries the graph store for directly related assets.
func (e *Engine) expandAsset(ctx context.Context, target *entity.Entity) ([]candidate, error) {
	var queryTemplate string
	switch target.Type {
	case entity.TypeIP:
		queryTemplate = QueryAssetForIP
	case entity.TypeUser:
		queryTemplate = QueryAssetForUser
	case entity.TypeDevice:
		queryTemplate = QueryAssetForDevice
	case entity.TypeFile:
		queryTemplate = QueryAssetForFile
	default:
		return nil, nil
	}

	stream, err := e.callGraph(ctx, queryTemplate, map[string]any{"indicator": target.ID})
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, nil
	}
	defer stream.Close()

	return readCandidates(ctx, stream, target)
}

// expandThreatIntel queries threat intelligence for the target's own indicator.
func (e *Engine) expandThreatIntel(ctx context.Context, target *entity.Entity) ([]candidate, error) {
	if e.threatIntel == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var fetch func(context.Context) (*entity.ThreatIntelRecord, error)
	switch target.Type {
	case entity.TypeIP:
		fetch = func(ctx context.Context) (*entity.ThreatIntelRecord, error) { return e.threatIntel.QueryIP(ctx, target.ID) }
	case entity.TypeDomain:
		fetch = func(ctx context.Context) (*entity.ThreatIntelRecord, error) { return e.threatIntel.QueryDomain(ctx, target.ID) }
	case entity.TypeFile:
		fetch = func(ctx context.Context) (*entity.ThreatIntelRecord, error) { return e.threatIntel.QueryHash(ctx, target.ID) }
	default:
		return nil, nil
	}

	var rec *entity.ThreatIntelRecord
	var err error
	if e.breaker == nil {
		rec, err = fetch(ctx)
	} else {
		rec, err = resilience.Call(e.breaker, ctx, "threat_intel", fetch)
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	target.AddMetadata("threat_intel_match", true)
	target.AddMetadata("threat_intel_severity", rec.Severity)

	if rec.Indicator == "" || rec.Indicator == target.ID {
		return nil, nil
	}

	return []candidate{{
		conn: entity.Connection{
			TargetType:   entity.TypeFile,
			TargetID:     rec.Indicator,
			Relationship: "THREAT_INTEL_RELATED",
			Timestamp:    time.Now().UTC(),
			Metadata:     map[string]any{"threat_type": rec.ThreatType, "source": rec.Source},
		},
		confidence: weightFor("THREAT_INTEL_RELATED") * rec.Confidence,
	}}, nil
}

// expandAnomaly queries the timeseries store for behaviorally anomalous
// counterparts, using the window and query appropriate to target's type.
// Entity types with no anomaly-correlation query defined are skipped.
func (e *Engine) expandAnomaly(ctx context.Context, target *entity.Entity) ([]candidate, error) {
	query, window, ok := anomalyWindowFor(target.Type)
	if !ok {
		return nil, nil
	}
	windowStart := time.Now().UTC().Add(-window)
	return e.queryTimeseries(ctx, "anomaly", query, target, target.ID, windowStart)
}

// expandTemporal queries the timeseries store for counterparts the target
// interacted with repeatedly within a recent window, using the relationship
// and lookback appropriate to target's type. Entity types with no temporal
// query defined are skipped.
func (e *Engine) expandTemporal(ctx context.Context, target *entity.Entity) ([]candidate, error) {
	query, relationship, window, ok := temporalWindowFor(target.Type)
	if !ok {
		return nil, nil
	}
	windowStart := time.Now().UTC().Add(-window)
	return e.queryTimeseries(ctx, "temporal", query, target, target.ID, relationship, windowStart)
}

func (e *Engine) queryTimeseries(ctx context.Context, breakerName, query string, target *entity.Entity, args ...any) ([]candidate, error) {
	if e.timeseries == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	run := func(ctx context.Context) (backends.RowIterator, error) {
		return e.timeseries.Query(ctx, query, args...)
	}
	var rows backends.RowIterator
	var err error
	if e.breaker == nil {
		rows, err = run(ctx)
	} else {
		rows, err = resilience.Call(e.breaker, ctx, breakerName, run)
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	return readCandidates(ctx, rows, target)
}

// rowSource is satisfied by both backends.RecordStream and backends.RowIterator.
type rowSource interface {
	Next(ctx context.Context) (map[string]any, bool, error)
}

func readCandidates(ctx context.Context, src rowSource, target *entity.Entity) ([]candidate, error) {
	var out []candidate
	for {
		row, ok, err := src.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		c, ok := candidateFromRow(row, target)
		if ok {
			out = append(out, c)
		}
	}
}

func candidateFromRow(row map[string]any, target *entity.Entity) (candidate, bool) {
	targetTypeRaw, _ := row["target_type"].(string)
	targetID, _ := row["target_id"].(string)
	relationship, _ := row["relationship"].(string)
	if targetTypeRaw == "" || targetID == "" || relationship == "" {
		return candidate{}, false
	}
	if targetTypeRaw == string(target.Type) && targetID == target.ID {
		return candidate{}, false
	}

	confidence := weightFor(relationship)
	if v, ok := row["confidence"].(float64); ok {
		confidence = v
	}

	meta, _ := row["metadata"].(map[string]any)

	return candidate{
		conn: entity.Connection{
			TargetType:   entity.Type(targetTypeRaw),
			TargetID:     targetID,
			Relationship: relationship,
			Timestamp:    time.Now().UTC(),
			Metadata:     meta,
		},
		confidence: confidence,
	}, true
}
