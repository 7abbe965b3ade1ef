package expansion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/sentryscope/internal/resilience"
	"github.com/jordigilh/sentryscope/pkg/backends/testutil"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

func newTarget() *entity.Entity {
	return entity.New(entity.TypeIP, "10.0.0.5", 0.9, time.Now().UTC())
}

func TestExpandMergesAssetConnections(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "BELONGS_TO"},
		{"target_type": "ip", "target_id": "10.0.0.6", "relationship": "COMMUNICATES_WITH"},
	}

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	warnings, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Empty(t, warnings)
	require.Len(t, target.Connections, 2)
	assert.Len(t, discovered, 2)
}

func TestExpandDedupesAgainstExistingConnections(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "BELONGS_TO"},
	}

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()
	target.AddConnection(entity.Connection{TargetType: entity.TypeDevice, TargetID: "dev-1", Relationship: "BELONGS_TO", Timestamp: time.Now()})

	e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Len(t, target.Connections, 1)
}

func TestExpandFiltersBelowMinConfidence(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "ACCESSES", "confidence": 0.1},
	}

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.5}, nil)
	target := newTarget()

	e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Empty(t, target.Connections)
}

func TestExpandCapsAtMaxConnections(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	var rows []map[string]any
	for i := 0; i < 10; i++ {
		rows = append(rows, map[string]any{
			"target_type":  "device",
			"target_id":    string(rune('a' + i)),
			"relationship": "ACCESSES",
			"confidence":   0.9,
		})
	}
	graph.Rows[QueryAssetForIP] = rows

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1, MaxConnectionsPerEntity: 3}, nil)
	target := newTarget()

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Len(t, target.Connections, 3)
	assert.Len(t, discovered, 3)
}

func TestExpandEstablishesReverseConnection(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "BELONGS_TO"},
	}

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()
	neighbor := entity.New(entity.TypeDevice, "dev-1", 0.8, time.Now().UTC())

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{neighbor.Key(): neighbor})

	require.Len(t, neighbor.Connections, 1)
	assert.Equal(t, "REVERSE_BELONGS_TO", neighbor.Connections[0].Relationship)
	assert.Empty(t, discovered, "neighbor already present in byKey should not be rediscovered")
}

func TestExpandReturnsNewlyDiscoveredNeighbor(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "BELONGS_TO"},
	}

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	require.Len(t, discovered, 1)
	neighbor := discovered[0]
	assert.Equal(t, entity.TypeDevice, neighbor.Type)
	assert.Equal(t, "dev-1", neighbor.ID)
	require.Len(t, neighbor.Connections, 1)
	assert.Equal(t, "REVERSE_BELONGS_TO", neighbor.Connections[0].Relationship)
	assert.Equal(t, target.Key(), neighbor.Metadata["expansionSource"])
}

func TestExpandThreatIntelAddsMetadata(t *testing.T) {
	ti := testutil.NewFakeThreatIntel()
	ti.Records["10.0.0.5"] = &entity.ThreatIntelRecord{Indicator: "10.0.0.5", ThreatType: "c2", Confidence: 0.9, Severity: "high"}

	e := New(nil, ti, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Equal(t, true, target.Metadata["threat_intel_match"])
	assert.Equal(t, "high", target.Metadata["threat_intel_severity"])
}

func TestExpandAbsorbsBackendErrorsAsWarnings(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.FailFor[QueryAssetForIP] = errors.New("graph unavailable")

	e := New(graph, nil, nil, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	warnings, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "asset")
	assert.Empty(t, target.Connections)
	assert.Empty(t, discovered)
}

func TestExpandWithCircuitBreaker(t *testing.T) {
	graph := testutil.NewFakeGraphStore()
	graph.Rows[QueryAssetForIP] = []map[string]any{
		{"target_type": "device", "target_id": "dev-1", "relationship": "BELONGS_TO"},
	}
	breaker := resilience.NewManager(resilience.Settings{MaxFailures: 3, Interval: time.Second, OpenStateTimeout: time.Second})

	e := New(graph, nil, nil, breaker, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	warnings, _ := e.Expand(context.Background(), target, map[string]*entity.Entity{})
	assert.Empty(t, warnings)
	assert.Len(t, target.Connections, 1)
}

func TestExpandAnomalyUsesPerTypeQueryForUser(t *testing.T) {
	ts := testutil.NewFakeTimeseries()
	ts.Rows[QueryAnomalousLoginIPsForUser] = []map[string]any{
		{"target_type": "ip", "target_id": "203.0.113.9", "relationship": "ANOMALY_RELATED", "confidence": 0.7},
	}

	e := New(nil, nil, ts, nil, Config{MinConfidence: 0.1}, nil)
	target := entity.New(entity.TypeUser, "jdoe", 0.9, time.Now().UTC())

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	require.Len(t, discovered, 1)
	assert.Equal(t, "203.0.113.9", discovered[0].ID)
}

func TestExpandAnomalySkipsTypesWithoutAQuery(t *testing.T) {
	ts := testutil.NewFakeTimeseries()
	ts.Rows[QueryAnomalousLoginIPsForUser] = []map[string]any{
		{"target_type": "ip", "target_id": "203.0.113.9", "relationship": "ANOMALY_RELATED", "confidence": 0.7},
	}

	e := New(nil, nil, ts, nil, Config{MinConfidence: 0.1}, nil)
	target := entity.New(entity.TypeFile, "report.pdf", 0.9, time.Now().UTC())

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	assert.Empty(t, discovered)
}

func TestExpandTemporalUsesPerTypeQueryForIP(t *testing.T) {
	ts := testutil.NewFakeTimeseries()
	ts.Rows[QueryTemporalPeersForIP] = []map[string]any{
		{"target_type": "ip", "target_id": "198.51.100.4", "relationship": "COMMUNICATES_WITH", "confidence": 0.8},
	}

	e := New(nil, nil, ts, nil, Config{MinConfidence: 0.1}, nil)
	target := newTarget()

	_, discovered := e.Expand(context.Background(), target, map[string]*entity.Entity{})

	require.Len(t, discovered, 1)
	assert.Equal(t, "198.51.100.4", discovered[0].ID)
}
