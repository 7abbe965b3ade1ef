package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordigilh/sentryscope/pkg/backends/testutil"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

func TestScoreWithNoIndicatorsIsLow(t *testing.T) {
	s := New(nil, nil, nil)
	target := entity.New(entity.TypeUser, "jdoe", 0.8, time.Now())

	score := s.Score(context.Background(), target, nil)

	assert.Less(t, score, 50.0)
}

func TestScoreWithThreatIntelMatchIsHigher(t *testing.T) {
	ti := testutil.NewFakeThreatIntel()
	ti.Records["10.0.0.2"] = &entity.ThreatIntelRecord{ThreatType: "malware", Confidence: 1.0}
	s := New(ti, nil, nil)

	clean := entity.New(entity.TypeIP, "10.0.0.1", 0.8, time.Now())
	flagged := entity.New(entity.TypeIP, "10.0.0.2", 0.8, time.Now())

	cleanScore := s.Score(context.Background(), clean, nil)
	flaggedScore := s.Score(context.Background(), flagged, nil)

	assert.Greater(t, flaggedScore, cleanScore)
}

func TestScoreIPWithHighSeverityThreatIntelExceedsThreshold(t *testing.T) {
	ti := testutil.NewFakeThreatIntel()
	ti.Records["10.0.0.2"] = &entity.ThreatIntelRecord{ThreatType: "apt", Confidence: 1.0}
	s := New(ti, nil, nil)
	target := entity.New(entity.TypeIP, "10.0.0.2", 0.8, time.Now())

	score := s.Score(context.Background(), target, nil)

	assert.Greater(t, score, 70.0)
}

func TestAnomalyIndicatorCombinesMetadataConnectionsAndMLModel(t *testing.T) {
	ml := &testutil.FakeMLModel{Score: 0.95}
	s := New(nil, ml, nil)
	target := entity.New(entity.TypeUser, "jdoe", 0.8, time.Now())
	target.AddMetadata("isAnomaly", true)
	target.AddMetadata("anomalyType", "data_exfiltration")

	score := s.anomalyIndicator(context.Background(), target)

	assert.Equal(t, 0.95, score)
	assert.Equal(t, 1, ml.Calls)
}

func TestAnomalyIndicatorFallsBackToConnectionFlag(t *testing.T) {
	s := New(nil, nil, nil)
	target := entity.New(entity.TypeUser, "jdoe", 0.8, time.Now())
	target.Connections = append(target.Connections, entity.Connection{
		Metadata: map[string]any{"anomalyRelated": true},
	})

	score := s.anomalyIndicator(context.Background(), target)

	assert.Equal(t, 0.6, score)
}

func TestBlacklistIndicatorScansSerializedMetadata(t *testing.T) {
	target := entity.New(entity.TypeFile, "payload.exe", 0.8, time.Now())
	target.AddMetadata("note", "flagged as malicious by upstream scanner")

	assert.Equal(t, 0.8, blacklistIndicator(target))

	clean := entity.New(entity.TypeFile, "report.pdf", 0.8, time.Now())
	assert.Equal(t, 0.0, blacklistIndicator(clean))
}

func TestTypeIndicatorsIP(t *testing.T) {
	internal := entity.New(entity.TypeIP, "10.0.0.1", 0.8, time.Now())
	internal.AddMetadata("isPrivate", true)
	assert.Equal(t, 0.2, typeIndicators(internal)["internal_ip"])

	external := entity.New(entity.TypeIP, "8.8.8.8", 0.8, time.Now())
	assert.Equal(t, 0.4, typeIndicators(external)["external_ip"])

	scanning := entity.New(entity.TypeIP, "8.8.8.9", 0.8, time.Now())
	scanning.AddMetadata("portScanning", true)
	scanning.AddMetadata("ddosBehavior", true)
	ind := typeIndicators(scanning)
	assert.Equal(t, 0.7, ind["port_scanning"])
	assert.Equal(t, 0.8, ind["ddos_behavior"])
}

func TestTypeIndicatorsUser(t *testing.T) {
	target := entity.New(entity.TypeUser, "jdoe", 0.8, time.Now())
	target.AddMetadata("privilegeEscalation", true)
	target.AddMetadata("lateralMovement", true)

	ind := typeIndicators(target)
	assert.Equal(t, 0.8, ind["privilege_escalation"])
	assert.Equal(t, 0.7, ind["lateral_movement"])
	assert.NotContains(t, ind, "login_anomaly")
}

func TestTypeIndicatorsFileRequiresBothSystemAndModifiedFlags(t *testing.T) {
	target := entity.New(entity.TypeFile, "ntoskrnl.exe", 0.8, time.Now())
	target.AddMetadata("isSystemFile", true)
	assert.NotContains(t, typeIndicators(target), "system_file_modification")

	target.AddMetadata("modified", true)
	assert.Equal(t, 0.9, typeIndicators(target)["system_file_modification"])
}

func TestTypeIndicatorsFileExtensions(t *testing.T) {
	exe := entity.New(entity.TypeFile, "payload.exe", 0.8, time.Now())
	exe.AddMetadata("fileExtension", "exe")
	assert.Equal(t, 0.6, typeIndicators(exe)["executable_file"])

	doc := entity.New(entity.TypeFile, "invoice.pdf", 0.8, time.Now())
	doc.AddMetadata("fileExtension", "pdf")
	assert.Equal(t, 0.3, typeIndicators(doc)["document_file"])
}

func TestTypeIndicatorsProcessSuspiciousCommand(t *testing.T) {
	target := entity.New(entity.TypeProcess, "proc-1", 0.8, time.Now())
	target.AddMetadata("commandLine", `powershell -enc SGVsbG8=`)

	assert.Equal(t, 0.6, typeIndicators(target)["suspicious_command"])
}

func TestTypeIndicatorsDomainDGAAndSuspiciousTLD(t *testing.T) {
	dga := entity.New(entity.TypeDomain, "xqzwplkjmfbtnhrsdvcaoeiuxqzwplkj.com", 0.8, time.Now())
	assert.Equal(t, 0.8, typeIndicators(dga)["dga_domain"])

	tld := entity.New(entity.TypeDomain, "example.tk", 0.8, time.Now())
	assert.Equal(t, 0.4, typeIndicators(tld)["suspicious_tld"])
}

func TestTypeIndicatorsDomainPhishing(t *testing.T) {
	target := entity.New(entity.TypeDomain, "paypal-secure-login.com", 0.8, time.Now())
	assert.Equal(t, 0.9, typeIndicators(target)["phishing_domain"])

	legit := entity.New(entity.TypeDomain, "paypal.com", 0.8, time.Now())
	assert.NotContains(t, typeIndicators(legit), "phishing_domain")
}

func TestMultiPointScoreRequiresNeighbors(t *testing.T) {
	s := New(nil, nil, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.8, time.Now())
	target.AddMetadata("brute_force", true)

	soloScore := s.Score(context.Background(), target, nil)
	withNeighborsScore := s.Score(context.Background(), target, []*entity.Entity{
		entity.New(entity.TypeDevice, "dev-1", 0.8, time.Now()),
	})

	assert.NotEqual(t, soloScore, withNeighborsScore)
}

func TestTimeCorrelationWeightsTightClustersHigher(t *testing.T) {
	s := New(nil, nil, nil)
	base := time.Now()

	tight := entity.New(entity.TypeIP, "10.0.0.1", 0.8, base)
	tight.Timeline = []entity.TimelineEntry{
		{Timestamp: base},
		{Timestamp: base.Add(time.Second)},
		{Timestamp: base.Add(2 * time.Second)},
	}

	spread := entity.New(entity.TypeIP, "10.0.0.2", 0.8, base)
	spread.Timeline = []entity.TimelineEntry{
		{Timestamp: base},
		{Timestamp: base.Add(2 * time.Hour)},
		{Timestamp: base.Add(5 * time.Hour)},
	}

	tightScore := s.timeCorrelation(tight, nil)
	spreadScore := s.timeCorrelation(spread, nil)

	assert.Greater(t, tightScore, spreadScore)
	assert.LessOrEqual(t, tightScore, 1.0)
}

func TestTimeCorrelationRequiresTwoTimestamps(t *testing.T) {
	s := New(nil, nil, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.8, time.Now())

	assert.Equal(t, 0.0, s.timeCorrelation(target, nil))
}

func TestGraphCorrelationRewardsConnectivityAndDiversity(t *testing.T) {
	s := New(nil, nil, nil)
	now := time.Now()

	target := entity.New(entity.TypeIP, "10.0.0.1", 0.8, now)
	neighborA := entity.New(entity.TypeUser, "jdoe", 0.8, now)
	neighborB := entity.New(entity.TypeDevice, "dev-1", 0.8, now)

	sparse := s.graphCorrelation(target, []*entity.Entity{neighborA, neighborB})

	target.Connections = append(target.Connections, entity.Connection{
		TargetType: entity.TypeUser, TargetID: "jdoe", Relationship: "ACCESSES", Timestamp: now,
	})
	neighborA.Connections = append(neighborA.Connections, entity.Connection{
		TargetType: entity.TypeDevice, TargetID: "dev-1", Relationship: "BELONGS_TO", Timestamp: now,
	})

	dense := s.graphCorrelation(target, []*entity.Entity{neighborA, neighborB})

	assert.Greater(t, dense, sparse)
	assert.LessOrEqual(t, dense, 1.0)
}

func TestSequenceCorrelationScoresKnownAttackChain(t *testing.T) {
	s := New(nil, nil, nil)
	now := time.Now()

	target := entity.New(entity.TypeUser, "jdoe", 0.8, now)
	target.AddMetadata("anomalyType", "login_anomaly")

	neighborA := entity.New(entity.TypeDevice, "dev-1", 0.8, now)
	neighborA.AddMetadata("anomalyType", "privilege_escalation")

	neighborB := entity.New(entity.TypeDevice, "dev-2", 0.8, now)
	neighborB.AddMetadata("anomalyType", "lateral_movement")

	score := s.sequenceCorrelation(target, []*entity.Entity{neighborA, neighborB})
	assert.Equal(t, 1.0, score)
}

func TestSequenceCorrelationIsZeroWithoutPatterns(t *testing.T) {
	s := New(nil, nil, nil)
	target := entity.New(entity.TypeUser, "clean", 0.8, time.Now())

	assert.Equal(t, 0.0, s.sequenceCorrelation(target, nil))
}

func TestSigmoidIsBoundedAndMonotonic(t *testing.T) {
	low := sigmoid(0)
	mid := sigmoid(50)
	high := sigmoid(200)

	assert.True(t, low < mid)
	assert.True(t, mid < high)
	assert.Equal(t, 50.0, mid)
	assert.Less(t, high, 100.0)
	assert.Greater(t, low, 0.0)
}
