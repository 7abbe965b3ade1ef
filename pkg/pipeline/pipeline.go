// Package pipeline wires the recognizer, expansion engine, scorer, and
// response orchestrator into the single entry point external callers use:
// Analyze, BatchAnalyze, ManualRespond, HealthCheck, GetStatistics, and
// UpdateConfiguration.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
	"github.com/jordigilh/sentryscope/pkg/expansion"
	"github.com/jordigilh/sentryscope/pkg/metrics"
	"github.com/jordigilh/sentryscope/pkg/recognizer"
	"github.com/jordigilh/sentryscope/pkg/response"
	"github.com/jordigilh/sentryscope/pkg/scoring"
)

// Config bounds the pipeline's concurrency, timeouts, and response policy.
// It is the runtime counterpart to internal/config.Config.
type Config struct {
	MaxConcurrentProcessing int
	MaxConcurrentExpansion  int
	BatchTimeout            time.Duration
	MinConfidence           float64
	MaxConnectionsPerEntity int
	AutoRespondThreshold    float64
	Policy                  []response.Threshold

	// Stage toggles. A stage runs only when its flag is true; the zero
	// value disables it.
	EnableConnectionExpansion bool
	EnableRiskScoring         bool
	EnableAutoResponse        bool
}

// ConfigPatch carries a partial Config update; nil fields are left unchanged.
type ConfigPatch struct {
	MaxConcurrentProcessing *int
	MaxConcurrentExpansion  *int
	BatchTimeout            *time.Duration
	MinConfidence           *float64
	MaxConnectionsPerEntity *int
	AutoRespondThreshold    *float64
	Policy                  []response.Threshold

	EnableConnectionExpansion *bool
	EnableRiskScoring         *bool
	EnableAutoResponse        *bool
}

// EntityResult is the per-entity outcome of analyzing an event.
type EntityResult struct {
	Entity  *entity.Entity
	Actions []response.ActionResult
}

// EventResult is the outcome of analyzing a single telemetry event.
type EventResult struct {
	EventID     string
	EventType   string
	Entities    []*EntityResult
	RiskScore   float64
	Warnings    []string
	ProcessedAt time.Time
	Duration    time.Duration
}

// Statistics accumulates aggregate counters across the pipeline's lifetime.
type Statistics struct {
	mu                 sync.Mutex
	EventsProcessed    uint64
	EntitiesRecognized uint64
	ActionsDispatched  uint64
	Errors             uint64
	TotalDuration      time.Duration
}

func (s *Statistics) recordEvent(entityCount, actionCount int, warnings int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EventsProcessed++
	s.EntitiesRecognized += uint64(entityCount)
	s.ActionsDispatched += uint64(actionCount)
	s.Errors += uint64(warnings)
	s.TotalDuration += d
}

// Snapshot returns a copy of the current statistics, safe for concurrent use.
func (s *Statistics) Snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Statistics{
		EventsProcessed:    s.EventsProcessed,
		EntitiesRecognized: s.EntitiesRecognized,
		ActionsDispatched:  s.ActionsDispatched,
		Errors:             s.Errors,
		TotalDuration:      s.TotalDuration,
	}
}

// HealthStatus reports whether the pipeline and its collaborators are usable.
type HealthStatus struct {
	Healthy    bool
	Components map[string]bool
	Detail     string
}

// Pipeline is the analysis core's single entry point.
type Pipeline struct {
	recognizer   *recognizer.Recognizer
	expansion    *expansion.Engine
	scorer       *scoring.Scorer
	orchestrator *response.Orchestrator

	cfgMu sync.RWMutex
	cfg   Config

	stats *Statistics
	log   *logrus.Entry
}

// New assembles a Pipeline from its component stages.
func New(r *recognizer.Recognizer, exp *expansion.Engine, scorer *scoring.Scorer, orch *response.Orchestrator, cfg Config, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if cfg.MaxConcurrentProcessing <= 0 {
		cfg.MaxConcurrentProcessing = 10
	}
	if cfg.AutoRespondThreshold <= 0 {
		cfg.AutoRespondThreshold = 30
	}
	return &Pipeline{
		recognizer:   r,
		expansion:    exp,
		scorer:       scorer,
		orchestrator: orch,
		cfg:          cfg,
		stats:        &Statistics{},
		log:          log,
	}
}

func (p *Pipeline) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Analyze runs the full recognize-expand-score-respond pipeline for one
// telemetry payload and never returns an error. Expansion-method failures
// are absorbed into EventResult.Warnings; effector failures appear as failed
// ActionResults; threat-intel and ML failures during scoring are only logged.
func (p *Pipeline) Analyze(ctx context.Context, payload map[string]any, eventType string) EventResult {
	start := time.Now().UTC()
	eventID := uuid.New().String()
	cfg := p.config()

	entities := p.recognizer.Recognize(payload, start)
	for _, e := range entities {
		metrics.RecordEntityRecognized(string(e.Type))
	}

	byKey := make(map[string]*entity.Entity, len(entities))
	for _, e := range entities {
		byKey[e.Key()] = e
	}

	var warnings []string
	var warnMu sync.Mutex

	if cfg.EnableConnectionExpansion && p.expansion != nil {
		var discoveredMu sync.Mutex
		var discovered []*entity.Entity

		p.forEachEntity(entities, cfg.MaxConcurrentExpansion, func(e *entity.Entity) {
			w, d := p.expansion.Expand(ctx, e, byKey)
			if len(w) == 0 && len(d) == 0 {
				return
			}
			warnMu.Lock()
			warnings = append(warnings, w...)
			warnMu.Unlock()
			if len(d) > 0 {
				discoveredMu.Lock()
				discovered = append(discovered, d...)
				discoveredMu.Unlock()
			}
		})

		for _, e := range discovered {
			key := e.Key()
			if _, ok := byKey[key]; ok {
				continue
			}
			byKey[key] = e
			entities = append(entities, e)
		}
	}

	results := make([]*EntityResult, len(entities))
	for i, e := range entities {
		if cfg.EnableRiskScoring && p.scorer != nil {
			neighbors := p.neighborsOf(e, byKey)
			score := p.scorer.Score(ctx, e, neighbors)
			e.UpdateRiskScore(score, time.Now().UTC())
			e.UpdateStatus(entity.StatusScored, time.Now().UTC())
		}
		results[i] = &EntityResult{Entity: e}
	}

	actionCount := 0
	if cfg.EnableAutoResponse && p.orchestrator != nil {
		for _, r := range results {
			if r.Entity.RiskScore < cfg.AutoRespondThreshold {
				continue
			}
			r.Actions = p.orchestrator.Respond(ctx, r.Entity, r.Entity.RiskScore, map[string]any{"event_id": eventID})
			actionCount += len(r.Actions)
		}
	}

	eventScore := maxRiskScore(results)
	duration := time.Since(start)

	metrics.RecordAnalysisDuration(duration)
	p.stats.recordEvent(len(entities), actionCount, len(warnings), duration)

	return EventResult{
		EventID:     eventID,
		EventType:   eventType,
		Entities:    results,
		RiskScore:   eventScore,
		Warnings:    warnings,
		ProcessedAt: start,
		Duration:    duration,
	}
}

// forEachEntity runs fn over entities concurrently, bounded by maxConcurrent
// (unbounded when maxConcurrent <= 0).
func (p *Pipeline) forEachEntity(entities []*entity.Entity, maxConcurrent int, fn func(*entity.Entity)) {
	if len(entities) == 0 {
		return
	}
	if maxConcurrent <= 0 {
		maxConcurrent = len(entities)
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup
	for _, e := range entities {
		e := e
		wg.Add(1)
		_ = sem.Acquire(context.Background(), 1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			fn(e)
		}()
	}
	wg.Wait()
}

func (p *Pipeline) neighborsOf(target *entity.Entity, byKey map[string]*entity.Entity) []*entity.Entity {
	var neighbors []*entity.Entity
	seen := make(map[string]bool)
	for _, c := range target.Connections {
		key := string(c.TargetType) + ":" + c.TargetID
		if n, ok := byKey[key]; ok && !seen[key] {
			seen[key] = true
			neighbors = append(neighbors, n)
		}
	}
	return neighbors
}

func maxRiskScore(results []*EntityResult) float64 {
	var max float64
	for _, r := range results {
		if r.Entity.RiskScore > max {
			max = r.Entity.RiskScore
		}
	}
	return max
}

// BatchInput is one unit of work submitted to BatchAnalyze.
type BatchInput struct {
	Payload   map[string]any
	EventType string
}

// BatchAnalyze runs Analyze over every input, bounded by
// Config.MaxConcurrentProcessing and an overall Config.BatchTimeout deadline.
// Inputs not yet started when the deadline expires are omitted from the
// result; inputs already started run to completion under the expired
// context and are included.
func (p *Pipeline) BatchAnalyze(ctx context.Context, inputs []BatchInput) []EventResult {
	cfg := p.config()
	metrics.RecordBatchSize(len(inputs))

	if cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BatchTimeout)
		defer cancel()
	}

	maxConcurrent := cfg.MaxConcurrentProcessing
	if maxConcurrent <= 0 {
		maxConcurrent = len(inputs)
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	results := make([]*EventResult, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		i, in := i, in
		if err := sem.Acquire(ctx, 1); err != nil {
			// Deadline hit before a slot freed up; remaining inputs are skipped.
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r := p.Analyze(ctx, in.Payload, in.EventType)
			results[i] = &r
		}()
	}
	wg.Wait()

	out := make([]EventResult, 0, len(inputs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// ManualRespond dispatches an explicit action list against target, bypassing
// the policy table. Used for analyst-initiated response outside the normal
// score-driven flow.
func (p *Pipeline) ManualRespond(ctx context.Context, target *entity.Entity, actions []backends.Action, params map[string]any) []response.ActionResult {
	if p.orchestrator == nil {
		return nil
	}
	return p.orchestrator.RespondWithActions(ctx, target, actions, params)
}

// HealthCheck reports whether the pipeline's stages are configured and
// whether its error rate, counted over the pipeline's lifetime, is within
// tolerance.
func (p *Pipeline) HealthCheck(ctx context.Context) HealthStatus {
	components := map[string]bool{
		"recognizer":   p.recognizer != nil,
		"expansion":    p.expansion != nil,
		"scorer":       p.scorer != nil,
		"orchestrator": p.orchestrator != nil,
	}

	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
		}
	}

	snapshot := p.stats.Snapshot()
	detail := "ok"
	if snapshot.EventsProcessed > 0 {
		errorRate := float64(snapshot.Errors) / float64(snapshot.EventsProcessed)
		if errorRate > 0.5 {
			healthy = false
			detail = "error rate exceeds tolerance"
		}
	}

	return HealthStatus{Healthy: healthy, Components: components, Detail: detail}
}

// GetStatistics returns a snapshot of the pipeline's aggregate counters.
func (p *Pipeline) GetStatistics() Statistics {
	return p.stats.Snapshot()
}

// UpdateConfiguration applies a partial configuration update, rebuilding the
// response orchestrator's policy table when patch.Policy is supplied.
func (p *Pipeline) UpdateConfiguration(patch ConfigPatch) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if patch.MaxConcurrentProcessing != nil {
		p.cfg.MaxConcurrentProcessing = *patch.MaxConcurrentProcessing
	}
	if patch.MaxConcurrentExpansion != nil {
		p.cfg.MaxConcurrentExpansion = *patch.MaxConcurrentExpansion
	}
	if patch.BatchTimeout != nil {
		p.cfg.BatchTimeout = *patch.BatchTimeout
	}
	if patch.MinConfidence != nil {
		p.cfg.MinConfidence = *patch.MinConfidence
	}
	if patch.MaxConnectionsPerEntity != nil {
		p.cfg.MaxConnectionsPerEntity = *patch.MaxConnectionsPerEntity
	}
	if patch.AutoRespondThreshold != nil {
		p.cfg.AutoRespondThreshold = *patch.AutoRespondThreshold
	}
	if patch.EnableConnectionExpansion != nil {
		p.cfg.EnableConnectionExpansion = *patch.EnableConnectionExpansion
	}
	if patch.EnableRiskScoring != nil {
		p.cfg.EnableRiskScoring = *patch.EnableRiskScoring
	}
	if patch.EnableAutoResponse != nil {
		p.cfg.EnableAutoResponse = *patch.EnableAutoResponse
	}
	if patch.Policy != nil {
		p.cfg.Policy = patch.Policy
		if p.orchestrator != nil {
			p.orchestrator.SetPolicy(patch.Policy)
		}
	}
}
