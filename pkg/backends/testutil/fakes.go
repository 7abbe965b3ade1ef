// Package testutil provides in-memory fakes for the backends interfaces,
// in the style of the teacher's FakeK8sClient/FakeSLMClient test doubles.
package testutil

import (
	"context"
	"sync"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

// sliceStream adapts a pre-built slice of rows to backends.RecordStream / RowIterator.
type sliceStream struct {
	rows []map[string]any
	pos  int
}

func (s *sliceStream) Next(ctx context.Context) (map[string]any, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *sliceStream) Close() error { return nil }

// FakeGraphStore returns pre-programmed rows keyed by query template, and can
// be told to fail for a given template.
type FakeGraphStore struct {
	mu        sync.Mutex
	Rows      map[string][]map[string]any
	FailFor   map[string]error
	CallCount map[string]int
}

// NewFakeGraphStore creates an empty FakeGraphStore.
func NewFakeGraphStore() *FakeGraphStore {
	return &FakeGraphStore{
		Rows:      make(map[string][]map[string]any),
		FailFor:   make(map[string]error),
		CallCount: make(map[string]int),
	}
}

func (f *FakeGraphStore) Run(ctx context.Context, queryTemplate string, parameters map[string]any) (backends.RecordStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount[queryTemplate]++
	if err, ok := f.FailFor[queryTemplate]; ok {
		return nil, err
	}
	return &sliceStream{rows: f.Rows[queryTemplate]}, nil
}

// FakeThreatIntel returns pre-programmed records keyed by indicator.
type FakeThreatIntel struct {
	mu        sync.Mutex
	Records   map[string]*entity.ThreatIntelRecord
	FailFor   map[string]error
	CallCount int
}

// NewFakeThreatIntel creates an empty FakeThreatIntel.
func NewFakeThreatIntel() *FakeThreatIntel {
	return &FakeThreatIntel{
		Records: make(map[string]*entity.ThreatIntelRecord),
		FailFor: make(map[string]error),
	}
}

func (f *FakeThreatIntel) query(indicator string) (*entity.ThreatIntelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount++
	if err, ok := f.FailFor[indicator]; ok {
		return nil, err
	}
	return f.Records[indicator], nil
}

func (f *FakeThreatIntel) QueryIP(ctx context.Context, ip string) (*entity.ThreatIntelRecord, error) {
	return f.query(ip)
}

func (f *FakeThreatIntel) QueryDomain(ctx context.Context, domain string) (*entity.ThreatIntelRecord, error) {
	return f.query(domain)
}

func (f *FakeThreatIntel) QueryHash(ctx context.Context, hash string) (*entity.ThreatIntelRecord, error) {
	return f.query(hash)
}

// FakeTimeseries returns pre-programmed rows keyed by query string.
type FakeTimeseries struct {
	mu      sync.Mutex
	Rows    map[string][]map[string]any
	FailFor map[string]error
}

// NewFakeTimeseries creates an empty FakeTimeseries.
func NewFakeTimeseries() *FakeTimeseries {
	return &FakeTimeseries{
		Rows:    make(map[string][]map[string]any),
		FailFor: make(map[string]error),
	}
}

func (f *FakeTimeseries) Query(ctx context.Context, query string, args ...any) (backends.RowIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailFor[query]; ok {
		return nil, err
	}
	return &sliceStream{rows: f.Rows[query]}, nil
}

// FakeMLModel returns a fixed anomaly score, or an error if set.
type FakeMLModel struct {
	Score float64
	Err   error
	Calls int
	mu    sync.Mutex
}

func (f *FakeMLModel) PredictAnomalyScore(ctx context.Context, features map[string]any) (float64, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Score, nil
}

// FakeEffector is a configurable backends.Effector test double.
type FakeEffector struct {
	NameValue    string
	HandlesFunc  func(t entity.Type, action backends.Action) bool
	ExecuteFunc  func(ctx context.Context, e *entity.Entity, action backends.Action, params map[string]any) (bool, string)
	ExecuteCalls []backends.Action
	mu           sync.Mutex
}

func (f *FakeEffector) Name() string { return f.NameValue }

func (f *FakeEffector) CanHandle(t entity.Type, action backends.Action) bool {
	if f.HandlesFunc == nil {
		return true
	}
	return f.HandlesFunc(t, action)
}

func (f *FakeEffector) Execute(ctx context.Context, e *entity.Entity, action backends.Action, params map[string]any) (bool, string) {
	f.mu.Lock()
	f.ExecuteCalls = append(f.ExecuteCalls, action)
	f.mu.Unlock()
	if f.ExecuteFunc == nil {
		return true, "ok"
	}
	return f.ExecuteFunc(ctx, e, action, params)
}
