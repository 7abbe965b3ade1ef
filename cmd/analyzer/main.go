// Command analyzer wires the SentryScope pipeline to a YAML configuration
// file and runs a one-shot analysis of a JSON telemetry payload read from
// stdin, printing the resulting risk assessment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/sentryscope/internal/config"
	"github.com/jordigilh/sentryscope/internal/resilience"
	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/expansion"
	"github.com/jordigilh/sentryscope/pkg/pipeline"
	"github.com/jordigilh/sentryscope/pkg/recognizer"
	"github.com/jordigilh/sentryscope/pkg/response"
	"github.com/jordigilh/sentryscope/pkg/scoring"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file; defaults are used when omitted")
	eventType := flag.String("event-type", "generic", "event type label attached to the analyzed payload")
	flag.Parse()

	log := logrus.New()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		cfg = loaded
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var payload map[string]any
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil && err != io.EOF {
		log.WithError(err).Fatal("failed to decode payload from stdin")
	}

	breaker := resilience.NewManager(resilience.Settings{
		MaxFailures:      cfg.Resilience.MaxFailures,
		Interval:         cfg.Resilience.Interval,
		OpenStateTimeout: cfg.Resilience.OpenStateTimeout,
	})

	r := recognizer.New(log.WithField("component", "recognizer"))
	exp := expansion.New(nil, nil, nil, breaker, expansion.Config{
		MaxConnectionsPerEntity: cfg.Processing.MaxConnectionsPerEntity,
		MinConfidence:           cfg.Processing.MinConfidence,
		BackendTimeout:          cfg.Processing.BackendTimeout,
	}, log.WithField("component", "expansion"))
	sc := scoring.New(nil, nil, log.WithField("component", "scoring"))

	var thresholds []response.Threshold
	for _, t := range cfg.Policy.Thresholds {
		thresholds = append(thresholds, response.Threshold{MinScore: t.MinScore, Actions: toActions(t.Actions)})
	}
	orch := response.New(thresholds, nil, cfg.Processing.EffectorTimeout, log.WithField("component", "response"))

	p := pipeline.New(r, exp, sc, orch, pipeline.Config{
		MaxConcurrentProcessing:   cfg.Processing.MaxConcurrentProcessing,
		MaxConcurrentExpansion:    cfg.Processing.MaxConcurrentExpansion,
		BatchTimeout:              cfg.Processing.BatchTimeout,
		MinConfidence:             cfg.Processing.MinConfidence,
		MaxConnectionsPerEntity:   cfg.Processing.MaxConnectionsPerEntity,
		EnableConnectionExpansion: cfg.Processing.EnableConnectionExpansion,
		EnableRiskScoring:         cfg.Processing.EnableRiskScoring,
		EnableAutoResponse:        cfg.Processing.EnableAutoResponse,
	}, log.WithField("component", "pipeline"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := p.Analyze(ctx, payload, *eventType)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.WithError(err).Fatal("failed to encode result")
	}
}

func toActions(names []string) []backends.Action {
	actions := make([]backends.Action, len(names))
	for i, n := range names {
		actions[i] = backends.Action(n)
	}
	return actions
}
