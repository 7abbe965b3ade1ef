// Package effectors provides the built-in response effectors: network
// blocking, directory-service account actions, endpoint detection and
// response actions, and outbound alerting. Each wraps an opaque HTTP
// endpoint and API key; none call out over the network here; the caller
// supplies an http.Client-shaped doer so tests never hit real infrastructure.
package effectors

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

// Doer performs a single outbound call to an effector's backing system. A
// real implementation wraps *http.Client; tests supply a stub.
type Doer interface {
	Do(ctx context.Context, endpoint string, payload map[string]any) (bool, string, error)
}

type base struct {
	name     string
	endpoint string
	apiKey   string
	doer     Doer
	log      *logrus.Entry
}

func (b *base) Name() string { return b.name }

func (b *base) execute(ctx context.Context, action backends.Action, payload map[string]any) (bool, string) {
	if b.doer == nil {
		return false, "no doer configured"
	}
	payload["api_key"] = b.apiKey
	payload["action"] = string(action)
	ok, detail, err := b.doer.Do(ctx, b.endpoint, payload)
	if err != nil {
		b.log.WithError(err).WithField("action", action).Warn("effector call failed")
		return false, err.Error()
	}
	return ok, detail
}

// NetworkBlock blocks and unblocks IP addresses at the network edge.
type NetworkBlock struct {
	base
}

// NewNetworkBlock creates a NetworkBlock effector.
func NewNetworkBlock(endpoint, apiKey string, doer Doer, log *logrus.Entry) *NetworkBlock {
	return &NetworkBlock{base{name: "network_block", endpoint: endpoint, apiKey: apiKey, doer: doer, log: logOrDefault(log)}}
}

func (n *NetworkBlock) CanHandle(t entity.Type, action backends.Action) bool {
	switch action {
	case backends.ActionBlockIP, backends.ActionUnblockIP:
		return t == entity.TypeIP
	default:
		return false
	}
}

func (n *NetworkBlock) Execute(ctx context.Context, e *entity.Entity, action backends.Action, params map[string]any) (bool, string) {
	payload := mergeParams(params, map[string]any{"target_id": e.ID, "target_type": string(e.Type)})
	return n.execute(ctx, action, payload)
}

// Directory performs account-level actions against a directory service.
type Directory struct {
	base
}

// NewDirectory creates a Directory effector.
func NewDirectory(endpoint, apiKey string, doer Doer, log *logrus.Entry) *Directory {
	return &Directory{base{name: "directory", endpoint: endpoint, apiKey: apiKey, doer: doer, log: logOrDefault(log)}}
}

func (d *Directory) CanHandle(t entity.Type, action backends.Action) bool {
	switch action {
	case backends.ActionDisableUser, backends.ActionEnableUser, backends.ActionResetPassword, backends.ActionRevokeToken:
		return t == entity.TypeUser
	default:
		return false
	}
}

func (d *Directory) Execute(ctx context.Context, e *entity.Entity, action backends.Action, params map[string]any) (bool, string) {
	payload := mergeParams(params, map[string]any{"username": e.ID})
	return d.execute(ctx, action, payload)
}

// Endpoint performs device, file, and process response actions against an
// EDR agent.
type Endpoint struct {
	base
}

// NewEndpoint creates an Endpoint effector.
func NewEndpoint(endpoint, apiKey string, doer Doer, log *logrus.Entry) *Endpoint {
	return &Endpoint{base{name: "endpoint", endpoint: endpoint, apiKey: apiKey, doer: doer, log: logOrDefault(log)}}
}

func (e *Endpoint) CanHandle(t entity.Type, action backends.Action) bool {
	switch action {
	case backends.ActionIsolateHost, backends.ActionTakeSnapshot, backends.ActionDumpMemory:
		return t == entity.TypeDevice
	case backends.ActionQuarantineFile, backends.ActionDeleteFile, backends.ActionRestoreFile:
		return t == entity.TypeFile
	case backends.ActionKillProcess, backends.ActionSuspendProcess:
		return t == entity.TypeProcess
	default:
		return false
	}
}

func (e *Endpoint) Execute(ctx context.Context, ent *entity.Entity, action backends.Action, params map[string]any) (bool, string) {
	payload := mergeParams(params, map[string]any{"target_id": ent.ID, "target_type": string(ent.Type)})
	return e.execute(ctx, action, payload)
}

// AlertOut sends alerts, tickets, and evidence requests for any entity type;
// it is the fallback effector for the notification-class actions.
type AlertOut struct {
	base
}

// NewAlertOut creates an AlertOut effector.
func NewAlertOut(endpoint, apiKey string, doer Doer, log *logrus.Entry) *AlertOut {
	return &AlertOut{base{name: "alert_out", endpoint: endpoint, apiKey: apiKey, doer: doer, log: logOrDefault(log)}}
}

func (a *AlertOut) CanHandle(t entity.Type, action backends.Action) bool {
	switch action {
	case backends.ActionSendAlert, backends.ActionCreateTicket, backends.ActionNotifyAdmin, backends.ActionCollectEvidence:
		return true
	default:
		return false
	}
}

func (a *AlertOut) Execute(ctx context.Context, e *entity.Entity, action backends.Action, params map[string]any) (bool, string) {
	payload := mergeParams(params, map[string]any{
		"entity_id":    e.ID,
		"entity_type":  string(e.Type),
		"risk_score":   e.RiskScore,
		"threat_level": string(e.ThreatLevel),
	})
	return a.execute(ctx, action, payload)
}

func mergeParams(params map[string]any, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(extra))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func logOrDefault(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.NewEntry(logrus.New())
	}
	return log
}
