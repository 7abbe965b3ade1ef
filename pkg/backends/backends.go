// Package backends defines the narrow collaborator interfaces the analysis
// core consumes but never implements: a graph store for connection
// expansion, a threat-intelligence lookup service, a timeseries store for
// anomaly/temporal queries, and response effectors. Concrete adapters for
// real systems (Neo4j, a threat-intel API, a timeseries database, a
// firewall/EDR/AD integration) live outside this module.
package backends

import (
	"context"

	"github.com/jordigilh/sentryscope/pkg/entity"
)

// RecordStream iterates rows returned by a GraphStore query.
type RecordStream interface {
	Next(ctx context.Context) (map[string]any, bool, error)
	Close() error
}

// GraphStore runs read-only graph queries for connection expansion. A
// GraphStore never mutates the graph; queryTemplate is expected to be a
// MATCH/OPTIONAL MATCH query, never a CREATE/MERGE/DELETE.
type GraphStore interface {
	Run(ctx context.Context, queryTemplate string, parameters map[string]any) (RecordStream, error)
}

// ThreatIntel resolves indicators against threat-intelligence feeds. A nil
// result with a nil error means the indicator was looked up and not found;
// it is distinct from an error, which signals the lookup itself failed.
type ThreatIntel interface {
	QueryIP(ctx context.Context, ip string) (*entity.ThreatIntelRecord, error)
	QueryDomain(ctx context.Context, domain string) (*entity.ThreatIntelRecord, error)
	QueryHash(ctx context.Context, hash string) (*entity.ThreatIntelRecord, error)
}

// RowIterator iterates rows returned by a Timeseries query.
type RowIterator interface {
	Next(ctx context.Context) (map[string]any, bool, error)
	Close() error
}

// Timeseries queries time-indexed event history for temporal/anomaly analysis.
type Timeseries interface {
	Query(ctx context.Context, query string, args ...any) (RowIterator, error)
}

// Action identifies a response action an Effector may be asked to perform.
type Action string

const (
	ActionBlockIP         Action = "block_ip"
	ActionUnblockIP       Action = "unblock_ip"
	ActionIsolateHost     Action = "isolate_host"
	ActionDisableUser     Action = "disable_user"
	ActionEnableUser      Action = "enable_user"
	ActionResetPassword   Action = "reset_password"
	ActionRevokeToken     Action = "revoke_token"
	ActionQuarantineFile  Action = "quarantine_file"
	ActionDeleteFile      Action = "delete_file"
	ActionRestoreFile     Action = "restore_file"
	ActionKillProcess     Action = "kill_process"
	ActionSuspendProcess  Action = "suspend_process"
	ActionSendAlert       Action = "send_alert"
	ActionCreateTicket    Action = "create_ticket"
	ActionNotifyAdmin     Action = "notify_admin"
	ActionCollectEvidence Action = "collect_evidence"
	ActionTakeSnapshot    Action = "take_snapshot"
	ActionDumpMemory      Action = "dump_memory"
)

// Effector performs a response action against a live system.
type Effector interface {
	// Name identifies the effector for logging and metrics.
	Name() string
	// CanHandle reports whether this effector can perform action for the given entity type.
	CanHandle(t entity.Type, action Action) bool
	// Execute performs action against e, returning whether it succeeded and a
	// human-readable detail message. Execute never returns an error for a
	// refused/failed action; failures are reported through the bool and the
	// message, consistent with the core's absorb-don't-propagate policy at
	// the effector boundary.
	Execute(ctx context.Context, e *entity.Entity, action Action, params map[string]any) (bool, string)
}

// MLModel is an optional scoring collaborator the Scorer consults for its
// single-point anomaly_behavior indicator when configured.
type MLModel interface {
	PredictAnomalyScore(ctx context.Context, features map[string]any) (float64, error)
}
