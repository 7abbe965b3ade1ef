// Package response maps a risk score to a set of policy-driven actions and
// dispatches them concurrently, priority-ordered, to whichever registered
// effector can handle each (entity type, action) pair.
package response

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
	"github.com/jordigilh/sentryscope/pkg/metrics"
)

// Status reports the outcome of dispatching a single action.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Threshold maps a minimum score to the actions it triggers.
type Threshold struct {
	MinScore float64
	Actions  []backends.Action
}

// DefaultPolicy is the score-to-action table used when none is configured.
var DefaultPolicy = []Threshold{
	{MinScore: 30, Actions: []backends.Action{backends.ActionSendAlert}},
	{MinScore: 50, Actions: []backends.Action{backends.ActionSendAlert, backends.ActionCollectEvidence}},
	{MinScore: 70, Actions: []backends.Action{backends.ActionSendAlert, backends.ActionCreateTicket, backends.ActionCollectEvidence}},
	{MinScore: 85, Actions: []backends.Action{backends.ActionBlockIP, backends.ActionSendAlert, backends.ActionCreateTicket, backends.ActionNotifyAdmin}},
	{MinScore: 95, Actions: []backends.Action{
		backends.ActionBlockIP, backends.ActionDisableUser, backends.ActionIsolateHost,
		backends.ActionSendAlert, backends.ActionCreateTicket, backends.ActionNotifyAdmin, backends.ActionCollectEvidence,
	}},
}

// ActionPriority orders actions for dispatch; lower runs first. Actions not
// listed run last, in the order the policy table emitted them.
var ActionPriority = map[backends.Action]int{
	backends.ActionBlockIP:         1,
	backends.ActionIsolateHost:     1,
	backends.ActionDisableUser:     2,
	backends.ActionKillProcess:     2,
	backends.ActionQuarantineFile:  3,
	backends.ActionSendAlert:       4,
	backends.ActionCreateTicket:    5,
	backends.ActionNotifyAdmin:     5,
	backends.ActionCollectEvidence: 6,
}

// statusOrder maps an action to the entity status it establishes on
// success. Checked in the order below, first match wins.
var statusOrder = []struct {
	action backends.Action
	status entity.Status
}{
	{backends.ActionBlockIP, entity.StatusBlocked},
	{backends.ActionDisableUser, entity.StatusBleedingStop},
	{backends.ActionQuarantineFile, entity.StatusBlocked},
	{backends.ActionIsolateHost, entity.StatusBlocked},
}

// ActionResult is the outcome of dispatching one action for one entity.
type ActionResult struct {
	Action backends.Action
	Status Status
	Detail string
}

// Orchestrator selects actions from the policy table and dispatches them to
// registered effectors.
type Orchestrator struct {
	policyMu  sync.RWMutex
	policy    []Threshold
	effectors []backends.Effector
	timeout   time.Duration
	log       *logrus.Entry
}

// New creates an Orchestrator. policy may be nil, in which case DefaultPolicy is used.
func New(policy []Threshold, effectors []backends.Effector, timeout time.Duration, log *logrus.Entry) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Orchestrator{policy: policy, effectors: effectors, timeout: timeout, log: log}
}

// SetPolicy replaces the orchestrator's policy table, taking effect for
// every Respond call made after it returns.
func (o *Orchestrator) SetPolicy(policy []Threshold) {
	o.policyMu.Lock()
	defer o.policyMu.Unlock()
	o.policy = policy
}

// ActionsFor returns the highest-threshold policy row's actions whose
// MinScore does not exceed score.
func (o *Orchestrator) ActionsFor(score float64) []backends.Action {
	o.policyMu.RLock()
	defer o.policyMu.RUnlock()
	var actions []backends.Action
	for _, th := range o.policy {
		if score >= th.MinScore {
			actions = th.Actions
		}
	}
	return actions
}

// Respond dispatches the actions implied by score against target, in
// priority order, concurrently within each priority tier, updating target's
// status per statusOrder once dispatch completes. params is passed through
// to every effector invocation unmodified.
func (o *Orchestrator) Respond(ctx context.Context, target *entity.Entity, score float64, params map[string]any) []ActionResult {
	actions := o.ActionsFor(score)
	return o.RespondWithActions(ctx, target, actions, params)
}

// RespondWithActions dispatches an explicit action list, used both by
// Respond and by manual response requests that bypass the policy table.
func (o *Orchestrator) RespondWithActions(ctx context.Context, target *entity.Entity, actions []backends.Action, params map[string]any) []ActionResult {
	ordered := make([]backends.Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityOf(ordered[i]) < priorityOf(ordered[j])
	})

	results := make([]ActionResult, len(ordered))
	for start := 0; start < len(ordered); {
		end := start + 1
		for end < len(ordered) && priorityOf(ordered[end]) == priorityOf(ordered[start]) {
			end++
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i, action := i, ordered[i]
			g.Go(func() error {
				results[i] = o.dispatch(gctx, target, action, params)
				return nil
			})
		}
		_ = g.Wait()
		start = end
	}

	if status, ok := statusFor(results); ok {
		target.UpdateStatus(status, time.Now().UTC())
	}

	return results
}

// statusFor picks the entity status implied by results' successful actions,
// checking statusOrder in order (first match wins) before falling back to
// Investigated for any other successful action. ok is false when nothing
// succeeded, in which case target's status is left untouched.
func statusFor(results []ActionResult) (entity.Status, bool) {
	for _, entry := range statusOrder {
		for _, r := range results {
			if r.Action == entry.action && r.Status == StatusSucceeded {
				return entry.status, true
			}
		}
	}
	for _, r := range results {
		if r.Status == StatusSucceeded {
			return entity.StatusInvestigated, true
		}
	}
	return "", false
}

func priorityOf(a backends.Action) int {
	if p, ok := ActionPriority[a]; ok {
		return p
	}
	return len(ActionPriority)
}

func (o *Orchestrator) dispatch(ctx context.Context, target *entity.Entity, action backends.Action, params map[string]any) ActionResult {
	effector := o.find(target.Type, action)
	if effector == nil {
		o.log.WithFields(logrus.Fields{"entity_id": target.ID, "action": action}).Warn("no suitable effector")
		metrics.RecordResponseAction(string(action), string(StatusFailed))
		return ActionResult{Action: action, Status: StatusFailed, Detail: "no suitable effector"}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ok, detail := effector.Execute(ctx, target, action, params)
	status := StatusFailed
	if ok {
		status = StatusSucceeded
	}
	metrics.RecordResponseAction(string(action), string(status))
	return ActionResult{Action: action, Status: status, Detail: detail}
}

func (o *Orchestrator) find(t entity.Type, action backends.Action) backends.Effector {
	for _, eff := range o.effectors {
		if eff.CanHandle(t, action) {
			return eff
		}
	}
	return nil
}
