package effectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

type fakeDoer struct {
	ok      bool
	detail  string
	err     error
	lastURL string
	lastPayload map[string]any
}

func (f *fakeDoer) Do(ctx context.Context, endpoint string, payload map[string]any) (bool, string, error) {
	f.lastURL = endpoint
	f.lastPayload = payload
	return f.ok, f.detail, f.err
}

func TestNetworkBlockCanHandle(t *testing.T) {
	nb := NewNetworkBlock("https://fw.internal", "key", &fakeDoer{ok: true}, nil)

	assert.True(t, nb.CanHandle(entity.TypeIP, backends.ActionBlockIP))
	assert.True(t, nb.CanHandle(entity.TypeIP, backends.ActionUnblockIP))
	assert.False(t, nb.CanHandle(entity.TypeDevice, backends.ActionIsolateHost))
	assert.False(t, nb.CanHandle(entity.TypeUser, backends.ActionBlockIP))
	assert.False(t, nb.CanHandle(entity.TypeIP, backends.ActionQuarantineFile))
}

func TestNetworkBlockExecuteSuccess(t *testing.T) {
	doer := &fakeDoer{ok: true, detail: "blocked"}
	nb := NewNetworkBlock("https://fw.internal", "key", doer, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.9, time.Now())

	ok, detail := nb.Execute(context.Background(), target, backends.ActionBlockIP, map[string]any{"reason": "test"})

	assert.True(t, ok)
	assert.Equal(t, "blocked", detail)
	assert.Equal(t, "10.0.0.1", doer.lastPayload["target_id"])
	assert.Equal(t, "key", doer.lastPayload["api_key"])
	assert.Equal(t, "test", doer.lastPayload["reason"])
}

func TestDirectoryCanHandle(t *testing.T) {
	d := NewDirectory("https://ad.internal", "key", &fakeDoer{ok: true}, nil)

	assert.True(t, d.CanHandle(entity.TypeUser, backends.ActionDisableUser))
	assert.True(t, d.CanHandle(entity.TypeUser, backends.ActionResetPassword))
	assert.False(t, d.CanHandle(entity.TypeIP, backends.ActionDisableUser))
}

func TestEndpointCanHandle(t *testing.T) {
	e := NewEndpoint("https://edr.internal", "key", &fakeDoer{ok: true}, nil)

	assert.True(t, e.CanHandle(entity.TypeFile, backends.ActionQuarantineFile))
	assert.True(t, e.CanHandle(entity.TypeProcess, backends.ActionKillProcess))
	assert.True(t, e.CanHandle(entity.TypeDevice, backends.ActionIsolateHost))
	assert.True(t, e.CanHandle(entity.TypeDevice, backends.ActionTakeSnapshot))
	assert.False(t, e.CanHandle(entity.TypeFile, backends.ActionKillProcess))
}

func TestAlertOutHandlesAnyEntityType(t *testing.T) {
	a := NewAlertOut("https://alerts.internal", "key", &fakeDoer{ok: true}, nil)

	assert.True(t, a.CanHandle(entity.TypeIP, backends.ActionSendAlert))
	assert.True(t, a.CanHandle(entity.TypeUser, backends.ActionCollectEvidence))
	assert.False(t, a.CanHandle(entity.TypeUser, backends.ActionBlockIP))
}

func TestExecuteWithoutDoerFails(t *testing.T) {
	nb := NewNetworkBlock("https://fw.internal", "key", nil, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.9, time.Now())

	ok, detail := nb.Execute(context.Background(), target, backends.ActionBlockIP, nil)

	assert.False(t, ok)
	assert.Equal(t, "no doer configured", detail)
}

func TestExecutePropagatesDoerError(t *testing.T) {
	doer := &fakeDoer{err: assertErr("connection refused")}
	nb := NewNetworkBlock("https://fw.internal", "key", doer, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.9, time.Now())

	ok, detail := nb.Execute(context.Background(), target, backends.ActionBlockIP, nil)

	assert.False(t, ok)
	assert.Equal(t, "connection refused", detail)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestMergeParamsDoesNotMutateInput(t *testing.T) {
	doer := &fakeDoer{ok: true}
	a := NewAlertOut("https://alerts.internal", "key", doer, nil)
	target := entity.New(entity.TypeIP, "10.0.0.1", 0.9, time.Now())
	params := map[string]any{"note": "original"}

	a.Execute(context.Background(), target, backends.ActionSendAlert, params)

	require.Len(t, params, 1)
	assert.Equal(t, "original", params["note"])
}
