package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/sentryscope/pkg/backends/testutil"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return client, server
}

func TestQueryIPCachesResult(t *testing.T) {
	client, _ := newTestClient(t)
	fake := testutil.NewFakeThreatIntel()
	fake.Records["1.2.3.4"] = &entity.ThreatIntelRecord{Indicator: "1.2.3.4", ThreatType: "botnet"}

	ti := NewThreatIntel(client, fake, time.Minute)

	rec1, err := ti.QueryIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, rec1)

	rec2, err := ti.QueryIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.Equal(t, rec1.ThreatType, rec2.ThreatType)

	assert.Equal(t, 1, fake.CallCount, "second lookup should be served from cache")
}

func TestQueryIPCachesNotFound(t *testing.T) {
	client, _ := newTestClient(t)
	fake := testutil.NewFakeThreatIntel()

	ti := NewThreatIntel(client, fake, time.Minute)

	rec1, err := ti.QueryIP(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Nil(t, rec1)

	rec2, err := ti.QueryIP(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Nil(t, rec2)

	assert.Equal(t, 1, fake.CallCount)
}

func TestNilClientCallsThrough(t *testing.T) {
	fake := testutil.NewFakeThreatIntel()
	fake.Records["evil.example.com"] = &entity.ThreatIntelRecord{Indicator: "evil.example.com"}

	ti := NewThreatIntel(nil, fake, time.Minute)

	rec1, err := ti.QueryDomain(context.Background(), "evil.example.com")
	require.NoError(t, err)
	require.NotNil(t, rec1)

	rec2, err := ti.QueryDomain(context.Background(), "evil.example.com")
	require.NoError(t, err)
	require.NotNil(t, rec2)

	assert.Equal(t, 2, fake.CallCount, "no client means every call goes through")
}

func TestQueryHashPropagatesError(t *testing.T) {
	client, _ := newTestClient(t)
	fake := testutil.NewFakeThreatIntel()
	fake.FailFor["deadbeef"] = assertError("backend down")

	ti := NewThreatIntel(client, fake, time.Minute)

	_, err := ti.QueryHash(context.Background(), "deadbeef")
	assert.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func assertError(msg string) error { return assertErr(msg) }
