package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallSucceeds(t *testing.T) {
	m := NewManager(Settings{MaxFailures: 2, Interval: time.Second, OpenStateTimeout: time.Second})

	result, err := Call(m, context.Background(), "graph_store", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestCallTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(Settings{MaxFailures: 2, Interval: time.Second, OpenStateTimeout: time.Minute})
	boom := errors.New("backend unavailable")

	failing := func(ctx context.Context) (int, error) { return 0, boom }

	_, err := Call(m, context.Background(), "threat_intel", failing)
	assert.ErrorIs(t, err, boom)
	_, err = Call(m, context.Background(), "threat_intel", failing)
	assert.ErrorIs(t, err, boom)

	// Third call should be rejected by the open breaker without invoking fn.
	called := false
	_, err = Call(m, context.Background(), "threat_intel", func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestBreakersAreIndependentPerName(t *testing.T) {
	m := NewManager(Settings{MaxFailures: 1, Interval: time.Second, OpenStateTimeout: time.Minute})
	boom := errors.New("down")

	_, _ = Call(m, context.Background(), "timeseries", func(ctx context.Context) (int, error) { return 0, boom })

	result, err := Call(m, context.Background(), "graph_store", func(ctx context.Context) (int, error) { return 7, nil })
	assert.NoError(t, err)
	assert.Equal(t, 7, result)
}
