package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (c *countingRefresher) Refresh(ctx context.Context) error {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("refresh without deadline")
	}
	return c.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New("*/15 * * * *", &countingRefresher{})
	assert.NoError(t, err)

	_, err = New("@every 10m", &countingRefresher{})
	assert.NoError(t, err)

	_, err = New("every so often", &countingRefresher{})
	assert.ErrorContains(t, err, "invalid refresh schedule")

	_, err = New("*/15 * * * *", nil)
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	r := &countingRefresher{}
	var hooked int
	s, err := New("@hourly", r, OnRefresh(func() { hooked++ }), WithRunTimeout(time.Second))
	require.NoError(t, err)

	require.NoError(t, s.RunOnce())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 1, hooked)

	r.err = errors.New("backend down")
	assert.EqualError(t, s.RunOnce(), "backend down")
	assert.Equal(t, 1, hooked, "hook only runs after a successful refresh")
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := &countingRefresher{}
	s, err := New("@every 1s", r)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "second start is a no-op")

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	s.Stop()
	s.Stop()
	n := r.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, r.calls.Load())
}
