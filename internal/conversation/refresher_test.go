package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/mnemo/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresh struct {
	needed  bool
	err     error
	explode bool
	runs    atomic.Int32
}

func (f *fakeRefresh) IsRefreshNeeded(context.Context, string) (bool, error) {
	return f.needed, nil
}

func (f *fakeRefresh) Run(context.Context, string) error {
	f.runs.Add(1)
	if f.explode {
		panic("summary exploded")
	}
	return f.err
}

func refreshCount(m *metrics.Metrics, result string) float64 {
	return testutil.ToFloat64(m.RefreshTotal.WithLabelValues(result))
}

func TestRefresher_RunOnce(t *testing.T) {
	t.Run("skips when not needed", func(t *testing.T) {
		f := &fakeRefresh{}
		r := &Refresher{UserID: "cli", Refresh: f, Metrics: metrics.New()}

		r.RunOnce(context.Background())
		assert.Zero(t, f.runs.Load())
		assert.Equal(t, float64(1), refreshCount(r.Metrics, "skipped"))
	})

	t.Run("runs when needed", func(t *testing.T) {
		f := &fakeRefresh{needed: true}
		r := &Refresher{UserID: "cli", Refresh: f, Metrics: metrics.New()}

		r.RunOnce(context.Background())
		assert.Equal(t, int32(1), f.runs.Load())
		assert.Equal(t, float64(1), refreshCount(r.Metrics, "ok"))
	})

	t.Run("errors are swallowed", func(t *testing.T) {
		f := &fakeRefresh{needed: true, err: errors.New("store unavailable")}
		r := &Refresher{UserID: "cli", Refresh: f, Metrics: metrics.New()}

		assert.NotPanics(t, func() { r.RunOnce(context.Background()) })
		assert.Equal(t, float64(1), refreshCount(r.Metrics, "error"))
	})

	t.Run("panics are swallowed", func(t *testing.T) {
		f := &fakeRefresh{needed: true, explode: true}
		r := &Refresher{UserID: "cli", Refresh: f, Metrics: metrics.New()}

		assert.NotPanics(t, func() { r.RunOnce(context.Background()) })
		assert.Equal(t, float64(1), refreshCount(r.Metrics, "error"))
	})
}

func TestRefresher_StartRunsAfterInitialWait(t *testing.T) {
	f := &fakeRefresh{needed: true}
	r := &Refresher{UserID: "cli", Refresh: f, InitialWait: 10 * time.Millisecond, Interval: time.Hour}

	r.Start(context.Background())
	r.Start(context.Background())

	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, int32(1), f.runs.Load())
}

func TestRefresher_StopBeforeFirstRun(t *testing.T) {
	f := &fakeRefresh{needed: true}
	r := &Refresher{UserID: "cli", Refresh: f, InitialWait: time.Hour, Interval: time.Hour}

	r.Start(context.Background())
	require.NoError(t, r.Stop(context.Background()))
	assert.Zero(t, f.runs.Load())
}

func TestRefresher_StopWithoutStart(t *testing.T) {
	r := &Refresher{UserID: "cli", Refresh: &fakeRefresh{}}
	assert.NoError(t, r.Stop(context.Background()))
}
