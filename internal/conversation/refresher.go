package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/mnemo/internal/concurrency"
	"github.com/harunnryd/mnemo/internal/contextwindow"
	"github.com/harunnryd/mnemo/internal/metrics"

	"github.com/robfig/cron/v3"
)

const DefaultInitialRefreshWait = 30 * time.Second

// RefreshRunner is satisfied by *contextwindow.Refresh.
type RefreshRunner interface {
	IsRefreshNeeded(ctx context.Context, userID string) (bool, error)
	Run(ctx context.Context, userID string) error
}

// Refresher periodically refreshes the window of one user in the background. It should be
// given a Refresh built on its own store handle.
type Refresher struct {
	UserID      string
	Refresh     RefreshRunner
	InitialWait time.Duration
	Interval    time.Duration
	Metrics     *metrics.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// RunOnce refreshes the window if it is due. Failures are logged, never returned.
func (r *Refresher) RunOnce(ctx context.Context) {
	ran := false
	err := concurrency.Guard("context-refresh", func() error {
		needed, err := r.Refresh.IsRefreshNeeded(ctx, r.UserID)
		if err != nil || !needed {
			return err
		}
		ran = true
		slog.Info("Refreshing context", "user", r.UserID)
		return r.Refresh.Run(ctx, r.UserID)
	})
	switch {
	case err != nil && ctx.Err() != nil:
		slog.Debug("Context refresh interrupted", "user", r.UserID)
	case err != nil:
		slog.Error("Context refresh failed", "user", r.UserID, "error", err)
		r.Metrics.Refresh("error")
	case !ran:
		r.Metrics.Refresh("skipped")
	default:
		r.Metrics.Refresh("ok")
	}
}

// Start schedules RunOnce every Interval after waiting InitialWait. It returns immediately.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	interval := r.Interval
	if interval <= 0 {
		interval = contextwindow.DefaultRefreshInterval
	}
	wait := r.InitialWait
	if wait <= 0 {
		wait = DefaultInitialRefreshWait
	}

	log := cronLogger{}
	r.cron = cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	job := r.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { r.RunOnce(ctx) }))

	r.wg.Add(1)
	concurrency.SafeGo("context-refresher", func() {
		defer r.wg.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		r.cron.Entry(job).WrappedJob.Run()
		r.cron.Start()
	}, nil)

	slog.Info("Context refresher started", "user", r.UserID, "interval", interval, "initial_wait", wait)
}

// Stop cancels a running refresh and waits for it to return, or for ctx to end.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	select {
	case <-r.cron.Stop().Done():
		slog.Info("Context refresher stopped", "user", r.UserID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's logr-style calls to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
