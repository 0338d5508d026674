// Package scheduler re-syncs the event list on a cron schedule so the console
// and the ICS feed pick up changes made by other users.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	appLog "coursecal/internal/log"
)

// Refresher re-reads the current window from the backend.
type Refresher interface {
	Refresh(ctx context.Context) error
}

const defaultRunTimeout = 2 * time.Minute

type Scheduler struct {
	spec       string
	target     Refresher
	runTimeout time.Duration
	onRefresh  func()

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	ctx     context.Context
}

type Option func(*Scheduler)

// WithRunTimeout bounds a single refresh.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// OnRefresh is called after every successful refresh, e.g. to drop caches.
func OnRefresh(fn func()) Option {
	return func(s *Scheduler) { s.onRefresh = fn }
}

// New validates spec (standard 5-field cron, or a descriptor like
// "@every 10m") and returns a stopped scheduler.
func New(spec string, target Refresher, opts ...Option) (*Scheduler, error) {
	if target == nil {
		return nil, errors.New("scheduler: refresher is nil")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, errors.Wrapf(err, "scheduler: invalid refresh schedule %q", spec)
	}
	s := &Scheduler{spec: spec, target: target, runTimeout: defaultRunTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the schedule until ctx is cancelled or Stop is called.
// Overlapping runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { _ = s.RunOnce() }); err != nil {
		return errors.Wrap(err, "scheduler: add job")
	}
	s.cron, s.ctx, s.running = c, ctx, true
	c.Start()
	appLog.Info("scheduler started", "schedule", s.spec)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	appLog.Info("scheduler stopped")
}

// RunOnce performs a single refresh outside the schedule.
func (s *Scheduler) RunOnce() error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.runTimeout)
	defer cancel()

	start := time.Now()
	if err := s.target.Refresh(ctx); err != nil {
		appLog.Error("scheduled refresh failed", err, "elapsed", time.Since(start))
		return err
	}
	appLog.Debug("scheduled refresh done", "elapsed", time.Since(start))
	if s.onRefresh != nil {
		s.onRefresh()
	}
	return nil
}
