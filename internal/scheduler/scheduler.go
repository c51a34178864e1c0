package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/flowtrends/internal/store"
	"github.com/elonfeng/flowtrends/pkg/alert"
	"github.com/elonfeng/flowtrends/pkg/refresh"
	"github.com/elonfeng/flowtrends/pkg/source"
	"github.com/robfig/cron/v3"
)

// Options tunes the refresh loop.
type Options struct {
	Spec          string        // cron spec; defaults to "@every 6h"
	Timeout       time.Duration // per-source collect and commit budget
	RunOnStart    bool
	NotifySuccess bool
}

// Status is the last known outcome of a source's refresh.
type Status struct {
	Source      source.SourceType `json:"source"`
	Runs        int               `json:"runs"`
	Failures    int               `json:"failures"`
	LastRun     time.Time         `json:"last_run"`
	LastSuccess time.Time         `json:"last_success"`
	Records     int               `json:"records"`
	BatchID     string            `json:"batch_id,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Healthy reports whether the most recent run succeeded.
func (s Status) Healthy() bool {
	return s.Runs > 0 && s.Error == ""
}

// Scheduler collects from every collector and commits the results, one
// source at a time. A failed source keeps its previous snapshot and never
// affects the others.
type Scheduler struct {
	collectors []source.Collector
	refresher  *refresh.Coordinator
	alerts     *alert.Manager
	logger     *slog.Logger
	opts       Options

	mu     sync.RWMutex
	status map[source.SourceType]Status
	now    func() time.Time
}

// New creates a new scheduler.
func New(
	collectors []source.Collector,
	refresher *refresh.Coordinator,
	alerts *alert.Manager,
	logger *slog.Logger,
	opts Options,
) (*Scheduler, error) {
	if opts.Spec == "" {
		opts.Spec = "@every 6h"
	}
	if _, err := cron.ParseStandard(opts.Spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", opts.Spec, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	status := make(map[source.SourceType]Status, len(collectors))
	for _, c := range collectors {
		status[c.Name()] = Status{Source: c.Name()}
	}

	return &Scheduler{
		collectors: collectors,
		refresher:  refresher,
		alerts:     alerts,
		logger:     logger.With("component", "scheduler"),
		opts:       opts,
		status:     status,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run refreshes every source on the configured schedule. Blocks until ctx
// is cancelled and the in-flight run has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.opts.Spec, func() { _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}

	if s.opts.RunOnStart {
		s.logger.Info("initial refresh")
		_ = s.RunOnce(ctx)
	}

	c.Start()
	s.logger.Info("running", "schedule", s.opts.Spec, "sources", len(s.collectors))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("stopped")
	return ctx.Err()
}

// RunOnce refreshes every source sequentially and returns the joined
// per-source errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, c := range s.collectors {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.RunSource(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSource collects from c and replaces its source's snapshot.
func (s *Scheduler) RunSource(ctx context.Context, c source.Collector) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	st := c.Name()
	start := s.now()

	raw, err := c.Collect(ctx)
	if err != nil {
		err = fmt.Errorf("collect %s: %w", st, err)
		s.record(st, start, store.Commit{}, err)
		s.notify(ctx, st, 0, err)
		return err
	}

	commit, err := s.refresher.Refresh(ctx, st, raw)
	if err != nil {
		err = fmt.Errorf("refresh %s: %w", st, err)
		s.record(st, start, store.Commit{}, err)
		s.notify(ctx, st, len(raw), err)
		return err
	}

	s.record(st, start, commit, nil)
	s.logger.Info("source refreshed", "source", st, "records", commit.Count, "took", s.now().Sub(start))
	if s.opts.NotifySuccess {
		s.notify(ctx, st, commit.Count, nil)
	}
	return nil
}

// Status returns the last outcome of every scheduled source, in source
// order.
func (s *Scheduler) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.status))
	for _, st := range source.AllSourceTypes() {
		if v, ok := s.status[st]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (s *Scheduler) record(st source.SourceType, at time.Time, commit store.Commit, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.status[st]
	v.Source = st
	v.Runs++
	v.LastRun = at
	if err != nil {
		v.Failures++
		v.Error = err.Error()
	} else {
		v.Error = ""
		v.LastSuccess = at
		v.Records = commit.Count
		v.BatchID = commit.BatchID
	}
	s.status[st] = v
}

func (s *Scheduler) notify(ctx context.Context, st source.SourceType, count int, runErr error) {
	if runErr != nil {
		s.logger.Error("source refresh failed", "source", st, "error", runErr)
	}
	if !s.alerts.HasNotifiers() {
		return
	}

	n := &alert.Notification{
		Title:  fmt.Sprintf("%s refresh complete", st),
		Body:   fmt.Sprintf("Committed %d records.", count),
		Source: st,
		Count:  count,
	}
	if runErr != nil {
		n.Title = fmt.Sprintf("%s refresh failed", st)
		n.Body = "The previous snapshot is still being served."
		n.Error = runErr.Error()
	}

	// The run context may already be done; alerts get their own budget.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.alerts.Broadcast(sendCtx, n); err != nil {
		s.logger.Warn("alert failed", "source", st, "error", err)
	}
}
