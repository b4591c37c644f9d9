// Package scheduler runs the recurring lifecycle sweeps: file expiry on an
// operator-configured cron expression, and the fixed daily orphan and
// dead-token sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/blobstore"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"github.com/dmitrijs2005/filedrop/internal/server/storage"
	"github.com/dmitrijs2005/filedrop/internal/timex"
	"github.com/robfig/cron/v3"
)

const (
	OrphanSpec    = "0 0 3 * * *"
	DeadTokenSpec = "0 30 3 * * *"
)

// Sweep names used in logs and metrics.
const (
	SweepExpiry     = "expiry"
	SweepOrphans    = "orphans"
	SweepDeadTokens = "dead_tokens"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a 5 or 6 field cron expression or a descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", common.ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// ValidateSettings is a settings.Validator rejecting unparsable cron
// expressions before they are published.
func ValidateSettings(s settings.Snapshot) error {
	_, err := ParseSchedule(s.CronExpression)
	return err
}

// Remover deletes a file blob first and its rows second.
type Remover interface {
	Remove(ctx context.Context, file *models.File, req models.Requester) error
}

var system = models.Requester{UserAgent: "filedrop-scheduler"}

type applied struct {
	cron string
	days int
}

type Scheduler struct {
	cron    *cron.Cron
	store   storage.Store
	blobs   blobstore.Store
	files   Remover
	log     logging.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// ctx is handed to scheduled jobs; set by Start.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	expiryID cron.EntryID
	last     *applied
	days     atomic.Int64
}

type Option func(*Scheduler)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(store storage.Store, blobs blobstore.Store, files Remover, log logging.Logger, opts ...Option) *Scheduler {
	log = log.With("module", "scheduler")
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		store: store,
		blobs: blobs,
		files: files,
		log:   log,
		now:   time.Now,
		ctx:   context.Background(),
	}
	s.days.Store(settings.DefaultMaxFileLifetimeDays)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the fixed sweeps and starts the cron loop. The expiry job
// is armed by Apply, before or after Start. Jobs run with a context derived
// from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	if _, err := s.cron.AddFunc(OrphanSpec, s.job(SweepOrphans, s.ReconcileOrphans)); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(DeadTokenSpec, s.job(SweepDeadTokens, s.SweepDeadTokens)); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info(ctx, "scheduler started", "days", s.days.Load())
	return nil
}

// Stop halts the cron loop and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	if s.cancel != nil {
		defer s.cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply re-arms the expiry job when the cron expression or retention changed.
// It has the settings.Subscriber signature. An invalid expression leaves the
// previous schedule running and returns common.ErrInvalidSchedule.
func (s *Scheduler) Apply(ctx context.Context, snap settings.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := applied{cron: snap.CronExpression, days: snap.MaxFileLifetimeDays}
	if s.last != nil && *s.last == next {
		return nil
	}
	sched, err := ParseSchedule(next.cron)
	if err == nil && next.days < 1 {
		err = fmt.Errorf("%w: max file lifetime %d", common.ErrInvalidSchedule, next.days)
	}
	if err != nil {
		s.log.Warn(ctx, "schedule rejected, keeping previous", "error", err)
		return err
	}

	if s.expiryID != 0 {
		s.cron.Remove(s.expiryID)
	}
	s.days.Store(int64(next.days))
	s.expiryID = s.cron.Schedule(sched, cron.FuncJob(s.job(SweepExpiry, s.RunExpirySweepNow)))
	s.last = &next
	s.log.Info(ctx, "expiry sweep scheduled", "cron", next.cron, "days", next.days)
	return nil
}

func (s *Scheduler) job(name string, sweep func(context.Context) (int, error)) func() {
	return func() {
		if _, err := sweep(s.ctx); err != nil {
			s.log.Error(s.ctx, "sweep failed", "sweep", name, "error", err)
		}
	}
}

// RunExpirySweepNow removes files uploaded before today minus the retention
// window that are not kept indefinitely. A failure on one file is logged and
// the sweep moves on.
func (s *Scheduler) RunExpirySweepNow(ctx context.Context) (int, error) {
	today := timex.DateOnly(s.now())
	threshold := today.AddDate(0, 0, -int(s.days.Load()))

	expired, err := s.store.ListExpiredFiles(ctx, threshold)
	if err != nil {
		err = fmt.Errorf("list expired files: %w", err)
		s.metrics.SweepRan(SweepExpiry, err, 0)
		return 0, err
	}

	stillExpired := func(f *models.File) bool {
		return !f.KeepIndefinitely && f.UploadedAt.Before(threshold)
	}
	deleted, err := s.removeAll(ctx, expired, stillExpired)
	s.metrics.SweepRan(SweepExpiry, err, deleted)
	s.log.Info(ctx, "expiry sweep finished", "threshold", threshold.Format(time.DateOnly),
		"candidates", len(expired), "deleted", deleted)
	return deleted, err
}

// ReconcileOrphans removes file rows whose blob is missing.
func (s *Scheduler) ReconcileOrphans(ctx context.Context) (int, error) {
	candidates, err := s.store.ListOrphanCandidates(ctx)
	if err != nil {
		err = fmt.Errorf("list orphan candidates: %w", err)
		s.metrics.SweepRan(SweepOrphans, err, 0)
		return 0, err
	}

	var (
		orphans []*models.File
		errs    []error
	)
	for _, f := range candidates {
		ok, err := s.blobs.Exists(ctx, f.ExternalID)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", f.ExternalID, err))
			continue
		}
		if !ok {
			orphans = append(orphans, f)
		}
	}

	deleted, err := s.removeAll(ctx, orphans, nil)
	err = errors.Join(append(errs, err)...)
	s.metrics.SweepRan(SweepOrphans, err, deleted)
	if deleted > 0 {
		s.log.Warn(ctx, "orphaned file rows removed", "deleted", deleted)
	}
	return deleted, err
}

// SweepDeadTokens bulk deletes expired and exhausted share tokens.
func (s *Scheduler) SweepDeadTokens(ctx context.Context) (int, error) {
	n, err := s.store.DeleteDeadTokens(ctx, timex.DateOnly(s.now()))
	if err != nil {
		err = fmt.Errorf("delete dead tokens: %w", err)
	}
	s.metrics.SweepRan(SweepDeadTokens, err, int(n))
	if n > 0 {
		s.log.Info(ctx, "dead share tokens removed", "deleted", n)
	}
	return int(n), err
}

// removeAll removes files one by one. With eligible set, each row is read
// again right before removal and skipped when it no longer qualifies, so a
// renewal that lands mid-sweep wins.
func (s *Scheduler) removeAll(ctx context.Context, files []*models.File, eligible func(*models.File) bool) (int, error) {
	var (
		deleted int
		errs    []error
	)
	for _, f := range files {
		if eligible != nil {
			fresh, err := s.store.FindFileByID(ctx, f.ID)
			if errors.Is(err, common.ErrorNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("reload %s: %w", f.ExternalID, err))
				continue
			}
			if !eligible(fresh) {
				s.log.Info(ctx, "file no longer eligible, skipped", "file", f.ExternalID)
				continue
			}
			f = fresh
		}
		err := s.files.Remove(ctx, f, system)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, common.ErrorNotFound):
			// removed concurrently
		default:
			s.log.Error(ctx, "file removal failed", "file", f.ExternalID, "error", err)
			errs = append(errs, err)
		}
	}
	return deleted, errors.Join(errs...)
}
