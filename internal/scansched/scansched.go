// Package scansched provides the periodic background-scan framework
// shared by the chunk replicator/sealer and the tablet flusher,
// compactor, trimmer, and sweeper (spec §4.4, §4.8): named, cron-
// scheduled scans with progress tracking and a bounded concurrency
// limit so scan cadences don't pile up work against a busy master or
// node.
package scansched

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Status is a scan's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// Progress tracks counters for a running or completed scan pass. Safe
// for concurrent use: the scan callback reports through it while the
// scheduler's caller polls it.
type Progress struct {
	mu          sync.RWMutex
	Status      Status
	ItemsTotal  int64
	ItemsDone   int64
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

func (p *Progress) SetRunning(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = StatusRunning
	p.ItemsTotal = total
}

func (p *Progress) IncrDone(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ItemsDone += n
}

func (p *Progress) Complete(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = StatusCompleted
	p.CompletedAt = now
}

func (p *Progress) Fail(now time.Time, err string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = StatusFailed
	p.Error = err
	p.CompletedAt = now
}

func (p *Progress) snapshot() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Progress{Status: p.Status, ItemsTotal: p.ItemsTotal, ItemsDone: p.ItemsDone, Error: p.Error, StartedAt: p.StartedAt, CompletedAt: p.CompletedAt}
}

// Info describes one registered scan for inspection (e.g. an admin
// surface, or tests).
type Info struct {
	Name     string
	Interval string // cron expression
	LastRun  time.Time
	NextRun  time.Time
	Progress Progress
}

// Scheduler wraps gocron with named, cron-scheduled scans bounded to a
// fixed concurrency, mirroring the deleted orchestrator scheduler's
// shape but trimmed to what the chunk and tablet background scanners
// actually need (no one-time-job retention surface; scans are always
// periodic and re-entrant-safe by design, spec §4.4/§4.8).
type Scheduler struct {
	mu        sync.Mutex
	gs        gocron.Scheduler
	jobs      map[string]gocron.Job
	intervals map[string]string
	progress  map[string]*Progress
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a scan scheduler bounding at most maxConcurrent scans
// running at once across all registered scans, waiting rather than
// skipping when the limit is hit.
func New(logger *slog.Logger, maxConcurrent int) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	gs, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait))
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		gs:        gs,
		jobs:      make(map[string]gocron.Job),
		intervals: make(map[string]string),
		progress:  make(map[string]*Progress),
		now:       time.Now,
		logger:    logger,
	}
	gs.Start()
	return s, nil
}

// AddScan registers a named periodic scan. fn receives a context
// (detached from any caller, cancelable only via Stop) and a Progress
// to report through. cronExpr follows standard 5-field cron syntax
// (e.g. "*/30 * * * * *" with seconds support disabled is not used
// here; gocron's CronJob accepts the standard 5-field form).
func (s *Scheduler) AddScan(name, cronExpr string, fn func(context.Context, *Progress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errAlreadyRegistered(name)
	}

	prog := &Progress{}
	wrapper := func() {
		prog.SetRunning(0)
		ctx := context.WithoutCancel(context.Background())
		fn(ctx, prog)
		snap := prog.snapshot()
		if snap.Status == StatusRunning {
			prog.Complete(s.now())
		}
	}

	j, err := s.gs.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(wrapper),
		gocron.WithName(name),
	)
	if err != nil {
		return err
	}
	s.jobs[name] = j
	s.intervals[name] = cronExpr
	s.progress[name] = prog
	s.logger.Info("scan registered", "name", name, "cron", cronExpr)
	return nil
}

// RemoveScan unregisters a scan; no-op if unknown.
func (s *Scheduler) RemoveScan(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.gs.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove scan", "name", name, "error", err)
	}
	delete(s.jobs, name)
	delete(s.intervals, name)
	delete(s.progress, name)
}

// Trigger runs a registered scan immediately, outside its normal cron
// cadence (used by tests and by forced-rotation/forced-compaction
// paths, spec §4.8).
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errNotRegistered(name)
	}
	return j.RunNow()
}

// Info returns a snapshot of one scan's state.
func (s *Scheduler) Info(name string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return Info{}, false
	}
	info := Info{Name: name, Interval: s.intervals[name], Progress: s.progress[name].snapshot()}
	if lr, err := j.LastRun(); err == nil {
		info.LastRun = lr
	}
	if nr, err := j.NextRun(); err == nil {
		info.NextRun = nr
	}
	return info, true
}

// List returns all registered scans' info, sorted by name.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		if info, ok := s.Info(name); ok {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// Stop shuts down the scheduler and waits for in-flight scans to
// finish.
func (s *Scheduler) Stop() error {
	return s.gs.Shutdown()
}

type schedErr string

func (e schedErr) Error() string { return string(e) }

func errAlreadyRegistered(name string) error { return schedErr("scansched: scan already registered: " + name) }
func errNotRegistered(name string) error     { return schedErr("scansched: no such scan: " + name) }
