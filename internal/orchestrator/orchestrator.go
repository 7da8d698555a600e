// Package orchestrator owns the cron schedule. Each job has single-flight
// semantics: a tick or manual trigger that lands while the previous run of
// the same job is still active is skipped and counted, never queued.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oplink/clinic-tracker/internal/clock"
	"github.com/oplink/clinic-tracker/internal/service/scrape"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

const (
	JobMasterData      = "master_data_refresh"
	JobTrackedProgress = "tracked_progress"
	JobMorningSync     = "morning_sync"
)

// Schedule holds the cron expressions for the three jobs. TrackedInterval is
// expanded into a minute-step expression bounded to waking hours.
type Schedule struct {
	MasterDataCron  string
	MorningSyncCron string
	TrackedInterval time.Duration
}

// JobStatus is the externally visible state of one job.
type JobStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	LastStart *time.Time `json:"last_start,omitempty"`
	LastEnd   *time.Time `json:"last_end,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
	Skips     int64      `json:"skips"`
}

type job struct {
	name string
	run  func(ctx context.Context) error

	mu        sync.Mutex
	stateMu   sync.Mutex
	lastStart *time.Time
	lastEnd   *time.Time
	lastError string
	runs      int64
	skips     int64
}

// Orchestrator schedules and runs the scrape jobs.
type Orchestrator struct {
	cron    *cron.Cron
	clock   *clock.Civil
	jobs    map[string]*job
	logger  *logger.Logger
	metrics *metrics.Metrics

	// manual tracks TriggerNow runs, which execute outside the cron
	// dispatcher and must still be waited for on Stop.
	manual sync.WaitGroup
}

func New(clk *clock.Civil, scraper scrape.Service, sched Schedule, log *logger.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	o := &Orchestrator{
		cron:    cron.New(cron.WithLocation(clk.Location())),
		clock:   clk,
		jobs:    make(map[string]*job),
		logger:  log,
		metrics: m,
	}

	o.jobs[JobMasterData] = &job{
		name: JobMasterData,
		run:  scraper.RefreshMasterData,
	}
	o.jobs[JobTrackedProgress] = &job{
		name: JobTrackedProgress,
		run: func(ctx context.Context) error {
			return scraper.ScrapeTracked(ctx, scrape.Options{})
		},
	}
	o.jobs[JobMorningSync] = &job{
		name: JobMorningSync,
		run: func(ctx context.Context) error {
			return scraper.ScrapeTracked(ctx, scrape.Options{TodayOnly: true})
		},
	}

	minutes := int(sched.TrackedInterval.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	// Live progress is only meaningful during clinic hours.
	trackedCron := fmt.Sprintf("*/%d 7-23 * * *", minutes)

	for name, spec := range map[string]string{
		JobMasterData:      sched.MasterDataCron,
		JobTrackedProgress: trackedCron,
		JobMorningSync:     sched.MorningSyncCron,
	} {
		j := o.jobs[name]
		if _, err := o.cron.AddFunc(spec, func() { o.runJob(j) }); err != nil {
			return nil, fmt.Errorf("failed to schedule job %s (%q): %w", name, spec, err)
		}
		log.Info("job scheduled", "job", name, "cron", spec)
	}

	return o, nil
}

// Start begins dispatching cron ticks.
func (o *Orchestrator) Start() {
	o.cron.Start()
	o.logger.Info("orchestrator started", "jobs", len(o.jobs))
}

// Stop halts the scheduler and waits for in-flight jobs to finish,
// including manual triggers.
func (o *Orchestrator) Stop(ctx context.Context) error {
	stopCtx := o.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop timed out: %w", ctx.Err())
	}

	manualDone := make(chan struct{})
	go func() {
		o.manual.Wait()
		close(manualDone)
	}()
	select {
	case <-manualDone:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop timed out: %w", ctx.Err())
	}
}

// TriggerNow runs the named job immediately in the caller's goroutine
// context. It reports JobOverlap when the job is already running.
func (o *Orchestrator) TriggerNow(name string) error {
	j, ok := o.jobs[name]
	if !ok {
		return errors.NewNotFound("job "+name, nil)
	}
	if !j.mu.TryLock() {
		j.recordSkip()
		o.metrics.JobSkips.WithLabelValues(j.name).Inc()
		return errors.JobOverlap(name)
	}
	o.manual.Add(1)
	go func() {
		defer o.manual.Done()
		defer j.mu.Unlock()
		o.execute(j)
	}()
	return nil
}

// Status reports the state of every job, sorted by name at the handler.
func (o *Orchestrator) Status() []JobStatus {
	out := make([]JobStatus, 0, len(o.jobs))
	for _, j := range o.jobs {
		j.stateMu.Lock()
		st := JobStatus{
			Name:      j.name,
			LastStart: j.lastStart,
			LastEnd:   j.lastEnd,
			LastError: j.lastError,
			Runs:      j.runs,
			Skips:     j.skips,
		}
		j.stateMu.Unlock()
		st.Running = !j.mu.TryLock()
		if !st.Running {
			j.mu.Unlock()
		}
		out = append(out, st)
	}
	return out
}

// JobNames lists the schedulable job names.
func (o *Orchestrator) JobNames() []string {
	return []string{JobMasterData, JobTrackedProgress, JobMorningSync}
}

func (o *Orchestrator) runJob(j *job) {
	if !j.mu.TryLock() {
		j.recordSkip()
		o.metrics.JobSkips.WithLabelValues(j.name).Inc()
		o.logger.Warn("job still running, skipping tick", "job", j.name)
		return
	}
	defer j.mu.Unlock()
	o.execute(j)
}

func (o *Orchestrator) execute(j *job) {
	start := o.clock.Now()
	j.stateMu.Lock()
	j.lastStart = &start
	j.runs++
	j.stateMu.Unlock()

	o.metrics.ScrapeCycles.WithLabelValues(j.name).Inc()
	o.logger.Info("job started", "job", j.name)

	err := j.run(context.Background())

	end := o.clock.Now()
	o.metrics.ScrapeDuration.WithLabelValues(j.name).Observe(end.Sub(start).Seconds())

	j.stateMu.Lock()
	j.lastEnd = &end
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	j.stateMu.Unlock()

	if err != nil {
		o.logger.Error(err, "job failed", "job", j.name)
		return
	}
	o.logger.Info("job finished", "job", j.name, "duration", end.Sub(start).String())
}

func (j *job) recordSkip() {
	j.stateMu.Lock()
	j.skips++
	j.stateMu.Unlock()
}
