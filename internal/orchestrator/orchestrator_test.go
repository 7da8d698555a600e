package orchestrator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplink/clinic-tracker/internal/clock"
	"github.com/oplink/clinic-tracker/internal/service/scrape"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

type stubScrapeService struct {
	started chan string
	release chan struct{}
	done    chan string
}

func newStubScrapeService() *stubScrapeService {
	return &stubScrapeService{
		started: make(chan string, 8),
		release: make(chan struct{}),
		done:    make(chan string, 8),
	}
}

func (s *stubScrapeService) RefreshMasterData(ctx context.Context) error {
	return s.run(JobMasterData)
}

func (s *stubScrapeService) ScrapeTracked(ctx context.Context, opts scrape.Options) error {
	if opts.TodayOnly {
		return s.run(JobMorningSync)
	}
	return s.run(JobTrackedProgress)
}

func (s *stubScrapeService) run(name string) error {
	s.started <- name
	<-s.release
	s.done <- name
	return nil
}

func newTestOrchestrator(t *testing.T, svc scrape.Service) *Orchestrator {
	t.Helper()
	clk, err := clock.New("UTC")
	require.NoError(t, err)
	log := logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard, TimeFormat: time.RFC3339})
	o, err := New(clk, svc, Schedule{
		MasterDataCron:  "30 2 * * *",
		MorningSyncCron: "0 8 * * *",
		TrackedInterval: 3 * time.Minute,
	}, log, metrics.New("test"))
	require.NoError(t, err)
	return o
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestTriggerNowRejectsOverlap(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	require.NoError(t, o.TriggerNow(JobTrackedProgress))
	waitFor(t, svc.started, JobTrackedProgress)

	err := o.TriggerNow(JobTrackedProgress)
	require.Error(t, err)
	assert.True(t, errors.IsJobOverlap(err))

	// A different job is not blocked by the running one.
	require.NoError(t, o.TriggerNow(JobMasterData))
	waitFor(t, svc.started, JobMasterData)

	close(svc.release)
	waitFor(t, svc.done, JobTrackedProgress)
	waitFor(t, svc.done, JobMasterData)
}

func TestTriggerNowRunsAgainAfterCompletion(t *testing.T) {
	svc := newStubScrapeService()
	close(svc.release)
	o := newTestOrchestrator(t, svc)

	require.NoError(t, o.TriggerNow(JobMorningSync))
	waitFor(t, svc.done, JobMorningSync)

	// Completed runs release the lock; give the deferred unlock a moment.
	require.Eventually(t, func() bool {
		return o.TriggerNow(JobMorningSync) == nil
	}, 2*time.Second, 10*time.Millisecond)
	waitFor(t, svc.done, JobMorningSync)
}

func TestTriggerNowUnknownJob(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	err := o.TriggerNow("defrag_disk")
	require.Error(t, err)
	assert.False(t, errors.IsJobOverlap(err))
}

func TestStatusReportsAllJobs(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	statuses := o.Status()
	require.Len(t, statuses, 3)

	names := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		names[st.Name] = true
		assert.False(t, st.Running)
		assert.Zero(t, st.Runs)
	}
	assert.True(t, names[JobMasterData])
	assert.True(t, names[JobTrackedProgress])
	assert.True(t, names[JobMorningSync])
}

func TestStatusCountsSkips(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	require.NoError(t, o.TriggerNow(JobTrackedProgress))
	waitFor(t, svc.started, JobTrackedProgress)
	require.Error(t, o.TriggerNow(JobTrackedProgress))

	var tracked *JobStatus
	for _, st := range o.Status() {
		if st.Name == JobTrackedProgress {
			copied := st
			tracked = &copied
		}
	}
	require.NotNil(t, tracked)
	assert.True(t, tracked.Running)
	assert.EqualValues(t, 1, tracked.Skips)

	close(svc.release)
	waitFor(t, svc.done, JobTrackedProgress)
}

func TestStopWaitsForManualTrigger(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	require.NoError(t, o.TriggerNow(JobTrackedProgress))
	waitFor(t, svc.started, JobTrackedProgress)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- o.Stop(ctx)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a manual run was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(svc.release)
	waitFor(t, svc.done, JobTrackedProgress)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the manual run finished")
	}
}

func TestStopTimesOutOnStuckManualTrigger(t *testing.T) {
	svc := newStubScrapeService()
	o := newTestOrchestrator(t, svc)

	require.NoError(t, o.TriggerNow(JobMasterData))
	waitFor(t, svc.started, JobMasterData)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, o.Stop(ctx))

	close(svc.release)
	waitFor(t, svc.done, JobMasterData)
}
