package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplink/clinic-tracker/internal/clock"
	"github.com/oplink/clinic-tracker/internal/handler/admin"
	"github.com/oplink/clinic-tracker/internal/orchestrator"
	"github.com/oplink/clinic-tracker/internal/router"
	"github.com/oplink/clinic-tracker/internal/service/scrape"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

type blockingScrapeService struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingScrapeService) RefreshMasterData(ctx context.Context) error {
	return s.block()
}

func (s *blockingScrapeService) ScrapeTracked(ctx context.Context, opts scrape.Options) error {
	return s.block()
}

func (s *blockingScrapeService) block() error {
	s.started <- struct{}{}
	<-s.release
	return nil
}

func testRouter(t *testing.T) (*gin.Engine, *blockingScrapeService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := &blockingScrapeService{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	clk, err := clock.New("UTC")
	require.NoError(t, err)
	log := logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard, TimeFormat: time.RFC3339})

	orch, err := orchestrator.New(clk, svc, orchestrator.Schedule{
		MasterDataCron:  "30 2 * * *",
		MorningSyncCron: "0 8 * * *",
		TrackedInterval: 3 * time.Minute,
	}, log, metrics.New("test"))
	require.NoError(t, err)

	return router.Setup(admin.NewHandler(orch, log)), svc
}

func postScrape(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/scrape", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerScrapeAccepted(t *testing.T) {
	r, svc := testRouter(t)
	defer close(svc.release)

	w := postScrape(r, `{"job":"tracked_progress"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
}

func TestTriggerScrapeConflictWhileRunning(t *testing.T) {
	r, svc := testRouter(t)
	defer close(svc.release)

	require.Equal(t, http.StatusAccepted, postScrape(r, `{"job":"morning_sync"}`).Code)
	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	w := postScrape(r, `{"job":"morning_sync"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTriggerScrapeUnknownJob(t *testing.T) {
	r, _ := testRouter(t)
	w := postScrape(r, `{"job":"defrag_disk"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerScrapeBadRequest(t *testing.T) {
	r, _ := testRouter(t)
	assert.Equal(t, http.StatusBadRequest, postScrape(r, `not json`).Code)
}

func TestTriggerScrapeDefaultsToTrackedProgress(t *testing.T) {
	r, svc := testRouter(t)
	defer close(svc.release)

	w := postScrape(r, `{}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), orchestrator.JobTrackedProgress)

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("default job never started")
	}
}

func TestListJobs(t *testing.T) {
	r, _ := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Jobs []orchestrator.JobStatus `json:"jobs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data.Jobs, 3)
	assert.Equal(t, orchestrator.JobMasterData, resp.Data.Jobs[0].Name)
}

func TestHealthz(t *testing.T) {
	r, _ := testRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
