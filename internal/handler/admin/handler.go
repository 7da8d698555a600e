package admin

import (
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/oplink/clinic-tracker/internal/orchestrator"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/httputil"
	"github.com/oplink/clinic-tracker/pkg/logger"
)

// Handler exposes the administrative surface: job status and manual triggers.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{orch: orch, logger: log}
}

type triggerRequest struct {
	Job string `json:"job"`
}

// TriggerScrape starts the named job immediately, defaulting to the tracked
// progress scrape. The run is asynchronous; a 202 only acknowledges that it
// was accepted. A job already in flight yields a 409.
func (h *Handler) TriggerScrape(c *gin.Context) {
	req := triggerRequest{Job: orchestrator.JobTrackedProgress}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httputil.RespondWithError(c, errors.NewBadRequest("invalid trigger request", err))
			return
		}
		if req.Job == "" {
			req.Job = orchestrator.JobTrackedProgress
		}
	}

	if err := h.orch.TriggerNow(req.Job); err != nil {
		if errors.IsJobOverlap(err) {
			h.logger.Warn("manual trigger rejected, job already running", "job", req.Job)
		}
		httputil.RespondWithError(c, err)
		return
	}

	h.logger.Info("manual trigger accepted", "job", req.Job)
	httputil.RespondWithAccepted(c, gin.H{"job": req.Job, "status": "started"})
}

// ListJobs reports the status of every scheduled job.
func (h *Handler) ListJobs(c *gin.Context) {
	statuses := h.orch.Status()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	httputil.RespondWithSuccess(c, gin.H{"jobs": statuses})
}
