package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oplink/clinic-tracker/internal/handler/admin"
)

// Setup builds the HTTP surface: health, Prometheus metrics, and the
// administrative API.
func Setup(adminHandler *admin.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		adminGroup := v1.Group("/admin")
		{
			adminGroup.POST("/scrape", adminHandler.TriggerScrape)
			adminGroup.GET("/jobs", adminHandler.ListJobs)
		}
	}

	return r
}
