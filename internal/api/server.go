// Package api exposes the HTTP surface: job submission and control,
// printer administration, subscriptions with pull notifications, the
// archive listing, and the Prometheus endpoint.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/history"
	"github.com/orrn/printd/internal/notify"
)

type Server struct {
	system     *core.System
	dispatcher *dispatch.Dispatcher
	archive    *history.Store
	auth       *Auth
	log        *logrus.Entry
}

func NewServer(system *core.System, dispatcher *dispatch.Dispatcher, archive *history.Store, auth *Auth, logger *logrus.Logger) *Server {
	return &Server{
		system:     system,
		dispatcher: dispatcher,
		archive:    archive,
		auth:       auth,
		log:        logger.WithField("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/setup", s.auth.SetupHandler)
	r.POST("/api/login", s.auth.LoginHandler)

	api := r.Group("/api", s.auth.RequireAuth())
	{
		api.GET("/printers", s.listPrinters)
		api.GET("/printers/:printer", s.getPrinter)
		api.POST("/printers/:printer/submit", s.submitJob)
		api.POST("/printers/:printer/jobs", s.createJob)
		api.GET("/printers/:printer/jobs", s.listJobs)
		api.DELETE("/printers/:printer/jobs", s.cancelUserJobs)
		api.GET("/printers/:printer/jobs/:id", s.getJob)
		api.DELETE("/printers/:printer/jobs/:id", s.cancelJob)
		api.POST("/printers/:printer/jobs/:id/documents", s.sendDocument)
		api.POST("/printers/:printer/jobs/:id/hold", s.holdJob)
		api.POST("/printers/:printer/jobs/:id/release", s.releaseJob)
		api.POST("/printers/:printer/hold-new-jobs", s.holdNewJobs)
		api.POST("/printers/:printer/release-held-new-jobs", s.releaseHeldNewJobs)
		api.POST("/printers/:printer/identify", s.identifyPrinter)

		api.POST("/subscriptions", s.createSubscription)
		api.GET("/subscriptions/:id/notifications", s.getNotifications)
		api.POST("/subscriptions/:id/renew", s.renewSubscription)
		api.DELETE("/subscriptions/:id", s.cancelSubscription)

		api.GET("/history", s.listHistory)
	}

	return r
}

// requestLogger tags every request with a correlation id and logs the
// outcome at completion.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()

		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Info("request completed")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrPrinterNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, dispatch.ErrBadAttribute),
		errors.Is(err, core.ErrUnsupportedFormat),
		errors.Is(err, notify.ErrNoEvents),
		errors.Is(err, notify.ErrPushNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrQueueFull),
		errors.Is(err, core.ErrTooManyDocuments):
		status = http.StatusTooManyRequests
	case errors.Is(err, core.ErrBadState),
		errors.Is(err, core.ErrPrinterDeleted),
		errors.Is(err, core.ErrPrinterExists):
		status = http.StatusConflict
	case errors.Is(err, core.ErrNotSupported):
		status = http.StatusNotImplemented
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
