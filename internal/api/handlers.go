package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/dispatch"
	"github.com/orrn/printd/internal/history"
)

type printerInfo struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	StateReasons []string   `json:"state_reasons,omitempty"`
	HoldNewJobs  bool       `json:"hold_new_jobs"`
	Stats        core.Stats `json:"jobs"`
}

func (s *Server) printerInfo(p *core.Printer) printerInfo {
	info := printerInfo{
		Name:        p.Name(),
		State:       "idle",
		HoldNewJobs: p.HoldingNewJobs(),
		Stats:       p.Stats(),
	}
	if info.Stats.Processing > 0 {
		info.State = "processing"
	}
	info.StateReasons = p.Status().Names()
	return info
}

func (s *Server) listPrinters(c *gin.Context) {
	printers := s.system.Printers()
	out := make([]printerInfo, 0, len(printers))
	for _, p := range printers {
		out = append(out, s.printerInfo(p))
	}
	c.JSON(http.StatusOK, gin.H{"printers": out})
}

func (s *Server) getPrinter(c *gin.Context) {
	p, err := s.system.Printer(c.Param("printer"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.printerInfo(p))
}

// jobAttrsFromQuery decodes job attributes from query parameters. Every
// parameter not recognized here lands in Extra, where fidelity decides
// whether it fails the request or is merely reported as ignored.
func jobAttrsFromQuery(c *gin.Context) (title string, attrs dispatch.JobAttributes) {
	attrs.Extra = map[string]string{}
	for key, values := range c.Request.URL.Query() {
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		switch key {
		case "title":
			title = value
		case "document-format":
			attrs.Format = value
		case "job-hold-until":
			attrs.HoldUntil = value
		case "job-retain-until":
			attrs.RetainUntil = value
		case "job-retain-interval":
			if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
				attrs.RetainInterval = time.Duration(secs) * time.Second
			} else {
				attrs.Extra[key] = value
			}
		case "fidelity":
			attrs.Fidelity = value == "true" || value == "1"
		case "last":
			// consumed by the document handlers
		default:
			attrs.Extra[key] = value
		}
	}
	if title == "" {
		title = "untitled"
	}
	return title, attrs
}

// submitJob admits a job and spools the request body as its only
// document in one round trip.
func (s *Server) submitJob(c *gin.Context) {
	title, attrs := jobAttrsFromQuery(c)

	j, ignored, err := s.dispatcher.SubmitJob(requester(c), c.Param("printer"), title, attrs, c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"job":                j.View(),
		"ignored_attributes": ignored,
	})
}

type createJobRequest struct {
	Title          string            `json:"title"`
	Format         string            `json:"document_format"`
	HoldUntil      string            `json:"job_hold_until"`
	RetainUntil    string            `json:"job_retain_until"`
	RetainInterval int               `json:"job_retain_interval_seconds"`
	Fidelity       bool              `json:"fidelity"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Title == "" {
		req.Title = "untitled"
	}

	attrs := dispatch.JobAttributes{
		Format:         req.Format,
		HoldUntil:      req.HoldUntil,
		RetainUntil:    req.RetainUntil,
		RetainInterval: time.Duration(req.RetainInterval) * time.Second,
		Fidelity:       req.Fidelity,
		Extra:          req.Extra,
	}

	j, ignored, err := s.dispatcher.CreateJob(requester(c), c.Param("printer"), req.Title, attrs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"job":                j.View(),
		"ignored_attributes": ignored,
	})
}

func (s *Server) sendDocument(c *gin.Context) {
	jobID, err := jobIDParam(c)
	if err != nil {
		return
	}

	title := c.Query("title")
	format := c.Query("document-format")
	last := c.DefaultQuery("last", "true") != "false"

	err = s.dispatcher.SendDocument(requester(c), c.Param("printer"), jobID, title, format, last, c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "spooled"})
}

func (s *Server) listJobs(c *gin.Context) {
	filter := core.JobFilter(c.DefaultQuery("which", string(core.FilterAll)))
	jobs, err := s.dispatcher.ListJobs(requester(c), c.Param("printer"), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	jobID, err := jobIDParam(c)
	if err != nil {
		return
	}

	p, err := s.system.Printer(c.Param("printer"))
	if err != nil {
		writeError(c, err)
		return
	}
	j, err := p.FindJob(jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j.View())
}

func (s *Server) cancelJob(c *gin.Context) {
	jobID, err := jobIDParam(c)
	if err != nil {
		return
	}

	if err := s.dispatcher.CancelJob(requester(c), c.Param("printer"), jobID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

func (s *Server) cancelUserJobs(c *gin.Context) {
	n, err := s.dispatcher.CancelUserJobs(requester(c), c.Param("printer"), c.Query("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": n})
}

type holdJobRequest struct {
	HoldUntil string `json:"job_hold_until"`
}

func (s *Server) holdJob(c *gin.Context) {
	jobID, err := jobIDParam(c)
	if err != nil {
		return
	}

	var req holdJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	attrs := dispatch.JobAttributes{HoldUntil: req.HoldUntil}
	if err := s.dispatcher.HoldJob(requester(c), c.Param("printer"), jobID, attrs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "held"})
}

func (s *Server) releaseJob(c *gin.Context) {
	jobID, err := jobIDParam(c)
	if err != nil {
		return
	}

	if err := s.dispatcher.ReleaseJob(requester(c), c.Param("printer"), jobID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (s *Server) holdNewJobs(c *gin.Context) {
	if err := s.dispatcher.HoldNewJobs(requester(c), c.Param("printer")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "holding new jobs"})
}

func (s *Server) releaseHeldNewJobs(c *gin.Context) {
	if err := s.dispatcher.ReleaseHeldNewJobs(requester(c), c.Param("printer")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released held jobs"})
}

type identifyRequest struct {
	Actions []string `json:"actions"`
	Message string   `json:"message"`
}

func (s *Server) identifyPrinter(c *gin.Context) {
	var req identifyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	if err := s.dispatcher.IdentifyPrinter(requester(c), c.Param("printer"), req.Actions, req.Message); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "identified"})
}

type createSubscriptionRequest struct {
	Printer      string   `json:"printer"`
	JobID        int64    `json:"job_id"`
	Events       []string `json:"events" binding:"required"`
	LeaseSeconds int      `json:"lease_seconds"`
	DeliveryURI  string   `json:"delivery_uri"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	lease := time.Duration(req.LeaseSeconds) * time.Second
	sub, ignored, err := s.dispatcher.CreateSubscription(requester(c), req.Printer, req.JobID, req.Events, lease, req.DeliveryURI)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"subscription_id": sub.ID,
		"uuid":            sub.UUID,
		"expires_at":      sub.ExpiresAt(),
		"ignored_events":  ignored,
	})
}

func (s *Server) getNotifications(c *gin.Context) {
	subID, err := subIDParam(c)
	if err != nil {
		return
	}

	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	block := c.Query("block") == "true"

	events, err := s.dispatcher.GetNotifications(requester(c), subID, since, block)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type renewRequest struct {
	LeaseSeconds int `json:"lease_seconds"`
}

func (s *Server) renewSubscription(c *gin.Context) {
	subID, err := subIDParam(c)
	if err != nil {
		return
	}

	var req renewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	expires, err := s.dispatcher.RenewSubscription(requester(c), subID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expires_at": expires})
}

func (s *Server) cancelSubscription(c *gin.Context) {
	subID, err := subIDParam(c)
	if err != nil {
		return
	}

	if err := s.dispatcher.CancelSubscription(requester(c), subID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// listHistory queries the archive. Non-admins only see their own jobs.
func (s *Server) listHistory(c *gin.Context) {
	req := requester(c)

	f := history.Filter{
		Printer:  c.Query("printer"),
		Username: c.Query("user"),
	}
	f.Limit, _ = strconv.Atoi(c.Query("limit"))
	f.Offset, _ = strconv.Atoi(c.Query("offset"))

	if !s.dispatcher.IsAdmin(req) {
		f.Username = req.User
	}

	jobs, err := s.archive.ListJobs(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func jobIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, strconv.ErrSyntax
	}
	return id, nil
}

func subIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return 0, strconv.ErrSyntax
	}
	return id, nil
}
