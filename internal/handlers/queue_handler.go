package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"publisher-sync/internal/middleware"
	"publisher-sync/internal/models"
	"publisher-sync/internal/observability/metrics"
	"publisher-sync/internal/repos"
	"publisher-sync/internal/services"

	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	repo        *repos.QueueRepo
	materialize *services.Materializer
	// Feature flag: when false, committed jobs are never projected to files.
	materializeEnabled bool
}

func NewQueueHandler(repo *repos.QueueRepo, materialize *services.Materializer, materializeEnabled bool) *QueueHandler {
	return &QueueHandler{repo: repo, materialize: materialize, materializeEnabled: materializeEnabled}
}

type sendBody struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Direction    string          `json:"direction"`
	Initiator    string          `json:"initiator"`
	DeviceTarget string          `json:"deviceTarget"`
	Notify       bool            `json:"notify"`
}

// Send accepts one job from the desktop producer. 201 with the created job;
// malformed bodies get a generic 400.
func (h *QueueHandler) Send(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.createJob(c, body, "")
}

// Incoming accepts a mobile-originated job; direction is forced and the
// payload is never materialized (the desktop reads the store directly).
func (h *QueueHandler) Incoming(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.createJob(c, body, models.DirectionMobileToDesktop)
}

func (h *QueueHandler) createJob(c *gin.Context, body sendBody, forced models.Direction) {
	body.Type = strings.TrimSpace(body.Type)
	if body.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	direction := forced
	if direction == "" {
		direction = models.Direction(body.Direction)
		if body.Direction == "" {
			direction = models.DirectionDesktopToMobile
		}
		if !direction.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	initiator := strings.TrimSpace(body.Initiator)
	if initiator == "" {
		if dev := middleware.DeviceFromContext(c); dev != nil {
			initiator = dev.ID
		}
	}

	job, err := h.repo.AddJob(repos.AddJobInput{
		Type:         body.Type,
		Direction:    direction,
		Payload:      body.Payload,
		Initiator:    initiator,
		DeviceTarget: strings.TrimSpace(body.DeviceTarget),
		Notify:       body.Notify,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.JobsCreatedTotal.WithLabelValues(job.Type, string(job.Direction)).Inc()

	if job.Direction == models.DirectionDesktopToMobile && h.materializeEnabled {
		h.materialize.Enqueue(*job)
	}
	c.JSON(http.StatusCreated, job)
}

// Import is the bulk variant of Send; it runs under a tighter rate ceiling.
func (h *QueueHandler) Import(c *gin.Context) {
	var body struct {
		Jobs []sendBody `json:"jobs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Jobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	created := make([]models.Job, 0, len(body.Jobs))
	for _, in := range body.Jobs {
		in.Type = strings.TrimSpace(in.Type)
		if in.Type == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		direction := models.Direction(in.Direction)
		if in.Direction == "" {
			direction = models.DirectionDesktopToMobile
		}
		if !direction.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		initiator := strings.TrimSpace(in.Initiator)
		if initiator == "" {
			if dev := middleware.DeviceFromContext(c); dev != nil {
				initiator = dev.ID
			}
		}
		job, err := h.repo.AddJob(repos.AddJobInput{
			Type:         in.Type,
			Direction:    direction,
			Payload:      in.Payload,
			Initiator:    initiator,
			DeviceTarget: strings.TrimSpace(in.DeviceTarget),
			Notify:       in.Notify,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		metrics.JobsCreatedTotal.WithLabelValues(job.Type, string(job.Direction)).Inc()
		if job.Direction == models.DirectionDesktopToMobile && h.materializeEnabled {
			h.materialize.Enqueue(*job)
		}
		created = append(created, *job)
	}
	c.JSON(http.StatusCreated, gin.H{"imported": len(created), "jobs": created})
}

// Queue lists jobs with conjunctive query filters.
func (h *QueueHandler) Queue(c *gin.Context) {
	h.listJobs(c, "")
}

// Updates is the mobile poll: desktop_to_mobile jobs only.
func (h *QueueHandler) Updates(c *gin.Context) {
	h.listJobs(c, models.DirectionDesktopToMobile)
}

func (h *QueueHandler) listJobs(c *gin.Context, forced models.Direction) {
	filter := repos.JobFilter{
		Direction: forced,
		Status:    models.JobStatus(strings.TrimSpace(c.Query("status"))),
		Limit:     int(parseInt64Default(c.Query("limit"), 0)),
	}
	if forced == "" {
		filter.Direction = models.Direction(strings.TrimSpace(c.Query("direction")))
	}
	if types := strings.TrimSpace(c.Query("type")); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, t)
			}
		}
	}
	if since := strings.TrimSpace(c.Query("since")); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}

	jobs, err := h.repo.ListJobs(filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *QueueHandler) GetJob(c *gin.Context) {
	job, err := h.repo.FindJob(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Ack reports the consumer-side outcome of a job.
func (h *QueueHandler) Ack(c *gin.Context) {
	var body struct {
		ID           string  `json:"id"`
		Status       string  `json:"status"`
		ErrorMessage *string `json:"errorMessage"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	status := models.JobStatus(strings.TrimSpace(body.Status))
	if strings.TrimSpace(body.ID) == "" || !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	job, err := h.repo.UpdateJob(strings.TrimSpace(body.ID), repos.JobPatch{
		Status:       &status,
		ErrorMessage: body.ErrorMessage,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *QueueHandler) Notifications(c *gin.Context) {
	limit := int(parseInt64Default(c.Query("limit"), 50))
	notes, err := h.repo.ListNotifications(limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

func (h *QueueHandler) RemoveNotification(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.repo.RemoveNotification(id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *QueueHandler) ClearNotifications(c *gin.Context) {
	if err := h.repo.ClearNotifications(); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Store failures surface as a generic 400; internal detail stays out of the
// response body.
func (h *QueueHandler) writeError(c *gin.Context, err error) {
	if errors.Is(err, repos.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "request failed"})
}

func parseInt64Default(v string, fallback int64) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return i
	}
	return fallback
}
