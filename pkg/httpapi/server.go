// Package httpapi exposes the submission and inspection REST API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkenzh/vidqueue/pkg/core"
	"github.com/dkenzh/vidqueue/pkg/pricing"
	"github.com/dkenzh/vidqueue/pkg/scheduler"
)

// StatsProvider reports live scheduler state for the stats endpoint.
type StatsProvider interface {
	Stats(ctx context.Context) (scheduler.Stats, error)
}

// Server handles job submission and inspection over HTTP.
type Server struct {
	store  core.JobStore
	ledger core.Ledger
	stats  StatsProvider
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(store core.JobStore, ledger core.Ledger, stats StatsProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, ledger: ledger, stats: stats, logger: logger.With("component", "httpapi")}
}

// Router builds the gin engine with all routes registered. Extra middleware
// (such as the rate limiter) applies to the submission route only.
func (s *Server) Router(submitMiddleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.POST("", append(submitMiddleware, s.createJob)...)
		jobs.GET("/:id", s.getJob)

		users := v1.Group("/users")
		users.POST("", s.createUser)
		users.GET("/:id/jobs", s.listUserJobs)
		users.GET("/:id/balance", s.getBalance)
		users.POST("/:id/credits", s.addCredits)

		v1.GET("/queue/stats", s.queueStats)
	}
	return r
}

type createJobRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	DeliverTo string `json:"deliver_to" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
	Model     string `json:"model"`
	Seconds   int    `json:"seconds"`
	Size      string `json:"size"`
	InputRef  string `json:"input_ref"`
}

// createJob prices the request, debits the owner up front, and enqueues the
// job. A failed enqueue after a successful debit is compensated with an
// immediate credit so the owner never pays for a job that was never queued.
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		req.Model = "sora-2"
	}
	if req.Seconds == 0 {
		req.Seconds = 8
	}
	if req.Size == "" {
		req.Size = "1280x720"
	}
	if !pricing.Supported(req.Model, req.Size, req.Seconds) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": core.ErrUnsupportedParams.Error()})
		return
	}

	ctx := c.Request.Context()
	price := float64(pricing.Cost(req.Model, req.Size, req.Seconds))

	if err := s.ledger.Debit(ctx, req.UserID, price); err != nil {
		if errors.Is(err, core.ErrInsufficientCredits) {
			balance, _ := s.ledger.Balance(ctx, req.UserID)
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient credits",
				"price":   price,
				"balance": balance,
			})
			return
		}
		s.logger.Error("debit failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to charge credits"})
		return
	}

	job := &core.Job{
		UserID:    req.UserID,
		DeliverTo: req.DeliverTo,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Seconds:   req.Seconds,
		Size:      req.Size,
		InputRef:  req.InputRef,
		Status:    core.StatusPending,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		s.logger.Error("enqueue failed, refunding", "user_id", req.UserID, "error", err)
		if crErr := s.ledger.Credit(ctx, req.UserID, price); crErr != nil {
			s.logger.Error("compensating credit failed", "user_id", req.UserID, "amount", price, "error", crErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_id": job.ID,
		"status": job.Status,
		"price":  price,
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

type createUserRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Username string `json:"username"`
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ledger.CreateUser(c.Request.Context(), req.UserID, req.Username); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": req.UserID})
}

func (s *Server) listUserJobs(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	jobs, err := s.store.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) getBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	balance, err := s.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

type addCreditsRequest struct {
	Amount float64 `json:"amount" binding:"required,gt=0"`
}

func (s *Server) addCredits(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ledger.Credit(c.Request.Context(), userID, req.Amount); err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	balance, _ := s.ledger.Balance(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.stats.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func jobView(job *core.Job) gin.H {
	v := gin.H{
		"job_id":      job.ID,
		"status":      job.Status,
		"prompt":      job.Prompt,
		"model":       job.Model,
		"seconds":     job.Seconds,
		"size":        job.Size,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt.Format(time.RFC3339),
	}
	if job.LastError != "" {
		v["last_error"] = job.LastError
	}
	if job.CompletedAt != nil {
		v["completed_at"] = job.CompletedAt.Format(time.RFC3339)
	}
	return v
}
