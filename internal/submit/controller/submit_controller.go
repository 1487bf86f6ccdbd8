package controller

import (
	"context"
	"strings"
	"time"

	"judgecore/internal/submit/service"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Pinger is the probe surface Healthz checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubmitController handles submission HTTP endpoints.
type SubmitController struct {
	submitService *service.SubmitService
	probes        map[string]Pinger
}

// NewSubmitController creates a new SubmitController. probes maps a
// dependency name to its ping check for the health endpoint; nil entries
// are skipped.
func NewSubmitController(submitService *service.SubmitService, probes map[string]Pinger) *SubmitController {
	return &SubmitController{submitService: submitService, probes: probes}
}

// Create accepts a submission and answers 202 with the id to poll.
func (h *SubmitController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	receipt, err := h.submitService.Submit(c.Request.Context(), service.SubmitInput{
		SubmissionID:   req.SubmissionID,
		LanguageID:     req.Language,
		SourceCode:     req.SourceCode,
		Stdin:          req.Stdin,
		ExpectedOutput: req.ExpectedOutput,
		ComparePolicy:  req.ComparePolicy,
		TimeLimitMs:    req.TimeLimitMs,
		MemoryLimitMB:  req.MemoryLimitMB,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, receipt)
}

// GetStatus returns the record view for one submission.
func (h *SubmitController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	record, err := h.submitService.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	view := StatusResponse{
		SubmissionID: record.SubmissionID,
		Status:       record.Status,
		Verdict:      record.Verdict,
		Language:     record.LanguageID,
		TimeMs:       record.TimeMs,
		MemoryKB:     record.MemoryKB,
		CreatedAt:    formatTime(&record.CreatedAt),
		StartedAt:    formatTime(record.StartedAt),
		FinishedAt:   formatTime(record.FinishedAt),
	}
	response.Success(c, view)
}

// Healthz reports dependency health.
func (h *SubmitController) Healthz(c *gin.Context) {
	checks := make(map[string]string, len(h.probes))
	healthy := true
	for name, probe := range h.probes {
		if probe == nil {
			continue
		}
		if err := probe.Ping(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "dependency check failed")
		return
	}
	response.Success(c, checks)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// SubmitRequest defines the submission payload.
type SubmitRequest struct {
	SubmissionID   string `json:"submission_id"`
	Language       string `json:"language" binding:"required"`
	SourceCode     string `json:"source_code" binding:"required"`
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
	ComparePolicy  string `json:"compare_policy"`
	TimeLimitMs    int64  `json:"time_limit_ms"`
	MemoryLimitMB  int64  `json:"memory_limit_mb"`
	CallbackURL    string `json:"callback_url"`
}

// StatusResponse is the polling view of a submission record.
type StatusResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict,omitempty"`
	Language     string `json:"language"`
	TimeMs       int64  `json:"time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	CreatedAt    string `json:"created_at,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}
