package controller

import (
	"strconv"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/service"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeController exposes the judge admin surface: health, the active
// submission list, the recent verdict feed and the kill switch.
type JudgeController struct {
	registry *service.ActiveRegistry
	worker   sandbox.Service
	feed     *repository.VerdictFeed
	db       db.Database
	cache    cache.Cache
}

// NewJudgeController creates a new controller. Feed, db and cache may be
// nil; the matching endpoints then degrade gracefully.
func NewJudgeController(registry *service.ActiveRegistry, worker sandbox.Service, feed *repository.VerdictFeed, database db.Database, cacheClient cache.Cache) *JudgeController {
	return &JudgeController{
		registry: registry,
		worker:   worker,
		feed:     feed,
		db:       database,
		cache:    cacheClient,
	}
}

// Healthz reports whether the process can reach its store and cache.
func (h *JudgeController) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	checks := map[string]string{}
	healthy := true
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
			healthy = false
		} else {
			checks["cache"] = "ok"
		}
	}
	if !healthy {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "dependency check failed")
		return
	}
	response.Success(c, checks)
}

// ListActive returns the submissions currently held by this process.
func (h *JudgeController) ListActive(c *gin.Context) {
	if h.registry == nil {
		response.Success(c, []struct{}{})
		return
	}
	response.Success(c, h.registry.List())
}

// RecentVerdicts returns the newest entries of the verdict feed.
func (h *JudgeController) RecentVerdicts(c *gin.Context) {
	if h.feed == nil {
		response.Success(c, []struct{}{})
		return
	}
	limit := int64(0)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := h.feed.Recent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// Kill terminates every sandbox process of one submission on this host.
func (h *JudgeController) Kill(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if h.worker == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "sandbox worker is not available")
		return
	}
	if err := h.worker.Kill(c.Request.Context(), submissionID); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Killed", gin.H{"submission_id": submissionID})
}
