package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zimagehq/zimage/internal/auth"
	"github.com/zimagehq/zimage/internal/common"
	"github.com/zimagehq/zimage/internal/gen"
	"github.com/zimagehq/zimage/internal/storage"
)

// clientKey extracts the raw API key from the request.
func clientKey(c *gin.Context) string {
	if k := c.GetHeader("X-Auth-Key"); k != "" {
		return k
	}
	return c.Query("auth_key")
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		common.Fail(c, http.StatusUnauthorized, 40101, "missing API auth key")
	case errors.Is(err, auth.ErrKeyNotAllowed):
		common.Fail(c, http.StatusForbidden, 40301, "API key not allowed")
	case errors.Is(err, auth.ErrNotOwner):
		common.Fail(c, http.StatusForbidden, 40302, "not allowed to access this task")
	case errors.Is(err, gen.ErrTaskNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "task not found")
	case errors.Is(err, gen.ErrInvalidSpec):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func buildImageURL(relativePath string) string {
	return "/generated-images/" + strings.TrimPrefix(relativePath, "/")
}

type generateReq struct {
	gen.GenerateSpec
	BatchSize int `json:"batch_size"`
}

// Generate enqueues an image generation batch and returns the poll handles.
// No image is produced synchronously.
func (h *Handler) Generate(c *gin.Context) {
	id, err := h.Resolver.Resolve(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	receipt, err := h.Svc.Submit(c.Request.Context(), id, req.GenerateSpec, req.BatchSize)
	if err != nil {
		respondErr(c, err)
		return
	}

	common.OK(c, gin.H{
		"task_id":    receipt.TaskID,
		"status_url": receipt.StatusURL,
		"batch_id":   receipt.BatchID,
		"task_ids":   receipt.TaskIDs,
		"image_url":  nil,
	})
}

// GetTask returns the current status of one task, including the full result
// payload and an image_url convenience field once completed.
func (h *Handler) GetTask(c *gin.Context) {
	id, err := h.Resolver.Resolve(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	taskID := c.Param("task_id")
	if taskID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "task_id required")
		return
	}

	state, err := h.Svc.GetTask(c.Request.Context(), id, taskID)
	if err != nil {
		respondErr(c, err)
		return
	}

	resp := gin.H{
		"task_id": taskID,
		"status":  state.Status,
	}
	if state.Status == gen.StatusRunning && state.Progress != nil {
		resp["progress"] = *state.Progress
	}
	if state.Result != nil {
		resp["result"] = state.Result
		if state.Result.RelativePath != "" {
			resp["image_url"] = buildImageURL(state.Result.RelativePath)
		}
	}
	if state.Error != nil {
		resp["error"] = state.Error.Hint
		resp["error_code"] = state.Error.Code
		if state.Error.Detail != "" {
			resp["error_detail"] = state.Error.Detail
		}
	}
	common.OK(c, resp)
}

// CancelTask requests best-effort cancellation; cancelling a finished task
// reports the existing status, never an error.
func (h *Handler) CancelTask(c *gin.Context) {
	id, err := h.Resolver.Resolve(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	taskID := c.Param("task_id")
	state, message, err := h.Svc.Cancel(c.Request.Context(), id, taskID)
	if err != nil {
		respondErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"task_id": taskID,
		"status":  state.Status,
		"message": message,
	})
}

// DeleteTask hides a task from history listings. Artifacts and execution
// backend records are untouched.
func (h *Handler) DeleteTask(c *gin.Context) {
	id, err := h.Resolver.Resolve(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	taskID := c.Param("task_id")
	if err := h.Svc.Delete(c.Request.Context(), id, taskID); err != nil {
		respondErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"task_id": taskID,
		"status":  "deleted",
		"message": "task hidden from history",
	})
}

// History lists recent tasks: per-key for regular callers, global for admin
// (and for anonymous callers when auth is disabled).
func (h *Handler) History(c *gin.Context) {
	id, err := h.Resolver.ResolveLenient(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	summaries, err := h.Svc.History(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		entry := gin.H{
			"task_id":       s.TaskID,
			"status":        s.Status,
			"created_at":    s.CreatedAt,
			"prompt":        s.Prompt,
			"height":        s.Height,
			"width":         s.Width,
			"relative_path": s.RelativePath,
		}
		if s.RelativePath != nil {
			entry["image_url"] = buildImageURL(*s.RelativePath)
		}
		if s.Progress != nil {
			entry["progress"] = *s.Progress
		}
		out = append(out, entry)
	}
	common.OK(c, out)
}

// ListBatches pages the durable batch ledger scoped to the caller.
func (h *Handler) ListBatches(c *gin.Context) {
	id, err := h.Resolver.ResolveLenient(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	batches, err := h.Svc.ListBatches(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	common.OK(c, gin.H{"batches": batches})
}

// GetBatch returns a batch with its per-item statuses.
func (h *Handler) GetBatch(c *gin.Context) {
	id, err := h.Resolver.ResolveLenient(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	batchID := c.Param("batch_id")
	batch, items, err := h.Svc.GetBatch(c.Request.Context(), id, batchID)
	if err != nil {
		if errors.Is(err, gen.ErrTaskNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "batch not found")
			return
		}
		respondErr(c, err)
		return
	}

	outItems := make([]gin.H, 0, len(items))
	for _, item := range items {
		entry := gin.H{
			"task_id": item.TaskID,
			"index":   item.BatchIndex,
			"status":  item.Status,
			"seed":    item.Seed,
			"width":   item.Width,
			"height":  item.Height,
		}
		if item.RelativePath != nil {
			entry["image_url"] = buildImageURL(*item.RelativePath)
		}
		if item.ErrorCode != nil {
			entry["error_code"] = *item.ErrorCode
		}
		if item.ErrorHint != nil {
			entry["error_hint"] = *item.ErrorHint
		}
		outItems = append(outItems, entry)
	}
	common.OK(c, gin.H{
		"batch": batch,
		"items": outItems,
	})
}

// DeleteBatch soft-deletes a batch and all of its items from listings.
func (h *Handler) DeleteBatch(c *gin.Context) {
	id, err := h.Resolver.Resolve(clientKey(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	batchID := c.Param("batch_id")
	if err := h.Svc.DeleteBatch(c.Request.Context(), id, batchID); err != nil {
		if errors.Is(err, gen.ErrTaskNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "batch not found")
			return
		}
		respondErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"batch_id": batchID,
		"status":   "deleted",
		"message":  "batch hidden from history",
	})
}

// ServeImage streams a stored artifact by its relative path, for both local
// and S3 backends.
func (h *Handler) ServeImage(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" {
		common.Fail(c, http.StatusNotFound, 40404, "image not found")
		return
	}

	data, contentType, err := h.Store.Get(c.Request.Context(), rel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "image not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
