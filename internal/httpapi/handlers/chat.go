package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/chat"
	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/files"
	"github.com/qiyuhang/multisolve/internal/httpapi/middleware"
	"github.com/qiyuhang/multisolve/internal/identity"
)

// failFromError maps service errors onto the response envelope. Anything
// unrecognized is a 500 with no detail leaked.
func (h *Handler) failFromError(c *gin.Context, err error) {
	var ve *common.ValidationError
	if errors.As(err, &ve) {
		common.FailWithError(c, http.StatusBadRequest, 10002, common.CodeValidation, ve.Msg, gin.H{"field": ve.Field})
		return
	}
	if errors.Is(err, common.ErrNotFound) {
		common.FailWithError(c, http.StatusNotFound, 40402, common.CodeNotFound, "not found", nil)
		return
	}
	if errors.Is(err, common.ErrUnauthorized) {
		common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
		return
	}
	if errors.Is(err, billing.ErrInsufficientBalance) {
		common.Fail(c, http.StatusPaymentRequired, 40201, "insufficient balance")
		return
	}
	h.Log.Error("request failed", "path", c.Request.URL.Path, "err", err)
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}

type solveReq struct {
	ProblemStatement string            `json:"problem_statement"`
	ModelAssignments []chat.Assignment `json:"model_assignments"`
}

// Solve accepts either a JSON body or a multipart form carrying an attached
// problem file alongside the same fields.
func (h *Handler) Solve(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
		return
	}

	var req solveReq
	var uploaded *files.Metadata

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req.ProblemStatement = c.PostForm("problem_statement")
		raw := c.PostForm("model_assignments")
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.ModelAssignments); err != nil {
				common.Fail(c, http.StatusBadRequest, 10001, "invalid model_assignments json")
				return
			}
		}

		if fh, err := c.FormFile("file"); err == nil && fh != nil {
			src, err := fh.Open()
			if err != nil {
				common.FailWithError(c, http.StatusInternalServerError, 50003, common.CodeStorage, "file read failed", nil)
				return
			}
			meta, err := h.Files.Upload(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), src, fh.Size)
			_ = src.Close()
			if err != nil {
				var ve *common.ValidationError
				if errors.As(err, &ve) {
					common.FailWithError(c, http.StatusBadRequest, 10002, common.CodeValidation, ve.Msg, nil)
					return
				}
				h.Log.Error("upload failed", "file", fh.Filename, "err", err)
				common.FailWithError(c, http.StatusInternalServerError, 50003, common.CodeStorage, "file upload failed", nil)
				return
			}
			uploaded = meta
		}
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}

	res, err := h.ChatSvc.CreateSolve(c.Request.Context(), chat.SolveInput{
		Description: req.ProblemStatement,
		Assignments: req.ModelAssignments,
		Identity:    id,
		File:        uploaded,
	})
	if err != nil {
		// The solve never started; an upload that only this request knows
		// about must not linger.
		if uploaded != nil {
			if delErr := h.Files.Delete(c.Request.Context(), uploaded.Key); delErr != nil {
				h.Log.Warn("orphan upload cleanup failed", "key", uploaded.Key, "err", delErr)
			}
		}
		h.failFromError(c, err)
		return
	}

	if err := h.Dispatcher.Dispatch(c.Request.Context(), res.Job.ID); err != nil {
		h.Log.Error("dispatch failed", "job", res.Job.ID, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	}

	h.invalidateHistory(c, id)

	payload := gin.H{
		"chat_id": res.Chat.ChatID,
		"job_id":  res.Job.ID,
	}
	if res.Problem.HasFile() && h.Files != nil {
		if url, err := h.Files.SignedURL(c.Request.Context(), res.Problem.FileKey); err == nil {
			payload["file_url"] = url
			payload["file_name"] = res.Problem.FileName
		} else {
			h.Log.Warn("signed url failed", "key", res.Problem.FileKey, "err", err)
		}
	}
	common.OK(c, payload)
}

// GetChat blocks briefly while a fresh chain is still producing, so first
// reads after solve return content instead of an empty shell.
func (h *Handler) GetChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "chat_id required")
		return
	}

	detail, err := h.ChatSvc.WaitForDetail(c.Request.Context(), chatID, h.Cfg.ChatWaitTimeout)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	payload := gin.H{
		"chat_id":   detail.Chat.ChatID,
		"problem":   detail.Problem.Description,
		"status":    detail.Status,
		"responses": detail.Responses,
	}
	if detail.Problem.HasFile() {
		url, err := h.Files.SignedURL(c.Request.Context(), detail.Problem.FileKey)
		if err != nil {
			h.Log.Warn("signed url failed", "key", detail.Problem.FileKey, "err", err)
		} else {
			payload["file_url"] = url
			payload["file_name"] = detail.Problem.FileName
		}
	}
	common.OK(c, payload)
}

// History is registered-only and served through the redis cache when warm.
func (h *Handler) History(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)
	userID, ok := id.UserID()
	if !ok {
		common.FailWithError(c, http.StatusUnauthorized, 40103, common.CodeNoAuth, "authentication required", nil)
		return
	}

	if h.Cache != nil {
		if entries, hit, err := h.Cache.GetHistory(c.Request.Context(), userID); err == nil && hit {
			common.OK(c, gin.H{"chats": entries, "cached": true})
			return
		}
	}

	entries, err := h.ChatSvc.History(c.Request.Context(), id)
	if err != nil {
		h.failFromError(c, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.SetHistory(c.Request.Context(), userID, entries); err != nil {
			h.Log.Warn("history cache write failed", "user", userID, "err", err)
		}
	}
	common.OK(c, gin.H{"chats": entries, "cached": false})
}

type editReq struct {
	ChatID        string `json:"chat_id" binding:"required"`
	ModelName     string `json:"model_name" binding:"required"`
	OldResponseID uint64 `json:"old_response_id" binding:"required"`
	NewText       string `json:"new_text" binding:"required"`
}

func (h *Handler) EditResponse(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)

	var req editReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	resp, err := h.ChatSvc.Edit(c.Request.Context(), id, req.ChatID, req.ModelName, req.OldResponseID, req.NewText)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	h.invalidateHistory(c, id)
	common.OK(c, gin.H{"response": resp})
}

type feedbackReq struct {
	ChatID    string `json:"chat_id" binding:"required"`
	ModelName string `json:"model_name" binding:"required"`
	Feedback  string `json:"feedback" binding:"required"`
}

func (h *Handler) Feedback(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)

	var req feedbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	resp, problem, err := h.ChatSvc.Regenerate(c.Request.Context(), id, req.ChatID, req.ModelName, req.Feedback)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	h.invalidateHistory(c, id)

	payload := gin.H{"response": resp}
	if problem.HasFile() {
		if url, err := h.Files.SignedURL(c.Request.Context(), problem.FileKey); err == nil {
			payload["file_url"] = url
		}
	}
	common.OK(c, payload)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)

	chatID := c.Param("chat_id")
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "chat_id required")
		return
	}

	if err := h.ChatSvc.Delete(c.Request.Context(), id, chatID); err != nil {
		h.failFromError(c, err)
		return
	}

	h.invalidateHistory(c, id)
	common.OK(c, gin.H{"deleted": chatID})
}

func (h *Handler) Usage(c *gin.Context) {
	id, _ := middleware.CurrentIdentity(c)

	summary, err := h.Ledger.SummarizeUsage(c.Request.Context(), id)
	if err != nil {
		h.failFromError(c, err)
		return
	}
	common.OK(c, gin.H{"usage": summary})
}

func (h *Handler) invalidateHistory(c *gin.Context, id identity.Identity) {
	if h.Cache == nil {
		return
	}
	if userID, ok := id.UserID(); ok {
		if err := h.Cache.InvalidateHistory(c.Request.Context(), userID); err != nil {
			h.Log.Warn("history cache invalidation failed", "user", userID, "err", err)
		}
	}
}
