package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/common"
	"github.com/liuq19/chatflow/internal/httpapi/middleware"
	"github.com/liuq19/chatflow/internal/quota"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

type streamTurnReq struct {
	SessionID    string `json:"session_id"`
	ModelID      string `json:"model_id" binding:"required"`
	Message      string `json:"message" binding:"required"`
	MemoryPrompt string `json:"memory_prompt"`
}

// StreamTurn runs one quota-checked, session-backed streamed exchange
// and delivers tokens over SSE. Mid-stream provider failures end the
// stream with a normal done event; they are logged, not surfaced, which
// is this transport's policy, not the orchestrator's.
func (h *Handler) StreamTurn(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req streamTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	allowed, err := h.Ledger.Check(ctx, uid, req.ModelID)
	if err != nil {
		if errors.Is(err, quota.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user or quota rule not found")
			return
		}
		logrus.WithError(err).Error("quota check failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if !allowed {
		common.Fail(c, http.StatusTooManyRequests, 42900, "quota exceeded")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID, err = common.NewULID()
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
	}

	sess, history, err := h.Store.Resolve(ctx, sessionID, uid, req.MemoryPrompt, h.Cfg.HistoryLimit)
	if err != nil {
		if errors.Is(err, chat.ErrNotOwner) {
			common.Fail(c, http.StatusForbidden, 40301, "session owned by another user")
			return
		}
		logrus.WithError(err).Error("session resolve failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	credential := strings.TrimSpace(c.GetHeader("X-Provider-Key"))
	if credential == "" {
		credential = h.Cfg.ProviderAPIKey
	}

	stream, err := h.Orc.Run(ctx, chat.TurnRequest{
		UserID:       uid,
		SessionID:    sess.SessionID,
		ModelID:      req.ModelID,
		Content:      req.Message,
		MemoryPrompt: sess.MemoryPrompt,
		History:      history,
		Credential:   credential,
	})
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "model not found")
			return
		}
		logrus.WithError(err).Error("turn start failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case tok, ok := <-stream.Tokens:
			if !ok {
				if err := <-stream.Err; err != nil {
					logrus.WithFields(logrus.Fields{
						"user_id":    uid,
						"session_id": sess.SessionID,
						"request_id": c.GetString(middleware.RequestIDKey),
					}).WithError(err).Warn("turn ended with error")
				}
				writeJSON("done", gin.H{
					"type":       "done",
					"session_id": sess.SessionID,
				})
				return
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": tok,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			// client went away; orchestrator observes ctx and skips the commit
			return
		}
	}
}

func (h *Handler) ListSessionMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.Store.GetMessages(c.Request.Context(), uid, sessionID, limit)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "session not found")
			return
		}
		logrus.WithError(err).Error("list messages failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "internal error")
		return
	}

	common.Ok(c, gin.H{"messages": msgs})
}

func (h *Handler) ListRecentSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	sessions, err := h.Store.ListRecent(c.Request.Context(), uid, limit)
	if err != nil {
		logrus.WithError(err).Error("list sessions failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "internal error")
		return
	}

	common.Ok(c, gin.H{"sessions": sessions})
}
