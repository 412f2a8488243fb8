package relay

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/voice-bridge/backend/internal/config"
	relaymodel "github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/session"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
	"github.com/zhouzirui/voice-bridge/backend/internal/store"
	"github.com/zhouzirui/voice-bridge/backend/pkg/utils"
)

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	registry *session.Registry
	gateway  store.Gateway
}

// New 创建中继处理器
func New(registry *session.Registry, gateway store.Gateway) *Handler {
	return &Handler{registry: registry, gateway: gateway}
}

// RegisterRoutes 注册会话相关路由
func (h *Handler) RegisterRoutes(r chi.Router, connector upstream.Connector, cfg *config.Config) {
	r.Route("/relay", func(relayRouter chi.Router) {
		relayRouter.Post("/sessions", h.handleCreateSession)
		relayRouter.Get("/sessions/{sessionID}/history", h.handleHistory)
		relayRouter.Get("/sessions/{sessionID}/events", h.handleEvents)
		relayRouter.Get("/health", h.handleHealth)

		wsHandler := NewWebSocketHandler(h.registry, connector, h.gateway, cfg)
		wsHandler.RegisterWebSocketRoutes(relayRouter)
	})
}

// handleCreateSession 分配会话ID并登记持久化条目。
// 客户端先调用此接口，再携带ID建立WebSocket连接。
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()

	if err := h.gateway.CreateSession(r.Context(), sessionID); err != nil {
		log.Printf("[relay] create session failed: %v", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "failed to create session")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

// handleHistory 读取会话的持久化转录，供重启后恢复对话
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	entries, err := h.gateway.LoadHistory(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("[relay] load history failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"entries":   entries,
	})
}

// handleEvents SSE状态流：推送会话状态机的每次迁移
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	sess, err := h.registry.Lookup(sessionID)
	if err != nil {
		// 会话尚未连接或已结束：推送单次快照后关闭
		utils.SendSSEChunk(w, flusher, relaymodel.SessionStatus{
			SessionID: sessionID,
			State:     "idle",
			Message:   "no live session",
		})
		return
	}

	updates := sess.Subscribe()
	defer sess.Unsubscribe(updates)

	utils.SendSSEChunk(w, flusher, sess.Status())

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			// 终态快照已经由setState广播，补发后结束流
			utils.SendSSEChunk(w, flusher, sess.Status())
			return
		case status := <-updates:
			utils.SendSSEChunk(w, flusher, status)
		}
	}
}

// handleHealth 健康检查
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.registry.Count(),
	})
}
