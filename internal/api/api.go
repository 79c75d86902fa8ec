// Package api exposes the HTTP surface: authentication, the streaming chat
// endpoint, conversation management and the quota snapshot.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zhangyuhan0377/zyh.ai/internal/auth"
	"github.com/zhangyuhan0377/zyh.ai/internal/chat"
	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/observability"
	"github.com/zhangyuhan0377/zyh.ai/internal/quota"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
)

// TraceReader serves archived generation traces for debugging. Nil when no
// archive is configured.
type TraceReader interface {
	RecentTraces(ctx context.Context, conversationID string, limit int64) ([]chat.GenerationTrace, error)
}

type Handler struct {
	authService  *auth.Service
	orchestrator *chat.Orchestrator
	store        store.ConversationStore
	ledger       *quota.Ledger
	traces       TraceReader
	logger       *zap.SugaredLogger
}

func NewHandler(authService *auth.Service, orchestrator *chat.Orchestrator, convStore store.ConversationStore, ledger *quota.Ledger, traces TraceReader, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		authService:  authService,
		orchestrator: orchestrator,
		store:        convStore,
		ledger:       ledger,
		traces:       traces,
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	authed := apiGroup.Group("", auth.Middleware(h.authService))
	authed.POST("/chat", h.handleChat)
	authed.GET("/quota", h.handleQuota)

	conversations := authed.Group("/conversations")
	conversations.GET("", h.handleListConversations)
	conversations.GET("/search", h.handleSearchConversations)
	conversations.GET("/:id", h.handleGetConversation)
	conversations.PATCH("/:id/visibility", h.handleUpdateVisibility)
	conversations.DELETE("/:id", h.handleDeleteConversation)
	conversations.GET("/:id/traces", h.handleConversationTraces)

	router.GET("/ws/chat", auth.Middleware(h.authService), h.handleChatWebsocket)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	session, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrUsernameRequired, auth.ErrPasswordTooWeak:
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case auth.ErrUserExists, auth.ErrEmailExists:
			writeError(c, http.StatusConflict, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newSessionResponse(session))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	session, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			writeError(c, http.StatusUnauthorized, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to login", err)
		}
		return
	}

	c.JSON(http.StatusOK, newSessionResponse(session))
}

func (h *Handler) handleQuota(c *gin.Context) {
	decision := h.ledger.CheckRemaining(c.Request.Context(), auth.OwnerID(c))
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) handleListConversations(c *gin.Context) {
	limit, offset := pageParams(c)
	page, err := h.store.ListRecent(c.Request.Context(), auth.OwnerID(c), limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list conversations", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) handleSearchConversations(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		writeError(c, http.StatusBadRequest, "query parameter q is required", errors.New("empty query"))
		return
	}

	limit, offset := pageParams(c)
	page, err := h.store.Search(c.Request.Context(), auth.OwnerID(c), query, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to search conversations", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) handleGetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := h.store.Get(ctx, id, auth.OwnerID(c))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load conversation", err)
		return
	}
	if conv == nil {
		writeError(c, http.StatusNotFound, "conversation not found", store.ErrNotFound)
		return
	}

	turns, err := h.store.Turns(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load turns", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv, "turns": turns})
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (h *Handler) handleUpdateVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	visibility := models.Visibility(req.Visibility)
	if !models.ValidVisibility(visibility) {
		writeError(c, http.StatusBadRequest, "visibility must be private, public or archive", errors.New("unknown visibility"))
		return
	}

	err := h.store.UpdateVisibility(c.Request.Context(), c.Param("id"), auth.OwnerID(c), visibility)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "conversation not found", err)
	case errors.Is(err, store.ErrForbidden):
		writeError(c, http.StatusForbidden, "conversation belongs to another user", err)
	case err != nil:
		writeError(c, http.StatusInternalServerError, "failed to update visibility", err)
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "visibility": visibility})
	}
}

func (h *Handler) handleDeleteConversation(c *gin.Context) {
	result, err := h.store.Delete(c.Request.Context(), c.Param("id"), auth.OwnerID(c))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "conversation not found", err)
	case errors.Is(err, store.ErrForbidden):
		writeError(c, http.StatusForbidden, "conversation belongs to another user", err)
	case errors.Is(err, store.ErrInconsistentDelete):
		// A delete that left turns behind is a data integrity failure, not
		// a success with a quirk.
		h.logger.Errorw("conversation delete left turns behind", "conversation", c.Param("id"))
		writeError(c, http.StatusInternalServerError, "conversation delete was inconsistent", err)
	case err != nil:
		writeError(c, http.StatusInternalServerError, "failed to delete conversation", err)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// handleConversationTraces returns the archived generation traces for one
// of the caller's conversations, newest first.
func (h *Handler) handleConversationTraces(c *gin.Context) {
	if h.traces == nil {
		writeError(c, http.StatusNotFound, "trace archive not enabled", errors.New("no trace reader configured"))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := h.store.Get(ctx, id, auth.OwnerID(c))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load conversation", err)
		return
	}
	if conv == nil {
		writeError(c, http.StatusNotFound, "conversation not found", store.ErrNotFound)
		return
	}

	limit, _ := strconv.ParseInt(c.Query("limit"), 10, 64)
	traces, err := h.traces.RecentTraces(ctx, id, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load traces", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": id, "traces": traces})
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return limit, offset
}

func newSessionResponse(session *auth.Session) gin.H {
	return gin.H{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt.Format(time.RFC3339),
		"user": gin.H{
			"id":        session.User.ID,
			"username":  session.User.Username,
			"email":     session.User.Email,
			"createdAt": session.User.CreatedAt.Format(time.RFC3339),
			"updatedAt": session.User.UpdatedAt.Format(time.RFC3339),
		},
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
