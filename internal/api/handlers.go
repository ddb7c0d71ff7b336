package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dealscout/internal/auth"
	"dealscout/internal/models"
	"dealscout/internal/observability"
	"dealscout/internal/redis"
	"dealscout/internal/service/assistant"
	"dealscout/internal/service/shopping"
	"dealscout/internal/worker"
)

const healthCheckTimeout = 2 * time.Second

// TurnHandler runs one chat turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req shopping.TurnRequest) *shopping.TurnResult
}

// Dispatcher serializes turns per key on a bounded worker pool.
type Dispatcher interface {
	Submit(ctx context.Context, key string, fn func(context.Context)) error
	Pending() int
}

// Handler wires HTTP routes to the assistant service and the turn dispatcher.
type Handler struct {
	assistant  *assistant.Service
	auth       *auth.Service
	turns      TurnHandler
	dispatcher Dispatcher
	cache      *redis.Client
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, turns TurnHandler, dispatcher Dispatcher) *Handler {
	return &Handler{
		assistant:  service,
		auth:       authService,
		turns:      turns,
		dispatcher: dispatcher,
	}
}

// WithCache reports the redis connection on /health. A nil cache is reported
// as disabled.
func (h *Handler) WithCache(cache *redis.Client) *Handler {
	h.cache = cache
	return h
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.POST("/chat", h.auth.OptionalMiddleware(), h.auth.CSRFMiddleware(), h.chat)

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/chat", h.chat)
	authed.GET("/conversations", h.listConversations)
	authed.GET("/conversations/:id/messages", h.getConversationMessages)
	authed.PATCH("/conversations/:id", h.renameConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)
	authed.POST("/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)
}

func (h *Handler) health(c *gin.Context) {
	cache := "disabled"
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.cache.Ping(ctx); err != nil {
			observability.LoggerFromContext(ctx).Warn("redis health check failed", "error", err)
			cache = "unavailable"
		} else {
			cache = "ok"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"pending_turns": h.dispatcher.Pending(),
		"cache":         cache,
	})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

// Chat interface
type chatRequest struct {
	Message        string            `json:"message"`
	ConversationID int64             `json:"conversation_id"`
	History        []*models.Message `json:"history"`
	ImageURL       string            `json:"image_url"`
	OverrideQuery  string            `json:"override_query"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return
	}
	userID, _ := auth.UserIDFromContext(c)
	turn := shopping.TurnRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ImageURL:       strings.TrimSpace(req.ImageURL),
		History:        req.History,
		OverrideQuery:  req.OverrideQuery,
	}

	var result *shopping.TurnResult
	err := h.dispatcher.Submit(c.Request.Context(), turnKey(c.Request.Context(), turn), func(ctx context.Context) {
		result = h.turns.HandleTurn(ctx, turn)
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, worker.ErrDispatcherStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			observability.LoggerFromContext(c.Request.Context()).Info("chat request abandoned", "error", err)
			c.Status(http.StatusRequestTimeout)
		default:
			observability.LoggerFromContext(c.Request.Context()).Error("chat turn failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chat turn failed"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// turnKey keys a persisted conversation by its id so that its turns run one
// at a time. Anonymous and new conversations run under the request id.
func turnKey(ctx context.Context, req shopping.TurnRequest) string {
	if req.UserID > 0 && req.ConversationID > 0 {
		return fmt.Sprintf("conversation:%d", req.ConversationID)
	}
	if reqID := observability.RequestIDFromContext(ctx); reqID != "" {
		return "request:" + reqID
	}
	return "request:" + uuid.NewString()
}

// Conversation interface
func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.assistant.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(list) == 0 {
		list = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) getConversationMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	conversation, messages, err := h.assistant.GetConversationWithMessages(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (h *Handler) renameConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.UpdateConversationTitle(c.Request.Context(), userID, conversationID, req.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func conversationParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

// Account interface
func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			observability.LoggerFromContext(c.Request.Context()).Warn("revoke token failed", "error", err)
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
