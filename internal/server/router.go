package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/auth"
	"github.com/MarcoPoloResearchLab/replisync/internal/database"
	"github.com/MarcoPoloResearchLab/replisync/internal/poke"
	"github.com/MarcoPoloResearchLab/replisync/internal/replicache"
	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "replisync_user_id"
	userIDQueryParam   = "userID"
	channelQueryParam  = "channel"
	defaultHeartbeat   = 25 * time.Second
	eventTypePoke      = "poke"
	eventTypeHeartbeat = "heartbeat"
)

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingPokeHub     = errors.New("poke hub dependency required")
)

// SyncService is the push/pull engine behind the HTTP surface.
type SyncService interface {
	Push(ctx context.Context, userID string, request replicache.PushRequest) error
	Pull(ctx context.Context, userID string, request replicache.PullRequest) (replicache.PullResponse, error)
}

// PokeSubscriber hands out poke streams.
type PokeSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan poke.Message, func())
}

// SessionValidator resolves the acting user from a request cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler. With a nil Sessions validator the acting user is read
// from the userID query parameter.
type Dependencies struct {
	SyncService       SyncService
	Pokes             PokeSubscriber
	Sessions          SessionValidator
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router serving the Replicache endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Pokes == nil {
		return nil, errMissingPokeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sync:      deps.SyncService,
		pokes:     deps.Pokes,
		sessions:  deps.Sessions,
		logger:    logger,
		heartbeat: heartbeat,
	}

	protected := router.Group("/replicache")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.POST("/pull", handler.handlePull)
	protected.GET("/poke", handler.handlePokeStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Replicache-RequestID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sync      SyncService
	pokes     PokeSubscriber
	sessions  SessionValidator
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request replicache.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.sync.Push(c.Request.Context(), userID, request); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request replicache.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.sync.Pull(c.Request.Context(), userID, request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type pokeEventPayload struct {
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
}

func (h *httpHandler) handlePokeStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	channels := c.QueryArray(channelQueryParam)
	if len(channels) == 0 {
		channels = []string{poke.UserChannel(userID)}
	}
	for _, channel := range channels {
		if poke.IsUserChannel(channel) && channel != poke.UserChannel(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}

	ctx := c.Request.Context()
	stream, cleanup := h.pokes.Subscribe(ctx, channels...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(eventTypePoke, pokeEventPayload{
				Channel:   message.Channel,
				Timestamp: message.Timestamp.UnixMilli(),
			})
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(eventTypeHeartbeat, gin.H{})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions == nil {
		userID := strings.TrimSpace(c.Query(userIDQueryParam))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
		return
	}

	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID())
	c.Next()
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	reason := "internal_error"
	switch {
	case errors.Is(err, replicache.ErrInvalidRequest):
		status, reason = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, repository.ErrUnauthorized):
		status, reason = http.StatusForbidden, "forbidden"
	case errors.Is(err, replicache.ErrMutationFromFuture):
		status, reason = http.StatusConflict, "mutation_from_future"
	case errors.Is(err, database.ErrRetriesExhausted):
		status, reason = http.StatusServiceUnavailable, "retry_later"
	}

	code := ""
	var serviceErr *replicache.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("sync request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason, "code": code})
}
