// Package server exposes the sync protocol over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/resolver"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "fieldsync_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens and yields the account subject.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	TokenManager TokenManager
	SyncService  *resolver.Service
	Logger       *zap.Logger
}

// NewHTTPHandler wires the sync endpoints behind bearer authentication.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		syncService: deps.SyncService,
		logger:      logger,
	}

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.GET("/handshake", handler.handleHandshake)
	protected.POST("/push", handler.handlePush)
	protected.GET("/pull", handler.handlePull)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	syncService *resolver.Service
	logger      *zap.Logger
}

func (h *httpHandler) handleHandshake(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.syncService.Handshake(c.Request.Context(), userID, c.Query("cursor"))
	if err != nil {
		h.logger.Error("handshake failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err, "handshake_failed")})
		return
	}

	c.JSON(http.StatusOK, result)
}

type pushRequestPayload struct {
	DeviceID string                   `json:"device_id"`
	Changes  []syncmodel.ChangeRecord `json:"changes"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.syncService.ProcessPush(c.Request.Context(), userID, request.DeviceID, request.Changes)
	if err != nil {
		code := serviceErrorCode(err, "push_failed")
		switch {
		case strings.HasSuffix(code, "batch_too_large"):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": code})
		case strings.HasSuffix(code, "invalid_change_record"):
			c.JSON(http.StatusBadRequest, gin.H{"error": code})
		default:
			h.logger.Error("push failed", zap.Error(err), zap.String("user_id", userID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": code})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		limit = parsed
	}

	result, err := h.syncService.ProcessPull(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		h.logger.Error("pull failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err, "pull_failed")})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine for devices coming back online.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func serviceErrorCode(err error, fallback string) string {
	var serviceErr *resolver.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return fallback
}
