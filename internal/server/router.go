package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stagecrew/tablesync/internal/auth"
	"github.com/stagecrew/tablesync/internal/push"
	"github.com/stagecrew/tablesync/internal/store"
	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

const userIDContextKey = "tablesync_user_id"

var (
	errMissingStore      = errors.New("store dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
)

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Store      *store.Store
	Sessions   *auth.SessionValidator
	Dispatcher *push.Dispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler builds the document API: read and replace endpoints plus the
// per-resource websocket event stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:      deps.Store,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:resourceId/:section", handler.handleLoadDocument)
	protected.PUT("/documents/:resourceId/:section", handler.handleReplaceDocument)
	protected.PUT("/documents/:resourceId/:section/groups/:groupKey", handler.handleReplaceGroup)
	protected.GET("/events/:resourceId", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	store      *store.Store
	sessions   *auth.SessionValidator
	dispatcher *push.Dispatcher
	logger     *zap.Logger
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) documentIdentity(c *gin.Context) (tablelog.DocumentIdentity, bool) {
	identity, err := tablelog.NewDocumentIdentity(c.Param("resourceId"), c.Param("section"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return tablelog.DocumentIdentity{}, false
	}
	return identity, true
}

func (h *httpHandler) handleLoadDocument(c *gin.Context) {
	identity, ok := h.documentIdentity(c)
	if !ok {
		return
	}

	groups, err := h.store.LoadDocument(c.Request.Context(), identity)
	if err != nil {
		h.respondStoreError(c, "load_failed", err)
		return
	}
	c.JSON(http.StatusOK, tablelog.EncodeGroups(groups))
}

func (h *httpHandler) handleReplaceDocument(c *gin.Context) {
	identity, ok := h.documentIdentity(c)
	if !ok {
		return
	}

	var payload tablelog.DocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	groups := tablelog.DecodeGroups(payload)
	if !validGroupKeys(groups) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_key"})
		return
	}

	stored, err := h.store.ReplaceDocument(c.Request.Context(), identity, groups)
	if err != nil {
		h.respondStoreError(c, "save_failed", err)
		return
	}

	h.dispatcher.Publish(push.NewDocumentEvent(identity, stored))
	c.JSON(http.StatusOK, tablelog.EncodeGroups(stored))
}

func (h *httpHandler) handleReplaceGroup(c *gin.Context) {
	identity, ok := h.documentIdentity(c)
	if !ok {
		return
	}
	groupKey, err := tablelog.NewGroupKey(c.Param("groupKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_key"})
		return
	}

	var payload tablelog.GroupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group := tablelog.DecodeGroup(payload)
	group.Key = groupKey.String()

	stored, err := h.store.ReplaceGroup(c.Request.Context(), identity, group)
	if err != nil {
		h.respondStoreError(c, "save_failed", err)
		return
	}

	h.dispatcher.Publish(push.NewSectionEvent(identity, stored))
	c.JSON(http.StatusOK, tablelog.EncodeGroup(stored))
}

func (h *httpHandler) respondStoreError(c *gin.Context, label string, err error) {
	h.logger.Error("store operation failed", zap.Error(err))
	response := gin.H{"error": label}
	var serviceError *store.ServiceError
	if errors.As(err, &serviceError) {
		response["code"] = serviceError.Code()
	}
	c.JSON(http.StatusInternalServerError, response)
}

func validGroupKeys(groups []tablelog.Group) bool {
	seen := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		key := strings.TrimSpace(group.Key)
		if key == "" || key != group.Key {
			return false
		}
		if _, duplicate := seen[key]; duplicate {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}
