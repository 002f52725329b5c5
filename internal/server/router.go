package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tandemlabs/tandem-sync/internal/registry"
	"github.com/tandemlabs/tandem-sync/internal/session"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

const (
	serviceName    = "tandem-sync"
	serviceVersion = "0.1.0"
)

var (
	errMissingRegistry       = errors.New("registry service dependency required")
	errMissingSessionManager = errors.New("session manager dependency required")
)

// Dependencies carries the collaborators injected into the HTTP surface.
type Dependencies struct {
	Registry *registry.Service
	Sessions *session.Manager
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router serving the document registry REST
// surface and the live session websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry: deps.Registry,
		sessions: deps.Sessions,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.GET("/documents", handler.handleListDocuments)
	api.POST("/documents", handler.handleCreateDocument)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.PATCH("/documents/:id", handler.handleRenameDocument)
	api.PUT("/documents/:id/content", handler.handleUpdateContent)
	api.DELETE("/documents/:id", handler.handleDeleteDocument)
	api.GET("/documents/:id/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	registry *registry.Service
	sessions *session.Manager
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	projections, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, projections)
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	projection, err := h.registry.Create(c.Request.Context(), request.Title)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "document_exists"})
		case errors.Is(err, registry.ErrInvalidTitle):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		default:
			h.logger.Error("failed to create document", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, projection)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	projection, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "get_failed")
		return
	}
	c.JSON(http.StatusOK, projection)
}

type renameDocumentPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleRenameDocument(c *gin.Context) {
	var request renameDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	projection, err := h.registry.Rename(c.Request.Context(), c.Param("id"), request.Title)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidTitle) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
			return
		}
		h.respondLookupError(c, err, "rename_failed")
		return
	}
	c.JSON(http.StatusOK, projection)
}

type updateContentPayload struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// handleUpdateContent is the replay target for queued offline edits: the
// payload lands as a change-log entry on the durable record, creating the
// record when the document was first edited offline.
func (h *httpHandler) handleUpdateContent(c *gin.Context) {
	var request updateContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	projection, err := h.registry.ApplyContentUpdate(c.Request.Context(), c.Param("id"), request.Content, request.Title, c.Query(queryAuthor))
	if err != nil {
		h.respondLookupError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, projection)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondLookupError(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondLookupError(c *gin.Context, err error, fallbackCode string) {
	if errors.Is(err, track.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.logger.Error("document lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallbackCode})
}
