// Package http implements the admin API of the extension runtime.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

const maxDispatchBody = 1 << 20

// Handlers serves the admin API
type Handlers struct {
	runtime *app.Runtime
	logger  *logging.Logger
	started time.Time
}

// NewHandlers creates the admin handlers
func NewHandlers(runtime *app.Runtime, logger *logging.Logger) *Handlers {
	return &Handlers{
		runtime: runtime,
		logger:  logging.OrNop(logger).Named("api"),
		started: time.Now(),
	}
}

// Register mounts the admin routes on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)

	exts := r.Group("/extensions")
	exts.GET("", h.ListExtensions)
	exts.POST("", h.RegisterExtension)
	exts.GET("/:id", h.GetExtension)
	exts.DELETE("/:id", h.DeleteExtension)
	exts.POST("/:id/activate", h.ActivateExtension)
	exts.POST("/:id/deactivate", h.DeactivateExtension)
	exts.POST("/:id/dispatch", h.Dispatch)
	exts.POST("/:id/background/evaluate", h.EvaluateBackground)
	exts.GET("/:id/storage/:area", h.Storage)
}

// Health reports liveness and runtime counters
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.started).Seconds(),
		"stats":          h.runtime.Stats(),
	})
}

// ListExtensions lists registered extensions
func (h *Handlers) ListExtensions(c *gin.Context) {
	list := h.runtime.List()
	c.JSON(http.StatusOK, gin.H{
		"extensions": list,
		"count":      len(list),
	})
}

// GetExtension returns one extension
func (h *Handlers) GetExtension(c *gin.Context) {
	extID := extension.ID(c.Param("id"))
	status, ok := h.runtime.Get(extID)
	if !ok {
		h.fail(c, exterr.ExtensionNotFound(extID.String()))
		return
	}
	c.JSON(http.StatusOK, status)
}

// RegisterExtension loads an extension from a directory on this machine
func (h *Handlers) RegisterExtension(c *gin.Context) {
	var req struct {
		Path     string `json:"path" binding:"required"`
		Activate bool   `json:"activate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid request: " + err.Error()}})
		return
	}

	ext, err := h.runtime.Register(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Activate {
		if err := h.runtime.Activate(c.Request.Context(), ext.ID); err != nil {
			h.fail(c, err)
			return
		}
	}

	status, _ := h.runtime.Get(ext.ID)
	c.JSON(http.StatusCreated, status)
}

// DeleteExtension unregisters an extension
func (h *Handlers) DeleteExtension(c *gin.Context) {
	extID := extension.ID(c.Param("id"))
	if err := h.runtime.Unregister(c.Request.Context(), extID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": extID})
}

// ActivateExtension activates a registered extension
func (h *Handlers) ActivateExtension(c *gin.Context) {
	extID := extension.ID(c.Param("id"))
	if err := h.runtime.Activate(c.Request.Context(), extID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": extID, "active": true})
}

// DeactivateExtension deactivates an active extension
func (h *Handlers) DeactivateExtension(c *gin.Context) {
	extID := extension.ID(c.Param("id"))
	if err := h.runtime.Deactivate(c.Request.Context(), extID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": extID, "active": false})
}

// Dispatch performs an API call as a trusted context of the extension. The
// body is a bridge request envelope.
func (h *Handlers) Dispatch(c *gin.Context) {
	extID := extension.ID(c.Param("id"))

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDispatchBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Failed to read request"}})
		return
	}

	result, err := h.runtime.Dispatch(c.Request.Context(), extID, raw)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(result) == 0 {
		c.JSON(http.StatusOK, gin.H{"result": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": json.RawMessage(result)})
}

// EvaluateBackground runs script in the extension's background context
func (h *Handlers) EvaluateBackground(c *gin.Context) {
	var req struct {
		Script string `json:"script" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid request: " + err.Error()}})
		return
	}

	result, err := h.runtime.EvaluateBackground(c.Request.Context(), extension.ID(c.Param("id")), req.Script)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(result) == 0 {
		c.JSON(http.StatusOK, gin.H{"result": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": json.RawMessage(result)})
}

// Storage returns the contents of one storage area
func (h *Handlers) Storage(c *gin.Context) {
	extID := extension.ID(c.Param("id"))
	area, err := storage.ParseArea(c.Param("area"))
	if err != nil {
		h.fail(c, exterr.ValueError("Unknown storage area %s", c.Param("area")))
		return
	}

	items, err := h.runtime.StorageSnapshot(c.Request.Context(), extID, area)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"area":  area,
		"items": items,
	})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}

	payload := exterr.Payload(err)
	var public *exterr.Error
	if errors.As(err, &public) {
		c.JSON(status, gin.H{"error": gin.H{"message": payload.Message, "kind": public.Kind.String()}})
		return
	}
	if status == http.StatusBadRequest {
		payload.Message = err.Error()
	}
	c.JSON(status, gin.H{"error": payload})
}

// StatusFor maps a runtime error to an HTTP status
func StatusFor(err error) int {
	var public *exterr.Error
	if !errors.As(err, &public) {
		if errors.Is(err, extension.ErrInvalidManifest) || errors.Is(err, fs.ErrNotExist) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}

	switch public.Kind {
	case exterr.KindExtensionNotFound:
		return http.StatusNotFound
	case exterr.KindExtensionAlreadyExists:
		return http.StatusConflict
	case exterr.KindValueError, exterr.KindUnknownAPI, exterr.KindManagedStorageReadOnly:
		return http.StatusBadRequest
	case exterr.KindInsufficientPermissions, exterr.KindPermissionDenied, exterr.KindStorageAreaNotAvailable:
		return http.StatusForbidden
	case exterr.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case exterr.KindNotAvailable, exterr.KindNoMessageReceiver, exterr.KindMessagePortClosed:
		return http.StatusServiceUnavailable
	case exterr.KindNavigationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
