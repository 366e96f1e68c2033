package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smartmart/vision/internal/service"
)

// BuildHandler handles index build endpoints.
type BuildHandler struct {
	builder *service.BuilderService
}

func NewBuildHandler(builder *service.BuilderService) *BuildHandler {
	return &BuildHandler{builder: builder}
}

// Build handles POST /api/v1/vision/build. The build runs in the
// background; the response carries the initial progress.
func (h *BuildHandler) Build(c *gin.Context) {
	progress, err := h.builder.StartBuild(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, progress)
}

// BuildStatus handles GET /api/v1/vision/build_status.
func (h *BuildHandler) BuildStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.builder.Progress())
}

type updateRequest struct {
	SKUID string `json:"sku_id" binding:"required"`
}

// Update handles POST /api/v1/vision/update: an incremental index
// extension for one SKU.
func (h *BuildHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	info, err := h.builder.Update(c.Request.Context(), req.SKUID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
