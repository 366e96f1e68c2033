package handler

import (
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/smartmart/vision/internal/service"
)

// SamplesHandler manages the training image library.
type SamplesHandler struct {
	library   *service.SampleLibrary
	maxUpload int64
}

func NewSamplesHandler(library *service.SampleLibrary, maxUpload int64) *SamplesHandler {
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	return &SamplesHandler{library: library, maxUpload: maxUpload}
}

// List handles GET /api/v1/samples.
func (h *SamplesHandler) List(c *gin.Context) {
	skus, err := h.library.Scan()
	if err != nil {
		writeError(c, err)
		return
	}

	type skuSummary struct {
		SKUID      string `json:"sku_id"`
		ImageCount int    `json:"image_count"`
	}
	out := make([]skuSummary, len(skus))
	totalImages := 0
	for i, s := range skus {
		out[i] = skuSummary{SKUID: s.SKUID, ImageCount: len(s.Images)}
		totalImages += len(s.Images)
	}
	c.JSON(http.StatusOK, gin.H{
		"skus":         out,
		"total_skus":   len(out),
		"total_images": totalImages,
	})
}

// Get handles GET /api/v1/samples/:sku_id.
func (h *SamplesHandler) Get(c *gin.Context) {
	s, err := h.library.ImagesForSKU(c.Param("sku_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	names := make([]string, len(s.Images))
	for i, p := range s.Images {
		names[i] = filepath.Base(p)
	}
	c.JSON(http.StatusOK, gin.H{
		"sku_id": s.SKUID,
		"images": names,
	})
}

// Upload handles POST /api/v1/samples/:sku_id/images.
func (h *SamplesHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'image' required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload: " + err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload: " + err.Error()})
		return
	}

	path, err := h.library.AddImage(c.Param("sku_id"), filepath.Base(file.Filename), data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sku_id":   c.Param("sku_id"),
		"filename": filepath.Base(path),
	})
}

// Delete handles DELETE /api/v1/samples/:sku_id/images/:filename.
func (h *SamplesHandler) Delete(c *gin.Context) {
	err := h.library.DeleteImage(c.Param("sku_id"), c.Param("filename"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
