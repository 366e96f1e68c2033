package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/service"
)

// RecognitionHandler handles photo-to-SKU endpoints.
type RecognitionHandler struct {
	recognition *service.RecognitionService
	evaluator   *service.EvaluatorService
	samples     *repository.SampleRepository
	maxUpload   int64
}

func NewRecognitionHandler(
	recognition *service.RecognitionService,
	evaluator *service.EvaluatorService,
	samples *repository.SampleRepository,
	maxUpload int64,
) *RecognitionHandler {
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	return &RecognitionHandler{
		recognition: recognition,
		evaluator:   evaluator,
		samples:     samples,
		maxUpload:   maxUpload,
	}
}

// readImage accepts either a multipart "image" field or a raw image body.
func (h *RecognitionHandler) readImage(c *gin.Context) ([]byte, bool) {
	if file, err := c.FormFile("image"); err == nil {
		if file.Size > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return nil, false
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload: " + err.Error()})
			return nil, false
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload: " + err.Error()})
			return nil, false
		}
		return data, true
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxUpload+1))
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image payload required"})
		return nil, false
	}
	if int64(len(data)) > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return nil, false
	}
	return data, true
}

// Recognize handles POST /api/v1/vision/recognize.
func (h *RecognitionHandler) Recognize(c *gin.Context) {
	image, ok := h.readImage(c)
	if !ok {
		return
	}

	opts := service.RecognizeOptions{
		Aggregation: c.Query("aggregation"),
	}
	if opts.Aggregation == "" {
		opts.Aggregation = c.PostForm("aggregation")
	}
	topK := c.Query("top_k")
	if topK == "" {
		topK = c.PostForm("top_k")
	}
	if topK != "" {
		n, err := strconv.Atoi(topK)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be a positive integer"})
			return
		}
		opts.TopK = n
	}

	result, err := h.recognition.Recognize(c.Request.Context(), image, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type confirmRequest struct {
	SampleID int64  `json:"sample_id" binding:"required"`
	SKUID    string `json:"sku_id" binding:"required"`
}

// Confirm handles POST /api/v1/vision/confirm.
func (h *RecognitionHandler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sample, err := h.recognition.Confirm(c.Request.Context(), req.SampleID, req.SKUID)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyConfirmed) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  err.Error(),
				"sample": sample,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// Status handles GET /api/v1/vision/status.
func (h *RecognitionHandler) Status(c *gin.Context) {
	status, err := h.recognition.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Preload handles POST /api/v1/vision/preload.
func (h *RecognitionHandler) Preload(c *gin.Context) {
	if err := h.recognition.Preload(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "loaded"})
}

// Metrics handles GET /api/v1/vision/metrics.
func (h *RecognitionHandler) Metrics(c *gin.Context) {
	topK := 5
	if v := c.Query("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be a positive integer"})
			return
		}
		topK = n
	}

	var since time.Time
	if v := c.Query("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		since = time.Now().AddDate(0, 0, -days)
	}

	report, err := h.evaluator.Evaluate(c.Request.Context(), topK, since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListSamples handles GET /api/v1/vision/samples.
func (h *RecognitionHandler) ListSamples(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	samples, total, err := h.samples.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
