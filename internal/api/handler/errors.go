package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/service"
)

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, embedder.ErrInvalidImage),
		errors.Is(err, service.ErrNoSamples):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSampleNotFound),
		errors.Is(err, service.ErrUnknownSKU),
		errors.Is(err, service.ErrNoEvaluationData),
		errors.Is(err, index.ErrIndexNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrBuildInProgress),
		errors.Is(err, service.ErrAlreadyConfirmed):
		status = http.StatusConflict
	case errors.Is(err, embedder.ErrModelUnavailable):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
