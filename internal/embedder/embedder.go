package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/smartmart/vision/internal/logger"
)

var (
	// ErrInvalidImage indicates the payload is not a decodable image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrModelUnavailable indicates the embedding model is not loaded
	// or the inference backend cannot be reached.
	ErrModelUnavailable = errors.New("embedding model unavailable")
)

// minimum pixel dimension accepted for a query or sample image
const minImageSide = 32

// Config holds settings for the embedding client.
type Config struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// Client talks to the image embedding inference backend and returns
// L2-normalized vectors suitable for inner-product search.
type Client struct {
	http   *resty.Client
	model  string
	dim    int
	logger *logger.Logger

	mu      sync.Mutex
	loaded  bool
	modelID string
}

// NewClient creates an embedding client. The model is loaded lazily on
// first use unless Preload is called at startup.
func NewClient(cfg *Config, log *logger.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Client{
		http:   client,
		model:  cfg.Model,
		dim:    cfg.Dimensions,
		logger: log,
	}
}

// ModelID returns the identifier reported by the backend, empty until loaded.
func (c *Client) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// Dimension returns the embedding dimension.
func (c *Client) Dimension() int {
	return c.dim
}

// Loaded reports whether the model has been loaded on the backend.
func (c *Client) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

type loadRequest struct {
	Model string `json:"model"`
}

type loadResponse struct {
	ModelID    string `json:"model_id"`
	Dimensions int    `json:"dimensions"`
	Detail     string `json:"detail,omitempty"`
}

// Preload asks the backend to load the model. Concurrent callers are
// collapsed to a single request; once loaded it is a no-op.
func (c *Client) Preload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	start := time.Now()
	var resp loadResponse
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetBody(loadRequest{Model: c.model}).
		SetResult(&resp).
		Post("/v1/models/load")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return fmt.Errorf("%w: %s", ErrModelUnavailable, resp.Detail)
		}
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, httpResp.StatusCode())
	}
	if resp.Dimensions > 0 && c.dim > 0 && resp.Dimensions != c.dim {
		return fmt.Errorf("%w: backend reports %d dimensions, configured %d",
			ErrModelUnavailable, resp.Dimensions, c.dim)
	}
	if resp.Dimensions > 0 {
		c.dim = resp.Dimensions
	}

	c.modelID = resp.ModelID
	if c.modelID == "" {
		c.modelID = c.model
	}
	c.loaded = true

	c.logger.WithFields(logger.Fields{
		logger.FieldComponent:  "embedder",
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("embedding model loaded: " + c.modelID)
	return nil
}

type embedRequest struct {
	Model string `json:"model"`
	Image string `json:"image"` // base64-encoded bytes
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	ModelID   string    `json:"model_id"`
	Detail    string    `json:"detail,omitempty"`
}

// Extract validates the image, sends it to the backend, and returns
// an L2-normalized embedding.
func (c *Client) Extract(ctx context.Context, imageData []byte) ([]float32, error) {
	if err := validateImage(imageData); err != nil {
		return nil, err
	}
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}

	var resp embedResponse
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{
			Model: c.model,
			Image: base64.StdEncoding.EncodeToString(imageData),
		}).
		SetResult(&resp).
		Post("/v1/embeddings/image")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	switch httpResp.StatusCode() {
	case 200:
	case 400, 422:
		if resp.Detail != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidImage, resp.Detail)
		}
		return nil, ErrInvalidImage
	default:
		if resp.Detail != "" {
			return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, resp.Detail)
		}
		return nil, fmt.Errorf("%w: status %d", ErrModelUnavailable, httpResp.StatusCode())
	}

	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrModelUnavailable)
	}
	if c.dim > 0 && len(resp.Embedding) != c.dim {
		return nil, fmt.Errorf("%w: got %d dimensions, expected %d",
			ErrModelUnavailable, len(resp.Embedding), c.dim)
	}

	return Normalize(resp.Embedding), nil
}

// validateImage checks the payload decodes as a supported format and
// meets the minimum size. Only the header is decoded.
func validateImage(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width < minImageSide || cfg.Height < minImageSide {
		return fmt.Errorf("%w: %s image %dx%d below minimum %dpx",
			ErrInvalidImage, format, cfg.Width, cfg.Height, minImageSide)
	}
	return nil
}

// Normalize returns the vector scaled to unit L2 norm. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
