package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartmart/vision/internal/logger"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func newTestBackend(t *testing.T, dim int, loadCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models/load":
			if loadCalls != nil {
				loadCalls.Add(1)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"model_id":   "clip-vit-base-patch32",
				"dimensions": dim,
			})
		case "/v1/embeddings/image":
			vec := make([]float32, dim)
			for i := range vec {
				vec[i] = float32(i + 1)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"embedding": vec,
				"model_id":  "clip-vit-base-patch32",
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(baseURL string, dim int) *Client {
	return NewClient(&Config{
		BaseURL:    baseURL,
		Model:      "clip-vit-base-patch32",
		Dimensions: dim,
		Timeout:    5 * time.Second,
	}, logger.NewDefault())
}

func TestExtractNormalized(t *testing.T) {
	srv := newTestBackend(t, 8, nil)
	defer srv.Close()

	c := newTestClient(srv.URL, 8)
	vec, err := c.Extract(context.Background(), testPNG(t, 64, 64))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("got %d dimensions, want 8", len(vec))
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("squared norm: got %f, want 1.0", sum)
	}
	if !c.Loaded() {
		t.Error("client should be loaded after Extract")
	}
	if c.ModelID() != "clip-vit-base-patch32" {
		t.Errorf("model id: got %s", c.ModelID())
	}
}

func TestExtractInvalidImage(t *testing.T) {
	srv := newTestBackend(t, 8, nil)
	defer srv.Close()
	c := newTestClient(srv.URL, 8)

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty payload", nil},
		{"not an image", []byte("definitely not an image")},
		{"too small", testPNG(t, 8, 8)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Extract(context.Background(), tc.data); !errors.Is(err, ErrInvalidImage) {
				t.Errorf("got %v, want ErrInvalidImage", err)
			}
		})
	}
}

func TestExtractBackendDown(t *testing.T) {
	srv := newTestBackend(t, 8, nil)
	srv.Close() // closed before any request

	c := newTestClient(srv.URL, 8)
	if _, err := c.Extract(context.Background(), testPNG(t, 64, 64)); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("got %v, want ErrModelUnavailable", err)
	}
}

func TestExtractDimensionMismatch(t *testing.T) {
	srv := newTestBackend(t, 8, nil)
	defer srv.Close()

	c := newTestClient(srv.URL, 0) // accept backend dimension
	if err := c.Preload(context.Background()); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if c.Dimension() != 8 {
		t.Errorf("dimension from backend: got %d, want 8", c.Dimension())
	}

	mismatched := newTestClient(srv.URL, 16)
	if err := mismatched.Preload(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("got %v, want ErrModelUnavailable on dimension mismatch", err)
	}
}

func TestPreloadSingleFlight(t *testing.T) {
	var loadCalls atomic.Int32
	srv := newTestBackend(t, 8, &loadCalls)
	defer srv.Close()

	c := newTestClient(srv.URL, 8)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Preload(context.Background()); err != nil {
				t.Errorf("Preload failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := loadCalls.Load(); got != 1 {
		t.Errorf("backend load calls: got %d, want 1", got)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float32{3, 4})
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("got %v, want [0.6 0.8]", got)
	}

	zero := Normalize([]float32{0, 0, 0})
	for _, x := range zero {
		if x != 0 {
			t.Errorf("zero vector changed: %v", zero)
		}
	}
}
