package service

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/smartmart/vision/internal/config"
	"github.com/smartmart/vision/internal/domain"
	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
)

const testDim = 8

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:          "sqlite",
		Path:            filepath.Join(t.TempDir(), "vision.db"),
		MaxIdleConns:    2,
		MaxOpenConns:    4,
		ConnMaxLifetime: time.Minute,
		AutoMigrate:     true,
	})
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	return db
}

func seedProducts(t *testing.T, db *gorm.DB, skuIDs ...string) {
	t.Helper()
	repo := repository.NewProductRepository(db)
	for _, id := range skuIDs {
		err := repo.Create(context.Background(), &domain.Product{
			SKUID:  id,
			Name:   "Product " + id,
			Price:  1.50,
			Active: true,
		})
		if err != nil {
			t.Fatalf("failed to seed product %s: %v", id, err)
		}
	}
}

// fakeEmbedder derives a deterministic unit vector from the image
// bytes, so identical images always embed identically.
type fakeEmbedder struct {
	dim int

	mu       sync.Mutex
	loaded   bool
	loads    int
	failLoad error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dim: testDim}
}

func (f *fakeEmbedder) Preload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad != nil {
		return f.failLoad
	}
	if !f.loaded {
		f.loaded = true
		f.loads++
	}
	return nil
}

func (f *fakeEmbedder) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if bytes.HasPrefix(data, []byte("bad")) {
		return nil, embedder.ErrInvalidImage
	}
	if err := f.Preload(ctx); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	h.Write(data)
	seed := h.Sum32()
	vec := make([]float32, f.dim)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000.0 + 0.001
	}
	return embedder.Normalize(vec), nil
}

func (f *fakeEmbedder) ModelID() string {
	return "fake-model"
}

func (f *fakeEmbedder) Dimension() int {
	return f.dim
}

func (f *fakeEmbedder) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// writeSamplePNG writes a small image whose pixels depend on the seed,
// so different seeds embed to different vectors.
func writeSamplePNG(t *testing.T, dir, name string, seed int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + seed) % 256),
				G: uint8((y * seed) % 256),
				B: uint8(seed % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode sample png: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create sample dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write sample png: %v", err)
	}
	return path
}

// populateLibrary creates skuCount SKU directories with imagesPerSKU
// images each and returns the library root.
func populateLibrary(t *testing.T, skuCount, imagesPerSKU int) (string, []string) {
	t.Helper()
	root := t.TempDir()
	skuIDs := make([]string, 0, skuCount)
	for i := 1; i <= skuCount; i++ {
		skuID := fmt.Sprintf("%d", i)
		skuIDs = append(skuIDs, skuID)
		dir := filepath.Join(root, skuID)
		for j := 0; j < imagesPerSKU; j++ {
			writeSamplePNG(t, dir, fmt.Sprintf("img_%d.png", j), i*100+j)
		}
	}
	return root, skuIDs
}

func newTestRecognition(t *testing.T, db *gorm.DB, emb EmbeddingProvider) *RecognitionService {
	t.Helper()
	return NewRecognitionService(
		emb,
		repository.NewProductRepository(db),
		repository.NewSampleRepository(db),
		nil,
		nil,
		logger.NewDefault(),
		RecognitionConfig{DefaultTopK: 5, MaxTopK: 20, FlatThreshold: 10000},
	)
}
