package index

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartmart/vision/internal/domain"
)

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func buildTestIndex(t *testing.T) *Flat {
	t.Helper()
	f := NewFlat(4)
	vectors := []struct {
		sku string
		src string
		vec []float32
	}{
		{"sku-001", "front.png", normalize([]float32{1, 0, 0, 0})},
		{"sku-001", "side.png", normalize([]float32{0.9, 0.1, 0, 0})},
		{"sku-002", "front.png", normalize([]float32{0, 1, 0, 0})},
		{"sku-002", "side.png", normalize([]float32{0.1, 0.9, 0, 0})},
		{"sku-003", "front.png", normalize([]float32{0, 0, 1, 0})},
	}
	for _, v := range vectors {
		if err := f.Append(v.vec, v.sku, v.src); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return f
}

func TestFlatSearchSelfSimilarity(t *testing.T) {
	f := buildTestIndex(t)

	// Querying with an indexed vector must return it first with score ~1.0
	query := normalize([]float32{0, 1, 0, 0})
	hits, err := f.Search(context.Background(), query, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].SKUID != "sku-002" {
		t.Errorf("top hit SKU: got %s, want sku-002", hits[0].SKUID)
	}
	if hits[0].Ordinal != 2 {
		t.Errorf("top hit ordinal: got %d, want 2", hits[0].Ordinal)
	}
	if math.Abs(float64(hits[0].Score)-1.0) > 1e-5 {
		t.Errorf("self-similarity score: got %f, want ~1.0", hits[0].Score)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not sorted descending at position %d", i)
		}
	}
}

func TestFlatSearchDeterministic(t *testing.T) {
	f := buildTestIndex(t)
	query := normalize([]float32{0.5, 0.5, 0, 0})

	first, err := f.Search(context.Background(), query, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := f.Search(context.Background(), query, 5)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("run %d position %d: got %+v, want %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestFlatSearchErrors(t *testing.T) {
	empty := NewFlat(4)
	if _, err := empty.Search(context.Background(), normalize([]float32{1, 0, 0, 0}), 3); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("empty index: got %v, want ErrEmptyIndex", err)
	}

	f := buildTestIndex(t)
	if _, err := f.Search(context.Background(), []float32{1, 0}, 3); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("wrong dimension: got %v, want ErrDimensionMismatch", err)
	}
}

func TestFlatSearchTopNClamp(t *testing.T) {
	f := buildTestIndex(t)
	hits, err := f.Search(context.Background(), normalize([]float32{1, 0, 0, 0}), 50)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != f.Size() {
		t.Errorf("got %d hits, want %d", len(hits), f.Size())
	}
}

func TestFlatSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := buildTestIndex(t)
	f.SetInfo(domain.BuildInfo{
		BuildID:   "build-1",
		ModelID:   "clip-vit-base-patch32",
		Dimension: 4,
		BuiltAt:   time.Now().UTC().Truncate(time.Second),
	})

	if err := f.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFlat(dir)
	if err != nil {
		t.Fatalf("LoadFlat failed: %v", err)
	}
	if loaded.Size() != f.Size() {
		t.Errorf("size: got %d, want %d", loaded.Size(), f.Size())
	}
	if loaded.Dimension() != f.Dimension() {
		t.Errorf("dimension: got %d, want %d", loaded.Dimension(), f.Dimension())
	}
	if loaded.Info().BuildID != "build-1" {
		t.Errorf("build id: got %s, want build-1", loaded.Info().BuildID)
	}
	if loaded.Info().SKUCount != 3 {
		t.Errorf("sku count: got %d, want 3", loaded.Info().SKUCount)
	}
	sources := loaded.SourcesForSKU("sku-001")
	if len(sources) != 2 || sources[0] != "front.png" || sources[1] != "side.png" {
		t.Errorf("sources for sku-001: got %v, want [front.png side.png]", sources)
	}

	// Search results after a round trip must be identical
	query := normalize([]float32{0.2, 0.8, 0, 0})
	want, err := f.Search(context.Background(), query, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	got, err := loaded.Search(context.Background(), query, 5)
	if err != nil {
		t.Fatalf("Search on loaded index failed: %v", err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("position %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadFlatMissing(t *testing.T) {
	if _, err := LoadFlat(t.TempDir()); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("got %v, want ErrIndexNotFound", err)
	}
}

func TestLoadFlatCorrupt(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(t *testing.T, dir string)
	}{
		{
			name: "truncated vectors file",
			prepare: func(t *testing.T, dir string) {
				path := filepath.Join(dir, vectorsFileName)
				data, err := os.ReadFile(path)
				if err != nil {
					t.Fatalf("read vectors: %v", err)
				}
				if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
					t.Fatalf("truncate vectors: %v", err)
				}
			},
		},
		{
			name: "bad magic",
			prepare: func(t *testing.T, dir string) {
				path := filepath.Join(dir, vectorsFileName)
				data, err := os.ReadFile(path)
				if err != nil {
					t.Fatalf("read vectors: %v", err)
				}
				data[0] ^= 0xff
				if err := os.WriteFile(path, data, 0o644); err != nil {
					t.Fatalf("corrupt vectors: %v", err)
				}
			},
		},
		{
			name: "missing metadata",
			prepare: func(t *testing.T, dir string) {
				if err := os.Remove(filepath.Join(dir, metaFileName)); err != nil {
					t.Fatalf("remove metadata: %v", err)
				}
			},
		},
		{
			name: "invalid metadata json",
			prepare: func(t *testing.T, dir string) {
				if err := os.WriteFile(filepath.Join(dir, metaFileName), []byte("{"), 0o644); err != nil {
					t.Fatalf("corrupt metadata: %v", err)
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			f := buildTestIndex(t)
			if err := f.Save(dir); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			tc.prepare(t, dir)
			if _, err := LoadFlat(dir); !errors.Is(err, ErrIndexCorrupt) {
				t.Errorf("got %v, want ErrIndexCorrupt", err)
			}
		})
	}
}

func TestFlatCloneIsolation(t *testing.T) {
	f := buildTestIndex(t)
	c := f.Clone()
	if err := c.Append(normalize([]float32{0, 0, 0, 1}), "sku-004", "front.png"); err != nil {
		t.Fatalf("Append to clone failed: %v", err)
	}
	if f.Size() != 5 {
		t.Errorf("original size changed: got %d, want 5", f.Size())
	}
	if c.Size() != 6 {
		t.Errorf("clone size: got %d, want 6", c.Size())
	}
}
