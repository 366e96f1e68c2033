package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/repository"
)

// indexFromImages embeds the given payloads and builds a published
// snapshot, returning the payloads keyed by SKU for querying.
func indexFromImages(t *testing.T, svc *RecognitionService, emb *fakeEmbedder, skuImages map[string][][]byte) {
	t.Helper()
	flat := index.NewFlat(emb.Dimension())
	for sku, images := range skuImages {
		for _, img := range images {
			vec, err := emb.Extract(context.Background(), img)
			if err != nil {
				t.Fatalf("failed to embed test image: %v", err)
			}
			if err := flat.Append(vec, sku, ""); err != nil {
				t.Fatalf("failed to append vector: %v", err)
			}
		}
	}
	flat.SetInfo(flat.Info())
	svc.Publish(flat)
}

func testImages(sku string, n int) [][]byte {
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = []byte(fmt.Sprintf("image-%s-%d", sku, i))
	}
	return out
}

func TestRecognizeKnownImage(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2", "3")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	images := map[string][][]byte{
		"1": testImages("1", 3),
		"2": testImages("2", 3),
		"3": testImages("3", 3),
	}
	indexFromImages(t, svc, emb, images)

	result, err := svc.Recognize(context.Background(), images["2"][0], RecognizeOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if result.Mode != ModeNormal {
		t.Errorf("mode: got %s, want normal", result.Mode)
	}
	if len(result.Candidates) == 0 {
		t.Fatal("no candidates returned")
	}
	if result.Candidates[0].SKUID != "2" {
		t.Errorf("top candidate: got %s, want 2", result.Candidates[0].SKUID)
	}
	if math.Abs(result.Candidates[0].Score-1.0) > 1e-5 {
		t.Errorf("top score: got %f, want ~1.0", result.Candidates[0].Score)
	}
	if result.Candidates[0].Name != "Product 2" {
		t.Errorf("candidate name: got %q, want Product 2", result.Candidates[0].Name)
	}
	for i := 1; i < len(result.Candidates); i++ {
		if result.Candidates[i].Score > result.Candidates[i-1].Score {
			t.Errorf("candidates not sorted at %d", i)
		}
	}
	if result.SampleID == 0 {
		t.Error("recognition was not recorded as a sample")
	}
}

func TestRecognizeDistinctSKUs(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2", "3")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	images := map[string][][]byte{
		"1": testImages("1", 3),
		"2": testImages("2", 3),
		"3": testImages("3", 3),
	}
	indexFromImages(t, svc, emb, images)

	result, err := svc.Recognize(context.Background(), images["1"][0], RecognizeOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, c := range result.Candidates {
		if seen[c.SKUID] {
			t.Errorf("duplicate sku %s in candidates", c.SKUID)
		}
		seen[c.SKUID] = true
	}
}

func TestRecognizeDegraded(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2", "3", "4", "5")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	// No index published: recognition still answers.
	result, err := svc.Recognize(context.Background(), []byte("whatever"), RecognizeOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Recognize in degraded mode failed: %v", err)
	}
	if result.Mode != ModeDegraded {
		t.Errorf("mode: got %s, want degraded", result.Mode)
	}
	if len(result.Candidates) != 3 {
		t.Errorf("got %d candidates, want 3", len(result.Candidates))
	}
	for i := 1; i < len(result.Candidates); i++ {
		if result.Candidates[i].Score >= result.Candidates[i-1].Score {
			t.Errorf("degraded scores not strictly descending at %d", i)
		}
	}
	if result.SampleID == 0 {
		t.Error("degraded recognition was not recorded")
	}
}

func TestRecognizeDegradesOnEmbedderFailure(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2", "3")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)
	indexFromImages(t, svc, emb, map[string][][]byte{
		"1": testImages("1", 2),
		"2": testImages("2", 2),
	})

	emb.mu.Lock()
	emb.failLoad = errors.New("model backend offline")
	emb.loaded = false
	emb.mu.Unlock()

	// With an index loaded, a model outage must not fail the query.
	result, err := svc.Recognize(context.Background(), []byte("image-1-0"), RecognizeOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Recognize during model outage failed: %v", err)
	}
	if result.Mode != ModeDegraded {
		t.Errorf("mode: got %s, want degraded", result.Mode)
	}
	if len(result.Candidates) != 3 {
		t.Errorf("got %d candidates, want 3", len(result.Candidates))
	}
	if result.SampleID == 0 {
		t.Error("degraded recognition was not recorded")
	}

	// A broken upload is still the caller's error.
	if _, err := svc.Recognize(context.Background(), []byte("bad image"), RecognizeOptions{}); !errors.Is(err, embedder.ErrInvalidImage) {
		t.Errorf("got %v, want ErrInvalidImage", err)
	}
}

func TestRecognizeRecordsChecksum(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)
	indexFromImages(t, svc, emb, map[string][][]byte{"1": testImages("1", 2)})

	img := testImages("1", 1)[0]
	result, err := svc.Recognize(context.Background(), img, RecognizeOptions{})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	sample, err := repository.NewSampleRepository(db).GetByID(context.Background(), result.SampleID)
	if err != nil {
		t.Fatalf("failed to load recorded sample: %v", err)
	}
	digest := sha256.Sum256(img)
	if want := hex.EncodeToString(digest[:]); sample.Checksum != want {
		t.Errorf("checksum: got %s, want %s", sample.Checksum, want)
	}
}

func TestRecognizeInvalidImage(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)
	indexFromImages(t, svc, emb, map[string][][]byte{"1": testImages("1", 1)})

	if _, err := svc.Recognize(context.Background(), []byte("bad image"), RecognizeOptions{}); !errors.Is(err, embedder.ErrInvalidImage) {
		t.Errorf("got %v, want ErrInvalidImage", err)
	}
}

func TestRecognizeInvalidAggregation(t *testing.T) {
	db := newTestDB(t)
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	if _, err := svc.Recognize(context.Background(), []byte("img"), RecognizeOptions{Aggregation: "median"}); err == nil {
		t.Error("expected error for unknown aggregation policy")
	}
}

func TestRecognizeTopKClamp(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)
	indexFromImages(t, svc, emb, map[string][][]byte{"1": testImages("1", 2)})

	result, err := svc.Recognize(context.Background(), testImages("1", 1)[0], RecognizeOptions{TopK: 500})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if result.TopK != 20 {
		t.Errorf("topK: got %d, want clamped to 20", result.TopK)
	}
}

func TestRecognizeConcurrentWithPublish(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	images := map[string][][]byte{
		"1": testImages("1", 3),
		"2": testImages("2", 3),
	}
	indexFromImages(t, svc, emb, images)

	// Swap snapshots while queries are in flight; every query must
	// still succeed against whichever snapshot it picked up.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var pubWG sync.WaitGroup
	pubWG.Add(1)
	go func() {
		defer pubWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				indexFromImages(t, svc, emb, images)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				result, err := svc.Recognize(context.Background(), images["1"][0], RecognizeOptions{TopK: 2})
				if err != nil {
					t.Errorf("concurrent Recognize failed: %v", err)
					return
				}
				if result.Candidates[0].SKUID != "1" {
					t.Errorf("top candidate: got %s, want 1", result.Candidates[0].SKUID)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	pubWG.Wait()
}

func TestConfirm(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1", "2")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)
	indexFromImages(t, svc, emb, map[string][][]byte{"1": testImages("1", 1)})

	result, err := svc.Recognize(context.Background(), testImages("1", 1)[0], RecognizeOptions{})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	sample, err := svc.Confirm(context.Background(), result.SampleID, "2")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if sample.TrueSKUID == nil || *sample.TrueSKUID != "2" {
		t.Errorf("true sku: got %v, want 2", sample.TrueSKUID)
	}
	if sample.ConfirmedAt == nil {
		t.Error("confirmed_at not set")
	}

	// Second confirmation must not overwrite the first.
	sample, err = svc.Confirm(context.Background(), result.SampleID, "1")
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("got %v, want ErrAlreadyConfirmed", err)
	}
	if sample.TrueSKUID == nil || *sample.TrueSKUID != "2" {
		t.Errorf("stored sku changed on conflict: got %v, want 2", sample.TrueSKUID)
	}
}

func TestConfirmErrors(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	if _, err := svc.Confirm(context.Background(), 9999, "1"); !errors.Is(err, ErrSampleNotFound) {
		t.Errorf("missing sample: got %v, want ErrSampleNotFound", err)
	}
	if _, err := svc.Confirm(context.Background(), 1, "no-such-sku"); !errors.Is(err, ErrUnknownSKU) {
		t.Errorf("unknown sku: got %v, want ErrUnknownSKU", err)
	}
}

func TestStatus(t *testing.T) {
	db := newTestDB(t)
	seedProducts(t, db, "1")
	emb := newFakeEmbedder()
	svc := newTestRecognition(t, db, emb)

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Index.Present {
		t.Error("index reported present before any publish")
	}
	if st.ModelLoaded {
		t.Error("model reported loaded before any extract")
	}

	indexFromImages(t, svc, emb, map[string][][]byte{"1": testImages("1", 2)})
	if _, err := svc.Recognize(context.Background(), testImages("1", 1)[0], RecognizeOptions{}); err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	st, err = svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Index.Present {
		t.Error("index not reported present after publish")
	}
	if st.Index.Backend != "flat" {
		t.Errorf("backend: got %s, want flat", st.Index.Backend)
	}
	if !st.ModelLoaded {
		t.Error("model not reported loaded after extract")
	}
	if st.SamplesTotal != 1 {
		t.Errorf("samples total: got %d, want 1", st.SamplesTotal)
	}
}
