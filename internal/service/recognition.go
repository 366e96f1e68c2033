package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartmart/vision/internal/domain"
	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/storage"
)

// EmbeddingProvider turns images into L2-normalized vectors.
type EmbeddingProvider interface {
	Extract(ctx context.Context, imageData []byte) ([]float32, error)
	Preload(ctx context.Context) error
	ModelID() string
	Dimension() int
	Loaded() bool
}

// Recognition modes reported alongside candidates.
const (
	ModeNormal   = "normal"
	ModeDegraded = "degraded"
)

// RecognitionConfig holds tunables for the recognition pipeline.
type RecognitionConfig struct {
	DefaultTopK        int
	MaxTopK            int
	DefaultAggregation index.Aggregation
	FlatThreshold      int
}

// RecognitionService answers photo-to-SKU queries against the current
// index snapshot. The snapshot is swapped atomically so recognition
// never blocks on a build.
type RecognitionService struct {
	embedder EmbeddingProvider
	products *repository.ProductRepository
	samples  *repository.SampleRepository
	archiver *storage.Archiver
	remote   *index.Remote
	logger   *logger.Logger
	cfg      RecognitionConfig

	current atomic.Pointer[index.Flat]
}

func NewRecognitionService(
	emb EmbeddingProvider,
	products *repository.ProductRepository,
	samples *repository.SampleRepository,
	archiver *storage.Archiver,
	remote *index.Remote,
	log *logger.Logger,
	cfg RecognitionConfig,
) *RecognitionService {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 20
	}
	if cfg.DefaultAggregation == "" {
		cfg.DefaultAggregation = index.AggregationMax
	}
	return &RecognitionService{
		embedder: emb,
		products: products,
		samples:  samples,
		archiver: archiver,
		remote:   remote,
		logger:   log,
		cfg:      cfg,
	}
}

func (s *RecognitionService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Publish swaps in a new index snapshot. In-flight searches keep the
// snapshot they started with.
func (s *RecognitionService) Publish(f *index.Flat) {
	s.current.Store(f)
}

// Current returns the serving snapshot, nil before the first load.
func (s *RecognitionService) Current() *index.Flat {
	return s.current.Load()
}

// LoadIndex reads a persisted index from dir and publishes it.
func (s *RecognitionService) LoadIndex(dir string) error {
	f, err := index.LoadFlat(dir)
	if err != nil {
		return err
	}
	s.Publish(f)
	s.logger.WithFields(logger.Fields{
		logger.FieldBuildID: f.Info().BuildID,
		logger.FieldCount:   f.Size(),
	}).Info("index snapshot loaded")
	return nil
}

// Preload loads the embedding model ahead of the first query.
func (s *RecognitionService) Preload(ctx context.Context) error {
	return s.embedder.Preload(ctx)
}

// RecognizeOptions are per-request overrides.
type RecognizeOptions struct {
	TopK        int
	Aggregation string
}

// RecognizeResult is one recognition answer.
type RecognizeResult struct {
	SampleID    int64              `json:"sample_id"`
	RequestID   string             `json:"request_id"`
	Mode        string             `json:"mode"`
	Candidates  []domain.Candidate `json:"candidates"`
	TopK        int                `json:"top_k"`
	Aggregation string             `json:"aggregation"`
	LatencyMs   int64              `json:"latency_ms"`
	BuildID     string             `json:"build_id,omitempty"`
}

// Recognize embeds the image and returns the topK candidate SKUs.
// With no index available it degrades to placeholder candidates drawn
// from the catalog instead of failing the checkout flow.
func (s *RecognitionService) Recognize(ctx context.Context, imageData []byte, opts RecognizeOptions) (*RecognizeResult, error) {
	start := time.Now()

	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}
	agg := s.cfg.DefaultAggregation
	if opts.Aggregation != "" {
		parsed, err := index.ParseAggregation(opts.Aggregation)
		if err != nil {
			return nil, err
		}
		agg = parsed
	}

	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	snapshot := s.current.Load()
	if snapshot == nil || snapshot.Size() == 0 {
		s.log(ctx).Warn("no index available, serving degraded recognition")
		return s.recognizeDegraded(ctx, requestID, imageData, topK, agg, start)
	}

	// A broken image is the caller's fault; any other failure along the
	// query path degrades instead of blocking the checkout.
	vec, err := s.embedder.Extract(ctx, imageData)
	if err != nil {
		if errors.Is(err, embedder.ErrInvalidImage) {
			return nil, err
		}
		s.log(ctx).WithError(err).Warn("embedding failed, serving degraded recognition")
		return s.recognizeDegraded(ctx, requestID, imageData, topK, agg, start)
	}

	hits, err := s.search(ctx, snapshot, vec, topK)
	if err != nil {
		s.log(ctx).WithError(err).Warn("index search failed, serving degraded recognition")
		return s.recognizeDegraded(ctx, requestID, imageData, topK, agg, start)
	}
	scores := index.Aggregate(hits, agg, topK)

	candidates, err := s.resolve(ctx, scores)
	if err != nil {
		s.log(ctx).WithError(err).Warn("candidate lookup failed, serving degraded recognition")
		return s.recognizeDegraded(ctx, requestID, imageData, topK, agg, start)
	}

	result := &RecognizeResult{
		RequestID:   requestID,
		Mode:        ModeNormal,
		Candidates:  candidates,
		TopK:        topK,
		Aggregation: string(agg),
		LatencyMs:   time.Since(start).Milliseconds(),
		BuildID:     snapshot.Info().BuildID,
	}
	s.record(ctx, result, imageData)

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldDurationMs: result.LatencyMs,
		logger.FieldCount:      len(candidates),
	}).Debug("recognition completed")
	return result, nil
}

// search picks the backend and oversamples enough raw hits that
// aggregation can still fill topK distinct SKUs.
func (s *RecognitionService) search(ctx context.Context, snapshot *index.Flat, vec []float32, topK int) ([]index.Hit, error) {
	size := snapshot.Size()
	skuCount := snapshot.Info().SKUCount
	if skuCount <= 0 {
		skuCount = snapshot.SKUCount()
	}
	avg := (size + skuCount - 1) / skuCount
	topN := topK * avg
	if min := 2 * topK; topN < min {
		topN = min
	}
	if topN > size {
		topN = size
	}

	var backend index.Searcher = snapshot
	if s.remote != nil && size > s.cfg.FlatThreshold && s.remote.Size() > 0 {
		backend = s.remote
	}
	return backend.Search(ctx, vec, topN)
}

func (s *RecognitionService) resolve(ctx context.Context, scores []index.SKUScore) ([]domain.Candidate, error) {
	ids := make([]string, len(scores))
	for i, sc := range scores {
		ids[i] = sc.SKUID
	}
	byID, err := s.products.ResolveSKUs(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, len(scores))
	for i, sc := range scores {
		candidates[i] = domain.Candidate{SKUID: sc.SKUID, Score: float64(sc.Score)}
		if p, ok := byID[sc.SKUID]; ok {
			candidates[i].Name = p.Name
		}
	}
	return candidates, nil
}

// recognizeDegraded serves placeholder candidates when the normal
// query path cannot. Scores are synthetic and descending so clients
// can still render a ranked list; the mode field marks them as
// untrusted.
func (s *RecognitionService) recognizeDegraded(ctx context.Context, requestID string, imageData []byte, topK int, agg index.Aggregation, start time.Time) (*RecognizeResult, error) {
	products, err := s.products.Random(ctx, topK)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, len(products))
	for i, p := range products {
		candidates[i] = domain.Candidate{
			SKUID: p.SKUID,
			Name:  p.Name,
			Score: 0.10 - float64(i)*0.01,
		}
	}

	result := &RecognizeResult{
		RequestID:   requestID,
		Mode:        ModeDegraded,
		Candidates:  candidates,
		TopK:        topK,
		Aggregation: string(agg),
		LatencyMs:   time.Since(start).Milliseconds(),
	}
	s.record(ctx, result, imageData)
	return result, nil
}

// record persists the query as a VisionSample and optionally archives
// the image. Persistence failures are logged, not returned; losing a
// sample must not fail a checkout.
func (s *RecognitionService) record(ctx context.Context, result *RecognizeResult, imageData []byte) {
	digest := sha256.Sum256(imageData)
	sample := &domain.VisionSample{
		RequestID:   result.RequestID,
		Checksum:    hex.EncodeToString(digest[:]),
		Mode:        result.Mode,
		TopK:        result.TopK,
		Aggregation: result.Aggregation,
		LatencyMs:   result.LatencyMs,
		Candidates:  make(domain.CandidateList, len(result.Candidates)),
	}
	copy(sample.Candidates, result.Candidates)

	if s.archiver != nil {
		sample.ImagePath = s.archiver.Archive(result.RequestID, imageData, "image/jpeg")
	}

	if err := s.samples.Create(ctx, sample); err != nil {
		s.log(ctx).WithError(err).Error("failed to record vision sample")
		return
	}
	result.SampleID = sample.ID
}

// Confirm records the true SKU for a past recognition. The first
// confirmation is immutable; repeats return ErrAlreadyConfirmed.
func (s *RecognitionService) Confirm(ctx context.Context, sampleID int64, skuID string) (*domain.VisionSample, error) {
	if _, err := s.products.GetBySKU(ctx, skuID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSKU, skuID)
		}
		return nil, err
	}

	sample, err := s.samples.Confirm(ctx, sampleID, skuID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("%w: id %d", ErrSampleNotFound, sampleID)
		case errors.Is(err, repository.ErrAlreadyConfirmed):
			return sample, ErrAlreadyConfirmed
		default:
			return nil, err
		}
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldSampleID: sampleID,
		logger.FieldSKUID:    skuID,
	}).Info("vision sample confirmed")
	return sample, nil
}

// IndexStatus describes the serving snapshot.
type IndexStatus struct {
	Present bool              `json:"present"`
	Backend string            `json:"backend,omitempty"`
	Info    *domain.BuildInfo `json:"info,omitempty"`
}

// Status is the service health summary.
type Status struct {
	ModelLoaded      bool        `json:"model_loaded"`
	ModelID          string      `json:"model_id,omitempty"`
	Dimension        int         `json:"dimension"`
	Index            IndexStatus `json:"index"`
	SamplesTotal     int64       `json:"samples_total"`
	SamplesConfirmed int64       `json:"samples_confirmed"`
}

func (s *RecognitionService) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		ModelLoaded: s.embedder.Loaded(),
		ModelID:     s.embedder.ModelID(),
		Dimension:   s.embedder.Dimension(),
	}

	if snapshot := s.current.Load(); snapshot != nil && snapshot.Size() > 0 {
		info := snapshot.Info()
		st.Index = IndexStatus{Present: true, Backend: "flat", Info: &info}
		if s.remote != nil && snapshot.Size() > s.cfg.FlatThreshold && s.remote.Size() > 0 {
			st.Index.Backend = "qdrant"
		}
	}

	_, total, err := s.samples.List(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	st.SamplesTotal = total
	confirmed, err := s.samples.CountConfirmed(ctx)
	if err != nil {
		return nil, err
	}
	st.SamplesConfirmed = confirmed
	return st, nil
}
