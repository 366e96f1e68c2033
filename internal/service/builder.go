package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartmart/vision/internal/domain"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/logger"
)

// BuilderConfig holds tunables for index construction.
type BuilderConfig struct {
	IndexDir      string
	Workers       int
	FlatThreshold int
}

// BuilderService constructs index snapshots from the sample library.
// One build runs at a time; recognition keeps serving the previous
// snapshot until the new one is published.
type BuilderService struct {
	embedder    EmbeddingProvider
	library     *SampleLibrary
	recognition *RecognitionService
	remote      *index.Remote
	logger      *logger.Logger
	cfg         BuilderConfig

	buildMu sync.Mutex // held for the duration of a build

	progMu   sync.Mutex
	progress domain.BuildProgress
}

func NewBuilderService(
	emb EmbeddingProvider,
	library *SampleLibrary,
	recognition *RecognitionService,
	remote *index.Remote,
	log *logger.Logger,
	cfg BuilderConfig,
) *BuilderService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &BuilderService{
		embedder:    emb,
		library:     library,
		recognition: recognition,
		remote:      remote,
		logger:      log,
		cfg:         cfg,
		progress:    domain.BuildProgress{Status: domain.BuildStatusIdle},
	}
}

// Progress returns a copy of the latest build state.
func (s *BuilderService) Progress() domain.BuildProgress {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	return s.progress
}

func (s *BuilderService) setProgress(update func(*domain.BuildProgress)) {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	update(&s.progress)
}

// StartBuild begins a full rebuild in the background and returns the
// initial progress. ErrBuildInProgress is returned while another build
// holds the lock.
func (s *BuilderService) StartBuild(ctx context.Context) (domain.BuildProgress, error) {
	if !s.buildMu.TryLock() {
		return domain.BuildProgress{}, ErrBuildInProgress
	}

	skus, err := s.library.Scan()
	if err != nil {
		s.buildMu.Unlock()
		return domain.BuildProgress{}, err
	}
	if len(skus) == 0 {
		s.buildMu.Unlock()
		return domain.BuildProgress{}, ErrNoSamples
	}

	buildID := uuid.New().String()
	totalImages := 0
	for _, sku := range skus {
		totalImages += len(sku.Images)
	}
	s.setProgress(func(p *domain.BuildProgress) {
		*p = domain.BuildProgress{
			BuildID:     buildID,
			Status:      domain.BuildStatusBuilding,
			TotalSKUs:   len(skus),
			TotalImages: totalImages,
			StartedAt:   time.Now(),
		}
	})

	go func() {
		defer s.buildMu.Unlock()
		// Detached from the request context: an aborted HTTP request
		// must not kill a running build.
		s.runBuild(context.Background(), buildID, skus)
	}()

	return s.Progress(), nil
}

type embedJob struct {
	slot int
	sku  string
	path string
}

func (s *BuilderService) runBuild(ctx context.Context, buildID string, skus []SKUSamples) {
	ctx = logger.SetBuildID(ctx, buildID)
	log := s.logger.WithField(logger.FieldBuildID, buildID)
	start := time.Now()
	log.WithField(logger.FieldCount, len(skus)).Info("index build started")

	if err := s.embedder.Preload(ctx); err != nil {
		s.failBuild(log, err)
		return
	}

	// Slots keep the vector order deterministic regardless of which
	// worker finishes first.
	type slotResult struct {
		vec []float32
		sku string
		src string
		ok  bool
	}
	total := 0
	pending := make(map[string]int, len(skus))
	for _, sku := range skus {
		total += len(sku.Images)
		pending[sku.SKUID] = len(sku.Images)
	}
	results := make([]slotResult, total)

	// A SKU counts as done once its last image is embedded or skipped.
	var pendMu sync.Mutex
	imageDone := func(sku string) {
		pendMu.Lock()
		pending[sku]--
		finished := pending[sku] == 0
		pendMu.Unlock()
		if finished {
			s.setProgress(func(p *domain.BuildProgress) {
				p.DoneSKUs++
			})
		}
	}

	jobs := make(chan embedJob, s.cfg.Workers*2)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				vec, err := s.embedImage(ctx, job.path)
				if err != nil {
					log.WithError(err).WithField(logger.FieldSKUID, job.sku).
						Warn("skipping sample image " + job.path)
					s.setProgress(func(p *domain.BuildProgress) {
						p.Skipped++
					})
				} else {
					results[job.slot] = slotResult{vec: vec, sku: job.sku, src: filepath.Base(job.path), ok: true}
					s.setProgress(func(p *domain.BuildProgress) {
						p.DoneImages++
					})
				}
				imageDone(job.sku)
			}
		}()
	}

	slot := 0
	for _, sku := range skus {
		for _, path := range sku.Images {
			jobs <- embedJob{slot: slot, sku: sku.SKUID, path: path}
			slot++
		}
	}
	close(jobs)
	wg.Wait()

	flat := index.NewFlat(s.embedder.Dimension())
	for _, r := range results {
		if !r.ok {
			continue
		}
		if err := flat.Append(r.vec, r.sku, r.src); err != nil {
			s.failBuild(log, err)
			return
		}
	}
	if flat.Size() == 0 {
		s.failBuild(log, fmt.Errorf("%w: all images failed to embed", ErrNoSamples))
		return
	}

	flat.SetInfo(domain.BuildInfo{
		BuildID:   buildID,
		ModelID:   s.embedder.ModelID(),
		Dimension: flat.Dimension(),
		BuiltAt:   time.Now().UTC(),
	})

	if err := s.publish(ctx, flat, buildID); err != nil {
		s.failBuild(log, err)
		return
	}

	now := time.Now()
	s.setProgress(func(p *domain.BuildProgress) {
		p.Status = domain.BuildStatusCompleted
		p.FinishedAt = &now
	})
	log.WithFields(logger.Fields{
		logger.FieldCount:      flat.Size(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("index build completed")
}

func (s *BuilderService) failBuild(log *logger.Logger, err error) {
	now := time.Now()
	s.setProgress(func(p *domain.BuildProgress) {
		p.Status = domain.BuildStatusFailed
		p.Error = err.Error()
		p.FinishedAt = &now
	})
	log.WithError(err).Error("index build failed, previous snapshot kept")
}

func (s *BuilderService) embedImage(ctx context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample image: %w", err)
	}
	return s.embedder.Extract(ctx, data)
}

// publish persists the snapshot, swaps it into the recognition path,
// and mirrors it to the remote backend when the catalog outgrows the
// exact scan.
func (s *BuilderService) publish(ctx context.Context, flat *index.Flat, buildID string) error {
	if err := flat.Save(s.cfg.IndexDir); err != nil {
		return err
	}
	s.recognition.Publish(flat)

	if s.remote != nil && flat.Size() > s.cfg.FlatThreshold {
		if err := s.remote.Sync(ctx, flat, buildID); err != nil {
			// The flat snapshot still serves queries; the mirror can
			// catch up on the next build.
			s.logger.WithError(err).Warn("failed to sync remote index backend")
		}
	}
	return nil
}

// Update appends the samples of one SKU to the serving snapshot
// without a full rebuild. Images already represented in the snapshot
// are skipped, so repeated updates never duplicate vectors. New
// products become recognizable as soon as their photos land in the
// library.
func (s *BuilderService) Update(ctx context.Context, skuID string) (*domain.BuildInfo, error) {
	if !s.buildMu.TryLock() {
		return nil, ErrBuildInProgress
	}
	defer s.buildMu.Unlock()

	current := s.recognition.Current()
	if current == nil {
		return nil, index.ErrIndexNotFound
	}

	samples, err := s.library.ImagesForSKU(skuID)
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]struct{})
	for _, src := range current.SourcesForSKU(skuID) {
		indexed[src] = struct{}{}
	}

	var fresh []string
	for _, path := range samples.Images {
		if _, ok := indexed[filepath.Base(path)]; ok {
			continue
		}
		fresh = append(fresh, path)
	}
	if len(fresh) == 0 {
		info := current.Info()
		s.log(ctx).WithField(logger.FieldSKUID, skuID).Info("no new sample images, snapshot unchanged")
		return &info, nil
	}

	if err := s.embedder.Preload(ctx); err != nil {
		return nil, err
	}

	next := current.Clone()
	added := 0
	for _, path := range fresh {
		vec, err := s.embedImage(ctx, path)
		if err != nil {
			s.log(ctx).WithError(err).WithField(logger.FieldSKUID, skuID).
				Warn("skipping sample image " + path)
			continue
		}
		if err := next.Append(vec, skuID, filepath.Base(path)); err != nil {
			return nil, err
		}
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("%w: sku %s", ErrNoSamples, skuID)
	}

	buildID := uuid.New().String()
	next.SetInfo(domain.BuildInfo{
		BuildID:   buildID,
		ModelID:   s.embedder.ModelID(),
		Dimension: next.Dimension(),
		BuiltAt:   time.Now().UTC(),
	})
	if err := s.publish(ctx, next, buildID); err != nil {
		return nil, err
	}

	info := next.Info()
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldSKUID:   skuID,
		logger.FieldBuildID: buildID,
		logger.FieldCount:   added,
	}).Info("index updated incrementally")
	return &info, nil
}

func (s *BuilderService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
