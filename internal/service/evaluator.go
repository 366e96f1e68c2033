package service

import (
	"context"
	"sort"
	"time"

	"github.com/smartmart/vision/internal/domain"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
)

// EvaluatorService scores recognition quality against confirmed
// samples: the candidates served at query time versus the SKU the
// cashier actually rang up.
type EvaluatorService struct {
	samples *repository.SampleRepository
	logger  *logger.Logger
}

func NewEvaluatorService(samples *repository.SampleRepository, log *logger.Logger) *EvaluatorService {
	return &EvaluatorService{samples: samples, logger: log}
}

// SKUReport is the per-SKU accuracy breakdown.
type SKUReport struct {
	SKUID        string  `json:"sku_id"`
	Total        int     `json:"total"`
	Top1Hits     int     `json:"top1_hits"`
	TopKHits     int     `json:"topk_hits"`
	Top1Accuracy float64 `json:"top1_accuracy"`
	TopKAccuracy float64 `json:"topk_accuracy"`
}

// Report aggregates accuracy over all confirmed samples.
type Report struct {
	Total        int         `json:"total"`
	TopK         int         `json:"top_k"`
	Top1Accuracy float64     `json:"top1_accuracy"`
	TopKAccuracy float64     `json:"topk_accuracy"`
	MRR          float64     `json:"mrr"`
	PerSKU       []SKUReport `json:"per_sku"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

// Evaluate computes top-1 accuracy, top-K accuracy, and mean
// reciprocal rank over confirmed samples created since the given time.
// A zero since includes everything. Degraded-mode samples are excluded
// since their candidates were placeholders.
func (s *EvaluatorService) Evaluate(ctx context.Context, topK int, since time.Time) (*Report, error) {
	if topK <= 0 {
		topK = 5
	}

	samples, err := s.samples.ListConfirmed(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &Report{TopK: topK, GeneratedAt: time.Now().UTC()}
	perSKU := make(map[string]*SKUReport)
	var reciprocalSum float64
	top1Hits := 0
	topKHits := 0

	for _, sample := range samples {
		if sample.Mode == ModeDegraded {
			continue
		}
		trueSKU := *sample.TrueSKUID
		report.Total++

		sr, ok := perSKU[trueSKU]
		if !ok {
			sr = &SKUReport{SKUID: trueSKU}
			perSKU[trueSKU] = sr
		}
		sr.Total++

		rank := rankOf(sample.Candidates, trueSKU, topK)
		if rank == 1 {
			top1Hits++
			sr.Top1Hits++
		}
		if rank > 0 {
			topKHits++
			sr.TopKHits++
			reciprocalSum += 1.0 / float64(rank)
		}
	}

	if report.Total == 0 {
		return nil, ErrNoEvaluationData
	}

	n := float64(report.Total)
	report.Top1Accuracy = float64(top1Hits) / n
	report.TopKAccuracy = float64(topKHits) / n
	report.MRR = reciprocalSum / n

	report.PerSKU = make([]SKUReport, 0, len(perSKU))
	for _, sr := range perSKU {
		sr.Top1Accuracy = float64(sr.Top1Hits) / float64(sr.Total)
		sr.TopKAccuracy = float64(sr.TopKHits) / float64(sr.Total)
		report.PerSKU = append(report.PerSKU, *sr)
	}
	sort.Slice(report.PerSKU, func(a, b int) bool {
		return report.PerSKU[a].SKUID < report.PerSKU[b].SKUID
	})

	s.logger.WithFields(logger.Fields{
		logger.FieldCount: report.Total,
		"top1_accuracy":   report.Top1Accuracy,
		"mrr":             report.MRR,
	}).Info("evaluation completed")
	return report, nil
}

// rankOf returns the 1-based position of the true SKU within the first
// topK candidates, 0 when absent.
func rankOf(candidates domain.CandidateList, trueSKU string, topK int) int {
	for i, c := range candidates {
		if i >= topK {
			break
		}
		if c.SKUID == trueSKU {
			return i + 1
		}
	}
	return 0
}
