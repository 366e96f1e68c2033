package index

import (
	"fmt"
	"sort"
)

// Aggregation collapses multiple per-image hits into per-SKU scores.
type Aggregation string

const (
	// AggregationMax scores each SKU by its best-matching sample image.
	AggregationMax Aggregation = "max"
	// AggregationMean scores each SKU by the mean over its hits in the
	// candidate pool.
	AggregationMean Aggregation = "mean"
	// AggregationNone keeps raw per-vector hits in search order, so
	// the same SKU may appear more than once.
	AggregationNone Aggregation = "none"
)

// ParseAggregation validates a policy name, defaulting empty to max.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case "":
		return AggregationMax, nil
	case AggregationMax, AggregationMean, AggregationNone:
		return Aggregation(s), nil
	default:
		return "", fmt.Errorf("unknown aggregation policy %q", s)
	}
}

// SKUScore is a per-SKU aggregated result.
type SKUScore struct {
	SKUID string
	Score float32
}

// Aggregate reduces raw hits to at most topK distinct SKUs, ordered by
// descending score with SKU id as the tie-break for determinism. The
// none policy bypasses the reduction and returns the raw hits in their
// search order, duplicates included.
func Aggregate(hits []Hit, policy Aggregation, topK int) []SKUScore {
	if len(hits) == 0 || topK <= 0 {
		return nil
	}

	if policy == AggregationNone {
		if topK > len(hits) {
			topK = len(hits)
		}
		scores := make([]SKUScore, topK)
		for i, h := range hits[:topK] {
			scores[i] = SKUScore{SKUID: h.SKUID, Score: h.Score}
		}
		return scores
	}

	type acc struct {
		sum   float32
		count int
		best  float32
	}
	bySKU := make(map[string]*acc)
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		a, ok := bySKU[h.SKUID]
		if !ok {
			a = &acc{best: h.Score}
			bySKU[h.SKUID] = a
			order = append(order, h.SKUID)
		} else if h.Score > a.best {
			a.best = h.Score
		}
		a.sum += h.Score
		a.count++
	}

	scores := make([]SKUScore, 0, len(order))
	for _, sku := range order {
		a := bySKU[sku]
		s := SKUScore{SKUID: sku}
		switch policy {
		case AggregationMean:
			s.Score = a.sum / float32(a.count)
		default:
			s.Score = a.best
		}
		scores = append(scores, s)
	}

	sort.Slice(scores, func(a, b int) bool {
		if scores[a].Score != scores[b].Score {
			return scores[a].Score > scores[b].Score
		}
		return scores[a].SKUID < scores[b].SKUID
	})

	if topK > len(scores) {
		topK = len(scores)
	}
	return scores[:topK]
}
