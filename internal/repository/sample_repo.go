package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/smartmart/vision/internal/domain"
)

// ErrAlreadyConfirmed indicates a sample's true SKU was already recorded.
var ErrAlreadyConfirmed = errors.New("sample already confirmed")

// SampleRepository persists recognition queries and their confirmations.
type SampleRepository struct {
	db *gorm.DB
}

func NewSampleRepository(db *gorm.DB) *SampleRepository {
	return &SampleRepository{db: db}
}

func (r *SampleRepository) Create(ctx context.Context, sample *domain.VisionSample) error {
	if err := r.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("failed to create vision sample: %w", err)
	}
	return nil
}

func (r *SampleRepository) GetByID(ctx context.Context, id int64) (*domain.VisionSample, error) {
	var sample domain.VisionSample
	err := r.db.WithContext(ctx).First(&sample, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get vision sample: %w", err)
	}
	return &sample, nil
}

// Confirm records the true SKU for a sample. The first confirmation
// wins; later attempts return ErrAlreadyConfirmed and leave the stored
// value untouched.
func (r *SampleRepository) Confirm(ctx context.Context, id int64, skuID string) (*domain.VisionSample, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.VisionSample{}).
		Where("id = ? AND true_sku_id IS NULL", id).
		Updates(map[string]interface{}{
			"true_sku_id":  skuID,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to confirm vision sample: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the sample does not exist or it was confirmed before.
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return existing, ErrAlreadyConfirmed
	}
	return r.GetByID(ctx, id)
}

// List returns samples newest first.
func (r *SampleRepository) List(ctx context.Context, limit, offset int) ([]domain.VisionSample, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.VisionSample{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count vision samples: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	var samples []domain.VisionSample
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&samples).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list vision samples: %w", err)
	}
	return samples, total, nil
}

// ListConfirmed returns all samples with a recorded true SKU, oldest first.
func (r *SampleRepository) ListConfirmed(ctx context.Context, since time.Time) ([]domain.VisionSample, error) {
	q := r.db.WithContext(ctx).Where("true_sku_id IS NOT NULL")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var samples []domain.VisionSample
	if err := q.Order("created_at asc").Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to list confirmed samples: %w", err)
	}
	return samples, nil
}

// CountConfirmed returns the number of confirmed samples.
func (r *SampleRepository) CountConfirmed(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&domain.VisionSample{}).
		Where("true_sku_id IS NOT NULL").
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count confirmed samples: %w", err)
	}
	return total, nil
}
