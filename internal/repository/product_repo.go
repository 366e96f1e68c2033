package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smartmart/vision/internal/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ProductRepository resolves SKU ids against the catalog.
type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, product *domain.Product) error {
	if err := r.db.WithContext(ctx).Create(product).Error; err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

// Upsert inserts the product or updates the existing row with the same SKU id.
func (r *ProductRepository) Upsert(ctx context.Context, product *domain.Product) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "category", "price", "barcode", "image_url", "active", "updated_at"}),
	}).Create(product).Error
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (r *ProductRepository) GetBySKU(ctx context.Context, skuID string) (*domain.Product, error) {
	var product domain.Product
	err := r.db.WithContext(ctx).Where("sku_id = ?", skuID).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

// ResolveSKUs returns the products for the given SKU ids keyed by SKU id.
// Unknown ids are simply absent from the result.
func (r *ProductRepository) ResolveSKUs(ctx context.Context, skuIDs []string) (map[string]*domain.Product, error) {
	if len(skuIDs) == 0 {
		return map[string]*domain.Product{}, nil
	}
	var products []domain.Product
	err := r.db.WithContext(ctx).Where("sku_id IN ?", skuIDs).Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve skus: %w", err)
	}
	out := make(map[string]*domain.Product, len(products))
	for i := range products {
		out[products[i].SKUID] = &products[i]
	}
	return out, nil
}

// ListSKUs returns all active SKU ids.
func (r *ProductRepository) ListSKUs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.Product{}).
		Where("active = ?", true).
		Order("sku_id asc").
		Pluck("sku_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list skus: %w", err)
	}
	return ids, nil
}

// Random returns up to n active products in random order. Used to
// produce placeholder candidates while no index is available.
func (r *ProductRepository) Random(ctx context.Context, n int) ([]domain.Product, error) {
	if n <= 0 {
		return nil, nil
	}
	var products []domain.Product
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("RANDOM()").
		Limit(n).
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sample products: %w", err)
	}
	return products, nil
}
