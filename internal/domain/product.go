package domain

import "time"

// Product is a catalog entry that recognition candidates resolve to.
type Product struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	SKUID     string    `gorm:"column:sku_id;uniqueIndex;size:64;not null" json:"sku_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Category  string    `gorm:"size:128;index" json:"category,omitempty"`
	Price     float64   `json:"price"`
	Barcode   string    `gorm:"size:64;index" json:"barcode,omitempty"`
	ImageURL  string    `gorm:"size:512" json:"image_url,omitempty"`
	Active    bool      `gorm:"default:true;index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// Candidate is one ranked recognition result.
type Candidate struct {
	SKUID string  `json:"sku_id"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`
}
