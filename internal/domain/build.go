package domain

import "time"

// Build states
const (
	BuildStatusIdle      = "idle"
	BuildStatusBuilding  = "building"
	BuildStatusCompleted = "completed"
	BuildStatusFailed    = "failed"
)

// BuildInfo describes the index artifact currently serving queries.
type BuildInfo struct {
	BuildID     string    `json:"build_id"`
	ModelID     string    `json:"model_id"`
	Dimension   int       `json:"dimension"`
	VectorCount int       `json:"vector_count"`
	SKUCount    int       `json:"sku_count"`
	BuiltAt     time.Time `json:"built_at"`
}

// BuildProgress tracks an in-flight or finished build run.
type BuildProgress struct {
	BuildID     string     `json:"build_id"`
	Status      string     `json:"status"`
	TotalSKUs   int        `json:"total_skus"`
	DoneSKUs    int        `json:"done_skus"`
	TotalImages int        `json:"total_images"`
	DoneImages  int        `json:"done_images"`
	Skipped     int        `json:"skipped"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
