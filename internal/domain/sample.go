package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CandidateList stores ranked candidates as a JSON column.
type CandidateList []Candidate

// Value implements driver.Valuer for database storage
func (c CandidateList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval
func (c *CandidateList) Scan(value interface{}) error {
	if value == nil {
		*c = CandidateList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported type for CandidateList")
	}
	return json.Unmarshal(data, c)
}

// VisionSample records one recognition query and, once the cashier
// confirms the sale, the true SKU for accuracy evaluation.
type VisionSample struct {
	ID          int64         `gorm:"primarykey" json:"id"`
	RequestID   string        `gorm:"size:64;index" json:"request_id"`
	ImagePath   string        `gorm:"size:512" json:"image_path,omitempty"`
	Checksum    string        `gorm:"column:query_image_checksum;size:64" json:"query_image_checksum,omitempty"`
	Candidates  CandidateList `gorm:"type:text" json:"candidates"`
	Mode        string        `gorm:"size:16;not null;default:normal" json:"mode"`
	TopK        int           `json:"top_k"`
	Aggregation string        `gorm:"size:16" json:"aggregation"`
	LatencyMs   int64         `json:"latency_ms"`
	TrueSKUID   *string       `gorm:"column:true_sku_id;size:64;index" json:"true_sku_id,omitempty"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time     `gorm:"index" json:"created_at"`
}

func (VisionSample) TableName() string {
	return "vision_samples"
}

// Confirmed reports whether the true SKU has been recorded.
func (s *VisionSample) Confirmed() bool {
	return s.TrueSKUID != nil
}
