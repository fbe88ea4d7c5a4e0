package gen

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONMap stores caller-supplied metadata as a JSON text column so the same
// models work on Postgres and the sqlite test databases.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("unsupported metadata column type %T", src)
}

// APIClient is the ledger identity of an API key. Raw keys are never stored,
// only a SHA-256 hash and a derived logical id such as "admin" or
// "key_<hash8>".
type APIClient struct {
	ID          string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128;not null"`
	Role        string `gorm:"size:32;not null"`
	APIKeyHash  string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt   time.Time
}

func (APIClient) TableName() string { return "api_clients" }

// Batch is one fan-out submission of 1..N tasks. Its status and counters are
// derived from member task statuses, never set directly by a client.
type Batch struct {
	ID          string  `gorm:"primaryKey;size:36" json:"batch_id"`
	APIClientID *string `gorm:"size:64;index" json:"-"`
	CallerLabel *string `gorm:"size:128" json:"caller_label,omitempty"`

	Prompt            string  `gorm:"type:text;not null" json:"prompt"`
	NegativePrompt    *string `gorm:"type:text" json:"negative_prompt,omitempty"`
	Width             int     `gorm:"not null" json:"width"`
	Height            int     `gorm:"not null" json:"height"`
	NumInferenceSteps int     `gorm:"not null" json:"num_inference_steps"`
	GuidanceScale     float64 `gorm:"not null" json:"guidance_scale"`
	BaseSeed          *int64  `json:"base_seed,omitempty"`

	BatchSize    int    `gorm:"not null" json:"batch_size"`
	SuccessCount int    `gorm:"not null;default:0" json:"success_count"`
	FailedCount  int    `gorm:"not null;default:0" json:"failed_count"`
	Status       Status `gorm:"size:16;index;not null" json:"status"`

	Metadata JSONMap `gorm:"type:text" json:"metadata,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Batch) TableName() string { return "image_generation_batches" }

// Task is the per-item ledger row.
type Task struct {
	TaskID     string `gorm:"primaryKey;size:26" json:"task_id"` // ULID length
	BatchID    string `gorm:"size:36;index;not null" json:"batch_id"`
	BatchIndex int    `gorm:"not null" json:"batch_index"`
	Seed       *int64 `json:"seed,omitempty"`

	Status Status `gorm:"size:16;index;not null" json:"status"`

	Prompt            string   `gorm:"type:text;not null" json:"prompt"`
	NegativePrompt    *string  `gorm:"type:text" json:"negative_prompt,omitempty"`
	Width             int      `gorm:"not null" json:"width"`
	Height            int      `gorm:"not null" json:"height"`
	NumInferenceSteps int      `gorm:"not null" json:"num_inference_steps"`
	GuidanceScale     float64  `gorm:"not null" json:"guidance_scale"`
	CfgNormalization  *bool    `json:"cfg_normalization,omitempty"`
	CfgTruncation     *float64 `json:"cfg_truncation,omitempty"`
	MaxSequenceLength *int     `json:"max_sequence_length,omitempty"`

	// Filled when the task failed.
	ErrorCode    *string `gorm:"size:32" json:"error_code,omitempty"`
	ErrorHint    *string `gorm:"size:256" json:"error_hint,omitempty"`
	ErrorMessage *string `gorm:"type:text" json:"error_message,omitempty"`

	// Filled when the task succeeded.
	ImageID      *string `gorm:"size:32" json:"image_id,omitempty"`
	OutputPath   *string `gorm:"type:text" json:"output_path,omitempty"`
	RelativePath *string `gorm:"type:text" json:"relative_path,omitempty"`

	Metadata JSONMap `gorm:"type:text" json:"metadata,omitempty"`

	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string { return "image_generation_tasks" }
