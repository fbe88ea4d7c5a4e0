package gen

import "time"

// TaskPayload is the logical queue message for one generation task. The task
// id is assigned by the execution backend at submission time and is immutable.
type TaskPayload struct {
	TaskID string       `json:"task_id"`
	Spec   GenerateSpec `json:"spec"`

	// AuthKey is the submitting credential, empty for anonymous callers.
	AuthKey string `json:"auth_key,omitempty"`

	BatchID    string `json:"batch_id"`
	BatchIndex int    `json:"batch_index"`
	BatchSize  int    `json:"batch_size"`
}

// BaseSeed recovers the batch base seed from this item's derived seed.
func (p TaskPayload) BaseSeed() *int64 {
	if p.Spec.Seed == nil {
		return nil
	}
	v := *p.Spec.Seed - int64(p.BatchIndex)
	return &v
}

// Result is the durable payload of a successfully completed task.
type Result struct {
	ImageID           string         `json:"image_id"`
	Prompt            string         `json:"prompt"`
	Height            int            `json:"height"`
	Width             int            `json:"width"`
	NumInferenceSteps int            `json:"num_inference_steps"`
	GuidanceScale     float64        `json:"guidance_scale"`
	Seed              *int64         `json:"seed"`
	NegativePrompt    string         `json:"negative_prompt"`
	CfgNormalization  *bool          `json:"cfg_normalization"`
	CfgTruncation     *float64       `json:"cfg_truncation"`
	MaxSequenceLength *int           `json:"max_sequence_length"`
	CreatedAt         time.Time      `json:"created_at"`
	AuthKey           string         `json:"auth_key,omitempty"`
	Metadata          map[string]any `json:"metadata"`
	OutputPath        string         `json:"output_path"`
	RelativePath      string         `json:"relative_path"`
}

// TaskState is the point-in-time view of one task as held by the execution
// backend's result store. Exactly one of the progress/result/error views is
// meaningful for a given status.
type TaskState struct {
	TaskID    string           `json:"task_id"`
	Status    Status           `json:"status"`
	Progress  *int             `json:"progress,omitempty"`
	Result    *Result          `json:"result,omitempty"`
	Error     *GenerationError `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SubmitReceipt is returned by the dispatcher; no image is produced
// synchronously.
type SubmitReceipt struct {
	TaskID    string   `json:"task_id"`
	StatusURL string   `json:"status_url"`
	BatchID   string   `json:"batch_id"`
	TaskIDs   []string `json:"task_ids"`
}

// Summary is one history entry as shown in listings.
type Summary struct {
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	CreatedAt    *string `json:"created_at"`
	Prompt       *string `json:"prompt"`
	Height       *int    `json:"height"`
	Width        *int    `json:"width"`
	RelativePath *string `json:"relative_path"`
	Progress     *int    `json:"progress,omitempty"`
}
