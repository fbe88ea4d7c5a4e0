package gen

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec marks caller-supplied parameters that fail validation.
// Handlers map it to a 400 before anything is dispatched.
var ErrInvalidSpec = errors.New("invalid generation spec")

const (
	defaultHeight    = 1024
	defaultWidth     = 1024
	defaultSteps     = 9
	defaultGuidance  = 0.0
	minDimension     = 64
	maxDimension     = 2048
	minSteps         = 1
	maxSteps         = 50
	maxGuidance      = 20.0
	maxBatchSize     = 16
	maxPromptLength  = 4096
)

// GenerateSpec is the immutable input of one generation task.
type GenerateSpec struct {
	Prompt            string         `json:"prompt"`
	Height            int            `json:"height"`
	Width             int            `json:"width"`
	NumInferenceSteps int            `json:"num_inference_steps"`
	GuidanceScale     float64        `json:"guidance_scale"`
	Seed              *int64         `json:"seed,omitempty"`
	NegativePrompt    *string        `json:"negative_prompt,omitempty"`
	CfgNormalization  *bool          `json:"cfg_normalization,omitempty"`
	CfgTruncation     *float64       `json:"cfg_truncation,omitempty"`
	MaxSequenceLength *int           `json:"max_sequence_length,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Normalize fills zero-valued tunables with the pipeline defaults.
func (s *GenerateSpec) Normalize() {
	if s.Height == 0 {
		s.Height = defaultHeight
	}
	if s.Width == 0 {
		s.Width = defaultWidth
	}
	if s.NumInferenceSteps == 0 {
		s.NumInferenceSteps = defaultSteps
	}
}

func (s *GenerateSpec) Validate() error {
	if s.Prompt == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidSpec)
	}
	if len(s.Prompt) > maxPromptLength {
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidSpec, maxPromptLength)
	}
	if s.Height < minDimension || s.Height > maxDimension {
		return fmt.Errorf("%w: height must be within [%d, %d]", ErrInvalidSpec, minDimension, maxDimension)
	}
	if s.Width < minDimension || s.Width > maxDimension {
		return fmt.Errorf("%w: width must be within [%d, %d]", ErrInvalidSpec, minDimension, maxDimension)
	}
	if s.NumInferenceSteps < minSteps || s.NumInferenceSteps > maxSteps {
		return fmt.Errorf("%w: num_inference_steps must be within [%d, %d]", ErrInvalidSpec, minSteps, maxSteps)
	}
	if s.GuidanceScale < 0 || s.GuidanceScale > maxGuidance {
		return fmt.Errorf("%w: guidance_scale must be within [0, %v]", ErrInvalidSpec, maxGuidance)
	}
	if s.MaxSequenceLength != nil && *s.MaxSequenceLength < 1 {
		return fmt.Errorf("%w: max_sequence_length must be >= 1", ErrInvalidSpec)
	}
	return nil
}

// ValidateBatchSize bounds the fan-out of a single submission.
func ValidateBatchSize(n int) error {
	if n < 1 || n > maxBatchSize {
		return fmt.Errorf("%w: batch_size must be within [1, %d]", ErrInvalidSpec, maxBatchSize)
	}
	return nil
}

// ItemSeed derives the per-item seed for index i from the batch base seed.
// A nil base seed leaves every item unseeded.
func (s GenerateSpec) ItemSeed(index int) *int64 {
	if s.Seed == nil {
		return nil
	}
	v := *s.Seed + int64(index)
	return &v
}
