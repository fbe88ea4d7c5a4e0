package gen

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrTaskNotFound means the execution backend has no record of the task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrGenerationCancelled is returned by engines that abort cooperatively
// after a cancel request was observed between steps.
var ErrGenerationCancelled = errors.New("generation cancelled")

// Machine-readable execution error codes surfaced to clients.
const (
	CodeGPUOOM            = "gpu_oom"
	CodeDependencyMissing = "dependency_missing"
	CodeModelMissing      = "model_missing"
	CodeInternalError     = "internal_error"
)

// GenerationError is the structured terminal error of a failed task.
// Hint is the short user-facing message; Detail carries the raw failure
// text and may be omitted for security-sensitive responses.
type GenerationError struct {
	Code   string `json:"code"`
	Hint   string `json:"message"`
	Detail string `json:"detail,omitempty"`
}

func (e *GenerationError) Error() string {
	b, err := json.Marshal(e)
	if err != nil {
		return e.Code + ": " + e.Hint
	}
	return string(b)
}

// Classify maps a low-level engine failure to a user-facing code + hint.
// Matching is best-effort over the error text; anything unrecognized becomes
// internal_error rather than leaking a raw traceback as the primary message.
func Classify(err error) *GenerationError {
	if err == nil {
		return nil
	}

	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}

	detail := strings.TrimSpace(err.Error())
	lowered := strings.ToLower(detail)

	switch {
	case strings.Contains(lowered, "out of memory") || strings.Contains(lowered, "cuda error"):
		return &GenerationError{
			Code:   CodeGPUOOM,
			Hint:   "GPU ran out of memory; retry with a lower resolution or fewer steps.",
			Detail: detail,
		}
	case strings.Contains(lowered, "connection refused") ||
		strings.Contains(lowered, "no such host") ||
		strings.Contains(lowered, "dependency"):
		return &GenerationError{
			Code:   CodeDependencyMissing,
			Hint:   "Inference environment is missing a required dependency; check the worker logs.",
			Detail: detail,
		}
	case strings.Contains(lowered, "model not found") ||
		strings.Contains(lowered, "no such file") ||
		strings.Contains(lowered, "weights"):
		return &GenerationError{
			Code:   CodeModelMissing,
			Hint:   "Model weights were not found; verify the models directory is prepared.",
			Detail: detail,
		}
	}

	return &GenerationError{
		Code:   CodeInternalError,
		Hint:   "Generation failed with an unexpected error; please retry later.",
		Detail: detail,
	}
}
