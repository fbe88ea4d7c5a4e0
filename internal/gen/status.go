package gen

// Status is the lifecycle state of a single generation task.
//
// pending -> running -> {success, error, cancelled}
//
// The three right-hand states are terminal; a terminal status is written once
// and never revised.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Batch statuses reuse the task vocabulary plus "partial" for batches where
// at least one item failed or was cancelled.
const (
	BatchStatusPartial Status = "partial"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, BatchStatusPartial:
		return true
	}
	return false
}

// Coarse maps the internal vocabulary onto the UI-facing summary states.
func (s Status) Coarse() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError, StatusCancelled:
		return "FAILURE"
	default:
		return "PENDING"
	}
}
